package storage

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// ParamConfig configures the parameter store.
type ParamConfig struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string

	// InMemory disables disk persistence. Tests only.
	InMemory bool

	// Logger receives badger's internal log lines. nil silences them.
	Logger *slog.Logger
}

// ParamStore is a write-through key/value store for culture parameters.
// Every Set is synced to disk before it returns.
type ParamStore struct {
	db *badger.DB
}

func OpenParams(cfg ParamConfig) (*ParamStore, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("storage: param store path is required")
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger.With("component", "badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open param store: %w", err)
	}
	return &ParamStore{db: db}, nil
}

// ParamKey builds the key of one vial parameter.
func ParamKey(experiment string, vial int, key string) string {
	return ParamPrefix(experiment, vial) + key
}

func ParamPrefix(experiment string, vial int) string {
	return "exp/" + experiment + "/vial/" + strconv.Itoa(vial) + "/"
}

func (s *ParamStore) Set(key string, value float64) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), []byte(strconv.FormatFloat(value, 'g', -1, 64)))
	})
	if err != nil {
		return fmt.Errorf("set parameter %s: %w", key, err)
	}
	return nil
}

func (s *ParamStore) Get(key string) (float64, bool, error) {
	var value float64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(b []byte) error {
			v, err := strconv.ParseFloat(string(b), 64)
			value = v
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get parameter %s: %w", key, err)
	}
	return value, true, nil
}

// Load returns every parameter under prefix with the prefix stripped.
func (s *ParamStore) Load(prefix string) (map[string]float64, error) {
	out := make(map[string]float64)
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), prefix)
			err := item.Value(func(b []byte) error {
				v, err := strconv.ParseFloat(string(b), 64)
				if err != nil {
					return fmt.Errorf("decode %s: %w", key, err)
				}
				out[key] = v
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load parameters %s: %w", prefix, err)
	}
	return out, nil
}

func (s *ParamStore) Close() error { return s.db.Close() }

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
