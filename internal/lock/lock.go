// Package lock serializes access to the shared electrical bus, the pump group
// and the individual vials.
//
// Every physical operation takes its locks in one fixed order: the vial lock
// first, then the pump-group lock if a pump is driven, then the bus lock.
// Release happens in reverse. [Manager.AcquireSet] enforces the order so call
// sites cannot get it wrong; two vials contending for the pumps can therefore
// never wait on each other in opposite order.
//
// Acquisition is always bounded by a timeout. A [TimeoutError] means nothing
// was acquired and no physical state changed.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/san-kum/morbidostat/internal/metrics"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrTimeout is matched by every TimeoutError.
	ErrTimeout = errors.New("lock: acquisition timed out")

	// ErrUnknownLock is returned for a vial outside the configured range.
	ErrUnknownLock = errors.New("lock: unknown lock")
)

// TimeoutError reports which lock could not be taken and how long the
// caller waited for it.
type TimeoutError struct {
	Lock   ID
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock: timed out after %s waiting for %s", e.Waited.Round(time.Millisecond), e.Lock)
}

func (e *TimeoutError) Unwrap() error { return ErrTimeout }

// Kind orders lock classes; the numeric order is the acquisition order.
type Kind int

const (
	KindVial Kind = iota
	KindPump
	KindBus
)

// ID names one lock.
type ID struct {
	Kind Kind
	Vial int
}

var (
	Bus  = ID{Kind: KindBus}
	Pump = ID{Kind: KindPump}
)

// Vial returns the lock ID of vial n (1-based).
func Vial(n int) ID { return ID{Kind: KindVial, Vial: n} }

func (id ID) String() string {
	switch id.Kind {
	case KindBus:
		return "bus"
	case KindPump:
		return "pump"
	default:
		return fmt.Sprintf("vial%d", id.Vial)
	}
}

func (id ID) before(o ID) bool {
	if id.Kind != o.Kind {
		return id.Kind < o.Kind
	}
	return id.Vial < o.Vial
}

type entry struct {
	sem *semaphore.Weighted

	mu   sync.Mutex
	held bool
	gen  uint64
}

// Manager owns the bus lock, the pump-group lock and one lock per vial.
type Manager struct {
	bus   *entry
	pump  *entry
	vials []*entry

	metrics *metrics.Recorder
	logger  *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

func WithMetrics(r *metrics.Recorder) Option {
	return func(m *Manager) { m.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a manager for vials 1..vials.
func New(vials int, opts ...Option) *Manager {
	m := &Manager{
		bus:    newEntry(),
		pump:   newEntry(),
		vials:  make([]*entry, vials),
		logger: slog.Default(),
	}
	for i := range m.vials {
		m.vials[i] = newEntry()
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With("component", "lock")
	return m
}

func newEntry() *entry {
	return &entry{sem: semaphore.NewWeighted(1)}
}

func (m *Manager) entry(id ID) (*entry, error) {
	switch id.Kind {
	case KindBus:
		return m.bus, nil
	case KindPump:
		return m.pump, nil
	case KindVial:
		if id.Vial < 1 || id.Vial > len(m.vials) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownLock, id)
		}
		return m.vials[id.Vial-1], nil
	}
	return nil, fmt.Errorf("%w: kind %d", ErrUnknownLock, id.Kind)
}

// Acquire takes a single lock, waiting at most timeout (zero waits until ctx
// is done). Cancellation of ctx is returned as ctx.Err(); running out of time
// is returned as a *TimeoutError.
func (m *Manager) Acquire(ctx context.Context, id ID, timeout time.Duration) (*Guard, error) {
	e, err := m.entry(id)
	if err != nil {
		return nil, err
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	if err := e.sem.Acquire(actx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		m.metrics.LockTimeout(id.String())
		return nil, &TimeoutError{Lock: id, Waited: time.Since(start)}
	}
	m.metrics.LockWait(id.String(), time.Since(start))

	e.mu.Lock()
	e.gen++
	e.held = true
	g := &Guard{id: id, e: e, gen: e.gen}
	e.mu.Unlock()
	return g, nil
}

// AcquireSet takes every lock in ids in canonical order (vials, pump, bus).
// On failure the locks already taken are released in reverse order and the
// error of the failing acquisition is returned.
func (m *Manager) AcquireSet(ctx context.Context, timeout time.Duration, ids ...ID) (*Set, error) {
	ordered := make([]ID, 0, len(ids))
	seen := make(map[ID]bool, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			ordered = append(ordered, id)
		}
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].before(ordered[j]) })

	s := &Set{guards: make([]*Guard, 0, len(ordered))}
	for _, id := range ordered {
		g, err := m.Acquire(ctx, id, timeout)
		if err != nil {
			s.Release()
			return nil, err
		}
		s.guards = append(s.guards, g)
	}
	return s, nil
}

// With runs fn while holding ids, releasing them on every exit path.
func (m *Manager) With(ctx context.Context, timeout time.Duration, fn func() error, ids ...ID) error {
	s, err := m.AcquireSet(ctx, timeout, ids...)
	if err != nil {
		return err
	}
	defer s.Release()
	return fn()
}

// Held reports whether id is currently held by anyone.
func (m *Manager) Held(id ID) bool {
	e, err := m.entry(id)
	if err != nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.held
}

// ReleaseAll force-releases every held lock regardless of owner and returns
// how many were released. It is meant for emergency recovery only; guards
// issued before the call become no-ops.
func (m *Manager) ReleaseAll() int {
	n := 0
	for _, e := range m.all() {
		e.mu.Lock()
		if e.held {
			e.held = false
			e.sem.Release(1)
			n++
		}
		e.mu.Unlock()
	}
	if n > 0 {
		m.logger.Warn("force released locks", "count", n)
	}
	return n
}

func (m *Manager) all() []*entry {
	out := make([]*entry, 0, len(m.vials)+2)
	out = append(out, m.vials...)
	return append(out, m.pump, m.bus)
}

// Guard is one held lock.
type Guard struct {
	id       ID
	e        *entry
	gen      uint64
	released bool
}

func (g *Guard) ID() ID { return g.id }

// Release is idempotent. It does nothing if the lock was force released and
// possibly re-acquired by someone else since this guard was issued.
func (g *Guard) Release() {
	if g == nil {
		return
	}
	g.e.mu.Lock()
	defer g.e.mu.Unlock()
	if g.released {
		return
	}
	g.released = true
	if !g.e.held || g.e.gen != g.gen {
		return
	}
	g.e.held = false
	g.e.sem.Release(1)
}

// Set is a group of locks taken together by AcquireSet.
type Set struct {
	guards []*Guard
}

// Release releases the set in reverse acquisition order.
func (s *Set) Release() {
	if s == nil {
		return
	}
	for i := len(s.guards) - 1; i >= 0; i-- {
		s.guards[i].Release()
	}
}
