// Package culture holds the mutable state of one vial: latest OD, growth
// rate, drug concentration, generation, the append-only histories and the
// write-through parameter map.
package culture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"math"
	"sync"
	"time"

	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/storage"
)

var (
	ErrOutOfOrder         = errors.New("culture: sample older than history")
	ErrGenerationDecrease = errors.New("culture: generation cannot decrease")
	ErrStateKey           = errors.New("culture: parameter is owned by the dilution executor")
	ErrUnknownParameter   = errors.New("culture: unknown parameter")
)

// Sample is one history entry.
type Sample struct {
	Value float64
	Time  time.Time
}

// Store is the record log a culture appends to and loads from.
type Store interface {
	AppendRecords(ctx context.Context, records ...storage.Record) error
	Latest(ctx context.Context, experiment string, vial int) (storage.Latest, error)
	History(ctx context.Context, experiment string, vial int, kind storage.Kind) ([]storage.Record, error)
	DeleteHistory(ctx context.Context, experiment string, vial int) (int64, error)
}

// ParamStore persists parameters synchronously.
type ParamStore interface {
	Set(key string, value float64) error
	Load(prefix string) (map[string]float64, error)
}

type Config struct {
	Experiment string
	Vial       int
	// Defaults seeds the parameter map; stored values override it.
	Defaults map[string]float64
	// Store and Params may be nil for a memory-only culture.
	Store  Store
	Params ParamStore
	Logger *slog.Logger
	// GrowthMaxAge bounds how old a loaded growth rate may be before Load
	// treats it as unknown. Zero keeps any age.
	GrowthMaxAge time.Duration
	Clock        func() time.Time
}

type Culture struct {
	experiment string
	vial       int
	store      Store
	params     ParamStore
	logger     *slog.Logger
	maxAge     time.Duration
	now        func() time.Time

	mu             sync.RWMutex
	od             float64
	raw            float64
	odTime         time.Time
	growthRate     float64
	growthErr      float64
	growthTime     time.Time
	concentration  float64
	generation     float64
	lastDilution   time.Time
	lastDoseChange float64
	doses          []Sample
	generations    []Sample
	population     []Sample
	parameters     map[string]float64
	status         map[control.Reason]string
	statusTime     time.Time
	lastAction     control.Action
}

func New(cfg Config) *Culture {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	params := make(map[string]float64, len(cfg.Defaults))
	maps.Copy(params, cfg.Defaults)
	return &Culture{
		experiment:    cfg.Experiment,
		vial:          cfg.Vial,
		store:         cfg.Store,
		params:        cfg.Params,
		maxAge:        cfg.GrowthMaxAge,
		now:           now,
		logger:        logger.With("component", "culture", "vial", cfg.Vial),
		growthRate:    math.NaN(),
		growthErr:     math.NaN(),
		concentration: params[control.KeyDrugConcentration],
		generation:    params[control.KeyGeneration],
		parameters:    params,
		status:        make(map[control.Reason]string),
	}
}

func (c *Culture) Vial() int { return c.vial }

// Load restores parameters, latest values and histories from the stores.
func (c *Culture) Load(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var stored map[string]float64
	if c.params != nil {
		var err error
		stored, err = c.params.Load(storage.ParamPrefix(c.experiment, c.vial))
		if err != nil {
			return err
		}
		maps.Copy(c.parameters, stored)
		c.concentration = c.parameters[control.KeyDrugConcentration]
		c.generation = c.parameters[control.KeyGeneration]
	}
	if c.store == nil {
		return nil
	}

	latest, err := c.store.Latest(ctx, c.experiment, c.vial)
	if err != nil {
		return fmt.Errorf("load latest: %w", err)
	}
	if latest.HasMeasurement {
		c.od, c.odTime = latest.OD, latest.ODTime
	}
	c.growthRate, c.growthTime = latest.GrowthRate, latest.GrowthTime
	// Unknown rates are never persisted, so a rate from before downtime
	// may be stale.
	if c.maxAge > 0 && !c.growthTime.IsZero() && c.now().Sub(c.growthTime) > c.maxAge {
		c.logger.Debug("stored growth rate expired", "rate", c.growthRate, "at", c.growthTime)
		c.growthRate = math.NaN()
	}
	if latest.HasDilution {
		c.concentration, c.lastDilution = latest.Concentration, latest.LastDilution
		c.generation = latest.Generation
	}

	if c.population, err = c.loadHistory(ctx, storage.KindOD); err != nil {
		return err
	}
	if c.doses, err = c.loadHistory(ctx, storage.KindDose); err != nil {
		return err
	}
	if c.generations, err = c.loadHistory(ctx, storage.KindGeneration); err != nil {
		return err
	}

	if v, ok := stored[control.KeyLastDoseChange]; ok {
		c.lastDoseChange = v
	} else {
		c.lastDoseChange = LastDoseChange(c.doses, c.generations)
	}
	c.logger.Debug("culture loaded",
		"samples", len(c.population), "dilutions", len(c.doses),
		"concentration", c.concentration, "generation", c.generation)
	return nil
}

func (c *Culture) loadHistory(ctx context.Context, kind storage.Kind) ([]Sample, error) {
	records, err := c.store.History(ctx, c.experiment, c.vial, kind)
	if err != nil {
		return nil, fmt.Errorf("load %s history: %w", kind, err)
	}
	out := make([]Sample, len(records))
	for i, r := range records {
		out[i] = Sample{Value: r.Value, Time: r.Time}
		if kind == storage.KindOD && i == len(records)-1 {
			c.raw = r.Aux
		}
	}
	return out, nil
}

func (c *Culture) record(kind storage.Kind, value, aux float64, t time.Time) storage.Record {
	return storage.Record{
		Experiment: c.experiment,
		Vial:       c.vial,
		Kind:       kind,
		Value:      value,
		Aux:        aux,
		Time:       t,
	}
}

// RecordOD appends an OD measurement.
func (c *Culture) RecordOD(ctx context.Context, value, raw float64, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.population); n > 0 && t.Before(c.population[n-1].Time) {
		return fmt.Errorf("%w: od at %s", ErrOutOfOrder, t.Format(time.RFC3339))
	}
	if c.store != nil {
		if err := c.store.AppendRecords(ctx, c.record(storage.KindOD, value, raw, t)); err != nil {
			return err
		}
	}
	c.od, c.raw, c.odTime = value, raw, t
	c.population = append(c.population, Sample{Value: value, Time: t})
	return nil
}

// SetGrowthRate stores an estimate. Non-finite rates mark the rate unknown
// and are not persisted.
func (c *Culture) SetGrowthRate(ctx context.Context, rate, stderr float64, t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if math.IsNaN(rate) || math.IsInf(rate, 0) {
		c.growthRate, c.growthErr, c.growthTime = math.NaN(), math.NaN(), t
		return nil
	}
	if c.store != nil {
		if err := c.store.AppendRecords(ctx, c.record(storage.KindGrowthRate, rate, stderr, t)); err != nil {
			return err
		}
	}
	c.growthRate, c.growthErr, c.growthTime = rate, stderr, t
	return nil
}

// Dilution is a completed dilution to be committed to the histories.
type Dilution struct {
	Concentration   float64
	GenerationDelta float64
	Time            time.Time
}

// CommitDilution appends to the dose and generation histories and updates
// the drug concentration and generation. Nothing changes if persisting
// the records fails.
func (c *Culture) CommitDilution(ctx context.Context, d Dilution) error {
	if math.IsNaN(d.GenerationDelta) || d.GenerationDelta < 0 {
		return fmt.Errorf("%w: delta %f", ErrGenerationDecrease, d.GenerationDelta)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if n := len(c.doses); n > 0 && d.Time.Before(c.doses[n-1].Time) {
		return fmt.Errorf("%w: dilution at %s", ErrOutOfOrder, d.Time.Format(time.RFC3339))
	}

	generation := c.generation + d.GenerationDelta
	// The dose regime changes only when the committed dose differs from the
	// previous one, so the counter always agrees with LastDoseChange.
	n := len(c.doses)
	changed := n > 0 && control.DoseChanged(d.Concentration, c.doses[n-1].Value)

	if c.store != nil {
		err := c.store.AppendRecords(ctx,
			c.record(storage.KindDose, d.Concentration, d.GenerationDelta, d.Time),
			c.record(storage.KindGeneration, generation, 0, d.Time))
		if err != nil {
			return err
		}
	}

	c.doses = append(c.doses, Sample{Value: d.Concentration, Time: d.Time})
	c.generations = append(c.generations, Sample{Value: generation, Time: d.Time})
	c.concentration = d.Concentration
	c.generation = generation
	c.lastDilution = d.Time
	if changed {
		c.lastDoseChange = generation
	}

	state := map[string]float64{
		control.KeyDrugConcentration: c.concentration,
		control.KeyGeneration:        c.generation,
		control.KeyLastDoseChange:    c.lastDoseChange,
	}
	for k, v := range state {
		c.parameters[k] = v
		if err := c.persistParam(k, v); err != nil {
			c.logger.Warn("state parameter not persisted", "key", k, "error", err)
		}
	}
	return nil
}

func (c *Culture) persistParam(key string, value float64) error {
	if c.params == nil {
		return nil
	}
	return c.params.Set(storage.ParamKey(c.experiment, c.vial, key), value)
}

// SetParameter validates and durably writes one operator parameter before
// updating the in-memory map.
func (c *Culture) SetParameter(key string, value float64) error {
	if control.IsStateKey(key) {
		return fmt.Errorf("%w: %s", ErrStateKey, key)
	}
	if err := control.ValidateParam(key, value); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.parameters[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownParameter, key)
	}
	if err := c.persistParam(key, value); err != nil {
		return err
	}
	c.parameters[key] = value
	c.logger.Info("parameter set", "key", key, "value", value)
	return nil
}

func (c *Culture) Parameter(key string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.parameters[key]
	return v, ok
}

func (c *Culture) Params() control.Params {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return control.ParamsFrom(c.parameters)
}

// State is the policy input, without copying histories.
func (c *Culture) State() control.State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return control.State{
		OD:             c.od,
		ODTime:         c.odTime,
		GrowthRate:     c.growthRate,
		Concentration:  c.concentration,
		Generation:     c.generation,
		LastDilution:   c.lastDilution,
		Dilutions:      len(c.doses),
		LastDoseChange: c.lastDoseChange,
	}
}

// SetStatus replaces the policy status with the outcome of the last
// evaluation.
func (c *Culture) SetStatus(action control.Action, status map[control.Reason]string, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastAction = action
	c.status = make(map[control.Reason]string, len(status))
	maps.Copy(c.status, status)
	c.statusTime = t
}

// AddStatus adds one entry to the current policy status.
func (c *Culture) AddStatus(reason control.Reason, text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status[reason] = text
}

// PopulationSince returns OD samples at or after t.
func (c *Culture) PopulationSince(t time.Time) []Sample {
	c.mu.RLock()
	defer c.mu.RUnlock()
	i := len(c.population)
	for i > 0 && !c.population[i-1].Time.Before(t) {
		i--
	}
	return append([]Sample(nil), c.population[i:]...)
}

// DeleteHistory truncates every history of the culture, in the store and
// in memory. Latest values are kept.
func (c *Culture) DeleteHistory(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int64
	if c.store != nil {
		var err error
		if n, err = c.store.DeleteHistory(ctx, c.experiment, c.vial); err != nil {
			return 0, err
		}
	}
	c.doses, c.generations, c.population = nil, nil, nil
	return n, nil
}

// Snapshot is a deep copy of the culture for status queries.
type Snapshot struct {
	Experiment        string
	Vial              int
	OD                float64
	RawSignal         float64
	ODTime            time.Time
	GrowthRate        float64
	GrowthStdErr      float64
	DrugConcentration float64
	Generation        float64
	LastDilution      time.Time
	LastDoseChange    float64
	Doses             []Sample
	Generations       []Sample
	Population        []Sample
	Parameters        map[string]float64
	LastAction        control.Action
	Status            map[control.Reason]string
	StatusTime        time.Time
}

func (c *Culture) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Snapshot{
		Experiment:        c.experiment,
		Vial:              c.vial,
		OD:                c.od,
		RawSignal:         c.raw,
		ODTime:            c.odTime,
		GrowthRate:        c.growthRate,
		GrowthStdErr:      c.growthErr,
		DrugConcentration: c.concentration,
		Generation:        c.generation,
		LastDilution:      c.lastDilution,
		LastDoseChange:    c.lastDoseChange,
		Doses:             append([]Sample(nil), c.doses...),
		Generations:       append([]Sample(nil), c.generations...),
		Population:        append([]Sample(nil), c.population...),
		Parameters:        maps.Clone(c.parameters),
		LastAction:        c.lastAction,
		Status:            maps.Clone(c.status),
		StatusTime:        c.statusTime,
	}
}

// LastDoseChange scans the dose history backward for the last dose that
// differs from the current one and returns the generation reached by the
// dilution that followed it. It returns 0 when the dose never changed.
// doses and generations are parallel histories.
func LastDoseChange(doses, generations []Sample) float64 {
	n := len(doses)
	if n == 0 || len(generations) != n {
		return 0
	}
	current := doses[n-1].Value
	for i := n - 2; i >= 0; i-- {
		if control.DoseChanged(current, doses[i].Value) {
			return generations[i+1].Value
		}
	}
	return 0
}
