// Package experiment runs a morbidostat: it owns the cultures, the hardware
// actuator, the two background workers and the ticker that feeds them, and
// drives the lifecycle Inactive → Starting → Running ⇄ Paused → Stopping →
// Stopped.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/rs/xid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/san-kum/morbidostat/internal/config"
	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/dilution"
	"github.com/san-kum/morbidostat/internal/growth"
	"github.com/san-kum/morbidostat/internal/hardware"
	"github.com/san-kum/morbidostat/internal/lock"
	"github.com/san-kum/morbidostat/internal/metrics"
	"github.com/san-kum/morbidostat/internal/storage"
	"github.com/san-kum/morbidostat/internal/worker"
)

var (
	ErrInvalidTransition = errors.New("experiment: invalid transition")
	ErrInconsistentState = errors.New("experiment: inconsistent persisted state")
	ErrUnknownVial       = errors.New("experiment: unknown vial")
	ErrActive            = errors.New("experiment: still active")
	ErrVialPanic         = errors.New("experiment: vial task panicked")
)

const (
	odWorker       = "od"
	dilutionWorker = "dilution"
)

// Store is the persistence the experiment needs on top of the culture
// record log.
type Store interface {
	culture.Store
	SetExperimentStatus(ctx context.Context, id, name, status string) error
	Experiment(ctx context.Context, id string) (storage.ExperimentInfo, error)
	ListExperiments(ctx context.Context) ([]storage.ExperimentInfo, error)
}

// Deps are the collaborators of an experiment. Store, Params, Metrics and
// Estimator may be nil.
type Deps struct {
	Device    hardware.Device
	Store     Store
	Params    culture.ParamStore
	Metrics   *metrics.Recorder
	Estimator growth.Estimator
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Experiment struct {
	id        string
	name      string
	cfg       *config.Config
	store     Store
	metrics   *metrics.Recorder
	estimator growth.Estimator
	logger    *slog.Logger
	base      *slog.Logger
	now       func() time.Time

	locks    *lock.Manager
	act      *hardware.Actuator
	exec     *dilution.Executor
	cultures []*culture.Culture

	mu      sync.Mutex
	status  Status
	session *session
	lastOD  time.Time
	lastUpd time.Time
}

// session is everything that lives between Start and the end of Stop.
type session struct {
	od       *worker.Worker
	dilution *worker.Worker
	cancel   context.CancelFunc
	tickStop chan struct{}
	tickDone chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// New builds the experiment identified by id, or a fresh one when id is
// empty, and loads every culture. A persisted status that claims the
// experiment was still active is corrected to Stopped.
func New(ctx context.Context, id string, cfg *config.Config, deps Deps) (*Experiment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if deps.Device == nil {
		return nil, errors.New("experiment: no device")
	}
	if id == "" {
		id = xid.New().String()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}
	estimator := deps.Estimator
	if estimator == nil {
		estimator = growth.LogLinear{Window: cfg.Growth.Window, MinPoints: cfg.Growth.MinPoints}
	}

	e := &Experiment{
		id:        id,
		name:      cfg.Experiment.Name,
		cfg:       cfg,
		store:     deps.Store,
		metrics:   deps.Metrics,
		estimator: estimator,
		logger:    logger.With("component", "experiment", "experiment", id),
		base:      logger,
		now:       now,
	}

	e.locks = lock.New(cfg.Experiment.Vials, lock.WithMetrics(deps.Metrics), lock.WithLogger(logger))
	e.act = hardware.NewActuator(deps.Device, e.locks,
		hardware.WithBusTimeout(cfg.Locks.LightTimeout),
		hardware.WithPollInterval(cfg.Pumps.PollInterval),
		hardware.WithLogger(logger))
	e.exec = dilution.NewExecutor(e.locks, e.act,
		dilution.WithLockTimeout(cfg.Locks.HeavyTimeout),
		dilution.WithMetrics(deps.Metrics),
		dilution.WithLogger(logger),
		dilution.WithClock(now))

	if err := e.recover(ctx); err != nil {
		return nil, err
	}

	for vial := 1; vial <= cfg.Experiment.Vials; vial++ {
		defaults, err := cfg.VialParametersFor(vial)
		if err != nil {
			return nil, fmt.Errorf("vial %d parameters: %w", vial, err)
		}
		ccfg := culture.Config{
			Experiment: id,
			Vial:       vial,
			Defaults:   defaults,
			Params:     deps.Params,
			Logger:     logger,

			GrowthMaxAge: cfg.Growth.Window,
			Clock:        now,
		}
		if deps.Store != nil {
			ccfg.Store = deps.Store
		}
		c := culture.New(ccfg)
		if err := c.Load(ctx); err != nil {
			return nil, fmt.Errorf("load vial %d: %w", vial, err)
		}
		e.cultures = append(e.cultures, c)
	}
	return e, nil
}

func (e *Experiment) recover(ctx context.Context) error {
	e.status = Inactive
	if e.store == nil {
		return nil
	}
	info, err := e.store.Experiment(ctx, e.id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return fmt.Errorf("read experiment status: %w", err)
	default:
		persisted, perr := ParseStatus(info.Status)
		if perr != nil || persisted.Active() {
			e.logger.Error("correcting persisted status",
				"error", ErrInconsistentState, "persisted", info.Status)
			persisted = Stopped
		}
		e.status = persisted
	}
	e.persistStatus(ctx)
	return nil
}

// Recover marks every stored experiment that claims to be active as
// Stopped. It returns the number of experiments corrected.
func Recover(ctx context.Context, store Store, logger *slog.Logger) (int, error) {
	infos, err := store.ListExperiments(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, info := range infos {
		s, err := ParseStatus(info.Status)
		if err == nil && !s.Active() {
			continue
		}
		logger.Error("correcting persisted status",
			"error", ErrInconsistentState, "experiment", info.ID, "persisted", info.Status)
		if err := store.SetExperimentStatus(ctx, info.ID, info.Name, Stopped.String()); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

func (e *Experiment) ID() string   { return e.id }
func (e *Experiment) Name() string { return e.name }

func (e *Experiment) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Connected reports the hardware link state. It never reconnects.
func (e *Experiment) Connected() bool { return e.act.Connected() }

func (e *Experiment) Culture(vial int) (*culture.Culture, error) {
	if vial < 1 || vial > len(e.cultures) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownVial, vial)
	}
	return e.cultures[vial-1], nil
}

func (e *Experiment) CultureStatus(vial int) (culture.Snapshot, error) {
	c, err := e.Culture(vial)
	if err != nil {
		return culture.Snapshot{}, err
	}
	return c.Snapshot(), nil
}

func (e *Experiment) Cultures() []culture.Snapshot {
	out := make([]culture.Snapshot, len(e.cultures))
	for i, c := range e.cultures {
		out[i] = c.Snapshot()
	}
	return out
}

// SetParameter changes one vial parameter. It takes effect at the next
// update.
func (e *Experiment) SetParameter(vial int, key string, value float64) error {
	c, err := e.Culture(vial)
	if err != nil {
		return err
	}
	if err := c.SetParameter(key, value); err != nil {
		return err
	}
	e.logger.Info("parameter changed", "vial", vial, "key", key, "value", value)
	return nil
}

// DeleteHistory clears the stored histories of vial. The experiment must
// not be active.
func (e *Experiment) DeleteHistory(ctx context.Context, vial int) (int64, error) {
	if s := e.Status(); s.Active() {
		return 0, fmt.Errorf("%w: %s", ErrActive, s)
	}
	c, err := e.Culture(vial)
	if err != nil {
		return 0, err
	}
	return c.DeleteHistory(ctx)
}

// Start connects the hardware, sets the stirrers to high and starts the
// workers and the ticker.
func (e *Experiment) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.status != Inactive && e.status != Stopped {
		return fmt.Errorf("%w: start from %s", ErrInvalidTransition, e.status)
	}
	if err := e.act.EnsureConnected(ctx); err != nil {
		return fmt.Errorf("start experiment %s: %w", e.id, err)
	}
	e.act.Rearm()
	prev := e.status
	e.setStatusLocked(ctx, Starting)

	if err := e.act.StirAll(ctx, e.vials(), hardware.StirHigh); err != nil {
		e.setStatusLocked(ctx, prev)
		return fmt.Errorf("start stirrers: %w", err)
	}

	taskCtx, cancel := context.WithCancel(context.Background())
	s := &session{
		od:       worker.New(odWorker, worker.WithMetrics(e.metrics), worker.WithLogger(e.base)),
		dilution: worker.New(dilutionWorker, worker.WithMetrics(e.metrics), worker.WithLogger(e.base)),
		cancel:   cancel,
		tickStop: make(chan struct{}),
		tickDone: make(chan struct{}),
		finished: make(chan struct{}),
	}
	for _, w := range []*worker.Worker{s.od, s.dilution} {
		if err := w.Start(taskCtx); err != nil {
			cancel()
			e.setStatusLocked(ctx, prev)
			return err
		}
	}
	go e.runTicker(s)

	e.session = s
	e.lastOD, e.lastUpd = time.Time{}, time.Time{}
	e.setStatusLocked(ctx, Running)
	e.logger.Info("experiment started", "vials", len(e.cultures))
	return nil
}

func (e *Experiment) runTicker(s *session) {
	defer close(s.tickDone)
	t := time.NewTicker(e.cfg.Ticker.Interval)
	defer t.Stop()
	for {
		select {
		case <-s.tickStop:
			return
		case now := <-t.C:
			e.Tick(now)
		}
	}
}

// Tick enqueues the measure task at the OD offset of each minute and the
// update task at the update offset. A slot that is still busy drops the
// task.
func (e *Experiment) Tick(now time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || (e.status != Running && e.status != Paused) {
		return
	}
	minute := now.Truncate(time.Minute)
	if now.Second() == e.cfg.Ticker.ODOffset && !minute.Equal(e.lastOD) {
		e.lastOD = minute
		e.enqueue(e.session.od, e.measureAll)
	}
	if now.Second() == e.cfg.Ticker.UpdateOffset && !minute.Equal(e.lastUpd) {
		e.lastUpd = minute
		e.enqueue(e.session.dilution, e.updateAll)
	}
}

func (e *Experiment) enqueue(w *worker.Worker, task worker.Task) {
	if w.TryEnqueue(task) == worker.Dropped {
		e.logger.Warn("task dropped, previous run still busy", "worker", w.Name())
	}
}

// PauseDilutionWorker holds updates and dilutions. OD measurement carries
// on.
func (e *Experiment) PauseDilutionWorker(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Running {
		return fmt.Errorf("%w: pause from %s", ErrInvalidTransition, e.status)
	}
	e.session.dilution.Pause()
	e.setStatusLocked(ctx, Paused)
	return nil
}

func (e *Experiment) ResumeDilutionWorker(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.status != Paused {
		return fmt.Errorf("%w: resume from %s", ErrInvalidTransition, e.status)
	}
	e.session.dilution.Resume()
	e.setStatusLocked(ctx, Running)
	return nil
}

// Stop lets the running tasks finish, then turns the stirrers off. It
// returns when the experiment is Stopped or ctx expires; in the latter
// case the experiment stays Stopping until the workers exit.
func (e *Experiment) Stop(ctx context.Context) error {
	e.mu.Lock()
	switch e.status {
	case Running, Paused:
		e.setStatusLocked(ctx, Stopping)
	case Stopping:
	default:
		defer e.mu.Unlock()
		return fmt.Errorf("%w: stop from %s", ErrInvalidTransition, e.status)
	}
	s := e.session
	e.mu.Unlock()

	s.stopOnce.Do(func() { go e.shutdown(s) })
	return e.wait(ctx, s)
}

// SoftStop cancels the running tasks at their next check, then stops.
func (e *Experiment) SoftStop(ctx context.Context) error {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s != nil {
		s.cancel()
	}
	return e.Stop(ctx)
}

// HardStop turns every actuator off regardless of locks, releases all
// locks, cancels the running tasks and stops.
func (e *Experiment) HardStop(ctx context.Context) error {
	err := e.act.HardStop()
	released := e.locks.ReleaseAll()
	e.logger.Warn("hard stop", "released_locks", released, "error", err)

	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return err
	}
	s.cancel()
	if stopErr := e.Stop(ctx); stopErr != nil && !errors.Is(stopErr, ErrInvalidTransition) {
		err = errors.Join(err, stopErr)
	}
	return err
}

func (e *Experiment) shutdown(s *session) {
	close(s.tickStop)
	<-s.tickDone

	var g errgroup.Group
	for _, w := range []*worker.Worker{s.od, s.dilution} {
		g.Go(func() error {
			w.Stop()
			return nil
		})
	}
	waited := make(chan struct{})
	go func() {
		_ = g.Wait()
		close(waited)
	}()

	progress := rate.Sometimes{Interval: e.cfg.Ticker.ProgressInterval}
	poll := time.NewTicker(250 * time.Millisecond)
	defer poll.Stop()
	for done := false; !done; {
		select {
		case <-waited:
			done = true
		case <-poll.C:
			progress.Do(func() {
				e.logger.Info("waiting for workers",
					odWorker, s.od.Busy(), dilutionWorker, s.dilution.Busy())
			})
		}
	}
	s.cancel()

	if !e.act.Halted() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Locks.HeavyTimeout)
		if err := e.act.StirAll(ctx, e.vials(), hardware.StirOff); err != nil {
			e.logger.Error("stirrers off failed", "error", err)
		}
		cancel()
	}

	e.mu.Lock()
	e.session = nil
	e.setStatusLocked(context.Background(), Stopped)
	e.mu.Unlock()
	close(s.finished)
	e.logger.Info("experiment stopped")
}

func (e *Experiment) wait(ctx context.Context, s *session) error {
	select {
	case <-s.finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for workers: %w", ctx.Err())
	}
}

func (e *Experiment) setStatusLocked(ctx context.Context, s Status) {
	if e.status != s {
		e.logger.Debug("status", "from", e.status, "to", s)
	}
	e.status = s
	e.persistStatus(ctx)
}

func (e *Experiment) persistStatus(ctx context.Context) {
	if e.store == nil {
		return
	}
	err := e.store.SetExperimentStatus(context.WithoutCancel(ctx), e.id, e.name, e.status.String())
	if err != nil {
		e.logger.Error("persist status failed", "status", e.status, "error", err)
	}
}

func (e *Experiment) vials() []int {
	out := make([]int, len(e.cultures))
	for i, c := range e.cultures {
		out[i] = c.Vial()
	}
	return out
}

// eachVial runs fn for every culture in order. A failing or panicking vial
// is logged and does not stop the others; a cancelled ctx does.
func (e *Experiment) eachVial(ctx context.Context, op string, fn func(context.Context, *culture.Culture) error) error {
	var errs []error
	for _, c := range e.cultures {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := isolate(ctx, c, fn); err != nil {
			e.logger.Error(op+" failed", "vial", c.Vial(), "error", err)
			errs = append(errs, fmt.Errorf("vial %d: %w", c.Vial(), err))
		}
	}
	return errors.Join(errs...)
}

func isolate(ctx context.Context, c *culture.Culture, fn func(context.Context, *culture.Culture) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrVialPanic, r)
		}
	}()
	return fn(ctx, c)
}

func (e *Experiment) measureAll(ctx context.Context) error {
	return e.eachVial(ctx, "measure", e.measure)
}

func (e *Experiment) updateAll(ctx context.Context) error {
	return e.eachVial(ctx, "update", e.update)
}

// measure reads OD under the vial lock and refreshes the growth estimate.
func (e *Experiment) measure(ctx context.Context, c *culture.Culture) error {
	vial := c.Vial()
	g, err := e.locks.Acquire(ctx, lock.Vial(vial), e.cfg.Locks.LightTimeout)
	if err != nil {
		return err
	}
	defer g.Release()

	od, raw, err := e.act.MeasureOD(ctx, vial)
	if err != nil {
		return err
	}
	now := e.now()
	if err := c.RecordOD(ctx, od, raw, now); err != nil {
		return err
	}
	e.metrics.OD(vial, od)

	// A dilution steps the OD down, so the fit never reaches back past it.
	since := now.Add(-e.cfg.Growth.Window)
	if last := c.State().LastDilution; last.After(since) {
		since = last
	}
	samples := c.PopulationSince(since)
	times := make([]time.Time, len(samples))
	values := make([]float64, len(samples))
	for i, s := range samples {
		times[i], values[i] = s.Time, s.Value
	}
	est, err := e.estimator.Estimate(times, values)
	if err != nil {
		if !errors.Is(err, growth.ErrEstimationUnavailable) {
			e.logger.Warn("growth estimate failed", "vial", vial, "error", err)
		}
		return c.SetGrowthRate(ctx, math.NaN(), math.NaN(), now)
	}
	if err := c.SetGrowthRate(ctx, est.Rate, est.StdErr, now); err != nil {
		return err
	}
	e.metrics.GrowthRate(vial, est.Rate)
	return nil
}

// update evaluates the policy for c and dilutes when it asks for it.
func (e *Experiment) update(ctx context.Context, c *culture.Culture) error {
	now := e.now()
	d := control.Evaluate(c.State(), c.Params(), now)
	c.SetStatus(d.Action, d.Status, now)
	if !d.Action.Dilutes() {
		return nil
	}
	_, err := e.exec.Dilute(ctx, c, d)
	return err
}
