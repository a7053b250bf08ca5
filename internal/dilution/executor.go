package dilution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/hardware"
	"github.com/san-kum/morbidostat/internal/lock"
	"github.com/san-kum/morbidostat/internal/metrics"
)

// Executor performs dilutions. Each one holds the vial lock then the pump
// lock for its whole duration; the actuator takes the bus lock per call.
type Executor struct {
	locks   *lock.Manager
	act     *hardware.Actuator
	timeout time.Duration
	metrics *metrics.Recorder
	logger  *slog.Logger
	now     func() time.Time
}

type Option func(*Executor)

func WithLockTimeout(d time.Duration) Option {
	return func(e *Executor) { e.timeout = d }
}

func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Executor) { e.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(e *Executor) { e.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(e *Executor) { e.now = now }
}

func NewExecutor(locks *lock.Manager, act *hardware.Actuator, opts ...Option) *Executor {
	e := &Executor{
		locks:   locks,
		act:     act,
		timeout: 60 * time.Second,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "dilution")
	return e
}

// Dilute carries out decision on c. NoOp decisions return a zero plan.
// On any error the culture histories are left untouched.
func (e *Executor) Dilute(ctx context.Context, c *culture.Culture, d control.Decision) (Plan, error) {
	if !d.Action.Dilutes() {
		return Plan{}, nil
	}
	vial := c.Vial()
	log := e.logger.With("vial", vial, "action", d.Action)

	held, err := e.locks.AcquireSet(ctx, e.timeout, lock.Vial(vial), lock.Pump)
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			c.AddStatus(control.ReasonLockTimeout, err.Error())
		}
		return Plan{}, err
	}
	defer held.Release()

	params := c.Params()
	state := c.State()
	plan, err := Solve(Request{
		Target:               d.Target,
		CurrentConcentration: state.Concentration,
		CurrentVolume:        params.Volume,
		MaxVolume:            params.MaxVolume,
		DilutionFactor:       params.DilutionFactor,
		Stock1:               params.Stock1,
		Stock2:               params.Stock2,
	})
	if err != nil {
		c.AddStatus(control.ReasonDilutionFailed, err.Error())
		return Plan{}, err
	}
	if plan.TargetClamped {
		log.Warn("target outside stock range, clamped",
			"target", d.Target, "achieved", plan.Concentration,
			"stock1", params.Stock1, "stock2", params.Stock2)
		c.AddStatus(control.ReasonTargetClamped,
			fmt.Sprintf("target %g clamped to %g", d.Target, plan.Concentration))
	}

	if err := e.actuate(ctx, vial, plan); err != nil {
		if !errors.Is(err, hardware.ErrHardStop) {
			e.act.Abort(vial)
		}
		c.AddStatus(control.ReasonDilutionFailed, err.Error())
		log.Error("dilution failed", "error", err)
		return plan, err
	}

	err = c.CommitDilution(context.WithoutCancel(ctx), culture.Dilution{
		Concentration:   plan.Concentration,
		GenerationDelta: plan.GenerationDelta,
		Time:            e.now(),
	})
	if err != nil {
		return plan, fmt.Errorf("commit dilution: %w", err)
	}

	snap := c.State()
	e.metrics.Dilution(vial, d.Action.String())
	e.metrics.Culture(vial, snap.Concentration, snap.Generation)
	log.Info("diluted",
		"main_ml", plan.MainVolume, "drug_ml", plan.DrugVolume,
		"concentration", plan.Concentration, "generation", snap.Generation)
	return plan, nil
}

// actuate runs the physical sequence. The vacuum removes the added volume
// so the vial returns to its working volume.
func (e *Executor) actuate(ctx context.Context, vial int, p Plan) error {
	steps := []func() error{
		func() error { return e.act.SetStirrer(ctx, vial, hardware.StirLow) },
		func() error { return e.act.SetValve(ctx, vial, true) },
		func() error { return e.act.Pump(ctx, vial, hardware.PumpMain, p.MainVolume) },
		func() error { return e.act.Pump(ctx, vial, hardware.PumpDrug, p.DrugVolume) },
		func() error { return e.act.Pump(ctx, vial, hardware.PumpVacuum, p.AddedVolume) },
		func() error { return e.act.SetValve(ctx, vial, false) },
		func() error { return e.act.SetStirrer(ctx, vial, hardware.StirHigh) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}
