package hardware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/san-kum/morbidostat/internal/lock"
)

const (
	DefaultBusTimeout   = 10 * time.Second
	DefaultPollInterval = 100 * time.Millisecond
)

// Actuator runs device calls under the bus lock and turns pump motion into
// a blocking call. Callers hold the vial and pump locks themselves.
type Actuator struct {
	dev        Device
	locks      *lock.Manager
	busTimeout time.Duration
	poll       time.Duration
	logger     *slog.Logger
	halted     atomic.Bool
}

type ActuatorOption func(*Actuator)

func WithBusTimeout(d time.Duration) ActuatorOption {
	return func(a *Actuator) { a.busTimeout = d }
}

func WithPollInterval(d time.Duration) ActuatorOption {
	return func(a *Actuator) { a.poll = d }
}

func WithLogger(l *slog.Logger) ActuatorOption {
	return func(a *Actuator) { a.logger = l }
}

func NewActuator(dev Device, locks *lock.Manager, opts ...ActuatorOption) *Actuator {
	a := &Actuator{
		dev:        dev,
		locks:      locks,
		busTimeout: DefaultBusTimeout,
		poll:       DefaultPollInterval,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "actuator")
	return a
}

// Connected reports the link state without touching the bus.
func (a *Actuator) Connected() bool { return a.dev.Connected() }

// EnsureConnected tries one reconnect when the link is down. The reconnect
// holds the bus lock so it never interleaves with another transaction.
func (a *Actuator) EnsureConnected(ctx context.Context) error {
	if a.dev.Connected() {
		return nil
	}
	g, err := a.locks.Acquire(ctx, lock.Bus, a.busTimeout)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	defer g.Release()
	if a.dev.Connected() {
		return nil
	}
	a.logger.Warn("link down, reconnecting")
	if err := a.dev.Reconnect(); err != nil {
		return fmt.Errorf("%w: %w", ErrDisconnected, err)
	}
	if !a.dev.Connected() {
		return ErrDisconnected
	}
	return nil
}

// bus runs fn as one electrical transaction.
func (a *Actuator) bus(ctx context.Context, op string, vial int, fn func() error) error {
	if a.halted.Load() {
		return ErrHardStop
	}
	g, err := a.locks.Acquire(ctx, lock.Bus, a.busTimeout)
	if err != nil {
		return err
	}
	defer g.Release()
	if a.halted.Load() {
		return ErrHardStop
	}
	if err := fn(); err != nil {
		return &ActuationError{Op: op, Vial: vial, Err: err}
	}
	return nil
}

func (a *Actuator) MeasureOD(ctx context.Context, vial int) (value, raw float64, err error) {
	err = a.bus(ctx, "measure od", vial, func() error {
		var err error
		value, raw, err = a.dev.MeasureOD(vial)
		return err
	})
	return value, raw, err
}

func (a *Actuator) SetValve(ctx context.Context, vial int, open bool) error {
	return a.bus(ctx, "set valve", vial, func() error { return a.dev.SetValve(vial, open) })
}

func (a *Actuator) SetStirrer(ctx context.Context, vial int, speed Speed) error {
	return a.bus(ctx, "set stirrer", vial, func() error { return a.dev.SetStirrer(vial, speed) })
}

// StirAll sets every listed vial and returns the joined errors.
func (a *Actuator) StirAll(ctx context.Context, vials []int, speed Speed) error {
	var errs []error
	for _, v := range vials {
		if err := a.SetStirrer(ctx, v, speed); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Pump moves volume mL through pump into the vial whose valve is open and
// blocks until the pump reports idle. The bus lock is taken per poll, not
// for the whole motion. Cancelling ctx stops the pump and returns
// ErrSoftStop at the next poll.
func (a *Actuator) Pump(ctx context.Context, vial int, pump Pump, volume float64) error {
	if volume <= 0 {
		return nil
	}
	op := "pump " + pump.String()
	if err := a.bus(ctx, op, vial, func() error { return a.dev.StartPump(pump, volume) }); err != nil {
		return err
	}

	ticker := time.NewTicker(a.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.stopPump(pump)
			return fmt.Errorf("%w: %s for vial %d: %w", ErrSoftStop, op, vial, ctx.Err())
		case <-ticker.C:
		}
		if a.halted.Load() {
			return ErrHardStop
		}
		var running bool
		err := a.bus(ctx, op, vial, func() error {
			var err error
			running, err = a.dev.PumpRunning(pump)
			return err
		})
		if err != nil {
			if ctx.Err() != nil {
				a.stopPump(pump)
				return fmt.Errorf("%w: %s for vial %d: %w", ErrSoftStop, op, vial, ctx.Err())
			}
			a.stopPump(pump)
			return err
		}
		if !running {
			return nil
		}
	}
}

// stopPump is best effort and ignores the caller's cancelled context.
func (a *Actuator) stopPump(pump Pump) {
	ctx, cancel := context.WithTimeout(context.Background(), a.busTimeout)
	defer cancel()
	err := a.bus(ctx, "stop pump", 0, func() error { return a.dev.StopPump(pump) })
	if err != nil && !errors.Is(err, ErrHardStop) {
		a.logger.Error("pump not stopped", "pump", pump, "error", err)
	}
}

// Abort closes the valve and stops every pump after a failed dilution.
// Errors are logged, not returned.
func (a *Actuator) Abort(vial int) {
	ctx, cancel := context.WithTimeout(context.Background(), a.busTimeout)
	defer cancel()
	for _, p := range []Pump{PumpMain, PumpDrug, PumpVacuum} {
		a.stopPump(p)
	}
	if err := a.SetValve(ctx, vial, false); err != nil && !errors.Is(err, ErrHardStop) {
		a.logger.Error("valve not closed after failure", "vial", vial, "error", err)
	}
}

// HardStop turns everything off without waiting for the bus lock and makes
// every later call fail with ErrHardStop until Rearm.
func (a *Actuator) HardStop() error {
	a.halted.Store(true)
	if err := a.dev.AllOff(); err != nil {
		return &ActuationError{Op: "all off", Err: err}
	}
	return nil
}

func (a *Actuator) Rearm() { a.halted.Store(false) }

func (a *Actuator) Halted() bool { return a.halted.Load() }
