// Package hardware is the boundary to the physical morbidostat: the
// [Device] interface the engine drives, the lock-aware [Actuator] that
// serializes electrical calls and waits out pump motion, and a
// [Simulator] device for runs without hardware.
package hardware

import (
	"errors"
	"fmt"
)

var (
	ErrActuation    = errors.New("hardware: actuation failed")
	ErrHardStop     = errors.New("hardware: hard stop")
	ErrSoftStop     = errors.New("hardware: soft stop")
	ErrDisconnected = errors.New("hardware: link down")
)

// ActuationError wraps a failed device call.
type ActuationError struct {
	Op   string
	Vial int
	Err  error
}

func (e *ActuationError) Error() string {
	if e.Vial > 0 {
		return fmt.Sprintf("hardware: %s vial %d: %v", e.Op, e.Vial, e.Err)
	}
	return fmt.Sprintf("hardware: %s: %v", e.Op, e.Err)
}

func (e *ActuationError) Unwrap() []error { return []error{ErrActuation, e.Err} }

// Pump identifies one of the shared pumps.
type Pump int

const (
	// PumpMain delivers stock 1 (medium).
	PumpMain Pump = iota
	// PumpDrug delivers stock 2.
	PumpDrug
	// PumpVacuum removes culture from the vial whose valve is open.
	PumpVacuum
)

func (p Pump) String() string {
	switch p {
	case PumpMain:
		return "main"
	case PumpDrug:
		return "drug"
	case PumpVacuum:
		return "vacuum"
	default:
		return fmt.Sprintf("pump(%d)", int(p))
	}
}

type Speed int

const (
	StirOff Speed = iota
	StirLow
	StirHigh
)

func (s Speed) String() string {
	switch s {
	case StirOff:
		return "off"
	case StirLow:
		return "low"
	case StirHigh:
		return "high"
	default:
		return fmt.Sprintf("speed(%d)", int(s))
	}
}

// Device is one electrical transaction per call. Calls are synchronous and
// may fail; callers serialize them with the bus lock. Pumps are shared and
// route to whichever vial has its valve open.
type Device interface {
	Connected() bool
	Reconnect() error
	MeasureOD(vial int) (value, raw float64, err error)
	StartPump(pump Pump, volume float64) error
	PumpRunning(pump Pump) (bool, error)
	StopPump(pump Pump) error
	SetValve(vial int, open bool) error
	SetStirrer(vial int, speed Speed) error
	// AllOff stops every pump and stirrer and closes every valve.
	AllOff() error
}
