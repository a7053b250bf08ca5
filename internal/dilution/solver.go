// Package dilution turns a target drug concentration into pump volumes and
// carries the dilution out on the hardware.
package dilution

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrInvalidRequest = errors.New("dilution: invalid request")
	ErrNoHeadroom     = errors.New("dilution: vial is full")
)

// Request describes one dilution. Volumes are mL, concentrations share
// whatever unit the stocks use.
type Request struct {
	Target               float64
	CurrentConcentration float64
	CurrentVolume        float64
	// MaxVolume bounds the volume before the vacuum step. Zero means no
	// bound.
	MaxVolume      float64
	DilutionFactor float64
	// AddedVolume overrides DilutionFactor when positive.
	AddedVolume float64
	Stock1      float64
	Stock2      float64
}

// Plan is the solved dilution. MainVolume comes from stock 1 and
// DrugVolume from stock 2.
type Plan struct {
	AddedVolume        float64
	AddedAmount        float64
	AddedConcentration float64
	MainVolume         float64
	DrugVolume         float64
	TotalVolume        float64
	// Concentration is what the vial holds after mixing.
	Concentration   float64
	GenerationDelta float64
	VolumeClamped   bool
	// TargetClamped is set when the target was outside what the stocks can
	// reach in one dilution.
	TargetClamped bool
}

// Solve computes the pump volumes for r.
func Solve(r Request) (Plan, error) {
	switch {
	case r.CurrentVolume <= 0:
		return Plan{}, fmt.Errorf("%w: current volume %g", ErrInvalidRequest, r.CurrentVolume)
	case r.AddedVolume <= 0 && r.DilutionFactor <= 1:
		return Plan{}, fmt.Errorf("%w: dilution factor %g", ErrInvalidRequest, r.DilutionFactor)
	case r.Stock1 < 0 || r.Stock2 < 0:
		return Plan{}, fmt.Errorf("%w: negative stock", ErrInvalidRequest)
	case math.IsNaN(r.Target):
		return Plan{}, fmt.Errorf("%w: target is NaN", ErrInvalidRequest)
	}

	var p Plan
	av := r.AddedVolume
	if av <= 0 {
		av = r.CurrentVolume * (r.DilutionFactor - 1)
	}
	if r.MaxVolume > 0 && r.CurrentVolume+av > r.MaxVolume {
		av = r.MaxVolume - r.CurrentVolume
		p.VolumeClamped = true
	}
	if av <= 0 {
		return Plan{}, fmt.Errorf("%w: %g of %g mL", ErrNoHeadroom, r.CurrentVolume, r.MaxVolume)
	}

	total := r.CurrentVolume + av
	currentAmount := r.CurrentConcentration * r.CurrentVolume
	amount := r.Target*total - currentAmount
	amount = clamp(amount, 0, av*max(r.Stock1, r.Stock2))
	ac := amount / av

	var v1, v2 float64
	if r.Stock1 == r.Stock2 {
		v1, v2 = av/2, av/2
	} else {
		v2 = clamp(av*(ac-r.Stock1)/(r.Stock2-r.Stock1), 0, av)
		v1 = av - v2
	}

	p.AddedVolume = av
	p.AddedAmount = amount
	p.AddedConcentration = ac
	p.MainVolume = v1
	p.DrugVolume = v2
	p.TotalVolume = total
	p.Concentration = (currentAmount + v1*r.Stock1 + v2*r.Stock2) / total
	p.GenerationDelta = math.Log2(total / r.CurrentVolume)
	p.TargetClamped = math.Abs(p.Concentration-r.Target) > 1e-9*max(1, math.Abs(r.Target))
	return p, nil
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
