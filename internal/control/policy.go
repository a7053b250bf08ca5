package control

import (
	"fmt"
	"math"
	"time"
)

type Action int

const (
	NoOp Action = iota
	DiluteSameDose
	Initialize
	RaiseDose
	Rescue
)

func (a Action) String() string {
	switch a {
	case NoOp:
		return "noop"
	case DiluteSameDose:
		return "dilute"
	case Initialize:
		return "initialize"
	case RaiseDose:
		return "raise"
	case Rescue:
		return "rescue"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Dilutes reports whether the action leads to a dilution.
func (a Action) Dilutes() bool { return a != NoOp }

// Reason names the predicate behind a policy status entry.
type Reason string

const (
	ReasonMustWait          Reason = "must_wait_since_last_dilution"
	ReasonNoODSinceDilution Reason = "no_od_since_last_dilution"
	ReasonInitialize        Reason = "dose_initialization"
	ReasonTimeTrigger       Reason = "delay_dilution_max_exceeded"
	ReasonODTrigger         Reason = "od_above_dilution_threshold"
	ReasonNoTrigger         Reason = "no_dilution_trigger"
	ReasonGrowthUnknown     Reason = "growth_rate_unknown"
	ReasonStressIncrease    Reason = "stress_increase"
	ReasonStressDecrease    Reason = "stress_decrease"
	ReasonSameDose          Reason = "same_dose"

	// Set by the dilution executor, not by Evaluate.
	ReasonTargetClamped  Reason = "target_clamped"
	ReasonDilutionFailed Reason = "dilution_failed"
	ReasonLockTimeout    Reason = "lock_timeout"
)

// DoseChangeTolerance is the relative difference below which two doses
// count as the same.
const DoseChangeTolerance = 0.01

// State is what the policy needs to know about one culture.
type State struct {
	OD     float64
	ODTime time.Time // zero if never measured

	// GrowthRate is NaN or infinite when unknown.
	GrowthRate float64

	Concentration float64
	Generation    float64
	LastDilution  time.Time // zero if never diluted
	Dilutions     int       // length of the dose history

	// LastDoseChange is the generation at which the current dose started.
	LastDoseChange float64
}

// GenerationsSinceDoseChange is the stress cooldown counter.
func (s State) GenerationsSinceDoseChange() float64 {
	return s.Generation - s.LastDoseChange
}

func (s State) growthKnown() bool {
	return !math.IsNaN(s.GrowthRate) && !math.IsInf(s.GrowthRate, 0)
}

type Decision struct {
	Action Action
	// Target is the drug concentration to dilute to. Meaningless for NoOp.
	Target float64
	Status map[Reason]string
}

// Evaluate decides what to do with one culture at now.
func Evaluate(s State, p Params, now time.Time) Decision {
	d := Decision{Action: NoOp, Status: make(map[Reason]string)}

	// 1. debounce
	diluted := !s.LastDilution.IsZero()
	if diluted {
		if since := now.Sub(s.LastDilution); since < p.MinDelay {
			d.Status[ReasonMustWait] = fmt.Sprintf("%s since last dilution, need %s",
				since.Round(time.Second), p.MinDelay)
			return d
		}
	}
	if s.ODTime.IsZero() || (diluted && !s.ODTime.After(s.LastDilution)) {
		d.Status[ReasonNoODSinceDilution] = "no OD measured since the last dilution"
		return d
	}

	// 2. initialization
	if s.Dilutions == 0 && p.DoseInitialization >= 0 {
		d.Action = Initialize
		d.Target = p.DoseInitialization
		d.Status[ReasonInitialize] = fmt.Sprintf("no dose history, initializing to %g", p.DoseInitialization)
		return d
	}

	// 3. and 4. triggers
	switch {
	case p.MaxDelay > 0 && (!diluted || now.Sub(s.LastDilution) >= p.MaxDelay):
		if diluted {
			d.Status[ReasonTimeTrigger] = fmt.Sprintf("%s since last dilution, max %s",
				now.Sub(s.LastDilution).Round(time.Second), p.MaxDelay)
		} else {
			d.Status[ReasonTimeTrigger] = "never diluted"
		}
	case p.ODTriggered && s.OD >= p.DilutionThreshold:
		d.Status[ReasonODTrigger] = fmt.Sprintf("OD %.3f >= %.3f", s.OD, p.DilutionThreshold)
	default:
		d.Status[ReasonNoTrigger] = fmt.Sprintf("OD %.3f below %.3f and no time trigger", s.OD, p.DilutionThreshold)
		return d
	}

	adjustDose(&d, s, p)
	return d
}

// adjustDose picks the target of a triggered dilution (rules 5 to 7).
func adjustDose(d *Decision, s State, p Params) {
	d.Action = DiluteSameDose
	d.Target = s.Concentration

	if !s.growthKnown() {
		d.Status[ReasonGrowthUnknown] = "growth rate unknown, stress unchanged"
		d.Status[ReasonSameDose] = fmt.Sprintf("keeping dose %g", s.Concentration)
		return
	}

	gens := s.GenerationsSinceDoseChange()
	if s.OD > p.StressIncreaseODMin &&
		s.GrowthRate > p.StressIncreaseGrowthRate &&
		gens > p.StressIncreaseGenerations {
		d.Action = RaiseDose
		d.Target = RaiseTarget(s.Concentration, p)
		d.Status[ReasonStressIncrease] = fmt.Sprintf("growth rate %.3f > %.3f after %.2f generations, dose %g -> %g",
			s.GrowthRate, p.StressIncreaseGrowthRate, gens, s.Concentration, d.Target)
		return
	}

	if s.GrowthRate < p.StressDecreaseGrowthRate {
		d.Action = Rescue
		d.Target = p.DrugFreeStock()
		d.Status[ReasonStressDecrease] = fmt.Sprintf("growth rate %.3f < %.3f, rescue to %g",
			s.GrowthRate, p.StressDecreaseGrowthRate, d.Target)
		return
	}

	d.Status[ReasonSameDose] = fmt.Sprintf("growth rate %.3f, %.2f generations since dose change, keeping dose %g",
		s.GrowthRate, gens, s.Concentration)
}

// RaiseTarget is current*factor + amount rounded to three decimals.
func RaiseTarget(current float64, p Params) float64 {
	return math.Round((current*p.StressIncreaseFactor+p.StressIncreaseAmount)*1000) / 1000
}

// DoseChanged reports whether next differs from current by more than the
// relative tolerance.
func DoseChanged(current, next float64) bool {
	return math.Abs(next-current) > DoseChangeTolerance*math.Abs(current)
}
