package control

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Parameter keys as stored in the write-through parameter store.
const (
	KeyVolume                    = "volume"
	KeyMaxVolume                 = "max_volume"
	KeyDilutionFactor            = "dilution_factor"
	KeyDilutionThreshold         = "dilution_threshold"
	KeyDilutionTriggerOD         = "dilution_trigger_od"
	KeyMinDilutionDelay          = "delay_dilution_min"
	KeyMaxDilutionDelay          = "delay_dilution_max"
	KeyDoseInitialization        = "dose_initialization"
	KeyStock1Concentration       = "stock1_concentration"
	KeyStock2Concentration       = "stock2_concentration"
	KeyStressIncreaseODMin       = "stress_increase_od_min"
	KeyStressIncreaseGrowthRate  = "stress_increase_growth_rate"
	KeyStressIncreaseGenerations = "delay_stress_increase_min_generations"
	KeyStressIncreaseFactor      = "stress_increase_factor"
	KeyStressIncreaseAmount      = "stress_increase_amount"
	KeyStressDecreaseGrowthRate  = "stress_decrease_growth_rate"

	// State keys, written by dilutions rather than operators.
	KeyDrugConcentration = "drug_concentration"
	KeyGeneration        = "generation"
	KeyLastDoseChange    = "last_dose_change_generation"
)

// Params is the typed view of a vial's parameter map.
type Params struct {
	Volume            float64
	MaxVolume         float64
	DilutionFactor    float64
	DilutionThreshold float64
	ODTriggered       bool
	MinDelay          time.Duration
	MaxDelay          time.Duration // zero disables the time trigger

	// DoseInitialization < 0 disables initialization.
	DoseInitialization float64

	Stock1 float64
	Stock2 float64

	StressIncreaseODMin       float64
	StressIncreaseGrowthRate  float64
	StressIncreaseGenerations float64
	StressIncreaseFactor      float64
	StressIncreaseAmount      float64
	StressDecreaseGrowthRate  float64
}

// ParamsFrom converts a parameter map. Missing keys read as zero.
func ParamsFrom(m map[string]float64) Params {
	return Params{
		Volume:                    m[KeyVolume],
		MaxVolume:                 m[KeyMaxVolume],
		DilutionFactor:            m[KeyDilutionFactor],
		DilutionThreshold:         m[KeyDilutionThreshold],
		ODTriggered:               m[KeyDilutionTriggerOD] != 0,
		MinDelay:                  minutes(m[KeyMinDilutionDelay]),
		MaxDelay:                  minutes(m[KeyMaxDilutionDelay]),
		DoseInitialization:        m[KeyDoseInitialization],
		Stock1:                    m[KeyStock1Concentration],
		Stock2:                    m[KeyStock2Concentration],
		StressIncreaseODMin:       m[KeyStressIncreaseODMin],
		StressIncreaseGrowthRate:  m[KeyStressIncreaseGrowthRate],
		StressIncreaseGenerations: m[KeyStressIncreaseGenerations],
		StressIncreaseFactor:      m[KeyStressIncreaseFactor],
		StressIncreaseAmount:      m[KeyStressIncreaseAmount],
		StressDecreaseGrowthRate:  m[KeyStressDecreaseGrowthRate],
	}
}

func minutes(v float64) time.Duration {
	return time.Duration(v * float64(time.Minute))
}

// DrugFreeStock is the lower of the two stock concentrations.
func (p Params) DrugFreeStock() float64 {
	return min(p.Stock1, p.Stock2)
}

var stateKeys = map[string]bool{
	KeyDrugConcentration: true,
	KeyGeneration:        true,
	KeyLastDoseChange:    true,
}

// IsStateKey reports whether key is bookkeeping owned by the dilution
// executor.
func IsStateKey(key string) bool { return stateKeys[key] }

var ErrInvalidParam = errors.New("control: invalid parameter")

// ValidateParam rejects values that would make the policy or the mixing
// solver meaningless.
func ValidateParam(key string, value float64) error {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return fmt.Errorf("%w: %s is not finite", ErrInvalidParam, key)
	}
	switch key {
	case KeyVolume, KeyMaxVolume:
		if value <= 0 {
			return fmt.Errorf("%w: %s must be positive, got %g", ErrInvalidParam, key, value)
		}
	case KeyDilutionFactor:
		if value <= 1 {
			return fmt.Errorf("%w: %s must be greater than 1, got %g", ErrInvalidParam, key, value)
		}
	case KeyMinDilutionDelay, KeyMaxDilutionDelay, KeyStressIncreaseGenerations:
		if value < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %g", ErrInvalidParam, key, value)
		}
	case KeyStock1Concentration, KeyStock2Concentration:
		if value < 0 {
			return fmt.Errorf("%w: %s must not be negative, got %g", ErrInvalidParam, key, value)
		}
	}
	return nil
}
