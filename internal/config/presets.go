package config

import "sort"

// Presets are ready-made policy configurations for the common
// continuous-culture regimes.
var Presets = map[string]func(*PolicyConfig){
	// OD-triggered dilutions with adaptive drug stress.
	"morbidostat": func(p *PolicyConfig) {
		p.DilutionTriggerOD = 1
		p.MaxDilutionDelay = 0
		p.DoseInitialization = 0
	},
	// Constant turbidity: OD-triggered, drug dose never changes.
	"turbidostat": func(p *PolicyConfig) {
		p.DilutionTriggerOD = 1
		p.MaxDilutionDelay = 0
		p.DoseInitialization = -1
		p.StressIncreaseGrowthRate = inf
		p.StressDecreaseGrowthRate = -inf
	},
	// Fixed dilution schedule every 20 minutes regardless of OD.
	"chemostat": func(p *PolicyConfig) {
		p.DilutionTriggerOD = 0
		p.MaxDilutionDelay = 20
		p.DoseInitialization = -1
		p.StressIncreaseGrowthRate = inf
		p.StressDecreaseGrowthRate = -inf
	},
}

// inf keeps the stress thresholds out of reach while staying representable
// in YAML.
const inf = 1e9

// GetPreset returns the default configuration with the named policy preset
// applied, or nil if there is no such preset.
func GetPreset(name string) *Config {
	apply, ok := Presets[name]
	if !ok {
		return nil
	}
	cfg := DefaultConfig()
	cfg.Experiment.Name = name
	apply(&cfg.Policy)
	return cfg
}

func ListPresets() []string {
	names := make([]string, 0, len(Presets))
	for name := range Presets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
