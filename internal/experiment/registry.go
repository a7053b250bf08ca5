package experiment

import (
	"fmt"
	"sort"

	"github.com/san-kum/morbidostat/internal/config"
	"github.com/san-kum/morbidostat/internal/hardware"
)

// Registry maps device names to constructors so the CLI can pick the
// hardware backend by name.
type Registry struct {
	devices map[string]func(cfg *config.Config) (hardware.Device, error)
}

func NewRegistry() *Registry {
	r := &Registry{
		devices: make(map[string]func(*config.Config) (hardware.Device, error)),
	}

	r.devices["simulator"] = func(cfg *config.Config) (hardware.Device, error) {
		sim := cfg.Simulation
		return hardware.NewSimulator(hardware.SimConfig{
			Vials:            cfg.Experiment.Vials,
			Seed:             sim.Seed,
			TimeScale:        sim.TimeScale,
			Noise:            sim.Noise,
			MaxGrowthRate:    sim.MaxGrowthRate,
			CarryingCapacity: sim.CarryingCapacity,
			IC50:             sim.IC50,
			InitialOD:        sim.InitialOD,
			Volume:           cfg.Policy.Volume,
			Stock1:           cfg.Policy.Stock1Concentration,
			Stock2:           cfg.Policy.Stock2Concentration,
			PumpFlowRate:     sim.PumpFlowRate,
		}), nil
	}

	return r
}

// Register adds or replaces a device constructor.
func (r *Registry) Register(name string, fn func(cfg *config.Config) (hardware.Device, error)) {
	r.devices[name] = fn
}

func (r *Registry) GetDevice(name string, cfg *config.Config) (hardware.Device, error) {
	fn, ok := r.devices[name]
	if !ok {
		return nil, fmt.Errorf("unknown device: %s", name)
	}
	return fn(cfg)
}

func (r *Registry) ListDevices() []string {
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
