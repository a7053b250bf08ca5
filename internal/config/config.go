package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultVials            = 7
	DefaultTickInterval     = time.Second
	DefaultODOffset         = 10
	DefaultUpdateOffset     = 40
	DefaultProgressInterval = 5 * time.Second
	DefaultLightLockTimeout = 10 * time.Second
	DefaultHeavyLockTimeout = 60 * time.Second
	DefaultPumpPollInterval = 100 * time.Millisecond
	DefaultGrowthWindow     = 30 * time.Minute
	DefaultGrowthMinPoints  = 5
	DefaultDataDir          = ".morbidostat"
	DefaultMonitorAddr      = "127.0.0.1:8787"
	DefaultLogLevel         = "info"

	DefaultVolume                    = 12.0
	DefaultMaxVolume                 = 20.0
	DefaultDilutionFactor            = 1.6
	DefaultDilutionThreshold         = 0.3
	DefaultMinDilutionDelay          = 4.0
	DefaultStock1Concentration       = 0.0
	DefaultStock2Concentration       = 100.0
	DefaultStressIncreaseODMin       = 0.15
	DefaultStressIncreaseGrowthRate  = 0.05
	DefaultStressIncreaseGenerations = 1.0
	DefaultStressIncreaseFactor      = 1.5
	DefaultStressIncreaseAmount      = 0.1
	DefaultStressDecreaseGrowthRate  = -0.1
)

const (
	envDataDir     = "MORBIDOSTAT_DATA_DIR"
	envMonitorAddr = "MORBIDOSTAT_MONITOR_ADDR"
	envLogLevel    = "MORBIDOSTAT_LOG_LEVEL"
)

type Config struct {
	Experiment ExperimentConfig `yaml:"experiment"`
	Ticker     TickerConfig     `yaml:"ticker"`
	Locks      LockConfig       `yaml:"locks"`
	Pumps      PumpConfig       `yaml:"pumps"`
	Policy     PolicyConfig     `yaml:"policy"`
	Growth     GrowthConfig     `yaml:"growth"`
	Storage    StorageConfig    `yaml:"storage"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Simulation SimulationConfig `yaml:"simulation"`
	LogLevel   string           `yaml:"log_level"`
}

type ExperimentConfig struct {
	Name  string `yaml:"name"`
	Vials int    `yaml:"vials"`
	// VialParameters overrides policy parameters per vial, keyed by vial
	// number then parameter key.
	VialParameters map[int]map[string]float64 `yaml:"vial_parameters"`
}

type TickerConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ODOffset and UpdateOffset are seconds past the minute.
	ODOffset         int           `yaml:"od_offset"`
	UpdateOffset     int           `yaml:"update_offset"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

type LockConfig struct {
	LightTimeout time.Duration `yaml:"light_timeout"`
	HeavyTimeout time.Duration `yaml:"heavy_timeout"`
}

type PumpConfig struct {
	PollInterval time.Duration `yaml:"poll_interval"`
}

// PolicyConfig holds the default morbidostat parameters applied to every
// vial. Durations are minutes, booleans are 0/1, matching the persisted
// parameter store.
type PolicyConfig struct {
	Volume                    float64 `yaml:"volume"`
	MaxVolume                 float64 `yaml:"max_volume"`
	DilutionFactor            float64 `yaml:"dilution_factor"`
	DilutionThreshold         float64 `yaml:"dilution_threshold"`
	DilutionTriggerOD         float64 `yaml:"dilution_trigger_od"`
	MinDilutionDelay          float64 `yaml:"delay_dilution_min"`
	MaxDilutionDelay          float64 `yaml:"delay_dilution_max"`
	DoseInitialization        float64 `yaml:"dose_initialization"`
	Stock1Concentration       float64 `yaml:"stock1_concentration"`
	Stock2Concentration       float64 `yaml:"stock2_concentration"`
	StressIncreaseODMin       float64 `yaml:"stress_increase_od_min"`
	StressIncreaseGrowthRate  float64 `yaml:"stress_increase_growth_rate"`
	StressIncreaseGenerations float64 `yaml:"delay_stress_increase_min_generations"`
	StressIncreaseFactor      float64 `yaml:"stress_increase_factor"`
	StressIncreaseAmount      float64 `yaml:"stress_increase_amount"`
	StressDecreaseGrowthRate  float64 `yaml:"stress_decrease_growth_rate"`
}

type GrowthConfig struct {
	Window    time.Duration `yaml:"window"`
	MinPoints int           `yaml:"min_points"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

type MonitorConfig struct {
	Addr string `yaml:"addr"`
}

type SimulationConfig struct {
	Enabled bool  `yaml:"enabled"`
	Seed    int64 `yaml:"seed"`
	// TimeScale is simulated seconds per wall-clock second.
	TimeScale float64 `yaml:"time_scale"`
	Noise     float64 `yaml:"noise"`
	// MaxGrowthRate is per hour.
	MaxGrowthRate    float64 `yaml:"max_growth_rate"`
	CarryingCapacity float64 `yaml:"carrying_capacity"`
	IC50             float64 `yaml:"ic50"`
	InitialOD        float64 `yaml:"initial_od"`
	// PumpFlowRate is mL per simulated second.
	PumpFlowRate float64 `yaml:"pump_flow_rate"`
}

func DefaultPolicy() PolicyConfig {
	return PolicyConfig{
		Volume:                    DefaultVolume,
		MaxVolume:                 DefaultMaxVolume,
		DilutionFactor:            DefaultDilutionFactor,
		DilutionThreshold:         DefaultDilutionThreshold,
		DilutionTriggerOD:         1,
		MinDilutionDelay:          DefaultMinDilutionDelay,
		MaxDilutionDelay:          0,
		DoseInitialization:        -1,
		Stock1Concentration:       DefaultStock1Concentration,
		Stock2Concentration:       DefaultStock2Concentration,
		StressIncreaseODMin:       DefaultStressIncreaseODMin,
		StressIncreaseGrowthRate:  DefaultStressIncreaseGrowthRate,
		StressIncreaseGenerations: DefaultStressIncreaseGenerations,
		StressIncreaseFactor:      DefaultStressIncreaseFactor,
		StressIncreaseAmount:      DefaultStressIncreaseAmount,
		StressDecreaseGrowthRate:  DefaultStressDecreaseGrowthRate,
	}
}

func DefaultConfig() *Config {
	return &Config{
		Experiment: ExperimentConfig{
			Name:  "morbidostat",
			Vials: DefaultVials,
		},
		Ticker: TickerConfig{
			Interval:         DefaultTickInterval,
			ODOffset:         DefaultODOffset,
			UpdateOffset:     DefaultUpdateOffset,
			ProgressInterval: DefaultProgressInterval,
		},
		Locks: LockConfig{
			LightTimeout: DefaultLightLockTimeout,
			HeavyTimeout: DefaultHeavyLockTimeout,
		},
		Pumps:  PumpConfig{PollInterval: DefaultPumpPollInterval},
		Policy: DefaultPolicy(),
		Growth: GrowthConfig{
			Window:    DefaultGrowthWindow,
			MinPoints: DefaultGrowthMinPoints,
		},
		Storage: StorageConfig{DataDir: DefaultDataDir},
		Monitor: MonitorConfig{Addr: DefaultMonitorAddr},
		Simulation: SimulationConfig{
			Seed:             1,
			TimeScale:        60,
			Noise:            0.005,
			MaxGrowthRate:    0.8,
			CarryingCapacity: 1.2,
			IC50:             2.0,
			InitialOD:        0.05,
			PumpFlowRate:     1.0,
		},
		LogLevel: DefaultLogLevel,
	}
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// LoadEnv reads .env style files into the process environment. Missing
// files are not an error.
func LoadEnv(files ...string) error {
	err := godotenv.Load(files...)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from MORBIDOSTAT_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(envDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(envMonitorAddr); v != "" {
		c.Monitor.Addr = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		c.LogLevel = v
	}
}

func (c *Config) Validate() error {
	if c.Experiment.Vials < 1 || c.Experiment.Vials > DefaultVials {
		return fmt.Errorf("vials must be in 1..%d, got %d", DefaultVials, c.Experiment.Vials)
	}
	for vial := range c.Experiment.VialParameters {
		if vial < 1 || vial > c.Experiment.Vials {
			return fmt.Errorf("vial_parameters references unknown vial %d", vial)
		}
	}
	if c.Ticker.Interval <= 0 {
		return fmt.Errorf("ticker interval must be positive, got %s", c.Ticker.Interval)
	}
	if !validOffset(c.Ticker.ODOffset) || !validOffset(c.Ticker.UpdateOffset) {
		return fmt.Errorf("ticker offsets must be in 0..59, got %d and %d", c.Ticker.ODOffset, c.Ticker.UpdateOffset)
	}
	if c.Ticker.ODOffset == c.Ticker.UpdateOffset {
		return fmt.Errorf("od_offset and update_offset must differ, both are %d", c.Ticker.ODOffset)
	}
	if c.Locks.LightTimeout <= 0 || c.Locks.HeavyTimeout <= 0 {
		return fmt.Errorf("lock timeouts must be positive")
	}
	if c.Pumps.PollInterval <= 0 {
		return fmt.Errorf("pump poll interval must be positive")
	}
	if c.Policy.DilutionFactor <= 1 {
		return fmt.Errorf("dilution_factor must be greater than 1, got %f", c.Policy.DilutionFactor)
	}
	if c.Policy.Volume <= 0 || c.Policy.MaxVolume < c.Policy.Volume {
		return fmt.Errorf("volume must be positive and not exceed max_volume")
	}
	if c.Growth.MinPoints < 2 {
		return fmt.Errorf("growth min_points must be at least 2")
	}
	if c.Simulation.Enabled && c.Simulation.TimeScale <= 0 {
		return fmt.Errorf("simulation time_scale must be positive")
	}
	return nil
}

func validOffset(s int) bool { return s >= 0 && s < 60 }

// Parameters flattens the policy into the per-vial parameter map, keyed
// by the yaml tag of each field.
func (p PolicyConfig) Parameters() (map[string]float64, error) {
	data, err := yaml.Marshal(p)
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64)
	if err := yaml.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// VialParametersFor returns the defaults merged with the overrides of vial.
func (c *Config) VialParametersFor(vial int) (map[string]float64, error) {
	params, err := c.Policy.Parameters()
	if err != nil {
		return nil, err
	}
	for k, v := range c.Experiment.VialParameters[vial] {
		params[k] = v
	}
	return params, nil
}
