package hardware

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

var errNoRoute = errors.New("no vial valve open")

type SimConfig struct {
	Vials int
	Seed  int64
	// TimeScale is simulated seconds per wall-clock second.
	TimeScale float64
	// Noise is the standard deviation of the OD reading.
	Noise float64
	// MaxGrowthRate is per hour.
	MaxGrowthRate    float64
	CarryingCapacity float64
	// IC50 is the drug concentration halving the growth rate.
	IC50      float64
	InitialOD float64
	Volume    float64
	// Stock1 and Stock2 are the concentrations delivered by the main and
	// drug pumps.
	Stock1 float64
	Stock2 float64
	// PumpFlowRate is mL per simulated second.
	PumpFlowRate float64
	// Now replaces time.Now, mostly for tests.
	Now func() time.Time
}

type simVial struct {
	od      float64
	drug    float64
	volume  float64
	valve   bool
	stirrer Speed
}

type simPump struct {
	until time.Time
	on    bool
}

// Simulator is an in-process Device backed by a logistic growth model with
// drug inhibition.
type Simulator struct {
	mu        sync.Mutex
	cfg       SimConfig
	rng       *rand.Rand
	now       func() time.Time
	last      time.Time
	vials     []simVial
	pumps     [3]simPump
	connected bool
	integ     rk4
}

func NewSimulator(cfg SimConfig) *Simulator {
	if cfg.TimeScale <= 0 {
		cfg.TimeScale = 1
	}
	if cfg.PumpFlowRate <= 0 {
		cfg.PumpFlowRate = 1
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Simulator{
		cfg:       cfg,
		rng:       rand.New(rand.NewSource(cfg.Seed)),
		now:       now,
		last:      now(),
		vials:     make([]simVial, cfg.Vials),
		connected: true,
	}
	for i := range s.vials {
		s.vials[i] = simVial{od: cfg.InitialOD, drug: cfg.Stock1, volume: cfg.Volume}
	}
	return s
}

// Disconnect drops the simulated link until Reconnect.
func (s *Simulator) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
}

func (s *Simulator) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *Simulator) Reconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Simulator) vial(n int) (*simVial, error) {
	if !s.connected {
		return nil, ErrDisconnected
	}
	if n < 1 || n > len(s.vials) {
		return nil, fmt.Errorf("no vial %d", n)
	}
	return &s.vials[n-1], nil
}

// advance integrates growth up to now.
func (s *Simulator) advance() {
	now := s.now()
	dt := now.Sub(s.last).Seconds() * s.cfg.TimeScale / 3600
	s.last = now
	if dt <= 0 {
		return
	}
	// substeps keep RK4 stable over long gaps
	steps := int(math.Ceil(dt / 0.05))
	h := dt / float64(steps)
	for i := range s.vials {
		v := &s.vials[i]
		state := []float64{v.od}
		deriv := s.growth(v.drug)
		for range steps {
			state = s.integ.step(deriv, state, h)
		}
		v.od = math.Max(state[0], 0)
	}
}

// growth returns dOD/dt in OD per hour at a fixed drug concentration.
func (s *Simulator) growth(drug float64) func(x []float64) []float64 {
	r := s.cfg.MaxGrowthRate
	if s.cfg.IC50 > 0 {
		r /= 1 + drug/s.cfg.IC50
	}
	k := s.cfg.CarryingCapacity
	return func(x []float64) []float64 {
		od := x[0]
		if k <= 0 {
			return []float64{r * od}
		}
		return []float64{r * od * (1 - od/k)}
	}
}

func (s *Simulator) MeasureOD(vial int) (float64, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.vial(vial)
	if err != nil {
		return 0, 0, err
	}
	s.advance()
	od := math.Max(v.od+s.rng.NormFloat64()*s.cfg.Noise, 0)
	raw := 1000 * math.Pow(10, -od)
	return od, raw, nil
}

// StartPump applies the volume change at once and keeps the pump reported
// as running for volume / flow rate simulated seconds.
func (s *Simulator) StartPump(pump Pump, volume float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrDisconnected
	}
	if pump < PumpMain || pump > PumpVacuum {
		return fmt.Errorf("no pump %d", pump)
	}
	target := -1
	for i, v := range s.vials {
		if v.valve {
			if target >= 0 {
				return fmt.Errorf("pump %s: more than one valve open", pump)
			}
			target = i
		}
	}
	if target < 0 {
		return fmt.Errorf("pump %s: %w", pump, errNoRoute)
	}
	s.advance()

	v := &s.vials[target]
	switch pump {
	case PumpVacuum:
		v.volume = math.Max(v.volume-volume, 0)
	default:
		conc := s.cfg.Stock1
		if pump == PumpDrug {
			conc = s.cfg.Stock2
		}
		total := v.volume + volume
		if total > 0 {
			v.drug = (v.drug*v.volume + conc*volume) / total
			v.od = v.od * v.volume / total
		}
		v.volume = total
	}

	wall := time.Duration(volume / s.cfg.PumpFlowRate / s.cfg.TimeScale * float64(time.Second))
	s.pumps[pump] = simPump{on: true, until: s.now().Add(wall)}
	return nil
}

func (s *Simulator) PumpRunning(pump Pump) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return false, ErrDisconnected
	}
	if pump < PumpMain || pump > PumpVacuum {
		return false, fmt.Errorf("no pump %d", pump)
	}
	p := &s.pumps[pump]
	if p.on && !s.now().Before(p.until) {
		p.on = false
	}
	return p.on, nil
}

func (s *Simulator) StopPump(pump Pump) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.connected {
		return ErrDisconnected
	}
	if pump < PumpMain || pump > PumpVacuum {
		return fmt.Errorf("no pump %d", pump)
	}
	s.pumps[pump].on = false
	return nil
}

func (s *Simulator) SetValve(vial int, open bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.vial(vial)
	if err != nil {
		return err
	}
	v.valve = open
	return nil
}

func (s *Simulator) SetStirrer(vial int, speed Speed) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, err := s.vial(vial)
	if err != nil {
		return err
	}
	v.stirrer = speed
	return nil
}

// AllOff works even when the link is down.
func (s *Simulator) AllOff() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.pumps {
		s.pumps[i].on = false
	}
	for i := range s.vials {
		s.vials[i].valve = false
		s.vials[i].stirrer = StirOff
	}
	return nil
}

// VialState is the simulated truth of one vial.
type VialState struct {
	OD      float64
	Drug    float64
	Volume  float64
	Valve   bool
	Stirrer Speed
}

func (s *Simulator) Inspect(vial int) VialState {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := s.vials[vial-1]
	return VialState{OD: v.od, Drug: v.drug, Volume: v.volume, Valve: v.valve, Stirrer: v.stirrer}
}

// rk4 is a classic fourth order Runge-Kutta stepper with reused scratch
// buffers.
type rk4 struct {
	k1, k2, k3, k4 []float64
	scratch        []float64
}

func (r *rk4) ensureScratch(n int) {
	if len(r.k1) != n {
		r.k1 = make([]float64, n)
		r.k2 = make([]float64, n)
		r.k3 = make([]float64, n)
		r.k4 = make([]float64, n)
		r.scratch = make([]float64, n)
	}
}

func (r *rk4) step(f func([]float64) []float64, x []float64, dt float64) []float64 {
	n := len(x)
	r.ensureScratch(n)

	copy(r.k1, f(x))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k1[i]
	}
	copy(r.k2, f(r.scratch))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*0.5*r.k2[i]
	}
	copy(r.k3, f(r.scratch))
	for i := 0; i < n; i++ {
		r.scratch[i] = x[i] + dt*r.k3[i]
	}
	copy(r.k4, f(r.scratch))

	result := make([]float64, n)
	dt6 := dt / 6.0
	for i := 0; i < n; i++ {
		result[i] = x[i] + dt6*(r.k1[i]+2*r.k2[i]+2*r.k3[i]+r.k4[i])
	}
	return result
}
