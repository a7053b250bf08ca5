package experiment

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/mock/gomock"

	"github.com/san-kum/morbidostat/internal/config"
	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/hardware"
	"github.com/san-kum/morbidostat/internal/lock"
	"github.com/san-kum/morbidostat/internal/metrics"
	"github.com/san-kum/morbidostat/internal/storage"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	// ticks are driven by hand
	cfg.Ticker.Interval = time.Hour
	cfg.Ticker.ProgressInterval = 10 * time.Millisecond
	cfg.Locks.LightTimeout = time.Second
	cfg.Locks.HeavyTimeout = 5 * time.Second
	cfg.Pumps.PollInterval = time.Millisecond
	return cfg
}

func newSimulator(cfg *config.Config) *hardware.Simulator {
	return hardware.NewSimulator(hardware.SimConfig{
		Vials:        cfg.Experiment.Vials,
		TimeScale:    5000,
		InitialOD:    0.5,
		Volume:       cfg.Policy.Volume,
		Stock2:       cfg.Policy.Stock2Concentration,
		PumpFlowRate: 1,
	})
}

// at returns a time in the given minute with the given second.
func at(minute, second int) time.Time {
	return time.Date(2026, 3, 1, 12, minute, second, 0, time.UTC)
}

func openStore() *storage.Store {
	store, err := storage.Open(filepath.Join(GinkgoT().TempDir(), "records.db"))
	Expect(err).NotTo(HaveOccurred())
	DeferCleanup(store.Close)
	return store
}

// odDevice reports the same OD for every vial.
type odDevice struct {
	hardware.Device
	od float64
}

func (d *odDevice) Connected() bool { return true }

func (d *odDevice) MeasureOD(int) (float64, float64, error) { return d.od, d.od * 1000, nil }

// flakyDevice fails OD reads on one vial.
type flakyDevice struct {
	hardware.Device
	vial int
}

func (f flakyDevice) MeasureOD(vial int) (float64, float64, error) {
	if vial == f.vial {
		return 0, 0, errors.New("photodiode saturated")
	}
	return f.Device.MeasureOD(vial)
}

var _ = Describe("Experiment", func() {
	var (
		ctx context.Context
		cfg *config.Config
	)

	BeforeEach(func() {
		ctx = context.Background()
		cfg = testConfig()
	})

	stopIfActive := func(e *Experiment) {
		if e.Status().Active() {
			Expect(e.Stop(ctx)).To(Succeed())
		}
	}

	Context("with a mocked device", func() {
		var (
			mockCtrl *gomock.Controller
			dev      *MockDevice
		)

		BeforeEach(func() {
			mockCtrl = gomock.NewController(GinkgoT())
			dev = NewMockDevice(mockCtrl)
		})

		AfterEach(func() {
			mockCtrl.Finish()
		})

		It("should refuse to start when the link stays down", func() {
			dev.EXPECT().Connected().Return(false).Times(2)
			dev.EXPECT().Reconnect().Return(errors.New("no such port"))

			e, err := New(ctx, "", cfg, Deps{Device: dev})
			Expect(err).NotTo(HaveOccurred())

			err = e.Start(ctx)

			Expect(err).To(MatchError(hardware.ErrDisconnected))
			Expect(e.Status()).To(Equal(Inactive))
		})

		It("should report a down link without reconnecting", func() {
			dev.EXPECT().Connected().Return(false)
			dev.EXPECT().Reconnect().Times(0)

			e, err := New(ctx, "", cfg, Deps{Device: dev})
			Expect(err).NotTo(HaveOccurred())
			g, err := e.locks.Acquire(ctx, lock.Bus, time.Second)
			Expect(err).NotTo(HaveOccurred())
			defer g.Release()

			Expect(e.Connected()).To(BeFalse())
		})

		It("should run the stirrers for the lifetime of the experiment", func() {
			dev.EXPECT().Connected().Return(true)
			gomock.InOrder(
				dev.EXPECT().SetStirrer(gomock.Any(), hardware.StirHigh).Return(nil).Times(7),
				dev.EXPECT().SetStirrer(gomock.Any(), hardware.StirOff).Return(nil).Times(7),
			)

			e, err := New(ctx, "", cfg, Deps{Device: dev})
			Expect(err).NotTo(HaveOccurred())

			Expect(e.Start(ctx)).To(Succeed())
			Expect(e.Status()).To(Equal(Running))
			Expect(e.Stop(ctx)).To(Succeed())
			Expect(e.Status()).To(Equal(Stopped))
		})

		It("should fall back when the stirrers cannot be started", func() {
			dev.EXPECT().Connected().Return(true)
			dev.EXPECT().SetStirrer(gomock.Any(), hardware.StirHigh).Return(errors.New("stuck")).Times(7)

			e, err := New(ctx, "", cfg, Deps{Device: dev})
			Expect(err).NotTo(HaveOccurred())

			Expect(e.Start(ctx)).To(MatchError(hardware.ErrActuation))
			Expect(e.Status()).To(Equal(Inactive))
		})
	})

	Context("with the simulator", func() {
		var (
			sim *hardware.Simulator
			e   *Experiment
		)

		BeforeEach(func() {
			sim = newSimulator(cfg)
			var err error
			e, err = New(ctx, "", cfg, Deps{
				Device:  sim,
				Metrics: metrics.NewRecorder(prometheus.NewRegistry()),
			})
			Expect(err).NotTo(HaveOccurred())
			DeferCleanup(func() { stopIfActive(e) })
		})

		It("should reject illegal transitions", func() {
			Expect(e.PauseDilutionWorker(ctx)).To(MatchError(ErrInvalidTransition))
			Expect(e.Stop(ctx)).To(MatchError(ErrInvalidTransition))

			Expect(e.Start(ctx)).To(Succeed())
			Expect(e.Start(ctx)).To(MatchError(ErrInvalidTransition))
			Expect(e.ResumeDilutionWorker(ctx)).To(MatchError(ErrInvalidTransition))
		})

		It("should measure every vial at the OD offset", func() {
			Expect(e.Start(ctx)).To(Succeed())
			for v := 1; v <= 7; v++ {
				Expect(sim.Inspect(v).Stirrer).To(Equal(hardware.StirHigh))
			}

			e.Tick(at(0, cfg.Ticker.ODOffset))

			Eventually(func() int {
				n := 0
				for _, s := range e.Cultures() {
					n += len(s.Population)
				}
				return n
			}).Should(Equal(7))
			Expect(e.Cultures()[0].Doses).To(BeEmpty())
		})

		It("should ignore ticks at other seconds", func() {
			Expect(e.Start(ctx)).To(Succeed())

			e.Tick(at(0, cfg.Ticker.ODOffset+1))

			Consistently(func() []culture.Sample {
				return e.Cultures()[0].Population
			}, 100*time.Millisecond).Should(BeEmpty())
		})

		It("should dilute cultures above the threshold at the update offset", func() {
			Expect(e.Start(ctx)).To(Succeed())
			e.Tick(at(0, cfg.Ticker.ODOffset))
			Eventually(func() []culture.Sample { return e.Cultures()[6].Population }).Should(HaveLen(1))

			e.Tick(at(0, cfg.Ticker.UpdateOffset))

			Eventually(func() []culture.Sample { return e.Cultures()[6].Doses }, 5*time.Second).Should(HaveLen(1))
			for _, s := range e.Cultures() {
				Expect(s.Doses).To(HaveLen(1))
				Expect(s.LastAction).To(Equal(control.DiluteSameDose))
				Expect(s.Status).To(HaveKey(control.ReasonODTrigger))
			}
			Expect(sim.Inspect(1).Volume).To(BeNumerically("~", cfg.Policy.Volume, 1e-9))
		})

		It("should hold dilutions while paused and keep measuring", func() {
			Expect(e.Start(ctx)).To(Succeed())
			Expect(e.PauseDilutionWorker(ctx)).To(Succeed())
			Expect(e.Status()).To(Equal(Paused))

			e.Tick(at(0, cfg.Ticker.ODOffset))
			Eventually(func() []culture.Sample { return e.Cultures()[6].Population }).Should(HaveLen(1))

			e.Tick(at(0, cfg.Ticker.UpdateOffset))
			Consistently(func() []culture.Sample { return e.Cultures()[0].Doses }, 200*time.Millisecond).Should(BeEmpty())

			Expect(e.ResumeDilutionWorker(ctx)).To(Succeed())
			Eventually(func() []culture.Sample { return e.Cultures()[6].Doses }, 5*time.Second).Should(HaveLen(1))
		})

		It("should turn the stirrers off on stop", func() {
			Expect(e.Start(ctx)).To(Succeed())

			Expect(e.Stop(ctx)).To(Succeed())

			Expect(e.Status()).To(Equal(Stopped))
			for v := 1; v <= 7; v++ {
				Expect(sim.Inspect(v).Stirrer).To(Equal(hardware.StirOff))
			}
			Expect(e.Start(ctx)).To(Succeed(), "a stopped experiment can start again")
		})

		It("should force everything off and release locks on hard stop", func() {
			Expect(e.Start(ctx)).To(Succeed())
			_, err := e.locks.Acquire(ctx, lock.Vial(3), time.Second)
			Expect(err).NotTo(HaveOccurred())

			Expect(e.HardStop(ctx)).To(Succeed())

			Expect(e.Status()).To(Equal(Stopped))
			Expect(e.locks.Held(lock.Vial(3))).To(BeFalse())
			Expect(e.act.Halted()).To(BeTrue())
			_, _, err = e.act.MeasureOD(ctx, 1)
			Expect(err).To(MatchError(hardware.ErrHardStop))

			Expect(e.Start(ctx)).To(Succeed(), "start rearms the actuator")
			Expect(e.act.Halted()).To(BeFalse())
		})

		It("should refuse to delete history while running", func() {
			Expect(e.Start(ctx)).To(Succeed())

			_, err := e.DeleteHistory(ctx, 1)

			Expect(err).To(MatchError(ErrActive))
		})

		It("should validate parameter changes", func() {
			Expect(e.SetParameter(2, control.KeyDilutionThreshold, 0.4)).To(Succeed())
			v, ok := e.cultures[1].Parameter(control.KeyDilutionThreshold)
			Expect(ok).To(BeTrue())
			Expect(v).To(Equal(0.4))

			Expect(e.SetParameter(2, control.KeyGeneration, 3)).To(MatchError(culture.ErrStateKey))
			Expect(e.SetParameter(9, control.KeyVolume, 3)).To(MatchError(ErrUnknownVial))
			_, err := e.CultureStatus(0)
			Expect(err).To(MatchError(ErrUnknownVial))
		})
	})

	It("should keep measuring the other vials when one fails", func() {
		sim := newSimulator(cfg)
		e, err := New(ctx, "", cfg, Deps{Device: flakyDevice{Device: sim, vial: 3}})
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(func() { stopIfActive(e) })
		Expect(e.Start(ctx)).To(Succeed())

		e.Tick(at(0, cfg.Ticker.ODOffset))

		Eventually(func() []culture.Sample { return e.Cultures()[6].Population }).Should(HaveLen(1))
		Expect(e.Cultures()[2].Population).To(BeEmpty())
		Expect(e.Cultures()[1].Population).To(HaveLen(1))
	})

	It("should estimate growth from samples after the last dilution", func() {
		const rate = 0.6
		clock := at(0, 0)
		dev := &odDevice{od: 0.1}
		e, err := New(ctx, "", cfg, Deps{Device: dev, Clock: func() time.Time { return clock }})
		Expect(err).NotTo(HaveOccurred())
		c := e.cultures[0]

		grow := func(minutes int) {
			for range minutes {
				clock = clock.Add(time.Minute)
				dev.od *= math.Exp(rate / 60)
				Expect(e.measure(ctx, c)).To(Succeed())
			}
		}

		grow(21)
		Expect(c.State().GrowthRate).To(BeNumerically("~", rate, 1e-6))

		clock = clock.Add(30 * time.Second)
		Expect(c.CommitDilution(ctx, culture.Dilution{
			Concentration:   0,
			GenerationDelta: math.Log2(1.6),
			Time:            clock,
		})).To(Succeed())
		dev.od /= 1.6

		grow(2)
		Expect(math.IsNaN(c.State().GrowthRate)).To(BeTrue(), "too few samples since the dilution")

		grow(4)
		Expect(c.State().GrowthRate).To(BeNumerically("~", rate, 1e-6))
		d := control.Evaluate(c.State(), c.Params(), clock)
		Expect(d.Action).NotTo(Equal(control.Rescue))
	})

	Context("with a store", func() {
		var store *storage.Store

		BeforeEach(func() {
			store = openStore()
		})

		It("should correct an experiment persisted as running", func() {
			Expect(store.SetExperimentStatus(ctx, "exp1", "morbidostat", Running.String())).To(Succeed())

			e, err := New(ctx, "exp1", cfg, Deps{Device: newSimulator(cfg), Store: store})

			Expect(err).NotTo(HaveOccurred())
			Expect(e.Status()).To(Equal(Stopped))
			info, err := store.Experiment(ctx, "exp1")
			Expect(err).NotTo(HaveOccurred())
			Expect(info.Status).To(Equal(Stopped.String()))
		})

		It("should persist every transition", func() {
			e, err := New(ctx, "exp2", cfg, Deps{Device: newSimulator(cfg), Store: store})
			Expect(err).NotTo(HaveOccurred())
			status := func() string {
				info, err := store.Experiment(ctx, "exp2")
				Expect(err).NotTo(HaveOccurred())
				return info.Status
			}
			Expect(status()).To(Equal(Inactive.String()))

			Expect(e.Start(ctx)).To(Succeed())
			Expect(status()).To(Equal(Running.String()))
			Expect(e.PauseDilutionWorker(ctx)).To(Succeed())
			Expect(status()).To(Equal(Paused.String()))
			Expect(e.Stop(ctx)).To(Succeed())
			Expect(status()).To(Equal(Stopped.String()))
		})

		It("should recover every experiment left active", func() {
			Expect(store.SetExperimentStatus(ctx, "a", "morbidostat", Paused.String())).To(Succeed())
			Expect(store.SetExperimentStatus(ctx, "b", "morbidostat", Stopped.String())).To(Succeed())
			Expect(store.SetExperimentStatus(ctx, "c", "morbidostat", Stopping.String())).To(Succeed())

			n, err := Recover(ctx, store, slog.New(slog.NewTextHandler(GinkgoWriter, nil)))

			Expect(err).NotTo(HaveOccurred())
			Expect(n).To(Equal(2))
			infos, err := store.ListExperiments(ctx)
			Expect(err).NotTo(HaveOccurred())
			for _, info := range infos {
				Expect(info.Status).To(Equal(Stopped.String()))
			}
		})

		It("should reload histories on restart", func() {
			e, err := New(ctx, "exp3", cfg, Deps{Device: newSimulator(cfg), Store: store})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Start(ctx)).To(Succeed())
			e.Tick(at(0, cfg.Ticker.ODOffset))
			Eventually(func() []culture.Sample { return e.Cultures()[6].Population }).Should(HaveLen(1))
			e.Tick(at(0, cfg.Ticker.UpdateOffset))
			Eventually(func() []culture.Sample { return e.Cultures()[6].Doses }, 5*time.Second).Should(HaveLen(1))
			Expect(e.Stop(ctx)).To(Succeed())

			again, err := New(ctx, "exp3", cfg, Deps{Device: newSimulator(cfg), Store: store})

			Expect(err).NotTo(HaveOccurred())
			s := again.Cultures()[0]
			Expect(s.Population).To(HaveLen(1))
			Expect(s.Doses).To(HaveLen(1))
			Expect(s.Generation).To(BeNumerically(">", 0))
		})
	})
})

var _ = Describe("Host", func() {
	It("should stop the previous experiment on replace", func() {
		ctx := context.Background()
		cfg := testConfig()
		first, err := New(ctx, "", cfg, Deps{Device: newSimulator(cfg)})
		Expect(err).NotTo(HaveOccurred())
		second, err := New(ctx, "", cfg, Deps{Device: newSimulator(cfg)})
		Expect(err).NotTo(HaveOccurred())

		h := NewHost(nil)
		_, err = h.Current()
		Expect(err).To(MatchError(ErrNoExperiment))
		Expect(h.HardStop(ctx)).To(MatchError(ErrNoExperiment))

		Expect(h.Replace(ctx, first)).To(Succeed())
		Expect(first.Start(ctx)).To(Succeed())
		Expect(h.Replace(ctx, second)).To(Succeed())

		Expect(first.Status()).To(Equal(Stopped))
		cur, err := h.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(cur).To(BeIdenticalTo(second))
	})
})

var _ = Describe("Host replace", func() {
	It("should keep serving Current while the previous experiment stops", func() {
		ctx := context.Background()
		cfg := testConfig()
		first, err := New(ctx, "", cfg, Deps{Device: newSimulator(cfg)})
		Expect(err).NotTo(HaveOccurred())
		second, err := New(ctx, "", cfg, Deps{Device: newSimulator(cfg)})
		Expect(err).NotTo(HaveOccurred())
		h := NewHost(nil)
		Expect(h.Replace(ctx, first)).To(Succeed())

		// A measure task stuck on the vial lock keeps the stop waiting.
		g, err := first.locks.Acquire(ctx, lock.Vial(1), time.Second)
		Expect(err).NotTo(HaveOccurred())
		Expect(first.Start(ctx)).To(Succeed())
		first.Tick(at(0, cfg.Ticker.ODOffset))

		replaced := make(chan error, 1)
		go func() { replaced <- h.Replace(ctx, second) }()
		Eventually(first.Status).Should(Equal(Stopping))

		current := make(chan *Experiment, 1)
		go func() {
			cur, _ := h.Current()
			current <- cur
		}()
		Eventually(current, 200*time.Millisecond).Should(Receive(BeIdenticalTo(first)))

		g.Release()
		Eventually(replaced, 5*time.Second).Should(Receive(BeNil()))
		cur, err := h.Current()
		Expect(err).NotTo(HaveOccurred())
		Expect(cur).To(BeIdenticalTo(second))
	})
})

var _ = Describe("Registry", func() {
	It("should build the simulator by name", func() {
		r := NewRegistry()
		cfg := testConfig()

		dev, err := r.GetDevice("simulator", cfg)
		Expect(err).NotTo(HaveOccurred())
		Expect(dev.Connected()).To(BeTrue())

		_, err = r.GetDevice("serial", cfg)
		Expect(err).To(MatchError(ContainSubstring("unknown device")))
		Expect(r.ListDevices()).To(Equal([]string{"simulator"}))
	})
})
