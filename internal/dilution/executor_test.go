package dilution

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"github.com/san-kum/morbidostat/internal/control"
	"github.com/san-kum/morbidostat/internal/culture"
	"github.com/san-kum/morbidostat/internal/hardware"
	"github.com/san-kum/morbidostat/internal/lock"
)

type approx float64

func (a approx) Matches(x any) bool {
	v, ok := x.(float64)
	return ok && math.Abs(v-float64(a)) < 1e-9
}

func (a approx) String() string { return fmt.Sprintf("approximately %f", float64(a)) }

func vialDefaults() map[string]float64 {
	return map[string]float64{
		control.KeyVolume:              12,
		control.KeyMaxVolume:           20,
		control.KeyDilutionFactor:      1.6,
		control.KeyStock1Concentration: 0,
		control.KeyStock2Concentration: 100,
	}
}

func newCulture(vial int) *culture.Culture {
	return culture.New(culture.Config{Experiment: "test", Vial: vial, Defaults: vialDefaults()})
}

var _ = Describe("Executor", func() {
	var (
		mockCtrl *gomock.Controller
		dev      *MockDevice
		locks    *lock.Manager
		exec     *Executor
		c        *culture.Culture
		ctx      context.Context
	)

	BeforeEach(func() {
		mockCtrl = gomock.NewController(GinkgoT())
		dev = NewMockDevice(mockCtrl)
		locks = lock.New(7)
		act := hardware.NewActuator(dev, locks, hardware.WithPollInterval(time.Millisecond))
		exec = NewExecutor(locks, act, WithLockTimeout(50*time.Millisecond))
		c = newCulture(1)
		ctx = context.Background()
	})

	AfterEach(func() {
		mockCtrl.Finish()
	})

	It("should run the hardware sequence and commit the dose", func() {
		gomock.InOrder(
			dev.EXPECT().SetStirrer(1, hardware.StirLow).Return(nil),
			dev.EXPECT().SetValve(1, true).Return(nil),
			dev.EXPECT().StartPump(hardware.PumpMain, approx(7.008)).Return(nil),
			dev.EXPECT().PumpRunning(hardware.PumpMain).Return(false, nil),
			dev.EXPECT().StartPump(hardware.PumpDrug, approx(0.192)).Return(nil),
			dev.EXPECT().PumpRunning(hardware.PumpDrug).Return(false, nil),
			dev.EXPECT().StartPump(hardware.PumpVacuum, approx(7.2)).Return(nil),
			dev.EXPECT().PumpRunning(hardware.PumpVacuum).Return(false, nil),
			dev.EXPECT().SetValve(1, false).Return(nil),
			dev.EXPECT().SetStirrer(1, hardware.StirHigh).Return(nil),
		)

		plan, err := exec.Dilute(ctx, c, control.Decision{Action: control.Initialize, Target: 1})

		Expect(err).NotTo(HaveOccurred())
		Expect(plan.AddedVolume).To(BeNumerically("~", 7.2, 1e-9))
		s := c.Snapshot()
		Expect(s.Doses).To(HaveLen(1))
		Expect(s.Generations).To(HaveLen(1))
		Expect(s.DrugConcentration).To(BeNumerically("~", 1, 1e-9))
		Expect(s.Generation).To(BeNumerically("~", math.Log2(1.6), 1e-12))
		Expect(s.LastDoseChange).To(BeZero(), "a first dose has nothing to differ from")
		Expect(locks.Held(lock.Vial(1))).To(BeFalse())
		Expect(locks.Held(lock.Pump)).To(BeFalse())
	})

	It("should do nothing for a no-op decision", func() {
		plan, err := exec.Dilute(ctx, c, control.Decision{Action: control.NoOp})

		Expect(err).NotTo(HaveOccurred())
		Expect(plan).To(Equal(Plan{}))
		Expect(c.Snapshot().Doses).To(BeEmpty())
	})

	It("should leave histories untouched when a pump fails", func() {
		dev.EXPECT().SetStirrer(1, hardware.StirLow).Return(nil)
		dev.EXPECT().SetValve(1, true).Return(nil)
		dev.EXPECT().StartPump(hardware.PumpMain, gomock.Any()).Return(nil)
		dev.EXPECT().PumpRunning(hardware.PumpMain).Return(false, nil)
		dev.EXPECT().StartPump(hardware.PumpDrug, gomock.Any()).Return(errors.New("stalled"))
		dev.EXPECT().StopPump(gomock.Any()).Return(nil).Times(3)
		dev.EXPECT().SetValve(1, false).Return(nil)

		_, err := exec.Dilute(ctx, c, control.Decision{Action: control.DiluteSameDose, Target: 0.5})

		Expect(err).To(MatchError(hardware.ErrActuation))
		s := c.Snapshot()
		Expect(s.Doses).To(BeEmpty())
		Expect(s.Generations).To(BeEmpty())
		Expect(s.Generation).To(BeZero())
		Expect(s.Status).To(HaveKey(control.ReasonDilutionFailed))
		Expect(locks.Held(lock.Vial(1))).To(BeFalse())
	})

	It("should report a lock timeout without touching the hardware", func() {
		g, err := locks.Acquire(ctx, lock.Pump, time.Second)
		Expect(err).NotTo(HaveOccurred())
		defer g.Release()

		_, err = exec.Dilute(ctx, c, control.Decision{Action: control.DiluteSameDose})

		Expect(err).To(MatchError(lock.ErrTimeout))
		Expect(c.Snapshot().Status).To(HaveKey(control.ReasonLockTimeout))
		Expect(locks.Held(lock.Vial(1))).To(BeFalse(), "vial lock rolled back")
	})

	It("should flag a target the stocks cannot reach", func() {
		dev.EXPECT().SetStirrer(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		dev.EXPECT().SetValve(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		dev.EXPECT().StartPump(gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		dev.EXPECT().PumpRunning(gomock.Any()).Return(false, nil).AnyTimes()

		plan, err := exec.Dilute(ctx, c, control.Decision{Action: control.RaiseDose, Target: 250})

		Expect(err).NotTo(HaveOccurred())
		Expect(plan.TargetClamped).To(BeTrue())
		s := c.Snapshot()
		Expect(s.Status).To(HaveKey(control.ReasonTargetClamped))
		Expect(s.DrugConcentration).To(BeNumerically("<=", 100))
	})
})

var _ = Describe("Executor with concurrent vials", func() {
	It("should never deadlock across all seven vials", func() {
		sim := hardware.NewSimulator(hardware.SimConfig{
			Vials:        7,
			TimeScale:    5000,
			InitialOD:    0.1,
			Volume:       12,
			Stock2:       100,
			PumpFlowRate: 1,
		})
		locks := lock.New(7)
		act := hardware.NewActuator(sim, locks, hardware.WithPollInterval(time.Millisecond))
		exec := NewExecutor(locks, act, WithLockTimeout(10*time.Second))

		cultures := make([]*culture.Culture, 7)
		for i := range cultures {
			cultures[i] = newCulture(i + 1)
		}

		const rounds = 6
		g, ctx := errgroup.WithContext(context.Background())
		for i, c := range cultures {
			rng := rand.New(rand.NewSource(int64(i)))
			g.Go(func() error {
				for range rounds {
					d := control.Decision{Action: control.DiluteSameDose, Target: rng.Float64() * 5}
					if _, err := exec.Dilute(ctx, c, d); err != nil {
						return err
					}
					// interleave an OD read the way the measure task does
					set, err := locks.AcquireSet(ctx, time.Second, lock.Bus, lock.Vial(c.Vial()))
					if err != nil {
						return err
					}
					_, _, err = sim.MeasureOD(c.Vial())
					set.Release()
					if err != nil {
						return err
					}
				}
				return nil
			})
		}

		done := make(chan error, 1)
		go func() { done <- g.Wait() }()
		Eventually(done, 30*time.Second).Should(Receive(BeNil()))

		for _, c := range cultures {
			s := c.Snapshot()
			Expect(s.Doses).To(HaveLen(rounds))
			Expect(s.Generation).To(BeNumerically("~", rounds*math.Log2(1.6), 1e-9))
			Expect(s.DrugConcentration).To(And(BeNumerically(">=", 0), BeNumerically("<=", 100)))
		}
		for v := 1; v <= 7; v++ {
			Expect(locks.Held(lock.Vial(v))).To(BeFalse())
		}
		Expect(locks.Held(lock.Pump)).To(BeFalse())
		Expect(locks.Held(lock.Bus)).To(BeFalse())
	})
})
