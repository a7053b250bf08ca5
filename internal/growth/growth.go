// Package growth estimates exponential growth rates from OD samples.
package growth

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var ErrEstimationUnavailable = errors.New("growth: estimation unavailable")

// Estimate is a growth rate in 1/h at Time, the last sample used.
type Estimate struct {
	Time   time.Time
	Rate   float64
	StdErr float64
	Points int
}

type Estimator interface {
	Estimate(times []time.Time, od []float64) (Estimate, error)
}

// LogLinear fits ln(OD) against time by least squares over the trailing
// Window and reports the slope.
type LogLinear struct {
	Window    time.Duration
	MinPoints int
}

func (l LogLinear) Estimate(times []time.Time, od []float64) (Estimate, error) {
	if len(times) != len(od) {
		return Estimate{}, fmt.Errorf("growth: %d times for %d values", len(times), len(od))
	}
	if len(times) == 0 {
		return Estimate{}, fmt.Errorf("%w: no samples", ErrEstimationUnavailable)
	}
	minPoints := max(l.MinPoints, 2)
	end := times[len(times)-1]

	var xs, ys []float64
	for i := len(times) - 1; i >= 0; i-- {
		if l.Window > 0 && end.Sub(times[i]) > l.Window {
			break
		}
		if od[i] <= 0 || math.IsNaN(od[i]) || math.IsInf(od[i], 0) {
			continue
		}
		xs = append(xs, times[i].Sub(end).Hours())
		ys = append(ys, math.Log(od[i]))
	}
	if len(xs) < minPoints {
		return Estimate{}, fmt.Errorf("%w: %d usable points, need %d", ErrEstimationUnavailable, len(xs), minPoints)
	}

	slope, stderr, ok := fit(xs, ys)
	if !ok {
		return Estimate{}, fmt.Errorf("%w: samples share one timestamp", ErrEstimationUnavailable)
	}
	return Estimate{Time: end, Rate: slope, StdErr: stderr, Points: len(xs)}, nil
}

// fit is ordinary least squares y = a + b*x returning b and its standard
// error.
func fit(xs, ys []float64) (slope, stderr float64, ok bool) {
	n := float64(len(xs))
	var mx, my float64
	for i := range xs {
		mx += xs[i]
		my += ys[i]
	}
	mx /= n
	my /= n

	var sxx, sxy float64
	for i := range xs {
		dx := xs[i] - mx
		sxx += dx * dx
		sxy += dx * (ys[i] - my)
	}
	if sxx == 0 {
		return 0, 0, false
	}
	slope = sxy / sxx
	if len(xs) < 3 {
		return slope, math.NaN(), true
	}

	var sse float64
	intercept := my - slope*mx
	for i := range xs {
		r := ys[i] - intercept - slope*xs[i]
		sse += r * r
	}
	stderr = math.Sqrt(sse / (n - 2) / sxx)
	return slope, stderr, true
}
