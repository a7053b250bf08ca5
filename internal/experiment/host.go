package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

var ErrNoExperiment = errors.New("experiment: none loaded")

// Host owns at most one live experiment. Control surfaces hold the host,
// never the experiment directly, so a replacement is seen everywhere.
type Host struct {
	// replace serializes Replace calls; mu guards current only and is never
	// held across a stop.
	replace sync.Mutex
	mu      sync.Mutex
	current *Experiment
	logger  *slog.Logger
}

func NewHost(logger *slog.Logger) *Host {
	if logger == nil {
		logger = slog.Default()
	}
	return &Host{logger: logger.With("component", "host")}
}

// Replace stops the current experiment if it is active and installs next.
// next may be nil to unload. Current keeps returning the previous
// experiment while it stops.
func (h *Host) Replace(ctx context.Context, next *Experiment) error {
	h.replace.Lock()
	defer h.replace.Unlock()

	h.mu.Lock()
	prev := h.current
	h.mu.Unlock()

	if prev != nil && prev != next && prev.Status().Active() {
		h.logger.Info("stopping previous experiment", "experiment", prev.ID())
		if err := prev.Stop(ctx); err != nil && !errors.Is(err, ErrInvalidTransition) {
			return fmt.Errorf("stop experiment %s: %w", prev.ID(), err)
		}
	}

	h.mu.Lock()
	h.current = next
	h.mu.Unlock()
	if next != nil {
		h.logger.Info("experiment loaded", "experiment", next.ID(), "status", next.Status())
	}
	return nil
}

func (h *Host) Current() (*Experiment, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.current == nil {
		return nil, ErrNoExperiment
	}
	return h.current, nil
}

// HardStop hard-stops the current experiment, if any.
func (h *Host) HardStop(ctx context.Context) error {
	exp, err := h.Current()
	if err != nil {
		return err
	}
	return exp.HardStop(ctx)
}
