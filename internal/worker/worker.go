// Package worker runs background tasks one at a time from a capacity-1
// coalescing queue.
//
// Enqueueing never blocks: when the single slot is occupied the new task is
// dropped. A periodic trigger that fires faster than the work completes is
// therefore absorbed by skipping, never by piling up.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/san-kum/morbidostat/internal/metrics"
)

var (
	ErrStopped        = errors.New("worker: stopped")
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrPanic          = errors.New("worker: task panicked")
)

// Task is one unit of background work. The context is cancelled on soft stop;
// long loops inside a task are expected to poll it.
type Task func(ctx context.Context) error

// Outcome is the result of TryEnqueue.
type Outcome int

const (
	Enqueued Outcome = iota
	Dropped
)

func (o Outcome) String() string {
	if o == Enqueued {
		return "enqueued"
	}
	return "dropped"
}

type Worker struct {
	name  string
	queue chan Task
	done  chan struct{}
	stop  chan struct{}

	mu       sync.Mutex
	started  bool
	stopping bool
	paused   bool
	resume   chan struct{}

	busy atomic.Bool

	metrics *metrics.Recorder
	logger  *slog.Logger
}

type Option func(*Worker)

func WithMetrics(r *metrics.Recorder) Option {
	return func(w *Worker) { w.metrics = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(w *Worker) { w.logger = l }
}

func New(name string, opts ...Option) *Worker {
	resume := make(chan struct{})
	close(resume)
	w := &Worker{
		name:   name,
		queue:  make(chan Task, 1),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
		resume: resume,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "worker", "worker", name)
	return w
}

func (w *Worker) Name() string { return w.name }

// Start launches the processing goroutine. ctx is handed to every task.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return ErrStopped
	}
	if w.started {
		return ErrAlreadyStarted
	}
	w.started = true
	go w.run(ctx)
	return nil
}

// TryEnqueue places task in the queue slot if it is free. It never blocks.
func (w *Worker) TryEnqueue(task Task) Outcome {
	if task == nil {
		return Dropped
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.started || w.stopping {
		return Dropped
	}
	select {
	case w.queue <- task:
		return Enqueued
	default:
		w.metrics.TaskDropped(w.name)
		w.logger.Debug("queue occupied, task dropped")
		return Dropped
	}
}

// Pause makes the worker hold each dequeued task until Resume. Enqueueing
// is unaffected.
func (w *Worker) Pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.paused {
		w.paused = true
		w.resume = make(chan struct{})
	}
}

func (w *Worker) Resume() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.paused {
		w.paused = false
		close(w.resume)
	}
}

func (w *Worker) Paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.paused
}

// Busy reports whether a task is executing right now.
func (w *Worker) Busy() bool { return w.busy.Load() }

// Done is closed once the processing goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Stop sends the stop sentinel and waits for the goroutine to exit. The task
// in flight runs to completion; a task already waiting in the slot runs
// before the sentinel unless the worker is paused, in which case it is
// discarded.
func (w *Worker) Stop() {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		<-w.done
		return
	}
	w.stopping = true
	close(w.stop)
	if !w.started {
		close(w.done)
		w.mu.Unlock()
		return
	}
	w.mu.Unlock()

	w.queue <- nil
	<-w.done
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		task := <-w.queue
		if task == nil {
			w.logger.Debug("stop sentinel received")
			return
		}
		if !w.waitResumed(ctx) {
			w.logger.Info("discarding task held while paused")
			continue
		}
		w.execute(ctx, task)
	}
}

func (w *Worker) waitResumed(ctx context.Context) bool {
	for {
		w.mu.Lock()
		paused, resume := w.paused, w.resume
		w.mu.Unlock()
		if !paused {
			return true
		}
		select {
		case <-resume:
		case <-w.stop:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

func (w *Worker) execute(ctx context.Context, task Task) {
	w.busy.Store(true)
	defer w.busy.Store(false)

	start := time.Now()
	err := safeRun(ctx, task)
	w.metrics.TaskDone(w.name, time.Since(start), err != nil)
	if err != nil {
		w.logger.Error("task failed", "error", err, "elapsed", time.Since(start))
	}
}

func safeRun(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()
	return task(ctx)
}
