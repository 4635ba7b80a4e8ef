// Package cleanup runs periodic housekeeping sweeps.
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultInterval is the sweep period when none is configured.
const DefaultInterval = time.Hour

// DefaultTaskTimeout bounds a single task run.
const DefaultTaskTimeout = 30 * time.Second

// Task is one unit of housekeeping. Run returns how many records it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context) (int64, error)
}

// Result is the outcome of one task within a sweep.
type Result struct {
	Name    string
	Removed int64
	Err     error
}

// Scheduler runs its tasks once on Start and then every interval until stopped.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	tasks    []Task
	log      *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New returns a Scheduler. interval <= 0 uses DefaultInterval.
func New(interval time.Duration, tasks ...Task) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Scheduler{
		interval: interval,
		timeout:  DefaultTaskTimeout,
		tasks:    tasks,
		log:      slog.Default(),
	}
}

// SetTaskTimeout changes the per-task deadline. Call before Start.
func (s *Scheduler) SetTaskTimeout(d time.Duration) {
	if d > 0 {
		s.timeout = d
	}
}

// Start launches the sweep loop. A second Start while running is a no-op.
// The loop exits when ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		s.RunOnce(ctx)

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.RunOnce(ctx)
			case <-ctx.Done():
				return
			}
		}
	}(s.done)
}

// Stop cancels the loop and waits for an in-flight sweep to return.
// Safe to call more than once, or without Start.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce runs every task in order. A failing task does not stop the rest.
func (s *Scheduler) RunOnce(ctx context.Context) []Result {
	results := make([]Result, 0, len(s.tasks))
	for _, t := range s.tasks {
		if ctx.Err() != nil {
			break
		}
		r := s.runTask(ctx, t)
		if r.Err != nil {
			s.log.Warn("cleanup task failed", "task", r.Name, "error", r.Err)
		} else {
			s.log.Info("cleanup task complete", "task", r.Name, "removed", r.Removed)
		}
		results = append(results, r)
	}
	return results
}

func (s *Scheduler) runTask(ctx context.Context, t Task) (r Result) {
	r.Name = t.Name
	defer func() {
		if p := recover(); p != nil {
			r.Err = fmt.Errorf("panic: %v", p)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	r.Removed, r.Err = t.Run(ctx)
	return r
}
