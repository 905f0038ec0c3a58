package scheduler

import (
	"context"
	"sync"
	"time"
)

// Scheduler runs a task at a fixed interval and supports pausing without
// tearing the loop down. Pausing skips ticks; it does not stop the ticker, so
// Resume takes effect on the next tick. Tick runs the task immediately,
// whether or not the loop is running, which is how tests drive it.
type Scheduler struct {
	interval time.Duration
	task     func(context.Context)

	mu      sync.Mutex
	paused  bool
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(interval time.Duration, task func(context.Context)) *Scheduler {
	return &Scheduler{interval: interval, task: task}
}

// Start launches the polling loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.stopped = make(chan struct{})

	go func(stopped chan struct{}) {
		defer close(stopped)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if s.Paused() {
					continue
				}
				s.task(loopCtx)
			}
		}
	}(s.stopped)
}

// Stop cancels the loop and waits for the in-flight task, if any.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	stopped := s.stopped
	s.cancel = nil
	s.stopped = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-stopped
	}
}

func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Scheduler) Paused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// Tick runs the task once, synchronously, regardless of pause state.
func (s *Scheduler) Tick(ctx context.Context) {
	s.task(ctx)
}
