package sync

import (
	"context"
	"log"
	"sync"
	"time"
)

// Scheduler triggers coordinator cycles on a timer and on demand.
type Scheduler struct {
	coord *Coordinator

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	trigger  chan struct{}
	interval chan time.Duration
}

// NewScheduler creates a scheduler over the coordinator.
func NewScheduler(coord *Coordinator) *Scheduler {
	return &Scheduler{coord: coord}
}

// Start launches the scheduling loop with the given interval. Calling Start
// while running is a no-op.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.trigger = make(chan struct{}, 1)
	s.interval = make(chan time.Duration, 1)

	go s.loop(loopCtx, interval, s.trigger, s.interval, s.done)
}

// Stop cancels the scheduling loop and waits for it to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.cancel = nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// TriggerNow runs an out-of-band cycle without disturbing the timer. A
// trigger while one is already pending coalesces.
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()

	if trigger == nil {
		return
	}
	select {
	case trigger <- struct{}{}:
	default:
	}
}

// SetInterval changes the cycle interval. It takes effect immediately by
// restarting the current wait.
func (s *Scheduler) SetInterval(d time.Duration) {
	s.mu.Lock()
	interval := s.interval
	s.mu.Unlock()

	if interval == nil {
		return
	}
	select {
	case interval <- d:
	default:
		// A pending change is superseded; drain and replace.
		select {
		case <-interval:
		default:
		}
		interval <- d
	}
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, trigger <-chan struct{}, intervalCh <-chan time.Duration, done chan<- struct{}) {
	defer close(done)

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			s.runCycle(ctx)
			timer.Reset(interval)
		case <-trigger:
			s.runCycle(ctx)
		case d := <-intervalCh:
			interval = d
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(interval)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	// The enabled-account set is re-read inside SyncAll each cycle, so
	// accounts added or removed between cycles are picked up here.
	if _, err := s.coord.SyncAll(ctx); err != nil {
		log.Printf("scheduler: sync cycle failed: %v", err)
	}
}
