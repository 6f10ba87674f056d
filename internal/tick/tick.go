// Package tick paces the synchronized broadcast loop. With the loop running,
// every viewer sees frames at the same fixed rate; with it stopped, each
// ingest event pushes a frame immediately.
package tick

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler drives broadcastFn either on a fixed ticker (tick mode) or on
// demand via Notify (push mode). Tick mode, while active, is authoritative:
// Notify calls collapse into the next tick instead of broadcasting.
type Scheduler struct {
	interval    time.Duration
	broadcastFn func()
	log         *zap.Logger

	mu   sync.Mutex
	stop chan struct{}
	done chan struct{}
}

func NewScheduler(interval time.Duration, broadcastFn func(), log *zap.Logger) *Scheduler {
	return &Scheduler{
		interval:    interval,
		broadcastFn: broadcastFn,
		log:         log,
	}
}

// Start begins the fixed-rate loop. Starting an already running scheduler is
// a no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stop, s.done)
	s.log.Info("tick loop started", zap.Duration("interval", s.interval))
}

// Stop halts the loop and returns once it has fully wound down. Stopping a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	<-done
	s.log.Info("tick loop stopped")
}

func (s *Scheduler) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stop != nil
}

// Notify reports that the shared state changed. In push mode this broadcasts
// immediately; in tick mode the change simply rides along on the next tick,
// so nothing is ever double-broadcast.
func (s *Scheduler) Notify() {
	if s.Enabled() {
		return
	}
	s.broadcastFn()
}

func (s *Scheduler) loop(stop, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(s.interval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			s.broadcastFn()
		}
	}
}
