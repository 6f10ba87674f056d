package session

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// RunDoctor periodically sweeps active matches and evicts participants whose
// bridge or connection has been unresponsive past the grace period. It stops
// cleanly when ctx is cancelled.
func (m *Manager) RunDoctor(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()

	m.log.Info("doctor running", zap.Duration("interval", interval), zap.Duration("grace", m.grace))
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for _, sess := range m.sessions {
		if sess.State != StateActive {
			continue
		}
		// Copy: eviction mutates the participant list.
		stale := make([]*Participant, 0)
		for _, p := range sess.Participants {
			if !p.unresponsiveAt.IsZero() && now.Sub(p.unresponsiveAt) > m.grace {
				stale = append(stale, p)
			}
		}
		for _, p := range stale {
			if sess.State == StateEnded {
				break
			}
			m.evictLocked(sess, p, ReasonUnresponsive)
		}
	}
}
