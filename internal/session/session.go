package session

import (
	"errors"
	"fmt"
	"time"
)

var ErrBackwardTransition = errors.New("backward session transition")

// State is the lifecycle position of one match. Transitions only move
// forward.
type State int

const (
	StatePending State = iota
	StateReady
	StateActive
	StateEnded
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateReady:
		return "ready"
	case StateActive:
		return "active"
	case StateEnded:
		return "ended"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Category is a game type: how many players a match takes, how few it can
// survive with, and which worker binary drives each player.
type Category struct {
	Name       string
	Capacity   int
	MinViable  int
	AutoStart  bool
	WorkerKind string
}

// Participant is one player inside a match.
type Participant struct {
	ConnID   string
	Monogram string
	Slot     int
	Score    int64
	Ready    bool

	// zero while healthy; set when the bridge or connection is reported
	// unresponsive, cleared when output resumes.
	unresponsiveAt time.Time
}

// Session is one match. All mutation happens under the manager's lock.
type Session struct {
	ID           string
	Category     Category
	State        State
	CreatedAt    time.Time
	StartedAt    time.Time
	Participants []*Participant
	EndReason    string
}

// transition advances the state machine. Anything that is not strictly
// forward is rejected, which keeps backward moves structurally impossible
// for callers.
func (s *Session) transition(to State) error {
	if to <= s.State {
		return fmt.Errorf("%w: %s -> %s", ErrBackwardTransition, s.State, to)
	}
	s.State = to
	return nil
}

func (s *Session) participant(connID string) *Participant {
	for _, p := range s.Participants {
		if p.ConnID == connID {
			return p
		}
	}
	return nil
}

func (s *Session) allReady() bool {
	for _, p := range s.Participants {
		if !p.Ready {
			return false
		}
	}
	return len(s.Participants) > 0
}
