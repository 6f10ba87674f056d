// Package state owns the canonical sound state. All mutation goes through
// Merge or SetMode; everything else sees copies.
package state

import "sync"

// Voice is one schedulable synthesis unit, addressed by slot index.
type Voice struct {
	Active bool `json:"active"`
	Freq   int  `json:"freq"`
	Wave   int  `json:"wave"`
	Level  int  `json:"level"`
}

// Snapshot is an immutable copy of the canonical state, safe to hand to any
// number of readers.
type Snapshot struct {
	Mode   string  `json:"mode"`
	Voices []Voice `json:"voices"`
}

// VoicePatch updates individual fields of one voice. Nil fields are left
// untouched, so two patches on disjoint fields commute.
type VoicePatch struct {
	Gate  *bool
	Freq  *int
	Wave  *int
	Level *int
}

// Partial is a sparse update keyed by voice index. Indexes outside the
// configured range are ignored.
type Partial struct {
	Voices map[int]VoicePatch
}

// Store is the single writer for sound state.
type Store struct {
	mu     sync.Mutex
	mode   string
	voices []Voice
}

func NewStore(numVoices int) *Store {
	return &Store{
		mode:   "default",
		voices: make([]Voice, numVoices),
	}
}

// Merge applies p field-by-field (last write wins) and returns the resulting
// snapshot. It never blocks on anything but the store lock.
func (s *Store) Merge(p Partial) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	for idx, patch := range p.Voices {
		if idx < 0 || idx >= len(s.voices) {
			continue
		}
		v := &s.voices[idx]
		if patch.Gate != nil {
			v.Active = *patch.Gate
		}
		if patch.Freq != nil {
			v.Freq = *patch.Freq
		}
		if patch.Wave != nil {
			v.Wave = *patch.Wave
		}
		if patch.Level != nil {
			v.Level = *patch.Level
		}
	}
	return s.snapshotLocked()
}

// SetMode switches the mode tag and resets every voice. Mode switches are the
// only wholesale replacement of the state.
func (s *Store) SetMode(name string) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mode = name
	for i := range s.voices {
		s.voices[i] = Voice{}
	}
	return s.snapshotLocked()
}

func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() Snapshot {
	voices := make([]Voice, len(s.voices))
	copy(voices, s.voices)
	return Snapshot{Mode: s.mode, Voices: voices}
}

// Helpers for building patches without local pointer gymnastics.

func Bool(b bool) *bool { return &b }
func Int(n int) *int    { return &n }
