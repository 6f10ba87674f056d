package state

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_FieldLevelLastWriteWins(t *testing.T) {
	s := NewStore(4)

	s.Merge(Partial{Voices: map[int]VoicePatch{
		0: {Gate: Bool(true), Freq: Int(18), Wave: Int(7), Level: Int(12)},
	}})
	snap := s.Merge(Partial{Voices: map[int]VoicePatch{
		0: {Gate: Bool(false)},
	}})

	v := snap.Voices[0]
	require.False(t, v.Active)
	require.Equal(t, 18, v.Freq)
	require.Equal(t, 7, v.Wave)
	require.Equal(t, 12, v.Level)
}

func TestMerge_DisjointFieldsCommute(t *testing.T) {
	a := Partial{Voices: map[int]VoicePatch{0: {Freq: Int(10)}}}
	b := Partial{Voices: map[int]VoicePatch{0: {Wave: Int(3)}}}
	c := Partial{Voices: map[int]VoicePatch{1: {Level: Int(9)}}}

	s1 := NewStore(4)
	s1.Merge(a)
	s1.Merge(b)
	got1 := s1.Merge(c)

	s2 := NewStore(4)
	s2.Merge(c)
	s2.Merge(b)
	got2 := s2.Merge(a)

	require.Equal(t, got1, got2)
}

func TestMerge_IgnoresOutOfRangeVoices(t *testing.T) {
	s := NewStore(2)
	snap := s.Merge(Partial{Voices: map[int]VoicePatch{
		-1: {Gate: Bool(true)},
		5:  {Gate: Bool(true)},
	}})
	for _, v := range snap.Voices {
		require.False(t, v.Active)
	}
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := NewStore(2)
	snap := s.Snapshot()
	snap.Voices[0].Freq = 99

	require.Equal(t, 0, s.Snapshot().Voices[0].Freq)
}

func TestSetMode_ResetsVoices(t *testing.T) {
	s := NewStore(2)
	s.Merge(Partial{Voices: map[int]VoicePatch{0: {Gate: Bool(true), Freq: Int(18)}}})

	snap := s.SetMode("drone")
	require.Equal(t, "drone", snap.Mode)
	require.Equal(t, Voice{}, snap.Voices[0])
}

func TestMerge_ConcurrentDisjointMergesPreserveEveryField(t *testing.T) {
	s := NewStore(8)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			snap := s.Merge(Partial{Voices: map[int]VoicePatch{
				idx: {Freq: Int(idx + 100)},
			}})
			// The merge's own fields must survive into its returned snapshot.
			if snap.Voices[idx].Freq != idx+100 {
				t.Errorf("voice %d: freq %d after own merge", idx, snap.Voices[idx].Freq)
			}
		}(i)
	}
	wg.Wait()

	final := s.Snapshot()
	for i := 0; i < 8; i++ {
		require.Equal(t, i+100, final.Voices[i].Freq)
	}
}
