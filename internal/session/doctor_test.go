package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pulsemesh/gamecast/internal/proto"
)

func activeDuel(t *testing.T, f *fixture) {
	t.Helper()
	f.fillMatch(t)
	require.NoError(t, f.m.Ready("c1"))
	require.NoError(t, f.m.Ready("c2"))
	require.NoError(t, f.m.Start("c1"))
}

func slotOf(t *testing.T, f *fixture, monogram string) int {
	t.Helper()
	created, ok := f.wire.lastOfType(proto.TMatchCreated)
	require.True(t, ok)
	for _, p := range created.msg.Players {
		if p.Monogram == monogram {
			return p.Slot
		}
	}
	t.Fatalf("no participant %s", monogram)
	return -1
}

func TestDoctor_EvictsAfterGrace(t *testing.T) {
	f := newFixture(t, 4, duel())
	activeDuel(t, f)
	slot := slotOf(t, f, "BBB")

	f.m.MarkUnresponsive(slot)

	// Inside grace: nothing happens.
	f.advance(2 * time.Second)
	f.m.sweep()
	_, ok := f.wire.lastOfType(proto.TPlayerLeft)
	require.False(t, ok)

	// One sweep past the grace period evicts and reports.
	f.advance(4 * time.Second)
	f.m.sweep()

	left, ok := f.wire.lastOfType(proto.TPlayerLeft)
	require.True(t, ok)
	require.Equal(t, "BBB", left.msg.Monogram)
	require.Equal(t, ReasonUnresponsive, left.msg.Reason)

	// Duel below min-viable: the match ends too.
	ended, ok := f.wire.lastOfType(proto.TMatchEnded)
	require.True(t, ok)
	require.Equal(t, ReasonNotViable, ended.msg.Reason)
}

func TestDoctor_RecoveryClearsTheClock(t *testing.T) {
	f := newFixture(t, 4, duel())
	activeDuel(t, f)
	slot := slotOf(t, f, "BBB")

	f.m.MarkUnresponsive(slot)
	f.advance(3 * time.Second)
	f.m.MarkActive(slot) // output resumed
	f.advance(4 * time.Second)
	f.m.sweep()

	_, ok := f.wire.lastOfType(proto.TPlayerLeft)
	require.False(t, ok, "recovered participant must not be evicted")
}

func TestDoctor_IgnoresNonActiveSessions(t *testing.T) {
	f := newFixture(t, 4, duel())
	f.fillMatch(t) // still pending
	slot := slotOf(t, f, "AAA")

	f.m.MarkUnresponsive(slot)
	f.advance(time.Minute)
	f.m.sweep()

	_, ok := f.wire.lastOfType(proto.TPlayerLeft)
	require.False(t, ok)
}

func TestMarkFailed_EvictsImmediately(t *testing.T) {
	f := newFixture(t, 4, duel())
	activeDuel(t, f)
	slot := slotOf(t, f, "AAA")

	f.m.MarkFailed(slot)

	left, ok := f.wire.lastOfType(proto.TPlayerLeft)
	require.True(t, ok)
	require.Equal(t, "AAA", left.msg.Monogram)
	require.Equal(t, ReasonBridgeFailed, left.msg.Reason)
}
