package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func feed(t *testing.T, p FrameParser, lines ...string) []Frame {
	t.Helper()
	var frames []Frame
	for _, l := range lines {
		if f, ok := p.Line(l); ok {
			frames = append(frames, f)
		}
	}
	return frames
}

func TestSentinelParser_CutsFramesAtSentinel(t *testing.T) {
	p := &SentinelParser{}

	frames := feed(t, p,
		"+----+",
		"| @@ |",
		"+----+",
		"__FRAME_END__",
		"next frame",
		"__FRAME_END__",
	)

	require.Len(t, frames, 2)
	require.Equal(t, "+----+\n| @@ |\n+----+", frames[0].Payload)
	require.Equal(t, "next frame", frames[1].Payload)
}

func TestSentinelParser_EventLinesBecomePatches(t *testing.T) {
	p := &SentinelParser{}

	frames := feed(t, p, "screen", "collision", "__FRAME_END__")

	require.Len(t, frames, 1)
	f := frames[0]
	require.Equal(t, []string{"collision"}, f.Events)
	require.True(t, f.HasPatch)
	require.True(t, *f.Patch.Gate)
	require.Equal(t, 12, *f.Patch.Level)
	// Event lines are signals, not screen content.
	require.Equal(t, "screen", f.Payload)
}

func TestSentinelParser_InstrumentedEventArgs(t *testing.T) {
	p := &SentinelParser{}

	frames := feed(t, p, "collision 40 12 9", "__FRAME_END__")

	require.Len(t, frames, 1)
	require.Equal(t, 40, *frames[0].Patch.Freq)
	require.Equal(t, 9, *frames[0].Patch.Level)
}

func TestSentinelParser_DeathGatesOff(t *testing.T) {
	p := &SentinelParser{}

	frames := feed(t, p, "spawn", "death", "__FRAME_END__")

	require.Len(t, frames, 1)
	require.Equal(t, []string{"spawn", "death"}, frames[0].Events)
	require.False(t, *frames[0].Patch.Gate)
}

func TestSentinelParser_StateResetsBetweenFrames(t *testing.T) {
	p := &SentinelParser{}

	feed(t, p, "collision", "__FRAME_END__")
	frames := feed(t, p, "quiet", "__FRAME_END__")

	require.Len(t, frames, 1)
	require.False(t, frames[0].HasPatch)
	require.Empty(t, frames[0].Events)
}

func TestLineParser_EveryLineIsAFrame(t *testing.T) {
	p := &LineParser{}

	frames := feed(t, p, "one", "two")
	require.Len(t, frames, 2)
	require.Equal(t, "one", frames[0].Payload)
	require.False(t, frames[0].HasPatch)
}

func TestParserFor(t *testing.T) {
	require.IsType(t, &SentinelParser{}, ParserFor("pulsar"))
	require.IsType(t, &LineParser{}, ParserFor("anything-else"))
}
