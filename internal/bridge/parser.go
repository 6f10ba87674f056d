package bridge

import (
	"strconv"
	"strings"

	"github.com/pulsemesh/gamecast/internal/state"
)

// Frame is one parsed unit of worker output: the transportable terminal
// payload plus any sound delta derived from signals embedded in the stream.
type Frame struct {
	Payload  string
	Patch    state.VoicePatch
	HasPatch bool
	Events   []string
}

// FrameParser is the per-category strategy for cutting a worker's stdout into
// frames. Implementations get one line at a time and report a completed frame
// when they find a boundary.
type FrameParser interface {
	Line(line string) (Frame, bool)
}

// ParserFor picks the parser strategy for a worker category. Unknown
// categories fall back to line framing.
func ParserFor(kind string) FrameParser {
	switch kind {
	case "pulsar":
		return &SentinelParser{}
	default:
		return &LineParser{}
	}
}

// SentinelParser frames on the engine's __FRAME_END__ marker and reads sound
// events (collision/spawn/death, optionally with "x y energy" arguments) out
// of the frame body.
type SentinelParser struct {
	lines  []string
	events []string
	patch  state.VoicePatch
	has    bool
}

const frameSentinel = "__FRAME_END__"

func (p *SentinelParser) Line(line string) (Frame, bool) {
	if strings.TrimSpace(line) == frameSentinel {
		f := Frame{
			Payload:  strings.Join(p.lines, "\n"),
			Patch:    p.patch,
			HasPatch: p.has,
			Events:   p.events,
		}
		p.lines, p.events, p.patch, p.has = nil, nil, state.VoicePatch{}, false
		return f, true
	}

	if patch, event, ok := parseEventLine(line); ok {
		p.events = append(p.events, event)
		mergePatch(&p.patch, patch)
		p.has = true
		return Frame{}, false
	}

	p.lines = append(p.lines, line)
	return Frame{}, false
}

// parseEventLine maps a sound-event line to a voice patch. The engine emits
// bare words; instrumented builds append "x y energy".
func parseEventLine(line string) (state.VoicePatch, string, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return state.VoicePatch{}, "", false
	}

	var patch state.VoicePatch
	switch fields[0] {
	case "collision":
		patch.Gate = state.Bool(true)
		patch.Level = state.Int(12)
	case "spawn":
		patch.Gate = state.Bool(true)
		patch.Level = state.Int(8)
	case "death":
		patch.Gate = state.Bool(false)
	default:
		return state.VoicePatch{}, "", false
	}

	if len(fields) == 4 {
		x, err1 := strconv.Atoi(fields[1])
		_, err2 := strconv.Atoi(fields[2])
		energy, err3 := strconv.Atoi(fields[3])
		if err1 != nil || err2 != nil || err3 != nil {
			return state.VoicePatch{}, "", false
		}
		patch.Freq = state.Int(x)
		if fields[0] != "death" {
			patch.Level = state.Int(energy)
		}
	} else if len(fields) != 1 {
		return state.VoicePatch{}, "", false
	}

	return patch, fields[0], true
}

func mergePatch(dst *state.VoicePatch, src state.VoicePatch) {
	if src.Gate != nil {
		dst.Gate = src.Gate
	}
	if src.Freq != nil {
		dst.Freq = src.Freq
	}
	if src.Wave != nil {
		dst.Wave = src.Wave
	}
	if src.Level != nil {
		dst.Level = src.Level
	}
}

// LineParser treats every line as its own frame. No sound deltas; useful for
// workers that already emit whole screens per line.
type LineParser struct{}

func (p *LineParser) Line(line string) (Frame, bool) {
	return Frame{Payload: line}, true
}
