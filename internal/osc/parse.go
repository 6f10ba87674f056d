package osc

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/pulsemesh/gamecast/internal/state"
)

var (
	errEmptyDatagram = errors.New("empty datagram")
	errBadPath       = errors.New("unrecognized path")
	errBadArgs       = errors.New("bad arguments")
)

type commandKind int

const (
	cmdPatch commandKind = iota
	cmdMode
	cmdTrigger
)

// command is one decoded control datagram.
type command struct {
	kind  commandKind
	voice int
	patch state.VoicePatch
	name  string
}

// parseDatagram decodes the text control forms:
//
//	/{prefix}/{voice}/set {gate} {freq} {wave} {vol}
//	/{prefix}/{voice}/gate {0|1}
//	/{prefix}/mode {name}
//	/{prefix}/trigger/{name}
func parseDatagram(prefix string, data []byte) (command, error) {
	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return command{}, errEmptyDatagram
	}

	path := strings.TrimPrefix(fields[0], "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != prefix {
		return command{}, fmt.Errorf("%w: %q", errBadPath, fields[0])
	}
	args := fields[1:]

	switch parts[1] {
	case "mode":
		if len(parts) != 2 || len(args) != 1 {
			return command{}, fmt.Errorf("%w: mode wants one name", errBadArgs)
		}
		return command{kind: cmdMode, name: args[0]}, nil

	case "trigger":
		if len(parts) != 3 || parts[2] == "" {
			return command{}, fmt.Errorf("%w: %q", errBadPath, fields[0])
		}
		return command{kind: cmdTrigger, name: parts[2]}, nil
	}

	// Remaining forms address a voice: /{prefix}/{voice}/{op}
	if len(parts) != 3 {
		return command{}, fmt.Errorf("%w: %q", errBadPath, fields[0])
	}
	voice, err := strconv.Atoi(parts[1])
	if err != nil || voice < 0 {
		return command{}, fmt.Errorf("%w: voice %q", errBadPath, parts[1])
	}

	switch parts[2] {
	case "set":
		if len(args) != 4 {
			return command{}, fmt.Errorf("%w: set wants 4 ints", errBadArgs)
		}
		vals := make([]int, 4)
		for i, a := range args {
			if vals[i], err = strconv.Atoi(a); err != nil {
				return command{}, fmt.Errorf("%w: %q", errBadArgs, a)
			}
		}
		return command{
			kind:  cmdPatch,
			voice: voice,
			patch: state.VoicePatch{
				Gate:  state.Bool(vals[0] != 0),
				Freq:  state.Int(vals[1]),
				Wave:  state.Int(vals[2]),
				Level: state.Int(vals[3]),
			},
		}, nil

	case "gate":
		if len(args) != 1 || (args[0] != "0" && args[0] != "1") {
			return command{}, fmt.Errorf("%w: gate wants 0 or 1", errBadArgs)
		}
		return command{
			kind:  cmdPatch,
			voice: voice,
			patch: state.VoicePatch{Gate: state.Bool(args[0] == "1")},
		}, nil
	}
	return command{}, fmt.Errorf("%w: %q", errBadPath, fields[0])
}
