// Package proto defines the envelope-tagged messages exchanged on the
// bidirectional channel. Every envelope carries a short discriminant in "t"
// plus the fields that message type uses.
package proto

import (
	"encoding/json"

	"github.com/pulsemesh/gamecast/internal/state"
)

// Server -> client
const (
	TWelcome      = "welcome"
	TFrame        = "frame"
	TTrigger      = "trigger"
	TMatchCreated = "match.created"
	TMatchReady   = "match.ready"
	TMatchStarted = "match.started"
	TMatchEnded   = "match.ended"
	TPlayerJoined = "player.joined"
	TPlayerLeft   = "player.left"
	THighscore    = "highscore"
	TPong         = "pong"
	TError        = "error"
)

// Client -> server
const (
	TJoin  = "join"
	TReady = "ready"
	TStart = "start"
	TInput = "input"
	TScore = "score"
	TPing  = "ping"
)

type PlayerInfo struct {
	Monogram string `json:"monogram"`
	Slot     int    `json:"slot"`
}

type Message struct {
	T string `json:"t"`

	// welcome
	ConnID string `json:"conn_id,omitempty"`
	Role   string `json:"role,omitempty"`

	// frame
	TS      int64           `json:"ts,omitempty"`
	Payload string          `json:"payload,omitempty"`
	Sound   *state.Snapshot `json:"sound,omitempty"`

	// trigger
	Name string `json:"name,omitempty"`

	// match lifecycle / scores
	MatchID  string       `json:"match_id,omitempty"`
	Category string       `json:"category,omitempty"`
	Players  []PlayerInfo `json:"players,omitempty"`
	Monogram string       `json:"monogram,omitempty"`
	Slot     *int         `json:"slot,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Score    int64        `json:"score,omitempty"`

	// input relay
	Data string `json:"data,omitempty"`

	// ping/pong
	ClientTime int64 `json:"client_time,omitempty"`
	ServerTime int64 `json:"server_time,omitempty"`

	// error
	Error string `json:"error,omitempty"`
}

func Encode(m Message) []byte {
	// Message contains nothing unmarshalable, so this cannot fail.
	b, _ := json.Marshal(m)
	return b
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := json.Unmarshal(data, &m)
	return m, err
}
