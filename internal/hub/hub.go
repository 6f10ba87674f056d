// Package hub owns every live connection and all fan-out. It is a single
// goroutine fed by a typed message inbox; nothing touches connection state
// except through that inbox.
package hub

import (
	"context"
	"time"

	"go.uber.org/zap"
)

type Role string

const (
	RoleProducer Role = "producer"
	RoleViewer   Role = "viewer"
)

type ScopeKind int

const (
	ScopeAll ScopeKind = iota
	ScopeSession
	ScopeConn
)

// Scope selects the audience of one broadcast.
type Scope struct {
	Kind ScopeKind
	ID   string
}

func All() Scope                { return Scope{Kind: ScopeAll} }
func Session(id string) Scope   { return Scope{Kind: ScopeSession, ID: id} }
func ConnScope(id string) Scope { return Scope{Kind: ScopeConn, ID: id} }

type Msg interface{ isHubMsg() }

type Register struct {
	ID     string
	Role   Role
	Outbox chan []byte
}

type Unregister struct{ ID string }

// Bind attaches a connection to a session's broadcast scope. Only the session
// lifecycle manager sends these.
type Bind struct {
	ID        string
	SessionID string
}

type Unbind struct{ ID string }

type SetRTT struct {
	ID  string
	RTT time.Duration
}

// MarkRecv bumps the per-connection receive counter.
type MarkRecv struct{ ID string }

type Broadcast struct {
	Scope   Scope
	Payload []byte
}

// SetFrame records the latest transportable snapshot for late joiners.
// Timestamps only move forward; stale frames are discarded.
type SetFrame struct {
	TS      int64
	Payload []byte
}

type GetFrame struct{ Reply chan []byte }

type GetStats struct{ Reply chan Stats }

type Shutdown struct{}

func (Register) isHubMsg()   {}
func (Unregister) isHubMsg() {}
func (Bind) isHubMsg()       {}
func (Unbind) isHubMsg()     {}
func (SetRTT) isHubMsg()     {}
func (MarkRecv) isHubMsg()   {}
func (Broadcast) isHubMsg()  {}
func (SetFrame) isHubMsg()   {}
func (GetFrame) isHubMsg()   {}
func (GetStats) isHubMsg()   {}
func (Shutdown) isHubMsg()   {}

type connState struct {
	role          Role
	establishedAt time.Time
	session       string
	outbox        chan []byte
	sent          uint64
	received      uint64
	rtt           time.Duration
}

type Stats struct {
	Connections int    `json:"connections"`
	Producers   int    `json:"producers"`
	Viewers     int    `json:"viewers"`
	Sent        uint64 `json:"sent"`
	Dropped     uint64 `json:"dropped"`
}

type Hub struct {
	inbox   chan Msg
	conns   map[string]*connState
	frame   []byte
	frameTS int64
	sent    uint64
	dropped uint64
	log     *zap.Logger
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewHub(parent context.Context, log *zap.Logger) *Hub {
	ctx, cancel := context.WithCancel(parent)
	h := &Hub{
		inbox:  make(chan Msg, 256),
		conns:  make(map[string]*connState),
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}
	go h.loop()
	return h
}

func (h *Hub) Inbox() chan<- Msg { return h.inbox }

// Send is the scoped broadcast primitive exposed to the other components.
func (h *Hub) Send(scope Scope, payload []byte) {
	h.inbox <- Broadcast{Scope: scope, Payload: payload}
}

// BindConn and UnbindConn manage session scope membership. Only the session
// lifecycle manager calls these.
func (h *Hub) BindConn(connID, sessionID string) {
	h.inbox <- Bind{ID: connID, SessionID: sessionID}
}

func (h *Hub) UnbindConn(connID string) {
	h.inbox <- Unbind{ID: connID}
}

func (h *Hub) Stats() Stats {
	reply := make(chan Stats, 1)
	h.inbox <- GetStats{Reply: reply}
	return <-reply
}

func (h *Hub) LastFrame() []byte {
	reply := make(chan []byte, 1)
	h.inbox <- GetFrame{Reply: reply}
	return <-reply
}

func (h *Hub) loop() {
	for {
		select {
		case <-h.ctx.Done():
			h.shutdown()
			return

		case m := <-h.inbox:
			switch msg := m.(type) {
			case Register:
				h.conns[msg.ID] = &connState{
					role:          msg.Role,
					establishedAt: time.Now(),
					outbox:        msg.Outbox,
				}
				h.log.Debug("connection registered",
					zap.String("conn", msg.ID), zap.String("role", string(msg.Role)))

			case Unregister:
				if c, ok := h.conns[msg.ID]; ok {
					close(c.outbox)
					delete(h.conns, msg.ID)
				}

			case Bind:
				if c, ok := h.conns[msg.ID]; ok {
					c.session = msg.SessionID
				}

			case Unbind:
				if c, ok := h.conns[msg.ID]; ok {
					c.session = ""
				}

			case SetRTT:
				if c, ok := h.conns[msg.ID]; ok {
					c.rtt = msg.RTT
				}

			case MarkRecv:
				if c, ok := h.conns[msg.ID]; ok {
					c.received++
				}

			case Broadcast:
				h.broadcast(msg.Scope, msg.Payload)

			case SetFrame:
				// Equal timestamps happen at millisecond resolution; the
				// later arrival is the newer frame.
				if msg.TS >= h.frameTS {
					h.frame = msg.Payload
					h.frameTS = msg.TS
				}

			case GetFrame:
				msg.Reply <- h.frame

			case GetStats:
				msg.Reply <- h.stats()

			case Shutdown:
				h.shutdown()
				return
			}
		}
	}
}

func (h *Hub) broadcast(scope Scope, payload []byte) {
	for id, c := range h.conns {
		if !inScope(scope, id, c) {
			continue
		}
		select {
		case c.outbox <- payload:
			c.sent++
			h.sent++
		default:
			// Slow or dead consumer. Drop it; everyone else in the scope
			// still gets the message.
			close(c.outbox)
			delete(h.conns, id)
			h.dropped++
			h.log.Warn("dropped slow connection", zap.String("conn", id))
		}
	}
}

func inScope(scope Scope, id string, c *connState) bool {
	switch scope.Kind {
	case ScopeAll:
		return true
	case ScopeSession:
		return scope.ID != "" && c.session == scope.ID
	case ScopeConn:
		return id == scope.ID
	}
	return false
}

func (h *Hub) stats() Stats {
	st := Stats{Connections: len(h.conns), Sent: h.sent, Dropped: h.dropped}
	for _, c := range h.conns {
		switch c.role {
		case RoleProducer:
			st.Producers++
		case RoleViewer:
			st.Viewers++
		}
	}
	return st
}

func (h *Hub) shutdown() {
	for id, c := range h.conns {
		close(c.outbox)
		delete(h.conns, id)
	}
	h.cancel()
}
