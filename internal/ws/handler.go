// Package ws accepts the bidirectional channel. Role and match binding are
// resolved once, at accept time; afterwards the connection is just a typed
// envelope pump.
package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/proto"
	"github.com/pulsemesh/gamecast/internal/session"
)

const (
	writeWait  = 3 * time.Second
	outboxSize = 32
)

func Handler(h *hub.Hub, mgr *session.Manager, log *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role, ok := parseRole(r.URL.Query().Get("role"))
		if !ok {
			http.Error(w, "bad role", http.StatusBadRequest)
			return
		}

		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		connID := uuid.NewString()
		outbox := make(chan []byte, outboxSize)
		h.Inbox() <- hub.Register{ID: connID, Role: role, Outbox: outbox}
		defer func() {
			mgr.Disconnect(connID)
			h.Inbox() <- hub.Unregister{ID: connID}
		}()

		clog := log.With(zap.String("conn", connID), zap.String("role", string(role)))

		// Handshake result goes out exactly once, before anything else.
		writeOne(r.Context(), conn, proto.Encode(proto.Message{
			T: proto.TWelcome, ConnID: connID, Role: string(role),
		}))

		// Late joiners pull the last frame instead of waiting for the next
		// broadcast.
		if frame := h.LastFrame(); frame != nil {
			writeOne(r.Context(), conn, frame)
		}

		// Optional match binding straight from the handshake.
		if matchID := r.URL.Query().Get("match"); matchID != "" {
			if err := mgr.Watch(connID, matchID); err != nil {
				writeOne(r.Context(), conn, proto.Encode(proto.Message{
					T: proto.TError, Error: "unknown match",
				}))
			}
		}

		// Writer: drains the hub outbox until the hub closes it.
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			for payload := range outbox {
				writeOne(writeCtx, conn, payload)
			}
			// The hub dropped us; a client whose writes still succeed would
			// otherwise linger unregistered.
			conn.Close(websocket.StatusPolicyViolation, "slow consumer")
		}()

		readLoop(r.Context(), conn, connID, role, r.URL.Query().Get("name"), h, mgr, clog)
	}
}

func readLoop(ctx context.Context, conn *websocket.Conn, connID string, role hub.Role, name string, h *hub.Hub, mgr *session.Manager, log *zap.Logger) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				log.Debug("read ended", zap.Error(err))
			}
			return
		}
		h.Inbox() <- hub.MarkRecv{ID: connID}

		msg, err := proto.Decode(data)
		if err != nil {
			writeOne(ctx, conn, proto.Encode(proto.Message{T: proto.TError, Error: "bad json"}))
			continue
		}

		if err := dispatch(ctx, conn, connID, role, name, h, mgr, msg, log); err != nil {
			// Contract errors go back to the sender only; the server and the
			// other connections never notice.
			writeOne(ctx, conn, proto.Encode(proto.Message{T: proto.TError, Error: err.Error()}))
		}
	}
}

func dispatch(ctx context.Context, conn *websocket.Conn, connID string, role hub.Role, name string, h *hub.Hub, mgr *session.Manager, msg proto.Message, log *zap.Logger) error {
	switch msg.T {
	case proto.TPing:
		if msg.ServerTime != 0 {
			rtt := time.Duration(time.Now().UnixMilli()-msg.ServerTime) * time.Millisecond
			if rtt >= 0 {
				h.Inbox() <- hub.SetRTT{ID: connID, RTT: rtt}
			}
		}
		writeOne(ctx, conn, proto.Encode(proto.Message{
			T: proto.TPong, ServerTime: time.Now().UnixMilli(), ClientTime: msg.ClientTime,
		}))
		return nil

	case proto.TJoin:
		if role != hub.RoleProducer {
			return errViewerOnly
		}
		return mgr.Enqueue(connID, monogram(msg.Monogram, name), msg.Category)

	case proto.TReady:
		return mgr.Ready(connID)

	case proto.TStart:
		return mgr.Start(connID)

	case proto.TInput:
		if role != hub.RoleProducer {
			return errViewerOnly
		}
		return mgr.Input(connID, []byte(msg.Data))

	case proto.TScore:
		if role != hub.RoleProducer {
			return errViewerOnly
		}
		return mgr.AddScore(connID, msg.Score)

	default:
		// Unknown types are logged and dropped, never fatal.
		log.Debug("unknown message type", zap.String("t", msg.T))
		return nil
	}
}

type protocolError string

func (e protocolError) Error() string { return string(e) }

const errViewerOnly = protocolError("producer-only message")

// monogram picks the display handle, join message over handshake default, and
// trims it to the traditional three characters.
func monogram(fromJoin, fromHandshake string) string {
	m := fromJoin
	if m == "" {
		m = fromHandshake
	}
	if m == "" {
		m = "???"
	}
	if r := []rune(m); len(r) > 3 {
		m = string(r[:3])
	}
	return m
}

func parseRole(s string) (hub.Role, bool) {
	switch s {
	case "producer":
		return hub.RoleProducer, true
	case "viewer", "":
		// Viewers are the common case; bare connections spectate.
		return hub.RoleViewer, true
	default:
		return "", false
	}
}

func writeOne(ctx context.Context, conn *websocket.Conn, payload []byte) {
	wctx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()
	_ = conn.Write(wctx, websocket.MessageText, payload)
}
