// Package osc ingests the one-way control plane: path-addressed text
// datagrams carrying sound parameters. Datagrams may arrive reordered or
// duplicated, so every valid message reduces to a last-write-wins field patch.
package osc

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/state"
)

// Handlers receive the side effects of valid control messages. All writes to
// the sound state go through the store's merge, never directly.
type Handlers struct {
	// Applied is called after each merge so push-mode broadcasting can react.
	Applied func()
	// Trigger fires for /{prefix}/trigger/{name}.
	Trigger func(name string)
	// ModeChanged is called after a mode switch has been applied.
	ModeChanged func(name string)
}

type Stats struct {
	Received uint64 `json:"received"`
	Applied  uint64 `json:"applied"`
	Dropped  uint64 `json:"dropped"`
}

type Listener struct {
	prefix   string
	store    *state.Store
	handlers Handlers
	log      *zap.Logger

	received atomic.Uint64
	applied  atomic.Uint64
	dropped  atomic.Uint64
}

func NewListener(prefix string, store *state.Store, handlers Handlers, log *zap.Logger) *Listener {
	return &Listener{
		prefix:   prefix,
		store:    store,
		handlers: handlers,
		log:      log,
	}
}

// Run listens on addr until ctx is cancelled. Malformed datagrams are counted
// and dropped; nothing a sender does can take the listener down.
func (l *Listener) Run(ctx context.Context, addr string) error {
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return fmt.Errorf("osc listen %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	l.log.Info("control plane listening", zap.String("addr", addr), zap.String("prefix", l.prefix))

	buf := make([]byte, 2048)
	for {
		n, _, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("osc read: %w", err)
		}
		l.handle(buf[:n])
	}
}

func (l *Listener) handle(data []byte) {
	l.received.Add(1)

	cmd, err := parseDatagram(l.prefix, data)
	if err != nil {
		l.dropped.Add(1)
		l.log.Debug("dropped control datagram", zap.Error(err))
		return
	}
	l.applied.Add(1)

	switch cmd.kind {
	case cmdPatch:
		l.store.Merge(state.Partial{Voices: map[int]state.VoicePatch{cmd.voice: cmd.patch}})
		if l.handlers.Applied != nil {
			l.handlers.Applied()
		}
	case cmdMode:
		l.store.SetMode(cmd.name)
		if l.handlers.ModeChanged != nil {
			l.handlers.ModeChanged(cmd.name)
		}
		if l.handlers.Applied != nil {
			l.handlers.Applied()
		}
	case cmdTrigger:
		if l.handlers.Trigger != nil {
			l.handlers.Trigger(cmd.name)
		}
	}
}

func (l *Listener) Stats() Stats {
	return Stats{
		Received: l.received.Load(),
		Applied:  l.applied.Load(),
		Dropped:  l.dropped.Load(),
	}
}
