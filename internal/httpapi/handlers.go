// Package httpapi is the HTTP surface: websocket upgrade, status document,
// runtime tick control, and static assets for the viewer client.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pulsemesh/gamecast/internal/hub"
	"github.com/pulsemesh/gamecast/internal/osc"
	"github.com/pulsemesh/gamecast/internal/session"
	"github.com/pulsemesh/gamecast/internal/slots"
	"github.com/pulsemesh/gamecast/internal/tick"
)

type Deps struct {
	Hub       *hub.Hub
	Manager   *session.Manager
	Pool      *slots.Pool
	OSC       *osc.Listener
	Ticker    *tick.Scheduler
	WS        http.HandlerFunc
	StaticDir string
	StartedAt time.Time
	Log       *zap.Logger
}

type slotsDoc struct {
	Size     int `json:"size"`
	Free     int `json:"free"`
	Acquired int `json:"acquired"`
}

type tickDoc struct {
	Enabled bool `json:"enabled"`
}

type statusDoc struct {
	UptimeSec   int64          `json:"uptime_sec"`
	Connections hub.Stats      `json:"connections"`
	Slots       slotsDoc       `json:"slots"`
	Matches     session.Counts `json:"matches"`
	OSC         osc.Stats      `json:"osc"`
	Tick        tickDoc        `json:"tick"`
}

func Status(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc := statusDoc{
			UptimeSec:   int64(time.Since(deps.StartedAt).Seconds()),
			Connections: deps.Hub.Stats(),
			Slots: slotsDoc{
				Size:     deps.Pool.Size(),
				Free:     deps.Pool.FreeCount(),
				Acquired: deps.Pool.AcquiredCount(),
			},
			Matches: deps.Manager.Snapshot(),
			OSC:     deps.OSC.Stats(),
			Tick:    tickDoc{Enabled: deps.Ticker.Enabled()},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(doc)
	}
}

func TickStart(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Ticker.Start()
		deps.Log.Info("tick mode enabled via api")
		w.WriteHeader(http.StatusNoContent)
	}
}

func TickStop(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		deps.Ticker.Stop()
		deps.Log.Info("tick mode disabled via api")
		w.WriteHeader(http.StatusNoContent)
	}
}

// EndMatch is the operator's abort lever.
func EndMatch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Manager.End(id, session.ReasonAborted); err != nil {
			http.Error(w, "match not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}
