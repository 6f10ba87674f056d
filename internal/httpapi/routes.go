package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func SetupRoutes(deps Deps) http.Handler {
	r := chi.NewRouter()

	r.Get("/ws", deps.WS)
	r.Get("/healthz", Healthz)
	r.Get("/status", Status(deps))
	r.Post("/tick/start", TickStart(deps))
	r.Post("/tick/stop", TickStop(deps))
	r.Post("/matches/{id}/end", EndMatch(deps))

	// Viewer client assets.
	r.Handle("/*", http.FileServer(http.Dir(deps.StaticDir)))
	return r
}
