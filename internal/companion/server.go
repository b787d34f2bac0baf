package companion

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewServer routes the bridge socket at "/", the SSE stream at "/events" and
// the current app at "/current".
func NewServer(l *Listener, broker *Broker) http.Handler {
	router := chi.NewMux()
	router.Use(middleware.Recoverer)

	router.Get("/", l.ServeHTTP)
	router.Get("/events", SSEHandler(broker))
	router.Get("/current", func(w http.ResponseWriter, r *http.Request) {
		out := struct {
			App         string `json:"app"`
			Sessions    int    `json:"sessions"`
			Subscribers int    `json:"subscribers"`
		}{App: l.Current(), Sessions: l.Sessions()}
		if broker != nil {
			out.Subscribers = broker.ClientCount()
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(out); err != nil {
			slog.Debug("current response write failed", "error", err)
		}
	})
	return router
}
