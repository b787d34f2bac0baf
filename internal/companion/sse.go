package companion

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

// SSEHandler streams accepted changes as server-sent events named after the
// app label. Clients may filter with ?apps=figma,photoshop.
func SSEHandler(broker *Broker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming not supported", http.StatusInternalServerError)
			return
		}

		var appFilter map[string]bool
		if q := r.URL.Query().Get("apps"); q != "" {
			appFilter = make(map[string]bool)
			for _, a := range strings.Split(q, ",") {
				if a = strings.TrimSpace(a); a != "" {
					appFilter[a] = true
				}
			}
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		flusher.Flush()

		id, ch := broker.Subscribe()
		defer broker.Unsubscribe(id)

		for {
			select {
			case <-r.Context().Done():
				return
			case c, ok := <-ch:
				if !ok {
					return
				}
				if appFilter != nil && !appFilter[c.Message.App] {
					continue
				}
				data, err := json.Marshal(c)
				if err != nil {
					slog.Debug("sse marshal failed", "error", err)
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", c.Message.App, data)
				flusher.Flush()
			}
		}
	}
}
