// Package companion is a minimal receiver for the bridge's context_change
// protocol: it tracks which design tool the browser currently reports and
// forgets it when the reporting connection goes away.
package companion

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/dgnsrekt/babel_bridge/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
)

// Listener accepts bridge connections and tracks the current web app.
type Listener struct {
	broker *Broker

	mu       sync.RWMutex
	current  string
	reporter string
	sessions map[string]net.Conn
}

// NewListener creates a Listener publishing accepted changes to broker.
// broker may be nil.
func NewListener(broker *Broker) *Listener {
	return &Listener{broker: broker, sessions: make(map[string]net.Conn)}
}

// Current returns the app reported by the bridge, or "" when none.
func (l *Listener) Current() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// Sessions returns the number of connected bridges.
func (l *Listener) Sessions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.sessions)
}

// ServeHTTP upgrades the request and reads frames until the bridge leaves.
func (l *Listener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Warn("companion upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	sessionID := uuid.NewString()
	l.mu.Lock()
	l.sessions[sessionID] = conn
	l.mu.Unlock()
	slog.Info("bridge connected", "session_id", sessionID, "remote", r.RemoteAddr)

	go l.serve(sessionID, conn)
}

func (l *Listener) serve(sessionID string, conn net.Conn) {
	defer func() {
		_ = conn.Close()
		l.mu.Lock()
		delete(l.sessions, sessionID)
		// Only the session behind the current app can take it away.
		if l.reporter == sessionID {
			l.current = ""
			l.reporter = ""
		}
		l.mu.Unlock()
		slog.Info("bridge disconnected", "session_id", sessionID)
	}()

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			slog.Debug("companion read loop exit", "session_id", sessionID, "error", err)
			return
		}
		if op != ws.OpText {
			continue
		}
		l.handleFrame(sessionID, data)
	}
}

func (l *Listener) handleFrame(sessionID string, data []byte) {
	var msg types.ContextChange
	if err := json.Unmarshal(data, &msg); err != nil {
		slog.Warn("companion frame decode failed", "session_id", sessionID, "error", err)
		return
	}
	if msg.Event != types.EventContextChange {
		slog.Debug("ignoring companion frame", "session_id", sessionID, "event", msg.Event)
		return
	}

	app := msg.App
	if app == types.AppNone {
		app = ""
	}
	l.mu.Lock()
	l.current = app
	l.reporter = sessionID
	l.mu.Unlock()
	slog.Info("web context changed", "session_id", sessionID, "app", msg.App, "url", types.ShortURL(msg.URL))

	if l.broker != nil {
		l.broker.Publish(Change{SessionID: sessionID, Message: msg, App: app})
	}
}

// Close drops every connected bridge.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, c := range l.sessions {
		_ = c.Close()
	}
	return nil
}
