package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgnsrekt/babel_bridge/internal/classify"
	"github.com/dgnsrekt/babel_bridge/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// fakeCompanion is a loopback WebSocket server recording received frames.
type fakeCompanion struct {
	srv    *httptest.Server
	frames chan types.ContextChange
	conns  chan net.Conn
}

func newFakeCompanion(t *testing.T) *fakeCompanion {
	t.Helper()
	fc := &fakeCompanion{
		frames: make(chan types.ContextChange, 64),
		conns:  make(chan net.Conn, 16),
	}
	fc.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fc.conns <- conn
		go func() {
			defer conn.Close()
			for {
				data, err := wsutil.ReadClientText(conn)
				if err != nil {
					return
				}
				var msg types.ContextChange
				if err := json.Unmarshal(data, &msg); err != nil {
					continue
				}
				fc.frames <- msg
			}
		}()
	}))
	t.Cleanup(fc.srv.Close)
	return fc
}

func (fc *fakeCompanion) url() string {
	return "ws" + strings.TrimPrefix(fc.srv.URL, "http")
}

func (fc *fakeCompanion) nextConn(t *testing.T, timeout time.Duration) net.Conn {
	t.Helper()
	select {
	case c := <-fc.conns:
		return c
	case <-time.After(timeout):
		t.Fatal("no companion connection before deadline")
		return nil
	}
}

func (fc *fakeCompanion) expectFrame(t *testing.T, timeout time.Duration) types.ContextChange {
	t.Helper()
	select {
	case f := <-fc.frames:
		return f
	case <-time.After(timeout):
		t.Fatal("no context_change frame before deadline")
		return types.ContextChange{}
	}
}

func (fc *fakeCompanion) expectNoFrame(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case f := <-fc.frames:
		t.Fatalf("unexpected frame %+v", f)
	case <-time.After(wait):
	}
}

// fakeHost is an in-memory Host.
type fakeHost struct {
	mu        sync.Mutex
	active    *types.Tab
	activeErr error
	tabs      map[string]types.Tab
	delays    map[string]time.Duration
	events    chan types.TabEvent
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		tabs:   make(map[string]types.Tab),
		delays: make(map[string]time.Duration),
		events: make(chan types.TabEvent, 16),
	}
}

func (h *fakeHost) setActive(tab *types.Tab) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.active = tab
}

func (h *fakeHost) putTab(tab types.Tab, delay time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tabs[tab.ID] = tab
	h.delays[tab.ID] = delay
}

func (h *fakeHost) ActiveTab(ctx context.Context) (*types.Tab, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activeErr != nil {
		return nil, h.activeErr
	}
	if h.active == nil {
		return nil, nil
	}
	tab := *h.active
	return &tab, nil
}

func (h *fakeHost) GetTab(ctx context.Context, id string) (*types.Tab, error) {
	h.mu.Lock()
	tab, ok := h.tabs[id]
	delay := h.delays[id]
	h.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if !ok {
		return nil, errors.New("no tab with id: " + id)
	}
	return &tab, nil
}

func (h *fakeHost) Events() <-chan types.TabEvent { return h.events }

type runningAgent struct {
	agent  *Agent
	cancel context.CancelFunc
	done   chan error
}

func startAgent(t *testing.T, host Host, opts Options) *runningAgent {
	t.Helper()
	return runAgent(t, New(host, classify.NewSet(nil), opts))
}

// runAgent runs a prepared agent until the test ends.
func runAgent(t *testing.T, agent *Agent) *runningAgent {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ra := &runningAgent{
		agent:  agent,
		cancel: cancel,
		done:   make(chan error, 1),
	}
	go func() { ra.done <- ra.agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-ra.done:
		case <-time.After(5 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return ra
}

// brokenWriteConn fails every write once broken is set; reads are untouched.
type brokenWriteConn struct {
	net.Conn
	broken atomic.Bool
}

func (c *brokenWriteConn) Write(p []byte) (int, error) {
	if c.broken.Load() {
		return 0, errors.New("write: broken pipe")
	}
	return c.Conn.Write(p)
}

// silentServer accepts TCP connections and never answers the handshake.
func silentServer(t *testing.T) (string, <-chan time.Time) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	accepted := make(chan time.Time, 16)
	var mu sync.Mutex
	var conns []net.Conn
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
			select {
			case accepted <- time.Now():
			default:
			}
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return "ws://" + ln.Addr().String(), accepted
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
