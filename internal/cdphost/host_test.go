package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/babel_bridge/internal/types"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

type fakePage struct {
	id      string
	session string
	url     string
	visible bool
	focused bool
}

// fakeBrowser answers the subset of CDP the host uses.
type fakeBrowser struct {
	t   *testing.T
	srv *httptest.Server

	mu      sync.Mutex
	pages   map[string]*fakePage
	conn    net.Conn
	writeMu sync.Mutex
	methods []string
}

func newFakeBrowser(t *testing.T, pages ...*fakePage) *fakeBrowser {
	t.Helper()
	fb := &fakeBrowser{t: t, pages: make(map[string]*fakePage)}
	for _, p := range pages {
		fb.pages[p.id] = p
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/json/version", func(w http.ResponseWriter, r *http.Request) {
		wsURL := "ws" + strings.TrimPrefix(fb.srv.URL, "http") + "/devtools/browser/fake"
		_ = json.NewEncoder(w).Encode(map[string]string{"webSocketDebuggerUrl": wsURL})
	})
	mux.HandleFunc("/devtools/browser/fake", func(w http.ResponseWriter, r *http.Request) {
		conn, _, _, err := ws.UpgradeHTTP(r, w)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conn = conn
		fb.mu.Unlock()
		go fb.serve(conn)
	})
	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBrowser) serve(conn net.Conn) {
	defer conn.Close()
	for {
		data, err := wsutil.ReadClientText(conn)
		if err != nil {
			return
		}
		var req struct {
			ID        int64           `json:"id"`
			Method    string          `json:"method"`
			SessionID string          `json:"sessionId"`
			Params    json.RawMessage `json:"params"`
		}
		if json.Unmarshal(data, &req) != nil {
			continue
		}
		fb.mu.Lock()
		fb.methods = append(fb.methods, req.Method)
		fb.mu.Unlock()

		result, cdpErr, after := fb.respond(req.Method, req.SessionID, req.Params)
		resp := map[string]any{"id": req.ID}
		if cdpErr != "" {
			resp["error"] = map[string]any{"code": -32000, "message": cdpErr}
		} else {
			resp["result"] = result
		}
		fb.write(resp)
		for _, ev := range after {
			fb.write(ev)
		}
	}
}

func (fb *fakeBrowser) respond(method, sessionID string, params json.RawMessage) (any, string, []map[string]any) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(params, &p)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	switch method {
	case "Target.setDiscoverTargets":
		var after []map[string]any
		for _, pg := range fb.pages {
			after = append(after, map[string]any{
				"method": "Target.targetCreated",
				"params": map[string]any{"targetInfo": fb.info(pg)},
			})
		}
		return map[string]any{}, "", after
	case "Target.attachToTarget":
		pg, ok := fb.pages[p.TargetID]
		if !ok {
			return nil, "No target with given id found", nil
		}
		return map[string]any{"sessionId": pg.session}, "", nil
	case "Target.getTargetInfo":
		pg, ok := fb.pages[p.TargetID]
		if !ok {
			return nil, "No target with given id found", nil
		}
		return map[string]any{"targetInfo": fb.info(pg)}, "", nil
	case "Browser.getWindowForTarget":
		return map[string]any{"windowId": 7, "bounds": map[string]any{}}, "", nil
	case "Runtime.evaluate":
		for _, pg := range fb.pages {
			if pg.session == sessionID {
				v, _ := json.Marshal(visibility{Visible: pg.visible, Focused: pg.focused})
				return map[string]any{"result": map[string]any{"type": "string", "value": string(v)}}, "", nil
			}
		}
		return nil, "Session with given id not found", nil
	default:
		return map[string]any{}, "", nil
	}
}

func (fb *fakeBrowser) info(pg *fakePage) map[string]any {
	return map[string]any{"targetId": pg.id, "type": "page", "title": pg.id, "url": pg.url, "attached": pg.session != ""}
}

func (fb *fakeBrowser) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		fb.t.Errorf("marshal: %v", err)
		return
	}
	fb.mu.Lock()
	conn := fb.conn
	fb.mu.Unlock()
	if conn == nil {
		return
	}
	fb.writeMu.Lock()
	defer fb.writeMu.Unlock()
	_ = wsutil.WriteServerText(conn, data)
}

func (fb *fakeBrowser) push(sessionID, method string, params any) {
	ev := map[string]any{"method": method, "params": params}
	if sessionID != "" {
		ev["sessionId"] = sessionID
	}
	fb.write(ev)
}

func (fb *fakeBrowser) sawMethod(method string) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, m := range fb.methods {
		if m == method {
			return true
		}
	}
	return false
}

func startHost(t *testing.T, fb *fakeBrowser) *Host {
	t.Helper()
	h := New(fb.srv.URL, 50*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return h
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func waitAttached(t *testing.T, h *Host, ids ...string) {
	t.Helper()
	waitFor(t, func() bool {
		for _, id := range ids {
			p, ok := h.reg.get(target.ID(id))
			if !ok || p.sessionID == "" {
				return false
			}
		}
		return true
	})
}

func nextEvent(t *testing.T, h *Host) types.TabEvent {
	t.Helper()
	select {
	case ev := <-h.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no tab event before deadline")
		return types.TabEvent{}
	}
}

func TestHostAttachesDiscoveredPages(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.figma.com/design/abc", visible: true, focused: true})
	h := startHost(t, fb)

	waitAttached(t, h, "T1")
	waitFor(t, func() bool {
		return fb.sawMethod("Runtime.addBinding") && fb.sawMethod("Page.addScriptToEvaluateOnNewDocument")
	})
	if got := h.TabCount(); got != 1 {
		t.Fatalf("TabCount() = %d; want 1", got)
	}
}

func TestHostTranslatesFocusAndLoadEvents(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.figma.com/design/abc", visible: true, focused: true})
	h := startHost(t, fb)
	waitAttached(t, h, "T1")

	fb.push("S1", "Runtime.bindingCalled", map[string]any{"name": "someoneElse", "payload": "", "executionContextId": 1})
	fb.push("S1", "Runtime.bindingCalled", map[string]any{"name": focusBinding, "payload": "https://www.figma.com/design/abc", "executionContextId": 1})
	ev := nextEvent(t, h)
	if ev.Kind != types.TabActivated || ev.TabID != "T1" {
		t.Fatalf("event = %+v; want tab_activated T1", ev)
	}

	fb.push("S1", "Page.frameStartedLoading", map[string]any{"frameId": "child-frame"})
	fb.push("S1", "Page.frameStartedLoading", map[string]any{"frameId": "T1"})
	ev = nextEvent(t, h)
	if ev.Kind != types.TabUpdated || ev.Change.Status != types.StatusLoading {
		t.Fatalf("event = %+v; want loading update", ev)
	}

	fb.push("S1", "Page.loadEventFired", map[string]any{"timestamp": 1234.5})
	ev = nextEvent(t, h)
	if ev.Kind != types.TabUpdated || ev.Change.Status != types.StatusComplete {
		t.Fatalf("event = %+v; want complete update", ev)
	}
	if !ev.Tab.Active || ev.Tab.URL != "https://www.figma.com/design/abc" || ev.Tab.WindowID != 7 {
		t.Fatalf("tab = %+v; want active figma tab in window 7", ev.Tab)
	}
}

func TestHostSPANavigationIsComplete(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.figma.com/file/a", visible: true})
	h := startHost(t, fb)
	waitAttached(t, h, "T1")

	fb.push("S1", "Page.navigatedWithinDocument", map[string]any{"frameId": "T1", "url": "https://www.figma.com/file/b"})
	ev := nextEvent(t, h)
	if ev.Kind != types.TabUpdated || ev.Change.Status != types.StatusComplete || ev.Change.URL != "https://www.figma.com/file/b" {
		t.Fatalf("event = %+v; want complete update with new url", ev)
	}
}

func TestActiveTabPrefersFocusedPage(t *testing.T) {
	fb := newFakeBrowser(t,
		&fakePage{id: "T1", session: "S1", url: "https://www.google.com", visible: true},
		&fakePage{id: "T2", session: "S2", url: "https://photoshop.adobe.com/id/1", visible: true, focused: true},
		&fakePage{id: "T3", session: "S3", url: "https://www.figma.com/file/x"},
	)
	h := startHost(t, fb)
	waitAttached(t, h, "T1", "T2", "T3")

	tab, err := h.ActiveTab(context.Background())
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if tab == nil || tab.ID != "T2" || !tab.Active {
		t.Fatalf("ActiveTab() = %+v; want T2", tab)
	}
}

func TestActiveTabNoneVisible(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.google.com"})
	h := startHost(t, fb)
	waitAttached(t, h, "T1")

	tab, err := h.ActiveTab(context.Background())
	if err != nil {
		t.Fatalf("ActiveTab() error = %v", err)
	}
	if tab != nil {
		t.Fatalf("ActiveTab() = %+v; want nil", tab)
	}
}

func TestGetTabNotFound(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.google.com"})
	h := startHost(t, fb)
	waitAttached(t, h, "T1")

	_, err := h.GetTab(context.Background(), "missing")
	if !errors.Is(err, ErrTabNotFound) {
		t.Fatalf("GetTab() error = %v; want ErrTabNotFound", err)
	}
	var coded *CodedError
	if !errors.As(err, &coded) || coded.Code != CodeTabNotFound {
		t.Fatalf("GetTab() error = %T %v; want *CodedError %s", err, err, CodeTabNotFound)
	}
}

func TestQueriesFailWithoutBrowser(t *testing.T) {
	h := New("http://127.0.0.1:1", time.Second)
	if _, err := h.ActiveTab(context.Background()); !errors.Is(err, ErrCDPUnavailable) {
		t.Fatalf("ActiveTab() error = %v; want ErrCDPUnavailable", err)
	}
	if _, err := h.GetTab(context.Background(), "T1"); !errors.Is(err, ErrCDPUnavailable) {
		t.Fatalf("GetTab() error = %v; want ErrCDPUnavailable", err)
	}
}

func TestHostForgetsDestroyedTargets(t *testing.T) {
	fb := newFakeBrowser(t, &fakePage{id: "T1", session: "S1", url: "https://www.google.com"})
	h := startHost(t, fb)
	waitAttached(t, h, "T1")

	fb.push("", "Target.targetDestroyed", map[string]any{"targetId": "T1"})
	waitFor(t, func() bool { return h.TabCount() == 0 })
}

func TestCodedErrorFormatting(t *testing.T) {
	err := newError(CodeProtocol, "Runtime.evaluate", fmt.Errorf("boom"))
	if got, want := err.Error(), "PROTOCOL: Runtime.evaluate: boom"; got != want {
		t.Fatalf("Error() = %q; want %q", got, want)
	}
	if errors.Is(err, ErrTabNotFound) {
		t.Fatal("protocol error matched ErrTabNotFound")
	}
}
