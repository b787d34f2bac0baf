// Package cdphost observes Chromium tabs over the Chrome DevTools Protocol
// and exposes them as the tab queries and tab events the bridge agent needs.
//
// Page targets are discovered with Target.setDiscoverTargets and attached
// with flat sessions. Each page gets a tiny focus probe: a Runtime binding
// called from visibilitychange/focus listeners, which turns "user switched to
// this tab" into a Runtime.bindingCalled event. Page load events become
// tab-updated notifications.
package cdphost

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/target"
	"github.com/dgnsrekt/babel_bridge/internal/types"
)

const (
	focusBinding         = "__babelBridgeFocus"
	commandTimeout       = 5 * time.Second
	defaultRetryInterval = 5 * time.Second
	inboxSize            = 256
	eventsBufSize        = 64
)

var focusScript = `(() => {
  if (window.__babelBridgeInstalled) return;
  window.__babelBridgeInstalled = true;
  const report = () => {
    if (document.visibilityState === 'visible' && typeof window.` + focusBinding + ` === 'function') {
      window.` + focusBinding + `(location.href);
    }
  };
  document.addEventListener('visibilitychange', report);
  window.addEventListener('focus', report);
})()`

const probeScript = `JSON.stringify({visible: document.visibilityState === 'visible', focused: document.hasFocus()})`

var watchedEvents = []string{
	"Target.targetCreated",
	"Target.targetInfoChanged",
	"Target.targetDestroyed",
	"Target.detachedFromTarget",
	"Runtime.bindingCalled",
	"Page.frameStartedLoading",
	"Page.loadEventFired",
	"Page.navigatedWithinDocument",
}

type cdpEvent struct {
	method    string
	sessionID string
	params    json.RawMessage
}

type visibility struct {
	Visible bool `json:"visible"`
	Focused bool `json:"focused"`
}

// Host is a bridge host backed by a browser's remote debugging endpoint.
type Host struct {
	cdpURL string
	retry  time.Duration
	reg    *registry
	events chan types.TabEvent

	mu  sync.RWMutex
	cdp *rawCDP
}

// New returns a Host for the CDP HTTP endpoint cdpURL (e.g.
// "http://127.0.0.1:9222"). retry is the delay between browser reconnects.
func New(cdpURL string, retry time.Duration) *Host {
	if retry <= 0 {
		retry = defaultRetryInterval
	}
	return &Host{
		cdpURL: cdpURL,
		retry:  retry,
		reg:    newRegistry(),
		events: make(chan types.TabEvent, eventsBufSize),
	}
}

func (h *Host) Events() <-chan types.TabEvent { return h.events }

// TabCount returns the number of known page targets.
func (h *Host) TabCount() int { return h.reg.count() }

// Run keeps a CDP session alive until ctx is done, reconnecting after the
// browser goes away.
func (h *Host) Run(ctx context.Context) error {
	for {
		err := h.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("cdp session ended, reconnecting", "cdp_url", h.cdpURL, "retry_in_ms", h.retry.Milliseconds(), "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(h.retry):
		}
	}
}

func (h *Host) session(ctx context.Context) error {
	r := newRawCDP(h.cdpURL)
	inbox := make(chan cdpEvent, inboxSize)
	for _, method := range watchedEvents {
		method := method
		r.on(method, func(sessionID string, params json.RawMessage) {
			select {
			case inbox <- cdpEvent{method: method, sessionID: sessionID, params: params}:
			default:
				slog.Warn("cdp event dropped", "method", method)
			}
		})
	}

	if err := r.connect(ctx); err != nil {
		return newError(CodeCDPUnavailable, "connect to CDP failed", err)
	}
	h.setClient(r)
	defer func() {
		h.setClient(nil)
		r.close()
		h.reg.reset()
	}()

	cctx, cancel := context.WithTimeout(ctx, commandTimeout)
	err := r.call(cctx, "", "Target.setDiscoverTargets", struct {
		Discover bool `json:"discover"`
	}{Discover: true}, nil)
	cancel()
	if err != nil {
		return fmt.Errorf("cdphost: discover targets: %w", err)
	}
	slog.Info("cdp host connected", "cdp_url", h.cdpURL)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.closed():
			return newError(CodeCDPUnavailable, "browser connection closed", nil)
		case ev := <-inbox:
			h.handle(ctx, r, ev)
		}
	}
}

func (h *Host) handle(ctx context.Context, r *rawCDP, ev cdpEvent) {
	switch ev.method {
	case "Target.targetCreated":
		var e target.EventTargetCreated
		if json.Unmarshal(ev.params, &e) != nil || e.TargetInfo == nil {
			return
		}
		h.track(ctx, r, *e.TargetInfo)
	case "Target.targetInfoChanged":
		var e target.EventTargetInfoChanged
		if json.Unmarshal(ev.params, &e) != nil || e.TargetInfo == nil {
			return
		}
		h.track(ctx, r, *e.TargetInfo)
	case "Target.targetDestroyed":
		var e target.EventTargetDestroyed
		if json.Unmarshal(ev.params, &e) != nil {
			return
		}
		h.reg.remove(e.TargetID)
		slog.Debug("tab closed", "target_id", e.TargetID)
	case "Target.detachedFromTarget":
		var e target.EventDetachedFromTarget
		if json.Unmarshal(ev.params, &e) != nil {
			return
		}
		h.reg.clearSession(e.SessionID)
	case "Runtime.bindingCalled":
		var e runtime.EventBindingCalled
		if json.Unmarshal(ev.params, &e) != nil || e.Name != focusBinding {
			return
		}
		id, ok := h.reg.targetForSession(target.SessionID(ev.sessionID))
		if !ok {
			return
		}
		h.reg.markFocused(id)
		h.emit(ctx, types.TabEvent{Kind: types.TabActivated, TabID: string(id)})
	case "Page.frameStartedLoading":
		var e page.EventFrameStartedLoading
		if json.Unmarshal(ev.params, &e) != nil {
			return
		}
		id, ok := h.mainFrameTarget(ev.sessionID, string(e.FrameID))
		if !ok {
			return
		}
		h.reg.setStatus(id, types.StatusLoading)
		p, _ := h.reg.get(id)
		h.emit(ctx, types.TabEvent{
			Kind:   types.TabUpdated,
			TabID:  string(id),
			Change: types.ChangeInfo{Status: types.StatusLoading},
			Tab:    types.Tab{ID: string(id), URL: p.info.URL, Title: p.info.Title, Status: types.StatusLoading},
		})
	case "Page.loadEventFired":
		id, ok := h.reg.targetForSession(target.SessionID(ev.sessionID))
		if !ok {
			return
		}
		h.reg.setStatus(id, types.StatusComplete)
		h.emitUpdated(ctx, r, id, types.ChangeInfo{Status: types.StatusComplete})
	case "Page.navigatedWithinDocument":
		var e page.EventNavigatedWithinDocument
		if json.Unmarshal(ev.params, &e) != nil {
			return
		}
		id, ok := h.mainFrameTarget(ev.sessionID, string(e.FrameID))
		if !ok {
			return
		}
		h.reg.setURL(id, e.URL)
		h.reg.setStatus(id, types.StatusComplete)
		h.emitUpdated(ctx, r, id, types.ChangeInfo{Status: types.StatusComplete, URL: e.URL})
	}
}

// mainFrameTarget resolves a session event to its page target when frameID is
// the page's main frame (CDP uses the target id as the main frame id).
func (h *Host) mainFrameTarget(sessionID, frameID string) (target.ID, bool) {
	id, ok := h.reg.targetForSession(target.SessionID(sessionID))
	if !ok || string(id) != frameID {
		return "", false
	}
	return id, true
}

func (h *Host) track(ctx context.Context, r *rawCDP, info target.Info) {
	if info.Type != "page" {
		return
	}
	if h.reg.upsert(info) {
		h.attach(ctx, r, info)
	}
}

// attach opens a flat session on a page and installs the focus probe.
func (h *Host) attach(ctx context.Context, r *rawCDP, info target.Info) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	var res struct {
		SessionID target.SessionID `json:"sessionId"`
	}
	err := r.call(ctx, "", "Target.attachToTarget", struct {
		TargetID target.ID `json:"targetId"`
		Flatten  bool      `json:"flatten"`
	}{TargetID: info.TargetID, Flatten: true}, &res)
	if err != nil {
		slog.Warn("failed to attach to tab", "target_id", info.TargetID, "error", err)
		return
	}
	if !h.reg.setSession(info.TargetID, res.SessionID) {
		return
	}

	sessionID := string(res.SessionID)
	steps := []struct {
		method string
		params any
	}{
		{"Page.enable", nil},
		{"Runtime.enable", nil},
		{"Runtime.addBinding", struct {
			Name string `json:"name"`
		}{Name: focusBinding}},
		{"Page.addScriptToEvaluateOnNewDocument", struct {
			Source string `json:"source"`
		}{Source: focusScript}},
	}
	for _, s := range steps {
		if err := r.call(ctx, sessionID, s.method, s.params, nil); err != nil {
			slog.Warn("tab setup failed", "target_id", info.TargetID, "method", s.method, "error", err)
			return
		}
	}
	if _, err := r.evaluate(ctx, sessionID, focusScript); err != nil {
		slog.Debug("focus probe install failed", "target_id", info.TargetID, "error", err)
	}
	slog.Info("attached to tab", "target_id", info.TargetID, "url", types.ShortURL(info.URL))
}

func (h *Host) emitUpdated(ctx context.Context, r *rawCDP, id target.ID, change types.ChangeInfo) {
	qctx, cancel := context.WithTimeout(ctx, commandTimeout)
	tab, err := h.tabFor(qctx, r, id)
	cancel()
	if err != nil {
		slog.Debug("tab lookup after load failed", "target_id", id, "error", err)
		return
	}
	h.emit(ctx, types.TabEvent{Kind: types.TabUpdated, TabID: string(id), Change: change, Tab: *tab})
}

func (h *Host) emit(ctx context.Context, ev types.TabEvent) {
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}

// ActiveTab returns the visible page that has input focus, falling back to
// the most recently focused visible page. It returns nil when no page is
// visible.
func (h *Host) ActiveTab(ctx context.Context) (*types.Tab, error) {
	r := h.client()
	if r == nil {
		return nil, ErrCDPUnavailable
	}

	var fallback *pageState
	for _, p := range h.reg.candidates() {
		vis, err := h.probe(ctx, r, p.sessionID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		if !vis.Visible {
			continue
		}
		if vis.Focused {
			return h.tabFor(ctx, r, p.info.TargetID)
		}
		if fallback == nil {
			p := p
			fallback = &p
		}
	}
	if fallback == nil {
		return nil, nil
	}
	return h.tabFor(ctx, r, fallback.info.TargetID)
}

// GetTab returns the page with the given target id.
func (h *Host) GetTab(ctx context.Context, id string) (*types.Tab, error) {
	r := h.client()
	if r == nil {
		return nil, ErrCDPUnavailable
	}
	return h.tabFor(ctx, r, target.ID(id))
}

func (h *Host) tabFor(ctx context.Context, r *rawCDP, id target.ID) (*types.Tab, error) {
	var res struct {
		TargetInfo target.Info `json:"targetInfo"`
	}
	err := r.call(ctx, "", "Target.getTargetInfo", struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: id}, &res)
	if err != nil {
		var coded *CodedError
		if errors.As(err, &coded) && coded.Code == CodeProtocol {
			return nil, newError(CodeTabNotFound, "no tab with id "+string(id), err)
		}
		return nil, err
	}

	p, _ := h.reg.get(id)
	tab := &types.Tab{
		ID:     string(id),
		URL:    res.TargetInfo.URL,
		Title:  res.TargetInfo.Title,
		Status: p.status,
	}
	if p.sessionID != "" {
		if vis, err := h.probe(ctx, r, p.sessionID); err == nil {
			tab.Active = vis.Visible
		}
	}

	var win struct {
		WindowID int `json:"windowId"`
	}
	if err := r.call(ctx, "", "Browser.getWindowForTarget", struct {
		TargetID target.ID `json:"targetId"`
	}{TargetID: id}, &win); err == nil {
		tab.WindowID = win.WindowID
	}
	return tab, nil
}

func (h *Host) probe(ctx context.Context, r *rawCDP, sessionID target.SessionID) (visibility, error) {
	raw, err := r.evaluate(ctx, string(sessionID), probeScript)
	if err != nil {
		return visibility{}, err
	}
	var v visibility
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return visibility{}, newError(CodeProtocol, "decode visibility probe", err)
	}
	return v, nil
}

func (h *Host) client() *rawCDP {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.cdp
}

func (h *Host) setClient(r *rawCDP) {
	h.mu.Lock()
	h.cdp = r
	h.mu.Unlock()
}
