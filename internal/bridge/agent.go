// Package bridge keeps a local companion application informed of which design
// tool has focus in the browser.
//
// An Agent owns exactly one outbound WebSocket connection to the companion. All
// connection state lives on a single event-loop goroutine: dial results, read
// errors, retry timers and host tab events are funnelled into that loop, so no
// two handlers ever run concurrently. Reports are fire-and-forget and are
// dropped while the connection is not open; the post-connect active-tab check
// is what brings the companion back in sync after an outage.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgnsrekt/babel_bridge/internal/types"
)

const (
	// DefaultPort is the companion application's well-known port.
	DefaultPort = 6789
	// CompanionURL is the fixed companion endpoint.
	CompanionURL = "ws://localhost:6789"
	// RetryInterval is the constant delay between a close and the next connect.
	RetryInterval = 5 * time.Second

	defaultDialTimeout  = 10 * time.Second
	defaultQueryTimeout = 5 * time.Second
	loopBufferSize      = 32
)

// Host is the browser collaborator the agent observes.
type Host interface {
	// ActiveTab returns the active tab of the current window, or nil if none.
	ActiveTab(ctx context.Context) (*types.Tab, error)
	// GetTab returns the tab with the given id.
	GetTab(ctx context.Context, id string) (*types.Tab, error)
	// Events delivers tab-activated and tab-updated notifications.
	Events() <-chan types.TabEvent
}

// Classifier maps a URL to an app label.
type Classifier interface {
	Classify(url string) string
}

// Options tunes an Agent. Zero values select the package defaults.
type Options struct {
	CompanionURL  string
	RetryInterval time.Duration
	DialTimeout   time.Duration
	QueryTimeout  time.Duration
	Metrics       *Metrics
}

// Agent is the long-lived reporter. Construct with New and start with Run.
type Agent struct {
	host       Host
	classifier Classifier
	url        string
	retryEvery time.Duration
	dialTO     time.Duration
	queryTO    time.Duration
	metrics    *Metrics
	dial       func(ctx context.Context, url string, timeout time.Duration) (*companionConn, error)

	running atomic.Bool
	loop    chan loopEvent

	// Owned by the loop goroutine.
	conn          *companionConn
	gen           uint64
	state         State
	retry         *time.Timer
	activationSeq uint64

	statusMu sync.RWMutex
	status   Status
}

// New builds an Agent reporting host tab changes classified by classifier.
func New(host Host, classifier Classifier, opts Options) *Agent {
	if opts.CompanionURL == "" {
		opts.CompanionURL = CompanionURL
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = RetryInterval
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = defaultDialTimeout
	}
	if opts.QueryTimeout <= 0 {
		opts.QueryTimeout = defaultQueryTimeout
	}
	if opts.Metrics == nil {
		opts.Metrics = NewMetrics(nil)
	}
	return &Agent{
		host:       host,
		classifier: classifier,
		url:        opts.CompanionURL,
		retryEvery: opts.RetryInterval,
		dialTO:     opts.DialTimeout,
		queryTO:    opts.QueryTimeout,
		metrics:    opts.Metrics,
		dial:       dialCompanion,
		loop:       make(chan loopEvent, loopBufferSize),
		status:     Status{State: StateDisconnected.String(), CompanionURL: opts.CompanionURL},
	}
}

// ErrAlreadyRunning is returned when Run is called on a running Agent.
var ErrAlreadyRunning = errors.New("bridge: agent already running")

// Run connects to the companion and processes events until ctx is done.
// Transport and host failures are logged and never end the loop.
func (a *Agent) Run(ctx context.Context) error {
	if !a.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer a.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	slog.Info("bridge agent starting", "companion_url", a.url, "retry_interval_ms", a.retryEvery.Milliseconds())
	a.connect(ctx)

	events := a.host.Events()
	for {
		select {
		case <-ctx.Done():
			a.shutdown()
			slog.Info("bridge agent stopped")
			return nil
		case ev, ok := <-events:
			if !ok {
				slog.Warn("host event stream closed; only reconnect checks will report")
				events = nil
				continue
			}
			a.handleTabEvent(ctx, ev)
		case le := <-a.loop:
			a.handleLoopEvent(ctx, le)
		}
	}
}

// Status returns a snapshot of the agent's connection and reporting state.
func (a *Agent) Status() Status {
	a.statusMu.RLock()
	defer a.statusMu.RUnlock()
	s := a.status
	if s.LastContext != nil {
		c := *s.LastContext
		s.LastContext = &c
	}
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		s.ConnectedAt = &t
	}
	if s.LastReportAt != nil {
		t := *s.LastReportAt
		s.LastReportAt = &t
	}
	return s
}

type loopEvent interface{ isLoopEvent() }

type connOpened struct {
	gen  uint64
	conn *companionConn
}

type connClosed struct {
	gen uint64
	err error
}

type retryFired struct{ gen uint64 }

type tabFetched struct {
	seq uint64
	id  string
	tab *types.Tab
	err error
}

func (connOpened) isLoopEvent() {}
func (connClosed) isLoopEvent() {}
func (retryFired) isLoopEvent() {}
func (tabFetched) isLoopEvent() {}

// post hands ev to the loop, or gives up once the loop has exited.
func (a *Agent) post(ctx context.Context, ev loopEvent) bool {
	select {
	case a.loop <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (a *Agent) handleLoopEvent(ctx context.Context, le loopEvent) {
	switch ev := le.(type) {
	case connOpened:
		a.onOpen(ctx, ev)
	case connClosed:
		a.onClose(ctx, ev)
	case retryFired:
		if ev.gen != a.gen {
			return
		}
		a.retry = nil
		a.connect(ctx)
	case tabFetched:
		a.onTabFetched(ev)
	}
}

// connect replaces any existing connection with a fresh dial attempt.
func (a *Agent) connect(ctx context.Context) {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.conn != nil {
		a.conn.close()
		a.conn = nil
	}

	a.gen++
	gen := a.gen
	a.setState(StateConnecting)
	a.metrics.ConnectAttempts.Inc()
	a.updateStatus(func(s *Status) { s.ConnectAttempts++ })

	go func() {
		c, err := a.dial(ctx, a.url, a.dialTO)
		if err != nil {
			a.post(ctx, connClosed{gen: gen, err: err})
			return
		}
		if !a.post(ctx, connOpened{gen: gen, conn: c}) {
			c.close()
		}
	}()
}

func (a *Agent) onOpen(ctx context.Context, ev connOpened) {
	if ev.gen != a.gen {
		ev.conn.close()
		return
	}
	a.conn = ev.conn
	a.setState(StateOpen)
	a.updateStatus(func(s *Status) {
		s.Connects++
		s.LastError = ""
		now := time.Now()
		s.ConnectedAt = &now
	})
	slog.Info("connected to companion", "companion_url", a.url)

	go func(c *companionConn, gen uint64) {
		err := c.readUntilClosed()
		a.post(ctx, connClosed{gen: gen, err: err})
	}(ev.conn, ev.gen)

	a.checkActiveTab(ctx)
}

func (a *Agent) onClose(ctx context.Context, ev connClosed) {
	if ev.gen != a.gen {
		return
	}
	wasOpen := a.state == StateOpen
	if a.conn != nil {
		a.conn.close()
		a.conn = nil
	}
	a.setState(StateDisconnected)
	a.updateStatus(func(s *Status) {
		if ev.err != nil {
			s.LastError = ev.err.Error()
		}
		if wasOpen {
			s.Disconnects++
		}
	})
	if wasOpen {
		a.metrics.Disconnects.Inc()
	}
	slog.Warn("companion disconnected, retrying", "companion_url", a.url, "was_open", wasOpen, "retry_in_ms", a.retryEvery.Milliseconds(), "error", ev.err)
	a.scheduleRetry(ctx, ev.gen)
}

// scheduleRetry arms the single pending reconnect timer.
func (a *Agent) scheduleRetry(ctx context.Context, gen uint64) {
	if a.retry != nil {
		a.retry.Stop()
	}
	a.retry = time.AfterFunc(a.retryEvery, func() {
		a.post(ctx, retryFired{gen: gen})
	})
}

func (a *Agent) shutdown() {
	if a.retry != nil {
		a.retry.Stop()
		a.retry = nil
	}
	if a.conn != nil {
		a.conn.close()
		a.conn = nil
	}
	a.gen++
	a.setState(StateDisconnected)
}

// checkActiveTab reports the current window's active tab, if it has a URL.
func (a *Agent) checkActiveTab(ctx context.Context) {
	qctx, cancel := context.WithTimeout(ctx, a.queryTO)
	defer cancel()

	tab, err := a.host.ActiveTab(qctx)
	if err != nil {
		slog.Warn("active tab query failed", "error", err)
		return
	}
	if tab == nil || tab.URL == "" {
		slog.Debug("no active tab to report")
		return
	}
	// The post-connect view supersedes activations fetched before it.
	a.activationSeq++
	a.report(a.classifier.Classify(tab.URL), tab.URL)
}

func (a *Agent) handleTabEvent(ctx context.Context, ev types.TabEvent) {
	switch ev.Kind {
	case types.TabActivated:
		a.activationSeq++
		seq := a.activationSeq
		go func() {
			qctx, cancel := context.WithTimeout(ctx, a.queryTO)
			defer cancel()
			tab, err := a.host.GetTab(qctx, ev.TabID)
			a.post(ctx, tabFetched{seq: seq, id: ev.TabID, tab: tab, err: err})
		}()
	case types.TabUpdated:
		if ev.Change.Status != types.StatusComplete || !ev.Tab.Active {
			return
		}
		// Updates may come from another window's active tab, so they leave
		// in-flight activation fetches alone.
		a.report(a.classifier.Classify(ev.Tab.URL), ev.Tab.URL)
	default:
		slog.Debug("ignoring unknown tab event", "kind", ev.Kind.String(), "tab_id", ev.TabID)
	}
}

func (a *Agent) onTabFetched(ev tabFetched) {
	if ev.err != nil {
		slog.Error("error reading tab", "tab_id", ev.id, "error", ev.err)
		return
	}
	if ev.seq != a.activationSeq {
		slog.Debug("discarding stale tab activation", "tab_id", ev.id, "seq", ev.seq, "latest_seq", a.activationSeq)
		return
	}
	if ev.tab == nil || ev.tab.URL == "" {
		return
	}
	a.report(a.classifier.Classify(ev.tab.URL), ev.tab.URL)
}

// report sends one context_change frame if the connection is open.
func (a *Agent) report(app, url string) {
	if a.state != StateOpen || a.conn == nil {
		a.metrics.ReportsDropped.Inc()
		a.updateStatus(func(s *Status) { s.ReportsDropped++ })
		slog.Debug("dropping context report while disconnected", "app", app)
		return
	}

	msg := types.NewContextChange(app, url)
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("context report marshal failed", "error", err)
		return
	}
	if err := a.conn.writeText(data); err != nil {
		slog.Error("companion socket error", "error", err)
		a.metrics.ReportsDropped.Inc()
		a.updateStatus(func(s *Status) {
			s.ReportsDropped++
			s.LastError = err.Error()
		})
		// The read loop observes the close and schedules the retry.
		a.conn.close()
		return
	}

	a.metrics.Reports.WithLabelValues(app).Inc()
	a.updateStatus(func(s *Status) {
		s.ReportsSent++
		s.LastContext = &msg
		now := time.Now()
		s.LastReportAt = &now
	})
	slog.Info("context reported", "app", app, "url", types.ShortURL(url))
}

func (a *Agent) setState(st State) {
	a.state = st
	a.metrics.State.Set(float64(st))
	a.updateStatus(func(s *Status) { s.State = st.String() })
}

func (a *Agent) updateStatus(fn func(*Status)) {
	a.statusMu.Lock()
	fn(&a.status)
	a.statusMu.Unlock()
}
