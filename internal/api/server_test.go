package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/dgnsrekt/babel_bridge/internal/bridge"
	"github.com/dgnsrekt/babel_bridge/internal/classify"
	"github.com/dgnsrekt/babel_bridge/internal/types"
	"github.com/prometheus/client_golang/prometheus"
)

type stubService struct {
	status bridge.Status
	set    *classify.Set
}

func (s *stubService) Status() bridge.Status      { return s.status }
func (s *stubService) Rules() classify.Rules      { return s.set.Rules() }
func (s *stubService) Classify(url string) string { return s.set.Classify(url) }
func (s *stubService) TabCount() int              { return 3 }

func newTestServer(t *testing.T) (http.Handler, *prometheus.Registry) {
	t.Helper()
	last := types.NewContextChange("figma", "https://www.figma.com/file/abc")
	svc := &stubService{
		status: bridge.Status{State: "open", CompanionURL: bridge.CompanionURL, LastContext: &last, ReportsSent: 4},
		set:    classify.NewSet(nil),
	}
	reg := prometheus.NewRegistry()
	bridge.NewMetrics(reg)
	return NewServer(svc, reg), reg
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	h, _ := newTestServer(t)
	w := get(t, h, "/health")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	var body struct {
		Status string `json:"status"`
		State  string `json:"state"`
		Tabs   int    `json:"tabs"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "ok" || body.State != "open" || body.Tabs != 3 {
		t.Fatalf("body = %+v; want ok/open/3", body)
	}
}

func TestStatus(t *testing.T) {
	h, _ := newTestServer(t)
	w := get(t, h, "/api/v1/status")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if strings.Contains(w.Body.String(), "connected_at") || strings.Contains(w.Body.String(), "last_report_at") {
		t.Fatalf("body = %s; want unset times omitted", w.Body.String())
	}
	var body bridge.Status
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.State != "open" || body.ReportsSent != 4 {
		t.Fatalf("body = %+v; want open with 4 reports", body)
	}
	if body.LastContext == nil || body.LastContext.App != "figma" || body.LastContext.Event != types.EventContextChange {
		t.Fatalf("last_context = %+v; want figma context_change", body.LastContext)
	}
}

func TestRulesAndClassify(t *testing.T) {
	h, _ := newTestServer(t)

	w := get(t, h, "/api/v1/rules")
	if w.Code != http.StatusOK {
		t.Fatalf("rules status = %d, want %d", w.Code, http.StatusOK)
	}
	var rules struct {
		Rules []classify.Rule `json:"rules"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &rules); err != nil {
		t.Fatalf("decode rules: %v", err)
	}
	if len(rules.Rules) != 2 || rules.Rules[0].Label != classify.LabelFigma {
		t.Fatalf("rules = %+v; want built-in figma, photoshop", rules.Rules)
	}

	w = get(t, h, "/api/v1/classify?url=https://photoshop.adobe.com/id/1")
	if w.Code != http.StatusOK {
		t.Fatalf("classify status = %d, want %d", w.Code, http.StatusOK)
	}
	var out struct {
		App string `json:"app"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode classify: %v", err)
	}
	if out.App != classify.LabelPhotoshop {
		t.Fatalf("app = %q; want photoshop", out.App)
	}

	if w := get(t, h, "/api/v1/classify"); w.Code < 400 || w.Code >= 500 {
		t.Fatalf("classify without url status = %d; want 4xx", w.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	h, _ := newTestServer(t)
	w := get(t, h, "/metrics")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), "babel_bridge_connect_attempts_total") {
		t.Fatalf("metrics body missing babel_bridge_connect_attempts_total")
	}
}

func TestDocsDarkMode(t *testing.T) {
	h, _ := newTestServer(t)
	w := get(t, h, "/docs")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if !strings.Contains(w.Body.String(), `data-theme="dark"`) {
		t.Fatalf("docs missing dark theme marker")
	}
}
