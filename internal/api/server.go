// Package api serves the bridge's local read-only status surface.
package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/dgnsrekt/babel_bridge/internal/bridge"
	"github.com/dgnsrekt/babel_bridge/internal/classify"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Service is what the status API reads from.
type Service interface {
	Status() bridge.Status
	Rules() classify.Rules
	Classify(url string) string
	TabCount() int
}

type healthOutput struct {
	Body struct {
		Status string `json:"status" example:"ok"`
		State  string `json:"state" doc:"Companion connection state"`
		Tabs   int    `json:"tabs" doc:"Browser pages currently tracked"`
	}
}

type statusOutput struct {
	Body bridge.Status
}

type rulesOutput struct {
	Body struct {
		Rules []classify.Rule `json:"rules"`
	}
}

type classifyInput struct {
	URL string `query:"url" required:"true" doc:"URL to classify"`
}

type classifyOutput struct {
	Body struct {
		URL string `json:"url"`
		App string `json:"app" doc:"App label, or null when no rule matches"`
	}
}

// NewServer builds the status API router. gatherer backs /metrics; nil uses
// the default Prometheus registry.
func NewServer(svc Service, gatherer prometheus.Gatherer) http.Handler {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := chi.NewMux()
	router.Use(middleware.RequestID)
	router.Use(requestLogger)
	router.Use(middleware.Recoverer)

	cfg := huma.DefaultConfig("Babel Bridge Status API", "1.0.0")
	cfg.DocsPath = ""
	api := humachi.New(router, cfg)

	router.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		if _, err := w.Write([]byte(docsHTML)); err != nil {
			slog.Debug("docs response write failed", "error", err)
		}
	})
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	registerHandlers(api, svc)
	return router
}

func registerHandlers(api huma.API, svc Service) {
	huma.Register(api, huma.Operation{OperationID: "health", Method: http.MethodGet, Path: "/health", Summary: "Health check", Tags: []string{"Health"}},
		func(ctx context.Context, input *struct{}) (*healthOutput, error) {
			out := &healthOutput{}
			out.Body.Status = "ok"
			out.Body.State = svc.Status().State
			out.Body.Tabs = svc.TabCount()
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "get-status", Method: http.MethodGet, Path: "/api/v1/status", Summary: "Agent connection and reporting status", Tags: []string{"Status"}},
		func(ctx context.Context, input *struct{}) (*statusOutput, error) {
			return &statusOutput{Body: svc.Status()}, nil
		})

	huma.Register(api, huma.Operation{OperationID: "list-rules", Method: http.MethodGet, Path: "/api/v1/rules", Summary: "Classification rules in priority order", Tags: []string{"Rules"}},
		func(ctx context.Context, input *struct{}) (*rulesOutput, error) {
			out := &rulesOutput{}
			out.Body.Rules = svc.Rules()
			if out.Body.Rules == nil {
				out.Body.Rules = []classify.Rule{}
			}
			return out, nil
		})

	huma.Register(api, huma.Operation{OperationID: "classify-url", Method: http.MethodGet, Path: "/api/v1/classify", Summary: "Classify a URL with the current rules", Tags: []string{"Rules"}},
		func(ctx context.Context, input *classifyInput) (*classifyOutput, error) {
			out := &classifyOutput{}
			out.Body.URL = input.URL
			out.Body.App = svc.Classify(input.URL)
			return out, nil
		})
}
