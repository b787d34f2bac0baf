package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dgnsrekt/babel_bridge/internal/api"
	"github.com/dgnsrekt/babel_bridge/internal/bridge"
	"github.com/dgnsrekt/babel_bridge/internal/browser"
	"github.com/dgnsrekt/babel_bridge/internal/cdphost"
	"github.com/dgnsrekt/babel_bridge/internal/classify"
	"github.com/dgnsrekt/babel_bridge/internal/config"
	"github.com/dgnsrekt/babel_bridge/internal/netutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// statusService joins the agent, rule set and host for the status API.
type statusService struct {
	agent *bridge.Agent
	rules *classify.Set
	host  *cdphost.Host
}

func (s statusService) Status() bridge.Status      { return s.agent.Status() }
func (s statusService) Rules() classify.Rules      { return s.rules.Rules() }
func (s statusService) Classify(url string) string { return s.rules.Classify(url) }
func (s statusService) TabCount() int              { return s.host.TabCount() }

func main() {
	cfg, err := config.LoadBridge()
	if err != nil {
		slog.Error("failed to load bridge config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	slog.Info("bridge config loaded",
		"cdp_url", cfg.CDPURL(),
		"companion_url", bridge.CompanionURL,
		"rules_file", cfg.RulesFile,
		"status_addr", cfg.StatusAddr,
		"status_auto_fallback", cfg.StatusAutoFallback,
		"launch_browser", cfg.LaunchBrowser,
		"log_level", cfg.LogLevel,
		"log_file", cfg.LogFile,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var launcher *browser.Launcher
	if cfg.LaunchBrowser {
		launcher = browser.NewLauncher(browser.Config{CDPAddress: cfg.CDPAddress, CDPPort: cfg.CDPPort})
		if err := launcher.Launch(ctx); err != nil {
			slog.Error("failed to launch browser", "error", err)
			os.Exit(1)
		}
		defer launcher.Stop()
	}

	rules := classify.NewSet(nil)
	if cfg.RulesFile != "" {
		loaded, err := classify.LoadRules(cfg.RulesFile)
		if err != nil {
			slog.Error("failed to load rules file", "path", cfg.RulesFile, "error", err)
			os.Exit(1)
		}
		rules.Replace(loaded)
		slog.Info("rules loaded", "path", cfg.RulesFile, "labels", loaded.Labels())
		go func() {
			if err := rules.Watch(ctx, cfg.RulesFile); err != nil {
				slog.Warn("rules hot reload disabled", "path", cfg.RulesFile, "error", err)
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	host := cdphost.New(cfg.CDPURL(), 0)
	go func() {
		if err := host.Run(ctx); err != nil {
			slog.Error("cdp host stopped", "error", err)
		}
	}()

	agent := bridge.New(host, rules, bridge.Options{Metrics: bridge.NewMetrics(reg)})
	agentDone := make(chan struct{})
	go func() {
		defer close(agentDone)
		if err := agent.Run(ctx); err != nil {
			slog.Error("bridge agent stopped", "error", err)
		}
	}()

	var srv *http.Server
	ln, err := netutil.Listen(cfg.StatusAddr, netutil.StatusCandidates, cfg.StatusAutoFallback)
	if err != nil {
		slog.Warn("status api disabled", "preferred", cfg.StatusAddr, "error", err)
	} else {
		srv = &http.Server{
			Handler:           api.NewServer(statusService{agent: agent, rules: rules, host: host}, reg),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			addr := ln.Addr().String()
			slog.Info("status api listening", "addr", addr, "docs", "http://"+addr+"/docs")
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("status api failed", "error", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	slog.Info("shutting down", "signal", sig.String())

	cancel()
	<-agentDone

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("status api shutdown failed", "error", err)
		}
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
