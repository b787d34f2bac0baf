package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/dgnsrekt/babel_bridge/internal/bridge"
	"github.com/dgnsrekt/babel_bridge/internal/companion"
	"github.com/dgnsrekt/babel_bridge/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	cfg, err := config.LoadCompanion()
	if err != nil {
		slog.Error("failed to load companion config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		_, _ = io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n")
		os.Exit(1)
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(bridge.DefaultPort))
	broker := companion.NewBroker()
	listener := companion.NewListener(broker)
	srv := &http.Server{
		Addr:              addr,
		Handler:           companion.NewServer(listener, broker),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("companion listening", "addr", addr, "events", "http://"+addr+"/events")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("companion server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	// Hijacked sockets are not closed by Shutdown.
	_ = listener.Close()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("companion shutdown failed", "error", err)
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
