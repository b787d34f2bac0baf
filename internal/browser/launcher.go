// Package browser starts a local Chromium with remote debugging enabled.
package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"time"
)

const (
	readyTimeout = 15 * time.Second
	stopTimeout  = 5 * time.Second
)

// binaries are looked up on PATH in order.
var binaries = []string{"chromium", "chromium-browser", "google-chrome", "google-chrome-stable"}

const macChrome = "/Applications/Google Chrome.app/Contents/MacOS/Google Chrome"

var ErrNoBrowser = errors.New("browser: no chromium or chrome binary found")

// Config describes the browser the bridge observes.
type Config struct {
	CDPAddress string
	CDPPort    int
	// ProfileDir defaults to a cache directory owned by the bridge.
	ProfileDir string
}

// Launcher owns at most one browser process.
type Launcher struct {
	cfg  Config
	cmd  *exec.Cmd
	done chan struct{}
}

func NewLauncher(cfg Config) *Launcher {
	if cfg.ProfileDir == "" {
		cfg.ProfileDir = defaultProfileDir()
	}
	return &Launcher{cfg: cfg}
}

func defaultProfileDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "babel_bridge", "chromium")
	}
	return filepath.Join(os.TempDir(), "babel_bridge_chromium")
}

func (l *Launcher) addr() string {
	return net.JoinHostPort(l.cfg.CDPAddress, strconv.Itoa(l.cfg.CDPPort))
}

// IsListening reports whether something accepts TCP connections on the CDP port.
func IsListening(address string, port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(address, strconv.Itoa(port)), time.Second)
	if err != nil {
		return false
	}
	_ = conn.Close()
	return true
}

func findBinary() (string, error) {
	for _, name := range binaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	if runtime.GOOS == "darwin" {
		if _, err := os.Stat(macChrome); err == nil {
			return macChrome, nil
		}
	}
	return "", ErrNoBrowser
}

// Launch starts a browser unless one already serves the CDP port, then waits
// for its /json/version endpoint.
func (l *Launcher) Launch(ctx context.Context) error {
	if IsListening(l.cfg.CDPAddress, l.cfg.CDPPort) {
		slog.Info("cdp port already listening, not launching a browser", "cdp_addr", l.addr())
		return nil
	}

	path, err := findBinary()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.cfg.ProfileDir, 0o755); err != nil {
		return fmt.Errorf("browser: profile dir: %w", err)
	}

	cmd := exec.Command(path, l.args()...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("browser: start %s: %w", path, err)
	}
	l.cmd = cmd
	l.done = make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(l.done)
	}()
	slog.Info("browser started", "path", path, "pid", cmd.Process.Pid, "profile_dir", l.cfg.ProfileDir)

	if err := l.waitReady(ctx); err != nil {
		l.Stop()
		return err
	}
	slog.Info("cdp endpoint ready", "cdp_addr", l.addr())
	return nil
}

func (l *Launcher) args() []string {
	return []string{
		"--remote-debugging-port=" + strconv.Itoa(l.cfg.CDPPort),
		"--remote-debugging-address=" + l.cfg.CDPAddress,
		"--user-data-dir=" + l.cfg.ProfileDir,
		"--no-first-run",
		"--no-default-browser-check",
	}
}

func (l *Launcher) waitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	url := "http://" + l.addr() + "/json/version"
	client := &http.Client{Timeout: time.Second}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("browser: %w", err)
		}
		if resp, err := client.Do(req); err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("browser: cdp not ready at %s: %w", url, ctx.Err())
		case <-l.done:
			return errors.New("browser: process exited before cdp was ready")
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// Running reports whether a launched browser is still alive.
func (l *Launcher) Running() bool {
	if l.done == nil {
		return false
	}
	select {
	case <-l.done:
		return false
	default:
		return true
	}
}

// Stop interrupts a launched browser and kills it if it lingers.
func (l *Launcher) Stop() {
	if !l.Running() {
		return
	}
	_ = l.cmd.Process.Signal(os.Interrupt)
	select {
	case <-l.done:
		slog.Info("browser stopped", "pid", l.cmd.Process.Pid)
	case <-time.After(stopTimeout):
		slog.Warn("browser did not exit, killing", "pid", l.cmd.Process.Pid)
		_ = l.cmd.Process.Kill()
		<-l.done
	}
}
