package config

import (
	"fmt"
	"strings"
)

// BridgeConfig holds configuration for the bridge agent process.
type BridgeConfig struct {
	CDPAddress string
	CDPPort    int

	// RulesFile is an optional YAML rule set. Empty means built-in rules.
	RulesFile string

	StatusAddr         string
	StatusAutoFallback bool

	// LaunchBrowser starts a local Chromium when nothing listens on the CDP port.
	LaunchBrowser bool

	LogLevel string
	LogFile  string
}

// LoadBridge reads bridge configuration from environment variables and an
// optional .env file.
func LoadBridge() (*BridgeConfig, error) {
	loadDotEnv()

	cfg := &BridgeConfig{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		RulesFile:          strings.TrimSpace(getEnvOrDefault("BRIDGE_RULES_FILE", "")),
		StatusAddr:         getEnvOrDefault("BRIDGE_STATUS_ADDR", "127.0.0.1:8790"),
		StatusAutoFallback: getEnvBoolOrDefault("BRIDGE_STATUS_AUTO_FALLBACK", true),
		LaunchBrowser:      getEnvBoolOrDefault("BRIDGE_LAUNCH_BROWSER", false),
		LogLevel:           normalizeLevel(getEnvOrDefault("BRIDGE_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("BRIDGE_LOG_FILE", "logs/babel_bridge.log"),
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("config: CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	return cfg, nil
}

// CDPURL returns the browser's CDP HTTP endpoint.
func (c *BridgeConfig) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}
