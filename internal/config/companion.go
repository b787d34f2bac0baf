package config

// CompanionConfig holds configuration for the reference companion listener.
type CompanionConfig struct {
	LogLevel string
	LogFile  string
}

// LoadCompanion reads companion configuration from environment variables.
// The listen address is fixed at 127.0.0.1:6789.
func LoadCompanion() (*CompanionConfig, error) {
	loadDotEnv()
	return &CompanionConfig{
		LogLevel: normalizeLevel(getEnvOrDefault("COMPANION_LOG_LEVEL", "info")),
		LogFile:  getEnvOrDefault("COMPANION_LOG_FILE", "logs/companion.log"),
	}, nil
}
