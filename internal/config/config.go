package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the capture daemon's configuration.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Local browser launch
	LaunchBrowser     bool
	BrowserProfileDir string
	BrowserHeadless   bool
	BrowserBinary     string

	// HTTP API
	BindAddr         string
	BindAutoFallback bool
	BindCandidates   []string
	BindPortSpan     int

	// Page selection
	TabURLFilter    string
	PagesConfigPath string

	// Storage
	DataDir      string
	SettingsDB   string
	ExportsDir   string
	JournalDir   string
	JournalMaxMB int

	// Logging
	LogLevel string
	LogFile  string

	// Capture behaviour
	DefaultsFile   string
	RemuxAssets    string
	NtfyEndpoint   string
	PollIntervalMS int
	DebounceMS     int
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	dataDir := getEnvOrDefault("CAPTURE_DATA_DIR", "./capture_data")
	cfg := &Config{
		CDPAddress:        getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:           getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9220),
		LaunchBrowser:     getEnvBoolOrDefault("CAPTURE_LAUNCH_BROWSER", false),
		BrowserProfileDir: getEnvOrDefault("CAPTURE_BROWSER_PROFILE_DIR", filepath.Join(dataDir, "profile")),
		BrowserHeadless:   getEnvBoolOrDefault("CAPTURE_BROWSER_HEADLESS", false),
		BrowserBinary:     getEnvOrDefault("CAPTURE_BROWSER_BINARY", ""),
		BindAddr:          getEnvOrDefault("CAPTURE_BIND_ADDR", "127.0.0.1:8190"),
		BindAutoFallback:  getEnvBoolOrDefault("CAPTURE_BIND_AUTO_FALLBACK", true),
		BindCandidates:    getEnvListOrDefault("CAPTURE_BIND_CANDIDATES", nil),
		BindPortSpan:      getEnvIntOrDefault("CAPTURE_BIND_PORT_SPAN", 3),
		TabURLFilter:      getEnvOrDefault("CAPTURE_TAB_URL_FILTER", ""),
		PagesConfigPath:   getEnvOrDefault("CAPTURE_PAGES_CONFIG", "./config/pages.yaml"),
		DataDir:           dataDir,
		SettingsDB:        getEnvOrDefault("CAPTURE_SETTINGS_DB", filepath.Join(dataDir, "settings.db")),
		ExportsDir:        getEnvOrDefault("CAPTURE_EXPORTS_DIR", filepath.Join(dataDir, "exports")),
		JournalDir:        getEnvOrDefault("CAPTURE_JOURNAL_DIR", ""),
		JournalMaxMB:      getEnvIntOrDefault("CAPTURE_JOURNAL_MAX_MB", 100),
		LogLevel:          strings.ToLower(getEnvOrDefault("CAPTURE_LOG_LEVEL", "info")),
		LogFile:           getEnvOrDefault("CAPTURE_LOG_FILE", "logs/canvascapd.log"),
		DefaultsFile:      getEnvOrDefault("CAPTURE_DEFAULTS_FILE", "./config/defaults.yaml"),
		RemuxAssets:       getEnvOrDefault("CAPTURE_REMUX_ASSETS", ""),
		NtfyEndpoint:      getEnvOrDefault("CAPTURE_NTFY_ENDPOINT", ""),
		PollIntervalMS:    getEnvIntOrDefault("CAPTURE_POLL_INTERVAL_MS", 500),
		DebounceMS:        getEnvIntOrDefault("CAPTURE_DEBOUNCE_MS", 100),
	}
	if cfg.CDPPort <= 0 || cfg.CDPPort > 65535 {
		return nil, fmt.Errorf("config: CHROMIUM_CDP_PORT out of range: %d", cfg.CDPPort)
	}
	if cfg.BindPortSpan < 0 {
		cfg.BindPortSpan = 0
	}
	if cfg.PollIntervalMS < 50 {
		cfg.PollIntervalMS = 50
	}
	if cfg.DebounceMS < 0 {
		cfg.DebounceMS = 0
	}
	return cfg, nil
}

// CDPURL returns the browser's remote debugging HTTP endpoint.
func (c *Config) CDPURL() string {
	return "http://" + c.CDPAddress + ":" + strconv.Itoa(c.CDPPort)
}

func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

func (c *Config) Debounce() time.Duration {
	return time.Duration(c.DebounceMS) * time.Millisecond
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

// getEnvListOrDefault splits a comma separated value, dropping blanks.
func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
