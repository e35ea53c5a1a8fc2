package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	DefaultDebugPort = 9222
	DefaultTargetURL = "https://video.a2e.ai/"
)

// RunConfig holds everything one claim run needs. It is built once at startup
// and passed by value, so components never observe a change mid-run.
type RunConfig struct {
	// Browser / CDP
	DebugAddress string
	DebugPort    int
	BrowserPath  string
	ProfileDir   string
	PIDFile      string
	Headless     bool

	// Run behavior
	ForceRestart bool
	StopOnExit   bool
	TargetURL    string
	LockFile     string

	// Site coupling
	SelectorsFile string

	// Logging / alerting
	LogLevel    string
	LogFile     string
	HistoryFile string
	NotifyURL   string

	// serve mode
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool
}

// Load reads configuration from environment variables and optional .env file.
// The result is not validated; callers apply their overrides and then call
// Validate.
func Load() (RunConfig, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	profileDir := getEnvOrDefault("BONUS_PROFILE_DIR", "./chrome_user_data")
	cfg := RunConfig{
		DebugAddress:     getEnvOrDefault("BONUS_CDP_ADDRESS", "127.0.0.1"),
		DebugPort:        getEnvIntOrDefault("BONUS_CDP_PORT", DefaultDebugPort),
		BrowserPath:      os.Getenv("BONUS_BROWSER_PATH"),
		ProfileDir:       profileDir,
		PIDFile:          getEnvOrDefault("BONUS_PID_FILE", filepath.Join(profileDir, "chrome.pid")),
		Headless:         getEnvBoolOrDefault("BONUS_HEADLESS", false),
		ForceRestart:     getEnvBoolOrDefault("BONUS_FORCE_RESTART", false),
		StopOnExit:       getEnvBoolOrDefault("BONUS_STOP_CHROME_ON_EXIT", false),
		TargetURL:        getEnvOrDefault("BONUS_TARGET_URL", DefaultTargetURL),
		LockFile:         getEnvOptional("BONUS_LOCK_FILE", filepath.Join(profileDir, "bonus_agent.lock")),
		SelectorsFile:    os.Getenv("BONUS_SELECTORS_FILE"),
		LogLevel:         strings.ToLower(getEnvOrDefault("BONUS_LOG_LEVEL", "info")),
		LogFile:          getEnvOrDefault("BONUS_LOG_FILE", "logs/bonus_agent.log"),
		HistoryFile:      getEnvOptional("BONUS_HISTORY_FILE", "logs/runs.jsonl"),
		NotifyURL:        os.Getenv("BONUS_NOTIFY_URL"),
		BindAddr:         getEnvOrDefault("BONUS_BIND_ADDR", "127.0.0.1:8190"),
		PortCandidates:   getEnvListOrDefault("BONUS_BIND_CANDIDATES", []string{"127.0.0.1:8191", "127.0.0.1:8192"}),
		PortAutoFallback: getEnvBoolOrDefault("BONUS_BIND_AUTO_FALLBACK", true),
	}
	return cfg, nil
}

// Validate rejects values no run could work with.
func (c RunConfig) Validate() error {
	if c.DebugPort <= 0 || c.DebugPort > 65535 {
		return fmt.Errorf("invalid debug port %d", c.DebugPort)
	}
	if strings.TrimSpace(c.TargetURL) == "" {
		return fmt.Errorf("target url is required")
	}
	if strings.TrimSpace(c.DebugAddress) == "" {
		return fmt.Errorf("debug address is required")
	}
	return nil
}

// CDPURL returns the CDP HTTP endpoint used by the chromedp remote allocator.
func (c RunConfig) CDPURL() string {
	return "http://" + c.DebugAddress + ":" + strconv.Itoa(c.DebugPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

// getEnvOptional is getEnvOrDefault for features that can be switched off:
// a variable set to the empty string disables them.
func getEnvOptional(key, defaultVal string) string {
	if val, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(val)
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

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
