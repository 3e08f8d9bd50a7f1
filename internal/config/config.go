// Package config loads and validates agent configuration from environment
// variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ListenAddress string // e.g. "127.0.0.1:7000"
	Version       string

	// Environments
	BluePort          int    // e.g. 8081
	GreenPort         int    // e.g. 8082
	HealthURLTemplate string // e.g. "http://127.0.0.1:%d/health"

	// Migration policy
	StepPercentages []int         // ascending, ends at 100; e.g. 25,50,75,100
	SettleInterval  time.Duration // wait after each traffic shift

	// Health probes
	ProbeTimeout   time.Duration // total budget for one probe
	LatencyCeiling time.Duration // latency sub-check threshold
	LatencyGates   bool          // whether a latency failure fails the verdict

	// Health monitor
	MonitorInterval time.Duration
	HistoryCapacity int

	// Persisted state
	StateFile       string // migration state JSON
	HealthLogFile   string // capped health verdict log
	ControlFile     string // proxy active-environment directive
	DirectiveFormat string // rendering of the control-file directive
	WeightsFile     string // proxy upstream weights include

	// External proxy commands
	ValidateCommand string // "{file}" is replaced with the prospective config path
	ReloadCommand   string

	// Audit archive (disabled when bucket is empty)
	ArchiveBucket string
	ArchivePrefix string

	// General
	LogLevel string
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func parseInt(key string, defaultValue int) int {
	value, err := strconv.Atoi(getEnv(key, strconv.Itoa(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return value
}

func parseBool(key string, defaultValue bool) bool {
	value, err := strconv.ParseBool(getEnv(key, strconv.FormatBool(defaultValue)))
	if err != nil {
		return defaultValue
	}
	return value
}

func parseMillis(key string, defaultValue time.Duration) time.Duration {
	ms, err := strconv.ParseInt(getEnv(key, strconv.FormatInt(defaultValue.Milliseconds(), 10)), 10, 64)
	if err != nil {
		return defaultValue
	}
	return time.Duration(ms) * time.Millisecond
}

// parseIntList parses a comma-separated list of integers, e.g. "25,50,75,100".
// Falls back to defaultValue on any malformed element.
func parseIntList(key string, defaultValue []int) []int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return defaultValue
		}
		out = append(out, n)
	}
	return out
}

func (c *Config) Validate() error {
	if c.BluePort <= 0 || c.GreenPort <= 0 {
		return errors.New("environment ports must be > 0")
	}

	if c.BluePort == c.GreenPort {
		return errors.New("blue and green ports must differ")
	}

	if !strings.Contains(c.HealthURLTemplate, "%d") {
		return errors.New("health URL template must contain a %d port placeholder")
	}

	if len(c.StepPercentages) == 0 {
		return errors.New("step percentages must not be empty")
	}
	prev := 0
	for _, p := range c.StepPercentages {
		if p <= prev || p > 100 {
			return fmt.Errorf("step percentages must be ascending within (0,100], got %v", c.StepPercentages)
		}
		prev = p
	}
	if c.StepPercentages[len(c.StepPercentages)-1] != 100 {
		return errors.New("step percentages must end at 100")
	}

	if c.ProbeTimeout <= 0 {
		return errors.New("probe timeout must be > 0")
	}

	if c.HistoryCapacity <= 0 {
		return errors.New("history capacity must be > 0")
	}

	if c.StateFile == "" || c.HealthLogFile == "" || c.ControlFile == "" {
		return errors.New("state, health log and control file paths must not be empty")
	}

	return nil
}

// PortFor returns the configured port for an environment name.
// Environment names outside blue/green return 0.
func (c *Config) PortFor(env string) int {
	switch env {
	case "blue":
		return c.BluePort
	case "green":
		return c.GreenPort
	default:
		return 0
	}
}

// HealthURL renders the health endpoint URL for an environment name.
func (c *Config) HealthURL(env string) string {
	return fmt.Sprintf(c.HealthURLTemplate, c.PortFor(env))
}

func Load() (*Config, error) {
	cfg := &Config{
		ListenAddress: getEnv("AGENT_LISTEN", "127.0.0.1:7000"),
		Version:       getEnv("AGENT_VERSION", "dev"),

		BluePort:          parseInt("AGENT_BLUE_PORT", 8081),
		GreenPort:         parseInt("AGENT_GREEN_PORT", 8082),
		HealthURLTemplate: getEnv("AGENT_HEALTH_URL_TEMPLATE", "http://127.0.0.1:%d/health"),

		StepPercentages: parseIntList("AGENT_STEP_PERCENTAGES", []int{25, 50, 75, 100}),
		SettleInterval:  parseMillis("AGENT_SETTLE_INTERVAL_MS", 5*time.Second),

		ProbeTimeout:   parseMillis("AGENT_PROBE_TIMEOUT_MS", 3*time.Second),
		LatencyCeiling: parseMillis("AGENT_LATENCY_CEILING_MS", time.Second),
		LatencyGates:   parseBool("AGENT_LATENCY_GATES", false),

		MonitorInterval: parseMillis("AGENT_MONITOR_INTERVAL_MS", 30*time.Second),
		HistoryCapacity: parseInt("AGENT_HISTORY_CAPACITY", 100),

		StateFile:       getEnv("AGENT_STATE_FILE", "/var/lib/deploy-agent/migration-state.json"),
		HealthLogFile:   getEnv("AGENT_HEALTH_LOG_FILE", "/var/lib/deploy-agent/health-log.json"),
		ControlFile:     getEnv("AGENT_CONTROL_FILE", "/etc/nginx/conf.d/active_env.conf"),
		DirectiveFormat: getEnv("AGENT_DIRECTIVE_FORMAT", `set $active_environment "%s";`),
		WeightsFile:     getEnv("AGENT_WEIGHTS_FILE", "/etc/nginx/conf.d/upstream_weights.conf"),

		ValidateCommand: getEnv("AGENT_VALIDATE_CMD", "nginx -t"),
		ReloadCommand:   getEnv("AGENT_RELOAD_CMD", "nginx -s reload"),

		ArchiveBucket: getEnv("AGENT_ARCHIVE_BUCKET", ""),
		ArchivePrefix: getEnv("AGENT_ARCHIVE_PREFIX", "migrations"),

		LogLevel: getEnv("AGENT_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}
