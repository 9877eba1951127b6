package relay

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the SDK.
type Config struct {
	APIKey       string        `yaml:"api_key"`
	APIBase      string        `yaml:"api_base"`
	LinksBase    string        `yaml:"links_base"`
	DatabasePath string        `yaml:"database_path"`
	LogLevel     string        `yaml:"log_level"`
	Offline      OfflineConfig `yaml:"offline"`
	Auth         AuthConfig    `yaml:"auth"`
}

// OfflineConfig tunes the durable delivery path.
type OfflineConfig struct {
	// Enabled routes calls through the durable queue regardless of the
	// remote offlineMode flag.
	Enabled bool `yaml:"enabled"`

	PollInterval time.Duration `yaml:"poll_interval"`
	MaxTasks     int           `yaml:"max_tasks"`

	// FailureThreshold is the number of consecutive persistence failures
	// after which scheduling falls back to the online path.
	FailureThreshold int `yaml:"failure_threshold"`

	MaxAttempts int           `yaml:"max_attempts"`
	MaxTaskAge  time.Duration `yaml:"max_task_age"`
}

// AuthConfig tunes token refresh timing.
type AuthConfig struct {
	// RefreshWindow is how long before the token's expiration the
	// proactive refresh fires.
	RefreshWindow time.Duration `yaml:"refresh_window"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		DatabasePath: "~/.config/relay/relay.db",
		LogLevel:     "info",
		Offline: OfflineConfig{
			PollInterval:     100 * time.Millisecond,
			MaxTasks:         1000,
			FailureThreshold: 5,
			MaxAttempts:      10,
			MaxTaskAge:       24 * time.Hour,
		},
		Auth: AuthConfig{
			RefreshWindow: time.Minute,
		},
	}
}

// searchPaths returns the ordered list of config file locations to try.
func searchPaths() []string {
	var paths []string

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "relay", "relay.yaml"))
	}

	paths = append(paths, "relay.yaml")

	if envPath := os.Getenv("RELAY_CONFIG"); envPath != "" {
		paths = append(paths, envPath)
	}

	return paths
}

// LoadConfig reads configuration from YAML files and environment variables.
// Files are loaded in order (each overrides the previous):
// ~/.config/relay/relay.yaml < ./relay.yaml < $RELAY_CONFIG
func LoadConfig() (*Config, error) {
	cfg := Defaults()

	for _, path := range searchPaths() {
		if err := loadConfigFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadConfigFromFile reads configuration from a specific file path.
func LoadConfigFromFile(path string) (*Config, error) {
	cfg := Defaults()

	if err := loadConfigFile(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides. Environment
// variables have higher priority than YAML config values.
func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("RELAY_API_KEY"); key != "" {
		cfg.APIKey = key
	}
}

func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from trusted config search paths
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading file: %w", err)
	}

	slog.Debug("loading config file", "path", path)

	expanded := os.ExpandEnv(string(data))

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return fmt.Errorf("parsing YAML: %w", err)
	}

	return nil
}

func validateConfig(cfg *Config) error {
	if cfg.APIKey == "" {
		return fmt.Errorf("api_key is required")
	}
	if cfg.Offline.PollInterval <= 0 {
		return fmt.Errorf("offline.poll_interval must be positive")
	}
	if cfg.Offline.MaxTasks < 1 {
		return fmt.Errorf("offline.max_tasks must be at least 1")
	}
	if cfg.Offline.MaxAttempts < 1 {
		return fmt.Errorf("offline.max_attempts must be at least 1")
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
