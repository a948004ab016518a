package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"mpy-sync/internal/retry"
	"mpy-sync/internal/syncerr"
)

const ConfigFileName = "mpy-sync.yaml"

// PortAuto is the placeholder port value meaning "let the tool pick". It is
// not actionable for operations that need a concrete serial connection.
const PortAuto = "auto"

const (
	ListStrategyTree   = "tree"
	ListStrategyScript = "script"

	FingerprintSize   = "size"
	FingerprintXXHash = "xxhash"
)

type Config struct {
	Port          string        `yaml:"port"`
	RemoteRoot    string        `yaml:"remote_root"`
	Tool          string        `yaml:"tool"`
	ToolArgs      []string      `yaml:"tool_args,omitempty"`
	AutoSuspend   bool          `yaml:"auto_suspend"`
	SettleDelayMs int           `yaml:"settle_delay_ms"`
	ListStrategy  string        `yaml:"list_strategy"`
	TreeCacheTTL  time.Duration `yaml:"tree_cache_ttl"`
	Fingerprint   string        `yaml:"fingerprint"`
	Retry         Retry         `yaml:"retry"`
	LogLevel      string        `yaml:"log_level"`
}

type Retry struct {
	Attempts    int           `yaml:"attempts"`
	InitialWait time.Duration `yaml:"initial_wait"`
	MaxWait     time.Duration `yaml:"max_wait"`
}

// Default returns the configuration used when mpy-sync.yaml is absent; keys
// missing from the file keep these values.
func Default() Config {
	rc := retry.DefaultConfig()
	return Config{
		RemoteRoot:   "/",
		Tool:         "mpremote",
		AutoSuspend:  true,
		ListStrategy: ListStrategyTree,
		TreeCacheTTL: 30 * time.Second,
		Fingerprint:  FingerprintSize,
		Retry: Retry{
			Attempts:    rc.MaxAttempts,
			InitialWait: rc.InitialWait,
			MaxWait:     rc.MaxWait,
		},
		LogLevel: "info",
	}
}

// RetryConfig converts the yaml retry block into a retry.Config.
func (c *Config) RetryConfig() retry.Config {
	rc := retry.DefaultConfig()
	if c.Retry.Attempts > 0 {
		rc.MaxAttempts = c.Retry.Attempts
	}
	if c.Retry.InitialWait > 0 {
		rc.InitialWait = c.Retry.InitialWait
	}
	if c.Retry.MaxWait > 0 {
		rc.MaxWait = c.Retry.MaxWait
	}
	return rc
}

// SettleDelay is the pause inserted before each queued device operation.
func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.SettleDelayMs) * time.Millisecond
}

// RequirePort returns the concrete serial port or a ConfigurationError when
// none is selected.
func (c *Config) RequirePort() (string, error) {
	p := strings.TrimSpace(c.Port)
	if p == "" {
		return "", syncerr.NewConfigurationError("port", "no serial port selected")
	}
	if strings.EqualFold(p, PortAuto) {
		return "", syncerr.NewConfigurationError("port", `"auto" is not a concrete serial port; select one with 'mpy-sync ports --select'`)
	}
	return p, nil
}

// NormalizeRemoteRoot returns an absolute posix path without a trailing slash
// ("/" stays "/").
func NormalizeRemoteRoot(root string) string {
	root = strings.TrimSpace(strings.ReplaceAll(root, "\\", "/"))
	if root == "" {
		return "/"
	}
	if !strings.HasPrefix(root, "/") {
		root = "/" + root
	}
	return path.Clean(root)
}

// ValidateConfig validates the configuration and reports every problem at once.
func ValidateConfig(cfg *Config) error {
	var validationErrors []string

	if strings.TrimSpace(cfg.Tool) == "" {
		validationErrors = append(validationErrors, "tool cannot be empty")
	}

	if strings.Contains(cfg.RemoteRoot, "..") {
		validationErrors = append(validationErrors, "remote_root must not contain '..'")
	}

	switch cfg.ListStrategy {
	case ListStrategyTree, ListStrategyScript:
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("list_strategy must be %q or %q, got %q", ListStrategyTree, ListStrategyScript, cfg.ListStrategy))
	}

	switch cfg.Fingerprint {
	case FingerprintSize, FingerprintXXHash:
	default:
		validationErrors = append(validationErrors, fmt.Sprintf("fingerprint must be %q or %q, got %q", FingerprintSize, FingerprintXXHash, cfg.Fingerprint))
	}

	if cfg.SettleDelayMs < 0 {
		validationErrors = append(validationErrors, "settle_delay_ms cannot be negative")
	}

	if cfg.TreeCacheTTL < 0 {
		validationErrors = append(validationErrors, "tree_cache_ttl cannot be negative")
	}

	if cfg.Retry.Attempts < 0 {
		validationErrors = append(validationErrors, "retry.attempts cannot be negative")
	}

	if len(validationErrors) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(validationErrors, "\n"))
	}

	return nil
}

// Load reads mpy-sync.yaml from the workspace root, expands ${VAR}
// references (OS environment first, then the workspace .env file) and
// validates the result. A missing file yields the defaults.
func Load(root string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filepath.Join(root, ConfigFileName))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	dotenv := loadDotEnv(filepath.Join(root, ".env"))
	expanded := os.Expand(string(data), func(key string) string {
		if v, ok := os.LookupEnv(key); ok {
			return v
		}
		return dotenv[key]
	})

	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	cfg.RemoteRoot = NormalizeRemoteRoot(cfg.RemoteRoot)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes cfg to mpy-sync.yaml in root.
func Save(root string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error generating config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, ConfigFileName), data, 0644); err != nil {
		return fmt.Errorf("error writing %s: %w", ConfigFileName, err)
	}
	return nil
}

// loadDotEnv parses KEY=VALUE lines; a missing or unreadable file is empty.
func loadDotEnv(p string) map[string]string {
	out := map[string]string{}
	f, err := os.Open(p)
	if err != nil {
		return out
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		line = strings.TrimPrefix(line, "export ")
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		v = strings.TrimSpace(v)
		v = strings.Trim(v, `"'`)
		out[strings.TrimSpace(k)] = v
	}
	return out
}

func ConfigExists(root string) bool {
	_, err := os.Stat(filepath.Join(root, ConfigFileName))
	return !os.IsNotExist(err)
}

func GetConfigPath(root string) string {
	return filepath.Join(root, ConfigFileName)
}
