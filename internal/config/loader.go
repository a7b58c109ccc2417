// Package config provides configuration loading for the aimguard gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for aimguard.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to
// avoid matching the binary itself, which Viper's built-in SetConfigName
// would otherwise match (same base name, no extension).
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		viper.SetConfigName("aimguard")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: AIMGUARD_SERVER_HTTP_ADDR, etc.
	viper.SetEnvPrefix("AIMGUARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for an aimguard config file
// with an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".aimguard"),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, "aimguard"))
		}
	} else {
		paths = append(paths, "/etc/aimguard")
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths searches the given directories for aimguard.yaml or .yml.
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "aimguard"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the config keys most commonly overridden via
// environment variables in container deployments. Array-valued keys
// (checkers, use_cases) are left to the config file.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")
	_ = viper.BindEnv("server.shutdown_timeout")

	_ = viper.BindEnv("upstream.base_url")
	_ = viper.BindEnv("upstream.timeout")
	_ = viper.BindEnv("upstream.retry_backoff")

	_ = viper.BindEnv("guardrails.default_action")

	_ = viper.BindEnv("rate_limit_store.backend")
	_ = viper.BindEnv("rate_limit_store.sqlite_path")
	_ = viper.BindEnv("rate_limit_store.redis_addr")
	_ = viper.BindEnv("rate_limit_store.redis_db")
	_ = viper.BindEnv("rate_limit_store.cleanup_interval")

	_ = viper.BindEnv("audit.output")
	_ = viper.BindEnv("audit.channel_size")
	_ = viper.BindEnv("audit.flush_interval")

	_ = viper.BindEnv("telemetry.metrics_enabled")
	_ = viper.BindEnv("telemetry.tracing_enabled")
	_ = viper.BindEnv("telemetry.otlp_endpoint")

	_ = viper.BindEnv("dev_mode")
	_ = viper.BindEnv("default_use_case")
	_ = viper.BindEnv("policy_snapshot_path")
	_ = viper.BindEnv("server.max_in_flight")
}

// ApplyLegacyEnv maps the unprefixed environment variables recognized for
// drop-in compatibility (POLICY_PATH, ENABLE_METRICS, HTTP_PORT,
// METRICS_PORT, UPSTREAM_URL, MAX_IN_FLIGHT, DEFAULT_USE_CASE) onto the
// config. Unknown variables are ignored. AIMGUARD_-prefixed variables take
// precedence because viper applies them at unmarshal time, before this.
func ApplyLegacyEnv(cfg *AppConfig) {
	if v := os.Getenv("POLICY_PATH"); v != "" && !viper.IsSet("policy_snapshot_path") {
		cfg.PolicySnapshotPath = v
	}
	if v := os.Getenv("ENABLE_METRICS"); v != "" && !viper.IsSet("telemetry.metrics_enabled") {
		cfg.Telemetry.MetricsEnabled = v == "1" || strings.EqualFold(v, "true")
	}
	if v := os.Getenv("HTTP_PORT"); v != "" && !viper.IsSet("server.http_addr") {
		cfg.Server.HTTPAddr = "0.0.0.0:" + v
	}
	if v := os.Getenv("UPSTREAM_URL"); v != "" && !viper.IsSet("upstream.base_url") {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("MAX_IN_FLIGHT"); v != "" && !viper.IsSet("server.max_in_flight") {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.MaxInFlight = n
		}
	}
	if v := os.Getenv("DEFAULT_USE_CASE"); v != "" && !viper.IsSet("default_use_case") {
		cfg.DefaultUseCase = v
	}
	// METRICS_PORT is recognized but the metrics route shares the main
	// listener; a distinct port would need a second server.
}

// LoadConfig reads the configuration file, applies environment overrides,
// sets defaults, and returns the validated AppConfig.
func LoadConfig() (*AppConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyLegacyEnv(&cfg)
	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// LoadConfigRaw reads the configuration file and applies defaults, but does
// NOT apply dev defaults or validate. Use when CLI flags may override
// DevMode before validation (the --dev flag pattern).
func LoadConfigRaw() (*AppConfig, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg AppConfig
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ApplyLegacyEnv(&cfg)
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the path to the configuration file that was
// loaded, or "" if none was found (env-vars-only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
