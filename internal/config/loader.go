package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for poolgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension to avoid
// matching the binary itself.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file found in any standard location. Set name/type
		// without search paths so ReadInConfig returns
		// ConfigFileNotFoundError (handled gracefully by callers).
		viper.SetConfigName("poolgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: POOLGATE_SERVER_HTTP_ADDR
	viper.SetEnvPrefix("POOLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a poolgate config file with
// an explicit YAML extension (.yaml or .yml).
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".poolgate"),
		"/etc/poolgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "poolgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested config keys for environment variable support.
// Example: POOLGATE_HEALTH_PROBE_URL overrides health.probe_url
func bindNestedEnvKeys() {
	_ = viper.BindEnv("server.http_addr")
	_ = viper.BindEnv("server.log_level")

	_ = viper.BindEnv("store.driver")
	_ = viper.BindEnv("store.path")

	// Desired keys: the string forms work via env, the structured list does
	// not (arrays are config-file territory).
	_ = viper.BindEnv("keys.pairs")
	_ = viper.BindEnv("keys.ids")
	_ = viper.BindEnv("keys.default_plan")

	_ = viper.BindEnv("health.enabled")
	_ = viper.BindEnv("health.probe_url")
	_ = viper.BindEnv("health.canary")
	_ = viper.BindEnv("health.interval")
	_ = viper.BindEnv("health.probe_timeout")
	_ = viper.BindEnv("health.probe_delay")

	_ = viper.BindEnv("reconcile.debounce")

	_ = viper.BindEnv("dev_mode")
}

// LoadConfig reads the configuration file, applies environment overrides and
// defaults, and validates the result.
func LoadConfig() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found - continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()
	cfg.SetDevDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Reload re-reads the config file and returns a fresh validated Config.
// Used by the reconciler after a change notification.
func Reload() (*Config, error) {
	return LoadConfig()
}

// Watch registers onChange to run on every config file change event and
// starts the underlying file watcher. Call from the serve path after the
// initial load; the watcher stops when the process exits.
func Watch(onChange func()) {
	viper.OnConfigChange(func(fsnotify.Event) {
		onChange()
	})
	viper.WatchConfig()
}

// ConfigFileUsed returns the path to the configuration file that was loaded.
// Returns an empty string if no config file was found (env vars only mode).
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
