// Package config provides configuration loading for poolgate.
package config

import (
	"strings"
	"time"

	"github.com/poolgate/poolgate/internal/domain/pool"
)

// Config is the top-level configuration for poolgate.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Store configures the durable key store backend.
	Store StoreConfig `yaml:"store" mapstructure:"store"`

	// Pool configures plan limits. Missing plans fall back to built-ins.
	Pool PoolConfig `yaml:"pool" mapstructure:"pool"`

	// Keys is the declarative desired membership of the pool.
	Keys KeysConfig `yaml:"keys" mapstructure:"keys"`

	// Health configures the periodic upstream validation of pool keys.
	Health HealthConfig `yaml:"health" mapstructure:"health"`

	// Reconcile configures the config-change reconciliation trigger.
	Reconcile ReconcileConfig `yaml:"reconcile" mapstructure:"reconcile"`

	// DevMode enables development features (memory store, debug logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on.
	// Defaults to "127.0.0.1:8080" (localhost only) if empty.
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostname_port"`

	// LogLevel sets the minimum log level: "debug", "info", "warn", "error".
	// Defaults to "info". DevMode=true overrides to "debug".
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`
}

// StoreConfig configures the key store backend.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" (durable) or "memory" (dev/tests).
	Driver string `yaml:"driver" mapstructure:"driver" validate:"omitempty,oneof=sqlite memory"`

	// Path is the sqlite database path. Defaults to "./poolgate.db".
	Path string `yaml:"path" mapstructure:"path"`
}

// PoolConfig overrides plan limits.
type PoolConfig struct {
	// Plans maps a plan name to its limit policy.
	Plans map[string]PlanLimitConfig `yaml:"plans" mapstructure:"plans" validate:"omitempty,dive,keys,plan,endkeys"`
}

// PlanLimitConfig is the config form of one plan policy.
type PlanLimitConfig struct {
	// MaxRequests is the number of reservations allowed per window.
	MaxRequests int `yaml:"max_requests" mapstructure:"max_requests" validate:"required,min=1"`

	// Window is the window duration (e.g. "24h", "1h").
	Window string `yaml:"window" mapstructure:"window" validate:"required"`
}

// KeysConfig is the declarative desired state of the pool, in three accepted
// forms. Precedence: List > Pairs > IDs; the first non-empty form wins.
type KeysConfig struct {
	// List is the structured form: explicit {id, plan} entries.
	List []KeyEntry `yaml:"list" mapstructure:"list" validate:"omitempty,dive"`

	// Pairs is the delimited form: "id:plan,id:plan".
	Pairs string `yaml:"pairs" mapstructure:"pairs"`

	// IDs is the bare form: "id,id", each assigned DefaultPlan.
	IDs string `yaml:"ids" mapstructure:"ids"`

	// DefaultPlan is the plan assigned to bare ids. Defaults to "pro".
	DefaultPlan string `yaml:"default_plan" mapstructure:"default_plan" validate:"omitempty,plan"`
}

// KeyEntry is one structured desired-state entry.
type KeyEntry struct {
	ID   string `yaml:"id" mapstructure:"id" validate:"required"`
	Plan string `yaml:"plan" mapstructure:"plan" validate:"required,plan"`
}

// HealthConfig configures the upstream key validation job.
type HealthConfig struct {
	// Enabled controls whether validation cycles run. Default: true.
	Enabled *bool `yaml:"enabled" mapstructure:"enabled"`

	// ProbeURL is the upstream validation endpoint.
	ProbeURL string `yaml:"probe_url" mapstructure:"probe_url" validate:"omitempty,url"`

	// Canary is the fixed test recipient sent with every probe.
	Canary string `yaml:"canary" mapstructure:"canary"`

	// Interval is the time between validation cycles (e.g. "24h").
	Interval string `yaml:"interval" mapstructure:"interval"`

	// ProbeTimeout bounds a single probe call (e.g. "10s").
	ProbeTimeout string `yaml:"probe_timeout" mapstructure:"probe_timeout"`

	// ProbeDelay is the pacing delay between probes within a cycle.
	ProbeDelay string `yaml:"probe_delay" mapstructure:"probe_delay"`
}

// IntervalDuration returns the parsed validation interval.
func (h HealthConfig) IntervalDuration() time.Duration {
	return parseDurationOr(h.Interval, 24*time.Hour)
}

// ProbeTimeoutDuration returns the parsed per-probe timeout.
func (h HealthConfig) ProbeTimeoutDuration() time.Duration {
	return parseDurationOr(h.ProbeTimeout, 10*time.Second)
}

// ProbeDelayDuration returns the parsed probe pacing delay.
func (h HealthConfig) ProbeDelayDuration() time.Duration {
	return parseDurationOr(h.ProbeDelay, 2*time.Second)
}

// ReconcileConfig configures reconciliation triggering.
type ReconcileConfig struct {
	// Debounce is the coalescing delay for config-change events (e.g. "250ms").
	Debounce string `yaml:"debounce" mapstructure:"debounce"`
}

// DebounceDuration returns the parsed debounce delay.
func (r ReconcileConfig) DebounceDuration() time.Duration {
	return parseDurationOr(r.Debounce, 250*time.Millisecond)
}

// parseDurationOr parses s, falling back when s is empty or invalid.
// Validation rejects bad values earlier; the fallback guards direct struct use.
func parseDurationOr(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// KeySpec is one normalized desired-state entry.
type KeySpec struct {
	ID   string
	Plan pool.Plan
}

// SetDefaults applies default values for optional fields.
func (c *Config) SetDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Store.Driver == "" {
		c.Store.Driver = "sqlite"
	}
	if c.Store.Path == "" {
		c.Store.Path = "./poolgate.db"
	}
	if c.Keys.DefaultPlan == "" {
		c.Keys.DefaultPlan = string(pool.PlanPro)
	}
	if c.Health.Enabled == nil {
		enabled := true
		c.Health.Enabled = &enabled
	}
	if c.Health.Canary == "" {
		c.Health.Canary = "probe@poolgate.invalid"
	}
	if c.Health.Interval == "" {
		c.Health.Interval = "24h"
	}
	if c.Health.ProbeTimeout == "" {
		c.Health.ProbeTimeout = "10s"
	}
	if c.Health.ProbeDelay == "" {
		c.Health.ProbeDelay = "2s"
	}
	if c.Reconcile.Debounce == "" {
		c.Reconcile.Debounce = "250ms"
	}
}

// SetDevDefaults applies permissive defaults when DevMode is enabled:
// memory store and debug logging.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
	if c.Store.Driver == "sqlite" && c.Store.Path == "./poolgate.db" {
		c.Store.Driver = "memory"
	}
}

// PlanLimits returns the effective plan policy mapping: built-in defaults
// overlaid with any configured overrides.
func (c *Config) PlanLimits() map[pool.Plan]pool.PlanLimit {
	limits := pool.DefaultPlanLimits()
	for name, pl := range c.Pool.Plans {
		window, err := time.ParseDuration(pl.Window)
		if err != nil || window <= 0 {
			continue // validated earlier; guard against direct struct use
		}
		limits[pool.Plan(name)] = pool.PlanLimit{
			MaxRequests: pl.MaxRequests,
			Window:      window,
			WindowMs:    window.Milliseconds(),
		}
	}
	return limits
}

// DesiredKeys normalizes the declarative keys section into KeySpecs.
//
// The three accepted forms are tried in precedence order (List > Pairs > IDs);
// the first non-empty form wins. Malformed entries within the winning form are
// skipped and reported in the returned warnings; a fully malformed section
// degrades to an empty desired state rather than an error.
func (c *Config) DesiredKeys() ([]KeySpec, []string) {
	for _, parse := range []func() ([]KeySpec, []string, bool){
		c.parseStructuredKeys,
		c.parsePairKeys,
		c.parseBareKeys,
	} {
		if specs, warnings, ok := parse(); ok {
			return specs, warnings
		}
	}
	return nil, nil
}

func (c *Config) parseStructuredKeys() ([]KeySpec, []string, bool) {
	if len(c.Keys.List) == 0 {
		return nil, nil, false
	}
	var specs []KeySpec
	var warnings []string
	for _, entry := range c.Keys.List {
		id := strings.TrimSpace(entry.ID)
		plan := pool.Plan(strings.TrimSpace(entry.Plan))
		if id == "" || !plan.IsValid() {
			warnings = append(warnings, "keys.list: skipping entry with missing id or unknown plan")
			continue
		}
		specs = append(specs, KeySpec{ID: id, Plan: plan})
	}
	return specs, warnings, true
}

func (c *Config) parsePairKeys() ([]KeySpec, []string, bool) {
	raw := strings.TrimSpace(c.Keys.Pairs)
	if raw == "" {
		return nil, nil, false
	}
	var specs []KeySpec
	var warnings []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, planStr, found := strings.Cut(part, ":")
		id = strings.TrimSpace(id)
		plan := pool.Plan(strings.TrimSpace(planStr))
		if !found || id == "" || !plan.IsValid() {
			warnings = append(warnings, "keys.pairs: skipping malformed entry "+pool.Fingerprint(part))
			continue
		}
		specs = append(specs, KeySpec{ID: id, Plan: plan})
	}
	return specs, warnings, true
}

func (c *Config) parseBareKeys() ([]KeySpec, []string, bool) {
	raw := strings.TrimSpace(c.Keys.IDs)
	if raw == "" {
		return nil, nil, false
	}
	plan := pool.Plan(c.Keys.DefaultPlan)
	var specs []KeySpec
	for _, part := range strings.Split(raw, ",") {
		id := strings.TrimSpace(part)
		if id == "" {
			continue
		}
		specs = append(specs, KeySpec{ID: id, Plan: plan})
	}
	return specs, nil, true
}

// HealthEnabled reports whether validation cycles should run.
func (c *Config) HealthEnabled() bool {
	return c.Health.Enabled == nil || *c.Health.Enabled
}
