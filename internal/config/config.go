package config

import (
	"time"

	"grimm.is/egress/internal/brand"
)

// CurrentSchemaVersion defines the current schema version of the configuration.
const CurrentSchemaVersion = "1.0"

// Config is the top-level structure for the orchestrator configuration.
type Config struct {
	// Schema version for backward compatibility. Empty defaults to "1.0".
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`

	LogLevel string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON  bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	Firewall   *FirewallConfig   `hcl:"firewall,block" json:"firewall,omitempty"`
	Resolver   *ResolverConfig   `hcl:"resolver,block" json:"resolver,omitempty"`
	Modes      []ModeConfig      `hcl:"mode,block" json:"modes,omitempty"`
	API        *APIConfig        `hcl:"api,block" json:"api,omitempty"`
	Reconciler *ReconcilerConfig `hcl:"reconciler,block" json:"reconciler,omitempty"`
	Uplink     *UplinkConfig     `hcl:"uplink,block" json:"uplink,omitempty"`
	NTP        *NTPConfig        `hcl:"ntp,block" json:"ntp,omitempty"`
	Watches    []WatchConfig     `hcl:"watch,block" json:"watches,omitempty"`
	Audit      *AuditConfig      `hcl:"audit,block" json:"audit,omitempty"`

	// State directory (overrides default /var/lib/egress)
	StateDir string `hcl:"state_dir,optional" json:"state_dir,omitempty"`
}

// FirewallConfig locates the named rulesets the firewall backend swaps
// between. Each ruleset is a complete nft script applied as an atomic
// replace.
type FirewallConfig struct {
	RulesetDir     string `hcl:"ruleset_dir,optional" json:"ruleset_dir,omitempty"`
	DefaultRuleset string `hcl:"default_ruleset,optional" json:"default_ruleset,omitempty"`
}

// ResolverConfig describes the local validating resolver whose forward
// target the orchestrator rewrites on mode changes.
type ResolverConfig struct {
	// Service is the resolver's unit name (reloaded after rewrites).
	Service string `hcl:"service,optional" json:"service,omitempty"`

	// ForwardFile is the drop-in the orchestrator owns exclusively.
	ForwardFile string `hcl:"forward_file,optional" json:"forward_file,omitempty"`

	// ProbeAddr is where the resolver answers queries (host:port).
	ProbeAddr string `hcl:"probe_addr,optional" json:"probe_addr,omitempty"`

	// ProbeName is the name resolved to verify the resolver is answering.
	ProbeName string `hcl:"probe_name,optional" json:"probe_name,omitempty"`
}

// ModeConfig declares what one network mode needs. The "direct" mode is
// implicit; declaring it overrides the built-in baseline.
type ModeConfig struct {
	Name string `hcl:"name,label" json:"name"`

	// Ruleset is the nft script (relative to ruleset_dir) for this mode.
	Ruleset string `hcl:"ruleset,optional" json:"ruleset,omitempty"`

	// DNSForward is "host:port" or "recursive" for no forwarding.
	DNSForward string `hcl:"dns_forward,optional" json:"dns_forward,omitempty"`

	// DNSSEC is "strict" or "permissive".
	DNSSEC string `hcl:"dnssec,optional" json:"dnssec,omitempty"`

	RequireUp   []string `hcl:"require_up,optional" json:"require_up,omitempty"`
	RequireDown []string `hcl:"require_down,optional" json:"require_down,omitempty"`

	// WGInterface enables the WireGuard handshake probe for this mode's
	// primary service (Linux only).
	WGInterface string `hcl:"wg_interface,optional" json:"wg_interface,omitempty"`
}

// APIConfig configures the local control surface.
type APIConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// ReconcilerConfig tunes the drift-repair loop.
type ReconcilerConfig struct {
	Interval   string `hcl:"interval,optional" json:"interval,omitempty"`
	MaxRepairs int    `hcl:"max_repairs,optional" json:"max_repairs,omitempty"`
}

// UplinkConfig names the upstream gateway probed for reachability.
type UplinkConfig struct {
	MonitorIP string `hcl:"monitor_ip,optional" json:"monitor_ip,omitempty"`
}

// NTPConfig configures the clock-drift health check.
type NTPConfig struct {
	Server   string `hcl:"server,optional" json:"server,omitempty"`
	MaxDrift string `hcl:"max_drift,optional" json:"max_drift,omitempty"`
}

// WatchConfig maps a link-state event on an interface to a mode request.
// This replaces the NetworkManager dispatcher hooks of the shell-script era.
type WatchConfig struct {
	Interface string `hcl:"interface,label" json:"interface"`
	OnUp      string `hcl:"on_up,optional" json:"on_up,omitempty"`
	OnDown    string `hcl:"on_down,optional" json:"on_down,omitempty"`
}

// AuditConfig configures the persistent transition history.
type AuditConfig struct {
	DBPath        string `hcl:"db_path,optional" json:"db_path,omitempty"`
	RetentionDays int    `hcl:"retention_days,optional" json:"retention_days,omitempty"`
}

// Default values applied by ApplyDefaults.
const (
	DefaultAPIListen          = "127.0.0.1:8372"
	DefaultRulesetDir         = "/etc/egress/rulesets"
	DefaultDefaultRuleset     = "direct.nft"
	DefaultResolverService    = "unbound"
	DefaultForwardFile        = "/etc/unbound/unbound.conf.d/egress-forward.conf"
	DefaultResolverProbeAddr  = "127.0.0.1:53"
	DefaultResolverProbeName  = "grimm.is."
	DefaultReconcilerInterval = 30 * time.Second
	DefaultMaxRepairs         = 3
	DefaultNTPMaxDrift        = 5 * time.Second
	DefaultAuditRetentionDays = 30
)

// ApplyDefaults fills unset fields in place so downstream components never
// see empty knobs.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.StateDir == "" {
		c.StateDir = brand.GetStateDir()
	}
	if c.Firewall == nil {
		c.Firewall = &FirewallConfig{}
	}
	if c.Firewall.RulesetDir == "" {
		c.Firewall.RulesetDir = DefaultRulesetDir
	}
	if c.Firewall.DefaultRuleset == "" {
		c.Firewall.DefaultRuleset = DefaultDefaultRuleset
	}
	if c.Resolver == nil {
		c.Resolver = &ResolverConfig{}
	}
	if c.Resolver.Service == "" {
		c.Resolver.Service = DefaultResolverService
	}
	if c.Resolver.ForwardFile == "" {
		c.Resolver.ForwardFile = DefaultForwardFile
	}
	if c.Resolver.ProbeAddr == "" {
		c.Resolver.ProbeAddr = DefaultResolverProbeAddr
	}
	if c.Resolver.ProbeName == "" {
		c.Resolver.ProbeName = DefaultResolverProbeName
	}
	if c.API == nil {
		c.API = &APIConfig{}
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if c.Reconciler == nil {
		c.Reconciler = &ReconcilerConfig{}
	}
	if c.Reconciler.MaxRepairs == 0 {
		c.Reconciler.MaxRepairs = DefaultMaxRepairs
	}
}

// ReconcilerInterval returns the parsed reconciler interval.
func (c *Config) ReconcilerInterval() time.Duration {
	if c.Reconciler == nil || c.Reconciler.Interval == "" {
		return DefaultReconcilerInterval
	}
	d, err := time.ParseDuration(c.Reconciler.Interval)
	if err != nil || d <= 0 {
		return DefaultReconcilerInterval
	}
	return d
}

// NTPMaxDrift returns the parsed clock-drift tolerance.
func (c *Config) NTPMaxDrift() time.Duration {
	if c.NTP == nil || c.NTP.MaxDrift == "" {
		return DefaultNTPMaxDrift
	}
	d, err := time.ParseDuration(c.NTP.MaxDrift)
	if err != nil || d <= 0 {
		return DefaultNTPMaxDrift
	}
	return d
}

// ModeByName returns the mode block with the given name, or nil.
func (c *Config) ModeByName(name string) *ModeConfig {
	for i := range c.Modes {
		if c.Modes[i].Name == name {
			return &c.Modes[i]
		}
	}
	return nil
}
