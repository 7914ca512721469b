// Package config handles configuration loading and validation for the
// filemesh master.
package config

import (
	"fmt"
	"net"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// DynamicAddress marks a roster slave whose address is looked up through DNS.
const DynamicAddress = "dynamic"

// Selection purposes.
const (
	PurposeUpload        = "upload"
	PurposeDownload      = "download"
	PurposeReplicateFrom = "replicate-from"
	PurposeReplicateTo   = "replicate-to"
)

// Purposes lists every selection purpose the master uses.
var Purposes = []string{PurposeUpload, PurposeDownload, PurposeReplicateFrom, PurposeReplicateTo}

// AdminConfig holds configuration for the admin HTTP server.
type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// TimeoutConfig bounds blocking slave calls.
type TimeoutConfig struct {
	Call      time.Duration `yaml:"call"`      // Any single slave call
	Handshake time.Duration `yaml:"handshake"` // Ping, status and listing of a connecting slave
}

// ErrorWindowConfig sets when a slave is taken offline for network errors.
type ErrorWindowConfig struct {
	MaxErrors int           `yaml:"max_errors"` // Errors tolerated inside the window
	Window    time.Duration `yaml:"window"`
}

// ConnectorConfig controls the slave connect/heartbeat loop.
type ConnectorConfig struct {
	Interval       time.Duration `yaml:"interval"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DNSConfig configures SRV lookups for dynamic slave addresses.
type DNSConfig struct {
	Server   string        `yaml:"server"` // host:port of the resolver
	Domain   string        `yaml:"domain"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// SchedulerConfig configures the replication scheduler.
type SchedulerConfig struct {
	Enabled            bool          `yaml:"enabled"`
	Interval           time.Duration `yaml:"interval"`
	MaxConcurrent      int           `yaml:"max_concurrent"`
	VerifyChecksum     bool          `yaml:"verify_checksum"`
	PollInterval       time.Duration `yaml:"poll_interval"`
	SweepInterval      time.Duration `yaml:"sweep_interval"`
	TransfersPerSecond float64       `yaml:"transfers_per_second"` // 0 = unlimited
}

// TransferConfig configures slave-to-slave transfer tickets.
type TransferConfig struct {
	TicketSecret string        `yaml:"ticket_secret"`
	TicketTTL    time.Duration `yaml:"ticket_ttl"`
}

// SnapshotConfig configures periodic tree snapshots.
type SnapshotConfig struct {
	Interval time.Duration `yaml:"interval"` // Negative disables the periodic writer
	Path     string        `yaml:"path"`
}

// RuleConfig is one scoring rule in a selection chain. Params is decoded by
// the rule's factory into its own parameter struct.
type RuleConfig struct {
	Kind   string    `yaml:"kind"`
	Params yaml.Node `yaml:"params"`
}

// RedundancyRule asks for a minimum number of copies of matching files.
type RedundancyRule struct {
	Pattern  string   `yaml:"pattern"` // path.Match pattern on the full path
	Copies   int      `yaml:"copies"`
	Slaves   []string `yaml:"slaves"` // Allowed destinations, empty = any roster slave
	Priority int      `yaml:"priority"`
}

// SlaveConfig is one roster entry.
type SlaveConfig struct {
	Name      string   `yaml:"name"`
	Address   string   `yaml:"address"` // host or "dynamic"
	Port      int      `yaml:"port"`
	AuthToken string   `yaml:"auth_token"`
	Masks     []string `yaml:"masks"` // Host masks allowed to connect as this slave
}

// Dynamic reports whether the slave's address comes from DNS.
func (s SlaveConfig) Dynamic() bool {
	return strings.EqualFold(s.Address, DynamicAddress)
}

// HostPort returns the static dial address.
func (s SlaveConfig) HostPort() string {
	return net.JoinHostPort(s.Address, fmt.Sprint(s.Port))
}

// Roster is the content of a roster file.
type Roster struct {
	Slaves []SlaveConfig `yaml:"slaves"`
}

// Config is the master configuration.
type Config struct {
	Name          string                  `yaml:"name"`
	DataDir       string                  `yaml:"data_dir"`
	LogLevel      string                  `yaml:"log_level"`
	Admin         AdminConfig             `yaml:"admin"`
	ControlSocket string                  `yaml:"control_socket"`
	Timeouts      TimeoutConfig           `yaml:"timeouts"`
	Errors        ErrorWindowConfig       `yaml:"errors"`
	Connector     ConnectorConfig         `yaml:"connector"`
	DNS           DNSConfig               `yaml:"dns"`
	Scheduler     SchedulerConfig         `yaml:"scheduler"`
	Transfer      TransferConfig          `yaml:"transfer"`
	Snapshot      SnapshotConfig          `yaml:"snapshot"`
	Selection     map[string][]RuleConfig `yaml:"selection"`
	Redundancy    []RedundancyRule        `yaml:"redundancy"`
	Slaves        []SlaveConfig           `yaml:"slaves"`
	RosterFile    string                  `yaml:"roster_file"`
}

// Load reads the configuration file, applies defaults and validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes, defaults and validates configuration bytes.
func Parse(data []byte) (*Config, error) {
	cfg := newConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied and no slaves.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// newConfig presets the boolean switches that default to on.
func newConfig() *Config {
	return &Config{
		Admin:     AdminConfig{Enabled: true},
		Scheduler: SchedulerConfig{Enabled: true},
	}
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "master"
	}
	if c.DataDir == "" {
		c.DataDir = "/var/lib/filemesh"
	}
	c.DataDir = expandHome(c.DataDir)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Admin.Listen == "" {
		c.Admin.Listen = "127.0.0.1:8480"
	}
	if c.ControlSocket == "" {
		c.ControlSocket = filepath.Join(c.DataDir, "control.sock")
	}
	c.ControlSocket = expandHome(c.ControlSocket)

	if c.Timeouts.Call == 0 {
		c.Timeouts.Call = 30 * time.Second
	}
	if c.Timeouts.Handshake == 0 {
		c.Timeouts.Handshake = 2 * time.Minute
	}
	if c.Errors.MaxErrors == 0 {
		c.Errors.MaxErrors = 5
	}
	if c.Errors.Window == 0 {
		c.Errors.Window = time.Minute
	}
	if c.Connector.Interval == 0 {
		c.Connector.Interval = 10 * time.Second
	}
	if c.Connector.InitialBackoff == 0 {
		c.Connector.InitialBackoff = time.Second
	}
	if c.Connector.MaxBackoff == 0 {
		c.Connector.MaxBackoff = 5 * time.Minute
	}
	if c.DNS.CacheTTL == 0 {
		c.DNS.CacheTTL = 5 * time.Minute
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = 5 * time.Second
	}
	if c.Scheduler.MaxConcurrent == 0 {
		c.Scheduler.MaxConcurrent = 4
	}
	if c.Scheduler.PollInterval == 0 {
		c.Scheduler.PollInterval = time.Second
	}
	if c.Scheduler.SweepInterval == 0 {
		c.Scheduler.SweepInterval = 10 * time.Minute
	}
	if c.Transfer.TicketTTL == 0 {
		c.Transfer.TicketTTL = time.Hour
	}
	if c.Snapshot.Path == "" {
		c.Snapshot.Path = filepath.Join(c.DataDir, "tree.snap")
	}
	c.Snapshot.Path = expandHome(c.Snapshot.Path)
	if c.Snapshot.Interval == 0 {
		c.Snapshot.Interval = 5 * time.Minute
	}

	if c.Selection == nil {
		c.Selection = make(map[string][]RuleConfig)
	}
	for purpose, chain := range DefaultSelection() {
		if len(c.Selection[purpose]) == 0 {
			c.Selection[purpose] = chain
		}
	}
	for i := range c.Redundancy {
		if c.Redundancy[i].Copies == 0 {
			c.Redundancy[i].Copies = 2
		}
	}
	c.RosterFile = expandHome(c.RosterFile)
}

// DefaultSelection returns the chains used for purposes the configuration
// leaves empty.
func DefaultSelection() map[string][]RuleConfig {
	chain := func(kinds ...string) []RuleConfig {
		out := make([]RuleConfig, len(kinds))
		for i, k := range kinds {
			out[i] = RuleConfig{Kind: k}
		}
		return out
	}
	return map[string][]RuleConfig{
		PurposeUpload:        chain("freespace", "maxtransfers", "errors", "cycle"),
		PurposeDownload:      chain("maxtransfers", "errors", "cycle"),
		PurposeReplicateFrom: chain("maxtransfers", "errors", "cycle"),
		PurposeReplicateTo:   chain("freespace", "maxtransfers", "errors", "cycle"),
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	if c.Admin.Enabled {
		if _, _, err := net.SplitHostPort(c.Admin.Listen); err != nil {
			return fmt.Errorf("invalid admin.listen: %w", err)
		}
	}
	if c.Timeouts.Call < 0 || c.Timeouts.Handshake < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.Errors.MaxErrors < 0 {
		return fmt.Errorf("errors.max_errors must not be negative")
	}
	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}
	if c.Scheduler.TransfersPerSecond < 0 {
		return fmt.Errorf("scheduler.transfers_per_second must not be negative")
	}
	if c.Connector.MaxBackoff < c.Connector.InitialBackoff {
		return fmt.Errorf("connector.max_backoff must not be below initial_backoff")
	}
	for purpose, chain := range c.Selection {
		if !knownPurpose(purpose) {
			return fmt.Errorf("selection: unknown purpose %q", purpose)
		}
		for i, r := range chain {
			if r.Kind == "" {
				return fmt.Errorf("selection.%s[%d]: kind is required", purpose, i)
			}
		}
	}
	for i, r := range c.Redundancy {
		if r.Pattern == "" {
			return fmt.Errorf("redundancy[%d]: pattern is required", i)
		}
		if _, err := path.Match(r.Pattern, "/"); err != nil {
			return fmt.Errorf("redundancy[%d]: invalid pattern %q: %w", i, r.Pattern, err)
		}
		if r.Copies < 1 {
			return fmt.Errorf("redundancy[%d]: copies must be at least 1", i)
		}
	}
	if len(c.Slaves) > 0 && c.RosterFile != "" {
		return fmt.Errorf("slaves and roster_file are mutually exclusive")
	}
	return ValidateRoster(c.Slaves)
}

// ValidateRoster checks roster entries for completeness and duplicates.
func ValidateRoster(slaves []SlaveConfig) error {
	seen := make(map[string]bool, len(slaves))
	for i, s := range slaves {
		if s.Name == "" {
			return fmt.Errorf("slaves[%d]: name is required", i)
		}
		if strings.ContainsAny(s.Name, "/ ") {
			return fmt.Errorf("slave %s: name must not contain '/' or spaces", s.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("slave %s: duplicate name", s.Name)
		}
		seen[s.Name] = true
		if s.Address == "" {
			return fmt.Errorf("slave %s: address is required", s.Name)
		}
		if !s.Dynamic() && (s.Port <= 0 || s.Port > 65535) {
			return fmt.Errorf("slave %s: port must be between 1 and 65535", s.Name)
		}
		for _, m := range s.Masks {
			if _, err := path.Match(m, ""); err != nil {
				return fmt.Errorf("slave %s: invalid mask %q: %w", s.Name, m, err)
			}
		}
	}
	return nil
}

// LoadRoster returns the configured roster, reading roster_file when set.
func (c *Config) LoadRoster() ([]SlaveConfig, error) {
	if c.RosterFile == "" {
		return c.Slaves, nil
	}
	return LoadRosterFile(c.RosterFile)
}

// LoadRosterFile reads and validates a roster file.
func LoadRosterFile(path string) ([]SlaveConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster file: %w", err)
	}
	var r Roster
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse roster file: %w", err)
	}
	if err := ValidateRoster(r.Slaves); err != nil {
		return nil, err
	}
	return r.Slaves, nil
}

func knownPurpose(p string) bool {
	for _, known := range Purposes {
		if p == known {
			return true
		}
	}
	return false
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~/") {
		if homeDir, err := os.UserHomeDir(); err == nil {
			return filepath.Join(homeDir, p[2:])
		}
	}
	return p
}
