// Package config handles configuration loading and validation for casmesh.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tunnelmesh/casmesh/internal/distributed"
	"github.com/tunnelmesh/casmesh/internal/location"
	"github.com/tunnelmesh/casmesh/pkg/bytesize"
)

// Registry modes.
const (
	// RegistryMemory keeps the location table in this process. It only
	// makes sense for a single node or for tests.
	RegistryMemory = "memory"
	// RegistryHTTP talks to a registry served by another node.
	RegistryHTTP = "http"
	// RegistryServe serves the location table from this node and uses it
	// locally.
	RegistryServe = "serve"
)

// EnvSharedSecret supplies auth.shared_secret when the file leaves it empty.
const EnvSharedSecret = "CASMESH_SHARED_SECRET"

// Config is the node configuration file.
type Config struct {
	Node        NodeConfig        `yaml:"node"`
	Store       StoreConfig       `yaml:"store"`
	Registry    RegistryConfig    `yaml:"registry"`
	Replication ReplicationConfig `yaml:"replication"`
	Touch       TouchConfig       `yaml:"touch"`
	Auth        AuthConfig        `yaml:"auth"`
	API         APIConfig         `yaml:"api"`
	Discovery   DiscoveryConfig   `yaml:"discovery"`
	// Peers are machines eligible as ring targets for new content.
	Peers []string `yaml:"peers"`
}

// NodeConfig identifies this node.
type NodeConfig struct {
	Name   string `yaml:"name"`
	Listen string `yaml:"listen"`
	// Advertise is the URL other nodes use to reach this node. It is the
	// node's machine location.
	Advertise string `yaml:"advertise"`
	DataDir   string `yaml:"data_dir"` // default: /var/lib/casmesh
}

// StoreConfig sizes the local content store.
type StoreConfig struct {
	Quota   bytesize.Size `yaml:"quota"`    // 0 = unlimited
	MinFree bytesize.Size `yaml:"min_free"` // 0 = no free-space check
}

// RegistryConfig selects and tunes the content location registry.
type RegistryConfig struct {
	Mode string `yaml:"mode"`
	URL  string `yaml:"url"` // registry server, required in http mode
	// ReplicaCreditMinutes enables distributed eviction when set.
	ReplicaCreditMinutes *int   `yaml:"replica_credit_minutes,omitempty"`
	Expiry               string `yaml:"expiry"` // Duration string, e.g. "24h"; empty disables expiry
	DesignatedCount      int    `yaml:"designated_count"`
	Reconcile            bool   `yaml:"reconcile"`
	Repair               bool   `yaml:"repair"`

	BatchSize        int    `yaml:"batch_size"`
	BatchInterval    string `yaml:"batch_interval"`
	BatchParallelism int    `yaml:"batch_parallelism"`
}

// ReplicationConfig controls proactive replication.
type ReplicationConfig struct {
	Enabled          bool          `yaml:"enabled"`
	Inline           bool          `yaml:"inline"`
	Interval         string        `yaml:"interval"`
	Delay            string        `yaml:"delay"`
	Threshold        int           `yaml:"threshold"`
	CopyLimit        int           `yaml:"copy_limit"`
	OnPut            bool          `yaml:"on_put"`
	RejectOldContent bool          `yaml:"reject_old_content"`
	PushRate         bytesize.Size `yaml:"push_rate"` // bytes per second, 0 = unlimited
}

// TouchConfig controls registry touches for locally read content.
type TouchConfig struct {
	BumpTime  string `yaml:"bump_time"` // empty disables touches
	CacheSize int    `yaml:"cache_size"`
}

// AuthConfig holds the fleet's shared secret.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"` // empty disables authentication
	TokenTTL     string `yaml:"token_ttl"`
}

// APIConfig tunes the peer API.
type APIConfig struct {
	RateLimit     float64 `yaml:"rate_limit"` // requests per second
	RateBurst     int     `yaml:"rate_burst"`
	StatsInterval string  `yaml:"stats_interval"`
}

// DiscoveryConfig adds peers published as DNS SRV records.
type DiscoveryConfig struct {
	Domain   string `yaml:"domain"`   // empty disables discovery
	Resolver string `yaml:"resolver"` // host:port, default from resolv.conf
	Scheme   string `yaml:"scheme"`   // default: http
}

// Load reads configuration from a YAML file and applies defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse parses YAML configuration and applies defaults.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.Name == "" {
		if host, err := os.Hostname(); err == nil {
			c.Node.Name = host
		}
	}
	if c.Node.Listen == "" {
		c.Node.Listen = ":7420"
	}
	if c.Node.Advertise == "" {
		_, port, err := net.SplitHostPort(c.Node.Listen)
		if err == nil && c.Node.Name != "" {
			c.Node.Advertise = "http://" + net.JoinHostPort(c.Node.Name, port)
		}
	}
	c.Node.Advertise = strings.TrimRight(c.Node.Advertise, "/")
	if c.Node.DataDir == "" {
		c.Node.DataDir = "/var/lib/casmesh"
	}
	// Expand home directory in data dir
	c.Node.DataDir = expandHome(c.Node.DataDir)

	if c.Registry.Mode == "" {
		c.Registry.Mode = RegistryMemory
	}
	if c.Registry.BatchInterval == "" {
		c.Registry.BatchInterval = "1s"
	}

	if c.Replication.Interval == "" {
		c.Replication.Interval = "5m"
	}
	if c.Replication.Delay == "" {
		c.Replication.Delay = "100ms"
	}

	if c.Auth.SharedSecret == "" {
		c.Auth.SharedSecret = os.Getenv(EnvSharedSecret)
	}
	if c.Auth.TokenTTL == "" {
		c.Auth.TokenTTL = "15m"
	}

	if c.API.RateLimit == 0 {
		c.API.RateLimit = 200
	}
	if c.API.RateBurst == 0 {
		c.API.RateBurst = 400
	}
	if c.API.StatsInterval == "" {
		c.API.StatsInterval = "15s"
	}

	if c.Discovery.Scheme == "" {
		c.Discovery.Scheme = "http"
	}
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~/") {
		return path
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(homeDir, path[2:])
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Node.Name == "" {
		return fmt.Errorf("node.name is required")
	}
	if c.Node.Listen == "" {
		return fmt.Errorf("node.listen is required")
	}
	if err := validateURL(c.Node.Advertise); err != nil {
		return fmt.Errorf("invalid node.advertise: %w", err)
	}

	switch c.Registry.Mode {
	case RegistryMemory, RegistryServe:
	case RegistryHTTP:
		if err := validateURL(c.Registry.URL); err != nil {
			return fmt.Errorf("invalid registry.url: %w", err)
		}
	default:
		return fmt.Errorf("registry.mode must be one of %s, %s, %s", RegistryMemory, RegistryHTTP, RegistryServe)
	}
	if c.Registry.ReplicaCreditMinutes != nil && *c.Registry.ReplicaCreditMinutes < 0 {
		return fmt.Errorf("registry.replica_credit_minutes must not be negative")
	}

	durations := map[string]string{
		"registry.expiry":         c.Registry.Expiry,
		"registry.batch_interval": c.Registry.BatchInterval,
		"replication.interval":    c.Replication.Interval,
		"replication.delay":       c.Replication.Delay,
		"touch.bump_time":         c.Touch.BumpTime,
		"auth.token_ttl":          c.Auth.TokenTTL,
		"api.stats_interval":      c.API.StatsInterval,
	}
	for key, value := range durations {
		if _, err := parseDuration(value); err != nil {
			return fmt.Errorf("invalid %s: %w", key, err)
		}
	}

	if c.Store.Quota < 0 || c.Store.MinFree < 0 {
		return fmt.Errorf("store sizes must not be negative")
	}
	if c.API.RateLimit < 0 || c.API.RateBurst < 0 {
		return fmt.Errorf("api.rate_limit and api.rate_burst must not be negative")
	}

	if c.Discovery.Scheme != "http" && c.Discovery.Scheme != "https" {
		return fmt.Errorf("discovery.scheme must be http or https")
	}

	for i, peer := range c.Peers {
		if err := validateURL(peer); err != nil {
			return fmt.Errorf("invalid peers[%d]: %w", i, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("url %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}
	return nil
}

// parseDuration parses a duration string. Empty means zero.
func parseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration %q must not be negative", s)
	}
	return d, nil
}

// mustDuration is used after Validate.
func mustDuration(s string) time.Duration {
	d, _ := parseDuration(s)
	return d
}

// Machine returns this node's machine location.
func (c *Config) Machine() location.MachineLocation {
	return location.MachineLocation(c.Node.Advertise)
}

// PeerLocations returns the configured peers as machine locations,
// excluding this node and duplicates.
func (c *Config) PeerLocations() []location.MachineLocation {
	self := c.Machine()
	seen := make(map[location.MachineLocation]bool, len(c.Peers))
	peers := make([]location.MachineLocation, 0, len(c.Peers))
	for _, p := range c.Peers {
		m := location.MachineLocation(strings.TrimRight(p, "/"))
		if m == self || seen[m] {
			continue
		}
		seen[m] = true
		peers = append(peers, m)
	}
	return peers
}

// RegistryExpiry returns the registry entry expiry.
func (c *Config) RegistryExpiry() time.Duration { return mustDuration(c.Registry.Expiry) }

// ReplicaCredit returns the per-replica age credit, or zero when
// distributed eviction is disabled.
func (c *Config) ReplicaCredit() time.Duration {
	if c.Registry.ReplicaCreditMinutes == nil {
		return 0
	}
	return time.Duration(*c.Registry.ReplicaCreditMinutes) * time.Minute
}

// TokenTTL returns the lifetime of issued peer tokens.
func (c *Config) TokenTTL() time.Duration { return mustDuration(c.Auth.TokenTTL) }

// StatsInterval returns how often store stats are mirrored into metrics.
func (c *Config) StatsInterval() time.Duration { return mustDuration(c.API.StatsInterval) }

// WorkingDirectory is where in-flight downloads are staged.
func (c *Config) WorkingDirectory() string {
	return filepath.Join(c.Node.DataDir, "tmp")
}

// StoreRoot is the local content store directory.
func (c *Config) StoreRoot() string {
	return filepath.Join(c.Node.DataDir, "store")
}

// Settings converts the configuration into orchestrator settings. The
// configuration must have been validated.
func (c *Config) Settings() distributed.Settings {
	s := distributed.Settings{
		EnableProactiveReplication:      c.Replication.Enabled,
		InlineProactiveReplication:      c.Replication.Inline,
		ProactiveReplicationInterval:    mustDuration(c.Replication.Interval),
		DelayForProactiveReplication:    mustDuration(c.Replication.Delay),
		ProactiveCopyLocationsThreshold: c.Replication.Threshold,
		ProactiveReplicationCopyLimit:   c.Replication.CopyLimit,
		ProactiveCopyOnPut:              c.Replication.OnPut,
		ProactiveCopyRejectOldContent:   c.Replication.RejectOldContent,
		// A node started from configuration has no later initialization
		// phase.
		SetPostInitializationCompletionAfterStartup: true,
		ContentHashBumpTime:                         mustDuration(c.Touch.BumpTime),
		TrackerCacheSize:                            c.Touch.CacheSize,
		EnableRepairHandling:                        c.Registry.Repair,
		BatchSize:                                   c.Registry.BatchSize,
		BatchInterval:                               mustDuration(c.Registry.BatchInterval),
		BatchParallelism:                            c.Registry.BatchParallelism,
	}
	if c.Registry.ReplicaCreditMinutes != nil {
		credit := *c.Registry.ReplicaCreditMinutes
		s.ReplicaCreditMinutes = &credit
	}
	return s
}
