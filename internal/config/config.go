package config

import (
	"fmt"
	"net/netip"
	"os"
	"time"

	"go.yaml.in/yaml/v3"

	"github.com/yuriy-kovalchuk/yk-ddns-manager/internal/reconcile"
)

const (
	// PathEnv overrides the default config location.
	PathEnv     = "DDNS_CONFIG_PATH"
	DefaultPath = "configs/ddns.yaml"
)

// Config is the process-wide configuration.
type Config struct {
	Interval          time.Duration `yaml:"interval"`
	CycleTimeout      time.Duration `yaml:"cycle_timeout"`
	CallTimeout       time.Duration `yaml:"call_timeout"`
	Workers           int           `yaml:"workers"`
	DefaultInternalIP string        `yaml:"default_internal_ip"`

	Database       string        `yaml:"database"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	AuditRetention time.Duration `yaml:"audit_retention"`

	PublicIP  PublicIPConfig  `yaml:"public_ip"`
	Primary   *ProviderConfig `yaml:"primary"`
	Internal  *ProviderConfig `yaml:"internal"`
	Stats     StatsConfig     `yaml:"stats"`
	Discovery DiscoveryConfig `yaml:"discovery"`
}

// PublicIPConfig selects how the public IP is looked up.
type PublicIPConfig struct {
	URLs      []string      `yaml:"urls"`
	DNS       bool          `yaml:"dns_fallback"`
	DNSServer string        `yaml:"dns_server"`
	Attempts  int           `yaml:"attempts"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// StatsConfig selects the stats backend.
type StatsConfig struct {
	Backend       string `yaml:"backend"` // "sqlite" or "redis"
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisPrefix   string `yaml:"redis_prefix"`
}

// DiscoveryConfig controls the read-only Kubernetes hostname discovery.
type DiscoveryConfig struct {
	Namespace string        `yaml:"namespace"` // empty = all namespaces
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

// Path returns flagValue when set, otherwise the path from PathEnv, falling
// back to DefaultPath.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(PathEnv); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.CycleTimeout <= 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 15 * time.Second
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Database == "" {
		c.Database = "data/yk-ddns.db"
	}
	if c.MetricsAddr == "" {
		c.MetricsAddr = ":9090"
	}
	if c.AuditRetention <= 0 {
		c.AuditRetention = 7 * 24 * time.Hour
	}
	if len(c.PublicIP.URLs) == 0 {
		c.PublicIP.URLs = []string{"https://api.ipify.org", "https://icanhazip.com", "https://ifconfig.me/ip"}
	}
	if c.PublicIP.DNSServer == "" {
		c.PublicIP.DNSServer = "resolver1.opendns.com:53"
	}
	if c.PublicIP.Attempts <= 0 {
		c.PublicIP.Attempts = 3
	}
	if c.Stats.Backend == "" {
		c.Stats.Backend = "sqlite"
	}
	if c.Stats.RedisPrefix == "" {
		c.Stats.RedisPrefix = "yk-ddns"
	}
	if c.Discovery.CacheTTL <= 0 {
		c.Discovery.CacheTTL = time.Minute
	}
}

func (c *Config) validate() error {
	c.DefaultInternalIP = os.ExpandEnv(c.DefaultInternalIP)
	if c.DefaultInternalIP != "" {
		if _, err := netip.ParseAddr(c.DefaultInternalIP); err != nil {
			return fmt.Errorf("default_internal_ip: %w", err)
		}
	}
	if c.Primary != nil {
		if err := c.Primary.load("primary"); err != nil {
			return err
		}
	}
	if c.Internal != nil {
		if err := c.Internal.load("internal"); err != nil {
			return err
		}
	}
	switch c.Stats.Backend {
	case "sqlite":
	case "redis":
		if c.Stats.RedisAddr == "" {
			return fmt.Errorf("stats: redis backend needs 'redis_addr'")
		}
		c.Stats.RedisPassword = os.ExpandEnv(c.Stats.RedisPassword)
	default:
		return fmt.Errorf("stats: unknown backend %q", c.Stats.Backend)
	}
	return nil
}

// Defaults returns the engine view of the process-wide settings.
func (c *Config) Defaults() reconcile.GlobalDefaults {
	return reconcile.GlobalDefaults{
		CheckInterval:     c.Interval,
		DefaultInternalIP: c.DefaultInternalIP,
	}
}
