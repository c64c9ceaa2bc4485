package config

import (
	"fmt"
	"net/netip"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/tartarus-sandbox/styx/pkg/domain"
	"github.com/tartarus-sandbox/styx/pkg/kampe"
)

const EnvPrefix = "STYX"

type Config struct {
	NetworkName  string
	Subnet       netip.Prefix
	Device       string
	Bridge       string
	ConfigPath   string
	MTU          int
	RoutingTable int
	RulePriority int

	PollInterval time.Duration
	MaxAttempts  uint

	LockBackend string
	LockDir     string
	LockTimeout time.Duration
	RedisAddr   string

	ProbeImage   string
	EchoURL      string
	ProbeTimeout time.Duration
	DockerSocket string

	MetricsTextfile string
	Journal         string
	JournalKey      string
	LogLevel        string
	Output          string
}

// SetDefaults registers every key with its default so env and config file
// values resolve even when no flag is bound.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("network-name", "wg0-net")
	v.SetDefault("subnet", "10.20.0.0/16")
	v.SetDefault("device", "wg0-docker")
	v.SetDefault("bridge", "")
	v.SetDefault("config-path", "/etc/wireguard/wg0.conf")
	v.SetDefault("mtu", domain.MaxTunnelMTU)
	v.SetDefault("routing-table", 100)
	v.SetDefault("rule-priority", 10000)
	v.SetDefault("poll-interval", time.Second)
	v.SetDefault("max-attempts", 30)
	v.SetDefault("lock-backend", "file")
	v.SetDefault("lock-dir", "/run/styx")
	v.SetDefault("lock-timeout", 5*time.Second)
	v.SetDefault("redis-addr", "localhost:6379")
	v.SetDefault("probe-image", "curlimages/curl:latest")
	v.SetDefault("echo-url", "https://ifconfig.me/ip")
	v.SetDefault("probe-timeout", 5*time.Second)
	v.SetDefault("docker-socket", "")
	v.SetDefault("metrics-textfile", "")
	v.SetDefault("journal", "")
	v.SetDefault("journal-key", "")
	v.SetDefault("log-level", "info")
	v.SetDefault("output", "text")
}

// BindEnv maps STYX_NETWORK_NAME style variables onto the dashed keys.
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

// Load reads the resolved settings and validates them.
func Load(v *viper.Viper) (*Config, error) {
	subnet, err := netip.ParsePrefix(v.GetString("subnet"))
	if err != nil {
		return nil, fmt.Errorf("invalid subnet %q: %w", v.GetString("subnet"), err)
	}
	attempts := v.GetInt("max-attempts")
	if attempts <= 0 {
		return nil, fmt.Errorf("max-attempts must be positive, got %d", attempts)
	}

	c := &Config{
		NetworkName:     v.GetString("network-name"),
		Subnet:          subnet,
		Device:          v.GetString("device"),
		Bridge:          v.GetString("bridge"),
		ConfigPath:      v.GetString("config-path"),
		MTU:             v.GetInt("mtu"),
		RoutingTable:    v.GetInt("routing-table"),
		RulePriority:    v.GetInt("rule-priority"),
		PollInterval:    v.GetDuration("poll-interval"),
		MaxAttempts:     uint(attempts),
		LockBackend:     strings.ToLower(v.GetString("lock-backend")),
		LockDir:         v.GetString("lock-dir"),
		LockTimeout:     v.GetDuration("lock-timeout"),
		RedisAddr:       v.GetString("redis-addr"),
		ProbeImage:      v.GetString("probe-image"),
		EchoURL:         v.GetString("echo-url"),
		ProbeTimeout:    v.GetDuration("probe-timeout"),
		DockerSocket:    v.GetString("docker-socket"),
		MetricsTextfile: v.GetString("metrics-textfile"),
		Journal:         v.GetString("journal"),
		JournalKey:      v.GetString("journal-key"),
		LogLevel:        v.GetString("log-level"),
		Output:          strings.ToLower(v.GetString("output")),
	}
	if c.Bridge == "" {
		c.Bridge = kampe.BridgeName(c.NetworkName)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) Validate() error {
	if err := c.NetworkDescriptor().Validate(); err != nil {
		return err
	}
	if c.Device == "" {
		return fmt.Errorf("device name is empty")
	}
	if len(c.Device) > 15 {
		return fmt.Errorf("device name %q exceeds 15 characters", c.Device)
	}
	if len(c.Bridge) > 15 {
		return fmt.Errorf("bridge name %q exceeds 15 characters", c.Bridge)
	}
	if c.ConfigPath == "" {
		return fmt.Errorf("config path is empty")
	}
	if c.RoutingTable < domain.MinRoutingTable || c.RoutingTable > domain.MaxRoutingTable {
		return fmt.Errorf("routing table %d outside %d..%d", c.RoutingTable, domain.MinRoutingTable, domain.MaxRoutingTable)
	}
	if c.RulePriority <= 0 {
		return fmt.Errorf("rule priority must be positive, got %d", c.RulePriority)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("lock timeout must be positive, got %s", c.LockTimeout)
	}
	switch c.LockBackend {
	case "file", "redis":
	default:
		return fmt.Errorf("unknown lock backend %q (want file or redis)", c.LockBackend)
	}
	switch c.Output {
	case "text", "json", "yaml":
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", c.Output)
	}
	return nil
}

func (c *Config) NetworkDescriptor() domain.NetworkDescriptor {
	return domain.NetworkDescriptor{
		Name:   c.NetworkName,
		Subnet: c.Subnet,
		MTU:    c.MTU,
		Bridge: c.Bridge,
	}
}

func (c *Config) Identity() domain.Identity {
	return domain.Identity{Network: c.NetworkName, Device: c.Device}
}
