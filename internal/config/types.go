package config

import (
	"net/netip"
	"time"

	"github.com/vas-solutus/arca-vpnns/internal/platform"
)

// Config is the service configuration for one confined instance.
type Config struct {
	Namespace NamespaceConfig `yaml:"namespace"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`
	NAT       NATConfig       `yaml:"nat"`
	Health    HealthConfig    `yaml:"health"`
	Control   ControlConfig   `yaml:"control"`
	Runner    RunnerConfig    `yaml:"runner"`

	StateDir string `yaml:"state_dir"`
	LogLevel string `yaml:"log_level"`
}

// NamespaceConfig holds the netns and veth settings.
type NamespaceConfig struct {
	Name        string `yaml:"name"`
	HostVeth    string `yaml:"host_veth"` // default "vh-<name>"
	NSVeth      string `yaml:"ns_veth"`   // default "vn-<name>"
	Subnet      string `yaml:"subnet"`    // /30 shared by the veth pair
	NetnsEtcDir string `yaml:"netns_etc_dir"`
}

// TunnelConfig holds the WireGuard settings not carried by the descriptor.
type TunnelConfig struct {
	Config              string `yaml:"config"`
	Interface           string `yaml:"interface"`
	FallbackDNS         string `yaml:"fallback_dns"`
	MTU                 int    `yaml:"mtu"`
	PersistentKeepalive string `yaml:"persistent_keepalive"`
	HandshakeTimeout    string `yaml:"handshake_timeout"`
}

// NATConfig holds the host nftables settings.
type NATConfig struct {
	Table       string `yaml:"table"`
	EgressGuard bool   `yaml:"egress_guard"`
}

// HealthConfig holds the periodic health check settings.
type HealthConfig struct {
	Interval       string `yaml:"interval"`
	StaleHandshake string `yaml:"stale_handshake"`
	ProbeName      string `yaml:"probe_name"` // empty disables the DNS probe
	ProbeTimeout   string `yaml:"probe_timeout"`
}

// ControlConfig holds the supervision interface listener.
type ControlConfig struct {
	Listen string `yaml:"listen"` // unix:///path or vsock://port; default per-name socket
}

// RunnerConfig holds the confined process runner settings.
type RunnerConfig struct {
	ReadyTimeout string `yaml:"ready_timeout"`
	Grace        string `yaml:"grace"`
}

// Defaults returns a Config with sensible default values.
func Defaults() Config {
	return Config{
		Namespace: NamespaceConfig{
			Name:        "vpn",
			Subnet:      "10.200.200.0/30",
			NetnsEtcDir: platform.NetnsEtcDir,
		},
		Tunnel: TunnelConfig{
			Config:              platform.DefaultTunnelConfig,
			Interface:           "wg0",
			FallbackDNS:         "8.8.8.8",
			MTU:                 1420,
			PersistentKeepalive: "25s",
			HandshakeTimeout:    "30s",
		},
		NAT: NATConfig{
			Table:       "arca-vpnns",
			EgressGuard: true,
		},
		Health: HealthConfig{
			Interval:       "10s",
			StaleHandshake: "3m",
			ProbeName:      "example.com.",
			ProbeTimeout:   "5s",
		},
		Runner: RunnerConfig{
			ReadyTimeout: "2m",
			Grace:        "10s",
		},
		StateDir: platform.RunDir,
		LogLevel: "info",
	}
}

// HostVethName returns the host-side veth name.
func (n NamespaceConfig) HostVethName() string {
	if n.HostVeth != "" {
		return n.HostVeth
	}
	return "vh-" + n.Name
}

// NSVethName returns the namespace-side veth name.
func (n NamespaceConfig) NSVethName() string {
	if n.NSVeth != "" {
		return n.NSVeth
	}
	return "vn-" + n.Name
}

// SubnetPrefix returns the parsed veth subnet. Call Validate first.
func (n NamespaceConfig) SubnetPrefix() netip.Prefix {
	p, _ := netip.ParsePrefix(n.Subnet)
	return p
}

// FallbackDNSAddr returns the resolver used when the descriptor has no DNS.
func (t TunnelConfig) FallbackDNSAddr() netip.Addr {
	a, err := netip.ParseAddr(t.FallbackDNS)
	if err != nil {
		return netip.MustParseAddr("8.8.8.8")
	}
	return a
}

func (t TunnelConfig) PersistentKeepaliveDuration() time.Duration {
	return parseDuration(t.PersistentKeepalive, 25*time.Second)
}

func (t TunnelConfig) HandshakeTimeoutDuration() time.Duration {
	return parseDuration(t.HandshakeTimeout, 30*time.Second)
}

func (h HealthConfig) IntervalDuration() time.Duration {
	return parseDuration(h.Interval, 10*time.Second)
}

func (h HealthConfig) StaleHandshakeDuration() time.Duration {
	return parseDuration(h.StaleHandshake, 3*time.Minute)
}

func (h HealthConfig) ProbeTimeoutDuration() time.Duration {
	return parseDuration(h.ProbeTimeout, 5*time.Second)
}

func (r RunnerConfig) ReadyTimeoutDuration() time.Duration {
	return parseDuration(r.ReadyTimeout, 2*time.Minute)
}

func (r RunnerConfig) GraceDuration() time.Duration {
	return parseDuration(r.Grace, 10*time.Second)
}

// ListenAddr returns the control listener, defaulting to a per-name socket.
func (c *Config) ListenAddr() string {
	if c.Control.Listen != "" {
		return c.Control.Listen
	}
	return "unix://" + c.StateDir + "/" + c.Namespace.Name + ".sock"
}

// StateFile returns the crash-recovery record path.
func (c *Config) StateFile() string {
	return c.StateDir + "/" + c.Namespace.Name + ".json"
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return fallback
	}
	return d
}
