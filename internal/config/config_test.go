package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if diff := cmp.Diff(Defaults(), *cfg); diff != "" {
		t.Fatalf("defaults mismatch (-want +got):\n%s", diff)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `
namespace:
  name: torrent
  subnet: 10.77.0.4/30
tunnel:
  config: /run/secrets/torrent.conf
  handshake_timeout: 45s
nat:
  egress_guard: false
control:
  listen: vsock://9010
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}

	if got := cfg.Namespace.HostVethName(); got != "vh-torrent" {
		t.Errorf("HostVethName() = %q", got)
	}
	if got := cfg.Namespace.NSVethName(); got != "vn-torrent" {
		t.Errorf("NSVethName() = %q", got)
	}
	if got := cfg.Tunnel.HandshakeTimeoutDuration(); got != 45*time.Second {
		t.Errorf("HandshakeTimeoutDuration() = %v", got)
	}
	if cfg.NAT.EgressGuard {
		t.Error("egress_guard override ignored")
	}
	if cfg.NAT.Table != "arca-vpnns" {
		t.Errorf("unset keys should keep defaults, nat.table = %q", cfg.NAT.Table)
	}
	if got := cfg.ListenAddr(); got != "vsock://9010" {
		t.Errorf("ListenAddr() = %q", got)
	}
	if got := cfg.StateFile(); got != "/run/arca-vpnns/torrent.json" {
		t.Errorf("StateFile() = %q", got)
	}
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("namespace: [unclosed"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); !vpnerr.Is(err, vpnerr.ConfigMalformed) {
		t.Fatalf("kind = %v, want ConfigMalformed", vpnerr.KindOf(err))
	}
}

func TestDefaultListenAddr(t *testing.T) {
	cfg := Defaults()
	if got := cfg.ListenAddr(); got != "unix:///run/arca-vpnns/vpn.sock" {
		t.Fatalf("ListenAddr() = %q", got)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"name too long", func(c *Config) { c.Namespace.Name = "averyveryverylongname" }, "namespace.name"},
		{"name uppercase", func(c *Config) { c.Namespace.Name = "VPN" }, "namespace.name"},
		{"subnet not /30", func(c *Config) { c.Namespace.Subnet = "10.200.200.0/24" }, "IPv4 /30"},
		{"subnet host bits", func(c *Config) { c.Namespace.Subnet = "10.200.200.1/30" }, "host bits"},
		{"subnet ipv6", func(c *Config) { c.Namespace.Subnet = "fd00::/126" }, "IPv4 /30"},
		{"same veth names", func(c *Config) { c.Namespace.HostVeth = "veth0"; c.Namespace.NSVeth = "veth0" }, "must differ"},
		{"long veth", func(c *Config) { c.Namespace.HostVeth = "host-side-veth-01" }, "namespace.host_veth"},
		{"bad dns", func(c *Config) { c.Tunnel.FallbackDNS = "dns.google" }, "fallback_dns"},
		{"bad mtu", func(c *Config) { c.Tunnel.MTU = 100 }, "tunnel.mtu"},
		{"bad duration", func(c *Config) { c.Health.Interval = "often" }, "health.interval"},
		{"zero timeout", func(c *Config) { c.Tunnel.HandshakeTimeout = "0s" }, "handshake_timeout must be positive"},
		{"bad listen", func(c *Config) { c.Control.Listen = "tcp://:9000" }, "control.listen"},
		{"no table", func(c *Config) { c.NAT.Table = "" }, "nat.table"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !vpnerr.Is(err, vpnerr.ConfigMalformed) {
				t.Fatalf("Validate() = %v, want ConfigMalformed", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestZeroKeepaliveIsAllowed(t *testing.T) {
	cfg := Defaults()
	cfg.Tunnel.PersistentKeepalive = "0s"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if got := cfg.Tunnel.PersistentKeepaliveDuration(); got != 0 {
		t.Fatalf("PersistentKeepaliveDuration() = %v", got)
	}
}
