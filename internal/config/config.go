// Package config loads the service configuration.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"regexp"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// Interface names are limited to IFNAMSIZ-1 bytes.
const maxIfName = 15

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,11}$`)

// Load reads the config at path. If the file doesn't exist, returns defaults.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, vpnerr.New(vpnerr.ConfigNotFound, "read config "+path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, vpnerr.New(vpnerr.ConfigMalformed, "parse config "+path, err)
	}
	return &cfg, nil
}

// Validate checks names, the veth subnet and every duration.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if !nameRE.MatchString(c.Namespace.Name) {
		add("namespace.name %q must be 1-12 characters of [a-z0-9-]", c.Namespace.Name)
	}
	for field, name := range map[string]string{
		"namespace.host_veth": c.Namespace.HostVethName(),
		"namespace.ns_veth":   c.Namespace.NSVethName(),
		"tunnel.interface":    c.Tunnel.Interface,
	} {
		if name == "" || len(name) > maxIfName || strings.ContainsAny(name, "/ \t") {
			add("%s %q is not a valid interface name", field, name)
		}
	}
	if c.Namespace.HostVethName() == c.Namespace.NSVethName() {
		add("namespace.host_veth and namespace.ns_veth must differ")
	}

	subnet, err := netip.ParsePrefix(c.Namespace.Subnet)
	switch {
	case err != nil:
		add("namespace.subnet %q: %v", c.Namespace.Subnet, err)
	case !subnet.Addr().Is4() || subnet.Bits() != 30:
		add("namespace.subnet %s must be an IPv4 /30", subnet)
	case subnet.Masked() != subnet:
		add("namespace.subnet %s has host bits set; use %s", subnet, subnet.Masked())
	}

	if _, err := netip.ParseAddr(c.Tunnel.FallbackDNS); err != nil {
		add("tunnel.fallback_dns %q is not an IP address", c.Tunnel.FallbackDNS)
	}
	if c.Tunnel.MTU != 0 && (c.Tunnel.MTU < 576 || c.Tunnel.MTU > 65535) {
		add("tunnel.mtu %d out of range 576-65535", c.Tunnel.MTU)
	}
	if c.Tunnel.Config == "" {
		add("tunnel.config must name the staged wg-quick file")
	}
	if c.NAT.Table == "" {
		add("nat.table must not be empty")
	}
	if c.StateDir == "" {
		add("state_dir must not be empty")
	}

	for field, value := range map[string]string{
		"tunnel.persistent_keepalive": c.Tunnel.PersistentKeepalive,
		"tunnel.handshake_timeout":    c.Tunnel.HandshakeTimeout,
		"health.interval":             c.Health.Interval,
		"health.stale_handshake":      c.Health.StaleHandshake,
		"health.probe_timeout":        c.Health.ProbeTimeout,
		"runner.ready_timeout":        c.Runner.ReadyTimeout,
		"runner.grace":                c.Runner.Grace,
	} {
		d, err := time.ParseDuration(value)
		if err != nil {
			add("%s %q is not a duration", field, value)
			continue
		}
		if d < 0 || (d == 0 && field != "tunnel.persistent_keepalive") {
			add("%s must be positive", field)
		}
	}

	if l := c.ListenAddr(); !strings.HasPrefix(l, "unix://") && !strings.HasPrefix(l, "vsock://") {
		add("control.listen %q must be unix:///path or vsock://port", l)
	}

	if len(problems) == 0 {
		return nil
	}
	// map iteration order is random; keep messages stable.
	slices.Sort(problems)
	return vpnerr.Errorf(vpnerr.ConfigMalformed, "validate config", "%s", strings.Join(problems, "; "))
}
