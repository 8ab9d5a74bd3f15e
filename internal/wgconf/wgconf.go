// Package wgconf reads wg-quick tunnel descriptors.
//
// Only the fields needed to build a namespace-confined tunnel are extracted.
// wg-quick's own hook and routing directives (PreUp, PostUp, PreDown,
// PostDown, Table, SaveConfig) are accepted and recorded in
// TunnelSpec.Ignored: inside a managed namespace the routes are installed by
// this program, not by wg-quick.
package wgconf

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// DefaultFallbackDNS is used when the descriptor has no DNS directive.
var DefaultFallbackDNS = netip.MustParseAddr("8.8.8.8")

// TunnelSpec is the parsed descriptor. Treat it as read-only after Load.
type TunnelSpec struct {
	LocalAddress  netip.Prefix
	DNS           netip.Addr
	SearchDomains []string
	Endpoint      netip.AddrPort
	PrivateKey    string
	PeerPublicKey string
	PresharedKey  string
	AllowedIPs    []netip.Prefix
	MTU           int // 0 = not set in the descriptor
	ListenPort    int
	FirewallMark  int
	// PersistentKeepalive is nil when the descriptor does not set it.
	PersistentKeepalive *time.Duration

	// Ignored lists directives accepted but not applied ("Interface.PostUp").
	Ignored []string
	// Notes are non-fatal observations worth logging at setup.
	Notes []string
}

// Loader parses descriptors with a configurable fallback resolver.
type Loader struct {
	FallbackDNS netip.Addr
}

// Load reads and parses path with DefaultFallbackDNS.
func Load(path string) (*TunnelSpec, error) {
	return Loader{FallbackDNS: DefaultFallbackDNS}.Load(path)
}

// Parse parses r with DefaultFallbackDNS; source names r in error messages.
func Parse(r io.Reader, source string) (*TunnelSpec, error) {
	return Loader{FallbackDNS: DefaultFallbackDNS}.Parse(r, source)
}

// Load reads and parses the descriptor at path.
func (l Loader) Load(path string) (*TunnelSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, vpnerr.Errorf(vpnerr.ConfigNotFound, "load "+path,
				"tunnel descriptor not found; the secret-staging service must place it there with mode 0600 before setup")
		}
		return nil, vpnerr.New(vpnerr.ConfigNotFound, "load "+path, err)
	}
	if info.IsDir() {
		return nil, vpnerr.Errorf(vpnerr.ConfigNotFound, "load "+path, "path is a directory, expected a wg-quick file")
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, vpnerr.New(vpnerr.ConfigNotFound, "load "+path, err)
	}
	defer f.Close()

	spec, err := l.Parse(f, path)
	if err != nil {
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		spec.Notes = append(spec.Notes, fmt.Sprintf("%s has mode %#o; it embeds a private key and should be 0600", path, perm))
	}
	return spec, nil
}

type section int

const (
	sectionNone section = iota
	sectionInterface
	sectionPeer
)

// entry is one key = value line, kept with its line number for messages.
type entry struct {
	key   string // canonical spelling, e.g. "AllowedIPs"
	value string
	line  int
}

// canonical spellings of every directive wg-quick understands.
var interfaceKeys = map[string]string{
	"address":    "Address",
	"dns":        "DNS",
	"mtu":        "MTU",
	"privatekey": "PrivateKey",
	"listenport": "ListenPort",
	"fwmark":     "FwMark",
	"table":      "Table",
	"preup":      "PreUp",
	"postup":     "PostUp",
	"predown":    "PreDown",
	"postdown":   "PostDown",
	"saveconfig": "SaveConfig",
}

var peerKeys = map[string]string{
	"publickey":           "PublicKey",
	"presharedkey":        "PresharedKey",
	"allowedips":          "AllowedIPs",
	"endpoint":            "Endpoint",
	"persistentkeepalive": "PersistentKeepalive",
}

// wg-quick directives that have no meaning for a namespace-managed tunnel.
var hookKeys = map[string]bool{
	"Table":      true,
	"PreUp":      true,
	"PostUp":     true,
	"PreDown":    true,
	"PostDown":   true,
	"SaveConfig": true,
}

// Parse parses a wg-quick descriptor read from r.
func (l Loader) Parse(r io.Reader, source string) (*TunnelSpec, error) {
	op := "parse " + source
	malformed := func(line int, field, format string, args ...any) error {
		msg := fmt.Sprintf(format, args...)
		if line > 0 {
			return vpnerr.Errorf(vpnerr.ConfigMalformed, op, "line %d: %s: %s", line, field, msg)
		}
		return vpnerr.Errorf(vpnerr.ConfigMalformed, op, "%s: %s", field, msg)
	}

	var (
		iface      []entry
		peers      [][]entry
		current    = sectionNone
		sawIface   bool
		lineNumber int
		ignored    []string
	)

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		lineNumber++
		line := scanner.Text()
		if i := strings.IndexByte(line, '#'); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") {
			if !strings.HasSuffix(line, "]") {
				return nil, malformed(lineNumber, "section", "unterminated section header %q", line)
			}
			switch strings.ToLower(strings.TrimSpace(line[1 : len(line)-1])) {
			case "interface":
				if sawIface {
					return nil, malformed(lineNumber, "[Interface]", "duplicate section")
				}
				sawIface = true
				current = sectionInterface
			case "peer":
				peers = append(peers, nil)
				current = sectionPeer
			default:
				return nil, malformed(lineNumber, "section", "unknown section %s", line)
			}
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, malformed(lineNumber, "syntax", "expected key = value, got %q", line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		lower := strings.ToLower(key)

		switch current {
		case sectionNone:
			return nil, malformed(lineNumber, key, "directive outside of [Interface] or [Peer]")
		case sectionInterface:
			name, known := interfaceKeys[lower]
			if !known || hookKeys[name] {
				if !known {
					name = key
				}
				ignored = append(ignored, "Interface."+name)
				continue
			}
			iface = append(iface, entry{key: name, value: value, line: lineNumber})
		case sectionPeer:
			name, known := peerKeys[lower]
			if !known {
				ignored = append(ignored, "Peer."+key)
				continue
			}
			peers[len(peers)-1] = append(peers[len(peers)-1], entry{key: name, value: value, line: lineNumber})
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, vpnerr.New(vpnerr.ConfigMalformed, op, err)
	}

	if !sawIface {
		return nil, malformed(0, "[Interface]", "section is missing")
	}
	switch len(peers) {
	case 0:
		return nil, malformed(0, "Endpoint", "no [Peer] section; a peer with an Endpoint is required")
	case 1:
	default:
		return nil, malformed(0, "[Peer]", "%d peer sections found; exactly one tunnel peer is supported", len(peers))
	}

	spec := &TunnelSpec{Ignored: ignored}
	fallback := l.FallbackDNS
	if !fallback.IsValid() {
		fallback = DefaultFallbackDNS
	}

	var addresses []entry
	for _, e := range iface {
		switch e.key {
		case "Address":
			for _, item := range splitList(e.value) {
				addresses = append(addresses, entry{key: e.key, value: item, line: e.line})
			}
		case "DNS":
			for _, item := range splitList(e.value) {
				addr, err := netip.ParseAddr(item)
				if err != nil {
					spec.SearchDomains = append(spec.SearchDomains, item)
					continue
				}
				if !spec.DNS.IsValid() {
					spec.DNS = addr.Unmap()
				} else {
					spec.Notes = append(spec.Notes, fmt.Sprintf("additional DNS server %s ignored; only %s is used", addr, spec.DNS))
				}
			}
		case "MTU":
			mtu, err := strconv.Atoi(e.value)
			if err != nil || mtu < 576 || mtu > 65535 {
				return nil, malformed(e.line, e.key, "%q is not a valid MTU (576-65535)", e.value)
			}
			spec.MTU = mtu
		case "PrivateKey":
			spec.PrivateKey = e.value
		case "ListenPort":
			port, err := strconv.Atoi(e.value)
			if err != nil || port < 0 || port > 65535 {
				return nil, malformed(e.line, e.key, "%q is not a valid port", e.value)
			}
			spec.ListenPort = port
		case "FwMark":
			if strings.EqualFold(e.value, "off") {
				spec.FirewallMark = 0
				continue
			}
			mark, err := strconv.ParseUint(e.value, 0, 32)
			if err != nil {
				return nil, malformed(e.line, e.key, "%q is not a valid firewall mark", e.value)
			}
			spec.FirewallMark = int(mark)
		}
	}

	if len(addresses) == 0 {
		return nil, malformed(0, "Address", "required in [Interface]")
	}
	for _, a := range addresses {
		prefix, err := parseAddress(a.value)
		if err != nil {
			return nil, malformed(a.line, a.key, "%q is not an IP address or CIDR", a.value)
		}
		if prefix.Addr().Is6() {
			spec.Notes = append(spec.Notes, fmt.Sprintf("IPv6 address %s ignored; IPv6 is disabled inside the namespace", prefix))
			continue
		}
		if !spec.LocalAddress.IsValid() {
			spec.LocalAddress = prefix
		} else {
			spec.Notes = append(spec.Notes, fmt.Sprintf("additional address %s ignored; only %s is assigned", prefix, spec.LocalAddress))
		}
	}
	if !spec.LocalAddress.IsValid() {
		return nil, malformed(addresses[0].line, "Address", "no IPv4 address; the namespace tunnel is IPv4 only")
	}
	if !spec.DNS.IsValid() {
		spec.DNS = fallback
	}

	var sawEndpoint bool
	for _, e := range peers[0] {
		switch e.key {
		case "PublicKey":
			spec.PeerPublicKey = e.value
		case "PresharedKey":
			spec.PresharedKey = e.value
		case "AllowedIPs":
			for _, item := range splitList(e.value) {
				prefix, err := netip.ParsePrefix(item)
				if err != nil {
					return nil, malformed(e.line, e.key, "%q is not a CIDR", item)
				}
				spec.AllowedIPs = append(spec.AllowedIPs, prefix.Masked())
			}
		case "Endpoint":
			endpoint, err := parseEndpoint(e.value)
			if err != nil {
				return nil, malformed(e.line, e.key, "%v", err)
			}
			spec.Endpoint = endpoint
			sawEndpoint = true
		case "PersistentKeepalive":
			if strings.EqualFold(e.value, "off") {
				off := time.Duration(0)
				spec.PersistentKeepalive = &off
				continue
			}
			secs, err := strconv.Atoi(e.value)
			if err != nil || secs < 0 || secs > 65535 {
				return nil, malformed(e.line, e.key, "%q is not a number of seconds or \"off\"", e.value)
			}
			d := time.Duration(secs) * time.Second
			spec.PersistentKeepalive = &d
		}
	}
	if !sawEndpoint {
		return nil, malformed(0, "Endpoint", "required in [Peer]")
	}

	if len(spec.AllowedIPs) == 0 {
		spec.AllowedIPs = []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")}
	} else if !coversDefault(spec.AllowedIPs) {
		spec.Notes = append(spec.Notes, "AllowedIPs does not include 0.0.0.0/0; destinations outside it are unreachable, never leaked")
	}

	return spec, nil
}

// splitList splits a comma separated directive value.
func splitList(value string) []string {
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// parseAddress accepts "10.6.0.2/32" or a bare "10.6.0.2" (host prefix).
func parseAddress(value string) (netip.Prefix, error) {
	if strings.Contains(value, "/") {
		return netip.ParsePrefix(value)
	}
	addr, err := netip.ParseAddr(value)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr, addr.BitLen()), nil
}

func parseEndpoint(value string) (netip.AddrPort, error) {
	endpoint, err := netip.ParseAddrPort(value)
	if err != nil {
		host, port, splitErr := net.SplitHostPort(value)
		if splitErr != nil {
			return netip.AddrPort{}, fmt.Errorf("%q is not host:port", value)
		}
		if _, addrErr := netip.ParseAddr(host); addrErr != nil {
			return netip.AddrPort{}, fmt.Errorf("host %q must be an IP literal; names cannot be resolved before the tunnel exists", host)
		}
		return netip.AddrPort{}, fmt.Errorf("port %q is invalid", port)
	}
	if endpoint.Port() == 0 {
		return netip.AddrPort{}, fmt.Errorf("%q has no port", value)
	}
	addr := endpoint.Addr().Unmap()
	if !addr.Is4() {
		return netip.AddrPort{}, fmt.Errorf("%s is IPv6; the namespace escape route is IPv4 only", addr)
	}
	return netip.AddrPortFrom(addr, endpoint.Port()), nil
}

func coversDefault(prefixes []netip.Prefix) bool {
	for _, p := range prefixes {
		if p.Addr().Is4() && p.Bits() == 0 {
			return true
		}
	}
	return false
}
