package namespace

import (
	"fmt"
	"net"
	"net/netip"
	"path/filepath"
	"regexp"

	"github.com/vas-solutus/arca-vpnns/internal/platform"
)

var nameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,11}$`)

// ValidateName checks a namespace name against the naming convention.
func ValidateName(name string) error {
	if !nameRE.MatchString(name) {
		return fmt.Errorf("namespace name %q must be 1-12 characters of [a-z0-9-]", name)
	}
	return nil
}

// Options names the artifacts of one confined instance.
type Options struct {
	Name     string
	HostVeth string
	NSVeth   string
	// Subnet is the /30 shared by the veth pair.
	Subnet netip.Prefix
	// EtcDir holds per-namespace files, /etc/netns by default.
	EtcDir string
}

// Plan assigns the two usable addresses of a /30: the first to the host
// end and the second to the namespace end.
func Plan(subnet netip.Prefix) (host, peer netip.Prefix, err error) {
	if !subnet.Addr().Is4() || subnet.Bits() != 30 {
		return netip.Prefix{}, netip.Prefix{}, fmt.Errorf("veth subnet %s must be an IPv4 /30", subnet)
	}
	network := subnet.Masked().Addr()
	hostAddr := network.Next()
	peerAddr := hostAddr.Next()
	return netip.PrefixFrom(hostAddr, 30), netip.PrefixFrom(peerAddr, 30), nil
}

// Namespace is a live network namespace joined to the host by a veth pair.
// Only Create produces one; holding it proves the namespace was built.
type Namespace struct {
	Name     string
	HostVeth string
	NSVeth   string
	HostAddr netip.Prefix
	NSAddr   netip.Prefix

	etcDir string
}

// Path returns the bind-mounted namespace file.
func (n *Namespace) Path() string { return Path(n.Name) }

// Subnet returns the /30 shared by the veth pair.
func (n *Namespace) Subnet() netip.Prefix { return n.HostAddr.Masked() }

// EtcDir returns /etc/netns/<name>.
func (n *Namespace) EtcDir() string { return filepath.Join(etcRoot(n.etcDir), n.Name) }

// ResolvConfPath returns the resolv.conf bind-mounted into confined processes.
func (n *Namespace) ResolvConfPath() string { return filepath.Join(n.EtcDir(), "resolv.conf") }

// Path returns the bind-mounted namespace file for name.
func Path(name string) string {
	return filepath.Join(platform.NetnsRunDir, name)
}

// ResolvConfPath returns /etc/netns/<name>/resolv.conf under etcDir.
func ResolvConfPath(etcDir, name string) string {
	return filepath.Join(etcRoot(etcDir), name, "resolv.conf")
}

func etcRoot(dir string) string {
	if dir == "" {
		return platform.NetnsEtcDir
	}
	return dir
}

// IPNet converts a prefix to the netlink address form.
func IPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), p.Addr().BitLen()),
	}
}
