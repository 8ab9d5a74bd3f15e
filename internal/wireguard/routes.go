package wireguard

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// EscapeRoute is the host route to the VPN endpoint through the veth pair.
// It carries the handshake out of the namespace before the tunnel exists.
type EscapeRoute struct {
	ns       *namespace.Namespace
	endpoint netip.AddrPort
	route    netlink.Route
}

// Killswitch is the namespace's only default route, through the tunnel.
type Killswitch struct {
	tunnel *Tunnel
	route  netlink.Route
}

// InstallEscapeRoute adds <endpoint>/32 via the host veth address.
func InstallEscapeRoute(ns *namespace.Namespace, endpoint netip.AddrPort) (*EscapeRoute, error) {
	op := fmt.Sprintf("install escape route to %s in namespace %s", endpoint.Addr(), ns.Name)
	if !endpoint.Addr().Is4() {
		return nil, vpnerr.Errorf(vpnerr.RouteInstallFailed, op, "endpoint %s is not IPv4", endpoint.Addr())
	}

	nsh, err := ns.Netlink()
	if err != nil {
		return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
	}
	defer nsh.Close()

	veth, err := nsh.LinkByName(ns.NSVeth)
	if err != nil {
		return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, fmt.Errorf("failed to find %s: %w", ns.NSVeth, err))
	}

	route := netlink.Route{
		LinkIndex: veth.Attrs().Index,
		Dst:       namespace.IPNet(netip.PrefixFrom(endpoint.Addr(), 32)),
		Gw:        net.IP(ns.HostAddr.Addr().AsSlice()),
	}
	if err := nsh.RouteAdd(&route); err != nil {
		// Same route left by a previous attempt in this namespace.
		if !errors.Is(err, unix.EEXIST) {
			return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
		}
		if err := nsh.RouteReplace(&route); err != nil {
			return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
		}
	}
	return &EscapeRoute{ns: ns, endpoint: endpoint, route: route}, nil
}

// Endpoint returns the VPN endpoint the route points at.
func (e *EscapeRoute) Endpoint() netip.AddrPort { return e.endpoint }

// Namespace returns the namespace holding the route.
func (e *EscapeRoute) Namespace() *namespace.Namespace { return e.ns }

// Remove deletes the escape route. A route or namespace already gone is not
// an error.
func (e *EscapeRoute) Remove() error {
	return deleteRoute(e.ns, &e.route)
}

// InstallKillswitchDefault installs 0.0.0.0/0 through the tunnel. It refuses
// to run when any default route already exists in the namespace, and checks
// afterwards that the new route is the only one.
func InstallKillswitchDefault(t *Tunnel) (*Killswitch, error) {
	op := fmt.Sprintf("install default route via %s in namespace %s", t.name, t.ns.Name)

	nsh, err := t.ns.Netlink()
	if err != nil {
		return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
	}
	defer nsh.Close()

	routes, err := listRoutes(nsh)
	if err != nil {
		return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
	}
	if defaults := defaultRoutes(routes); len(defaults) > 0 {
		return nil, vpnerr.Errorf(vpnerr.KillswitchViolated, op,
			"namespace already has %d default route(s) (first via %s); refusing to add another", len(defaults), describe(defaults[0]))
	}

	route := netlink.Route{
		LinkIndex: t.index,
		Dst:       namespace.IPNet(netip.MustParsePrefix("0.0.0.0/0")),
		Scope:     netlink.SCOPE_LINK,
	}
	if err := nsh.RouteAdd(&route); err != nil {
		return nil, vpnerr.New(vpnerr.RouteInstallFailed, op, err)
	}

	ks := &Killswitch{tunnel: t, route: route}
	if err := ks.Verify(); err != nil {
		if rmErr := ks.Remove(); rmErr != nil {
			t.log.Warn("failed to remove default route after failed verification", "error", rmErr)
		}
		return nil, err
	}
	t.log.Info("killswitch default route installed", "namespace", t.ns.Name, "interface", t.name)
	return ks, nil
}

// Tunnel returns the tunnel the default route points at.
func (k *Killswitch) Tunnel() *Tunnel { return k.tunnel }

// Verify re-reads every routing table in the namespace and checks the
// killswitch invariant still holds.
func (k *Killswitch) Verify() error {
	op := "verify killswitch in namespace " + k.tunnel.ns.Name
	nsh, err := k.tunnel.ns.Netlink()
	if err != nil {
		return vpnerr.New(vpnerr.KillswitchViolated, op, err)
	}
	defer nsh.Close()

	routes, err := listRoutes(nsh)
	if err != nil {
		return vpnerr.New(vpnerr.KillswitchViolated, op, err)
	}
	if err := VerifyKillswitch(routes, k.tunnel.index); err != nil {
		return vpnerr.New(vpnerr.KillswitchViolated, op, err)
	}
	return nil
}

// Remove deletes the default route. The namespace is left with no default
// route at all, which still blocks all non-tunnel traffic.
func (k *Killswitch) Remove() error {
	return deleteRoute(k.tunnel.ns, &k.route)
}

// VerifyKillswitch checks that routes, taken from every table of the
// namespace, contain exactly one IPv4 default route, through tunnelIndex,
// and no IPv6 default route.
func VerifyKillswitch(routes []netlink.Route, tunnelIndex int) error {
	defaults := defaultRoutes(routes)
	var v4 []netlink.Route
	for _, r := range defaults {
		if routeFamily(r) == netlink.FAMILY_V6 {
			return fmt.Errorf("IPv6 default route via %s bypasses the tunnel", describe(r))
		}
		v4 = append(v4, r)
	}
	switch len(v4) {
	case 0:
		return errors.New("no default route via the tunnel")
	case 1:
	default:
		return fmt.Errorf("%d default routes present; only the tunnel may hold one", len(v4))
	}

	r := v4[0]
	if len(r.MultiPath) > 0 {
		for _, hop := range r.MultiPath {
			if hop.LinkIndex != tunnelIndex {
				return fmt.Errorf("default route has a next hop via link %d, not the tunnel", hop.LinkIndex)
			}
		}
		return nil
	}
	if r.LinkIndex != tunnelIndex {
		return fmt.Errorf("default route is via %s, not the tunnel (link %d)", describe(r), tunnelIndex)
	}
	return nil
}

// listRoutes returns the routes of every table, both families.
func listRoutes(nsh *netlink.Handle) ([]netlink.Route, error) {
	routes, err := nsh.RouteListFiltered(netlink.FAMILY_ALL,
		&netlink.Route{Table: unix.RT_TABLE_UNSPEC}, netlink.RT_FILTER_TABLE)
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return routes, nil
}

func defaultRoutes(routes []netlink.Route) []netlink.Route {
	var out []netlink.Route
	for _, r := range routes {
		if isDefault(r) {
			out = append(out, r)
		}
	}
	return out
}

func isDefault(r netlink.Route) bool {
	// Local and broadcast entries in the local table are never defaults.
	if r.Type != 0 && r.Type != unix.RTN_UNICAST {
		return false
	}
	if r.Dst == nil {
		return true
	}
	ones, _ := r.Dst.Mask.Size()
	return ones == 0
}

// routeFamily uses the family the kernel reported, falling back to the
// addresses for routes built by hand.
func routeFamily(r netlink.Route) int {
	if r.Family == netlink.FAMILY_V4 || r.Family == netlink.FAMILY_V6 {
		return r.Family
	}
	if r.Dst != nil {
		if r.Dst.IP.To4() != nil {
			return netlink.FAMILY_V4
		}
		return netlink.FAMILY_V6
	}
	if r.Gw != nil && r.Gw.To4() == nil {
		return netlink.FAMILY_V6
	}
	return netlink.FAMILY_V4
}

func describe(r netlink.Route) string {
	if r.Gw != nil {
		return fmt.Sprintf("%s (link %d)", r.Gw, r.LinkIndex)
	}
	return fmt.Sprintf("link %d", r.LinkIndex)
}

func deleteRoute(ns *namespace.Namespace, route *netlink.Route) error {
	if !namespace.Exists(ns.Name) {
		return nil
	}
	nsh, err := ns.Netlink()
	if err != nil {
		return err
	}
	defer nsh.Close()

	if err := nsh.RouteDel(route); err != nil && !errors.Is(err, unix.ESRCH) && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("failed to delete route %s: %w", route.Dst, err)
	}
	return nil
}
