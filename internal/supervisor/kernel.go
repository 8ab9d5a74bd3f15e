package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"time"

	"github.com/vas-solutus/arca-vpnns/internal/config"
	"github.com/vas-solutus/arca-vpnns/internal/dns"
	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/nat"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
	"github.com/vas-solutus/arca-vpnns/internal/wgconf"
	"github.com/vas-solutus/arca-vpnns/internal/wireguard"
)

// KernelStack is the Stack backed by netlink, wgctrl and nftables.
type KernelStack struct {
	cfg    *config.Config
	log    *slog.Logger
	ctl    *namespace.Controller
	loader wgconf.Loader

	spec *wgconf.TunnelSpec
	ns   *namespace.Namespace
	esc  *wireguard.EscapeRoute
	tun  *wireguard.Tunnel
	ks   *wireguard.Killswitch
	nat  *nat.Rule

	// createTried is set once CreateNamespace ran. From then on only
	// artifacts this stack created are torn down.
	createTried bool
}

// NewKernelStack returns a stack for the instance described by cfg.
func NewKernelStack(cfg *config.Config, log *slog.Logger) *KernelStack {
	return &KernelStack{
		cfg:    cfg,
		log:    log,
		ctl:    namespace.NewController(log),
		loader: wgconf.Loader{FallbackDNS: cfg.Tunnel.FallbackDNSAddr()},
	}
}

// Spec returns the loaded descriptor, or nil before Preflight.
func (k *KernelStack) Spec() *wgconf.TunnelSpec { return k.spec }

// Tunnel returns the running tunnel, or nil.
func (k *KernelStack) Tunnel() *wireguard.Tunnel { return k.tun }

func (k *KernelStack) nsOptions() namespace.Options {
	n := k.cfg.Namespace
	return namespace.Options{
		Name:     n.Name,
		HostVeth: n.HostVethName(),
		NSVeth:   n.NSVethName(),
		Subnet:   n.SubnetPrefix(),
		EtcDir:   n.NetnsEtcDir,
	}
}

func (k *KernelStack) natRule(source netip.Addr, endpoint netip.Addr) *nat.Rule {
	return &nat.Rule{
		Table:    k.cfg.NAT.Table,
		Instance: k.cfg.Namespace.Name,
		Source:   source,
		Exclude:  k.cfg.Namespace.SubnetPrefix().Masked(),
		HostVeth: k.cfg.Namespace.HostVethName(),
		Endpoint: endpoint,
		Guard:    k.cfg.NAT.EgressGuard,
		Log:      k.log,
	}
}

// Preflight clears a crashed instance and loads the tunnel descriptor. The
// descriptor is needed before the namespace exists because the egress guard
// installed with it names the endpoint.
func (k *KernelStack) Preflight(ctx context.Context) error {
	if err := k.recover(ctx); err != nil {
		return err
	}

	spec, err := k.loader.Load(k.cfg.Tunnel.Config)
	if err != nil {
		return err
	}
	for _, note := range spec.Notes {
		k.log.Warn("tunnel descriptor", "note", note)
	}
	if len(spec.Ignored) > 0 {
		k.log.Info("ignoring wg-quick directives", "directives", spec.Ignored)
	}
	k.spec = spec
	return nil
}

// recover tears down what a previous supervisor recorded but never removed.
func (k *KernelStack) recover(ctx context.Context) error {
	op := "recover instance " + k.cfg.Namespace.Name
	path := k.cfg.StateFile()
	st, err := namespace.LoadState(path)
	if err != nil {
		k.log.Warn("ignoring unreadable state file", "path", path, "error", err)
		return nil
	}
	if st == nil {
		return nil
	}
	if st.Alive() {
		return vpnerr.Errorf(vpnerr.NamespaceExists, op, "supervisor pid %d still owns namespace %s", st.PID, st.Name)
	}

	k.log.Warn("cleaning up after a previous instance that did not shut down",
		"pid", st.PID, "namespace", st.Name, "created", st.CreatedAt)
	report := Recover(ctx, k.ctl, st, k.log)
	if err := namespace.ClearState(path); err != nil {
		report.Add(fmt.Errorf("failed to remove state file: %w", err))
	}
	if !report.Clean() {
		return vpnerr.New(vpnerr.NamespaceCreationFailed, op, report.Err())
	}
	return nil
}

// Recover removes the NAT rules and namespace described by a state record.
func Recover(ctx context.Context, ctl *namespace.Controller, st *namespace.State, log *slog.Logger) vpnerr.Report {
	var report vpnerr.Report
	if st.NATTable != "" {
		rule := &nat.Rule{Table: st.NATTable, Instance: st.Name, Log: log}
		report.Add(rule.Remove())
	}
	subnet, _ := netip.ParsePrefix(st.Subnet)
	report.Merge(ctl.Destroy(ctx, namespace.Options{
		Name:     st.Name,
		HostVeth: st.HostVeth,
		NSVeth:   st.NSVeth,
		Subnet:   subnet,
		EtcDir:   st.EtcDir,
	}))
	return report
}

// CreateNamespace builds the namespace and installs the host NAT rules.
func (k *KernelStack) CreateNamespace(ctx context.Context) error {
	opts := k.nsOptions()
	k.createTried = true
	ns, err := k.ctl.Create(ctx, opts)
	if err != nil {
		return err
	}
	k.ns = ns

	st := &namespace.State{
		Name:      ns.Name,
		HostVeth:  ns.HostVeth,
		NSVeth:    ns.NSVeth,
		Subnet:    ns.Subnet().String(),
		EtcDir:    opts.EtcDir,
		NATTable:  k.cfg.NAT.Table,
		Tunnel:    k.cfg.Tunnel.Interface,
		PID:       os.Getpid(),
		CreatedAt: time.Now(),
	}
	if err := namespace.SaveState(k.cfg.StateFile(), st); err != nil {
		k.log.Warn("failed to record instance state; a crash will need manual cleanup", "error", err)
	}

	rule := k.natRule(ns.NSAddr.Addr(), k.spec.Endpoint.Addr())
	if err := rule.Install(); err != nil {
		return err
	}
	k.nat = rule
	return nil
}

// StartTunnel writes the namespace resolv.conf, routes the endpoint out
// through the veth and brings the tunnel up.
func (k *KernelStack) StartTunnel(ctx context.Context) error {
	content := dns.ResolvConf(k.ns.Name, k.spec.DNS, k.spec.SearchDomains)
	if err := k.ns.WriteResolvConf(content); err != nil {
		return vpnerr.New(vpnerr.NamespaceCreationFailed, "write resolv.conf for "+k.ns.Name, err)
	}

	esc, err := wireguard.InstallEscapeRoute(k.ns, k.spec.Endpoint)
	if err != nil {
		return err
	}
	k.esc = esc

	tun, err := wireguard.BringUp(ctx, esc, k.spec, wireguard.Options{
		Interface:           k.cfg.Tunnel.Interface,
		MTU:                 k.cfg.Tunnel.MTU,
		PersistentKeepalive: k.cfg.Tunnel.PersistentKeepaliveDuration(),
		Log:                 k.log,
	})
	if err != nil {
		return err
	}
	k.tun = tun
	return nil
}

// InstallRoutes installs the killswitch default route.
func (k *KernelStack) InstallRoutes(ctx context.Context) error {
	ks, err := wireguard.InstallKillswitchDefault(k.tun)
	if err != nil {
		return err
	}
	k.ks = ks
	return nil
}

// Check requires the killswitch to hold and a handshake to complete.
func (k *KernelStack) Check(ctx context.Context) error {
	if err := k.ks.Verify(); err != nil {
		return err
	}
	at, err := k.tun.WaitHandshake(ctx, k.cfg.Tunnel.HandshakeTimeoutDuration())
	if err != nil {
		return err
	}
	k.log.Info("handshake completed", "endpoint", k.spec.Endpoint, "at", at.Format(time.RFC3339))
	return nil
}

// Health checks the namespace, the killswitch, handshake freshness and,
// when configured, DNS resolution through the tunnel.
func (k *KernelStack) Health(ctx context.Context) Health {
	name := k.cfg.Namespace.Name
	if !namespace.Exists(name) {
		return Health{Fatal: vpnerr.Errorf(vpnerr.NamespaceLost, "monitor "+name, "namespace %s disappeared", name)}
	}
	if k.ks == nil {
		return Health{Degraded: "killswitch not installed"}
	}
	if err := k.ks.Verify(); err != nil {
		return Health{Fatal: err}
	}

	st, err := k.tun.Status()
	if err != nil {
		return Health{Degraded: err.Error()}
	}
	h := Health{Handshake: st.LastHandshake}
	stale := k.cfg.Health.StaleHandshakeDuration()
	if !st.HandshakeSeen() || time.Since(st.LastHandshake) > stale {
		h.Degraded = fmt.Sprintf("no handshake with %s for more than %s", k.spec.Endpoint, stale)
		return h
	}

	if probe := k.cfg.Health.ProbeName; probe != "" {
		prober := dns.NewProber(k.spec.DNS, k.cfg.Health.ProbeTimeoutDuration(), k.log)
		err := k.ns.Do(func() error {
			_, err := prober.Probe(ctx, probe)
			return err
		})
		if err != nil {
			h.Degraded = err.Error()
		}
	}
	return h
}

// Teardown removes the killswitch, tunnel, escape route, NAT rules and
// namespace, in that order. It works without a prior Setup in this process,
// using the configured names. After a CreateNamespace that did not yield a
// namespace, the configured names belong to someone else and are left alone.
func (k *KernelStack) Teardown(ctx context.Context) vpnerr.Report {
	var report vpnerr.Report
	if k.createTried && k.ns == nil {
		k.log.Info("namespace was never created by this instance; nothing to remove",
			"namespace", k.cfg.Namespace.Name)
		return report
	}
	if k.ks != nil {
		if err := k.ks.Remove(); err != nil {
			report.Add(fmt.Errorf("failed to remove default route: %w", err))
		}
		k.ks = nil
	}
	if k.tun != nil {
		report.Add(k.tun.Delete())
		k.tun = nil
	}
	if k.esc != nil {
		if err := k.esc.Remove(); err != nil {
			report.Add(fmt.Errorf("failed to remove escape route: %w", err))
		}
		k.esc = nil
	}

	rule := k.nat
	if rule == nil {
		rule = &nat.Rule{Table: k.cfg.NAT.Table, Instance: k.cfg.Namespace.Name, Log: k.log}
	}
	report.Add(rule.Remove())
	k.nat = nil

	report.Merge(k.ctl.Destroy(ctx, k.nsOptions()))
	k.ns = nil

	if err := namespace.ClearState(k.cfg.StateFile()); err != nil {
		report.Add(fmt.Errorf("failed to remove state file: %w", err))
	}
	return report
}
