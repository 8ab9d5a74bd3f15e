// Package namespace creates and destroys the named network namespace and the
// veth pair that joins it to the host.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"github.com/vas-solutus/arca-vpnns/internal/platform"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// Controller owns namespace lifecycle on the host.
type Controller struct {
	log *slog.Logger
}

// NewController returns a Controller that logs to log.
func NewController(log *slog.Logger) *Controller {
	return &Controller{log: log}
}

// Exists reports whether a namespace named name is bind-mounted.
func Exists(name string) bool {
	_, err := os.Stat(Path(name))
	return err == nil
}

// Create allocates the namespace, brings up its loopback, disables IPv6
// inside it and joins it to the host with an addressed veth pair. On
// failure everything created so far is destroyed before returning.
func (c *Controller) Create(ctx context.Context, opts Options) (*Namespace, error) {
	op := "create namespace " + opts.Name
	if err := ValidateName(opts.Name); err != nil {
		return nil, vpnerr.New(vpnerr.NamespaceCreationFailed, op, err)
	}
	hostAddr, nsAddr, err := Plan(opts.Subnet)
	if err != nil {
		return nil, vpnerr.New(vpnerr.NamespaceCreationFailed, op, err)
	}

	if Exists(opts.Name) {
		return nil, vpnerr.Errorf(vpnerr.NamespaceExists, op, "%s already exists; another instance owns this name", Path(opts.Name))
	}
	if _, err := netlink.LinkByName(opts.HostVeth); err == nil {
		return nil, vpnerr.Errorf(vpnerr.NamespaceExists, op, "host interface %s already exists", opts.HostVeth)
	}

	nsHandle, err := newNamed(opts.Name)
	if err != nil {
		return nil, classify(op, err)
	}
	defer nsHandle.Close()

	ns := &Namespace{
		Name:     opts.Name,
		HostVeth: opts.HostVeth,
		NSVeth:   opts.NSVeth,
		HostAddr: hostAddr,
		NSAddr:   nsAddr,
		etcDir:   opts.EtcDir,
	}

	fail := func(step string, err error) (*Namespace, error) {
		report := c.Destroy(context.WithoutCancel(ctx), opts)
		for _, f := range report.Failures {
			c.log.Warn("cleanup after failed create left an artifact", "namespace", opts.Name, "error", f)
		}
		return nil, classify(op, fmt.Errorf("failed to %s: %w", step, err))
	}

	if err := ctx.Err(); err != nil {
		return fail("continue setup", err)
	}

	nsh, err := netlink.NewHandleAt(nsHandle)
	if err != nil {
		return fail("open netlink handle in namespace", err)
	}
	defer nsh.Close()

	lo, err := nsh.LinkByName("lo")
	if err != nil {
		return fail("find lo in namespace", err)
	}
	if err := nsh.LinkSetUp(lo); err != nil {
		return fail("bring up lo", err)
	}

	if err := doIn(nsHandle, disableIPv6); err != nil {
		return fail("disable IPv6 in namespace", err)
	}

	veth := &netlink.Veth{
		LinkAttrs: netlink.LinkAttrs{Name: opts.HostVeth},
		PeerName:  opts.NSVeth,
	}
	if err := netlink.LinkAdd(veth); err != nil {
		return fail("create veth pair", err)
	}

	hostLink, err := netlink.LinkByName(opts.HostVeth)
	if err != nil {
		return fail("find host veth "+opts.HostVeth, err)
	}
	if err := netlink.AddrAdd(hostLink, &netlink.Addr{IPNet: IPNet(hostAddr)}); err != nil {
		return fail("add address to host veth", err)
	}
	if err := netlink.LinkSetUp(hostLink); err != nil {
		return fail("bring up host veth", err)
	}

	peerLink, err := netlink.LinkByName(opts.NSVeth)
	if err != nil {
		return fail("find peer veth "+opts.NSVeth, err)
	}
	if err := netlink.LinkSetNsFd(peerLink, int(nsHandle)); err != nil {
		return fail("move veth to namespace", err)
	}

	nsLink, err := nsh.LinkByName(opts.NSVeth)
	if err != nil {
		return fail("find veth inside namespace", err)
	}
	if err := nsh.AddrAdd(nsLink, &netlink.Addr{IPNet: IPNet(nsAddr)}); err != nil {
		return fail("add address to namespace veth", err)
	}
	if err := nsh.LinkSetUp(nsLink); err != nil {
		return fail("bring up namespace veth", err)
	}

	c.log.Info("namespace created",
		"namespace", opts.Name,
		"host_veth", opts.HostVeth, "host_addr", hostAddr,
		"ns_veth", opts.NSVeth, "ns_addr", nsAddr)
	return ns, nil
}

// Destroy removes the host veth, the namespace and its /etc/netns
// directory. It runs every step even when earlier ones fail and is safe to
// call on a namespace that was never fully created, or is already gone.
func (c *Controller) Destroy(ctx context.Context, opts Options) vpnerr.Report {
	var report vpnerr.Report

	// The host end does not always go away with the namespace: if the peer
	// never moved in, both ends still live on the host.
	if opts.HostVeth != "" {
		link, err := netlink.LinkByName(opts.HostVeth)
		switch {
		case err == nil:
			if err := netlink.LinkDel(link); err != nil && !isGone(err) {
				report.Add(fmt.Errorf("failed to delete host veth %s: %w", opts.HostVeth, err))
			} else {
				c.log.Debug("host veth deleted", "link", opts.HostVeth)
			}
		case isLinkNotFound(err):
		default:
			report.Add(fmt.Errorf("failed to look up host veth %s: %w", opts.HostVeth, err))
		}
	}

	if opts.Name != "" {
		if err := netns.DeleteNamed(opts.Name); err != nil && !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, unix.EINVAL) {
			report.Add(fmt.Errorf("failed to delete namespace %s: %w", opts.Name, err))
		} else {
			c.log.Debug("namespace deleted", "namespace", opts.Name)
		}
		// A failed unmount can leave the file behind.
		if err := os.Remove(Path(opts.Name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			report.Add(fmt.Errorf("failed to remove %s: %w", Path(opts.Name), err))
		}

		dir := filepath.Join(etcRoot(opts.EtcDir), opts.Name)
		if err := os.RemoveAll(dir); err != nil {
			report.Add(fmt.Errorf("failed to remove %s: %w", dir, err))
		}
	}

	return report
}

// WriteResolvConf writes /etc/netns/<name>/resolv.conf.
func (n *Namespace) WriteResolvConf(content []byte) error {
	if err := os.MkdirAll(n.EtcDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", n.EtcDir(), err)
	}
	if err := os.WriteFile(n.ResolvConfPath(), content, 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", n.ResolvConfPath(), err)
	}
	return nil
}

// Netlink returns a netlink handle whose sockets live in the namespace.
// The caller closes it.
func (n *Namespace) Netlink() (*netlink.Handle, error) {
	return OpenNetlink(n.Name)
}

// Do runs fn on an OS thread switched into the namespace.
func (n *Namespace) Do(fn func() error) error {
	return Do(n.Name, fn)
}

// OpenNetlink returns a netlink handle bound to the namespace called name.
func OpenNetlink(name string) (*netlink.Handle, error) {
	target, err := netns.GetFromName(name)
	if err != nil {
		return nil, fmt.Errorf("failed to open namespace %q: %w", name, err)
	}
	defer target.Close()

	h, err := netlink.NewHandleAt(target)
	if err != nil {
		return nil, fmt.Errorf("failed to open netlink handle in %q: %w", name, err)
	}
	return h, nil
}

// Do runs fn on an OS thread switched into the namespace called name.
func Do(name string, fn func() error) error {
	target, err := netns.GetFromName(name)
	if err != nil {
		return fmt.Errorf("failed to open namespace %q: %w", name, err)
	}
	defer target.Close()
	return doIn(target, fn)
}

func doIn(target netns.NsHandle, fn func() error) error {
	return onHostThread(func() error {
		if err := netns.Set(target); err != nil {
			return fmt.Errorf("failed to enter namespace: %w", err)
		}
		return fn()
	})
}

// newNamed creates and bind-mounts a namespace without moving the caller.
func newNamed(name string) (netns.NsHandle, error) {
	handle := netns.None()
	err := onHostThread(func() error {
		h, err := netns.NewNamed(name)
		if err != nil {
			return err
		}
		handle = h
		return nil
	})
	if err != nil {
		if handle.IsOpen() {
			handle.Close()
		}
		return netns.None(), err
	}
	return handle, nil
}

// onHostThread runs fn on a dedicated locked OS thread and switches that
// thread back to the host namespace afterwards. If the switch back fails
// the thread stays locked and is discarded when the goroutine exits.
func onHostThread(fn func() error) error {
	errc := make(chan error, 1)
	go func() {
		runtime.LockOSThread()

		host, err := netns.Get()
		if err != nil {
			errc <- fmt.Errorf("failed to get host namespace: %w", err)
			return
		}
		defer host.Close()

		fnErr := fn()
		if err := netns.Set(host); err != nil {
			errc <- errors.Join(fnErr, fmt.Errorf("failed to return to host namespace: %w", err))
			return
		}
		runtime.UnlockOSThread()
		errc <- fnErr
	}()
	return <-errc
}

func disableIPv6() error {
	for _, path := range []string{platform.IPv6Disable, "/proc/sys/net/ipv6/conf/default/disable_ipv6"} {
		if err := os.WriteFile(path, []byte("1\n"), 0o644); err != nil {
			// Kernels built without IPv6 have no v6 path to disable.
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.EPERM), errors.Is(err, unix.EACCES):
		return vpnerr.New(vpnerr.InsufficientPrivilege, op,
			fmt.Errorf("%w (CAP_SYS_ADMIN and CAP_NET_ADMIN are required)", err))
	case errors.Is(err, unix.EEXIST):
		return vpnerr.New(vpnerr.NamespaceExists, op, err)
	default:
		return vpnerr.New(vpnerr.NamespaceCreationFailed, op, err)
	}
}

func isLinkNotFound(err error) bool {
	var notFound netlink.LinkNotFoundError
	return errors.As(err, &notFound)
}

func isGone(err error) bool {
	return errors.Is(err, unix.ENODEV) || errors.Is(err, unix.ENOENT) || isLinkNotFound(err)
}
