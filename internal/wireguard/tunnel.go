// Package wireguard brings up the WireGuard interface inside the namespace
// and installs the routes that confine the namespace to it.
//
// Each stage returns a value the next stage requires: a namespace yields an
// EscapeRoute, an EscapeRoute yields a Tunnel, and a Tunnel yields a
// Killswitch. The handshake therefore always has a path out before the
// interface exists, and the default route can only ever point at a live
// tunnel.
package wireguard

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
	"github.com/vas-solutus/arca-vpnns/internal/wgconf"
)

const (
	DefaultMTU                 = 1420
	DefaultPersistentKeepalive = 25 * time.Second
)

// Options holds tunnel settings that the descriptor may leave unset.
type Options struct {
	Interface           string
	MTU                 int
	PersistentKeepalive time.Duration
	Log                 *slog.Logger
}

// Tunnel is a configured, running WireGuard interface inside the namespace.
type Tunnel struct {
	ns        *namespace.Namespace
	esc       *EscapeRoute
	log       *slog.Logger
	name      string
	index     int
	publicKey string
	peer      wgtypes.Key
}

// Status is a snapshot of the device as seen by the kernel.
type Status struct {
	Interface           string
	PublicKey           string
	ListenPort          int
	Endpoint            string
	LastHandshake       time.Time
	ReceiveBytes        int64
	TransmitBytes       int64
	PersistentKeepalive time.Duration
}

// HandshakeSeen reports whether the peer ever completed a handshake.
func (s Status) HandshakeSeen() bool { return s.LastHandshake.Unix() > 0 }

// BringUp creates the WireGuard link inside the escape route's namespace,
// applies the keys and the single peer, assigns the local address, sets the
// MTU and brings the link up. On failure the link is deleted before
// returning.
func BringUp(ctx context.Context, esc *EscapeRoute, spec *wgconf.TunnelSpec, opts Options) (*Tunnel, error) {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	name := opts.Interface
	if name == "" {
		name = "wg0"
	}
	op := fmt.Sprintf("bring up %s in namespace %s", name, esc.ns.Name)

	if spec.Endpoint != esc.endpoint {
		return nil, vpnerr.Errorf(vpnerr.TunnelConfigRejected, op,
			"escape route targets %s but the peer endpoint is %s", esc.endpoint, spec.Endpoint)
	}

	cfg, err := deviceConfig(spec, opts.PersistentKeepalive)
	if err != nil {
		return nil, vpnerr.New(vpnerr.TunnelConfigRejected, op, err)
	}
	publicKey, err := derivePublicKey(spec.PrivateKey)
	if err != nil {
		return nil, vpnerr.New(vpnerr.TunnelConfigRejected, op, err)
	}

	mtu := spec.MTU
	if mtu == 0 {
		mtu = opts.MTU
	}
	if mtu == 0 {
		mtu = DefaultMTU
	}

	log.Info("creating WireGuard interface",
		"namespace", esc.ns.Name, "interface", name, "endpoint", spec.Endpoint,
		"address", spec.LocalAddress, "mtu", mtu, "public_key", publicKey)

	nsh, err := esc.ns.Netlink()
	if err != nil {
		return nil, vpnerr.New(vpnerr.TunnelConfigRejected, op, err)
	}
	defer nsh.Close()

	link := &netlink.Wireguard{LinkAttrs: netlink.LinkAttrs{Name: name, MTU: mtu}}
	if err := nsh.LinkAdd(link); err != nil {
		if errors.Is(err, unix.EOPNOTSUPP) {
			err = fmt.Errorf("%w (is the wireguard kernel module loaded?)", err)
		}
		return nil, vpnerr.New(vpnerr.TunnelConfigRejected, op, fmt.Errorf("failed to create interface: %w", err))
	}

	t := &Tunnel{
		ns:        esc.ns,
		esc:       esc,
		log:       log,
		name:      name,
		publicKey: publicKey,
		peer:      cfg.Peers[0].PublicKey,
	}
	fail := func(step string, err error) (*Tunnel, error) {
		if delErr := t.Delete(); delErr != nil {
			log.Warn("failed to delete interface after failed bring-up", "interface", name, "error", delErr)
		}
		return nil, vpnerr.New(vpnerr.TunnelConfigRejected, op, fmt.Errorf("failed to %s: %w", step, err))
	}

	created, err := nsh.LinkByName(name)
	if err != nil {
		return fail("find interface", err)
	}
	t.index = created.Attrs().Index

	if err := ctx.Err(); err != nil {
		return fail("configure device", err)
	}
	if err := t.withClient(func(c *wgctrl.Client) error { return c.ConfigureDevice(name, cfg) }); err != nil {
		return fail("configure device", err)
	}

	addr := &netlink.Addr{IPNet: namespace.IPNet(spec.LocalAddress)}
	if err := nsh.AddrAdd(created, addr); err != nil {
		return fail("assign address "+spec.LocalAddress.String(), err)
	}
	if err := nsh.LinkSetMTU(created, mtu); err != nil {
		return fail("set MTU", err)
	}
	if err := nsh.LinkSetUp(created); err != nil {
		return fail("bring interface up", err)
	}

	log.Info("WireGuard interface up", "namespace", esc.ns.Name, "interface", name, "index", t.index)
	return t, nil
}

// Name returns the interface name.
func (t *Tunnel) Name() string { return t.name }

// Index returns the interface index inside the namespace.
func (t *Tunnel) Index() int { return t.index }

// PublicKey returns the interface public key.
func (t *Tunnel) PublicKey() string { return t.publicKey }

// Namespace returns the namespace the tunnel lives in.
func (t *Tunnel) Namespace() *namespace.Namespace { return t.ns }

// Status reads the device and its peer from the kernel.
func (t *Tunnel) Status() (Status, error) {
	var st Status
	err := t.withClient(func(c *wgctrl.Client) error {
		dev, err := c.Device(t.name)
		if err != nil {
			return err
		}
		st = Status{
			Interface:  dev.Name,
			PublicKey:  dev.PublicKey.String(),
			ListenPort: dev.ListenPort,
		}
		for _, p := range dev.Peers {
			if p.PublicKey != t.peer {
				continue
			}
			if p.Endpoint != nil {
				st.Endpoint = p.Endpoint.String()
			}
			st.LastHandshake = p.LastHandshakeTime
			st.ReceiveBytes = p.ReceiveBytes
			st.TransmitBytes = p.TransmitBytes
			st.PersistentKeepalive = p.PersistentKeepaliveInterval
		}
		return nil
	})
	if err != nil {
		return Status{}, fmt.Errorf("failed to read device %s: %w", t.name, err)
	}
	return st, nil
}

// WaitHandshake polls the device until the peer has completed a handshake
// or timeout elapses. It does not retry anything: an unreachable endpoint
// surfaces as HandshakeTimeout.
func (t *Tunnel) WaitHandshake(ctx context.Context, timeout time.Duration) (time.Time, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		st, err := t.Status()
		if err != nil {
			return time.Time{}, vpnerr.New(vpnerr.HandshakeTimeout, "wait for handshake", err)
		}
		if st.HandshakeSeen() {
			return st.LastHandshake, nil
		}
		select {
		case <-ctx.Done():
			return time.Time{}, vpnerr.Errorf(vpnerr.HandshakeTimeout, "wait for handshake",
				"no handshake with %s within %s; check the endpoint is reachable and the peer knows public key %s",
				t.esc.endpoint, timeout, t.publicKey)
		case <-ticker.C:
		}
	}
}

// Delete removes the interface. Routes through it go with it.
// An interface that is already gone is not an error.
func (t *Tunnel) Delete() error {
	nsh, err := t.ns.Netlink()
	if err != nil {
		if !namespace.Exists(t.ns.Name) {
			return nil
		}
		return err
	}
	defer nsh.Close()

	link, err := nsh.LinkByName(t.name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to find interface %s: %w", t.name, err)
	}
	if err := nsh.LinkDel(link); err != nil && !errors.Is(err, unix.ENODEV) {
		return fmt.Errorf("failed to delete interface %s: %w", t.name, err)
	}
	return nil
}

// withClient runs fn with a wgctrl client whose sockets live in the
// namespace.
func (t *Tunnel) withClient(fn func(*wgctrl.Client) error) error {
	return t.ns.Do(func() error {
		client, err := wgctrl.New()
		if err != nil {
			return fmt.Errorf("failed to create wgctrl client: %w", err)
		}
		defer client.Close()
		return fn(client)
	})
}

// deviceConfig translates the descriptor into wg-native device settings.
// Only fields the kernel understands are carried over.
func deviceConfig(spec *wgconf.TunnelSpec, keepalive time.Duration) (wgtypes.Config, error) {
	privateKey, err := wgtypes.ParseKey(spec.PrivateKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("PrivateKey: %w", err)
	}
	peerKey, err := wgtypes.ParseKey(spec.PeerPublicKey)
	if err != nil {
		return wgtypes.Config{}, fmt.Errorf("PublicKey: %w", err)
	}
	if peerKey == privateKey.PublicKey() {
		return wgtypes.Config{}, errors.New("PublicKey: peer key equals this interface's own public key")
	}

	if spec.PersistentKeepalive != nil {
		keepalive = *spec.PersistentKeepalive
	}

	peer := wgtypes.PeerConfig{
		PublicKey:                   peerKey,
		Endpoint:                    net.UDPAddrFromAddrPort(spec.Endpoint),
		PersistentKeepaliveInterval: &keepalive,
		ReplaceAllowedIPs:           true,
	}
	if spec.PresharedKey != "" {
		psk, err := wgtypes.ParseKey(spec.PresharedKey)
		if err != nil {
			return wgtypes.Config{}, fmt.Errorf("PresharedKey: %w", err)
		}
		peer.PresharedKey = &psk
	}
	for _, p := range spec.AllowedIPs {
		peer.AllowedIPs = append(peer.AllowedIPs, *namespace.IPNet(p))
	}

	cfg := wgtypes.Config{
		PrivateKey:   &privateKey,
		ReplacePeers: true,
		Peers:        []wgtypes.PeerConfig{peer},
	}
	if spec.ListenPort != 0 {
		port := spec.ListenPort
		cfg.ListenPort = &port
	}
	if spec.FirewallMark != 0 {
		mark := spec.FirewallMark
		cfg.FirewallMark = &mark
	}
	return cfg, nil
}

// derivePublicKey computes the Curve25519 public key of a base64 private key.
func derivePublicKey(privateKey string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to decode private key: %w", err)
	}
	if len(raw) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key is %d bytes, want %d", len(raw), curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(raw, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("failed to derive public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(pub), nil
}
