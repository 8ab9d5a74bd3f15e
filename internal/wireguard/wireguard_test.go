package wireguard

import (
	"net"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"

	"github.com/vas-solutus/arca-vpnns/internal/wgconf"
)

const tunnelIndex = 7

func mustCIDR(t *testing.T, s string) *net.IPNet {
	t.Helper()
	_, n, err := net.ParseCIDR(s)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func TestVerifyKillswitch(t *testing.T) {
	vethIndex := 3
	tunnelDefault := netlink.Route{LinkIndex: tunnelIndex, Dst: mustCIDR(t, "0.0.0.0/0"), Type: unix.RTN_UNICAST}
	escape := netlink.Route{LinkIndex: vethIndex, Dst: mustCIDR(t, "203.0.113.5/32"), Gw: net.ParseIP("10.200.200.1")}
	connected := netlink.Route{LinkIndex: vethIndex, Dst: mustCIDR(t, "10.200.200.0/30")}
	local := netlink.Route{LinkIndex: vethIndex, Dst: mustCIDR(t, "10.200.200.2/32"), Type: unix.RTN_LOCAL, Table: unix.RT_TABLE_LOCAL}

	tests := []struct {
		name    string
		routes  []netlink.Route
		wantErr string
	}{
		{
			name:   "single default via tunnel",
			routes: []netlink.Route{connected, escape, local, tunnelDefault},
		},
		{
			name:   "legacy nil destination default",
			routes: []netlink.Route{escape, {LinkIndex: tunnelIndex}},
		},
		{
			name:    "no default",
			routes:  []netlink.Route{connected, escape},
			wantErr: "no default route",
		},
		{
			name:    "default via veth",
			routes:  []netlink.Route{connected, {LinkIndex: vethIndex, Dst: mustCIDR(t, "0.0.0.0/0"), Gw: net.ParseIP("10.200.200.1")}},
			wantErr: "not the tunnel",
		},
		{
			name: "extra default in another table",
			routes: []netlink.Route{
				tunnelDefault,
				{LinkIndex: vethIndex, Dst: mustCIDR(t, "0.0.0.0/0"), Gw: net.ParseIP("10.200.200.1"), Table: 100},
			},
			wantErr: "2 default routes",
		},
		{
			name:    "ipv6 default",
			routes:  []netlink.Route{tunnelDefault, {LinkIndex: vethIndex, Dst: mustCIDR(t, "::/0")}},
			wantErr: "IPv6 default",
		},
		{
			name:    "device-only ipv6 default",
			routes:  []netlink.Route{tunnelDefault, {LinkIndex: vethIndex, Family: netlink.FAMILY_V6}},
			wantErr: "IPv6 default",
		},
		{
			name:   "kernel-reported ipv4 family",
			routes: []netlink.Route{{LinkIndex: tunnelIndex, Family: netlink.FAMILY_V4}},
		},
		{
			name: "multipath through tunnel only",
			routes: []netlink.Route{{
				Dst:       mustCIDR(t, "0.0.0.0/0"),
				MultiPath: []*netlink.NexthopInfo{{LinkIndex: tunnelIndex}},
			}},
		},
		{
			name: "multipath leaking hop",
			routes: []netlink.Route{{
				Dst:       mustCIDR(t, "0.0.0.0/0"),
				MultiPath: []*netlink.NexthopInfo{{LinkIndex: tunnelIndex}, {LinkIndex: vethIndex}},
			}},
			wantErr: "next hop",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyKillswitch(tt.routes, tunnelIndex)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("VerifyKillswitch() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("VerifyKillswitch() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func testSpec(t *testing.T) *wgconf.TunnelSpec {
	t.Helper()
	priv, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	peer, err := wgtypes.GeneratePrivateKey()
	if err != nil {
		t.Fatal(err)
	}
	return &wgconf.TunnelSpec{
		LocalAddress:  netip.MustParsePrefix("10.6.0.2/32"),
		DNS:           netip.MustParseAddr("10.6.0.1"),
		Endpoint:      netip.MustParseAddrPort("203.0.113.5:51820"),
		PrivateKey:    priv.String(),
		PeerPublicKey: peer.PublicKey().String(),
		AllowedIPs:    []netip.Prefix{netip.MustParsePrefix("0.0.0.0/0")},
	}
}

func TestDeviceConfig(t *testing.T) {
	spec := testSpec(t)
	cfg, err := deviceConfig(spec, DefaultPersistentKeepalive)
	if err != nil {
		t.Fatalf("deviceConfig() error = %v", err)
	}
	if cfg.PrivateKey == nil || cfg.PrivateKey.String() != spec.PrivateKey {
		t.Fatal("private key not carried over")
	}
	if !cfg.ReplacePeers || len(cfg.Peers) != 1 {
		t.Fatalf("want exactly one peer replacing any existing, got %+v", cfg.Peers)
	}
	if cfg.ListenPort != nil || cfg.FirewallMark != nil {
		t.Error("unset ListenPort/FwMark must leave the kernel defaults")
	}

	peer := cfg.Peers[0]
	if peer.PublicKey.String() != spec.PeerPublicKey {
		t.Errorf("peer key = %s", peer.PublicKey)
	}
	if peer.Endpoint.String() != "203.0.113.5:51820" {
		t.Errorf("endpoint = %s", peer.Endpoint)
	}
	if *peer.PersistentKeepaliveInterval != 25*time.Second {
		t.Errorf("keepalive = %v", *peer.PersistentKeepaliveInterval)
	}
	if len(peer.AllowedIPs) != 1 || peer.AllowedIPs[0].String() != "0.0.0.0/0" {
		t.Errorf("allowed ips = %v", peer.AllowedIPs)
	}
	if peer.PresharedKey != nil {
		t.Error("no preshared key was configured")
	}

	off := time.Duration(0)
	spec.PersistentKeepalive = &off
	spec.ListenPort = 51000
	psk, _ := wgtypes.GenerateKey()
	spec.PresharedKey = psk.String()
	cfg, err = deviceConfig(spec, DefaultPersistentKeepalive)
	if err != nil {
		t.Fatalf("deviceConfig() error = %v", err)
	}
	if *cfg.Peers[0].PersistentKeepaliveInterval != 0 {
		t.Error("descriptor keepalive must override the default")
	}
	if cfg.ListenPort == nil || *cfg.ListenPort != 51000 {
		t.Error("listen port not carried over")
	}
	if cfg.Peers[0].PresharedKey == nil || *cfg.Peers[0].PresharedKey != psk {
		t.Error("preshared key not carried over")
	}
}

func TestDeviceConfigRejectsBadKeys(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*wgconf.TunnelSpec)
		want   string
	}{
		{"missing private key", func(s *wgconf.TunnelSpec) { s.PrivateKey = "" }, "PrivateKey"},
		{"short private key", func(s *wgconf.TunnelSpec) { s.PrivateKey = "c2hvcnQ=" }, "PrivateKey"},
		{"garbage peer key", func(s *wgconf.TunnelSpec) { s.PeerPublicKey = "not base64!" }, "PublicKey"},
		{"garbage psk", func(s *wgconf.TunnelSpec) { s.PresharedKey = "AAAA" }, "PresharedKey"},
		{"peer is self", func(s *wgconf.TunnelSpec) {
			k, _ := wgtypes.ParseKey(s.PrivateKey)
			s.PeerPublicKey = k.PublicKey().String()
		}, "own public key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := testSpec(t)
			tt.mutate(spec)
			if _, err := deviceConfig(spec, DefaultPersistentKeepalive); err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("deviceConfig() error = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestDerivePublicKeyMatchesWgtypes(t *testing.T) {
	for i := 0; i < 4; i++ {
		priv, err := wgtypes.GeneratePrivateKey()
		if err != nil {
			t.Fatal(err)
		}
		got, err := derivePublicKey(priv.String())
		if err != nil {
			t.Fatalf("derivePublicKey() error = %v", err)
		}
		if want := priv.PublicKey().String(); got != want {
			t.Fatalf("derivePublicKey() = %s, want %s", got, want)
		}
	}

	if _, err := derivePublicKey("c2hvcnQ="); err == nil {
		t.Fatal("short key accepted")
	}
}

func TestStatusHandshakeSeen(t *testing.T) {
	if (Status{}).HandshakeSeen() {
		t.Error("zero time counted as a handshake")
	}
	if (Status{LastHandshake: time.Unix(0, 0)}).HandshakeSeen() {
		t.Error("epoch counted as a handshake")
	}
	if !(Status{LastHandshake: time.Now()}).HandshakeSeen() {
		t.Error("recent handshake not seen")
	}
}
