// Package control exposes the supervisor's readiness over the standard gRPC
// health service, on a unix socket or, inside a VM, on a vsock port.
package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/mdlayher/vsock"
)

// Addr is a parsed control endpoint.
type Addr struct {
	Network string // "unix" or "vsock"
	Path    string
	CID     uint32
	Port    uint32
}

// ParseAddr accepts "unix:///path/to.sock", "vsock://PORT" and
// "vsock://CID:PORT". A bare absolute path is treated as a unix socket.
func ParseAddr(s string) (Addr, error) {
	switch {
	case strings.HasPrefix(s, "unix://"):
		path := strings.TrimPrefix(s, "unix://")
		if !filepath.IsAbs(path) {
			return Addr{}, fmt.Errorf("invalid unix address %q: path must be absolute", s)
		}
		return Addr{Network: "unix", Path: path}, nil
	case strings.HasPrefix(s, "/"):
		return Addr{Network: "unix", Path: s}, nil
	case strings.HasPrefix(s, "vsock://"):
		rest := strings.TrimPrefix(s, "vsock://")
		a := Addr{Network: "vsock", CID: vsock.Local}
		portStr := rest
		if cidStr, p, ok := strings.Cut(rest, ":"); ok {
			cid, err := strconv.ParseUint(cidStr, 10, 32)
			if err != nil {
				return Addr{}, fmt.Errorf("invalid CID in %q: %w", s, err)
			}
			a.CID = uint32(cid)
			portStr = p
		}
		port, err := strconv.ParseUint(portStr, 10, 32)
		if err != nil {
			return Addr{}, fmt.Errorf("invalid port in %q: %w", s, err)
		}
		a.Port = uint32(port)
		return a, nil
	default:
		return Addr{}, fmt.Errorf("unsupported control address %q (want unix:// or vsock://)", s)
	}
}

func (a Addr) String() string {
	if a.Network == "vsock" {
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	}
	return "unix://" + a.Path
}

// Listen opens the endpoint. A stale unix socket left by a crashed
// supervisor is removed first.
func Listen(a Addr) (net.Listener, error) {
	switch a.Network {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(a.Path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create socket directory: %w", err)
		}
		if err := os.Remove(a.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to remove stale socket %s: %w", a.Path, err)
		}
		l, err := net.Listen("unix", a.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on %s: %w", a.Path, err)
		}
		if err := os.Chmod(a.Path, 0o660); err != nil {
			l.Close()
			return nil, fmt.Errorf("failed to restrict %s: %w", a.Path, err)
		}
		return l, nil
	case "vsock":
		l, err := vsock.Listen(a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to listen on vsock port %d: %w", a.Port, err)
		}
		return l, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", a.Network)
	}
}

// dial is the gRPC context dialer for a.
func (a Addr) dial(ctx context.Context, _ string) (net.Conn, error) {
	switch a.Network {
	case "unix":
		var d net.Dialer
		return d.DialContext(ctx, "unix", a.Path)
	case "vsock":
		conn, err := vsock.Dial(a.CID, a.Port, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to dial vsock: %w", err)
		}
		return conn, nil
	default:
		return nil, fmt.Errorf("unsupported network %q", a.Network)
	}
}
