package control

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mdlayher/vsock"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestParseAddr(t *testing.T) {
	tests := []struct {
		in      string
		want    Addr
		wantErr bool
	}{
		{in: "unix:///run/arca-vpnns/vpn.sock", want: Addr{Network: "unix", Path: "/run/arca-vpnns/vpn.sock"}},
		{in: "/tmp/x.sock", want: Addr{Network: "unix", Path: "/tmp/x.sock"}},
		{in: "vsock://51830", want: Addr{Network: "vsock", CID: vsock.Local, Port: 51830}},
		{in: "vsock://2:51830", want: Addr{Network: "vsock", CID: 2, Port: 51830}},
		{in: "unix://relative.sock", wantErr: true},
		{in: "vsock://x:1", wantErr: true},
		{in: "vsock://", wantErr: true},
		{in: "tcp://127.0.0.1:80", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddr(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("ParseAddr(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddr(%q) error = %v", tt.in, err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("ParseAddr(%q) mismatch (-want +got):\n%s", tt.in, diff)
			}
		})
	}
}

// serve starts a control server on a socket in a temp dir.
func serve(t *testing.T) (*Server, Addr) {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	addr := Addr{Network: "unix", Path: filepath.Join(dir, "vpn.sock")}

	l, err := Listen(addr)
	if err != nil {
		t.Fatal(err)
	}
	srv := NewServer("vpn", nil)
	go srv.Serve(l)
	t.Cleanup(srv.Stop)
	return srv, addr
}

func dial(t *testing.T, addr Addr, service string) *Client {
	t.Helper()
	c, err := Dial(addr, service)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCheckFollowsServing(t *testing.T) {
	srv, addr := serve(t)
	c := dial(t, addr, "vpn")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resp, err := c.Check(ctx)
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", resp.GetStatus())
	}

	srv.SetServing(true)
	if resp, err = c.Check(ctx); err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("Check() = %v, %v; want SERVING", resp.GetStatus(), err)
	}

	srv.SetServing(false)
	if resp, err = c.Check(ctx); err != nil || resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("Check() = %v, %v; want NOT_SERVING", resp.GetStatus(), err)
	}
}

func TestCheckUnknownService(t *testing.T) {
	_, addr := serve(t)
	c := dial(t, addr, "other")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := c.Check(ctx); !errors.Is(err, ErrUnknownService) {
		t.Fatalf("Check() error = %v, want ErrUnknownService", err)
	}
}

func TestWaitReady(t *testing.T) {
	srv, addr := serve(t)
	c := dial(t, addr, "vpn")

	go func() {
		time.Sleep(200 * time.Millisecond)
		srv.SetServing(true)
	}()
	if err := c.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
}

func TestWaitReadyTimesOut(t *testing.T) {
	_, addr := serve(t)
	c := dial(t, addr, "vpn")

	start := time.Now()
	if err := c.WaitReady(context.Background(), 300*time.Millisecond); err == nil {
		t.Fatal("WaitReady() succeeded while NOT_SERVING")
	}
	if time.Since(start) > 3*time.Second {
		t.Fatal("WaitReady() ignored its timeout")
	}
}

func TestWaitReadyBeforeListen(t *testing.T) {
	dir, err := os.MkdirTemp("", "ctl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	addr := Addr{Network: "unix", Path: filepath.Join(dir, "vpn.sock")}
	c := dial(t, addr, "vpn")

	srv := NewServer("vpn", nil)
	defer srv.Stop()
	go func() {
		time.Sleep(200 * time.Millisecond)
		l, err := Listen(addr)
		if err != nil {
			return
		}
		srv.SetServing(true)
		srv.Serve(l)
	}()
	if err := c.WaitReady(context.Background(), 5*time.Second); err != nil {
		t.Fatalf("WaitReady() error = %v", err)
	}
}

func TestWatchSeesShutdown(t *testing.T) {
	srv, addr := serve(t)
	c := dial(t, addr, "vpn")
	srv.SetServing(true)

	var seen []healthpb.HealthCheckResponse_ServingStatus
	done := make(chan error, 1)
	go func() {
		done <- c.Watch(context.Background(), func(s healthpb.HealthCheckResponse_ServingStatus) bool {
			seen = append(seen, s)
			if s == healthpb.HealthCheckResponse_SERVING {
				srv.SetServing(false)
			}
			return s != healthpb.HealthCheckResponse_NOT_SERVING
		})
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watch() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not observe NOT_SERVING")
	}
	want := []healthpb.HealthCheckResponse_ServingStatus{
		healthpb.HealthCheckResponse_SERVING,
		healthpb.HealthCheckResponse_NOT_SERVING,
	}
	if diff := cmp.Diff(want, seen); diff != "" {
		t.Fatalf("statuses mismatch (-want +got):\n%s", diff)
	}
}

func TestStopEndsAttachedWatchers(t *testing.T) {
	srv, addr := serve(t)
	srv.stopGrace = 100 * time.Millisecond
	c := dial(t, addr, "vpn")
	srv.SetServing(true)

	watching := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		var once bool
		done <- c.Watch(context.Background(), func(s healthpb.HealthCheckResponse_ServingStatus) bool {
			if !once {
				once = true
				close(watching)
			}
			// Keep watching through NOT_SERVING, as a confined process does.
			return true
		})
	}()
	select {
	case <-watching:
	case <-time.After(5 * time.Second):
		t.Fatal("watch never started")
	}

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() blocked on an attached watcher")
	}

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("Watch() returned nil, want the closed stream reported")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Watch() did not return after Stop()")
	}
}

func TestListenReplacesStaleSocket(t *testing.T) {
	dir, err := os.MkdirTemp("", "ctl")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "vpn.sock")
	if err := os.WriteFile(path, nil, 0o600); err != nil {
		t.Fatal(err)
	}

	l, err := Listen(Addr{Network: "unix", Path: path})
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer l.Close()
	if _, ok := l.(*net.UnixListener); !ok {
		t.Fatalf("listener type %T", l)
	}
}
