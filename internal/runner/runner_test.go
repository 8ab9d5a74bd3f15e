package runner

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

type fakeReadiness struct {
	ready    chan struct{}
	statuses []healthpb.HealthCheckResponse_ServingStatus
	// endAfter ends the stream with endErr; zero holds it open.
	endAfter time.Duration
	endErr   error
}

func (f *fakeReadiness) WaitReady(ctx context.Context, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-f.ready:
		return nil
	case <-timer.C:
		return errors.New("not ready")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *fakeReadiness) Watch(ctx context.Context, fn func(healthpb.HealthCheckResponse_ServingStatus) bool) error {
	for _, s := range f.statuses {
		if !fn(s) {
			return nil
		}
	}
	var end <-chan time.Time
	if f.endAfter > 0 {
		end = time.After(f.endAfter)
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-end:
		return f.endErr
	}
}

func readyNow() *fakeReadiness {
	ch := make(chan struct{})
	close(ch)
	return &fakeReadiness{ready: ch, statuses: []healthpb.HealthCheckResponse_ServingStatus{healthpb.HealthCheckResponse_SERVING}}
}

// plainLauncher starts argv on the host and records when.
type plainLauncher struct {
	mu       sync.Mutex
	launched time.Time
	count    int
}

func (p *plainLauncher) Launch(_ string, argv []string) (*exec.Cmd, error) {
	cmd := exec.Command(argv[0], argv[1:]...)
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.launched = time.Now()
	p.count++
	p.mu.Unlock()
	return cmd, nil
}

func (p *plainLauncher) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

func quietLog() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newRunner(r Readiness, l Launcher, exists func(string) bool, argv ...string) *Runner {
	if exists == nil {
		exists = func(string) bool { return true }
	}
	return New(Options{
		Namespace:    "vpn",
		Command:      argv,
		ReadyTimeout: 2 * time.Second,
		Grace:        200 * time.Millisecond,
		PollInterval: 20 * time.Millisecond,
		Readiness:    r,
		Launcher:     l,
		Exists:       exists,
		Log:          quietLog(),
	})
}

func TestRunWaitsForReadiness(t *testing.T) {
	ready := make(chan struct{})
	fr := &fakeReadiness{ready: ready}
	launcher := &plainLauncher{}
	r := newRunner(fr, launcher, nil, "true")

	var released time.Time
	go func() {
		time.Sleep(150 * time.Millisecond)
		released = time.Now()
		close(ready)
	}()

	code, err := r.Run(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v", code, err)
	}
	if launcher.launched.Before(released) {
		t.Fatal("process launched before the namespace was ready")
	}
}

func TestRunNeverLaunchesWhenNotReady(t *testing.T) {
	fr := &fakeReadiness{ready: make(chan struct{})}
	launcher := &plainLauncher{}
	r := newRunner(fr, launcher, nil, "true")
	r.opts.ReadyTimeout = 100 * time.Millisecond

	_, err := r.Run(context.Background())
	if !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
	if launcher.Count() != 0 {
		t.Fatal("process launched without readiness")
	}
}

func TestRunRefusesMissingNamespace(t *testing.T) {
	launcher := &plainLauncher{}
	r := newRunner(readyNow(), launcher, func(string) bool { return false }, "true")

	_, err := r.Run(context.Background())
	if !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
	if launcher.Count() != 0 {
		t.Fatal("process launched into a missing namespace")
	}
}

func TestRunPropagatesExitCode(t *testing.T) {
	r := newRunner(readyNow(), &plainLauncher{}, nil, "sh", "-c", "exit 3")
	code, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if code != 3 {
		t.Fatalf("exit code = %d, want 3", code)
	}
}

func TestRunStopsOnNamespaceLoss(t *testing.T) {
	var gone atomic.Bool
	exists := func(string) bool { return !gone.Load() }
	r := newRunner(readyNow(), &plainLauncher{}, exists, "sleep", "30")

	time.AfterFunc(100*time.Millisecond, func() { gone.Store(true) })
	start := time.Now()
	_, err := r.Run(context.Background())
	if !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
	if vpnerr.ExitCode(err) != vpnerr.ExitRunner {
		t.Fatalf("exit code = %d", vpnerr.ExitCode(err))
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("process not stopped promptly")
	}
}

func TestRunKillsAfterGrace(t *testing.T) {
	var gone atomic.Bool
	exists := func(string) bool { return !gone.Load() }
	r := newRunner(readyNow(), &plainLauncher{}, exists,
		"sh", "-c", "trap '' TERM; while :; do sleep 0.1; done")

	time.AfterFunc(100*time.Millisecond, func() { gone.Store(true) })
	start := time.Now()
	if _, err := r.Run(context.Background()); !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("SIGKILL not sent after grace")
	}
}

func TestRunStopsOnHealthStreamLoss(t *testing.T) {
	fr := readyNow()
	fr.endAfter = 100 * time.Millisecond
	fr.endErr = errors.New("connection reset")
	r := newRunner(fr, &plainLauncher{}, nil, "sleep", "30")

	_, err := r.Run(context.Background())
	if !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
}

func TestRunStopsOnUnknownService(t *testing.T) {
	fr := readyNow()
	fr.statuses = append(fr.statuses, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)
	r := newRunner(fr, &plainLauncher{}, nil, "sleep", "30")

	_, err := r.Run(context.Background())
	if !vpnerr.Is(err, vpnerr.NamespaceLost) {
		t.Fatalf("Run() error = %v, want NamespaceLost", err)
	}
}

func TestRunToleratesDegraded(t *testing.T) {
	fr := readyNow()
	fr.statuses = append(fr.statuses, healthpb.HealthCheckResponse_NOT_SERVING, healthpb.HealthCheckResponse_SERVING)
	r := newRunner(fr, &plainLauncher{}, nil, "sh", "-c", "sleep 0.2; exit 0")

	code, err := r.Run(context.Background())
	if err != nil || code != 0 {
		t.Fatalf("Run() = %d, %v; degraded must not stop the process", code, err)
	}
}

func TestRunContextCancelStopsProcess(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	r := newRunner(readyNow(), &plainLauncher{}, nil, "sleep", "30")

	if _, err := r.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run() error = %v, want DeadlineExceeded", err)
	}
}

func TestExecRejectsEmptyCommand(t *testing.T) {
	if err := Exec(ExecOptions{UID: -1, GID: -1}); err == nil {
		t.Fatal("Exec() with no argv succeeded")
	}
}

func TestNamespaceLauncherCommand(t *testing.T) {
	l := NamespaceLauncher{Self: "/usr/bin/arca-vpnns", ResolvConf: "/etc/netns/vpn/resolv.conf", UID: 1000, GID: -1}
	cmd := l.command([]string{"curl", "-s", "https://example.com"})

	want := []string{"/usr/bin/arca-vpnns", "nsexec",
		"--resolv-conf", "/etc/netns/vpn/resolv.conf",
		"--uid", "1000", "--gid", "-1",
		"--", "curl", "-s", "https://example.com"}
	if diff := cmp.Diff(want, cmd.Args); diff != "" {
		t.Fatalf("args mismatch (-want +got):\n%s", diff)
	}
	attr := cmd.SysProcAttr
	if attr == nil || attr.Unshareflags&syscall.CLONE_NEWNS == 0 {
		t.Fatal("child must get a private mount namespace")
	}
	if attr.Pdeathsig != syscall.SIGKILL {
		t.Fatalf("Pdeathsig = %v, want SIGKILL so the child dies with its supervisor", attr.Pdeathsig)
	}

	if got := (NamespaceLauncher{}).command([]string{"true"}).Path; got != "/proc/self/exe" {
		t.Errorf("default Self = %q, want /proc/self/exe", got)
	}
}
