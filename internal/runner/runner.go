// Package runner starts the confined process inside a Ready namespace and
// stops it as soon as confinement can no longer be vouched for.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// Readiness is the supervisor's health service as seen by the runner.
type Readiness interface {
	WaitReady(ctx context.Context, timeout time.Duration) error
	Watch(ctx context.Context, fn func(healthpb.HealthCheckResponse_ServingStatus) bool) error
}

// Launcher starts argv with its network bound to the namespace.
type Launcher interface {
	Launch(ns string, argv []string) (*exec.Cmd, error)
}

// Options configures a Runner.
type Options struct {
	Namespace    string
	Command      []string
	ReadyTimeout time.Duration
	// Grace is how long the process gets between SIGTERM and SIGKILL.
	Grace time.Duration
	// PollInterval is how often the namespace file is checked.
	PollInterval time.Duration

	Readiness Readiness
	Launcher  Launcher
	// Exists defaults to namespace.Exists.
	Exists func(name string) bool
	Log    *slog.Logger
}

// Runner runs one confined process.
type Runner struct {
	opts Options
	log  *slog.Logger
}

// New returns a Runner, filling in defaults.
func New(opts Options) *Runner {
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.Exists == nil {
		opts.Exists = namespace.Exists
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Minute
	}
	if opts.Grace <= 0 {
		opts.Grace = 10 * time.Second
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	return &Runner{opts: opts, log: opts.Log}
}

// Run waits for readiness, launches the process and supervises it. When the
// process exits on its own its exit code is returned with a nil error. When
// confinement is lost the process is stopped and a NamespaceLost error is
// returned.
func (r *Runner) Run(ctx context.Context) (int, error) {
	ns := r.opts.Namespace
	op := "run in namespace " + ns
	if len(r.opts.Command) == 0 {
		return -1, errors.New("no command given")
	}

	r.log.Info("waiting for namespace to become ready", "namespace", ns, "timeout", r.opts.ReadyTimeout)
	if err := r.opts.Readiness.WaitReady(ctx, r.opts.ReadyTimeout); err != nil {
		return -1, vpnerr.New(vpnerr.NamespaceLost, op, err)
	}
	if !r.opts.Exists(ns) {
		return -1, vpnerr.Errorf(vpnerr.NamespaceLost, op, "namespace %s reported ready but %s is missing", ns, namespace.Path(ns))
	}

	cmd, err := r.opts.Launcher.Launch(ns, r.opts.Command)
	if err != nil {
		return -1, fmt.Errorf("failed to start %s: %w", r.opts.Command[0], err)
	}
	r.log.Info("confined process started", "namespace", ns, "pid", cmd.Process.Pid, "command", r.opts.Command)

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	watchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	lost := make(chan error, 2)
	go r.watchHealth(watchCtx, lost)
	go r.watchNamespace(watchCtx, lost)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	for {
		select {
		case err := <-exited:
			return exitCode(cmd, err), nil
		case sig := <-sigs:
			r.log.Info("forwarding signal", "signal", sig.String(), "pid", cmd.Process.Pid)
			if err := cmd.Process.Signal(sig); err != nil && !errors.Is(err, os.ErrProcessDone) {
				r.log.Warn("failed to forward signal", "error", err)
			}
		case reason := <-lost:
			r.log.Error("confinement lost, stopping process", "namespace", ns, "reason", reason)
			r.stop(cmd, exited)
			return -1, vpnerr.New(vpnerr.NamespaceLost, op, reason)
		case <-ctx.Done():
			r.stop(cmd, exited)
			return -1, ctx.Err()
		}
	}
}

// watchHealth reports when the supervisor stops vouching for the namespace.
// NOT_SERVING is only logged: nothing leaks while the killswitch holds.
func (r *Runner) watchHealth(ctx context.Context, lost chan<- error) {
	var unknown bool
	err := r.opts.Readiness.Watch(ctx, func(s healthpb.HealthCheckResponse_ServingStatus) bool {
		switch s {
		case healthpb.HealthCheckResponse_SERVING:
			r.log.Info("namespace serving", "namespace", r.opts.Namespace)
		case healthpb.HealthCheckResponse_SERVICE_UNKNOWN:
			unknown = true
			return false
		default:
			r.log.Warn("namespace degraded", "namespace", r.opts.Namespace, "status", s.String())
		}
		return true
	})
	if ctx.Err() != nil {
		return
	}
	switch {
	case unknown:
		lost <- fmt.Errorf("supervisor no longer serves namespace %s", r.opts.Namespace)
	case err != nil:
		lost <- fmt.Errorf("lost health stream: %w", err)
	default:
		lost <- errors.New("health stream ended")
	}
}

func (r *Runner) watchNamespace(ctx context.Context, lost chan<- error) {
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.opts.Exists(r.opts.Namespace) {
				lost <- fmt.Errorf("namespace %s disappeared", r.opts.Namespace)
				return
			}
		}
	}
}

// stop sends SIGTERM, then SIGKILL once Grace has passed.
func (r *Runner) stop(cmd *exec.Cmd, exited <-chan error) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.log.Warn("failed to send SIGTERM", "error", err)
	}
	timer := time.NewTimer(r.opts.Grace)
	defer timer.Stop()
	select {
	case <-exited:
		return
	case <-timer.C:
	}
	r.log.Warn("process ignored SIGTERM, killing", "pid", cmd.Process.Pid, "grace", r.opts.Grace)
	if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		r.log.Warn("failed to kill process", "error", err)
	}
	<-exited
}

func exitCode(cmd *exec.Cmd, err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return 128 + int(ws.Signal())
		}
		return exitErr.ExitCode()
	}
	return 1
}
