// Package supervisor drives one confined instance through its lifecycle:
// namespace, tunnel, killswitch, readiness, and back down again.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// State is the lifecycle position of the instance. Setup only moves
// forward; teardown from any state ends in Absent.
type State int

const (
	Absent State = iota
	NamespaceUp
	TunnelUp
	RoutesConfigured
	Ready
	TornDown
)

func (s State) String() string {
	switch s {
	case Absent:
		return "Absent"
	case NamespaceUp:
		return "NamespaceUp"
	case TunnelUp:
		return "TunnelUp"
	case RoutesConfigured:
		return "RoutesConfigured"
	case Ready:
		return "Ready"
	case TornDown:
		return "TornDown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Health is the outcome of one periodic check. Fatal means confinement can
// no longer be guaranteed; Degraded means traffic may not flow but nothing
// leaks.
type Health struct {
	Fatal     error
	Degraded  string
	Handshake time.Time
}

// Stack performs the kernel work for each transition. Every method after
// Preflight may leave partial state behind on error; Teardown removes it.
type Stack interface {
	// Preflight validates inputs and clears leftovers of a crashed
	// instance. It must not create anything.
	Preflight(ctx context.Context) error
	CreateNamespace(ctx context.Context) error
	StartTunnel(ctx context.Context) error
	InstallRoutes(ctx context.Context) error
	// Check is the readiness gate.
	Check(ctx context.Context) error
	Health(ctx context.Context) Health
	// Teardown removes every artifact it can and reports the rest. It must
	// be safe to call repeatedly and from any state.
	Teardown(ctx context.Context) vpnerr.Report
}

// Options configures a Supervisor. Hooks run synchronously on the goroutine
// that caused the change.
type Options struct {
	// Interval between Monitor checks.
	Interval      time.Duration
	Log           *slog.Logger
	OnStateChange func(State)
	OnServing     func(serving bool, reason string)
}

// Supervisor sequences a Stack. Setup may be called once.
type Supervisor struct {
	stack Stack
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	state   State
	started bool
	serving bool
	ready   chan struct{}

	teardownMu sync.Mutex
}

// New returns a Supervisor in state Absent.
func New(stack Stack, opts Options) *Supervisor {
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	if opts.Interval <= 0 {
		opts.Interval = 10 * time.Second
	}
	return &Supervisor{
		stack: stack,
		opts:  opts,
		log:   log,
		ready: make(chan struct{}),
	}
}

// State returns the current state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Ready is closed when the instance first reaches Ready.
func (s *Supervisor) Ready() <-chan struct{} { return s.ready }

// Setup runs every stage in order. On any failure, including ctx being
// cancelled, whatever was created is torn down before the stage's error is
// returned.
func (s *Supervisor) Setup(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("setup already ran for this instance")
	}
	s.started = true
	s.mu.Unlock()

	steps := []struct {
		name string
		run  func(context.Context) error
		next State
	}{
		{"preflight", s.stack.Preflight, Absent},
		{"create namespace", s.stack.CreateNamespace, NamespaceUp},
		{"start tunnel", s.stack.StartTunnel, TunnelUp},
		{"install killswitch", s.stack.InstallRoutes, RoutesConfigured},
		{"readiness check", s.stack.Check, Ready},
	}
	for i, step := range steps {
		err := ctx.Err()
		if err == nil {
			err = step.run(ctx)
		}
		if err != nil {
			s.log.Error("setup failed", "step", step.name, "state", s.State().String(), "error", err)
			switch {
			case i == 0:
				// Preflight creates nothing, so there is nothing to undo.
			case vpnerr.Is(err, vpnerr.NamespaceExists):
				s.log.Warn("namespace belongs to another instance; leaving it in place", "error", err)
			default:
				s.unwind(ctx)
			}
			return err
		}
		s.transition(step.next)
	}
	s.setServing(true, "")
	return nil
}

func (s *Supervisor) unwind(ctx context.Context) {
	if err := s.Teardown(context.WithoutCancel(ctx)); err != nil {
		s.log.Warn("unwind after failed setup left artifacts behind", "error", err)
	}
}

// Teardown removes the instance from whatever state it is in. It never
// stops at the first failure; a non-nil error is a TeardownPartial listing
// what was left behind.
func (s *Supervisor) Teardown(ctx context.Context) error {
	s.teardownMu.Lock()
	defer s.teardownMu.Unlock()

	prev := s.State()
	s.setServing(false, "tearing down")
	s.log.Info("tearing down", "state", prev.String())

	report := s.stack.Teardown(ctx)
	if prev != Absent {
		s.transition(TornDown)
	}
	s.transition(Absent)

	if err := report.Err(); err != nil {
		for _, f := range report.Failures {
			s.log.Warn("artifact left behind", "error", f)
		}
		return err
	}
	s.log.Info("teardown complete")
	return nil
}

// Monitor re-checks a Ready instance every Interval until ctx is done. A
// fatal finding tears the instance down and is returned; a degraded one
// only withdraws readiness until the next healthy check.
func (s *Supervisor) Monitor(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if s.State() != Ready {
			return nil
		}

		h := s.stack.Health(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if h.Fatal != nil {
			s.log.Error("confinement check failed, tearing down", "error", h.Fatal)
			if err := s.Teardown(context.WithoutCancel(ctx)); err != nil {
				s.log.Warn("teardown after failed check was partial", "error", err)
			}
			return h.Fatal
		}
		s.setServing(h.Degraded == "", h.Degraded)
	}
}

func (s *Supervisor) transition(next State) {
	s.mu.Lock()
	prev := s.state
	if prev == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	if next == Ready {
		close(s.ready)
	}
	s.mu.Unlock()

	s.log.Info("state changed", "from", prev.String(), "to", next.String())
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(next)
	}
}

func (s *Supervisor) setServing(serving bool, reason string) {
	s.mu.Lock()
	if serving && s.state != Ready {
		serving = false
	}
	changed := s.serving != serving
	s.serving = serving
	s.mu.Unlock()
	if !changed {
		return
	}

	if serving {
		s.log.Info("namespace serving")
	} else {
		s.log.Warn("namespace not serving", "reason", reason)
	}
	if s.opts.OnServing != nil {
		s.opts.OnServing(serving, reason)
	}
}
