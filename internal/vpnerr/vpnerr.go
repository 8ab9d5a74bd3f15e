// Package vpnerr classifies setup and teardown failures by stage so the
// service manager gets a stable exit code and the operator gets a message
// that names what failed.
package vpnerr

import (
	"errors"
	"fmt"
	"strings"
)

// Kind identifies which stage of the confinement lifecycle failed.
type Kind int

const (
	Unknown Kind = iota
	ConfigNotFound
	ConfigMalformed
	NamespaceExists
	NamespaceCreationFailed
	InsufficientPrivilege
	TunnelConfigRejected
	HandshakeTimeout
	RouteInstallFailed
	KillswitchViolated
	NATRuleFailed
	TeardownPartial
	NamespaceLost
)

var kindNames = map[Kind]string{
	Unknown:                 "Unknown",
	ConfigNotFound:          "ConfigNotFound",
	ConfigMalformed:         "ConfigMalformed",
	NamespaceExists:         "NamespaceExists",
	NamespaceCreationFailed: "NamespaceCreationFailed",
	InsufficientPrivilege:   "InsufficientPrivilege",
	TunnelConfigRejected:    "TunnelConfigRejected",
	HandshakeTimeout:        "HandshakeTimeout",
	RouteInstallFailed:      "RouteInstallFailed",
	KillswitchViolated:      "KillswitchViolated",
	NATRuleFailed:           "NATRuleFailed",
	TeardownPartial:         "TeardownPartial",
	NamespaceLost:           "NamespaceLost",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Stage returns the lifecycle stage a kind belongs to, as shown to operators.
func (k Kind) Stage() string {
	switch k {
	case ConfigNotFound, ConfigMalformed:
		return "configuration"
	case NamespaceExists, NamespaceCreationFailed, InsufficientPrivilege:
		return "namespace"
	case TunnelConfigRejected, HandshakeTimeout:
		return "tunnel"
	case RouteInstallFailed, KillswitchViolated:
		return "routing"
	case NATRuleFailed:
		return "nat"
	case TeardownPartial:
		return "teardown"
	case NamespaceLost:
		return "runner"
	default:
		return "unknown"
	}
}

// Process exit codes surfaced to the service manager.
const (
	ExitOK        = 0
	ExitOther     = 1
	ExitConfig    = 2
	ExitNamespace = 3
	ExitTunnel    = 4
	ExitRouting   = 5
	ExitNAT       = 6
	ExitRunner    = 7
)

// ExitCode maps an error to the process exit code for its stage.
// A nil error is a clean exit. A partial teardown is logged, not fatal.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	switch KindOf(err).Stage() {
	case "configuration":
		return ExitConfig
	case "namespace":
		return ExitNamespace
	case "tunnel":
		return ExitTunnel
	case "routing":
		return ExitRouting
	case "nat":
		return ExitNAT
	case "runner":
		return ExitRunner
	case "teardown":
		return ExitOK
	default:
		return ExitOther
	}
}

// Error is a classified failure. Op names the operation that failed in
// operator terms ("parse /run/secrets/wg0.conf", "create namespace vpn").
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

// New wraps err with a kind and operation.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error from a format string; %w is honoured.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Stage())
	b.WriteString(" stage failed (")
	b.WriteString(e.Kind.String())
	b.WriteString(")")
	if e.Op != "" {
		b.WriteString(": ")
		b.WriteString(e.Op)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the outermost *Error in err's chain, or Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Report collects best-effort cleanup failures. Teardown keeps going after
// each failure, so a Report may hold several.
type Report struct {
	Failures []error
}

// Add records a failure; nil is ignored.
func (r *Report) Add(err error) {
	if err != nil {
		r.Failures = append(r.Failures, err)
	}
}

// Merge appends the failures of another report.
func (r *Report) Merge(other Report) {
	r.Failures = append(r.Failures, other.Failures...)
}

// Clean reports whether every artifact was removed.
func (r Report) Clean() bool { return len(r.Failures) == 0 }

// Err returns a TeardownPartial error joining all failures, or nil.
func (r Report) Err() error {
	if r.Clean() {
		return nil
	}
	return New(TeardownPartial, fmt.Sprintf("%d artifact(s) left behind", len(r.Failures)), errors.Join(r.Failures...))
}
