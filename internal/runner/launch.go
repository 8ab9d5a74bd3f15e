package runner

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/platform"
)

// NamespaceLauncher forks the process from a thread inside the namespace,
// giving it the namespace's network stack, and re-executes this binary's
// hidden nsexec command in a private mount namespace so the namespace
// resolv.conf can be bind-mounted over /etc/resolv.conf.
type NamespaceLauncher struct {
	// Self is this binary; defaults to /proc/self/exe.
	Self       string
	ResolvConf string
	// UID and GID to drop to; negative keeps the current identity.
	UID, GID int
}

// Launch implements Launcher.
func (l NamespaceLauncher) Launch(ns string, argv []string) (*exec.Cmd, error) {
	cmd := l.command(argv)
	if err := namespace.Do(ns, cmd.Start); err != nil {
		// Start may have succeeded before the thread failed to leave the
		// namespace; that thread is discarded and takes the child with it.
		if cmd.Process != nil {
			cmd.Process.Kill()
			cmd.Wait()
		}
		return nil, err
	}
	return cmd, nil
}

// command builds the nsexec re-exec. The child is killed when the thread
// that forked it exits. namespace.Do hands that thread back to the runtime
// after a successful switch back to the host namespace, so it outlives the
// child unless this process dies.
func (l NamespaceLauncher) command(argv []string) *exec.Cmd {
	self := l.Self
	if self == "" {
		self = "/proc/self/exe"
	}
	args := []string{"nsexec",
		"--resolv-conf", l.ResolvConf,
		"--uid", strconv.Itoa(l.UID),
		"--gid", strconv.Itoa(l.GID),
		"--"}
	args = append(args, argv...)

	cmd := exec.Command(self, args...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Unshareflags: syscall.CLONE_NEWNS,
		Pdeathsig:    syscall.SIGKILL,
	}
	return cmd
}

// ExecOptions configures Exec.
type ExecOptions struct {
	ResolvConf string
	UID, GID   int
	Argv       []string
}

// Exec finishes confinement setup inside the new mount namespace and
// replaces the current process with argv. It only returns on error.
func Exec(o ExecOptions) error {
	if len(o.Argv) == 0 {
		return errors.New("no command given")
	}
	if o.ResolvConf != "" {
		// Keep host mount events flowing in, never out.
		if err := unix.Mount("", "/", "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
			return fmt.Errorf("failed to make / a slave mount: %w", err)
		}
		if err := unix.Mount(o.ResolvConf, platform.HostResolv, "none", unix.MS_BIND, ""); err != nil {
			return fmt.Errorf("failed to bind %s over %s: %w", o.ResolvConf, platform.HostResolv, err)
		}
	}
	if o.GID >= 0 {
		if err := unix.Setgroups([]int{o.GID}); err != nil {
			return fmt.Errorf("failed to set groups: %w", err)
		}
		if err := unix.Setgid(o.GID); err != nil {
			return fmt.Errorf("failed to set gid %d: %w", o.GID, err)
		}
	}
	if o.UID >= 0 {
		if err := unix.Setuid(o.UID); err != nil {
			return fmt.Errorf("failed to set uid %d: %w", o.UID, err)
		}
	}

	path, err := exec.LookPath(o.Argv[0])
	if err != nil {
		return err
	}
	return unix.Exec(path, o.Argv, os.Environ())
}
