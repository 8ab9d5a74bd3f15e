// Package cli implements the arca-vpnns command line.
package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/vas-solutus/arca-vpnns/internal/config"
	"github.com/vas-solutus/arca-vpnns/internal/platform"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

// version is set at build time via ldflags.
var version = "dev"

// SetVersion sets the version string (called from main).
func SetVersion(v string) {
	version = v
}

// globals are the flags every command shares. They override the config file.
type globals struct {
	configPath string
	name       string
	stateDir   string
	logLevel   string
}

func (g *globals) register(fs *pflag.FlagSet) {
	fs.StringVarP(&g.configPath, "config", "c", platform.ConfigFile, "service config file")
	fs.StringVarP(&g.name, "name", "n", "", "namespace name (overrides namespace.name)")
	fs.StringVar(&g.stateDir, "state-dir", "", "runtime state directory (overrides state_dir)")
	fs.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error (overrides log_level)")
}

// load reads the config file, applies flags that were set, and validates.
func (g *globals) load(cmd *cobra.Command) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	fs := cmd.Flags()
	if fs.Changed("name") {
		cfg.Namespace.Name = g.name
	}
	if fs.Changed("state-dir") {
		cfg.StateDir = g.stateDir
	}
	if fs.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}
	return cfg, platform.NewLogger(cfg.LogLevel), nil
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	g := &globals{}
	root := &cobra.Command{
		Use:           "arca-vpnns",
		Short:         "Confine one process to a WireGuard tunnel inside a network namespace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	g.register(root.PersistentFlags())

	root.AddCommand(
		newVersionCmd(),
		newUpCmd(g),
		newDownCmd(g),
		newRunCmd(g),
		newStatusCmd(g),
		newCheckCmd(g),
		newNSExecCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// ExitError carries the confined process's own exit status.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string { return fmt.Sprintf("process exited with status %d", e.Code) }

// Exit reports err on w and returns the process exit status for it.
func Exit(w io.Writer, err error) int {
	if err == nil {
		return vpnerr.ExitOK
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	code := vpnerr.ExitCode(err)
	if code == vpnerr.ExitOK {
		color.New(color.FgYellow).Fprintln(w, "warning:", err)
	} else {
		color.New(color.FgRed, color.Bold).Fprintln(w, "error:", err)
	}
	return code
}
