package cli

import (
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vas-solutus/arca-vpnns/internal/control"
	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/runner"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

func newRunCmd(g *globals) *cobra.Command {
	var (
		uid, gid     int
		readyTimeout time.Duration
		grace        time.Duration
	)
	cmd := &cobra.Command{
		Use:   "run [flags] -- command [args...]",
		Short: "Run a command confined to the namespace once it is ready",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("ready-timeout") {
				readyTimeout = cfg.Runner.ReadyTimeoutDuration()
			}
			if !cmd.Flags().Changed("grace") {
				grace = cfg.Runner.GraceDuration()
			}

			addr, err := control.ParseAddr(cfg.ListenAddr())
			if err != nil {
				return vpnerr.New(vpnerr.ConfigMalformed, "parse control.listen", err)
			}
			client, err := control.Dial(addr, cfg.Namespace.Name)
			if err != nil {
				return err
			}
			defer client.Close()

			self, err := os.Executable()
			if err != nil {
				self = ""
			}
			r := runner.New(runner.Options{
				Namespace:    cfg.Namespace.Name,
				Command:      args,
				ReadyTimeout: readyTimeout,
				Grace:        grace,
				Readiness:    client,
				Launcher: runner.NamespaceLauncher{
					Self:       self,
					ResolvConf: namespace.ResolvConfPath(cfg.Namespace.NetnsEtcDir, cfg.Namespace.Name),
					UID:        uid,
					GID:        gid,
				},
				Log: log,
			})
			code, err := r.Run(cmd.Context())
			if err != nil {
				return err
			}
			if code != 0 {
				return &ExitError{Code: code}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&uid, "uid", -1, "user id to run the command as")
	cmd.Flags().IntVar(&gid, "gid", -1, "group id to run the command as")
	cmd.Flags().DurationVar(&readyTimeout, "ready-timeout", 0, "how long to wait for readiness (overrides runner.ready_timeout)")
	cmd.Flags().DurationVar(&grace, "grace", 0, "time between SIGTERM and SIGKILL (overrides runner.grace)")
	return cmd
}

func newNSExecCmd() *cobra.Command {
	var opts runner.ExecOptions
	cmd := &cobra.Command{
		Use:    "nsexec --resolv-conf FILE -- command [args...]",
		Short:  "Finish confinement inside a fresh mount namespace and exec the command",
		Hidden: true,
		Args:   cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Argv = args
			return runner.Exec(opts)
		},
	}
	cmd.Flags().StringVar(&opts.ResolvConf, "resolv-conf", "", "file to bind over /etc/resolv.conf")
	cmd.Flags().IntVar(&opts.UID, "uid", -1, "user id to switch to")
	cmd.Flags().IntVar(&opts.GID, "gid", -1, "group id to switch to")
	return cmd
}
