package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/supervisor"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

func newDownCmd(g *globals) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Tear down the named instance; safe to run when nothing exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			name := cfg.Namespace.Name

			st, err := namespace.LoadState(cfg.StateFile())
			if err != nil {
				log.Warn("ignoring unreadable state file", "error", err)
			}
			if st != nil && st.Alive() {
				log.Info("asking the running supervisor to stop", "pid", st.PID)
				if err := unix.Kill(st.PID, unix.SIGTERM); err != nil {
					return fmt.Errorf("failed to signal supervisor pid %d: %w", st.PID, err)
				}
				if !waitGone(cmd.Context(), st, wait) {
					return vpnerr.Errorf(vpnerr.NamespaceExists, "down "+name,
						"supervisor pid %d did not exit within %s", st.PID, wait)
				}
			}

			// Whatever the supervisor left, or a crash left, goes now.
			sup := supervisor.New(supervisor.NewKernelStack(cfg, log), supervisor.Options{Log: log})
			err = sup.Teardown(context.WithoutCancel(cmd.Context()))
			if err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.OutOrStdout(), "%s is down\n", name)
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for a running supervisor to exit")
	return cmd
}

func waitGone(ctx context.Context, st *namespace.State, wait time.Duration) bool {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		if !st.Alive() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(200 * time.Millisecond):
		}
	}
	return !st.Alive()
}
