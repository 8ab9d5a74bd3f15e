package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/vas-solutus/arca-vpnns/internal/config"
	"github.com/vas-solutus/arca-vpnns/internal/control"
	"github.com/vas-solutus/arca-vpnns/internal/namespace"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

func newStatusCmd(g *globals) *cobra.Command {
	var (
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the supervisor's health service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
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

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			resp, err := client.Check(ctx)
			if errors.Is(err, control.ErrUnknownService) {
				resp = &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVICE_UNKNOWN}
				err = nil
			}
			if err != nil {
				return fmt.Errorf("supervisor for %s not reachable at %s: %w", cfg.Namespace.Name, addr, err)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				data, err := protojson.Marshal(resp)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(data))
			} else {
				printStatus(out, cfg, addr, resp)
			}
			if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
				return &ExitError{Code: vpnerr.ExitOther}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the health response as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "how long to wait for the supervisor")
	return cmd
}

func printStatus(w io.Writer, cfg *config.Config, addr control.Addr, resp *healthpb.HealthCheckResponse) {
	label := color.New(color.FgCyan, color.Bold)
	state := color.New(color.FgRed, color.Bold)
	if resp.GetStatus() == healthpb.HealthCheckResponse_SERVING {
		state = color.New(color.FgGreen, color.Bold)
	}

	label.Fprintf(w, "%-10s", "Namespace:")
	fmt.Fprintf(w, " %s\n", cfg.Namespace.Name)
	label.Fprintf(w, "%-10s", "Status:")
	state.Fprintf(w, " %s\n", resp.GetStatus())
	label.Fprintf(w, "%-10s", "Control:")
	fmt.Fprintf(w, " %s\n", addr)

	st, err := namespace.LoadState(cfg.StateFile())
	if err != nil || st == nil {
		return
	}
	label.Fprintf(w, "%-10s", "PID:")
	fmt.Fprintf(w, " %d\n", st.PID)
	label.Fprintf(w, "%-10s", "Veth:")
	fmt.Fprintf(w, " %s <-> %s (%s)\n", st.HostVeth, st.NSVeth, st.Subnet)
	label.Fprintf(w, "%-10s", "Since:")
	fmt.Fprintf(w, " %s\n", st.CreatedAt.Format(time.RFC3339))
}
