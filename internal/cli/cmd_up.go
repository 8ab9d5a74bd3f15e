package cli

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/vas-solutus/arca-vpnns/internal/control"
	"github.com/vas-solutus/arca-vpnns/internal/supervisor"
	"github.com/vas-solutus/arca-vpnns/internal/vpnerr"
)

func newUpCmd(g *globals) *cobra.Command {
	var (
		tunnelConfig string
		listen       string
		handshake    string
	)
	cmd := &cobra.Command{
		Use:   "up",
		Short: "Build the confined namespace, serve its health and tear it down on exit",
		Long: `up creates the namespace, brings the WireGuard tunnel up inside it and
installs the killswitch default route. Readiness is published over the gRPC
health service until SIGINT or SIGTERM, or until the killswitch or the
namespace is found broken; everything is torn down before exiting.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := g.load(cmd)
			if err != nil {
				return err
			}
			fs := cmd.Flags()
			if fs.Changed("tunnel-config") {
				cfg.Tunnel.Config = tunnelConfig
			}
			if fs.Changed("listen") {
				cfg.Control.Listen = listen
			}
			if fs.Changed("handshake-timeout") {
				cfg.Tunnel.HandshakeTimeout = handshake
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			addr, err := control.ParseAddr(cfg.ListenAddr())
			if err != nil {
				return vpnerr.New(vpnerr.ConfigMalformed, "parse control.listen", err)
			}
			lis, err := control.Listen(addr)
			if err != nil {
				return err
			}
			srv := control.NewServer(cfg.Namespace.Name, log)
			go func() {
				if err := srv.Serve(lis); err != nil {
					log.Warn("control endpoint stopped", "error", err)
				}
			}()
			defer srv.Stop()

			stack := supervisor.NewKernelStack(cfg, log)
			sup := supervisor.New(stack, supervisor.Options{
				Interval:  cfg.Health.IntervalDuration(),
				Log:       log,
				OnServing: func(serving bool, _ string) { srv.SetServing(serving) },
			})

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := sup.Setup(ctx); err != nil {
				return err
			}
			log.Info("namespace ready", "namespace", cfg.Namespace.Name, "control", addr.String())

			monErr := sup.Monitor(ctx)
			if monErr != nil {
				// Monitor already tore down.
				return monErr
			}
			log.Info("shutting down", "namespace", cfg.Namespace.Name)
			if err := sup.Teardown(context.WithoutCancel(ctx)); err != nil {
				log.Warn("teardown was partial", "error", err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tunnelConfig, "tunnel-config", "", "wg-quick descriptor (overrides tunnel.config)")
	cmd.Flags().StringVar(&listen, "listen", "", "control endpoint, unix:///path or vsock://port (overrides control.listen)")
	cmd.Flags().StringVar(&handshake, "handshake-timeout", "", "how long to wait for the first handshake (overrides tunnel.handshake_timeout)")
	return cmd
}
