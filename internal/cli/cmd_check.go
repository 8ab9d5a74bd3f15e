package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/vas-solutus/arca-vpnns/internal/wgconf"
)

func newCheckCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "check [file]",
		Short: "Parse a wg-quick descriptor and show what will be applied",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.load(cmd)
			if err != nil {
				return err
			}
			path := cfg.Tunnel.Config
			if len(args) == 1 {
				path = args[0]
			}
			spec, err := wgconf.Loader{FallbackDNS: cfg.Tunnel.FallbackDNSAddr()}.Load(path)
			if err != nil {
				return err
			}
			printSpec(cmd.OutOrStdout(), path, spec)
			return nil
		},
	}
}

func printSpec(w io.Writer, path string, spec *wgconf.TunnelSpec) {
	key := color.New(color.FgCyan)
	field := func(name, value string) {
		key.Fprintf(w, "  %-14s", name)
		fmt.Fprintf(w, " %s\n", value)
	}

	color.New(color.FgGreen, color.Bold).Fprintf(w, "%s: OK\n", path)
	field("Address", spec.LocalAddress.String())
	field("Endpoint", spec.Endpoint.String())
	field("DNS", spec.DNS.String())
	if len(spec.SearchDomains) > 0 {
		field("Search", strings.Join(spec.SearchDomains, " "))
	}
	field("Peer", spec.PeerPublicKey)
	allowed := make([]string, 0, len(spec.AllowedIPs))
	for _, p := range spec.AllowedIPs {
		allowed = append(allowed, p.String())
	}
	field("AllowedIPs", strings.Join(allowed, ", "))
	if spec.MTU != 0 {
		field("MTU", fmt.Sprint(spec.MTU))
	}
	if spec.PersistentKeepalive != nil {
		field("Keepalive", spec.PersistentKeepalive.String())
	}
	if spec.PresharedKey != "" {
		field("PresharedKey", "(set)")
	}
	if len(spec.Ignored) > 0 {
		field("Ignored", strings.Join(spec.Ignored, ", "))
	}
	warn := color.New(color.FgYellow)
	for _, n := range spec.Notes {
		warn.Fprintf(w, "  note: %s\n", n)
	}
}
