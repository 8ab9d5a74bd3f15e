package dns

import (
	"bytes"
	"fmt"
	"net/netip"
	"strings"
)

// ResolvConf renders the resolv.conf bind-mounted over /etc/resolv.conf for
// confined processes. The resolver is only reachable through the tunnel.
func ResolvConf(namespace string, server netip.Addr, search []string) []byte {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Generated by arca-vpnns for namespace %s. Queries leave through the tunnel only.\n", namespace)
	fmt.Fprintf(&b, "nameserver %s\n", server)
	if len(search) > 0 {
		fmt.Fprintf(&b, "search %s\n", strings.Join(search, " "))
	}
	b.WriteString("options edns0 trust-ad\n")
	return b.Bytes()
}
