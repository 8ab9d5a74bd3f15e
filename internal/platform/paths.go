package platform

const (
	// Config files.
	ConfigDir  = "/etc/arca-vpnns"
	ConfigFile = ConfigDir + "/config.yaml"

	// Runtime state: control sockets and crash-recovery records.
	RunDir = "/run/arca-vpnns"

	// Kernel and iproute2 conventions.
	NetnsRunDir  = "/var/run/netns"
	NetnsEtcDir  = "/etc/netns"
	HostResolv   = "/etc/resolv.conf"
	IPForwardKey = "/proc/sys/net/ipv4/ip_forward"
	IPv6Disable  = "/proc/sys/net/ipv6/conf/all/disable_ipv6"

	// Tunnel descriptor staged by the secret service.
	DefaultTunnelConfig = "/run/secrets/wg0.conf"
)
