package nat

import (
	"net"
	"net/netip"

	"github.com/google/nftables/expr"
)

// IPv4 header offsets.
const (
	offsetSaddr = 12
	offsetDaddr = 16
)

// masqueradeExprs builds:
//
//	ip saddr <source> ip daddr != <exclude> counter masquerade
func (r *Rule) masqueradeExprs() []expr.Any {
	exclude := r.Exclude.Masked()
	return []expr.Any{
		// Match source: the namespace veth address only
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offsetSaddr,
			Len:          4,
		},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     addrBytes(r.Source),
		},
		// Match destination outside the veth subnet
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offsetDaddr,
			Len:          4,
		},
		&expr.Bitwise{
			SourceRegister: 1,
			DestRegister:   1,
			Len:            4,
			Mask:           maskBytes(exclude),
			Xor:            []byte{0, 0, 0, 0},
		},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     addrBytes(exclude.Addr()),
		},
		&expr.Counter{},
		&expr.Masq{},
	}
}

// guardExprs builds:
//
//	iifname <host veth> ip daddr != <endpoint> counter drop
func (r *Rule) guardExprs() []expr.Any {
	return []expr.Any{
		// Match input interface: the host end of the veth pair
		&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
		&expr.Cmp{
			Op:       expr.CmpOpEq,
			Register: 1,
			Data:     ifname(r.HostVeth),
		},
		// Anything not addressed to the VPN endpoint
		&expr.Payload{
			DestRegister: 1,
			Base:         expr.PayloadBaseNetworkHeader,
			Offset:       offsetDaddr,
			Len:          4,
		},
		&expr.Cmp{
			Op:       expr.CmpOpNeq,
			Register: 1,
			Data:     addrBytes(r.Endpoint),
		},
		&expr.Counter{},
		&expr.Verdict{
			Kind: expr.VerdictDrop,
		},
	}
}

func addrBytes(a netip.Addr) []byte {
	b := a.Unmap().As4()
	return b[:]
}

func maskBytes(p netip.Prefix) []byte {
	return []byte(net.CIDRMask(p.Bits(), 32))
}

func ifname(name string) []byte {
	return []byte(name + "\x00")
}
