package splitfw

import (
	"encoding/binary"
	"net"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/flywall/internal/errors"
)

// nftablesInstaller implements appfilters.Installer against the
// Coordinator's nftables connection: each call appends a rule to the
// client-side batch, actually installed when the enclosing Transaction
// commits (spec.md section 4.5).
type nftablesInstaller struct {
	c *Coordinator
}

func markBytes(mark uint32) []byte {
	b := make([]byte, 4)
	binary.NativeEndian.PutUint32(b, mark)
	return b
}

func addrExprs(addr net.IP, v6 bool, offset uint32) []expr.Any {
	if v6 {
		a := addr.To16()
		return []expr.Any{
			&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 16},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(a)},
		}
	}
	a := addr.To4()
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseNetworkHeader, Offset: offset, Len: 4},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: []byte(a)},
	}
}

// buildRule assembles a single "mark X and daddr/saddr Y -> drop" rule.
// destOffset selects whether the tunnel address is matched as the
// destination (outbound) or source (inbound) field of the IP header.
func buildRule(table *nftables.Table, chain *nftables.Chain, mark uint32, tunnelAddr net.IP, v6 bool, destOffset uint32) *nftables.Rule {
	exprs := []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: markBytes(mark)},
	}
	exprs = append(exprs, addrExprs(tunnelAddr, v6, destOffset)...)
	exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictDrop})

	return &nftables.Rule{
		Table: table,
		Chain: chain,
		Exprs: exprs,
	}
}

// IPv4 and IPv6 destination/source address offsets within the network header.
const (
	offsetIPv4Dst = 16
	offsetIPv4Src = 12
	offsetIPv6Dst = 24
	offsetIPv6Src = 8
)

func (n *nftablesInstaller) InstallOutbound(mark uint32, tunnelAddr net.IP, v6 bool) (any, error) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if n.c.table == nil || n.c.out == nil {
		return nil, errors.New(errors.KindStateMismatch, "splitfw tables not initialized")
	}
	offset := uint32(offsetIPv4Dst)
	if v6 {
		offset = offsetIPv6Dst
	}
	r := buildRule(n.c.table, n.c.out, mark, tunnelAddr, v6, offset)
	return n.c.conn.AddRule(r), nil
}

func (n *nftablesInstaller) InstallInbound(mark uint32, tunnelAddr net.IP, v6 bool) (any, error) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if n.c.table == nil || n.c.in == nil {
		return nil, errors.New(errors.KindStateMismatch, "splitfw tables not initialized")
	}
	offset := uint32(offsetIPv4Src)
	if v6 {
		offset = offsetIPv6Src
	}
	r := buildRule(n.c.table, n.c.in, mark, tunnelAddr, v6, offset)
	return n.c.conn.AddRule(r), nil
}

func (n *nftablesInstaller) Remove(handle any) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	rule, ok := handle.(*nftables.Rule)
	if !ok || rule == nil {
		return nil
	}
	return n.c.conn.DelRule(rule)
}
