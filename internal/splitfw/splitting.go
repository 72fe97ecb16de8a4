package splitfw

import (
	"encoding/binary"
	"net"

	"github.com/cilium/ebpf"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/flywall/internal/addrset"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/splitfw/hooks"
)

// SplitMark is the fixed packet (meta) mark the cgroup hooks stamp on every
// socket belonging to a splitting process, distinct from
// appfilters.ImageMark's per-image hash: the five filter families
// EnableSplitting installs match traffic by "is this process splitting at
// all", not by which image it is (spec.md section 4.7).
const SplitMark uint32 = 0x53504c54 // ASCII "SPLT"

// transport header offsets for source/destination port, shared by TCP and
// UDP (spec.md section 4.6, "DNS-sublayer" permit filter keys off remote
// port 53 regardless of protocol).
const (
	transportSrcOffset = 0
	transportDstOffset = 2
)

// enabledRules tracks the nftables rule handles EnableSplitting installed,
// so DisableSplitting and RegisterUpdatedAddresses know what to remove.
type enabledRules struct {
	permit []*nftables.Rule
	block  []*nftables.Rule
}

// EnableSplitting installs the firewall-wide filter families for the
// READY->ENGAGED transition: the bind-redirect/connect-redirect cgroup
// hooks, a permit-non-tunnel filter pair per active family, and — for any
// family with a tunnel address but no internet address to redirect onto —
// a block-tunnel filter for that family (spec.md section 4.7). Idempotent:
// a second call while already enabled is a no-op.
func (c *Coordinator) EnableSplitting(addrs addrset.Set) error {
	c.mu.Lock()
	if c.enabled {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	if err := c.attachHookPrograms(); err != nil {
		return err
	}

	tx, err := c.Begin()
	if err != nil {
		return err
	}

	rules, err := c.installEnableFilters(addrs)
	if err != nil {
		_ = tx.Abort()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	c.enabled = true
	c.rules = rules
	c.mu.Unlock()
	return nil
}

// DisableSplitting removes every filter family EnableSplitting installed
// and resets the app-filters module, in one coupled transaction, then
// detaches the cgroup hooks (spec.md section 4.7, disable-splitting).
// Idempotent: a call while not enabled is a no-op.
func (c *Coordinator) DisableSplitting() error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	rules := c.rules
	c.mu.Unlock()

	tx, err := c.Begin()
	if err != nil {
		return err
	}

	if err := tx.Reset(); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := c.removeEnableFilters(rules); err != nil {
		_ = tx.Abort()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	c.detachHookPrograms()

	c.mu.Lock()
	c.enabled = false
	c.rules = enabledRules{}
	c.mu.Unlock()
	return nil
}

// RegisterUpdatedAddresses rebuilds every address-referencing filter — the
// per-image app-filter blocks and the permit-non-tunnel/block-tunnel
// families — against a new address set, aborting both inner changes
// together on failure (spec.md section 4.7, register-updated-addresses).
// A no-op while splitting is not currently enabled.
func (c *Coordinator) RegisterUpdatedAddresses(addrs addrset.Set) error {
	c.mu.Lock()
	if !c.enabled {
		c.mu.Unlock()
		return nil
	}
	oldRules := c.rules
	c.mu.Unlock()

	tx, err := c.Begin()
	if err != nil {
		return err
	}

	if err := tx.UpdateFilters(addrs.TunnelV4, addrs.TunnelV6); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := c.removeEnableFilters(oldRules); err != nil {
		_ = tx.Abort()
		return err
	}
	newRules, err := c.installEnableFilters(addrs)
	if err != nil {
		_ = tx.Abort()
		return err
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	c.mu.Lock()
	c.rules = newRules
	c.mu.Unlock()
	return nil
}

// installEnableFilters installs the permit-non-tunnel pair, and where
// applicable the block-tunnel pair, for each family with a tunnel address.
func (c *Coordinator) installEnableFilters(addrs addrset.Set) (enabledRules, error) {
	var rules enabledRules

	families := []struct {
		v6       bool
		tunnel   net.IP
		internet net.IP
	}{
		{false, addrs.TunnelV4, addrs.InternetV4},
		{true, addrs.TunnelV6, addrs.InternetV6},
	}

	for _, fam := range families {
		if len(fam.tunnel) == 0 {
			continue
		}

		permit, err := c.addPermitRules(fam.tunnel, fam.v6)
		if err != nil {
			return enabledRules{}, err
		}
		rules.permit = append(rules.permit, permit...)

		if len(fam.internet) == 0 {
			// Nine-way case: a tunnel address exists for this family but no
			// internet address does, so bind/connect-redirect has nowhere to
			// rewrite onto — block split traffic for the family outright
			// rather than let it fall through onto the tunnel interface
			// (spec.md section 8 open question, resolved in favor of a
			// per-family block).
			block, err := c.addBlockRules(fam.tunnel, fam.v6)
			if err != nil {
				return enabledRules{}, err
			}
			rules.block = append(rules.block, block...)
		}
	}
	return rules, nil
}

// addPermitRules installs the four permit-non-tunnel filters for one
// family: baseline auth-connect/auth-recv (any split traffic not addressed
// to the tunnel) and DNS-sublayer auth-connect/auth-recv (split traffic to
// or from port 53, unconditionally, regardless of destination).
func (c *Coordinator) addPermitRules(tunnel net.IP, v6 bool) ([]*nftables.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil || c.out == nil || c.in == nil {
		return nil, errors.New(errors.KindStateMismatch, "splitfw tables not initialized")
	}

	dstOffset, srcOffset := uint32(offsetIPv4Dst), uint32(offsetIPv4Src)
	if v6 {
		dstOffset, srcOffset = offsetIPv6Dst, offsetIPv6Src
	}

	baselineOut := c.conn.AddRule(acceptRule(c.table, c.out, notAddrExprs(tunnel, v6, dstOffset)))
	baselineIn := c.conn.AddRule(acceptRule(c.table, c.in, notAddrExprs(tunnel, v6, srcOffset)))
	dnsOut := c.conn.AddRule(acceptRule(c.table, c.out, portExprs(53, transportDstOffset)))
	dnsIn := c.conn.AddRule(acceptRule(c.table, c.in, portExprs(53, transportSrcOffset)))

	return []*nftables.Rule{baselineOut, baselineIn, dnsOut, dnsIn}, nil
}

// addBlockRules installs the per-family block-tunnel filter pair: traffic
// marked as splitting whose address matches the tunnel address of this
// family is dropped outbound and inbound.
func (c *Coordinator) addBlockRules(tunnel net.IP, v6 bool) ([]*nftables.Rule, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.table == nil || c.out == nil || c.in == nil {
		return nil, errors.New(errors.KindStateMismatch, "splitfw tables not initialized")
	}

	dstOffset, srcOffset := uint32(offsetIPv4Dst), uint32(offsetIPv4Src)
	if v6 {
		dstOffset, srcOffset = offsetIPv6Dst, offsetIPv6Src
	}

	out := c.conn.AddRule(buildRule(c.table, c.out, SplitMark, tunnel, v6, dstOffset))
	in := c.conn.AddRule(buildRule(c.table, c.in, SplitMark, tunnel, v6, srcOffset))
	return []*nftables.Rule{out, in}, nil
}

// removeEnableFilters deletes every rule EnableSplitting previously
// installed. Must be called with a transaction open.
func (c *Coordinator) removeEnableFilters(rules enabledRules) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range rules.permit {
		if err := c.conn.DelRule(r); err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "failed to remove permit-non-tunnel filter")
		}
	}
	for _, r := range rules.block {
		if err := c.conn.DelRule(r); err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "failed to remove block-tunnel filter")
		}
	}
	return nil
}

// acceptRule assembles a "mark is SplitMark and <cond> -> accept" rule.
func acceptRule(table *nftables.Table, chain *nftables.Chain, cond []expr.Any) *nftables.Rule {
	exprs := markMatchExprs(SplitMark)
	exprs = append(exprs, cond...)
	exprs = append(exprs, &expr.Verdict{Kind: expr.VerdictAccept})
	return &nftables.Rule{Table: table, Chain: chain, Exprs: exprs}
}

func markMatchExprs(mark uint32) []expr.Any {
	return []expr.Any{
		&expr.Meta{Key: expr.MetaKeyMARK, Register: 1},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: markBytes(mark)},
	}
}

// notAddrExprs matches any address other than addr at offset, reusing
// addrExprs (installer.go) and flipping its comparison operator.
func notAddrExprs(addr net.IP, v6 bool, offset uint32) []expr.Any {
	exprs := addrExprs(addr, v6, offset)
	if cmp, ok := exprs[len(exprs)-1].(*expr.Cmp); ok {
		cmp.Op = expr.CmpOpNeq
	}
	return exprs
}

func portExprs(port uint16, offset uint32) []expr.Any {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, port)
	return []expr.Any{
		&expr.Payload{DestRegister: 1, Base: expr.PayloadBaseTransportHeader, Offset: offset, Len: 2},
		&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: b},
	}
}

// attachHookPrograms attaches every non-nil program AttachHooks was given.
// A nil hooksMgr (no eBPF object loaded) is not an error: EnableSplitting
// still functions as a pure nftables policy toggle.
func (c *Coordinator) attachHookPrograms() error {
	c.mu.Lock()
	mgr := c.hooksMgr
	programs := c.programs
	c.mu.Unlock()
	if mgr == nil {
		return nil
	}

	attachments := []struct {
		point hooks.AttachPoint
		prog  *ebpf.Program
	}{
		{hooks.Bind4, programs.Bind4},
		{hooks.Bind6, programs.Bind6},
		{hooks.ConnectRedirect4, programs.ConnectRedirect4},
		{hooks.ConnectRedirect6, programs.ConnectRedirect6},
	}
	for _, a := range attachments {
		if a.prog == nil {
			continue
		}
		if err := mgr.Attach(a.point, a.prog); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) detachHookPrograms() {
	c.mu.Lock()
	mgr := c.hooksMgr
	c.mu.Unlock()
	if mgr == nil {
		return
	}
	if err := mgr.DetachAll(); err != nil {
		c.logger.Warn("failed to detach split-tunnel cgroup programs", "error", err)
	}
}
