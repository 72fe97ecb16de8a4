// Package callouts implements the pure classification logic the four
// cgroup/sock_addr programs apply on every bind/connect, mirroring the
// original ALE bind-redirect and connect-redirect WFP callouts (spec.md
// section 4.6 "bind-redirect", "connect-redirect", "permit-split-apps",
// "block-split-apps"). The eBPF C source compiled into those programs is
// out of scope for this Go module; this package is both the
// specification those programs implement and the Go-side decision logic
// exercised directly by internal/procmgr (internal/splitfw/hooks' event
// reader feeds it real pid/address values) and by tests, grounded on the
// classify-handle reasoning in the original's firewall/splitting.cpp.
package callouts

import (
	"net"

	"grimm.is/flywall/internal/addrset"
)

// Verdict is the action a bind/connect attempt should receive.
type Verdict int

const (
	// VerdictContinue lets the socket operation proceed unmodified —
	// the process is not splitting, or the destination is not in-tunnel.
	VerdictContinue Verdict = iota
	// VerdictRedirect rewrites the local address to the internet-facing
	// interface's address before the operation proceeds (bind-redirect /
	// connect-redirect).
	VerdictRedirect
	// VerdictPermit hard-permits the operation, bypassing any lower-weight
	// in-tunnel block filter (permit-split-apps).
	VerdictPermit
	// VerdictBlock denies the operation outright (block-split-apps, or a
	// bind/connect-redirect with no usable internet address for the family).
	VerdictBlock
)

// Decision is the classify-handle conceptual output: a verdict plus, for
// VerdictRedirect, the address to substitute.
type Decision struct {
	Verdict     Verdict
	Substituted net.IP
}

// BindRedirect decides the outcome of a bind() for a process already known
// to be splitting: rewrite binds whose current local address is
// unspecified or equals the tunnel address of the family onto the
// internet interface's address of that family, so traffic subsequently
// sent on the socket egresses outside the tunnel; a bind already pinned to
// some other concrete address (e.g. explicitly bound to a LAN interface)
// is left alone (spec.md section 4.6, "bind-redirect"). Callers must
// already have excluded non-split and unknown processes — see
// internal/procmgr.Manager.ClassifyBind.
func BindRedirect(localAddr, tunnelAddr, internetAddr net.IP, v6 bool) Decision {
	if internetAddr == nil {
		return Decision{Verdict: VerdictBlock}
	}
	if addrset.IsUnspecified(localAddr) {
		return Decision{Verdict: VerdictRedirect, Substituted: internetAddr}
	}
	if tunnelAddr != nil && localAddr.Equal(tunnelAddr) {
		return Decision{Verdict: VerdictRedirect, Substituted: internetAddr}
	}
	return Decision{Verdict: VerdictContinue}
}

// ConnectRedirect decides the outcome of a connect()/sendto() for a
// process already known to be splitting: rewrite iff the socket's local
// address already equals the tunnel address, or the remote address is not
// local (spec.md section 4.6, "connect-redirect"). "Local" is the
// family-appropriate test in internal/addrset.IsLocal.
func ConnectRedirect(localAddr, tunnelAddr, internetAddr, remoteAddr net.IP) Decision {
	if internetAddr == nil {
		return Decision{Verdict: VerdictBlock}
	}
	localIsTunnel := tunnelAddr != nil && localAddr != nil && localAddr.Equal(tunnelAddr)
	if localIsTunnel || !addrset.IsLocal(remoteAddr) {
		return Decision{Verdict: VerdictRedirect, Substituted: internetAddr}
	}
	return Decision{Verdict: VerdictContinue}
}

// PermitSplitApp decides the outcome of an authorise-connect/authorise-
// recv-accept for a process already known to be splitting: hard-permit
// traffic to the DNS sublayer (remote port 53) unconditionally, so split
// applications' DNS resolution is never subject to in-tunnel policy; for
// everything else hard-permit unless the local address equals the tunnel
// address, in which case the traffic is left to fall through to the
// in-tunnel block filters (spec.md section 4.6, "permit-split-apps").
func PermitSplitApp(localAddr, tunnelAddr net.IP, remotePort uint16) Decision {
	if remotePort == 53 {
		return Decision{Verdict: VerdictPermit}
	}
	if tunnelAddr != nil && localAddr != nil && localAddr.Equal(tunnelAddr) {
		return Decision{Verdict: VerdictContinue}
	}
	return Decision{Verdict: VerdictPermit}
}

// BlockSplitApp decides the outcome of an authorise-connect/authorise-
// recv-accept when the process is unknown, or is known and splitting:
// both cases hard-block, protecting against a process that has just
// become split but still holds an in-tunnel connection open, or a process
// the registry has not yet resolved (spec.md section 4.6,
// "block-split-apps").
func BlockSplitApp(processKnown, processSplitting bool) Decision {
	if !processKnown || processSplitting {
		return Decision{Verdict: VerdictBlock}
	}
	return Decision{Verdict: VerdictContinue}
}
