// Package addrset implements the address set (spec.md section 3): the
// current tunnel/internet addresses for both IP families, copy-on-write
// under a lock so callouts can read a consistent snapshot without
// blocking producers for long.
package addrset

import "net"

// Set holds the four addresses. Any field may be nil ("absent").
type Set struct {
	InternetV4 net.IP
	TunnelV4   net.IP
	InternetV6 net.IP
	TunnelV6   net.IP
}

// VPNActive reports whether a tunnel address of either family is present
// (spec.md section 3).
func (s Set) VPNActive() bool {
	return len(s.TunnelV4) != 0 || len(s.TunnelV6) != 0
}

// Clone returns a value copy; net.IP is a slice, but these values are
// treated as immutable once published so a shallow copy is sufficient.
func (s Set) Clone() Set {
	return s
}

// Holder publishes Set snapshots under a lock, so producers can copy out,
// mutate, and re-publish without holding the lock across the mutation
// (spec.md section 5, "copy-on-write under a spinlock").
type Holder struct {
	mu      chan struct{} // 1-buffered channel used as a non-reentrant mutex; see Lock/Unlock
	current Set
}

// NewHolder returns a Holder with an all-absent Set.
func NewHolder() *Holder {
	h := &Holder{mu: make(chan struct{}, 1)}
	h.mu <- struct{}{}
	return h
}

func (h *Holder) lock()   { <-h.mu }
func (h *Holder) unlock() { h.mu <- struct{}{} }

// Load returns a snapshot of the current addresses.
func (h *Holder) Load() Set {
	h.lock()
	defer h.unlock()
	return h.current.Clone()
}

// Store replaces the current addresses.
func (h *Holder) Store(s Set) {
	h.lock()
	defer h.unlock()
	h.current = s
}

// Update reads the current value, applies fn to a copy, and republishes
// the result, all while holding the lock only around the read-modify-
// write, matching the producer pattern described in spec.md section 5.
func (h *Holder) Update(fn func(Set) Set) {
	h.lock()
	defer h.unlock()
	h.current = fn(h.current.Clone())
}
