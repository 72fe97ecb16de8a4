// Package appfilters implements the app-filters module: per-image
// in-tunnel block-filter pairs, reference-counted across processes
// sharing an image, backed by a reversible transaction log (spec.md
// section 4.5). Grounded on the original driver's firewall/appfilters.cpp.
//
// Windows' FWPM_CONDITION_ALE_APP_ID has no Linux equivalent: there is no
// kernel condition that matches a raw device-path byte blob. Instead, each
// image is assigned a stable 32-bit mark (ImageMark) that the splitfw
// cgroup programs stamp onto a socket's SO_MARK before the in-tunnel
// connect/accept would otherwise succeed; the nftables rules installed
// here match on that mark the way the original matched on the app-id
// blob.
package appfilters

import (
	"hash/fnv"
	"net"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
)

// ImageMark derives the stable mark used to tag traffic from processes
// running the given (normalised) image, standing in for the original's
// null-terminated application-identifier byte blob.
func ImageMark(imageName string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(imageName))
	return h.Sum32()
}

// Entry represents an in-tunnel block-filter pair for one image.
type Entry struct {
	ImageName string
	Mark      uint32
	RefCount  int

	outV4, inV4 ruleHandle
	outV6, inV6 ruleHandle
}

type ruleHandle struct {
	installed bool
	handle    any // opaque nftables rule handle, owned by the Installer
}

// Installer installs/removes the two (outbound+inbound) nftables rules
// that implement blocking for one family, keyed by mark and by the
// tunnel address of that family. Implementations must participate in the
// outer nftables batch transaction the firewall coordinator already has
// open (spec.md section 4.5: "All filter-installation calls operate
// inside an outer framework transaction").
type Installer interface {
	InstallOutbound(mark uint32, tunnelAddr net.IP, v6 bool) (handle any, err error)
	InstallInbound(mark uint32, tunnelAddr net.IP, v6 bool) (handle any, err error)
	Remove(handle any) error
}

type eventKind int

const (
	evtIncRef eventKind = iota
	evtDecRef
	evtAddEntry
	evtRemoveEntry
	evtSwapLists
)

type txEvent struct {
	kind         eventKind
	target       *Entry
	prevNeighbor *Entry  // RemoveEntry: entry to reinsert after, nil == head
	prevList     []*Entry // SwapLists: the list this swap replaced
}

// Module owns the list of app-filter entries and the local transaction
// log that makes a batch of RegisterBlock/RemoveBlock/Reset/UpdateFilters
// calls reversible.
type Module struct {
	logger    *logging.Logger
	installer Installer

	entries []*Entry
	txOpen  bool
	log     []txEvent
}

// New creates a Module that installs filters through installer.
func New(logger *logging.Logger, installer Installer) *Module {
	if logger == nil {
		logger = logging.Default()
	}
	return &Module{logger: logger.WithComponent("appfilters"), installer: installer}
}

// BeginTransaction opens the local log. Fails if one is already open.
func (m *Module) BeginTransaction() error {
	if m.txOpen {
		return errors.New(errors.KindStateMismatch, "appfilters transaction already open")
	}
	m.txOpen = true
	m.log = nil
	return nil
}

// Commit discards the transaction log. Entries removed or lists replaced
// during the transaction are not retained (Go's GC reclaims them once
// this is the last reference, matching the original's "free" of list
// heads and orphaned entries).
func (m *Module) Commit() error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "no appfilters transaction open")
	}
	m.log = nil
	m.txOpen = false
	return nil
}

// Abort walks the log most-recent-first and inverts every operation:
// increments become decrements, decrements increments, additions become
// removals, removals become reinsertions at their recorded neighbour, and
// list swaps restore the previous list (freeing the failed list's
// entries' filters).
func (m *Module) Abort() error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "no appfilters transaction open")
	}
	for i := len(m.log) - 1; i >= 0; i-- {
		evt := m.log[i]
		switch evt.kind {
		case evtIncRef:
			evt.target.RefCount--
		case evtDecRef:
			evt.target.RefCount++
		case evtAddEntry:
			m.removeFromList(evt.target)
			m.uninstall(evt.target)
		case evtRemoveEntry:
			m.insertAfter(evt.prevNeighbor, evt.target)
		case evtSwapLists:
			for _, e := range m.entries {
				m.uninstall(e)
			}
			m.entries = evt.prevList
		}
	}
	m.log = nil
	m.txOpen = false
	return nil
}

func (m *Module) record(evt txEvent) {
	m.log = append(m.log, evt)
}

func (m *Module) find(imageName string) *Entry {
	for _, e := range m.entries {
		if e.ImageName == imageName {
			return e
		}
	}
	return nil
}

func (m *Module) removeFromList(target *Entry) {
	for i, e := range m.entries {
		if e == target {
			m.entries = append(m.entries[:i], m.entries[i+1:]...)
			return
		}
	}
}

func (m *Module) insertAfter(neighbor, target *Entry) {
	if neighbor == nil {
		m.entries = append([]*Entry{target}, m.entries...)
		return
	}
	for i, e := range m.entries {
		if e == neighbor {
			tail := append([]*Entry{target}, m.entries[i+1:]...)
			m.entries = append(m.entries[:i+1], tail...)
			return
		}
	}
	m.entries = append(m.entries, target)
}

// RegisterBlock ensures an in-tunnel block exists for imageName, creating
// filter pairs for the requested families on first use and incrementing
// the reference count on subsequent calls (spec.md section 4.5). Must be
// called inside a transaction.
func (m *Module) RegisterBlock(imageName string, tunnelV4, tunnelV6 net.IP) error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "RegisterBlock requires an open transaction")
	}

	if existing := m.find(imageName); existing != nil {
		existing.RefCount++
		m.record(txEvent{kind: evtIncRef, target: existing})
		return nil
	}

	entry := &Entry{ImageName: imageName, Mark: ImageMark(imageName), RefCount: 1}

	if len(tunnelV4) != 0 {
		h, err := m.installer.InstallOutbound(entry.Mark, tunnelV4, false)
		if err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "install outbound v4 block filter")
		}
		entry.outV4 = ruleHandle{installed: true, handle: h}
		h, err = m.installer.InstallInbound(entry.Mark, tunnelV4, false)
		if err != nil {
			m.uninstall(entry)
			return errors.Wrap(err, errors.KindFrameworkFailure, "install inbound v4 block filter")
		}
		entry.inV4 = ruleHandle{installed: true, handle: h}
	}

	if len(tunnelV6) != 0 {
		h, err := m.installer.InstallOutbound(entry.Mark, tunnelV6, true)
		if err != nil {
			m.uninstall(entry)
			return errors.Wrap(err, errors.KindFrameworkFailure, "install outbound v6 block filter")
		}
		entry.outV6 = ruleHandle{installed: true, handle: h}
		h, err = m.installer.InstallInbound(entry.Mark, tunnelV6, true)
		if err != nil {
			m.uninstall(entry)
			return errors.Wrap(err, errors.KindFrameworkFailure, "install inbound v6 block filter")
		}
		entry.inV6 = ruleHandle{installed: true, handle: h}
	}

	m.entries = append(m.entries, entry)
	m.record(txEvent{kind: evtAddEntry, target: entry})
	return nil
}

// RemoveBlock decrements imageName's reference count, removing its
// filters once the count reaches zero (spec.md section 4.5). Must be
// called inside a transaction.
func (m *Module) RemoveBlock(imageName string) error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "RemoveBlock requires an open transaction")
	}

	entry := m.find(imageName)
	if entry == nil {
		return errors.Errorf(errors.KindNotFound, "no app-filter entry for %q", imageName)
	}

	if entry.RefCount > 1 {
		entry.RefCount--
		m.record(txEvent{kind: evtDecRef, target: entry})
		return nil
	}

	var neighbor *Entry
	for i, e := range m.entries {
		if e == entry && i > 0 {
			neighbor = m.entries[i-1]
		}
	}

	m.uninstall(entry)
	m.removeFromList(entry)
	m.record(txEvent{kind: evtRemoveEntry, target: entry, prevNeighbor: neighbor})
	return nil
}

func (m *Module) uninstall(entry *Entry) {
	for _, rh := range []*ruleHandle{&entry.outV4, &entry.inV4, &entry.outV6, &entry.inV6} {
		if rh.installed {
			if err := m.installer.Remove(rh.handle); err != nil {
				m.logger.Warn("failed to remove app-filter rule", "image", entry.ImageName, "error", err)
			}
			rh.installed = false
		}
	}
}

// Reset removes every entry, logging a swap to an empty list. Must be
// called inside a transaction.
func (m *Module) Reset() error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "Reset requires an open transaction")
	}
	prev := m.entries
	for _, e := range prev {
		m.uninstall(e)
	}
	m.entries = nil
	m.record(txEvent{kind: evtSwapLists, prevList: prev})
	return nil
}

// UpdateFilters rebuilds every entry's filters against new tunnel
// addresses. On any failure the partial rebuild is discarded and the live
// list is untouched; on success the old list is swapped out and freed at
// commit (spec.md section 4.5). Must be called inside a transaction.
func (m *Module) UpdateFilters(tunnelV4, tunnelV6 net.IP) error {
	if !m.txOpen {
		return errors.New(errors.KindStateMismatch, "UpdateFilters requires an open transaction")
	}

	rebuilt := make([]*Entry, 0, len(m.entries))
	for _, old := range m.entries {
		ne := &Entry{ImageName: old.ImageName, Mark: old.Mark, RefCount: old.RefCount}

		if len(tunnelV4) != 0 {
			h, err := m.installer.InstallOutbound(ne.Mark, tunnelV4, false)
			if err != nil {
				m.discardRebuild(rebuilt)
				return errors.Wrap(err, errors.KindFrameworkFailure, "rebuild outbound v4 block filter")
			}
			ne.outV4 = ruleHandle{installed: true, handle: h}
			h, err = m.installer.InstallInbound(ne.Mark, tunnelV4, false)
			if err != nil {
				m.discardRebuild(append(rebuilt, ne))
				return errors.Wrap(err, errors.KindFrameworkFailure, "rebuild inbound v4 block filter")
			}
			ne.inV4 = ruleHandle{installed: true, handle: h}
		}

		if len(tunnelV6) != 0 {
			h, err := m.installer.InstallOutbound(ne.Mark, tunnelV6, true)
			if err != nil {
				m.discardRebuild(append(rebuilt, ne))
				return errors.Wrap(err, errors.KindFrameworkFailure, "rebuild outbound v6 block filter")
			}
			ne.outV6 = ruleHandle{installed: true, handle: h}
			h, err = m.installer.InstallInbound(ne.Mark, tunnelV6, true)
			if err != nil {
				m.discardRebuild(append(rebuilt, ne))
				return errors.Wrap(err, errors.KindFrameworkFailure, "rebuild inbound v6 block filter")
			}
			ne.inV6 = ruleHandle{installed: true, handle: h}
		}

		rebuilt = append(rebuilt, ne)
	}

	prev := m.entries
	m.entries = rebuilt
	m.record(txEvent{kind: evtSwapLists, prevList: prev})
	return nil
}

func (m *Module) discardRebuild(rebuilt []*Entry) {
	for _, e := range rebuilt {
		m.uninstall(e)
	}
}

// Len returns the number of distinct images currently blocked.
func (m *Module) Len() int {
	return len(m.entries)
}

// TotalRefCount sums the reference counts of every entry, used by the
// testable invariant in spec.md section 8 ("reference counts sum to the
// number of registry entries that are split AND whose image appears as an
// app-filter entry key").
func (m *Module) TotalRefCount() int {
	total := 0
	for _, e := range m.entries {
		total += e.RefCount
	}
	return total
}
