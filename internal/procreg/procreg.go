// Package procreg implements the process registry: an indexed map keyed by
// process identifier, holding parent/image relationships and splitting
// status (spec.md section 4.2).
package procreg

import (
	"sort"
	"sync"

	"grimm.is/flywall/internal/errors"
)

// SplittingStatus is the verdict recorded for a process entry.
type SplittingStatus int

const (
	SplittingOff SplittingStatus = iota
	SplittingOnByConfig
	SplittingOnByInheritance
)

// Enabled reports whether status represents any form of "on".
func (s SplittingStatus) Enabled() bool {
	return s == SplittingOnByConfig || s == SplittingOnByInheritance
}

// Settings records the splitting verdict plus whether firewall state
// (app-filter reference) currently exists for the owning entry. Invariant
// (i) from spec.md section 3: HasFirewallState implies Splitting.Enabled().
type Settings struct {
	Splitting        SplittingStatus
	HasFirewallState bool
}

// PID is a process identifier. Zero means "unknown/departed" when used as
// a parent identifier.
type PID uint64

// Entry represents one live process (spec.md section 3).
type Entry struct {
	Pid       PID
	ParentPid PID
	ImageName string // device-path, lower-cased

	Current  Settings
	Target   Settings
	Previous Settings

	parent *Entry // cached resolution of ParentPid, invalidated on child deletion
}

// Parent returns the cached parent entry pointer, or nil.
func (e *Entry) Parent() *Entry {
	return e.parent
}

// Registry is the indexed process table, guarded by a mutex standing in
// for the original's spinlock (classify-time readers and request-handling
// writers never block each other for long: lookups are single map reads and
// released before any call that could take a waiting lock, per spec.md
// section 5).
type Registry struct {
	mu      sync.Mutex
	entries map[PID]*Entry
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[PID]*Entry)}
}

// InitializeEntry allocates a new, unlinked Entry. The caller owns the
// returned entry until AddEntry succeeds.
func InitializeEntry(pid, parentPid PID, imageName string) *Entry {
	return &Entry{Pid: pid, ParentPid: parentPid, ImageName: imageName}
}

// AddEntry inserts entry into the registry. Returns KindDuplicateObject if
// the pid is already present; the caller is then responsible for deciding
// whether the duplicate is benign (spec.md section 4.4).
func (r *Registry) AddEntry(entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[entry.Pid]; exists {
		return errors.Errorf(errors.KindDuplicateObject, "pid %d already registered", entry.Pid)
	}
	if entry.ParentPid != 0 {
		if parent, ok := r.entries[entry.ParentPid]; ok {
			entry.parent = parent
		}
	}
	r.entries[entry.Pid] = entry
	return nil
}

// FindEntry returns the entry for pid, or nil.
func (r *Registry) FindEntry(pid PID) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.entries[pid]
}

// GetParentEntry resolves and caches entry's parent. Returns nil if the
// parent pid is zero or the parent has departed (spec.md section 4.2).
func (r *Registry) GetParentEntry(entry *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry.ParentPid == 0 {
		return nil
	}
	if entry.parent != nil {
		return entry.parent
	}
	parent, ok := r.entries[entry.ParentPid]
	if !ok {
		return nil
	}
	entry.parent = parent
	return parent
}

// DeleteEntry removes pid from the registry. Every remaining entry whose
// ParentPid equals pid has its parent reference cleared (spec.md section
// 4.2/3). Returns the removed entry, or nil if pid was not present.
func (r *Registry) DeleteEntry(pid PID) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed, ok := r.entries[pid]
	if !ok {
		return nil
	}
	delete(r.entries, pid)
	for _, child := range r.entries {
		if child.ParentPid == pid {
			child.ParentPid = 0
			child.parent = nil
		}
	}
	return removed
}

// DeleteEntryByID is an alias for DeleteEntry matching the original's
// naming (procregistry.cpp exposes both a by-entry and by-id remove path).
func (r *Registry) DeleteEntryByID(pid PID) *Entry {
	return r.DeleteEntry(pid)
}

// ForEach calls fn for every entry, ordered by pid for deterministic
// iteration (spec.md section 3: "ordered for efficient range traversal").
// fn must not mutate the registry.
func (r *Registry) ForEach(fn func(*Entry)) {
	r.mu.Lock()
	pids := make([]PID, 0, len(r.entries))
	for pid := range r.entries {
		pids = append(pids, pid)
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	entries := make([]*Entry, len(pids))
	for i, pid := range pids {
		entries[i] = r.entries[pid]
	}
	r.mu.Unlock()

	for _, e := range entries {
		fn(e)
	}
}

// IsEmpty reports whether the registry holds no entries.
func (r *Registry) IsEmpty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries) == 0
}

// Reset empties the registry.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = make(map[PID]*Entry)
}

// Len returns the number of entries.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
