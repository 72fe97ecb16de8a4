// Package procmap wraps the eBPF hash map the cgroup bind4/bind6/
// connect4/connect6 programs consult to decide whether a socket belongs
// to a splitting process (spec.md section 4.2: per-process splitting
// status consulted on every bind/connect). Grounded on the ManagedMap
// pattern in internal/ebpf/maps/manager.go, narrowed to the one map shape
// this module needs instead of that package's generic map registry.
package procmap

import (
	"sync"

	"github.com/cilium/ebpf"

	"grimm.is/flywall/internal/errors"
)

// Verdict is the value type stored per-pid: the mark to stamp on sockets
// originated by that process (appfilters.ImageMark of its image) and
// whether it is currently splitting at all. Kept as a flat struct so it
// maps directly onto the eBPF map's fixed-size value layout.
type Verdict struct {
	Mark      uint32
	Splitting uint8
	_         [3]byte // pad to 8 bytes, matching the C struct the programs read
}

// eBPFMap is the subset of *ebpf.Map procmap depends on, narrowed for
// testability the same way internal/splitfw's nftConn is.
type eBPFMap interface {
	Put(key, value any) error
	Delete(key any) error
	Lookup(key, value any) error
}

// Map is a type-safe wrapper around the pid -> Verdict eBPF map shared
// with the attached cgroup programs.
type Map struct {
	mu  sync.RWMutex
	raw eBPFMap
}

// New wraps an already-loaded eBPF map. The map must be a BPF_MAP_TYPE_HASH
// keyed on a uint32 pid with an 8-byte Verdict value.
func New(m *ebpf.Map) *Map {
	return &Map{raw: m}
}

// NewWithMap wraps an arbitrary eBPFMap implementation, used by tests.
func NewWithMap(m eBPFMap) *Map {
	return &Map{raw: m}
}

// SetVerdict installs or updates the verdict for pid.
func (m *Map) SetVerdict(pid uint32, v Verdict) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.raw.Put(pid, v); err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to update process verdict map")
	}
	return nil
}

// ClearVerdict removes pid's entry, called when a process departs the
// registry (spec.md section 4.3).
func (m *Map) ClearVerdict(pid uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.raw.Delete(pid); err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to clear process verdict map entry")
	}
	return nil
}

// Lookup retrieves the verdict for pid, used by tests and diagnostics to
// confirm what the kernel program would observe.
func (m *Map) Lookup(pid uint32) (Verdict, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var v Verdict
	err := m.raw.Lookup(pid, &v)
	if err != nil {
		return Verdict{}, false
	}
	return v, true
}
