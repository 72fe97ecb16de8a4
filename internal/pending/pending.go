// Package pending implements the pending-classifications module: requests
// captured because the owning process is not yet known to the registry,
// resumed or failed once a process-lifecycle event resolves the ambiguity
// (spec.md section 4.7.a). Grounded on the original driver's
// firewall/pending.cpp.
package pending

import (
	"sync"
	"time"

	"grimm.is/flywall/internal/eventbus"
	"grimm.is/flywall/internal/logging"
)

// MaxLifetime is the maximum age of a pending classification before it is
// failed on the next process-lifecycle event (spec.md section 3).
const MaxLifetime = 10 * time.Second

// LayerID identifies which redirect layer a classification was pended
// from; only the four ALE redirect layers are valid.
type LayerID int

const (
	LayerBindRedirectV4 LayerID = iota
	LayerBindRedirectV6
	LayerConnectRedirectV4
	LayerConnectRedirectV6
)

// Handle is the non-copyable token the classify framework hands back when
// a classification is pended. Resume is called when the owning process
// becomes known, Fail when the record expires or the process departs. The
// only implementation in this module, the ring-buffer handle in
// internal/splitfw/hooks, logs the resolution: it does not rewrite the
// request's local address or re-authorise the original request, whose
// verdict the kernel program has already returned.
type Handle interface {
	Resume()
	Fail()
}

// record is a captured classification awaiting resolution.
type record struct {
	pid       uint64
	timestamp time.Time
	handle    Handle
	filterID  uint64
	layerID   LayerID
}

// Module stores pending classifications and resolves them in response to
// process-lifecycle events published on an eventbus.Bus.
type Module struct {
	logger *logging.Logger
	now    func() time.Time

	mu      sync.Mutex
	records []record
}

// New creates a Module and subscribes it to bus for lifecycle events.
func New(logger *logging.Logger, bus *eventbus.Bus) *Module {
	if logger == nil {
		logger = logging.Default()
	}
	m := &Module{
		logger: logger.WithComponent("pending"),
		now:    time.Now,
	}
	if bus != nil {
		bus.Subscribe(m.onLifecycleEvent)
	}
	return m
}

// PendRequest captures a classification for pid that cannot yet be
// resolved because the process is not in the registry.
func (m *Module) PendRequest(pid uint64, handle Handle, filterID uint64, layerID LayerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, record{
		pid:       pid,
		timestamp: m.now(),
		handle:    handle,
		filterID:  filterID,
		layerID:   layerID,
	})
}

// Len returns the number of currently pending classifications.
func (m *Module) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

// onLifecycleEvent is invoked by the eventbus for every published process
// arrival/departure. It scans the pending list: stale records (older than
// MaxLifetime) are failed; records whose pid matches an arriving process
// are resumed; records for a departing process are failed (spec.md
// section 4.7.a).
func (m *Module) onLifecycleEvent(evt eventbus.LifecycleEvent) {
	m.mu.Lock()
	now := m.now()
	kept := m.records[:0]
	var toResume, toFail []Handle

	for _, r := range m.records {
		if now.Sub(r.timestamp) > MaxLifetime {
			toFail = append(toFail, r.handle)
			continue
		}
		if r.pid == evt.Pid {
			switch evt.Kind {
			case eventbus.ProcessArrived:
				toResume = append(toResume, r.handle)
				continue
			case eventbus.ProcessDeparted:
				toFail = append(toFail, r.handle)
				continue
			}
		}
		kept = append(kept, r)
	}
	m.records = kept
	m.mu.Unlock()

	for _, h := range toResume {
		h.Resume()
	}
	for _, h := range toFail {
		h.Fail()
	}
	if len(toFail) > 0 {
		m.logger.Debug("failed pending classifications", "count", len(toFail))
	}
}

// Sweep fails every record older than MaxLifetime without requiring a
// lifecycle event; exposed for callers (e.g. a periodic janitor) that want
// to bound worst-case staleness even in the absence of process churn.
func (m *Module) Sweep() {
	m.mu.Lock()
	now := m.now()
	kept := m.records[:0]
	var toFail []Handle
	for _, r := range m.records {
		if now.Sub(r.timestamp) > MaxLifetime {
			toFail = append(toFail, r.handle)
			continue
		}
		kept = append(kept, r)
	}
	m.records = kept
	m.mu.Unlock()

	for _, h := range toFail {
		h.Fail()
	}
}
