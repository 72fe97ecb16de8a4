// Package procmgr implements the process manager: it consumes
// internal/procmon records, mutates internal/procreg, computes
// inheritance of splitting status along the parent chain, invokes
// internal/splitfw on splitting transitions, and publishes to both
// internal/eventbus (for internal/pending) and internal/eventing (for
// user-space) (spec.md section 4.4). Grounded on the original driver's
// procmgmt.cpp arrival/departure handlers.
package procmgr

import (
	"net"

	"grimm.is/flywall/internal/appfilters"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/eventbus"
	"grimm.is/flywall/internal/eventing"
	"grimm.is/flywall/internal/imageset"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/pending"
	"grimm.is/flywall/internal/procmon"
	"grimm.is/flywall/internal/procreg"
	"grimm.is/flywall/internal/splitfw"
	"grimm.is/flywall/internal/splitfw/callouts"
	"grimm.is/flywall/internal/splitfw/procmap"
)

// Firewall is the subset of *splitfw.Coordinator the process manager
// depends on, narrowed for testability.
type Firewall interface {
	Begin() (*splitfw.Transaction, error)
}

// Manager owns the registry mutations driven by process lifecycle
// records. Engaged gates whether newly arriving processes are evaluated
// for splitting at all (spec.md section 3, "engaged state").
type Manager struct {
	logger *logging.Logger

	registry *procreg.Registry
	images   *imageset.Set
	firewall Firewall
	bus      *eventbus.Bus
	events   *eventing.Queue

	engaged    bool
	tunnelV4   net.IP
	tunnelV6   net.IP
	internetV4 net.IP
	internetV6 net.IP

	pendingMod *pending.Module
	procMap    *procmap.Map
}

// New creates a Manager.
func New(logger *logging.Logger, registry *procreg.Registry, images *imageset.Set, firewall Firewall, bus *eventbus.Bus, events *eventing.Queue) *Manager {
	if logger == nil {
		logger = logging.Default()
	}
	return &Manager{
		logger:   logger.WithComponent("procmgr"),
		registry: registry,
		images:   images,
		firewall: firewall,
		bus:      bus,
		events:   events,
	}
}

// SetEngaged toggles whether newly arriving processes are evaluated for
// splitting (spec.md section 3: engaged is true only in the ENGAGED
// driver state).
func (m *Manager) SetEngaged(engaged bool) {
	m.engaged = engaged
}

// SetAddresses updates the tunnel/internet addresses consulted when a
// splitting transition needs to install or remove app-filter entries.
func (m *Manager) SetAddresses(tunnelV4, tunnelV6, internetV4, internetV6 net.IP) {
	m.tunnelV4, m.tunnelV6 = tunnelV4, tunnelV6
	m.internetV4, m.internetV6 = internetV4, internetV6
}

// SetPendingModule attaches the pending-classifications module so unknown
// pids observed by Classify* can be captured for later resolution (spec.md
// section 4.7.a). Nil-safe: without it, unknown pids are simply left
// unclassified.
func (m *Manager) SetPendingModule(p *pending.Module) {
	m.pendingMod = p
}

// SetProcessMap attaches the eBPF process verdict map so every arrival and
// departure stamps the mark the cgroup hooks consult in-kernel for known
// processes (spec.md section 4.2). Nil-safe: without it, stamping is
// skipped.
func (m *Manager) SetProcessMap(pm *procmap.Map) {
	m.procMap = pm
}

// HandleRecord is the procmon.Sink invoked on the process-event worker
// goroutine for every drained record.
func (m *Manager) HandleRecord(r procmon.Record) {
	switch r.Kind {
	case procmon.RecordArrival:
		m.handleArrival(r)
	case procmon.RecordDeparture:
		m.handleDeparture(r)
	}

	if m.bus != nil {
		kind := eventbus.ProcessArrived
		if r.Kind == procmon.RecordDeparture {
			kind = eventbus.ProcessDeparted
		}
		m.bus.Publish(eventbus.LifecycleEvent{Kind: kind, Pid: r.Pid})
	}
}

func (m *Manager) handleArrival(r procmon.Record) {
	entry := procreg.InitializeEntry(procreg.PID(r.Pid), procreg.PID(r.ParentPid), imageset.Normalize(r.ImageName))

	if m.engaged {
		m.computeSplitting(entry)
	}

	if err := m.registry.AddEntry(entry); err != nil {
		m.handleDuplicateArrival(entry, err)
		return
	}

	m.stampVerdict(entry)

	if entry.Current.Splitting.Enabled() {
		m.onStartSplitting(entry)
	}
}

// stampVerdict writes entry's current splitting status into the eBPF
// process verdict map, the synchronous in-kernel decision path for known
// processes (spec.md section 4.2); a no-op if no map is attached.
func (m *Manager) stampVerdict(entry *procreg.Entry) {
	if m.procMap == nil {
		return
	}
	var v procmap.Verdict
	if entry.Current.Splitting.Enabled() {
		v.Mark = appfilters.ImageMark(entry.ImageName)
		v.Splitting = 1
	}
	if err := m.procMap.SetVerdict(uint32(entry.Pid), v); err != nil {
		m.logger.Warn("failed to update process verdict map", "pid", entry.Pid, "error", err)
	}
}

// computeSplitting applies spec.md section 4.4's rule: on-by-config if
// the image is in the active image set; else on-by-inheritance if the
// computed parent (which may be a not-yet-inserted entry, resolved
// lazily by procreg) is split.
func (m *Manager) computeSplitting(entry *procreg.Entry) {
	if m.images != nil && m.images.HasEntryExact(entry.ImageName) {
		entry.Current.Splitting = procreg.SplittingOnByConfig
		return
	}
	parent := m.registry.GetParentEntry(entry)
	if parent != nil && parent.Current.Splitting.Enabled() {
		entry.Current.Splitting = procreg.SplittingOnByInheritance
	}
}

// handleDuplicateArrival validates that a duplicate pid matches the
// existing entry (same parent, same image byte-for-byte). A mismatch
// emits an error event; a match is benign (the initial bulk-registration
// path re-announcing a process already seen) (spec.md section 4.4).
func (m *Manager) handleDuplicateArrival(entry *procreg.Entry, cause error) {
	existing := m.registry.FindEntry(entry.Pid)
	if existing != nil && existing.ParentPid == entry.ParentPid && existing.ImageName == entry.ImageName {
		return
	}

	m.logger.Warn("duplicate process registration with mismatched identity",
		"pid", entry.Pid, "image", entry.ImageName, "error", cause)

	if m.events != nil {
		m.events.Emit(eventing.Event{
			ID:           eventing.NewUUID(),
			Kind:         eventing.KindErrorMessage,
			ErrorStatus:  errors.KindDuplicateObject,
			ErrorMessage: "duplicate process registration with mismatched identity",
		})
	}
}

func (m *Manager) handleDeparture(r procmon.Record) {
	entry := m.registry.FindEntry(procreg.PID(r.Pid))
	if entry == nil {
		return
	}

	if entry.Current.HasFirewallState {
		if err := m.removeFirewallState(entry); err != nil {
			m.onStopSplittingError(entry)
		} else {
			m.onStopSplitting(entry, eventing.ReasonProcessDeparting)
		}
	}

	if m.procMap != nil {
		if err := m.procMap.ClearVerdict(uint32(entry.Pid)); err != nil {
			m.logger.Warn("failed to clear process verdict map entry", "pid", entry.Pid, "error", err)
		}
	}

	m.registry.DeleteEntry(entry.Pid)
}

func (m *Manager) removeFirewallState(entry *procreg.Entry) error {
	tx, err := m.firewall.Begin()
	if err != nil {
		return err
	}
	if err := tx.RemoveBlock(entry.ImageName); err != nil {
		_ = tx.Abort()
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	entry.Current.HasFirewallState = false
	return nil
}

func (m *Manager) onStartSplitting(entry *procreg.Entry) {
	tx, err := m.firewall.Begin()
	if err != nil {
		m.onStartSplittingError(entry)
		return
	}
	if err := tx.RegisterBlock(entry.ImageName, m.tunnelV4, m.tunnelV6); err != nil {
		_ = tx.Abort()
		m.onStartSplittingError(entry)
		return
	}
	if err := tx.Commit(); err != nil {
		m.onStartSplittingError(entry)
		return
	}

	entry.Current.HasFirewallState = true

	reason := eventing.ReasonProcessArriving
	switch entry.Current.Splitting {
	case procreg.SplittingOnByConfig:
		reason |= eventing.ReasonByConfig
	case procreg.SplittingOnByInheritance:
		reason |= eventing.ReasonByInheritance
	}

	if m.events != nil {
		m.events.Emit(eventing.Event{
			ID:        eventing.NewUUID(),
			Kind:      eventing.KindStartSplitting,
			Pid:       uint64(entry.Pid),
			Reason:    reason,
			ImageName: entry.ImageName,
		})
	}
}

func (m *Manager) onStartSplittingError(entry *procreg.Entry) {
	if m.events == nil {
		return
	}
	m.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      eventing.KindStartSplittingError,
		Pid:       uint64(entry.Pid),
		ImageName: entry.ImageName,
	})
}

func (m *Manager) onStopSplitting(entry *procreg.Entry, reason eventing.Reason) {
	if m.events == nil {
		return
	}
	m.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      eventing.KindStopSplitting,
		Pid:       uint64(entry.Pid),
		Reason:    reason,
		ImageName: entry.ImageName,
	})
}

func (m *Manager) onStopSplittingError(entry *procreg.Entry) {
	if m.events == nil {
		return
	}
	m.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      eventing.KindStopSplittingError,
		Pid:       uint64(entry.Pid),
		ImageName: entry.ImageName,
	})
}

// addrFor returns the tunnel/internet addresses for the requested family.
func (m *Manager) addrFor(v6 bool) (tunnel, internet net.IP) {
	if v6 {
		return m.tunnelV6, m.internetV6
	}
	return m.tunnelV4, m.internetV4
}

// ClassifyBind resolves a bind() attempt through the bind-redirect callout
// (spec.md section 4.6). Unknown pids are captured via the pending module
// instead of classified (spec.md section 4.7.a).
func (m *Manager) ClassifyBind(pid uint64, localAddr net.IP, v6 bool, handle pending.Handle) callouts.Decision {
	entry := m.registry.FindEntry(procreg.PID(pid))
	if entry == nil {
		m.pendRequest(pid, handle, v6, true)
		return callouts.Decision{Verdict: callouts.VerdictContinue}
	}
	if !entry.Current.Splitting.Enabled() {
		return callouts.Decision{Verdict: callouts.VerdictContinue}
	}
	tunnel, internet := m.addrFor(v6)
	return callouts.BindRedirect(localAddr, tunnel, internet, v6)
}

// ClassifyConnect resolves a connect()/sendto() attempt through the
// connect-redirect callout. Unknown pids are captured via the pending
// module instead of classified.
func (m *Manager) ClassifyConnect(pid uint64, localAddr, remoteAddr net.IP, v6 bool, handle pending.Handle) callouts.Decision {
	entry := m.registry.FindEntry(procreg.PID(pid))
	if entry == nil {
		m.pendRequest(pid, handle, v6, false)
		return callouts.Decision{Verdict: callouts.VerdictContinue}
	}
	if !entry.Current.Splitting.Enabled() {
		return callouts.Decision{Verdict: callouts.VerdictContinue}
	}
	tunnel, internet := m.addrFor(v6)
	return callouts.ConnectRedirect(localAddr, tunnel, internet, remoteAddr)
}

// ClassifyPermit resolves an authorise-connect/authorise-recv-accept
// attempt through permit-split-apps.
func (m *Manager) ClassifyPermit(pid uint64, localAddr net.IP, remotePort uint16, v6 bool) callouts.Decision {
	entry := m.registry.FindEntry(procreg.PID(pid))
	if entry == nil || !entry.Current.Splitting.Enabled() {
		return callouts.Decision{Verdict: callouts.VerdictContinue}
	}
	tunnel, _ := m.addrFor(v6)
	return callouts.PermitSplitApp(localAddr, tunnel, remotePort)
}

// ClassifyBlock resolves an authorise-connect/authorise-recv-accept
// attempt through block-split-apps.
func (m *Manager) ClassifyBlock(pid uint64, v6 bool) callouts.Decision {
	entry := m.registry.FindEntry(procreg.PID(pid))
	known := entry != nil
	splitting := known && entry.Current.Splitting.Enabled()
	return callouts.BlockSplitApp(known, splitting)
}

// pendRequest captures a classification for a pid not yet in the registry,
// giving internal/pending.Module.PendRequest its production call site.
func (m *Manager) pendRequest(pid uint64, handle pending.Handle, v6, bind bool) {
	if m.pendingMod == nil || handle == nil {
		return
	}
	var layer pending.LayerID
	switch {
	case bind && !v6:
		layer = pending.LayerBindRedirectV4
	case bind && v6:
		layer = pending.LayerBindRedirectV6
	case !bind && !v6:
		layer = pending.LayerConnectRedirectV4
	default:
		layer = pending.LayerConnectRedirectV6
	}
	m.pendingMod.PendRequest(pid, handle, 0, layer)
}
