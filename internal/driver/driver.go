// Package driver implements the Core: the typed Go surface mirroring the
// request codes of spec.md section 6 one-for-one, and the driver state
// machine of spec.md section 3. Wire marshalling of the request buffers is
// an explicit non-goal; callers already hold typed values. Grounded on the
// original's ioctl.cpp/init.cpp state transitions and teacher's
// internal/supervisor lifecycle pattern (guarded state, reset-on-failure).
package driver

import (
	"sync"

	"grimm.is/flywall/internal/addrset"
	"grimm.is/flywall/internal/appfilters"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/eventbus"
	"grimm.is/flywall/internal/eventing"
	"grimm.is/flywall/internal/imageset"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/metrics"
	"grimm.is/flywall/internal/pending"
	"grimm.is/flywall/internal/procmgr"
	"grimm.is/flywall/internal/procmon"
	"grimm.is/flywall/internal/procreg"
	"grimm.is/flywall/internal/splitfw"
	"grimm.is/flywall/internal/splitfw/procmap"
)

// State is the driver's lifecycle state (spec.md section 3, "Driver
// state").
type State int

const (
	StateStarted State = iota
	StateInitialized
	StateReady
	StateEngaged
	StateZombie
)

func (s State) String() string {
	switch s {
	case StateStarted:
		return "STARTED"
	case StateInitialized:
		return "INITIALIZED"
	case StateReady:
		return "READY"
	case StateEngaged:
		return "ENGAGED"
	case StateZombie:
		return "ZOMBIE"
	default:
		return "UNKNOWN"
	}
}

// Firewall narrows *splitfw.Coordinator to what Core depends on.
type Firewall interface {
	EnsureTables() error
	Begin() (*splitfw.Transaction, error)
	AppFilterCount() int
	EnableSplitting(addrset.Set) error
	DisableSplitting() error
	RegisterUpdatedAddresses(addrset.Set) error
	ProcessMap() *procmap.Map
}

// ProcessEntry is one REGISTER-PROCESSES input record.
type ProcessEntry struct {
	Pid       uint64
	ParentPid uint64
	ImageName string
}

// ProcessInfo is the QUERY-PROCESS result.
type ProcessInfo struct {
	Pid       uint64
	ParentPid uint64
	Splitting bool
	ImageName string
}

// Core owns every subsystem and the single state lock serialising all
// state-altering requests (spec.md section 5, ordering guarantee (i)).
type Core struct {
	logger *logging.Logger

	mu    sync.Mutex
	state State

	registry *procreg.Registry
	images   *imageset.Set
	addrs    *addrset.Holder
	bus      *eventbus.Bus
	events   *eventing.Queue
	pendmod  *pending.Module
	firewall Firewall
	monitor  *procmon.Monitor
	manager  *procmgr.Manager

	// metrics is nil unless AttachMetrics is called; every increment site
	// guards against nil so metrics remain strictly optional.
	metrics *metrics.SplitTunnelMetrics
}

// AttachMetrics wires m to this Core's splitting-error counter and exposes
// Core itself as the metrics.SplitTunnelStats polled for its gauges. Callers
// construct m with metrics.NewSplitTunnelMetrics(core) and then call this so
// start/stop-splitting failures are counted.
func (c *Core) AttachMetrics(m *metrics.SplitTunnelMetrics) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metrics = m
}

// SplitCount reports the number of registry entries currently splitting,
// for internal/metrics.
func (c *Core) SplitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	c.registry.ForEach(func(e *procreg.Entry) {
		if e.Current.Splitting.Enabled() {
			n++
		}
	})
	return n
}

// PendingCount reports the number of classifications pended awaiting
// process resolution, for internal/metrics.
func (c *Core) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pendmod.Len()
}

// AppFilterCount reports the number of distinct images with an active
// in-tunnel block filter, for internal/metrics.
func (c *Core) AppFilterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firewall == nil {
		return 0
	}
	return c.firewall.AppFilterCount()
}

// New constructs a Core in the STARTED state. firewall is the Coordinator
// the manager installs app-filter transitions through; callers supply it
// so tests can substitute a Coordinator wired to a fake nftables
// connection (see splitfw.NewForTest).
func New(logger *logging.Logger, firewall Firewall) *Core {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Core{
		logger:   logger.WithComponent("driver"),
		state:    StateStarted,
		firewall: firewall,
	}
	c.resetSubsystems()
	return c
}

// resetSubsystems allocates fresh registry/image-set/address-holder/
// eventbus/eventing/pending/manager/monitor, wiring them the same way
// Initialize originally did. Called from New and from a successful Reset.
func (c *Core) resetSubsystems() {
	c.registry = procreg.New()
	c.images = imageset.New()
	c.addrs = addrset.NewHolder()
	c.bus = eventbus.New()
	c.events = eventing.New()
	c.pendmod = pending.New(c.logger, c.bus)
	c.manager = procmgr.New(c.logger, c.registry, c.images, c.firewall, c.bus, c.events)
	c.manager.SetPendingModule(c.pendmod)
	if c.firewall != nil {
		c.manager.SetProcessMap(c.firewall.ProcessMap())
	}
	c.monitor = procmon.New(c.logger, c.manager.HandleRecord)
}

// ProcessManager returns the process manager backing this Core, so
// cmd/splittund can hand it to a hooks.EventReader as its Classifier
// (spec.md section 4.7.a).
func (c *Core) ProcessManager() *procmgr.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.manager
}

// Initialize transitions STARTED→INITIALIZED, allocating the filter
// tables and starting the process-event worker (spec.md section 3).
func (c *Core) Initialize() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateStarted {
		return errors.New(errors.KindStateMismatch, "Initialize requires STARTED state")
	}

	if err := c.firewall.EnsureTables(); err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to allocate split-tunnel filter tables")
	}

	c.monitor.Start()
	c.state = StateInitialized
	return nil
}

// RegisterProcesses applies the initial bulk process set, then transitions
// INITIALIZED→READY (spec.md section 3). Unlike live arrival/departure
// notifications (NotifyProcessArrival/NotifyProcessDeparture), which are
// queued to the process-event worker because they originate on arbitrary
// framework threads, this is itself a serialised request-path operation
// and applies its entries synchronously before the monitor's dispatch is
// ever enabled, matching the original's "apply bulk registration before
// any live event is observed".
func (c *Core) RegisterProcesses(entries []ProcessEntry) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateInitialized {
		return errors.New(errors.KindStateMismatch, "RegisterProcesses requires INITIALIZED state")
	}

	c.manager.SetEngaged(c.computeEngagedLocked())
	for _, e := range entries {
		c.manager.HandleRecord(procmon.Record{
			Kind:      procmon.RecordArrival,
			Pid:       e.Pid,
			ParentPid: e.ParentPid,
			ImageName: imageset.Normalize(e.ImageName),
		})
	}
	c.monitor.EnableDispatch()

	c.state = StateReady
	return c.transitionEngagementLocked()
}

// RegisterIPAddresses stores the four addresses and re-evaluates the
// engaged state and every app-filter entry against them (spec.md sections
// 4.6 and 5, ordering guarantee (iv)).
func (c *Core) RegisterIPAddresses(s addrset.Set) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateReady && c.state != StateEngaged {
		return errors.New(errors.KindStateMismatch, "RegisterIPAddresses requires READY or ENGAGED state")
	}

	c.addrs.Store(s)

	if c.firewall != nil {
		if err := c.firewall.RegisterUpdatedAddresses(s); err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "failed to register updated addresses")
		}
	}

	c.manager.SetAddresses(s.TunnelV4, s.TunnelV6, s.InternetV4, s.InternetV6)
	return c.transitionEngagementLocked()
}

// GetIPAddresses returns the currently stored addresses.
func (c *Core) GetIPAddresses() (addrset.Set, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateZombie {
		return addrset.Set{}, errors.New(errors.KindStateMismatch, "driver is in ZOMBIE state")
	}
	return c.addrs.Load(), nil
}

// SetConfiguration replaces the active exclusion image set, rejecting an
// empty list (spec.md section 8, "SET-CONFIGURATION with zero entries is
// rejected with invalid-argument"), and reconciles already-running
// processes against it (spec.md scenario C).
func (c *Core) SetConfiguration(names []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateZombie {
		return errors.New(errors.KindStateMismatch, "driver is in ZOMBIE state")
	}

	newSet, err := imageset.NewFromList(names)
	if err != nil {
		return err
	}

	c.images = newSet
	c.manager.SetEngaged(true) // a non-empty configuration is being applied
	if err := c.reconcileLocked(); err != nil {
		return err
	}
	return c.transitionEngagementLocked()
}

// GetConfiguration returns the active exclusion image names.
func (c *Core) GetConfiguration() ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateZombie {
		return nil, errors.New(errors.KindStateMismatch, "driver is in ZOMBIE state")
	}
	return c.images.Names(), nil
}

// ClearConfiguration empties the exclusion image set. Unlike
// SET-CONFIGURATION, an empty set is the whole point here, so it is not
// rejected (spec.md section 6, CLEAR-CONFIGURATION is a distinct request
// code from SET-CONFIGURATION).
func (c *Core) ClearConfiguration() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateZombie {
		return errors.New(errors.KindStateMismatch, "driver is in ZOMBIE state")
	}

	c.images = imageset.New()
	c.manager.SetEngaged(false)
	if err := c.reconcileLocked(); err != nil {
		return err
	}
	return c.transitionEngagementLocked()
}

// reconcileLocked walks the registry and brings every entry's splitting
// status and firewall state into agreement with the current image set,
// installing or removing app-filter entries as needed and emitting the
// corresponding events. Entries are visited in pid order (procreg.ForEach)
// so a parent is very likely visited before children registered after it;
// this is a best-effort ordering, not a guarantee, matching spec.md's
// framing of inheritance as a per-arrival computation rather than a
// fixpoint recomputed from scratch.
func (c *Core) reconcileLocked() error {
	type change struct {
		entry     *procreg.Entry
		wantSplit bool
	}
	var changes []change
	engaged := c.computeEngagedLocked()

	c.registry.ForEach(func(e *procreg.Entry) {
		want := procreg.SplittingOff
		if engaged {
			want = c.desiredSplitting(e)
		}
		if want.Enabled() != e.Current.Splitting.Enabled() {
			changes = append(changes, change{entry: e, wantSplit: want.Enabled()})
		}
		if !want.Enabled() {
			e.Current.Splitting = procreg.SplittingOff
		} else {
			e.Current.Splitting = want
		}
	})

	s := c.addrs.Load()
	for _, ch := range changes {
		if ch.wantSplit && !ch.entry.Current.HasFirewallState {
			if err := c.installSplitLocked(ch.entry, s); err != nil {
				return err
			}
		} else if !ch.wantSplit && ch.entry.Current.HasFirewallState {
			c.removeSplitLocked(ch.entry)
		}
	}
	return nil
}

// desiredSplitting recomputes an entry's splitting status the same way
// arrival does: on-by-config if the image is excluded, else on-by-
// inheritance if the parent entry is currently split.
func (c *Core) desiredSplitting(e *procreg.Entry) procreg.SplittingStatus {
	if c.images.HasEntryExact(e.ImageName) {
		return procreg.SplittingOnByConfig
	}
	if parent := c.registry.GetParentEntry(e); parent != nil && parent.Current.Splitting.Enabled() {
		return procreg.SplittingOnByInheritance
	}
	return procreg.SplittingOff
}

func (c *Core) installSplitLocked(e *procreg.Entry, s addrset.Set) error {
	tx, err := c.firewall.Begin()
	if err != nil {
		c.emitError(eventing.KindStartSplittingError, e)
		return nil
	}
	if err := tx.RegisterBlock(e.ImageName, s.TunnelV4, s.TunnelV6); err != nil {
		_ = tx.Abort()
		c.emitError(eventing.KindStartSplittingError, e)
		return nil
	}
	if err := tx.Commit(); err != nil {
		c.emitError(eventing.KindStartSplittingError, e)
		return nil
	}
	e.Current.HasFirewallState = true
	c.stampVerdictLocked(e)

	reason := eventing.ReasonByConfig
	if e.Current.Splitting == procreg.SplittingOnByInheritance {
		reason = eventing.ReasonByInheritance
	}
	c.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      eventing.KindStartSplitting,
		Pid:       uint64(e.Pid),
		Reason:    reason,
		ImageName: e.ImageName,
	})
	return nil
}

func (c *Core) removeSplitLocked(e *procreg.Entry) {
	tx, err := c.firewall.Begin()
	if err != nil {
		c.emitError(eventing.KindStopSplittingError, e)
		return
	}
	if err := tx.RemoveBlock(e.ImageName); err != nil {
		_ = tx.Abort()
		c.emitError(eventing.KindStopSplittingError, e)
		return
	}
	if err := tx.Commit(); err != nil {
		c.emitError(eventing.KindStopSplittingError, e)
		return
	}
	e.Current.HasFirewallState = false
	c.stampVerdictLocked(e)
	c.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      eventing.KindStopSplitting,
		Pid:       uint64(e.Pid),
		ImageName: e.ImageName,
	})
}

// stampVerdictLocked mirrors an entry's splitting status into the eBPF
// process-verdict map, if one is attached, so kernel-resident cgroup hooks
// can resolve known processes without a userspace round-trip (spec.md
// section 4.7.a).
func (c *Core) stampVerdictLocked(e *procreg.Entry) {
	if c.firewall == nil {
		return
	}
	pm := c.firewall.ProcessMap()
	if pm == nil {
		return
	}
	var v procmap.Verdict
	if e.Current.Splitting.Enabled() {
		v.Mark = appfilters.ImageMark(e.ImageName)
		v.Splitting = 1
	}
	if err := pm.SetVerdict(uint32(e.Pid), v); err != nil {
		c.logger.Warn("failed to update process verdict map", "pid", e.Pid, "error", err)
	}
}

func (c *Core) emitError(kind eventing.Kind, e *procreg.Entry) {
	c.events.Emit(eventing.Event{
		ID:        eventing.NewUUID(),
		Kind:      kind,
		Pid:       uint64(e.Pid),
		ImageName: e.ImageName,
	})
	if c.metrics != nil {
		c.metrics.IncSplittingError()
	}
}

// computeEngagedLocked reports whether the engaged state should be active:
// a non-empty exclusion set and an active VPN (spec.md GLOSSARY, "Engaged
// state").
func (c *Core) computeEngagedLocked() bool {
	return !c.images.IsEmpty() && c.addrs.Load().VPNActive()
}

// transitionEngagementLocked drives the READY⇄ENGAGED transition from the
// current image set and address state, keeps the process manager's engaged
// flag in lockstep, and toggles the firewall's coordinator-wide filter
// families through EnableSplitting/DisableSplitting on the edges of that
// transition (spec.md section 4.7).
func (c *Core) transitionEngagementLocked() error {
	if c.state != StateReady && c.state != StateEngaged {
		return nil
	}

	wasEngaged := c.state == StateEngaged
	engaged := c.computeEngagedLocked()
	c.manager.SetEngaged(engaged)

	if engaged && !wasEngaged {
		if err := c.firewall.EnableSplitting(c.addrs.Load()); err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "failed to enable splitting")
		}
	} else if !engaged && wasEngaged {
		if err := c.firewall.DisableSplitting(); err != nil {
			return errors.Wrap(err, errors.KindFrameworkFailure, "failed to disable splitting")
		}
	}

	if engaged {
		c.state = StateEngaged
	} else {
		c.state = StateReady
	}
	return nil
}

// GetState returns the current driver state.
func (c *Core) GetState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// QueryProcess returns the registered state of pid (spec.md section 6,
// QUERY-PROCESS).
func (c *Core) QueryProcess(pid uint64) (ProcessInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateZombie {
		return ProcessInfo{}, errors.New(errors.KindStateMismatch, "driver is in ZOMBIE state")
	}

	entry := c.registry.FindEntry(procreg.PID(pid))
	if entry == nil {
		return ProcessInfo{}, errors.Errorf(errors.KindNotFound, "no registered process with pid %d", pid)
	}
	return ProcessInfo{
		Pid:       uint64(entry.Pid),
		ParentPid: uint64(entry.ParentPid),
		Splitting: entry.Current.Splitting.Enabled(),
		ImageName: entry.ImageName,
	}, nil
}

// DequeueEvent services a DEQUEUE-EVENT request, delegating to the
// underlying eventing.Queue. A ZOMBIE driver still allows collection: its
// event queue was already drained and every pending request cancelled by
// Reset's failed-teardown path, so Collect naturally reports no event
// (spec.md section 7, "client callbacks are neutralised").
func (c *Core) DequeueEvent(req eventing.CollectionRequest) (eventing.Event, bool) {
	return c.events.Collect(req)
}

// NotifyProcessArrival forwards a live process-arrival notification from
// the host to the process monitor (spec.md section 4.3).
func (c *Core) NotifyProcessArrival(pid, parentPid uint64, imageName string) {
	c.monitor.OnArrival(pid, parentPid, imageName)
}

// NotifyProcessDeparture forwards a live process-departure notification.
func (c *Core) NotifyProcessDeparture(pid uint64) {
	c.monitor.OnDeparture(pid)
}

// Reset tears the driver down and, on success, returns it to STARTED with
// freshly allocated subsystems; on any teardown failure it instead enters
// ZOMBIE, rejecting all further requests (spec.md section 3 and section 7,
// "A failed teardown ... puts the system into the ZOMBIE state").
func (c *Core) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateZombie {
		return errors.New(errors.KindStateMismatch, "driver is already in ZOMBIE state")
	}

	if err := c.teardownLocked(); err != nil {
		c.state = StateZombie
		c.events.Teardown()
		c.logger.Error("teardown failed, entering ZOMBIE state", "error", err)
		return errors.Wrap(err, errors.KindFatalTeardown, "driver teardown failed")
	}

	c.resetSubsystems()
	c.state = StateStarted
	return nil
}

// teardownLocked removes every app-filter entry and filter family and stops
// the worker. DisableSplitting is itself idempotent, so this is safe to call
// regardless of whether splitting was ever enabled; its own transaction
// handles the Reset/remove-filters pairing that used to live here directly.
func (c *Core) teardownLocked() error {
	if c.state == StateReady || c.state == StateEngaged {
		if err := c.firewall.DisableSplitting(); err != nil {
			return err
		}
	}

	c.monitor.Stop()
	c.events.Teardown()
	return nil
}
