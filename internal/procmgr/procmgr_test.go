package procmgr

import (
	"net"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

type fakeConn struct {
	rules []*nftables.Rule
}

func (f *fakeConn) AddTable(t *nftables.Table) *nftables.Table { return t }
func (f *fakeConn) AddChain(c *nftables.Chain) *nftables.Chain { return c }
func (f *fakeConn) AddRule(r *nftables.Rule) *nftables.Rule {
	f.rules = append(f.rules, r)
	return r
}
func (f *fakeConn) DelRule(r *nftables.Rule) error { return nil }
func (f *fakeConn) Flush() error                   { return nil }

func newHarness(t *testing.T) (*Manager, *procreg.Registry, *eventing.Queue) {
	t.Helper()

	coordinator := splitfw.NewForTest(logging.Default(), &fakeConn{})
	require.NoError(t, coordinator.EnsureTables())

	registry := procreg.New()
	images, err := imageset.NewFromList([]string{"curl"})
	require.NoError(t, err)
	bus := eventbus.New()
	events := eventing.New()

	mgr := New(logging.Default(), registry, images, coordinator, bus, events)
	mgr.SetEngaged(true)
	mgr.SetAddresses(net.ParseIP("10.64.0.1"), nil, net.ParseIP("203.0.113.5"), nil)
	return mgr, registry, events
}

func drainEvents(q *eventing.Queue) []eventing.Event {
	var out []eventing.Event
	// Collect pends the request once the queue is empty, so stop before
	// that: a pended no-op request would swallow the next emitted event.
	for q.QueuedCount() > 0 {
		evt, _ := q.Collect(noopRequest{})
		out = append(out, evt)
	}
	return out
}

type noopRequest struct{}

func (noopRequest) Deliver(eventing.Event) {}
func (noopRequest) Cancel()                {}

func TestArrivalOfConfiguredImageStartsSplitting(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})

	entry := registry.FindEntry(100)
	require.NotNil(t, entry)
	assert.Equal(t, procreg.SplittingOnByConfig, entry.Current.Splitting)
	assert.True(t, entry.Current.HasFirewallState)

	evts := drainEvents(events)
	require.Len(t, evts, 1)
	assert.Equal(t, eventing.KindStartSplitting, evts[0].Kind)
	assert.Equal(t, uint64(100), evts[0].Pid)
	assert.NotZero(t, evts[0].Reason&eventing.ReasonByConfig)
}

func TestChildOfSplittingParentInheritsSplitting(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 101, ParentPid: 100, ImageName: "child.exe"})

	child := registry.FindEntry(101)
	require.NotNil(t, child)
	assert.Equal(t, procreg.SplittingOnByInheritance, child.Current.Splitting)

	evts := drainEvents(events)
	require.Len(t, evts, 1)
	assert.NotZero(t, evts[0].Reason&eventing.ReasonByInheritance)
}

func TestArrivalOfUnrelatedImageDoesNotSplit(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 200, ImageName: "notepad.exe"})

	entry := registry.FindEntry(200)
	require.NotNil(t, entry)
	assert.Equal(t, procreg.SplittingOff, entry.Current.Splitting)
	assert.Empty(t, drainEvents(events))
}

func TestDepartureOfSplittingProcessRemovesFirewallState(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordDeparture, Pid: 100})

	assert.Nil(t, registry.FindEntry(100))

	evts := drainEvents(events)
	require.Len(t, evts, 1)
	assert.Equal(t, eventing.KindStopSplitting, evts[0].Kind)
}

func TestDepartureOfNonSplittingProcessEmitsNoFirewallEvent(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 200, ImageName: "notepad.exe"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordDeparture, Pid: 200})

	assert.Nil(t, registry.FindEntry(200))
	assert.Empty(t, drainEvents(events))
}

func TestDuplicateArrivalWithMatchingIdentityIsBenign(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 300, ImageName: "notepad.exe"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 300, ImageName: "notepad.exe"})

	assert.Empty(t, drainEvents(events))
	assert.Equal(t, 1, registry.Len())
}

func TestDuplicateArrivalWithMismatchedIdentityEmitsError(t *testing.T) {
	mgr, registry, events := newHarness(t)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 300, ImageName: "notepad.exe"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 300, ImageName: "other.exe"})

	evts := drainEvents(events)
	require.Len(t, evts, 1)
	assert.Equal(t, eventing.KindErrorMessage, evts[0].Kind)
	assert.Equal(t, 1, registry.Len())
}

func TestHandleRecordPublishesLifecycleEventOnBus(t *testing.T) {
	mgr, _, events := newHarness(t)

	var received []eventbus.LifecycleEvent
	bus := eventbus.New()
	bus.Subscribe(func(e eventbus.LifecycleEvent) { received = append(received, e) })
	mgr.bus = bus

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 400, ImageName: "notepad.exe"})
	drainEvents(events)

	require.Len(t, received, 1)
	assert.Equal(t, eventbus.ProcessArrived, received[0].Kind)
	assert.Equal(t, uint64(400), received[0].Pid)
}

func TestNotEngagedArrivalNeverSplits(t *testing.T) {
	mgr, registry, events := newHarness(t)
	mgr.SetEngaged(false)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 500, ImageName: "curl"})

	entry := registry.FindEntry(500)
	require.NotNil(t, entry)
	assert.Equal(t, procreg.SplittingOff, entry.Current.Splitting)
	assert.Empty(t, drainEvents(events))
}

// fakeEBPFMap is an in-memory stand-in for the eBPF process verdict map.
type fakeEBPFMap struct {
	entries map[uint32]procmap.Verdict
}

func newFakeEBPFMap() *fakeEBPFMap {
	return &fakeEBPFMap{entries: make(map[uint32]procmap.Verdict)}
}

func (f *fakeEBPFMap) Put(key, value any) error {
	f.entries[key.(uint32)] = value.(procmap.Verdict)
	return nil
}

func (f *fakeEBPFMap) Delete(key any) error {
	delete(f.entries, key.(uint32))
	return nil
}

func (f *fakeEBPFMap) Lookup(key, value any) error {
	v, ok := f.entries[key.(uint32)]
	if !ok {
		return assert.AnError
	}
	*(value.(*procmap.Verdict)) = v
	return nil
}

func TestArrivalStampsProcessVerdictMap(t *testing.T) {
	mgr, _, events := newHarness(t)
	raw := newFakeEBPFMap()
	mgr.SetProcessMap(procmap.NewWithMap(raw))

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	v, ok := raw.entries[100]
	require.True(t, ok)
	assert.Equal(t, uint8(1), v.Splitting)
	assert.NotZero(t, v.Mark)
}

func TestArrivalStampsNonSplittingVerdictAsZero(t *testing.T) {
	mgr, _, events := newHarness(t)
	raw := newFakeEBPFMap()
	mgr.SetProcessMap(procmap.NewWithMap(raw))

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 200, ImageName: "notepad.exe"})
	drainEvents(events)

	v, ok := raw.entries[200]
	require.True(t, ok)
	assert.Equal(t, uint8(0), v.Splitting)
}

func TestDepartureClearsProcessVerdictMap(t *testing.T) {
	mgr, _, events := newHarness(t)
	raw := newFakeEBPFMap()
	mgr.SetProcessMap(procmap.NewWithMap(raw))

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordDeparture, Pid: 100})
	drainEvents(events)

	_, ok := raw.entries[100]
	assert.False(t, ok)
}

type fakeHandle struct {
	resumed, failed bool
}

func (h *fakeHandle) Resume() { h.resumed = true }
func (h *fakeHandle) Fail()   { h.failed = true }

func TestClassifyBindPendsUnknownProcess(t *testing.T) {
	mgr, _, _ := newHarness(t)
	pmod := pending.New(logging.Default(), nil)
	mgr.SetPendingModule(pmod)

	handle := &fakeHandle{}
	d := mgr.ClassifyBind(999, net.IPv4zero, false, handle)

	assert.Equal(t, callouts.VerdictContinue, d.Verdict)
	assert.Equal(t, 1, pmod.Len())
}

func TestClassifyBindRedirectsKnownSplittingProcess(t *testing.T) {
	mgr, _, events := newHarness(t)
	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	d := mgr.ClassifyBind(100, net.IPv4zero, false, nil)
	assert.Equal(t, callouts.VerdictRedirect, d.Verdict)
	assert.True(t, d.Substituted.Equal(net.ParseIP("203.0.113.5")))
}

func TestClassifyBindContinuesForNonSplittingProcess(t *testing.T) {
	mgr, _, events := newHarness(t)
	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 200, ImageName: "notepad.exe"})
	drainEvents(events)

	d := mgr.ClassifyBind(200, net.IPv4zero, false, nil)
	assert.Equal(t, callouts.VerdictContinue, d.Verdict)
}

func TestClassifyConnectPendsUnknownProcess(t *testing.T) {
	mgr, _, _ := newHarness(t)
	pmod := pending.New(logging.Default(), nil)
	mgr.SetPendingModule(pmod)

	handle := &fakeHandle{}
	d := mgr.ClassifyConnect(999, net.ParseIP("10.64.0.1"), net.ParseIP("8.8.8.8"), false, handle)

	assert.Equal(t, callouts.VerdictContinue, d.Verdict)
	assert.Equal(t, 1, pmod.Len())
}

func TestClassifyBlockBlocksUnknownProcess(t *testing.T) {
	mgr, _, _ := newHarness(t)
	d := mgr.ClassifyBlock(999, false)
	assert.Equal(t, callouts.VerdictBlock, d.Verdict)
}

func TestClassifyBlockBlocksKnownSplittingProcess(t *testing.T) {
	mgr, _, events := newHarness(t)
	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	d := mgr.ClassifyBlock(100, false)
	assert.Equal(t, callouts.VerdictBlock, d.Verdict)
}

func TestClassifyPermitPermitsDNSForSplittingProcess(t *testing.T) {
	mgr, _, events := newHarness(t)
	mgr.HandleRecord(procmon.Record{Kind: procmon.RecordArrival, Pid: 100, ImageName: "curl"})
	drainEvents(events)

	d := mgr.ClassifyPermit(100, net.ParseIP("203.0.113.5"), 53, false)
	assert.Equal(t, callouts.VerdictPermit, d.Verdict)
}
