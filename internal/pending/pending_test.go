package pending

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/eventbus"
)

type fakeHandle struct {
	resumed bool
	failed  bool
}

func (h *fakeHandle) Resume() { h.resumed = true }
func (h *fakeHandle) Fail()   { h.failed = true }

func TestResumeOnMatchingArrival(t *testing.T) {
	bus := eventbus.New()
	m := New(nil, bus)

	h := &fakeHandle{}
	m.PendRequest(100, h, 1, LayerBindRedirectV4)

	bus.Publish(eventbus.LifecycleEvent{Kind: eventbus.ProcessArrived, Pid: 100})

	assert.True(t, h.resumed)
	assert.False(t, h.failed)
	assert.Equal(t, 0, m.Len())
}

func TestFailOnMatchingDeparture(t *testing.T) {
	bus := eventbus.New()
	m := New(nil, bus)

	h := &fakeHandle{}
	m.PendRequest(100, h, 1, LayerConnectRedirectV4)

	bus.Publish(eventbus.LifecycleEvent{Kind: eventbus.ProcessDeparted, Pid: 100})

	assert.True(t, h.failed)
	assert.Equal(t, 0, m.Len())
}

func TestUnrelatedEventLeavesRecordPending(t *testing.T) {
	bus := eventbus.New()
	m := New(nil, bus)

	h := &fakeHandle{}
	m.PendRequest(100, h, 1, LayerBindRedirectV4)

	bus.Publish(eventbus.LifecycleEvent{Kind: eventbus.ProcessArrived, Pid: 200})

	assert.False(t, h.resumed)
	assert.False(t, h.failed)
	assert.Equal(t, 1, m.Len())
}

func TestStaleRecordFailedOnNextEvent(t *testing.T) {
	bus := eventbus.New()
	m := New(nil, bus)

	base := time.Now()
	m.now = func() time.Time { return base }

	h := &fakeHandle{}
	m.PendRequest(100, h, 1, LayerBindRedirectV4)

	m.now = func() time.Time { return base.Add(12 * time.Second) }
	bus.Publish(eventbus.LifecycleEvent{Kind: eventbus.ProcessArrived, Pid: 999})

	require.True(t, h.failed)
	assert.Equal(t, 0, m.Len())
}
