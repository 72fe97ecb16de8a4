package hooks

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/cilium/ebpf/ringbuf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/flywall/internal/pending"
	"grimm.is/flywall/internal/splitfw/callouts"
)

func encodeSocketEvent(t *testing.T, evt SocketEvent) []byte {
	t.Helper()
	raw := rawSocketEvent{
		Kind:       uint8(evt.Kind),
		RemotePort: evt.RemotePort,
		Pid:        evt.Pid,
	}
	if evt.V6 {
		raw.V6 = 1
		copy(raw.LocalAddr[:], evt.LocalAddr.To16())
		copy(raw.RemoteAddr[:], evt.RemoteAddr.To16())
	} else {
		copy(raw.LocalAddr[:4], evt.LocalAddr.To4())
		copy(raw.RemoteAddr[:4], evt.RemoteAddr.To4())
	}

	buf := make([]byte, 0, 48)
	buf = append(buf, raw.Kind, raw.V6, 0, 0)
	pidBytes := make([]byte, 8)
	for i := 0; i < 8; i++ {
		pidBytes[i] = byte(raw.Pid >> (8 * i))
	}
	buf = append(buf, pidBytes...)
	buf = append(buf, raw.LocalAddr[:]...)
	buf = append(buf, raw.RemoteAddr[:]...)
	buf = append(buf, byte(raw.RemotePort), byte(raw.RemotePort>>8))
	buf = append(buf, make([]byte, 6)...)
	return buf
}

func TestDecodeSocketEventRoundTrips(t *testing.T) {
	want := SocketEvent{
		Kind:       EventConnect,
		V6:         false,
		Pid:        4242,
		LocalAddr:  net.ParseIP("10.8.0.2").To4(),
		RemoteAddr: net.ParseIP("8.8.8.8").To4(),
		RemotePort: 443,
	}
	got, err := decodeSocketEvent(encodeSocketEvent(t, want))
	require.NoError(t, err)
	assert.Equal(t, want.Kind, got.Kind)
	assert.Equal(t, want.Pid, got.Pid)
	assert.Equal(t, want.RemotePort, got.RemotePort)
	assert.True(t, want.LocalAddr.Equal(got.LocalAddr))
	assert.True(t, want.RemoteAddr.Equal(got.RemoteAddr))
}

// fakeEventSource feeds queued events over a channel and reports
// ringbuf.ErrClosed once Close is called, mirroring how a real
// ringbuf.Reader unblocks a pending Read only on Close, not on context
// cancellation.
type fakeEventSource struct {
	events chan SocketEvent
	closed bool
}

func newFakeEventSource(evts ...SocketEvent) *fakeEventSource {
	ch := make(chan SocketEvent, len(evts))
	for _, e := range evts {
		ch <- e
	}
	return &fakeEventSource{events: ch}
}

func (f *fakeEventSource) Read() (SocketEvent, error) {
	evt, ok := <-f.events
	if !ok {
		return SocketEvent{}, ringbuf.ErrClosed
	}
	return evt, nil
}

func (f *fakeEventSource) Close() error {
	f.closed = true
	close(f.events)
	return nil
}

type fakeClassifier struct {
	binds    []uint64
	connects []uint64
	permits  []uint64
	blocks   []uint64
}

func (f *fakeClassifier) ClassifyBind(pid uint64, _ net.IP, _ bool, _ pending.Handle) callouts.Decision {
	f.binds = append(f.binds, pid)
	return callouts.Decision{Verdict: callouts.VerdictContinue}
}

func (f *fakeClassifier) ClassifyConnect(pid uint64, _, _ net.IP, _ bool, _ pending.Handle) callouts.Decision {
	f.connects = append(f.connects, pid)
	return callouts.Decision{Verdict: callouts.VerdictContinue}
}

func (f *fakeClassifier) ClassifyPermit(pid uint64, _ net.IP, _ uint16, _ bool) callouts.Decision {
	f.permits = append(f.permits, pid)
	return callouts.Decision{Verdict: callouts.VerdictPermit}
}

func (f *fakeClassifier) ClassifyBlock(pid uint64, _ bool) callouts.Decision {
	f.blocks = append(f.blocks, pid)
	return callouts.Decision{Verdict: callouts.VerdictBlock}
}

func TestEventReaderDispatchesByKind(t *testing.T) {
	classifier := &fakeClassifier{}
	reader := NewEventReader(nil, nil, classifier)

	reader.dispatch(SocketEvent{Kind: EventBind, Pid: 1})
	reader.dispatch(SocketEvent{Kind: EventConnect, Pid: 2})
	reader.dispatch(SocketEvent{Kind: EventPermit, Pid: 3})
	reader.dispatch(SocketEvent{Kind: EventBlock, Pid: 4})

	assert.Equal(t, []uint64{1}, classifier.binds)
	assert.Equal(t, []uint64{2}, classifier.connects)
	assert.Equal(t, []uint64{3}, classifier.permits)
	assert.Equal(t, []uint64{4}, classifier.blocks)
}

func TestEventReaderRunDispatchesUntilSourceCloses(t *testing.T) {
	source := newFakeEventSource(SocketEvent{Kind: EventBind, Pid: 1})
	classifier := &fakeClassifier{}
	reader := NewEventReader(nil, source, classifier)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		reader.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, source.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after the source closed")
	}
	assert.Equal(t, []uint64{1}, classifier.binds)
}
