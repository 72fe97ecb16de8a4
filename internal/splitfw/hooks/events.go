package hooks

import (
	"bytes"
	"context"
	"encoding/binary"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/pending"
	"grimm.is/flywall/internal/splitfw/callouts"
)

// SocketEventKind identifies which of the four classification callouts
// (bind, connect, permit, block) a ring-buffer record was emitted for; the
// address family is carried separately in V6.
type SocketEventKind uint8

const (
	EventBind SocketEventKind = iota
	EventConnect
	EventPermit
	EventBlock
)

// rawSocketEvent is the wire layout the compiled eBPF object writes into
// the "events" ring buffer on an unknown pid (spec.md section 4.7.a): the
// kernel program cannot consult the registry, so it records what it saw
// and — since a cgroup/sock_addr program must return synchronously — takes
// the conservative default (continue for bind/connect so the packet path
// can be corrected once the pid resolves, block for permit/block) while
// userspace resolves the identity and rewrites future attempts from the
// same pid through internal/splitfw/procmap.
type rawSocketEvent struct {
	Kind       uint8
	V6         uint8
	_          [2]byte
	Pid        uint64
	LocalAddr  [16]byte
	RemoteAddr [16]byte
	RemotePort uint16
	_          [6]byte
}

// SocketEvent is the decoded form of rawSocketEvent.
type SocketEvent struct {
	Kind       SocketEventKind
	V6         bool
	Pid        uint64
	LocalAddr  net.IP
	RemoteAddr net.IP
	RemotePort uint16
}

func decodeSocketEvent(raw []byte) (SocketEvent, error) {
	var r rawSocketEvent
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &r); err != nil {
		return SocketEvent{}, errors.Wrap(err, errors.KindInvalidBuffer, "failed to decode socket classification record")
	}

	evt := SocketEvent{
		Kind:       SocketEventKind(r.Kind),
		V6:         r.V6 != 0,
		Pid:        r.Pid,
		RemotePort: r.RemotePort,
	}
	if evt.V6 {
		evt.LocalAddr = net.IP(append([]byte(nil), r.LocalAddr[:]...))
		evt.RemoteAddr = net.IP(append([]byte(nil), r.RemoteAddr[:]...))
	} else {
		evt.LocalAddr = net.IPv4(r.LocalAddr[0], r.LocalAddr[1], r.LocalAddr[2], r.LocalAddr[3])
		evt.RemoteAddr = net.IPv4(r.RemoteAddr[0], r.RemoteAddr[1], r.RemoteAddr[2], r.RemoteAddr[3])
	}
	return evt, nil
}

// SocketEventSource abstracts the ring buffer reader for testability.
type SocketEventSource interface {
	Read() (SocketEvent, error)
	Close() error
}

// ringbufSource is the production SocketEventSource backed by
// cilium/ebpf/ringbuf, grounded on internal/ebpf/socket.TLSFilter's
// processEvents reader loop.
type ringbufSource struct {
	reader *ringbuf.Reader
}

// NewRingbufSource opens a ring-buffer reader over the "events" map an
// eBPF collection loaded by LoadObjects exports.
func NewRingbufSource(m *ebpf.Map) (SocketEventSource, error) {
	reader, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindFrameworkFailure, "failed to open classification ring buffer")
	}
	return &ringbufSource{reader: reader}, nil
}

func (s *ringbufSource) Read() (SocketEvent, error) {
	record, err := s.reader.Read()
	if err != nil {
		if err == ringbuf.ErrClosed {
			return SocketEvent{}, err
		}
		return SocketEvent{}, errors.Wrap(err, errors.KindFrameworkFailure, "failed to read classification record")
	}
	return decodeSocketEvent(record.RawSample)
}

func (s *ringbufSource) Close() error {
	return s.reader.Close()
}

// Classifier is the subset of internal/procmgr.Manager's Classify* methods
// EventReader dispatches ring-buffer records to.
type Classifier interface {
	ClassifyBind(pid uint64, localAddr net.IP, v6 bool, handle pending.Handle) callouts.Decision
	ClassifyConnect(pid uint64, localAddr, remoteAddr net.IP, v6 bool, handle pending.Handle) callouts.Decision
	ClassifyPermit(pid uint64, localAddr net.IP, remotePort uint16, v6 bool) callouts.Decision
	ClassifyBlock(pid uint64, v6 bool) callouts.Decision
}

// EventReader drains a SocketEventSource and dispatches each record to a
// Classifier, giving the classify methods — and through them
// internal/pending's producer half — their one production call site.
type EventReader struct {
	logger     *logging.Logger
	source     SocketEventSource
	classifier Classifier
}

// NewEventReader builds an EventReader over source, dispatching to classifier.
func NewEventReader(logger *logging.Logger, source SocketEventSource, classifier Classifier) *EventReader {
	if logger == nil {
		logger = logging.Default()
	}
	return &EventReader{
		logger:     logger.WithComponent("splitfw.hooks"),
		source:     source,
		classifier: classifier,
	}
}

// Run reads and dispatches records until ctx is cancelled or the source is
// closed. Intended to run in its own goroutine for the lifetime of the
// daemon.
func (r *EventReader) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		evt, err := r.source.Read()
		if err != nil {
			if err == ringbuf.ErrClosed {
				return
			}
			r.logger.Warn("failed to read socket classification record", "error", err)
			continue
		}
		r.dispatch(evt)
	}
}

func (r *EventReader) dispatch(evt SocketEvent) {
	handle := &ringHandle{logger: r.logger, evt: evt}
	switch evt.Kind {
	case EventBind:
		r.classifier.ClassifyBind(evt.Pid, evt.LocalAddr, evt.V6, handle)
	case EventConnect:
		r.classifier.ClassifyConnect(evt.Pid, evt.LocalAddr, evt.RemoteAddr, evt.V6, handle)
	case EventPermit:
		r.classifier.ClassifyPermit(evt.Pid, evt.LocalAddr, evt.RemotePort, evt.V6)
	case EventBlock:
		r.classifier.ClassifyBlock(evt.Pid, evt.V6)
	default:
		r.logger.Warn("unrecognised socket classification kind", "kind", evt.Kind)
	}
}

// ringHandle implements pending.Handle for a ring-buffer-sourced request.
// A cgroup/sock_addr program must return a verdict synchronously, so by
// the time its record reaches userspace the kernel has already applied
// its conservative default; Resume/Fail here cannot rewrite that decision
// and instead complete the pending module's bookkeeping for the record,
// logging the resolution so the next attempt from the same pid is
// governed by the verdict internal/splitfw/procmap now holds for it.
type ringHandle struct {
	logger *logging.Logger
	evt    SocketEvent
}

func (h *ringHandle) Resume() {
	h.logger.Debug("pending classification resumed", "pid", h.evt.Pid, "kind", h.evt.Kind)
}

func (h *ringHandle) Fail() {
	h.logger.Debug("pending classification failed", "pid", h.evt.Pid, "kind", h.evt.Kind)
}
