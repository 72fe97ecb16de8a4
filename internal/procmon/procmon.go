// Package procmon implements the process monitor: it receives
// process-arrival and process-departure notifications from the host,
// builds self-contained event records, and dispatches them on a dedicated
// worker (spec.md section 4.3).
package procmon

import (
	"sync"
	"sync/atomic"

	"grimm.is/flywall/internal/logging"
)

// RecordKind distinguishes an arrival record from a departure record.
type RecordKind int

const (
	RecordArrival RecordKind = iota
	RecordDeparture
)

// Record is a self-contained process lifecycle notification. Arrival
// records carry the pid, parent pid, and the device-path image name
// queried from the host at notification time; departure records carry
// only the pid.
type Record struct {
	Kind      RecordKind
	Pid       uint64
	ParentPid uint64
	ImageName string
}

// Sink receives drained records in the order the host delivered them.
type Sink func(Record)

// Monitor owns the single worker goroutine that services the record
// queue. Dispatch starts disabled: records are queued but the worker is
// not woken until EnableDispatch is called, so the initial bulk process
// registration can be applied before any live event is observed (spec.md
// section 4.3).
type Monitor struct {
	logger *logging.Logger
	sink   Sink

	mu    sync.Mutex
	queue []Record

	wake chan struct{}
	exit chan struct{}
	done chan struct{}

	dispatchEnabled atomic.Bool
	started         atomic.Bool
}

// New creates a Monitor that delivers drained records to sink.
func New(logger *logging.Logger, sink Sink) *Monitor {
	if logger == nil {
		logger = logging.Default()
	}
	return &Monitor{
		logger: logger.WithComponent("procmon"),
		sink:   sink,
		wake:   make(chan struct{}, 1),
		exit:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Start launches the worker goroutine. Safe to call once.
func (m *Monitor) Start() {
	if !m.started.CompareAndSwap(false, true) {
		return
	}
	go m.run()
}

// Stop signals the worker to exit and waits for it to drain and finish.
// Records still queued when the worker exits are dropped (freed, in the
// original's terms — Go's GC reclaims them once the queue slice is
// discarded).
func (m *Monitor) Stop() {
	if !m.started.Load() {
		return
	}
	close(m.exit)
	m.signalWake()
	<-m.done
}

// EnableDispatch allows the worker to be woken for newly queued records,
// and immediately wakes it to drain anything queued while disabled.
func (m *Monitor) EnableDispatch() {
	m.dispatchEnabled.Store(true)
	m.signalWake()
}

// DisableDispatch stops waking the worker for new records; already-queued
// records are retained until dispatch is re-enabled.
func (m *Monitor) DisableDispatch() {
	m.dispatchEnabled.Store(false)
}

// OnArrival queues an arrival record. Called from an arbitrary
// framework-owned thread per spec.md section 5.
func (m *Monitor) OnArrival(pid, parentPid uint64, imageName string) {
	m.enqueue(Record{Kind: RecordArrival, Pid: pid, ParentPid: parentPid, ImageName: imageName})
}

// OnDeparture queues a departure record with no further details.
func (m *Monitor) OnDeparture(pid uint64) {
	m.enqueue(Record{Kind: RecordDeparture, Pid: pid})
}

func (m *Monitor) enqueue(r Record) {
	m.mu.Lock()
	m.queue = append(m.queue, r)
	m.mu.Unlock()

	if m.dispatchEnabled.Load() {
		m.signalWake()
	}
}

func (m *Monitor) signalWake() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Monitor) run() {
	defer close(m.done)
	for {
		select {
		case <-m.exit:
			m.drain()
			return
		case <-m.wake:
			m.drain()
		}
	}
}

func (m *Monitor) drain() {
	m.mu.Lock()
	pending := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, r := range pending {
		func() {
			defer func() {
				if p := recover(); p != nil {
					m.logger.Error("panic dispatching process event", "pid", r.Pid, "panic", p)
				}
			}()
			m.sink(r)
		}()
	}
}
