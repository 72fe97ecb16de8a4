// Package splitfw is the firewall coordinator: it owns the nftables
// connection and chains that redirect bind/connect attempts for split
// processes, the eBPF cgroup hooks and process map that classify sockets,
// and the combined transaction that keeps the nftables batch and the
// appfilters module in lockstep (spec.md sections 4.4-4.6). Grounded on
// the original driver's firewall/firewall.cpp coordinator and on the
// native netlink nftables usage in internal/metrics/nftables_linux.go.
package splitfw

import (
	"net"
	"sync"

	"github.com/google/nftables"

	"grimm.is/flywall/internal/appfilters"
	"grimm.is/flywall/internal/errors"
	"grimm.is/flywall/internal/logging"
	"grimm.is/flywall/internal/splitfw/hooks"
	"grimm.is/flywall/internal/splitfw/procmap"
)

// TableName and chain names used for the in-tunnel block rules installed
// by internal/appfilters.
const (
	TableName       = "flywall_split_tunnel"
	OutboundChain   = "split_tunnel_out"
	InboundChain    = "split_tunnel_in"
)

// nftConn is the subset of *nftables.Conn the coordinator depends on,
// narrowed so tests can substitute a fake batch instead of opening a real
// netlink socket.
type nftConn interface {
	AddTable(*nftables.Table) *nftables.Table
	AddChain(*nftables.Chain) *nftables.Chain
	AddRule(*nftables.Rule) *nftables.Rule
	DelRule(*nftables.Rule) error
	Flush() error
}

// Coordinator owns the nftables table/chains and mediates every change to
// them through a single-owner Transaction, the way the original owns one
// FWPM_SESSION and enforces that at most one caller holds its engine
// transaction at a time.
type Coordinator struct {
	logger *logging.Logger

	mu    sync.Mutex
	conn  nftConn
	table *nftables.Table
	out   *nftables.Chain
	in    *nftables.Chain

	appFilters *appfilters.Module

	// current holds the *Transaction presently granted ownership, or nil.
	current *Transaction

	// hooksMgr and procMap are attached by AttachHooks once the eBPF
	// object is loaded; both remain nil in environments where the
	// compiled object is unavailable, in which case EnableSplitting still
	// installs the nftables filter families but skips hook attachment
	// (spec.md section 4.7, enable-splitting still functions as a pure
	// nftables policy toggle when eBPF hooks are not wired).
	hooksMgr *hooks.Manager
	procMap  *procmap.Map
	programs hooks.Programs

	// enabled and rules track the five filter families EnableSplitting
	// installs, so DisableSplitting and RegisterUpdatedAddresses know
	// what to tear down and rebuild.
	enabled bool
	rules   enabledRules
}

// New creates a Coordinator. conn is the nftables connection used for both
// rule installation and the appfilters.Installer it is wired to.
func New(logger *logging.Logger, conn *nftables.Conn) *Coordinator {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Coordinator{
		logger: logger.WithComponent("splitfw"),
		conn:   conn,
	}
	c.appFilters = appfilters.New(logger, &nftablesInstaller{c: c})
	return c
}

// NewForTest builds a Coordinator over a caller-supplied connection
// substitute, for use by other packages' tests (notably internal/procmgr)
// that need a working Coordinator without opening a real netlink socket.
// conn must implement the same AddTable/AddChain/AddRule/DelRule/Flush
// method set as nftConn.
func NewForTest(logger *logging.Logger, conn nftConn) *Coordinator {
	c := New(logger, nil)
	c.conn = conn
	return c
}

// EnsureTables creates the table and chains if they do not already exist.
// Must be called once before any transaction is opened.
func (c *Coordinator) EnsureTables() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.table = c.conn.AddTable(&nftables.Table{
		Name:   TableName,
		Family: nftables.TableFamilyINet,
	})

	c.out = c.conn.AddChain(&nftables.Chain{
		Name:     OutboundChain,
		Table:    c.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})

	c.in = c.conn.AddChain(&nftables.Chain{
		Name:     InboundChain,
		Table:    c.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})

	if err := c.conn.Flush(); err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to create split-tunnel table/chains")
	}
	return nil
}

// Transaction is the combined handle returned by Begin: it wraps both the
// open nftables batch and the appfilters module's local log so that a
// single Commit/Abort keeps them in lockstep (spec.md section 4.5, the
// Open Question on "does a single ABI transaction type span both
// app-filters and the underlying filter engine" — resolved yes, by
// capturing the issuing *Transaction's identity and rejecting any other
// caller's Commit/Abort while it is outstanding).
type Transaction struct {
	c      *Coordinator
	closed bool
}

// ErrNotOwner is returned when a Transaction other than the one currently
// held by the Coordinator attempts to Commit or Abort.
var ErrNotOwner = errors.New(errors.KindTransactionOwnerMismatch, "caller does not own the open splitfw transaction")

// Begin opens a new Transaction. Only one may be outstanding at a time;
// callers attempting to Begin while another transaction is open receive
// KindStateMismatch, mirroring the original's single FWPM engine
// transaction per session.
func (c *Coordinator) Begin() (*Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.current != nil {
		return nil, errors.New(errors.KindStateMismatch, "a splitfw transaction is already open")
	}
	if err := c.appFilters.BeginTransaction(); err != nil {
		return nil, err
	}

	tx := &Transaction{c: c}
	c.current = tx
	return tx, nil
}

// checkOwner is called both under c.mu (from Commit/Abort) and without it
// (from the per-call methods below). The latter rely on transactions
// being driven from a single goroutine at a time, the same assumption
// internal/procmgr's single worker goroutine already makes for every
// other mutation of shared state.
func (c *Coordinator) checkOwner(tx *Transaction) error {
	if c.current != tx || tx.closed {
		return ErrNotOwner
	}
	return nil
}

// Commit flushes the nftables batch and commits the appfilters log. On
// nftables failure the appfilters log is aborted instead, so the two
// subsystems never diverge.
func (tx *Transaction) Commit() error {
	c := tx.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOwner(tx); err != nil {
		return err
	}

	if err := c.conn.Flush(); err != nil {
		_ = c.appFilters.Abort()
		tx.closed = true
		c.current = nil
		return errors.Wrap(err, errors.KindFrameworkFailure, "nftables flush failed, app-filter changes rolled back")
	}

	if err := c.appFilters.Commit(); err != nil {
		tx.closed = true
		c.current = nil
		return err
	}

	tx.closed = true
	c.current = nil
	return nil
}

// Abort discards the appfilters log. The underlying nftables.Conn batches
// changes client-side and they are simply dropped by never calling Flush.
func (tx *Transaction) Abort() error {
	c := tx.c
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.checkOwner(tx); err != nil {
		return err
	}

	err := c.appFilters.Abort()
	tx.closed = true
	c.current = nil
	return err
}

// RegisterBlock installs (or increments the reference count for) an
// in-tunnel block on imageName. Must be called with tx holding ownership.
func (tx *Transaction) RegisterBlock(imageName string, tunnelV4, tunnelV6 net.IP) error {
	if err := tx.c.checkOwner(tx); err != nil {
		return err
	}
	return tx.c.appFilters.RegisterBlock(imageName, tunnelV4, tunnelV6)
}

// RemoveBlock decrements (or removes) the in-tunnel block on imageName.
func (tx *Transaction) RemoveBlock(imageName string) error {
	if err := tx.c.checkOwner(tx); err != nil {
		return err
	}
	return tx.c.appFilters.RemoveBlock(imageName)
}

// UpdateFilters rebuilds every app-filter entry against new tunnel
// addresses, called when REGISTER-IP-ADDRESSES reports a changed tunnel
// address (spec.md section 4.6).
func (tx *Transaction) UpdateFilters(tunnelV4, tunnelV6 net.IP) error {
	if err := tx.c.checkOwner(tx); err != nil {
		return err
	}
	return tx.c.appFilters.UpdateFilters(tunnelV4, tunnelV6)
}

// Reset removes every app-filter entry, called on driver reset.
func (tx *Transaction) Reset() error {
	if err := tx.c.checkOwner(tx); err != nil {
		return err
	}
	return tx.c.appFilters.Reset()
}

// AppFilterCount reports the number of distinct blocked images, used by
// internal/metrics.
func (c *Coordinator) AppFilterCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.appFilters.Len()
}

// AttachHooks wires a loaded eBPF object's cgroup programs and verdict map
// into the Coordinator, the same nil-safe optional-attach idiom
// internal/driver.Core uses for AttachMetrics. Until this is called,
// EnableSplitting still installs the nftables permit/block filter
// families but leaves cgroup attachment and process-map stamping inert.
func (c *Coordinator) AttachHooks(mgr *hooks.Manager, procMap *procmap.Map, programs hooks.Programs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooksMgr = mgr
	c.procMap = procMap
	c.programs = programs
}

// ProcessMap returns the process verdict map attached via AttachHooks, or
// nil if none has been attached. internal/driver and internal/procmgr use
// this to stamp per-pid splitting verdicts on process arrival/departure.
func (c *Coordinator) ProcessMap() *procmap.Map {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.procMap
}
