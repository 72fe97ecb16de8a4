// Package hooks manages attachment of the four cgroup/sock_addr eBPF
// programs (bind4, bind6, connect4, connect6) that stand in for the
// original's ALE bind-redirect and connect-redirect WFP callouts
// (spec.md section 4.6). Grounded on the attach/detach/ListAttached
// bookkeeping in internal/ebpf/hooks/manager.go, narrowed to cgroup
// attachment instead of that package's XDP/TC/socket-filter cases.
package hooks

import (
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"

	"grimm.is/flywall/internal/errors"
)

// AttachPoint names the four redirect layers a program can be attached
// to, mirroring internal/pending.LayerID.
type AttachPoint int

const (
	Bind4 AttachPoint = iota
	Bind6
	ConnectRedirect4
	ConnectRedirect6
)

func (a AttachPoint) attachType() ebpf.AttachType {
	switch a {
	case Bind4:
		return ebpf.AttachCGroupInet4Bind
	case Bind6:
		return ebpf.AttachCGroupInet6Bind
	case ConnectRedirect4:
		return ebpf.AttachCGroupInet4Connect
	case ConnectRedirect6:
		return ebpf.AttachCGroupInet6Connect
	default:
		return ebpf.AttachCGroupInet4Bind
	}
}

func (a AttachPoint) String() string {
	switch a {
	case Bind4:
		return "bind4"
	case Bind6:
		return "bind6"
	case ConnectRedirect4:
		return "connect4"
	case ConnectRedirect6:
		return "connect6"
	default:
		return "unknown"
	}
}

// cgroupLinker is the subset of cilium/ebpf/link used to attach cgroup
// programs, narrowed for testability.
type cgroupLinker func(opts link.CgroupOptions) (link.Link, error)

// Manager attaches and tracks the cgroup programs for one cgroup path
// (normally the root cgroup, so every process on the host is covered —
// spec.md's splitting decision is made per-process inside the program,
// not by cgroup membership).
type Manager struct {
	mu       sync.RWMutex
	cgroup   string
	attached map[AttachPoint]link.Link
	attachFn cgroupLinker
}

// NewManager creates a Manager for the given cgroup path (e.g. "/sys/fs/cgroup").
func NewManager(cgroupPath string) *Manager {
	return &Manager{
		cgroup:   cgroupPath,
		attached: make(map[AttachPoint]link.Link),
		attachFn: link.AttachCgroup,
	}
}

// Attach attaches prog at the given AttachPoint. Replaces any existing
// attachment at that point first.
func (m *Manager) Attach(point AttachPoint, prog *ebpf.Program) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.attached[point]; ok {
		_ = existing.Close()
		delete(m.attached, point)
	}

	lnk, err := m.attachFn(link.CgroupOptions{
		Path:    m.cgroup,
		Attach:  point.attachType(),
		Program: prog,
	})
	if err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to attach cgroup program at "+point.String())
	}

	m.attached[point] = lnk
	return nil
}

// Detach removes the program attached at point, if any.
func (m *Manager) Detach(point AttachPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	lnk, ok := m.attached[point]
	if !ok {
		return nil
	}
	delete(m.attached, point)
	if err := lnk.Close(); err != nil {
		return errors.Wrap(err, errors.KindFrameworkFailure, "failed to detach cgroup program at "+point.String())
	}
	return nil
}

// DetachAll detaches every attached program, called on driver reset/teardown.
func (m *Manager) DetachAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for point, lnk := range m.attached {
		if err := lnk.Close(); err != nil && firstErr == nil {
			firstErr = errors.Wrap(err, errors.KindFrameworkFailure, "failed to detach cgroup program at "+point.String())
		}
	}
	m.attached = make(map[AttachPoint]link.Link)
	return firstErr
}

// IsAttached reports whether a program is currently attached at point.
func (m *Manager) IsAttached(point AttachPoint) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.attached[point]
	return ok
}

// Programs names the four AttachPoint->program values loaded out of the
// compiled object. The verdict map and the classification ring buffer are
// carried separately, in Objects.
type Programs struct {
	Bind4            *ebpf.Program
	Bind6            *ebpf.Program
	ConnectRedirect4 *ebpf.Program
	ConnectRedirect6 *ebpf.Program
}

// programMapKeys pins the section names the compiled object is expected to
// export, mirroring the program names the original's splittund.sys driver
// resolves by ordinal out of its own compiled filter engine image.
var programMapKeys = map[AttachPoint]string{
	Bind4:            "bind4",
	Bind6:            "bind6",
	ConnectRedirect4: "connect4",
	ConnectRedirect6: "connect6",
}

// Objects is everything LoadObjects pulls out of a compiled collection:
// the four attachable programs plus the shared verdict hash map and
// classification ring buffer.
type Objects struct {
	Programs  Programs
	VerdictMap *ebpf.Map
	EventsMap  *ebpf.Map
}

// LoadObjects loads the compiled eBPF object at objPath and resolves the
// four cgroup programs plus the "verdicts" hash map and "events" ring
// buffer it is expected to export. The C source producing that object is
// out of scope for this module; this loader only needs the object's
// exported program and map names to agree with programMapKeys and the map
// names below. The returned close func releases the collection's kernel
// resources and must be called on shutdown.
func LoadObjects(objPath string) (Objects, func() error, error) {
	spec, err := ebpf.LoadCollectionSpec(objPath)
	if err != nil {
		return Objects{}, nil, errors.Wrap(err, errors.KindFrameworkFailure, "failed to load eBPF collection spec")
	}

	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return Objects{}, nil, errors.Wrap(err, errors.KindFrameworkFailure, "failed to instantiate eBPF collection")
	}

	var objs Objects
	progs := map[AttachPoint]**ebpf.Program{
		Bind4:            &objs.Programs.Bind4,
		Bind6:            &objs.Programs.Bind6,
		ConnectRedirect4: &objs.Programs.ConnectRedirect4,
		ConnectRedirect6: &objs.Programs.ConnectRedirect6,
	}
	for point, slot := range progs {
		name := programMapKeys[point]
		prog, ok := coll.Programs[name]
		if !ok {
			coll.Close()
			return Objects{}, nil, errors.New(errors.KindFrameworkFailure, "eBPF collection is missing program "+name)
		}
		*slot = prog
	}

	verdicts, ok := coll.Maps["verdicts"]
	if !ok {
		coll.Close()
		return Objects{}, nil, errors.New(errors.KindFrameworkFailure, "eBPF collection is missing map \"verdicts\"")
	}
	objs.VerdictMap = verdicts

	events, ok := coll.Maps["events"]
	if !ok {
		coll.Close()
		return Objects{}, nil, errors.New(errors.KindFrameworkFailure, "eBPF collection is missing map \"events\"")
	}
	objs.EventsMap = events

	return objs, coll.Close, nil
}
