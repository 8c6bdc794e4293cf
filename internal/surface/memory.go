package surface

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/convergectl/internal/topology"
)

// Op names one Surface operation for failure injection and call logging.
type Op string

const (
	OpStatus          Op = "status"
	OpDeploy          Op = "deploy"
	OpAddRelation     Op = "add-relation"
	OpRemoveRelation  Op = "remove-relation"
	OpDestroyService  Op = "destroy-service"
	OpAddLocalPackage Op = "add-local-package"
)

// DefaultInterface names relations added without an interface qualifier.
const DefaultInterface = "default"

// Call is one recorded Surface invocation.
type Call struct {
	Op   Op
	Args []string
}

func (c Call) String() string {
	return fmt.Sprintf("%s %v", c.Op, c.Args)
}

type memoryService struct {
	spec      topology.ServiceSpec
	relations map[string][]string
}

// Memory is an in-process deployment target.
type Memory struct {
	mu          sync.Mutex
	services    map[string]*memoryService
	packages    map[string]string
	failures    map[Op]error
	calls       []Call
	unreachable bool
}

func NewMemory() *Memory {
	return &Memory{
		services: make(map[string]*memoryService),
		packages: make(map[string]string),
		failures: make(map[Op]error),
	}
}

// NewMemoryFrom seeds a Memory target with an observed snapshot.
func NewMemoryFrom(observed *topology.ObservedTopology) *Memory {
	m := NewMemory()
	if observed == nil {
		return m
	}
	for name, svc := range observed.Clone().Services {
		relations := svc.Relations
		if relations == nil {
			relations = make(map[string][]string)
		}
		m.services[name] = &memoryService{
			spec:      topology.ServiceSpec{Artifact: svc.Artifact},
			relations: relations,
		}
	}
	return m
}

// FailOn makes every later call to op return err; a nil err clears it.
func (m *Memory) FailOn(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

// SetUnreachable makes Status report an unknown target.
func (m *Memory) SetUnreachable(unreachable bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unreachable = unreachable
}

// Calls returns a copy of the call log.
func (m *Memory) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	for i, call := range m.calls {
		out[i] = Call{Op: call.Op, Args: append([]string(nil), call.Args...)}
	}
	return out
}

// Packages returns uploaded local packages keyed by service name.
func (m *Memory) Packages() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.packages))
	for k, v := range m.packages {
		out[k] = v
	}
	return out
}

func (m *Memory) record(op Op, args ...string) error {
	m.calls = append(m.calls, Call{Op: op, Args: args})
	return m.failures[op]
}

func (m *Memory) Status(ctx context.Context) (*topology.ObservedTopology, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpStatus); err != nil {
		return nil, err
	}
	if m.unreachable {
		return nil, nil
	}
	out := &topology.ObservedTopology{Services: make(map[string]topology.ObservedService, len(m.services))}
	for name, svc := range m.services {
		relations := make(map[string][]string, len(svc.relations))
		for iface, peers := range svc.relations {
			relations[iface] = append([]string(nil), peers...)
		}
		out.Services[name] = topology.ObservedService{Artifact: svc.spec.Artifact, Relations: relations}
	}
	return out, nil
}

func (m *Memory) Deploy(ctx context.Context, name string, spec topology.ServiceSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpDeploy, name, spec.Artifact); err != nil {
		return &DeploymentError{Service: name, Err: err}
	}
	if _, ok := m.services[name]; ok {
		return &DeploymentError{Service: name, Err: ErrServiceExists}
	}
	m.services[name] = &memoryService{spec: spec, relations: make(map[string][]string)}
	return nil
}

func (m *Memory) AddRelation(ctx context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAddRelation, a, b); err != nil {
		return err
	}
	epA, epB := topology.ParseEndpoint(a), topology.ParseEndpoint(b)
	svcA, svcB, err := m.pair(epA, epB)
	if err != nil {
		return err
	}
	ifaceA := firstNonEmpty(epA.Interface, epB.Interface, DefaultInterface)
	ifaceB := firstNonEmpty(epB.Interface, epA.Interface, DefaultInterface)
	svcA.relations[ifaceA] = appendUnique(svcA.relations[ifaceA], epB.Service)
	svcB.relations[ifaceB] = appendUnique(svcB.relations[ifaceB], epA.Service)
	return nil
}

func (m *Memory) RemoveRelation(ctx context.Context, a, b string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpRemoveRelation, a, b); err != nil {
		return err
	}
	epA, epB := topology.ParseEndpoint(a), topology.ParseEndpoint(b)
	svcA, svcB, err := m.pair(epA, epB)
	if err != nil {
		return err
	}
	dropPeer(svcA.relations, epA.Interface, epB.Service)
	dropPeer(svcB.relations, epB.Interface, epA.Service)
	return nil
}

func (m *Memory) DestroyService(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpDestroyService, name); err != nil {
		return err
	}
	if _, ok := m.services[name]; !ok {
		return fmt.Errorf("%w: %s", ErrServiceNotFound, name)
	}
	delete(m.services, name)
	for _, svc := range m.services {
		dropPeer(svc.relations, "", name)
	}
	return nil
}

func (m *Memory) AddLocalPackage(ctx context.Context, name, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.record(OpAddLocalPackage, name, path); err != nil {
		return err
	}
	m.packages[name] = path
	return nil
}

func (m *Memory) pair(a, b topology.Endpoint) (*memoryService, *memoryService, error) {
	svcA, ok := m.services[a.Service]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, a.Service)
	}
	svcB, ok := m.services[b.Service]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrServiceNotFound, b.Service)
	}
	return svcA, svcB, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func appendUnique(peers []string, peer string) []string {
	for _, existing := range peers {
		if existing == peer {
			return peers
		}
	}
	peers = append(peers, peer)
	sort.Strings(peers)
	return peers
}

// dropPeer removes peer from every interface, or only iface when set.
func dropPeer(relations map[string][]string, iface, peer string) {
	for name, peers := range relations {
		if iface != "" && name != iface {
			continue
		}
		kept := peers[:0]
		for _, p := range peers {
			if p != peer {
				kept = append(kept, p)
			}
		}
		if len(kept) == 0 {
			delete(relations, name)
			continue
		}
		relations[name] = kept
	}
}
