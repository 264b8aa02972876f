// Package registry holds typed scalar variables addressed by group and name.
// Two instances exist at runtime: the parameter registry (operator-writable)
// and the log registry (written by their owners, observed by everyone else).
package registry

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"

	"qifan-go/bus"
	"qifan-go/errcode"
	"qifan-go/types"
	"qifan-go/x/timex"
)

// Kind selects the topic root used for bus mirroring.
type Kind string

const (
	KindParam Kind = "param"
	KindLog   Kind = "log"
)

// VarID is an opaque handle to a registered var.
type VarID int

const InvalidID VarID = -1

func (id VarID) Valid() bool { return id >= 0 }

// Spec declares a var.
type Spec struct {
	Group    string
	Name     string
	Type     types.VarType
	ReadOnly bool
	Default  int64
}

// Info describes a registered var for listings.
type Info struct {
	ID       VarID
	Group    string
	Name     string
	Type     types.VarType
	ReadOnly bool
	Value    int64
}

func (i Info) FullName() string { return i.Group + "." + i.Name }

type entry struct {
	spec Spec
	val  atomic.Int64

	// wmu orders writes: the swap, the hooks and the mirror of one write
	// complete before the next write to the same var starts.
	wmu   sync.Mutex
	hmu   sync.Mutex
	hooks []func(int64)
}

type Registry struct {
	kind Kind
	conn *bus.Connection // nil disables mirroring

	mu     sync.RWMutex
	vars   []*entry
	byName map[string]VarID
}

// New returns an empty registry. conn may be nil.
func New(kind Kind, conn *bus.Connection) *Registry {
	return &Registry{kind: kind, conn: conn, byName: make(map[string]VarID)}
}

func (r *Registry) Kind() Kind { return r.kind }

// Add registers a var and mirrors its default value.
func (r *Registry) Add(s Spec) (VarID, error) {
	if s.Group == "" || s.Name == "" {
		return InvalidID, &errcode.E{C: errcode.InvalidParams, Op: "registry.add", Msg: "empty group or name"}
	}
	key := s.Group + "." + s.Name

	r.mu.Lock()
	if _, dup := r.byName[key]; dup {
		r.mu.Unlock()
		return InvalidID, &errcode.E{C: errcode.InvalidParams, Op: "registry.add", Msg: "duplicate " + key}
	}
	e := &entry{spec: s}
	e.val.Store(truncate(s.Type, s.Default))
	id := VarID(len(r.vars))
	r.vars = append(r.vars, e)
	r.byName[key] = id
	r.mu.Unlock()

	r.mirror(e)
	return id, nil
}

// MustAdd is Add for static tables; it panics on error.
func (r *Registry) MustAdd(s Spec) VarID {
	id, err := r.Add(s)
	if err != nil {
		panic(err)
	}
	return id
}

// ID resolves group/name. Unknown vars yield InvalidID.
func (r *Registry) ID(group, name string) VarID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id, ok := r.byName[group+"."+name]; ok {
		return id
	}
	return InvalidID
}

// Lookup resolves a "group.name" string.
func (r *Registry) Lookup(full string) VarID {
	g, n, ok := strings.Cut(full, ".")
	if !ok {
		return InvalidID
	}
	return r.ID(g, n)
}

func (r *Registry) entry(id VarID) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if !id.Valid() || int(id) >= len(r.vars) {
		return nil, errcode.UnknownParam
	}
	return r.vars[id], nil
}

func (r *Registry) Get(id VarID) (int64, error) {
	e, err := r.entry(id)
	if err != nil {
		return 0, err
	}
	return e.val.Load(), nil
}

// Set is the external write path; read-only vars are refused.
func (r *Registry) Set(id VarID, v int64) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	if e.spec.ReadOnly {
		return errors.Wrapf(errcode.ReadOnly, "set %s.%s", e.spec.Group, e.spec.Name)
	}
	r.write(e, v)
	return nil
}

// Store is the owner write path and ignores the read-only flag.
func (r *Registry) Store(id VarID, v int64) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	r.write(e, v)
	return nil
}

func (r *Registry) write(e *entry, v int64) {
	v = truncate(e.spec.Type, v)
	e.wmu.Lock()
	defer e.wmu.Unlock()
	if old := e.val.Swap(v); old == v {
		return
	}
	e.hmu.Lock()
	hooks := append([]func(int64){}, e.hooks...)
	e.hmu.Unlock()
	for _, fn := range hooks {
		fn(v)
	}
	r.mirror(e)
}

// OnChange registers fn to run after each value change, on the writer's
// goroutine. Hooks of one var run in write order; a hook must not write
// the var it watches.
func (r *Registry) OnChange(id VarID, fn func(int64)) error {
	e, err := r.entry(id)
	if err != nil {
		return err
	}
	e.hmu.Lock()
	e.hooks = append(e.hooks, fn)
	e.hmu.Unlock()
	return nil
}

// Describe returns metadata and the current value of id.
func (r *Registry) Describe(id VarID) (Info, error) {
	e, err := r.entry(id)
	if err != nil {
		return Info{}, err
	}
	return info(id, e), nil
}

// List returns all vars sorted by full name.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.vars))
	for i, e := range r.vars {
		out = append(out, info(VarID(i), e))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out
}

// Topic returns the retained mirror topic for group/name.
func (r *Registry) Topic(group, name string) bus.Topic {
	return bus.T(string(r.kind), group, name)
}

func (r *Registry) mirror(e *entry) {
	if r.conn == nil {
		return
	}
	r.conn.Publish(r.conn.NewMessage(r.Topic(e.spec.Group, e.spec.Name), types.VarValue{
		Group: e.spec.Group,
		Name:  e.spec.Name,
		Type:  e.spec.Type,
		Value: e.val.Load(),
		TS:    timex.NowMs(),
	}, true))
}

func info(id VarID, e *entry) Info {
	return Info{
		ID:       id,
		Group:    e.spec.Group,
		Name:     e.spec.Name,
		Type:     e.spec.Type,
		ReadOnly: e.spec.ReadOnly,
		Value:    e.val.Load(),
	}
}

// truncate narrows v to the storage width of t.
func truncate(t types.VarType, v int64) int64 {
	switch t {
	case types.VarUint8:
		return int64(uint8(v))
	case types.VarUint16:
		return int64(uint16(v))
	case types.VarUint32:
		return int64(uint32(v))
	case types.VarInt32:
		return int64(int32(v))
	default:
		return v
	}
}
