// Package module implements the module registry: the single mediator
// through which every pipe operation is routed to a concrete I/O module
// vtable. Grounded on the teacher's Store/StoreSupplier registration idiom
// (github.com/brunotm/streams builder.go/stream.go) for the Go API shape,
// and on original_source/src/itc/modtab.c for the path-sorted index and
// insertion-order on_exit/cleanup semantics.
package module

import (
	"sort"
	"strings"
	"sync"

	"github.com/brunotm/plumber/internal/plog"
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
)

// ID identifies a loaded module instance. Once assigned, an ID's position
// in the registry is fixed for the module's lifetime.
type ID int

// Vtable is the capability set a loadable I/O module must implement.
// Optional capabilities (Reader, Writer, Forker, EOFer, UnreadChecker,
// Controller, DataSourceWriter, PropertyGetter/Setter, ExitHandler) are
// satisfied via type assertion; a module that does not implement one
// simply reports "not supported" through the pipe package's dispatch
// helpers.
type Vtable interface {
	pipe.Module
	// Init is called once at registration time with the module's argv.
	Init(argv []string) error
	// Cleanup releases all resources held by the module instance.
	Cleanup() error
}

// ExitHandler is implemented by modules that need a chance to flush or
// signal shutdown before Cleanup runs.
type ExitHandler interface {
	OnExit() error
}

// PropertyGetter/PropertySetter expose the module's property-system
// surface (dotted key/value settings).
type PropertyGetter interface {
	GetProperty(key string) (interface{}, error)
}
type PropertySetter interface {
	SetProperty(key string, value interface{}) error
}

// Flags is a module-level capability/behavior bitset returned by
// GetFlags on modules that implement it.
type Flags uint32

// FlagGetter is implemented by modules exposing a capability flag word.
type FlagGetter interface {
	GetFlags() Flags
}

// ThreadClass configures a module's handle object pool caching policy.
// Event-loop threads cache many blocks since they allocate frequently;
// worker/IO threads cache few since they only return blocks. This
// asymmetry keeps the global pool hot for producers (event-loop modules,
// where pipe handles originate) and drained by consumers (workers, where
// handles are returned).
type ThreadClass int

const (
	// EventLoopThread caches many free blocks.
	EventLoopThread ThreadClass = iota
	// WorkerThread caches few free blocks.
	WorkerThread
)

const (
	eventLoopCacheSize = 256
	workerCacheSize    = 16
)

// handlePool is a per-module, per-thread-class free-list of pipe handle
// tails. It never allocates a new slice element beyond the object the
// caller hands it: it exists purely to bound how many freed handles are
// retained before being dropped for the GC to reclaim.
type handlePool struct {
	mu       sync.Mutex
	class    ThreadClass
	maxCache int
	free     []interface{}
}

func newHandlePool(class ThreadClass) *handlePool {
	max := workerCacheSize
	if class == EventLoopThread {
		max = eventLoopCacheSize
	}
	return &handlePool{class: class, maxCache: max}
}

// Get pops a cached tail object, or nil if the pool is empty.
func (p *handlePool) Get() interface{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.free)
	if n == 0 {
		return nil
	}
	v := p.free[n-1]
	p.free = p.free[:n-1]
	return v
}

// Put returns a tail object to the pool, dropping it if the pool is at
// capacity.
func (p *handlePool) Put(v interface{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxCache {
		return
	}
	p.free = append(p.free, v)
}

// instance is a loaded module plus its per-class handle pools.
type instance struct {
	id     ID
	path   string
	vtable Vtable
	pools  [2]*handlePool // indexed by ThreadClass
}

// Pool returns the handle pool for the given thread class.
func (in *instance) Pool(class ThreadClass) *handlePool {
	return in.pools[class]
}

// Registry holds loaded I/O modules keyed by path and routes pipe
// operations through module vtables. Treated as immutable after Insmod
// completes for a given module, matching the core's concurrency model.
type Registry struct {
	mu      sync.Mutex
	byType  []*instance // dense, type-indexed (index == ID)
	byPath  []*instance // sorted by path, for prefix scans
	log     plog.Logger
}

// New creates an empty module registry.
func New() *Registry {
	return &Registry{log: plog.New("component", "module.registry")}
}

// Insmod instantiates vtable, asks it for its path, checks uniqueness,
// and inserts it into both the dense type-indexed table and the
// path-sorted index.
func (r *Registry) Insmod(vtable Vtable, argv []string) (ID, error) {
	if vtable == nil {
		return -1, pipeerr.New(pipeerr.Argument, "nil vtable")
	}

	path := vtable.Path()
	if path == "" {
		return -1, pipeerr.New(pipeerr.Argument, "module reported empty path")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.byPath), func(i int) bool { return r.byPath[i].path >= path })
	if idx < len(r.byPath) && r.byPath[idx].path == path {
		return -1, pipeerr.New(pipeerr.Argument, "module path already registered: "+path)
	}

	if err := vtable.Init(argv); err != nil {
		r.log.Errorw("module init failed", "path", path, "error", err)
		return -1, pipeerr.Wrap(pipeerr.Resource, err)
	}

	in := &instance{
		id:     ID(len(r.byType)),
		path:   path,
		vtable: vtable,
	}
	in.pools[EventLoopThread] = newHandlePool(EventLoopThread)
	in.pools[WorkerThread] = newHandlePool(WorkerThread)

	r.byType = append(r.byType, in)

	r.byPath = append(r.byPath, nil)
	copy(r.byPath[idx+1:], r.byPath[idx:])
	r.byPath[idx] = in

	r.log.Infow("module registered", "path", path, "id", in.id)
	return in.id, nil
}

// GetFromPath binary-searches the path-sorted index.
func (r *Registry) GetFromPath(path string) (Vtable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	idx := sort.Search(len(r.byPath), func(i int) bool { return r.byPath[i].path >= path })
	if idx >= len(r.byPath) || r.byPath[idx].path != path {
		return nil, pipeerr.New(pipeerr.Argument, "module not found: "+path)
	}
	return r.byPath[idx].vtable, nil
}

// GetFromModuleType returns the instance registered under id.
func (r *Registry) GetFromModuleType(id ID) (Vtable, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id < 0 || int(id) >= len(r.byType) {
		return nil, pipeerr.New(pipeerr.Argument, "invalid module id")
	}
	return r.byType[id].vtable, nil
}

// Pool returns the handle pool for id's given thread class.
func (r *Registry) Pool(id ID, class ThreadClass) (*handlePool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id < 0 || int(id) >= len(r.byType) {
		return nil, pipeerr.New(pipeerr.Argument, "invalid module id")
	}
	return r.byType[id].Pool(class), nil
}

// OpenDir returns every registered module path beginning with prefix,
// enabling "list all pipe.*" queries via the sorted path index.
func (r *Registry) OpenDir(prefix string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	lo := sort.Search(len(r.byPath), func(i int) bool { return r.byPath[i].path >= prefix })
	var out []string
	for i := lo; i < len(r.byPath) && strings.HasPrefix(r.byPath[i].path, prefix); i++ {
		out = append(out, r.byPath[i].path)
	}
	return out
}

// Finalize invokes each module's OnExit, then Cleanup, in registration
// order. It always attempts all modules even if one fails, and reports a
// composite status.
func (r *Registry) Finalize() error {
	r.mu.Lock()
	instances := append([]*instance(nil), r.byType...)
	r.mu.Unlock()

	var errs []string
	for _, in := range instances {
		if eh, ok := in.vtable.(ExitHandler); ok {
			if err := eh.OnExit(); err != nil {
				r.log.Errorw("module on_exit failed", "path", in.path, "error", err)
				errs = append(errs, in.path+": on_exit: "+err.Error())
			}
		}
	}
	for _, in := range instances {
		if err := in.vtable.Cleanup(); err != nil {
			r.log.Errorw("module cleanup failed", "path", in.path, "error", err)
			errs = append(errs, in.path+": cleanup: "+err.Error())
		}
	}

	if len(errs) > 0 {
		return pipeerr.New(pipeerr.Resource, strings.Join(errs, "; "))
	}
	return nil
}
