// Package servlet implements the servlet table (STAB): loaded servlet
// binaries with their pipe-definition tables (PDT), task pools and async
// buffer pools. Grounded on the teacher's ProcessorSupplier/Processor
// shape (github.com/brunotm/streams api.go), generalized from "one
// processor instance" to "a servlet binary with six lifecycle callbacks"
// per the core's Task System design.
package servlet

import (
	"sync"

	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
)

// Callback is one of a servlet binary's six lifecycle entry points. ctx is
// the servlet's own context object (created fresh per Binary.NewContext).
// There is no separate async-handle argument: async_exec/async_cleanup
// receive the same context object as the init task they were spawned from.
type Callback func(ctx interface{}) error

// Binary is a loaded servlet: its lifecycle callbacks and async buffer
// size. One Binary is shared by every Node that instantiates the same
// servlet.
type Binary struct {
	Desc    string
	Version string

	Init         Callback
	Exec         Callback
	Unload       Callback
	AsyncSetup   Callback
	AsyncExec    Callback
	AsyncCleanup Callback
	AsyncBufSize int
	// NewContext allocates a fresh, zeroed context object for one task
	// invocation (the servlet's context pointer in the original ABI).
	NewContext func() interface{}

	mu        sync.Mutex
	pdt       *PDT
	taskPool  sync.Pool
	asyncPool sync.Pool
}

// Direction mirrors pipe.Direction for PDT slot declarations.
type Direction = pipe.Direction

// Slot is one entry of a servlet's Pipe Descriptor Table: a named pipe
// with its direction, declared (abstract) type expression, and an
// optional shadow target id.
type Slot struct {
	ID        int
	Name      string
	Direction Direction
	TypeExpr  string
	ShadowOf  int // -1 when this slot is not a shadow of another output
}

// PDT is a servlet's pipe descriptor table, fixed after the servlet's
// init task completes its pipe_define calls. IDs are assigned in
// definition order; name lookup is by exact string match.
type PDT struct {
	mu     sync.Mutex
	slots  []Slot
	byName map[string]int
	final  bool
}

// NewPDT creates an empty, still-mutable PDT.
func NewPDT() *PDT {
	return &PDT{byName: make(map[string]int)}
}

// Define adds a pipe slot during the servlet's init task. Shadow targets
// must refer to a previously defined output pipe of the same servlet.
func (p *PDT) Define(name string, dir Direction, typeExpr string, shadowOf int) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.final {
		return -1, pipeerr.New(pipeerr.State, "pdt already finalized")
	}
	if name == "" {
		return -1, pipeerr.New(pipeerr.Argument, "empty pipe name")
	}
	if _, exists := p.byName[name]; exists {
		return -1, pipeerr.New(pipeerr.Argument, "duplicate pipe name: "+name)
	}

	if shadowOf >= 0 {
		if shadowOf >= len(p.slots) || p.slots[shadowOf].Direction != pipe.Out {
			return -1, pipeerr.New(pipeerr.Validation, "shadow target must be a previously defined output pipe")
		}
	}

	id := len(p.slots)
	p.slots = append(p.slots, Slot{ID: id, Name: name, Direction: dir, TypeExpr: typeExpr, ShadowOf: shadowOf})
	p.byName[name] = id
	return id, nil
}

// Finalize locks the PDT against further Define calls.
func (p *PDT) Finalize() {
	p.mu.Lock()
	p.final = true
	p.mu.Unlock()
}

// ByName resolves a pipe name to its slot id.
func (p *PDT) ByName(name string) (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.byName[name]
	return id, ok
}

// Slot returns the slot record for id.
func (p *PDT) Slot(id int) (Slot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if id < 0 || id >= len(p.slots) {
		return Slot{}, false
	}
	return p.slots[id], true
}

// Len returns the number of defined slots.
func (p *PDT) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.slots)
}

// PDT returns the servlet's pipe descriptor table, populated by running
// Init once via EnsurePDT.
func (b *Binary) PDT() *PDT {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pdt
}

// EnsurePDT runs the servlet's init callback (if not already run) against
// a fresh PDT-defining context, and fixes the PDT thereafter. If initCtx
// has a SetPDT(*PDT) method, it is handed the new PDT before Init runs,
// so the init callback defines its pipe slots through that context.
func (b *Binary) EnsurePDT(initCtx interface{}) (*PDT, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pdt != nil {
		return b.pdt, nil
	}

	pdt := NewPDT()
	if definer, ok := initCtx.(interface{ SetPDT(*PDT) }); ok {
		definer.SetPDT(pdt)
	}

	if b.Init != nil {
		if err := b.Init(initCtx); err != nil {
			return nil, pipeerr.Wrap(pipeerr.Resource, err)
		}
	}

	pdt.Finalize()
	b.pdt = pdt
	return pdt, nil
}

// taskPoolSize is the fixed allocation used for the lazily constructed
// task object pool: header plus the PDT's pipe slot count.
type taskPoolSize struct {
	ctx   interface{}
	pipes []*pipe.Handle
}

// AcquireTask pulls a task-shaped context from the servlet's task object
// pool (a sync.Pool, usable from its zero value with no construction
// step), or, if the pool is empty, allocates a fresh context with a pipe
// slot slice sized to the PDT's slot count. Init/unload tasks should not use this — they are allocated
// directly on the heap per the core's task creation rules.
func (b *Binary) AcquireTask() (ctx interface{}, pipes []*pipe.Handle) {
	if v := b.taskPool.Get(); v != nil {
		tp := v.(*taskPoolSize)
		for i := range tp.pipes {
			tp.pipes[i] = nil
		}
		return tp.ctx, tp.pipes
	}

	n := 0
	if b.pdt != nil {
		n = b.pdt.Len()
	}
	ctx = b.NewContext()
	return ctx, make([]*pipe.Handle, n)
}

// ReleaseTask returns a task-shaped context to the pool.
func (b *Binary) ReleaseTask(ctx interface{}, pipes []*pipe.Handle) {
	b.taskPool.Put(&taskPoolSize{ctx: ctx, pipes: pipes})
}

// AcquireAsyncBuffer pulls an async data buffer from the servlet-binary
// shared async pool.
func (b *Binary) AcquireAsyncBuffer() interface{} {
	if v := b.asyncPool.Get(); v != nil {
		return v
	}
	if b.AsyncBufSize <= 0 {
		return nil
	}
	return make([]byte, b.AsyncBufSize)
}

// ReleaseAsyncBuffer returns an async data buffer to the servlet-binary
// shared async pool.
func (b *Binary) ReleaseAsyncBuffer(buf interface{}) {
	if buf == nil {
		return
	}
	b.asyncPool.Put(buf)
}

// IsAsync reports whether the servlet binary declares an async phase.
func (b *Binary) IsAsync() bool {
	return b.AsyncSetup != nil || b.AsyncExec != nil || b.AsyncCleanup != nil
}

// Entry is a loaded servlet instance: an argv copy plus a reference to
// its shared Binary.
type Entry struct {
	Argv   []string
	Binary *Binary
}

// Table is the registry of loaded servlet entries, keyed by path.
type Table struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

// NewTable creates an empty servlet table.
func NewTable() *Table {
	return &Table{entries: make(map[string]*Entry)}
}

// Load registers a servlet binary under path with the given argv. Loading
// the same path twice is an error: the PDT is fixed after the first load
// and a second load would observe a stale table.
func (t *Table) Load(path string, argv []string, bin *Binary) (*Entry, error) {
	if bin == nil {
		return nil, pipeerr.New(pipeerr.Argument, "nil servlet binary")
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[path]; exists {
		return nil, pipeerr.New(pipeerr.State, "servlet already loaded: "+path)
	}

	e := &Entry{Argv: append([]string(nil), argv...), Binary: bin}
	t.entries[path] = e
	return e, nil
}

// Get resolves a loaded servlet entry by path.
func (t *Table) Get(path string) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[path]
	if !ok {
		return nil, pipeerr.New(pipeerr.Argument, "servlet not loaded: "+path)
	}
	return e, nil
}
