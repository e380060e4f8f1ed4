// Package task implements the task system: the unit of work dispatched
// to a servlet's lifecycle callbacks, its pipe slots, and the async task
// handle state machine. Grounded on original_source/src/runtime/task.c
// for the pool-vs-heap allocation rule and original_source/src/sched/
// async.c for the three-state async handle.
package task

import (
	"sync"

	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
	"github.com/brunotm/plumber/servlet"
)

// Flags identifies the action a task performs and its invocation state.
type Flags uint32

const (
	// ActionInit runs the servlet's init callback.
	ActionInit Flags = 1 << iota
	// ActionExec runs the servlet's exec callback.
	ActionExec
	// ActionUnload runs the servlet's unload callback.
	ActionUnload
	// ActionAsync marks a task as belonging to the async phase (its
	// companion exec/cleanup tasks, or the setup task itself).
	ActionAsync
	// Invoked is set once Start has run; a second Start is an error.
	Invoked
)

// Action returns the action bits only (masking Async/Invoked).
func (f Flags) Action() Flags {
	return f & (ActionInit | ActionExec | ActionUnload)
}

// Task is one dispatch of a servlet lifecycle callback: the servlet entry
// it targets, the flags selecting which callback, the pipe handles bound
// to the servlet's PDT slots, the servlet's own context object, and (for
// async owner tasks) the async buffer and handle.
type Task struct {
	Entry *servlet.Entry
	Flags Flags
	Ctx   interface{}
	Pipes []*pipe.Handle

	// async is non-nil only for the async-owner task: the init task that
	// has entered its async phase. Companion exec/cleanup tasks reference
	// the same AsyncHandle without owning it.
	async    *AsyncHandle
	isOwner  bool
	fromPool bool
}

// New allocates a task for entry with the given flags. Exec tasks are
// pool-allocated (high frequency, short lifetime); init/unload tasks are
// allocated directly on the heap, matching the core's task creation
// rule that only per-request exec tasks are worth pooling.
func New(entry *servlet.Entry, flags Flags) (*Task, error) {
	if entry == nil {
		return nil, pipeerr.New(pipeerr.Argument, "nil servlet entry")
	}

	action := flags.Action()
	if action != ActionInit && action != ActionExec && action != ActionUnload {
		return nil, pipeerr.New(pipeerr.Argument, "task must specify exactly one action")
	}

	if action == ActionExec {
		ctx, pipes := entry.Binary.AcquireTask()
		bindPipes(ctx, pipes)
		return &Task{Entry: entry, Flags: flags, Ctx: ctx, Pipes: pipes, fromPool: true}, nil
	}

	ctx := entry.Binary.NewContext()
	n := 0
	if pdt := entry.Binary.PDT(); pdt != nil {
		n = pdt.Len()
	}
	pipes := make([]*pipe.Handle, n)
	bindPipes(ctx, pipes)
	return &Task{Entry: entry, Flags: flags, Ctx: ctx, Pipes: pipes}, nil
}

// bindPipes hands ctx a reference to the task's pipe slot slice, for
// servlets whose context type wants direct access to its bound handles
// during Exec. Slots filled in later (e.g. by the scheduler binding an
// externally produced handle pair onto the entry task) are visible
// through the same backing array, mirroring how EnsurePDT hands the
// init context its PDT via an optional setter interface.
func bindPipes(ctx interface{}, pipes []*pipe.Handle) {
	if setter, ok := ctx.(interface{ SetPipes([]*pipe.Handle) }); ok {
		setter.SetPipes(pipes)
	}
}

// AsyncState is the async task handle's lifecycle state.
type AsyncState int

const (
	// StateInit: about to call async_setup.
	StateInit AsyncState = iota
	// StateExec: about to call async_exec.
	StateExec
	// StateDone: about to call async_cleanup and emit completion.
	StateDone
)

// AsyncHandle tracks one in-flight async operation spawned from an init
// task whose servlet declared an async phase. It is shared by the exec
// and cleanup companion tasks created from it; only the owning init task
// or the cleanup companion disposes the underlying async buffer.
type AsyncHandle struct {
	mu        sync.Mutex
	state     AsyncState
	statusErr error
	buf       interface{}
	entry     *servlet.Entry
}

// AsyncCompanions produces the async_exec and async_cleanup companion
// tasks from an init task that has just run async_setup successfully.
// initTask must have flags ActionInit|ActionAsync and must not have been
// started through AsyncCompanions before. Only cleanup inherits initTask's
// pipe slots, for release in its Free; exec gets none — async_exec must
// not read or write pipe handles it was never granted.
func AsyncCompanions(initTask *Task) (execTask, cleanupTask *Task, err error) {
	if initTask == nil {
		return nil, nil, pipeerr.New(pipeerr.Argument, "nil init task")
	}
	if initTask.Flags.Action() != ActionInit || initTask.Flags&ActionAsync == 0 {
		return nil, nil, pipeerr.New(pipeerr.State, "task is not an async-owning init task")
	}
	if initTask.async != nil {
		return nil, nil, pipeerr.New(pipeerr.State, "async companions already created")
	}
	if !initTask.Entry.Binary.IsAsync() {
		return nil, nil, pipeerr.New(pipeerr.State, "servlet does not declare an async phase")
	}

	h := &AsyncHandle{
		state: StateInit,
		buf:   initTask.Entry.Binary.AcquireAsyncBuffer(),
		entry: initTask.Entry,
	}
	initTask.async = h
	initTask.isOwner = true

	exec := &Task{
		Entry: initTask.Entry,
		Flags: ActionExec | ActionAsync,
		Ctx:   initTask.Ctx,
		async: h,
	}
	cleanup := &Task{
		Entry: initTask.Entry,
		Flags: ActionUnload | ActionAsync,
		Ctx:   initTask.Ctx,
		Pipes: initTask.Pipes,
		async: h,
	}
	return exec, cleanup, nil
}

// Async returns the task's async handle, or nil for a non-async task.
func (t *Task) Async() *AsyncHandle { return t.async }

// ReleaseOwnership clears t's pipe slots and async handle reference
// without deallocating or disposing them, for an init task whose real
// pipes and async buffer have just passed to its cleanup companion via
// AsyncCompanions. A Free call afterward then only releases t's own
// bookkeeping, leaving the resources for cleanup's own Free to release
// once async_cleanup has actually run.
func (t *Task) ReleaseOwnership() {
	t.Pipes = nil
	t.async = nil
	t.isOwner = false
}

// State returns the async handle's current state.
func (h *AsyncHandle) State() AsyncState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Advance transitions the async handle to the next state in the
// Init -> Exec -> Done sequence. Calling it out of order is an error:
// at most one of {async_setup, async_exec, async_cleanup} may run for a
// handle at a time, and the sequence only ever moves forward.
func (h *AsyncHandle) Advance(to AsyncState) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.state == StateInit && to == StateExec:
	case h.state == StateExec && to == StateDone:
	default:
		return pipeerr.New(pipeerr.State, "invalid async handle state transition")
	}
	h.state = to
	return nil
}

// SetStatus records the terminal status of the async operation, surfaced
// to async_cleanup and to the completion event.
func (h *AsyncHandle) SetStatus(err error) {
	h.mu.Lock()
	h.statusErr = err
	h.mu.Unlock()
}

// Status returns the recorded terminal status.
func (h *AsyncHandle) Status() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusErr
}

// Buffer returns the async data buffer shared by the owner/exec/cleanup
// tasks.
func (h *AsyncHandle) Buffer() interface{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.buf
}

// dispose releases the async buffer back to its servlet's pool. Called
// once, by Free, when the owning init task (or its cleanup companion) is
// freed.
func (h *AsyncHandle) dispose() {
	h.mu.Lock()
	buf := h.buf
	h.buf = nil
	entry := h.entry
	h.mu.Unlock()
	if entry != nil {
		entry.Binary.ReleaseAsyncBuffer(buf)
	}
}

// callback selects t's lifecycle callback from its servlet binary.
func (t *Task) callback() servlet.Callback {
	bin := t.Entry.Binary
	switch {
	case t.Flags&ActionAsync != 0 && t.Flags.Action() == ActionInit:
		return bin.AsyncSetup
	case t.Flags&ActionAsync != 0 && t.Flags.Action() == ActionExec:
		return bin.AsyncExec
	case t.Flags&ActionAsync != 0 && t.Flags.Action() == ActionUnload:
		return bin.AsyncCleanup
	case t.Flags.Action() == ActionInit:
		return bin.Init
	case t.Flags.Action() == ActionExec:
		return bin.Exec
	case t.Flags.Action() == ActionUnload:
		return bin.Unload
	}
	return nil
}

// Start dispatches t to its matching servlet callback. A task may only be
// started once.
func (t *Task) Start() error {
	if t.Flags&Invoked != 0 {
		return pipeerr.New(pipeerr.State, "task already started")
	}
	t.Flags |= Invoked

	cb := t.callback()
	if cb == nil {
		return pipeerr.New(pipeerr.State, "servlet does not implement this callback")
	}

	if err := cb(t.Ctx); err != nil {
		if t.async != nil {
			t.async.SetStatus(err)
		}
		return pipeerr.Wrap(pipeerr.Resource, err)
	}
	return nil
}

// Free releases t's resources: pipe slots are deallocated (except for an
// async-exec companion, which does not own the group's pipes), and a
// pooled exec task's context is returned to its servlet's task pool. The
// async buffer is disposed by the owner-init or cleanup task, whichever
// frees first; dispose clears the buffer, so a later call releases
// nothing more.
func (t *Task) Free() error {
	var errs []error

	if t.async == nil || t.isOwner || t.Flags.Action() == ActionUnload {
		for _, h := range t.Pipes {
			if h == nil {
				continue
			}
			if err := pipe.Deallocate(h); err != nil {
				errs = append(errs, err)
			}
		}
	}

	if t.async != nil && (t.isOwner || t.Flags.Action() == ActionUnload) {
		t.async.dispose()
	}

	if t.fromPool {
		t.Entry.Binary.ReleaseTask(t.Ctx, t.Pipes)
	}

	if len(errs) > 0 {
		return pipeerr.Wrap(pipeerr.Resource, errs[0])
	}
	return nil
}
