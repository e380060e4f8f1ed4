// Package pipe implements the pipe abstraction: typed byte-stream
// endpoints whose read/write/fork/eof/cntl operations are dispatched
// through the owning module's vtable. Grounded on the teacher's
// Record/ProcessorContext shape (github.com/brunotm/streams), generalized
// from in-process record forwarding to an ABI-level handle passed between
// an I/O module and a task.
package pipe

import (
	"github.com/brunotm/plumber/pipeerr"
)

// Direction is the direction of a pipe endpoint.
type Direction uint8

const (
	// In is a readable, input pipe endpoint.
	In Direction = iota
	// Out is a writable, output pipe endpoint.
	Out
)

// Flags is the unpacked view of a pipe's type flags: direction, async
// (result produced by background work), persistent (state survives one
// execution), an optional shadow target (the handle aliases another
// output of the same node), and disabled (a default-off demux branch).
//
// The packed bitset representation used at the module ABI boundary is
// handled by Pack/Unpack so the wire-compatible word survives even though
// internally we always work with this struct, per the core's DESIGN
// NOTES on flag bitsets with embedded payloads.
type Flags struct {
	Direction  Direction
	Async      bool
	Persistent bool
	Shadow     *int // nil means "not a shadow pipe"
	Disabled   bool
}

const (
	flagOut        = 1 << 0
	flagAsync      = 1 << 1
	flagPersistent = 1 << 2
	flagShadow     = 1 << 3
	flagDisabled   = 1 << 4
	shadowShift    = 8
)

// Pack encodes Flags into the wire-compatible bit word.
func (f Flags) Pack() uint32 {
	var w uint32
	if f.Direction == Out {
		w |= flagOut
	}
	if f.Async {
		w |= flagAsync
	}
	if f.Persistent {
		w |= flagPersistent
	}
	if f.Disabled {
		w |= flagDisabled
	}
	if f.Shadow != nil {
		w |= flagShadow
		w |= uint32(*f.Shadow) << shadowShift
	}
	return w
}

// Unpack decodes the wire-compatible bit word into Flags.
func Unpack(w uint32) Flags {
	f := Flags{}
	if w&flagOut != 0 {
		f.Direction = Out
	} else {
		f.Direction = In
	}
	f.Async = w&flagAsync != 0
	f.Persistent = w&flagPersistent != 0
	f.Disabled = w&flagDisabled != 0
	if w&flagShadow != 0 {
		target := int(w >> shadowShift)
		f.Shadow = &target
	}
	return f
}

// IsInput reports whether a handle with these flags is readable. Direction
// is mutually exclusive: a handle is readable iff it has input capability,
// writable iff it has output capability, never both.
func (f Flags) IsInput() bool { return f.Direction == In }

// IsOutput reports whether a handle with these flags is writable.
func (f Flags) IsOutput() bool { return f.Direction == Out }

// PersistentState is the opaque servlet-owned state a module preserves
// across executions for a persistent pipe, pushed via Cntl(PushState) and
// retrieved via Cntl(PopState).
type PersistentState struct {
	State interface{}
	Free  func(state interface{})
}

// Opcode selects the Cntl operation.
type Opcode int

const (
	// GetFlags returns the pipe's current Flags.
	GetFlags Opcode = iota
	// SetFlag sets one or more flag bits.
	SetFlag
	// ClrFlag clears one or more flag bits.
	ClrFlag
	// PushState stores opaque servlet state on a persistent pipe,
	// preserved across executions until popped.
	PushState
	// PopState retrieves and clears previously pushed state.
	PopState
	// EOM marks the remaining unread data of the current message as
	// discarded (end-of-message, unread).
	EOM
)

// DataSourceResult distinguishes how a module handled a callback-based
// data source handed to it via WriteDataSource.
type DataSourceResult int

const (
	// Accepted means the module now owns the source and will drive it.
	Accepted DataSourceResult = iota
	// SyncConsumed means the module synchronously drained the source;
	// the caller still owns it and must close it.
	SyncConsumed
	// FailedNoTransfer means the write failed and ownership was not
	// transferred; the caller still owns the source.
	FailedNoTransfer
	// FailedTransferred means the write failed after the module had
	// already taken ownership; the caller must not dispose the source
	// again (see pipeerr.OwnershipTransfer).
	FailedTransferred
)

// DataSource is a callback-based producer of pipe content, handed to a
// module via WriteDataSource.
type DataSource struct {
	Read  func(buf []byte) (n int, eof bool, err error)
	Eof   func() (bool, error)
	Close func() error
}

// Module is the capability surface a pipe handle dispatches through. Not
// every module supports every operation: each operation is an optional
// interface (Allocator, Reader, Writer, ...) checked by type assertion.
// For a module that does not implement one, most operations return a
// State error; EOF and HasUnreadData report false instead.
type Module interface {
	Path() string
}

// Allocator is implemented by modules that can create pipes outside of
// accepting an external event (e.g. a file-backed or memory pipe).
type Allocator interface {
	Module
	Allocate(flags Flags, param interface{}) (in, out *Handle, err error)
}

// Acceptor is implemented by event-loop modules capable of blocking
// acceptance of an external event.
type Acceptor interface {
	Module
	Accept(args interface{}) (in, out *Handle, err error)
}

// Reader is implemented by modules whose handles can be read.
type Reader interface {
	Read(h *Handle, buf []byte) (n int, eof bool, err error)
}

// Writer is implemented by modules whose handles can be written.
type Writer interface {
	Write(h *Handle, buf []byte) (n int, err error)
}

// Forker is implemented by modules that can duplicate an output
// reference for shadow edges.
type Forker interface {
	Fork(src *Handle, flags Flags, param interface{}) (*Handle, error)
}

// EOFer reports end-of-stream on a handle.
type EOFer interface {
	EOF(h *Handle) (bool, error)
}

// UnreadChecker reports whether a handle still has unread data.
type UnreadChecker interface {
	HasUnreadData(h *Handle) (bool, error)
}

// Controller dispatches module-specific Cntl opcodes.
type Controller interface {
	Cntl(h *Handle, op Opcode, args ...interface{}) (interface{}, error)
}

// DataSourceWriter accepts a callback-based data source for a handle.
type DataSourceWriter interface {
	WriteDataSource(h *Handle, source DataSource, meta interface{}) (DataSourceResult, error)
}

// Deallocator releases a handle back to the module.
type Deallocator interface {
	Deallocate(h *Handle) error
}

// Handle is an opaque reference to one end of a pipe. Ownership is
// exclusive to the task holding it unless duplicated through Fork.
type Handle struct {
	Module Module
	Flags  Flags
	// Tail is the module-specific handle payload (the "fixed header +
	// module-specific tail" layout named in the data model); it is
	// opaque to everything outside the owning module.
	Tail interface{}

	persistent *PersistentState
}

// New constructs a Handle for the given module, flags and tail payload.
func New(mod Module, flags Flags, tail interface{}) *Handle {
	return &Handle{Module: mod, Flags: flags, Tail: tail}
}

// Allocate creates a new pipe through mod. Either endpoint may be nil if
// the module produces a one-shot pipe.
func Allocate(mod Allocator, flags Flags, param interface{}) (in, out *Handle, err error) {
	if mod == nil {
		return nil, nil, pipeerr.New(pipeerr.Argument, "nil module")
	}
	in, out, err = mod.Allocate(flags, param)
	if err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.IO, err)
	}
	return in, out, nil
}

// Accept blocks until an external event arrives on an event-loop module.
func Accept(mod Acceptor, args interface{}) (in, out *Handle, err error) {
	if mod == nil {
		return nil, nil, pipeerr.New(pipeerr.Argument, "nil module")
	}
	in, out, err = mod.Accept(args)
	if err != nil {
		return nil, nil, pipeerr.Wrap(pipeerr.IO, err)
	}
	return in, out, nil
}

// Read reads up to len(buf) bytes from h. Returns (0, false, nil) on
// would-block.
func Read(h *Handle, buf []byte) (n int, eof bool, err error) {
	if h == nil {
		return 0, false, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	if !h.Flags.IsInput() {
		return 0, false, pipeerr.New(pipeerr.State, "handle is not readable")
	}
	if h.Flags.Disabled {
		return 0, true, nil
	}
	r, ok := h.Module.(Reader)
	if !ok {
		return 0, false, pipeerr.New(pipeerr.State, "module does not support read")
	}
	n, eof, err = r.Read(h, buf)
	if err != nil {
		return n, eof, pipeerr.Wrap(pipeerr.IO, err)
	}
	return n, eof, nil
}

// Write writes up to len(buf) bytes to h. Returns (0, nil) on
// would-block.
func Write(h *Handle, buf []byte) (n int, err error) {
	if h == nil {
		return 0, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	if !h.Flags.IsOutput() {
		return 0, pipeerr.New(pipeerr.State, "handle is not writable")
	}
	w, ok := h.Module.(Writer)
	if !ok {
		return 0, pipeerr.New(pipeerr.State, "module does not support write")
	}
	n, err = w.Write(h, buf)
	if err != nil {
		return n, pipeerr.Wrap(pipeerr.IO, err)
	}
	return n, nil
}

// Fork duplicates an output reference for shadow edges. The new handle
// shares no read cursor with the source.
func Fork(src *Handle, flags Flags, param interface{}) (*Handle, error) {
	if src == nil {
		return nil, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	f, ok := src.Module.(Forker)
	if !ok {
		return nil, pipeerr.New(pipeerr.State, "module does not support fork")
	}
	h, err := f.Fork(src, flags, param)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.IO, err)
	}
	return h, nil
}

// EOF reports end-of-stream on h.
func EOF(h *Handle) (bool, error) {
	if h == nil {
		return false, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	e, ok := h.Module.(EOFer)
	if !ok {
		return false, nil
	}
	eof, err := e.EOF(h)
	if err != nil {
		return false, pipeerr.Wrap(pipeerr.IO, err)
	}
	return eof, nil
}

// HasUnreadData reports whether h still has unread data.
func HasUnreadData(h *Handle) (bool, error) {
	if h == nil {
		return false, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	u, ok := h.Module.(UnreadChecker)
	if !ok {
		return false, nil
	}
	has, err := u.HasUnreadData(h)
	if err != nil {
		return false, pipeerr.Wrap(pipeerr.IO, err)
	}
	return has, nil
}

// Cntl dispatches a module-specific control opcode. GetFlags, SetFlag,
// ClrFlag and PushState/PopState on persistent pipes are handled locally
// without reaching the module, since they operate purely on the handle's
// flags/state slot; everything else is forwarded to the module's
// Controller implementation.
func Cntl(h *Handle, op Opcode, args ...interface{}) (interface{}, error) {
	if h == nil {
		return nil, pipeerr.New(pipeerr.Argument, "nil handle")
	}

	switch op {
	case GetFlags:
		return h.Flags, nil
	case SetFlag:
		applyFlagArgs(h, args, true)
		return h.Flags, nil
	case ClrFlag:
		applyFlagArgs(h, args, false)
		return h.Flags, nil
	case PushState:
		if !h.Flags.Persistent {
			return nil, pipeerr.New(pipeerr.State, "pipe is not persistent")
		}
		if len(args) != 1 {
			return nil, pipeerr.New(pipeerr.Argument, "PushState requires one PersistentState argument")
		}
		ps, ok := args[0].(PersistentState)
		if !ok {
			return nil, pipeerr.New(pipeerr.Argument, "PushState argument must be a PersistentState")
		}
		h.persistent = &ps
		return nil, nil
	case PopState:
		if h.persistent == nil {
			return nil, nil
		}
		ps := *h.persistent
		h.persistent = nil
		return ps, nil
	}

	c, ok := h.Module.(Controller)
	if !ok {
		return nil, pipeerr.New(pipeerr.State, "module does not support cntl opcode")
	}
	res, err := c.Cntl(h, op, args...)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.IO, err)
	}
	return res, nil
}

func applyFlagArgs(h *Handle, args []interface{}, set bool) {
	for _, a := range args {
		switch v := a.(type) {
		case string:
			switch v {
			case "async":
				h.Flags.Async = set
			case "persistent":
				h.Flags.Persistent = set
			case "disabled":
				h.Flags.Disabled = set
			}
		}
	}
}

// WriteDataSource hands a callback-based data source to the module.
func WriteDataSource(h *Handle, source DataSource, meta interface{}) (DataSourceResult, error) {
	if h == nil {
		return FailedNoTransfer, pipeerr.New(pipeerr.Argument, "nil handle")
	}
	w, ok := h.Module.(DataSourceWriter)
	if !ok {
		return FailedNoTransfer, pipeerr.New(pipeerr.State, "module does not support write_data_source")
	}
	res, err := w.WriteDataSource(h, source, meta)
	if err != nil {
		if res == FailedTransferred {
			return res, pipeerr.Wrap(pipeerr.OwnershipTransfer, err)
		}
		return res, pipeerr.Wrap(pipeerr.IO, err)
	}
	return res, nil
}

// Deallocate releases h. On persistent pipes with pushed state, the
// state is preserved and the handle itself recycled by the module.
func Deallocate(h *Handle) error {
	if h == nil {
		return pipeerr.New(pipeerr.Argument, "nil handle")
	}
	d, ok := h.Module.(Deallocator)
	if !ok {
		return pipeerr.New(pipeerr.State, "module does not support deallocate")
	}
	if err := d.Deallocate(h); err != nil {
		return pipeerr.Wrap(pipeerr.IO, err)
	}
	return nil
}
