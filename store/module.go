package store

import (
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
)

// Module adapts a Store into a pipe module: Allocate binds a handle pair
// to one key, Read fetches the key's current value, Write stores a new one.
// Read fetches the stored value once, on a handle's first Read, and then
// hands it out across as many calls as the caller's buffer needs (eof
// true with the last bytes). Writes on one handle accumulate: each Write
// appends to what that handle has written so far and stores the whole
// accumulated value, so a fresh handle's first Write replaces whatever
// was stored before.
type Module struct {
	path string
	db   Store
}

// NewModule wraps db as a pipe module named path.
func NewModule(path string, db Store) *Module {
	return &Module{path: path, db: db}
}

// Path identifies this module in the module registry.
func (m *Module) Path() string { return m.path }

// Init is a no-op: the backing Store is already open by the time it is
// handed to NewModule. Satisfies module.Vtable for registration.
func (m *Module) Init(argv []string) error { return nil }

// Cleanup closes the backing Store.
func (m *Module) Cleanup() error { return m.db.Close() }

// handleTail is the store module's handle payload: the bound key plus a
// lazily-fetched read cursor.
type handleTail struct {
	key []byte
	buf []byte
	pos int
	got bool
}

// Allocate binds a fresh in/out handle pair to the key carried in param.
func (m *Module) Allocate(flags pipe.Flags, param interface{}) (in, out *pipe.Handle, err error) {
	key, ok := param.([]byte)
	if !ok {
		return nil, nil, pipeerr.New(pipeerr.Argument, "store module requires a []byte key")
	}

	inFlags := flags
	inFlags.Direction = pipe.In
	outFlags := flags
	outFlags.Direction = pipe.Out

	in = pipe.New(m, inFlags, &handleTail{key: key})
	out = pipe.New(m, outFlags, &handleTail{key: key})
	return in, out, nil
}

// Read returns the key's stored value, fetching it from the backing
// Store on first call. A missing key reads as an empty, eof stream
// rather than an error.
func (m *Module) Read(h *pipe.Handle, buf []byte) (n int, eof bool, err error) {
	t, ok := h.Tail.(*handleTail)
	if !ok {
		return 0, false, pipeerr.New(pipeerr.Argument, "handle not owned by this module")
	}

	if !t.got {
		v, err := m.db.Get(t.key)
		if err != nil && err != ErrKeyNotFound {
			return 0, false, err
		}
		t.buf = v
		t.got = true
	}

	if t.pos >= len(t.buf) {
		return 0, true, nil
	}
	n = copy(buf, t.buf[t.pos:])
	t.pos += n
	return n, t.pos >= len(t.buf), nil
}

// Write appends buf to the handle's pending value and persists it
// immediately, so each Write call durably replaces what Get would return
// for the same key with everything written through this handle so far.
func (m *Module) Write(h *pipe.Handle, buf []byte) (n int, err error) {
	t, ok := h.Tail.(*handleTail)
	if !ok {
		return 0, pipeerr.New(pipeerr.Argument, "handle not owned by this module")
	}

	t.buf = append(t.buf, buf...)
	if err := m.db.Set(t.key, t.buf); err != nil {
		return 0, err
	}
	return len(buf), nil
}

// Deallocate releases the handle. The stored value outlives the handle;
// callers that want it gone must Delete the key explicitly.
func (m *Module) Deallocate(h *pipe.Handle) error { return nil }
