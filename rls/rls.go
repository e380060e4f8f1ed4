// Package rls implements the request-local scope: a per-request arena of
// reference-counted scope entities addressed by 32-bit tokens, modeled on
// the teacher's record/encoder shape (github.com/brunotm/streams) and
// grounded on the original Plumber scheduler's rscope.c token-table design.
package rls

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash"

	"github.com/brunotm/plumber/pipeerr"
)

// Token is an opaque reference into a Scope's entry table. It is valid
// only within the scope that issued it.
type Token uint32

// NullToken is returned by operations that fail to allocate or find a
// token.
const NullToken Token = ^Token(0)

// entryTableInitSize is the initial capacity of a thread-local token
// table, doubled on exhaustion up to entryTableSizeLimit.
const (
	entryTableInitSize  = 64
	entryTableSizeLimit = 1 << 20
)

// Entity is an opaque payload referenced via an RLS token. Free is
// mandatory; Copy, Open/Close/Read/Eof, Event and Hash are optional
// capabilities mirroring the entity capability tuple named in the core
// data model.
type Entity struct {
	Data interface{}
	// Free disposes Data when the entity's refcount reaches zero.
	Free func(data interface{}) error
	// Copy deep-copies Data for the rls Copy operation. Nil means the
	// entity does not support Copy.
	Copy func(data interface{}) (interface{}, error)
	// Open returns a read cursor over Data. Nil means the entity does not
	// support streaming.
	Open func(data interface{}) (interface{}, error)
	// Close releases a cursor returned by Open.
	Close func(handle interface{}) error
	// Read reads up to len(buf) bytes from the cursor. Returns
	// (0, false, nil) on would-block without eof.
	Read func(handle interface{}, buf []byte) (n int, eof bool, err error)
	// Eof reports whether the cursor has been fully consumed.
	Eof func(handle interface{}) (bool, error)
	// Event returns a wait primitive (e.g. an fd) for non-blocking
	// sources that would otherwise stall. Nil means unsupported.
	Event func(handle interface{}) (interface{}, error)
	// Hash returns a 128-bit identity hash of Data when supported.
	Hash func(data interface{}) (out [2]uint64, ok bool)
}

type entity struct {
	ent    Entity
	refcnt int32
}

func (e *entity) release() error {
	if atomic.AddInt32(&e.refcnt, -1) != 0 {
		return nil
	}
	if e.ent.Free != nil && e.ent.Data != nil {
		return e.ent.Free(e.ent.Data)
	}
	return nil
}

type entry struct {
	next    Token
	scopeID uint64
	data    *entity
}

// table is a token table: a cached free-list plus an unused bump range,
// shaped like the original scheduler's thread-local rscope entry table
// but shared by every goroutine (see shared).
type table struct {
	mu       sync.Mutex
	capacity uint32
	cached   Token
	unused   Token
	data     []entry
}

func newTable() *table {
	return &table{
		capacity: entryTableInitSize,
		cached:   NullToken,
		unused:   0,
		data:     make([]entry, entryTableInitSize),
	}
}

func (t *table) alloc() (Token, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cached != NullToken {
		ret := t.cached
		t.cached = t.data[ret].next
		t.data[ret].data = &entity{}
		return ret, nil
	}

	if t.unused >= Token(t.capacity) {
		if t.capacity*2 > entryTableSizeLimit {
			return NullToken, pipeerr.New(pipeerr.Resource, "rls entry table size limit reached")
		}
		newData := make([]entry, t.capacity*2)
		copy(newData, t.data)
		t.data = newData
		t.capacity *= 2
	}

	ret := t.unused
	t.data[ret] = entry{next: NullToken, data: &entity{}}
	t.unused++
	return ret, nil
}

func (t *table) free(tok Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.data[tok].next = t.cached
	t.data[tok].data = nil
	t.cached = tok
}

func (t *table) get(tok Token) (*entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if tok == NullToken || uint32(tok) >= t.capacity || t.data[tok].data == nil {
		return nil, false
	}
	e := t.data[tok]
	return &e, true
}

// shared is the one process-wide token table. The original keeps one
// table per thread; since Go goroutines are not pinnable to OS threads,
// a single table guarded by its mutex provides the same external
// contract (tokens issued by a scope are only ever looked up through
// this table) without the unsafety of faking thread-locals.
var shared = newTable()

// Scope is a per-request arena of reference-counted entities, identified
// by a monotonically increasing id.
type Scope struct {
	id   uint64
	head Token
	mu   sync.Mutex
}

var nextScopeID uint64

// New creates a fresh scope with the next monotonic id.
func New() *Scope {
	return &Scope{id: atomic.AddUint64(&nextScopeID, 1), head: NullToken}
}

// ID returns the scope's monotonic identifier.
func (s *Scope) ID() uint64 { return s.id }

// Add inserts ent into the scope and returns its token. The entity's
// initial refcount is 1.
func (s *Scope) Add(ent Entity) (Token, error) {
	if ent.Free == nil || ent.Data == nil {
		return NullToken, pipeerr.New(pipeerr.Argument, "entity must have Data and Free")
	}

	tok, err := shared.alloc()
	if err != nil {
		return NullToken, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	shared.mu.Lock()
	shared.data[tok].data.ent = ent
	shared.data[tok].data.refcnt = 1
	shared.data[tok].next = s.head
	shared.data[tok].scopeID = s.id
	shared.mu.Unlock()

	s.head = tok
	return tok, nil
}

// CopyResult carries the new token and the copied data pointer from Copy.
type CopyResult struct {
	Token Token
	Data  interface{}
}

// Copy deep-copies the entity referenced by token into a new entity
// added to the same scope. Requires the Copy capability.
func (s *Scope) Copy(token Token) (CopyResult, error) {
	e, ok := shared.get(token)
	if !ok {
		return CopyResult{}, pipeerr.New(pipeerr.Argument, "invalid token")
	}
	if e.data.ent.Copy == nil {
		return CopyResult{}, pipeerr.New(pipeerr.Argument, "entity does not support copy")
	}

	data, err := e.data.ent.Copy(e.data.ent.Data)
	if err != nil {
		return CopyResult{}, pipeerr.Wrap(pipeerr.Resource, err)
	}

	target := e.data.ent
	target.Data = data

	tok, err := s.Add(target)
	if err != nil {
		if target.Free != nil {
			_ = target.Free(data)
		}
		return CopyResult{}, err
	}

	return CopyResult{Token: tok, Data: data}, nil
}

// Get returns the read-only data pointer for token, checking that token
// was issued by this scope.
func (s *Scope) Get(token Token) (interface{}, error) {
	e, ok := shared.get(token)
	if !ok || e.data.ent.Data == nil {
		return nil, pipeerr.New(pipeerr.Argument, "invalid token")
	}
	if e.scopeID != s.id {
		return nil, pipeerr.New(pipeerr.Argument, "token does not belong to this scope")
	}
	return e.data.ent.Data, nil
}

// GetHash returns the 128-bit identity hash of token's data when the
// entity supports it. If the entity has no Hash capability, it returns
// a zero pair with ok false and a nil error; no fallback hash is computed.
func (s *Scope) GetHash(token Token) (out [2]uint64, ok bool, err error) {
	e, found := shared.get(token)
	if !found || e.data.ent.Data == nil {
		return out, false, pipeerr.New(pipeerr.Argument, "invalid token")
	}
	if e.data.ent.Hash != nil {
		h, supported := e.data.ent.Hash(e.data.ent.Data)
		return h, supported, nil
	}
	return out, false, nil
}

// Stream is a read cursor over an entity, opened by Scope.StreamOpen.
type Stream struct {
	entity *entity
	token  Token
	handle interface{}
	ent    Entity
}

// StreamOpen opens a read cursor over token's entity, requiring the
// {Open, Close, Read, Eof} capability quadruple. The entity's refcount is
// incremented so it outlives asynchronous consumers even if the scope is
// freed first.
func (s *Scope) StreamOpen(token Token) (*Stream, error) {
	e, ok := shared.get(token)
	if !ok {
		return nil, pipeerr.New(pipeerr.Argument, "invalid token")
	}
	ent := e.data.ent
	if ent.Open == nil || ent.Close == nil || ent.Read == nil || ent.Eof == nil {
		return nil, pipeerr.New(pipeerr.Argument, "entity does not support the byte stream interface")
	}

	handle, err := ent.Open(ent.Data)
	if err != nil {
		return nil, pipeerr.Wrap(pipeerr.IO, err)
	}

	atomic.AddInt32(&e.data.refcnt, 1)

	return &Stream{entity: e.data, token: token, handle: handle, ent: ent}, nil
}

// Read reads up to len(buf) bytes from the stream.
func (st *Stream) Read(buf []byte) (n int, eof bool, err error) {
	return st.ent.Read(st.handle, buf)
}

// Eof reports whether the stream has been fully consumed.
func (st *Stream) Eof() (bool, error) {
	return st.ent.Eof(st.handle)
}

// Event returns the underlying wait primitive when the source is
// non-blocking and would stall, or (nil, false) when unsupported.
func (st *Stream) Event() (interface{}, bool, error) {
	if st.ent.Event == nil {
		return nil, false, nil
	}
	ev, err := st.ent.Event(st.handle)
	return ev, true, err
}

// Close releases the cursor and decrements the entity refcount.
func (st *Stream) Close() error {
	var rc error
	if err := st.ent.Close(st.handle); err != nil {
		rc = pipeerr.Wrap(pipeerr.IO, err)
	}
	if err := st.entity.release(); err != nil && rc == nil {
		rc = pipeerr.Wrap(pipeerr.Resource, err)
	}
	return rc
}

// Free decrements the refcount on every entity the scope issued,
// disposing any that reach zero. Entities with outstanding stream
// holders survive until those streams close.
func (s *Scope) Free() error {
	s.mu.Lock()
	tok := s.head
	s.head = NullToken
	s.mu.Unlock()

	var rc error
	for tok != NullToken {
		shared.mu.Lock()
		e := shared.data[tok]
		next := e.next
		shared.mu.Unlock()

		if e.data != nil {
			if err := e.data.release(); err != nil {
				rc = err
			}
		}
		shared.free(tok)
		tok = next
	}
	return rc
}

// xxhash64Pair produces a 128-bit-ish identity pair over arbitrary bytes
// using two differently-seeded xxhash digests, mirroring the way the
// teacher's Record.ID is derived from xxhash.Sum64 over the record value.
func xxhash64Pair(data []byte) [2]uint64 {
	var out [2]uint64
	out[0] = xxhash.Sum64(data)
	out[1] = xxhash.Sum64(append(append([]byte{}, data...), 0xff))
	return out
}

// BytesHash builds a Hash capability closure for byte-slice backed
// entities, usable directly as Entity.Hash.
func BytesHash(toBytes func(data interface{}) []byte) func(interface{}) ([2]uint64, bool) {
	return func(data interface{}) ([2]uint64, bool) {
		b := toBytes(data)
		if b == nil {
			return [2]uint64{}, false
		}
		return xxhash64Pair(b), true
	}
}
