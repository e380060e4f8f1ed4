package pipe

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memModule is a minimal in-memory pipe module used to exercise the
// dispatch-through-vtable contract in isolation from any concrete
// transport module.
type memModule struct{}

func (memModule) Path() string { return "pipe.mem" }

func (m memModule) Allocate(flags Flags, param interface{}) (in, out *Handle, err error) {
	buf := &bytes.Buffer{}
	if flags.IsInput() {
		return New(m, flags, buf), nil, nil
	}
	return nil, New(m, flags, buf), nil
}

func (memModule) Read(h *Handle, buf []byte) (int, bool, error) {
	b := h.Tail.(*bytes.Buffer)
	n, err := b.Read(buf)
	if n == 0 && err != nil {
		return 0, true, nil
	}
	return n, b.Len() == 0, nil
}

func (memModule) Write(h *Handle, buf []byte) (int, error) {
	b := h.Tail.(*bytes.Buffer)
	return b.Write(buf)
}

func (m memModule) Fork(src *Handle, flags Flags, param interface{}) (*Handle, error) {
	b := &bytes.Buffer{}
	b.Write(src.Tail.(*bytes.Buffer).Bytes())
	return New(m, flags, b), nil
}

func (memModule) EOF(h *Handle) (bool, error) {
	return h.Tail.(*bytes.Buffer).Len() == 0, nil
}

func (memModule) HasUnreadData(h *Handle) (bool, error) {
	return h.Tail.(*bytes.Buffer).Len() > 0, nil
}

func (memModule) Deallocate(h *Handle) error { return nil }

func TestPipeReadWriteRoundTrip(t *testing.T) {
	var mod memModule
	flagsOut := Flags{Direction: Out}
	_, out, err := Allocate(mod, flagsOut, nil)
	require.NoError(t, err)

	n, err := Write(out, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	in := New(mod, Flags{Direction: In}, out.Tail)
	buf := make([]byte, 16)
	n, eof, err := Read(in, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))
	assert.True(t, eof)
}

// TestFlagsDirectionMutuallyExclusive covers: for all pipes of flags f,
// (f & INPUT) ^ (f & OUTPUT) == 1.
func TestFlagsDirectionMutuallyExclusive(t *testing.T) {
	in := Flags{Direction: In}
	out := Flags{Direction: Out}
	assert.True(t, in.IsInput() != in.IsOutput())
	assert.True(t, out.IsInput() != out.IsOutput())
}

func TestFlagsPackUnpackRoundTrip(t *testing.T) {
	shadowTarget := 3
	f := Flags{Direction: Out, Async: true, Persistent: true, Shadow: &shadowTarget, Disabled: true}
	got := Unpack(f.Pack())
	assert.Equal(t, f.Direction, got.Direction)
	assert.Equal(t, f.Async, got.Async)
	assert.Equal(t, f.Persistent, got.Persistent)
	assert.Equal(t, f.Disabled, got.Disabled)
	require.NotNil(t, got.Shadow)
	assert.Equal(t, shadowTarget, *got.Shadow)
}

func TestCntlPushPopState(t *testing.T) {
	var mod memModule
	h := New(mod, Flags{Direction: In, Persistent: true}, &bytes.Buffer{})

	freed := false
	_, err := Cntl(h, PushState, PersistentState{
		State: "resume-here",
		Free:  func(interface{}) { freed = true },
	})
	require.NoError(t, err)

	res, err := Cntl(h, PopState)
	require.NoError(t, err)
	ps := res.(PersistentState)
	assert.Equal(t, "resume-here", ps.State)

	res2, err := Cntl(h, PopState)
	require.NoError(t, err)
	assert.Nil(t, res2)
	assert.False(t, freed)
}

// TestDisabledPipeYieldsImmediateEOF covers: a pipe with flag DISABLED
// accepted by a demux consumer yields zero reads and eof=true immediately.
func TestDisabledPipeYieldsImmediateEOF(t *testing.T) {
	var mod memModule
	h := New(mod, Flags{Direction: In, Disabled: true}, &bytes.Buffer{})
	buf := make([]byte, 8)
	n, eof, err := Read(h, buf)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.True(t, eof)
}
