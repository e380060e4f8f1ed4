package servlet

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunotm/plumber/pipe"
)

// fakeCtx is the minimal servlet context used in tests: it receives the
// PDT during init and records which pipe definitions were issued.
type fakeCtx struct {
	pdt *PDT
}

func (c *fakeCtx) SetPDT(p *PDT) { c.pdt = p }

func newEchoBinary() *Binary {
	b := &Binary{
		Desc:    "echo",
		Version: "1.0",
		NewContext: func() interface{} {
			return &fakeCtx{}
		},
	}
	b.Init = func(ctx interface{}) error {
		c := ctx.(*fakeCtx)
		if _, err := c.pdt.Define("in", pipe.In, "bytes", -1); err != nil {
			return err
		}
		outID, err := c.pdt.Define("out", pipe.Out, "bytes", -1)
		if err != nil {
			return err
		}
		if _, err := c.pdt.Define("shadow-out", pipe.Out, "bytes", outID); err != nil {
			return err
		}
		return nil
	}
	return b
}

func TestPDTDefinitionOrderAndNameLookup(t *testing.T) {
	b := newEchoBinary()
	pdt, err := b.EnsurePDT(b.NewContext())
	require.NoError(t, err)
	require.Equal(t, 3, pdt.Len())

	id, ok := pdt.ByName("in")
	require.True(t, ok)
	assert.Equal(t, 0, id)

	id, ok = pdt.ByName("out")
	require.True(t, ok)
	assert.Equal(t, 1, id)

	id, ok = pdt.ByName("shadow-out")
	require.True(t, ok)
	assert.Equal(t, 2, id)

	slot, ok := pdt.Slot(2)
	require.True(t, ok)
	assert.Equal(t, 1, slot.ShadowOf)
}

func TestPDTRejectsShadowOfNonOutput(t *testing.T) {
	pdt := NewPDT()
	inID, err := pdt.Define("in", pipe.In, "bytes", -1)
	require.NoError(t, err)

	_, err = pdt.Define("bad-shadow", pipe.Out, "bytes", inID)
	assert.Error(t, err)
}

func TestPDTRejectsDuplicateName(t *testing.T) {
	pdt := NewPDT()
	_, err := pdt.Define("in", pipe.In, "bytes", -1)
	require.NoError(t, err)
	_, err = pdt.Define("in", pipe.In, "bytes", -1)
	assert.Error(t, err)
}

func TestPDTRejectsDefineAfterFinalize(t *testing.T) {
	pdt := NewPDT()
	pdt.Finalize()
	_, err := pdt.Define("in", pipe.In, "bytes", -1)
	assert.Error(t, err)
}

func TestEnsurePDTRunsInitOnlyOnce(t *testing.T) {
	calls := 0
	b := &Binary{
		NewContext: func() interface{} { return &fakeCtx{} },
	}
	b.Init = func(ctx interface{}) error {
		calls++
		ctx.(*fakeCtx).pdt.Define("x", pipe.In, "bytes", -1)
		return nil
	}

	_, err := b.EnsurePDT(b.NewContext())
	require.NoError(t, err)
	_, err = b.EnsurePDT(b.NewContext())
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestAcquireReleaseTaskRoundTrip(t *testing.T) {
	b := newEchoBinary()
	_, err := b.EnsurePDT(b.NewContext())
	require.NoError(t, err)

	ctx, pipes := b.AcquireTask()
	require.NotNil(t, ctx)
	assert.Len(t, pipes, 3)

	pipes[0] = pipe.New(nil, pipe.Flags{Direction: pipe.In}, nil)
	b.ReleaseTask(ctx, pipes)

	ctx2, pipes2 := b.AcquireTask()
	assert.Same(t, ctx, ctx2)
	for _, p := range pipes2 {
		assert.Nil(t, p)
	}
}

func TestAsyncBufferPool(t *testing.T) {
	b := &Binary{AsyncBufSize: 16}
	buf := b.AcquireAsyncBuffer()
	require.NotNil(t, buf)
	b.ReleaseAsyncBuffer(buf)
	buf2 := b.AcquireAsyncBuffer()
	assert.NotNil(t, buf2)
}

func TestIsAsync(t *testing.T) {
	plain := &Binary{}
	assert.False(t, plain.IsAsync())

	asyncB := &Binary{AsyncSetup: func(interface{}) error { return nil }}
	assert.True(t, asyncB.IsAsync())
}

func TestTableLoadAndGet(t *testing.T) {
	tbl := NewTable()
	b := newEchoBinary()

	_, err := tbl.Load("echo.v1", []string{"--mode=upper"}, b)
	require.NoError(t, err)

	e, err := tbl.Get("echo.v1")
	require.NoError(t, err)
	assert.Same(t, b, e.Binary)
	assert.Equal(t, []string{"--mode=upper"}, e.Argv)

	_, err = tbl.Load("echo.v1", nil, b)
	assert.Error(t, err)

	_, err = tbl.Get("missing")
	assert.Error(t, err)
}
