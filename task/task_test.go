package task

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/servlet"
)

type ctx struct {
	pdt   *servlet.PDT
	pipes []*pipe.Handle
}

func (c *ctx) SetPDT(p *servlet.PDT)     { c.pdt = p }
func (c *ctx) SetPipes(p []*pipe.Handle) { c.pipes = p }

func newEntry(t *testing.T, async bool) *servlet.Entry {
	bin := &servlet.Binary{
		NewContext: func() interface{} { return &ctx{} },
	}
	bin.Init = func(c interface{}) error {
		cc := c.(*ctx)
		_, err := cc.pdt.Define("in", pipe.In, "bytes", -1)
		return err
	}
	execCalled := false
	bin.Exec = func(interface{}) error { execCalled = true; return nil }
	_ = execCalled

	if async {
		bin.AsyncBufSize = 8
		bin.AsyncSetup = func(interface{}) error { return nil }
		bin.AsyncExec = func(interface{}) error { return nil }
		bin.AsyncCleanup = func(interface{}) error { return nil }
	}

	_, err := bin.EnsurePDT(bin.NewContext())
	require.NoError(t, err)

	tbl := servlet.NewTable()
	e, err := tbl.Load("test.servlet", nil, bin)
	require.NoError(t, err)
	return e
}

func TestNewExecTaskIsPooled(t *testing.T) {
	e := newEntry(t, false)
	tsk, err := New(e, ActionExec)
	require.NoError(t, err)
	assert.Len(t, tsk.Pipes, 1)

	require.NoError(t, tsk.Start())
	require.NoError(t, tsk.Free())
}

func TestStartTwiceFails(t *testing.T) {
	e := newEntry(t, false)
	tsk, err := New(e, ActionExec)
	require.NoError(t, err)
	require.NoError(t, tsk.Start())
	assert.Error(t, tsk.Start())
}

func TestNewRejectsMultipleActions(t *testing.T) {
	e := newEntry(t, false)
	_, err := New(e, ActionExec|ActionInit)
	assert.Error(t, err)
}

func TestAsyncCompanionsLifecycle(t *testing.T) {
	e := newEntry(t, true)
	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	require.NoError(t, init.Start())

	exec, cleanup, err := AsyncCompanions(init)
	require.NoError(t, err)
	require.Same(t, init.Async(), exec.Async())
	require.Same(t, init.Async(), cleanup.Async())

	assert.Equal(t, StateInit, init.Async().State())
	require.NoError(t, init.Async().Advance(StateExec))
	require.NoError(t, exec.Start())
	require.NoError(t, init.Async().Advance(StateDone))
	require.NoError(t, cleanup.Start())

	require.NoError(t, exec.Free())
	require.NoError(t, init.Free())
}

// TestAsyncCompanionsWithholdsPipesFromExec verifies exec is never handed
// the pipe slots — only cleanup gets them, for release on its Free.
func TestAsyncCompanionsWithholdsPipesFromExec(t *testing.T) {
	e := newEntry(t, true)
	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	init.Pipes[0] = &pipe.Handle{Flags: pipe.Flags{Direction: pipe.In}}
	require.NoError(t, init.Start())

	exec, cleanup, err := AsyncCompanions(init)
	require.NoError(t, err)

	assert.Empty(t, exec.Pipes)
	assert.Equal(t, init.Pipes, cleanup.Pipes)
}

func TestAsyncHandleRejectsOutOfOrderTransition(t *testing.T) {
	e := newEntry(t, true)
	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	require.NoError(t, init.Start())

	_, _, err = AsyncCompanions(init)
	require.NoError(t, err)

	assert.Error(t, init.Async().Advance(StateDone))
}

func TestAsyncCompanionsRejectNonAsyncServlet(t *testing.T) {
	e := newEntry(t, false)
	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	require.NoError(t, init.Start())

	_, _, err = AsyncCompanions(init)
	assert.Error(t, err)
}

func TestStartFailurePropagatesToAsyncStatus(t *testing.T) {
	bin := &servlet.Binary{
		NewContext:   func() interface{} { return &ctx{} },
		AsyncBufSize: 4,
	}
	bin.Init = func(interface{}) error { return nil }
	bin.AsyncSetup = func(interface{}) error { return errors.New("setup failed") }
	_, err := bin.EnsurePDT(bin.NewContext())
	require.NoError(t, err)

	tbl := servlet.NewTable()
	e, err := tbl.Load("failing.servlet", nil, bin)
	require.NoError(t, err)

	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	err = init.Start()
	assert.Error(t, err)
}

// TestOnlyOneAsyncPhaseActiveAtATime covers the testable property: at
// most one of {async_setup, async_exec, async_cleanup} executes for a
// given async handle at a time. The handle's Advance forms a strict
// Init -> Exec -> Done sequence guarded by a single mutex, so concurrent
// attempts to advance past the current state never both succeed.
func TestOnlyOneAsyncPhaseActiveAtATime(t *testing.T) {
	e := newEntry(t, true)
	init, err := New(e, ActionInit|ActionAsync)
	require.NoError(t, err)
	require.NoError(t, init.Start())
	_, _, err = AsyncCompanions(init)
	require.NoError(t, err)
	h := init.Async()

	var wg sync.WaitGroup
	const n = 16
	results := make(chan error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			results <- h.Advance(StateExec)
		}()
	}
	wg.Wait()
	close(results)

	var successes int
	for err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
	assert.Equal(t, StateExec, h.State())
}

// TestExecTaskContextSeesBoundPipes verifies a servlet context that
// implements SetPipes observes the task's pipe slots, including a slot
// filled in after New returns (since both reference the same backing
// array).
func TestExecTaskContextSeesBoundPipes(t *testing.T) {
	e := newEntry(t, false)
	tsk, err := New(e, ActionExec)
	require.NoError(t, err)

	c := tsk.Ctx.(*ctx)
	require.Len(t, c.pipes, 1)
	assert.Same(t, c.pipes[0], tsk.Pipes[0])

	h := &pipe.Handle{Flags: pipe.Flags{Direction: pipe.In}}
	tsk.Pipes[0] = h
	assert.Same(t, h, c.pipes[0])
}
