package sched

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brunotm/plumber/equeue"
	"github.com/brunotm/plumber/graph"
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/servlet"
)

func TestShutdownTokenIdempotentAndBroadcast(t *testing.T) {
	tok := NewShutdownToken()
	assert.False(t, tok.Killed())

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		<-tok.Done()
	}()

	tok.Kill()
	tok.Kill() // second call must not panic
	wg.Wait()
	assert.True(t, tok.Killed())
}

type fakeCtx struct {
	pdt   *servlet.PDT
	pipes []*pipe.Handle
}

func (c *fakeCtx) SetPDT(p *servlet.PDT)     { c.pdt = p }
func (c *fakeCtx) SetPipes(p []*pipe.Handle) { c.pipes = p }

// noopIO is a pipe module whose handles carry no real I/O, for tests that
// only care about handle identity surviving the async dispatch path.
type noopIO struct{}

func (noopIO) Path() string                               { return "test.noopio" }
func (noopIO) Read(*pipe.Handle, []byte) (int, bool, error) { return 0, true, nil }
func (noopIO) Write(*pipe.Handle, []byte) (int, error)      { return 0, nil }
func (noopIO) Deallocate(*pipe.Handle) error                { return nil }

// syncBinary is a single in/out synchronous servlet: exec records that it
// ran on the passed-in counter.
func syncBinary(counter *int64) *servlet.Binary {
	b := &servlet.Binary{NewContext: func() interface{} { return &fakeCtx{} }}
	b.Init = func(ctx interface{}) error {
		c := ctx.(*fakeCtx)
		if _, err := c.pdt.Define("in", pipe.In, "bytes", -1); err != nil {
			return err
		}
		_, err := c.pdt.Define("out", pipe.Out, "bytes", -1)
		return err
	}
	b.Exec = func(ctx interface{}) error {
		atomic.AddInt64(counter, 1)
		return nil
	}
	return b
}

// asyncBinary is a single in/out servlet whose work happens entirely in
// its async phase: async_setup records the setup ran, async_exec records
// the exec ran and signals done, async_cleanup records the cleanup ran.
func asyncBinary(setupN, execN, cleanupN *int64) *servlet.Binary {
	b := &servlet.Binary{NewContext: func() interface{} { return &fakeCtx{} }}
	b.Init = func(ctx interface{}) error {
		c := ctx.(*fakeCtx)
		if _, err := c.pdt.Define("in", pipe.In, "bytes", -1); err != nil {
			return err
		}
		_, err := c.pdt.Define("out", pipe.Out, "bytes", -1)
		return err
	}
	b.AsyncSetup = func(ctx interface{}) error {
		atomic.AddInt64(setupN, 1)
		return nil
	}
	b.AsyncExec = func(ctx interface{}) error {
		atomic.AddInt64(execN, 1)
		return nil
	}
	b.AsyncCleanup = func(ctx interface{}) error {
		atomic.AddInt64(cleanupN, 1)
		return nil
	}
	return b
}

func loadServlet(t *testing.T, tbl *servlet.Table, path string, bin *servlet.Binary) {
	t.Helper()
	_, err := bin.EnsurePDT(bin.NewContext())
	require.NoError(t, err)
	_, err = tbl.Load(path, nil, bin)
	require.NoError(t, err)
}

// singleNodeGraph builds a one-node graph whose single node is both the
// service's input and output, wired against bin under path.
func singleNodeGraph(t *testing.T, path string, bin *servlet.Binary) *graph.Graph {
	t.Helper()
	tbl := servlet.NewTable()
	loadServlet(t, tbl, path, bin)

	buf := graph.NewBuffer()
	id, err := buf.AddNode(path, nil)
	require.NoError(t, err)

	inID, ok := bin.PDT().ByName("in")
	require.True(t, ok)
	outID, ok := bin.PDT().ByName("out")
	require.True(t, ok)

	require.NoError(t, buf.SetInput(id, inID))
	require.NoError(t, buf.SetOutput(id, outID))

	g, err := graph.FromBuffer(buf, tbl)
	require.NoError(t, err)
	return g
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	require.Fail(t, "condition not met before deadline")
}

func TestSchedulerRunsSyncTask(t *testing.T) {
	var ran int64
	g := singleNodeGraph(t, "A", syncBinary(&ran))

	q := equeue.New(8)
	defer q.Kill()

	s, err := New(g, q, Options{Workers: 2, AsyncWorkers: 1, QueueCap: 8, AsyncBuckets: 1})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Submit(0, []byte("hello")))

	waitFor(t, func() bool { return atomic.LoadInt64(&ran) == 1 })
}

func TestSchedulerRunsAsyncTaskThroughFullLifecycle(t *testing.T) {
	var setupN, execN, cleanupN int64
	g := singleNodeGraph(t, "A", asyncBinary(&setupN, &execN, &cleanupN))

	q := equeue.New(8)
	defer q.Kill()

	s, err := New(g, q, Options{Workers: 1, AsyncWorkers: 2, QueueCap: 8, AsyncBuckets: 2})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	require.NoError(t, s.Submit(0, []byte("hello")))

	waitFor(t, func() bool { return atomic.LoadInt64(&cleanupN) == 1 })
	assert.EqualValues(t, 1, atomic.LoadInt64(&setupN))
	assert.EqualValues(t, 1, atomic.LoadInt64(&execN))
	assert.EqualValues(t, 1, atomic.LoadInt64(&cleanupN))
}

// TestBeginAsyncCarriesBoundPipesIntoCompanions guards the beginAsync pipe
// transplant: the real handle bound onto the dispatch-created exec task by
// bindIOHandles must still be the one async_exec and async_cleanup observe,
// not a fresh nil slot from the newly allocated init task.
func TestBeginAsyncCarriesBoundPipesIntoCompanions(t *testing.T) {
	var mu sync.Mutex
	var seenInExec, seenInCleanup *pipe.Handle

	b := &servlet.Binary{NewContext: func() interface{} { return &fakeCtx{} }}
	b.Init = func(ctx interface{}) error {
		c := ctx.(*fakeCtx)
		if _, err := c.pdt.Define("in", pipe.In, "bytes", -1); err != nil {
			return err
		}
		_, err := c.pdt.Define("out", pipe.Out, "bytes", -1)
		return err
	}
	b.AsyncSetup = func(interface{}) error { return nil }
	b.AsyncExec = func(ctx interface{}) error {
		mu.Lock()
		seenInExec = ctx.(*fakeCtx).pipes[0]
		mu.Unlock()
		return nil
	}
	b.AsyncCleanup = func(ctx interface{}) error {
		mu.Lock()
		seenInCleanup = ctx.(*fakeCtx).pipes[0]
		mu.Unlock()
		return nil
	}
	g := singleNodeGraph(t, "A", b)

	q := equeue.New(8)
	defer q.Kill()

	s, err := New(g, q, Options{Workers: 1, AsyncWorkers: 1, QueueCap: 8, AsyncBuckets: 1})
	require.NoError(t, err)
	s.Start()
	defer s.Stop()

	var io noopIO
	in := pipe.New(io, pipe.Flags{Direction: pipe.In}, nil)
	out := pipe.New(io, pipe.Flags{Direction: pipe.Out}, nil)

	node, _ := g.InputEndpoint()
	require.NoError(t, s.Submit(node, IOHandles{In: in, Out: out}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return seenInCleanup != nil
	})
	mu.Lock()
	defer mu.Unlock()
	assert.Same(t, in, seenInExec)
	assert.Same(t, in, seenInCleanup)
}

func TestSchedulerStopDrainsWorkers(t *testing.T) {
	var ran int64
	g := singleNodeGraph(t, "A", syncBinary(&ran))

	q := equeue.New(8)
	s, err := New(g, q, Options{Workers: 1, AsyncWorkers: 1, QueueCap: 8, AsyncBuckets: 1})
	require.NoError(t, err)
	s.Start()

	require.NoError(t, s.Submit(0, []byte("x")))
	waitFor(t, func() bool { return atomic.LoadInt64(&ran) == 1 })

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
}

func TestBucketForIsStableForSameNode(t *testing.T) {
	s := &Scheduler{buckets: make([]*asyncBucket, 4)}
	for i := range s.buckets {
		s.buckets[i] = newAsyncBucket()
	}

	first := s.bucketFor(graph.NodeID(7))
	for i := 0; i < 10; i++ {
		assert.Same(t, first, s.bucketFor(graph.NodeID(7)))
	}
}

func TestNewRejectsNilGraphOrQueue(t *testing.T) {
	q := equeue.New(4)
	defer q.Kill()

	_, err := New(nil, q, Options{})
	assert.Error(t, err)

	_, err = New(&graph.Graph{}, nil, Options{})
	assert.Error(t, err)
}

func TestNewClaimsSchedulerTokenExactlyOnce(t *testing.T) {
	var ran int64
	g := singleNodeGraph(t, "A", syncBinary(&ran))
	q := equeue.New(4)
	defer q.Kill()

	_, err := New(g, q, Options{})
	require.NoError(t, err)

	// the queue's single scheduler token is now held by s; a second
	// claim attempt must fail.
	_, err = q.SchedulerToken()
	assert.Error(t, err)
}
