// Package sched implements the scheduler loop and async task processor:
// one dispatcher goroutine draining the event queue and round-robining
// work to N worker goroutines, plus M async-processor goroutines draining
// per-bucket mutex/cond FIFOs (Options.AsyncBuckets of them, so a single
// FIFO only when there is one bucket) for servlets with an async phase.
// Grounded on the teacher's context.go scale()/addChild() goroutine-pool
// pattern, generalized into the three distinct pools named in spec.md
// §4.7-4.9; each bucket's FIFO-plus-mutex/cond shape is carried forward
// from original_source/src/sched/async.c's documented rationale (not its
// code, which is C).
package sched

import (
	"sync"
	"time"

	jump "github.com/dgryski/go-jump"

	"github.com/brunotm/plumber/equeue"
	"github.com/brunotm/plumber/graph"
	"github.com/brunotm/plumber/internal/plog"
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
	"github.com/brunotm/plumber/servlet"
	"github.com/brunotm/plumber/task"
)

// ShutdownToken is a cooperative, broadcast-once shutdown signal: every
// goroutine that blocks waiting for work also selects on Done(), so a
// single Kill unblocks the whole scheduler without a kill-per-goroutine
// fan-out.
type ShutdownToken struct {
	once sync.Once
	done chan struct{}
}

// NewShutdownToken creates a token in the not-yet-killed state.
func NewShutdownToken() *ShutdownToken {
	return &ShutdownToken{done: make(chan struct{})}
}

// Kill signals shutdown. Safe to call more than once or concurrently.
func (s *ShutdownToken) Kill() { s.once.Do(func() { close(s.done) }) }

// Done returns the channel that closes when Kill has been called.
func (s *ShutdownToken) Done() <-chan struct{} { return s.done }

// Killed reports whether Kill has already run.
func (s *ShutdownToken) Killed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Job is one unit of scheduled work: run task against the graph node it
// was created for.
type Job struct {
	Node graph.NodeID
	Task *task.Task
}

// IOHandles carries a pair of pipe handles produced externally (typically
// by an accept-capable I/O module) into the scheduler, to be bound onto
// the entry task's matching-direction pipe slots before it runs. Only the
// task created for the node named in Submit receives this binding (the
// http module submits the graph's designated input node) — propagating
// handles across downstream nodes in a multi-hop
// service is a servlet Exec's own responsibility, not the dispatcher's.
type IOHandles struct {
	In  *pipe.Handle
	Out *pipe.Handle
}

// bindIOHandles assigns io's handles onto t's pipe slots by matching
// direction against entry's PDT, filling the first unbound input slot
// with In and the first unbound output slot with Out.
func bindIOHandles(t *task.Task, entry *servlet.Entry, io IOHandles) {
	pdt := entry.Binary.PDT()
	if pdt == nil {
		return
	}
	inDone, outDone := io.In == nil, io.Out == nil
	for i := 0; i < pdt.Len() && i < len(t.Pipes); i++ {
		slot, ok := pdt.Slot(i)
		if !ok || t.Pipes[i] != nil {
			continue
		}
		switch slot.Direction {
		case pipe.In:
			if !inDone {
				t.Pipes[i] = io.In
				inDone = true
			}
		case pipe.Out:
			if !outDone {
				t.Pipes[i] = io.Out
				outDone = true
			}
		}
	}
}

// Options configures a Scheduler's pool sizes.
type Options struct {
	Workers      int
	AsyncWorkers int
	QueueCap     int
	AsyncBuckets int
}

func (o Options) normalized() Options {
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.AsyncWorkers <= 0 {
		o.AsyncWorkers = 1
	}
	if o.QueueCap <= 0 {
		o.QueueCap = 64
	}
	if o.AsyncBuckets <= 0 {
		o.AsyncBuckets = 1
	}
	return o
}

// asyncJob is one pending async companion execution: exec, then once
// complete, cleanup, with the originating node recorded for the
// completion event.
type asyncJob struct {
	node    graph.NodeID
	init    *task.Task
	exec    *task.Task
	cleanup *task.Task
	handle  *task.AsyncHandle
}

// asyncBucket is one single-FIFO-plus-mutex/cond async work queue.
// Buckets give a servlet's async work a stable worker affinity (picked
// by jump-hashing the node id) without requiring one goroutine per node.
// A single background waker, started once per bucket, periodically
// broadcasts so pop() can re-check shutdown without a dedicated watcher
// goroutine per call.
type asyncBucket struct {
	mu        sync.Mutex
	cond      *sync.Cond
	items     []*asyncJob
	wakerOnce sync.Once
}

func newAsyncBucket() *asyncBucket {
	b := &asyncBucket{}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// startWaker launches the bucket's single liveness ticker; it exits when
// shutdown fires. Safe to call more than once, runs only the first time.
func (b *asyncBucket) startWaker(shutdown *ShutdownToken) {
	b.wakerOnce.Do(func() {
		go func() {
			t := time.NewTicker(time.Second)
			defer t.Stop()
			for {
				select {
				case <-t.C:
					b.mu.Lock()
					b.cond.Broadcast()
					b.mu.Unlock()
				case <-shutdown.Done():
					b.mu.Lock()
					b.cond.Broadcast()
					b.mu.Unlock()
					return
				}
			}
		}()
	})
}

func (b *asyncBucket) push(j *asyncJob) {
	b.mu.Lock()
	b.items = append(b.items, j)
	b.cond.Signal()
	b.mu.Unlock()
}

// pop blocks until an item is available or shutdown is signaled.
func (b *asyncBucket) pop(shutdown *ShutdownToken) *asyncJob {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.items) == 0 && !shutdown.Killed() {
		b.cond.Wait()
	}
	if len(b.items) == 0 {
		return nil
	}
	j := b.items[0]
	b.items = b.items[1:]
	return j
}

// Scheduler ties the event queue, the service graph and the task/async
// machinery together: a dispatcher reads events off the queue and
// routes exec jobs to a fixed worker pool, and a fixed async-processor
// pool drains per-bucket async work independently.
type Scheduler struct {
	g    *graph.Graph
	q    *equeue.Queue
	sch  equeue.Token
	opts Options

	workers []chan Job
	buckets []*asyncBucket

	shutdown *ShutdownToken
	wg       sync.WaitGroup
	log      plog.Logger

	rr uint64
	mu sync.Mutex
}

// New builds a Scheduler over g, consuming events from q via a freshly
// claimed scheduler token.
func New(g *graph.Graph, q *equeue.Queue, opts Options) (*Scheduler, error) {
	if g == nil || q == nil {
		return nil, pipeerr.New(pipeerr.Argument, "nil graph or queue")
	}
	opts = opts.normalized()

	tok, err := q.SchedulerToken()
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		g:        g,
		q:        q,
		sch:      tok,
		opts:     opts,
		shutdown: NewShutdownToken(),
		log:      plog.New("component", "sched"),
	}

	s.workers = make([]chan Job, opts.Workers)
	for i := range s.workers {
		s.workers[i] = make(chan Job, opts.QueueCap)
	}
	s.buckets = make([]*asyncBucket, opts.AsyncBuckets)
	for i := range s.buckets {
		s.buckets[i] = newAsyncBucket()
	}
	return s, nil
}

// Start launches the dispatcher, the worker pool and the async-processor
// pool. It returns immediately; call Stop to shut down.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.dispatchLoop()

	for i := range s.workers {
		s.wg.Add(1)
		go s.workerLoop(i)
	}

	workersPerBucket := s.opts.AsyncWorkers / len(s.buckets)
	if workersPerBucket < 1 {
		workersPerBucket = 1
	}
	for bi := range s.buckets {
		s.buckets[bi].startWaker(s.shutdown)
		for j := 0; j < workersPerBucket; j++ {
			s.wg.Add(1)
			go s.asyncLoop(s.buckets[bi])
		}
	}
}

// Stop signals shutdown and waits for every pool goroutine to exit.
func (s *Scheduler) Stop() {
	s.shutdown.Kill()
	s.q.Kill()
	s.wg.Wait()
}

// Submit enqueues node n for execution as an IO event carrying in. When
// in is an IOHandles, its handles are bound onto the dispatched task's
// pipe slots (see bindIOHandles); any other value is carried on the
// event but not handed to the task.
func (s *Scheduler) Submit(n graph.NodeID, in interface{}) error {
	prod, err := s.q.ModuleToken(int(n), equeue.EventIO)
	if err != nil {
		return err
	}
	return s.q.Put(prod, equeue.Event{Type: equeue.EventIO, In: in, Out: n})
}

func (s *Scheduler) dispatchLoop() {
	defer s.wg.Done()

	var mask equeue.Mask
	mask.Add(equeue.EventIO)
	mask.Add(equeue.EventAsyncCompletion)

	for {
		if s.shutdown.Killed() {
			return
		}
		if err := s.q.Wait(s.sch); err != nil {
			return
		}

		for {
			ev, ok, err := s.q.Take(s.sch, mask)
			if err != nil || !ok {
				break
			}
			s.dispatch(ev)
		}
	}
}

func (s *Scheduler) dispatch(ev equeue.Event) {
	node, _ := ev.Out.(graph.NodeID)

	switch ev.Type {
	case equeue.EventIO:
		tsk, err := s.g.CreateTask(node)
		if err != nil {
			s.log.Errorw("cannot create task", "node", node, "error", err)
			return
		}
		if io, ok := ev.In.(IOHandles); ok {
			bindIOHandles(tsk, tsk.Entry, io)
		}
		s.routeExec(Job{Node: node, Task: tsk})

	case equeue.EventAsyncCompletion:
		j, _ := ev.In.(*asyncJob)
		if j == nil {
			return
		}
		s.completeAsync(j)
	}
}

func (s *Scheduler) routeExec(job Job) {
	n := s.nextRoundRobin()
	for i := 0; i < len(s.workers); i++ {
		select {
		case s.workers[(n+i)%len(s.workers)] <- job:
			return
		default:
		}
	}
	select {
	case s.workers[n] <- job:
	case <-s.shutdown.Done():
	}
}

func (s *Scheduler) nextRoundRobin() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := int(s.rr % uint64(len(s.workers)))
	s.rr++
	return n
}

func (s *Scheduler) workerLoop(idx int) {
	defer s.wg.Done()
	ch := s.workers[idx]
	for {
		select {
		case job := <-ch:
			s.runJob(job)
		case <-s.shutdown.Done():
			return
		}
	}
}

func (s *Scheduler) runJob(job Job) {
	prof := s.g.Profiler()
	if prof != nil {
		prof.Start(job.Node)
		defer prof.Stop(job.Node)
	}

	if job.Task.Entry.Binary.IsAsync() {
		s.beginAsync(job)
		return
	}

	if err := job.Task.Start(); err != nil {
		s.log.Warnw("task failed", "node", job.Node, "error", err)
	}
	if err := job.Task.Free(); err != nil {
		s.log.Warnw("task free failed", "node", job.Node, "error", err)
	}
}

// beginAsync runs a servlet's synchronous init/async_setup phase inline,
// then queues the async_exec phase onto this node's async bucket. The
// plain exec task dispatch created it is never started for an async
// servlet; its pipe slots, including any externally bound I/O handles,
// are transplanted onto the init task first (init's own context already
// observes its own pipe slice via SetPipes, so the copy is element-wise
// rather than a slice-header swap), since only the init/exec/cleanup
// group must ever touch them from here on. initTask is freed once its
// companions exist, releasing its own bookkeeping only — ReleaseOwnership
// hands the real pipes and async buffer forward to cleanup.
func (s *Scheduler) beginAsync(job Job) {
	initTask, err := task.New(job.Task.Entry, task.ActionInit|task.ActionAsync)
	if err != nil {
		s.log.Errorw("cannot create async init task", "node", job.Node, "error", err)
		_ = job.Task.Free()
		return
	}

	copy(initTask.Pipes, job.Task.Pipes)
	for i := range job.Task.Pipes {
		job.Task.Pipes[i] = nil
	}
	if err := job.Task.Free(); err != nil {
		s.log.Warnw("cannot free discarded exec task", "node", job.Node, "error", err)
	}

	if err := initTask.Start(); err != nil {
		s.log.Warnw("async setup failed", "node", job.Node, "error", err)
		_ = initTask.Free()
		return
	}

	execTask, cleanupTask, err := task.AsyncCompanions(initTask)
	if err != nil {
		s.log.Errorw("cannot create async companions", "node", job.Node, "error", err)
		_ = initTask.Free()
		return
	}

	initTask.ReleaseOwnership()
	if err := initTask.Free(); err != nil {
		s.log.Warnw("cannot free async init task", "node", job.Node, "error", err)
	}

	handle := execTask.Async()
	if err := handle.Advance(task.StateExec); err != nil {
		s.log.Errorw("cannot advance async handle to exec", "node", job.Node, "error", err)
		return
	}

	aj := &asyncJob{node: job.Node, init: initTask, exec: execTask, cleanup: cleanupTask, handle: handle}
	s.bucketFor(job.Node).push(aj)
}

func (s *Scheduler) bucketFor(n graph.NodeID) *asyncBucket {
	idx := jump.Hash(uint64(n), int32(len(s.buckets)))
	return s.buckets[idx]
}

func (s *Scheduler) asyncLoop(b *asyncBucket) {
	defer s.wg.Done()
	for {
		if s.shutdown.Killed() {
			return
		}
		j := b.pop(s.shutdown)
		if j == nil {
			continue
		}

		if err := j.exec.Start(); err != nil {
			s.log.Warnw("async exec failed", "node", j.node, "error", err)
		}
		if err := j.handle.Advance(task.StateDone); err != nil {
			s.log.Errorw("cannot advance async handle to done", "node", j.node, "error", err)
		}

		prod, err := s.q.ModuleToken(int(j.node), equeue.EventAsyncCompletion)
		if err != nil {
			continue
		}
		_ = s.q.Put(prod, equeue.Event{Type: equeue.EventAsyncCompletion, In: j, Out: j.node})
	}
}

// completeAsync runs the servlet's async_cleanup phase, finishing the
// async lifecycle started in beginAsync. init was already freed there
// once its companions existed; cleanup now holds the group's real pipes
// and async buffer, so its own Free is what finally releases them.
func (s *Scheduler) completeAsync(j *asyncJob) {
	if err := j.cleanup.Start(); err != nil {
		s.log.Warnw("async cleanup failed", "node", j.node, "error", err)
	}
	if err := j.cleanup.Free(); err != nil {
		s.log.Warnw("async cleanup free failed", "node", j.node, "error", err)
	}
}
