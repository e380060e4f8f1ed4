package equeue

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerTokenIsExclusive(t *testing.T) {
	q := New(4)
	defer q.Kill()

	_, err := q.SchedulerToken()
	require.NoError(t, err)

	_, err = q.SchedulerToken()
	assert.Error(t, err)
}

func TestPutRequiresProducerToken(t *testing.T) {
	q := New(4)
	defer q.Kill()

	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	err = q.Put(sched, Event{Type: EventIO})
	assert.Error(t, err)
}

func TestTakeRequiresSchedulerToken(t *testing.T) {
	q := New(4)
	defer q.Kill()

	prod, err := q.ModuleToken(1, EventIO)
	require.NoError(t, err)

	_, _, err = q.Take(prod, Mask(EventIO))
	assert.Error(t, err)
}

func TestPutTakeRoundTrip(t *testing.T) {
	q := New(4)
	defer q.Kill()

	prod, err := q.ModuleToken(1, EventIO)
	require.NoError(t, err)
	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	assert.True(t, q.Empty(sched))
	require.NoError(t, q.Put(prod, Event{Type: EventIO, In: 7, Out: 7}))
	assert.False(t, q.Empty(sched))

	var mask Mask
	mask.Add(EventIO)
	ev, ok, err := q.Take(sched, mask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 7, ev.In)
	assert.True(t, q.Empty(sched))
}

func TestTakeFiltersByMask(t *testing.T) {
	q := New(4)
	defer q.Kill()

	prod, err := q.ModuleToken(1, EventTimer)
	require.NoError(t, err)
	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	require.NoError(t, q.Put(prod, Event{Type: EventTimer, In: 1}))

	var ioMask Mask
	ioMask.Add(EventIO)
	_, ok, err := q.Take(sched, ioMask)
	require.NoError(t, err)
	assert.False(t, ok, "a timer event must not match an io-only mask")

	var timerMask Mask
	timerMask.Add(EventTimer)
	ev, ok, err := q.Take(sched, timerMask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, ev.In)
}

func TestTakePreservesOrderOfSkippedEvents(t *testing.T) {
	q := New(8)
	defer q.Kill()

	prod, err := q.ModuleToken(1, EventIO)
	require.NoError(t, err)
	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	require.NoError(t, q.Put(prod, Event{Type: EventTimer, In: "t1"}))
	require.NoError(t, q.Put(prod, Event{Type: EventIO, In: "io1"}))
	require.NoError(t, q.Put(prod, Event{Type: EventTimer, In: "t2"}))
	require.NoError(t, q.Put(prod, Event{Type: EventIO, In: "io2"}))

	var ioMask Mask
	ioMask.Add(EventIO)
	ev, ok, err := q.Take(sched, ioMask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "io1", ev.In)

	var timerMask Mask
	timerMask.Add(EventTimer)
	ev, ok, err = q.Take(sched, timerMask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t1", ev.In)

	ev, ok, err = q.Take(sched, timerMask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "t2", ev.In)

	ev, ok, err = q.Take(sched, ioMask)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "io2", ev.In)
}

// TestConcurrentProducersExactlyOnceDelivery mirrors
// original_source/test/itc/test_equeue.c's full_test: 64 producers each
// put 1000 distinct-tagged events; the single consumer must observe each
// tag exactly once.
func TestConcurrentProducersExactlyOnceDelivery(t *testing.T) {
	const producers = 64
	const perProducer = 1000

	q := New(64)
	defer q.Kill()

	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(producers)
	for p := 0; p < producers; p++ {
		go func(p int) {
			defer wg.Done()
			tok, err := q.ModuleToken(p, EventIO)
			if err != nil {
				return
			}
			for i := 0; i < perProducer; i++ {
				tag := p*perProducer + i + 1
				q.Put(tok, Event{Type: EventIO, In: tag, Out: tag})
			}
		}(p)
	}

	seen := make(map[int]bool, producers*perProducer)
	var mask Mask
	mask.Add(EventIO)
	for len(seen) < producers*perProducer {
		require.NoError(t, q.Wait(sched))
		for {
			ev, ok, err := q.Take(sched, mask)
			require.NoError(t, err)
			if !ok {
				break
			}
			tag := ev.In.(int)
			assert.False(t, seen[tag], "duplicate delivery of tag %d", tag)
			seen[tag] = true
		}
	}
	wg.Wait()
	assert.Len(t, seen, producers*perProducer)
}

func TestKillUnblocksWaitAndPut(t *testing.T) {
	q := New(1)
	sched, err := q.SchedulerToken()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- q.Wait(sched) }()

	q.Kill()
	err = <-done
	assert.Error(t, err)

	prod, err := q.ModuleToken(1, EventIO)
	require.NoError(t, err)
	err = q.Put(prod, Event{Type: EventIO})
	assert.Error(t, err)
}
