package graph

import (
	"time"

	"github.com/couchbase/ghistogram"
)

// Profiler accumulates per-node execution-time histograms, grounded on
// original_source/include/sched/service.h's
// sched_service_profiler_timer_start/stop/flush triplet.
type Profiler struct {
	hist []*ghistogram.Histogram
	open []time.Time
}

func newProfiler(numNodes int) *Profiler {
	p := &Profiler{
		hist: make([]*ghistogram.Histogram, numNodes),
		open: make([]time.Time, numNodes),
	}
	for i := range p.hist {
		p.hist[i] = ghistogram.NewHistogram(32, 10, "")
	}
	return p
}

// Start marks the beginning of a node's execution window.
func (p *Profiler) Start(n NodeID) {
	p.open[n] = time.Now()
}

// Stop closes the execution window opened by Start and records its
// duration, in microseconds, into the node's histogram.
func (p *Profiler) Stop(n NodeID) {
	if p.open[n].IsZero() {
		return
	}
	d := time.Since(p.open[n])
	p.hist[n].Add(uint64(d.Microseconds()), 1)
	p.open[n] = time.Time{}
}

// Flush returns a human-readable dump of every node's histogram, keyed by
// node id order.
func (p *Profiler) Flush() []string {
	out := make([]string, len(p.hist))
	for i, h := range p.hist {
		out[i] = h.String()
	}
	return out
}
