// Package graph implements the service graph: a validated DAG of servlet
// nodes connected by typed pipe edges, with topological scheduling order,
// type unification, critical-node (cancellation boundary) analysis and
// binary serialization. Grounded on the teacher's topology.go
// (addNode/clone map to Buffer.AddNode/Buffer.Clone; its validate/walk
// steps are folded into FromBuffer), extended with the cycle/type/
// critical-node checks and binary dump format named in
// original_source/include/sched/service.h.
package graph

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/brunotm/plumber/internal/plog"
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
	"github.com/brunotm/plumber/servlet"
	"github.com/brunotm/plumber/task"
)

// NodeID identifies a node within one graph. Ids are dense and assigned
// in AddNode call order.
type NodeID uint32

// PipeEdge connects one node's output pipe slot to another node's input
// pipe slot.
type PipeEdge struct {
	SourceNode NodeID
	SourcePipe int
	DestNode   NodeID
	DestPipe   int
}

// PipeTarget names one (node, pipe) endpoint, used for critical-node
// destinations and input/output endpoints.
type PipeTarget struct {
	Node NodeID
	Pipe int
}

type bufNode struct {
	servletPath string
	argv        []string
}

// Buffer is the mutable service-graph builder. Nothing is validated until
// FromBuffer finalises it.
type Buffer struct {
	nodes       []bufNode
	edges       []PipeEdge
	hasInput    bool
	inputNode   NodeID
	inputPipe   int
	hasOutput   bool
	outputNode  NodeID
	outputPipe  int
	allowReuse  bool
}

// NewBuffer creates an empty service graph buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// AllowReuseServlet disables the "one service per servlet instance" rule.
// Testing only.
func (b *Buffer) AllowReuseServlet() {
	b.allowReuse = true
}

// AddNode registers a node bound to servletPath with the given init argv,
// returning its node id.
func (b *Buffer) AddNode(servletPath string, argv []string) (NodeID, error) {
	if servletPath == "" {
		return 0, pipeerr.New(pipeerr.Argument, "empty servlet path")
	}
	id := NodeID(len(b.nodes))
	b.nodes = append(b.nodes, bufNode{servletPath: servletPath, argv: append([]string(nil), argv...)})
	return id, nil
}

// AddPipe adds an edge between two nodes' pipe slots.
func (b *Buffer) AddPipe(edge PipeEdge) error {
	if int(edge.SourceNode) >= len(b.nodes) || int(edge.DestNode) >= len(b.nodes) {
		return pipeerr.New(pipeerr.Argument, "edge references unknown node")
	}
	b.edges = append(b.edges, edge)
	return nil
}

// SetInput designates the graph's external input endpoint.
func (b *Buffer) SetInput(node NodeID, pipeID int) error {
	if int(node) >= len(b.nodes) {
		return pipeerr.New(pipeerr.Argument, "unknown input node")
	}
	b.hasInput = true
	b.inputNode, b.inputPipe = node, pipeID
	return nil
}

// SetOutput designates the graph's external output endpoint.
func (b *Buffer) SetOutput(node NodeID, pipeID int) error {
	if int(node) >= len(b.nodes) {
		return pipeerr.New(pipeerr.Argument, "unknown output node")
	}
	b.hasOutput = true
	b.outputNode, b.outputPipe = node, pipeID
	return nil
}

// Clone produces an independent copy of the buffer's construction state.
func (b *Buffer) Clone() *Buffer {
	c := &Buffer{
		edges:      append([]PipeEdge(nil), b.edges...),
		hasInput:   b.hasInput,
		inputNode:  b.inputNode,
		inputPipe:  b.inputPipe,
		hasOutput:  b.hasOutput,
		outputNode: b.outputNode,
		outputPipe: b.outputPipe,
		allowReuse: b.allowReuse,
	}
	for _, n := range b.nodes {
		c.nodes = append(c.nodes, bufNode{servletPath: n.servletPath, argv: append([]string(nil), n.argv...)})
	}
	return c
}

// node is a finalized graph node.
type node struct {
	servletPath string
	argv        []string
	entry       *servlet.Entry
	out         []PipeEdge
	in          []PipeEdge
}

// BoundaryInfo is the cancellation-boundary record computed for one node:
// where downstream work would be rerouted to if this node's forward
// output is cancelled in favor of an error branch.
type BoundaryInfo struct {
	Count           int
	OutputCancelled bool
	Dest            []PipeTarget
}

// Graph is an immutable, validated service graph.
type Graph struct {
	nodes      []node
	order      []NodeID // topological order
	inputNode  NodeID
	inputPipe  int
	outputNode NodeID
	outputPipe int
	allowReuse bool

	pipeTypes map[NodeID]map[int]string
	boundary  map[NodeID]*BoundaryInfo

	profiler *Profiler
	log      plog.Logger
}

// FromBuffer finalises buf into a validated, immutable Graph. servlets
// resolves each node's servlet path to its loaded entry.
func FromBuffer(buf *Buffer, servlets *servlet.Table) (*Graph, error) {
	if !buf.hasInput {
		return nil, pipeerr.New(pipeerr.Validation, "service has no designated input")
	}
	if !buf.hasOutput {
		return nil, pipeerr.New(pipeerr.Validation, "service has no designated output")
	}

	g := &Graph{
		nodes:      make([]node, len(buf.nodes)),
		inputNode:  buf.inputNode,
		inputPipe:  buf.inputPipe,
		outputNode: buf.outputNode,
		outputPipe: buf.outputPipe,
		allowReuse: buf.allowReuse,
		pipeTypes:  make(map[NodeID]map[int]string),
		boundary:   make(map[NodeID]*BoundaryInfo),
		log:        plog.New("component", "graph"),
	}

	seen := make(map[*servlet.Entry]bool)
	for i, n := range buf.nodes {
		entry, err := servlets.Get(n.servletPath)
		if err != nil {
			return nil, err
		}
		if !buf.allowReuse {
			if seen[entry] {
				return nil, pipeerr.New(pipeerr.Validation, "servlet instance reused without allow_reuse_servlet: "+n.servletPath)
			}
			seen[entry] = true
		}
		g.nodes[i] = node{servletPath: n.servletPath, argv: n.argv, entry: entry}
	}

	destCount := make(map[PipeTarget]int)
	for _, e := range buf.edges {
		if int(e.SourceNode) >= len(g.nodes) || int(e.DestNode) >= len(g.nodes) {
			return nil, pipeerr.New(pipeerr.Argument, "edge references unknown node")
		}
		srcSlot, ok := slotOf(g.nodes[e.SourceNode].entry, e.SourcePipe)
		if !ok || srcSlot.Direction != pipe.Out {
			return nil, pipeerr.New(pipeerr.Validation, "edge source pipe is not an output")
		}
		dstSlot, ok := slotOf(g.nodes[e.DestNode].entry, e.DestPipe)
		if !ok || dstSlot.Direction != pipe.In {
			return nil, pipeerr.New(pipeerr.Validation, "edge destination pipe is not an input")
		}

		dt := PipeTarget{e.DestNode, e.DestPipe}
		destCount[dt]++
		if destCount[dt] > 1 {
			return nil, pipeerr.New(pipeerr.Validation, "input pipe targeted by more than one edge")
		}

		g.nodes[e.SourceNode].out = append(g.nodes[e.SourceNode].out, e)
		g.nodes[e.DestNode].in = append(g.nodes[e.DestNode].in, e)
	}

	inSlot, ok := slotOf(g.nodes[g.inputNode].entry, g.inputPipe)
	if !ok || inSlot.Direction != pipe.In {
		return nil, pipeerr.New(pipeerr.Validation, "input endpoint must name an input pipe")
	}
	outSlot, ok := slotOf(g.nodes[g.outputNode].entry, g.outputPipe)
	if !ok || outSlot.Direction != pipe.Out {
		return nil, pipeerr.New(pipeerr.Validation, "output endpoint must name an output pipe")
	}

	order, err := topoSort(g.nodes)
	if err != nil {
		return nil, err
	}
	g.order = order

	if err := g.unifyTypes(); err != nil {
		return nil, err
	}

	g.computeCriticalNodeInfo()

	g.profiler = newProfiler(len(g.nodes))

	return g, nil
}

func slotOf(entry *servlet.Entry, id int) (servlet.Slot, bool) {
	pdt := entry.Binary.PDT()
	if pdt == nil {
		return servlet.Slot{}, false
	}
	return pdt.Slot(id)
}

// topoSort computes a topological order over nodes using Kahn's
// algorithm, failing with a validation error on any cycle.
func topoSort(nodes []node) ([]NodeID, error) {
	indeg := make([]int, len(nodes))
	for _, n := range nodes {
		for _, e := range n.out {
			indeg[e.DestNode]++
		}
	}

	var queue []NodeID
	for i, d := range indeg {
		if d == 0 {
			queue = append(queue, NodeID(i))
		}
	}
	sort.Slice(queue, func(i, j int) bool { return queue[i] < queue[j] })

	var order []NodeID
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		order = append(order, n)

		var freed []NodeID
		for _, e := range nodes[n].out {
			indeg[e.DestNode]--
			if indeg[e.DestNode] == 0 {
				freed = append(freed, e.DestNode)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })
		queue = append(queue, freed...)
	}

	if len(order) != len(nodes) {
		return nil, pipeerr.New(pipeerr.Validation, "service graph contains a cycle")
	}
	return order, nil
}

// unifyTypes resolves each pipe's concrete type by unifying its declared
// abstract type expression with the concrete type flowing in from
// upstream. An input pipe with no upstream edge keeps its own declared
// expression as is, wildcard or not. Most-specific
// wins: a wildcard expression ("", "any") yields to a concrete upstream
// type; two distinct concrete expressions conflict.
func (g *Graph) unifyTypes() error {
	for _, nid := range g.order {
		n := &g.nodes[nid]
		if g.pipeTypes[nid] == nil {
			g.pipeTypes[nid] = make(map[int]string)
		}

		pdt := n.entry.Binary.PDT()
		if pdt == nil {
			continue
		}
		for i := 0; i < pdt.Len(); i++ {
			slot, _ := pdt.Slot(i)
			if slot.Direction != pipe.In {
				continue
			}
			g.pipeTypes[nid][i] = slot.TypeExpr
		}

		for _, e := range n.in {
			upstream := g.pipeTypes[e.SourceNode][e.SourcePipe]
			declared := g.pipeTypes[nid][e.DestPipe]
			resolved, err := unify(declared, upstream)
			if err != nil {
				return err
			}
			g.pipeTypes[nid][e.DestPipe] = resolved
		}

		for i := 0; i < pdt.Len(); i++ {
			slot, _ := pdt.Slot(i)
			if slot.Direction != pipe.Out {
				continue
			}
			if slot.ShadowOf >= 0 {
				g.pipeTypes[nid][i] = g.pipeTypes[nid][slot.ShadowOf]
				continue
			}
			g.pipeTypes[nid][i] = slot.TypeExpr
		}
	}
	return nil
}

func isWildcard(expr string) bool { return expr == "" || expr == "any" }

func unify(declared, upstream string) (string, error) {
	if isWildcard(upstream) {
		return declared, nil
	}
	if isWildcard(declared) {
		return upstream, nil
	}
	if declared != upstream {
		return "", pipeerr.New(pipeerr.Validation, fmt.Sprintf("type conflict: declared %q vs upstream %q", declared, upstream))
	}
	return declared, nil
}

// PipeType returns the resolved concrete type expression for node/pipe.
func (g *Graph) PipeType(n NodeID, pipeID int) (string, bool) {
	m, ok := g.pipeTypes[n]
	if !ok {
		return "", false
	}
	t, ok := m[pipeID]
	return t, ok
}

// IncomingPipes returns every edge whose destination is node n.
func (g *Graph) IncomingPipes(n NodeID) []PipeEdge {
	return append([]PipeEdge(nil), g.nodes[n].in...)
}

// OutgoingPipes returns every edge whose source is node n.
func (g *Graph) OutgoingPipes(n NodeID) []PipeEdge {
	return append([]PipeEdge(nil), g.nodes[n].out...)
}

// Boundary returns the critical-node cancellation-boundary info computed
// for node n, or nil if none applies.
func (g *Graph) Boundary(n NodeID) *BoundaryInfo {
	return g.boundary[n]
}

// InputEndpoint returns the service's designated input node and pipe id,
// the slot an accept-capable I/O module binds its produced handle to.
func (g *Graph) InputEndpoint() (NodeID, int) {
	return g.inputNode, g.inputPipe
}

// OutputEndpoint returns the service's designated output node and pipe id.
func (g *Graph) OutputEndpoint() (NodeID, int) {
	return g.outputNode, g.outputPipe
}

// computeCriticalNodeInfo implements the cancellation-boundary analysis
// anchored at the graph's designated input node: if the input node itself
// has two or more outgoing edges, each immediate child's full descendant
// closure is intersected with its siblings' closures to find the nearest
// node they all eventually reconverge at. That destination is then copied
// onto every node reached by walking forward from the child, stopping as
// soon as a node with its own error-branch outgoing edge (one leaving an
// output slot named "err") is found (that node absorbs the boundary
// without recursing into its own nested branch). The input node always
// receives a placeholder entry (Count 0, no destinations); the designated
// output node never receives one from this walk.
//
// Nested branch points elsewhere in the graph are not analyzed
// independently — only the input node's own split is treated as a
// cancellation decision point, matching the two reference scenarios this
// was derived from.
func (g *Graph) computeCriticalNodeInfo() {
	g.boundary[g.inputNode] = &BoundaryInfo{Count: 0, OutputCancelled: true}

	children := g.nodes[g.inputNode].out
	if len(children) < 2 {
		return
	}

	closures := make([]map[NodeID]bool, len(children))
	for i, e := range children {
		closures[i] = g.reachClosure(e.DestNode)
	}

	for i, e := range children {
		child := e.DestNode
		var others map[NodeID]bool
		for j := range children {
			if j == i {
				continue
			}
			if others == nil {
				others = make(map[NodeID]bool)
			}
			for n := range closures[j] {
				others[n] = true
			}
		}

		target, pipeID, ok := g.nearestReconvergence(child, closures[i], others)
		if !ok || target == child {
			continue
		}

		g.propagateBoundary(child, PipeTarget{Node: target, Pipe: pipeID})
	}
}

// reachClosure returns start plus every node reachable from it via any
// outgoing edge.
func (g *Graph) reachClosure(start NodeID) map[NodeID]bool {
	seen := map[NodeID]bool{start: true}
	queue := []NodeID{start}
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		for _, e := range g.nodes[n].out {
			if !seen[e.DestNode] {
				seen[e.DestNode] = true
				queue = append(queue, e.DestNode)
			}
		}
	}
	return seen
}

// nearestReconvergence BFS-walks forward from start, returning the first
// node (and the pipe it was entered through) that belongs to both own
// (start's closure) and others (the union of sibling closures).
func (g *Graph) nearestReconvergence(start NodeID, own, others map[NodeID]bool) (NodeID, int, bool) {
	type step struct {
		node NodeID
		pipe int
	}
	visited := map[NodeID]bool{start: true}
	queue := []step{{start, -1}}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if cur.node != start && others[cur.node] {
			return cur.node, cur.pipe, true
		}
		for _, e := range g.nodes[cur.node].out {
			if visited[e.DestNode] {
				continue
			}
			visited[e.DestNode] = true
			queue = append(queue, step{e.DestNode, e.DestPipe})
		}
	}
	_ = own
	return 0, 0, false
}

// propagateBoundary walks forward from start (inclusive), assigning dest
// to every visited node, stopping as soon as it reaches a node with its
// own error-branch outgoing edge (see outPipeDisabled; that node
// receives the entry but does not
// recurse into its own branch) or runs out of forward edges.
func (g *Graph) propagateBoundary(start NodeID, dest PipeTarget) {
	cur := start
	for {
		hasError := false
		var next NodeID
		hasNext := false
		for _, e := range g.nodes[cur].out {
			if outPipeDisabled(g.nodes[cur].entry, e.SourcePipe) {
				hasError = true
			} else {
				next, hasNext = e.DestNode, true
			}
		}

		if cur == g.outputNode {
			return
		}
		g.boundary[cur] = &BoundaryInfo{Count: 1, OutputCancelled: true, Dest: []PipeTarget{dest}}

		if hasError || !hasNext {
			return
		}
		cur = next
	}
}

func outPipeDisabled(entry *servlet.Entry, pipeID int) bool {
	pdt := entry.Binary.PDT()
	if pdt == nil {
		return false
	}
	slot, ok := pdt.Slot(pipeID)
	return ok && slot.Name == "err"
}

// CreateTask returns a new exec task for node id, pipe slots pre-sized
// but not yet bound to handles; the scheduler binds them during
// traversal.
func (g *Graph) CreateTask(id NodeID) (*task.Task, error) {
	if int(id) >= len(g.nodes) {
		return nil, pipeerr.New(pipeerr.Argument, "unknown node id")
	}
	return task.New(g.nodes[id].entry, task.ActionExec)
}

// Profiler returns the graph's per-node execution-time histogram.
func (g *Graph) Profiler() *Profiler { return g.profiler }

const dumpMagic uint32 = 0x504c4d42 // "PLMB"
const dumpVersion uint32 = 1

// Dump writes a length-prefixed record of nodes (servlet path + argv) and
// edges (4-tuple), plus the input/output endpoints, in the format
// FromFD/buffer rebuild from.
func (g *Graph) Dump(w io.Writer) error {
	bw := &binWriter{w: w}
	bw.u32(dumpMagic)
	bw.u32(dumpVersion)
	bw.u32(uint32(len(g.nodes)))
	for _, n := range g.nodes {
		bw.str(n.servletPath)
		bw.u32(uint32(len(n.argv)))
		for _, a := range n.argv {
			bw.str(a)
		}
	}

	var edges []PipeEdge
	for _, n := range g.nodes {
		edges = append(edges, n.out...)
	}
	bw.u32(uint32(len(edges)))
	for _, e := range edges {
		bw.u32(uint32(e.SourceNode))
		bw.u32(uint32(e.SourcePipe))
		bw.u32(uint32(e.DestNode))
		bw.u32(uint32(e.DestPipe))
	}

	bw.u32(uint32(g.inputNode))
	bw.u32(uint32(g.inputPipe))
	bw.u32(uint32(g.outputNode))
	bw.u32(uint32(g.outputPipe))
	if g.allowReuse {
		bw.u32(1)
	} else {
		bw.u32(0)
	}

	return bw.err
}

// FromFD rebuilds a Buffer from a Dump record, then finalises it via
// FromBuffer.
func FromFD(r io.Reader, servlets *servlet.Table) (*Graph, error) {
	br := &binReader{r: r}
	if br.u32() != dumpMagic {
		return nil, pipeerr.New(pipeerr.Protocol, "bad service graph magic")
	}
	if v := br.u32(); v != dumpVersion {
		return nil, pipeerr.New(pipeerr.Protocol, fmt.Sprintf("unsupported service graph version %d", v))
	}

	buf := NewBuffer()
	nNodes := br.u32()
	for i := uint32(0); i < nNodes; i++ {
		path := br.str()
		argc := br.u32()
		argv := make([]string, argc)
		for j := range argv {
			argv[j] = br.str()
		}
		if br.err != nil {
			return nil, pipeerr.Wrap(pipeerr.Protocol, br.err)
		}
		if _, err := buf.AddNode(path, argv); err != nil {
			return nil, err
		}
	}

	nEdges := br.u32()
	for i := uint32(0); i < nEdges; i++ {
		e := PipeEdge{
			SourceNode: NodeID(br.u32()),
			SourcePipe: int(br.u32()),
			DestNode:   NodeID(br.u32()),
			DestPipe:   int(br.u32()),
		}
		if br.err != nil {
			return nil, pipeerr.Wrap(pipeerr.Protocol, br.err)
		}
		if err := buf.AddPipe(e); err != nil {
			return nil, err
		}
	}

	inputNode := NodeID(br.u32())
	inputPipe := int(br.u32())
	outputNode := NodeID(br.u32())
	outputPipe := int(br.u32())
	if br.u32() != 0 {
		buf.AllowReuseServlet()
	}
	if br.err != nil {
		return nil, pipeerr.Wrap(pipeerr.Protocol, br.err)
	}
	if err := buf.SetInput(inputNode, inputPipe); err != nil {
		return nil, err
	}
	if err := buf.SetOutput(outputNode, outputPipe); err != nil {
		return nil, err
	}

	return FromBuffer(buf, servlets)
}

type binWriter struct {
	w   io.Writer
	err error
}

func (b *binWriter) u32(v uint32) {
	if b.err != nil {
		return
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	_, b.err = b.w.Write(buf[:])
}

func (b *binWriter) str(s string) {
	b.u32(uint32(len(s)))
	if b.err != nil {
		return
	}
	_, b.err = io.WriteString(b.w, s)
}

type binReader struct {
	r   io.Reader
	err error
}

func (b *binReader) u32() uint32 {
	if b.err != nil {
		return 0
	}
	var buf [4]byte
	if _, b.err = io.ReadFull(b.r, buf[:]); b.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(buf[:])
}

func (b *binReader) str() string {
	n := b.u32()
	if b.err != nil || n == 0 {
		return ""
	}
	buf := make([]byte, n)
	if _, b.err = io.ReadFull(b.r, buf); b.err != nil {
		return ""
	}
	return string(buf)
}
