// Package http is a reference I/O module: an accept-capable event-loop
// module that turns inbound HTTP requests into pipe handles fed to the
// scheduler. Grounded on the teacher's processor/source/http Source
// (github.com/brunotm/streams), generalized from "forward a Record onto
// a stream topology" to "produce a (request, response) pipe.Handle pair
// and submit it against one graph node", per spec.md §4.2's accept-
// capable module shape. internal/httpserver is reused verbatim — it
// carries no teacher-specific domain logic, only an httprouter-backed
// net/http wrapper.
package http

import (
	"bytes"
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/brunotm/plumber/graph"
	"github.com/brunotm/plumber/internal/httpserver"
	"github.com/brunotm/plumber/internal/plog"
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/pipeerr"
	"github.com/brunotm/plumber/sched"
)

// Config configures the module's listener and routing.
type Config struct {
	httpserver.Config
	// Path is the router pattern each request is matched against. Empty
	// defaults to "/:pipe", matching a request body to a single handle
	// pair regardless of path value (the path segment is accepted but not
	// otherwise interpreted by this reference module).
	Path string
	// AcceptTimeout bounds how long one HTTP request waits for its bound
	// task to write a response before the client sees a 504. Zero means
	// 30s.
	AcceptTimeout time.Duration
}

// requestHandle is the handle tail bound to one HTTP round-trip: Read
// drains the request body, Write accumulates the response body, and
// Deallocate on the out handle unblocks the waiting HTTP handler.
type requestHandle struct {
	body []byte
	pos  int
	resp bytes.Buffer

	done     chan struct{}
	doneOnce sync.Once
}

// Module is a pipe.Acceptor/Reader/Writer/Deallocator implementation
// backed by an httprouter-based HTTP server.
type Module struct {
	path string
	srv  *httpserver.Server
	log  plog.Logger

	pending chan *requestHandle
	closed  chan struct{}
	once    sync.Once

	acceptTimeout time.Duration
}

// NewModule builds an http module named path, listening per cfg. Call
// Listen to start serving and Run to drive requests into a scheduler.
func NewModule(path string, cfg Config) *Module {
	m := &Module{
		path:          path,
		srv:           httpserver.New(cfg.Config),
		pending:       make(chan *requestHandle),
		closed:        make(chan struct{}),
		log:           plog.New("component", "modio.http", "path", path),
		acceptTimeout: cfg.AcceptTimeout,
	}
	if m.acceptTimeout <= 0 {
		m.acceptTimeout = 30 * time.Second
	}

	routePath := cfg.Path
	if routePath == "" {
		routePath = "/:pipe"
	}
	m.srv.AddHandler("POST", routePath, m.serve)
	return m
}

// Path identifies this module in the module registry.
func (m *Module) Path() string { return m.path }

// Init starts the HTTP server in the background. Satisfies module.Vtable
// for registration; argv is unused, configuration is supplied at
// NewModule time.
func (m *Module) Init(argv []string) error {
	m.Listen()
	return nil
}

// Cleanup shuts down the HTTP server and unblocks any goroutine blocked
// in Accept.
func (m *Module) Cleanup() error { return m.Close() }

// Listen starts the HTTP server in the background.
func (m *Module) Listen() { go m.srv.Start() }

// Close shuts down the HTTP server and unblocks any goroutine blocked in
// Accept.
func (m *Module) Close() error {
	m.once.Do(func() { close(m.closed) })
	return m.srv.Close(context.Background())
}

func (m *Module) serve(w http.ResponseWriter, r *http.Request, ps httpserver.Params) {
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		r.Body.Close()
		http.Error(w, "error reading request body", http.StatusBadRequest)
		return
	}
	r.Body.Close()

	rh := &requestHandle{body: buf.Bytes(), done: make(chan struct{})}

	select {
	case m.pending <- rh:
	case <-m.closed:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	select {
	case <-rh.done:
		w.WriteHeader(http.StatusOK)
		w.Write(rh.resp.Bytes())
	case <-time.After(m.acceptTimeout):
		http.Error(w, "request timed out", http.StatusGatewayTimeout)
	}
}

// Accept blocks until an HTTP request arrives, returning a bound
// (in, out) handle pair: in reads the request body, out writes the
// response body. Deallocating out completes the HTTP round-trip.
func (m *Module) Accept(args interface{}) (in, out *pipe.Handle, err error) {
	select {
	case rh := <-m.pending:
		in = pipe.New(m, pipe.Flags{Direction: pipe.In}, rh)
		out = pipe.New(m, pipe.Flags{Direction: pipe.Out}, rh)
		return in, out, nil
	case <-m.closed:
		return nil, nil, pipeerr.New(pipeerr.State, "http module closed")
	}
}

// Read drains the request body.
func (m *Module) Read(h *pipe.Handle, buf []byte) (n int, eof bool, err error) {
	rh, ok := h.Tail.(*requestHandle)
	if !ok {
		return 0, false, pipeerr.New(pipeerr.Argument, "handle not owned by this module")
	}
	if rh.pos >= len(rh.body) {
		return 0, true, nil
	}
	n = copy(buf, rh.body[rh.pos:])
	rh.pos += n
	return n, rh.pos >= len(rh.body), nil
}

// Write accumulates into the response body.
func (m *Module) Write(h *pipe.Handle, buf []byte) (n int, err error) {
	rh, ok := h.Tail.(*requestHandle)
	if !ok {
		return 0, pipeerr.New(pipeerr.Argument, "handle not owned by this module")
	}
	return rh.resp.Write(buf)
}

// Deallocate completes the HTTP round-trip once the out handle (the
// response writer side) is released; releasing the in handle is a no-op.
func (m *Module) Deallocate(h *pipe.Handle) error {
	rh, ok := h.Tail.(*requestHandle)
	if !ok {
		return pipeerr.New(pipeerr.Argument, "handle not owned by this module")
	}
	if h.Flags.IsOutput() {
		rh.doneOnce.Do(func() { close(rh.done) })
	}
	return nil
}

// Run drives the accept loop: each HTTP request's handle pair is
// submitted to s against the graph's designated input node, until Accept
// returns an error (the module was closed).
func (m *Module) Run(s *sched.Scheduler, g *graph.Graph) {
	node, _ := g.InputEndpoint()
	for {
		in, out, err := m.Accept(nil)
		if err != nil {
			return
		}
		if err := s.Submit(node, sched.IOHandles{In: in, Out: out}); err != nil {
			m.log.Errorw("cannot submit http request", "error", err)
		}
	}
}
