package main

import (
	"github.com/brunotm/plumber/pipe"
	"github.com/brunotm/plumber/servlet"
	"github.com/brunotm/plumber/store"
)

// echoCtx is the per-task context for the echo-store servlet: it sees
// its task's bound pipe slots via SetPipes and its PDT via SetPDT.
type echoCtx struct {
	pdt   *servlet.PDT
	pipes []*pipe.Handle
}

func (c *echoCtx) SetPDT(p *servlet.PDT)     { c.pdt = p }
func (c *echoCtx) SetPipes(p []*pipe.Handle) { c.pipes = p }

// echoStoreKey is the fixed key the demo servlet persists each request
// body under. A real service would derive one per request (from a path
// segment, a header, a hash); this is a reference wiring, not a
// multi-tenant key scheme.
var echoStoreKey = []byte("last-request")

// newEchoStoreBinary builds a servlet that reads its inbound pipe to
// completion, persists the body through db, reads it back, and writes
// it to its outbound pipe. It exercises the full path an http-accepted
// request takes through the task/pipe/store stack: pipe.Read off the
// bound "in" slot, a round trip through a store.Module-backed Allocator,
// and pipe.Write onto the bound "out" slot.
func newEchoStoreBinary(db *store.Module) *servlet.Binary {
	bin := &servlet.Binary{
		Desc:       "reference echo-store servlet",
		NewContext: func() interface{} { return &echoCtx{} },
	}

	bin.Init = func(raw interface{}) error {
		c := raw.(*echoCtx)
		if _, err := c.pdt.Define("in", pipe.In, "bytes", -1); err != nil {
			return err
		}
		_, err := c.pdt.Define("out", pipe.Out, "bytes", -1)
		return err
	}

	bin.Exec = func(raw interface{}) error {
		c := raw.(*echoCtx)
		in, out := c.pipes[0], c.pipes[1]

		body, err := readAll(in)
		if err != nil {
			return err
		}

		sin, sout, err := db.Allocate(pipe.Flags{}, echoStoreKey)
		if err != nil {
			return err
		}
		if _, err := pipe.Write(sout, body); err != nil {
			return err
		}
		if err := pipe.Deallocate(sout); err != nil {
			return err
		}

		stored, err := readAll(sin)
		if err != nil {
			return err
		}
		if err := pipe.Deallocate(sin); err != nil {
			return err
		}

		_, err = pipe.Write(out, stored)
		return err
	}

	return bin
}

// readAll drains h to completion into a single buffer.
func readAll(h *pipe.Handle) ([]byte, error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, eof, err := pipe.Read(h, buf)
		if err != nil {
			return nil, err
		}
		out = append(out, buf[:n]...)
		if eof {
			return out, nil
		}
	}
}
