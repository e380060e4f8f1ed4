// Package pipeerr carries the discriminated error kinds named in the
// core's error handling design: every public entry point in module,
// pipe, rls, servlet, task, graph, equeue and sched returns either nil
// or an error that (via errors.As) unwraps to *pipeerr.Error.
package pipeerr

import "errors"

// Kind classifies why a core entry point failed.
type Kind int

const (
	// Argument means a public entry point received a null, out-of-range,
	// or contract-violating input.
	Argument Kind = iota
	// Resource means allocation or pool acquisition failed.
	Resource
	// Validation means a service graph, PDT entry, or type expression
	// failed a structural check at finalization.
	Validation
	// IO means a pipe module returned a would-block (recoverable) or a
	// hard error (fatal to the current traversal).
	IO
	// State means an operation was attempted in the wrong lifecycle state.
	State
	// Protocol means an on-disk record violated the service-graph binary
	// format.
	Protocol
	// OwnershipTransfer means a data source was accepted by a module and
	// must not be disposed again by the caller.
	OwnershipTransfer
)

func (k Kind) String() string {
	switch k {
	case Argument:
		return "argument"
	case Resource:
		return "resource"
	case Validation:
		return "validation"
	case IO:
		return "io"
	case State:
		return "state"
	case Protocol:
		return "protocol"
	case OwnershipTransfer:
		return "ownership-transfer"
	default:
		return "unknown"
	}
}

// Error wraps an underlying error with a Kind so callers can branch on
// the failure category without string matching.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return e.Kind.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error of the given kind wrapping msg.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Err: errors.New(msg)}
}

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
