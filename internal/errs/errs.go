// Package errs classifies the error taxonomy of spec.md §7 so callers can
// decide retry vs. DLQ vs. process-exit with errors.As instead of string
// matching, following the plain wrap-and-errors.Is/As style the teacher
// uses throughout pkg/manager and pkg/worker (no errors library).
package errs

import "fmt"

// Transient marks an error as safe to retry (RPC timeout, broker
// disconnect, DB deadlock/serialization failure). The cursor must never
// advance and the message must never ack while a Transient error is live.
type Transient struct {
	Op  string
	Err error
}

func (e *Transient) Error() string { return fmt.Sprintf("%s: transient: %v", e.Op, e.Err) }
func (e *Transient) Unwrap() error { return e.Err }

// NewTransient wraps err as a Transient error.
func NewTransient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Transient{Op: op, Err: err}
}

// Fatal marks an error that must abort the process (schema missing,
// protocol mismatch, unreachable broker/DB at startup).
type Fatal struct {
	Op  string
	Err error
}

func (e *Fatal) Error() string { return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err) }
func (e *Fatal) Unwrap() error { return e.Err }

// NewFatal wraps err as a Fatal error.
func NewFatal(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Fatal{Op: op, Err: err}
}

// Decode marks a malformed on-chain log. Fatal for the individual log,
// never for the batch: the caller logs and skips it.
type Decode struct {
	Op  string
	Err error
}

func (e *Decode) Error() string { return fmt.Sprintf("%s: decode: %v", e.Op, e.Err) }
func (e *Decode) Unwrap() error { return e.Err }

// NewDecode wraps err as a Decode error.
func NewDecode(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Decode{Op: op, Err: err}
}

// Poison marks a message that fails deterministically (validation,
// referential integrity violation not resolvable by retry). The consumer
// routes it straight to the DLQ without retrying.
type Poison struct {
	Op  string
	Err error
}

func (e *Poison) Error() string { return fmt.Sprintf("%s: poison: %v", e.Op, e.Err) }
func (e *Poison) Unwrap() error { return e.Err }

// NewPoison wraps err as a Poison error.
func NewPoison(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Poison{Op: op, Err: err}
}

// Invariant marks an attempted violation of the status lattice or a
// negative state update — a bug, never a legitimate on-chain condition.
// The transaction aborts and the message routes to the DLQ.
type Invariant struct {
	Op  string
	Err error
}

func (e *Invariant) Error() string { return fmt.Sprintf("%s: invariant violated: %v", e.Op, e.Err) }
func (e *Invariant) Unwrap() error { return e.Err }

// NewInvariant wraps err as an Invariant error.
func NewInvariant(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Invariant{Op: op, Err: err}
}
