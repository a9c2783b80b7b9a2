// Package faults classifies processing errors so stream consumers can decide
// between retry, dead-letter, skip and plain acknowledgement.
package faults

import (
	"context"
	"errors"
	"fmt"
)

// Kind is the coarse error classification used at consumer boundaries.
type Kind string

const (
	// Transient covers deadlocks, timeouts and 5xx responses; retried in the
	// component up to its attempt budget, then dead-lettered.
	Transient Kind = "transient"
	// PermanentInput covers schema violations and unknown enum values;
	// dead-lettered immediately.
	PermanentInput Kind = "permanent_input"
	// PolicyDenied covers quota, SSRF and deny-list rejections; recorded as a
	// skip, never dead-lettered.
	PolicyDenied Kind = "policy_denied"
	// ExternalUnavailable marks provider outages feeding the circuit breaker.
	ExternalUnavailable Kind = "external_unavailable"
	// IntegrityViolation marks unexpected unique conflicts on upsert paths.
	IntegrityViolation Kind = "integrity_violation"
	// Cancelled marks cooperative shutdown.
	Cancelled Kind = "cancelled"
)

// Fault carries a Kind, a stable machine-readable code and the cause.
type Fault struct {
	Kind Kind
	Code string
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("%s: %s", f.Kind, f.Code)
	}
	return fmt.Sprintf("%s: %s: %v", f.Kind, f.Code, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// New builds a Fault of the given kind.
func New(kind Kind, code string, err error) *Fault {
	return &Fault{Kind: kind, Code: code, Err: err}
}

// Transientf wraps err as a transient fault.
func Transientf(code string, err error) *Fault { return New(Transient, code, err) }

// BadInput wraps err as a permanent input fault.
func BadInput(code string, err error) *Fault { return New(PermanentInput, code, err) }

// Denied builds a policy denial with no underlying error.
func Denied(code string) *Fault { return New(PolicyDenied, code, nil) }

// Unavailable wraps err as an external-provider outage.
func Unavailable(code string, err error) *Fault { return New(ExternalUnavailable, code, err) }

// Integrity wraps err as an integrity violation.
func Integrity(code string, err error) *Fault { return New(IntegrityViolation, code, err) }

// KindOf extracts the Kind from err, walking the wrap chain. Context
// cancellation maps to Cancelled; anything unclassified is Transient, which
// keeps unknown failures on the retry-then-DLQ path instead of dropping them.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return Transient
}

// CodeOf returns the machine-readable code, or "internal" when none is set.
func CodeOf(err error) string {
	var f *Fault
	if errors.As(err, &f) && f.Code != "" {
		return f.Code
	}
	return "internal"
}

// IsRetryable reports whether a consumer should redeliver the entry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case Transient, ExternalUnavailable:
		return true
	default:
		return false
	}
}
