package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures into the hive's taxonomy. Kinds decide
// policy: transient errors are retried near the boundary, business errors
// propagate to the strategy as outcomes.
type ErrorKind string

const (
	KindConfigInvalid  ErrorKind = "config_invalid"
	KindVenueRejected  ErrorKind = "venue_rejected"  // business rejection; never retried
	KindVenueTransient ErrorKind = "venue_transient" // network, 5xx, 429; retried with backoff
	KindVenueDesync    ErrorKind = "venue_desync"    // local view disagrees with venue
	KindStrategyFault  ErrorKind = "strategy_fault"
	KindCloseFailed    ErrorKind = "close_failed"
	KindAuthFailed     ErrorKind = "auth_failed"
)

// Fault is an error carrying its taxonomy kind. Wrap venue and internal
// errors in a Fault at the boundary where the kind is known.
type Fault struct {
	Kind ErrorKind
	Err  error
}

func (f *Fault) Error() string {
	if f.Err == nil {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %v", f.Kind, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps err with a kind.
func NewFault(kind ErrorKind, err error) *Fault {
	return &Fault{Kind: kind, Err: err}
}

// Faultf builds a Fault from a format string.
func Faultf(kind ErrorKind, format string, args ...any) *Fault {
	return &Fault{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the taxonomy kind from err, or "" when err carries none.
func KindOf(err error) ErrorKind {
	var f *Fault
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Retriable reports whether err may be retried. Only transient venue errors
// qualify; business rejections and auth failures never do.
func Retriable(err error) bool {
	return KindOf(err) == KindVenueTransient
}

// Sentinel errors shared across layers.
var (
	ErrDuplicateName     = errors.New("strategy name already registered")
	ErrStrategyNotFound  = errors.New("strategy not found")
	ErrBotNotFound       = errors.New("bot not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotStopped        = errors.New("strategy is not stopped")
	ErrCloseInFlight     = errors.New("close already in flight")
	ErrQueueFull         = errors.New("intent queue full")
	ErrGatewayClosed     = errors.New("gateway is shut down")
	ErrStaleBook         = errors.New("market book is stale")
	ErrUnknownSymbol     = errors.New("symbol not in instrument metadata")
)
