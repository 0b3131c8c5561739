// Package bridgeerr implements the error taxonomy of spec.md §7 as
// sentinel errors plus a wrapper that records which sentinel a failure
// belongs to, in the style golang-tools/internal/jsonrpc2_v2 layers
// WireError over an arbitrary wrapped error.
package bridgeerr

import (
	"errors"
	"fmt"
)

// Kind is one taxonomy entry from spec.md §7.
type Kind string

const (
	KindTransportClosed        Kind = "transport_closed"
	KindTransportTimeout       Kind = "transport_timeout"
	KindTransportMalformed     Kind = "transport_malformed"
	KindProtocolVersionMismatch Kind = "protocol_version_mismatch"
	KindCapabilityMissing      Kind = "capability_missing"
	KindLockTimeout            Kind = "lock_timeout"
	KindProcessCrashed         Kind = "process_crashed"
	KindSessionEvicted         Kind = "session_evicted"
	KindConnectionQuotaExceeded Kind = "connection_quota_exceeded"
	KindRequestCancelled       Kind = "request_cancelled"
)

// Sentinel errors usable with errors.Is, one per Kind, so callers that
// only care about the category can test against these directly.
var (
	ErrTransportClosed         = &BridgeError{Kind: KindTransportClosed}
	ErrTransportTimeout        = &BridgeError{Kind: KindTransportTimeout}
	ErrTransportMalformed      = &BridgeError{Kind: KindTransportMalformed}
	ErrProtocolVersionMismatch = &BridgeError{Kind: KindProtocolVersionMismatch}
	ErrCapabilityMissing       = &BridgeError{Kind: KindCapabilityMissing}
	ErrLockTimeout             = &BridgeError{Kind: KindLockTimeout}
	ErrProcessCrashed          = &BridgeError{Kind: KindProcessCrashed}
	ErrSessionEvicted          = &BridgeError{Kind: KindSessionEvicted}
	ErrConnectionQuotaExceeded = &BridgeError{Kind: KindConnectionQuotaExceeded}
	ErrRequestCancelled        = &BridgeError{Kind: KindRequestCancelled}
)

// BridgeError wraps an underlying cause with the taxonomy Kind it belongs
// to, and optional human-readable Detail (e.g. a capability name, a
// crash-report tail).
type BridgeError struct {
	Kind   Kind
	Detail string
	Err    error
}

func (e *BridgeError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return string(e.Kind)
	}
}

func (e *BridgeError) Unwrap() error { return e.Err }

// Is matches by Kind only, so errors.Is(err, ErrLockTimeout) succeeds
// regardless of Detail/Err, letting call sites test the taxonomy without
// constructing a matching Detail.
func (e *BridgeError) Is(target error) bool {
	other, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs a BridgeError of the given kind wrapping cause, with an
// optional detail string.
func New(kind Kind, detail string, cause error) *BridgeError {
	return &BridgeError{Kind: kind, Detail: detail, Err: cause}
}

// As is a convenience wrapper around errors.As for *BridgeError.
func As(err error) (*BridgeError, bool) {
	var be *BridgeError
	ok := errors.As(err, &be)
	return be, ok
}
