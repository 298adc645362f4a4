// Package txerr defines the error taxonomy shared by the cell codec, link,
// circuit, and stream layers. Each type carries enough of a scope label
// (Link/Circuit/Stream) for a caller to decide what to tear down; the
// types themselves never dictate teardown — that remains the caller's
// responsibility, matching the rest of this module's error-handling style
// of explicit returns with fmt.Errorf("...: %w", err) wrapping at each
// boundary.
package txerr

import "fmt"

// CellError indicates malformed cell framing: an unrecognized command byte,
// or a variable-length cell whose declared length exceeds the codec's cap.
// Fatal to the link.
type CellError struct {
	Reason string
}

func (e *CellError) Error() string { return fmt.Sprintf("cell error: %s", e.Reason) }

// NewCellError constructs a CellError with a formatted reason.
func NewCellError(format string, args ...any) *CellError {
	return &CellError{Reason: fmt.Sprintf(format, args...)}
}

// HandshakeError indicates a link- or circuit-handshake protocol
// violation, including an ntor AUTH mismatch. Fatal to the owning scope
// (link or circuit, indicated by Scope).
type HandshakeError struct {
	Scope  string // "link" or "circuit"
	Reason string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("%s handshake error: %s", e.Scope, e.Reason)
}

// NewHandshakeError constructs a HandshakeError for the given scope.
func NewHandshakeError(scope, format string, args ...any) *HandshakeError {
	return &HandshakeError{Scope: scope, Reason: fmt.Sprintf(format, args...)}
}

// DigestError indicates an inbound relay cell's digest failed to verify,
// or its "recognized" field was nonzero on a one-hop circuit (meaning the
// cell claimed to be addressed to a further hop, which this module does
// not support). Fatal to the circuit.
type DigestError struct {
	Reason string
}

func (e *DigestError) Error() string { return fmt.Sprintf("digest error: %s", e.Reason) }

// NewDigestError constructs a DigestError with a formatted reason.
func NewDigestError(format string, args ...any) *DigestError {
	return &DigestError{Reason: fmt.Sprintf(format, args...)}
}

// StreamClosedError indicates the caller operated on a stream that is
// already closed. Recovered by the caller; no further in-core action is
// needed.
type StreamClosedError struct {
	StreamID uint16
}

func (e *StreamClosedError) Error() string {
	return fmt.Sprintf("stream %d is closed", e.StreamID)
}

// TransportError indicates a TLS or socket fault. Fatal to the link.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %v", e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// NewTransportError wraps err as a TransportError.
func NewTransportError(err error) *TransportError { return &TransportError{Err: err} }
