package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
)

var (
	// ErrNeedMoreData is returned by DecodeFrame when the buffer does not
	// yet hold a complete frame. Read more bytes and retry.
	ErrNeedMoreData = errors.New("ws: need more data")

	// ErrInvalidRole is returned when a frame's masking does not match the
	// role sending it. Servers never mask, clients always do.
	ErrInvalidRole = errors.New("ws: frame masking does not match role")

	// ErrTimeout is matched by errors from a call whose context expired.
	// The connection is left as it was unless documented otherwise,
	// so the call may be retried.
	ErrTimeout = errors.New("ws: timed out")

	// ErrClosed is matched by errors from writes on a connection
	// that is no longer open.
	ErrClosed = errors.New("ws: connection closed")
)

// ProtocolError is returned for malformed frames and message
// sequencing violations. The connection is closed when one occurs.
type ProtocolError struct {
	Detail string
}

func (e *ProtocolError) Error() string {
	return "ws: protocol violation: " + e.Detail
}

func protocolErrorf(f string, v ...interface{}) *ProtocolError {
	return &ProtocolError{Detail: fmt.Sprintf(f, v...)}
}

// HandshakeReason classifies why a handshake was rejected.
type HandshakeReason int

// HandshakeReason constants in the order VerifyRequest checks them.
const (
	ReasonMethodNotAllowed HandshakeReason = iota + 1
	ReasonKeyMissing
	ReasonUpgradeHeaderInvalid
	ReasonConnectionHeaderInvalid
	ReasonVersionUnsupported
	ReasonOriginRejected
)

func (r HandshakeReason) String() string {
	switch r {
	case ReasonMethodNotAllowed:
		return "method not allowed"
	case ReasonKeyMissing:
		return "key missing"
	case ReasonUpgradeHeaderInvalid:
		return "upgrade header invalid"
	case ReasonConnectionHeaderInvalid:
		return "connection header invalid"
	case ReasonVersionUnsupported:
		return "version unsupported"
	case ReasonOriginRejected:
		return "origin rejected"
	}
	return fmt.Sprintf("HandshakeReason(%d)", int(r))
}

// HandshakeError is returned when a client's opening handshake
// is rejected. It is terminal for the request.
type HandshakeError struct {
	Reason HandshakeReason
	Detail string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("ws: handshake rejected: %v: %v", e.Reason, e.Detail)
}

// StatusCode returns the HTTP status the rejection is answered with.
func (e *HandshakeError) StatusCode() int {
	switch e.Reason {
	case ReasonMethodNotAllowed:
		return http.StatusMethodNotAllowed
	case ReasonVersionUnsupported:
		return http.StatusUpgradeRequired
	case ReasonOriginRejected:
		return http.StatusForbidden
	}
	return http.StatusBadRequest
}

func handshakeErrorf(reason HandshakeReason, f string, v ...interface{}) *HandshakeError {
	return &HandshakeError{
		Reason: reason,
		Detail: fmt.Sprintf(f, v...),
	}
}

// ctxErr maps the expiry of ctx onto ErrTimeout while keeping
// the context error in the chain.
func ctxErr(ctx context.Context) error {
	err := ctx.Err()
	if err == nil {
		err = context.DeadlineExceeded
	}
	return fmt.Errorf("%w: %w", ErrTimeout, err)
}

// isTimeout reports whether err came from an expired stream deadline.
func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
