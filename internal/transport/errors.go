package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	ErrNetworkUnreachable = errors.New("network unreachable")
	ErrProtocolMismatch   = errors.New("protocol mismatch")
	ErrHostKeyRejected    = errors.New("host key rejected")
	ErrHandshakeFailed    = errors.New("handshake failed")

	ErrInvalidState      = errors.New("invalid transport state")
	ErrMalformedPacket   = errors.New("malformed packet")
	ErrUnexpectedMessage = errors.New("unexpected message")
)

// ConnectError is returned by Open. Kind is one of ErrNetworkUnreachable,
// ErrProtocolMismatch, ErrHostKeyRejected or ErrHandshakeFailed.
type ConnectError struct {
	Addr string
	Kind error
	Err  error
}

func (e *ConnectError) Error() string {
	if e == nil {
		return ""
	}
	switch {
	case e.Err == nil:
		return fmt.Sprintf("ssh connect %s: %v", e.Addr, e.Kind)
	case errors.Is(e.Err, e.Kind):
		return fmt.Sprintf("ssh connect %s: %v", e.Addr, e.Err)
	default:
		return fmt.Sprintf("ssh connect %s: %v: %v", e.Addr, e.Kind, e.Err)
	}
}

func (e *ConnectError) Unwrap() []error {
	if e == nil {
		return nil
	}
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// DisconnectError carries an SSH_MSG_DISCONNECT received from the peer.
type DisconnectError struct {
	Reason  uint32
	Message string
}

func (e *DisconnectError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("ssh: peer disconnected (reason %d)", e.Reason)
	}
	return fmt.Sprintf("ssh: peer disconnected (reason %d): %s", e.Reason, e.Message)
}

// IsPeerClosed reports whether err means the remote side went away, either
// by closing the socket or by sending SSH_MSG_DISCONNECT.
func IsPeerClosed(err error) bool {
	if err == nil {
		return false
	}
	var disconnect *DisconnectError
	if errors.As(err, &disconnect) {
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.EPIPE)
}

// IsTimeout reports whether err came from a read/write deadline or from the
// caller's context expiring.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, os.ErrDeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
