package auth

import (
	"errors"
	"fmt"

	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

var (
	ErrDisconnected      = errors.New("peer disconnected")
	ErrProtocolViolation = errors.New("protocol violation")
)

// ProbeError is returned when a probe could not reach a verdict. Kind is
// ErrDisconnected or ErrProtocolViolation.
type ProbeError struct {
	Op   string
	Kind error
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

func (e *ProbeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func violation(op string, format string, args ...any) error {
	return &ProbeError{Op: op, Kind: ErrProtocolViolation, Err: fmt.Errorf(format, args...)}
}

// classify maps a transport failure to a ProbeError kind.
func classify(op string, err error) error {
	kind := ErrDisconnected
	if errors.Is(err, transport.ErrUnexpectedMessage) || errors.Is(err, transport.ErrMalformedPacket) {
		kind = ErrProtocolViolation
	}
	return &ProbeError{Op: op, Kind: kind, Err: err}
}
