package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/manfred-kaiser/ssh-mitm/internal/auth"
	"github.com/manfred-kaiser/ssh-mitm/internal/config"
	"github.com/manfred-kaiser/ssh-mitm/internal/pubkey"
	"github.com/manfred-kaiser/ssh-mitm/internal/transport"
)

const (
	ExitCodeSuccess         = 0
	ExitCodeGeneric         = 1
	ExitCodeUsage           = 2
	ExitCodeIO              = 3
	ExitCodeKeyParse        = 4
	ExitCodeNetwork         = 5
	ExitCodeHostKeyRejected = 6
	ExitCodeProtocol        = 7
)

type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *ExitError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func (e *ExitError) ExitCode() int {
	if e == nil {
		return ExitCodeGeneric
	}
	return e.Code
}

func asExitError(code int, err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}
	return &ExitError{Code: code, Err: err}
}

// mapCommandError assigns an exit code by error kind. Host key rejection is
// checked before the generic handshake kinds because a ConnectError carries
// both its kind and the verifier's cause.
func mapCommandError(err error) error {
	if err == nil {
		return nil
	}
	var withExit interface{ ExitCode() int }
	if errors.As(err, &withExit) {
		return err
	}

	switch {
	case errors.Is(err, pubkey.ErrKeyParse):
		return asExitError(ExitCodeKeyParse, err)
	case errors.Is(err, config.ErrInvalidConfig):
		return asExitError(ExitCodeUsage, err)
	case errors.Is(err, transport.ErrHostKeyRejected):
		return asExitError(ExitCodeHostKeyRejected, err)
	case errors.Is(err, transport.ErrProtocolMismatch),
		errors.Is(err, auth.ErrProtocolViolation),
		errors.Is(err, auth.ErrDisconnected):
		return asExitError(ExitCodeProtocol, err)
	case errors.Is(err, transport.ErrNetworkUnreachable),
		errors.Is(err, transport.ErrHandshakeFailed),
		errors.Is(err, context.DeadlineExceeded):
		return asExitError(ExitCodeNetwork, err)
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) || errors.Is(err, os.ErrNotExist) {
		return asExitError(ExitCodeIO, err)
	}
	return asExitError(ExitCodeGeneric, err)
}

func usageErrorf(format string, args ...any) error {
	return &ExitError{
		Code: ExitCodeUsage,
		Err:  fmt.Errorf(format, args...),
	}
}
