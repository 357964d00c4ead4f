package session

import (
	"fmt"

	"github.com/roeeharel/remote-claude-v2/services/debugrelay/internal/protocol"
)

// ErrNotBootstrap is returned when the first client message is not an
// initialize request declaring an adapterID.
var ErrNotBootstrap = protocol.ErrNotBootstrap

// UnexpectedExitError reports a debug adapter that exited with a non-zero
// status, or was killed by a signal, while its session was active.
type UnexpectedExitError struct {
	Pid      int
	ExitCode int
	Err      error
}

func (e *UnexpectedExitError) Error() string {
	return fmt.Sprintf("debug adapter (pid %d) exited unexpectedly with code %d", e.Pid, e.ExitCode)
}

func (e *UnexpectedExitError) Unwrap() error {
	return e.Err
}
