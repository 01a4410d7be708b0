package security

import (
	"context"
	"fmt"
	"os"
	"syscall"

	"github.com/rs/zerolog"
)

// Terminator ends a process by PID.
type Terminator interface {
	Terminate(ctx context.Context, pid int32) error
}

// SignalTerminator sends SIGTERM and falls back to SIGKILL when the first
// signal cannot be delivered.
type SignalTerminator struct {
	logger zerolog.Logger
}

func NewSignalTerminator(logger zerolog.Logger) *SignalTerminator {
	return &SignalTerminator{logger: logger}
}

func (t *SignalTerminator) Terminate(ctx context.Context, pid int32) error {
	if pid <= 1 || int(pid) == os.Getpid() {
		return fmt.Errorf("refusing to terminate pid %d", pid)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	process, err := os.FindProcess(int(pid))
	if err != nil {
		return fmt.Errorf("failed to find process with PID %d: %w", pid, err)
	}
	if err := process.Signal(syscall.SIGTERM); err != nil {
		t.logger.Warn().Err(err).Int32("pid", pid).Msg("Failed to send SIGTERM, attempting SIGKILL")
		if err := process.Signal(syscall.SIGKILL); err != nil {
			return fmt.Errorf("failed to send SIGKILL to process %d: %w", pid, err)
		}
	}
	t.logger.Warn().Int32("pid", pid).Msg("Terminated suspicious process")
	return nil
}
