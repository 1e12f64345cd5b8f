// Package compute provides access to the remote sandbox provider: the
// ephemeral compute environments where project code runs. The provider
// is an opaque service; this package only wraps its control API and the
// per-process I/O stream.
package compute

import (
	"context"
	"errors"
	"time"
)

// ErrNotRunning is returned by operations that need a live sandbox when
// the provider reports the sandbox has stopped (idle timeout or crash).
var ErrNotRunning = errors.New("sandbox is not running")

// ProcessOptions configures an interactive process inside a sandbox.
type ProcessOptions struct {
	Command string
	Cols    uint16
	Rows    uint16

	// OnData receives raw output bytes as they arrive. The stream is
	// lazy and unrestartable: once the process ends the output cannot
	// be replayed.
	OnData func(data []byte)
}

// Process is one interactive process running inside a sandbox.
type Process interface {
	// Write forwards raw bytes to the process's stdin, uninterpreted.
	Write(data []byte) error

	// Resize is a best-effort window size hint.
	Resize(cols, rows uint16) error

	// Kill terminates the process. Killing an exited process is a no-op.
	Kill() error

	// Done is closed when the process has exited and its output stream
	// is drained.
	Done() <-chan struct{}
}

// Sandbox is an opaque handle to one provisioned compute environment.
type Sandbox interface {
	// ID returns the provider's identifier for this sandbox.
	ID() string

	// IsRunning reports whether the sandbox is still alive. A false
	// result means the handle is stale and a new sandbox must be
	// provisioned.
	IsRunning(ctx context.Context) (bool, error)

	// SetTimeout extends the sandbox's idle timeout. Used by heartbeats.
	SetTimeout(ctx context.Context, d time.Duration) error

	// WriteFile writes a file inside the sandbox filesystem.
	WriteFile(ctx context.Context, path string, data string) error

	// MakeDir creates a directory inside the sandbox filesystem.
	MakeDir(ctx context.Context, path string) error

	// Remove deletes a file or directory tree inside the sandbox.
	Remove(ctx context.Context, path string) error

	// Rename moves a file or directory inside the sandbox.
	Rename(ctx context.Context, oldPath, newPath string) error

	// StartProcess starts an interactive process and begins streaming
	// its output to opts.OnData.
	StartProcess(ctx context.Context, opts ProcessOptions) (Process, error)
}

// Provider provisions sandboxes.
type Provider interface {
	// Create provisions a new sandbox with the provider's configured
	// template and idle timeout.
	Create(ctx context.Context) (Sandbox, error)
}
