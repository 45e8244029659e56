// Package worker runs tools in isolated, single-use workers.
//
// The host side spawns a Worker through a Spawner and drives it with a
// Session. The worker side runs Serve, which executes exactly one tool and
// talks back to the host over the message protocol in pkg/protocol.
//
// Two transports exist:
//   - thread: a goroutine connected to the host by channels only
//   - process: a child "toolhost worker" process speaking newline-delimited
//     JSON over stdin/stdout
package worker

import (
	"context"
	"errors"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// Transport modes.
const (
	ModeThread  = "thread"
	ModeProcess = "process"
)

var (
	// ErrWorkerExited is returned when a worker goes away without sending done.
	ErrWorkerExited = errors.New("worker exited before completing")

	// ErrTimeout is returned when the session deadline passes.
	ErrTimeout = errors.New("tool execution timed out")

	// ErrTerminated is returned by Post once a worker has been terminated.
	ErrTerminated = errors.New("worker terminated")
)

// Worker is the host's handle on one running worker.
type Worker interface {
	// Post sends one message to the worker.
	Post(env protocol.Envelope) error
	// Messages yields everything the worker sends, in order. It is closed
	// when the worker exits.
	Messages() <-chan protocol.Envelope
	// Err reports why the worker exited. Valid once Messages is closed.
	Err() error
	// Terminate stops the worker. Safe to call more than once.
	Terminate()
}

// Spawner starts fresh workers.
type Spawner interface {
	Spawn(ctx context.Context) (Worker, error)
	Mode() string
}

// Port is the worker's side of the connection to the host.
type Port interface {
	Post(env protocol.Envelope) error
	// Receive blocks for the next host message. It returns io.EOF once the
	// host side is gone.
	Receive(ctx context.Context) (protocol.Envelope, error)
}
