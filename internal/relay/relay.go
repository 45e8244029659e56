// Package relay delivers tool output frames to an HTTP caller, either as
// Server-Sent Events or over a WebSocket.
//
// Every relay accepts any number of stream frames followed by exactly one
// terminal frame (response or error). Anything sent after the terminal frame,
// after Close, or after the client went away is dropped.
package relay

import (
	"github.com/auxothq/toolhost/pkg/protocol"
)

// Relay is one caller's output channel.
type Relay interface {
	Send(f protocol.Frame) error
	// Close is idempotent.
	Close()
	// Done is closed once the relay is closed or the client disconnected.
	Done() <-chan struct{}
}
