package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// StdioPort is the Port used inside a worker process: host messages arrive
// on r (the process stdin), worker messages go to w (the process stdout).
type StdioPort struct {
	writer *protocol.LineWriter
	in     chan protocol.Envelope
	done   chan struct{}
	err    error
}

// NewStdioPort starts reading r in the background.
func NewStdioPort(r io.Reader, w io.Writer, logger *slog.Logger) *StdioPort {
	p := &StdioPort{
		writer: protocol.NewLineWriter(w),
		in:     make(chan protocol.Envelope, 16),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		lr := protocol.NewLineReader(r)
		for {
			env, err := lr.Read()
			if err != nil {
				if errors.Is(err, protocol.ErrMalformed) {
					logger.Warn("skipping malformed host message", "error", err)
					continue
				}
				p.err = err
				return
			}
			p.in <- env
		}
	}()
	return p
}

// Post implements Port.
func (p *StdioPort) Post(env protocol.Envelope) error {
	return p.writer.Write(env)
}

// Receive implements Port.
func (p *StdioPort) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-p.in:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-p.done:
		// Messages buffered before the stream ended still count.
		select {
		case env := <-p.in:
			return env, nil
		default:
		}
		if p.err == nil || errors.Is(p.err, io.EOF) {
			return protocol.Envelope{}, io.EOF
		}
		return protocol.Envelope{}, p.err
	}
}
