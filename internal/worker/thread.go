package worker

import (
	"context"
	"io"
	"sync"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// ThreadSpawner runs each worker on its own goroutine. The worker shares no
// state with the host beyond the two message channels; script tools still get
// a fresh VM per invocation.
type ThreadSpawner struct {
	Runtime RuntimeConfig
}

// Mode implements Spawner.
func (s *ThreadSpawner) Mode() string { return ModeThread }

// Spawn implements Spawner.
func (s *ThreadSpawner) Spawn(ctx context.Context) (Worker, error) {
	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &threadWorker{
		ctx:    wctx,
		cancel: cancel,
		in:     make(chan protocol.Envelope, 16),
		out:    make(chan protocol.Envelope, 64),
	}
	go t.run(s.Runtime)
	return t, nil
}

type threadWorker struct {
	ctx    context.Context
	cancel context.CancelFunc

	in  chan protocol.Envelope // host → worker, never closed
	out chan protocol.Envelope // worker → host, closed on exit

	mu     sync.Mutex
	closed bool
	err    error
}

func (t *threadWorker) run(cfg RuntimeConfig) {
	err := Serve(t.ctx, threadPort{t}, cfg)
	t.cancel()

	t.mu.Lock()
	t.closed = true
	t.err = err
	close(t.out)
	t.mu.Unlock()
}

func (t *threadWorker) Post(env protocol.Envelope) error {
	select {
	case <-t.ctx.Done():
		return ErrTerminated
	default:
	}
	select {
	case t.in <- env:
		return nil
	case <-t.ctx.Done():
		return ErrTerminated
	}
}

func (t *threadWorker) Messages() <-chan protocol.Envelope { return t.out }

func (t *threadWorker) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *threadWorker) Terminate() { t.cancel() }

// threadPort is the worker goroutine's end of the channels.
type threadPort struct {
	t *threadWorker
}

func (p threadPort) Post(env protocol.Envelope) error {
	p.t.mu.Lock()
	defer p.t.mu.Unlock()
	if p.t.closed {
		return ErrTerminated
	}
	select {
	case <-p.t.ctx.Done():
		return ErrTerminated
	default:
	}
	select {
	case p.t.out <- env:
		return nil
	case <-p.t.ctx.Done():
		return ErrTerminated
	}
}

func (p threadPort) Receive(ctx context.Context) (protocol.Envelope, error) {
	select {
	case env := <-p.t.in:
		return env, nil
	case <-ctx.Done():
		return protocol.Envelope{}, ctx.Err()
	case <-p.t.ctx.Done():
		return protocol.Envelope{}, io.EOF
	}
}
