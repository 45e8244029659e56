package invoke

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auxothq/toolhost/pkg/pending"
	"github.com/auxothq/toolhost/pkg/protocol"
)

// ErrInvoke wraps every failure of a reverse call: a rejected reply, a
// timeout, or a transport error.
var ErrInvoke = errors.New("reverse invoke failed")

// ErrNotInWorker is returned when a tool running in the host process attempts
// a reverse call. It wraps ErrInvoke.
var ErrNotInWorker = fmt.Errorf("%w: only available inside a worker", ErrInvoke)

// Invoker performs reverse calls.
type Invoker interface {
	Invoke(ctx context.Context, method string, params any) (json.RawMessage, error)
}

// PostFunc sends one envelope to the host.
type PostFunc func(protocol.Envelope) error

// Client issues reverse calls from inside a worker.
type Client struct {
	post  PostFunc
	calls *pending.Table[json.RawMessage]
}

// NewClient returns a client that posts requests with post and waits up to
// timeout for each reply.
func NewClient(post PostFunc, timeout time.Duration) *Client {
	return &Client{
		post:  post,
		calls: pending.New[json.RawMessage](timeout),
	}
}

// Invoke calls method on the host and returns the raw reply data.
func (c *Client) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: encoding params: %v", ErrInvoke, method, err)
	}

	data, err := c.calls.Call(ctx, func(id string) error {
		env, err := protocol.NewEnvelope(protocol.TypeInvoke, protocol.InvokeRequest{
			ID:     id,
			Method: method,
			Params: raw,
		})
		if err != nil {
			return err
		}
		return c.post(env)
	})
	if err != nil {
		if errors.Is(err, ErrInvoke) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrInvoke, method, err)
	}
	return data, nil
}

// HandleReply completes the call identified by r.ID. It reports false for
// replies that match no pending call.
func (c *Client) HandleReply(r protocol.Reply) bool {
	if r.Error != "" {
		return c.calls.Reject(r.ID, fmt.Errorf("%w: %s", ErrInvoke, r.Error))
	}
	return c.calls.Resolve(r.ID, r.Data)
}

// Pending returns the number of calls awaiting a reply.
func (c *Client) Pending() int {
	return c.calls.Len()
}

// Close fails every outstanding call.
func (c *Client) Close(err error) {
	c.calls.Close(fmt.Errorf("%w: %w", ErrInvoke, err))
}

// Call performs a reverse call and decodes the reply into T.
func Call[T any](ctx context.Context, inv Invoker, method string, params any) (T, error) {
	var out T
	data, err := inv.Invoke(ctx, method, params)
	if err != nil {
		return out, err
	}
	if len(data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %s: decoding reply: %v", ErrInvoke, method, err)
	}
	return out, nil
}

// Unavailable is the Invoker handed to tools running in the host process.
type Unavailable struct{}

// Invoke always fails with ErrNotInWorker.
func (Unavailable) Invoke(context.Context, string, any) (json.RawMessage, error) {
	return nil, ErrNotInWorker
}
