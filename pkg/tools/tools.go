// Package tools defines what a tool is to the host: a Descriptor carrying an
// ID, metadata and a Callback, plus the Catalog that resolves tool IDs.
//
// Tools come from two places:
//   - built-ins compiled into the binary (getTime, sandbox/runCode,
//     web/fetchUrl, web/search)
//   - script toolsets discovered under the tools directory, each described by
//     a tool.yaml manifest whose entries are JavaScript (run in goja) or
//     executable shell scripts
package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/upload"
)

// Callback runs one tool invocation. The returned value is JSON-encoded as the
// tool output.
type Callback func(ctx context.Context, inputs map[string]any, tc *Context) (any, error)

// Descriptor describes a resolvable tool.
type Descriptor struct {
	ID          string
	Name        string
	Description string
	// Dir is the toolset directory name the tool was loaded from; empty for built-ins.
	Dir string
	// InProcess tools run in the host process instead of a worker.
	InProcess bool
	// Timeout overrides the session deadline when non-zero.
	Timeout time.Duration
	Cb      Callback
}

// IsWorkerRun reports whether the tool must run in an isolated worker.
func (d *Descriptor) IsWorkerRun() bool {
	return !d.InProcess
}

// Context is the handle a running tool uses to talk back to the host.
// The zero value is usable: streaming and logging become no-ops, reverse
// calls fail with invoke.ErrNotInWorker.
type Context struct {
	SystemVar protocol.SystemVar

	StreamFunc func(payload json.RawMessage) error
	Invoker    invoke.Invoker
	Uploader   upload.Uploader
	LogFunc    func(args ...any)
}

// StreamResponse sends one incremental payload to the caller.
func (c *Context) StreamResponse(v any) error {
	if c.StreamFunc == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding stream payload: %w", err)
	}
	return c.StreamFunc(raw)
}

// Invoke performs a reverse call on the host.
func (c *Context) Invoke(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if c.Invoker == nil {
		return nil, invoke.ErrNotInWorker
	}
	return c.Invoker.Invoke(ctx, method, params)
}

// UploadFile stores a file through the host and returns its URL.
func (c *Context) UploadFile(ctx context.Context, in upload.Input) (upload.Result, error) {
	if c.Uploader == nil {
		return upload.Result{}, errors.New("file upload is not available")
	}
	return c.Uploader.Upload(ctx, in)
}

// Print forwards console output from the tool.
func (c *Context) Print(args ...any) {
	if c.LogFunc != nil {
		c.LogFunc(args...)
	}
}
