// Package invoke implements reverse calls: methods a running tool asks the
// host to perform on its behalf (issuing access tokens, fetching third-party
// credentials). The host side is a Registry of named handlers; the worker side
// is a Client that round-trips each call through a correlation table.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/auxothq/toolhost/pkg/protocol"
)

// Handler serves one reverse-invoke method. The returned value is JSON-encoded
// into the reply.
type Handler func(ctx context.Context, params json.RawMessage, sv protocol.SystemVar) (any, error)

// Registry maps method names to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		handlers: make(map[string]Handler),
		logger:   logger.With("component", "invoke_registry"),
	}
}

// Register installs h for method. Registering the same method twice replaces
// the earlier handler.
func (r *Registry) Register(method string, h Handler) {
	r.mu.Lock()
	_, exists := r.handlers[method]
	r.handlers[method] = h
	r.mu.Unlock()

	if exists {
		r.logger.Warn("reverse-invoke handler overwritten", "method", method)
	}
}

// Lookup returns the handler for method.
func (r *Registry) Lookup(method string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[method]
	return h, ok
}

// Methods returns the registered method names, sorted.
func (r *Registry) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Serve runs the handler for req and builds the reply. Unknown methods,
// handler errors and handler panics all become the reply's Error field.
func (r *Registry) Serve(ctx context.Context, req protocol.InvokeRequest, sv protocol.SystemVar) (reply protocol.Reply) {
	reply.ID = req.ID

	h, ok := r.Lookup(req.Method)
	if !ok {
		reply.Error = fmt.Sprintf("unknown invoke method %q", req.Method)
		return reply
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("reverse-invoke handler panicked",
				"method", req.Method,
				"panic", p,
				"stack", string(debug.Stack()),
			)
			reply.Data = nil
			reply.Error = fmt.Sprintf("invoke %s panicked: %v", req.Method, p)
		}
	}()

	result, err := h(ctx, req.Params, sv)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}

	data, err := json.Marshal(result)
	if err != nil {
		reply.Error = fmt.Sprintf("encoding %s result: %v", req.Method, err)
		return reply
	}
	reply.Data = data
	return reply
}
