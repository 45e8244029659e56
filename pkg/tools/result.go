package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
)

// PanicError is returned by SafeCall when the callback panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("tool panicked: %v", e.Value)
}

// SafeCall runs d's callback, converting a panic into a *PanicError.
func SafeCall(ctx context.Context, d *Descriptor, inputs map[string]any, tc *Context) (out any, err error) {
	defer func() {
		if p := recover(); p != nil {
			out = nil
			err = &PanicError{Value: p, Stack: debug.Stack()}
		}
	}()
	if inputs == nil {
		inputs = map[string]any{}
	}
	return d.Cb(ctx, inputs, tc)
}

// Normalize turns a callback outcome into a ToolResult. Execution errors (a
// returned error, a panic, an output object with a truthy "error" field) land
// in ToolResult.Error. A failed reverse call that escaped the tool is instead
// returned as the error: it is a dispatch failure, not a tool answer.
func Normalize(out any, err error) (protocol.ToolResult, error) {
	if err != nil {
		if errors.Is(err, invoke.ErrInvoke) {
			return protocol.ToolResult{}, err
		}
		return protocol.ToolResult{Error: err.Error()}, nil
	}

	raw, mErr := json.Marshal(out)
	if mErr != nil {
		return protocol.ToolResult{Error: fmt.Sprintf("encoding tool output: %v", mErr)}, nil
	}

	if msg, ok := outputError(raw); ok {
		return protocol.ToolResult{Error: msg}, nil
	}
	return protocol.ToolResult{Output: raw}, nil
}

// outputError extracts a truthy top-level "error" field from a JSON object.
func outputError(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || raw[0] != '{' {
		return "", false
	}
	var obj struct {
		Error any `json:"error"`
	}
	if json.Unmarshal(raw, &obj) != nil {
		return "", false
	}
	switch v := obj.Error.(type) {
	case nil:
		return "", false
	case bool:
		if !v {
			return "", false
		}
		return "tool reported an error", true
	case string:
		if v == "" {
			return "", false
		}
		return v, true
	case float64:
		if v == 0 {
			return "", false
		}
		return fmt.Sprint(v), true
	case map[string]any:
		if m, ok := v["message"].(string); ok && m != "" {
			return m, true
		}
	}
	b, _ := json.Marshal(obj.Error)
	return string(b), true
}
