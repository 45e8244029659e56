package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"
)

const runCodeMaxTimeout = 30 * time.Second

type runCodeInputs struct {
	Code           string `json:"code"`
	TimeoutSeconds int    `json:"timeoutSeconds"`
}

type runCodeOutput struct {
	Output      string          `json:"output,omitempty"`
	ReturnValue json.RawMessage `json:"returnValue,omitempty"`
	DurationMS  int64           `json:"durationMs"`
}

type consoleLine struct {
	Level string `json:"level"`
	Line  string `json:"line"`
}

// RunCode executes a JavaScript snippet in a fresh sandbox. Every console line
// is streamed as it is printed; the collected output and the value of the last
// expression make up the result.
func RunCode(ctx context.Context, inputs map[string]any, tc *Context) (any, error) {
	var in runCodeInputs
	if err := decodeInputs(inputs, &in); err != nil {
		return nil, fmt.Errorf("sandbox/runCode: %w", err)
	}
	if strings.TrimSpace(in.Code) == "" {
		return nil, errors.New("sandbox/runCode: code must not be empty")
	}

	timeout := 10 * time.Second
	if in.TimeoutSeconds > 0 {
		timeout = min(time.Duration(in.TimeoutSeconds)*time.Second, runCodeMaxTimeout)
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var lines []string
	vm, stop, err := newSandbox(runCtx, func(level string, args []any) {
		line := formatConsole(args)
		if level != "log" && level != "info" {
			line = "[" + level + "] " + line
		}
		lines = append(lines, line)
		_ = tc.StreamResponse(consoleLine{Level: level, Line: line})
	})
	if err != nil {
		return nil, err
	}
	defer stop()

	start := time.Now()
	val, err := vm.RunString(in.Code)
	elapsed := time.Since(start)
	if err != nil {
		if runCtx.Err() != nil {
			return nil, fmt.Errorf("execution timed out after %dms", elapsed.Milliseconds())
		}
		var ex *goja.Exception
		if errors.As(err, &ex) {
			return nil, fmt.Errorf("runtime error: %s", ex.Value().String())
		}
		return nil, fmt.Errorf("runtime error: %w", err)
	}

	out := runCodeOutput{
		Output:     strings.Join(lines, "\n"),
		DurationMS: elapsed.Milliseconds(),
	}
	if val != nil && !goja.IsUndefined(val) && !goja.IsNull(val) {
		if raw, err := stringify(vm, val); err == nil && raw != nil {
			out.ReturnValue = raw
		}
	}
	return out, nil
}

// decodeInputs maps the loosely typed inputs object onto a struct.
func decodeInputs(inputs map[string]any, dst any) error {
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encoding inputs: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid inputs: %w", err)
	}
	return nil
}
