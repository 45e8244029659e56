package tools

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/dop251/goja"
	"github.com/google/uuid"
)

// consoleFunc receives one console.* call. level is log, info, warn, error or debug.
type consoleFunc func(level string, args []any)

// newSandbox returns a fresh goja runtime with the host globals installed and
// network, filesystem and process access removed. The runtime is interrupted
// when ctx ends; call the returned stop func once the script is done.
func newSandbox(ctx context.Context, console consoleFunc) (*goja.Runtime, func(), error) {
	vm := goja.New()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			vm.Interrupt(ctx.Err())
		case <-done:
		}
	}()
	stop := func() { close(done) }

	if err := installConsole(vm, console); err != nil {
		stop()
		return nil, nil, err
	}
	installEncoding(vm)

	cryptoObj := vm.NewObject()
	_ = cryptoObj.Set("randomUUID", func(goja.FunctionCall) goja.Value {
		return vm.ToValue(uuid.NewString())
	})
	_ = vm.Set("crypto", cryptoObj)

	// Timers never fire in a synchronous sandbox; they exist so feature checks pass.
	_ = vm.Set("setTimeout", func(goja.FunctionCall) goja.Value { return vm.ToValue(0) })
	_ = vm.Set("clearTimeout", func(goja.FunctionCall) goja.Value { return goja.Undefined() })
	_ = vm.Set("setInterval", func(goja.FunctionCall) goja.Value { return vm.ToValue(0) })
	_ = vm.Set("clearInterval", func(goja.FunctionCall) goja.Value { return goja.Undefined() })

	for _, blocked := range []string{"XMLHttpRequest", "fetch", "require", "process", "__dirname", "__filename"} {
		_ = vm.Set(blocked, goja.Undefined())
	}
	return vm, stop, nil
}

func installConsole(vm *goja.Runtime, console consoleFunc) error {
	obj := vm.NewObject()
	for _, level := range []string{"log", "info", "warn", "error", "debug"} {
		level := level
		err := obj.Set(level, func(call goja.FunctionCall) goja.Value {
			if console == nil {
				return goja.Undefined()
			}
			args := make([]any, len(call.Arguments))
			for i, a := range call.Arguments {
				args[i] = consoleArg(vm, a)
			}
			console(level, args)
			return goja.Undefined()
		})
		if err != nil {
			return fmt.Errorf("setting console.%s: %w", level, err)
		}
	}
	if err := vm.Set("console", obj); err != nil {
		return fmt.Errorf("setting console: %w", err)
	}
	return nil
}

// consoleArg converts a console argument into a JSON-friendly Go value.
// Functions and other values JSON cannot represent fall back to their string form.
func consoleArg(vm *goja.Runtime, v goja.Value) any {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return v.String()
	}
	raw, err := stringify(vm, v)
	if err != nil || raw == nil {
		return v.String()
	}
	var out any
	if json.Unmarshal(raw, &out) != nil {
		return v.String()
	}
	return out
}

// formatConsole renders console arguments as a single line.
func formatConsole(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		switch v := a.(type) {
		case string:
			parts[i] = v
		default:
			b, err := json.Marshal(v)
			if err != nil {
				parts[i] = fmt.Sprint(v)
			} else {
				parts[i] = string(b)
			}
		}
	}
	return strings.Join(parts, " ")
}

// stringify runs JSON.stringify inside vm. A nil result means the value has no
// JSON form (undefined, functions).
func stringify(vm *goja.Runtime, v goja.Value) (json.RawMessage, error) {
	fn, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("stringify"))
	if !ok {
		return nil, fmt.Errorf("JSON.stringify unavailable")
	}
	res, err := fn(goja.Undefined(), v)
	if err != nil {
		return nil, err
	}
	if goja.IsUndefined(res) {
		return nil, nil
	}
	return json.RawMessage(res.String()), nil
}

// toJS converts a Go value into a native JS value via JSON.
func toJS(vm *goja.Runtime, v any) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return parseJSON(vm, raw)
}

func parseJSON(vm *goja.Runtime, raw []byte) (goja.Value, error) {
	fn, ok := goja.AssertFunction(vm.Get("JSON").ToObject(vm).Get("parse"))
	if !ok {
		return nil, fmt.Errorf("JSON.parse unavailable")
	}
	return fn(goja.Undefined(), vm.ToValue(string(raw)))
}

// installEncoding adds btoa/atob, a minimal Buffer and TextEncoder/TextDecoder.
func installEncoding(vm *goja.Runtime) {
	_ = vm.Set("btoa", func(call goja.FunctionCall) goja.Value {
		return vm.ToValue(base64.StdEncoding.EncodeToString([]byte(call.Argument(0).String())))
	})
	_ = vm.Set("atob", func(call goja.FunctionCall) goja.Value {
		decoded, err := base64.StdEncoding.DecodeString(call.Argument(0).String())
		if err != nil {
			panic(vm.NewGoError(fmt.Errorf("atob: invalid base64 input: %w", err)))
		}
		return vm.ToValue(string(decoded))
	})

	makeBuffer := func(b []byte) *goja.Object {
		obj := vm.NewObject()
		_ = obj.Set("length", len(b))
		_ = obj.Set("toString", func(call goja.FunctionCall) goja.Value {
			switch strings.ToLower(call.Argument(0).String()) {
			case "base64":
				return vm.ToValue(base64.StdEncoding.EncodeToString(b))
			case "hex":
				return vm.ToValue(hex.EncodeToString(b))
			default:
				return vm.ToValue(string(b))
			}
		})
		_ = obj.DefineDataProperty("_isBuffer", vm.ToValue(true), goja.FLAG_FALSE, goja.FLAG_FALSE, goja.FLAG_FALSE)
		return obj
	}

	buffer := vm.NewObject()
	_ = buffer.Set("from", func(call goja.FunctionCall) goja.Value {
		if len(call.Arguments) == 0 {
			panic(vm.NewTypeError("Buffer.from requires at least one argument"))
		}
		s := call.Argument(0).String()
		var raw []byte
		switch strings.ToLower(call.Argument(1).String()) {
		case "base64":
			d, err := base64.StdEncoding.DecodeString(s)
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("Buffer.from: invalid base64: %w", err)))
			}
			raw = d
		case "hex":
			d, err := hex.DecodeString(s)
			if err != nil {
				panic(vm.NewGoError(fmt.Errorf("Buffer.from: invalid hex: %w", err)))
			}
			raw = d
		default:
			raw = []byte(s)
		}
		return makeBuffer(raw)
	})
	_ = buffer.Set("isBuffer", func(call goja.FunctionCall) goja.Value {
		obj, ok := call.Argument(0).(*goja.Object)
		if !ok {
			return vm.ToValue(false)
		}
		v := obj.Get("_isBuffer")
		return vm.ToValue(v != nil && v.ToBoolean())
	})
	_ = vm.Set("Buffer", buffer)

	_ = vm.Set("TextEncoder", func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("encoding", "utf-8")
		_ = call.This.Set("encode", func(c goja.FunctionCall) goja.Value {
			b := []byte(c.Argument(0).String())
			arr := make([]int, len(b))
			for i, v := range b {
				arr[i] = int(v)
			}
			return vm.ToValue(arr)
		})
		return nil
	})
	_ = vm.Set("TextDecoder", func(call goja.ConstructorCall) *goja.Object {
		_ = call.This.Set("encoding", "utf-8")
		_ = call.This.Set("decode", func(c goja.FunctionCall) goja.Value {
			var b []byte
			switch v := c.Argument(0).Export().(type) {
			case []byte:
				b = v
			case []any:
				b = make([]byte, len(v))
				for i, x := range v {
					switch n := x.(type) {
					case int64:
						b[i] = byte(n)
					case float64:
						b[i] = byte(n)
					}
				}
			case string:
				b = []byte(v)
			}
			if !utf8.Valid(b) {
				return vm.ToValue(strings.ToValidUTF8(string(b), "�"))
			}
			return vm.ToValue(string(b))
		})
		return nil
	})
}
