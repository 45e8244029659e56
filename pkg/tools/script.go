package tools

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/dop251/goja"

	"github.com/auxothq/toolhost/pkg/upload"
)

// compileScript parses a script tool's source once; the program is shared by
// every invocation, each of which runs it in its own runtime.
func compileScript(path, source string) (*goja.Program, error) {
	prog, err := goja.Compile(path, source, false)
	if err != nil {
		return nil, fmt.Errorf("compiling %s: %w", path, err)
	}
	return prog, nil
}

// scriptCallback runs prog's main(inputs, ctx) in a fresh runtime per call.
// path is the tool ID; its set prefix selects the credentials in ctx.env.
func scriptCallback(path string, prog *goja.Program) Callback {
	return func(ctx context.Context, inputs map[string]any, tc *Context) (any, error) {
		runCtx, cancel := context.WithCancel(ctx)
		defer cancel()

		vm, stop, err := newSandbox(runCtx, func(level string, args []any) {
			if level != "log" && level != "info" {
				args = append([]any{"[" + level + "]"}, args...)
			}
			tc.Print(args...)
		})
		if err != nil {
			return nil, err
		}
		defer stop()

		// Errors thrown by ctx.invoke keep their Go error so callers can
		// classify them after the exception unwinds through JS.
		thrown := map[*goja.Object]error{}

		if _, err := vm.RunProgram(prog); err != nil {
			return nil, scriptError(runCtx, err, thrown)
		}
		mainFn, ok := goja.AssertFunction(vm.Get("main"))
		if !ok {
			return nil, fmt.Errorf("%s: script does not define main(inputs, ctx)", path)
		}

		jsInputs, err := toJS(vm, inputs)
		if err != nil {
			return nil, fmt.Errorf("converting inputs: %w", err)
		}
		jsCtx, err := scriptContext(runCtx, vm, tc, thrown)
		if err != nil {
			return nil, err
		}
		set, _, _ := strings.Cut(path, "/")
		env, err := toJS(vm, ToolsetCredentials(set))
		if err != nil {
			return nil, fmt.Errorf("converting env: %w", err)
		}
		_ = jsCtx.Set("env", env)

		res, err := mainFn(goja.Undefined(), jsInputs, jsCtx)
		if err != nil {
			return nil, scriptError(runCtx, err, thrown)
		}

		if p, ok := res.Export().(*goja.Promise); ok {
			switch p.State() {
			case goja.PromiseStateFulfilled:
				res = p.Result()
			case goja.PromiseStateRejected:
				return nil, thrownError(p.Result(), thrown)
			default:
				return nil, errors.New("main returned a promise that never settled")
			}
		}

		out, err := stringify(vm, res)
		if err != nil {
			return nil, scriptError(runCtx, err, thrown)
		}
		if out == nil {
			return nil, nil
		}
		return out, nil
	}
}

// scriptContext builds the ctx object passed to main.
func scriptContext(ctx context.Context, vm *goja.Runtime, tc *Context, thrown map[*goja.Object]error) (*goja.Object, error) {
	obj := vm.NewObject()

	sv, err := toJS(vm, tc.SystemVar)
	if err != nil {
		return nil, fmt.Errorf("converting systemVar: %w", err)
	}
	_ = obj.Set("systemVar", sv)
	_ = obj.Set("console", vm.Get("console"))

	throw := func(err error) {
		e := vm.NewGoError(err)
		thrown[e] = err
		panic(e)
	}

	_ = obj.Set("streamResponse", func(call goja.FunctionCall) goja.Value {
		raw, err := stringify(vm, call.Argument(0))
		if err != nil {
			throw(err)
		}
		if raw == nil {
			raw = []byte("null")
		}
		if tc.StreamFunc != nil {
			if err := tc.StreamFunc(raw); err != nil {
				throw(err)
			}
		}
		return goja.Undefined()
	})

	_ = obj.Set("invoke", func(call goja.FunctionCall) goja.Value {
		method := call.Argument(0).String()
		data, err := tc.Invoke(ctx, method, call.Argument(1).Export())
		if err != nil {
			throw(err)
		}
		if len(data) == 0 {
			return goja.Undefined()
		}
		v, err := parseJSON(vm, data)
		if err != nil {
			throw(fmt.Errorf("decoding %s reply: %w", method, err))
		}
		return v
	})

	_ = obj.Set("uploadFile", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0).ToObject(vm)
		in := upload.Input{
			Filename:    valueString(arg.Get("filename")),
			ContentType: valueString(arg.Get("contentType")),
		}
		data := valueString(arg.Get("data"))
		if strings.EqualFold(valueString(arg.Get("encoding")), "base64") {
			b, err := base64.StdEncoding.DecodeString(data)
			if err != nil {
				throw(fmt.Errorf("uploadFile: invalid base64 data: %w", err))
			}
			in.Data = b
		} else {
			in.Data = []byte(data)
		}
		res, err := tc.UploadFile(ctx, in)
		if err != nil {
			throw(err)
		}
		v, _ := toJS(vm, res)
		return v
	})

	return obj, nil
}

func valueString(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return ""
	}
	return v.String()
}

// scriptError maps a goja failure to a Go error.
func scriptError(ctx context.Context, err error, thrown map[*goja.Object]error) error {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if ctx.Err() != nil {
			return fmt.Errorf("script interrupted: %w", ctx.Err())
		}
		return fmt.Errorf("script interrupted: %v", interrupted.Value())
	}
	var ex *goja.Exception
	if errors.As(err, &ex) {
		return thrownError(ex.Value(), thrown)
	}
	return err
}

func thrownError(v goja.Value, thrown map[*goja.Object]error) error {
	if obj, ok := v.(*goja.Object); ok {
		if err, ok := thrown[obj]; ok {
			return err
		}
		if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
			return errors.New(msg.String())
		}
	}
	if v == nil {
		return errors.New("script threw undefined")
	}
	return errors.New(v.String())
}
