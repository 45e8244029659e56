package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/auxothq/toolhost/pkg/invoke"
	"github.com/auxothq/toolhost/pkg/protocol"
	"github.com/auxothq/toolhost/pkg/upload"
)

func writeToolset(t *testing.T, root, set, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, set)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, ManifestFile), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}
	for name, content := range files {
		mode := os.FileMode(0o644)
		if strings.HasSuffix(name, ".sh") {
			mode = 0o755
		}
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), mode); err != nil {
			t.Fatal(err)
		}
	}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
}

func TestLoadDir(t *testing.T) {
	root := t.TempDir()
	writeToolset(t, root, "weather", `
description: Weather lookups
tools:
  - name: current
    entry: current.js
    timeout: 30s
  - name: forecast
    description: Forecast for tomorrow
    entry: forecast.js
    inProcess: true
`, map[string]string{
		"current.js":  `function main(inputs) { return {city: inputs.city, temp: 21}; }`,
		"forecast.js": `function main() { return "sunny"; }`,
	})
	writeToolset(t, root, "broken", `tools: [{name: x, entry: x.js}]`, map[string]string{
		"x.js": `function main( {`,
	})
	if err := os.MkdirAll(filepath.Join(root, "no-manifest"), 0o755); err != nil {
		t.Fatal(err)
	}

	descs, err := LoadDir(root, quietLogger())
	if err != nil {
		t.Fatalf("LoadDir: %v", err)
	}
	if len(descs) != 2 {
		t.Fatalf("loaded %d tools, want 2", len(descs))
	}

	byID := map[string]*Descriptor{}
	for _, d := range descs {
		byID[d.ID] = d
	}
	cur := byID["weather/current"]
	if cur == nil {
		t.Fatal("weather/current missing")
	}
	if cur.Description != "Weather lookups" || cur.Timeout != 30*time.Second || !cur.IsWorkerRun() || cur.Dir != "weather" {
		t.Errorf("current = %+v", cur)
	}
	if fc := byID["weather/forecast"]; fc == nil || fc.IsWorkerRun() {
		t.Errorf("forecast should be in-process: %+v", fc)
	}

	out, err := cur.Cb(context.Background(), map[string]any{"city": "Oslo"}, &Context{})
	if err != nil {
		t.Fatalf("calling script: %v", err)
	}
	if got := asJSON(t, out); got != `{"city":"Oslo","temp":21}` {
		t.Errorf("output = %s", got)
	}
}

func TestLoadDir_MissingDir(t *testing.T) {
	descs, err := LoadDir(filepath.Join(t.TempDir(), "absent"), quietLogger())
	if err != nil || len(descs) != 0 {
		t.Errorf("got %v, %v; want no tools and no error", descs, err)
	}
}

func TestLoadToolset_Rejects(t *testing.T) {
	tests := []struct {
		name     string
		manifest string
		files    map[string]string
		wantErr  string
	}{
		{"no tools", `description: empty`, nil, "declares no tools"},
		{"bad name", `tools: [{name: "a b", entry: a.js}]`, nil, "invalid tool name"},
		{"escape", `tools: [{name: a, entry: ../a.js}]`, nil, "escapes"},
		{"bad timeout", `tools: [{name: a, entry: a.js, timeout: soon}]`, map[string]string{"a.js": "function main(){}"}, "invalid timeout"},
		{"duplicate", `tools: [{name: a, entry: a.js}, {name: a, entry: a.js}]`, map[string]string{"a.js": "function main(){}"}, "duplicate"},
		{"not executable", `tools: [{name: a, entry: a.txt}]`, map[string]string{"a.txt": "hi"}, "neither"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			writeToolset(t, root, "set", tt.manifest, tt.files)
			_, err := LoadToolset(filepath.Join(root, "set"))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

type stubInvoker struct {
	reply json.RawMessage
	err   error
}

func (s stubInvoker) Invoke(context.Context, string, any) (json.RawMessage, error) {
	return s.reply, s.err
}

type stubUploader struct{ got upload.Input }

func (s *stubUploader) Upload(_ context.Context, in upload.Input) (upload.Result, error) {
	s.got = in
	return upload.Result{AccessURL: "http://files/" + in.Filename}, nil
}

func loadScript(t *testing.T, src string) *Descriptor {
	t.Helper()
	root := t.TempDir()
	writeToolset(t, root, "s", "tools: [{name: t, entry: t.js}]", map[string]string{"t.js": src})
	descs, err := LoadToolset(filepath.Join(root, "s"))
	if err != nil {
		t.Fatalf("LoadToolset: %v", err)
	}
	return descs[0]
}

func TestScript_ContextBridge(t *testing.T) {
	d := loadScript(t, `
function main(inputs, ctx) {
	ctx.streamResponse({step: 1});
	ctx.console.log("team", ctx.systemVar.user.teamId);
	var tok = ctx.invoke("getAccessToken", {scope: "x"});
	var file = ctx.uploadFile({filename: "a.txt", data: "aGk=", encoding: "base64"});
	return {token: tok, url: file.accessUrl, n: inputs.n + 1};
}`)

	rec := &recorder{}
	tc := rec.context()
	tc.SystemVar = protocol.SystemVar{User: protocol.UserInfo{TeamID: "t1"}}
	tc.Invoker = stubInvoker{reply: json.RawMessage(`"atk_123"`)}
	up := &stubUploader{}
	tc.Uploader = up

	out, err := d.Cb(context.Background(), map[string]any{"n": 41}, tc)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := asJSON(t, out); got != `{"token":"atk_123","url":"http://files/a.txt","n":42}` {
		t.Errorf("output = %s", got)
	}
	if len(rec.streams) != 1 || string(rec.streams[0]) != `{"step":1}` {
		t.Errorf("streams = %s", rec.streams)
	}
	if len(rec.logs) != 1 || fmt.Sprint(rec.logs[0]) != "[team t1]" {
		t.Errorf("logs = %v", rec.logs)
	}
	if string(up.got.Data) != "hi" {
		t.Errorf("uploaded data = %q", up.got.Data)
	}
}

func TestScript_Env(t *testing.T) {
	t.Setenv("TOOLHOST_TOOLS_S__API_KEY", "k1")
	t.Setenv("TOOLHOST_TOOLS_OTHER__API_KEY", "k2")
	d := loadScript(t, `function main(inputs, ctx) { return [ctx.env.API_KEY, Object.keys(ctx.env).length]; }`)

	out, err := d.Cb(context.Background(), nil, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := asJSON(t, out); got != `["k1",1]` {
		t.Errorf("output = %s", got)
	}
}

func TestScript_InvokeErrorKeepsClassification(t *testing.T) {
	d := loadScript(t, `
function main(inputs, ctx) {
	try {
		ctx.invoke("getAccessToken");
	} catch (e) {
		throw e;
	}
}`)
	tc := &Context{Invoker: stubInvoker{err: fmt.Errorf("%w: denied", invoke.ErrInvoke)}}

	_, err := d.Cb(context.Background(), nil, tc)
	if !errors.Is(err, invoke.ErrInvoke) {
		t.Fatalf("got %v, want ErrInvoke", err)
	}
	if _, nerr := Normalize(nil, err); !errors.Is(nerr, invoke.ErrInvoke) {
		t.Error("Normalize should surface the reverse-invoke failure")
	}
}

func TestScript_Errors(t *testing.T) {
	tests := []struct {
		name    string
		src     string
		wantErr string
	}{
		{"thrown error", `function main() { throw new Error("bad city"); }`, "bad city"},
		{"thrown string", `function main() { throw "plain"; }`, "plain"},
		{"no main", `var x = 1;`, "does not define main"},
		{"rejected promise", `async function main() { throw new Error("async bad"); }`, "async bad"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := loadScript(t, tt.src)
			_, err := d.Cb(context.Background(), nil, &Context{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("got %v, want error containing %q", err, tt.wantErr)
			}
			if errors.Is(err, invoke.ErrInvoke) {
				t.Error("plain script errors must not be reverse-invoke failures")
			}
		})
	}
}

func TestScript_AsyncMain(t *testing.T) {
	d := loadScript(t, `async function main(inputs) { return inputs.v * 2; }`)
	out, err := d.Cb(context.Background(), map[string]any{"v": 4}, &Context{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := asJSON(t, out); got != "8" {
		t.Errorf("output = %s", got)
	}
}

func TestScript_Interrupted(t *testing.T) {
	d := loadScript(t, `function main() { while (true) {} }`)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := d.Cb(ctx, nil, &Context{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("got %v, want deadline exceeded", err)
	}
}

func TestShellTool(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell tools need /bin/sh")
	}
	t.Setenv("TOOLHOST_TOOLS_SH__GREETING", "hello")
	root := t.TempDir()
	writeToolset(t, root, "sh", "tools: [{name: echo, entry: echo.sh}]", map[string]string{
		"echo.sh": "#!/bin/sh\necho \"working\" >&2\nread input\necho \"{\\\"in\\\":$input,\\\"greeting\\\":\\\"$GREETING\\\"}\"\n",
	})
	descs, err := LoadToolset(filepath.Join(root, "sh"))
	if err != nil {
		t.Fatalf("LoadToolset: %v", err)
	}

	rec := &recorder{}
	out, err := descs[0].Cb(context.Background(), map[string]any{"a": 1}, rec.context())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := asJSON(t, out); got != `{"in":{"a":1},"greeting":"hello"}` {
		t.Errorf("output = %s", got)
	}
	if len(rec.logs) != 1 || rec.logs[0][0] != "working" {
		t.Errorf("logs = %v", rec.logs)
	}
}
