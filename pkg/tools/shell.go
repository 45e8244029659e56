package tools

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os/exec"
)

// shellCallback runs an executable as a tool. The inputs object is written to
// its stdin as JSON and its stdout is the output (JSON when valid, otherwise a
// string). Each stderr line is forwarded as console output. The systemVar is
// passed in TOOLHOST_SYSTEM_VAR.
func shellCallback(set, path string) Callback {
	return func(ctx context.Context, inputs map[string]any, tc *Context) (any, error) {
		in, err := json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("encoding inputs: %w", err)
		}
		sv, err := json.Marshal(tc.SystemVar)
		if err != nil {
			return nil, fmt.Errorf("encoding systemVar: %w", err)
		}

		cmd := exec.CommandContext(ctx, path)
		cmd.Env = BuildToolEnv(set, map[string]string{"TOOLHOST_SYSTEM_VAR": string(sv)})
		cmd.Stdin = bytes.NewReader(in)

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return nil, fmt.Errorf("opening stderr: %w", err)
		}

		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("starting %s: %w", path, err)
		}

		// stderr must be drained before Wait closes the pipe.
		forwardLines(stderr, tc)

		if err := cmd.Wait(); err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("shell tool %s: %w", path, ctx.Err())
			}
			return nil, fmt.Errorf("shell tool %s exited with error: %w", path, err)
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return nil, nil
		}
		if json.Valid(out) {
			return json.RawMessage(out), nil
		}
		return string(out), nil
	}
}

func forwardLines(r io.Reader, tc *Context) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		tc.Print(sc.Text())
	}
}

// isExecutable reports whether a file has at least one executable bit set.
func isExecutable(info fs.FileInfo) bool {
	return info.Mode()&0o111 != 0
}
