package tools

import (
	"context"
	"time"
)

// GetTime returns the invocation time from the systemVar, or the current UTC
// time when the caller did not supply one.
func GetTime(_ context.Context, _ map[string]any, tc *Context) (any, error) {
	t := tc.SystemVar.Time
	if t == "" {
		t = time.Now().UTC().Format(time.RFC3339)
	}
	return map[string]string{"time": t}, nil
}

// Builtins returns the tools compiled into the binary.
func Builtins() []*Descriptor {
	return []*Descriptor{
		{
			ID:          "getTime",
			Name:        "getTime",
			Description: "Returns the invocation time.",
			InProcess:   true,
			Cb:          GetTime,
		},
		{
			ID:          "sandbox/runCode",
			Name:        "runCode",
			Description: "Runs a JavaScript snippet in a sandbox and streams its console output.",
			Dir:         "sandbox",
			Timeout:     runCodeMaxTimeout + 5*time.Second,
			Cb:          RunCode,
		},
		{
			ID:          "web/fetchUrl",
			Name:        "fetchUrl",
			Description: "Fetches a URL and returns it as Markdown, links or raw text.",
			Dir:         "web",
			Cb:          FetchURL,
		},
		{
			ID:          "web/search",
			Name:        "search",
			Description: "Searches the web with Brave Search.",
			Dir:         "web",
			Cb:          WebSearch,
		},
	}
}
