package tools

import (
	"encoding/json"
	"sync"

	"github.com/auxothq/toolhost/pkg/upload"
)

// recorder is a Context sink that keeps every streamed payload and log line.
type recorder struct {
	mu      sync.Mutex
	streams []json.RawMessage
	logs    [][]any
}

func (r *recorder) context() *Context {
	return &Context{
		StreamFunc: func(p json.RawMessage) error {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.streams = append(r.streams, append(json.RawMessage(nil), p...))
			return nil
		},
		LogFunc: func(args ...any) {
			r.mu.Lock()
			defer r.mu.Unlock()
			r.logs = append(r.logs, args)
		},
	}
}

func asJSON(t interface{ Fatalf(string, ...any) }, v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func uploadInput(name string) upload.Input {
	return upload.Input{Filename: name, Data: []byte("x")}
}
