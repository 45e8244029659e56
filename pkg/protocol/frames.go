package protocol

import (
	"encoding/json"
)

// FrameType tags a frame relayed to an HTTP caller.
type FrameType string

const (
	FrameStream   FrameType = "stream"
	FrameResponse FrameType = "response"
	FrameError    FrameType = "error"
)

// Frame is one message of a relayed invocation. A stream carries any number
// of FrameStream frames followed by exactly one terminal frame.
type Frame struct {
	Type FrameType `json:"type"`
	Data any       `json:"data"`
}

// Terminal reports whether f ends the stream.
func (f Frame) Terminal() bool {
	return f.Type == FrameResponse || f.Type == FrameError
}

// StreamFrame wraps one incremental payload.
func StreamFrame(payload json.RawMessage) Frame {
	if len(payload) == 0 {
		payload = json.RawMessage("null")
	}
	return Frame{Type: FrameStream, Data: payload}
}

// ResponseFrame wraps the final tool result.
func ResponseFrame(r ToolResult) Frame {
	return Frame{Type: FrameResponse, Data: r}
}

// ErrorFrame wraps a dispatch failure message.
func ErrorFrame(msg string) Frame {
	return Frame{Type: FrameError, Data: msg}
}

// ToolResult is the outcome of a tool that ran to completion. Error holds the
// normalized execution error when the tool failed.
type ToolResult struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// RunRequest is the body of a tool invocation request.
type RunRequest struct {
	ToolID    string         `json:"toolId"`
	Inputs    map[string]any `json:"inputs"`
	SystemVar SystemVar      `json:"systemVar"`
}
