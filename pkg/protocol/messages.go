// Package protocol defines the message types exchanged between the host
// process and a tool worker, plus the frames relayed to HTTP callers.
//
// Every worker message is an Envelope: a "type" tag and a JSON "data" payload.
// The same type tag can travel in both directions ("invoke" is a request when
// the worker sends it and a reply when the host sends it), so decoding is
// direction-specific: DecodeFromWorker on the host, DecodeFromHost in the worker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformed marks a message that could not be parsed as an envelope.
// Readers can skip such a line and keep going.
var ErrMalformed = errors.New("malformed envelope")

// MessageType identifies the kind of message carried by an Envelope.
type MessageType string

const (
	// Host → Worker
	TypeRunTool MessageType = "runTool"

	// Worker → Host
	TypeStream MessageType = "stream"
	TypeDone   MessageType = "done"
	TypeLog    MessageType = "log"

	// Worker → Host as a request, Host → Worker as the correlated reply.
	TypeInvoke     MessageType = "invoke"
	TypeUploadFile MessageType = "uploadFile"
)

// Envelope is the first-pass parse of any worker message.
type Envelope struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// SystemVar is the caller-supplied invocation context. It crosses the worker
// boundary as plain data; nothing in it is callable.
type SystemVar struct {
	User UserInfo `json:"user"`
	App  AppInfo  `json:"app"`
	Tool ToolInfo `json:"tool"`
	Time string   `json:"time"`
}

// UserInfo identifies the user and team on whose behalf a tool runs.
type UserInfo struct {
	ID         string `json:"id,omitempty"`
	Username   string `json:"username,omitempty"`
	Contact    string `json:"contact,omitempty"`
	MemberName string `json:"membername,omitempty"`
	TeamName   string `json:"teamName,omitempty"`
	TeamID     string `json:"teamId,omitempty"`
	Name       string `json:"name,omitempty"`
}

// AppInfo identifies the calling application.
type AppInfo struct {
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`
}

// ToolInfo identifies the tool version the orchestrator believes it is calling.
type ToolInfo struct {
	ID      string `json:"id,omitempty"`
	Version string `json:"version,omitempty"`
}

// --- Host → Worker ---

// RunToolMessage is the single command that starts a worker's only invocation.
type RunToolMessage struct {
	ToolID      string         `json:"toolId"`
	ToolDirName string         `json:"toolDirName,omitempty"`
	Inputs      map[string]any `json:"inputs"`
	SystemVar   SystemVar      `json:"systemVar"`
}

// Reply answers an invoke or uploadFile request. Exactly one of Data and
// Error is meaningful.
type Reply struct {
	ID    string          `json:"id"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// ReplyMessage is a decoded host reply together with the request family it
// belongs to (TypeInvoke or TypeUploadFile).
type ReplyMessage struct {
	Kind MessageType
	Reply
}

// --- Worker → Host ---

// StreamMessage carries one incremental payload emitted by the tool.
type StreamMessage struct {
	Payload json.RawMessage
}

// DoneMessage is the terminal message of a worker.
// Fatal marks errors that must surface as dispatch failures rather than as a
// tool-level error field (a reverse call that failed and escaped the tool).
type DoneMessage struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
	Fatal  bool            `json:"fatal,omitempty"`
}

// LogMessage is console output passed through from tool code.
type LogMessage struct {
	Args []any
}

// InvokeRequest asks the host to run a reverse-invoke method.
type InvokeRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// UploadFileRequest asks the host to store a file and return its access URL.
// Data is base64 on the wire.
type UploadFileRequest struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"contentType,omitempty"`
	Data        []byte `json:"data"`
}

// UploadResult is the payload of a successful uploadFile reply.
type UploadResult struct {
	AccessURL string `json:"accessUrl"`
}

// NewEnvelope marshals data into an Envelope of the given type.
func NewEnvelope(t MessageType, data any) (Envelope, error) {
	if raw, ok := data.(json.RawMessage); ok {
		return Envelope{Type: t, Data: raw}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}

// ParseEnvelope reads one raw message.
func ParseEnvelope(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodeFromWorker returns the typed form of a message sent by a worker.
func DecodeFromWorker(env Envelope) (any, error) {
	switch env.Type {
	case TypeStream:
		return StreamMessage{Payload: env.Data}, nil

	case TypeDone:
		var msg DoneMessage
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &msg); err != nil {
				return nil, fmt.Errorf("parsing done message: %w", err)
			}
		}
		return msg, nil

	case TypeLog:
		var args []any
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, &args); err != nil {
				// Not an array: keep the raw value as a single argument.
				args = []any{string(env.Data)}
			}
		}
		return LogMessage{Args: args}, nil

	case TypeInvoke:
		var msg InvokeRequest
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing invoke request: %w", err)
		}
		return msg, nil

	case TypeUploadFile:
		var msg UploadFileRequest
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing uploadFile request: %w", err)
		}
		return msg, nil

	default:
		return nil, fmt.Errorf("unknown worker message type: %q", env.Type)
	}
}

// DecodeFromHost returns the typed form of a message sent by the host.
func DecodeFromHost(env Envelope) (any, error) {
	switch env.Type {
	case TypeRunTool:
		var msg RunToolMessage
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return nil, fmt.Errorf("parsing runTool message: %w", err)
		}
		return msg, nil

	case TypeInvoke, TypeUploadFile:
		var r Reply
		if err := json.Unmarshal(env.Data, &r); err != nil {
			return nil, fmt.Errorf("parsing %s reply: %w", env.Type, err)
		}
		return ReplyMessage{Kind: env.Type, Reply: r}, nil

	default:
		return nil, fmt.Errorf("unknown host message type: %q", env.Type)
	}
}
