package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"reflect"
	"strings"
	"testing"
)

func TestDecodeFromWorker(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    any
		wantErr bool
	}{
		{
			name:  "stream keeps raw payload",
			input: `{"type":"stream","data":{"progress":1}}`,
			want:  StreamMessage{Payload: json.RawMessage(`{"progress":1}`)},
		},
		{
			name:  "done with output",
			input: `{"type":"done","data":{"output":{"time":"2024-01-01T00:00:00Z"}}}`,
			want:  DoneMessage{Output: json.RawMessage(`{"time":"2024-01-01T00:00:00Z"}`)},
		},
		{
			name:  "done fatal",
			input: `{"type":"done","data":{"error":"invoke failed","fatal":true}}`,
			want:  DoneMessage{Error: "invoke failed", Fatal: true},
		},
		{
			name:  "done without data",
			input: `{"type":"done"}`,
			want:  DoneMessage{},
		},
		{
			name:  "log args",
			input: `{"type":"log","data":["hello",2]}`,
			want:  LogMessage{Args: []any{"hello", float64(2)}},
		},
		{
			name:  "log non-array",
			input: `{"type":"log","data":"oops"}`,
			want:  LogMessage{Args: []any{`"oops"`}},
		},
		{
			name:  "invoke request",
			input: `{"type":"invoke","data":{"id":"a1","method":"getAccessToken","params":{"scope":"x"}}}`,
			want:  InvokeRequest{ID: "a1", Method: "getAccessToken", Params: json.RawMessage(`{"scope":"x"}`)},
		},
		{
			name:  "upload request decodes base64",
			input: `{"type":"uploadFile","data":{"id":"u1","filename":"a.txt","contentType":"text/plain","data":"aGk="}}`,
			want:  UploadFileRequest{ID: "u1", Filename: "a.txt", ContentType: "text/plain", Data: []byte("hi")},
		},
		{
			name:    "runTool is host-only",
			input:   `{"type":"runTool","data":{}}`,
			wantErr: true,
		},
		{
			name:    "malformed invoke",
			input:   `{"type":"invoke","data":"nope"}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tt.input))
			if err != nil {
				t.Fatalf("ParseEnvelope: %v", err)
			}
			got, err := DecodeFromWorker(env)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %#v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestDecodeFromHost(t *testing.T) {
	env, err := ParseEnvelope([]byte(`{"type":"runTool","data":{"toolId":"getTime","inputs":{"a":1},"systemVar":{"user":{"id":"u","teamId":"t"},"time":"now"}}}`))
	if err != nil {
		t.Fatal(err)
	}
	got, err := DecodeFromHost(env)
	if err != nil {
		t.Fatal(err)
	}
	run, ok := got.(RunToolMessage)
	if !ok {
		t.Fatalf("got %T, want RunToolMessage", got)
	}
	if run.ToolID != "getTime" || run.SystemVar.User.TeamID != "t" || run.SystemVar.Time != "now" {
		t.Errorf("unexpected runTool: %+v", run)
	}
	if run.Inputs["a"] != float64(1) {
		t.Errorf("inputs = %v", run.Inputs)
	}

	env, _ = ParseEnvelope([]byte(`{"type":"invoke","data":{"id":"x","error":"denied"}}`))
	got, err = DecodeFromHost(env)
	if err != nil {
		t.Fatal(err)
	}
	reply := got.(ReplyMessage)
	if reply.Kind != TypeInvoke || reply.ID != "x" || reply.Error != "denied" {
		t.Errorf("unexpected reply: %+v", reply)
	}

	env, _ = ParseEnvelope([]byte(`{"type":"stream","data":1}`))
	if _, err := DecodeFromHost(env); err == nil {
		t.Error("expected error for worker-only message type")
	}
}

func TestParseEnvelope_MissingType(t *testing.T) {
	if _, err := ParseEnvelope([]byte(`{"data":{}}`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("missing type: got %v, want ErrMalformed", err)
	}
	if _, err := ParseEnvelope([]byte(`not json`)); !errors.Is(err, ErrMalformed) {
		t.Errorf("invalid JSON: got %v, want ErrMalformed", err)
	}
}

func TestFrameJSON(t *testing.T) {
	tests := []struct {
		frame Frame
		want  string
	}{
		{StreamFrame(json.RawMessage(`{"n":1}`)), `{"type":"stream","data":{"n":1}}`},
		{StreamFrame(nil), `{"type":"stream","data":null}`},
		{ResponseFrame(ToolResult{Output: json.RawMessage(`"ok"`)}), `{"type":"response","data":{"output":"ok"}}`},
		{ResponseFrame(ToolResult{Error: "bad input"}), `{"type":"response","data":{"error":"bad input"}}`},
		{ErrorFrame("worker exited"), `{"type":"error","data":"worker exited"}`},
	}
	for _, tt := range tests {
		b, err := json.Marshal(tt.frame)
		if err != nil {
			t.Fatal(err)
		}
		if string(b) != tt.want {
			t.Errorf("got %s, want %s", b, tt.want)
		}
	}
	if StreamFrame(nil).Terminal() {
		t.Error("stream frame must not be terminal")
	}
	if !ErrorFrame("x").Terminal() || !ResponseFrame(ToolResult{}).Terminal() {
		t.Error("response and error frames must be terminal")
	}
}

func TestLineCodec(t *testing.T) {
	var buf bytes.Buffer
	w := NewLineWriter(&buf)
	first, _ := NewEnvelope(TypeStream, map[string]string{"text": "x"})
	second, _ := NewEnvelope(TypeDone, DoneMessage{Output: json.RawMessage(`1`)})
	if err := w.Write(first); err != nil {
		t.Fatal(err)
	}
	buf.WriteString("\n")
	if err := w.Write(second); err != nil {
		t.Fatal(err)
	}
	if n := strings.Count(buf.String(), "\n"); n != 3 {
		t.Errorf("expected 3 newlines, got %d in %q", n, buf.String())
	}

	r := NewLineReader(&buf)
	got1, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got1.Type != TypeStream || string(got1.Data) != `{"text":"x"}` {
		t.Errorf("first = %+v", got1)
	}
	got2, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if got2.Type != TypeDone {
		t.Errorf("second type = %s", got2.Type)
	}
	if _, err := r.Read(); !errors.Is(err, io.EOF) {
		t.Errorf("expected io.EOF, got %v", err)
	}
}
