package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// maxLineSize bounds a single newline-delimited envelope. Upload payloads are
// the largest messages and are capped well below this.
const maxLineSize = 64 << 20

// LineWriter writes envelopes as newline-delimited JSON. Safe for concurrent use.
type LineWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

// NewLineWriter returns a LineWriter on w.
func NewLineWriter(w io.Writer) *LineWriter {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	return &LineWriter{enc: enc}
}

// Write encodes one envelope followed by a newline.
func (lw *LineWriter) Write(env Envelope) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	if err := lw.enc.Encode(env); err != nil {
		return fmt.Errorf("writing %s envelope: %w", env.Type, err)
	}
	return nil
}

// LineReader reads newline-delimited envelopes.
type LineReader struct {
	sc *bufio.Scanner
}

// NewLineReader returns a LineReader on r.
func NewLineReader(r io.Reader) *LineReader {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &LineReader{sc: sc}
}

// Read returns the next envelope. Blank lines are skipped. It returns io.EOF
// when the stream ends cleanly.
func (lr *LineReader) Read() (Envelope, error) {
	for lr.sc.Scan() {
		line := lr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		return ParseEnvelope(line)
	}
	if err := lr.sc.Err(); err != nil {
		return Envelope{}, fmt.Errorf("reading envelope: %w", err)
	}
	return Envelope{}, io.EOF
}
