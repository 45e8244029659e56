package upload

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/auxothq/toolhost/pkg/protocol"
)

func TestLocalStore_UploadAndServe(t *testing.T) {
	dir := t.TempDir()
	store, err := NewLocalStore(dir, "http://files.test/")
	if err != nil {
		t.Fatal(err)
	}

	res, err := store.Upload(context.Background(), Input{Filename: "report.PDF", Data: []byte("%PDF-1.4")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(res.AccessURL, "http://files.test/files/") {
		t.Errorf("AccessURL = %q", res.AccessURL)
	}
	if !strings.HasSuffix(res.AccessURL, ".pdf") {
		t.Errorf("extension not kept: %q", res.AccessURL)
	}

	name := filepath.Base(res.AccessURL)
	if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
		t.Fatalf("stored file missing: %v", err)
	}

	srv := httptest.NewServer(store.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/files/" + name)
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "%PDF-1.4" {
		t.Errorf("GET = %d %q", resp.StatusCode, body)
	}

	resp, err = http.Get(srv.URL + "/files/")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("directory listing status = %d, want 404", resp.StatusCode)
	}
}

func TestLocalStore_Limits(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://x")
	if err != nil {
		t.Fatal(err)
	}
	_, err = store.Upload(context.Background(), Input{Filename: "big.bin", Data: make([]byte, MaxSize+1)})
	if !errors.Is(err, ErrTooLarge) {
		t.Errorf("got %v, want ErrTooLarge", err)
	}
	if _, err := store.Upload(context.Background(), Input{Filename: "empty.txt"}); err == nil {
		t.Error("expected error for empty upload")
	}
	res, err := store.Upload(context.Background(), Input{Filename: "weird.../../x", Data: []byte("a")})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(res.AccessURL, "/files/") != 1 || strings.Contains(filepath.Base(res.AccessURL), ".") {
		t.Errorf("unsafe extension kept: %q", res.AccessURL)
	}
}

func TestProxy_RoundTrip(t *testing.T) {
	store, err := NewLocalStore(t.TempDir(), "http://host")
	if err != nil {
		t.Fatal(err)
	}

	var p *Proxy
	p = NewProxy(func(env protocol.Envelope) error {
		var req protocol.UploadFileRequest
		if err := json.Unmarshal(env.Data, &req); err != nil {
			return err
		}
		go p.HandleReply(Serve(context.Background(), store, req))
		return nil
	}, time.Second)

	res, err := p.Upload(context.Background(), Input{Filename: "a.txt", ContentType: "text/plain", Data: []byte("hello")})
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	if !strings.HasPrefix(res.AccessURL, "http://host/files/") {
		t.Errorf("AccessURL = %q", res.AccessURL)
	}

	_, err = p.Upload(context.Background(), Input{Filename: "empty.txt"})
	if err == nil || !strings.Contains(err.Error(), "empty") {
		t.Errorf("expected host-side rejection, got %v", err)
	}
}
