package invoke

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/auxothq/toolhost/pkg/protocol"
)

type fakeIssuer struct {
	lastScope string
}

func (f *fakeIssuer) IssueAccessToken(_ context.Context, sv protocol.SystemVar, scope string) (string, error) {
	f.lastScope = scope
	return "atk_" + sv.User.TeamID, nil
}

type memCache struct {
	mu   sync.Mutex
	data map[string]string
}

func (m *memCache) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key, value string, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = make(map[string]string)
	}
	m.data[key] = value
	return nil
}

func TestAccessTokenHandler(t *testing.T) {
	issuer := &fakeIssuer{}
	h := AccessTokenHandler(issuer)

	got, err := h(context.Background(), json.RawMessage(`{"scope":"files"}`), protocol.SystemVar{
		User: protocol.UserInfo{ID: "u1", TeamID: "team-9"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "atk_team-9" {
		t.Errorf("token = %v", got)
	}
	if issuer.lastScope != "files" {
		t.Errorf("scope = %q", issuer.lastScope)
	}

	if _, err := h(context.Background(), nil, protocol.SystemVar{}); err == nil {
		t.Error("expected rejection without identity")
	}
}

func TestWeComClient_FetchesAndCaches(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/cgi-bin/gettoken" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.URL.Query().Get("corpid") != "corp1" || r.URL.Query().Get("corpsecret") != "s3cret" {
			t.Errorf("query = %s", r.URL.RawQuery)
		}
		w.Write([]byte(`{"errcode":0,"errmsg":"ok","access_token":"wx-token","expires_in":7200}`))
	}))
	defer srv.Close()

	now := time.Unix(1_700_000_000, 0)
	c := &WeComClient{BaseURL: srv.URL, Cache: &memCache{}, Now: func() time.Time { return now }}
	h := c.Handler()

	params := json.RawMessage(`{"corpId":"corp1","corpSecret":"s3cret"}`)
	first, err := h(context.Background(), params, protocol.SystemVar{})
	if err != nil {
		t.Fatalf("first call: %v", err)
	}
	if tok := first.(CorpToken); tok.AccessToken != "wx-token" || tok.ExpiresIn != 7200 {
		t.Errorf("first = %+v", tok)
	}

	now = now.Add(10 * time.Minute)
	second, err := h(context.Background(), params, protocol.SystemVar{})
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	tok := second.(CorpToken)
	if tok.AccessToken != "wx-token" {
		t.Errorf("second token = %q", tok.AccessToken)
	}
	// 7200s minus the 5m margin minus the 10m that elapsed.
	if want := 7200 - 300 - 600; tok.ExpiresIn != want {
		t.Errorf("cached expires_in = %d, want %d", tok.ExpiresIn, want)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestWeComClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"errcode":40013,"errmsg":"invalid corpid"}`))
	}))
	defer srv.Close()

	c := &WeComClient{BaseURL: srv.URL}
	h := c.Handler()

	_, err := h(context.Background(), json.RawMessage(`{"corpId":"bad","corpSecret":"x"}`), protocol.SystemVar{})
	if err == nil || !strings.Contains(err.Error(), "40013") {
		t.Errorf("got %v, want errcode error", err)
	}

	_, err = h(context.Background(), json.RawMessage(`{"corpId":"only"}`), protocol.SystemVar{})
	if err == nil || !strings.Contains(err.Error(), "required") {
		t.Errorf("got %v, want missing-param error", err)
	}
}
