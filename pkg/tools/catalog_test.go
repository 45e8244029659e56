package tools

import (
	"context"
	"testing"
)

func desc(id string) *Descriptor {
	return &Descriptor{ID: id, Cb: func(context.Context, map[string]any, *Context) (any, error) { return id, nil }}
}

func TestCatalog_GetTool(t *testing.T) {
	c := NewCatalog(desc("getTime"), desc("web/fetchUrl"), desc("web/search"))
	c.ReplaceScripts([]*Descriptor{
		desc("weather/weather"),
		desc("weather/forecast"),
		desc("mail/send"),
	}, 3)

	tests := []struct {
		id     string
		wantID string
	}{
		{"getTime", "getTime"},
		{"web/fetchUrl", "web/fetchUrl"},
		{"web.fetchUrl", "web/fetchUrl"},
		{"weather", "weather/weather"},
		{"mail", "mail/send"},
		{"mail.send", "mail/send"},
		{"web", ""},
		{"missing", ""},
		{"weather/missing", ""},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			d, ok := c.GetTool(tt.id)
			if tt.wantID == "" {
				if ok {
					t.Errorf("resolved %q to %s, want not found", tt.id, d.ID)
				}
				return
			}
			if !ok {
				t.Fatalf("%q not found", tt.id)
			}
			if d.ID != tt.wantID {
				t.Errorf("resolved %q to %s, want %s", tt.id, d.ID, tt.wantID)
			}
		})
	}
	if c.Version() != 3 {
		t.Errorf("Version = %d, want 3", c.Version())
	}
}

func TestCatalog_ReplaceScripts(t *testing.T) {
	c := NewCatalog(desc("getTime"))
	c.ReplaceScripts([]*Descriptor{desc("a/one")}, 1)
	if _, ok := c.GetTool("a/one"); !ok {
		t.Fatal("a/one should resolve")
	}

	c.ReplaceScripts([]*Descriptor{desc("b/two")}, 2)
	if _, ok := c.GetTool("a/one"); ok {
		t.Error("a/one should be gone after reload")
	}
	if _, ok := c.GetTool("getTime"); !ok {
		t.Error("built-ins must survive reload")
	}

	list := c.List()
	if len(list) != 2 || list[0].ID != "b/two" || list[1].ID != "getTime" {
		ids := make([]string, len(list))
		for i, d := range list {
			ids[i] = d.ID
		}
		t.Errorf("List = %v", ids)
	}
}

func TestGetTime(t *testing.T) {
	tc := &Context{}
	tc.SystemVar.Time = "2024-05-01T10:00:00Z"
	out, err := GetTime(context.Background(), nil, tc)
	if err != nil {
		t.Fatal(err)
	}
	if got := asJSON(t, out); got != `{"time":"2024-05-01T10:00:00Z"}` {
		t.Errorf("output = %s", got)
	}

	out, _ = GetTime(context.Background(), nil, &Context{})
	if out.(map[string]string)["time"] == "" {
		t.Error("expected current time when systemVar.time is empty")
	}
}
