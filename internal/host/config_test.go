package host

import (
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 3000 || cfg.Host != "0.0.0.0" {
		t.Errorf("listen = %s", cfg.ListenAddr())
	}
	if cfg.WorkerMode != "thread" || cfg.WorkerTimeout != 120*time.Second || cfg.InvokeTimeout != 120*time.Second {
		t.Errorf("worker settings = %s %s %s", cfg.WorkerMode, cfg.WorkerTimeout, cfg.InvokeTimeout)
	}
	if !cfg.CancelOnDisconnect {
		t.Error("CancelOnDisconnect should default to true")
	}
	if cfg.SpawnRate != 50 || cfg.SpawnBurst != 20 {
		t.Errorf("spawn = %v/%d", cfg.SpawnRate, cfg.SpawnBurst)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	t.Setenv("TOOLHOST_PORT", "8088")
	t.Setenv("TOOLHOST_WORKER_MODE", "process")
	t.Setenv("TOOLHOST_WORKER_TIMEOUT", "30s")
	t.Setenv("TOOLHOST_CANCEL_ON_DISCONNECT", "false")
	t.Setenv("TOOLHOST_PUBLIC_URL", "https://tools.example.com/")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 8088 || cfg.WorkerMode != "process" || cfg.WorkerTimeout != 30*time.Second || cfg.CancelOnDisconnect {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.PublicURL != "https://tools.example.com" {
		t.Errorf("PublicURL = %q", cfg.PublicURL)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"TOOLHOST_WORKER_MODE", "fork", "TOOLHOST_WORKER_MODE"},
		{"TOOLHOST_PORT", "0", "TOOLHOST_PORT"},
		{"TOOLHOST_INVOKE_TIMEOUT", "0s", "TOOLHOST_INVOKE_TIMEOUT"},
		{"TOOLHOST_SPAWN_BURST", "0", "TOOLHOST_SPAWN_BURST"},
		{"TOOLHOST_WORKER_TIMEOUT", "soon", "TOOLHOST_WORKER_TIMEOUT"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := LoadConfig()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}
