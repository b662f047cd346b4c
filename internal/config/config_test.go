package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWhenFileMissing(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.BindAddr != "127.0.0.1:4000" {
		t.Fatalf("bind_addr = %q, want default", cfg.Server.BindAddr)
	}
	if cfg.Agent.ApprovalPolicy != "on-request" {
		t.Fatalf("approval_policy = %q, want on-request", cfg.Agent.ApprovalPolicy)
	}
	if cfg.ThreadMessagesPageSize != 10 {
		t.Fatalf("page size = %d, want 10", cfg.ThreadMessagesPageSize)
	}
}

func TestLoadParsesYAMLAndNormalizesPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte("log_level: debug\nagent:\n  bin: fake-agent\n  approval_policy: onRequest\nserver:\n  cors_origins:\n    - https://app.example.com\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Bin != "fake-agent" {
		t.Fatalf("bin = %q, want fake-agent", cfg.Agent.Bin)
	}
	if cfg.Agent.ApprovalPolicy != "on-request" {
		t.Fatalf("approval_policy = %q, legacy alias not normalized", cfg.Agent.ApprovalPolicy)
	}

	// Platform origins are always merged in ahead of configured ones.
	want := []string{"http://localhost:3000", "http://127.0.0.1:3000", "https://app.example.com"}
	if len(cfg.Server.CORSOrigins) != len(want) {
		t.Fatalf("origins = %v, want %v", cfg.Server.CORSOrigins, want)
	}
	for i := range want {
		if cfg.Server.CORSOrigins[i] != want[i] {
			t.Fatalf("origins[%d] = %q, want %q", i, cfg.Server.CORSOrigins[i], want[i])
		}
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("AGENT_BIN", "env-agent")
	t.Setenv("AGENT_WRITABLE_ROOTS", "/a:/b")
	t.Setenv("SSE_HEARTBEAT_MS", "5000")

	cfg, err := Load(filepath.Join(t.TempDir(), "config.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Agent.Bin != "env-agent" {
		t.Fatalf("bin = %q, want env-agent", cfg.Agent.Bin)
	}
	if len(cfg.Agent.WritableRoots) != 2 || cfg.Agent.WritableRoots[1] != "/b" {
		t.Fatalf("writable roots = %v, want [/a /b]", cfg.Agent.WritableRoots)
	}
	if cfg.Events.HeartbeatMillis != 5000 {
		t.Fatalf("heartbeat = %d, want 5000", cfg.Events.HeartbeatMillis)
	}
}

func TestValidateRejectsBadPageSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("thread_messages_page_size: 0\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("Load accepted page size 0")
	}
}

func TestFingerprintStable(t *testing.T) {
	a := Default()
	b := Default()
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("identical configs produced different fingerprints")
	}
	b.LogLevel = "debug"
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("different configs produced identical fingerprints")
	}
}
