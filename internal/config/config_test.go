package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Backend != "db" || cfg.Queue.Workers != 2 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Queue.RetryBaseSeconds != 60 {
		t.Fatalf("retry base = %d, want 60", cfg.Queue.RetryBaseSeconds)
	}
	if cfg.Environment.Image == "" || cfg.Build.Tool != "mvn" {
		t.Fatalf("unexpected build defaults: %+v %+v", cfg.Environment, cfg.Build)
	}
	if cfg.Git.TimeoutSeconds != 600 {
		t.Fatalf("git timeout = %d, want 600", cfg.Git.TimeoutSeconds)
	}
	if cfg.Notify.DefaultTarget.Kind != "feishu" || cfg.Notify.DefaultTarget.Endpoint != "" {
		t.Fatalf("unexpected default target: %+v", cfg.Notify.DefaultTarget)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{"queue":{"workers":7},"routing":{"file":"~/routes.yaml"}}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("COVSCAN_SERVER_ADDR", ":9999")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Queue.Workers != 7 {
		t.Fatalf("workers = %d, want 7", cfg.Queue.Workers)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr = %q, want env override", cfg.Server.Addr)
	}
	if cfg.Routing.File != filepath.Join(home, "routes.yaml") {
		t.Fatalf("routing file not expanded: %q", cfg.Routing.File)
	}
}

func TestLoadMalformed(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed config")
	}
}

func TestRedactedMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Webhook.GitHubSecret = "s3cret"
	cfg.Git.GitHub = []GitHubConfig{{Token: "ghp_x"}}
	cfg.Notify.DefaultTarget.Secret = "sign-key"
	out := Redacted(cfg)
	if out.Webhook.GitHubSecret == "s3cret" || out.Git.GitHub[0].Token == "ghp_x" || out.Notify.DefaultTarget.Secret == "sign-key" {
		t.Fatalf("secrets leaked: %+v", out)
	}
	if cfg.Git.GitHub[0].Token != "ghp_x" {
		t.Fatal("Redacted mutated the input")
	}
}
