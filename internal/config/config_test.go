package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"annoline/internal/config"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Workflow.IterationLimit != 3 {
		t.Fatalf("iteration limit: got %d", cfg.Workflow.IterationLimit)
	}
	if cfg.Workflow.ShareLinkTTL != 24*time.Hour {
		t.Fatalf("share link ttl: got %s", cfg.Workflow.ShareLinkTTL)
	}
	if cfg.Storage.Backend != config.BackendMemory {
		t.Fatalf("backend: got %s", cfg.Storage.Backend)
	}
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`
workflow:
  iteration_limit: 5
storage:
  backend: webdav
  webdav:
    url: https://cloud.example/remote.php/dav/files/bot
    ocs_url: https://cloud.example/ocs/v2.php/apps
webhook:
  token: secret
  directories: ["/Exchange/diag/", "Other"]
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Workflow.IterationLimit != 5 {
		t.Fatalf("iteration limit not applied")
	}
	if cfg.Workflow.ShareLinkTTL != 24*time.Hour {
		t.Fatalf("default ttl lost: %s", cfg.Workflow.ShareLinkTTL)
	}
	if cfg.Storage.WebDAV.Timeout != 10*time.Second {
		t.Fatalf("default timeout lost: %s", cfg.Storage.WebDAV.Timeout)
	}
	roots := cfg.WebhookRoots()
	if len(roots) != 2 || roots[0] != "Exchange/diag" || roots[1] != "Other" {
		t.Fatalf("roots: %v", roots)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"iteration limit": "workflow:\n  iteration_limit: 0\n",
		"backend":         "storage:\n  backend: ftp\n",
		"webdav url":      "storage:\n  backend: webdav\n",
		"s3 bucket":       "storage:\n  backend: s3\n  s3:\n    endpoint: localhost:9000\n",
		"log format":      "log:\n  format: xml\n",
		"empty root":      "webhook:\n  directories: [\"/\"]\n",
	}
	for name, doc := range cases {
		if _, err := config.FromYAML([]byte(doc)); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := config.Load(config.Path(dir))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.BasePath != "/v1" {
		t.Fatalf("base path: %s", cfg.Server.BasePath)
	}
	path := filepath.Join(dir, "annoline.yml")
	if err := os.WriteFile(path, []byte("server:\n  addr: 0.0.0.0:9000\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err = config.Load(path)
	if err != nil {
		t.Fatalf("load file: %v", err)
	}
	if cfg.Server.Addr != "0.0.0.0:9000" {
		t.Fatalf("addr: %s", cfg.Server.Addr)
	}
}
