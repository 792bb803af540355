package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"annoline/internal/app"
	"annoline/internal/config"
	"annoline/internal/engine"
	"annoline/internal/notify"
	"annoline/internal/storage"
)

func TestLoadConfigFromWorkspace(t *testing.T) {
	dir := t.TempDir()
	doc := "workflow:\n  iteration_limit: 5\nwebhook:\n  token: abc\n  directories: [Exchange/dev]\n"
	if err := os.WriteFile(filepath.Join(dir, "annoline.yml"), []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := app.LoadConfig(dir, "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Workflow.IterationLimit != 5 || cfg.Webhook.Token != "abc" || cfg.Database.Workspace != dir {
		t.Fatalf("unexpected config %+v", cfg)
	}
}

func TestOpenWiresRuntime(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	ctx := context.Background()
	rt, err := app.Open(ctx, cfg)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rt.Close()
	if cfg.Auth.JWTSecret == "" {
		t.Fatalf("an ephemeral secret should be generated")
	}
	if _, ok := rt.Storage.(*storage.Memory); !ok {
		t.Fatalf("default backend should be memory, got %T", rt.Storage)
	}
	if _, ok := rt.Notifier.(notify.LogNotifier); !ok {
		t.Fatalf("without redis notifications should be logged, got %T", rt.Notifier)
	}
	if _, err := rt.Engine.CreateProject(ctx, engine.ProjectInput{Name: "P", GroupID: -1, Product: "dx"}); err != nil {
		t.Fatalf("engine not usable: %v", err)
	}
}

func TestNewStorageRejectsUnknownBackend(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.Backend = "ftp"
	if _, err := app.NewStorage(context.Background(), cfg); err == nil {
		t.Fatalf("expected unknown backend error")
	}
	cfg.Storage.Backend = config.BackendWebDAV
	cfg.Storage.WebDAV.URL = "http://127.0.0.1:1/remote.php/dav/files/admin"
	s, err := app.NewStorage(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*storage.WebDAV); !ok {
		t.Fatalf("expected webdav storage, got %T", s)
	}
}

func TestNotifierSelection(t *testing.T) {
	cfg := config.Default()
	cfg.Queue.RedisAddr = "127.0.0.1:6379"
	n, closeFn := app.NewNotifier(cfg)
	if _, ok := n.(*notify.QueueNotifier); !ok || closeFn == nil {
		t.Fatalf("expected queue notifier, got %T", n)
	}
	closeFn()
}

func TestLockWorkspaceIsExclusive(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Workspace = t.TempDir()
	lock, err := app.LockWorkspace(cfg)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer lock.Unlock()
	if _, err := app.LockWorkspace(cfg); err == nil {
		t.Fatalf("second lock should fail")
	}
}
