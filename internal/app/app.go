// Package app assembles a runtime from annoline.yml: database, storage backend,
// notifier, workflow engine and ingestion pipeline.
package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/gofrs/flock"
	"github.com/hibiken/asynq"

	"annoline/internal/config"
	"annoline/internal/db"
	"annoline/internal/engine"
	"annoline/internal/ingest"
	"annoline/internal/logging"
	"annoline/internal/migrate"
	"annoline/internal/notify"
	"annoline/internal/storage"
)

// Runtime owns every long-lived dependency of a process.
type Runtime struct {
	Config   *config.Config
	DB       *sql.DB
	Dialect  db.Dialect
	Storage  storage.Storage
	Notifier notify.Notifier
	Engine   engine.Engine
	Pipeline ingest.Pipeline

	closers []func() error
}

// LoadConfig reads annoline.yml from the workspace, or from path when set.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path == "" {
		path = config.Path(workspace)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if workspace != "" {
		cfg.Database.Workspace = workspace
	}
	return cfg, nil
}

func DBConfig(cfg *config.Config) db.Config {
	return db.Config{DSN: cfg.Database.DSN, Workspace: cfg.Database.Workspace, MaxConns: cfg.Database.MaxConns}
}

// Open connects the database, applies migrations and wires storage and notifications.
func Open(ctx context.Context, cfg *config.Config) (*Runtime, error) {
	EnsureSecret(ctx, cfg)
	dbCfg := DBConfig(cfg)
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	rt := &Runtime{Config: cfg, DB: conn, Dialect: dbCfg.Dialect()}
	rt.closers = append(rt.closers, conn.Close)
	if err := migrate.Migrate(conn, rt.Dialect); err != nil {
		rt.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	store, err := NewStorage(ctx, cfg)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.Storage = store
	n, closeNotifier := NewNotifier(cfg)
	if closeNotifier != nil {
		rt.closers = append(rt.closers, closeNotifier)
	}
	rt.Notifier = n
	rt.Engine = engine.New(conn, rt.Dialect, cfg, store, n)
	rt.Pipeline = ingest.New(conn, rt.Dialect, store)
	return rt, nil
}

// Close releases resources in reverse order of acquisition.
func (r *Runtime) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		if err := r.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	r.closers = nil
	return errors.Join(errs...)
}

// NewStorage builds the configured folder-storage backend.
func NewStorage(ctx context.Context, cfg *config.Config) (storage.Storage, error) {
	switch cfg.Storage.Backend {
	case config.BackendWebDAV:
		w := cfg.Storage.WebDAV
		return storage.NewWebDAV(storage.WebDAVConfig{
			URL: w.URL, OCSURL: w.OCSURL, User: w.User, Password: w.Password, Timeout: w.Timeout,
		}), nil
	case config.BackendS3:
		s := cfg.Storage.S3
		store, err := storage.NewS3(storage.S3Config{
			Endpoint: s.Endpoint, AccessKey: s.AccessKey, SecretKey: s.SecretKey,
			Bucket: s.Bucket, UseSSL: s.UseSSL, Region: s.Region, LinkTTL: cfg.Workflow.ShareLinkTTL,
		})
		if err != nil {
			return nil, err
		}
		if err := store.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return store, nil
	case config.BackendMemory, "":
		logging.Warn(ctx, "using in-memory storage; folders and links are lost on exit")
		return storage.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// RedisOpt returns the asynq connection for the notification queue.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Queue.RedisAddr,
		Password: cfg.Queue.RedisPassword,
		DB:       cfg.Queue.RedisDB,
	}
}

// NewNotifier enqueues to redis when a queue is configured and logs otherwise.
func NewNotifier(cfg *config.Config) (notify.Notifier, func() error) {
	if strings.TrimSpace(cfg.Queue.RedisAddr) == "" {
		return notify.LogNotifier{}, nil
	}
	q := notify.NewQueueNotifier(RedisOpt(cfg))
	return q, q.Close
}

// EnsureSecret fills an empty jwt secret with a random per-process value.
// Tokens, invites and reset proposals then die with the process.
func EnsureSecret(ctx context.Context, cfg *config.Config) {
	if strings.TrimSpace(cfg.Auth.JWTSecret) != "" {
		return
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("read random secret: %v", err))
	}
	cfg.Auth.JWTSecret = hex.EncodeToString(buf)
	logging.Warn(ctx, "auth.jwt_secret not set; generated an ephemeral secret")
}

// LockWorkspace takes the exclusive process lock of a sqlite workspace. Postgres
// deployments run several processes and get a nil lock.
func LockWorkspace(cfg *config.Config) (*flock.Flock, error) {
	if DBConfig(cfg).Dialect() == db.Postgres {
		return nil, nil
	}
	if _, err := db.EnsureWorkspace(cfg.Database.Workspace); err != nil {
		return nil, err
	}
	lock := flock.New(db.LockPath(cfg.Database.Workspace))
	ok, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire workspace lock: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("workspace %s is in use by another annoline process", cfg.Database.Workspace)
	}
	return lock, nil
}
