package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"annoline/internal/logging"
)

func TestWithContextCarriesIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })
	logging.Init(logging.Config{Level: "debug", Format: "json", Output: &buf})

	ctx := logging.WithRequestID(context.Background(), "req-1")
	ctx = logging.WithActorID(ctx, 42)
	ctx = logging.WithStudyID(ctx, 7)
	logging.Debug(ctx, "hello", "k", "v")

	var rec map[string]any
	if err := json.Unmarshal(buf.Bytes(), &rec); err != nil {
		t.Fatalf("decode log line %q: %v", buf.String(), err)
	}
	if rec["request_id"] != "req-1" || rec["msg"] != "hello" || rec["k"] != "v" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if rec["actor_id"] != float64(42) || rec["study_id"] != float64(7) {
		t.Fatalf("ids missing: %v", rec)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.Config{Level: "warn", Output: &buf})
	logger.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("info should be filtered at warn level: %q", buf.String())
	}
	logger.Warn("kept")
	if buf.Len() == 0 {
		t.Fatalf("warn should be written")
	}
	if logging.ParseLevel("nope") != slog.LevelInfo {
		t.Fatalf("unknown level should default to info")
	}
}
