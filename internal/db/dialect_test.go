package db_test

import (
	"errors"
	"testing"

	"annoline/internal/db"
)

func TestRebind(t *testing.T) {
	q := `SELECT id FROM studies WHERE status=? AND path <> '?' AND batch_id=?`
	if got := db.SQLite.Rebind(q); got != q {
		t.Fatalf("sqlite should not rewrite: %s", got)
	}
	want := `SELECT id FROM studies WHERE status=$1 AND path <> '?' AND batch_id=$2`
	if got := db.Postgres.Rebind(q); got != want {
		t.Fatalf("postgres rebind:\n got %s\nwant %s", got, want)
	}
}

func TestLockRows(t *testing.T) {
	if db.SQLite.LockRows("s", true) != "" {
		t.Fatalf("sqlite has no row locks")
	}
	if got := db.Postgres.LockRows("s", true); got != " FOR UPDATE OF s SKIP LOCKED" {
		t.Fatalf("postgres skip locked: %q", got)
	}
	if got := db.Postgres.LockRows("", false); got != " FOR UPDATE" {
		t.Fatalf("postgres plain lock: %q", got)
	}
}

func TestDialectFor(t *testing.T) {
	if db.DialectFor("postgres://u@h/db") != db.Postgres || db.DialectFor("postgresql://h/db") != db.Postgres {
		t.Fatalf("postgres dsn not detected")
	}
	if db.DialectFor("") != db.SQLite {
		t.Fatalf("empty dsn should be sqlite")
	}
	if db.IsUniqueViolation(errors.New("boom")) || db.IsUniqueViolation(nil) {
		t.Fatalf("plain errors are not unique violations")
	}
}
