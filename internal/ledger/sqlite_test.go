package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"favsync/internal/model"
)

func openTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	l, err := OpenSQLite(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestSQLiteEnsureSchemaIsIdempotent(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.EnsureSchema(ctx, "bilibili"); err != nil {
			t.Fatalf("ensure schema run %d: %v", i, err)
		}
	}
}

func TestSQLiteRecordAndKnown(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	if err := l.EnsureSchema(ctx, "bilibili"); err != nil {
		t.Fatal(err)
	}

	entries := []model.LedgerEntry{
		{Source: "bilibili", RemoteID: "BV1", Group: "-1", Title: "a", CreatedAt: time.Now()},
		{Source: "bilibili", RemoteID: "BV2", Group: "77", Title: "b", Uploader: "up"},
	}
	for _, e := range entries {
		if err := l.Record(ctx, e); err != nil {
			t.Fatalf("record %s: %v", e.RemoteID, err)
		}
	}

	known, err := l.Known(ctx, "bilibili", "-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := known["BV1"]; !ok || len(known) != 1 {
		t.Fatalf("unexpected group snapshot: %v", known)
	}
	all, err := l.Known(ctx, "bilibili", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 ids in full snapshot, got %v", all)
	}
}

func TestSQLiteDuplicateRecord(t *testing.T) {
	l := openTestSQLite(t)
	ctx := context.Background()
	if err := l.EnsureSchema(ctx, "telegram"); err != nil {
		t.Fatal(err)
	}
	e := model.LedgerEntry{Source: "telegram", RemoteID: "10", Group: "chan"}
	if err := l.Record(ctx, e); err != nil {
		t.Fatal(err)
	}
	if err := l.Record(ctx, e); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestRejectsUnsafeSourceName(t *testing.T) {
	l := openTestSQLite(t)
	if err := l.EnsureSchema(context.Background(), "x; DROP TABLE y"); err == nil {
		t.Fatalf("expected invalid source name error")
	}
}
