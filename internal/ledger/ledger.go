// Package ledger records which items have been archived. Each source has
// its own table keyed by (remote_id, group_key).
package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"favsync/internal/model"
)

// ErrDuplicate means the entry is already recorded. Callers treat it as
// "already archived", not as a failure.
var ErrDuplicate = errors.New("ledger entry already recorded")

// Ledger is the completion record consumed by the orchestrator.
type Ledger interface {
	// EnsureSchema creates the source table when missing.
	EnsureSchema(ctx context.Context, source string) error
	// Known returns the remote ids already recorded for source. A non-empty
	// group restricts the snapshot to that group.
	Known(ctx context.Context, source, group string) (map[string]struct{}, error)
	// Record appends one entry. It returns ErrDuplicate when the key exists.
	Record(ctx context.Context, entry model.LedgerEntry) error
}

// TransportError wraps a failure to reach or use the backing store.
type TransportError struct {
	Op     string
	Source string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("ledger %s %s: %v", e.Op, e.Source, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func IsTransport(err error) bool {
	var e *TransportError
	return errors.As(err, &e)
}

var tableName = regexp.MustCompile(`^[a-z][a-z0-9_]{0,62}$`)

// table validates source for use as an identifier; statements cannot bind
// table names as parameters.
func table(source string) (string, error) {
	if !tableName.MatchString(source) {
		return "", fmt.Errorf("invalid ledger source name %q", source)
	}
	return source, nil
}

func schemaSQL(t string) string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	remote_id TEXT NOT NULL,
	group_key TEXT NOT NULL DEFAULT '',
	title TEXT NOT NULL DEFAULT '',
	label TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	PRIMARY KEY (remote_id, group_key)
)`, t)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339)
}
