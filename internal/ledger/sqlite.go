package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"

	"favsync/internal/model"
)

// SQLite keeps the ledger in a local database file.
type SQLite struct {
	db *sql.DB
}

var _ Ledger = (*SQLite)(nil)

func OpenSQLite(path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create ledger directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) EnsureSchema(ctx context.Context, source string) error {
	t, err := table(source)
	if err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL(t)); err != nil {
		return &TransportError{Op: "ensure_schema", Source: source, Err: err}
	}
	return nil
}

func (s *SQLite) Known(ctx context.Context, source, group string) (map[string]struct{}, error) {
	t, err := table(source)
	if err != nil {
		return nil, err
	}
	var rows *sql.Rows
	if group == "" {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT remote_id FROM %s", t))
	} else {
		rows, err = s.db.QueryContext(ctx, fmt.Sprintf("SELECT remote_id FROM %s WHERE group_key = ?", t), group)
	}
	if err != nil {
		return nil, &TransportError{Op: "query", Source: source, Err: err}
	}
	defer rows.Close()

	known := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, &TransportError{Op: "query", Source: source, Err: err}
		}
		known[id] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return nil, &TransportError{Op: "query", Source: source, Err: err}
	}
	return known, nil
}

func (s *SQLite) Record(ctx context.Context, e model.LedgerEntry) error {
	t, err := table(e.Source)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (remote_id, group_key, title, label, created_at) VALUES (?, ?, ?, ?, ?)", t),
		e.RemoteID, e.Group, e.Title, e.Uploader, formatTime(e.CreatedAt),
	)
	if err != nil {
		var se sqlite3.Error
		if errors.As(err, &se) && se.Code == sqlite3.ErrConstraint {
			return ErrDuplicate
		}
		return &TransportError{Op: "record", Source: e.Source, Err: err}
	}
	return nil
}
