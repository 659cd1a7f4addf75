package ledger

import (
	"context"
	"fmt"

	"favsync/internal/cloudflare"
	"favsync/internal/model"
)

// Querier is the subset of the Cloudflare client used by D1.
type Querier interface {
	Query(ctx context.Context, sql string, params ...string) (cloudflare.Result, error)
}

// D1 stores the ledger in a Cloudflare D1 database.
type D1 struct {
	q Querier
}

var _ Ledger = (*D1)(nil)

func NewD1(q Querier) *D1 {
	return &D1{q: q}
}

func (d *D1) EnsureSchema(ctx context.Context, source string) error {
	t, err := table(source)
	if err != nil {
		return err
	}
	if _, err := d.q.Query(ctx, schemaSQL(t)); err != nil {
		return &TransportError{Op: "ensure_schema", Source: source, Err: err}
	}
	return nil
}

func (d *D1) Known(ctx context.Context, source, group string) (map[string]struct{}, error) {
	t, err := table(source)
	if err != nil {
		return nil, err
	}
	var res cloudflare.Result
	if group == "" {
		res, err = d.q.Query(ctx, fmt.Sprintf("SELECT remote_id FROM %s;", t))
	} else {
		res, err = d.q.Query(ctx, fmt.Sprintf("SELECT remote_id FROM %s WHERE group_key = ?;", t), group)
	}
	if err != nil {
		return nil, &TransportError{Op: "query", Source: source, Err: err}
	}
	var rows []struct {
		RemoteID string `json:"remote_id"`
	}
	if err := res.Decode(&rows); err != nil {
		return nil, &TransportError{Op: "query", Source: source, Err: err}
	}
	known := make(map[string]struct{}, len(rows))
	for _, r := range rows {
		known[r.RemoteID] = struct{}{}
	}
	return known, nil
}

func (d *D1) Record(ctx context.Context, e model.LedgerEntry) error {
	t, err := table(e.Source)
	if err != nil {
		return err
	}
	res, err := d.q.Query(ctx,
		fmt.Sprintf("INSERT INTO %s (remote_id, group_key, title, label, created_at) VALUES (?, ?, ?, ?, ?);", t),
		e.RemoteID, e.Group, e.Title, e.Uploader, formatTime(e.CreatedAt),
	)
	if err != nil {
		if cloudflare.IsConstraintViolation(err) {
			return ErrDuplicate
		}
		return &TransportError{Op: "record", Source: e.Source, Err: err}
	}
	if res.Changes == 0 {
		return d.confirmExisting(ctx, t, e)
	}
	return nil
}

// confirmExisting resolves an insert that reported no changes: an existing
// row means the item was already recorded.
func (d *D1) confirmExisting(ctx context.Context, t string, e model.LedgerEntry) error {
	res, err := d.q.Query(ctx,
		fmt.Sprintf("SELECT remote_id FROM %s WHERE remote_id = ? AND group_key = ?;", t),
		e.RemoteID, e.Group,
	)
	if err != nil {
		return &TransportError{Op: "record", Source: e.Source, Err: err}
	}
	var rows []struct {
		RemoteID string `json:"remote_id"`
	}
	if err := res.Decode(&rows); err != nil {
		return &TransportError{Op: "record", Source: e.Source, Err: err}
	}
	if len(rows) > 0 {
		return ErrDuplicate
	}
	return &TransportError{Op: "record", Source: e.Source, Err: fmt.Errorf("insert of %s reported no changes", e.RemoteID)}
}
