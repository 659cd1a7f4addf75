// Package tangxin archives items queued in the tx catalog table. Each item
// is an encrypted HLS stream whose playlist sits in a KV namespace.
package tangxin

import (
	"bytes"
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"favsync/internal/cloudflare"
	"favsync/internal/hls"
	"favsync/internal/model"
)

const (
	SourceName = "tangxin"

	// MobileUserAgent is sent on key and segment requests.
	MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_2_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.2 Mobile/15E148 Safari/604.1"

	pendingQuery = "SELECT id, title, upper FROM tx WHERE downloaded = 0 ORDER BY created_at ASC;"
	markQuery    = "UPDATE tx SET downloaded = 1 WHERE id = ?;"
)

type Querier interface {
	Query(ctx context.Context, sql string, params ...string) (cloudflare.Result, error)
}

// SegmentFetcher is satisfied by *hls.Fetcher.
type SegmentFetcher interface {
	Fetch(ctx context.Context, item *model.Item, workspace string, obs hls.Observer) (*hls.MergeHandle, error)
}

type Source struct {
	catalog  Querier
	fetcher  SegmentFetcher
	root     string
	log      zerolog.Logger
	observer hls.Observer
}

func NewSource(catalog Querier, fetcher SegmentFetcher, root string, log zerolog.Logger) *Source {
	return &Source{catalog: catalog, fetcher: fetcher, root: root, log: log}
}

func (s *Source) Name() string { return SourceName }

// SetObserver installs the progress observer passed to segment fetches.
func (s *Source) SetObserver(obs hls.Observer) { s.observer = obs }

// catalogID accepts the id column as a JSON number or string.
type catalogID string

func (c *catalogID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = catalogID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = catalogID(n.String())
	return nil
}

type catalogRow struct {
	ID    catalogID `json:"id"`
	Title string    `json:"title"`
	Upper string    `json:"upper"`
}

func (s *Source) Candidates(ctx context.Context, _ func(group string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	res, err := s.catalog.Query(ctx, pendingQuery)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	var rows []catalogRow
	if err := res.Decode(&rows); err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}
	out := make([]model.Candidate, 0, len(rows))
	for i, r := range rows {
		if r.ID == "" {
			continue
		}
		out = append(out, model.Candidate{
			Source:   SourceName,
			RemoteID: string(r.ID),
			Title:    r.Title,
			Uploader: r.Upper,
			Ordinal:  i + 1,
		})
	}
	s.log.Info().Int("pending", len(out)).Msg("catalog listed")
	return out, nil
}

func (s *Source) DestDir(model.Candidate) string { return s.root }

func (s *Source) RetrieveAsync(ctx context.Context, item *model.Item, workspace string) (*hls.MergeHandle, error) {
	return s.fetcher.Fetch(ctx, item, workspace, s.observer)
}

// Completed flags the catalog row so the userscript and later passes skip
// it. The item is already recorded, so callers only log the error.
func (s *Source) Completed(ctx context.Context, c model.Candidate) error {
	if _, err := s.catalog.Query(ctx, markQuery, c.RemoteID); err != nil {
		return fmt.Errorf("mark catalog row %s downloaded: %w", c.RemoteID, err)
	}
	return nil
}
