package bilibili

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"favsync/internal/model"
	"favsync/internal/ytdlp"
)

const (
	SourceName  = "bilibili"
	ToviewGroup = "-1"
)

// Fetcher downloads one video into a workspace.
type Fetcher interface {
	Fetch(ctx context.Context, url, itemID, workspace string) error
}

type Options struct {
	FavID              int64
	Toview             bool
	Root               string
	VideoURLPrefix     string
	ClearToviewOnEmpty bool
}

type Source struct {
	api  *Client
	dl   Fetcher
	opts Options
	log  zerolog.Logger

	mu          sync.Mutex
	views       map[string]View
	clearToview bool
}

func NewSource(api *Client, dl Fetcher, opts Options, log zerolog.Logger) *Source {
	return &Source{api: api, dl: dl, opts: opts, log: log, views: make(map[string]View)}
}

func (s *Source) Name() string { return SourceName }

func (s *Source) Candidates(ctx context.Context, known func(group string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	var out []model.Candidate
	if s.opts.FavID != 0 {
		favs, err := s.favorites(ctx, known)
		if err != nil {
			return nil, err
		}
		out = append(out, favs...)
	}
	if s.opts.Toview {
		tv, err := s.toview(ctx, known)
		if err != nil {
			return nil, err
		}
		out = append(out, tv...)
	}
	return out, nil
}

// favorites pages through the folder newest first and stops at the first
// page whose last entry is already archived.
func (s *Source) favorites(ctx context.Context, known func(string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	group := strconv.FormatInt(s.opts.FavID, 10)
	seen, err := known(group)
	if err != nil {
		return nil, err
	}
	var medias []Media
	for page := 1; ; page++ {
		p, err := s.api.FavoritePage(ctx, s.opts.FavID, page)
		if err != nil {
			return nil, fmt.Errorf("list favorites page %d: %w", page, err)
		}
		medias = append(medias, p.Medias...)
		if len(p.Medias) == 0 || !p.HasMore {
			break
		}
		if _, ok := seen[p.Medias[len(p.Medias)-1].BVID]; ok {
			break
		}
	}
	s.log.Info().Int("total", len(medias)).Msg("favorites listed")
	return toCandidates(medias, group), nil
}

func (s *Source) toview(ctx context.Context, known func(string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	list, err := s.api.ToView(ctx)
	if err != nil {
		return nil, fmt.Errorf("list watch-later: %w", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	seen, err := known(ToviewGroup)
	if err != nil {
		return nil, err
	}
	pending := 0
	for _, m := range list {
		if _, ok := seen[m.BVID]; !ok {
			pending++
		}
	}
	s.mu.Lock()
	s.clearToview = pending == 0
	s.mu.Unlock()
	s.log.Info().Int("total", len(list)).Int("pending", pending).Msg("watch-later listed")
	return toCandidates(list, ToviewGroup), nil
}

// toCandidates reverses the newest-first listing so older videos are
// archived first.
func toCandidates(medias []Media, group string) []model.Candidate {
	medias = slices.Clone(medias)
	slices.Reverse(medias)
	out := make([]model.Candidate, 0, len(medias))
	for i, m := range medias {
		out = append(out, model.Candidate{
			Source:   SourceName,
			RemoteID: m.BVID,
			Title:    m.Title,
			Uploader: m.Uploader(),
			Group:    group,
			Ordinal:  i + 1,
		})
	}
	return out
}

// Validate rejects videos that are gone or behind the creator paywall.
func (s *Source) Validate(ctx context.Context, c model.Candidate) (bool, error) {
	s.mu.Lock()
	v, cached := s.views[c.RemoteID]
	s.mu.Unlock()
	if !cached {
		var err error
		v, err = s.api.View(ctx, c.RemoteID)
		if err != nil {
			var apiErr *APIError
			if errors.As(err, &apiErr) {
				s.log.Warn().Str("remote_id", c.RemoteID).Int("code", apiErr.Code).Str("message", apiErr.Message).Msg("video unavailable")
				return false, nil
			}
			return false, err
		}
		s.mu.Lock()
		s.views[c.RemoteID] = v
		s.mu.Unlock()
	}
	if v.IsUpowerExclusive {
		s.log.Warn().Str("remote_id", c.RemoteID).Msg("video is paywalled")
		return false, nil
	}
	return true, nil
}

func (s *Source) DestDir(c model.Candidate) string {
	if c.Group == ToviewGroup {
		return filepath.Join(s.opts.Root, "toview")
	}
	return filepath.Join(s.opts.Root, "fav")
}

func (s *Source) Retrieve(ctx context.Context, item *model.Item, workspace string) (string, error) {
	url := s.opts.VideoURLPrefix + item.RemoteID
	if err := s.dl.Fetch(ctx, url, item.RemoteID, workspace); err != nil {
		return "", err
	}
	return ytdlp.Artifact(workspace)
}

// Finish clears the watch-later list when everything on it was already
// archived at listing time.
func (s *Source) Finish(ctx context.Context) error {
	s.mu.Lock()
	doClear := s.clearToview
	s.clearToview = false
	s.mu.Unlock()
	if !doClear || !s.opts.ClearToviewOnEmpty {
		return nil
	}
	if err := s.api.ClearToView(ctx); err != nil {
		return fmt.Errorf("clear watch-later: %w", err)
	}
	s.log.Info().Msg("watch-later list cleared")
	return nil
}
