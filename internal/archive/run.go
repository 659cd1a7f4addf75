// Package archive runs sync passes: list a source, diff it against the
// ledger, retrieve what is new, place the files and record them.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"favsync/internal/filename"
	"favsync/internal/hls"
	"favsync/internal/ledger"
	"favsync/internal/metrics"
	"favsync/internal/model"
	"favsync/internal/runstore"
)

type Options struct {
	StateDir string
	// CacheDir is the parent of the per-pass scratch directory. Empty uses
	// the system temp directory.
	CacheDir      string
	MaxNameBytes  int
	ValidateBatch int
	ValidatePause time.Duration
	// MetricsTextfile, when set, receives the metrics after every pass.
	MetricsTextfile string
}

type Runner struct {
	ledger   ledger.Ledger
	metrics  *metrics.Recorder
	progress *Tracker
	opts     Options
	log      zerolog.Logger
	now      func() time.Time
}

func NewRunner(l ledger.Ledger, m *metrics.Recorder, progress *Tracker, opts Options, log zerolog.Logger) *Runner {
	if opts.MaxNameBytes <= 0 {
		opts.MaxNameBytes = filename.DefaultMaxBytes
	}
	return &Runner{ledger: l, metrics: m, progress: progress, opts: opts, log: log, now: time.Now}
}

type PassResult struct {
	PassID     string          `json:"pass_id"`
	Source     string          `json:"source"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Listed     int             `json:"listed"`
	Known      int             `json:"known"`
	Invalid    int             `json:"invalid"`
	Attempted  int             `json:"attempted"`
	Archived   int             `json:"archived"`
	Duplicates int             `json:"duplicates"`
	Bytes      int64           `json:"bytes"`
	Files      []string        `json:"files,omitempty"`
	Failures   []model.Failure `json:"failures,omitempty"`
}

// PassError aggregates the per-item failures of one pass. Unwrap exposes
// the item errors to errors.Is and errors.As.
type PassError struct {
	Source   string
	Failures []model.Failure
	errs     []error
}

func (e *PassError) Error() string {
	lines := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		lines = append(lines, fmt.Sprintf("  %s %q: %s", f.RemoteID, f.Title, f.Error))
	}
	return fmt.Sprintf("%s: %d item(s) failed:\n%s", e.Source, len(e.Failures), strings.Join(lines, "\n"))
}

func (e *PassError) Unwrap() []error { return e.errs }

type itemFailure struct {
	candidate model.Candidate
	state     string
	err       error
}

// pass holds the mutable state of one Run call.
type pass struct {
	r      *Runner
	src    Source
	log    zerolog.Logger
	result PassResult

	snapshots map[string]map[string]struct{}

	mu       sync.Mutex
	failures []itemFailure
}

// Run performs one sync pass for src. Item failures do not stop the pass;
// they are returned together as a *PassError once every item has settled.
// Listing, locking and ledger snapshot failures abort the pass.
func (r *Runner) Run(ctx context.Context, src Source) (PassResult, error) {
	name := src.Name()
	p := &pass{
		r:         r,
		src:       src,
		snapshots: make(map[string]map[string]struct{}),
		result: PassResult{
			PassID:    uuid.NewString(),
			Source:    name,
			StartedAt: r.now().UTC(),
		},
	}
	p.log = r.log.With().Str("source", name).Str("pass", p.result.PassID).Logger()

	lock, err := runstore.AcquireLock(filepath.Join(r.opts.StateDir, "locks", name))
	if err != nil {
		return p.result, err
	}
	defer func() {
		_ = lock.Release()
	}()

	if err := r.ledger.EnsureSchema(ctx, name); err != nil {
		return p.result, err
	}

	cacheDir, err := r.scratchDir(name)
	if err != nil {
		return p.result, err
	}
	defer func() {
		if err := os.RemoveAll(cacheDir); err != nil {
			p.log.Warn().Err(err).Str("dir", cacheDir).Msg("remove cache directory failed")
		}
	}()

	known := func(group string) (map[string]struct{}, error) {
		return p.known(ctx, group)
	}
	cands, err := src.Candidates(ctx, known)
	if err != nil {
		return p.result, fmt.Errorf("list %s: %w", name, err)
	}
	p.result.Listed = len(cands)
	pending, err := p.diff(ctx, cands)
	if err != nil {
		return p.result, err
	}
	p.log.Info().Int("listed", len(cands)).Int("new", len(pending)).Msg("diffed against ledger")

	if v, ok := src.(Validator); ok && len(pending) > 0 {
		res := validateAll(ctx, v, pending, r.opts.ValidateBatch, r.opts.ValidatePause)
		pending = res.valid
		p.result.Invalid = len(res.invalid)
		for range res.invalid {
			r.metrics.Item(name, metrics.ResultInvalid)
		}
		for _, f := range res.failures {
			p.fail(f.candidate, f.state, f.err)
		}
	}

	p.retrieveAll(ctx, pending, cacheDir)

	if f, ok := src.(Finisher); ok {
		if err := f.Finish(ctx); err != nil {
			p.log.Warn().Err(err).Msg("finish hook failed")
		}
	}

	p.result.FinishedAt = r.now().UTC()
	p.collectFailures()
	r.report(p)

	if len(p.failures) > 0 {
		pe := &PassError{Source: name, Failures: p.result.Failures}
		for _, f := range p.failures {
			pe.errs = append(pe.errs, f.err)
		}
		return p.result, pe
	}
	return p.result, nil
}

func (r *Runner) scratchDir(name string) (string, error) {
	parent := strings.TrimSpace(r.opts.CacheDir)
	if parent != "" {
		if err := runstore.Mkdir(parent); err != nil {
			return "", err
		}
	}
	dir, err := os.MkdirTemp(parent, "favsync-"+name+"-")
	if err != nil {
		return "", fmt.Errorf("create cache directory: %w", err)
	}
	return dir, nil
}

// known memoizes ledger snapshots per group for the pass.
func (p *pass) known(ctx context.Context, group string) (map[string]struct{}, error) {
	if s, ok := p.snapshots[group]; ok {
		return s, nil
	}
	s, err := p.r.ledger.Known(ctx, p.src.Name(), group)
	if err != nil {
		return nil, err
	}
	p.snapshots[group] = s
	return s, nil
}

// diff keeps candidates whose (remote_id, group) is not recorded, dropping
// repeats within the listing.
func (p *pass) diff(ctx context.Context, cands []model.Candidate) ([]model.Candidate, error) {
	seen := make(map[[2]string]bool, len(cands))
	out := make([]model.Candidate, 0, len(cands))
	for _, c := range cands {
		key := [2]string{c.Group, c.RemoteID}
		if seen[key] {
			continue
		}
		seen[key] = true
		known, err := p.known(ctx, c.Group)
		if err != nil {
			return nil, err
		}
		if _, ok := known[c.RemoteID]; ok {
			p.result.Known++
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

// retrieveAll fetches items one at a time. Background merges may overlap
// the next item's fetch and are all joined before returning.
func (p *pass) retrieveAll(ctx context.Context, items []model.Candidate, cacheDir string) {
	var merges sync.WaitGroup
	defer merges.Wait()

	for i, c := range items {
		p.mu.Lock()
		p.result.Attempted++
		p.mu.Unlock()

		item := model.NewItem(c)
		log := p.log.With().Str("remote_id", c.RemoteID).Str("title", c.Title).Logger()
		log.Info().Int("index", i+1).Int("total", len(items)).Msg("retrieving")

		workspace := filepath.Join(cacheDir, fmt.Sprintf("%04d", i))
		if err := runstore.Mkdir(workspace); err != nil {
			p.fail(c, item.State, err)
			continue
		}

		p.r.progress.begin(i+1, len(items), c)
		switch src := p.src.(type) {
		case AsyncRetriever:
			h, err := src.RetrieveAsync(ctx, item, workspace)
			p.r.progress.end(fmt.Sprintf("[%d/%d] %s fetched", i+1, len(items), c.RemoteID))
			if err != nil {
				p.failItem(item, err, log)
				_ = os.RemoveAll(workspace)
				continue
			}
			merges.Add(1)
			go func() {
				defer merges.Done()
				defer os.RemoveAll(workspace)
				if err := h.Wait(); err != nil {
					p.failItem(item, err, log)
					return
				}
				p.finish(ctx, item, h.Output, log)
			}()
		case Retriever:
			path, err := src.Retrieve(ctx, item, workspace)
			p.r.progress.end(fmt.Sprintf("[%d/%d] %s fetched", i+1, len(items), c.RemoteID))
			if err != nil {
				p.failItem(item, err, log)
			} else {
				p.finish(ctx, item, path, log)
			}
			_ = os.RemoveAll(workspace)
		default:
			p.r.progress.end("")
			p.failItem(item, fmt.Errorf("source %s cannot retrieve items", p.src.Name()), log)
		}
	}
}

// finish places the artifact and records it. Placement and recording are
// serialized so concurrent merges never race on destination names.
func (p *pass) finish(ctx context.Context, item *model.Item, artifact string, log zerolog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()

	c := item.Candidate
	dest := p.src.DestDir(c)
	if err := runstore.Mkdir(dest); err != nil {
		p.failItemLocked(item, err, log)
		return
	}
	name := filename.Resolve(c.Title, c.RemoteID, c.Uploader, filepath.Ext(artifact), p.r.opts.MaxNameBytes)
	target, err := filename.Unique(dest, name)
	if err != nil {
		p.failItemLocked(item, err, log)
		return
	}
	if item.Bytes == 0 {
		if info, err := os.Stat(artifact); err == nil {
			item.Bytes = info.Size()
		}
	}
	if err := runstore.MoveFile(artifact, target); err != nil {
		p.failItemLocked(item, err, log)
		return
	}
	if err := model.Transition(item, model.StatePlaced); err != nil {
		p.failItemLocked(item, err, log)
		return
	}
	item.Path = target
	p.result.Files = append(p.result.Files, target)
	p.result.Bytes += item.Bytes
	p.r.metrics.Bytes(c.Source, item.Bytes)

	err = p.r.ledger.Record(ctx, model.EntryFor(c, p.r.now()))
	switch {
	case errors.Is(err, ledger.ErrDuplicate):
		p.result.Duplicates++
		p.r.metrics.Item(c.Source, metrics.ResultDuplicate)
		log.Warn().Str("path", target).Msg("already recorded by another writer")
	case err != nil:
		log.Error().Err(err).Str("path", target).Msg("placed but not recorded")
		p.failItemLocked(item, err, log)
		return
	default:
		p.result.Archived++
		p.r.metrics.Item(c.Source, metrics.ResultArchived)
		log.Info().Str("path", target).Msg("archived")
	}
	_ = model.Transition(item, model.StateRecorded)

	if cm, ok := p.src.(Completer); ok {
		if err := cm.Completed(ctx, c); err != nil {
			log.Warn().Err(err).Msg("completion hook failed")
		}
	}
}

func (p *pass) fail(c model.Candidate, state string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = append(p.failures, itemFailure{candidate: c, state: state, err: err})
	p.r.metrics.Item(c.Source, metrics.ResultFailed)
	p.log.Error().Err(err).Str("remote_id", c.RemoteID).Str("title", c.Title).Msg("item failed")
}

func (p *pass) failItem(item *model.Item, err error, log zerolog.Logger) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failItemLocked(item, err, log)
}

func (p *pass) failItemLocked(item *model.Item, err error, log zerolog.Logger) {
	state := item.State
	_ = model.Transition(item, model.StateFailed)
	p.failures = append(p.failures, itemFailure{candidate: item.Candidate, state: state, err: err})
	p.r.metrics.Item(item.Source, metrics.ResultFailed)
	event := log.Error().Err(err).Str("state", state)
	if hls.IsManifestFormatError(err) || hls.IsMergeError(err) {
		event = event.Bool("fatal", true)
	}
	event.Msg("item failed")
}

func (p *pass) collectFailures() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, f := range p.failures {
		p.result.Failures = append(p.result.Failures, model.Failure{
			Source:   f.candidate.Source,
			RemoteID: f.candidate.RemoteID,
			Title:    f.candidate.Title,
			State:    f.state,
			Error:    f.err.Error(),
		})
	}
}

func (r *Runner) report(p *pass) {
	path := filepath.Join(r.opts.StateDir, "reports", p.result.Source+".json")
	if err := runstore.WriteJSON(path, p.result); err != nil {
		p.log.Warn().Err(err).Msg("write pass report failed")
	}
	r.metrics.PassDone(p.result.Source, p.result.FinishedAt.Sub(p.result.StartedAt), p.result.FinishedAt)
	if err := r.metrics.WriteTextfile(r.opts.MetricsTextfile); err != nil {
		p.log.Warn().Err(err).Msg("write metrics failed")
	}
	p.log.Info().
		Int("listed", p.result.Listed).
		Int("known", p.result.Known).
		Int("invalid", p.result.Invalid).
		Int("archived", p.result.Archived).
		Int("duplicates", p.result.Duplicates).
		Int("failed", len(p.result.Failures)).
		Msg("pass finished")
}
