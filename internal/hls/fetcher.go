package hls

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"favsync/internal/model"
)

// BlobStore returns the playlist text stored for an item.
type BlobStore interface {
	GetValue(ctx context.Context, namespaceID, key string) ([]byte, error)
}

// Observer receives advisory progress. SegmentSized is called once per
// segment when its size becomes known; SegmentBytes as bytes arrive.
type Observer interface {
	SegmentSized(index int, size int64, segments int)
	SegmentBytes(n int64)
}

type Options struct {
	Namespace string
	FFmpeg    string
	// BandwidthLimit is shared by every segment request of the fetcher,
	// in bytes per second. Zero disables it.
	BandwidthLimit int64
}

type Fetcher struct {
	http    *http.Client
	blobs   BlobStore
	opts    Options
	limiter *rate.Limiter
	log     zerolog.Logger
}

func NewFetcher(client *http.Client, blobs BlobStore, opts Options, log zerolog.Logger) *Fetcher {
	if opts.FFmpeg == "" {
		opts.FFmpeg = "ffmpeg"
	}
	f := &Fetcher{http: client, blobs: blobs, opts: opts, log: log}
	if opts.BandwidthLimit > 0 {
		f.limiter = newByteLimiter(opts.BandwidthLimit)
	}
	return f
}

func newByteLimiter(bytesPerSec int64) *rate.Limiter {
	return rate.NewLimiter(rate.Limit(bytesPerSec), int(max(1, bytesPerSec/4)))
}

// Fetch retrieves and decrypts every segment of item into workspace and
// starts the merge. It returns once all segments are on disk; the merge
// result is collected through the returned handle. On error the item is
// left in the state it reached.
func (f *Fetcher) Fetch(ctx context.Context, item *model.Item, workspace string, obs Observer) (*MergeHandle, error) {
	raw, err := f.blobs.GetValue(ctx, f.opts.Namespace, item.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("get playlist %s: %w", item.RemoteID, err)
	}
	mf, err := ParseManifest(string(raw))
	if err != nil {
		return nil, err
	}
	key, err := f.get(ctx, mf.KeyURL, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch key: %w", err)
	}
	if len(key) != 16 {
		return nil, &ManifestFormatError{Reason: fmt.Sprintf("key must be 16 bytes, got %d", len(key))}
	}
	mf.Key = key
	if err := model.Transition(item, model.StateKeyFetched); err != nil {
		return nil, err
	}

	if err := model.Transition(item, model.StateSegmentsInFlight); err != nil {
		return nil, err
	}
	var total atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for i, u := range mf.SegmentURLs {
		g.Go(func() error {
			n, err := f.fetchSegment(gctx, mf, i, u, workspace, obs)
			total.Add(n)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	item.Bytes = total.Load()
	if err := model.Transition(item, model.StateSegmentsReady); err != nil {
		return nil, err
	}

	f.log.Debug().Str("remote_id", item.RemoteID).Int("segments", len(mf.SegmentURLs)).Msg("segments ready, merging")
	if err := model.Transition(item, model.StateMerging); err != nil {
		return nil, err
	}
	return startMerge(ctx, f.opts.FFmpeg, workspace, len(mf.SegmentURLs), f.log), nil
}

func (f *Fetcher) fetchSegment(ctx context.Context, mf Manifest, index int, url, workspace string, obs Observer) (int64, error) {
	sized := func(size int64) {
		if obs != nil {
			obs.SegmentSized(index, size, len(mf.SegmentURLs))
		}
	}
	ciphertext, err := f.get(ctx, url, &segmentProgress{obs: obs, sized: sized})
	if err != nil {
		return 0, fmt.Errorf("segment %d: %w", index, err)
	}
	plain, err := decryptSegment(mf.Key, mf.IV, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("segment %d: %w", index, err)
	}
	path := filepath.Join(workspace, strconv.Itoa(index)+".ts")
	if err := os.WriteFile(path, plain, 0o644); err != nil {
		return 0, fmt.Errorf("write segment %d: %w", index, err)
	}
	return int64(len(plain)), nil
}

type segmentProgress struct {
	obs   Observer
	sized func(int64)
}

func (f *Fetcher) get(ctx context.Context, url string, p *segmentProgress) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	res, err := f.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, fmt.Errorf("GET %s: status %d", url, res.StatusCode)
	}
	var r io.Reader = res.Body
	if f.limiter != nil {
		r = &limitedReader{ctx: ctx, r: r, lim: f.limiter}
	}
	if p != nil {
		p.sized(res.ContentLength)
		if p.obs != nil {
			r = &countingReader{r: r, add: p.obs.SegmentBytes}
		}
	}
	return io.ReadAll(r)
}

// limitedReader holds each read to the limiter's burst and waits for
// the bytes it returned.
type limitedReader struct {
	ctx context.Context
	r   io.Reader
	lim *rate.Limiter
}

func (l *limitedReader) Read(b []byte) (int, error) {
	if burst := l.lim.Burst(); len(b) > burst {
		b = b[:burst]
	}
	n, err := l.r.Read(b)
	if n > 0 {
		if werr := l.lim.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type countingReader struct {
	r   io.Reader
	add func(int64)
}

func (c *countingReader) Read(b []byte) (int, error) {
	n, err := c.r.Read(b)
	if n > 0 {
		c.add(int64(n))
	}
	return n, err
}
