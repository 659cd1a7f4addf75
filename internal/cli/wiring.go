package cli

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"favsync/internal/archive"
	"favsync/internal/bilibili"
	"favsync/internal/cloudflare"
	"favsync/internal/config"
	"favsync/internal/hls"
	"favsync/internal/httpx"
	"favsync/internal/ledger"
	"favsync/internal/logging"
	"favsync/internal/metrics"
	"favsync/internal/tangxin"
	"favsync/internal/telegram"
	"favsync/internal/ytdlp"
)

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	bilibiliReferer  = "https://www.bilibili.com"
	tangxinMaxConns  = 10
)

// sourceOrder is the order sources run in when none are named.
var sourceOrder = []string{bilibili.SourceName, tangxin.SourceName, telegram.SourceName}

// app holds everything built from one configuration load.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	cf      *cloudflare.Client
	ledger  ledger.Ledger
	metrics *metrics.Recorder
	tracker *archive.Tracker
	runner  *archive.Runner
	closers []io.Closer
}

func newApp(opts *rootOptions, deps Deps, showProgress bool) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	level := cfg.Log.Level
	if strings.TrimSpace(opts.logLevel) != "" {
		level = opts.logLevel
	}
	log, logCloser, err := logging.New(logging.Config{
		Level:  level,
		Format: cfg.Log.Format,
		Dir:    cfg.Log.Dir,
		Output: deps.Stderr,
	})
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, log: log, closers: []io.Closer{logCloser}}

	if cfg.Ledger.Backend == config.LedgerD1 || cfg.Tangxin.Enabled {
		a.cf, err = cloudflare.New(cloudflare.Options{
			BaseURL:   cfg.Cloudflare.BaseURL,
			AccountID: cfg.Cloudflare.AccountID,
			APIKey:    cfg.Cloudflare.APIKey,
			D1ID:      cfg.Cloudflare.D1ID,
			Proxy:     cfg.Proxy,
			Timeout:   cfg.Cloudflare.Timeout,
		}, log.With().Str("component", "cloudflare").Logger())
		if err != nil {
			_ = a.Close()
			return nil, err
		}
	}

	switch cfg.Ledger.Backend {
	case config.LedgerSQLite:
		db, err := ledger.OpenSQLite(cfg.Ledger.SQLitePath)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.ledger = db
		a.closers = append(a.closers, db)
	default:
		a.ledger = ledger.NewD1(a.cf)
	}

	a.metrics = metrics.New()
	a.tracker = archive.NewTracker(showProgress, deps.Stderr)
	a.runner = archive.NewRunner(a.ledger, a.metrics, a.tracker, archive.Options{
		StateDir:        cfg.StateDir,
		CacheDir:        cfg.CacheDir,
		MaxNameBytes:    cfg.Filename.MaxBytes,
		ValidateBatch:   cfg.Bilibili.ValidateBatch,
		ValidatePause:   cfg.Bilibili.ValidatePause,
		MetricsTextfile: cfg.Metrics.Textfile,
	}, log)
	return a, nil
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *app) enabled(name string) bool {
	switch name {
	case bilibili.SourceName:
		return a.cfg.Bilibili.Enabled
	case tangxin.SourceName:
		return a.cfg.Tangxin.Enabled
	case telegram.SourceName:
		return a.cfg.Telegram.Enabled
	}
	return false
}

// sources builds the named sources, or every enabled one when names is
// empty. An enabled telegram source is skipped when no client was supplied
// unless it was named explicitly.
func (a *app) sources(names []string, deps Deps) ([]archive.Source, error) {
	explicit := len(names) > 0
	if !explicit {
		for _, n := range sourceOrder {
			if a.enabled(n) {
				names = append(names, n)
			}
		}
	}

	seen := make(map[string]bool, len(names))
	out := make([]archive.Source, 0, len(names))
	for _, raw := range names {
		name := strings.ToLower(strings.TrimSpace(raw))
		if seen[name] {
			continue
		}
		seen[name] = true
		if !a.enabled(name) {
			if !isKnownSource(name) {
				return nil, fmt.Errorf("unknown source %q (expected one of %s)", raw, strings.Join(sourceOrder, ", "))
			}
			return nil, fmt.Errorf("source %q is not enabled in the configuration", name)
		}

		var (
			src archive.Source
			err error
		)
		switch name {
		case bilibili.SourceName:
			src, err = a.bilibiliSource()
		case tangxin.SourceName:
			src, err = a.tangxinSource()
		case telegram.SourceName:
			if deps.Telegram == nil {
				if explicit {
					return nil, errors.New("telegram source needs a channel client")
				}
				a.log.Warn().Str("source", name).Msg("no telegram client available; skipping")
				continue
			}
			src = a.telegramSource(deps.Telegram)
		}
		if err != nil {
			return nil, fmt.Errorf("build %s source: %w", name, err)
		}
		out = append(out, src)
	}
	return out, nil
}

func isKnownSource(name string) bool {
	for _, n := range sourceOrder {
		if n == name {
			return true
		}
	}
	return false
}

func (a *app) bilibiliSource() (*bilibili.Source, error) {
	cfg := a.cfg.Bilibili
	cookies, err := bilibili.LoadCookies(cfg.Cookies)
	if err != nil {
		return nil, err
	}
	client, err := httpx.New(httpx.Options{
		Proxy:   a.cfg.Proxy,
		Timeout: 30 * time.Second,
		Headers: map[string]string{
			"User-Agent": desktopUserAgent,
			"Referer":    bilibiliReferer,
		},
	})
	if err != nil {
		return nil, err
	}
	api, err := bilibili.NewClient(client, cfg.APIBaseURL, cookies)
	if err != nil {
		return nil, err
	}
	log := a.log.With().Str("source", bilibili.SourceName).Logger()
	dl := ytdlp.New(ytdlp.Options{
		Binary:      a.cfg.Tools.YTDLP,
		CookiesPath: cfg.Cookies,
		ProxyURL:    a.cfg.Proxy,
		Attempts:    a.cfg.Retry.Attempts,
		BaseDelay:   a.cfg.Retry.BaseDelay,
		LogDir:      filepath.Join(a.cfg.StateDir, "logs", bilibili.SourceName),
		Progress:    a.tracker.HandleLine,
		OnRetry: func(attempt int, err error, wait time.Duration) {
			log.Warn().Err(err).Int("attempt", attempt).Dur("wait", wait).Msg("yt-dlp failed; retrying")
		},
	}, log)
	return bilibili.NewSource(api, dl, bilibili.Options{
		FavID:              cfg.FavID,
		Toview:             cfg.Toview,
		Root:               cfg.Path,
		VideoURLPrefix:     cfg.VideoURLPrefix,
		ClearToviewOnEmpty: cfg.ClearToviewOnEmpty,
	}, log), nil
}

func (a *app) tangxinSource() (*tangxin.Source, error) {
	cfg := a.cfg.Tangxin
	client, err := httpx.New(httpx.Options{
		Proxy:       a.cfg.Proxy,
		IdleTimeout: cfg.Timeout,
		Headers: map[string]string{
			"User-Agent": tangxin.MobileUserAgent,
			"Origin":     cfg.Host,
		},
		MaxConns: tangxinMaxConns,
	})
	if err != nil {
		return nil, err
	}
	log := a.log.With().Str("source", tangxin.SourceName).Logger()
	fetcher := hls.NewFetcher(client, a.cf, hls.Options{
		Namespace:      a.cfg.Cloudflare.KVIDs[tangxin.SourceName],
		FFmpeg:         a.cfg.Tools.FFmpeg,
		BandwidthLimit: cfg.BandwidthLimit,
	}, log)
	src := tangxin.NewSource(a.cf, fetcher, cfg.Path, log)
	src.SetObserver(a.tracker)
	return src, nil
}

func (a *app) telegramSource(client telegram.Client) *telegram.Source {
	log := a.log.With().Str("source", telegram.SourceName).Logger()
	src := telegram.NewSource(client, a.cfg.Telegram.Channels, a.cfg.Telegram.Path, log)
	src.SetProgress(a.tracker.Transfer)
	return src
}
