// Package httpx builds the proxy-aware HTTP clients shared by the source
// and ledger adapters.
package httpx

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"
)

const defaultTimeout = 30 * time.Second

// ErrIdleTimeout is returned by a response body that saw no data for the
// configured idle timeout.
var ErrIdleTimeout = errors.New("httpx: idle read timeout")

// Options configures a client. Zero values mean no proxy, the default
// timeout and no extra headers.
type Options struct {
	Proxy string
	// Timeout caps a whole request including the body read. It defaults to
	// 30s unless IdleTimeout is set, in which case zero means no cap.
	Timeout time.Duration
	// IdleTimeout bounds each network step instead: connect, response
	// headers and every wait for body data.
	IdleTimeout time.Duration
	// Headers are set on every request that does not already carry them.
	Headers map[string]string
	// MaxConns caps connections per host; 0 leaves the transport default.
	MaxConns int
}

// headerTransport injects fixed headers without touching the caller's
// request.
type headerTransport struct {
	Base    http.RoundTripper
	Headers map[string]string
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if len(t.Headers) == 0 {
		return t.Base.RoundTrip(req)
	}
	r := req.Clone(req.Context())
	for k, v := range t.Headers {
		if r.Header.Get(k) == "" {
			r.Header.Set(k, v)
		}
	}
	return t.Base.RoundTrip(r)
}

func New(opts Options) (*http.Client, error) {
	headerTimeout := 30 * time.Second
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	if opts.IdleTimeout > 0 {
		headerTimeout = opts.IdleTimeout
		dialer.Timeout = opts.IdleTimeout
	}
	base := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: headerTimeout,
		MaxIdleConnsPerHost:   opts.MaxConns,
		MaxConnsPerHost:       opts.MaxConns,
	}
	if p := strings.TrimSpace(opts.Proxy); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
	}

	var rt http.RoundTripper = &headerTransport{Base: base, Headers: opts.Headers}
	timeout := opts.Timeout
	if opts.IdleTimeout > 0 {
		rt = &idleTransport{Base: rt, Idle: opts.IdleTimeout}
	} else if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &http.Client{
		Transport: rt,
		Timeout:   timeout,
	}, nil
}

// idleTransport cancels a request whose response body stalls for longer
// than Idle between reads.
type idleTransport struct {
	Base http.RoundTripper
	Idle time.Duration
}

func (t *idleTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	res, err := t.Base.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	body := &idleBody{rc: res.Body, idle: t.Idle, cancel: cancel}
	body.timer = time.AfterFunc(t.Idle, func() {
		body.expired.Store(true)
		cancel()
	})
	res.Body = body
	return res, nil
}

type idleBody struct {
	rc      io.ReadCloser
	idle    time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	expired atomic.Bool
}

func (b *idleBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if b.expired.Load() && !errors.Is(err, io.EOF) {
		return n, fmt.Errorf("%w after %s", ErrIdleTimeout, b.idle)
	}
	if n > 0 {
		b.timer.Reset(b.idle)
	}
	return n, err
}

func (b *idleBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel()
	return err
}
