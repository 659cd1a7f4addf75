// Package cloudflare talks to the D1 query API and the Workers KV values
// API with a bearer token.
package cloudflare

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"favsync/internal/httpx"
)

const DefaultBaseURL = "https://api.cloudflare.com/client/v4"

type Options struct {
	BaseURL   string
	AccountID string
	APIKey    string
	D1ID      string
	Proxy     string
	Timeout   time.Duration
}

type Client struct {
	http      *http.Client
	baseURL   string
	accountID string
	d1ID      string
	cb        *gobreaker.CircuitBreaker[[]byte]
	log       zerolog.Logger
}

// APIError is a non-success answer from the API. Messages holds the error
// strings Cloudflare returned.
type APIError struct {
	Status   int
	Messages []string
}

func (e *APIError) Error() string {
	if len(e.Messages) == 0 {
		return fmt.Sprintf("cloudflare api: status %d", e.Status)
	}
	return fmt.Sprintf("cloudflare api: status %d: %s", e.Status, strings.Join(e.Messages, "; "))
}

// IsConstraintViolation reports whether err is a D1 uniqueness violation.
func IsConstraintViolation(err error) bool {
	var e *APIError
	if !errors.As(err, &e) {
		return false
	}
	for _, m := range e.Messages {
		if strings.Contains(m, "UNIQUE constraint failed") || strings.Contains(m, "PRIMARY KEY constraint failed") {
			return true
		}
	}
	return false
}

func New(opts Options, log zerolog.Logger) (*Client, error) {
	if opts.AccountID == "" || opts.APIKey == "" {
		return nil, errors.New("cloudflare account id and api key are required")
	}
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	hc, err := httpx.New(httpx.Options{
		Proxy:   opts.Proxy,
		Timeout: opts.Timeout,
		Headers: map[string]string{"Authorization": "Bearer " + opts.APIKey},
	})
	if err != nil {
		return nil, fmt.Errorf("cloudflare http client: %w", err)
	}

	log = log.With().Str("component", "cloudflare").Logger()
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        "cloudflare-api",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// A rejected statement is an answer, not an outage.
		IsSuccessful: func(err error) bool {
			var e *APIError
			if errors.As(err, &e) {
				return e.Status < 500
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &Client{
		http:      hc,
		baseURL:   base,
		accountID: opts.AccountID,
		d1ID:      opts.D1ID,
		cb:        cb,
		log:       log,
	}, nil
}

type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type queryEnvelope struct {
	Success bool          `json:"success"`
	Errors  []apiMessage  `json:"errors"`
	Result  []queryResult `json:"result"`
}

type queryResult struct {
	Success bool            `json:"success"`
	Results json.RawMessage `json:"results"`
	Meta    struct {
		Changes int64 `json:"changes"`
	} `json:"meta"`
	Error string `json:"error,omitempty"`
}

// Result is the outcome of one D1 statement.
type Result struct {
	Rows    json.RawMessage
	Changes int64
}

// Decode unmarshals the result rows into dst, typically a slice of structs.
func (r Result) Decode(dst any) error {
	if len(r.Rows) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Rows, dst); err != nil {
		return fmt.Errorf("decode d1 rows: %w", err)
	}
	return nil
}

// Query runs one parameterized statement against the configured database.
func (c *Client) Query(ctx context.Context, sql string, params ...string) (Result, error) {
	if c.d1ID == "" {
		return Result{}, errors.New("cloudflare d1 database id is not configured")
	}
	if params == nil {
		params = []string{}
	}
	body, err := json.Marshal(map[string]any{"sql": sql, "params": params})
	if err != nil {
		return Result{}, fmt.Errorf("encode d1 query: %w", err)
	}
	endpoint := fmt.Sprintf("%s/accounts/%s/d1/database/%s/query", c.baseURL, url.PathEscape(c.accountID), url.PathEscape(c.d1ID))

	raw, err := c.do(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, err
	}

	var env queryEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Result{}, fmt.Errorf("decode d1 response: %w", err)
	}
	if !env.Success || len(env.Result) == 0 {
		return Result{}, &APIError{Status: http.StatusOK, Messages: messages(env.Errors)}
	}
	res := env.Result[0]
	if !res.Success {
		return Result{}, &APIError{Status: http.StatusOK, Messages: []string{res.Error}}
	}
	return Result{Rows: res.Results, Changes: res.Meta.Changes}, nil
}

// GetValue fetches one KV value as raw bytes.
func (c *Client) GetValue(ctx context.Context, namespaceID, key string) ([]byte, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/storage/kv/namespaces/%s/values/%s",
		c.baseURL, url.PathEscape(c.accountID), url.PathEscape(namespaceID), url.PathEscape(key))
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	return c.cb.Execute(func() ([]byte, error) {
		var rdr io.Reader
		if body != nil {
			rdr = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, rdr)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", method, redact(endpoint), err)
		}
		defer resp.Body.Close()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode >= 300 {
			apiErr := &APIError{Status: resp.StatusCode}
			var env queryEnvelope
			if json.Unmarshal(data, &env) == nil && len(env.Errors) > 0 {
				apiErr.Messages = messages(env.Errors)
			} else if s := strings.TrimSpace(string(data)); s != "" {
				apiErr.Messages = []string{truncate(s, 512)}
			}
			c.log.Debug().Int("status", resp.StatusCode).Str("endpoint", redact(endpoint)).Msg("api request failed")
			return nil, apiErr
		}
		return data, nil
	})
}

func messages(in []apiMessage) []string {
	out := make([]string, 0, len(in))
	for _, m := range in {
		out = append(out, m.Message)
	}
	return out
}

func redact(endpoint string) string {
	if i := strings.Index(endpoint, "/accounts/"); i >= 0 {
		return endpoint[i:]
	}
	return endpoint
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
