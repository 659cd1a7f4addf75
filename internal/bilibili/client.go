// Package bilibili lists an account's favorite folder and watch-later
// list and hands new videos to yt-dlp.
package bilibili

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const favPageSize = 20

type Media struct {
	BVID  string `json:"bvid"`
	Title string `json:"title"`
	Upper struct {
		Name string `json:"name"`
	} `json:"upper"`
	Owner struct {
		Name string `json:"name"`
	} `json:"owner"`
}

// Uploader returns the uploader name from whichever field the endpoint
// filled.
func (m Media) Uploader() string {
	if m.Upper.Name != "" {
		return m.Upper.Name
	}
	return m.Owner.Name
}

type FavPage struct {
	Medias  []Media `json:"medias"`
	HasMore bool    `json:"has_more"`
}

type View struct {
	BVID  string `json:"bvid"`
	Title string `json:"title"`
	Owner struct {
		Name string `json:"name"`
	} `json:"owner"`
	IsUpowerExclusive bool `json:"is_upower_exclusive"`
}

// APIError is a response whose envelope code is non-zero.
type APIError struct {
	Endpoint string
	Code     int
	Message  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bilibili %s: code %d: %s", e.Endpoint, e.Code, e.Message)
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type Client struct {
	http *http.Client
	base string
	csrf string
}

// NewClient wraps httpClient with the account cookies. The client's jar is
// replaced.
func NewClient(httpClient *http.Client, baseURL string, cookies []*http.Cookie) (*Client, error) {
	base := strings.TrimRight(baseURL, "/")
	jar, err := newJar(base, cookies)
	if err != nil {
		return nil, err
	}
	httpClient.Jar = jar
	return &Client{http: httpClient, base: base, csrf: Lookup(cookies, "bili_jct")}, nil
}

func (c *Client) FavoritePage(ctx context.Context, mediaID int64, page int) (FavPage, error) {
	q := url.Values{}
	q.Set("media_id", strconv.FormatInt(mediaID, 10))
	q.Set("pn", strconv.Itoa(page))
	q.Set("ps", strconv.Itoa(favPageSize))
	q.Set("platform", "web")
	var out FavPage
	err := c.get(ctx, "/x/v3/fav/resource/list", q, &out)
	return out, err
}

func (c *Client) ToView(ctx context.Context) ([]Media, error) {
	var out struct {
		List []Media `json:"list"`
	}
	if err := c.get(ctx, "/x/v2/history/toview", nil, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

func (c *Client) ClearToView(ctx context.Context) error {
	if c.csrf == "" {
		return fmt.Errorf("bili_jct cookie is required to clear the watch-later list")
	}
	form := url.Values{}
	form.Set("csrf", c.csrf)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/x/v2/history/toview/clear", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req, "/x/v2/history/toview/clear", nil)
}

func (c *Client) View(ctx context.Context, bvid string) (View, error) {
	q := url.Values{}
	q.Set("bvid", bvid)
	var out View
	err := c.get(ctx, "/x/web-interface/view", q, &out)
	return out, err
}

func (c *Client) get(ctx context.Context, endpoint string, q url.Values, dst any) error {
	u := c.base + endpoint
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	return c.do(req, endpoint, dst)
}

func (c *Client) do(req *http.Request, endpoint string, dst any) error {
	res, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("bilibili %s: %w", endpoint, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("bilibili %s: read body: %w", endpoint, err)
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		return fmt.Errorf("bilibili %s: status %d", endpoint, res.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("bilibili %s: decode: %w", endpoint, err)
	}
	if env.Code != 0 {
		return &APIError{Endpoint: endpoint, Code: env.Code, Message: env.Message}
	}
	if dst == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, dst); err != nil {
		return fmt.Errorf("bilibili %s: decode data: %w", endpoint, err)
	}
	return nil
}
