package bilibili

import (
	"bufio"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const httpOnlyPrefix = "#HttpOnly_"

// LoadCookies reads a Netscape cookie file, the format yt-dlp also consumes.
func LoadCookies(path string) ([]*http.Cookie, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open cookies file: %w", err)
	}
	defer f.Close()

	var out []*http.Cookie
	scanner := bufio.NewScanner(f)
	line := 0
	for scanner.Scan() {
		line++
		text := strings.TrimRight(scanner.Text(), "\r")
		httpOnly := false
		if strings.HasPrefix(text, httpOnlyPrefix) {
			httpOnly = true
			text = strings.TrimPrefix(text, httpOnlyPrefix)
		}
		if strings.TrimSpace(text) == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.Split(text, "\t")
		if len(fields) != 7 {
			return nil, fmt.Errorf("cookies file %s line %d: expected 7 tab separated fields, got %d", path, line, len(fields))
		}
		c := &http.Cookie{
			Domain:   fields[0],
			Path:     fields[2],
			Secure:   strings.EqualFold(fields[3], "TRUE"),
			Name:     fields[5],
			Value:    fields[6],
			HttpOnly: httpOnly,
		}
		if exp, err := strconv.ParseInt(fields[4], 10, 64); err == nil && exp > 0 {
			c.Expires = time.Unix(exp, 0)
		}
		out = append(out, c)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read cookies file: %w", err)
	}
	return out, nil
}

// Lookup returns the value of the named cookie, matching names
// case-insensitively.
func Lookup(cookies []*http.Cookie, name string) string {
	for _, c := range cookies {
		if strings.EqualFold(c.Name, name) {
			return c.Value
		}
	}
	return ""
}

// newJar scopes every cookie to the API host so requests carry them even
// when the configured base URL is not a bilibili.com host.
func newJar(base string, cookies []*http.Cookie) (http.CookieJar, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("parse api base url: %w", err)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	scoped := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		cp := *c
		cp.Domain = ""
		cp.Secure = false
		if cp.Path == "" {
			cp.Path = "/"
		}
		scoped = append(scoped, &cp)
	}
	jar.SetCookies(u, scoped)
	return jar, nil
}
