package cloudflare

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(Options{BaseURL: srv.URL, AccountID: "acc", APIKey: "secret", D1ID: "db"}, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestQuerySendsParamsAndDecodesRows(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		if !strings.HasSuffix(r.URL.Path, "/accounts/acc/d1/database/db/query") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)
		var req struct {
			SQL    string   `json:"sql"`
			Params []string `json:"params"`
		}
		_ = json.Unmarshal(body, &req)
		if len(req.Params) != 1 || req.Params[0] != "-1" {
			t.Errorf("unexpected params %v", req.Params)
		}
		_, _ = io.WriteString(w, `{"success":true,"errors":[],"result":[{"success":true,"results":[{"remote_id":"BV1"},{"remote_id":"BV2"}],"meta":{"changes":0}}]}`)
	})

	res, err := c.Query(context.Background(), "SELECT remote_id FROM bilibili WHERE group_key = ?", "-1")
	if err != nil {
		t.Fatal(err)
	}
	var rows []struct {
		RemoteID string `json:"remote_id"`
	}
	if err := res.Decode(&rows); err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 || rows[1].RemoteID != "BV2" {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestQueryConstraintViolation(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"success":false,"errors":[{"code":7500,"message":"UNIQUE constraint failed: bilibili.remote_id: SQLITE_CONSTRAINT"}],"result":[]}`)
	})

	_, err := c.Query(context.Background(), "INSERT INTO bilibili (remote_id) VALUES (?)", "BV1")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsConstraintViolation(err) {
		t.Fatalf("expected constraint violation, got %v", err)
	}
}

func TestGetValueReturnsRawBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/storage/kv/namespaces/ns/values/42") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		_, _ = io.WriteString(w, "#EXTM3U\n")
	})
	data, err := c.GetValue(context.Background(), "ns", "42")
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "#EXTM3U\n" {
		t.Fatalf("unexpected body %q", data)
	}
}

func TestServerErrorIsNotConstraint(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	_, err := c.GetValue(context.Background(), "ns", "1")
	if err == nil || IsConstraintViolation(err) {
		t.Fatalf("expected plain api error, got %v", err)
	}
}
