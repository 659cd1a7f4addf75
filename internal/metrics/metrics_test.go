package metrics

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.Item("bilibili", ResultArchived)
	r.Item("bilibili", ResultArchived)
	r.Item("bilibili", ResultFailed)
	r.Bytes("bilibili", 1024)
	r.Bytes("bilibili", 0)

	if got := testutil.ToFloat64(r.items.WithLabelValues("bilibili", ResultArchived)); got != 2 {
		t.Fatalf("archived = %v, want 2", got)
	}
	if got := testutil.ToFloat64(r.items.WithLabelValues("bilibili", ResultFailed)); got != 1 {
		t.Fatalf("failed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(r.bytes.WithLabelValues("bilibili")); got != 1024 {
		t.Fatalf("bytes = %v, want 1024", got)
	}
}

func TestNilRecorderIsNoop(t *testing.T) {
	var r *Recorder
	r.Item("x", ResultArchived)
	r.Bytes("x", 1)
	r.PassDone("x", time.Second, time.Now())
	if err := r.WriteTextfile("ignored"); err != nil {
		t.Fatal(err)
	}
}

func TestWriteTextfile(t *testing.T) {
	r := New()
	r.Item("tangxin", ResultArchived)
	r.PassDone("tangxin", 1500*time.Millisecond, time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "textfile", "favsync.prom")
	if err := r.WriteTextfile(path); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	text := string(b)
	for _, want := range []string{
		`favsync_items_total{result="archived",source="tangxin"} 1`,
		`favsync_pass_duration_seconds{source="tangxin"} 1.5`,
	} {
		if !strings.Contains(text, want) {
			t.Fatalf("missing %q in:\n%s", want, text)
		}
	}
}
