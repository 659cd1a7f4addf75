package hls

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"favsync/internal/model"
)

var (
	testKey = []byte("0123456789abcdef")
	testIV  = []byte("fedcba9876543210")
)

func encrypt(t *testing.T, plain []byte) []byte {
	t.Helper()
	block, err := aes.NewCipher(testKey)
	if err != nil {
		t.Fatal(err)
	}
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, testIV).CryptBlocks(out, padded)
	return out
}

func TestParseManifest(t *testing.T) {
	text := `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-KEY:METHOD=AES-128,URI="https://k.example.com/key?id=1",IV=0x66656463626139383736353433323130
#EXTINF:10,
https://cdn.example.com/a/0.ts?sign=1
#EXTINF:10,
https://cdn.example.com/a/1.ts?sign=2
#EXT-X-ENDLIST
`
	mf, err := ParseManifest(text)
	if err != nil {
		t.Fatal(err)
	}
	if mf.KeyURL != "https://k.example.com/key?id=1" {
		t.Fatalf("unexpected key url %q", mf.KeyURL)
	}
	if !bytes.Equal(mf.IV, testIV) {
		t.Fatalf("unexpected iv %x", mf.IV)
	}
	want := []string{"https://cdn.example.com/a/0.ts?sign=1", "https://cdn.example.com/a/1.ts?sign=2"}
	if strings.Join(mf.SegmentURLs, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected segments %v", mf.SegmentURLs)
	}
}

func TestParseManifestErrors(t *testing.T) {
	cases := map[string]string{
		"no key":     "#EXTM3U\nhttps://cdn.example.com/0.ts?x=1\n",
		"bad iv":     "#EXT-X-KEY:METHOD=AES-128,URI=\"https://k/key\",IV=0xzz\nhttps://cdn.example.com/0.ts?x=1\n",
		"short iv":   "#EXT-X-KEY:METHOD=AES-128,URI=\"https://k/key\",IV=0x0102\nhttps://cdn.example.com/0.ts?x=1\n",
		"no segment": "#EXT-X-KEY:METHOD=AES-128,URI=\"https://k/key\",IV=0x66656463626139383736353433323130\n",
	}
	for name, text := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseManifest(text)
			if !IsManifestFormatError(err) {
				t.Fatalf("expected ManifestFormatError, got %v", err)
			}
		})
	}
}

func TestDecryptSegmentStripsValidPadding(t *testing.T) {
	plain := []byte("segment payload")
	got, err := decryptSegment(testKey, testIV, encrypt(t, plain))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plain) {
		t.Fatalf("got %q want %q", got, plain)
	}
}

func TestStripPKCS7KeepsInvalidPadding(t *testing.T) {
	b := []byte("abcdefghijklmno\x03")
	if got := stripPKCS7(b); !bytes.Equal(got, b) {
		t.Fatalf("invalid padding should be kept, got %q", got)
	}
}

type memBlobs map[string]string

func (m memBlobs) GetValue(_ context.Context, _ string, key string) ([]byte, error) {
	v, ok := m[key]
	if !ok {
		return nil, fmt.Errorf("key %s not found", key)
	}
	return []byte(v), nil
}

type recordingObserver struct {
	mu    sync.Mutex
	sizes map[int]int64
	bytes int64
}

func (o *recordingObserver) SegmentSized(index int, size int64, _ int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.sizes[index] = size
}

func (o *recordingObserver) SegmentBytes(n int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.bytes += n
}

func writeScript(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// fakeFFmpeg concatenates the files named in the concat list, in list order.
const fakeFFmpeg = `list=""
prev=""
out=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then list="$a"; fi
  prev="$a"
  out="$a"
done
: > "$out"
sed -e "s/^file '//" -e "s/'\$//" "$list" | while IFS= read -r f; do cat "$f" >> "$out"; done
`

func newSegmentServer(t *testing.T, plains [][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/key" {
			_, _ = w.Write(testKey)
			return
		}
		var idx int
		if _, err := fmt.Sscanf(r.URL.Path, "/seg/%d.ts", &idx); err != nil || idx >= len(plains) {
			http.NotFound(w, r)
			return
		}
		// earlier segments finish last
		time.Sleep(time.Duration(len(plains)-idx) * 20 * time.Millisecond)
		_, _ = w.Write(encrypt(t, plains[idx]))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func playlist(srv *httptest.Server, n int) string {
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	fmt.Fprintf(&b, "#EXT-X-KEY:METHOD=AES-128,URI=\"%s/key\",IV=0x%x\n", srv.URL, testIV)
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "#EXTINF:5,\n%s/seg/%d.ts?auth=abc\n", srv.URL, i)
	}
	return b.String()
}

func TestFetchMergesSegmentsInDocumentOrder(t *testing.T) {
	plains := [][]byte{[]byte("first-"), []byte("second-"), []byte("third")}
	srv := newSegmentServer(t, plains)
	ffmpeg := writeScript(t, "ffmpeg", fakeFFmpeg)

	f := NewFetcher(srv.Client(), memBlobs{"42": playlist(srv, len(plains))}, Options{Namespace: "ns", FFmpeg: ffmpeg}, zerolog.Nop())
	item := model.NewItem(model.Candidate{Source: "tangxin", RemoteID: "42", Title: "t"})
	obs := &recordingObserver{sizes: map[int]int64{}}
	workspace := t.TempDir()

	h, err := f.Fetch(context.Background(), item, workspace, obs)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if item.State != model.StateMerging {
		t.Fatalf("expected merging state, got %s", item.State)
	}
	if err := h.Wait(); err != nil {
		t.Fatalf("merge: %v", err)
	}
	got, err := os.ReadFile(h.Output)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "first-second-third" {
		t.Fatalf("unexpected merged content %q", got)
	}
	if item.Bytes != int64(len("first-second-third")) {
		t.Fatalf("unexpected byte count %d", item.Bytes)
	}
	if len(obs.sizes) != 3 || obs.bytes == 0 {
		t.Fatalf("observer not fed: sizes=%v bytes=%d", obs.sizes, obs.bytes)
	}
}

func TestFetchMergeFailure(t *testing.T) {
	plains := [][]byte{[]byte("a"), []byte("b")}
	srv := newSegmentServer(t, plains)
	ffmpeg := writeScript(t, "ffmpeg", "echo 'Invalid data found' >&2\nexit 1\n")

	f := NewFetcher(srv.Client(), memBlobs{"7": playlist(srv, len(plains))}, Options{FFmpeg: ffmpeg}, zerolog.Nop())
	item := model.NewItem(model.Candidate{Source: "tangxin", RemoteID: "7"})
	h, err := f.Fetch(context.Background(), item, t.TempDir(), nil)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	err = h.Wait()
	if !IsMergeError(err) {
		t.Fatalf("expected MergeError, got %v", err)
	}
	if !strings.Contains(err.Error(), "Invalid data found") {
		t.Fatalf("expected ffmpeg output in error, got %v", err)
	}
}

func TestFetchMalformedPlaylistKeepsStage(t *testing.T) {
	f := NewFetcher(http.DefaultClient, memBlobs{"1": "#EXTM3U\n"}, Options{}, zerolog.Nop())
	item := model.NewItem(model.Candidate{Source: "tangxin", RemoteID: "1"})
	_, err := f.Fetch(context.Background(), item, t.TempDir(), nil)
	if !IsManifestFormatError(err) {
		t.Fatalf("expected ManifestFormatError, got %v", err)
	}
	if item.State != model.StateManifestPending {
		t.Fatalf("expected item to stay at manifest_pending, got %s", item.State)
	}
}

func TestLimitedReaderPacesBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 30000)
	lim := newByteLimiter(40000)
	r := &limitedReader{ctx: context.Background(), r: bytes.NewReader(payload), lim: lim}

	start := time.Now()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read %d bytes, want %d", len(got), len(payload))
	}
	if elapsed := time.Since(start); elapsed < 400*time.Millisecond {
		t.Fatalf("30000 bytes at 40000 B/s with a 10000 burst took %s", elapsed)
	}
}

func TestLimitedReaderStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := &limitedReader{ctx: ctx, r: bytes.NewReader(make([]byte, 64)), lim: newByteLimiter(8)}

	if _, err := io.ReadAll(r); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
