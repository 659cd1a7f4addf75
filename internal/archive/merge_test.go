package archive

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"favsync/internal/hls"
	"favsync/internal/model"
)

var (
	mergeKey = []byte("0123456789abcdef")
	mergeIV  = []byte("abcdef9876543210")
)

type playlistBlobs map[string]string

func (b playlistBlobs) GetValue(_ context.Context, _ string, key string) ([]byte, error) {
	v, ok := b[key]
	if !ok {
		return nil, fmt.Errorf("no playlist for %s", key)
	}
	return []byte(v), nil
}

type segmentedSource struct {
	dest    string
	cands   []model.Candidate
	fetcher *hls.Fetcher
}

func (s *segmentedSource) Name() string { return "segmented" }

func (s *segmentedSource) Candidates(context.Context, func(string) (map[string]struct{}, error)) ([]model.Candidate, error) {
	return s.cands, nil
}

func (s *segmentedSource) DestDir(model.Candidate) string { return s.dest }

func (s *segmentedSource) RetrieveAsync(ctx context.Context, item *model.Item, workspace string) (*hls.MergeHandle, error) {
	return s.fetcher.Fetch(ctx, item, workspace, nil)
}

func encryptSegment(plain []byte) []byte {
	block, _ := aes.NewCipher(mergeKey)
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, mergeIV).CryptBlocks(out, padded)
	return out
}

// segmentHost serves the key and per-item segments whose plaintext is
// "<item>-<index>;".
func segmentHost(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/key" {
			_, _ = w.Write(mergeKey)
			return
		}
		// /<item>/<index>.ts
		parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if len(parts) != 2 {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(encryptSegment([]byte(parts[0] + "-" + strings.TrimSuffix(parts[1], ".ts") + ";")))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func segmentPlaylist(srv *httptest.Server, item string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-KEY:METHOD=AES-128,URI=\"%s/key\",IV=0x%x\n", srv.URL, mergeIV)
	for i := 0; i < 3; i++ {
		fmt.Fprintf(&b, "#EXTINF:4,\n%s/%s/%d.ts?t=1\n", srv.URL, item, i)
	}
	return b.String()
}

// writeFakeFFmpeg concatenates the listed files into the last argument. It
// exits non-zero when any segment belongs to an item listed in failItems.
func writeFakeFFmpeg(t *testing.T, failItems ...string) string {
	t.Helper()
	check := ""
	for _, id := range failItems {
		check += `if sed -e "s/^file '//" -e "s/'\$//" "$list" | while IFS= read -r f; do cat "$f"; done | grep -q '` + id + `-'; then echo "Invalid data found when processing input" >&2; exit 1; fi
`
	}
	ffmpeg := filepath.Join(t.TempDir(), "ffmpeg")
	script := `#!/bin/sh
list=""
prev=""
out=""
for a in "$@"; do
  if [ "$prev" = "-i" ]; then list="$a"; fi
  prev="$a"
  out="$a"
done
` + check + `: > "$out"
sed -e "s/^file '//" -e "s/'\$//" "$list" | while IFS= read -r f; do cat "$f" >> "$out"; done
`
	if err := os.WriteFile(ffmpeg, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return ffmpeg
}

func TestRunJoinsBackgroundMerges(t *testing.T) {
	srv := segmentHost(t)
	blobs := playlistBlobs{"x1": segmentPlaylist(srv, "x1"), "x2": segmentPlaylist(srv, "x2")}
	fetcher := hls.NewFetcher(srv.Client(), blobs, hls.Options{FFmpeg: writeFakeFFmpeg(t)}, zerolog.Nop())
	src := &segmentedSource{
		dest: t.TempDir(),
		cands: []model.Candidate{
			{Source: "segmented", RemoteID: "x1", Title: "one", Uploader: "u"},
			{Source: "segmented", RemoteID: "x2", Title: "two", Uploader: "u"},
		},
		fetcher: fetcher,
	}
	l := newMemLedger()
	r, _ := newTestRunner(t, l)

	res, err := r.Run(context.Background(), src)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Archived != 2 || l.count() != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
	got, err := os.ReadFile(filepath.Join(src.dest, "[u]two [x2].mp4"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "x2-0;x2-1;x2-2;" {
		t.Fatalf("unexpected merged content %q", got)
	}
}

func TestRunIsolatesMergeAndPlaylistFailures(t *testing.T) {
	srv := segmentHost(t)
	blobs := playlistBlobs{
		"x1": segmentPlaylist(srv, "x1"),
		"x2": segmentPlaylist(srv, "x2"),
		"x3": "#EXTM3U\n#EXTINF:4,\nsegment.ts\n",
	}
	fetcher := hls.NewFetcher(srv.Client(), blobs, hls.Options{FFmpeg: writeFakeFFmpeg(t, "x1")}, zerolog.Nop())
	src := &segmentedSource{
		dest: t.TempDir(),
		cands: []model.Candidate{
			{Source: "segmented", RemoteID: "x1", Title: "one", Uploader: "u"},
			{Source: "segmented", RemoteID: "x2", Title: "two", Uploader: "u"},
			{Source: "segmented", RemoteID: "x3", Title: "three", Uploader: "u"},
		},
		fetcher: fetcher,
	}
	l := newMemLedger()
	r, _ := newTestRunner(t, l)

	res, err := r.Run(context.Background(), src)
	var pe *PassError
	if !errors.As(err, &pe) {
		t.Fatalf("expected PassError, got %v", err)
	}
	if len(pe.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %+v", pe.Failures)
	}
	if !hls.IsMergeError(err) || !hls.IsManifestFormatError(err) {
		t.Fatalf("expected merge and manifest errors in %v", err)
	}
	if res.Archived != 1 || l.count() != 1 {
		t.Fatalf("expected only x2 archived, got archived=%d ledger=%d", res.Archived, l.count())
	}
	known, _ := l.Known(context.Background(), "segmented", "")
	if _, ok := known["x2"]; !ok || len(known) != 1 {
		t.Fatalf("unexpected ledger contents %v", known)
	}
	states := map[string]string{}
	for _, f := range res.Failures {
		states[f.RemoteID] = f.State
	}
	if states["x1"] != model.StateMerging || states["x3"] != model.StateManifestPending {
		t.Fatalf("failures should carry the stage reached, got %v", states)
	}
	if names := listDir(t, src.dest); len(names) != 1 || names[0] != "[u]two [x2].mp4" {
		t.Fatalf("unexpected destination contents %v", names)
	}
}
