// Package hls retrieves AES-128 encrypted HLS streams: it parses the
// playlist, fetches the key and every segment concurrently, decrypts them
// and merges the plaintext segments with ffmpeg in the background.
package hls

import (
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

var (
	reKey     = regexp.MustCompile(`#EXT-X-KEY:METHOD=AES-128,URI="(http.+)",IV=(.+)`)
	reSegment = regexp.MustCompile(`(?m)https:.+\.ts.+`)
)

// Manifest is a parsed playlist. SegmentURLs keep document order, which is
// the reassembly order.
type Manifest struct {
	KeyURL      string
	IV          []byte
	Key         []byte
	SegmentURLs []string
}

type ManifestFormatError struct {
	Reason string
}

func (e *ManifestFormatError) Error() string {
	return "malformed playlist: " + e.Reason
}

func IsManifestFormatError(err error) bool {
	var e *ManifestFormatError
	return errors.As(err, &e)
}

// ParseManifest extracts the key URL, IV and segment URLs from playlist
// text. The key bytes are fetched separately.
func ParseManifest(text string) (Manifest, error) {
	m := reKey.FindStringSubmatch(text)
	if len(m) < 3 {
		return Manifest{}, &ManifestFormatError{Reason: "missing AES-128 key line"}
	}
	iv, err := parseIV(m[2])
	if err != nil {
		return Manifest{}, err
	}
	segments := reSegment.FindAllString(text, -1)
	if len(segments) == 0 {
		return Manifest{}, &ManifestFormatError{Reason: "no segment URLs"}
	}
	for i, s := range segments {
		segments[i] = strings.TrimSpace(s)
	}
	return Manifest{KeyURL: m[1], IV: iv, SegmentURLs: segments}, nil
}

func parseIV(raw string) ([]byte, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(strings.TrimPrefix(v, "0x"), "0X")
	iv, err := hex.DecodeString(v)
	if err != nil {
		return nil, &ManifestFormatError{Reason: fmt.Sprintf("invalid IV %q", raw)}
	}
	if len(iv) != 16 {
		return nil, &ManifestFormatError{Reason: fmt.Sprintf("IV must be 16 bytes, got %d", len(iv))}
	}
	return iv, nil
}
