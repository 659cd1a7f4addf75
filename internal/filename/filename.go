// Package filename builds destination names for archived media.
package filename

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// DefaultMaxBytes leaves headroom under the common 255 byte name limit
	// for the extension and the collision counter.
	DefaultMaxBytes = 240

	componentMaxBytes = 100
	maxCollisions     = 1 << 20
)

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*\n]`)

// ErrCollisionExhausted is returned when no free name could be found.
var ErrCollisionExhausted = errors.New("destination collision search exhausted")

// Sanitize replaces characters that are illegal in file names, trims
// surrounding whitespace and cuts the result to maxBytes without splitting a
// UTF-8 sequence.
func Sanitize(name string, maxBytes int) string {
	base := strings.TrimSpace(invalidChars.ReplaceAllString(name, "_"))
	return truncateBytes(base, maxBytes)
}

func truncateBytes(s string, maxBytes int) string {
	if maxBytes <= 0 {
		return ""
	}
	for len(s) > maxBytes {
		_, size := utf8.DecodeLastRuneInString(s)
		if size <= 0 {
			size = 1
		}
		s = s[:len(s)-size]
	}
	return s
}

// Resolve formats "[uploader]title [id].ext", or "title [id].ext" without an
// uploader. The id and uploader are capped at 100 bytes each and the title
// gets what is left of maxTotalBytes.
func Resolve(title, remoteID, uploader, ext string, maxTotalBytes int) string {
	if maxTotalBytes <= 0 {
		maxTotalBytes = DefaultMaxBytes
	}
	id := Sanitize(remoteID, componentMaxBytes)
	ext = strings.TrimPrefix(ext, ".")

	budget := maxTotalBytes - len(id)
	up := ""
	if strings.TrimSpace(uploader) != "" {
		up = Sanitize(uploader, componentMaxBytes)
		budget -= len(up)
	}
	t := Sanitize(title, budget)

	var stem string
	if up != "" {
		stem = fmt.Sprintf("[%s]%s [%s]", up, t, id)
	} else {
		stem = fmt.Sprintf("%s [%s]", t, id)
	}
	if ext == "" {
		return stem
	}
	return stem + "." + ext
}

// Unique returns a path inside dir for name that does not exist yet,
// appending " (1)", " (2)", ... to the stem on collision. The check is not
// atomic; a single writer per destination directory is assumed.
func Unique(dir, name string) (string, error) {
	p := filepath.Join(dir, name)
	if !exists(p) {
		return p, nil
	}
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	for counter := 1; counter <= maxCollisions; counter++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, counter, ext))
		if !exists(candidate) {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrCollisionExhausted, p)
}

func exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}
