package hls

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
)

const (
	mergeListName   = "merge.txt"
	mergeOutputName = "merged.mp4"
)

type MergeError struct {
	Err    error
	Output string
}

func (e *MergeError) Error() string {
	if e.Output == "" {
		return fmt.Sprintf("ffmpeg merge failed: %v", e.Err)
	}
	return fmt.Sprintf("ffmpeg merge failed: %v: %s", e.Err, e.Output)
}

func (e *MergeError) Unwrap() error { return e.Err }

func IsMergeError(err error) bool {
	var e *MergeError
	return errors.As(err, &e)
}

// MergeHandle tracks one background merge.
type MergeHandle struct {
	Output string
	done   chan struct{}
	err    error
}

// Wait blocks until the merge finishes and returns its result.
func (h *MergeHandle) Wait() error {
	<-h.done
	return h.err
}

func startMerge(ctx context.Context, ffmpeg, workspace string, segments int, log zerolog.Logger) *MergeHandle {
	h := &MergeHandle{
		Output: filepath.Join(workspace, mergeOutputName),
		done:   make(chan struct{}),
	}
	go func() {
		defer close(h.done)
		h.err = merge(ctx, ffmpeg, workspace, segments)
		if h.err != nil {
			log.Error().Err(h.err).Str("workspace", workspace).Msg("merge failed")
		}
	}()
	return h
}

func merge(ctx context.Context, ffmpeg, workspace string, segments int) error {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return &MergeError{Err: err}
	}
	var list strings.Builder
	for i := 0; i < segments; i++ {
		fmt.Fprintf(&list, "file '%s'\n", quoteConcatPath(filepath.Join(abs, strconv.Itoa(i)+".ts")))
	}
	listPath := filepath.Join(abs, mergeListName)
	if err := os.WriteFile(listPath, []byte(list.String()), 0o644); err != nil {
		return &MergeError{Err: fmt.Errorf("write merge list: %w", err)}
	}

	cmd := exec.CommandContext(ctx, ffmpeg,
		"-hide_banner", "-loglevel", "warning",
		"-f", "concat", "-safe", "0",
		"-i", listPath,
		"-c", "copy", "-y", filepath.Join(abs, mergeOutputName),
	)
	cmd.Dir = abs
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return &MergeError{Err: err, Output: strings.TrimSpace(out.String())}
	}
	if _, err := os.Stat(filepath.Join(abs, mergeOutputName)); err != nil {
		return &MergeError{Err: fmt.Errorf("merged output missing: %w", err)}
	}
	return nil
}

// quoteConcatPath escapes single quotes for the concat demuxer's quoting.
func quoteConcatPath(p string) string {
	return strings.ReplaceAll(p, "'", `'\''`)
}
