package ytdlp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"favsync/internal/runstore"
)

type OutputStream string

const (
	StreamStdout OutputStream = "stdout"
	StreamStderr OutputStream = "stderr"
)

const outputTemplate = "%(id)s.%(ext)s"

type Options struct {
	Binary      string
	CookiesPath string
	ProxyURL    string
	Attempts    int
	BaseDelay   time.Duration
	// LogDir, when set, receives one <item id>.log per Fetch with the raw
	// tool output of every attempt.
	LogDir   string
	Progress func(stream OutputStream, line string)
	// OnRetry is called before each backoff wait.
	OnRetry func(attempt int, err error, wait time.Duration)
}

// Downloader runs yt-dlp for one item at a time, resetting the workspace
// before every attempt.
type Downloader struct {
	opts Options
	log  zerolog.Logger
}

// DownloadError is a non-zero yt-dlp exit. It is the only retryable error.
type DownloadError struct {
	URL    string
	Err    error
	Output string
}

func (e *DownloadError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("yt-dlp failed for %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("yt-dlp failed for %s: %v\n%s", e.URL, e.Err, out)
}

func (e *DownloadError) Unwrap() error { return e.Err }

func IsDownloadError(err error) bool {
	var e *DownloadError
	return errors.As(err, &e)
}

func New(opts Options, log zerolog.Logger) *Downloader {
	if strings.TrimSpace(opts.Binary) == "" {
		opts.Binary = "yt-dlp"
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 10 * time.Second
	}
	return &Downloader{opts: opts, log: log}
}

// Fetch downloads url into workspace. Non-DownloadError failures are
// returned at once; the last DownloadError is returned when all attempts
// are used up.
func (d *Downloader) Fetch(ctx context.Context, url, itemID, workspace string) error {
	if strings.TrimSpace(url) == "" {
		return fmt.Errorf("video URL is required")
	}
	info, err := os.Stat(workspace)
	if err != nil {
		return fmt.Errorf("workspace %s: %w", workspace, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("workspace %s is not a directory", workspace)
	}
	args, err := d.args(url, workspace)
	if err != nil {
		return err
	}
	logFile, err := d.openLog(itemID)
	if err != nil {
		return err
	}
	if logFile != nil {
		defer logFile.Close()
	}

	attempt := 0
	op := func() error {
		attempt++
		if err := runstore.ClearDir(workspace); err != nil {
			return backoff.Permanent(fmt.Errorf("reset workspace: %w", err))
		}
		d.log.Debug().Str("remote_id", itemID).Int("attempt", attempt).Msg("yt-dlp attempt")
		if logFile != nil {
			fmt.Fprintf(logFile, "# attempt %d\n", attempt)
		}
		err := d.run(ctx, workspace, url, args, logFile)
		if err == nil {
			return nil
		}
		if IsDownloadError(err) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		d.log.Warn().Str("remote_id", itemID).Int("attempt", attempt).Dur("wait", wait).Msg("yt-dlp failed, retrying")
		if d.opts.OnRetry != nil {
			d.opts.OnRetry(attempt, err, wait)
		}
	}
	return backoff.RetryNotify(op, d.policy(ctx), notify)
}

func (d *Downloader) policy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.opts.BaseDelay
	b.MaxInterval = 6 * d.opts.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(d.opts.Attempts-1)), ctx)
}

func (d *Downloader) args(url, workspace string) ([]string, error) {
	args := []string{
		"--newline",
		"--no-mtime",
		"-P", workspace,
		"-o", outputTemplate,
		"--retries", "10",
		"--fragment-retries", "10",
		"--socket-timeout", "60",
		"--extractor-retries", "5",
	}
	if strings.TrimSpace(d.opts.CookiesPath) != "" {
		cookiesPath, err := resolveCookiesPath(d.opts.CookiesPath)
		if err != nil {
			return nil, err
		}
		args = append(args, "--cookies", cookiesPath)
	}
	if strings.TrimSpace(d.opts.ProxyURL) != "" {
		args = append(args, "--proxy", strings.TrimSpace(d.opts.ProxyURL))
	}
	return append(args, url), nil
}

// openLog creates the per-item log file, or returns nil when logging is off.
func (d *Downloader) openLog(itemID string) (*os.File, error) {
	dir := strings.TrimSpace(d.opts.LogDir)
	if dir == "" {
		return nil, nil
	}
	if err := runstore.Mkdir(dir); err != nil {
		return nil, err
	}
	f, err := os.Create(filepath.Join(dir, safeFileID(itemID)+".log"))
	if err != nil {
		return nil, fmt.Errorf("create item log: %w", err)
	}
	return f, nil
}

func safeFileID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', 0:
			return '_'
		}
		return r
	}, id)
}

func (d *Downloader) run(ctx context.Context, workspace, url string, args []string, logw io.Writer) error {
	cmd := exec.CommandContext(ctx, d.opts.Binary, args...)
	cmd.Dir = workspace

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start yt-dlp: %w", err)
	}

	var outBuf strings.Builder
	var errBuf strings.Builder
	var mu sync.Mutex
	var wg sync.WaitGroup

	read := func(stream OutputStream, r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		buf := make([]byte, 0, 64*1024)
		scanner.Buffer(buf, 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()
			mu.Lock()
			appendLimited(&outBuf, &errBuf, stream, line)
			if logw != nil {
				_, _ = io.WriteString(logw, line+"\n")
			}
			mu.Unlock()

			if d.opts.Progress != nil {
				d.opts.Progress(stream, line)
			}
		}
	}

	wg.Add(2)
	go read(StreamStdout, stdoutPipe)
	go read(StreamStderr, stderrPipe)
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		mu.Lock()
		defer mu.Unlock()
		output := strings.TrimSpace(errBuf.String())
		if so := strings.TrimSpace(outBuf.String()); so != "" {
			output = strings.TrimSpace(output + "\n" + so)
		}
		return &DownloadError{URL: url, Err: err, Output: output}
	}
	return nil
}

// Artifact returns the downloaded media file in workspace, ignoring
// partial and sidecar files. The largest file wins when several remain.
func Artifact(workspace string) (string, error) {
	entries, err := os.ReadDir(workspace)
	if err != nil {
		return "", fmt.Errorf("read workspace: %w", err)
	}
	type candidate struct {
		path string
		size int64
	}
	var found []candidate
	for _, entry := range entries {
		if entry.IsDir() || isSidecar(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		found = append(found, candidate{path: filepath.Join(workspace, entry.Name()), size: info.Size()})
	}
	if len(found) == 0 {
		return "", fmt.Errorf("yt-dlp produced no file in %s", workspace)
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].size > found[j].size })
	return found[0].path, nil
}

func isSidecar(name string) bool {
	lower := strings.ToLower(name)
	for _, suffix := range []string{".part", ".ytdl", ".temp", ".json", ".vtt", ".srt", ".jpg", ".webp"} {
		if strings.HasSuffix(lower, suffix) {
			return true
		}
	}
	return strings.Contains(lower, ".part-frag")
}

func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}

func appendLimited(outBuf, errBuf *strings.Builder, stream OutputStream, line string) {
	const maxKeep = 8192
	b := outBuf
	if stream == StreamStderr {
		b = errBuf
	}
	if b.Len() >= maxKeep {
		return
	}
	toWrite := line + "\n"
	remain := maxKeep - b.Len()
	if len(toWrite) > remain {
		toWrite = toWrite[:remain]
	}
	b.WriteString(toWrite)
}

func resolveCookiesPath(path string) (string, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return "", nil
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("resolve cookies path %s: %w", p, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return "", fmt.Errorf("cookies file %s: %w", abs, err)
	}
	return abs, nil
}
