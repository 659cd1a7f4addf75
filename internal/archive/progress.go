package archive

import (
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/lipgloss"

	"favsync/internal/model"
	"favsync/internal/ytdlp"
)

var (
	rePct   = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed = regexp.MustCompile(`\bat\s+([^\s]+)`) // yt-dlp [download] ... at X
	reETA   = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reOf    = regexp.MustCompile(`\bof\s+~?\s*([^\s]+)`)

	progressIDStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	progressMutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
)

// Tracker renders one advisory progress line for the item being retrieved.
// It is fed by yt-dlp output lines, segment byte counts and transfer
// callbacks. A nil or disabled Tracker ignores everything.
type Tracker struct {
	enabled bool
	out     io.Writer
	tick    time.Duration

	mu   sync.Mutex
	bar  progress.Model
	cur  *liveProgress
	stop chan struct{}
	done chan struct{}
}

type liveProgress struct {
	index   int
	total   int
	id      string
	title   string
	phase   string
	pct     float64
	speed   string
	eta     string
	totalSz string
	est     segmentEstimate
}

func NewTracker(enabled bool, out io.Writer) *Tracker {
	return &Tracker{
		enabled: enabled && out != nil,
		out:     out,
		tick:    700 * time.Millisecond,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(28)),
	}
}

func (t *Tracker) active() bool {
	return t != nil && t.enabled
}

func (t *Tracker) begin(index, total int, c model.Candidate) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	t.cur = &liveProgress{index: index, total: total, id: c.RemoteID, title: c.Title, phase: "starting"}
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	stop, done := t.stop, t.done
	t.mu.Unlock()

	go func() {
		defer close(done)
		tk := time.NewTicker(t.tick)
		defer tk.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tk.C:
				fmt.Fprintf(t.out, "\r\033[2K%s", t.render())
			}
		}
	}()
}

func (t *Tracker) end(final string) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	stop, done := t.stop, t.done
	t.cur = nil
	t.stop, t.done = nil, nil
	t.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
	fmt.Fprintf(t.out, "\r\033[2K%s\n", final)
}

// HandleLine parses one yt-dlp output line.
func (t *Tracker) HandleLine(_ ytdlp.OutputStream, line string) {
	if !t.active() {
		return
	}
	l := strings.TrimSpace(line)
	if l == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cur
	if p == nil {
		return
	}
	switch {
	case strings.HasPrefix(l, "[download]"):
		p.phase = "downloading"
		if m := rePct.FindStringSubmatch(l); len(m) > 1 {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				p.pct = v / 100
			}
		}
		if m := reSpeed.FindStringSubmatch(l); len(m) > 1 {
			p.speed = m[1]
		}
		if m := reETA.FindStringSubmatch(l); len(m) > 1 {
			p.eta = m[1]
		}
		if m := reOf.FindStringSubmatch(l); len(m) > 1 {
			p.totalSz = m[1]
		}
	case strings.HasPrefix(l, "[Merger]"), strings.HasPrefix(l, "[ffmpeg]"):
		p.phase = "merging"
	case strings.HasPrefix(l, "["):
		if p.phase == "starting" {
			p.phase = "preparing"
		}
	}
}

// SegmentSized records the size of one segment as soon as it is known.
func (t *Tracker) SegmentSized(index int, size int64, segments int) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.phase = "segments"
	t.cur.est.observe(index, size, segments)
}

func (t *Tracker) SegmentBytes(n int64) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.est.add(n)
}

// Transfer reports absolute byte progress for a single transfer.
func (t *Tracker) Transfer(current, total int64) {
	if !t.active() {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cur == nil {
		return
	}
	t.cur.phase = "downloading"
	if total > 0 {
		t.cur.pct = float64(current) / float64(total)
		t.cur.totalSz = FormatBytesIEC(total)
	}
}

func (t *Tracker) render() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := t.cur
	if p == nil {
		return ""
	}

	title := p.title
	if r := []rune(title); len(r) > 40 {
		title = string(r[:40]) + "..."
	}

	pct := p.pct
	sizeText := p.totalSz
	if p.est.known() {
		pct = p.est.fraction()
		sizeText = FormatBytesIEC(p.est.done) + "/~" + FormatBytesIEC(p.est.total())
	}

	parts := []string{
		progressIDStyle.Render(fmt.Sprintf("[%d/%d] %s", p.index, p.total, p.id)),
		p.phase,
		t.bar.ViewAs(pct),
	}
	if sizeText != "" {
		parts = append(parts, sizeText)
	}
	if p.speed != "" {
		parts = append(parts, p.speed)
	}
	if p.eta != "" {
		parts = append(parts, "ETA "+p.eta)
	}
	parts = append(parts, progressMutedStyle.Render("| "+title))
	return strings.Join(parts, "  ")
}
