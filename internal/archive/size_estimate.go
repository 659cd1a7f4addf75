package archive

import (
	"strconv"
)

// segmentEstimate projects the total size of a segmented stream from the
// segment sizes seen so far: mean(observed) * segment count.
type segmentEstimate struct {
	sizes    map[int]int64
	segments int
	done     int64
}

func (e *segmentEstimate) observe(index int, size int64, segments int) {
	if segments > 0 {
		e.segments = segments
	}
	if size <= 0 {
		return
	}
	if e.sizes == nil {
		e.sizes = make(map[int]int64)
	}
	e.sizes[index] = size
}

func (e *segmentEstimate) add(n int64) {
	if n > 0 {
		e.done += n
	}
}

func (e *segmentEstimate) known() bool {
	return len(e.sizes) > 0 && e.segments > 0
}

func (e *segmentEstimate) total() int64 {
	if !e.known() {
		return 0
	}
	var sum int64
	for _, s := range e.sizes {
		sum += s
	}
	return sum / int64(len(e.sizes)) * int64(e.segments)
}

func (e *segmentEstimate) fraction() float64 {
	total := e.total()
	if total <= 0 {
		return 0
	}
	f := float64(e.done) / float64(total)
	if f > 1 {
		return 1
	}
	return f
}

// FormatBytesIEC renders n with binary unit suffixes, one decimal above bytes.
func FormatBytesIEC(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const unit = 1024
	if n < unit {
		return fmtInt(n) + " B"
	}
	div, exp := int64(unit), 0
	for q := n / unit; q >= unit; q /= unit {
		div *= unit
		exp++
	}
	value := float64(n) / float64(div)
	suffix := "KMGTPE"[exp]
	return fmtFloat1(value) + " " + string(suffix) + "iB"
}

func fmtInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

func fmtFloat1(v float64) string {
	return strconv.FormatFloat(v, 'f', 1, 64)
}
