// Package metrics counts archive outcomes and writes them in the
// node-exporter textfile format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Item results.
const (
	ResultArchived  = "archived"
	ResultDuplicate = "duplicate"
	ResultInvalid   = "invalid"
	ResultFailed    = "failed"
)

type Recorder struct {
	reg      *prometheus.Registry
	items    *prometheus.CounterVec
	bytes    *prometheus.CounterVec
	duration *prometheus.GaugeVec
	lastRun  *prometheus.GaugeVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Recorder{
		reg: reg,
		items: f.NewCounterVec(prometheus.CounterOpts{
			Name: "favsync_items_total",
			Help: "Items handled per source and result",
		}, []string{"source", "result"}),
		bytes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "favsync_bytes_total",
			Help: "Bytes placed into the archive per source",
		}, []string{"source"}),
		duration: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "favsync_pass_duration_seconds",
			Help: "Duration of the last sync pass per source",
		}, []string{"source"}),
		lastRun: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "favsync_last_pass_timestamp_seconds",
			Help: "Unix time the last sync pass finished per source",
		}, []string{"source"}),
	}
}

func (r *Recorder) Item(source, result string) {
	if r == nil {
		return
	}
	r.items.WithLabelValues(source, result).Inc()
}

func (r *Recorder) Bytes(source string, n int64) {
	if r == nil || n <= 0 {
		return
	}
	r.bytes.WithLabelValues(source).Add(float64(n))
}

func (r *Recorder) PassDone(source string, d time.Duration, at time.Time) {
	if r == nil {
		return
	}
	r.duration.WithLabelValues(source).Set(d.Seconds())
	r.lastRun.WithLabelValues(source).Set(float64(at.Unix()))
}

// WriteTextfile writes every metric to path atomically.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
