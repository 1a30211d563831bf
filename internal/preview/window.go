// Package preview keeps a short window of recent samples per stream so an
// operator can check that the sensors respond while a session is recording.
package preview

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/gesture.capture/internal/sample"
)

// DefaultSize is the number of samples a Window retains when Config.Size is
// zero.
const DefaultSize = 1000

// Config configures a Window.
type Config struct {
	Name     string
	Channels []sample.Channel
	// Size is the number of retained samples.
	Size int
	// Every keeps one sample out of Every. Values below 2 keep all of them.
	Every int
}

// Point is one retained reading of a channel.
type Point struct {
	Time  time.Time `json:"time"`
	Value float64   `json:"value"`
}

// Window is a fixed-size ring of recent samples. Add is called from the
// reader goroutine; every other method may be called from any goroutine.
type Window struct {
	cfg Config

	mu    sync.Mutex
	ring  []sample.Sample
	next  int
	count int
	seen  uint64
}

// NewWindow creates an empty window.
func NewWindow(cfg Config) *Window {
	if cfg.Size <= 0 {
		cfg.Size = DefaultSize
	}
	if cfg.Every < 1 {
		cfg.Every = 1
	}
	return &Window{cfg: cfg, ring: make([]sample.Sample, cfg.Size)}
}

// Name returns the stream name.
func (w *Window) Name() string { return w.cfg.Name }

// Channels returns the configured channel list.
func (w *Window) Channels() []sample.Channel { return w.cfg.Channels }

// Add retains s, subject to decimation. Samples are immutable so only the
// value is stored.
func (w *Window) Add(s sample.Sample) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.seen++
	if (w.seen-1)%uint64(w.cfg.Every) != 0 {
		return
	}
	w.ring[w.next] = s
	w.next = (w.next + 1) % len(w.ring)
	if w.count < len(w.ring) {
		w.count++
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Samples returns the retained samples, oldest first.
func (w *Window) Samples() []sample.Sample {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]sample.Sample, 0, w.count)
	start := (w.next - w.count + len(w.ring)) % len(w.ring)
	for i := 0; i < w.count; i++ {
		out = append(out, w.ring[(start+i)%len(w.ring)])
	}
	return out
}

// Series returns the retained readings of channel ch, oldest first. Samples
// too short to carry the channel are skipped.
func (w *Window) Series(ch int) []Point {
	samples := w.Samples()
	out := make([]Point, 0, len(samples))
	for _, s := range samples {
		if ch < 0 || ch >= len(s.Values) {
			continue
		}
		out = append(out, Point{Time: s.CaptureTime, Value: s.Values[ch]})
	}
	return out
}

// ChannelSummary describes the retained readings of one channel.
type ChannelSummary struct {
	Index  int     `json:"index"`
	Label  string  `json:"label"`
	Count  int     `json:"count"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stddev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Last   float64 `json:"last"`
}

// Summary computes per-channel statistics over the retained samples. Channels
// without readings report a zero Count and zero statistics.
func (w *Window) Summary() []ChannelSummary {
	samples := w.Samples()
	out := make([]ChannelSummary, len(w.cfg.Channels))
	values := make([]float64, 0, len(samples))
	for i, ch := range w.cfg.Channels {
		values = values[:0]
		for _, s := range samples {
			if ch.Index >= 0 && ch.Index < len(s.Values) {
				values = append(values, s.Values[ch.Index])
			}
		}
		cs := ChannelSummary{Index: ch.Index, Label: ch.Label, Count: len(values)}
		if len(values) > 0 {
			cs.Mean = stat.Mean(values, nil)
			cs.Min = floats.Min(values)
			cs.Max = floats.Max(values)
			cs.Last = values[len(values)-1]
		}
		if len(values) > 1 {
			cs.StdDev = stat.StdDev(values, nil)
		}
		if math.IsNaN(cs.StdDev) {
			cs.StdDev = 0
		}
		out[i] = cs
	}
	return out
}

// Reset discards every retained sample.
func (w *Window) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.next, w.count, w.seen = 0, 0, 0
	clear(w.ring)
}
