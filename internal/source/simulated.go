package source

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/gesture.capture/internal/framing"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// Generator returns the channel values of frame seq.
type Generator func(seq uint64, channels int) []float64

// Sine returns a Generator producing one sine wave per channel with the
// given amplitude around offset. Channels are phase shifted so they never
// read identical values. period is the number of frames per cycle.
func Sine(amplitude, offset float64, period int) Generator {
	if period <= 0 {
		period = 100
	}
	return func(seq uint64, channels int) []float64 {
		out := make([]float64, channels)
		base := 2 * math.Pi * float64(seq%uint64(period)) / float64(period)
		for c := range out {
			out[c] = offset + amplitude*math.Sin(base+float64(c)*0.3)
		}
		return out
	}
}

// SimulatedConfig configures a SimulatedSource.
type SimulatedConfig struct {
	Name     string
	Layout   framing.Layout
	Interval time.Duration
	Generate Generator
	// MaxBurst caps how many overdue frames are produced by one Read.
	MaxBurst int
	Clock    timeutil.Clock
}

// SimulatedSource produces encoded frames at a fixed rate. It stands in for a
// real device when the service runs in development mode.
type SimulatedSource struct {
	cfg SimulatedConfig

	mu      sync.Mutex
	pending []byte
	start   time.Time
	next    time.Time
	seq     uint64
	closed  bool
}

var errSimulatedClosed = errors.New("simulated source closed")

// NewSimulatedSource creates a simulated device.
func NewSimulatedSource(cfg SimulatedConfig) *SimulatedSource {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Millisecond
	}
	if cfg.MaxBurst <= 0 {
		cfg.MaxBurst = 64
	}
	if cfg.Generate == nil {
		if cfg.Layout.Encoding == framing.Uint8 {
			cfg.Generate = Sine(100, 128, 150)
		} else {
			cfg.Generate = Sine(1, 0, 100)
		}
	}
	now := cfg.Clock.Now()
	return &SimulatedSource{cfg: cfg, start: now, next: now}
}

func (s *SimulatedSource) Read(p []byte) ReadResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return Gone(errSimulatedClosed)
	}
	if len(s.pending) == 0 {
		s.generate()
	}
	if len(s.pending) == 0 {
		return Blocked()
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return Got(n)
}

func (s *SimulatedSource) generate() {
	now := s.cfg.Clock.Now()
	if now.Before(s.next) {
		return
	}
	due := int(now.Sub(s.next)/s.cfg.Interval) + 1
	if due > s.cfg.MaxBurst {
		// Fell too far behind; skip ahead instead of replaying the backlog.
		due = s.cfg.MaxBurst
		s.next = now
	}
	for i := 0; i < due; i++ {
		f := framing.Frame{Values: s.cfg.Generate(s.seq, s.cfg.Layout.Channels)}
		if s.cfg.Layout.DeviceTimestamp {
			f.DeviceTime = uint64(s.next.Sub(s.start) / time.Millisecond)
			f.HasDeviceTime = true
		}
		s.pending = append(s.pending, framing.Encode(s.cfg.Layout, f)...)
		s.seq++
		s.next = s.next.Add(s.cfg.Interval)
	}
}

// Frames returns how many frames were generated.
func (s *SimulatedSource) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seq
}

func (s *SimulatedSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *SimulatedSource) Name() string { return s.cfg.Name }
