package source

import (
	"fmt"
	"time"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// PolledConfig configures a PolledSource.
type PolledConfig struct {
	Name string
	// Request is written to ask the device for one reply.
	Request byte
	// ReplySize is the number of bytes in one full reply.
	ReplySize int
	// Interval is the minimum time between two requests.
	Interval time.Duration
	// ReplyTimeout abandons an outstanding request that has not been fully
	// answered in time. Defaults to 10 × Interval, at least 100ms.
	ReplyTimeout time.Duration
	// IdleTimeout reports Disconnected after this long without any byte.
	IdleTimeout time.Duration
	Clock       timeutil.Clock
}

// PolledSource drives a request/reply serial device such as the data glove:
// it writes the request byte, then hands every reply byte to the caller. Only
// one request is outstanding at a time. Reply framing is left to the
// assembler.
type PolledSource struct {
	cfg   PolledConfig
	port  SerialPorter
	clock timeutil.Clock
	idle  idleGuard
	logf  func(string, ...interface{})

	outstanding bool
	received    int
	sentAt      time.Time
	requests    uint64
	abandoned   uint64
}

// NewPolledSource wraps an opened port.
func NewPolledSource(port SerialPorter, cfg PolledConfig) (*PolledSource, error) {
	if cfg.ReplySize <= 0 {
		return nil, fmt.Errorf("reply size must be positive, got %d", cfg.ReplySize)
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	if cfg.ReplyTimeout <= 0 {
		cfg.ReplyTimeout = 10 * cfg.Interval
		if cfg.ReplyTimeout < 100*time.Millisecond {
			cfg.ReplyTimeout = 100 * time.Millisecond
		}
	}
	return &PolledSource{
		cfg:   cfg,
		port:  port,
		clock: cfg.Clock,
		idle:  newIdleGuard(cfg.IdleTimeout, cfg.Clock),
		logf:  monitoring.Prefixed("poll " + cfg.Name),
	}, nil
}

func (s *PolledSource) Read(p []byte) ReadResult {
	now := s.clock.Now()
	if !s.outstanding && (s.requests == 0 || now.Sub(s.sentAt) >= s.cfg.Interval) {
		if r, ok := s.request(now); !ok {
			return r
		}
	}
	if !s.outstanding {
		return s.idle.apply(Blocked())
	}

	n, err := s.port.Read(p)
	r := classify(n, err)
	switch r.Outcome {
	case GotBytes:
		s.received += n
		if s.received >= s.cfg.ReplySize {
			s.outstanding = false
		}
	case WouldBlock:
		if s.clock.Since(s.sentAt) > s.cfg.ReplyTimeout {
			s.abandoned++
			s.outstanding = false
			s.logf("reply timed out after %d/%d bytes", s.received, s.cfg.ReplySize)
		}
	}
	return s.idle.apply(r)
}

// request flushes stale input and writes the request byte.
func (s *PolledSource) request(now time.Time) (ReadResult, bool) {
	if r, ok := s.port.(InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			return Gone(fmt.Errorf("reset input buffer: %w", err)), false
		}
	}
	n, err := s.port.Write([]byte{s.cfg.Request})
	if err != nil {
		return Gone(fmt.Errorf("write request: %w", err)), false
	}
	if n != 1 {
		return Gone(fmt.Errorf("write request: short write")), false
	}
	s.outstanding = true
	s.received = 0
	s.sentAt = now
	s.requests++
	return ReadResult{}, true
}

// Requests returns how many requests were written and how many of them were
// abandoned after ReplyTimeout.
func (s *PolledSource) Requests() (sent, abandoned uint64) {
	return s.requests, s.abandoned
}

func (s *PolledSource) Close() error { return s.port.Close() }

func (s *PolledSource) Name() string { return s.cfg.Name }
