package source

import (
	"time"

	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// idleGuard turns a long run of WouldBlock reads into a Disconnected result.
// A zero limit disables it.
type idleGuard struct {
	limit time.Duration
	clock timeutil.Clock
	last  time.Time
}

func newIdleGuard(limit time.Duration, clock timeutil.Clock) idleGuard {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return idleGuard{limit: limit, clock: clock, last: clock.Now()}
}

func (g *idleGuard) apply(r ReadResult) ReadResult {
	switch r.Outcome {
	case GotBytes:
		g.last = g.clock.Now()
	case WouldBlock:
		if g.limit > 0 && g.clock.Since(g.last) > g.limit {
			return Gone(ErrIdleTimeout)
		}
	}
	return r
}

// SerialSource reads a continuously streaming serial device. The port must
// have been opened with a short read timeout (see OpenSerial) so Read returns
// WouldBlock instead of blocking.
type SerialSource struct {
	name string
	port SerialPorter
	idle idleGuard
}

// SerialConfig configures a SerialSource.
type SerialConfig struct {
	Name string
	// IdleTimeout reports Disconnected after this long without any byte.
	// Zero disables the check.
	IdleTimeout time.Duration
	Clock       timeutil.Clock
}

// NewSerialSource wraps an opened port.
func NewSerialSource(port SerialPorter, cfg SerialConfig) *SerialSource {
	return &SerialSource{
		name: cfg.Name,
		port: port,
		idle: newIdleGuard(cfg.IdleTimeout, cfg.Clock),
	}
}

func (s *SerialSource) Read(p []byte) ReadResult {
	n, err := s.port.Read(p)
	return s.idle.apply(classify(n, err))
}

func (s *SerialSource) Close() error { return s.port.Close() }

func (s *SerialSource) Name() string { return s.name }
