package source

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// DefaultReadTimeout bounds a single socket read.
const DefaultReadTimeout = 100 * time.Millisecond

// ConnSource reads a streaming TCP data socket. Each read sets a short read
// deadline; an expired deadline is WouldBlock, EOF or any other error is
// Disconnected.
type ConnSource struct {
	name        string
	conn        net.Conn
	readTimeout time.Duration
	idle        idleGuard
}

// ConnConfig configures a ConnSource.
type ConnConfig struct {
	Name        string
	ReadTimeout time.Duration
	// IdleTimeout reports Disconnected after this long without any byte.
	// Zero disables the check.
	IdleTimeout time.Duration
	Clock       timeutil.Clock
}

// NewConnSource wraps an established connection.
func NewConnSource(conn net.Conn, cfg ConnConfig) *ConnSource {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &ConnSource{
		name:        cfg.Name,
		conn:        conn,
		readTimeout: cfg.ReadTimeout,
		idle:        newIdleGuard(cfg.IdleTimeout, cfg.Clock),
	}
}

// Dial connects to addr and returns a ConnSource for it.
func Dial(ctx context.Context, addr string, cfg ConnConfig) (*ConnSource, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if cfg.Name == "" {
		cfg.Name = addr
	}
	return NewConnSource(conn, cfg), nil
}

func (s *ConnSource) Read(p []byte) ReadResult {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.readTimeout)); err != nil {
		return Gone(fmt.Errorf("set read deadline: %w", err))
	}
	n, err := s.conn.Read(p)
	return s.idle.apply(classify(n, err))
}

func (s *ConnSource) Close() error { return s.conn.Close() }

func (s *ConnSource) Name() string { return s.name }
