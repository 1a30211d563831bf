// Package command implements the text request/reply control channel used to
// configure and start a streaming device, and the Trigno verbs built on it.
package command

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
)

var (
	// ErrTimeout is wrapped when no reply arrived before the deadline.
	ErrTimeout = errors.New("command timed out")
	// ErrClosed is wrapped when the peer closed the connection, or the
	// channel itself was closed.
	ErrClosed = errors.New("command channel closed")
	// ErrUnexpectedReply is wrapped when a reply cannot be interpreted.
	ErrUnexpectedReply = errors.New("unexpected reply")
)

// ChannelError records the operation and command that failed.
type ChannelError struct {
	Op      string
	Command string
	Err     error
}

func (e *ChannelError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("command channel %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("command channel %s %q: %v", e.Op, e.Command, e.Err)
}

func (e *ChannelError) Unwrap() error { return e.Err }

const (
	// DefaultTerminator ends every command and reply.
	DefaultTerminator = "\r\n\r\n"
	// DefaultMaxReply is the largest reply read for one command.
	DefaultMaxReply = 128
	// DefaultTimeout bounds one request/reply exchange.
	DefaultTimeout = 5 * time.Second
)

// Options configures a Channel. Zero values select the defaults.
type Options struct {
	Terminator string
	MaxReply   int
	Timeout    time.Duration
	// GreetingSize is the largest banner consumed by Dial. Defaults to 1024.
	GreetingSize int
}

func (o Options) withDefaults() Options {
	if o.Terminator == "" {
		o.Terminator = DefaultTerminator
	}
	if o.MaxReply <= 0 {
		o.MaxReply = DefaultMaxReply
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.GreetingSize <= 0 {
		o.GreetingSize = 1024
	}
	return o
}

// Channel is a synchronous request/reply connection. One request is
// outstanding at a time; Send is safe for concurrent use.
type Channel struct {
	mu     sync.Mutex
	conn   net.Conn
	opts   Options
	closed bool
	// resync is set when an exchange was abandoned; its reply may still
	// arrive and must not be taken for the next command's.
	resync bool
	logf   func(string, ...interface{})
}

// New wraps an established connection. It does not read a greeting.
func New(conn net.Conn, opts Options) *Channel {
	return &Channel{
		conn: conn,
		opts: opts.withDefaults(),
		logf: monitoring.Prefixed("command"),
	}
}

// Dial connects to addr, consumes the server greeting and returns the
// channel along with the greeting text.
func Dial(ctx context.Context, addr string, opts Options) (*Channel, string, error) {
	opts = opts.withDefaults()
	d := net.Dialer{Timeout: opts.Timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", &ChannelError{Op: "dial", Err: err}
	}
	c := New(conn, opts)
	greeting, err := c.readGreeting()
	if err != nil {
		conn.Close()
		return nil, "", err
	}
	c.logf("connected to %s: %s", addr, greeting)
	return c, greeting, nil
}

func (c *Channel) readGreeting() (string, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(c.opts.Timeout)); err != nil {
		return "", &ChannelError{Op: "greeting", Err: err}
	}
	buf := make([]byte, c.opts.GreetingSize)
	n, err := c.conn.Read(buf)
	if n == 0 && err != nil {
		return "", &ChannelError{Op: "greeting", Err: mapErr(err)}
	}
	return strings.TrimSpace(c.stripTerminator(buf[:n])), nil
}

// Send writes command followed by the terminator and returns the reply with
// every terminator removed. A reply without a terminator is returned as
// received.
func (c *Channel) Send(ctx context.Context, command string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return "", &ChannelError{Op: "send", Command: command, Err: ErrClosed}
	}

	// Cancelling ctx expires the deadline so a blocked read or write returns.
	stop := context.AfterFunc(ctx, func() {
		c.conn.SetDeadline(time.Unix(1, 0))
	})
	defer stop()

	if c.resync {
		if err := c.drain(ctx); err != nil {
			return "", c.fail(ctx, "drain", command, err)
		}
	}

	if err := c.conn.SetDeadline(c.deadline(ctx)); err != nil {
		return "", &ChannelError{Op: "send", Command: command, Err: err}
	}
	if err := ctx.Err(); err != nil {
		return "", &ChannelError{Op: "send", Command: command, Err: err}
	}

	if _, err := c.conn.Write([]byte(command + c.opts.Terminator)); err != nil {
		c.resync = true
		return "", c.fail(ctx, "write", command, err)
	}

	reply, err := c.readReply()
	if err != nil {
		c.resync = true
		return "", c.fail(ctx, "read", command, err)
	}
	return reply, nil
}

func (c *Channel) deadline(ctx context.Context) time.Time {
	deadline := time.Now().Add(c.opts.Timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return deadline
}

// drain waits up to one Timeout for the reply of the abandoned exchange and
// discards it. Silence for the whole window also counts as resynchronized.
func (c *Channel) drain(ctx context.Context) error {
	if err := c.conn.SetReadDeadline(c.deadline(ctx)); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	term := []byte(c.opts.Terminator)
	chunk := make([]byte, c.opts.MaxReply)
	var stale []byte
	for !bytes.Contains(stale, term) {
		n, err := c.conn.Read(chunk)
		stale = append(stale, chunk[:n]...)
		if err != nil {
			if isTimeout(err) && ctx.Err() == nil {
				break
			}
			return err
		}
	}
	c.resync = false
	if len(stale) > 0 {
		c.logf("discarded late reply %q", c.stripTerminator(stale))
	}
	return nil
}

// readReply reads until a terminator is seen, MaxReply bytes arrived or the
// deadline expires with a partial reply buffered.
func (c *Channel) readReply() (string, error) {
	buf := make([]byte, 0, c.opts.MaxReply)
	term := []byte(c.opts.Terminator)
	chunk := make([]byte, c.opts.MaxReply)
	for len(buf) < c.opts.MaxReply {
		n, err := c.conn.Read(chunk[:c.opts.MaxReply-len(buf)])
		buf = append(buf, chunk[:n]...)
		if bytes.Contains(buf, term) {
			break
		}
		if err != nil {
			if len(buf) > 0 && isTimeout(err) {
				break
			}
			return "", err
		}
	}
	return c.stripTerminator(buf), nil
}

func (c *Channel) stripTerminator(b []byte) string {
	return strings.ReplaceAll(string(b), c.opts.Terminator, "")
}

func (c *Channel) fail(ctx context.Context, op, command string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return &ChannelError{Op: op, Command: command, Err: ctxErr}
	}
	return &ChannelError{Op: op, Command: command, Err: mapErr(err)}
}

// Close closes the connection. Later sends fail with ErrClosed.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close()
}

func mapErr(err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, net.ErrClosed), isEOF(err):
		return fmt.Errorf("%w: %v", ErrClosed, err)
	default:
		return err
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe)
}
