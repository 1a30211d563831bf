// Package source provides the raw byte-stream primitives the acquisition
// readers pull from: serial ports, TCP data sockets, a request/reply polled
// serial device and a simulated device for development.
//
// Every source reports one of three outcomes per read so callers never have to
// interpret transport-specific timeout errors themselves.
package source

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
)

// ErrIdleTimeout is reported with Disconnected when a source produced no bytes
// for longer than its configured idle bound.
var ErrIdleTimeout = errors.New("no data within idle timeout")

// Outcome classifies a single read.
type Outcome int

const (
	// GotBytes means N > 0 bytes were read.
	GotBytes Outcome = iota
	// WouldBlock means no bytes were available within the short read timeout.
	// It is not an error.
	WouldBlock
	// Disconnected means the source is permanently gone. Err says why.
	Disconnected
)

func (o Outcome) String() string {
	switch o {
	case GotBytes:
		return "GotBytes"
	case WouldBlock:
		return "WouldBlock"
	case Disconnected:
		return "Disconnected"
	default:
		return fmt.Sprintf("Outcome(%d)", int(o))
	}
}

// ReadResult is the result of Source.Read.
type ReadResult struct {
	Outcome Outcome
	N       int
	Err     error
}

// Got returns a GotBytes result for n bytes.
func Got(n int) ReadResult { return ReadResult{Outcome: GotBytes, N: n} }

// Blocked returns a WouldBlock result.
func Blocked() ReadResult { return ReadResult{Outcome: WouldBlock} }

// Gone returns a Disconnected result carrying err.
func Gone(err error) ReadResult {
	if err == nil {
		err = io.EOF
	}
	return ReadResult{Outcome: Disconnected, Err: err}
}

// Source is a raw byte stream. Read must return within a bounded time.
type Source interface {
	Read(p []byte) ReadResult
	Close() error
	// Name identifies the source in logs.
	Name() string
}

// classify maps a plain io.Reader result onto the three outcomes.
func classify(n int, err error) ReadResult {
	if n > 0 {
		// Bytes are delivered first; a trailing error surfaces on the next read.
		return Got(n)
	}
	if err == nil {
		// go.bug.st/serial reports a read timeout as (0, nil)
		return Blocked()
	}
	if isTimeout(err) {
		return Blocked()
	}
	return Gone(err)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
