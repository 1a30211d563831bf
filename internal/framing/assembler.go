package framing

import (
	"errors"
	"fmt"
)

// AssemblerStats counts what an Assembler has seen since creation.
type AssemblerStats struct {
	BytesIn uint64
	Frames  uint64
	Resyncs uint64
}

// Assembler accumulates partial reads into complete frames. It retains at
// most Size()-1 bytes between calls. An Assembler is not safe for concurrent
// use; it belongs to the reader goroutine of a single stream.
type Assembler struct {
	layout Layout
	size   int
	buf    []byte
	stats  AssemblerStats
	closed bool
}

// NewAssembler returns an Assembler for frames of the given layout.
func NewAssembler(l Layout) (*Assembler, error) {
	if err := l.Validate(); err != nil {
		return nil, err
	}
	size := l.Size()
	return &Assembler{
		layout: l,
		size:   size,
		buf:    make([]byte, 0, 2*size),
	}, nil
}

// Layout returns the frame layout this assembler decodes.
func (a *Assembler) Layout() Layout { return a.layout }

// Feed appends chunk to the internal buffer and returns every complete frame
// now available, in order. An empty chunk (nothing to read yet) returns no
// frames and leaves the buffer untouched.
func (a *Assembler) Feed(chunk []byte) []Frame {
	if a.closed || len(chunk) == 0 {
		return nil
	}
	a.stats.BytesIn += uint64(len(chunk))
	a.buf = append(a.buf, chunk...)

	var frames []Frame
	cursor := 0
	for len(a.buf)-cursor >= a.size {
		f, err := Decode(a.layout, a.buf[cursor:])
		switch {
		case err == nil:
			frames = append(frames, f)
			a.stats.Frames++
			cursor += a.size
		case errors.Is(err, ErrBadStartDelimiter), errors.Is(err, ErrBadEndDelimiter):
			// the real start marker may be the very next byte
			a.stats.Resyncs++
			cursor++
		default:
			// ErrIncompleteFrame cannot happen inside the loop guard.
			panic(fmt.Sprintf("framing: unexpected decode error: %v", err))
		}
	}

	// Keep only the tail. Copy down so the backing array does not grow
	// without bound on long streams.
	rest := copy(a.buf, a.buf[cursor:])
	a.buf = a.buf[:rest]
	return frames
}

// Pending returns the number of buffered bytes that do not yet form a frame.
func (a *Assembler) Pending() int { return len(a.buf) }

// Stats returns a copy of the assembler counters.
func (a *Assembler) Stats() AssemblerStats { return a.stats }

// Close is called once the source has permanently disconnected. Any buffered
// partial frame is discarded and reported as ErrSourceDisconnected.
func (a *Assembler) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	pending := len(a.buf)
	a.buf = nil
	if pending > 0 {
		return fmt.Errorf("%w: discarded %d buffered bytes", ErrSourceDisconnected, pending)
	}
	return nil
}

// Reset discards buffered bytes and counters so the assembler can be reused
// for a new session.
func (a *Assembler) Reset() {
	a.buf = a.buf[:0]
	a.stats = AssemblerStats{}
	a.closed = false
}
