// Package framing decodes fixed-size binary frames out of raw sensor byte
// streams.
//
// A Layout describes one device's frame shape:
//
//	[start delimiter] | N × value | [uint64 device timestamp] | [end delimiter]
//
// Decode is a pure function over exactly one frame's worth of bytes. The
// Assembler turns arbitrarily chunked reads into a sequence of Frames and
// resynchronizes one byte at a time after corruption.
package framing

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
)

var (
	// ErrIncompleteFrame is returned when fewer than Layout.Size() bytes are
	// available. Nothing is consumed.
	ErrIncompleteFrame = errors.New("incomplete frame")
	// ErrBadStartDelimiter is returned when byte 0 is not the expected start marker.
	ErrBadStartDelimiter = errors.New("bad start delimiter")
	// ErrBadEndDelimiter is returned when the last byte is not the expected end marker.
	ErrBadEndDelimiter = errors.New("bad end delimiter")
	// ErrSourceDisconnected is returned by Assembler.Close when the source went
	// away while a partial frame was still buffered.
	ErrSourceDisconnected = errors.New("source disconnected")
)

// ValueEncoding is the wire encoding of a single channel reading.
type ValueEncoding int

const (
	// Float32LE is an IEEE-754 single precision float, little endian.
	Float32LE ValueEncoding = iota
	// Uint8 is one unsigned byte.
	Uint8
)

// Width returns the number of bytes used by one value.
func (e ValueEncoding) Width() int {
	switch e {
	case Uint8:
		return 1
	default:
		return 4
	}
}

func (e ValueEncoding) String() string {
	switch e {
	case Float32LE:
		return "float32le"
	case Uint8:
		return "uint8"
	default:
		return fmt.Sprintf("ValueEncoding(%d)", int(e))
	}
}

// Layout is the fixed byte shape of one device frame.
type Layout struct {
	// Start and End are the delimiter bytes. A nil delimiter is absent from
	// the wire.
	Start *byte
	End   *byte

	Channels int
	Encoding ValueEncoding

	// DeviceTimestamp adds a little endian uint64 after the values.
	DeviceTimestamp bool
}

// Delim returns a pointer to b for use as a Layout delimiter.
func Delim(b byte) *byte { return &b }

// Size returns the total frame length in bytes.
func (l Layout) Size() int {
	n := l.Channels * l.Encoding.Width()
	if l.Start != nil {
		n++
	}
	if l.End != nil {
		n++
	}
	if l.DeviceTimestamp {
		n += 8
	}
	return n
}

// Delimited reports whether the layout carries any delimiter byte. Frames of
// an undelimited layout cannot be validated, so they never trigger a resync.
func (l Layout) Delimited() bool {
	return l.Start != nil || l.End != nil
}

// Validate checks that the layout describes a decodable frame.
func (l Layout) Validate() error {
	if l.Channels <= 0 {
		return fmt.Errorf("layout must have at least one channel, got %d", l.Channels)
	}
	switch l.Encoding {
	case Float32LE, Uint8:
	default:
		return fmt.Errorf("unsupported value encoding %v", l.Encoding)
	}
	return nil
}

// Frame is the decoded content of one valid frame.
type Frame struct {
	Values        []float64
	DeviceTime    uint64
	HasDeviceTime bool
}

// Decode decodes the leading l.Size() bytes of buf. Bytes beyond the frame are
// ignored. The start delimiter is checked before the end delimiter.
func Decode(l Layout, buf []byte) (Frame, error) {
	size := l.Size()
	if len(buf) < size {
		return Frame{}, ErrIncompleteFrame
	}
	buf = buf[:size]

	off := 0
	if l.Start != nil {
		if buf[0] != *l.Start {
			return Frame{}, ErrBadStartDelimiter
		}
		off = 1
	}
	if l.End != nil && buf[size-1] != *l.End {
		return Frame{}, ErrBadEndDelimiter
	}

	f := Frame{Values: make([]float64, l.Channels)}
	for i := range f.Values {
		switch l.Encoding {
		case Uint8:
			f.Values[i] = float64(buf[off])
			off++
		default:
			bits := binary.LittleEndian.Uint32(buf[off : off+4])
			f.Values[i] = float64(math.Float32frombits(bits))
			off += 4
		}
	}
	if l.DeviceTimestamp {
		f.DeviceTime = binary.LittleEndian.Uint64(buf[off : off+8])
		f.HasDeviceTime = true
	}
	return f, nil
}

// Encode writes f in layout l. It is the inverse of Decode and is used by the
// simulated devices and by tests.
func Encode(l Layout, f Frame) []byte {
	buf := make([]byte, 0, l.Size())
	if l.Start != nil {
		buf = append(buf, *l.Start)
	}
	for i := 0; i < l.Channels; i++ {
		var v float64
		if i < len(f.Values) {
			v = f.Values[i]
		}
		switch l.Encoding {
		case Uint8:
			buf = append(buf, byte(v))
		default:
			buf = binary.LittleEndian.AppendUint32(buf, math.Float32bits(float32(v)))
		}
	}
	if l.DeviceTimestamp {
		buf = binary.LittleEndian.AppendUint64(buf, f.DeviceTime)
	}
	if l.End != nil {
		buf = append(buf, *l.End)
	}
	return buf
}
