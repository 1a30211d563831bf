package framing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testLayout is the small frame used throughout these tests:
// 1 start + 1 float32 + 8 timestamp + 1 end = 14 bytes.
func testLayout() Layout {
	return Layout{
		Start:           Delim(0xFF),
		End:             Delim(0x00),
		Channels:        1,
		Encoding:        Float32LE,
		DeviceTimestamp: true,
	}
}

func TestLayout_Size(t *testing.T) {
	tests := []struct {
		name   string
		layout Layout
		want   int
	}{
		{"test frame", testLayout(), 14},
		{"fsr", Layout{Start: Delim(0xFF), End: Delim(0x00), Channels: 24, DeviceTimestamp: true}, 106},
		{"emg", Layout{Channels: 16}, 64},
		{"aux", Layout{Channels: 144}, 576},
		{"glove 18", Layout{Start: Delim('G'), End: Delim(0x00), Channels: 18, Encoding: Uint8}, 20},
		{"glove 22", Layout{Start: Delim('G'), End: Delim(0x00), Channels: 22, Encoding: Uint8}, 24},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.layout.Size())
		})
	}
}

func TestLayout_Validate(t *testing.T) {
	assert.NoError(t, testLayout().Validate())
	assert.Error(t, Layout{}.Validate())
	assert.Error(t, Layout{Channels: 2, Encoding: ValueEncoding(9)}.Validate())
}

func TestDecode_Valid(t *testing.T) {
	l := testLayout()
	buf := Encode(l, Frame{Values: []float64{3.25}, DeviceTime: 1234567890})
	require.Len(t, buf, 14)

	f, err := Decode(l, buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{3.25}, f.Values)
	assert.Equal(t, uint64(1234567890), f.DeviceTime)
	assert.True(t, f.HasDeviceTime)
}

func TestDecode_Incomplete(t *testing.T) {
	l := testLayout()
	buf := Encode(l, Frame{Values: []float64{1}})

	_, err := Decode(l, buf[:len(buf)-1])
	assert.ErrorIs(t, err, ErrIncompleteFrame)

	_, err = Decode(l, nil)
	assert.ErrorIs(t, err, ErrIncompleteFrame)
}

func TestDecode_BadDelimiters(t *testing.T) {
	l := testLayout()

	buf := Encode(l, Frame{Values: []float64{1}})
	buf[0] = 0x01
	_, err := Decode(l, buf)
	assert.ErrorIs(t, err, ErrBadStartDelimiter)

	buf = Encode(l, Frame{Values: []float64{1}})
	buf[len(buf)-1] = 0x7F
	_, err = Decode(l, buf)
	assert.ErrorIs(t, err, ErrBadEndDelimiter)

	// both wrong: start is reported first
	buf[0] = 0x01
	_, err = Decode(l, buf)
	assert.ErrorIs(t, err, ErrBadStartDelimiter)
}

func TestDecode_IgnoresTrailingBytes(t *testing.T) {
	l := testLayout()
	buf := append(Encode(l, Frame{Values: []float64{2}, DeviceTime: 7}), 0xAA, 0xBB)

	f, err := Decode(l, buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{2}, f.Values)
	assert.Equal(t, uint64(7), f.DeviceTime)
}

func TestDecode_Uint8(t *testing.T) {
	l := Layout{Start: Delim('G'), End: Delim(0x00), Channels: 3, Encoding: Uint8}
	f, err := Decode(l, []byte{'G', 10, 200, 255, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []float64{10, 200, 255}, f.Values)
	assert.False(t, f.HasDeviceTime)
}

func TestDecode_Undelimited(t *testing.T) {
	l := Layout{Channels: 2}
	buf := Encode(l, Frame{Values: []float64{-1.5, 0.125}})
	require.Len(t, buf, 8)

	f, err := Decode(l, buf)
	require.NoError(t, err)
	assert.Equal(t, []float64{-1.5, 0.125}, f.Values)
}
