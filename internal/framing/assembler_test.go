package framing

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeFrames(t *testing.T, l Layout, n int) ([]byte, []Frame) {
	t.Helper()
	var buf bytes.Buffer
	frames := make([]Frame, 0, n)
	for i := 0; i < n; i++ {
		f := Frame{
			Values:        []float64{float64(i) + 0.5},
			DeviceTime:    uint64(1000 + i),
			HasDeviceTime: true,
		}
		frames = append(frames, f)
		buf.Write(Encode(l, f))
	}
	return buf.Bytes(), frames
}

func newAssembler(t *testing.T, l Layout) *Assembler {
	t.Helper()
	a, err := NewAssembler(l)
	require.NoError(t, err)
	return a
}

func TestNewAssembler_InvalidLayout(t *testing.T) {
	_, err := NewAssembler(Layout{})
	assert.Error(t, err)
}

func TestAssembler_FrameGarbageFrame(t *testing.T) {
	l := testLayout()
	first := Encode(l, Frame{Values: []float64{1}, DeviceTime: 1})
	second := Encode(l, Frame{Values: []float64{2}, DeviceTime: 2})

	stream := append(append(append([]byte{}, first...), 0x42), second...)

	a := newAssembler(t, l)
	frames := a.Feed(stream)

	require.Len(t, frames, 2)
	assert.Equal(t, []float64{1}, frames[0].Values)
	assert.Equal(t, []float64{2}, frames[1].Values)
	assert.Equal(t, uint64(1), a.Stats().Resyncs)
	assert.Equal(t, 0, a.Pending())
}

func TestAssembler_CleanStreamCount(t *testing.T) {
	l := testLayout()
	data, want := encodeFrames(t, l, 25)
	// trailing partial frame
	data = append(data, Encode(l, Frame{Values: []float64{99}})[:9]...)

	a := newAssembler(t, l)
	got := a.Feed(data)

	assert.Len(t, got, len(data)/l.Size())
	assert.Empty(t, cmp.Diff(want, got))
	assert.Zero(t, a.Stats().Resyncs)
	assert.Equal(t, 9, a.Pending())
}

func TestAssembler_ChunkingInvariance(t *testing.T) {
	l := testLayout()
	data, _ := encodeFrames(t, l, 40)

	// sprinkle corruption through the stream
	rng := rand.New(rand.NewSource(7))
	var corrupted []byte
	for i, b := range data {
		if i%37 == 5 {
			corrupted = append(corrupted, byte(rng.Intn(0xFE)+1))
		}
		corrupted = append(corrupted, b)
	}

	whole := newAssembler(t, l)
	all := whole.Feed(corrupted)

	single := newAssembler(t, l)
	var oneByOne []Frame
	for _, b := range corrupted {
		oneByOne = append(oneByOne, single.Feed([]byte{b})...)
	}

	random := newAssembler(t, l)
	var chunked []Frame
	for rest := corrupted; len(rest) > 0; {
		n := rng.Intn(30) + 1
		if n > len(rest) {
			n = len(rest)
		}
		chunked = append(chunked, random.Feed(rest[:n])...)
		rest = rest[n:]
	}

	assert.NotEmpty(t, all)
	assert.Empty(t, cmp.Diff(all, oneByOne))
	assert.Empty(t, cmp.Diff(all, chunked))
	assert.Equal(t, whole.Stats(), single.Stats())
	assert.Equal(t, whole.Stats(), random.Stats())
}

func TestAssembler_SingleCorruptByteRecovers(t *testing.T) {
	l := testLayout()
	valid := Encode(l, Frame{Values: []float64{4}, DeviceTime: 9})

	a := newAssembler(t, l)
	frames := a.Feed(append([]byte{0x13}, valid...))

	require.Len(t, frames, 1)
	assert.Equal(t, []float64{4}, frames[0].Values)
	assert.Equal(t, uint64(1), a.Stats().Resyncs)
}

func TestAssembler_BadEndDelimiterResyncsByOne(t *testing.T) {
	l := testLayout()
	broken := Encode(l, Frame{Values: []float64{1}})
	broken[len(broken)-1] = 0x55
	valid := Encode(l, Frame{Values: []float64{2}})

	a := newAssembler(t, l)
	frames := a.Feed(append(broken, valid...))

	require.Len(t, frames, 1)
	assert.Equal(t, []float64{2}, frames[0].Values)
	// one bad end plus one step per byte of the broken frame before the next start
	assert.Equal(t, uint64(l.Size()), a.Stats().Resyncs)
}

func TestAssembler_EmptyFeedPreservesBuffer(t *testing.T) {
	l := testLayout()
	valid := Encode(l, Frame{Values: []float64{5}})

	a := newAssembler(t, l)
	assert.Empty(t, a.Feed(valid[:6]))
	assert.Empty(t, a.Feed(nil))
	assert.Empty(t, a.Feed([]byte{}))
	assert.Equal(t, 6, a.Pending())

	frames := a.Feed(valid[6:])
	require.Len(t, frames, 1)
	assert.Equal(t, []float64{5}, frames[0].Values)
}

func TestAssembler_RetainedTailIsBounded(t *testing.T) {
	l := testLayout()
	a := newAssembler(t, l)

	junk := bytes.Repeat([]byte{0x01}, 10*l.Size()+3)
	assert.Empty(t, a.Feed(junk))
	assert.Less(t, a.Pending(), l.Size())
}

func TestAssembler_CloseMidFrame(t *testing.T) {
	l := testLayout()
	valid := Encode(l, Frame{Values: []float64{5}})

	a := newAssembler(t, l)
	assert.Empty(t, a.Feed(valid[:10]))

	err := a.Close()
	assert.ErrorIs(t, err, ErrSourceDisconnected)
	assert.Zero(t, a.Pending())

	// no partial frame after close, even if more bytes turn up
	assert.Empty(t, a.Feed(valid[10:]))
	assert.NoError(t, a.Close())
}

func TestAssembler_CloseClean(t *testing.T) {
	a := newAssembler(t, testLayout())
	assert.NoError(t, a.Close())
}

func TestAssembler_UndelimitedMultiples(t *testing.T) {
	l := Layout{Channels: 16}
	var data []byte
	for i := 0; i < 3; i++ {
		vals := make([]float64, 16)
		for j := range vals {
			vals[j] = float64(i*16 + j)
		}
		data = append(data, Encode(l, Frame{Values: vals})...)
	}

	a := newAssembler(t, l)
	got := a.Feed(data[:100])
	require.Len(t, got, 1)
	got = append(got, a.Feed(data[100:])...)
	require.Len(t, got, 3)
	assert.Equal(t, float64(47), got[2].Values[15])
	assert.Zero(t, a.Stats().Resyncs)
}

func TestAssembler_Reset(t *testing.T) {
	l := testLayout()
	a := newAssembler(t, l)
	a.Feed([]byte{0xFF, 1, 2})
	require.ErrorIs(t, a.Close(), ErrSourceDisconnected)

	a.Reset()
	assert.Zero(t, a.Pending())
	assert.Equal(t, AssemblerStats{}, a.Stats())
	assert.Len(t, a.Feed(Encode(l, Frame{Values: []float64{1}})), 1)
}
