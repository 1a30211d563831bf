package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banshee-data/gesture.capture/internal/framing"
)

func TestFromFrame(t *testing.T) {
	at := time.Date(2024, 3, 1, 12, 30, 45, 123456789, time.Local)
	s := FromFrame(framing.Frame{Values: []float64{1, 2}, DeviceTime: 42, HasDeviceTime: true}, at)

	assert.Equal(t, []float64{1, 2}, s.Values)
	assert.Equal(t, uint64(42), s.DeviceTime)
	assert.True(t, s.HasDeviceTime)
	assert.False(t, s.HasActionLabel)
	assert.Equal(t, "2024-03-01 12:30:45.123", s.Timestamp())
}

func TestWithAction_DoesNotMutateOriginal(t *testing.T) {
	s := Sample{Values: []float64{1}}
	labelled := s.WithAction(7)

	assert.False(t, s.HasActionLabel)
	assert.True(t, labelled.HasActionLabel)
	assert.Equal(t, 7, labelled.ActionLabel)
}

func TestNumberedLabels(t *testing.T) {
	labels := NumberedLabels("FSR", 1, 24, 2)
	assert.Len(t, labels, 24)
	assert.Equal(t, "FSR01", labels[0])
	assert.Equal(t, "FSR24", labels[23])

	assert.Equal(t, []string{"Sensor0", "Sensor1"}, NumberedLabels("Sensor", 0, 2, 0))
}

func TestChannels(t *testing.T) {
	chs := Channels([]string{"a", "b"})
	assert.Equal(t, []Channel{{Index: 0, Label: "a"}, {Index: 1, Label: "b"}}, chs)
	assert.Equal(t, "1:b", chs[1].String())
}
