// Package sample defines the typed readings that flow from a device reader to
// its persister.
package sample

import (
	"fmt"
	"time"

	"github.com/banshee-data/gesture.capture/internal/framing"
)

// TimestampLayout formats host capture times with millisecond precision, the
// format every persisted row uses.
const TimestampLayout = "2006-01-02 15:04:05.000"

// Sample is one decoded frame tagged with the host time it was captured at.
// A Sample is never modified after it is created.
type Sample struct {
	CaptureTime time.Time

	DeviceTime    uint64
	HasDeviceTime bool

	Values []float64

	// ActionLabel is the gesture/action being performed when the sample was
	// captured. Streams that do not record a label leave HasActionLabel false.
	ActionLabel    int
	HasActionLabel bool
}

// FromFrame builds a Sample from a decoded frame.
func FromFrame(f framing.Frame, captured time.Time) Sample {
	return Sample{
		CaptureTime:   captured,
		DeviceTime:    f.DeviceTime,
		HasDeviceTime: f.HasDeviceTime,
		Values:        f.Values,
	}
}

// WithAction returns a copy of s carrying the given action label.
func (s Sample) WithAction(label int) Sample {
	s.ActionLabel = label
	s.HasActionLabel = true
	return s
}

// Timestamp returns the capture time formatted with TimestampLayout.
func (s Sample) Timestamp() string {
	return FormatTime(s.CaptureTime)
}

// FormatTime formats t with TimestampLayout in local time.
func FormatTime(t time.Time) string {
	return t.Local().Format(TimestampLayout)
}

// Channel is a logical reading slot of a stream.
type Channel struct {
	Index int
	Label string
}

func (c Channel) String() string {
	return fmt.Sprintf("%d:%s", c.Index, c.Label)
}

// Channels builds the channel list for a set of labels.
func Channels(labels []string) []Channel {
	out := make([]Channel, len(labels))
	for i, l := range labels {
		out[i] = Channel{Index: i, Label: l}
	}
	return out
}

// NumberedLabels returns labels prefix+start, prefix+start+1, ... using the
// given printf width, for example NumberedLabels("FSR", 1, 24, 2) gives
// FSR01..FSR24.
func NumberedLabels(prefix string, start, count, width int) []string {
	out := make([]string, count)
	for i := range out {
		out[i] = fmt.Sprintf("%s%0*d", prefix, width, start+i)
	}
	return out
}
