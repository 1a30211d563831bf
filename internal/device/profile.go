// Package device describes the recorded instruments: their frame layouts,
// channel labels, output rows and health thresholds, and how their byte
// sources are opened.
package device

import (
	"fmt"
	"strconv"
	"time"

	"github.com/banshee-data/gesture.capture/internal/framing"
	"github.com/banshee-data/gesture.capture/internal/health"
	"github.com/banshee-data/gesture.capture/internal/sample"
	"github.com/banshee-data/gesture.capture/internal/sink"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// Stream names. They also name the CSV files.
const (
	StreamFSR   = "fmg"
	StreamEMG   = "emg"
	StreamAux   = "aux"
	StreamGlove = "glove"
)

// Trigno frame geometry: 16 sensor slots, one EMG channel and nine auxiliary
// channels per slot.
const (
	TrignoSensors        = 16
	EMGChannels          = 16
	AuxChannels          = 144
	emgChannelsPerSensor = EMGChannels / TrignoSensors
	auxChannelsPerSensor = AuxChannels / TrignoSensors
)

// Profile is everything the pipeline and the sink need to know about one
// stream.
type Profile struct {
	Stream   string
	Layout   framing.Layout
	Channels []sample.Channel
	// Watched are the channels checked for staleness and previewed. Nil
	// watches every channel.
	Watched []sample.Channel
	Header  []string
	Format  sink.RowFormatter

	// NominalInterval is the time one sample represents.
	NominalInterval time.Duration
	StaleAfter      time.Duration
	SilenceAfter    time.Duration

	// Labelled streams carry the current action label on every row.
	Labelled bool
}

// Labels returns the channel labels in index order.
func (p Profile) Labels() []string {
	out := make([]string, len(p.Channels))
	for i, c := range p.Channels {
		out[i] = c.Label
	}
	return out
}

// WatchedChannels returns Watched, or every channel when Watched is nil.
func (p Profile) WatchedChannels() []sample.Channel {
	if p.Watched == nil {
		return p.Channels
	}
	return p.Watched
}

// HealthConfig returns the monitor configuration of the stream.
func (p Profile) HealthConfig(clock timeutil.Clock) health.Config {
	return health.Config{
		Name:            p.Stream,
		Channels:        p.WatchedChannels(),
		NominalInterval: p.NominalInterval,
		StaleAfter:      p.StaleAfter,
		SilenceAfter:    p.SilenceAfter,
		Clock:           clock,
	}
}

// FSR returns the force sensor array profile: 0xFF, 24 float32 readings, a
// uint64 device timestamp and 0x00.
func FSR(silenceAfter time.Duration) Profile {
	labels := sample.NumberedLabels("FSR", 1, 24, 2)
	return Profile{
		Stream: StreamFSR,
		Layout: framing.Layout{
			Start:           framing.Delim(0xFF),
			End:             framing.Delim(0x00),
			Channels:        24,
			Encoding:        framing.Float32LE,
			DeviceTimestamp: true,
		},
		Channels:     sample.Channels(labels),
		Header:       append(labels, "Timestamp", "Timestamp_win"),
		Format:       sink.ValuesThenTimes,
		SilenceAfter: silenceAfter,
	}
}

// Glove returns the profile of an 18 or 22 sensor data glove. A reply is the
// echoed request byte 'G', one byte per sensor and a trailing 0x00.
func Glove(dof int, interval, staleAfter, silenceAfter time.Duration) (Profile, error) {
	if dof != 18 && dof != 22 {
		return Profile{}, fmt.Errorf("unsupported glove with %d sensors", dof)
	}
	labels := sample.NumberedLabels("Sensor", 0, dof, 1)
	return Profile{
		Stream: StreamGlove,
		Layout: framing.Layout{
			Start:    framing.Delim(GloveRequest),
			End:      framing.Delim(0x00),
			Channels: dof,
			Encoding: framing.Uint8,
		},
		Channels:        sample.Channels(labels),
		Header:          append([]string{"Timestamp"}, labels...),
		Format:          sink.TimeThenValues,
		NominalInterval: interval,
		StaleAfter:      staleAfter,
		SilenceAfter:    silenceAfter,
	}, nil
}

// GloveRequest is the byte that asks the glove for one reading.
const GloveRequest = 'G'

// Sensor is one Trigno sensor slot in use.
type Sensor struct {
	ID    int    `json:"id"` // 1..16
	Label string `json:"label"`
}

// AuxOptions selects which auxiliary quantities the sensors report.
type AuxOptions struct {
	Acc         bool
	Gyro        bool
	Orientation bool
}

// Channels returns how many auxiliary channels each sensor fills.
func (o AuxOptions) Channels() int {
	switch {
	case o.Orientation:
		return 4
	case o.Acc && o.Gyro:
		return 6
	case o.Acc || o.Gyro:
		return 3
	}
	return 0
}

// Labels returns the auxiliary column names of one sensor.
func (o AuxOptions) Labels(label string) []string {
	if o.Orientation {
		return []string{label + "_re", label + "_im_x", label + "_im_y", label + "_im_z"}
	}
	var out []string
	if o.Acc {
		out = append(out, label+"_acc_x (g)", label+"_acc_y (g)", label+"_acc_z (g)")
	}
	if o.Gyro {
		out = append(out, label+"_gyr_x (deg/s)", label+"_gyr_y (deg/s)", label+"_gyr_z (deg/s)")
	}
	return out
}

// ChannelMask returns the frame positions that carry data for the given
// sensors when each sensor owns perSensor consecutive slots and fills the
// first used of them.
func ChannelMask(sensors []Sensor, used, perSensor int) []int {
	var mask []int
	for _, s := range sensors {
		first := perSensor*s.ID - perSensor
		for i := 0; i < used; i++ {
			mask = append(mask, first+i)
		}
	}
	return mask
}

// slotLabels names every position of a frame: positions in use take the
// given labels, the rest keep their index.
func slotLabels(total int, mask []int, labels []string) []string {
	out := make([]string, total)
	for i := range out {
		out[i] = strconv.Itoa(i)
	}
	for i, pos := range mask {
		if pos >= 0 && pos < total && i < len(labels) {
			out[pos] = labels[i]
		}
	}
	return out
}

// EMG returns the 16-channel EMG profile. Every channel of the frame is
// recorded; the slots of configured sensors carry the sensor label.
func EMG(sensors []Sensor, staleAfter, silenceAfter time.Duration) Profile {
	labels := make([]string, len(sensors))
	for i, s := range sensors {
		labels[i] = s.Label
	}
	mask := ChannelMask(sensors, 1, emgChannelsPerSensor)
	names := slotLabels(EMGChannels, mask, labels)
	header := append([]string{"Timestamp"}, names...)
	return Profile{
		Stream:          StreamEMG,
		Layout:          framing.Layout{Channels: EMGChannels, Encoding: framing.Float32LE},
		Channels:        sample.Channels(names),
		Watched:         pick(names, mask),
		Header:          append(header, "Action_Label"),
		Format:          sink.TimeThenValues,
		NominalInterval: EMGInterval,
		StaleAfter:      staleAfter,
		SilenceAfter:    silenceAfter,
		Labelled:        true,
	}
}

// Aux returns the 144-channel auxiliary profile.
func Aux(sensors []Sensor, opts AuxOptions, staleAfter, silenceAfter time.Duration) Profile {
	var labels []string
	for _, s := range sensors {
		labels = append(labels, opts.Labels(s.Label)...)
	}
	mask := ChannelMask(sensors, opts.Channels(), auxChannelsPerSensor)
	names := slotLabels(AuxChannels, mask, labels)
	return Profile{
		Stream:          StreamAux,
		Layout:          framing.Layout{Channels: AuxChannels, Encoding: framing.Float32LE},
		Channels:        sample.Channels(names),
		Watched:         pick(names, mask),
		Header:          append([]string{"Timestamp"}, names...),
		Format:          sink.TimeThenValues,
		NominalInterval: AuxInterval,
		StaleAfter:      staleAfter,
		SilenceAfter:    silenceAfter,
	}
}

// Nominal Trigno sample periods.
const (
	EMGInterval = time.Second / 1926
	AuxInterval = time.Second / 148
)

// pick returns the channels at the given positions. Unused slots of a Trigno
// frame read a constant zero and would otherwise be reported as stale.
func pick(names []string, mask []int) []sample.Channel {
	out := make([]sample.Channel, 0, len(mask))
	for _, pos := range mask {
		if pos >= 0 && pos < len(names) {
			out = append(out, sample.Channel{Index: pos, Label: names[pos]})
		}
	}
	return out
}
