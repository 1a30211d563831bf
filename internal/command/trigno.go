package command

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
)

// Default Trigno Control Utility ports.
const (
	TrignoCommandPort = 50040
	TrignoEMGPort     = 50043
	TrignoAuxPort     = 50044
)

// Trigno issues the Trigno Control Utility commands over a Channel.
type Trigno struct {
	ch   *Channel
	logf func(string, ...interface{})
}

// NewTrigno wraps a connected channel.
func NewTrigno(ch *Channel) *Trigno {
	return &Trigno{ch: ch, logf: monitoring.Prefixed("trigno")}
}

func (t *Trigno) send(ctx context.Context, cmd string) (string, error) {
	reply, err := t.ch.Send(ctx, cmd)
	if err != nil {
		return "", err
	}
	reply = strings.TrimSpace(reply)
	if strings.HasSuffix(cmd, "?") {
		t.logf("query: %s <-> reply: %s", cmd, reply)
	} else {
		t.logf("command: %s <-> reply: %s", cmd, reply)
	}
	return reply, nil
}

// exec sends a command whose reply must acknowledge it with OK.
func (t *Trigno) exec(ctx context.Context, cmd string) error {
	reply, err := t.send(ctx, cmd)
	if err != nil {
		return err
	}
	if !strings.Contains(reply, "OK") {
		return &ChannelError{Op: "reply", Command: cmd, Err: fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)}
	}
	return nil
}

func (t *Trigno) yesNo(ctx context.Context, cmd string) (bool, error) {
	reply, err := t.send(ctx, cmd)
	if err != nil {
		return false, err
	}
	switch strings.ToUpper(reply) {
	case "YES":
		return true, nil
	case "NO":
		return false, nil
	}
	return false, &ChannelError{Op: "reply", Command: cmd, Err: fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)}
}

func (t *Trigno) integer(ctx context.Context, cmd string) (int, error) {
	reply, err := t.send(ctx, cmd)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(reply)
	if err != nil {
		return 0, &ChannelError{Op: "reply", Command: cmd, Err: fmt.Errorf("%w: %q", ErrUnexpectedReply, reply)}
	}
	return n, nil
}

func onOff(on bool) string {
	if on {
		return "ON"
	}
	return "OFF"
}

// Pair starts pairing a sensor.
func (t *Trigno) Pair(ctx context.Context, sensor int) error {
	return t.exec(ctx, fmt.Sprintf("SENSOR %d PAIR", sensor))
}

// IsPaired reports whether a sensor is paired with the base station.
func (t *Trigno) IsPaired(ctx context.Context, sensor int) (bool, error) {
	return t.yesNo(ctx, fmt.Sprintf("SENSOR %d PAIRED?", sensor))
}

// IsActive reports whether a paired sensor is currently active.
func (t *Trigno) IsActive(ctx context.Context, sensor int) (bool, error) {
	return t.yesNo(ctx, fmt.Sprintf("SENSOR %d ACTIVE?", sensor))
}

// Mode returns the configured mode number of a sensor.
func (t *Trigno) Mode(ctx context.Context, sensor int) (string, error) {
	return t.send(ctx, fmt.Sprintf("SENSOR %d MODE?", sensor))
}

// SetMode configures the mode number of a sensor.
func (t *Trigno) SetMode(ctx context.Context, sensor, mode int) error {
	return t.exec(ctx, fmt.Sprintf("SENSOR %d SETMODE %d", sensor, mode))
}

// SetBackwardsCompatibility toggles the legacy data layout.
func (t *Trigno) SetBackwardsCompatibility(ctx context.Context, on bool) error {
	return t.exec(ctx, "BACKWARDS COMPATIBILITY "+onOff(on))
}

// SetUpsampling toggles upsampling of the data streams.
func (t *Trigno) SetUpsampling(ctx context.Context, on bool) error {
	return t.exec(ctx, "UPSAMPLE "+onOff(on))
}

// Serial returns the serial number of a sensor.
func (t *Trigno) Serial(ctx context.Context, sensor int) (string, error) {
	return t.send(ctx, fmt.Sprintf("SENSOR %d SERIAL?", sensor))
}

// Rate returns the sample rate of one channel of a sensor as reported.
func (t *Trigno) Rate(ctx context.Context, sensor, channel int) (string, error) {
	return t.send(ctx, fmt.Sprintf("SENSOR %d CHANNEL %d RATE?", sensor, channel))
}

// StartIndex returns the position of a sensor's first channel in the stream.
func (t *Trigno) StartIndex(ctx context.Context, sensor int) (int, error) {
	return t.integer(ctx, fmt.Sprintf("SENSOR %d STARTINDEX?", sensor))
}

// AuxChannelCount returns how many auxiliary channels a sensor produces.
func (t *Trigno) AuxChannelCount(ctx context.Context, sensor int) (int, error) {
	return t.integer(ctx, fmt.Sprintf("SENSOR %d AUXCHANNELCOUNT?", sensor))
}

// Start begins streaming on the data ports.
func (t *Trigno) Start(ctx context.Context) error {
	return t.exec(ctx, "START")
}

// Stop ends the acquisition. The server answers and then closes the
// session, so any reply is accepted.
func (t *Trigno) Stop(ctx context.Context) error {
	_, err := t.send(ctx, "QUIT")
	return err
}

// Close closes the underlying channel.
func (t *Trigno) Close() error { return t.ch.Close() }
