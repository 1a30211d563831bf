package device

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/banshee-data/gesture.capture/internal/command"
	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/source"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// Hardware opens the byte sources of real instruments.
type Hardware struct {
	// OpenPort opens serial ports. Defaults to source.OpenSerial.
	OpenPort source.PortOpener
	Clock    timeutil.Clock
}

func (h Hardware) openPort(dev config.SerialDevice) (source.SerialPorter, error) {
	open := h.OpenPort
	if open == nil {
		open = source.OpenSerial
	}
	opts, err := source.PortOptions{BaudRate: dev.GetBaudRate()}.Normalize()
	if err != nil {
		return nil, err
	}
	return open(dev.GetPort(), opts, dev.GetReadTimeout())
}

// OpenFSR opens the force sensor array's serial port.
func (h Hardware) OpenFSR(dev config.SerialDevice) (source.Source, error) {
	port, err := h.openPort(dev)
	if err != nil {
		return nil, fmt.Errorf("fsr: %w", err)
	}
	monitoring.Logf("[device] fsr connected on %s", dev.GetPort())
	return source.NewSerialSource(port, source.SerialConfig{
		Name:        StreamFSR,
		IdleTimeout: dev.GetIdleTimeout(),
		Clock:       h.Clock,
	}), nil
}

// OpenGlove opens the glove's serial port and polls it at the configured
// rate.
func (h Hardware) OpenGlove(g config.GloveConfig, p Profile) (source.Source, error) {
	port, err := h.openPort(g.SerialDevice)
	if err != nil {
		return nil, fmt.Errorf("glove: %w", err)
	}
	if r, ok := port.(source.InputResetter); ok {
		if err := r.ResetInputBuffer(); err != nil {
			port.Close()
			return nil, fmt.Errorf("glove: flush input: %w", err)
		}
	}
	src, err := source.NewPolledSource(port, source.PolledConfig{
		Name:        StreamGlove,
		Request:     GloveRequest,
		ReplySize:   p.Layout.Size(),
		Interval:    g.GetInterval(),
		IdleTimeout: g.GetIdleTimeout(),
		Clock:       h.Clock,
	})
	if err != nil {
		port.Close()
		return nil, fmt.Errorf("glove: %w", err)
	}
	monitoring.Logf("[device] glove (%d sensors) connected on %s", g.GetDOF(), g.GetPort())
	return src, nil
}

// TrignoLink holds the connections to a Trigno Control Utility. Data sources
// are nil for streams that are not recorded.
type TrignoLink struct {
	Control *command.Trigno
	EMG     source.Source
	Aux     source.Source
}

// Close closes every connection that is still open. Data sources handed to a
// pipeline are closed by it and are skipped here.
func (l *TrignoLink) Close() error {
	var errs []error
	if l.Control != nil {
		errs = append(errs, l.Control.Close())
	}
	for _, src := range []source.Source{l.EMG, l.Aux} {
		if src != nil {
			errs = append(errs, src.Close())
		}
	}
	return errors.Join(errs...)
}

func retryConfig(attempts int) command.RetryConfig {
	rc := command.DefaultRetry()
	rc.MaxAttempts = attempts
	return rc
}

// DialTrigno connects the command channel and the enabled data sockets. Each
// connection is retried a bounded number of times.
func DialTrigno(ctx context.Context, cfg config.TrignoConfig, clock timeutil.Clock) (*TrignoLink, error) {
	host := cfg.GetHost()
	rc := retryConfig(cfg.GetRetryAttempts())
	link := &TrignoLink{}

	var ch *command.Channel
	err := command.Retry(ctx, rc, func() error {
		var err error
		ch, _, err = command.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(cfg.GetCmdPort())), command.Options{
			Timeout: cfg.GetTimeout(),
		})
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("trigno command channel: %w", err)
	}
	link.Control = command.NewTrigno(ch)

	dial := func(name string, port int) (source.Source, error) {
		var src source.Source
		err := command.Retry(ctx, rc, func() error {
			s, err := source.Dial(ctx, net.JoinHostPort(host, strconv.Itoa(port)), source.ConnConfig{
				Name:        name,
				IdleTimeout: cfg.GetIdleTimeout(),
				Clock:       clock,
			})
			if err == nil {
				src = s
			}
			return err
		})
		return src, err
	}

	if cfg.GetReadEMG() {
		if link.EMG, err = dial(StreamEMG, cfg.GetEMGPort()); err != nil {
			link.Close()
			return nil, fmt.Errorf("trigno emg socket: %w", err)
		}
	}
	if cfg.ReadAux() {
		if link.Aux, err = dial(StreamAux, cfg.GetAuxPort()); err != nil {
			link.Close()
			return nil, fmt.Errorf("trigno aux socket: %w", err)
		}
	}
	return link, nil
}

// Sensors pairs the configured IDs with their labels.
func Sensors(cfg config.TrignoConfig) []Sensor {
	ids := cfg.GetSensorIDs()
	labels := cfg.GetSensorLabels()
	out := make([]Sensor, len(ids))
	for i, id := range ids {
		out[i] = Sensor{ID: id, Label: labels[i]}
	}
	return out
}

// Setup is the per-session sensor configuration sent before streaming.
type Setup struct {
	Sensors                []Sensor
	Mode                   int
	BackwardsCompatibility *bool
	Upsampling             *bool
	Retry                  command.RetryConfig
}

// SetupFromConfig builds the bring-up sequence of cfg.
func SetupFromConfig(cfg config.TrignoConfig) Setup {
	return Setup{
		Sensors:                Sensors(cfg),
		Mode:                   cfg.GetMode(),
		BackwardsCompatibility: cfg.BackwardsCompatibility,
		Upsampling:             cfg.Upsampling,
		Retry:                  retryConfig(cfg.GetRetryAttempts()),
	}
}

// SensorReport is the state of one sensor found during bring-up.
type SensorReport struct {
	Sensor
	WasPaired bool `json:"was_paired"`
	Active    bool `json:"active"`
}

// Bringup prepares every sensor for streaming: unpaired sensors are paired,
// paired ones are checked for activity, and each one is put in the session's
// mode. It does not start streaming.
func Bringup(ctx context.Context, t *command.Trigno, s Setup) ([]SensorReport, error) {
	do := func(fn func() error) error { return command.Retry(ctx, s.Retry, fn) }

	if s.BackwardsCompatibility != nil {
		if err := do(func() error { return t.SetBackwardsCompatibility(ctx, *s.BackwardsCompatibility) }); err != nil {
			return nil, err
		}
	}
	if s.Upsampling != nil {
		if err := do(func() error { return t.SetUpsampling(ctx, *s.Upsampling) }); err != nil {
			return nil, err
		}
	}

	reports := make([]SensorReport, 0, len(s.Sensors))
	for _, sensor := range s.Sensors {
		rep := SensorReport{Sensor: sensor}
		if err := do(func() (err error) {
			rep.WasPaired, err = t.IsPaired(ctx, sensor.ID)
			return err
		}); err != nil {
			return nil, fmt.Errorf("sensor %d: %w", sensor.ID, err)
		}

		if !rep.WasPaired {
			monitoring.Logf("[trigno] sensor %d (%s) is unpaired, pairing", sensor.ID, sensor.Label)
			if err := do(func() error { return t.Pair(ctx, sensor.ID) }); err != nil {
				return nil, fmt.Errorf("sensor %d: %w", sensor.ID, err)
			}
		} else {
			if err := do(func() (err error) {
				rep.Active, err = t.IsActive(ctx, sensor.ID)
				return err
			}); err != nil {
				return nil, fmt.Errorf("sensor %d: %w", sensor.ID, err)
			}
			if !rep.Active {
				monitoring.Logf("[trigno] sensor %d (%s) is inactive", sensor.ID, sensor.Label)
			}
		}

		if err := do(func() error { return t.SetMode(ctx, sensor.ID, s.Mode) }); err != nil {
			return nil, fmt.Errorf("sensor %d: %w", sensor.ID, err)
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

// Simulated returns a source producing frames of p every interval.
func Simulated(p Profile, interval time.Duration, clock timeutil.Clock) source.Source {
	return source.NewSimulatedSource(source.SimulatedConfig{
		Name:     p.Stream,
		Layout:   p.Layout,
		Interval: interval,
		Clock:    clock,
	})
}

// DialTrigno connects to the Trigno Control Utility described by cfg.
func (h Hardware) DialTrigno(ctx context.Context, cfg config.TrignoConfig) (*TrignoLink, error) {
	return DialTrigno(ctx, cfg, h.Clock)
}
