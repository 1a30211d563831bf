package device

import (
	"context"
	"time"

	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/source"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// SimulatedFSRInterval is the frame period of the simulated force sensor
// array.
const SimulatedFSRInterval = 10 * time.Millisecond

// Simulator stands in for every instrument in development mode. Serial
// devices become simulated sources; the Trigno is reached through Station.
type Simulator struct {
	Station *Station
	Clock   timeutil.Clock
}

func (s Simulator) OpenFSR(config.SerialDevice) (source.Source, error) {
	return Simulated(FSR(0), SimulatedFSRInterval, s.Clock), nil
}

func (s Simulator) OpenGlove(g config.GloveConfig, p Profile) (source.Source, error) {
	return Simulated(p, g.GetInterval(), s.Clock), nil
}

// DialTrigno connects to the simulated station regardless of the configured
// address.
func (s Simulator) DialTrigno(ctx context.Context, cfg config.TrignoConfig) (*TrignoLink, error) {
	host, cmd, emg, aux := s.Station.Host(), s.Station.CommandPort(), s.Station.EMGPort(), s.Station.AuxPort()
	cfg.Host, cfg.CmdPort, cfg.EMGPort, cfg.AuxPort = &host, &cmd, &emg, &aux
	return DialTrigno(ctx, cfg, s.Clock)
}
