// Package session coordinates the streams of one recording: it opens the
// instruments, runs one acquisition pipeline per stream and tears everything
// down again when the operator stops.
package session

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/gesture.capture/internal/command"
	"github.com/banshee-data/gesture.capture/internal/config"
	"github.com/banshee-data/gesture.capture/internal/db"
	"github.com/banshee-data/gesture.capture/internal/device"
	"github.com/banshee-data/gesture.capture/internal/health"
	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/pipeline"
	"github.com/banshee-data/gesture.capture/internal/preview"
	"github.com/banshee-data/gesture.capture/internal/queue"
	"github.com/banshee-data/gesture.capture/internal/security"
	"github.com/banshee-data/gesture.capture/internal/sink"
	"github.com/banshee-data/gesture.capture/internal/source"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// ErrInvalidTransition is returned when an operation is not allowed in the
// controller's current phase.
var ErrInvalidTransition = errors.New("invalid session transition")

// ErrNoDevices is returned by Start when the configuration enables nothing.
var ErrNoDevices = errors.New("no devices enabled")

// Phase is the lifecycle position of the controller.
type Phase int

const (
	Idle Phase = iota
	Acquiring
	Stopping
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "idle"
	case Acquiring:
		return "acquiring"
	case Stopping:
		return "stopping"
	}
	return "unknown(" + strconv.Itoa(int(p)) + ")"
}

func (p Phase) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Phase) UnmarshalText(b []byte) error {
	for _, candidate := range []Phase{Idle, Acquiring, Stopping} {
		if candidate.String() == string(b) {
			*p = candidate
			return nil
		}
	}
	return fmt.Errorf("unknown phase %q", b)
}

// Devices opens the byte sources of the instruments.
type Devices interface {
	OpenFSR(cfg config.SerialDevice) (source.Source, error)
	OpenGlove(cfg config.GloveConfig, p device.Profile) (source.Source, error)
	DialTrigno(ctx context.Context, cfg config.TrignoConfig) (*device.TrignoLink, error)
}

// State describes the current or last recording.
type State struct {
	ID          string     `json:"id"`
	Participant int        `json:"participant"`
	Test        string     `json:"test"`
	ActionLabel int        `json:"action_label"`
	Active      bool       `json:"active"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// Options configures a Controller.
type Options struct {
	Config  *config.Config
	Devices Devices
	// Ledger records sessions and, when enabled, samples. Optional.
	Ledger *db.DB

	Clock        timeutil.Clock
	Metrics      *pipeline.Metrics
	QueueMetrics *queue.Metrics
}

// Controller owns the session lifecycle. Its methods are safe for concurrent
// use; Start and Stop are serialized.
type Controller struct {
	opts Options
	logf func(string, ...interface{})

	// ops serializes Start and Stop.
	ops sync.Mutex

	mu      sync.RWMutex
	phase   Phase
	state   State
	streams []*stream
	trigno  *command.Trigno
	sensors []device.SensorReport

	participant atomic.Int64
	action      atomic.Int64

	watchers sync.WaitGroup
}

// New creates an idle controller.
func New(opts Options) *Controller {
	if opts.Config == nil {
		opts.Config = config.Empty()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	c := &Controller{opts: opts, logf: monitoring.Prefixed("session")}
	c.participant.Store(int64(opts.Config.GetParticipant()))
	return c
}

// stream is one running pipeline with its live views.
type stream struct {
	profile device.Profile
	pipe    *pipeline.Pipeline
	monitor *health.Monitor
	window  *preview.Window
	output  string
	mirror  *sink.TeeSink

	mu    sync.Mutex
	ended bool
	err   error
}

func (s *stream) finish(err error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return false
	}
	s.ended, s.err = true, err
	return true
}

func (s *stream) result() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended, s.err
}

// opened is a stream whose source is open but whose pipeline is not running
// yet.
type opened struct {
	profile device.Profile
	src     source.Source
}

// Start opens every enabled instrument and begins recording. The Trigno is
// told to start streaming only after every pipeline is running.
func (c *Controller) Start(ctx context.Context, participant int, test string) (State, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.RLock()
	phase := c.phase
	c.mu.RUnlock()
	if phase != Idle {
		return State{}, fmt.Errorf("start while %s: %w", phase, ErrInvalidTransition)
	}
	if participant <= 0 {
		participant = int(c.participant.Load())
	}
	test = security.SanitizeSegment(test, "test")

	st := State{
		ID:          uuid.NewString(),
		Participant: participant,
		Test:        test,
		ActionLabel: int(c.action.Load()),
		Active:      true,
		StartedAt:   c.opts.Clock.Now(),
	}

	sources, link, reports, err := c.openDevices(ctx)
	if err != nil {
		return State{}, err
	}
	closeAll := func(from int) {
		for _, o := range sources[from:] {
			o.src.Close()
		}
		if link != nil && link.Control != nil {
			link.Control.Close()
		}
	}

	streams := make([]*stream, 0, len(sources))
	stopStarted := func() {
		for _, s := range streams {
			s.pipe.Stop()
		}
	}
	for i, o := range sources {
		s, err := c.newStream(st, o)
		if err == nil {
			err = s.pipe.Start(context.Background())
		}
		if err != nil {
			stopStarted()
			closeAll(i)
			return State{}, fmt.Errorf("%s: %w", o.profile.Stream, err)
		}
		streams = append(streams, s)
	}

	if link != nil {
		if err := link.Control.Start(ctx); err != nil {
			stopStarted()
			link.Control.Close()
			return State{}, fmt.Errorf("trigno start: %w", err)
		}
	}

	if c.opts.Ledger != nil {
		if err := c.opts.Ledger.BeginSession(st.ID, st.Participant, st.Test, st.StartedAt); err != nil {
			c.logf("ledger: %v", err)
		}
	}

	c.participant.Store(int64(participant))
	c.mu.Lock()
	c.phase = Acquiring
	c.state = st
	c.streams = streams
	c.sensors = reports
	if link != nil {
		c.trigno = link.Control
	} else {
		c.trigno = nil
	}
	c.mu.Unlock()

	for _, s := range streams {
		c.watchers.Add(1)
		go c.watch(st.ID, s)
	}
	c.logf("started %s: participant %d, test %q, %d stream(s)", st.ID, st.Participant, st.Test, len(streams))
	return st, nil
}

// openDevices opens the source of every enabled stream, in the order FSR,
// EMG, AUX, glove. On error nothing is left open.
func (c *Controller) openDevices(ctx context.Context) ([]opened, *device.TrignoLink, []device.SensorReport, error) {
	cfg := c.opts.Config
	var out []opened
	fail := func(err error) ([]opened, *device.TrignoLink, []device.SensorReport, error) {
		for _, o := range out {
			o.src.Close()
		}
		return nil, nil, nil, err
	}

	if cfg.FSR.GetEnabled() {
		src, err := c.opts.Devices.OpenFSR(cfg.FSR)
		if err != nil {
			return fail(err)
		}
		out = append(out, opened{device.FSR(cfg.FSR.GetSilenceAfter()), src})
	}

	var (
		link    *device.TrignoLink
		reports []device.SensorReport
	)
	if tc := cfg.Trigno; tc.GetEnabled() {
		var err error
		link, err = c.opts.Devices.DialTrigno(ctx, tc)
		if err != nil {
			return fail(err)
		}
		setup := device.SetupFromConfig(tc)
		reports, err = device.Bringup(ctx, link.Control, setup)
		if err != nil {
			link.Close()
			return fail(fmt.Errorf("trigno bring-up: %w", err))
		}
		if link.EMG != nil {
			out = append(out, opened{device.EMG(setup.Sensors, tc.GetStaleAfter(), tc.GetEMGSilenceAfter()), link.EMG})
		}
		if link.Aux != nil {
			opts := device.AuxOptions{Acc: tc.GetReadAcc(), Gyro: tc.GetReadGyro(), Orientation: tc.GetReadOrientation()}
			out = append(out, opened{device.Aux(setup.Sensors, opts, tc.GetStaleAfter(), tc.GetAuxSilenceAfter()), link.Aux})
		}
	}

	if g := cfg.Glove; g.GetEnabled() {
		p, err := device.Glove(g.GetDOF(), g.GetInterval(), g.GetStaleAfter(), g.GetSilenceAfter())
		if err == nil {
			var src source.Source
			if src, err = c.opts.Devices.OpenGlove(g, p); err == nil {
				out = append(out, opened{p, src})
			}
		}
		if err != nil {
			if link != nil {
				link.Control.Close()
			}
			return fail(err)
		}
	}

	if len(out) == 0 {
		if link != nil {
			link.Close()
		}
		return nil, nil, nil, ErrNoDevices
	}
	return out, link, reports, nil
}

// previewRate is roughly how many samples per second a preview window keeps.
const previewRate = 100

func previewEvery(nominal time.Duration) int {
	if nominal <= 0 {
		return 1
	}
	return max(1, int(time.Second/previewRate/nominal))
}

func (c *Controller) newStream(st State, o opened) (*stream, error) {
	cfg := c.opts.Config
	p := o.profile
	path := sink.Path(cfg.GetInputDataPath(), st.Participant, st.Test, p.Stream)
	if err := security.WithinDirectory(path, cfg.GetInputDataPath()); err != nil {
		return nil, err
	}
	csv, err := sink.OpenCSV(sink.CSVConfig{Path: path, Header: p.Header, Format: p.Format})
	if err != nil {
		return nil, err
	}
	var (
		out    sink.Sink = csv
		mirror *sink.TeeSink
	)
	if cfg.GetSQLiteSamples() && c.opts.Ledger != nil {
		// The CSV file is authoritative; the SQLite copy is best effort.
		mirror = sink.Tee(csv, c.opts.Ledger.NewSampleSink(st.ID, p.Stream))
		out = mirror
	}

	s := &stream{
		profile: p,
		monitor: health.NewMonitor(p.HealthConfig(c.opts.Clock)),
		window: preview.NewWindow(preview.Config{
			Name:     p.Stream,
			Channels: p.WatchedChannels(),
			Every:    previewEvery(p.NominalInterval),
		}),
		output: path,
		mirror: mirror,
	}
	var labeler func() (int, bool)
	if p.Labelled {
		labeler = c.label
	}
	q := cfg.Queue
	s.pipe, err = pipeline.New(pipeline.Config{
		Name:          p.Stream,
		Layout:        p.Layout,
		Source:        o.src,
		Sink:          out,
		QueueCapacity: q.GetCapacity(),
		Policy:        q.GetPolicy(),
		BatchSize:     q.GetBatchSize(),
		FlushInterval: q.GetFlushInterval(),
		PollInterval:  q.GetPollInterval(),
		Health:        s.monitor,
		Tap:           s.window,
		Labeler:       labeler,
		Clock:         c.opts.Clock,
		Metrics:       c.opts.Metrics,
		QueueMetrics:  c.opts.QueueMetrics,
	})
	if err != nil {
		out.Close()
		return nil, err
	}
	return s, nil
}

func (c *Controller) label() (int, bool) {
	return int(c.action.Load()), true
}

// watch ends a stream whose pipeline exits while the session is still
// recording. The other streams keep running.
func (c *Controller) watch(id string, s *stream) {
	defer c.watchers.Done()
	<-s.pipe.Done()

	c.mu.RLock()
	phase := c.phase
	c.mu.RUnlock()
	if phase != Acquiring {
		return
	}
	err := s.pipe.Stop()
	if !s.finish(err) {
		return
	}
	c.logf("stream %s ended early: %v", s.profile.Stream, err)
	if c.opts.Ledger != nil {
		msg := "ended"
		if err != nil {
			msg = err.Error()
		}
		if lerr := c.opts.Ledger.RecordEvent(id, "stream_ended", s.profile.Stream+": "+msg, c.opts.Clock.Now()); lerr != nil {
			c.logf("ledger: %v", lerr)
		}
	}
}

// Stop ends the recording: the Trigno stops streaming, every pipeline is
// drained concurrently and the session is closed in the ledger.
func (c *Controller) Stop(ctx context.Context) (State, error) {
	c.ops.Lock()
	defer c.ops.Unlock()

	c.mu.Lock()
	if c.phase != Acquiring {
		phase := c.phase
		c.mu.Unlock()
		return State{}, fmt.Errorf("stop while %s: %w", phase, ErrInvalidTransition)
	}
	c.phase = Stopping
	streams := c.streams
	trigno := c.trigno
	c.mu.Unlock()

	var errs []error
	if trigno != nil {
		if err := trigno.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("trigno stop: %w", err))
		}
	}

	var g errgroup.Group
	for _, s := range streams {
		g.Go(func() error {
			err := s.pipe.Stop()
			s.finish(err)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		errs = append(errs, err)
	}
	c.watchers.Wait()

	if trigno != nil {
		if err := trigno.Close(); err != nil {
			c.logf("closing trigno command channel: %v", err)
		}
	}

	ended := c.opts.Clock.Now()
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()

	records := make([]db.StreamRecord, len(streams))
	var streamErrs []error
	for i, s := range streams {
		stats := s.pipe.Stats()
		_, err := s.result()
		records[i] = db.StreamRecord{
			Stream:     s.profile.Stream,
			OutputPath: s.output,
			Frames:     stats.Frames,
			Resyncs:    stats.Resyncs,
			Persisted:  stats.Persisted,
			Dropped:    stats.Queue.Dropped,
		}
		if err != nil {
			records[i].Error = err.Error()
			streamErrs = append(streamErrs, err)
		}
	}
	if c.opts.Ledger != nil {
		if err := c.opts.Ledger.EndSession(st.ID, ended, records, errors.Join(streamErrs...)); err != nil {
			c.logf("ledger: %v", err)
		}
	}

	c.mu.Lock()
	c.phase = Idle
	c.state.Active = false
	c.state.EndedAt = &ended
	c.trigno = nil
	st = c.state
	c.mu.Unlock()

	c.logf("stopped %s after %s", st.ID, ended.Sub(st.StartedAt).Round(time.Millisecond))
	return st, errors.Join(errs...)
}

// SetAction sets the action label attached to every new sample of labelled
// streams.
func (c *Controller) SetAction(label int) {
	c.action.Store(int64(label))
	c.mu.Lock()
	c.state.ActionLabel = label
	id, active := c.state.ID, c.phase == Acquiring
	c.mu.Unlock()
	if active && c.opts.Ledger != nil {
		if err := c.opts.Ledger.RecordEvent(id, "action", strconv.Itoa(label), c.opts.Clock.Now()); err != nil {
			c.logf("ledger: %v", err)
		}
	}
}

// SetParticipant sets the participant of the next session, and of the
// current one in the ledger. Output files of a running session keep their
// names.
func (c *Controller) SetParticipant(n int) error {
	if n <= 0 {
		return fmt.Errorf("participant must be positive, got %d", n)
	}
	c.participant.Store(int64(n))
	c.mu.Lock()
	id, active := c.state.ID, c.phase == Acquiring
	if active {
		c.state.Participant = n
	}
	c.mu.Unlock()
	if active && c.opts.Ledger != nil {
		if err := c.opts.Ledger.SetParticipant(id, n); err != nil {
			return err
		}
		return c.opts.Ledger.RecordEvent(id, "participant", strconv.Itoa(n), c.opts.Clock.Now())
	}
	return nil
}

// Phase returns the current phase.
func (c *Controller) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.phase
}

// StreamStatus is the live view of one stream.
type StreamStatus struct {
	Stream   string         `json:"stream"`
	Output   string         `json:"output"`
	Ended    bool           `json:"ended"`
	Error    string         `json:"error,omitempty"`
	Pipeline pipeline.Stats `json:"pipeline"`
	Health   health.Status  `json:"health"`
	// MirrorFailed counts rows the SQLite copy could not store.
	MirrorFailed uint64 `json:"mirror_failed,omitempty"`
}

// Status is a snapshot of the controller.
type Status struct {
	Phase       Phase                 `json:"phase"`
	Participant int                   `json:"participant"`
	ActionLabel int                   `json:"action_label"`
	Session     *State                `json:"session,omitempty"`
	Sensors     []device.SensorReport `json:"sensors,omitempty"`
	Streams     []StreamStatus        `json:"streams"`
}

// Status returns the phase, the current or last session and the state of
// each of its streams.
func (c *Controller) Status() Status {
	c.mu.RLock()
	st := Status{
		Phase:       c.phase,
		Participant: int(c.participant.Load()),
		ActionLabel: int(c.action.Load()),
		Sensors:     c.sensors,
		Streams:     make([]StreamStatus, 0, len(c.streams)),
	}
	if c.state.ID != "" {
		state := c.state
		st.Session = &state
	}
	streams := c.streams
	c.mu.RUnlock()

	for _, s := range streams {
		ended, err := s.result()
		ss := StreamStatus{
			Stream:   s.profile.Stream,
			Output:   s.output,
			Ended:    ended,
			Pipeline: s.pipe.Stats(),
			Health:   s.monitor.Snapshot(),
		}
		if err != nil {
			ss.Error = err.Error()
		}
		if s.mirror != nil {
			ss.MirrorFailed, _ = s.mirror.MirrorFailures()
		}
		st.Streams = append(st.Streams, ss)
	}
	return st
}

// Health returns the health flags of every stream of the current or last
// session.
func (c *Controller) Health() []health.Status {
	c.mu.RLock()
	streams := c.streams
	c.mu.RUnlock()
	out := make([]health.Status, len(streams))
	for i, s := range streams {
		out[i] = s.monitor.Snapshot()
	}
	return out
}

// Preview returns the recent-value window of a stream, or nil.
func (c *Controller) Preview(name string) *preview.Window {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.streams {
		if s.profile.Stream == name {
			return s.window
		}
	}
	return nil
}

// Streams returns the names of the streams of the current or last session.
func (c *Controller) Streams() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, len(c.streams))
	for i, s := range c.streams {
		out[i] = s.profile.Stream
	}
	return out
}
