// Package pipeline runs the acquisition of one stream: a reader goroutine that
// turns raw bytes into samples, and a persister goroutine that writes them in
// batches. The bounded queue between them is their only shared state.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/gesture.capture/internal/framing"
	"github.com/banshee-data/gesture.capture/internal/health"
	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/queue"
	"github.com/banshee-data/gesture.capture/internal/sample"
	"github.com/banshee-data/gesture.capture/internal/sink"
	"github.com/banshee-data/gesture.capture/internal/source"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// Defaults used when the corresponding Config field is zero.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultPollInterval  = 5 * time.Millisecond
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("pipeline already started")

// errAborted ends the reader after the persister failed and recorded why.
var errAborted = errors.New("persister aborted")

// Tap receives every sample on the reader goroutine. Implementations must not
// block.
type Tap interface {
	Add(s sample.Sample)
}

// Config configures a Pipeline.
type Config struct {
	Name   string
	Layout framing.Layout
	Source source.Source
	Sink   sink.Sink

	QueueCapacity int
	Policy        queue.Policy

	// BatchSize rows are accumulated before the sink is written. A partial
	// batch is written after FlushInterval without new samples, and on stop.
	BatchSize     int
	FlushInterval time.Duration
	// PollInterval is slept after a read that returned no bytes.
	PollInterval   time.Duration
	ReadBufferSize int

	Health *health.Monitor
	Tap    Tap
	// Labeler returns the action label to attach to each new sample. Nil
	// leaves samples unlabelled.
	Labeler func() (int, bool)

	Clock        timeutil.Clock
	Metrics      *Metrics
	QueueMetrics *queue.Metrics
}

// Stats is a snapshot of the pipeline counters.
type Stats struct {
	Name      string      `json:"name"`
	Running   bool        `json:"running"`
	BytesIn   uint64      `json:"bytes_in"`
	Frames    uint64      `json:"frames"`
	Resyncs   uint64      `json:"resyncs"`
	Persisted uint64      `json:"persisted"`
	Batches   uint64      `json:"batches"`
	Discarded uint64      `json:"discarded"`
	Queue     queue.Stats `json:"queue"`
	Err       string      `json:"error,omitempty"`
}

// Pipeline is the acquisition of one stream.
type Pipeline struct {
	cfg  Config
	asm  *framing.Assembler
	q    *queue.Queue[sample.Sample]
	logf func(string, ...interface{})

	cancelRead context.CancelFunc
	abort      context.CancelFunc
	abortCtx   context.Context

	readerDone    chan struct{}
	persisterDone chan struct{}
	done          chan struct{}

	startMu  sync.Mutex
	started  atomic.Bool
	stopOnce sync.Once

	errMu      sync.Mutex
	readErr    error
	persistErr error

	bytesIn   atomic.Uint64
	frames    atomic.Uint64
	resyncs   atomic.Uint64
	persisted atomic.Uint64
	batches   atomic.Uint64
	discarded atomic.Uint64
	drops     atomic.Uint64
}

// New validates cfg and prepares a pipeline. Nothing runs until Start.
func New(cfg Config) (*Pipeline, error) {
	if cfg.Source == nil {
		return nil, errors.New("pipeline requires a source")
	}
	if cfg.Sink == nil {
		return nil, errors.New("pipeline requires a sink")
	}
	asm, err := framing.NewAssembler(cfg.Layout)
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", cfg.Name, err)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = max(4096, 8*cfg.Layout.Size())
	}
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}

	p := &Pipeline{
		cfg:           cfg,
		asm:           asm,
		logf:          monitoring.Prefixed("pipeline " + cfg.Name),
		readerDone:    make(chan struct{}),
		persisterDone: make(chan struct{}),
		done:          make(chan struct{}),
	}
	p.q = queue.New[sample.Sample](cfg.QueueCapacity,
		queue.WithPolicy[sample.Sample](cfg.Policy),
		queue.WithMetrics[sample.Sample](cfg.QueueMetrics, cfg.Name),
		queue.WithDropCallback(p.onDrop),
	)
	return p, nil
}

func (p *Pipeline) onDrop(_ sample.Sample, err error) {
	n := p.drops.Add(1)
	if p.cfg.Health != nil {
		p.cfg.Health.RaiseOverflow()
	}
	if n == 1 || n%1000 == 0 {
		p.logf("%v: %d samples dropped so far", err, n)
	}
}

// Name returns the stream name.
func (p *Pipeline) Name() string { return p.cfg.Name }

// Start launches the reader and persister goroutines. Cancelling ctx stops
// the reader exactly like Stop, and the persister then drains.
func (p *Pipeline) Start(ctx context.Context) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()
	if p.started.Load() {
		return ErrAlreadyStarted
	}
	readCtx, cancelRead := context.WithCancel(ctx)
	p.cancelRead = cancelRead
	// Enqueue is only abandoned when the persister can no longer make
	// progress, never because a stop was requested.
	p.abortCtx, p.abort = context.WithCancel(context.Background())
	p.started.Store(true)

	go func() {
		err := p.read(readCtx)
		p.setErr(&p.readErr, err)
		close(p.readerDone)
		// The producer has finished: let the persister drain and exit.
		p.q.Close()
	}()
	go func() {
		err := p.persist()
		p.setErr(&p.persistErr, err)
		close(p.persisterDone)
	}()
	go func() {
		<-p.readerDone
		<-p.persisterDone
		p.abort()
		cancelRead()
		close(p.done)
	}()
	p.logf("started (%d-byte frames, policy %s)", p.cfg.Layout.Size(), p.cfg.Policy)
	return nil
}

func (p *Pipeline) setErr(dst *error, err error) {
	if err == nil {
		return
	}
	p.errMu.Lock()
	*dst = err
	p.errMu.Unlock()
	p.cfg.Metrics.failed(p.cfg.Name)
}

// Stop performs the two-phase shutdown: the reader is cancelled and awaited,
// the queue is closed, then the persister drains every queued sample and
// closes the sink. It returns the first error of either goroutine. Stop is
// idempotent and safe to call after the pipeline ended on its own.
func (p *Pipeline) Stop() error {
	p.startMu.Lock()
	started := p.started.Load()
	p.startMu.Unlock()
	if !started {
		return nil
	}
	p.stopOnce.Do(func() {
		p.cancelRead()
		<-p.readerDone
		p.q.Close()
		<-p.persisterDone
		<-p.done
		s := p.Stats()
		p.logf("stopped: %d frames, %d persisted, %d resyncs, %d dropped", s.Frames, s.Persisted, s.Resyncs, s.Queue.Dropped)
	})
	return p.Err()
}

// Done is closed once both goroutines have exited.
func (p *Pipeline) Done() <-chan struct{} { return p.done }

// Err returns the reader's error if any, else the persister's.
func (p *Pipeline) Err() error {
	p.errMu.Lock()
	defer p.errMu.Unlock()
	if p.readErr != nil {
		return p.readErr
	}
	return p.persistErr
}

// Stats returns a snapshot of the counters. Safe from any goroutine.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		Name:      p.cfg.Name,
		BytesIn:   p.bytesIn.Load(),
		Frames:    p.frames.Load(),
		Resyncs:   p.resyncs.Load(),
		Persisted: p.persisted.Load(),
		Batches:   p.batches.Load(),
		Discarded: p.discarded.Load(),
		Queue:     p.q.Stats(),
	}
	if p.started.Load() {
		select {
		case <-p.done:
		default:
			s.Running = true
		}
	}
	if err := p.Err(); err != nil {
		s.Err = err.Error()
	}
	return s
}

// Queue exposes the acquisition queue for inspection.
func (p *Pipeline) Queue() *queue.Queue[sample.Sample] { return p.q }

func (p *Pipeline) read(ctx context.Context) error {
	defer func() {
		if err := p.cfg.Source.Close(); err != nil {
			p.logf("closing source: %v", err)
		}
	}()

	buf := make([]byte, p.cfg.ReadBufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		r := p.cfg.Source.Read(buf)
		switch r.Outcome {
		case source.GotBytes:
			if err := p.handle(buf[:r.N]); err != nil {
				if errors.Is(err, errAborted) {
					return nil
				}
				return err
			}
			// Bytes that never complete a frame are still silence.
			p.checkSilence()

		case source.WouldBlock:
			p.checkSilence()
			select {
			case <-ctx.Done():
				return nil
			case <-p.cfg.Clock.After(p.cfg.PollInterval):
			}

		case source.Disconnected:
			if err := p.asm.Close(); err != nil {
				p.logf("discarded partial frame: %v", err)
			}
			if p.cfg.Health != nil {
				p.cfg.Health.RaiseDisconnected(r.Err)
			}
			p.logf("source %s disconnected: %v", p.cfg.Source.Name(), r.Err)
			return fmt.Errorf("%s: %w: %w", p.cfg.Name, framing.ErrSourceDisconnected, r.Err)
		}
	}
}

func (p *Pipeline) checkSilence() {
	if p.cfg.Health != nil {
		p.cfg.Health.CheckSilence(p.cfg.Clock.Now())
	}
}

func (p *Pipeline) handle(chunk []byte) error {
	before := p.asm.Stats()
	frames := p.asm.Feed(chunk)
	after := p.asm.Stats()

	p.bytesIn.Store(after.BytesIn)
	p.frames.Store(after.Frames)
	p.resyncs.Store(after.Resyncs)
	p.cfg.Metrics.read(p.cfg.Name, len(chunk), len(frames), int(after.Resyncs-before.Resyncs))

	for _, f := range frames {
		s := sample.FromFrame(f, p.cfg.Clock.Now())
		if p.cfg.Labeler != nil {
			if label, ok := p.cfg.Labeler(); ok {
				s = s.WithAction(label)
			}
		}
		if p.cfg.Health != nil {
			p.cfg.Health.Observe(s)
		}
		if p.cfg.Tap != nil {
			p.cfg.Tap.Add(s)
		}
		if err := p.q.Enqueue(p.abortCtx, s); err != nil {
			if p.abortCtx.Err() != nil {
				return errAborted
			}
			return fmt.Errorf("%s: enqueue: %w", p.cfg.Name, err)
		}
	}
	return nil
}

func (p *Pipeline) persist() error {
	var pending []sample.Sample
	var failed error

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if failed != nil {
			p.discarded.Add(uint64(len(pending)))
			pending = nil
			return
		}
		if err := p.cfg.Sink.WriteBatch(pending); err != nil {
			failed = fmt.Errorf("%s: write batch: %w", p.cfg.Name, err)
			p.logf("%v; stopping acquisition", failed)
			p.discarded.Add(uint64(len(pending)))
			// Stop the reader; the queue is drained and discarded below.
			p.abort()
			p.cancelRead()
		} else {
			p.persisted.Add(uint64(len(pending)))
			p.batches.Add(1)
			p.cfg.Metrics.persisted(p.cfg.Name, len(pending))
		}
		pending = nil
	}

	for {
		batch, err := p.q.DequeueBatch(p.cfg.BatchSize-len(pending), p.cfg.FlushInterval)
		if errors.Is(err, queue.ErrClosed) {
			flush()
			if cerr := p.cfg.Sink.Close(); cerr != nil {
				return errors.Join(failed, fmt.Errorf("%s: close sink: %w", p.cfg.Name, cerr))
			}
			return failed
		}
		if len(batch) == 0 {
			flush()
			continue
		}
		pending = append(pending, batch...)
		if len(pending) >= p.cfg.BatchSize {
			flush()
		}
	}
}
