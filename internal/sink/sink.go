// Package sink persists batches of samples. The CSV sink appends one row per
// sample to a per-stream file and writes the header only when the file is new
// or empty.
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/sample"
)

// Sink is the persistence target of a pipeline. Only the persister goroutine
// calls it.
type Sink interface {
	WriteBatch(batch []sample.Sample) error
	Close() error
}

// RowFormatter renders one sample as CSV fields.
type RowFormatter func(s sample.Sample) []string

// FormatValue renders a reading. Readings are decoded from float32 or uint8,
// so the shortest float32 representation is exact.
func FormatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 32)
}

func appendValues(row []string, values []float64) []string {
	for _, v := range values {
		row = append(row, FormatValue(v))
	}
	return row
}

// ValuesThenTimes renders values, the device timestamp, then the host capture
// time. It is the FSR row shape.
func ValuesThenTimes(s sample.Sample) []string {
	row := make([]string, 0, len(s.Values)+2)
	row = appendValues(row, s.Values)
	row = append(row, strconv.FormatUint(s.DeviceTime, 10), s.Timestamp())
	return row
}

// TimeThenValues renders the host capture time followed by the values, and
// the action label when the sample carries one.
func TimeThenValues(s sample.Sample) []string {
	row := make([]string, 0, len(s.Values)+2)
	row = append(row, s.Timestamp())
	row = appendValues(row, s.Values)
	if s.HasActionLabel {
		row = append(row, strconv.Itoa(s.ActionLabel))
	}
	return row
}

// Path returns <root>/P<participant>/<test>/<stream>_data_P<participant>.csv.
func Path(root string, participant int, test, stream string) string {
	return filepath.Join(root,
		fmt.Sprintf("P%d", participant),
		test,
		fmt.Sprintf("%s_data_P%d.csv", stream, participant))
}

// CSVConfig configures a CSV sink.
type CSVConfig struct {
	Path   string
	Header []string
	Format RowFormatter
}

// CSV appends samples to a file.
type CSV struct {
	path   string
	format RowFormatter
	f      *os.File
	w      *csv.Writer
	rows   uint64
}

// OpenCSV opens cfg.Path for appending, creating parent directories. The
// header is written only if the file did not exist or was empty.
func OpenCSV(cfg CSVConfig) (*CSV, error) {
	if cfg.Format == nil {
		return nil, errors.New("csv sink requires a row formatter")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	f, err := os.OpenFile(cfg.Path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, err)
	}

	s := &CSV{path: cfg.Path, format: cfg.Format, f: f, w: csv.NewWriter(f)}
	if info.Size() == 0 && len(cfg.Header) > 0 {
		s.w.Write(cfg.Header)
		s.w.Flush()
		if err := s.w.Error(); err != nil {
			f.Close()
			return nil, fmt.Errorf("write header to %s: %w", cfg.Path, err)
		}
	}
	return s, nil
}

// WriteBatch appends one row per sample and flushes.
func (s *CSV) WriteBatch(batch []sample.Sample) error {
	for _, smp := range batch {
		if err := s.w.Write(s.format(smp)); err != nil {
			return fmt.Errorf("write row to %s: %w", s.path, err)
		}
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", s.path, err)
	}
	s.rows += uint64(len(batch))
	return nil
}

// Rows returns the number of rows written through this sink.
func (s *CSV) Rows() uint64 { return s.rows }

// Path returns the file the sink appends to.
func (s *CSV) Path() string { return s.path }

func (s *CSV) Close() error {
	s.w.Flush()
	werr := s.w.Error()
	cerr := s.f.Close()
	return errors.Join(werr, cerr)
}

// Tee writes every batch to primary and then to each mirror. Only the
// primary decides the outcome: a mirror failure is logged and counted, and
// the mirror keeps receiving later batches.
func Tee(primary Sink, mirrors ...Sink) *TeeSink {
	return &TeeSink{primary: primary, mirrors: mirrors, logf: monitoring.Prefixed("sink")}
}

// TeeSink is the Sink returned by Tee.
type TeeSink struct {
	primary Sink
	mirrors []Sink
	logf    func(string, ...interface{})

	mu           sync.Mutex
	mirrorFailed uint64
	mirrorErr    error
}

func (t *TeeSink) WriteBatch(batch []sample.Sample) error {
	if err := t.primary.WriteBatch(batch); err != nil {
		return err
	}
	for _, m := range t.mirrors {
		if err := m.WriteBatch(batch); err != nil {
			t.mirrorFailure(uint64(len(batch)), err)
		}
	}
	return nil
}

func (t *TeeSink) mirrorFailure(rows uint64, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mirrorErr == nil {
		t.logf("mirror write failed, primary output unaffected: %v", err)
	}
	t.mirrorFailed += rows
	t.mirrorErr = err
}

// MirrorFailures returns how many rows some mirror failed to store and the
// last mirror error.
func (t *TeeSink) MirrorFailures() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mirrorFailed, t.mirrorErr
}

// Close closes every sink. Only the primary's error is returned.
func (t *TeeSink) Close() error {
	for _, m := range t.mirrors {
		if err := m.Close(); err != nil {
			t.logf("closing mirror: %v", err)
		}
	}
	return t.primary.Close()
}

// Memory keeps every sample in memory. Used by tests and for dry runs.
type Memory struct {
	mu      sync.Mutex
	samples []sample.Sample
	batches int
	closed  bool

	// Err, if set, is returned by WriteBatch.
	Err error
}

func (m *Memory) WriteBatch(batch []sample.Sample) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return m.Err
	}
	if m.closed {
		return errors.New("memory sink closed")
	}
	m.samples = append(m.samples, batch...)
	m.batches++
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Samples returns a copy of everything written.
func (m *Memory) Samples() []sample.Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sample.Sample(nil), m.samples...)
}

// Batches returns how many WriteBatch calls succeeded.
func (m *Memory) Batches() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.batches
}

// Closed reports whether Close was called.
func (m *Memory) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}
