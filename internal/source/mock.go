package source

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"
)

type step struct {
	data []byte
	err  error
	gone bool
}

// TestableSource is a scripted Source for tests. Each queued step answers one
// Read: a chunk of bytes, a WouldBlock, or a disconnect. Once the script is
// exhausted Read keeps reporting WouldBlock, or Disconnected if
// DisconnectWhenDone is set.
type TestableSource struct {
	mu    sync.Mutex
	name  string
	steps []step

	// DisconnectWhenDone reports io.EOF once every step has been consumed.
	DisconnectWhenDone bool

	// ReadCalls records the number of Read calls.
	ReadCalls int

	// Closed indicates whether Close was called.
	Closed bool

	// CloseError is returned by Close if set.
	CloseError error

	// done is closed when the script has been fully consumed.
	done     chan struct{}
	doneOnce sync.Once
}

// NewTestableSource creates an empty scripted source.
func NewTestableSource(name string) *TestableSource {
	return &TestableSource{name: name, done: make(chan struct{})}
}

// AddChunk queues a GotBytes result delivering data. A chunk larger than the
// reader's buffer is split across reads.
func (t *TestableSource) AddChunk(data []byte) *TestableSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step{data: append([]byte(nil), data...)})
	return t
}

// AddChunks queues data split into chunks of at most size bytes.
func (t *TestableSource) AddChunks(data []byte, size int) *TestableSource {
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		t.AddChunk(data[:n])
		data = data[n:]
	}
	return t
}

// AddWouldBlock queues a WouldBlock result.
func (t *TestableSource) AddWouldBlock() *TestableSource {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step{})
	return t
}

// Disconnect queues a Disconnected result carrying err (io.EOF if nil).
func (t *TestableSource) Disconnect(err error) *TestableSource {
	if err == nil {
		err = io.EOF
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.steps = append(t.steps, step{err: err, gone: true})
	return t
}

// Drained is closed once every queued step has been consumed.
func (t *TestableSource) Drained() <-chan struct{} { return t.done }

func (t *TestableSource) Read(p []byte) ReadResult {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.ReadCalls++
	if t.Closed {
		return Gone(errors.New("source closed"))
	}
	if len(t.steps) == 0 {
		t.doneOnce.Do(func() { close(t.done) })
		if t.DisconnectWhenDone {
			return Gone(io.EOF)
		}
		return Blocked()
	}

	s := &t.steps[0]
	switch {
	case s.gone:
		t.steps = t.steps[1:]
		return Gone(s.err)
	case len(s.data) == 0:
		t.steps = t.steps[1:]
		return Blocked()
	}
	n := copy(p, s.data)
	s.data = s.data[n:]
	if len(s.data) == 0 {
		t.steps = t.steps[1:]
	}
	return Got(n)
}

func (t *TestableSource) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return t.CloseError
}

func (t *TestableSource) Name() string { return t.name }

// TestablePort is an in-memory SerialPorter. Reads return queued bytes or
// (0, nil) like a serial port whose read timeout expired.
type TestablePort struct {
	mu sync.Mutex

	// ReadBuffer holds data to be returned by Read calls.
	ReadBuffer *bytes.Buffer

	// WriteBuffer captures data written to the port.
	WriteBuffer *bytes.Buffer

	// ReadError is returned by the next Read call if set.
	ReadError error

	// WriteError is returned by the next Write call if set.
	WriteError error

	// OnWrite, if set, is called with every write while the lock is held. It
	// can append a reply to ReadBuffer.
	OnWrite func(p []byte, readBuf *bytes.Buffer)

	// Resets counts ResetInputBuffer calls.
	Resets int

	// ReadTimeout is the current read timeout.
	ReadTimeout time.Duration

	Closed bool
}

// NewTestablePort creates an empty TestablePort.
func NewTestablePort() *TestablePort {
	return &TestablePort{
		ReadBuffer:  bytes.NewBuffer(nil),
		WriteBuffer: bytes.NewBuffer(nil),
	}
}

// AddReadData queues bytes for subsequent reads.
func (t *TestablePort) AddReadData(p []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadBuffer.Write(p)
}

func (t *TestablePort) Read(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.ReadError != nil {
		err := t.ReadError
		t.ReadError = nil
		return 0, err
	}
	if t.ReadBuffer.Len() == 0 {
		return 0, nil
	}
	return t.ReadBuffer.Read(p)
}

func (t *TestablePort) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.Closed {
		return 0, errors.New("serial port closed")
	}
	if t.WriteError != nil {
		err := t.WriteError
		t.WriteError = nil
		return 0, err
	}
	t.WriteBuffer.Write(p)
	if t.OnWrite != nil {
		t.OnWrite(p, t.ReadBuffer)
	}
	return len(p), nil
}

// ResetInputBuffer discards unread data.
func (t *TestablePort) ResetInputBuffer() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Resets++
	t.ReadBuffer.Reset()
	return nil
}

// SetReadTimeout records the timeout.
func (t *TestablePort) SetReadTimeout(d time.Duration) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ReadTimeout = d
	return nil
}

func (t *TestablePort) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.Closed = true
	return nil
}

// Written returns a copy of everything written so far.
func (t *TestablePort) Written() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]byte(nil), t.WriteBuffer.Bytes()...)
}
