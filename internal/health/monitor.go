// Package health watches a sample stream for stuck channels and silence.
//
// A Monitor is driven by the reader goroutine of one stream: Observe for every
// sample and CheckSilence whenever a read produced nothing. The resulting
// fault flags are atomics that any goroutine may read.
package health

import (
	"sync/atomic"
	"time"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/sample"
	"github.com/banshee-data/gesture.capture/internal/timeutil"
)

// Config configures a Monitor.
type Config struct {
	Name     string
	Channels []sample.Channel

	// NominalInterval is the time one sample represents. Each unchanged
	// reading adds it to the channel's unchanged duration.
	NominalInterval time.Duration
	// StaleAfter raises a channel fault once a reading has been unchanged
	// this long. Zero disables staleness tracking.
	StaleAfter time.Duration
	// SilenceAfter raises the stream fault when no sample arrived for this
	// long. Zero disables silence detection.
	SilenceAfter time.Duration

	Clock timeutil.Clock
}

// ChannelState is the staleness bookkeeping of one channel. It is owned by
// the reader goroutine.
type ChannelState struct {
	LastValue float64
	Unchanged time.Duration
	LastSeen  time.Time
	Fault     bool
	seen      bool
}

// Monitor tracks the health of one stream.
type Monitor struct {
	cfg    Config
	states []ChannelState
	logf   func(string, ...interface{})

	faults       []atomic.Bool
	silent       atomic.Bool
	disconnected atomic.Bool
	overflowed   atomic.Bool

	lastSample  atomic.Int64 // unix nanoseconds, zero before the first sample
	started     time.Time
	staleEvents atomic.Uint64
	overflows   atomic.Uint64
}

// NewMonitor creates a monitor with one fixed slot per configured channel.
func NewMonitor(cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = timeutil.RealClock{}
	}
	return &Monitor{
		cfg:     cfg,
		states:  make([]ChannelState, len(cfg.Channels)),
		faults:  make([]atomic.Bool, len(cfg.Channels)),
		logf:    monitoring.Prefixed("health " + cfg.Name),
		started: cfg.Clock.Now(),
	}
}

// Observe updates per-channel staleness from s and clears the silence fault.
// Each configured channel reads the value at its Index; values no channel
// refers to are ignored.
func (m *Monitor) Observe(s sample.Sample) {
	at := s.CaptureTime
	if at.IsZero() {
		at = m.cfg.Clock.Now()
	}
	m.lastSample.Store(at.UnixNano())
	if m.silent.Swap(false) {
		m.logf("data resumed")
	}

	for i, ch := range m.cfg.Channels {
		if ch.Index < 0 || ch.Index >= len(s.Values) {
			continue
		}
		m.observeChannel(i, s.Values[ch.Index], at)
	}
}

func (m *Monitor) observeChannel(i int, v float64, at time.Time) {
	st := &m.states[i]
	st.LastSeen = at
	if !st.seen {
		st.seen = true
		st.LastValue = v
		return
	}

	if v != st.LastValue {
		st.LastValue = v
		st.Unchanged = 0
		if st.Fault {
			st.Fault = false
			m.faults[i].Store(false)
			m.logf("channel %s recovered", m.cfg.Channels[i].Label)
		}
		return
	}

	if m.cfg.StaleAfter <= 0 {
		return
	}
	st.Unchanged += m.cfg.NominalInterval
	if st.Unchanged >= m.cfg.StaleAfter {
		// The accumulator restarts but the fault holds until the value changes.
		st.Unchanged = 0
		if !st.Fault {
			st.Fault = true
			m.faults[i].Store(true)
			m.staleEvents.Add(1)
			m.logf("channel %s unchanged at %v for %v", m.cfg.Channels[i].Label, v, m.cfg.StaleAfter)
		}
	}
}

// CheckSilence raises the stream fault when nothing was observed for longer
// than SilenceAfter before now. Before the first sample the reference is the
// monitor's creation time. It reports whether the stream is silent.
func (m *Monitor) CheckSilence(now time.Time) bool {
	if m.cfg.SilenceAfter <= 0 {
		return false
	}
	ref := m.started
	if ns := m.lastSample.Load(); ns != 0 {
		ref = time.Unix(0, ns)
	}
	if now.Sub(ref) > m.cfg.SilenceAfter {
		if !m.silent.Swap(true) {
			m.logf("no data received for %v", m.cfg.SilenceAfter)
		}
		return true
	}
	return m.silent.Load()
}

// RaiseOverflow records that samples were dropped by the acquisition queue.
func (m *Monitor) RaiseOverflow() {
	m.overflows.Add(1)
	if !m.overflowed.Swap(true) {
		m.logf("acquisition queue overflowed; samples are being dropped")
	}
}

// RaiseDisconnected records that the stream's source went away.
func (m *Monitor) RaiseDisconnected(err error) {
	if !m.disconnected.Swap(true) {
		m.logf("source disconnected: %v", err)
	}
}

// ChannelFault reports the fault flag of channel i.
func (m *Monitor) ChannelFault(i int) bool {
	if i < 0 || i >= len(m.faults) {
		return false
	}
	return m.faults[i].Load()
}

// StreamSilent reports whether the silence fault is raised.
func (m *Monitor) StreamSilent() bool { return m.silent.Load() }

// Disconnected reports whether the source went away.
func (m *Monitor) Disconnected() bool { return m.disconnected.Load() }

// Overflowed reports whether any sample was dropped.
func (m *Monitor) Overflowed() bool { return m.overflowed.Load() }

// Faulted reports whether any flag, stream or channel, is raised.
func (m *Monitor) Faulted() bool {
	if m.silent.Load() || m.disconnected.Load() || m.overflowed.Load() {
		return true
	}
	for i := range m.faults {
		if m.faults[i].Load() {
			return true
		}
	}
	return false
}

// StaleEvents returns how many times a channel went from healthy to faulted.
func (m *Monitor) StaleEvents() uint64 { return m.staleEvents.Load() }

// ChannelStatus is the published state of one channel.
type ChannelStatus struct {
	Index int    `json:"index"`
	Label string `json:"label"`
	Fault bool   `json:"fault"`
}

// Status is a point-in-time copy of every published flag.
type Status struct {
	Stream        string          `json:"stream"`
	Faulted       bool            `json:"faulted"`
	Silent        bool            `json:"silent"`
	Disconnected  bool            `json:"disconnected"`
	Overflowed    bool            `json:"overflowed"`
	Overflows     uint64          `json:"overflows"`
	StaleEvents   uint64          `json:"stale_events"`
	StaleChannels []string        `json:"stale_channels"`
	LastSample    *time.Time      `json:"last_sample,omitempty"`
	Channels      []ChannelStatus `json:"channels"`
}

// Snapshot returns the current flags. Safe from any goroutine.
func (m *Monitor) Snapshot() Status {
	st := Status{
		Stream:        m.cfg.Name,
		Silent:        m.silent.Load(),
		Disconnected:  m.disconnected.Load(),
		Overflowed:    m.overflowed.Load(),
		Overflows:     m.overflows.Load(),
		StaleEvents:   m.staleEvents.Load(),
		StaleChannels: []string{},
		Channels:      make([]ChannelStatus, len(m.faults)),
	}
	if ns := m.lastSample.Load(); ns != 0 {
		t := time.Unix(0, ns)
		st.LastSample = &t
	}
	for i := range m.faults {
		ch := m.cfg.Channels[i]
		fault := m.faults[i].Load()
		st.Channels[i] = ChannelStatus{Index: ch.Index, Label: ch.Label, Fault: fault}
		if fault {
			st.StaleChannels = append(st.StaleChannels, ch.Label)
		}
	}
	st.Faulted = st.Silent || st.Disconnected || st.Overflowed || len(st.StaleChannels) > 0
	return st
}
