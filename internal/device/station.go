package device

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/gesture.capture/internal/command"
	"github.com/banshee-data/gesture.capture/internal/framing"
	"github.com/banshee-data/gesture.capture/internal/monitoring"
	"github.com/banshee-data/gesture.capture/internal/source"
)

// StationGreeting is the banner sent on every new command connection.
const StationGreeting = "Delsys Trigno System Digital Protocol Version 3.6.0"

// StationConfig configures a simulated base station.
type StationConfig struct {
	// Addr is the listen host. Defaults to 127.0.0.1 with ephemeral ports.
	Addr string
	// Unpaired lists sensors that answer NO to PAIRED? until paired.
	Unpaired    []int
	EMGInterval time.Duration
	AuxInterval time.Duration
	// FramesPerTick frames are written each interval. Defaults to 1.
	FramesPerTick int
}

// Station imitates a Trigno Control Utility on three local TCP ports: the
// command protocol plus EMG and auxiliary data streams that run between
// START and QUIT. It backs development mode and tests.
type Station struct {
	cfg StationConfig
	cmd net.Listener
	emg net.Listener
	aux net.Listener

	mu        sync.Mutex
	paired    map[int]bool
	modes     map[int]string
	commands  []string
	streaming bool
	conns     map[net.Conn]struct{}
	closed    bool

	wg sync.WaitGroup
}

// StartStation listens on three ports and starts serving.
func StartStation(cfg StationConfig) (*Station, error) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1"
	}
	if cfg.EMGInterval <= 0 {
		cfg.EMGInterval = 5 * time.Millisecond
	}
	if cfg.AuxInterval <= 0 {
		cfg.AuxInterval = 20 * time.Millisecond
	}
	if cfg.FramesPerTick <= 0 {
		cfg.FramesPerTick = 1
	}
	s := &Station{
		cfg:    cfg,
		paired: make(map[int]bool),
		modes:  make(map[int]string),
		conns:  make(map[net.Conn]struct{}),
	}
	for id := 1; id <= TrignoSensors; id++ {
		s.paired[id] = true
	}
	for _, id := range cfg.Unpaired {
		s.paired[id] = false
	}

	var err error
	listen := func() net.Listener {
		if err != nil {
			return nil
		}
		var ln net.Listener
		ln, err = net.Listen("tcp", net.JoinHostPort(cfg.Addr, "0"))
		return ln
	}
	s.cmd, s.emg, s.aux = listen(), listen(), listen()
	if err != nil {
		for _, ln := range []net.Listener{s.cmd, s.emg, s.aux} {
			if ln != nil {
				ln.Close()
			}
		}
		return nil, fmt.Errorf("simulated station: %w", err)
	}

	s.wg.Add(3)
	go s.accept(s.cmd, s.serveCommands)
	go s.accept(s.emg, func(c net.Conn) { s.stream(c, EMGChannels, cfg.EMGInterval) })
	go s.accept(s.aux, func(c net.Conn) { s.stream(c, AuxChannels, cfg.AuxInterval) })
	monitoring.Logf("[station] simulated trigno on %s (cmd %d, emg %d, aux %d)",
		cfg.Addr, s.CommandPort(), s.EMGPort(), s.AuxPort())
	return s, nil
}

func port(ln net.Listener) int { return ln.Addr().(*net.TCPAddr).Port }

// Host returns the listen host.
func (s *Station) Host() string { return s.cfg.Addr }

// CommandPort returns the command listener's port.
func (s *Station) CommandPort() int { return port(s.cmd) }

// EMGPort returns the EMG data listener's port.
func (s *Station) EMGPort() int { return port(s.emg) }

// AuxPort returns the auxiliary data listener's port.
func (s *Station) AuxPort() int { return port(s.aux) }

// Commands returns every command received so far.
func (s *Station) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.commands...)
}

// Streaming reports whether START was received without a later QUIT.
func (s *Station) Streaming() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streaming
}

// Close stops the listeners and every open connection.
func (s *Station) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()

	err := errors.Join(s.cmd.Close(), s.emg.Close(), s.aux.Close())
	s.wg.Wait()
	return err
}

func (s *Station) track(c net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Station) untrack(c net.Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	c.Close()
}

func (s *Station) accept(ln net.Listener, serve func(net.Conn)) {
	defer s.wg.Done()
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		if !s.track(c) {
			c.Close()
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrack(c)
			serve(c)
		}()
	}
}

func (s *Station) serveCommands(c net.Conn) {
	term := command.DefaultTerminator
	if _, err := c.Write([]byte(StationGreeting + term)); err != nil {
		return
	}
	r := bufio.NewReader(c)
	var buf strings.Builder
	for {
		b, err := r.ReadByte()
		if err != nil {
			return
		}
		buf.WriteByte(b)
		if !strings.HasSuffix(buf.String(), term) {
			continue
		}
		cmd := strings.TrimSuffix(buf.String(), term)
		buf.Reset()
		if _, err := c.Write([]byte(s.reply(cmd) + term)); err != nil {
			return
		}
	}
}

func (s *Station) reply(cmd string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commands = append(s.commands, cmd)

	f := strings.Fields(strings.ToUpper(cmd))
	switch {
	case len(f) == 1 && f[0] == "START":
		s.streaming = true
		return "OK"
	case len(f) == 1 && f[0] == "QUIT":
		s.streaming = false
		return "BYE"
	case len(f) == 3 && f[0] == "BACKWARDS" && f[1] == "COMPATIBILITY",
		len(f) == 2 && f[0] == "UPSAMPLE":
		return "OK"
	case len(f) >= 3 && f[0] == "SENSOR":
		var id int
		if _, err := fmt.Sscanf(f[1], "%d", &id); err != nil || id < 1 || id > TrignoSensors {
			return "INVALID COMMAND"
		}
		switch f[2] {
		case "PAIR":
			s.paired[id] = true
			return "OK"
		case "PAIRED?":
			return yesNo(s.paired[id])
		case "ACTIVE?":
			return yesNo(s.paired[id])
		case "SETMODE":
			if len(f) != 4 {
				return "INVALID COMMAND"
			}
			s.modes[id] = f[3]
			return "OK"
		case "MODE?":
			if m, ok := s.modes[id]; ok {
				return m
			}
			return "40"
		case "STARTINDEX?":
			return fmt.Sprint(id)
		case "AUXCHANNELCOUNT?":
			return "9"
		case "SERIAL?":
			return fmt.Sprintf("SIM%05d", id)
		case "CHANNEL":
			return "1925.926"
		}
	}
	return "INVALID COMMAND"
}

func yesNo(b bool) string {
	if b {
		return "YES"
	}
	return "NO"
}

func (s *Station) stream(c net.Conn, channels int, interval time.Duration) {
	layout := framing.Layout{Channels: channels, Encoding: framing.Float32LE}
	gen := source.Sine(1, 0, 200)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for range ticker.C {
		if !s.Streaming() {
			if s.isClosed() {
				return
			}
			continue
		}
		var out []byte
		for i := 0; i < s.cfg.FramesPerTick; i++ {
			out = append(out, framing.Encode(layout, framing.Frame{Values: gen(seq, channels)})...)
			seq++
		}
		if err := c.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
			return
		}
		if _, err := c.Write(out); err != nil {
			return
		}
	}
}

func (s *Station) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
