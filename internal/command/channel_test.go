package command

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/gesture.capture/internal/monitoring"
)

func init() {
	monitoring.SetLogger(nil)
}

// fakeTCU answers terminated commands on conn using replies. Unknown commands
// get no reply at all. Every received command is recorded.
type fakeTCU struct {
	mu       sync.Mutex
	conn     net.Conn
	replies  map[string]string
	received []string
}

func newFakeTCU(conn net.Conn, replies map[string]string) *fakeTCU {
	f := &fakeTCU{conn: conn, replies: replies}
	go f.serve()
	return f
}

func (f *fakeTCU) serve() {
	var pending []byte
	buf := make([]byte, 256)
	term := []byte(DefaultTerminator)
	for {
		n, err := f.conn.Read(buf)
		if err != nil {
			return
		}
		pending = append(pending, buf[:n]...)
		for {
			i := bytes.Index(pending, term)
			if i < 0 {
				break
			}
			cmd := string(pending[:i])
			pending = pending[i+len(term):]

			f.mu.Lock()
			f.received = append(f.received, cmd)
			reply, ok := f.replies[cmd]
			f.mu.Unlock()
			if ok {
				if _, err := f.conn.Write([]byte(reply + DefaultTerminator)); err != nil {
					return
				}
			}
		}
	}
}

func (f *fakeTCU) commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.received...)
}

func pipeChannel(t *testing.T, replies map[string]string, opts Options) (*Channel, *fakeTCU, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return New(client, opts), newFakeTCU(server, replies), server
}

func TestSend_StripsTerminator(t *testing.T) {
	ch, tcu, _ := pipeChannel(t, map[string]string{"SENSOR 1 PAIRED?": "YES"}, Options{})

	reply, err := ch.Send(context.Background(), "SENSOR 1 PAIRED?")
	require.NoError(t, err)
	assert.Equal(t, "YES", reply)
	assert.Equal(t, []string{"SENSOR 1 PAIRED?"}, tcu.commands())
}

func TestSend_ReplyWithoutTerminator(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	ch := New(client, Options{Timeout: 100 * time.Millisecond})

	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
		server.Write([]byte("OK"))
	}()

	reply, err := ch.Send(context.Background(), "START")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestSend_Timeout(t *testing.T) {
	ch, _, _ := pipeChannel(t, nil, Options{Timeout: 50 * time.Millisecond})

	_, err := ch.Send(context.Background(), "SENSOR 1 MODE?")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)

	var chErr *ChannelError
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, "read", chErr.Op)
	assert.Equal(t, "SENSOR 1 MODE?", chErr.Command)
}

func TestSend_LateReplyIsNotTakenForTheNextCommand(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()
	ch := New(client, Options{Timeout: 200 * time.Millisecond})

	got := make(chan string, 2)
	go func() {
		buf := make([]byte, 64)
		n, err := server.Read(buf)
		if err != nil {
			return
		}
		got <- string(buf[:n])
		time.Sleep(300 * time.Millisecond)
		if _, err := server.Write([]byte("NO" + DefaultTerminator)); err != nil {
			return
		}
		n, err = server.Read(buf)
		if err != nil {
			return
		}
		got <- string(buf[:n])
		server.Write([]byte("OK" + DefaultTerminator))
	}()

	_, err := ch.Send(context.Background(), "SENSOR 1 PAIRED?")
	require.ErrorIs(t, err, ErrTimeout)

	reply, err := ch.Send(context.Background(), "SENSOR 1 SETMODE 40")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.Equal(t, "SENSOR 1 PAIRED?"+DefaultTerminator, <-got)
	assert.Equal(t, "SENSOR 1 SETMODE 40"+DefaultTerminator, <-got)
}

func TestSend_RecoversWhenAbandonedReplyNeverArrives(t *testing.T) {
	ch, tcu, _ := pipeChannel(t, map[string]string{"START": "OK"}, Options{Timeout: 50 * time.Millisecond})

	_, err := ch.Send(context.Background(), "SENSOR 1 MODE?")
	require.ErrorIs(t, err, ErrTimeout)

	reply, err := ch.Send(context.Background(), "START")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
	assert.Equal(t, []string{"SENSOR 1 MODE?", "START"}, tcu.commands())
}

func TestSend_PeerClosed(t *testing.T) {
	client, server := net.Pipe()
	defer client.Close()
	ch := New(client, Options{Timeout: time.Second})

	go func() {
		buf := make([]byte, 64)
		server.Read(buf)
		server.Close()
	}()

	_, err := ch.Send(context.Background(), "START")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestSend_ContextCancelled(t *testing.T) {
	ch, _, _ := pipeChannel(t, nil, Options{Timeout: 5 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := ch.Send(ctx, "SENSOR 1 MODE?")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSend_AfterClose(t *testing.T) {
	ch, _, _ := pipeChannel(t, nil, Options{})
	require.NoError(t, ch.Close())
	require.NoError(t, ch.Close())

	_, err := ch.Send(context.Background(), "START")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestDial_ConsumesGreeting(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		conn.Write([]byte("Delsys Trigno System Digital Protocol Version 3.6.0 " + DefaultTerminator))
		newFakeTCU(conn, map[string]string{"START": "OK"})
	}()

	ch, greeting, err := Dial(context.Background(), ln.Addr().String(), Options{Timeout: time.Second})
	require.NoError(t, err)
	defer ch.Close()
	assert.Equal(t, "Delsys Trigno System Digital Protocol Version 3.6.0", greeting)

	reply, err := ch.Send(context.Background(), "START")
	require.NoError(t, err)
	assert.Equal(t, "OK", reply)
}

func TestDial_Refused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	ln.Close()

	_, _, err = Dial(context.Background(), addr, Options{Timeout: 200 * time.Millisecond})
	var chErr *ChannelError
	require.True(t, errors.As(err, &chErr))
	assert.Equal(t, "dial", chErr.Op)
}
