package crossdevice

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"idvsdk/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu     sync.Mutex
	events []string
	msgs   []Message
	ch     chan string
}

func newRecorder() *recorder { return &recorder{ch: make(chan string, 16)} }

func (r *recorder) Emit(event string, payload any) {
	r.mu.Lock()
	r.events = append(r.events, event)
	if m, ok := payload.(Message); ok {
		r.msgs = append(r.msgs, m)
	}
	r.mu.Unlock()
	r.ch <- event
}

func (r *recorder) wait(t *testing.T, event string) {
	t.Helper()
	select {
	case got := <-r.ch:
		require.Equal(t, event, got)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", event)
	}
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}

// syncServer accepts one connection and hands it to the test.
func syncServer(t *testing.T) (string, <-chan net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()
	return "http://" + ln.Addr().String(), accepted
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestDialJoinsAndDeliversFrames(t *testing.T) {
	url, accepted := syncServer(t)
	rec := newRecorder()

	conn, err := Dial(context.Background(), url, "room-1", rec, discard())
	require.NoError(t, err)
	peer := <-accepted
	defer peer.Close()

	line, err := bufio.NewReader(peer).ReadBytes('\n')
	require.NoError(t, err)
	var join Frame
	require.NoError(t, json.Unmarshal(line, &join))
	assert.Equal(t, Frame{Event: "join", RoomID: "room-1"}, join)

	_, err = peer.Write([]byte("{\"event\":\"mobile connected\",\"payload\":{\"ok\":true}}\nnot json\n"))
	require.NoError(t, err)
	rec.wait(t, events.CrossDeviceMessage)

	require.NoError(t, conn.Close())
	rec.wait(t, events.CrossDeviceDisconnected)

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Len(t, rec.msgs, 1)
	assert.Equal(t, "room-1", rec.msgs[0].RoomID)
	assert.Equal(t, "mobile connected", rec.msgs[0].Frame.Event)
	assert.JSONEq(t, `{"ok":true}`, string(rec.msgs[0].Frame.Payload))
}

func TestCloseIsIdempotent(t *testing.T) {
	url, accepted := syncServer(t)
	rec := newRecorder()

	conn, err := Dial(context.Background(), url, "room-2", rec, discard())
	require.NoError(t, err)
	peer := <-accepted
	defer peer.Close()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	<-conn.Done()
	assert.Equal(t, 1, rec.count(events.CrossDeviceDisconnected))
}

func TestPeerHangupEmitsDisconnectedOnce(t *testing.T) {
	url, accepted := syncServer(t)
	rec := newRecorder()

	conn, err := Dial(context.Background(), url, "room-3", rec, discard())
	require.NoError(t, err)
	peer := <-accepted
	require.NoError(t, peer.Close())

	rec.wait(t, events.CrossDeviceDisconnected)
	require.NoError(t, conn.Close())
	assert.Equal(t, 1, rec.count(events.CrossDeviceDisconnected))
}

func TestDialErrors(t *testing.T) {
	_, err := Dial(context.Background(), "::bad", "r", newRecorder(), nil)
	assert.Error(t, err)

	_, err = Dial(context.Background(), "https:///path", "r", newRecorder(), nil)
	assert.ErrorContains(t, err, "no host")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = Dial(ctx, "http://127.0.0.1:1", "r", newRecorder(), nil)
	assert.Error(t, err)
}

func TestDialAddrDefaultsPortByScheme(t *testing.T) {
	addr, err := dialAddr("https://sync.example.com")
	require.NoError(t, err)
	assert.Equal(t, "sync.example.com:443", addr)

	addr, err = dialAddr("ws://sync.example.com/socket")
	require.NoError(t, err)
	assert.Equal(t, "sync.example.com:80", addr)

	addr, err = dialAddr("tcp://10.0.0.1:7000")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1:7000", addr)
}
