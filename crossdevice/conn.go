// Package crossdevice maintains the socket that hands a verification flow
// off to a second device.
package crossdevice

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync"

	"idvsdk/events"
)

// Emitter receives incoming frames. *events.Bus satisfies it.
type Emitter interface {
	Emit(event string, payload any)
}

// Frame is one JSON line on the sync socket.
type Frame struct {
	Event   string          `json:"event"`
	RoomID  string          `json:"roomId,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Message is the payload of a crossdevice.message event.
type Message struct {
	RoomID string
	Frame  Frame
}

// Conn is a joined sync room. Close releases it exactly once.
type Conn struct {
	roomID string
	conn   net.Conn
	bus    Emitter
	logger *slog.Logger

	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
	discOnce  sync.Once
}

// Dial connects to the host of syncURL, joins roomID and starts delivering
// incoming frames to bus.
func Dial(ctx context.Context, syncURL, roomID string, bus Emitter, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	addr, err := dialAddr(syncURL)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial sync %s: %w", addr, err)
	}

	c := &Conn{
		roomID: roomID,
		conn:   nc,
		bus:    bus,
		logger: logger.With("room", roomID),
		done:   make(chan struct{}),
	}
	if err := c.Send(Frame{Event: "join", RoomID: roomID}); err != nil {
		_ = nc.Close()
		return nil, fmt.Errorf("join room: %w", err)
	}
	go c.readLoop()
	c.logger.Info("cross-device socket connected", "addr", addr)
	return c, nil
}

func dialAddr(syncURL string) (string, error) {
	u, err := url.Parse(syncURL)
	if err != nil {
		return "", fmt.Errorf("parse sync url: %w", err)
	}
	host := u.Hostname()
	if host == "" {
		return "", fmt.Errorf("sync url %q has no host", syncURL)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "http", "ws":
			port = "80"
		default:
			port = "443"
		}
	}
	return net.JoinHostPort(host, port), nil
}

func (c *Conn) RoomID() string { return c.roomID }

// Send writes one frame. Frames are newline-delimited JSON.
func (c *Conn) Send(f Frame) error {
	if f.RoomID == "" {
		f.RoomID = c.roomID
	}
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(b)
	return err
}

func (c *Conn) readLoop() {
	defer close(c.done)
	defer c.disconnected()

	sc := bufio.NewScanner(c.conn)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var f Frame
		if err := json.Unmarshal(line, &f); err != nil {
			c.logger.Warn("dropping malformed sync frame", "error", err)
			continue
		}
		c.bus.Emit(events.CrossDeviceMessage, Message{RoomID: c.roomID, Frame: f})
	}
	if err := sc.Err(); err != nil && !errors.Is(err, net.ErrClosed) {
		c.logger.Warn("sync socket read failed", "error", err)
	}
}

func (c *Conn) disconnected() {
	c.discOnce.Do(func() {
		c.logger.Info("cross-device socket disconnected")
		c.bus.Emit(events.CrossDeviceDisconnected, c.roomID)
	})
}

// Done is closed once the reader has stopped.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close shuts the socket and waits for the reader. Later calls return the
// first call's result. Bus listeners must not call Close synchronously.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		err := c.conn.Close()
		if err != nil && !errors.Is(err, net.ErrClosed) {
			c.closeErr = err
		}
		<-c.done
	})
	return c.closeErr
}
