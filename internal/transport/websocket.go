package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Pusher protocol event names.
const (
	PusherConnectionEstablished = "pusher:connection_established"
	PusherSubscribe             = "pusher:subscribe"
	PusherUnsubscribe           = "pusher:unsubscribe"
	PusherSubscriptionSucceeded = "pusher_internal:subscription_succeeded"
	PusherPing                  = "pusher:ping"
	PusherPong                  = "pusher:pong"
	PusherError                 = "pusher:error"
)

const (
	handshakeTimeout       = 10 * time.Second
	defaultActivityTimeout = 120 * time.Second
	writeTimeout           = 5 * time.Second
)

// Frame is the JSON envelope used on the wire in both directions.
type Frame struct {
	Event   string          `json:"event"`
	Channel string          `json:"channel,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ConnectionEstablished is the data of pusher:connection_established.
type ConnectionEstablished struct {
	SocketID        string `json:"socket_id"`
	ActivityTimeout int    `json:"activity_timeout"`
}

// WebSocketDialer connects to a Pusher-compatible push service,
// e.g. wss://push.example.com/app/<key>?protocol=7.
type WebSocketDialer struct {
	URL    string
	Header http.Header
	Log    *slog.Logger

	// Dialer defaults to websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

func (d *WebSocketDialer) Dial(ctx context.Context) (Conn, error) {
	wd := d.Dialer
	if wd == nil {
		wd = websocket.DefaultDialer
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}

	ws, _, err := wd.DialContext(ctx, d.URL, d.Header)
	if err != nil {
		return nil, fmt.Errorf("websocket dial: %w", err)
	}

	_ = ws.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var f Frame
	if err := ws.ReadJSON(&f); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	if f.Event != PusherConnectionEstablished {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: unexpected event %q", f.Event)
	}
	var est ConnectionEstablished
	if err := json.Unmarshal(unquoteData(f.Data), &est); err != nil {
		_ = ws.Close()
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}

	activity := defaultActivityTimeout
	if est.ActivityTimeout > 0 {
		activity = time.Duration(est.ActivityTimeout) * time.Second
	}
	c := &wsConn{
		ws:       ws,
		socketID: est.SocketID,
		activity: activity,
		log:      log.With("component", "transport.ws", "socket_id", est.SocketID),
		done:     make(chan struct{}),
	}
	c.extendDeadline()
	go c.keepalive()
	return c, nil
}

type wsConn struct {
	ws       *websocket.Conn
	socketID string
	activity time.Duration
	log      *slog.Logger

	writeMu sync.Mutex
	done    chan struct{}
	once    sync.Once
}

func (c *wsConn) SocketID() string { return c.socketID }

func (c *wsConn) write(f Frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteJSON(f)
}

func (c *wsConn) Subscribe(ctx context.Context, channel string) error {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return c.write(Frame{Event: PusherSubscribe, Data: data})
}

func (c *wsConn) Unsubscribe(ctx context.Context, channel string) error {
	data, _ := json.Marshal(map[string]string{"channel": channel})
	return c.write(Frame{Event: PusherUnsubscribe, Data: data})
}

func (c *wsConn) Receive(ctx context.Context) (Message, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Message{}, err
		}
		var f Frame
		if err := c.ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.log.Warn("malformed frame skipped", "err", err)
				continue
			}
			select {
			case <-c.done:
				return Message{}, ErrClosed
			default:
			}
			return Message{}, err
		}
		c.extendDeadline()

		switch {
		case f.Event == PusherPing:
			if err := c.write(Frame{Event: PusherPong, Data: json.RawMessage(`{}`)}); err != nil {
				return Message{}, err
			}
			continue
		case f.Event == PusherError:
			c.log.Warn("push service error", "data", string(f.Data))
			continue
		case strings.HasPrefix(f.Event, "pusher:"), strings.HasPrefix(f.Event, "pusher_internal:"):
			continue
		case f.Channel == "":
			continue
		}
		return Message{Channel: f.Channel, Event: f.Event, Data: unquoteData(f.Data)}, nil
	}
}

// keepalive pings when the connection has been idle for the activity timeout.
func (c *wsConn) keepalive() {
	t := time.NewTicker(c.activity)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.write(Frame{Event: PusherPing, Data: json.RawMessage(`{}`)}); err != nil {
				c.log.Debug("keepalive ping failed", "err", err)
				return
			}
		}
	}
}

// extendDeadline allows one missed ping cycle before the read fails.
func (c *wsConn) extendDeadline() {
	_ = c.ws.SetReadDeadline(time.Now().Add(2 * c.activity))
}

func (c *wsConn) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		c.writeMu.Lock()
		_ = c.ws.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		err = c.ws.Close()
	})
	return err
}

// unquoteData returns the payload bytes whether the sender encoded data as a
// JSON string (the Pusher convention) or as a raw JSON value.
func unquoteData(raw json.RawMessage) []byte {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '"' {
		return trimmed
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err != nil {
		return trimmed
	}
	return []byte(s)
}

// EncodeFrame builds a user-event frame with data encoded as a JSON string.
func EncodeFrame(channel, event string, data []byte) ([]byte, error) {
	quoted, err := json.Marshal(string(data))
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Channel: channel, Data: quoted})
}
