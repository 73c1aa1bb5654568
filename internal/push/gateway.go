// Package push is the reference backend's websocket push gateway. It speaks
// the subset of the Pusher protocol the calling clients use and relays
// channel events from an upstream broker.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/transport"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultActivityTimeout = 120 * time.Second
	maxChannelName         = 200
	writeTimeout           = 5 * time.Second
)

var ErrBadChannel = errors.New("push: invalid channel name")

type Gateway struct {
	AppKey   string
	Upstream transport.Dialer
	Log      *slog.Logger
	Metrics  *metrics.Metrics

	// ActivityTimeout is announced to clients; a socket silent for twice this
	// long is closed.
	ActivityTimeout time.Duration

	Upgrader websocket.Upgrader
}

func NewGateway(appKey string, upstream transport.Dialer, m *metrics.Metrics, log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		AppKey:          appKey,
		Upstream:        upstream,
		Metrics:         m,
		Log:             log.With("component", "push"),
		ActivityTimeout: DefaultActivityTimeout,
		Upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// Browser and native clients connect from arbitrary origins.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Register mounts GET /app/:key.
func (g *Gateway) Register(r gin.IRouter) {
	r.GET("/app/:key", g.Handle)
}

func (g *Gateway) Handle(c *gin.Context) {
	if c.Param("key") != g.AppKey {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "unknown app key"})
		return
	}
	ws, err := g.Upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.Log.Warn("websocket upgrade failed", "err", err)
		return
	}
	g.serve(c.Request.Context(), ws)
}

type socket struct {
	id       string
	ws       *websocket.Conn
	upstream transport.Conn
	log      *slog.Logger

	writeMu sync.Mutex
}

func (s *socket) write(f transport.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteJSON(f)
}

func (s *socket) writeRaw(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.ws.WriteMessage(websocket.TextMessage, b)
}

func (g *Gateway) serve(parent context.Context, ws *websocket.Conn) {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	defer cancel()

	activity := g.ActivityTimeout
	if activity <= 0 {
		activity = DefaultActivityTimeout
	}
	id := uuid.NewString()
	log := g.Log.With("socket_id", id)

	upstream, err := g.Upstream.Dial(ctx)
	if err != nil {
		log.Error("upstream dial failed", "err", err)
		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "upstream unavailable"))
		_ = ws.Close()
		return
	}
	s := &socket{id: id, ws: ws, upstream: upstream, log: log}
	defer func() {
		_ = upstream.Close()
		_ = ws.Close()
	}()

	if g.Metrics != nil {
		g.Metrics.PushSockets.Inc()
		defer g.Metrics.PushSockets.Dec()
	}

	est, _ := json.Marshal(transport.ConnectionEstablished{SocketID: id, ActivityTimeout: int(activity / time.Second)})
	if err := s.write(transport.Frame{Event: transport.PusherConnectionEstablished, Data: quote(est)}); err != nil {
		log.Warn("handshake failed", "err", err)
		return
	}
	log.Info("socket connected")

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.relay(ctx)
		cancel()
		_ = ws.Close()
	}()

	s.readLoop(ctx, activity)
	cancel()
	_ = upstream.Close()
	<-done
	log.Info("socket closed")
}

// readLoop handles client frames until the socket fails or goes silent.
func (s *socket) readLoop(ctx context.Context, activity time.Duration) {
	for {
		_ = s.ws.SetReadDeadline(time.Now().Add(2 * activity))
		var f transport.Frame
		if err := s.ws.ReadJSON(&f); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				s.log.Warn("malformed frame skipped", "err", err)
				continue
			}
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && ctx.Err() == nil {
				s.log.Debug("read failed", "err", err)
			}
			return
		}

		switch f.Event {
		case transport.PusherPing:
			if err := s.write(transport.Frame{Event: transport.PusherPong, Data: json.RawMessage(`{}`)}); err != nil {
				return
			}
		case transport.PusherPong:
		case transport.PusherSubscribe:
			ch, err := channelOf(f.Data)
			if err != nil {
				s.sendError(err)
				continue
			}
			if err := s.upstream.Subscribe(ctx, ch); err != nil {
				s.log.Warn("upstream subscribe failed", "channel", ch, "err", err)
				s.sendError(err)
				continue
			}
			s.log.Debug("subscribed", "channel", ch)
			if err := s.write(transport.Frame{Event: transport.PusherSubscriptionSucceeded, Channel: ch, Data: quote([]byte(`{}`))}); err != nil {
				return
			}
		case transport.PusherUnsubscribe:
			ch, err := channelOf(f.Data)
			if err != nil {
				s.sendError(err)
				continue
			}
			if err := s.upstream.Unsubscribe(ctx, ch); err != nil {
				s.log.Warn("upstream unsubscribe failed", "channel", ch, "err", err)
			}
		default:
			// client events are not relayed
			s.log.Debug("client frame ignored", "event", f.Event)
		}
	}
}

// relay forwards upstream events to the socket.
func (s *socket) relay(ctx context.Context) {
	for {
		msg, err := s.upstream.Receive(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, transport.ErrClosed) {
				s.log.Warn("upstream receive failed", "err", err)
			}
			return
		}
		frame, err := transport.EncodeFrame(msg.Channel, msg.Event, msg.Data)
		if err != nil {
			s.log.Warn("encode failed", "event", msg.Event, "err", err)
			continue
		}
		if err := s.writeRaw(frame); err != nil {
			s.log.Debug("write failed", "err", err)
			return
		}
	}
}

func (s *socket) sendError(err error) {
	data, _ := json.Marshal(map[string]any{"message": err.Error(), "code": 4009})
	_ = s.write(transport.Frame{Event: transport.PusherError, Data: data})
}

func channelOf(data json.RawMessage) (string, error) {
	raw := []byte(data)
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		raw = []byte(s)
	}
	var body struct {
		Channel string `json:"channel"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", ErrBadChannel
	}
	ch := strings.TrimSpace(body.Channel)
	if ch == "" || len(ch) > maxChannelName {
		return "", ErrBadChannel
	}
	return ch, nil
}

// quote encodes data as a JSON string, the Pusher convention for event data.
func quote(data []byte) json.RawMessage {
	b, _ := json.Marshal(string(data))
	return b
}
