package transport

import (
	"context"
	"log/slog"
	"sync"
)

const hubInboxSize = 256

// Hub is an in-process broker. It serves as the Dialer for clients in the same
// process and as the Publisher for the reference backend's memory broker.
type Hub struct {
	log *slog.Logger

	mu      sync.Mutex
	conns   map[*hubConn]struct{}
	offline bool
}

func NewHub(log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{log: log.With("component", "hub"), conns: make(map[*hubConn]struct{})}
}

func (h *Hub) Dial(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.offline {
		return nil, ErrOffline
	}
	c := &hubConn{
		hub:      h,
		channels: make(map[string]struct{}),
		inbox:    make(chan Message, hubInboxSize),
		done:     make(chan struct{}),
	}
	h.conns[c] = struct{}{}
	return c, nil
}

// Publish delivers to every connection subscribed to channel. Connections
// with a full inbox miss the message.
func (h *Hub) Publish(ctx context.Context, channel, event string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := Message{Channel: channel, Event: event, Data: append([]byte(nil), data...)}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.mu.Lock()
		_, subscribed := c.channels[channel]
		c.mu.Unlock()
		if !subscribed {
			continue
		}
		select {
		case c.inbox <- msg:
		default:
			h.log.Warn("inbox full, message dropped", "channel", channel, "event", event)
		}
	}
	return nil
}

// Subscribers counts live connections subscribed to channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for c := range h.conns {
		c.mu.Lock()
		if _, ok := c.channels[channel]; ok {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

// Drop closes every live connection and returns how many were closed.
func (h *Hub) Drop() int {
	h.mu.Lock()
	conns := make([]*hubConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	return len(conns)
}

// SetOffline makes Dial fail with ErrOffline until cleared.
func (h *Hub) SetOffline(off bool) {
	h.mu.Lock()
	h.offline = off
	h.mu.Unlock()
}

func (h *Hub) remove(c *hubConn) {
	h.mu.Lock()
	delete(h.conns, c)
	h.mu.Unlock()
}

type hubConn struct {
	hub *Hub

	mu       sync.Mutex
	channels map[string]struct{}

	inbox chan Message
	done  chan struct{}
	once  sync.Once
}

func (c *hubConn) Subscribe(ctx context.Context, channel string) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	c.mu.Lock()
	c.channels[channel] = struct{}{}
	c.mu.Unlock()
	return nil
}

func (c *hubConn) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	delete(c.channels, channel)
	c.mu.Unlock()
	return nil
}

func (c *hubConn) Receive(ctx context.Context) (Message, error) {
	// Drain what was already queued before reporting a close.
	select {
	case m := <-c.inbox:
		return m, nil
	default:
	}
	select {
	case m := <-c.inbox:
		return m, nil
	case <-c.done:
		return Message{}, ErrClosed
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

func (c *hubConn) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.hub.remove(c)
	})
	return nil
}
