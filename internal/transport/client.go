package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const DefaultReconnectDelay = 3 * time.Second

// Client keeps one connection alive and routes messages to channel bindings.
// Reconnects use a fixed delay and are not capped.
type Client struct {
	dialer Dialer
	delay  time.Duration
	log    *slog.Logger

	mu       sync.Mutex
	state    State
	changed  chan struct{}
	conn     Conn
	channels map[string]map[*Channel]struct{}
	watchers map[uint64]func(State)
	nextID   uint64

	reconnects int
}

// Channel is one feature's handle on a channel. Several handles may share a
// channel name; UnsubscribeAll on one leaves the others bound.
type Channel struct {
	client *Client
	name   string

	// guarded by client.mu
	binds  map[uint64]binding
	closed bool
}

type binding struct {
	event string
	fn    func(Message)
}

func NewClient(d Dialer, reconnectDelay time.Duration, log *slog.Logger) *Client {
	if reconnectDelay <= 0 {
		reconnectDelay = DefaultReconnectDelay
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		dialer:   d,
		delay:    reconnectDelay,
		log:      log.With("component", "transport"),
		state:    StateDisconnected,
		changed:  make(chan struct{}),
		channels: make(map[string]map[*Channel]struct{}),
		watchers: make(map[uint64]func(State)),
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Reconnects counts connection attempts made after a drop or failed dial.
func (c *Client) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// OnStateChange registers fn for every state transition. Callbacks run
// synchronously on the connection goroutine and must not block.
func (c *Client) OnStateChange(fn func(State)) (cancel func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.watchers[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.watchers, id)
		c.mu.Unlock()
	}
}

// WaitFor blocks until the client is in state st or ctx ends.
func (c *Client) WaitFor(ctx context.Context, st State) error {
	for {
		c.mu.Lock()
		cur, ch := c.state, c.changed
		c.mu.Unlock()
		if cur == st {
			return nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("transport: waiting for %s (now %s): %w", st, cur, ctx.Err())
		}
	}
}

func (c *Client) setState(st State) {
	c.mu.Lock()
	if c.state == st {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = st
	close(c.changed)
	c.changed = make(chan struct{})
	fns := make([]func(State), 0, len(c.watchers))
	for _, fn := range c.watchers {
		fns = append(fns, fn)
	}
	c.mu.Unlock()

	c.log.Debug("connection state", "from", prev, "to", st)
	for _, fn := range fns {
		c.safeCall(func() { fn(st) })
	}
}

// Run keeps the connection up until ctx ends. Messages received while
// disconnected are lost; dependents treat that as normal.
func (c *Client) Run(ctx context.Context) error {
	first := true
	for {
		if !first {
			c.mu.Lock()
			c.reconnects++
			c.mu.Unlock()
		}
		first = false

		c.setState(StateConnecting)
		conn, err := c.dialer.Dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			c.log.Warn("dial failed", "err", err, "retry_in", c.delay)
			c.setState(StateError)
			if !sleepCtx(ctx, c.delay) {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			continue
		}

		err = c.serve(ctx, conn)
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}
		c.log.Warn("connection lost", "err", err, "retry_in", c.delay)
		c.setState(StateDisconnected)
		if !sleepCtx(ctx, c.delay) {
			return ctx.Err()
		}
	}
}

func (c *Client) serve(ctx context.Context, conn Conn) error {
	c.mu.Lock()
	c.conn = conn
	names := make([]string, 0, len(c.channels))
	for name := range c.channels {
		names = append(names, name)
	}
	c.mu.Unlock()

	stop := make(chan struct{})
	defer func() {
		close(stop)
		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.mu.Unlock()
		_ = conn.Close()
	}()
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for _, name := range names {
		if err := conn.Subscribe(ctx, name); err != nil {
			return fmt.Errorf("resubscribe %s: %w", name, err)
		}
	}
	c.setState(StateConnected)

	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			return err
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg Message) {
	c.mu.Lock()
	var fns []func(Message)
	for h := range c.channels[msg.Channel] {
		for _, b := range h.binds {
			if b.event == msg.Event {
				fns = append(fns, b.fn)
			}
		}
	}
	c.mu.Unlock()

	if len(fns) == 0 {
		c.log.Debug("no binding for event", "channel", msg.Channel, "event", msg.Event)
		return
	}
	for _, fn := range fns {
		c.safeCall(func() { fn(msg) })
	}
}

// safeCall keeps a panicking handler from stopping event delivery.
func (c *Client) safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("event handler panicked", "panic", r)
		}
	}()
	fn()
}

// Subscribe returns a new handle on channel name, subscribing the connection
// when this is the first handle for the name.
func (c *Client) Subscribe(name string) *Channel {
	h := &Channel{client: c, name: name, binds: make(map[uint64]binding)}

	c.mu.Lock()
	set, ok := c.channels[name]
	if !ok {
		set = make(map[*Channel]struct{})
		c.channels[name] = set
	}
	set[h] = struct{}{}
	conn := c.conn
	c.mu.Unlock()

	if !ok && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Subscribe(ctx, name); err != nil {
			// The next reconnect resubscribes every known channel.
			c.log.Warn("subscribe failed", "channel", name, "err", err)
		}
	}
	return h
}

// UnsubscribeAll removes every binding made through h and releases h. The
// connection leaves the channel only when no other handle remains.
func (c *Client) UnsubscribeAll(h *Channel) {
	if h == nil || h.client != c {
		return
	}
	c.mu.Lock()
	if h.closed {
		c.mu.Unlock()
		return
	}
	h.closed = true
	h.binds = map[uint64]binding{}
	last := false
	if set, ok := c.channels[h.name]; ok {
		delete(set, h)
		if len(set) == 0 {
			delete(c.channels, h.name)
			last = true
		}
	}
	conn := c.conn
	c.mu.Unlock()

	if last && conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := conn.Unsubscribe(ctx, h.name); err != nil {
			c.log.Warn("unsubscribe failed", "channel", h.name, "err", err)
		}
	}
}

// Name returns the channel name.
func (h *Channel) Name() string { return h.name }

// Bind calls fn for every event named event on this channel. The returned
// func removes only this binding.
func (h *Channel) Bind(event string, fn func(Message)) (unbind func()) {
	c := h.client
	c.mu.Lock()
	if h.closed {
		c.mu.Unlock()
		return func() {}
	}
	c.nextID++
	id := c.nextID
	h.binds[id] = binding{event: event, fn: fn}
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(h.binds, id)
		c.mu.Unlock()
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
