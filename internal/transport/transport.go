// Package transport is the push-messaging client shared by every feature of a
// user session. One connection carries any number of channels; features bind
// named events on channel handles and never see each other's bindings.
package transport

import (
	"context"
	"errors"
)

// State is the connection state as observed by dependents.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateError        State = "error"
)

var (
	ErrClosed  = errors.New("transport: connection closed")
	ErrOffline = errors.New("transport: broker unreachable")
)

// Message is one event delivered on a channel. Data is the raw event payload.
type Message struct {
	Channel string
	Event   string
	Data    []byte
}

// Conn is one live connection to a push service.
// Receive blocks until a message arrives, the connection drops (error) or ctx ends.
type Conn interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
	Receive(ctx context.Context) (Message, error)
	Close() error
}

// Dialer opens connections. Client redials through it after every drop.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Publisher sends an event to every subscriber of channel.
type Publisher interface {
	Publish(ctx context.Context, channel, event string, data []byte) error
}
