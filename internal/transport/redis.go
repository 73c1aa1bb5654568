package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// Envelope is the payload published on a Redis channel. Redis has no event
// names of its own, so the event travels next to its data.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func EncodeEnvelope(event string, data []byte) ([]byte, error) {
	if event == "" {
		return nil, errors.New("transport: event name required")
	}
	if !json.Valid(data) {
		quoted, err := json.Marshal(string(data))
		if err != nil {
			return nil, err
		}
		data = quoted
	}
	return json.Marshal(Envelope{Event: event, Data: data})
}

func DecodeEnvelope(channel string, payload []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("transport: decode envelope: %w", err)
	}
	if env.Event == "" {
		return Message{}, errors.New("transport: envelope without event")
	}
	return Message{Channel: channel, Event: env.Event, Data: unquoteData(env.Data)}, nil
}

// RedisDialer subscribes through Redis pub/sub.
type RedisDialer struct {
	Client *redis.Client
	Log    *slog.Logger
}

func (d *RedisDialer) Dial(ctx context.Context) (Conn, error) {
	if d.Client == nil {
		return nil, errors.New("transport: redis client is nil")
	}
	if err := d.Client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	log := d.Log
	if log == nil {
		log = slog.Default()
	}
	ps := d.Client.Subscribe(ctx)
	return &redisConn{ps: ps, log: log.With("component", "transport.redis")}, nil
}

type redisConn struct {
	ps  *redis.PubSub
	log *slog.Logger
}

func (c *redisConn) Subscribe(ctx context.Context, channel string) error {
	return c.ps.Subscribe(ctx, channel)
}

func (c *redisConn) Unsubscribe(ctx context.Context, channel string) error {
	return c.ps.Unsubscribe(ctx, channel)
}

func (c *redisConn) Receive(ctx context.Context) (Message, error) {
	for {
		// ReceiveMessage answers pings and skips subscription confirmations.
		m, err := c.ps.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, redis.ErrClosed) {
				return Message{}, ErrClosed
			}
			return Message{}, err
		}
		msg, err := DecodeEnvelope(m.Channel, []byte(m.Payload))
		if err != nil {
			c.log.Warn("dropping malformed message", "channel", m.Channel, "err", err)
			continue
		}
		return msg, nil
	}
}

func (c *redisConn) Close() error {
	return c.ps.Close()
}

// RedisPublisher publishes envelopes with a plain PUBLISH.
type RedisPublisher struct {
	Client redis.UniversalClient
}

func (p *RedisPublisher) Publish(ctx context.Context, channel, event string, data []byte) error {
	payload, err := EncodeEnvelope(event, data)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, channel, payload).Err()
}
