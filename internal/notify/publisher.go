package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/transport"
	"marketplace-calls/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// DefaultOnceTTL is how long a terminal event stays claimed in Redis.
const DefaultOnceTTL = 10 * time.Minute

// Delivery is one call event addressed to one or more user channels.
type Delivery struct {
	Event    string
	Record   calls.Record
	Channels []string
	Data     []byte
}

type Publisher interface {
	Deliver(ctx context.Context, d Delivery) error
}

// ChannelPublisher sends a delivery channel by channel through any
// transport.Publisher (the in-memory hub, plain Redis PUBLISH).
type ChannelPublisher struct {
	Pub transport.Publisher
}

func (p *ChannelPublisher) Deliver(ctx context.Context, d Delivery) error {
	var errs []error
	for _, ch := range d.Channels {
		if err := p.Pub.Publish(ctx, ch, d.Event, d.Data); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ch, err))
		}
	}
	return errors.Join(errs...)
}

// RedisPublisher publishes terminal events at most once per
// (room, status, timeInitiated) across every backend replica. Other events go
// out with a plain PUBLISH.
type RedisPublisher struct {
	Client redis.UniversalClient
	TTL    time.Duration
}

func (p *RedisPublisher) Deliver(ctx context.Context, d Delivery) error {
	if !d.Record.Status.IsTerminal() {
		plain := &ChannelPublisher{Pub: &transport.RedisPublisher{Client: p.Client}}
		return plain.Deliver(ctx, d)
	}

	payload, err := transport.EncodeEnvelope(d.Event, d.Data)
	if err != nil {
		return err
	}
	pairs := make([]string, 0, 2*len(d.Channels))
	for _, ch := range d.Channels {
		pairs = append(pairs, ch, string(payload))
	}
	ttl := p.TTL
	if ttl <= 0 {
		ttl = DefaultOnceTTL
	}
	_, err = utils.PublishOnce(ctx, p.Client, OnceKey(d.Record), ttl, pairs...)
	return err
}

// OnceKey identifies one terminal outcome of one call.
func OnceKey(rec calls.Record) string {
	return fmt.Sprintf("calls:once:%s:%s:%d", rec.RoomName, rec.Status, rec.TimeInitiated)
}
