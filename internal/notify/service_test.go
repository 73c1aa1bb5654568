package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/events"
	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/records"
	"marketplace-calls/internal/transport"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type recordingPublisher struct {
	mu  sync.Mutex
	got []Delivery
	err error
}

func (p *recordingPublisher) Deliver(ctx context.Context, d Delivery) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.got = append(p.got, d)
	return p.err
}

func offer() calls.Record {
	return calls.Record{
		CallerEmail:   "a@x.com",
		CalleeEmail:   "b@x.com",
		TimeInitiated: 1700000000000,
		RoomName:      "call-1700000000000-abcdefghi",
		Type:          calls.TypeVoice,
	}
}

func TestNotify_FanOut(t *testing.T) {
	pub := &recordingPublisher{}
	m := metrics.New(false)
	svc := NewService(records.NewMemoryRepo(), pub, m, quiet)
	ctx := context.Background()

	steps := []struct {
		st       calls.Status
		event    string
		channels []string
	}{
		{calls.StatusInitiated, events.NameIncomingCall, []string{"user-b@x.com"}},
		{calls.StatusAccepted, events.NameCallAccepted, []string{"user-a@x.com"}},
		{calls.StatusEnded, events.NameCallEnded, []string{"user-a@x.com", "user-b@x.com"}},
	}
	for _, step := range steps {
		rec := offer()
		if step.st == calls.StatusEnded {
			rec.Duration = 30
		}
		got, err := svc.Notify(ctx, step.st, rec)
		if err != nil {
			t.Fatalf("%s: %v", step.st, err)
		}
		if got.Status != step.st {
			t.Fatalf("expected stored status %s, got %s", step.st, got.Status)
		}
	}

	if len(pub.got) != len(steps) {
		t.Fatalf("expected %d deliveries, got %d", len(steps), len(pub.got))
	}
	for i, step := range steps {
		d := pub.got[i]
		if d.Event != step.event {
			t.Fatalf("delivery %d: expected %s, got %s", i, step.event, d.Event)
		}
		if len(d.Channels) != len(step.channels) {
			t.Fatalf("delivery %d: expected channels %v, got %v", i, step.channels, d.Channels)
		}
		for j := range step.channels {
			if d.Channels[j] != step.channels[j] {
				t.Fatalf("delivery %d: expected channels %v, got %v", i, step.channels, d.Channels)
			}
		}
		// the payload is a full record every client can decode
		ev, err := events.Decode(d.Event, d.Data)
		if err != nil {
			t.Fatalf("delivery %d does not decode: %v", i, err)
		}
		if ev.Room() != offer().RoomName {
			t.Fatalf("unexpected room %s", ev.Room())
		}
	}

	if got := testutil.ToFloat64(m.Notifications.WithLabelValues("ended", "published")); got != 1 {
		t.Fatalf("expected 1 ended published, got %v", got)
	}
}

func TestNotify_StaleStepNotPublished(t *testing.T) {
	pub := &recordingPublisher{}
	svc := NewService(records.NewMemoryRepo(), pub, nil, quiet)
	ctx := context.Background()

	if _, err := svc.Notify(ctx, calls.StatusInitiated, offer()); err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := svc.Notify(ctx, calls.StatusDeclined, offer()); err != nil {
		t.Fatalf("decline: %v", err)
	}
	got, err := svc.Notify(ctx, calls.StatusAccepted, offer())
	if err != nil {
		t.Fatalf("late accept: %v", err)
	}
	if got.Status != calls.StatusDeclined {
		t.Fatalf("expected declined to stick, got %s", got.Status)
	}
	if len(pub.got) != 2 {
		t.Fatalf("expected the late accept to be dropped, got %d deliveries", len(pub.got))
	}
}

func TestNotify_Rejects(t *testing.T) {
	svc := NewService(records.NewMemoryRepo(), &recordingPublisher{}, nil, quiet)
	ctx := context.Background()

	if _, err := svc.Notify(ctx, calls.Status("ringing"), offer()); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	rec := offer()
	rec.CalleeEmail = ""
	if _, err := svc.Notify(ctx, calls.StatusInitiated, rec); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected incomplete record to be rejected, got %v", err)
	}
	if _, err := svc.History(ctx, " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected email required, got %v", err)
	}
}

func TestNotify_PublishFailureReported(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("broker down")}
	svc := NewService(records.NewMemoryRepo(), pub, nil, quiet)
	if _, err := svc.Notify(context.Background(), calls.StatusInitiated, offer()); !errors.Is(err, ErrPublish) {
		t.Fatalf("expected ErrPublish, got %v", err)
	}
}

func TestChannelPublisher_Hub(t *testing.T) {
	hub := transport.NewHub(quiet)
	ctx := context.Background()
	conn, err := hub.Dial(ctx)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := conn.Subscribe(ctx, "user-b@x.com"); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	svc := NewService(records.NewMemoryRepo(), &ChannelPublisher{Pub: hub}, nil, quiet)
	if _, err := svc.Notify(ctx, calls.StatusInitiated, offer()); err != nil {
		t.Fatalf("notify: %v", err)
	}

	rctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	msg, err := conn.Receive(rctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if msg.Event != events.NameIncomingCall || msg.Channel != "user-b@x.com" {
		t.Fatalf("unexpected message %+v", msg)
	}
	var rec calls.Record
	if err := json.Unmarshal(msg.Data, &rec); err != nil || rec.Status != calls.StatusInitiated {
		t.Fatalf("unexpected payload %s (%v)", msg.Data, err)
	}
}

func TestOnceKey(t *testing.T) {
	rec := offer()
	rec.Status = calls.StatusEnded
	want := "calls:once:call-1700000000000-abcdefghi:ended:1700000000000"
	if got := OnceKey(rec); got != want {
		t.Fatalf("expected %s, got %s", want, got)
	}
}

// TestRedisPublisher_TerminalOnce runs against a real server when CALLS_TEST_REDIS is set.
func TestRedisPublisher_TerminalOnce(t *testing.T) {
	addr := os.Getenv("CALLS_TEST_REDIS")
	if addr == "" {
		t.Skip("CALLS_TEST_REDIS not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	rec := offer()
	rec.RoomName = "call-" + time.Now().Format("150405.000000000")
	rec.Status = calls.StatusEnded
	ps := rdb.Subscribe(ctx, calls.Channel(rec.CallerEmail))
	defer ps.Close()
	if _, err := ps.Receive(ctx); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	pub := &RedisPublisher{Client: rdb, TTL: time.Minute}
	d := Delivery{Event: events.NameCallEnded, Record: rec, Channels: Targets(calls.StatusEnded, rec), Data: []byte(`{"roomName":"x"}`)}
	for i := 0; i < 3; i++ {
		if err := pub.Deliver(ctx, d); err != nil {
			t.Fatalf("deliver: %v", err)
		}
	}

	msg, err := ps.ReceiveMessage(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if m, err := transport.DecodeEnvelope(msg.Channel, []byte(msg.Payload)); err != nil || m.Event != events.NameCallEnded {
		t.Fatalf("unexpected message %+v (%v)", m, err)
	}
	short, cancelShort := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancelShort()
	if _, err := ps.ReceiveMessage(short); err == nil {
		t.Fatalf("expected a single delivery")
	}
}
