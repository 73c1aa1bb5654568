package transport

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestHub_PublishOnlyToSubscribers(t *testing.T) {
	hub := NewHub(nil)
	a, _ := hub.Dial(context.Background())
	b, _ := hub.Dial(context.Background())
	_ = a.Subscribe(context.Background(), "user-a")

	_ = hub.Publish(context.Background(), "user-a", "ev", []byte(`{"n":1}`))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	m, err := a.Receive(ctx)
	if err != nil || m.Event != "ev" || m.Channel != "user-a" {
		t.Fatalf("unexpected receive %+v %v", m, err)
	}

	short, cancelShort := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelShort()
	if _, err := b.Receive(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected no message for unsubscribed conn, got %v", err)
	}
}

func TestHub_DropAndOffline(t *testing.T) {
	hub := NewHub(nil)
	c, _ := hub.Dial(context.Background())
	if n := hub.Drop(); n != 1 {
		t.Fatalf("expected 1 dropped, got %d", n)
	}
	if _, err := c.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if err := c.Subscribe(context.Background(), "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed on subscribe, got %v", err)
	}

	hub.SetOffline(true)
	if _, err := hub.Dial(context.Background()); !errors.Is(err, ErrOffline) {
		t.Fatalf("expected ErrOffline, got %v", err)
	}
}
