package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type recorder struct {
	mu   sync.Mutex
	msgs []Message
}

func (r *recorder) add(m Message) {
	r.mu.Lock()
	r.msgs = append(r.msgs, m)
	r.mu.Unlock()
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.msgs)
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startClient(t *testing.T, hub *Hub, delay time.Duration) (*Client, context.CancelFunc, <-chan error) {
	t.Helper()
	c := NewClient(hub, delay, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	wctx, wcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer wcancel()
	if err := c.WaitFor(wctx, StateConnected); err != nil {
		cancel()
		t.Fatalf("WaitFor connected: %v", err)
	}
	return c, cancel, done
}

func TestClient_DeliversBoundEvents(t *testing.T) {
	hub := NewHub(nil)
	c, cancel, done := startClient(t, hub, 10*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	ch := c.Subscribe("user-b@x.com")
	ch.Bind("incoming-call", rec.add)

	eventually(t, "subscription", func() bool { return hub.Subscribers("user-b@x.com") == 1 })
	_ = hub.Publish(context.Background(), "user-b@x.com", "incoming-call", []byte(`{"roomName":"r1"}`))
	_ = hub.Publish(context.Background(), "user-b@x.com", "chat-message", []byte(`{}`))
	_ = hub.Publish(context.Background(), "user-c@x.com", "incoming-call", []byte(`{}`))

	eventually(t, "delivery", func() bool { return rec.len() == 1 })
	time.Sleep(20 * time.Millisecond)
	if rec.len() != 1 {
		t.Fatalf("expected only the bound event, got %d", rec.len())
	}
	if string(rec.msgs[0].Data) != `{"roomName":"r1"}` {
		t.Fatalf("unexpected payload %s", rec.msgs[0].Data)
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("expected disconnected after stop, got %s", c.State())
	}
}

func TestClient_UnsubscribeAllLeavesOtherHandles(t *testing.T) {
	hub := NewHub(nil)
	c, cancel, _ := startClient(t, hub, 10*time.Millisecond)
	defer cancel()

	calls, chat := &recorder{}, &recorder{}
	callsCh := c.Subscribe("user-a")
	callsCh.Bind("ev", calls.add)
	chatCh := c.Subscribe("user-a")
	chatCh.Bind("ev", chat.add)

	eventually(t, "subscription", func() bool { return hub.Subscribers("user-a") == 1 })
	c.UnsubscribeAll(callsCh)
	c.UnsubscribeAll(callsCh)

	if hub.Subscribers("user-a") != 1 {
		t.Fatalf("expected channel to stay subscribed for the remaining handle")
	}
	_ = hub.Publish(context.Background(), "user-a", "ev", []byte(`1`))
	eventually(t, "chat delivery", func() bool { return chat.len() == 1 })
	if calls.len() != 0 {
		t.Fatalf("expected released handle to receive nothing")
	}

	c.UnsubscribeAll(chatCh)
	eventually(t, "unsubscribe", func() bool { return hub.Subscribers("user-a") == 0 })
}

func TestClient_UnbindRemovesSingleBinding(t *testing.T) {
	hub := NewHub(nil)
	c, cancel, _ := startClient(t, hub, 10*time.Millisecond)
	defer cancel()

	first, second := &recorder{}, &recorder{}
	ch := c.Subscribe("x")
	unbind := ch.Bind("ev", first.add)
	ch.Bind("ev", second.add)
	unbind()

	eventually(t, "subscription", func() bool { return hub.Subscribers("x") == 1 })
	_ = hub.Publish(context.Background(), "x", "ev", []byte(`1`))
	eventually(t, "delivery", func() bool { return second.len() == 1 })
	if first.len() != 0 {
		t.Fatalf("expected unbound handler to stay silent")
	}
}

func TestClient_ReconnectsAndResubscribes(t *testing.T) {
	hub := NewHub(nil)
	c, cancel, _ := startClient(t, hub, 20*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	rec := &recorder{}
	c.Subscribe("user-a").Bind("ev", rec.add)
	eventually(t, "subscription", func() bool { return hub.Subscribers("user-a") == 1 })

	hub.SetOffline(true)
	hub.Drop()
	eventually(t, "error state", func() bool { return c.State() == StateError })
	hub.SetOffline(false)

	eventually(t, "resubscribe", func() bool { return hub.Subscribers("user-a") == 1 && c.State() == StateConnected })
	_ = hub.Publish(context.Background(), "user-a", "ev", []byte(`1`))
	eventually(t, "delivery after reconnect", func() bool { return rec.len() == 1 })

	if c.Reconnects() < 2 {
		t.Fatalf("expected at least 2 reconnect attempts, got %d", c.Reconnects())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) < 3 || states[0] != StateDisconnected {
		t.Fatalf("unexpected state sequence %v", states)
	}
}

func TestClient_HandlerPanicDoesNotStopDelivery(t *testing.T) {
	hub := NewHub(nil)
	c, cancel, _ := startClient(t, hub, 10*time.Millisecond)
	defer cancel()

	rec := &recorder{}
	ch := c.Subscribe("x")
	ch.Bind("ev", func(Message) { panic("boom") })
	ch.Bind("ev", rec.add)

	eventually(t, "subscription", func() bool { return hub.Subscribers("x") == 1 })
	_ = hub.Publish(context.Background(), "x", "ev", []byte(`1`))
	_ = hub.Publish(context.Background(), "x", "ev", []byte(`2`))
	eventually(t, "both deliveries", func() bool { return rec.len() == 2 })
	if c.State() != StateConnected {
		t.Fatalf("expected connection to survive handler panic")
	}
}

func TestClient_DialFailureWhenStopped(t *testing.T) {
	hub := NewHub(nil)
	hub.SetOffline(true)
	c := NewClient(hub, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	eventually(t, "error state", func() bool { return c.State() == StateError })
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop during reconnect delay")
	}
}
