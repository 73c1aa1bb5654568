package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace-calls/internal/bus"
	"marketplace-calls/internal/calls"
)

// Phase of a media session.
type Phase string

const (
	PhaseIdle         Phase = "idle"
	PhaseInitializing Phase = "initializing"
	PhaseConnecting   Phase = "connecting"
	PhaseReconnecting Phase = "reconnecting"
	PhaseConnected    Phase = "connected"
	PhaseDisconnected Phase = "disconnected"
	PhaseFailed       Phase = "failed"
)

// Terminal reports whether no further phase change can happen.
func (p Phase) Terminal() bool { return p == PhaseDisconnected || p == PhaseFailed }

const (
	DefaultJoinAttempts = 3
	DefaultRetryDelay   = time.Second
)

var (
	ErrControllerStarted = errors.New("media: controller already started")
	ErrJoinExhausted     = errors.New("media: join attempts exhausted")
)

// Update is published on the bus on every phase change.
type Update struct {
	Room          string
	Prev          Phase
	Phase         Phase
	BothConnected bool
	// Attempt is the join attempt number while connecting.
	Attempt int
	Err     error
}

func (Update) Kind() string { return "media.update" }

// TrackSource creates local tracks; *TrackFactory implements it.
type TrackSource interface {
	CreateLocalTracks(ctx context.Context, typ calls.Type) ([]*LocalTrack, error)
}

// Credentials fetches a room token when none was pre-fetched.
type Credentials interface {
	GetCredential(ctx context.Context, identity, room string) (string, error)
}

type Config struct {
	Self    string
	Session calls.Session

	Tracks      TrackSource
	Connector   Connector
	Credentials Credentials
	Sink        Sink
	Bus         *bus.Bus
	Log         *slog.Logger

	// JoinAttempts is the total number of joins tried, including the first.
	JoinAttempts int
	RetryDelay   time.Duration
	Clock        func() time.Time
}

// Controller runs one media session. It is single use: once disconnected or
// failed, a new call needs a new Controller.
type Controller struct {
	cfg Config
	log *slog.Logger

	mu            sync.Mutex
	started       bool
	phase         Phase
	err           error
	attempts      int
	local         []*LocalTrack
	remote        map[string]RemoteTrack
	participants  map[string]struct{}
	bothConnected bool
	connectedAt   time.Time
	endedAt       time.Time
	room          Room

	cancel   context.CancelFunc
	done     chan struct{}
	tearOnce sync.Once
}

func NewController(cfg Config) *Controller {
	if cfg.JoinAttempts <= 0 {
		cfg.JoinAttempts = DefaultJoinAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Tracks == nil {
		cfg.Tracks = &TrackFactory{}
	}
	return &Controller{
		cfg:          cfg,
		log:          cfg.Log.With("component", "media", "room", cfg.Session.RoomName, "identity", cfg.Self),
		phase:        PhaseIdle,
		remote:       make(map[string]RemoteTrack),
		participants: make(map[string]struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the session in the background.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return ErrControllerStarted
	}
	c.started = true
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()

	go c.run(ctx)
	return nil
}

// Stop aborts whatever is in flight and waits for teardown.
func (c *Controller) Stop() {
	c.mu.Lock()
	if !c.started {
		c.started = true
		c.mu.Unlock()
		c.tearDown(PhaseDisconnected, nil)
		return
	}
	cancel := c.cancel
	c.mu.Unlock()
	cancel()
	<-c.done
}

// Done is closed once the session reached a terminal phase and released everything.
func (c *Controller) Done() <-chan struct{} { return c.done }

func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) BothConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bothConnected
}

// Attempts reports how many joins were tried.
func (c *Controller) Attempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempts
}

// Duration is the time since the far end was first seen, frozen at teardown.
func (c *Controller) Duration() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.connectedAt.IsZero() {
		return 0
	}
	end := c.endedAt
	if end.IsZero() {
		end = c.cfg.Clock()
	}
	return end.Sub(c.connectedAt)
}

// ParticipantCount includes the local participant.
func (c *Controller) ParticipantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return 1 + len(c.participants)
}

// RemoteParticipant returns the far end's identity once seen.
func (c *Controller) RemoteParticipant() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id := range c.participants {
		return id
	}
	return ""
}

func (c *Controller) LocalTracks() []*LocalTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*LocalTrack(nil), c.local...)
}

// ToggleAudio flips the microphone and returns whether it is now enabled.
func (c *Controller) ToggleAudio() bool {
	return c.toggle(KindAudio)
}

// ToggleVideo flips the camera and returns whether it is now enabled. It does
// nothing on voice calls.
func (c *Controller) ToggleVideo() bool {
	if c.cfg.Session.Type != calls.TypeVideo {
		return false
	}
	return c.toggle(KindVideo)
}

func (c *Controller) toggle(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.local {
		if t.Kind() == kind {
			on := !t.Enabled()
			t.SetEnabled(on)
			c.log.Info("local track toggled", "kind", kind, "enabled", on)
			return on
		}
	}
	return false
}

func (c *Controller) run(ctx context.Context) {
	c.setPhase(PhaseInitializing, 0, nil)
	tracks, err := c.cfg.Tracks.CreateLocalTracks(ctx, c.cfg.Session.Type)
	if err != nil {
		if ctx.Err() != nil {
			c.tearDown(PhaseDisconnected, nil)
			return
		}
		c.log.Error("local tracks unavailable", "err", err)
		c.tearDown(PhaseFailed, err)
		return
	}
	c.mu.Lock()
	c.local = tracks
	c.mu.Unlock()
	if c.cfg.Sink != nil {
		for _, t := range tracks {
			c.cfg.Sink.AttachLocal(t)
		}
	}

	c.setPhase(PhaseConnecting, 0, nil)
	token, err := c.credential(ctx)
	if err != nil {
		if ctx.Err() != nil {
			c.tearDown(PhaseDisconnected, nil)
			return
		}
		c.tearDown(PhaseFailed, err)
		return
	}

	room, err := c.join(ctx, token, tracks)
	if err != nil {
		if ctx.Err() != nil {
			c.tearDown(PhaseDisconnected, nil)
			return
		}
		c.tearDown(PhaseFailed, err)
		return
	}
	c.mu.Lock()
	c.room = room
	c.mu.Unlock()

	c.watch(ctx, room)
}

func (c *Controller) credential(ctx context.Context) (string, error) {
	s := c.cfg.Session
	if tok := s.TokenFor(c.cfg.Self); tok != "" {
		return tok, nil
	}
	c.log.Warn("no pre-fetched credential, fetching a fresh one")
	if c.cfg.Credentials == nil {
		return "", errors.New("media: no credential and no credential provider")
	}
	return c.cfg.Credentials.GetCredential(ctx, c.cfg.Self, s.RoomName)
}

func (c *Controller) join(ctx context.Context, token string, tracks []*LocalTrack) (Room, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.JoinAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.attempts = attempt
		c.mu.Unlock()
		c.publish(PhaseConnecting, PhaseConnecting, attempt, nil)

		room, err := c.cfg.Connector.Connect(ctx, ConnectOptions{
			Identity: c.cfg.Self,
			Room:     c.cfg.Session.RoomName,
			Token:    token,
			Tracks:   tracks,
		})
		if ctx.Err() != nil {
			// Cancelled mid-join: never keep a room that finished connecting late.
			if room != nil {
				room.Disconnect()
			}
			return nil, ctx.Err()
		}
		if err == nil {
			c.log.Info("joined room", "attempt", attempt)
			return room, nil
		}
		lastErr = err
		c.log.Warn("join failed", "attempt", attempt, "max", c.cfg.JoinAttempts, "err", err)
		if attempt == c.cfg.JoinAttempts {
			break
		}
		t := time.NewTimer(c.cfg.RetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	return nil, fmt.Errorf("%w after %d attempts: %v", ErrJoinExhausted, c.cfg.JoinAttempts, lastErr)
}

func (c *Controller) watch(ctx context.Context, room Room) {
	events := room.Events()
	for {
		select {
		case <-ctx.Done():
			c.tearDown(PhaseDisconnected, nil)
			return
		case ev, ok := <-events:
			if !ok {
				c.tearDown(PhaseDisconnected, nil)
				return
			}
			if c.handle(ev) {
				return
			}
		}
	}
}

// handle applies one room event and reports whether the session ended.
func (c *Controller) handle(ev RoomEvent) bool {
	switch ev := ev.(type) {
	case ParticipantConnected:
		c.mu.Lock()
		c.participants[ev.Identity] = struct{}{}
		c.mu.Unlock()
		c.log.Info("participant connected", "participant", ev.Identity)

	case ParticipantDisconnected:
		c.mu.Lock()
		delete(c.participants, ev.Identity)
		var gone []string
		for id, t := range c.remote {
			if t.Participant == ev.Identity {
				gone = append(gone, id)
				delete(c.remote, id)
			}
		}
		c.mu.Unlock()
		if c.cfg.Sink != nil {
			for _, id := range gone {
				c.cfg.Sink.Detach(id)
			}
		}
		c.log.Info("participant disconnected", "participant", ev.Identity)

	case TrackSubscribed:
		c.mu.Lock()
		c.remote[ev.Track.ID] = ev.Track
		c.participants[ev.Track.Participant] = struct{}{}
		first := !c.bothConnected
		if first {
			c.bothConnected = true
			c.connectedAt = c.cfg.Clock()
		}
		reconnecting := c.phase == PhaseReconnecting
		c.mu.Unlock()
		if c.cfg.Sink != nil {
			c.cfg.Sink.AttachRemote(ev.Track)
		}
		if first && !reconnecting {
			c.setPhase(PhaseConnected, 0, nil)
		}

	case TrackUnsubscribed:
		c.mu.Lock()
		delete(c.remote, ev.Track.ID)
		c.mu.Unlock()
		if c.cfg.Sink != nil {
			c.cfg.Sink.Detach(ev.Track.ID)
		}

	case Reconnecting:
		c.log.Warn("media connection interrupted", "err", ev.Err)
		c.setPhase(PhaseReconnecting, 0, nil)

	case Reconnected:
		c.mu.Lock()
		both := c.bothConnected
		c.mu.Unlock()
		if both {
			c.setPhase(PhaseConnected, 0, nil)
		} else {
			c.setPhase(PhaseConnecting, 0, nil)
		}

	case Disconnected:
		if ev.Err != nil {
			c.tearDown(PhaseFailed, ev.Err)
		} else {
			c.tearDown(PhaseDisconnected, nil)
		}
		return true
	}
	return false
}

// setPhase ignores changes once terminal.
func (c *Controller) setPhase(p Phase, attempt int, err error) {
	c.mu.Lock()
	prev := c.phase
	if prev.Terminal() || prev == p {
		c.mu.Unlock()
		return
	}
	c.phase = p
	c.mu.Unlock()
	c.log.Info("media phase", "from", prev, "to", p)
	c.publish(prev, p, attempt, err)
}

func (c *Controller) publish(prev, p Phase, attempt int, err error) {
	if c.cfg.Bus == nil {
		return
	}
	c.mu.Lock()
	both := c.bothConnected
	c.mu.Unlock()
	c.cfg.Bus.Publish(Update{Room: c.cfg.Session.RoomName, Prev: prev, Phase: p, BothConnected: both, Attempt: attempt, Err: err})
}

// tearDown releases every resource exactly once and enters the terminal phase.
func (c *Controller) tearDown(final Phase, err error) {
	c.tearOnce.Do(func() {
		c.mu.Lock()
		prev := c.phase
		c.phase = final
		c.err = err
		if !c.connectedAt.IsZero() {
			c.endedAt = c.cfg.Clock()
		}
		local := c.local
		remote := make([]string, 0, len(c.remote))
		for id := range c.remote {
			remote = append(remote, id)
		}
		c.remote = map[string]RemoteTrack{}
		room := c.room
		c.room = nil
		c.mu.Unlock()

		for _, t := range local {
			t.Stop()
			if c.cfg.Sink != nil {
				c.cfg.Sink.Detach(t.ID())
			}
		}
		if c.cfg.Sink != nil {
			for _, id := range remote {
				c.cfg.Sink.Detach(id)
			}
		}
		if room != nil {
			room.Disconnect()
		}

		if err != nil {
			c.log.Error("media session failed", "from", prev, "err", err)
		} else {
			c.log.Info("media session closed", "from", prev)
		}
		c.publish(prev, final, 0, err)
		close(c.done)
	})
}
