package callstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"marketplace-calls/internal/bus"
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/events"
	"marketplace-calls/internal/transport"
)

const DefaultRingTimeout = 30 * time.Second

var (
	ErrCallInProgress = errors.New("callstate: a call is already in progress")
	ErrNoSuchCall     = errors.New("callstate: no such call")
	ErrClosed         = errors.New("callstate: machine closed")
)

// Lifecycle is the backend side of the four call operations.
type Lifecycle interface {
	Initiate(ctx context.Context, caller, callee string, typ calls.Type) (calls.Session, error)
	Accept(ctx context.Context, s calls.Session) (calls.Session, error)
	Decline(ctx context.Context, s calls.Session) error
	End(ctx context.Context, s calls.Session, duration time.Duration) error
}

// Cause names what triggered a change.
type Cause string

const (
	CauseInitiate    Cause = "initiate"
	CauseAccept      Cause = "accept"
	CauseDecline     Cause = "decline"
	CauseAutoDecline Cause = "auto_decline"
	CauseEnd         Cause = "end"
	CauseRemote      Cause = "remote"
)

// Changed is published on the bus after every state change.
type Changed struct {
	Prev  State
	Next  State
	Cause Cause
	// Event is set for remote changes.
	Event string
	// Err explains a teardown caused by a failure, e.g. media that never connected.
	Err error
}

func (Changed) Kind() string { return "callstate.changed" }

type Config struct {
	Self        string
	RingTimeout time.Duration
	Navigator   Navigator
	Bus         *bus.Bus
	Log         *slog.Logger

	// Duration reports how long room has been connected; used for the end record.
	Duration func(room string) time.Duration
}

// Machine wraps Reduce with the local operations, the ring timer and navigation.
type Machine struct {
	lc          Lifecycle
	self        string
	ringTimeout time.Duration
	nav         Navigator
	bus         *bus.Bus
	log         *slog.Logger
	duration    func(string) time.Duration

	// navMu serializes Navigator calls; Navigator implementations need not be safe.
	navMu sync.Mutex

	mu        sync.Mutex
	state     State
	dialing   bool
	accepting string
	closed    bool
	ring      *time.Timer
	ringGen   uint64
	ringEnd   time.Time
}

func NewMachine(lc Lifecycle, cfg Config) *Machine {
	if cfg.RingTimeout <= 0 {
		cfg.RingTimeout = DefaultRingTimeout
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Machine{
		lc:          lc,
		self:        cfg.Self,
		ringTimeout: cfg.RingTimeout,
		nav:         cfg.Navigator,
		bus:         cfg.Bus,
		log:         cfg.Log.With("component", "callstate", "identity", cfg.Self),
		duration:    cfg.Duration,
	}
}

func (m *Machine) Self() string { return m.self }

func (m *Machine) Snapshot() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) Phase() Phase { return m.Snapshot().Phase() }

// Initiate places a call to callee. It fails with ErrCallInProgress while any
// call is ringing, dialing or active, and with ErrNoSuchCall when the call is
// turned down before the backend answers.
func (m *Machine) Initiate(ctx context.Context, callee string, typ calls.Type) (calls.Session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return calls.Session{}, ErrClosed
	}
	if m.state.Busy() || m.dialing {
		m.mu.Unlock()
		return calls.Session{}, ErrCallInProgress
	}
	m.dialing = true
	m.mu.Unlock()

	s, err := m.lc.Initiate(ctx, m.self, callee, typ)

	m.mu.Lock()
	m.dialing = false
	if err != nil {
		m.mu.Unlock()
		return calls.Session{}, err
	}
	if m.closed {
		m.mu.Unlock()
		m.endBestEffort(s)
		return calls.Session{}, ErrClosed
	}
	changed := m.applyLocked(Dialed{Call: s}, CauseInitiate, "", nil)
	ended := m.state.Ended(s.RoomName)
	m.mu.Unlock()

	switch {
	case changed:
		return s, nil
	case ended:
		m.log.Info("call finished before initiate returned", "room", s.RoomName)
		return calls.Session{}, fmt.Errorf("%w: %s declined before dial completed", ErrNoSuchCall, s.RoomName)
	default:
		// Untracked call; hang it up.
		m.log.Warn("busy when initiate returned, ending call", "room", s.RoomName)
		m.endBestEffort(s)
		return calls.Session{}, ErrCallInProgress
	}
}

// Accept answers the ringing call. The ring timer is stopped first and
// re-armed for the remaining time if the backend refuses.
func (m *Machine) Accept(ctx context.Context) (calls.Session, error) {
	m.mu.Lock()
	if m.state.Incoming == nil {
		m.mu.Unlock()
		return calls.Session{}, ErrNoSuchCall
	}
	if m.state.Current != nil || m.accepting != "" {
		m.mu.Unlock()
		return calls.Session{}, ErrCallInProgress
	}
	incoming := *m.state.Incoming
	armed := m.ring != nil
	remaining := m.stopRingLocked()
	m.accepting = incoming.RoomName
	m.mu.Unlock()

	accepted, err := m.lc.Accept(ctx, incoming)

	m.mu.Lock()
	m.accepting = ""
	if err != nil {
		if armed && m.state.Incoming != nil && m.state.Incoming.RoomName == incoming.RoomName {
			m.armRingLocked(incoming.RoomName, remaining)
		}
		m.mu.Unlock()
		return calls.Session{}, err
	}
	m.applyLocked(Answered{Call: accepted}, CauseAccept, "", nil)
	cur := m.state.Current
	m.mu.Unlock()

	if cur == nil || cur.RoomName != incoming.RoomName {
		return calls.Session{}, fmt.Errorf("%w: %s ended while accepting", ErrNoSuchCall, incoming.RoomName)
	}
	return *cur, nil
}

// Decline turns down the ringing call. Local state clears at once; the
// backend notification is best-effort.
func (m *Machine) Decline(ctx context.Context) error {
	m.mu.Lock()
	s, ok := m.clearIncomingLocked("", CauseDecline)
	m.mu.Unlock()
	if !ok {
		return ErrNoSuchCall
	}
	m.declineBestEffort(ctx, s)
	return nil
}

// clearIncomingLocked removes the ringing call (only if it is room, when set).
func (m *Machine) clearIncomingLocked(room string, cause Cause) (calls.Session, bool) {
	in := m.state.Incoming
	if in == nil || (room != "" && in.RoomName != room) {
		return calls.Session{}, false
	}
	s := *in
	m.stopRingLocked()
	m.applyLocked(Cleared{Room: s.RoomName, Status: calls.StatusDeclined}, cause, "", nil)
	return s, true
}

func (m *Machine) declineBestEffort(ctx context.Context, s calls.Session) {
	m.navigate()
	if err := m.lc.Decline(ctx, s); err != nil {
		m.log.Warn("decline notification failed", "room", s.RoomName, "err", err)
	}
}

// End hangs up the current call (dialing or active); a ringing call is
// declined instead. Ending with nothing in progress is a no-op.
func (m *Machine) End(ctx context.Context) error {
	return m.Abort(ctx, nil)
}

// Abort is End with a reason attached to the published change.
func (m *Machine) Abort(ctx context.Context, reason error) error {
	m.mu.Lock()
	cur := m.state.Current
	if cur == nil {
		hasIncoming := m.state.Incoming != nil
		m.mu.Unlock()
		if hasIncoming {
			return m.Decline(ctx)
		}
		return nil
	}
	s := *cur
	m.applyLocked(Cleared{Room: s.RoomName, Status: calls.StatusEnded}, CauseEnd, "", reason)
	m.mu.Unlock()

	m.navigate()
	m.endBestEffort(s)
	return nil
}

func (m *Machine) endBestEffort(s calls.Session) {
	var d time.Duration
	if m.duration != nil {
		d = m.duration(s.RoomName)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.lc.End(ctx, s, d); err != nil {
		m.log.Warn("end notification failed", "room", s.RoomName, "err", err)
	}
}

// HandleEvent applies a remote event.
func (m *Machine) HandleEvent(ev events.Event) {
	if ev == nil {
		return
	}
	m.mu.Lock()
	if _, ok := ev.(events.IncomingCall); ok && m.dialing {
		m.mu.Unlock()
		m.log.Info("dialing, incoming call ignored", "room", ev.Room())
		return
	}
	prev := m.state
	changed := m.applyLocked(Remote{Event: ev}, CauseRemote, ev.Name(), nil)
	next := m.state
	m.mu.Unlock()

	if !changed {
		if _, ok := ev.(events.IncomingCall); ok && prev.Busy() && !prev.Ended(ev.Room()) {
			m.log.Info("busy, incoming call ignored", "room", ev.Room())
		} else {
			m.log.Debug("event had no effect", "event", ev.Name(), "room", ev.Room())
		}
		return
	}
	if clearedSlot(prev, next) {
		m.navigate()
	}
}

// Attach binds the call events on the user's channel. detach releases only
// these bindings.
func (m *Machine) Attach(c *transport.Client) (detach func()) {
	ch := c.Subscribe(calls.Channel(m.self))
	for _, name := range events.Names {
		ch.Bind(name, func(msg transport.Message) {
			ev, err := events.Decode(msg.Event, msg.Data)
			if err != nil {
				m.log.Warn("dropping call event", "event", msg.Event, "err", err)
				return
			}
			m.HandleEvent(ev)
		})
	}
	return func() { c.UnsubscribeAll(ch) }
}

// Close stops the ring timer and refuses new calls. It does not end calls;
// callers that want that call End first.
func (m *Machine) Close() {
	m.mu.Lock()
	m.closed = true
	m.stopRingLocked()
	m.mu.Unlock()
}

// applyLocked reduces, maintains the ring timer, and publishes the change.
func (m *Machine) applyLocked(in Input, cause Cause, event string, reason error) bool {
	prev := m.state
	next := Reduce(prev, in)
	m.state = next
	if next.Equal(prev) {
		return false
	}

	switch {
	case next.Incoming != nil && (prev.Incoming == nil || prev.Incoming.RoomName != next.Incoming.RoomName):
		if !m.closed {
			m.armRingLocked(next.Incoming.RoomName, m.ringTimeout)
		}
	case next.Incoming == nil && prev.Incoming != nil:
		m.stopRingLocked()
	}

	m.log.Info("call state changed", "cause", cause, "event", event, "from", prev.Phase(), "to", next.Phase(), "room", firstNonEmpty(next.Room(), prev.Room()))
	if m.bus != nil {
		m.bus.Publish(Changed{Prev: prev, Next: next, Cause: cause, Event: event, Err: reason})
	}
	return true
}

func (m *Machine) armRingLocked(room string, d time.Duration) {
	m.stopRingLocked()
	if d <= 0 {
		d = time.Millisecond
	}
	m.ringGen++
	gen := m.ringGen
	m.ringEnd = time.Now().Add(d)
	m.ring = time.AfterFunc(d, func() { m.ringExpired(gen, room) })
}

// stopRingLocked disarms the timer and returns the time it had left.
func (m *Machine) stopRingLocked() time.Duration {
	m.ringGen++
	if m.ring == nil {
		return 0
	}
	m.ring.Stop()
	m.ring = nil
	left := time.Until(m.ringEnd)
	if left < 0 {
		left = 0
	}
	return left
}

func (m *Machine) ringExpired(gen uint64, room string) {
	m.mu.Lock()
	if gen != m.ringGen {
		m.mu.Unlock()
		return
	}
	s, ok := m.clearIncomingLocked(room, CauseAutoDecline)
	m.mu.Unlock()
	if !ok {
		return
	}
	m.log.Info("ring timeout, declined", "room", room, "after", m.ringTimeout)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	m.declineBestEffort(ctx, s)
}

func (m *Machine) navigate() {
	m.navMu.Lock()
	defer m.navMu.Unlock()
	leaveCallRoute(m.nav)
}

// clearedSlot reports whether a call disappeared without being promoted.
func clearedSlot(prev, next State) bool {
	if prev.Current != nil && next.Current == nil {
		return true
	}
	return prev.Incoming != nil && next.Incoming == nil && next.Current == nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
