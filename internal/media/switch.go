package media

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

var ErrJoinRefused = errors.New("media: join refused")

const switchEventBuffer = 64

// Switch is an in-process room service. Participants of the same room see
// each other's tracks; it can inject join failures and network blips.
type Switch struct {
	log *slog.Logger

	// Verify checks a token before a join is accepted; nil accepts any token.
	Verify func(token, identity, room string) error
	// BeforeJoin runs first on every Connect; an error fails that attempt.
	BeforeJoin func(ctx context.Context, opts ConnectOptions) error

	mu    sync.Mutex
	rooms map[string]map[string]*switchMember
	joins int
}

func NewSwitch(log *slog.Logger) *Switch {
	if log == nil {
		log = slog.Default()
	}
	return &Switch{log: log.With("component", "media.switch"), rooms: make(map[string]map[string]*switchMember)}
}

type switchMember struct {
	sw       *Switch
	room     string
	identity string
	tracks   []RemoteTrack

	mu     sync.Mutex
	events chan RoomEvent
	closed bool
}

func (m *switchMember) Name() string { return m.room }

func (m *switchMember) Events() <-chan RoomEvent { return m.events }

func (m *switchMember) Disconnect() { m.sw.leave(m) }

// send drops events for a member that has left or stopped reading.
func (m *switchMember) send(ev RoomEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	select {
	case m.events <- ev:
	default:
		m.sw.log.Warn("room event dropped", "room", m.room, "identity", m.identity)
	}
}

func (m *switchMember) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

func (s *Switch) Connect(ctx context.Context, opts ConnectOptions) (Room, error) {
	s.mu.Lock()
	s.joins++
	s.mu.Unlock()

	if s.BeforeJoin != nil {
		if err := s.BeforeJoin(ctx, opts); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.Verify != nil {
		if err := s.Verify(opts.Token, opts.Identity, opts.Room); err != nil {
			return nil, errors.Join(ErrJoinRefused, err)
		}
	}

	m := &switchMember{
		sw:       s,
		room:     opts.Room,
		identity: opts.Identity,
		events:   make(chan RoomEvent, switchEventBuffer),
	}
	for _, t := range opts.Tracks {
		m.tracks = append(m.tracks, RemoteTrack{ID: t.ID(), Kind: t.Kind(), Participant: opts.Identity})
	}

	s.mu.Lock()
	members := s.rooms[opts.Room]
	if members == nil {
		members = make(map[string]*switchMember)
		s.rooms[opts.Room] = members
	}
	if old := members[opts.Identity]; old != nil {
		// Same identity joining again replaces the stale connection.
		delete(members, opts.Identity)
		old.close()
	}
	others := make([]*switchMember, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	members[opts.Identity] = m
	s.mu.Unlock()

	for _, o := range others {
		m.send(ParticipantConnected{Identity: o.identity})
		for _, t := range o.tracks {
			m.send(TrackSubscribed{Track: t})
		}
		o.send(ParticipantConnected{Identity: m.identity})
		for _, t := range m.tracks {
			o.send(TrackSubscribed{Track: t})
		}
	}
	s.log.Debug("joined", "room", opts.Room, "identity", opts.Identity, "others", len(others))
	return m, nil
}

func (s *Switch) leave(m *switchMember) {
	s.mu.Lock()
	members := s.rooms[m.room]
	if members[m.identity] != m {
		s.mu.Unlock()
		m.close()
		return
	}
	delete(members, m.identity)
	if len(members) == 0 {
		delete(s.rooms, m.room)
	}
	others := make([]*switchMember, 0, len(members))
	for _, o := range members {
		others = append(others, o)
	}
	s.mu.Unlock()

	m.close()
	for _, o := range others {
		for _, t := range m.tracks {
			o.send(TrackUnsubscribed{Track: t})
		}
		o.send(ParticipantDisconnected{Identity: m.identity})
	}
}

// Members lists the identities currently in room.
func (s *Switch) Members(room string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.rooms[room]))
	for id := range s.rooms[room] {
		out = append(out, id)
	}
	return out
}

// Joins counts Connect calls, successful or not.
func (s *Switch) Joins() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.joins
}

// Blip reports a transient network loss to identity in room, followed by recovery.
func (s *Switch) Blip(room, identity string) {
	if m := s.member(room, identity); m != nil {
		m.send(Reconnecting{Err: errors.New("network changed")})
		m.send(Reconnected{})
	}
}

// Kick disconnects identity from room with err.
func (s *Switch) Kick(room, identity string, err error) {
	if m := s.member(room, identity); m != nil {
		m.send(Disconnected{Err: err})
	}
}

func (s *Switch) member(room, identity string) *switchMember {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rooms[room][identity]
}
