// Package callstate is the per-client call session state machine.
//
// Each client runs its own machine. The two machines of a call share nothing
// but the push event stream, so Reduce is a pure function that converges to
// the same terminal state for any order or duplication of events.
package callstate

import (
	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/events"
)

// Phase is the coarse view of State.
type Phase string

const (
	PhaseNoCall  Phase = "no_call"
	PhaseRinging Phase = "ringing"
	PhaseDialing Phase = "dialing"
	PhaseActive  Phase = "active"
)

const recentRoomsCap = 32

// State holds at most one incoming call (ringing, not accepted) and at most
// one current call (dialing or active). Values are never mutated in place.
type State struct {
	Incoming *calls.Session
	Current  *calls.Session

	// recently terminated rooms, oldest first
	ended []string
}

func (s State) Phase() Phase {
	switch {
	case s.Current != nil && s.Current.Status == calls.StatusAccepted:
		return PhaseActive
	case s.Current != nil:
		return PhaseDialing
	case s.Incoming != nil:
		return PhaseRinging
	default:
		return PhaseNoCall
	}
}

// Busy reports whether either slot is occupied.
func (s State) Busy() bool { return s.Incoming != nil || s.Current != nil }

// Ended reports whether room was terminated recently.
func (s State) Ended(room string) bool {
	for _, r := range s.ended {
		if r == room {
			return true
		}
	}
	return false
}

// Has reports whether either slot holds room.
func (s State) Has(room string) bool {
	return (s.Current != nil && s.Current.RoomName == room) || (s.Incoming != nil && s.Incoming.RoomName == room)
}

// Room returns the room of the occupied slot, current first.
func (s State) Room() string {
	if s.Current != nil {
		return s.Current.RoomName
	}
	if s.Incoming != nil {
		return s.Incoming.RoomName
	}
	return ""
}

// Input is anything Reduce accepts.
type Input interface {
	input()
}

// Dialed records a successful local initiate.
type Dialed struct{ Call calls.Session }

// Answered records a successful local accept.
type Answered struct{ Call calls.Session }

// Cleared records a local decline or end. It applies immediately, before
// the backend is told.
type Cleared struct {
	Room   string
	Status calls.Status
}

// Remote wraps an event received on the user's channel.
type Remote struct{ Event events.Event }

func (Dialed) input()   {}
func (Answered) input() {}
func (Cleared) input()  {}
func (Remote) input()   {}

// Reduce applies in to s. Unknown, stale or duplicate inputs return s unchanged.
func Reduce(s State, in Input) State {
	switch in := in.(type) {
	case Dialed:
		if s.Busy() || s.Ended(in.Call.RoomName) {
			return s
		}
		c := in.Call
		s.Current = &c
		return s

	case Answered:
		room := in.Call.RoomName
		if s.Ended(room) {
			return s
		}
		if s.Current != nil && s.Current.RoomName != room {
			return s
		}
		next := in.Call
		if s.Incoming != nil && s.Incoming.RoomName == room {
			next = fillFrom(next, *s.Incoming)
			s.Incoming = nil
		}
		if s.Current != nil {
			next = fillFrom(next, *s.Current)
			next.Status = pickStatus(s.Current.Status, next.Status)
		}
		next = calls.StatusPatch(room, calls.StatusAccepted).Apply(next)
		s.Current = &next
		return s

	case Cleared:
		return terminate(s, in.Room)

	case Remote:
		return reduceRemote(s, in.Event)
	}
	return s
}

func reduceRemote(s State, ev events.Event) State {
	if ev == nil {
		return s
	}
	room := ev.Room()
	switch ev := ev.(type) {
	case events.IncomingCall:
		if s.Ended(room) {
			return s
		}
		if s.Incoming != nil && s.Incoming.RoomName == room {
			merged := calls.PatchOf(ev.Call.Record()).Apply(*s.Incoming)
			s.Incoming = &merged
			return s
		}
		if s.Busy() {
			return s
		}
		c := ev.Call
		s.Incoming = &c
		return s

	case events.CallAccepted:
		if s.Ended(room) {
			return s
		}
		if s.Current != nil && s.Current.RoomName == room {
			merged := ev.Patch.Apply(*s.Current)
			s.Current = &merged
			return s
		}
		if s.Incoming != nil && s.Incoming.RoomName == room && s.Current == nil {
			promoted := ev.Patch.Apply(*s.Incoming)
			s.Incoming = nil
			s.Current = &promoted
		}
		return s

	case events.CallDeclined, events.CallEnded:
		return terminate(s, room)
	}
	return s
}

// terminate clears every slot holding room and remembers room so late
// duplicates cannot bring it back.
func terminate(s State, room string) State {
	if room == "" {
		return s
	}
	if s.Incoming != nil && s.Incoming.RoomName == room {
		s.Incoming = nil
	}
	if s.Current != nil && s.Current.RoomName == room {
		s.Current = nil
	}
	if s.Ended(room) {
		return s
	}
	ended := make([]string, 0, recentRoomsCap)
	start := 0
	if len(s.ended) >= recentRoomsCap {
		start = len(s.ended) - recentRoomsCap + 1
	}
	ended = append(ended, s.ended[start:]...)
	s.ended = append(ended, room)
	return s
}

// fillFrom copies fields of known that next lacks.
func fillFrom(next, known calls.Session) calls.Session {
	if next.CallerIdentity == "" {
		next.CallerIdentity = known.CallerIdentity
	}
	if next.CalleeIdentity == "" {
		next.CalleeIdentity = known.CalleeIdentity
	}
	if next.Type == "" {
		next.Type = known.Type
	}
	if next.TimeInitiated == 0 {
		next.TimeInitiated = known.TimeInitiated
	}
	if next.CallerToken == "" {
		next.CallerToken = known.CallerToken
	}
	if next.CalleeToken == "" {
		next.CalleeToken = known.CalleeToken
	}
	return next
}

func pickStatus(known, next calls.Status) calls.Status {
	if known.CanTransitionTo(next) {
		return next
	}
	return known
}

// Equal reports whether two states hold the same calls.
func (s State) Equal(o State) bool {
	return sessionEq(s.Incoming, o.Incoming) && sessionEq(s.Current, o.Current)
}

func sessionEq(a, b *calls.Session) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
