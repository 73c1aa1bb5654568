// Package events decodes the call events delivered on a user's push channel.
//
// Payloads arrive loosely typed; Decode narrows them into one concrete type per
// event name before anything touches call state.
package events

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"marketplace-calls/internal/calls"
)

// Wire event names.
const (
	NameIncomingCall = "incoming-call"
	NameCallAccepted = "call-accepted"
	NameCallDeclined = "call-declined"
	NameCallEnded    = "call-ended"
)

// Names lists every call event a phone binds on its channel.
var Names = []string{NameIncomingCall, NameCallAccepted, NameCallDeclined, NameCallEnded}

var (
	ErrUnknownEvent = errors.New("events: unknown event")
	ErrMalformed    = errors.New("events: malformed payload")
)

// Event is one decoded call event.
type Event interface {
	Name() string
	Room() string
}

// IncomingCall offers a new call to the callee.
type IncomingCall struct {
	Call calls.Session
}

// CallAccepted, CallDeclined and CallEnded carry whatever the sender included;
// only RoomName is guaranteed.
type CallAccepted struct{ Patch calls.Patch }
type CallDeclined struct{ Patch calls.Patch }
type CallEnded struct{ Patch calls.Patch }

func (IncomingCall) Name() string   { return NameIncomingCall }
func (e IncomingCall) Room() string { return e.Call.RoomName }
func (CallAccepted) Name() string   { return NameCallAccepted }
func (e CallAccepted) Room() string { return e.Patch.RoomName }
func (CallDeclined) Name() string   { return NameCallDeclined }
func (e CallDeclined) Room() string { return e.Patch.RoomName }
func (CallEnded) Name() string      { return NameCallEnded }
func (e CallEnded) Room() string    { return e.Patch.RoomName }

// Decode validates data for the named event. data may be a JSON object or a
// JSON string holding one (push services commonly double-encode).
func Decode(name string, data []byte) (Event, error) {
	raw, err := unwrapString(data)
	if err != nil {
		return nil, err
	}

	switch name {
	case NameIncomingCall, NameCallAccepted, NameCallDeclined, NameCallEnded:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, name)
	}

	p, err := calls.ParsePatch(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, name, err)
	}

	switch name {
	case NameIncomingCall:
		if !p.Complete() {
			return nil, fmt.Errorf("%w: %s: caller, callee and type required", ErrMalformed, name)
		}
		if p.Status != nil && *p.Status != calls.StatusInitiated {
			return nil, fmt.Errorf("%w: %s: status %q", ErrMalformed, name, *p.Status)
		}
		s := p.Session()
		s.Status = calls.StatusInitiated
		return IncomingCall{Call: s}, nil
	case NameCallAccepted:
		return CallAccepted{Patch: withStatus(p, calls.StatusAccepted)}, nil
	case NameCallDeclined:
		return CallDeclined{Patch: withStatus(p, calls.StatusDeclined)}, nil
	default:
		return CallEnded{Patch: withStatus(p, calls.StatusEnded)}, nil
	}
}

// withStatus pins the status implied by the event name; the payload's own
// status field is not trusted to agree with it.
func withStatus(p calls.Patch, st calls.Status) calls.Patch {
	p.Status = &st
	return p
}

func unwrapString(data []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformed)
	}
	if trimmed[0] != '"' {
		return trimmed, nil
	}
	var inner string
	if err := json.Unmarshal(trimmed, &inner); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return []byte(inner), nil
}

// NameFor maps a record status to the event announcing it.
func NameFor(st calls.Status) (string, bool) {
	switch st {
	case calls.StatusInitiated:
		return NameIncomingCall, true
	case calls.StatusAccepted:
		return NameCallAccepted, true
	case calls.StatusDeclined:
		return NameCallDeclined, true
	case calls.StatusEnded:
		return NameCallEnded, true
	default:
		return "", false
	}
}
