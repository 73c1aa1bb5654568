// Package calls holds the call session model shared by both parties of a call
// and the wire record exchanged with the call backend.
package calls

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var ErrInvalidArgument = errors.New("calls: invalid argument")

// Type is fixed when the call is initiated.
type Type string

const (
	TypeVideo Type = "video"
	TypeVoice Type = "voice"
)

func (t Type) Valid() bool { return t == TypeVideo || t == TypeVoice }

// ParseType accepts the wire names; anything else is ErrInvalidArgument.
func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", fmt.Errorf("%w: call type %q", ErrInvalidArgument, s)
	}
	return t, nil
}

// Status moves forward only: initiated -> accepted -> declined|ended.
// A call may also go initiated -> declined|ended directly.
type Status string

const (
	StatusInitiated Status = "initiated"
	StatusAccepted  Status = "accepted"
	StatusDeclined  Status = "declined"
	StatusEnded     Status = "ended"
)

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusAccepted, StatusDeclined, StatusEnded:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusDeclined || s == StatusEnded
}

func (s Status) rank() int {
	switch s {
	case StatusInitiated:
		return 1
	case StatusAccepted:
		return 2
	case StatusDeclined, StatusEnded:
		return 3
	default:
		return 0
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// Re-applying the same status is allowed so duplicate deliveries stay harmless.
func (s Status) CanTransitionTo(next Status) bool {
	if !next.Valid() {
		return false
	}
	if s == "" {
		return true
	}
	if s == next {
		return true
	}
	if s.IsTerminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Session is one call attempt between two parties as seen by one client.
// Sessions are values: every transition produces a new snapshot.
type Session struct {
	RoomName       string `json:"roomName"`
	CallerIdentity string `json:"callerEmail"`
	CalleeIdentity string `json:"calleeEmail"`
	Type           Type   `json:"type"`
	Status         Status `json:"status"`

	// TimeInitiated is ms since epoch, set once by the initiator.
	TimeInitiated int64 `json:"timeInitiated"`
	// Duration is in seconds; only meaningful on ended records.
	Duration int64 `json:"duration"`

	// Each endpoint only ever uses its own token.
	CallerToken string `json:"callerToken,omitempty"`
	CalleeToken string `json:"calleeToken,omitempty"`
}

// InitiatedAt converts TimeInitiated to a time.
func (s Session) InitiatedAt() time.Time {
	return time.UnixMilli(s.TimeInitiated)
}

// Peer returns the other party's identity relative to self.
func (s Session) Peer(self string) string {
	if strings.EqualFold(self, s.CallerIdentity) {
		return s.CalleeIdentity
	}
	return s.CallerIdentity
}

// IsCaller reports whether self placed the call.
func (s Session) IsCaller(self string) bool {
	return strings.EqualFold(self, s.CallerIdentity)
}

// TokenFor returns the credential belonging to identity, if any.
func (s Session) TokenFor(identity string) string {
	switch {
	case strings.EqualFold(identity, s.CallerIdentity):
		return s.CallerToken
	case strings.EqualFold(identity, s.CalleeIdentity):
		return s.CalleeToken
	default:
		return ""
	}
}

// Validate checks the immutable identifying fields.
func (s Session) Validate() error {
	if strings.TrimSpace(s.RoomName) == "" {
		return fmt.Errorf("%w: roomName required", ErrInvalidArgument)
	}
	if strings.TrimSpace(s.CallerIdentity) == "" || strings.TrimSpace(s.CalleeIdentity) == "" {
		return fmt.Errorf("%w: caller and callee required", ErrInvalidArgument)
	}
	if !s.Type.Valid() {
		return fmt.Errorf("%w: call type %q", ErrInvalidArgument, s.Type)
	}
	if s.Status != "" && !s.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, s.Status)
	}
	return nil
}

// Record returns the wire representation (tokens are never sent to the backend).
func (s Session) Record() Record {
	return Record{
		CallerEmail:   s.CallerIdentity,
		CalleeEmail:   s.CalleeIdentity,
		TimeInitiated: s.TimeInitiated,
		Duration:      s.Duration,
		RoomName:      s.RoomName,
		Status:        s.Status,
		Type:          s.Type,
	}
}

// Record is the call record shape of the backend API and of pub/sub payloads.
type Record struct {
	CallerEmail   string `json:"callerEmail"`
	CalleeEmail   string `json:"calleeEmail"`
	TimeInitiated int64  `json:"timeInitiated"`
	Duration      int64  `json:"duration"`
	RoomName      string `json:"roomName"`
	Status        Status `json:"status"`
	Type          Type   `json:"type"`
}

// Session converts a wire record into a session without tokens.
func (r Record) Session() Session {
	return Session{
		RoomName:       r.RoomName,
		CallerIdentity: r.CallerEmail,
		CalleeIdentity: r.CalleeEmail,
		Type:           r.Type,
		Status:         r.Status,
		TimeInitiated:  r.TimeInitiated,
		Duration:       r.Duration,
	}
}

// Validate mirrors Session.Validate and additionally requires a status.
func (r Record) Validate() error {
	if err := r.Session().Validate(); err != nil {
		return err
	}
	if !r.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, r.Status)
	}
	return nil
}
