package calls

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Patch is a partial call record as delivered by a remote event. Absent JSON
// fields stay nil so merging never wipes fields the receiver already knows.
type Patch struct {
	RoomName       string  `json:"roomName"`
	CallerIdentity *string `json:"callerEmail,omitempty"`
	CalleeIdentity *string `json:"calleeEmail,omitempty"`
	Type           *Type   `json:"type,omitempty"`
	Status         *Status `json:"status,omitempty"`
	TimeInitiated  *int64  `json:"timeInitiated,omitempty"`
	Duration       *int64  `json:"duration,omitempty"`
}

// ParsePatch decodes a JSON object into a Patch and checks the fields that are present.
func ParsePatch(data []byte) (Patch, error) {
	var p Patch
	if err := json.Unmarshal(data, &p); err != nil {
		return Patch{}, fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	if err := p.Validate(); err != nil {
		return Patch{}, err
	}
	return p, nil
}

func (p Patch) Validate() error {
	if strings.TrimSpace(p.RoomName) == "" {
		return fmt.Errorf("%w: roomName required", ErrInvalidArgument)
	}
	if p.Type != nil && !p.Type.Valid() {
		return fmt.Errorf("%w: call type %q", ErrInvalidArgument, *p.Type)
	}
	if p.Status != nil && !p.Status.Valid() {
		return fmt.Errorf("%w: status %q", ErrInvalidArgument, *p.Status)
	}
	return nil
}

// Complete reports whether the patch carries enough to stand alone as a session.
func (p Patch) Complete() bool {
	return p.CallerIdentity != nil && *p.CallerIdentity != "" &&
		p.CalleeIdentity != nil && *p.CalleeIdentity != "" &&
		p.Type != nil && p.Type.Valid()
}

// Session builds a fresh session from the patch. Missing fields are zero.
func (p Patch) Session() Session {
	return p.Apply(Session{RoomName: p.RoomName})
}

// Apply merges the patch into s and returns the result; s is not modified.
// Patches for another room are ignored. A status that would move the call
// backwards is dropped while the other fields are still merged.
func (p Patch) Apply(s Session) Session {
	if s.RoomName != "" && s.RoomName != p.RoomName {
		return s
	}
	out := s
	out.RoomName = p.RoomName
	if p.CallerIdentity != nil && *p.CallerIdentity != "" {
		out.CallerIdentity = *p.CallerIdentity
	}
	if p.CalleeIdentity != nil && *p.CalleeIdentity != "" {
		out.CalleeIdentity = *p.CalleeIdentity
	}
	if p.Type != nil && p.Type.Valid() {
		out.Type = *p.Type
	}
	if p.TimeInitiated != nil && *p.TimeInitiated > 0 {
		out.TimeInitiated = *p.TimeInitiated
	}
	if p.Duration != nil && *p.Duration > 0 {
		out.Duration = *p.Duration
	}
	if p.Status != nil && out.Status.CanTransitionTo(*p.Status) {
		out.Status = *p.Status
	}
	return out
}

// PatchOf turns a full record into a patch that sets every field.
func PatchOf(r Record) Patch {
	p := Patch{RoomName: r.RoomName}
	caller, callee := r.CallerEmail, r.CalleeEmail
	typ, status := r.Type, r.Status
	ti, d := r.TimeInitiated, r.Duration
	p.CallerIdentity = &caller
	p.CalleeIdentity = &callee
	p.Type = &typ
	p.Status = &status
	p.TimeInitiated = &ti
	p.Duration = &d
	return p
}

// StatusPatch is the minimal patch carrying only a status change.
func StatusPatch(room string, st Status) Patch {
	return Patch{RoomName: room, Status: &st}
}
