// Package records stores call records for the reference backend.
//
// Invariants:
//   - A record's status only moves forward (see calls.Status.CanTransitionTo).
//   - Terminal records are never reopened; later saves may still fill in
//     missing fields such as the duration.
//   - Every applied status change is appended to the transition log, which is
//     never updated or deleted.
package records

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-calls/internal/calls"
)

var ErrNotFound = errors.New("records: not found")

// DefaultHistoryLimit caps History results.
const DefaultHistoryLimit = 100

type Repository interface {
	// Save merges rec into the stored record for its room. The returned record
	// is what is stored afterwards; applied is false when the status did not
	// move (a duplicate or a stale update).
	Save(ctx context.Context, rec calls.Record) (stored calls.Record, applied bool, err error)
	Get(ctx context.Context, room string) (calls.Record, error)
	// History lists calls involving email, newest first.
	History(ctx context.Context, email string) ([]calls.Record, error)
	// Pending lists the non-terminal calls involving email, newest first.
	Pending(ctx context.Context, email string) ([]calls.Record, error)
	Transitions(ctx context.Context, room string) ([]Transition, error)
}

// Transition is one applied status change.
type Transition struct {
	RoomName string       `json:"roomName"`
	From     calls.Status `json:"from,omitempty"`
	To       calls.Status `json:"to"`
	At       time.Time    `json:"at"`
}

// merge applies in on top of existing (nil for a new room). A new room needs
// a complete record.
func merge(existing *calls.Record, in calls.Record) (calls.Record, bool, error) {
	if strings.TrimSpace(in.RoomName) == "" {
		return calls.Record{}, false, fmt.Errorf("%w: roomName required", calls.ErrInvalidArgument)
	}
	if in.Status != "" && !in.Status.Valid() {
		return calls.Record{}, false, fmt.Errorf("%w: status %q", calls.ErrInvalidArgument, in.Status)
	}
	if existing == nil {
		if err := in.Validate(); err != nil {
			return calls.Record{}, false, err
		}
		return in, true, nil
	}
	before := existing.Status
	out := calls.PatchOf(in).Apply(existing.Session()).Record()
	return out, out.Status != before, nil
}

func involves(r calls.Record, email string) bool {
	return strings.EqualFold(r.CallerEmail, email) || strings.EqualFold(r.CalleeEmail, email)
}
