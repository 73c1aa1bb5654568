package records

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"marketplace-calls/internal/calls"
)

// MemoryRepo keeps records in process. Used by tests, the CLI demo and the
// memory store of the reference backend.
type MemoryRepo struct {
	clock func() time.Time

	mu          sync.Mutex
	records     map[string]calls.Record
	transitions []Transition
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{clock: time.Now, records: make(map[string]calls.Record)}
}

func (r *MemoryRepo) Save(ctx context.Context, rec calls.Record) (calls.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return calls.Record{}, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var existing *calls.Record
	if cur, ok := r.records[rec.RoomName]; ok {
		existing = &cur
	}
	out, applied, err := merge(existing, rec)
	if err != nil {
		return calls.Record{}, false, err
	}
	r.records[out.RoomName] = out
	if applied {
		t := Transition{RoomName: out.RoomName, To: out.Status, At: r.clock().UTC()}
		if existing != nil {
			t.From = existing.Status
		}
		r.transitions = append(r.transitions, t)
	}
	return out, applied, nil
}

func (r *MemoryRepo) Get(ctx context.Context, room string) (calls.Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[room]
	if !ok {
		return calls.Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRepo) History(ctx context.Context, email string) ([]calls.Record, error) {
	return r.list(email, func(calls.Record) bool { return true }), nil
}

func (r *MemoryRepo) Pending(ctx context.Context, email string) ([]calls.Record, error) {
	return r.list(email, func(rec calls.Record) bool { return !rec.Status.IsTerminal() }), nil
}

func (r *MemoryRepo) list(email string, keep func(calls.Record) bool) []calls.Record {
	email = strings.TrimSpace(email)
	r.mu.Lock()
	out := make([]calls.Record, 0)
	for _, rec := range r.records {
		if involves(rec, email) && keep(rec) {
			out = append(out, rec)
		}
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].TimeInitiated != out[j].TimeInitiated {
			return out[i].TimeInitiated > out[j].TimeInitiated
		}
		return out[i].RoomName < out[j].RoomName
	})
	if len(out) > DefaultHistoryLimit {
		out = out[:DefaultHistoryLimit]
	}
	return out
}

func (r *MemoryRepo) Transitions(ctx context.Context, room string) ([]Transition, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transition
	for _, t := range r.transitions {
		if t.RoomName == room {
			out = append(out, t)
		}
	}
	return out, nil
}
