package records

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"marketplace-calls/internal/calls"
	"marketplace-calls/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func rec(room string, st calls.Status, at int64) calls.Record {
	return calls.Record{
		CallerEmail:   "a@x.com",
		CalleeEmail:   "b@x.com",
		TimeInitiated: at,
		RoomName:      room,
		Status:        st,
		Type:          calls.TypeVideo,
	}
}

// exerciseRepo runs the behaviour every Repository must share.
func exerciseRepo(t *testing.T, repo Repository, prefix string) {
	ctx := context.Background()
	room := prefix + "r1"

	if _, _, err := repo.Save(ctx, calls.Record{RoomName: room, Status: calls.StatusAccepted}); !errors.Is(err, calls.ErrInvalidArgument) {
		t.Fatalf("expected incomplete new record to be rejected, got %v", err)
	}

	got, applied, err := repo.Save(ctx, rec(room, calls.StatusInitiated, 1000))
	if err != nil || !applied || got.Status != calls.StatusInitiated {
		t.Fatalf("initial save: %+v applied=%v err=%v", got, applied, err)
	}

	// a status-only update merges into the stored record
	got, applied, err = repo.Save(ctx, calls.Record{RoomName: room, Status: calls.StatusAccepted})
	if err != nil || !applied {
		t.Fatalf("accept: applied=%v err=%v", applied, err)
	}
	if got.CallerEmail != "a@x.com" || got.Type != calls.TypeVideo || got.TimeInitiated != 1000 {
		t.Fatalf("expected merge to keep fields, got %+v", got)
	}

	ended := rec(room, calls.StatusEnded, 1000)
	ended.Duration = 42
	if _, applied, err = repo.Save(ctx, ended); err != nil || !applied {
		t.Fatalf("end: applied=%v err=%v", applied, err)
	}

	// stale and duplicate updates never reopen or rewind
	for _, st := range []calls.Status{calls.StatusAccepted, calls.StatusInitiated, calls.StatusEnded} {
		got, applied, err = repo.Save(ctx, rec(room, st, 1000))
		if err != nil {
			t.Fatalf("stale save %s: %v", st, err)
		}
		if applied || got.Status != calls.StatusEnded {
			t.Fatalf("expected ended to stick after %s, got %s applied=%v", st, got.Status, applied)
		}
	}
	if got.Duration != 42 {
		t.Fatalf("expected duration kept, got %d", got.Duration)
	}

	stored, err := repo.Get(ctx, room)
	if err != nil || stored.Status != calls.StatusEnded {
		t.Fatalf("get: %+v %v", stored, err)
	}
	if _, err := repo.Get(ctx, prefix+"missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	trs, err := repo.Transitions(ctx, room)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	want := []calls.Status{calls.StatusInitiated, calls.StatusAccepted, calls.StatusEnded}
	if len(trs) != len(want) {
		t.Fatalf("expected %d transitions, got %+v", len(want), trs)
	}
	for i, tr := range trs {
		if tr.To != want[i] {
			t.Fatalf("transition %d: expected %s, got %s", i, want[i], tr.To)
		}
	}
	if trs[1].From != calls.StatusInitiated {
		t.Fatalf("expected from initiated, got %q", trs[1].From)
	}
}

func exerciseListing(t *testing.T, repo Repository, prefix string) {
	ctx := context.Background()
	for i, st := range []calls.Status{calls.StatusInitiated, calls.StatusEnded, calls.StatusAccepted} {
		if _, _, err := repo.Save(ctx, rec(fmt.Sprintf("%sl%d", prefix, i), st, int64(2000+i))); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	other := rec(prefix+"other", calls.StatusInitiated, 5000)
	other.CallerEmail, other.CalleeEmail = "c@x.com", "d@x.com"
	if _, _, err := repo.Save(ctx, other); err != nil {
		t.Fatalf("save: %v", err)
	}

	hist, err := repo.History(ctx, "B@x.com")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var mine []calls.Record
	for _, r := range hist {
		if len(r.RoomName) > len(prefix) && r.RoomName[:len(prefix)+1] == prefix+"l" {
			mine = append(mine, r)
		}
		if r.RoomName == prefix+"other" {
			t.Fatalf("history leaked another user's call")
		}
	}
	if len(mine) != 3 || mine[0].RoomName != prefix+"l2" {
		t.Fatalf("expected newest first, got %+v", mine)
	}

	pending, err := repo.Pending(ctx, "a@x.com")
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	for _, r := range pending {
		if r.Status.IsTerminal() {
			t.Fatalf("pending returned terminal call %+v", r)
		}
	}
	if empty, _ := repo.History(ctx, "nobody@x.com"); empty == nil || len(empty) != 0 {
		t.Fatalf("expected empty non-nil history, got %#v", empty)
	}
}

func TestMemoryRepo(t *testing.T) {
	exerciseRepo(t, NewMemoryRepo(), "")
	exerciseListing(t, NewMemoryRepo(), "")
}

func TestMemoryRepo_DeclinedAfterAcceptIsTerminal(t *testing.T) {
	repo := NewMemoryRepo()
	ctx := context.Background()
	if _, _, err := repo.Save(ctx, rec("r", calls.StatusInitiated, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, _, err := repo.Save(ctx, rec("r", calls.StatusDeclined, 1)); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, applied, _ := repo.Save(ctx, rec("r", calls.StatusEnded, 1))
	if applied || got.Status != calls.StatusDeclined {
		t.Fatalf("expected declined to stick, got %s applied=%v", got.Status, applied)
	}
}

// TestPostgresRepo runs against a real database when CALLS_TEST_DSN is set.
func TestPostgresRepo(t *testing.T) {
	dsn := os.Getenv("CALLS_TEST_DSN")
	if dsn == "" {
		t.Skip("CALLS_TEST_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := utils.OpenPostgres(ctx, "pgx", dsn, utils.PostgresPoolConfig{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer db.Close()

	repo := NewPostgresRepo(db)
	if err := repo.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	prefix := fmt.Sprintf("t%d-", time.Now().UnixNano())
	exerciseRepo(t, repo, prefix)
	exerciseListing(t, repo, prefix)
}
