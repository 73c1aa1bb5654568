package calls

import (
	"errors"
	"testing"
	"time"
)

func TestStatus_Transitions(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{"", StatusInitiated, true},
		{StatusInitiated, StatusAccepted, true},
		{StatusInitiated, StatusDeclined, true},
		{StatusInitiated, StatusEnded, true},
		{StatusAccepted, StatusEnded, true},
		{StatusAccepted, StatusInitiated, false},
		{StatusEnded, StatusAccepted, false},
		{StatusDeclined, StatusEnded, false},
		{StatusEnded, StatusEnded, true},
		{StatusAccepted, "ringing", false},
	}
	for _, tc := range cases {
		if got := tc.from.CanTransitionTo(tc.to); got != tc.ok {
			t.Fatalf("%q -> %q: expected %v, got %v", tc.from, tc.to, tc.ok, got)
		}
	}
}

func TestParseType(t *testing.T) {
	if typ, err := ParseType(" Video "); err != nil || typ != TypeVideo {
		t.Fatalf("expected video, got %q err=%v", typ, err)
	}
	if _, err := ParseType("fax"); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSession_PeerAndTokens(t *testing.T) {
	s := Session{
		RoomName:       "r1",
		CallerIdentity: "a@x.com",
		CalleeIdentity: "b@x.com",
		CallerToken:    "ta",
		CalleeToken:    "tb",
	}
	if s.Peer("a@x.com") != "b@x.com" || s.Peer("B@x.com") != "a@x.com" {
		t.Fatalf("unexpected peers")
	}
	if !s.IsCaller("A@X.com") {
		t.Fatalf("expected caller match to ignore case")
	}
	if s.TokenFor("b@x.com") != "tb" || s.TokenFor("c@x.com") != "" {
		t.Fatalf("unexpected token selection")
	}
}

func TestSession_RecordOmitsTokens(t *testing.T) {
	s := Session{RoomName: "r1", CallerIdentity: "a", CalleeIdentity: "b", Type: TypeVoice, Status: StatusInitiated, TimeInitiated: 42, CallerToken: "secret"}
	r := s.Record()
	if r.RoomName != "r1" || r.CallerEmail != "a" || r.Type != TypeVoice || r.TimeInitiated != 42 {
		t.Fatalf("unexpected record: %+v", r)
	}
	if back := r.Session(); back.CallerToken != "" {
		t.Fatalf("expected tokens not to round trip through the record")
	}
}

func TestRecord_Validate(t *testing.T) {
	good := Record{RoomName: "r1", CallerEmail: "a", CalleeEmail: "b", Type: TypeVideo, Status: StatusInitiated}
	if err := good.Validate(); err != nil {
		t.Fatalf("expected valid record, got %v", err)
	}
	bad := good
	bad.Status = ""
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing status to fail, got %v", err)
	}
	bad = good
	bad.CalleeEmail = " "
	if err := bad.Validate(); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected missing callee to fail, got %v", err)
	}
}

func TestPatch_MergeKeepsUnsentFields(t *testing.T) {
	current := Session{RoomName: "r1", Type: TypeVideo, CallerToken: "t", Status: StatusInitiated}

	p, err := ParsePatch([]byte(`{"roomName":"r1","status":"accepted"}`))
	if err != nil {
		t.Fatalf("ParsePatch: %v", err)
	}
	got := p.Apply(current)

	if got.Status != StatusAccepted {
		t.Fatalf("expected accepted, got %q", got.Status)
	}
	if got.CallerToken != "t" || got.Type != TypeVideo {
		t.Fatalf("expected token and type kept, got %+v", got)
	}
	if current.Status != StatusInitiated {
		t.Fatalf("expected input session untouched")
	}
}

func TestPatch_IgnoresOtherRoomAndBackwardStatus(t *testing.T) {
	s := Session{RoomName: "r1", Status: StatusEnded}
	if got := StatusPatch("r2", StatusAccepted).Apply(s); got != s {
		t.Fatalf("expected other room patch to be ignored")
	}
	if got := StatusPatch("r1", StatusAccepted).Apply(s); got.Status != StatusEnded {
		t.Fatalf("expected terminal status to stick, got %q", got.Status)
	}
}

func TestParsePatch_RejectsMalformed(t *testing.T) {
	for _, raw := range []string{`not json`, `{"status":"accepted"}`, `{"roomName":"r1","status":"ringing"}`, `{"roomName":"r1","type":"fax"}`} {
		if _, err := ParsePatch([]byte(raw)); !errors.Is(err, ErrInvalidArgument) {
			t.Fatalf("%s: expected ErrInvalidArgument, got %v", raw, err)
		}
	}
}

func TestPatchOf_Complete(t *testing.T) {
	p := PatchOf(Record{RoomName: "r1", CallerEmail: "a", CalleeEmail: "b", Type: TypeVoice, Status: StatusInitiated, TimeInitiated: 7})
	if !p.Complete() {
		t.Fatalf("expected complete patch")
	}
	s := p.Session()
	if s.CallerIdentity != "a" || s.TimeInitiated != 7 || s.Status != StatusInitiated {
		t.Fatalf("unexpected session: %+v", s)
	}
	if StatusPatch("r1", StatusEnded).Complete() {
		t.Fatalf("expected status-only patch to be incomplete")
	}
}

func TestNewRoomName_Shape(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	name := NewRoomName(now, func(n int) int { return n - 1 })
	if name != "call-1700000000123-999999999" {
		t.Fatalf("unexpected name %q", name)
	}
	if !ValidRoomName(name) {
		t.Fatalf("expected generated name to validate")
	}

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		n := NewRoomName(now, nil)
		if !ValidRoomName(n) {
			t.Fatalf("bad room name %q", n)
		}
		seen[n] = true
	}
	if len(seen) < 45 {
		t.Fatalf("expected random suffixes, got %d distinct", len(seen))
	}
}

func TestChannel(t *testing.T) {
	if Channel("a@x.com") != "user-a@x.com" {
		t.Fatalf("unexpected channel")
	}
}
