package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketplace-calls/internal/calls"
)

func TestNotify_PostsToStatusRoute(t *testing.T) {
	var gotPath string
	var gotBody calls.Record
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(gotBody)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/", time.Second)
	rec := calls.Record{CallerEmail: "a", CalleeEmail: "b", RoomName: "r1", Type: calls.TypeVideo, TimeInitiated: 9}

	out, err := c.Notify(context.Background(), calls.StatusInitiated, rec)
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if gotPath != "/api/call-notifications/incoming" {
		t.Fatalf("unexpected path %q", gotPath)
	}
	if gotBody.Status != calls.StatusInitiated || out.RoomName != "r1" {
		t.Fatalf("unexpected body %+v / echo %+v", gotBody, out)
	}

	if _, err := c.Notify(context.Background(), calls.StatusEnded, rec); err != nil {
		t.Fatalf("Notify ended: %v", err)
	}
	if gotPath != "/api/call-notifications/ended" || gotBody.Status != calls.StatusEnded {
		t.Fatalf("unexpected ended request %q %+v", gotPath, gotBody)
	}
}

func TestNotify_Non2xxIsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	_, err := c.Notify(context.Background(), calls.StatusAccepted, calls.Record{RoomName: "r1"})
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Code != http.StatusServiceUnavailable || se.Body != "backend down" || !se.Temporary() {
		t.Fatalf("unexpected status error %+v", se)
	}
}

func TestNotify_RejectsUnknownStatus(t *testing.T) {
	c := NewClient("http://example.invalid", time.Second)
	if _, err := c.Notify(context.Background(), "ringing", calls.Record{}); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestHistoryAndPending(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/call-notifications/history/a@x.com":
			_ = json.NewEncoder(w).Encode([]calls.Record{{RoomName: "r1"}, {RoomName: "r2"}})
		case "/call-notifications/pending/a@x.com":
			_, _ = w.Write([]byte("null"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	hist, err := c.History(context.Background(), "a@x.com")
	if err != nil || len(hist) != 2 {
		t.Fatalf("History: %v %+v", err, hist)
	}
	pend, err := c.Pending(context.Background(), "a@x.com")
	if err != nil || pend == nil || len(pend) != 0 {
		t.Fatalf("Pending: %v %+v", err, pend)
	}
	if _, err := c.History(context.Background(), " "); !errors.Is(err, ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestFetchTokenAndRooms(t *testing.T) {
	var paths []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		if r.URL.Path == "/twilio-video/token" {
			var req TokenRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			_ = json.NewEncoder(w).Encode(TokenResponse{Token: "jwt-" + req.Identity + "-" + req.RoomName})
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	tok, err := c.FetchToken(context.Background(), "a", "r1")
	if err != nil || tok != "jwt-a-r1" {
		t.Fatalf("FetchToken: %q %v", tok, err)
	}
	if err := c.CreateRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	if err := c.EndRoom(context.Background(), "r1"); err != nil {
		t.Fatalf("EndRoom: %v", err)
	}
	want := []string{"/twilio-video/token", "/twilio-video/room", "/twilio-video/room/r1/end"}
	for i, p := range want {
		if paths[i] != p {
			t.Fatalf("request %d: expected %s, got %s", i, p, paths[i])
		}
	}
}

func TestFetchToken_EmptyTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	if _, err := NewClient(srv.URL, time.Second).FetchToken(context.Background(), "a", "r1"); err == nil {
		t.Fatalf("expected error for empty token")
	}
}
