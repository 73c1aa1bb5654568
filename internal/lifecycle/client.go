// Package lifecycle issues the four state-changing call operations (initiate,
// accept, decline, end) against the call backend.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"marketplace-calls/internal/calls"
)

var ErrInvalidArgument = errors.New("lifecycle: invalid argument")

// Backend is the subset of the backend HTTP client used here.
type Backend interface {
	Notify(ctx context.Context, st calls.Status, rec calls.Record) (calls.Record, error)
	History(ctx context.Context, email string) ([]calls.Record, error)
	Pending(ctx context.Context, email string) ([]calls.Record, error)
}

// RoomService is optional; room create/end calls are best-effort.
type RoomService interface {
	CreateRoom(ctx context.Context, room string) error
	EndRoom(ctx context.Context, room string) error
}

// Credentials issues per-(identity, room) tokens.
type Credentials interface {
	GetCredential(ctx context.Context, identity, room string) (string, error)
}

// InitiationError means no call was started; nothing partial is kept.
type InitiationError struct {
	RoomName string
	Err      error
}

func (e *InitiationError) Error() string {
	return fmt.Sprintf("call initiation failed for %s: %v", e.RoomName, e.Err)
}

func (e *InitiationError) Unwrap() error { return e.Err }

// ActionError is a failed accept. The offer itself stays untouched.
type ActionError struct {
	Action   calls.Status
	RoomName string
	Err      error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("call %s failed for %s: %v", e.Action, e.RoomName, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

type Client struct {
	backend Backend
	rooms   RoomService
	creds   Credentials
	log     *slog.Logger

	clock func() time.Time
	intn  func(int) int
}

type Option func(*Client)

// WithClock overrides time.Now for timeInitiated and room names.
func WithClock(clock func() time.Time) Option {
	return func(c *Client) { c.clock = clock }
}

// WithRand overrides the room suffix source.
func WithRand(intn func(int) int) Option {
	return func(c *Client) { c.intn = intn }
}

// WithRooms enables best-effort room creation and teardown.
func WithRooms(r RoomService) Option {
	return func(c *Client) { c.rooms = r }
}

func NewClient(backend Backend, creds Credentials, log *slog.Logger, opts ...Option) *Client {
	if log == nil {
		log = slog.Default()
	}
	c := &Client{
		backend: backend,
		creds:   creds,
		log:     log.With("component", "lifecycle"),
		clock:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Initiate starts a call. Both tokens and the incoming notification are
// requested concurrently and all three must succeed.
func (c *Client) Initiate(ctx context.Context, caller, callee string, typ calls.Type) (calls.Session, error) {
	caller, callee = strings.TrimSpace(caller), strings.TrimSpace(callee)
	if caller == "" || callee == "" {
		return calls.Session{}, fmt.Errorf("%w: caller and callee required", ErrInvalidArgument)
	}
	if strings.EqualFold(caller, callee) {
		return calls.Session{}, fmt.Errorf("%w: cannot call yourself", ErrInvalidArgument)
	}
	if !typ.Valid() {
		return calls.Session{}, fmt.Errorf("%w: call type %q", ErrInvalidArgument, typ)
	}

	now := c.clock()
	s := calls.Session{
		RoomName:       calls.NewRoomName(now, c.intn),
		CallerIdentity: caller,
		CalleeIdentity: callee,
		Type:           typ,
		Status:         calls.StatusInitiated,
		TimeInitiated:  now.UnixMilli(),
	}
	log := c.log.With("room", s.RoomName, "caller", caller, "callee", callee)

	if c.rooms != nil {
		if err := c.rooms.CreateRoom(ctx, s.RoomName); err != nil {
			log.Warn("room create failed, continuing", "err", err)
		}
	}

	var callerTok, calleeTok string
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		tok, err := c.creds.GetCredential(gctx, caller, s.RoomName)
		callerTok = tok
		return err
	})
	g.Go(func() error {
		tok, err := c.creds.GetCredential(gctx, callee, s.RoomName)
		calleeTok = tok
		return err
	})
	g.Go(func() error {
		_, err := c.backend.Notify(gctx, calls.StatusInitiated, s.Record())
		return err
	})
	if err := g.Wait(); err != nil {
		log.Warn("initiate failed", "err", err)
		return calls.Session{}, &InitiationError{RoomName: s.RoomName, Err: err}
	}

	s.CallerToken = callerTok
	s.CalleeToken = calleeTok
	log.Info("call initiated", "type", typ)
	return s, nil
}

// Accept tells the caller the call was picked up.
func (c *Client) Accept(ctx context.Context, s calls.Session) (calls.Session, error) {
	if err := s.Validate(); err != nil {
		return calls.Session{}, err
	}
	rec := s.Record()
	rec.Duration = 0
	if _, err := c.backend.Notify(ctx, calls.StatusAccepted, rec); err != nil {
		c.log.Warn("accept failed", "room", s.RoomName, "err", err)
		return calls.Session{}, &ActionError{Action: calls.StatusAccepted, RoomName: s.RoomName, Err: err}
	}
	out := calls.StatusPatch(s.RoomName, calls.StatusAccepted).Apply(s)
	c.log.Info("call accepted", "room", s.RoomName)
	return out, nil
}

// Decline posts the decline. Callers clear local state whatever this returns.
func (c *Client) Decline(ctx context.Context, s calls.Session) error {
	if err := s.Validate(); err != nil {
		return err
	}
	rec := s.Record()
	rec.Duration = 0
	if _, err := c.backend.Notify(ctx, calls.StatusDeclined, rec); err != nil {
		return &ActionError{Action: calls.StatusDeclined, RoomName: s.RoomName, Err: err}
	}
	c.log.Info("call declined", "room", s.RoomName)
	return nil
}

// End posts the end with the call's duration and releases the room best-effort.
// Callers tear down local state whatever this returns.
func (c *Client) End(ctx context.Context, s calls.Session, duration time.Duration) error {
	if err := s.Validate(); err != nil {
		return err
	}
	rec := s.Record()
	rec.Duration = int64(duration / time.Second)
	if rec.Duration < 0 {
		rec.Duration = 0
	}
	_, err := c.backend.Notify(ctx, calls.StatusEnded, rec)

	if c.rooms != nil {
		if rerr := c.rooms.EndRoom(ctx, s.RoomName); rerr != nil {
			c.log.Warn("room end failed", "room", s.RoomName, "err", rerr)
		}
	}
	if err != nil {
		return &ActionError{Action: calls.StatusEnded, RoomName: s.RoomName, Err: err}
	}
	c.log.Info("call ended", "room", s.RoomName, "duration_s", rec.Duration)
	return nil
}

func (c *Client) History(ctx context.Context, email string) ([]calls.Record, error) {
	return c.backend.History(ctx, email)
}

func (c *Client) Pending(ctx context.Context, email string) ([]calls.Record, error) {
	return c.backend.Pending(ctx, email)
}
