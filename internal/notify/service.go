// Package notify is the call-notification service of the reference backend:
// it persists each lifecycle step and pushes the matching event to the
// parties' channels.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"marketplace-calls/internal/calls"
	"marketplace-calls/internal/events"
	"marketplace-calls/internal/metrics"
	"marketplace-calls/internal/records"
)

var (
	ErrInvalidArgument = errors.New("notify: invalid argument")
	ErrPublish         = errors.New("notify: publish failed")
)

type Service struct {
	repo    records.Repository
	pub     Publisher
	log     *slog.Logger
	metrics *metrics.Metrics
}

func NewService(repo records.Repository, pub Publisher, m *metrics.Metrics, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{repo: repo, pub: pub, metrics: m, log: log.With("component", "notify")}
}

// Targets lists the channels an event for st goes to: the callee hears about
// a new call, the caller about the answer, and both about the end.
func Targets(st calls.Status, rec calls.Record) []string {
	switch st {
	case calls.StatusInitiated:
		return []string{calls.Channel(rec.CalleeEmail)}
	case calls.StatusAccepted, calls.StatusDeclined:
		return []string{calls.Channel(rec.CallerEmail)}
	case calls.StatusEnded:
		return []string{calls.Channel(rec.CallerEmail), calls.Channel(rec.CalleeEmail)}
	}
	return nil
}

// Notify stores the step and publishes it; st wins over the body's status.
// A step that would move the call backwards is stored as a no-op and not
// published. The stored record is returned either way.
func (s *Service) Notify(ctx context.Context, st calls.Status, rec calls.Record) (calls.Record, error) {
	if !st.Valid() {
		return calls.Record{}, fmt.Errorf("%w: status %q", ErrInvalidArgument, st)
	}
	log := s.log.With("room", rec.RoomName, "status", st)
	if rec.Status != "" && rec.Status != st {
		log.Debug("body status overridden by route", "body", rec.Status)
	}
	rec.Status = st

	stored, applied, err := s.repo.Save(ctx, rec)
	if err != nil {
		s.count(st, "error")
		return calls.Record{}, err
	}
	if stored.Status != st {
		log.Info("stale notification ignored", "stored", stored.Status)
		s.count(st, "stale")
		return stored, nil
	}
	if applied && st == calls.StatusEnded && s.metrics != nil {
		s.metrics.CallDuration.Observe(float64(stored.Duration))
	}

	name, _ := events.NameFor(st)
	data, err := json.Marshal(stored)
	if err != nil {
		return calls.Record{}, err
	}
	d := Delivery{
		Event:    name,
		Record:   stored,
		Channels: Targets(st, stored),
		Data:     data,
	}
	if err := s.pub.Deliver(ctx, d); err != nil {
		log.Error("publish failed", "err", err)
		s.count(st, "error")
		return stored, fmt.Errorf("%w: %v", ErrPublish, err)
	}
	log.Info("call notification published", "event", d.Event, "duplicate", !applied)
	s.count(st, "published")
	return stored, nil
}

func (s *Service) History(ctx context.Context, email string) ([]calls.Record, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email required", ErrInvalidArgument)
	}
	return s.repo.History(ctx, email)
}

func (s *Service) Pending(ctx context.Context, email string) ([]calls.Record, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email required", ErrInvalidArgument)
	}
	return s.repo.Pending(ctx, email)
}

func (s *Service) count(st calls.Status, result string) {
	if s.metrics != nil {
		s.metrics.Notifications.WithLabelValues(string(st), result).Inc()
	}
}
