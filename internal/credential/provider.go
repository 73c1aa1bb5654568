package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"
)

var ErrInvalidArgument = errors.New("credential: invalid argument")

// TokenSource fetches a fresh token from the issuing endpoint.
type TokenSource interface {
	FetchToken(ctx context.Context, identity, room string) (string, error)
}

// FetchError is returned when the token endpoint cannot be reached or refuses.
type FetchError struct {
	Identity string
	Room     string
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("credential fetch failed for %s in %s: %v", e.Identity, e.Room, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Provider is the read-through credential adapter. Concurrent misses for the
// same key share one network request.
type Provider struct {
	src   TokenSource
	cache *Cache
	log   *slog.Logger

	group singleflight.Group
}

func NewProvider(src TokenSource, cache *Cache, log *slog.Logger) *Provider {
	if cache == nil {
		cache = NewCache(DefaultTTL, nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Provider{src: src, cache: cache, log: log.With("component", "credential")}
}

// Cache exposes the backing cache, e.g. to seed a token obtained elsewhere.
func (p *Provider) Cache() *Cache { return p.cache }

// GetCredential returns a cached token or fetches, caches and returns a new one.
// Failures are returned as *FetchError and are never retried here.
func (p *Provider) GetCredential(ctx context.Context, identity, room string) (string, error) {
	if strings.TrimSpace(identity) == "" || strings.TrimSpace(room) == "" {
		return "", fmt.Errorf("%w: identity and room required", ErrInvalidArgument)
	}
	if tok, ok := p.cache.Get(identity, room); ok {
		return tok, nil
	}
	if p.src == nil {
		return "", &FetchError{Identity: identity, Room: room, Err: errors.New("no token source configured")}
	}

	v, err, shared := p.group.Do(identity+"\x00"+room, func() (any, error) {
		if tok, ok := p.cache.Get(identity, room); ok {
			return tok, nil
		}
		tok, err := p.src.FetchToken(ctx, identity, room)
		if err != nil {
			return "", err
		}
		if tok == "" {
			return "", errors.New("empty token in response")
		}
		p.cache.Put(identity, room, tok)
		return tok, nil
	})
	if err != nil {
		p.log.Warn("credential fetch failed", "identity", identity, "room", room, "err", err)
		return "", &FetchError{Identity: identity, Room: room, Err: err}
	}
	if shared {
		p.log.Debug("credential fetch shared", "identity", identity, "room", room)
	}
	return v.(string), nil
}
