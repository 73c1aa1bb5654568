package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace-calls/internal/config"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidArgument = errors.New("auth: invalid argument")
	ErrWrongRoom       = errors.New("auth: token not valid for this room")
)

// Manager issues and verifies media room access tokens.
type Manager struct {
	secret     []byte
	apiKey     string
	accountSID string
	ttl        time.Duration
}

func NewManager(cfg config.VideoConfig) (*Manager, error) {
	if cfg.APISecret == "" {
		return nil, errors.New("VIDEO_API_SECRET is required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Manager{
		secret:     []byte(cfg.APISecret),
		apiKey:     cfg.APIKey,
		accountSID: cfg.AccountSID,
		ttl:        ttl,
	}, nil
}

func (m *Manager) TTL() time.Duration { return m.ttl }

/* ===================== ISSUE TOKENS ===================== */

// IssueRoomToken signs a token letting identity join room.
func (m *Manager) IssueRoomToken(now time.Time, identity, room string) (string, error) {
	identity, room = strings.TrimSpace(identity), strings.TrimSpace(room)
	if identity == "" || room == "" {
		return "", fmt.Errorf("%w: identity and roomName required", ErrInvalidArgument)
	}

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.apiKey,
			Subject:   m.accountSID,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
			ID:        m.apiKey + "-" + uuid.NewString(),
		},
		Grants: Grants{
			Identity: identity,
			Video:    &VideoGrant{Room: room},
		},
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	t.Header["cty"] = "twilio-fpa;v=1"
	return t.SignedString(m.secret)
}

/* ===================== VERIFY TOKEN ===================== */

func (m *Manager) Verify(tokenString string, now time.Time) (Claims, error) {
	var claims Claims

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(func() time.Time { return now }),
		jwt.WithLeeway(30 * time.Second), // clock skew tolerance
		jwt.WithIssuedAt(),
		jwt.WithExpirationRequired(),
	}
	if m.apiKey != "" {
		opts = append(opts, jwt.WithIssuer(m.apiKey))
	}
	parser := jwt.NewParser(opts...)

	_, err := parser.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (any, error) {
		return m.secret, nil
	})
	if err != nil {
		return Claims{}, err
	}

	if m.accountSID != "" && claims.Subject != m.accountSID {
		return Claims{}, errors.New("account mismatch")
	}
	if claims.Grants.Identity == "" {
		return Claims{}, errors.New("identity missing")
	}
	if claims.Grants.Video == nil || claims.Grants.Video.Room == "" {
		return Claims{}, errors.New("video grant missing")
	}
	return claims, nil
}

// VerifyRoom checks that token admits identity to room.
func (m *Manager) VerifyRoom(token, identity, room string, now time.Time) error {
	claims, err := m.Verify(token, now)
	if err != nil {
		return err
	}
	if !strings.EqualFold(claims.Grants.Identity, identity) || claims.Grants.Video.Room != room {
		return ErrWrongRoom
	}
	return nil
}
