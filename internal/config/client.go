package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"
)

// ClientConfig holds the knobs for one calling client (a phone).
// Timeouts and bounds here are the single authoritative values for every
// call surface in the process.
type ClientConfig struct {
	Env string

	// APIBaseURL is the call backend, e.g. https://api.example.com/api.
	APIBaseURL string
	// PushURL is the push gateway websocket endpoint, e.g. wss://push.example.com/app/calls.
	PushURL string

	HTTPTimeout time.Duration

	// RingTimeout is how long an unanswered incoming call rings before it is
	// declined locally.
	RingTimeout time.Duration

	// JoinAttempts bounds media room joins per call (total attempts, not retries).
	JoinAttempts   int
	JoinRetryDelay time.Duration

	// ReconnectDelay is the fixed wait before redialing the push connection.
	// Attempts are unbounded.
	ReconnectDelay time.Duration

	CredentialTTL time.Duration
}

const (
	DefaultRingTimeout    = 30 * time.Second
	DefaultJoinAttempts   = 3
	DefaultJoinRetryDelay = time.Second
	DefaultReconnectDelay = 3 * time.Second
	DefaultCredentialTTL  = time.Hour
	DefaultHTTPTimeout    = 10 * time.Second
)

// LoadClient reads and validates the client configuration.
func LoadClient() (ClientConfig, error) {
	c := ClientConfig{}
	var parseErrs []error

	c.Env = strings.TrimSpace(os.Getenv("APP_ENV"))
	c.APIBaseURL = strings.TrimSpace(os.Getenv("CALL_API_BASE_URL"))
	c.PushURL = strings.TrimSpace(os.Getenv("CALL_PUSH_URL"))

	c.HTTPTimeout, parseErrs = durationOr(parseErrs, "CALL_HTTP_TIMEOUT", 0)
	c.RingTimeout, parseErrs = durationOr(parseErrs, "CALL_RING_TIMEOUT", 0)
	c.JoinAttempts, parseErrs = intOr(parseErrs, "CALL_JOIN_ATTEMPTS", 0)
	c.JoinRetryDelay, parseErrs = durationOr(parseErrs, "CALL_JOIN_RETRY_DELAY", 0)
	c.ReconnectDelay, parseErrs = durationOr(parseErrs, "PUSH_RECONNECT_DELAY", 0)
	c.CredentialTTL, parseErrs = durationOr(parseErrs, "CALL_CREDENTIAL_TTL", 0)

	if err := joinErrors(parseErrs); err != nil {
		return ClientConfig{}, err
	}
	if err := c.Validate(); err != nil {
		return ClientConfig{}, err
	}
	return c, nil
}

// Validate checks the client configuration and fills defaults in place.
func (c *ClientConfig) Validate() error {
	var errs []error

	if c.Env == "" {
		c.Env = "local"
	} else if !isValidEnv(c.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.Env))
	}

	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("CALL_API_BASE_URL is required"))
	} else if err := checkURL(c.APIBaseURL, "http", "https"); err != nil {
		errs = append(errs, fmt.Errorf("CALL_API_BASE_URL: %w", err))
	}
	if c.PushURL != "" {
		if err := checkURL(c.PushURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("CALL_PUSH_URL: %w", err))
		}
	}

	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.JoinAttempts < 0 {
		errs = append(errs, fmt.Errorf("CALL_JOIN_ATTEMPTS must be >= 1, got %d", c.JoinAttempts))
	} else if c.JoinAttempts == 0 {
		c.JoinAttempts = DefaultJoinAttempts
	}
	if c.JoinRetryDelay <= 0 {
		c.JoinRetryDelay = DefaultJoinRetryDelay
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	if c.CredentialTTL <= 0 {
		c.CredentialTTL = DefaultCredentialTTL
	}

	return joinErrors(errs)
}

func checkURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("missing host in %q", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %s, got %q", strings.Join(schemes, ", "), u.Scheme)
}
