// Package backend is the HTTP client for the call backend: call notifications,
// call history, and the video token and room endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"marketplace-calls/internal/calls"
)

var ErrInvalidArgument = errors.New("backend: invalid argument")

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Code)
	}
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the failure is worth a manual retry by the user.
func (e *StatusError) Temporary() bool {
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

const maxErrorBody = 512

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a client for baseURL (e.g. https://api.example.com/api).
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		BaseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// NotifyPath maps a status to its notification route.
func NotifyPath(st calls.Status) (string, error) {
	switch st {
	case calls.StatusInitiated:
		return "/call-notifications/incoming", nil
	case calls.StatusAccepted, calls.StatusDeclined, calls.StatusEnded:
		return "/call-notifications/" + string(st), nil
	default:
		return "", fmt.Errorf("%w: status %q", ErrInvalidArgument, st)
	}
}

// Notify posts rec with the given status and returns the backend's echo.
func (c *Client) Notify(ctx context.Context, st calls.Status, rec calls.Record) (calls.Record, error) {
	path, err := NotifyPath(st)
	if err != nil {
		return calls.Record{}, err
	}
	rec.Status = st
	var out calls.Record
	if err := c.do(ctx, http.MethodPost, path, rec, &out); err != nil {
		return calls.Record{}, err
	}
	return out, nil
}

func (c *Client) History(ctx context.Context, email string) ([]calls.Record, error) {
	return c.list(ctx, "/call-notifications/history/", email)
}

// Pending returns records whose status is not yet terminal.
func (c *Client) Pending(ctx context.Context, email string) ([]calls.Record, error) {
	return c.list(ctx, "/call-notifications/pending/", email)
}

func (c *Client) list(ctx context.Context, prefix, email string) ([]calls.Record, error) {
	if strings.TrimSpace(email) == "" {
		return nil, fmt.Errorf("%w: email required", ErrInvalidArgument)
	}
	var out []calls.Record
	if err := c.do(ctx, http.MethodGet, prefix+url.PathEscape(email), nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []calls.Record{}
	}
	return out, nil
}

type TokenRequest struct {
	Identity string `json:"identity"`
	RoomName string `json:"roomName"`
}

type TokenResponse struct {
	Token string `json:"token"`
}

// FetchToken implements credential.TokenSource.
func (c *Client) FetchToken(ctx context.Context, identity, room string) (string, error) {
	var out TokenResponse
	if err := c.do(ctx, http.MethodPost, "/twilio-video/token", TokenRequest{Identity: identity, RoomName: room}, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", errors.New("backend: token response missing token")
	}
	return out.Token, nil
}

type RoomRequest struct {
	RoomName string `json:"roomName"`
}

func (c *Client) CreateRoom(ctx context.Context, room string) error {
	return c.do(ctx, http.MethodPost, "/twilio-video/room", RoomRequest{RoomName: room}, nil)
}

func (c *Client) EndRoom(ctx context.Context, room string) error {
	return c.do(ctx, http.MethodPost, "/twilio-video/room/"+url.PathEscape(room)+"/end", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL not configured", ErrInvalidArgument)
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	hc := c.HTTP
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}
