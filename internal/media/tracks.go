// Package media bootstraps and tears down the media side of one call: local
// tracks, the room connection, remote track attachment and the connected latch.
package media

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"marketplace-calls/internal/calls"
)

type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

var (
	ErrPermissionDenied = errors.New("media: permission denied")
	ErrDeviceBusy       = errors.New("media: device busy")
	ErrTrackStopped     = errors.New("media: track stopped")
)

// AcquisitionError means a local device could not be opened. It is fatal to
// call setup and is never retried automatically.
type AcquisitionError struct {
	Kind Kind
	Err  error
}

func (e *AcquisitionError) Error() string {
	return fmt.Sprintf("cannot acquire %s device: %v", e.Kind, e.Err)
}

func (e *AcquisitionError) Unwrap() error { return e.Err }

// DeviceAccess grants or refuses a capture device.
type DeviceAccess interface {
	Acquire(ctx context.Context, kind Kind) error
}

// DeviceFunc adapts a function to DeviceAccess.
type DeviceFunc func(ctx context.Context, kind Kind) error

func (f DeviceFunc) Acquire(ctx context.Context, kind Kind) error { return f(ctx, kind) }

// AllowAll grants every device.
var AllowAll = DeviceFunc(func(ctx context.Context, kind Kind) error { return ctx.Err() })

// LocalTrack is a captured stream backed by a pion sample track.
type LocalTrack struct {
	kind Kind
	pion *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	enabled bool
	stopped bool
}

func (t *LocalTrack) ID() string { return t.pion.ID() }

func (t *LocalTrack) Kind() Kind { return t.kind }

// Pion exposes the underlying track for adding to a peer connection.
func (t *LocalTrack) Pion() webrtc.TrackLocal { return t.pion }

func (t *LocalTrack) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled && !t.stopped
}

func (t *LocalTrack) SetEnabled(on bool) {
	t.mu.Lock()
	t.enabled = on
	t.mu.Unlock()
}

// Stop releases the device. A stopped track stays stopped.
func (t *LocalTrack) Stop() {
	t.mu.Lock()
	t.stopped = true
	t.mu.Unlock()
}

func (t *LocalTrack) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

// WriteSample forwards captured media; disabled tracks drop samples silently.
func (t *LocalTrack) WriteSample(s pionmedia.Sample) error {
	t.mu.Lock()
	enabled, stopped := t.enabled, t.stopped
	t.mu.Unlock()
	if stopped {
		return ErrTrackStopped
	}
	if !enabled {
		return nil
	}
	return t.pion.WriteSample(s)
}

func codecFor(kind Kind) webrtc.RTPCodecCapability {
	if kind == KindVideo {
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}
	return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
}

// TrackFactory creates the local tracks for a call.
type TrackFactory struct {
	Devices DeviceAccess
}

// CreateLocalTracks always captures audio and adds video only for video calls.
// Tracks acquired before a failure are stopped.
func (f *TrackFactory) CreateLocalTracks(ctx context.Context, typ calls.Type) ([]*LocalTrack, error) {
	kinds := []Kind{KindAudio}
	if typ == calls.TypeVideo {
		kinds = append(kinds, KindVideo)
	}
	devices := f.Devices
	if devices == nil {
		devices = AllowAll
	}

	stream := "local-" + uuid.NewString()
	out := make([]*LocalTrack, 0, len(kinds))
	for _, k := range kinds {
		if err := devices.Acquire(ctx, k); err != nil {
			stopAll(out)
			return nil, &AcquisitionError{Kind: k, Err: err}
		}
		pt, err := webrtc.NewTrackLocalStaticSample(codecFor(k), string(k)+"-"+uuid.NewString(), stream)
		if err != nil {
			stopAll(out)
			return nil, &AcquisitionError{Kind: k, Err: err}
		}
		out = append(out, &LocalTrack{kind: k, pion: pt, enabled: true})
	}
	return out, nil
}

func stopAll(tracks []*LocalTrack) {
	for _, t := range tracks {
		t.Stop()
	}
}

// RemoteTrack is a track published by another participant.
type RemoteTrack struct {
	ID          string
	Kind        Kind
	Participant string
}
