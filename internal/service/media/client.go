// Package media wraps the relay session client: joining and leaving the
// SFU-style media relay, publishing local tracks, subscribing to remote
// publications, and defending against the relay echoing a local track back
// as a remote one.
package media

import (
	"context"
	"crypto/rand"
	"encoding/binary"

	"callkit/internal/domain"
)

// JoinRequest carries everything needed to join one relay session
type JoinRequest struct {
	ChannelName string
	Identity    domain.ParticipantIdentity
	// AudioOnly skips camera acquisition entirely (voice calls)
	AudioOnly bool
}

// JoinResult reports how the join actually came up
type JoinResult struct {
	// VideoEnabled is false when the request asked for video but camera
	// acquisition failed and the call degraded to audio-only
	VideoEnabled bool
	// DegradeReason carries the camera error behind a degrade, nil
	// otherwise
	DegradeReason error
}

// RemoteUser is a relay participant other than the local one
type RemoteUser struct {
	NumericID uint32
	Tracks    []domain.MediaTrackHandle
}

// Client is one logical attachment to a relay session. A Client is
// single-use: after Leave, a fresh Client joins the same session. Leave is
// idempotent and safe concurrently with a pending Join.
type Client interface {
	Join(ctx context.Context, req JoinRequest) (JoinResult, error)
	Leave(ctx context.Context) error

	SetMuted(muted bool) error
	SetVideoEnabled(enabled bool) error

	LocalTracks() []domain.MediaTrackHandle
	LocalVideoTrack() *domain.MediaTrackHandle
	RemoteUsers() []RemoteUser

	// OnRemotePublished registers the publish callback. Must be set
	// before Join; the relay can deliver a publication immediately after
	// the join ack.
	OnRemotePublished(fn func(domain.MediaTrackHandle))
	OnRemoteUnpublished(fn func(numericID uint32))
}

// ClientFactory produces a fresh Client per join attempt. The retry
// controller discards a conflicted client and asks for a new one.
type ClientFactory func() Client

// DeviceSource acquires local capture devices. Acquisition errors carry
// the media error codes from pkg/errors: microphone denial is fatal for
// the attempt, camera denial or busy degrades the call to audio-only.
type DeviceSource interface {
	AcquireMicrophone(ctx context.Context) (domain.MediaTrackHandle, error)
	AcquireCamera(ctx context.Context) (domain.MediaTrackHandle, error)
	Release(handle domain.MediaTrackHandle)
}

// NewNumericID derives a fresh random relay participant id. Zero is
// reserved by the relay for "unset", so it is never returned.
func NewNumericID() uint32 {
	var buf [4]byte
	for {
		if _, err := rand.Read(buf[:]); err != nil {
			// crypto/rand failing means the platform entropy source is
			// broken; there is no meaningful fallback for an identifier
			// that must not collide.
			panic(err)
		}
		id := binary.BigEndian.Uint32(buf[:])
		if id != 0 {
			return id
		}
	}
}
