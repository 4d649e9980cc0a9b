package media

import (
	"context"

	"callkit/internal/domain"
)

// FuncDeviceSource adapts host-provided capture hooks into a DeviceSource.
// The coordinator runs embedded in the chat application, which owns the
// actual capture pipeline; the coordinator only needs track handles.
type FuncDeviceSource struct {
	Microphone func(ctx context.Context) (domain.MediaTrackHandle, error)
	Camera     func(ctx context.Context) (domain.MediaTrackHandle, error)
	Releaser   func(handle domain.MediaTrackHandle)
}

// AcquireMicrophone acquires the local microphone track
func (s *FuncDeviceSource) AcquireMicrophone(ctx context.Context) (domain.MediaTrackHandle, error) {
	return s.Microphone(ctx)
}

// AcquireCamera acquires the local camera track
func (s *FuncDeviceSource) AcquireCamera(ctx context.Context) (domain.MediaTrackHandle, error) {
	return s.Camera(ctx)
}

// Release releases a previously acquired track
func (s *FuncDeviceSource) Release(handle domain.MediaTrackHandle) {
	if s.Releaser != nil {
		s.Releaser(handle)
	}
}

// DefaultDeviceSource returns a source that fabricates track handles
// without touching hardware. Hosts that capture real media substitute
// their own hooks.
func DefaultDeviceSource() *FuncDeviceSource {
	return &FuncDeviceSource{
		Microphone: func(ctx context.Context) (domain.MediaTrackHandle, error) {
			return domain.MediaTrackHandle{
				Origin:  domain.TrackOriginLocal,
				Kind:    domain.TrackKindAudio,
				TrackID: NewTrackID(domain.TrackKindAudio),
			}, nil
		},
		Camera: func(ctx context.Context) (domain.MediaTrackHandle, error) {
			return domain.MediaTrackHandle{
				Origin:  domain.TrackOriginLocal,
				Kind:    domain.TrackKindVideo,
				TrackID: NewTrackID(domain.TrackKindVideo),
			}, nil
		},
	}
}
