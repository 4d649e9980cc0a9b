package media

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/internal/domain"
)

func localTracks() []domain.MediaTrackHandle {
	return []domain.MediaTrackHandle{
		{Origin: domain.TrackOriginLocal, Kind: domain.TrackKindAudio, TrackID: "audio-local", OwnerNumericID: 1001},
		{Origin: domain.TrackOriginLocal, Kind: domain.TrackKindVideo, TrackID: "video-local", OwnerNumericID: 1001},
	}
}

func TestGuardAdmitsGenuineRemoteTrack(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	remote := domain.MediaTrackHandle{Kind: domain.TrackKindVideo, TrackID: "video-remote", OwnerNumericID: 2002}
	admission := guard.Admit(remote)
	require.NotNil(t, admission)

	admitted, ok := admission.Confirm(remote)
	require.True(t, ok)
	assert.Equal(t, domain.TrackOriginRemote, admitted.Origin)
	assert.Equal(t, "video-remote", admitted.TrackID)
}

func TestGuardRejectsLocalNumericID(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	track := domain.MediaTrackHandle{Kind: domain.TrackKindVideo, TrackID: "video-echo", OwnerNumericID: 1001}
	assert.Nil(t, guard.Admit(track))
}

func TestGuardRejectsUnsetNumericID(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	track := domain.MediaTrackHandle{Kind: domain.TrackKindVideo, TrackID: "video-x", OwnerNumericID: 0}
	assert.Nil(t, guard.Admit(track))
}

func TestGuardRejectsLocalTrackIDReuse(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	// Relay echo: remote numeric id but a locally held track id.
	track := domain.MediaTrackHandle{Kind: domain.TrackKindVideo, TrackID: "video-local", OwnerNumericID: 2002}
	assert.Nil(t, guard.Admit(track))
}

func TestGuardRejectsMutationBetweenAdmitAndConfirm(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	remote := domain.MediaTrackHandle{Kind: domain.TrackKindVideo, TrackID: "video-remote", OwnerNumericID: 2002}
	admission := guard.Admit(remote)
	require.NotNil(t, admission)

	// The handle's owner changed while the render step was scheduled.
	mutated := remote
	mutated.OwnerNumericID = 1001
	_, ok := admission.Confirm(mutated)
	assert.False(t, ok)
}

func TestGuardRejectsTrackIDMutation(t *testing.T) {
	guard := NewCollisionGuard(1001, localTracks())

	remote := domain.MediaTrackHandle{Kind: domain.TrackKindAudio, TrackID: "audio-remote", OwnerNumericID: 2002}
	admission := guard.Admit(remote)
	require.NotNil(t, admission)

	mutated := remote
	mutated.TrackID = "audio-local"
	_, ok := admission.Confirm(mutated)
	assert.False(t, ok)
}

func TestGuardSnapshotIsolatedFromLaterLocalTracks(t *testing.T) {
	tracks := localTracks()
	guard := NewCollisionGuard(1001, tracks)

	// Mutating the caller's slice after construction must not affect the
	// guard's snapshot.
	tracks[0].TrackID = "audio-remote"

	remote := domain.MediaTrackHandle{Kind: domain.TrackKindAudio, TrackID: "audio-remote", OwnerNumericID: 2002}
	admission := guard.Admit(remote)
	require.NotNil(t, admission)

	_, ok := admission.Confirm(remote)
	assert.True(t, ok)
}

func TestNewNumericIDNeverZero(t *testing.T) {
	for i := 0; i < 1000; i++ {
		assert.NotZero(t, NewNumericID())
	}
}
