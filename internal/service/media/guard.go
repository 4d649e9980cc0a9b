package media

import (
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// CollisionGuard validates that a track the relay reports as remote is not
// the local participant's own track mislabeled. The relay can echo a
// publication back, and under identifier reuse a stale numeric id can
// point at the local side; accepting either renders the user's own video
// as the peer's.
//
// A rejected publication is never an error: the event is dropped and a
// loopback counter is bumped.
type CollisionGuard struct {
	localNumericID uint32
	localTracks    []domain.MediaTrackHandle
}

// NewCollisionGuard creates a guard for the local identity and its
// currently held local tracks
func NewCollisionGuard(localNumericID uint32, localTracks []domain.MediaTrackHandle) *CollisionGuard {
	tracks := make([]domain.MediaTrackHandle, len(localTracks))
	copy(tracks, localTracks)
	return &CollisionGuard{
		localNumericID: localNumericID,
		localTracks:    tracks,
	}
}

// Admission is a publication that passed the entry checks. It pins the
// snapshot taken at callback entry so the attach step can detect the
// handle mutating while the render was scheduled.
type Admission struct {
	guard    *CollisionGuard
	snapshot domain.MediaTrackHandle
}

// Admit runs the collision checks on a just-published track. Returns nil
// when the publication must be dropped.
func (g *CollisionGuard) Admit(track domain.MediaTrackHandle) *Admission {
	if !g.check(track) {
		g.reject(track, "entry")
		return nil
	}
	return &Admission{guard: g, snapshot: track}
}

// Confirm re-validates immediately before the track is attached. current
// is the handle as re-read at attach time; it must still match the
// admission snapshot, and the snapshot must still pass both checks. The
// comparison runs against the snapshot, not a freshly read value, so a
// mutation between callback entry and render is caught rather than
// re-blessed.
func (a *Admission) Confirm(current domain.MediaTrackHandle) (domain.MediaTrackHandle, bool) {
	if current.TrackID != a.snapshot.TrackID || current.OwnerNumericID != a.snapshot.OwnerNumericID {
		a.guard.reject(current, "mutated")
		return domain.MediaTrackHandle{}, false
	}
	if !a.guard.check(a.snapshot) {
		a.guard.reject(a.snapshot, "confirm")
		return domain.MediaTrackHandle{}, false
	}

	admitted := a.snapshot
	admitted.Origin = domain.TrackOriginRemote
	return admitted, true
}

// check applies both collision rules: the owner must be a set, non-local
// numeric id, and the track id must differ from every held local track.
func (g *CollisionGuard) check(track domain.MediaTrackHandle) bool {
	if track.OwnerNumericID == 0 || track.OwnerNumericID == g.localNumericID {
		return false
	}
	for _, local := range g.localTracks {
		if local.TrackID == track.TrackID || local.SameTrack(track) {
			return false
		}
	}
	return true
}

func (g *CollisionGuard) reject(track domain.MediaTrackHandle, stage string) {
	metrics.SelfLoopbackRejectedTotal.Inc()
	logger.Debug("rejected self-loopback publication",
		zap.String("track_id", track.TrackID),
		zap.Uint32("owner_numeric_id", track.OwnerNumericID),
		zap.Uint32("local_numeric_id", g.localNumericID),
		zap.String("stage", stage),
	)
}
