package domain

// TrackOrigin classifies where a media track comes from
type TrackOrigin string

const (
	TrackOriginLocal  TrackOrigin = "local"
	TrackOriginRemote TrackOrigin = "remote"
)

// TrackKind is the media kind of a track
type TrackKind string

const (
	TrackKindAudio TrackKind = "audio"
	TrackKindVideo TrackKind = "video"
)

// MediaTrackHandle identifies one published track inside the relay session.
//
// A handle may be classified remote only if OwnerNumericID differs from the
// local participant's numeric id and TrackID differs from every currently
// held local track id. The relay can echo a local publication back with a
// reused identifier; the collision guard enforces this invariant.
type MediaTrackHandle struct {
	Origin         TrackOrigin `json:"origin"`
	Kind           TrackKind   `json:"kind"`
	TrackID        string      `json:"track_id"`
	OwnerNumericID uint32      `json:"owner_numeric_id"`
}

// SameTrack reports whether two handles refer to the same underlying track
func (h MediaTrackHandle) SameTrack(other MediaTrackHandle) bool {
	return h.TrackID == other.TrackID && h.Kind == other.Kind
}
