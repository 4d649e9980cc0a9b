package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallMode represents the kind of call
type CallMode string

const (
	CallModeVoice CallMode = "voice"
	CallModeVideo CallMode = "video"
)

// CallRole represents which side of the call this participant is on
type CallRole string

const (
	RoleInitiator CallRole = "initiator"
	RoleResponder CallRole = "responder"
)

// CallStatus represents the lifecycle state of a call session
type CallStatus string

const (
	StatusCalling   CallStatus = "calling"
	StatusRinging   CallStatus = "ringing"
	StatusAnswered  CallStatus = "answered"
	StatusConnected CallStatus = "connected"
	StatusEnded     CallStatus = "ended"
	StatusMissed    CallStatus = "missed"
	StatusCancelled CallStatus = "cancelled"
)

// Rank gives the monotonic ordering of call statuses. Transitions must
// never decrease the rank; terminal statuses are absorbing.
func (s CallStatus) Rank() int {
	switch s {
	case StatusCalling, StatusRinging:
		return 1
	case StatusAnswered:
		return 2
	case StatusConnected:
		return 3
	case StatusEnded, StatusMissed, StatusCancelled:
		return 4
	default:
		return 0
	}
}

// IsTerminal reports whether the status is absorbing
func (s CallStatus) IsTerminal() bool {
	switch s {
	case StatusEnded, StatusMissed, StatusCancelled:
		return true
	}
	return false
}

// IsRingingPhase reports whether the call is still awaiting an answer
func (s CallStatus) IsRingingPhase() bool {
	return s == StatusCalling || s == StatusRinging
}

// CallSession represents one call attempt between two chat participants
type CallSession struct {
	// SessionID identifies the backing signaling message
	SessionID      uuid.UUID  `json:"session_id"`
	ConversationID uuid.UUID  `json:"conversation_id"`
	ChannelName    string     `json:"channel_name"` // <=64 bytes
	Mode           CallMode   `json:"mode"`
	Role           CallRole   `json:"role"`
	Status         CallStatus `json:"status"`
	PeerID         uuid.UUID  `json:"peer_id"`
	StartedAt      time.Time  `json:"started_at"`
	AnsweredAt     *time.Time `json:"answered_at,omitempty"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	// DurationSeconds is non-zero only if both peers actually joined media
	DurationSeconds int `json:"duration_seconds"`
}

// ParticipantIdentity is the ephemeral identity of one participant inside
// the media relay, scoped to a single call session
type ParticipantIdentity struct {
	UserID uuid.UUID `json:"user_id"`
	// NumericID is randomly derived per join attempt and must be unique
	// within the session's participants
	NumericID  uint32         `json:"numeric_id"`
	Credential JoinCredential `json:"credential"`
}

// JoinCredential is a time-limited token authorizing one numeric id to
// join one media relay session
type JoinCredential struct {
	RelayAppID string     `json:"relay_app_id"`
	Token      string     `json:"token"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// CallRecord is the persisted call-history row written by the finalizer
type CallRecord struct {
	CallID          uuid.UUID  `json:"call_id"`
	ConversationID  uuid.UUID  `json:"conversation_id"`
	CallerID        uuid.UUID  `json:"caller_id"`
	Mode            CallMode   `json:"call_type"`
	Status          CallStatus `json:"status"`
	StartedAt       time.Time  `json:"started_at"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int        `json:"duration_seconds"`
}
