package domain

// EventKind identifies a call event emitted to the UI layer
type EventKind string

const (
	EventStatusChanged EventKind = "status_changed"
	EventRemoteJoined  EventKind = "remote_joined"
	EventRemoteLeft    EventKind = "remote_left"
	EventDurationTick  EventKind = "duration_tick"
	EventCallEnded     EventKind = "call_ended"
)

// CallEvent is pushed to the embedding chat application. It is the only
// output crossing the coordinator's boundary.
type CallEvent struct {
	Kind   EventKind  `json:"kind"`
	Status CallStatus `json:"status,omitempty"`
	// Seconds carries the running duration for duration_tick and the
	// final duration for call_ended
	Seconds int `json:"seconds,omitempty"`
	// UserMessage is set only for permission and secure-context failures
	// that the UI should surface
	UserMessage string `json:"user_message,omitempty"`
}

// EventSink receives call events. Implementations must not block; the
// coordinator calls it from its event loop.
type EventSink func(CallEvent)
