package domain

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Metadata keys the coordinator owns on a signaling message. The message
// itself belongs to the chat message store; everything else in its
// metadata map is left untouched.
const (
	MetaCallType     = "call_type"
	MetaCallStatus   = "call_status"
	MetaChannelName  = "channel_name"
	MetaCallerID     = "caller_id"
	MetaCallerName   = "caller_name"
	MetaAnsweredAt   = "answered_at"
	MetaRejectedAt   = "rejected_at"
	MetaEndedAt      = "ended_at"
	MetaCallDuration = "call_duration"
)

// SignalingMessage is the coordinator's view of the chat message that
// carries call lifecycle state in its metadata
type SignalingMessage struct {
	MessageID      uuid.UUID    `json:"message_id"`
	ConversationID uuid.UUID    `json:"conversation_id"`
	SenderID       uuid.UUID    `json:"sender_id"`
	Metadata       CallMetadata `json:"metadata"`
	SentAt         time.Time    `json:"sent_at"`
}

// CallSignal mirrors one signaling write onto the realtime push channel.
// Fields carries exactly the metadata entries that were written.
type CallSignal struct {
	MessageID uuid.UUID         `json:"message_id"`
	Fields    map[string]string `json:"fields"`
}

// CallMetadata is the decoded call metadata of a signaling message
type CallMetadata struct {
	CallType    CallMode   `json:"call_type"`
	CallStatus  CallStatus `json:"call_status"`
	ChannelName string     `json:"channel_name"`
	CallerID    string     `json:"caller_id"`
	CallerName  string     `json:"caller_name,omitempty"`
	AnsweredAt  *time.Time `json:"answered_at,omitempty"`
	RejectedAt  *time.Time `json:"rejected_at,omitempty"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
	// CallDuration is in whole seconds
	CallDuration *int `json:"call_duration,omitempty"`
}

// MetadataPatch is a partial metadata update. Only non-nil fields are
// written; merges are last-write-wins per field, never whole-object.
type MetadataPatch struct {
	CallStatus   *CallStatus
	AnsweredAt   *time.Time
	RejectedAt   *time.Time
	EndedAt      *time.Time
	CallDuration *int
}

// StatusPatch builds a patch that only moves call_status
func StatusPatch(status CallStatus) MetadataPatch {
	return MetadataPatch{CallStatus: &status}
}

// Fields renders the patch as metadata map entries
func (p MetadataPatch) Fields() map[string]string {
	fields := make(map[string]string, 4)
	if p.CallStatus != nil {
		fields[MetaCallStatus] = string(*p.CallStatus)
	}
	if p.AnsweredAt != nil {
		fields[MetaAnsweredAt] = p.AnsweredAt.UTC().Format(time.RFC3339)
	}
	if p.RejectedAt != nil {
		fields[MetaRejectedAt] = p.RejectedAt.UTC().Format(time.RFC3339)
	}
	if p.EndedAt != nil {
		fields[MetaEndedAt] = p.EndedAt.UTC().Format(time.RFC3339)
	}
	if p.CallDuration != nil {
		fields[MetaCallDuration] = strconv.Itoa(*p.CallDuration)
	}
	return fields
}

// Apply merges the patch into the metadata, field-level last-write-wins
func (p MetadataPatch) Apply(meta *CallMetadata) {
	if p.CallStatus != nil {
		meta.CallStatus = *p.CallStatus
	}
	if p.AnsweredAt != nil {
		meta.AnsweredAt = p.AnsweredAt
	}
	if p.RejectedAt != nil {
		meta.RejectedAt = p.RejectedAt
	}
	if p.EndedAt != nil {
		meta.EndedAt = p.EndedAt
	}
	if p.CallDuration != nil {
		meta.CallDuration = p.CallDuration
	}
}

// ToFields encodes the full metadata as message store map entries
func (m CallMetadata) ToFields() map[string]string {
	fields := map[string]string{
		MetaCallType:    string(m.CallType),
		MetaCallStatus:  string(m.CallStatus),
		MetaChannelName: m.ChannelName,
		MetaCallerID:    m.CallerID,
	}
	if m.CallerName != "" {
		fields[MetaCallerName] = m.CallerName
	}
	if m.AnsweredAt != nil {
		fields[MetaAnsweredAt] = m.AnsweredAt.UTC().Format(time.RFC3339)
	}
	if m.RejectedAt != nil {
		fields[MetaRejectedAt] = m.RejectedAt.UTC().Format(time.RFC3339)
	}
	if m.EndedAt != nil {
		fields[MetaEndedAt] = m.EndedAt.UTC().Format(time.RFC3339)
	}
	if m.CallDuration != nil {
		fields[MetaCallDuration] = strconv.Itoa(*m.CallDuration)
	}
	return fields
}

// MetadataFromFields decodes message store map entries. Unknown keys are
// ignored; malformed timestamps are dropped rather than failing the read.
func MetadataFromFields(fields map[string]string) CallMetadata {
	meta := CallMetadata{
		CallType:    CallMode(fields[MetaCallType]),
		CallStatus:  CallStatus(fields[MetaCallStatus]),
		ChannelName: fields[MetaChannelName],
		CallerID:    fields[MetaCallerID],
		CallerName:  fields[MetaCallerName],
	}
	meta.AnsweredAt = parseTimeField(fields, MetaAnsweredAt)
	meta.RejectedAt = parseTimeField(fields, MetaRejectedAt)
	meta.EndedAt = parseTimeField(fields, MetaEndedAt)
	if raw, ok := fields[MetaCallDuration]; ok {
		if seconds, err := strconv.Atoi(raw); err == nil {
			meta.CallDuration = &seconds
		}
	}
	return meta
}

func parseTimeField(fields map[string]string, key string) *time.Time {
	raw, ok := fields[key]
	if !ok || raw == "" {
		return nil
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil
	}
	return &ts
}
