package cassandra

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/google/uuid"

	"callkit/internal/domain"
)

// SignalingRepository stores call signaling messages in the chat's
// Cassandra messages table. Call state rides in the metadata map column;
// Cassandra merges map updates per key, which gives the field-level
// last-write-wins semantics the coordinator relies on when both peers
// patch the same message.
type SignalingRepository struct {
	session *gocql.Session
	// lookbackBuckets is how many monthly buckets a read scans before
	// declaring the message absent
	lookbackBuckets int
	// scanLimit caps how many recent messages a bucket scan inspects
	scanLimit int
}

// NewSignalingRepository creates a new SignalingRepository
func NewSignalingRepository(session *gocql.Session) *SignalingRepository {
	return &SignalingRepository{
		session:         session,
		lookbackBuckets: 2,
		scanLimit:       100,
	}
}

// bucketFor computes the monthly time bucket for a message timestamp
func bucketFor(t time.Time) int {
	return t.Year()*100 + int(t.Month())
}

// AppendCallMessage inserts the signaling message as a chat message of
// type "call"
func (r *SignalingRepository) AppendCallMessage(ctx context.Context, msg *domain.SignalingMessage) error {
	if msg.MessageID == uuid.Nil {
		msg.MessageID = uuid.New()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = time.Now()
	}

	query := `
		INSERT INTO messages (
			conversation_id, bucket, message_id, sender_id, content,
			message_type, metadata, sent_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		msg.ConversationID,
		bucketFor(msg.SentAt),
		msg.MessageID,
		msg.SenderID,
		callContent(msg.Metadata),
		"call",
		msg.Metadata.ToFields(),
		msg.SentAt,
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to append call message: %w", err)
	}

	return nil
}

// MergeCallMetadata merges the given fields into the message's metadata
// map. Only the supplied keys change; Cassandra resolves concurrent
// writers per key, last write wins.
func (r *SignalingRepository) MergeCallMetadata(ctx context.Context, conversationID, messageID uuid.UUID, fields map[string]string) error {
	row, err := r.findMessage(ctx, conversationID, messageID)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("signaling message %s not found for metadata merge", messageID)
	}

	query := `
		UPDATE messages
		SET metadata = metadata + ?
		WHERE conversation_id = ? AND bucket = ? AND sent_at = ? AND message_id = ?
	`

	err = r.session.Query(query,
		fields,
		conversationID,
		row.bucket,
		row.sentAt,
		messageID,
	).WithContext(ctx).Exec()

	if err != nil {
		return fmt.Errorf("failed to merge call metadata: %w", err)
	}

	return nil
}

// GetCallMessage reads the signaling message back from the recent message
// list. Returns nil when the message is not visible yet; the transport
// maps that to a retryable read miss.
func (r *SignalingRepository) GetCallMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*domain.SignalingMessage, error) {
	row, err := r.findMessage(ctx, conversationID, messageID)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, nil
	}

	return &domain.SignalingMessage{
		MessageID:      messageID,
		ConversationID: conversationID,
		SenderID:       row.senderID,
		Metadata:       domain.MetadataFromFields(row.metadata),
		SentAt:         row.sentAt,
	}, nil
}

type messageRow struct {
	bucket   int
	senderID uuid.UUID
	metadata map[string]string
	sentAt   time.Time
}

// findMessage scans the current bucket and up to lookbackBuckets previous
// ones for the message. The table is keyed by conversation and bucket, so
// a call started near a month boundary can land one bucket back.
func (r *SignalingRepository) findMessage(ctx context.Context, conversationID, messageID uuid.UUID) (*messageRow, error) {
	now := time.Now()

	for i := 0; i < r.lookbackBuckets; i++ {
		bucket := bucketFor(now.AddDate(0, -i, 0))

		query := `
			SELECT message_id, sender_id, metadata, sent_at
			FROM messages
			WHERE conversation_id = ? AND bucket = ?
			ORDER BY sent_at DESC
			LIMIT ?
		`

		iter := r.session.Query(query, conversationID, bucket, r.scanLimit).WithContext(ctx).Iter()

		var (
			rowID    uuid.UUID
			senderID uuid.UUID
			metadata map[string]string
			sentAt   time.Time
		)
		found := false
		for iter.Scan(&rowID, &senderID, &metadata, &sentAt) {
			if rowID == messageID {
				found = true
				break
			}
			metadata = nil
		}
		if err := iter.Close(); err != nil {
			return nil, fmt.Errorf("failed to scan messages bucket %d: %w", bucket, err)
		}
		if found {
			return &messageRow{
				bucket:   bucket,
				senderID: senderID,
				metadata: metadata,
				sentAt:   sentAt,
			}, nil
		}
	}

	return nil, nil
}

// callContent renders the human-visible message body shown in the chat
// transcript for a call message
func callContent(meta domain.CallMetadata) string {
	if meta.CallType == domain.CallModeVideo {
		return "Video call"
	}
	return "Voice call"
}
