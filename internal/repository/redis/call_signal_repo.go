package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/logger"
)

// CallSignalRepository mirrors signaling writes over Redis Pub/Sub so the
// peer's coordinator learns about status changes without waiting for its
// next poll tick. Delivery is best-effort; polling remains the source of
// truth.
type CallSignalRepository struct {
	client *redis.Client
}

// NewCallSignalRepository creates a new CallSignalRepository
func NewCallSignalRepository(client *redis.Client) *CallSignalRepository {
	return &CallSignalRepository{client: client}
}

func signalChannel(conversationID uuid.UUID) string {
	return fmt.Sprintf("call:%s", conversationID)
}

// PublishCallSignal publishes the signal on the conversation's call channel
func (r *CallSignalRepository) PublishCallSignal(ctx context.Context, conversationID uuid.UUID, signal domain.CallSignal) error {
	payload, err := json.Marshal(signal)
	if err != nil {
		return fmt.Errorf("failed to marshal call signal: %w", err)
	}

	if err := r.client.Publish(ctx, signalChannel(conversationID), payload).Err(); err != nil {
		return fmt.Errorf("failed to publish call signal: %w", err)
	}

	return nil
}

// SubscribeCallSignals subscribes to a conversation's call channel and
// forwards decoded signals until the context is cancelled. The returned
// channel is closed on exit.
func (r *CallSignalRepository) SubscribeCallSignals(ctx context.Context, conversationID uuid.UUID) (<-chan domain.CallSignal, error) {
	pubsub := r.client.Subscribe(ctx, signalChannel(conversationID))

	// Force the subscription to be established before returning so a
	// signal published right after this call is not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to call signals: %w", err)
	}

	out := make(chan domain.CallSignal, 8)

	go func() {
		defer close(out)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var signal domain.CallSignal
				if err := json.Unmarshal([]byte(msg.Payload), &signal); err != nil {
					logger.Warn("dropping malformed call signal",
						zap.String("conversation_id", conversationID.String()),
						zap.Error(err),
					)
					continue
				}
				select {
				case out <- signal:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}
