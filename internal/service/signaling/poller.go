package signaling

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callkit/internal/domain"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// AnswerPoller re-reads the signaling message on the initiator side until
// the responder answers or the call is terminated. A push signal for the
// same fact may arrive first; both paths feed the same coordinator
// transition, which is idempotent, so double delivery is harmless.
type AnswerPoller struct {
	transport      Transport
	conversationID uuid.UUID
	messageID      uuid.UUID
	interval       time.Duration
	onMetadata     func(domain.CallMetadata)

	cancel context.CancelFunc
}

// NewAnswerPoller creates a poller for one signaling message. onMetadata
// is invoked with every successfully read metadata snapshot.
func NewAnswerPoller(
	transport Transport,
	conversationID, messageID uuid.UUID,
	interval time.Duration,
	onMetadata func(domain.CallMetadata),
) *AnswerPoller {
	return &AnswerPoller{
		transport:      transport,
		conversationID: conversationID,
		messageID:      messageID,
		interval:       interval,
		onMetadata:     onMetadata,
	}
}

// Start launches the polling loop with an immediate first check. It
// returns once the loop goroutine is running.
func (p *AnswerPoller) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	go func() {
		// Immediate first check before the ticker cadence kicks in; the
		// call may already be past the ringing phase.
		if p.tick(ctx) {
			return
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if p.tick(ctx) {
					return
				}
			}
		}
	}()
}

// Stop cancels the polling loop. It must not wait for an in-flight
// check: a terminal status observed by a tick runs the call teardown
// from inside the tick's own callback, and that teardown calls Stop. A
// check resolving after Stop is discarded by the coordinator's epoch.
// Safe to call more than once, including before Start.
func (p *AnswerPoller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
}

// tick reads the signaling message once. Returns true when polling should
// stop because the call left the ringing phase.
func (p *AnswerPoller) tick(ctx context.Context) bool {
	metrics.AnswerPollTicks.Inc()

	meta, err := p.transport.ReadStatus(ctx, p.conversationID, p.messageID)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeSignalingReadMiss) {
			// Message store lag; the next tick retries.
			return false
		}
		if ctx.Err() != nil {
			return true
		}
		logger.Warn("answer poll read failed",
			zap.String("message_id", p.messageID.String()),
			zap.Error(err),
		)
		return false
	}

	p.onMetadata(meta)

	// Stop once the responder answered or the call reached a terminal
	// status; the coordinator owns everything past that point.
	return !meta.CallStatus.IsRingingPhase()
}
