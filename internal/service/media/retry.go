package media

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/internal/service/credential"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// Joiner joins the relay session with bounded retry on numeric identifier
// conflicts. Each retry discards the failed client, waits a settle delay,
// regenerates the numeric id with fresh entropy and fetches a credential
// for it before re-attempting.
type Joiner struct {
	factory     ClientFactory
	credentials credential.Provider
	maxRetries  int
	settleDelay time.Duration
}

// NewJoiner creates a Joiner. maxRetries counts retries after the first
// attempt; the reference budget is 2.
func NewJoiner(factory ClientFactory, credentials credential.Provider, maxRetries int, settleDelay time.Duration) *Joiner {
	return &Joiner{
		factory:     factory,
		credentials: credentials,
		maxRetries:  maxRetries,
		settleDelay: settleDelay,
	}
}

// JoinOutcome is a successfully joined session
type JoinOutcome struct {
	Client   Client
	Identity domain.ParticipantIdentity
	Result   JoinResult
}

// Join runs the attempt loop. wire registers callbacks on each fresh
// client before its join, so retries never lose the event wiring.
//
// Error classes: IdentifierConflict beyond the budget surfaces as
// JoinFailed; TeardownRace passes through untouched (benign cancellation);
// CredentialUnavailable and everything else abort immediately.
func (j *Joiner) Join(ctx context.Context, channelName string, userID uuid.UUID, audioOnly bool, wire func(Client)) (JoinOutcome, error) {
	var lastErr error

	for attempt := 0; attempt <= j.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.JoinRetryTotal.Inc()
			logger.Info("retrying relay join with fresh identifier",
				zap.String("channel", channelName),
				zap.Int("attempt", attempt),
			)
			select {
			case <-time.After(j.settleDelay):
			case <-ctx.Done():
				return JoinOutcome{}, apperrors.TeardownRaceError()
			}
		}

		identity := domain.ParticipantIdentity{
			UserID:    userID,
			NumericID: NewNumericID(),
		}

		cred, err := j.credentials.Fetch(ctx, identity.NumericID)
		if err != nil {
			return JoinOutcome{}, err
		}
		identity.Credential = cred

		client := j.factory()
		if wire != nil {
			wire(client)
		}

		result, err := client.Join(ctx, JoinRequest{
			ChannelName: channelName,
			Identity:    identity,
			AudioOnly:   audioOnly,
		})
		if err == nil {
			return JoinOutcome{Client: client, Identity: identity, Result: result}, nil
		}

		switch apperrors.CodeOf(err) {
		case apperrors.ErrCodeIdentifierConflict:
			// Discard the failed client entirely; a half-joined relay
			// attachment must not linger into the retry.
			_ = client.Leave(ctx)
			lastErr = err
			continue
		case apperrors.ErrCodeTeardownRace:
			return JoinOutcome{}, err
		default:
			_ = client.Leave(ctx)
			return JoinOutcome{}, err
		}
	}

	metrics.JoinFailedTotal.Inc()
	return JoinOutcome{}, apperrors.JoinFailedError(lastErr)
}
