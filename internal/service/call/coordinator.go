// Package call orchestrates one call attempt end to end: signaling over
// the chat message store, joining the media relay, the caller/callee state
// machine, and finalizing the call record.
package call

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/internal/service/channel"
	"callkit/internal/service/media"
	"callkit/internal/service/signaling"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
	"callkit/pkg/metrics"
)

// SignalSubscriber is the push side channel. It may deliver the same fact
// the answer poller reads; both paths route through the same idempotent
// transition, so double delivery is harmless.
type SignalSubscriber interface {
	SubscribeCallSignals(ctx context.Context, conversationID uuid.UUID) (<-chan domain.CallSignal, error)
}

// Options carries the coordinator's tunables and optional collaborators
type Options struct {
	// PollInterval is the answer poller tick (reference: 2s)
	PollInterval time.Duration
	// Subscriber short-circuits polling when set; may be nil
	Subscriber SignalSubscriber
	// Finalizer persists the finished call; a zero Finalizer only logs
	Finalizer *RecordFinalizer
	// Sink receives UI events; may be nil
	Sink domain.EventSink
}

// Coordinator owns exactly one call attempt at a time for one dialog
// instance. All session state lives in private fields with an explicit
// lifecycle; every status change routes through one transition function.
type Coordinator struct {
	userID    uuid.UUID
	userName  string
	transport signaling.Transport
	joiner    *media.Joiner
	opts      Options

	mu       sync.Mutex
	session  *domain.CallSession
	client   media.Client
	guard    *media.CollisionGuard
	identity domain.ParticipantIdentity
	poller   *signaling.AnswerPoller

	// epoch invalidates in-flight async work (joins, ticks, push reads)
	// from a previous attempt or after teardown
	epoch int
	// pendingRemote holds a publication that arrived before the answered
	// transition; connected must never bypass answered
	pendingRemote *domain.MediaTrackHandle
	connectedAt   time.Time
	subCancel     context.CancelFunc
	tickCancel    context.CancelFunc
	closed        bool

	// now is swappable for tests
	now func() time.Time
}

// NewCoordinator creates a coordinator for one dialog instance
func NewCoordinator(userID uuid.UUID, userName string, transport signaling.Transport, joiner *media.Joiner, opts Options) *Coordinator {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	return &Coordinator{
		userID:    userID,
		userName:  userName,
		transport: transport,
		joiner:    joiner,
		opts:      opts,
		now:       time.Now,
	}
}

// Session returns a copy of the active session, or nil
func (c *Coordinator) Session() *domain.CallSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return nil
	}
	copied := *c.session
	return &copied
}

// StartCall sends the call invitation and begins ringing as initiator.
// The media session is joined early so the caller sees their own preview
// while the callee's phone rings.
func (c *Coordinator) StartCall(ctx context.Context, conversationID, peerID uuid.UUID, mode domain.CallMode) (*domain.CallSession, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.CallEndedError()
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}

	channelName := channel.ForConversation(conversationID, mode)
	now := c.now()
	meta := domain.CallMetadata{
		CallType:    mode,
		CallStatus:  domain.StatusCalling,
		ChannelName: channelName,
		CallerID:    c.userID.String(),
		CallerName:  c.userName,
	}
	c.mu.Unlock()

	messageID, err := c.transport.SendInvite(ctx, conversationID, c.userID, meta)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.closed || c.session != nil {
		// The dialog closed, or another call started, while the invite
		// was in flight; this attempt is dead on arrival.
		c.mu.Unlock()
		return nil, apperrors.TeardownRaceError()
	}
	c.epoch++
	epoch := c.epoch
	c.session = &domain.CallSession{
		SessionID:      messageID,
		ConversationID: conversationID,
		ChannelName:    channelName,
		Mode:           mode,
		Role:           domain.RoleInitiator,
		Status:         domain.StatusCalling,
		PeerID:         peerID,
		StartedAt:      now,
	}
	session := *c.session
	c.mu.Unlock()

	metrics.CallStartedTotal.WithLabelValues(string(mode), string(domain.RoleInitiator)).Inc()
	c.emit(domain.CallEvent{Kind: domain.EventStatusChanged, Status: domain.StatusCalling})

	if c.opts.Finalizer != nil {
		c.opts.Finalizer.RecordStart(ctx, &session, c.userID)
	}

	c.startPoller(conversationID, messageID, epoch)
	c.startSubscription(conversationID, messageID, epoch)
	go c.joinMedia(context.Background(), epoch, channelName, mode == domain.CallModeVoice)

	return &session, nil
}

// HandleInvite registers an incoming call invitation on the responder
// side and starts ringing. The signaling message arrives through the
// chat's normal message delivery; the UI hands it to the coordinator.
func (c *Coordinator) HandleInvite(ctx context.Context, msg domain.SignalingMessage) (*domain.CallSession, error) {
	if msg.Metadata.CallStatus != domain.StatusCalling {
		return nil, apperrors.InvalidInputError("invite message is not in calling state")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, apperrors.CallEndedError()
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil, apperrors.CallInProgressError()
	}

	c.epoch++
	epoch := c.epoch
	c.session = &domain.CallSession{
		SessionID:      msg.MessageID,
		ConversationID: msg.ConversationID,
		ChannelName:    msg.Metadata.ChannelName,
		Mode:           msg.Metadata.CallType,
		Role:           domain.RoleResponder,
		Status:         domain.StatusRinging,
		PeerID:         msg.SenderID,
		StartedAt:      c.now(),
	}
	session := *c.session
	c.mu.Unlock()

	metrics.CallStartedTotal.WithLabelValues(string(session.Mode), string(domain.RoleResponder)).Inc()
	c.emit(domain.CallEvent{Kind: domain.EventStatusChanged, Status: domain.StatusRinging})

	// The responder does not poll; it only watches the push channel for
	// the caller cancelling or the call ending elsewhere.
	c.startSubscription(msg.ConversationID, msg.MessageID, epoch)

	return &session, nil
}

// Answer accepts the incoming call: publish the answered status and join
// the media session
func (c *Coordinator) Answer(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.Role != domain.RoleResponder {
		c.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	if !c.session.Status.IsRingingPhase() {
		c.mu.Unlock()
		return apperrors.CallEndedError()
	}
	epoch := c.epoch
	conversationID := c.session.ConversationID
	messageID := c.session.SessionID
	channelName := c.session.ChannelName
	audioOnly := c.session.Mode == domain.CallModeVoice
	c.mu.Unlock()

	answeredAt := c.now()
	status := domain.StatusAnswered
	patch := domain.MetadataPatch{CallStatus: &status, AnsweredAt: &answeredAt}
	if err := c.transport.PatchStatus(ctx, conversationID, messageID, patch); err != nil {
		return err
	}

	c.applyTransition(epoch, domain.StatusAnswered, &answeredAt)
	go c.joinMedia(context.Background(), epoch, channelName, audioOnly)
	return nil
}

// Reject declines the incoming call; the caller observes it as missed
func (c *Coordinator) Reject(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.Role != domain.RoleResponder || !c.session.Status.IsRingingPhase() {
		c.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	epoch := c.epoch
	c.mu.Unlock()

	rejectedAt := c.now()
	c.terminate(ctx, epoch, domain.StatusMissed, &rejectedAt)
	return nil
}

// Cancel withdraws an unanswered outgoing call
func (c *Coordinator) Cancel(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil || c.session.Role != domain.RoleInitiator || !c.session.Status.IsRingingPhase() {
		c.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	epoch := c.epoch
	c.mu.Unlock()

	c.terminate(ctx, epoch, domain.StatusCancelled, nil)
	return nil
}

// Hangup ends the call from any active state
func (c *Coordinator) Hangup(ctx context.Context) error {
	c.mu.Lock()
	if c.session == nil {
		c.mu.Unlock()
		return apperrors.CallNotFoundError()
	}
	epoch := c.epoch
	status := c.session.Status
	role := c.session.Role
	c.mu.Unlock()

	c.terminate(ctx, epoch, hangupStatus(status, role), nil)
	return nil
}

// Close force-terminates whatever is in flight and disposes the
// coordinator. Safe to call at any state, including repeatedly.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	hasSession := c.session != nil
	epoch := c.epoch
	var status domain.CallStatus
	var role domain.CallRole
	if hasSession {
		status = c.session.Status
		role = c.session.Role
	}
	c.mu.Unlock()

	if hasSession {
		c.terminate(context.Background(), epoch, hangupStatus(status, role), nil)
	}
}

// hangupStatus maps the state at hangup time to the final status
func hangupStatus(current domain.CallStatus, role domain.CallRole) domain.CallStatus {
	switch {
	case current == domain.StatusConnected || current == domain.StatusAnswered:
		return domain.StatusEnded
	case role == domain.RoleResponder && current.IsRingingPhase():
		return domain.StatusMissed
	default:
		return domain.StatusCancelled
	}
}

// SetMuted toggles the local audio publication
func (c *Coordinator) SetMuted(muted bool) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return apperrors.CallNotFoundError()
	}
	return client.SetMuted(muted)
}

// SetVideoEnabled toggles the local video publication
func (c *Coordinator) SetVideoEnabled(enabled bool) error {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return apperrors.CallNotFoundError()
	}
	return client.SetVideoEnabled(enabled)
}

// LocalVideoTrack returns the caller-preview track, nil when audio-only
// or not yet joined
func (c *Coordinator) LocalVideoTrack() *domain.MediaTrackHandle {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return nil
	}
	return client.LocalVideoTrack()
}

// --- signaling inputs -------------------------------------------------

func (c *Coordinator) startPoller(conversationID, messageID uuid.UUID, epoch int) {
	poller := signaling.NewAnswerPoller(
		c.transport,
		conversationID,
		messageID,
		c.opts.PollInterval,
		func(meta domain.CallMetadata) {
			c.applyRemoteMetadata(epoch, meta)
		},
	)

	c.mu.Lock()
	c.poller = poller
	c.mu.Unlock()

	poller.Start(context.Background())
}

func (c *Coordinator) startSubscription(conversationID, messageID uuid.UUID, epoch int) {
	if c.opts.Subscriber == nil {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	signals, err := c.opts.Subscriber.SubscribeCallSignals(ctx, conversationID)
	if err != nil {
		// Polling still covers the initiator; the responder relies on
		// the UI relaying further signaling messages.
		logger.Warn("call signal subscription unavailable, falling back to polling",
			zap.String("conversation_id", conversationID.String()),
			zap.Error(err),
		)
		cancel()
		return
	}

	c.mu.Lock()
	c.subCancel = cancel
	c.mu.Unlock()

	go func() {
		for signal := range signals {
			if signal.MessageID != messageID {
				continue
			}
			meta := domain.MetadataFromFields(signal.Fields)
			c.applyRemoteMetadata(epoch, meta)
		}
	}()
}

// applyRemoteMetadata folds a metadata snapshot observed from the peer
// (poll tick or push signal) into the state machine
func (c *Coordinator) applyRemoteMetadata(epoch int, meta domain.CallMetadata) {
	switch meta.CallStatus {
	case domain.StatusAnswered:
		answeredAt := meta.AnsweredAt
		if answeredAt == nil {
			now := c.now()
			answeredAt = &now
		}
		if c.applyTransition(epoch, domain.StatusAnswered, answeredAt) {
			c.mu.Lock()
			started := c.session != nil && !c.session.StartedAt.IsZero()
			var latency time.Duration
			if started {
				latency = answeredAt.Sub(c.session.StartedAt)
			}
			c.mu.Unlock()
			if started && latency > 0 {
				metrics.CallAnswerLatency.Observe(latency.Seconds())
			}
		}
	case domain.StatusMissed, domain.StatusCancelled, domain.StatusEnded:
		c.terminateObserved(epoch, meta.CallStatus)
	}
}

// terminateObserved handles a terminal status the peer already published:
// the record is finalized locally without re-patching call_status.
func (c *Coordinator) terminateObserved(epoch int, status domain.CallStatus) {
	c.finalize(context.Background(), epoch, status, nil, false)
}

// --- media session ----------------------------------------------------

// joinMedia joins the relay session through the bounded-retry joiner.
// It runs async; by the time it resolves the call may already be over,
// so every mutation re-checks relevance against the epoch.
func (c *Coordinator) joinMedia(ctx context.Context, epoch int, channelName string, audioOnly bool) {
	outcome, err := c.joiner.Join(ctx, channelName, c.userID, audioOnly, func(client media.Client) {
		client.OnRemotePublished(func(track domain.MediaTrackHandle) {
			c.handleRemotePublish(epoch, client, track)
		})
		client.OnRemoteUnpublished(func(numericID uint32) {
			c.handleRemoteUnpublish(epoch, numericID)
		})
	})

	if err != nil {
		switch apperrors.CodeOf(err) {
		case apperrors.ErrCodeTeardownRace:
			// The user already ended the call; nothing to clean up.
			return
		default:
			logger.Error("failed to join media session",
				zap.String("channel", channelName),
				zap.Error(err),
			)
			c.failAttempt(epoch, err)
			return
		}
	}

	c.mu.Lock()
	if epoch != c.epoch || c.session == nil || c.session.Status.IsTerminal() {
		// Stale join: the session this join belonged to is gone. Leaving
		// here prevents a zombie relay attachment from resurrecting a
		// call the user already ended.
		c.mu.Unlock()
		_ = outcome.Client.Leave(context.Background())
		return
	}
	c.client = outcome.Client
	c.identity = outcome.Identity
	c.guard = media.NewCollisionGuard(outcome.Identity.NumericID, outcome.Client.LocalTracks())
	c.mu.Unlock()

	if outcome.Result.DegradeReason != nil &&
		apperrors.HasCode(outcome.Result.DegradeReason, apperrors.ErrCodeCameraDenied) {
		c.emit(domain.CallEvent{
			Kind:        domain.EventStatusChanged,
			Status:      c.statusSnapshot(),
			UserMessage: "Camera unavailable, continuing with audio only",
		})
	}
}

// failAttempt terminates the attempt after a fatal join error. Permission
// and secure-context failures carry a user-visible message; everything
// else fails quietly.
func (c *Coordinator) failAttempt(epoch int, err error) {
	var userMessage string
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeInsecureContext:
		userMessage = "Calls require a secure connection"
	case apperrors.ErrCodeMicrophoneDenied:
		userMessage = "Microphone access is required for calls"
	}

	c.mu.Lock()
	role := domain.RoleInitiator
	status := domain.StatusCalling
	if c.session != nil {
		role = c.session.Role
		status = c.session.Status
	}
	c.mu.Unlock()

	final := domain.StatusCancelled
	if role == domain.RoleResponder && status.IsRingingPhase() {
		final = domain.StatusMissed
	}

	if userMessage != "" {
		c.emit(domain.CallEvent{Kind: domain.EventStatusChanged, Status: status, UserMessage: userMessage})
	}
	c.terminate(context.Background(), epoch, final, nil)
}

// handleRemotePublish runs the collision guard over a publication and, if
// it passes, drives the connected transition
func (c *Coordinator) handleRemotePublish(epoch int, client media.Client, track domain.MediaTrackHandle) {
	c.mu.Lock()
	guard := c.guard
	relevant := epoch == c.epoch && c.session != nil && !c.session.Status.IsTerminal()
	c.mu.Unlock()
	if !relevant || guard == nil {
		return
	}

	// Snapshot check at callback entry.
	admission := guard.Admit(track)
	if admission == nil {
		return
	}

	// Re-read the handle as the relay holds it now and re-validate
	// against the entry snapshot before attaching.
	current := track
	for _, user := range client.RemoteUsers() {
		for _, t := range user.Tracks {
			if t.TrackID == track.TrackID {
				current = t
			}
		}
	}
	admitted, ok := admission.Confirm(current)
	if !ok {
		return
	}

	c.mu.Lock()
	if epoch != c.epoch || c.session == nil || c.session.Status.IsTerminal() {
		c.mu.Unlock()
		return
	}
	if c.session.Status != domain.StatusAnswered {
		// Publish raced ahead of the answered signal. Hold it: connected
		// is reachable only through answered.
		c.pendingRemote = &admitted
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	c.connect(epoch)
}

func (c *Coordinator) handleRemoteUnpublish(epoch int, numericID uint32) {
	c.mu.Lock()
	relevant := epoch == c.epoch && c.session != nil && c.session.Status == domain.StatusConnected
	c.mu.Unlock()
	if !relevant {
		return
	}

	logger.Info("remote participant left", zap.Uint32("numeric_id", numericID))
	c.emit(domain.CallEvent{Kind: domain.EventRemoteLeft})
	c.terminate(context.Background(), epoch, domain.StatusEnded, nil)
}

// connect flips answered to connected and starts the duration clock
func (c *Coordinator) connect(epoch int) {
	if !c.applyTransition(epoch, domain.StatusConnected, nil) {
		return
	}

	c.mu.Lock()
	c.connectedAt = c.now()
	c.pendingRemote = nil
	ctx, cancel := context.WithCancel(context.Background())
	c.tickCancel = cancel
	c.mu.Unlock()

	c.emit(domain.CallEvent{Kind: domain.EventRemoteJoined})
	go c.durationLoop(ctx, epoch)
}

// durationLoop emits one DurationTick per second while connected
func (c *Coordinator) durationLoop(ctx context.Context, epoch int) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.mu.Lock()
			relevant := epoch == c.epoch && c.session != nil && c.session.Status == domain.StatusConnected
			seconds := int(c.now().Sub(c.connectedAt).Seconds())
			c.mu.Unlock()
			if !relevant {
				return
			}
			c.emit(domain.CallEvent{Kind: domain.EventDurationTick, Seconds: seconds})
		}
	}
}

// --- state machine core -----------------------------------------------

// applyTransition is the single idempotent transition function both the
// poll path and the push path feed. Re-applying the current status or an
// older one is a no-op; terminal statuses are absorbing; connected is
// reachable only from answered. Returns whether state changed.
func (c *Coordinator) applyTransition(epoch int, next domain.CallStatus, answeredAt *time.Time) bool {
	c.mu.Lock()
	if epoch != c.epoch || c.session == nil {
		c.mu.Unlock()
		return false
	}
	current := c.session.Status
	if !transitionAllowed(current, next) {
		c.mu.Unlock()
		return false
	}
	c.session.Status = next
	if next == domain.StatusAnswered && answeredAt != nil {
		c.session.AnsweredAt = answeredAt
	}
	pending := c.pendingRemote
	c.mu.Unlock()

	logger.Info("call status transition",
		zap.String("from", string(current)),
		zap.String("to", string(next)),
	)
	c.emit(domain.CallEvent{Kind: domain.EventStatusChanged, Status: next})

	// A publication that arrived during ringing connects now that
	// answered has been applied.
	if next == domain.StatusAnswered && pending != nil {
		go c.connect(epoch)
	}

	return true
}

// transitionAllowed encodes the legal state machine edges
func transitionAllowed(current, next domain.CallStatus) bool {
	if current.IsTerminal() || current == next {
		return false
	}
	switch next {
	case domain.StatusAnswered:
		return current.IsRingingPhase()
	case domain.StatusConnected:
		return current == domain.StatusAnswered
	case domain.StatusEnded:
		return current == domain.StatusConnected || current == domain.StatusAnswered
	case domain.StatusMissed, domain.StatusCancelled:
		return current.IsRingingPhase() || current == domain.StatusAnswered
	default:
		return false
	}
}

// --- teardown ---------------------------------------------------------

// terminate drives the local side of ending a call: transition, patch the
// signaling message, release media, finalize the record. publishPatch is
// true because this side detected the termination first.
func (c *Coordinator) terminate(ctx context.Context, epoch int, status domain.CallStatus, rejectedAt *time.Time) {
	c.finalize(ctx, epoch, status, rejectedAt, true)
}

func (c *Coordinator) statusSnapshot() domain.CallStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.Status
}

func (c *Coordinator) emit(event domain.CallEvent) {
	if c.opts.Sink != nil {
		c.opts.Sink(event)
	}
}
