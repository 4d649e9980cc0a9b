package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/config"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
)

// Relay wire message types
const (
	relayTypeJoin            = "join"
	relayTypeJoined          = "joined"
	relayTypeError           = "error"
	relayTypePublish         = "publish"
	relayTypeUnpublish       = "unpublish"
	relayTypeRemotePublish   = "remote_publish"
	relayTypeRemoteUnpublish = "remote_unpublish"
	relayTypeLeave           = "leave"
	relayTypeMuteAudio       = "mute_audio"
	relayTypeMuteVideo       = "mute_video"
	relayTypePing            = "ping"
)

// Relay error codes
const (
	relayErrIdentifierConflict = "identifier_conflict"
)

// relayMessage is the relay's websocket envelope
type relayMessage struct {
	Type      string        `json:"type"`
	Channel   string        `json:"channel,omitempty"`
	AppID     string        `json:"app_id,omitempty"`
	Token     string        `json:"token,omitempty"`
	NumericID uint32        `json:"numeric_id,omitempty"`
	Track     *trackPayload `json:"track,omitempty"`
	Muted     bool          `json:"muted,omitempty"`
	ErrorCode string        `json:"error_code,omitempty"`
	ErrorMsg  string        `json:"error_msg,omitempty"`
	Timestamp time.Time     `json:"timestamp,omitempty"`
}

type trackPayload struct {
	TrackID string `json:"track_id"`
	Kind    string `json:"kind"`
	OwnerID uint32 `json:"owner_id"`
}

// RelayClient is the websocket implementation of Client. One instance
// serves one join attempt; the retry controller creates a fresh one after
// a conflict.
type RelayClient struct {
	cfg     config.RelayConfig
	devices DeviceSource

	mu          sync.Mutex
	conn        *websocket.Conn
	joined      bool
	left        bool
	numericID   uint32
	localTracks []domain.MediaTrackHandle
	videoTrack  *domain.MediaTrackHandle
	videoOn     bool
	remoteUsers map[uint32][]domain.MediaTrackHandle

	onRemotePublished   func(domain.MediaTrackHandle)
	onRemoteUnpublished func(numericID uint32)

	readDone chan struct{}
	cancel   context.CancelFunc
}

// NewRelayClient creates a single-use relay client
func NewRelayClient(cfg config.RelayConfig, devices DeviceSource) *RelayClient {
	return &RelayClient{
		cfg:         cfg,
		devices:     devices,
		remoteUsers: make(map[uint32][]domain.MediaTrackHandle),
		readDone:    make(chan struct{}),
	}
}

// NewRelayClientFactory returns a ClientFactory producing relay clients
// over the given configuration and device source
func NewRelayClientFactory(cfg config.RelayConfig, devices DeviceSource) ClientFactory {
	return func() Client {
		return NewRelayClient(cfg, devices)
	}
}

// OnRemotePublished registers the remote publish callback
func (c *RelayClient) OnRemotePublished(fn func(domain.MediaTrackHandle)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemotePublished = fn
}

// OnRemoteUnpublished registers the remote unpublish callback
func (c *RelayClient) OnRemoteUnpublished(fn func(numericID uint32)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onRemoteUnpublished = fn
}

// Join acquires local devices, connects to the relay and publishes the
// local tracks. Camera failure degrades to audio-only; microphone failure
// and an insecure relay endpoint abort the attempt.
func (c *RelayClient) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	// The transport check comes before any device acquisition: media
	// must never be captured for a session that would travel in the
	// clear.
	if err := checkSecureEndpoint(c.cfg.URL); err != nil {
		return JoinResult{}, err
	}

	mic, err := c.devices.AcquireMicrophone(ctx)
	if err != nil {
		if apperrors.HasCode(err, apperrors.ErrCodeMicrophoneDenied) {
			return JoinResult{}, err
		}
		return JoinResult{}, apperrors.MicrophoneDeniedError(err)
	}

	result := JoinResult{VideoEnabled: false}
	var camera *domain.MediaTrackHandle
	if !req.AudioOnly {
		cam, camErr := c.devices.AcquireCamera(ctx)
		if camErr != nil {
			// Degrade to audio-only rather than aborting the call.
			result.DegradeReason = camErr
			logger.Warn("camera acquisition failed, degrading to audio-only",
				zap.Uint32("numeric_id", req.Identity.NumericID),
				zap.Error(camErr),
			)
		} else {
			camera = &cam
			result.VideoEnabled = true
		}
	}

	releaseOnFailure := func() {
		c.devices.Release(mic)
		if camera != nil {
			c.devices.Release(*camera)
		}
	}

	joinCtx, cancelJoin := context.WithTimeout(ctx, c.cfg.JoinTimeout)
	defer cancelJoin()

	conn, err := c.dial(joinCtx)
	if err != nil {
		releaseOnFailure()
		if c.isLeft() {
			return JoinResult{}, apperrors.TeardownRaceError()
		}
		return JoinResult{}, apperrors.JoinFailedError(err)
	}

	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		conn.Close()
		releaseOnFailure()
		return JoinResult{}, apperrors.TeardownRaceError()
	}
	c.conn = conn
	c.numericID = req.Identity.NumericID
	c.mu.Unlock()

	if err := c.handshake(joinCtx, req); err != nil {
		conn.Close()
		releaseOnFailure()
		return JoinResult{}, err
	}

	// Register local tracks and publish them.
	mic.OwnerNumericID = req.Identity.NumericID
	tracks := []domain.MediaTrackHandle{mic}
	if camera != nil {
		camera.OwnerNumericID = req.Identity.NumericID
		tracks = append(tracks, *camera)
	}

	c.mu.Lock()
	if c.left {
		// Leave landed before the tracks were registered, so it could
		// not release them; do it here.
		c.mu.Unlock()
		releaseOnFailure()
		return JoinResult{}, apperrors.TeardownRaceError()
	}
	c.joined = true
	c.localTracks = tracks
	if camera != nil {
		c.videoTrack = camera
		c.videoOn = true
	}
	c.mu.Unlock()

	for _, track := range tracks {
		if err := c.send(relayMessage{
			Type: relayTypePublish,
			Track: &trackPayload{
				TrackID: track.TrackID,
				Kind:    string(track.Kind),
				OwnerID: track.OwnerNumericID,
			},
		}); err != nil {
			logger.Warn("failed to publish local track",
				zap.String("track_id", track.TrackID),
				zap.Error(err),
			)
		}
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.left {
		// Leave won the race after the handshake; it already closed the
		// socket and released the tracks.
		c.mu.Unlock()
		runCancel()
		return JoinResult{}, apperrors.TeardownRaceError()
	}
	c.cancel = runCancel
	c.mu.Unlock()

	go c.readLoop()
	go c.heartbeat(runCtx)

	logger.Info("joined media relay session",
		zap.String("channel", req.ChannelName),
		zap.Uint32("numeric_id", req.Identity.NumericID),
		zap.Bool("video", result.VideoEnabled),
	)

	return result, nil
}

func (c *RelayClient) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.JoinTimeout}
	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("relay dial failed: %w", err)
	}
	return conn, nil
}

// handshake sends the join request and waits for the relay's verdict
func (c *RelayClient) handshake(ctx context.Context, req JoinRequest) error {
	join := relayMessage{
		Type:      relayTypeJoin,
		Channel:   req.ChannelName,
		AppID:     req.Identity.Credential.RelayAppID,
		Token:     req.Identity.Credential.Token,
		NumericID: req.Identity.NumericID,
	}
	if err := c.send(join); err != nil {
		return apperrors.JoinFailedError(err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.cfg.JoinTimeout)
	}
	c.conn.SetReadDeadline(deadline)
	defer c.conn.SetReadDeadline(time.Time{})

	for {
		var msg relayMessage
		if err := c.conn.ReadJSON(&msg); err != nil {
			if c.isLeft() {
				return apperrors.TeardownRaceError()
			}
			return apperrors.JoinFailedError(err)
		}

		switch msg.Type {
		case relayTypeJoined:
			return nil
		case relayTypeError:
			if msg.ErrorCode == relayErrIdentifierConflict {
				return apperrors.IdentifierConflictError(req.Identity.NumericID)
			}
			return apperrors.JoinFailedError(fmt.Errorf("relay rejected join: %s (%s)", msg.ErrorMsg, msg.ErrorCode))
		default:
			// The relay may deliver state snapshots before the ack;
			// ignore anything that is not a verdict.
		}
	}
}

// Leave tears the session down. Idempotent; racing a pending Join makes
// that Join resolve as a TeardownRace.
func (c *RelayClient) Leave(ctx context.Context) error {
	c.mu.Lock()
	if c.left {
		c.mu.Unlock()
		return nil
	}
	c.left = true
	conn := c.conn
	tracks := c.localTracks
	cancel := c.cancel
	c.cancel = nil
	c.localTracks = nil
	c.videoTrack = nil
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if conn != nil {
		// Best effort: the relay also drops us when the socket closes.
		_ = conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, relayTypeLeave),
			time.Now().Add(time.Second),
		)
		_ = conn.Close()
	}

	for _, track := range tracks {
		c.devices.Release(track)
	}

	return nil
}

// SetMuted toggles the local audio publication
func (c *RelayClient) SetMuted(muted bool) error {
	if !c.isJoined() {
		return apperrors.CallEndedError()
	}
	return c.send(relayMessage{Type: relayTypeMuteAudio, Muted: muted})
}

// SetVideoEnabled toggles the local video publication. A call that came
// up audio-only has no video track to enable.
func (c *RelayClient) SetVideoEnabled(enabled bool) error {
	c.mu.Lock()
	hasVideo := c.videoTrack != nil
	c.videoOn = enabled && hasVideo
	c.mu.Unlock()

	if !c.isJoined() {
		return apperrors.CallEndedError()
	}
	if !hasVideo {
		return apperrors.ValidationError("no local video track to toggle")
	}
	return c.send(relayMessage{Type: relayTypeMuteVideo, Muted: !enabled})
}

// LocalTracks returns a snapshot of the local track handles
func (c *RelayClient) LocalTracks() []domain.MediaTrackHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.MediaTrackHandle, len(c.localTracks))
	copy(out, c.localTracks)
	return out
}

// LocalVideoTrack returns the local camera track, nil when audio-only
func (c *RelayClient) LocalVideoTrack() *domain.MediaTrackHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.videoTrack == nil {
		return nil
	}
	track := *c.videoTrack
	return &track
}

// RemoteUsers returns a snapshot of the known remote participants
func (c *RelayClient) RemoteUsers() []RemoteUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	users := make([]RemoteUser, 0, len(c.remoteUsers))
	for id, tracks := range c.remoteUsers {
		copied := make([]domain.MediaTrackHandle, len(tracks))
		copy(copied, tracks)
		users = append(users, RemoteUser{NumericID: id, Tracks: copied})
	}
	return users
}

func (c *RelayClient) readLoop() {
	defer close(c.readDone)

	for {
		c.mu.Lock()
		conn := c.conn
		left := c.left
		c.mu.Unlock()
		if left || conn == nil {
			return
		}

		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !c.isLeft() {
				logger.Debug("relay read loop closed", zap.Error(err))
			}
			return
		}

		switch msg.Type {
		case relayTypeRemotePublish:
			c.handleRemotePublish(msg)
		case relayTypeRemoteUnpublish:
			c.handleRemoteUnpublish(msg)
		}
	}
}

func (c *RelayClient) handleRemotePublish(msg relayMessage) {
	if msg.Track == nil {
		return
	}
	track := domain.MediaTrackHandle{
		// Origin stays unset here: classification as remote is the
		// collision guard's decision, not the relay's claim.
		Kind:           domain.TrackKind(msg.Track.Kind),
		TrackID:        msg.Track.TrackID,
		OwnerNumericID: msg.Track.OwnerID,
	}

	c.mu.Lock()
	c.remoteUsers[track.OwnerNumericID] = append(c.remoteUsers[track.OwnerNumericID], track)
	fn := c.onRemotePublished
	c.mu.Unlock()

	if fn != nil {
		fn(track)
	}
}

func (c *RelayClient) handleRemoteUnpublish(msg relayMessage) {
	c.mu.Lock()
	delete(c.remoteUsers, msg.NumericID)
	fn := c.onRemoteUnpublished
	c.mu.Unlock()

	if fn != nil {
		fn(msg.NumericID)
	}
}

func (c *RelayClient) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.send(relayMessage{Type: relayTypePing, Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func (c *RelayClient) send(msg relayMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil || c.left {
		return fmt.Errorf("relay connection closed")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *RelayClient) isLeft() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.left
}

func (c *RelayClient) isJoined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.joined && !c.left
}

// checkSecureEndpoint rejects a relay endpoint that is neither encrypted
// nor local before any device is touched
func checkSecureEndpoint(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return apperrors.InsecureContextError(rawURL)
	}
	if u.Scheme == "wss" {
		return nil
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" || strings.HasSuffix(host, ".localhost") {
		return nil
	}
	return apperrors.InsecureContextError(rawURL)
}

// NewTrackID derives a relay-unique track identifier
func NewTrackID(kind domain.TrackKind) string {
	return fmt.Sprintf("%s-%s", kind, uuid.NewString())
}
