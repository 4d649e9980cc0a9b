package media

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/internal/domain"
	"callkit/pkg/config"
	apperrors "callkit/pkg/errors"
)

// newRelayServer runs a websocket endpoint backed by handler and returns
// its ws:// URL (loopback, so the secure-endpoint check admits it)
func newRelayServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func relayTestConfig(url string) config.RelayConfig {
	return config.RelayConfig{
		URL:               url,
		HeartbeatInterval: 10 * time.Millisecond,
		JoinTimeout:       2 * time.Second,
	}
}

func relayTestIdentity() domain.ParticipantIdentity {
	return domain.ParticipantIdentity{
		UserID:     uuid.New(),
		NumericID:  4242,
		Credential: domain.JoinCredential{RelayAppID: "app-test", Token: "token-test"},
	}
}

func TestRelayClientJoinHeartbeatAndLeave(t *testing.T) {
	var mu sync.Mutex
	pings := 0
	url := newRelayServer(t, func(conn *websocket.Conn) {
		for {
			var msg relayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			switch msg.Type {
			case relayTypeJoin:
				_ = conn.WriteJSON(relayMessage{Type: relayTypeJoined})
			case relayTypePing:
				mu.Lock()
				pings++
				mu.Unlock()
			}
		}
	})

	client := NewRelayClient(relayTestConfig(url), DefaultDeviceSource())
	result, err := client.Join(context.Background(), JoinRequest{
		ChannelName: "call_ab12cd34",
		Identity:    relayTestIdentity(),
		AudioOnly:   true,
	})

	require.NoError(t, err)
	assert.False(t, result.VideoEnabled)
	require.Len(t, client.LocalTracks(), 1)
	assert.Equal(t, uint32(4242), client.LocalTracks()[0].OwnerNumericID)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pings >= 2
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, client.Leave(context.Background()))
	time.Sleep(30 * time.Millisecond)
	mu.Lock()
	settled := pings
	mu.Unlock()

	// The heartbeat must stop with the session.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, settled, pings)
}

func TestRelayClientMapsIdentifierConflict(t *testing.T) {
	url := newRelayServer(t, func(conn *websocket.Conn) {
		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		_ = conn.WriteJSON(relayMessage{
			Type:      relayTypeError,
			ErrorCode: relayErrIdentifierConflict,
			ErrorMsg:  "id in use",
		})
	})

	client := NewRelayClient(relayTestConfig(url), DefaultDeviceSource())
	_, err := client.Join(context.Background(), JoinRequest{
		ChannelName: "call_ab12cd34",
		Identity:    relayTestIdentity(),
		AudioOnly:   true,
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeIdentifierConflict))
}

func TestRelayClientLeaveDuringJoinIsTeardownRace(t *testing.T) {
	joinReceived := make(chan struct{})
	url := newRelayServer(t, func(conn *websocket.Conn) {
		var msg relayMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		close(joinReceived)
		// Hold the handshake open; the client leaves meanwhile.
		_ = conn.ReadJSON(&msg)
	})

	client := NewRelayClient(relayTestConfig(url), DefaultDeviceSource())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Join(context.Background(), JoinRequest{
			ChannelName: "call_ab12cd34",
			Identity:    relayTestIdentity(),
			AudioOnly:   true,
		})
		errCh <- err
	}()

	<-joinReceived
	require.NoError(t, client.Leave(context.Background()))

	select {
	case err := <-errCh:
		assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeTeardownRace))
	case <-time.After(3 * time.Second):
		t.Fatal("join never resolved after a concurrent leave")
	}
}

func TestRelayClientRejectsInsecureEndpointBeforeCapture(t *testing.T) {
	devices := &FuncDeviceSource{
		Microphone: func(ctx context.Context) (domain.MediaTrackHandle, error) {
			t.Error("microphone acquired for an insecure endpoint")
			return domain.MediaTrackHandle{}, nil
		},
		Camera: func(ctx context.Context) (domain.MediaTrackHandle, error) {
			t.Error("camera acquired for an insecure endpoint")
			return domain.MediaTrackHandle{}, nil
		},
	}

	client := NewRelayClient(config.RelayConfig{URL: "ws://relay.example.com/rtc"}, devices)
	_, err := client.Join(context.Background(), JoinRequest{
		ChannelName: "call_ab12cd34",
		Identity:    relayTestIdentity(),
	})

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInsecureContext))
}

func TestRelayClientCameraFailureDegradesToAudio(t *testing.T) {
	url := newRelayServer(t, func(conn *websocket.Conn) {
		for {
			var msg relayMessage
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == relayTypeJoin {
				_ = conn.WriteJSON(relayMessage{Type: relayTypeJoined})
			}
		}
	})

	devices := &FuncDeviceSource{
		Microphone: DefaultDeviceSource().Microphone,
		Camera: func(ctx context.Context) (domain.MediaTrackHandle, error) {
			return domain.MediaTrackHandle{}, apperrors.CameraBusyError(nil)
		},
	}

	client := NewRelayClient(relayTestConfig(url), devices)
	result, err := client.Join(context.Background(), JoinRequest{
		ChannelName: "call_ab12cd34",
		Identity:    relayTestIdentity(),
		AudioOnly:   false,
	})

	require.NoError(t, err)
	assert.False(t, result.VideoEnabled)
	require.Error(t, result.DegradeReason)
	assert.True(t, apperrors.HasCode(result.DegradeReason, apperrors.ErrCodeCameraBusy))
	assert.Nil(t, client.LocalVideoTrack())

	_ = client.Leave(context.Background())
}
