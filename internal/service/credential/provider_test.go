package credential

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callkit/pkg/config"
	apperrors "callkit/pkg/errors"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *HTTPProvider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewHTTPProvider(config.CredentialConfig{
		Endpoint: srv.URL,
		Timeout:  time.Second,
	})
}

func TestFetchReturnsCredential(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "12345", r.URL.Query().Get("id"))
		fmt.Fprint(w, `{"relayAppId":"app-1","joinCredential":"opaque-token"}`)
	})

	cred, err := provider.Fetch(context.Background(), 12345)

	require.NoError(t, err)
	assert.Equal(t, "app-1", cred.RelayAppID)
	assert.Equal(t, "opaque-token", cred.Token)
	// Opaque tokens carry no readable expiry.
	assert.Nil(t, cred.ExpiresAt)
}

func TestFetchParsesJWTExpiry(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"exp": exp.Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)

	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"relayAppId":"app-1","joinCredential":"%s"}`, token)
	})

	cred, err := provider.Fetch(context.Background(), 1)

	require.NoError(t, err)
	require.NotNil(t, cred.ExpiresAt)
	assert.True(t, cred.ExpiresAt.Equal(exp))
}

func TestFetchNon200IsCredentialUnavailable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream broken", http.StatusBadGateway)
	})

	_, err := provider.Fetch(context.Background(), 1)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialUnavailable))
}

func TestFetchEmptyCredentialIsUnavailable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"relayAppId":"app-1","joinCredential":""}`)
	})

	_, err := provider.Fetch(context.Background(), 1)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialUnavailable))
}

func TestFetchMalformedBodyIsUnavailable(t *testing.T) {
	provider := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `not json`)
	})

	_, err := provider.Fetch(context.Background(), 1)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialUnavailable))
}

func TestFetchUnreachableEndpointIsUnavailable(t *testing.T) {
	provider := NewHTTPProvider(config.CredentialConfig{
		Endpoint: "http://127.0.0.1:1",
		Timeout:  100 * time.Millisecond,
	})

	_, err := provider.Fetch(context.Background(), 1)

	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeCredentialUnavailable))
}
