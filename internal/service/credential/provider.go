// Package credential fetches ephemeral join credentials from the external
// credential service. The service itself is an opaque dependency: given a
// numeric participant id it returns a time-limited token and the relay
// application id the token is scoped to.
package credential

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"callkit/internal/domain"
	"callkit/pkg/config"
	apperrors "callkit/pkg/errors"
	"callkit/pkg/logger"
)

// Provider issues a join credential for a numeric participant id
type Provider interface {
	Fetch(ctx context.Context, numericID uint32) (domain.JoinCredential, error)
}

// HTTPProvider talks to the credential endpoint over HTTP
type HTTPProvider struct {
	endpoint string
	client   *http.Client
}

// NewHTTPProvider creates a provider against the configured endpoint
func NewHTTPProvider(cfg config.CredentialConfig) *HTTPProvider {
	return &HTTPProvider{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: cfg.Timeout},
	}
}

type credentialResponse struct {
	RelayAppID     string `json:"relayAppId"`
	JoinCredential string `json:"joinCredential"`
}

// Fetch requests a credential for the given numeric id. Any upstream
// failure, and an empty credential in a 200 response, both surface as
// CredentialUnavailable: the caller treats that as fatal for the current
// join attempt.
func (p *HTTPProvider) Fetch(ctx context.Context, numericID uint32) (domain.JoinCredential, error) {
	reqURL := fmt.Sprintf("%s?id=%s", p.endpoint, url.QueryEscape(fmt.Sprintf("%d", numericID)))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return domain.JoinCredential{}, apperrors.CredentialUnavailableError(err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.JoinCredential{}, apperrors.CredentialUnavailableError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return domain.JoinCredential{}, apperrors.CredentialUnavailableError(
			fmt.Errorf("credential endpoint returned %d: %s", resp.StatusCode, string(body)))
	}

	var payload credentialResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return domain.JoinCredential{}, apperrors.CredentialUnavailableError(err)
	}
	if payload.JoinCredential == "" || payload.RelayAppID == "" {
		return domain.JoinCredential{}, apperrors.CredentialUnavailableError(
			fmt.Errorf("credential endpoint returned empty credential"))
	}

	cred := domain.JoinCredential{
		RelayAppID: payload.RelayAppID,
		Token:      payload.JoinCredential,
		ExpiresAt:  tokenExpiry(payload.JoinCredential),
	}

	logger.Debug("fetched join credential",
		zap.Uint32("numeric_id", numericID),
		zap.String("relay_app_id", cred.RelayAppID),
	)

	return cred, nil
}

// tokenExpiry reads the exp claim from a JWT-shaped credential without
// verifying it; verification is the relay's job, we only want the expiry
// for logging and proactive refresh. Opaque non-JWT tokens return nil.
func tokenExpiry(token string) *time.Time {
	claims := jwt.MapClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return nil
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil
	}
	t := exp.Time
	return &t
}
