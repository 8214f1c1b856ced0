package auth

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gridwatt/dukeusage/internal/config"
	"github.com/gridwatt/dukeusage/internal/logger"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	// refreshMargin guards the race where a token expires between the
	// validity check and its use.
	refreshMargin = 30 * time.Second

	// gatewayMargin is the buffer before gateway-token expiry.
	gatewayMargin = 60 * time.Second

	// defaultGatewayTTL applies when the gateway omits expires_in.
	defaultGatewayTTL = 30 * time.Minute
)

// Provider performs the identity provider's token-endpoint grants.
type Provider interface {
	Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error)
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// Store persists a TokenSet between sessions. The manager imposes no
// storage medium; implementations live in internal/store. Load returns
// (nil, nil) when nothing has been saved yet.
type Store interface {
	Load() (*TokenSet, error)
	Save(*TokenSet) error
}

// SessionState tracks where one authenticated session is in its lifecycle.
type SessionState int

const (
	StateUnauthenticated SessionState = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateExpired
)

func (s SessionState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// gatewayToken is the bearer actually attached to API requests. It is
// minted by exchanging a valid ID token at the gateway's auth-token
// endpoint and is bound to that ID token.
type gatewayToken struct {
	accessToken string
	expiresAt   time.Time
}

// Manager owns the token state for one authenticated session. It exchanges
// an authorization code for tokens, refreshes them before expiry, and
// supplies a valid bearer for every outbound API request. All token state
// is guarded by one mutex so concurrent callers coalesce into a single
// refresh instead of racing on refresh-token rotation.
type Manager struct {
	provider Provider
	gateway  *config.GatewayConfig
	store    Store
	client   *http.Client

	mu     sync.Mutex
	state  SessionState
	tokens *TokenSet
	api    *gatewayToken
	email  string
	userID string
}

type ManagerParams struct {
	fx.In

	Provider Provider
	Gateway  *config.GatewayConfig
	Store    Store `optional:"true"`
}

// NewManager creates a Manager. When a store is supplied, previously
// persisted tokens are restored so the session starts authenticated.
func NewManager(params ManagerParams) *Manager {
	timeout := 10 * time.Second
	if params.Gateway != nil && params.Gateway.Timeout > 0 {
		timeout = params.Gateway.Timeout
	}
	m := &Manager{
		provider: params.Provider,
		gateway:  params.Gateway,
		store:    params.Store,
		client:   &http.Client{Timeout: timeout},
		state:    StateUnauthenticated,
	}
	if params.Store != nil {
		ts, err := params.Store.Load()
		switch {
		case err != nil:
			logger.Warn("failed to load persisted tokens", zap.Error(err))
		case ts != nil:
			m.RestoreTokens(ts)
		}
	}
	return m
}

// RestoreTokens rehydrates a session from persisted tokens. The gateway
// bearer is left unset and re-minted on first use.
func (m *Manager) RestoreTokens(ts *TokenSet) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = ts.clone()
	m.api = nil
	m.state = StateAuthenticated
	m.cacheIdentityLocked()
	logger.Debug("session restored from persisted tokens")
}

// AuthenticateWithCode exchanges an authorization code and its PKCE
// verifier for tokens and transitions the session to authenticated. A 4xx
// from the token endpoint yields an *AuthenticationError and the session
// stays unauthenticated; codes are single-use, so nothing is retried.
func (m *Manager) AuthenticateWithCode(ctx context.Context, code, codeVerifier string) (*TokenSet, error) {
	if code == "" {
		return nil, &AuthenticationError{Detail: "authorization code is empty"}
	}
	if codeVerifier == "" {
		return nil, &AuthenticationError{Detail: "code verifier is empty"}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	prior := m.state
	m.state = StateAuthenticating
	logger.Debug("exchanging authorization code for tokens")

	tok, err := m.provider.Exchange(ctx, code, codeVerifier)
	if err != nil {
		m.state = prior
		if m.tokens == nil {
			m.state = StateUnauthenticated
		}
		return nil, exchangeError(err)
	}

	m.adoptLocked(tokenSetFromOAuth2(tok, ""))
	logger.Debug("authorization code exchange successful")

	// Mint the gateway bearer eagerly so the first API call is cheap. The
	// provider tokens are already committed; a gateway failure here still
	// surfaces so the caller knows API access is not working yet.
	if m.gateway != nil && m.tokens.IDToken != "" {
		if err := m.exchangeGatewayLocked(ctx); err != nil {
			return m.tokens.clone(), err
		}
	}

	return m.tokens.clone(), nil
}

// AccessToken returns a bearer token valid for API requests, refreshing
// the provider session and re-minting the gateway bearer first if needed.
// Concurrent callers observing an expiring token coalesce into one refresh.
func (m *Manager) AccessToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessTokenLocked(ctx)
}

func (m *Manager) accessTokenLocked(ctx context.Context) (string, error) {
	switch m.state {
	case StateUnauthenticated, StateAuthenticating:
		return "", ErrNotAuthenticated
	case StateExpired:
		return "", ErrReauthenticationRequired
	}

	if !m.tokens.Valid(refreshMargin) {
		if err := m.refreshLocked(ctx); err != nil {
			return "", err
		}
	}

	// Without a gateway layer the provider access token is the bearer.
	if m.gateway == nil || m.tokens.IDToken == "" {
		return m.tokens.AccessToken, nil
	}

	if m.api == nil || !time.Now().Add(gatewayMargin).Before(m.api.expiresAt) {
		if err := m.exchangeGatewayLocked(ctx); err != nil {
			return "", err
		}
	}
	return m.api.accessToken, nil
}

// Refresh forces a refresh-token grant, replacing the TokenSet on success.
// A rejected refresh token transitions the session to expired and returns
// ErrReauthenticationRequired; it is never retried automatically.
func (m *Manager) Refresh(ctx context.Context) (*TokenSet, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tokens == nil {
		return nil, ErrNotAuthenticated
	}
	if err := m.refreshLocked(ctx); err != nil {
		return nil, err
	}
	return m.tokens.clone(), nil
}

func (m *Manager) refreshLocked(ctx context.Context) error {
	if m.tokens == nil || m.tokens.RefreshToken == "" {
		m.state = StateExpired
		return fmt.Errorf("%w: no refresh token available", ErrReauthenticationRequired)
	}

	m.state = StateRefreshing
	logger.Debug("refreshing provider tokens")

	tok, err := m.provider.RefreshToken(ctx, m.tokens.RefreshToken)
	if err != nil {
		// The stored TokenSet stays untouched either way: updates apply
		// fully or not at all.
		rerr := refreshError(err)
		if errors.Is(rerr, ErrReauthenticationRequired) {
			m.state = StateExpired
		} else {
			m.state = StateAuthenticated
		}
		return rerr
	}

	m.adoptLocked(tokenSetFromOAuth2(tok, m.tokens.RefreshToken))
	logger.Debug("provider token refresh successful")
	return nil
}

// adoptLocked commits a fully built TokenSet, invalidating the gateway
// bearer when the ID token changed and persisting through the store hook.
func (m *Manager) adoptLocked(ts *TokenSet) {
	if m.tokens == nil || m.tokens.IDToken != ts.IDToken {
		m.api = nil
	}
	m.tokens = ts
	m.state = StateAuthenticated
	m.cacheIdentityLocked()

	if m.store != nil {
		if err := m.store.Save(ts.clone()); err != nil {
			logger.Warn("failed to persist tokens", zap.Error(err))
		}
	}
}

func (m *Manager) cacheIdentityLocked() {
	if m.tokens == nil || m.tokens.IDToken == "" {
		return
	}
	claims, err := decodeIdentity(m.tokens.IDToken)
	if err != nil {
		logger.Debug("failed to decode identity claims", zap.Error(err))
		return
	}
	if claims.Email != "" {
		m.email = claims.Email
	}
	if claims.InternalIdentifier != "" {
		m.userID = claims.InternalIdentifier
	}
}

// gatewayTokenResponse is the auth-token document returned by the gateway.
// issued_at and expires_in arrive as strings on some deployments.
type gatewayTokenResponse struct {
	AccessToken    string      `json:"access_token"`
	IssuedAt       json.Number `json:"issued_at"`
	ExpiresIn      json.Number `json:"expires_in"`
	InternalUserID string      `json:"internalUserID"`
	LoginEmail     string      `json:"loginEmailAddress"`
}

// exchangeGatewayLocked trades the current ID token for a gateway bearer.
func (m *Manager) exchangeGatewayLocked(ctx context.Context) error {
	payload, err := json.Marshal(map[string]string{"idToken": m.tokens.IDToken})
	if err != nil {
		return err
	}

	endpoint := m.gateway.BaseURL + "/login/auth-token"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	credentials := m.gateway.ClientID + ":" + m.gateway.ClientSecret
	req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(credentials)))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("platform", "iOS")
	req.Header.Set("User-Agent", userAgent)

	logger.Debug("exchanging ID token for gateway token")
	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway token exchange failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read gateway response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &GatewayError{Status: resp.StatusCode, Detail: string(body)}
	}

	var result gatewayTokenResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	if result.AccessToken == "" {
		return &GatewayError{Status: resp.StatusCode, Detail: "response missing access_token"}
	}

	issuedAt := time.Now()
	if v, err := result.IssuedAt.Int64(); err == nil && v > 0 {
		issuedAt = time.Unix(v, 0)
	}
	ttl := defaultGatewayTTL
	if v, err := result.ExpiresIn.Int64(); err == nil && v > 0 {
		ttl = time.Duration(v) * time.Second
	}

	m.api = &gatewayToken{
		accessToken: result.AccessToken,
		expiresAt:   issuedAt.Add(ttl),
	}
	if result.InternalUserID != "" {
		m.userID = result.InternalUserID
	}
	if result.LoginEmail != "" {
		m.email = result.LoginEmail
	}
	logger.Debug("gateway token exchange successful")
	return nil
}

// Do issues an authenticated request. A 401 response triggers exactly one
// forced refresh and retry, covering clock skew and server-side
// revocation; a second 401 is surfaced without further retries. This is
// the only automatic retry in the client.
func (m *Manager) Do(ctx context.Context, method, rawURL string, query url.Values) (*http.Response, error) {
	resp, err := m.do(ctx, method, rawURL, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return resp, nil
	}

	_ = resp.Body.Close()
	logger.Debug("request unauthorized, refreshing and retrying once", zap.String("url", rawURL))
	if err := m.forceRefresh(ctx); err != nil {
		return nil, err
	}

	resp, err = m.do(ctx, method, rawURL, query)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		_ = resp.Body.Close()
		return nil, &GatewayError{Status: http.StatusUnauthorized, Detail: "request unauthorized after token refresh"}
	}
	return resp, nil
}

func (m *Manager) do(ctx context.Context, method, rawURL string, query url.Values) (*http.Response, error) {
	token, err := m.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	target := rawURL
	if len(query) > 0 {
		target = rawURL + "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("platform", "iOS")
	req.Header.Set("User-Agent", userAgent)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// forceRefresh discards the gateway bearer and renews whatever layer went
// stale: a cheap gateway re-exchange when the ID token is still good, a
// full provider refresh otherwise.
func (m *Manager) forceRefresh(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.api = nil
	if m.gateway == nil || m.tokens == nil || m.tokens.IDToken == "" {
		return m.refreshLocked(ctx)
	}

	if m.tokens.Valid(refreshMargin) {
		if err := m.exchangeGatewayLocked(ctx); err == nil {
			return nil
		}
	}
	if err := m.refreshLocked(ctx); err != nil {
		return err
	}
	return m.exchangeGatewayLocked(ctx)
}

// State returns the session's current lifecycle state.
func (m *Manager) State() SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tokens returns a copy of the current TokenSet, or nil before
// authentication.
func (m *Manager) Tokens() *TokenSet {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tokens.clone()
}

// Email returns the login email cached from ID-token claims or the gateway
// exchange response.
func (m *Manager) Email() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.email
}

// InternalUserID returns the utility's internal user identifier.
func (m *Manager) InternalUserID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.userID
}
