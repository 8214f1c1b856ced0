package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gridwatt/dukeusage/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestManager wires a Manager to a stub token endpoint. The gateway
// layer is left out unless a config is supplied, so the provider access
// token doubles as the request bearer.
func newTestManager(t *testing.T, tokenURL string, st Store, gw *config.GatewayConfig) *Manager {
	t.Helper()
	a := NewAuthorizer(testProviderConfig())
	a.oauth.Endpoint.TokenURL = tokenURL
	return NewManager(ManagerParams{Provider: a, Gateway: gw, Store: st})
}

func writeTokenJSON(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func fakeIDToken(t *testing.T, claims map[string]any) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	require.NoError(t, err)
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".sig"
}

func TestAuthenticateWithCode(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "VALID_CODE123", r.FormValue("code"))
		assert.Equal(t, "verifier_abcxyz", r.FormValue("code_verifier"))
		assert.Equal(t, "client-123", r.FormValue("client_id"))
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "AT1",
			"refresh_token": "RT1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)
	assert.Equal(t, StateUnauthenticated, m.State())

	ts, err := m.AuthenticateWithCode(context.Background(), "VALID_CODE123", "verifier_abcxyz")
	require.NoError(t, err)
	assert.Equal(t, "AT1", ts.AccessToken)
	assert.Equal(t, "RT1", ts.RefreshToken)
	assert.WithinDuration(t, time.Now().Add(3600*time.Second), ts.ExpiresAt, 30*time.Second)
	assert.Equal(t, StateAuthenticated, m.State())

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT1", token)
}

func TestAuthenticateWithCodeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusForbidden, map[string]any{
			"error":             "invalid_grant",
			"error_description": "code expired or already used",
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)

	_, err := m.AuthenticateWithCode(context.Background(), "STALE_CODE", "verifier")
	var authErr *AuthenticationError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, http.StatusForbidden, authErr.Status)

	// the session stays unauthenticated; codes are single-use, no retry
	assert.Equal(t, StateUnauthenticated, m.State())
	_, err = m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestAccessTokenBeforeAuthentication(t *testing.T) {
	m := newTestManager(t, "http://127.0.0.1:0/oauth/token", nil, nil)

	_, err := m.AccessToken(context.Background())
	assert.ErrorIs(t, err, ErrNotAuthenticated)

	_, err = m.Do(context.Background(), http.MethodGet, "http://127.0.0.1:0/thing", nil)
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestConcurrentRefreshIsSingleFlight(t *testing.T) {
	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		atomic.AddInt32(&refreshes, 1)
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT_NEW",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT_OLD",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	const callers = 8
	var wg sync.WaitGroup
	tokens := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tokens[i], errs[i] = m.AccessToken(context.Background())
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, "AT_NEW", tokens[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes),
		"concurrent callers must coalesce into one refresh")
}

func TestRefreshKeepsPriorRefreshToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the provider did not rotate: no refresh_token in the response
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	ts, err := m.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT2", ts.AccessToken)
	assert.Equal(t, "RT1", ts.RefreshToken)
}

func TestFailedRefreshLeavesTokensUntouched(t *testing.T) {
	var refreshes int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeTokenJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid_grant"})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT1",
		RefreshToken: "RT_DEAD",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	_, err := m.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrReauthenticationRequired)
	assert.Equal(t, StateExpired, m.State())

	// atomic-update invariant: the prior TokenSet is still intact
	assert.Equal(t, "AT1", m.Tokens().AccessToken)
	assert.Equal(t, "RT_DEAD", m.Tokens().RefreshToken)

	// and the dead refresh token is not retried automatically
	_, err = m.AccessToken(context.Background())
	require.ErrorIs(t, err, ErrReauthenticationRequired)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
}

func TestDoRetriesOnceOn401(t *testing.T) {
	var refreshes int32
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&refreshes, 1)
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	var apiHits int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch atomic.AddInt32(&apiHits, 1) {
		case 1:
			assert.Equal(t, "Bearer AT1", r.Header.Get("Authorization"))
			w.WriteHeader(http.StatusUnauthorized)
		default:
			assert.Equal(t, "Bearer AT2", r.Header.Get("Authorization"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	}))
	defer apiSrv.Close()

	m := newTestManager(t, tokenSrv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(time.Hour), // looks valid, server disagrees
	})

	resp, err := m.Do(context.Background(), http.MethodGet, apiSrv.URL+"/thing", nil)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(1), atomic.LoadInt32(&refreshes))
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiHits))
}

func TestDoSurfacesSecond401(t *testing.T) {
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer tokenSrv.Close()

	var apiHits int32
	apiSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&apiHits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer apiSrv.Close()

	m := newTestManager(t, tokenSrv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	_, err := m.Do(context.Background(), http.MethodGet, apiSrv.URL+"/thing", nil)
	var gwErr *GatewayError
	require.ErrorAs(t, err, &gwErr)
	assert.Equal(t, http.StatusUnauthorized, gwErr.Status)
	assert.Equal(t, int32(2), atomic.LoadInt32(&apiHits), "exactly one retry, then fail")
}

func TestGatewayTokenExchange(t *testing.T) {
	idToken := fakeIDToken(t, map[string]any{
		"email":               "user@example.com",
		"internal_identifier": "user-1",
		"exp":                 time.Now().Add(time.Hour).Unix(),
	})

	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "AT1",
			"refresh_token": "RT1",
			"id_token":      idToken,
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer tokenSrv.Close()

	var gatewayHits int32
	gatewaySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&gatewayHits, 1)
		assert.Equal(t, "/login/auth-token", r.URL.Path)

		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "gw-client", user)
		assert.Equal(t, "gw-secret", pass)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, idToken, body["idToken"])

		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":   "GW1",
			"expires_in":     1800,
			"internalUserID": "internal-42",
		})
	}))
	defer gatewaySrv.Close()

	gw := &config.GatewayConfig{
		BaseURL:      gatewaySrv.URL,
		ClientID:     "gw-client",
		ClientSecret: "gw-secret",
		Timeout:      5 * time.Second,
	}
	m := newTestManager(t, tokenSrv.URL+"/oauth/token", nil, gw)

	_, err := m.AuthenticateWithCode(context.Background(), "CODE", "VERIFIER")
	require.NoError(t, err)

	// the API bearer is the gateway token, not the provider access token
	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "GW1", token)

	assert.Equal(t, "user@example.com", m.Email())
	assert.Equal(t, "internal-42", m.InternalUserID())

	// the gateway bearer is cached until its own expiry
	_, err = m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&gatewayHits))
}

// memoryStore is a Store stub recording the last saved TokenSet.
type memoryStore struct {
	mu    sync.Mutex
	ts    *TokenSet
	saves int
}

func (s *memoryStore) Load() (*TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ts, nil
}

func (s *memoryStore) Save(ts *TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ts = ts
	s.saves++
	return nil
}

func TestManagerPersistsThroughStore(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token":  "AT1",
			"refresh_token": "RT1",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	st := &memoryStore{}
	m := newTestManager(t, srv.URL+"/oauth/token", st, nil)

	_, err := m.AuthenticateWithCode(context.Background(), "CODE", "VERIFIER")
	require.NoError(t, err)
	require.Equal(t, 1, st.saves)
	assert.Equal(t, "AT1", st.ts.AccessToken)

	// a new manager over the same store starts authenticated
	restored := newTestManager(t, srv.URL+"/oauth/token", st, nil)
	assert.Equal(t, StateAuthenticated, restored.State())
	token, err := restored.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT1", token)
}

func TestManagerTransientErrorKeepsState(t *testing.T) {
	var first = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if first {
			first = false
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		writeTokenJSON(w, http.StatusOK, map[string]any{
			"access_token": "AT2",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	m := newTestManager(t, srv.URL+"/oauth/token", nil, nil)
	m.RestoreTokens(&TokenSet{
		AccessToken:  "AT1",
		RefreshToken: "RT1",
		ExpiresAt:    time.Now().Add(-time.Minute),
	})

	_, err := m.AccessToken(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrReauthenticationRequired)

	// a 5xx is transient: the session is not written off and a later
	// attempt can still succeed with the stored refresh token
	assert.Equal(t, StateAuthenticated, m.State())
	assert.Equal(t, "AT1", m.Tokens().AccessToken)

	token, err := m.AccessToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "AT2", token)
}
