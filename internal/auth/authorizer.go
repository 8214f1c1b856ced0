package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/gridwatt/dukeusage/internal/config"
	"golang.org/x/oauth2"
)

const userAgent = "Duke%20Energy/1241 CFNetwork/3860.300.31 Darwin/25.2.0"

// AuthorizationRequest carries everything bound to a single authorization
// attempt. State must be echoed back unmodified by the provider, and the
// code verifier is used for exactly one exchange and then discarded.
type AuthorizationRequest struct {
	URL          string
	State        string
	CodeVerifier string
}

// Authorizer builds PKCE-protected authorization URLs for the provider's
// mobile-app login flow and performs the resulting token-endpoint grants.
// URL construction is pure; only Exchange, RefreshToken and Userinfo touch
// the network.
type Authorizer struct {
	cfg    *config.ProviderConfig
	oauth  *oauth2.Config
	client *http.Client
}

// NewAuthorizer creates an Authorizer for the configured tenant.
func NewAuthorizer(cfg *config.ProviderConfig) *Authorizer {
	return &Authorizer{
		cfg: cfg,
		oauth: &oauth2.Config{
			ClientID:    cfg.ClientID,
			RedirectURL: cfg.RedirectURI,
			Scopes:      cfg.Scopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthorizeURL(),
				TokenURL: cfg.TokenURL(),
				// public client: no secret, client_id travels in the body
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: &telemetryTransport{telemetry: cfg.Telemetry},
		},
	}
}

// BuildAuthorizationURL generates fresh PKCE credentials and assembles the
// authorization URL for a browser session. The caller presents the URL to
// the user; the resulting code arrives out-of-band via a redirect-capturing
// helper, since the app-scheme redirect target is not dispatchable to an
// HTTP handler.
func (a *Authorizer) BuildAuthorizationURL() (*AuthorizationRequest, error) {
	verifier, err := generateCodeVerifier()
	if err != nil {
		return nil, err
	}
	state, err := randomToken()
	if err != nil {
		return nil, err
	}
	nonce, err := randomToken()
	if err != nil {
		return nil, err
	}

	url := a.oauth.AuthCodeURL(state,
		oauth2.SetAuthURLParam("response_mode", "query"),
		oauth2.SetAuthURLParam("nonce", nonce),
		oauth2.SetAuthURLParam("code_challenge", challengeS256(verifier)),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("auth0Client", a.cfg.Telemetry),
	)

	return &AuthorizationRequest{
		URL:          url,
		State:        state,
		CodeVerifier: verifier,
	}, nil
}

// Exchange redeems an authorization code with its PKCE verifier.
func (a *Authorizer) Exchange(ctx context.Context, code, codeVerifier string) (*oauth2.Token, error) {
	return a.oauth.Exchange(a.httpContext(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", codeVerifier))
}

// RefreshToken performs a refresh-token grant.
func (a *Authorizer) RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	return a.oauth.TokenSource(a.httpContext(ctx), &oauth2.Token{
		RefreshToken: refreshToken,
	}).Token()
}

// Userinfo fetches the OIDC userinfo document for an access token.
func (a *Authorizer) Userinfo(ctx context.Context, accessToken string) (map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.UserinfoURL(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("userinfo request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("userinfo request failed with status %d: %s", resp.StatusCode, body)
	}

	var info map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode userinfo response: %w", err)
	}
	return info, nil
}

// httpContext routes oauth2's internal HTTP calls through the client that
// injects the tenant's required headers.
func (a *Authorizer) httpContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, a.client)
}

// telemetryTransport decorates outbound requests with the headers the
// tenant expects from its mobile SDK.
type telemetryTransport struct {
	telemetry string
}

func (t *telemetryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	clone := req.Clone(req.Context())
	clone.Header.Set("accept-language", "en_US")
	clone.Header.Set("User-Agent", userAgent)
	if t.telemetry != "" {
		clone.Header.Set("auth0-client", t.telemetry)
	}
	return http.DefaultTransport.RoundTrip(clone)
}
