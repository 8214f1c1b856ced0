package auth

import (
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// ErrNotAuthenticated indicates a bearer token was requested before an
// authorization code has been exchanged. This is a usage error, not a
// provider failure.
var ErrNotAuthenticated = errors.New("not authenticated: exchange an authorization code first")

// ErrReauthenticationRequired indicates the refresh token was rejected.
// The session cannot be repaired; a new browser login flow is required.
var ErrReauthenticationRequired = errors.New("reauthentication required: refresh token rejected")

// AuthenticationError reports a rejected authorization-code exchange.
// Authorization codes are single-use and expire within minutes, so the
// exchange is never retried.
type AuthenticationError struct {
	Status int
	Detail string
}

func (e *AuthenticationError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("authentication failed: %d - %s", e.Status, e.Detail)
	}
	return fmt.Sprintf("authentication failed: %s", e.Detail)
}

// GatewayError reports a failed gateway token exchange, or an API call
// that stayed unauthorized after the single refresh-and-retry.
type GatewayError struct {
	Status int
	Detail string
}

func (e *GatewayError) Error() string {
	return fmt.Sprintf("gateway request failed: %d - %s", e.Status, e.Detail)
}

// exchangeError classifies an authorization-code grant failure. A 4xx from
// the token endpoint means the code was invalid, expired, or already used;
// anything else is a transport failure and is wrapped as-is.
func exchangeError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil &&
		rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
		return &AuthenticationError{Status: rerr.Response.StatusCode, Detail: string(rerr.Body)}
	}
	return fmt.Errorf("token exchange failed: %w", err)
}

// refreshError classifies a refresh-token grant failure. A 4xx means the
// refresh token is dead and only a new login can recover; transport
// failures are wrapped as-is so callers can retry on their own terms.
func refreshError(err error) error {
	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) && rerr.Response != nil &&
		rerr.Response.StatusCode >= 400 && rerr.Response.StatusCode < 500 {
		return fmt.Errorf("%w: %d - %s", ErrReauthenticationRequired, rerr.Response.StatusCode, string(rerr.Body))
	}
	return fmt.Errorf("token refresh failed: %w", err)
}
