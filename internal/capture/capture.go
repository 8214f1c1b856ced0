// Package capture implements the redirect-capturing side of the login
// flow: parsing the provider's redirect back into an authorization code,
// recognizing delegated-flow state values, and optionally running a
// loopback listener for HTTPS-callback redirects. The auth core only ever
// consumes the (code, state, error) triple produced here.
package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
)

// Callback is everything the provider hands back through a redirect.
type Callback struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// Err returns a non-nil error when the provider reported a failure
// instead of issuing a code.
func (c *Callback) Err() error {
	if c.Error == "" {
		return nil
	}
	if c.ErrorDescription != "" {
		return fmt.Errorf("authorization failed: %s - %s", c.Error, c.ErrorDescription)
	}
	return fmt.Errorf("authorization failed: %s", c.Error)
}

// ParseRedirect extracts the callback parameters from a captured redirect
// URL. Both the app-scheme redirect (for example cma-prod://...) and the
// HTTPS callback variant carry the same query string, so any URI with a
// code, state or error parameter is accepted.
func ParseRedirect(raw string) (*Callback, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("not a redirect URL: %w", err)
	}

	q := u.Query()
	cb := &Callback{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
	if cb.Code == "" && cb.Error == "" {
		return nil, fmt.Errorf("redirect URL carries neither a code nor an error")
	}
	return cb, nil
}

// DelegatedFlow is the structured signal carried by a JWT-shaped state
// value whose payload names a flow_id.
type DelegatedFlow struct {
	FlowID string `json:"flow_id"`
}

// ParseDelegatedFlow checks whether an opaque state value carries a
// delegated-flow signal: three dot-separated base64url segments whose
// middle segment decodes to a JSON object with a string flow_id field.
// This is an explicit parse-and-validate step, not a best-effort decode;
// anything short of the full shape reports no signal.
func ParseDelegatedFlow(state string) (*DelegatedFlow, bool) {
	parts := strings.Split(state, ".")
	if len(parts) != 3 {
		return nil, false
	}
	for _, p := range parts {
		if p == "" {
			return nil, false
		}
	}

	payload, err := base64.RawURLEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, false
	}

	var flow DelegatedFlow
	if err := json.Unmarshal(payload, &flow); err != nil {
		return nil, false
	}
	if flow.FlowID == "" {
		return nil, false
	}
	return &flow, true
}
