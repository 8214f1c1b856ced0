package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// TokenSet is the access/refresh/ID token triple issued by the identity
// provider, with the expiry derived from the provider's expires_in at
// exchange or refresh time. It serializes to the conventional JSON shape
// that token stores are expected to round-trip.
type TokenSet struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Valid reports whether the access token can still be used, staying clear
// of the expiry by the given margin.
func (t *TokenSet) Valid(margin time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return false
	}
	if t.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).Before(t.ExpiresAt)
}

func (t *TokenSet) clone() *TokenSet {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// tokenSetFromOAuth2 converts an oauth2 token response into a TokenSet.
// The provider may or may not rotate the refresh token; when the response
// omits one, the prior token is kept.
func tokenSetFromOAuth2(tok *oauth2.Token, priorRefreshToken string) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		ExpiresAt:    tok.Expiry,
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = priorRefreshToken
	}
	if id, ok := tok.Extra("id_token").(string); ok {
		ts.IDToken = id
	}
	return ts
}

// identityClaims are the ID-token claims the gateway flow cares about.
// The token is decoded without signature verification, matching the
// provider's own mobile client; it never crosses a trust boundary here.
type identityClaims struct {
	Email              string `json:"email"`
	InternalIdentifier string `json:"internal_identifier"`
	jwt.RegisteredClaims
}

func decodeIdentity(idToken string) (*identityClaims, error) {
	claims := &identityClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return nil, err
	}
	return claims, nil
}
