package jira

import (
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// defaultTokenLifetime applies when the provider omits expires_in.
const defaultTokenLifetime = time.Hour

// TokenSet is the access/refresh token pair issued by the authorization server.
type TokenSet struct {
	// AccessToken authenticates tracker API requests.
	AccessToken string `json:"access_token"`
	// RefreshToken obtains new access tokens when the current one expires.
	RefreshToken string `json:"refresh_token"`
	// TokenType is normally "Bearer".
	TokenType string `json:"token_type,omitempty"`
	// Scope is the space separated scope granted by the provider.
	Scope string `json:"scope,omitempty"`
	// ExpiresAt is when the access token stops being accepted.
	ExpiresAt time.Time `json:"expires_at"`
	// LastRefresh records when this set was issued.
	LastRefresh time.Time `json:"last_refresh,omitempty"`
}

// ValidAt reports whether the access token is usable at now with the given safety margin,
// i.e. ExpiresAt > now + margin.
func (t *TokenSet) ValidAt(now time.Time, margin time.Duration) bool {
	if t == nil || strings.TrimSpace(t.AccessToken) == "" {
		return false
	}
	return t.ExpiresAt.After(now.Add(margin))
}

// Clone returns an independent copy so callers never share the store's instance.
func (t *TokenSet) Clone() *TokenSet {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// AuthorizationHeader renders the Authorization header value.
func (t *TokenSet) AuthorizationHeader() string {
	tokenType := strings.TrimSpace(t.TokenType)
	if tokenType == "" || strings.EqualFold(tokenType, "bearer") {
		tokenType = "Bearer"
	}
	return tokenType + " " + t.AccessToken
}

// tokenSetFromOAuth2 converts an oauth2 token, keeping the previous refresh token when
// the provider does not rotate it.
func tokenSetFromOAuth2(tok *oauth2.Token, previousRefresh string, now time.Time) *TokenSet {
	ts := &TokenSet{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		TokenType:    tok.TokenType,
		ExpiresAt:    tok.Expiry,
		LastRefresh:  now,
	}
	if ts.ExpiresAt.IsZero() {
		ts.ExpiresAt = now.Add(defaultTokenLifetime)
	}
	if ts.RefreshToken == "" {
		ts.RefreshToken = previousRefresh
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		ts.Scope = scope
	}
	return ts
}
