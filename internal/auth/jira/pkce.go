// Package jira implements the Atlassian OAuth 2.0 (3LO) authorization-code flow with PKCE,
// the refresh grant, and the token store that hands valid access tokens to the tracker
// client. Refreshes are serialized so concurrent callers share one in-flight grant.
package jira

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// RFC 7636 bounds for the code verifier length.
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// verifierEntropyBytes yields a 128 character verifier after unpadded base64url encoding.
const verifierEntropyBytes = 96

// PKCECodes holds the verifier/challenge pair of a single authorization attempt.
type PKCECodes struct {
	// CodeVerifier is the cryptographically random secret kept by the client.
	CodeVerifier string `json:"code_verifier"`
	// CodeChallenge is base64url(sha256(CodeVerifier)) sent with the authorization request.
	CodeChallenge string `json:"code_challenge"`
}

// GeneratePKCECodes generates a PKCE code verifier and challenge pair
// following RFC 7636 with the S256 challenge method.
func GeneratePKCECodes() (*PKCECodes, error) {
	codeVerifier, err := generateCodeVerifier()
	if err != nil {
		return nil, fmt.Errorf("failed to generate code verifier: %w", err)
	}
	return &PKCECodes{
		CodeVerifier:  codeVerifier,
		CodeChallenge: CodeChallengeS256(codeVerifier),
	}, nil
}

// generateCodeVerifier creates a 128 character URL-safe random string.
func generateCodeVerifier() (string, error) {
	bytes := make([]byte, verifierEntropyBytes)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}

// CodeChallengeS256 derives the S256 code challenge for a verifier.
func CodeChallengeS256(codeVerifier string) string {
	hash := sha256.Sum256([]byte(codeVerifier))
	return base64.RawURLEncoding.EncodeToString(hash[:])
}

// GenerateState returns a random URL-safe state value for CSRF protection.
func GenerateState() (string, error) {
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
