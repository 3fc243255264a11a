package jira

import (
	"crypto/sha256"
	"encoding/base64"
	"testing"
)

func TestGeneratePKCECodes(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 32; i++ {
		codes, err := GeneratePKCECodes()
		if err != nil {
			t.Fatalf("GeneratePKCECodes() error = %v", err)
		}
		if n := len(codes.CodeVerifier); n < MinVerifierLength || n > MaxVerifierLength {
			t.Fatalf("verifier length = %d, want within [%d,%d]", n, MinVerifierLength, MaxVerifierLength)
		}
		sum := sha256.Sum256([]byte(codes.CodeVerifier))
		want := base64.RawURLEncoding.EncodeToString(sum[:])
		if codes.CodeChallenge != want {
			t.Fatalf("challenge = %q, want %q", codes.CodeChallenge, want)
		}
		if _, dup := seen[codes.CodeVerifier]; dup {
			t.Fatalf("verifier repeated across generations")
		}
		seen[codes.CodeVerifier] = struct{}{}
	}
}

func TestCodeChallengeS256KnownVector(t *testing.T) {
	// RFC 7636 appendix B.
	verifier := "dBjftJeZ4CVP-mB92K27uhbUJU1p1r_wW1gFWFOEjXk"
	want := "E9Melhoa2OwvFrEMTJguCHaoeK1t8URWbuGJSstw-cM"
	if got := CodeChallengeS256(verifier); got != want {
		t.Fatalf("CodeChallengeS256() = %q, want %q", got, want)
	}
}
