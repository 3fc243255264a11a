package util

import (
	"net/http"
	"path/filepath"
	"testing"

	"github.com/specflow/specflow/internal/config"
)

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abcdefghijkl", "abcd...ijkl"},
		{"abcdef", "ab...ef"},
		{"abc", "a...c"},
		{"ab", "ab"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.in); got != tt.want {
			t.Fatalf("MaskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskSensitiveQuery(t *testing.T) {
	got := MaskSensitiveQuery("code=abcdefghijkl&state=1234567890ab&redirect=x")
	want := "code=abcd...ijkl&state=1234...90ab&redirect=x"
	if got != want {
		t.Fatalf("MaskSensitiveQuery() = %q, want %q", got, want)
	}
}

func TestResolveAuthDirCleansRelativePath(t *testing.T) {
	got, err := ResolveAuthDir("a/b/../c")
	if err != nil {
		t.Fatalf("ResolveAuthDir() error = %v", err)
	}
	if got != filepath.Clean("a/c") {
		t.Fatalf("ResolveAuthDir() = %q, want %q", got, filepath.Clean("a/c"))
	}
}

func TestSetProxyIgnoresEmptyURL(t *testing.T) {
	client := &http.Client{}
	SetProxy(&config.SDKConfig{}, client)
	if client.Transport != nil {
		t.Fatalf("expected transport to stay nil without proxy-url")
	}
}

func TestSetProxyHTTP(t *testing.T) {
	client := &http.Client{}
	SetProxy(&config.SDKConfig{ProxyURL: "http://127.0.0.1:3128"}, client)
	transport, ok := client.Transport.(*http.Transport)
	if !ok || transport.Proxy == nil {
		t.Fatalf("expected http proxy transport, got %#v", client.Transport)
	}
}
