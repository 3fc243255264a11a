package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/99designs/keyring"
	"github.com/specflow/specflow/internal/auth/jira"
)

const (
	keyringService = "specflow"
	keyringItemKey = "jira-oauth-token"
)

// KeyringTokenStore keeps the token set in the operating system keyring.
type KeyringTokenStore struct {
	ring keyring.Keyring
}

// OpenKeyringTokenStore opens the platform keyring. The encrypted file backend under
// authDir is the fallback when no native keyring is available.
func OpenKeyringTokenStore(authDir string) (*KeyringTokenStore, error) {
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.PassBackend,
			keyring.FileBackend,
		},
		FileDir:                  filepath.Join(authDir, "keyring"),
		FilePasswordFunc:         keyring.FixedStringPrompt("specflow-file-key"),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return NewKeyringTokenStore(ring), nil
}

// NewKeyringTokenStore wraps an already opened keyring.
func NewKeyringTokenStore(ring keyring.Keyring) *KeyringTokenStore {
	return &KeyringTokenStore{ring: ring}
}

// SaveTokenSet stores ts as a JSON keyring item.
func (s *KeyringTokenStore) SaveTokenSet(_ context.Context, ts *jira.TokenSet) error {
	if ts == nil {
		return fmt.Errorf("keyring store: token set is nil")
	}
	raw, err := json.Marshal(ts)
	if err != nil {
		return fmt.Errorf("keyring store: marshal token failed: %w", err)
	}
	err = s.ring.Set(keyring.Item{
		Key:         keyringItemKey,
		Data:        raw,
		Label:       "specflow Jira OAuth token",
		Description: "OAuth token set used to create Jira issues",
	})
	if err != nil {
		return fmt.Errorf("setting credential %q: %w", keyringItemKey, err)
	}
	return nil
}

// LoadTokenSet reads the keyring item, returning ErrNoToken when it does not exist.
func (s *KeyringTokenStore) LoadTokenSet(_ context.Context) (*jira.TokenSet, error) {
	item, err := s.ring.Get(keyringItemKey)
	if err != nil {
		if errors.Is(err, keyring.ErrKeyNotFound) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("getting credential %q: %w", keyringItemKey, err)
	}
	var ts jira.TokenSet
	if err = json.Unmarshal(item.Data, &ts); err != nil {
		return nil, fmt.Errorf("keyring store: unmarshal failed: %w", err)
	}
	return &ts, nil
}

// DeleteTokenSet removes the keyring item. A missing item is not an error.
func (s *KeyringTokenStore) DeleteTokenSet(_ context.Context) error {
	if err := s.ring.Remove(keyringItemKey); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting credential %q: %w", keyringItemKey, err)
	}
	return nil
}
