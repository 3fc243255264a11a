package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"github.com/specflow/specflow/internal/auth/jira"
)

// tokenFileName is the JSON file holding the token set inside the auth directory.
const tokenFileName = "jira-token.json"

// FileTokenStore keeps the token set as a 0600 JSON file.
type FileTokenStore struct {
	mu      sync.Mutex
	baseDir string
}

// NewFileTokenStore creates a store rooted at dir.
func NewFileTokenStore(dir string) *FileTokenStore {
	return &FileTokenStore{baseDir: strings.TrimSpace(dir)}
}

// Path returns the token file location.
func (s *FileTokenStore) Path() string {
	return filepath.Join(s.baseDir, tokenFileName)
}

// SaveTokenSet writes ts atomically through a temp file. Unchanged content is not rewritten.
func (s *FileTokenStore) SaveTokenSet(_ context.Context, ts *jira.TokenSet) error {
	if ts == nil {
		return fmt.Errorf("auth filestore: token set is nil")
	}
	if s.baseDir == "" {
		return fmt.Errorf("auth filestore: base directory not configured")
	}

	raw, err := json.MarshalIndent(ts, "", "  ")
	if err != nil {
		return fmt.Errorf("auth filestore: marshal token failed: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(s.baseDir, 0o700); err != nil {
		return fmt.Errorf("auth filestore: create dir failed: %w", err)
	}
	path := s.Path()
	if existing, errRead := os.ReadFile(path); errRead == nil {
		if bytes.Equal(bytes.TrimSpace(existing), bytes.TrimSpace(raw)) {
			return nil
		}
	} else if !os.IsNotExist(errRead) {
		return fmt.Errorf("auth filestore: read existing failed: %w", errRead)
	}

	tmp := path + ".tmp"
	if errWrite := os.WriteFile(tmp, raw, 0o600); errWrite != nil {
		return fmt.Errorf("auth filestore: write temp failed: %w", errWrite)
	}
	if errRename := os.Rename(tmp, path); errRename != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("auth filestore: rename failed: %w", errRename)
	}
	log.Debugf("token saved to %s", path)
	return nil
}

// LoadTokenSet reads the persisted token set, returning ErrNoToken when the file is absent.
func (s *FileTokenStore) LoadTokenSet(_ context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.Path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoToken
		}
		return nil, fmt.Errorf("auth filestore: read failed: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrNoToken
	}
	var ts jira.TokenSet
	if err = json.Unmarshal(data, &ts); err != nil {
		return nil, fmt.Errorf("auth filestore: unmarshal failed: %w", err)
	}
	return &ts, nil
}

// DeleteTokenSet removes the token file. A missing file is not an error.
func (s *FileTokenStore) DeleteTokenSet(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("auth filestore: delete failed: %w", err)
	}
	return nil
}
