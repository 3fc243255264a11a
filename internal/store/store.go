// Package store persists the tracker OAuth token set between runs. Backends are a JSON file
// under the auth directory, the operating system keyring, process memory, a git working
// tree, an S3-compatible bucket, or a PostgreSQL table.
package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/config"
	"github.com/specflow/specflow/internal/util"
)

// ErrNoToken is returned by Load when nothing has been persisted yet.
var ErrNoToken = errors.New("store: no token persisted")

// TokenPersister saves, loads and removes the single token set of this installation.
type TokenPersister interface {
	jira.Persister
	LoadTokenSet(ctx context.Context) (*jira.TokenSet, error)
	DeleteTokenSet(ctx context.Context) error
}

// New builds the backend selected by cfg.TokenStore. Remote backends connect using ctx.
func New(ctx context.Context, cfg *config.Config) (TokenPersister, error) {
	switch cfg.TokenStore {
	case "", "file":
		dir, err := util.ResolveAuthDir(cfg.AuthDir)
		if err != nil {
			return nil, fmt.Errorf("store: resolve auth dir: %w", err)
		}
		return NewFileTokenStore(dir), nil
	case "keyring":
		dir, err := util.ResolveAuthDir(cfg.AuthDir)
		if err != nil {
			return nil, fmt.Errorf("store: resolve auth dir: %w", err)
		}
		return OpenKeyringTokenStore(dir)
	case "memory":
		return NewMemoryTokenStore(), nil
	case "git":
		repoDir := strings.TrimSpace(cfg.GitStore.LocalPath)
		if repoDir == "" {
			dir, err := util.ResolveAuthDir(cfg.AuthDir)
			if err != nil {
				return nil, fmt.Errorf("store: resolve auth dir: %w", err)
			}
			repoDir = filepath.Join(dir, "gitstore")
		}
		return NewGitTokenStore(repoDir, cfg.GitStore), nil
	case "object":
		return NewObjectTokenStore(cfg.ObjectStore)
	case "postgres":
		return NewPostgresTokenStore(ctx, cfg.PostgresStore)
	default:
		return nil, fmt.Errorf("store: unsupported backend %q", cfg.TokenStore)
	}
}
