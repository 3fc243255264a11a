package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v6"
	gitconfig "github.com/go-git/go-git/v6/config"
	"github.com/go-git/go-git/v6/plumbing"
	"github.com/go-git/go-git/v6/plumbing/object"
	"github.com/go-git/go-git/v6/plumbing/transport"
	"github.com/go-git/go-git/v6/plumbing/transport/http"
	"github.com/specflow/specflow/internal/auth/jira"
	"github.com/specflow/specflow/internal/config"
)

// gcInterval defines minimum time between garbage collection runs.
const gcInterval = 5 * time.Minute

// GitTokenStore keeps the token file in a git working tree. Every change is committed as
// a single parentless commit so old tokens do not accumulate in history, and pushed when
// a remote is configured.
type GitTokenStore struct {
	mu       sync.Mutex
	repoDir  string
	remote   string
	username string
	password string
	file     *FileTokenStore
	ready    bool
	lastGC   time.Time
}

// NewGitTokenStore creates a store with its working tree at repoDir.
func NewGitTokenStore(repoDir string, cfg config.GitStoreConfig) *GitTokenStore {
	if abs, err := filepath.Abs(repoDir); err == nil {
		repoDir = abs
	}
	return &GitTokenStore{
		repoDir:  repoDir,
		remote:   strings.TrimSpace(cfg.RemoteURL),
		username: cfg.Username,
		password: cfg.Password,
		file:     NewFileTokenStore(filepath.Join(repoDir, "auths")),
	}
}

// Path returns the token file inside the working tree.
func (s *GitTokenStore) Path() string {
	return s.file.Path()
}

// SaveTokenSet writes the token file, then commits and pushes it.
func (s *GitTokenStore) SaveTokenSet(ctx context.Context, ts *jira.TokenSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return err
	}
	if err := s.file.SaveTokenSet(ctx, ts); err != nil {
		return err
	}
	rel, err := s.relativeToRepo(s.file.Path())
	if err != nil {
		return err
	}
	return s.commitAndPushLocked("Update jira token", rel)
}

// LoadTokenSet syncs the working tree and reads the token file.
func (s *GitTokenStore) LoadTokenSet(ctx context.Context) (*jira.TokenSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return nil, err
	}
	return s.file.LoadTokenSet(ctx)
}

// DeleteTokenSet removes the token file and commits the removal.
func (s *GitTokenStore) DeleteTokenSet(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ensureRepositoryLocked(); err != nil {
		return err
	}
	if err := s.file.DeleteTokenSet(ctx); err != nil {
		return err
	}
	rel, err := s.relativeToRepo(s.file.Path())
	if err != nil {
		return err
	}
	return s.commitAndPushLocked("Remove jira token", rel)
}

// ensureRepositoryLocked clones or opens the working tree once, then pulls on every call
// when a remote is configured.
func (s *GitTokenStore) ensureRepositoryLocked() error {
	gitDir := filepath.Join(s.repoDir, ".git")
	authMethod := s.gitAuth()
	_, errStat := os.Stat(gitDir)
	switch {
	case errors.Is(errStat, fs.ErrNotExist):
		if err := os.MkdirAll(s.repoDir, 0o700); err != nil {
			return fmt.Errorf("git token store: create repo dir: %w", err)
		}
		if s.remote == "" {
			if _, err := git.PlainInit(s.repoDir, false); err != nil {
				return fmt.Errorf("git token store: init repo: %w", err)
			}
			break
		}
		if _, errClone := git.PlainClone(s.repoDir, &git.CloneOptions{Auth: authMethod, URL: s.remote}); errClone != nil {
			if !errors.Is(errClone, transport.ErrEmptyRemoteRepository) {
				return fmt.Errorf("git token store: clone remote: %w", errClone)
			}
			_ = os.RemoveAll(gitDir)
			repo, errInit := git.PlainInit(s.repoDir, false)
			if errInit != nil {
				return fmt.Errorf("git token store: init empty repo: %w", errInit)
			}
			if _, errCreate := repo.CreateRemote(&gitconfig.RemoteConfig{
				Name: "origin",
				URLs: []string{s.remote},
			}); errCreate != nil && !errors.Is(errCreate, git.ErrRemoteExists) {
				return fmt.Errorf("git token store: configure remote: %w", errCreate)
			}
		}
	case errStat != nil:
		return fmt.Errorf("git token store: stat repo: %w", errStat)
	case s.remote != "":
		repo, errOpen := git.PlainOpen(s.repoDir)
		if errOpen != nil {
			return fmt.Errorf("git token store: open repo: %w", errOpen)
		}
		worktree, errWorktree := repo.Worktree()
		if errWorktree != nil {
			return fmt.Errorf("git token store: worktree: %w", errWorktree)
		}
		if errPull := worktree.Pull(&git.PullOptions{Auth: authMethod, RemoteName: "origin"}); errPull != nil {
			switch {
			case errors.Is(errPull, git.NoErrAlreadyUpToDate),
				errors.Is(errPull, git.ErrUnstagedChanges),
				errors.Is(errPull, git.ErrNonFastForwardUpdate):
				// Local changes win over remote divergence.
			case errors.Is(errPull, transport.ErrAuthenticationRequired),
				errors.Is(errPull, plumbing.ErrReferenceNotFound),
				errors.Is(errPull, transport.ErrEmptyRemoteRepository):
			default:
				return fmt.Errorf("git token store: pull: %w", errPull)
			}
		}
	}
	if !s.ready {
		if err := os.MkdirAll(filepath.Dir(s.file.Path()), 0o700); err != nil {
			return fmt.Errorf("git token store: create auth dir: %w", err)
		}
		s.ready = true
	}
	return nil
}

func (s *GitTokenStore) gitAuth() transport.AuthMethod {
	if s.username == "" && s.password == "" {
		return nil
	}
	user := s.username
	if user == "" {
		user = "git"
	}
	return &http.BasicAuth{Username: user, Password: s.password}
}

func (s *GitTokenStore) relativeToRepo(path string) (string, error) {
	rel, err := filepath.Rel(s.repoDir, path)
	if err != nil {
		return "", fmt.Errorf("git token store: relative path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("git token store: path outside repository")
	}
	return filepath.ToSlash(rel), nil
}

func (s *GitTokenStore) commitAndPushLocked(message string, relPaths ...string) error {
	repo, err := git.PlainOpen(s.repoDir)
	if err != nil {
		return fmt.Errorf("git token store: open repo: %w", err)
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("git token store: worktree: %w", err)
	}
	for _, rel := range relPaths {
		if _, err = worktree.Add(rel); err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("git token store: add %s: %w", rel, err)
			}
			if _, errRemove := worktree.Remove(rel); errRemove != nil && !errors.Is(errRemove, os.ErrNotExist) {
				return fmt.Errorf("git token store: remove %s: %w", rel, errRemove)
			}
		}
	}
	status, err := worktree.Status()
	if err != nil {
		return fmt.Errorf("git token store: status: %w", err)
	}
	if status.IsClean() {
		return nil
	}
	signature := &object.Signature{
		Name:  "specflow",
		Email: "specflow@local",
		When:  time.Now(),
	}
	commitHash, err := worktree.Commit(message, &git.CommitOptions{Author: signature})
	if err != nil {
		if errors.Is(err, git.ErrEmptyCommit) {
			return nil
		}
		return fmt.Errorf("git token store: commit: %w", err)
	}
	headRef, errHead := repo.Head()
	if errHead != nil {
		if !errors.Is(errHead, plumbing.ErrReferenceNotFound) {
			return fmt.Errorf("git token store: get head: %w", errHead)
		}
	} else if errRewrite := rewriteHeadAsSingleCommit(repo, headRef.Name(), commitHash, message, signature); errRewrite != nil {
		return errRewrite
	}
	s.maybeRunGC(repo)
	if s.remote == "" {
		return nil
	}
	if err = repo.Push(&git.PushOptions{Auth: s.gitAuth(), Force: true}); err != nil {
		if errors.Is(err, git.NoErrAlreadyUpToDate) {
			return nil
		}
		return fmt.Errorf("git token store: push: %w", err)
	}
	return nil
}

// rewriteHeadAsSingleCommit replaces the branch tip with a parentless copy of commitHash.
func rewriteHeadAsSingleCommit(repo *git.Repository, branch plumbing.ReferenceName, commitHash plumbing.Hash, message string, signature *object.Signature) error {
	commitObj, err := repo.CommitObject(commitHash)
	if err != nil {
		return fmt.Errorf("git token store: inspect head commit: %w", err)
	}
	if len(commitObj.ParentHashes) == 0 {
		return nil
	}
	squashed := &object.Commit{
		Author:       *signature,
		Committer:    *signature,
		Message:      message,
		TreeHash:     commitObj.TreeHash,
		Encoding:     commitObj.Encoding,
		ExtraHeaders: commitObj.ExtraHeaders,
	}
	mem := &plumbing.MemoryObject{}
	mem.SetType(plumbing.CommitObject)
	if err = squashed.Encode(mem); err != nil {
		return fmt.Errorf("git token store: encode squashed commit: %w", err)
	}
	newHash, err := repo.Storer.SetEncodedObject(mem)
	if err != nil {
		return fmt.Errorf("git token store: write squashed commit: %w", err)
	}
	if err = repo.Storer.SetReference(plumbing.NewHashReference(branch, newHash)); err != nil {
		return fmt.Errorf("git token store: update branch reference: %w", err)
	}
	return nil
}

func (s *GitTokenStore) maybeRunGC(repo *git.Repository) {
	now := time.Now()
	if now.Sub(s.lastGC) < gcInterval {
		return
	}
	s.lastGC = now

	pruneOpts := git.PruneOptions{
		OnlyObjectsOlderThan: now,
		Handler:              repo.DeleteObject,
	}
	if err := repo.Prune(pruneOpts); err != nil && !errors.Is(err, git.ErrLooseObjectsNotSupported) {
		return
	}
	_ = repo.RepackObjects(&git.RepackConfig{})
}
