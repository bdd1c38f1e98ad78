// Implements the audit trail using go-git (pure Go, no git binary dependency).

package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/maruel/briefhub/internal/models"
)

const (
	auditName  = "briefhub"
	auditEmail = "hub@briefhub.local"
)

// AuditRepo records every accepted change-set as one commit in a git
// repository, giving the timeline an independently inspectable history.
type AuditRepo struct {
	dir  string
	repo *gogit.Repository
	mu   sync.Mutex
}

// NewAuditRepo opens or initializes the audit repository at dir.
func NewAuditRepo(dir string) (*AuditRepo, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	repo, err := gogit.PlainOpen(dir)
	if err != nil {
		// Not a repo yet — initialize.
		repo, err = gogit.PlainInit(dir, false)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit repo: %w", err)
		}
		cfg, err := repo.Config()
		if err != nil {
			return nil, fmt.Errorf("failed to read git config: %w", err)
		}
		cfg.User.Name = auditName
		cfg.User.Email = auditEmail
		if err := repo.SetConfig(cfg); err != nil {
			return nil, fmt.Errorf("failed to write git config: %w", err)
		}
	}

	return &AuditRepo{dir: dir, repo: repo}, nil
}

// Commit writes the serialized change-set into the repository and commits it,
// authored by the pushing briefcase.
func (r *AuditRepo) Commit(ctx context.Context, cs *models.ChangeSet) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal change-set: %w", err)
	}
	rel := filepath.Join("changesets", cs.ID.String()+".json")
	path := filepath.Join(r.dir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create changesets directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write change-set file: %w", err)
	}

	w, err := r.repo.Worktree()
	if err != nil {
		return fmt.Errorf("failed to get worktree: %w", err)
	}
	if _, err := w.Add(rel); err != nil {
		return fmt.Errorf("failed to stage change-set: %w", err)
	}
	status, err := w.Status()
	if err != nil {
		return fmt.Errorf("failed to get worktree status: %w", err)
	}
	if status.IsClean() {
		return nil
	}

	author := cs.BriefcaseID.String()
	msg := cs.Description
	if msg == "" {
		msg = fmt.Sprintf("change-set %s", cs.ID)
	}
	now := time.Now()
	_, err = w.Commit(msg, &gogit.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: author + "@briefhub.local",
			When:  now,
		},
		Committer: &object.Signature{
			Name:  auditName,
			Email: auditEmail,
			When:  now,
		},
	})
	if err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// CommitCount returns the total number of commits in the audit repository.
func (r *AuditRepo) CommitCount(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	head, err := r.repo.Head()
	if err != nil {
		return 0, nil // empty repo
	}
	iter, err := r.repo.Log(&gogit.LogOptions{From: head.Hash()})
	if err != nil {
		return 0, fmt.Errorf("failed to read log: %w", err)
	}
	count := 0
	err = iter.ForEach(func(*object.Commit) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to iterate log: %w", err)
	}
	return count, nil
}
