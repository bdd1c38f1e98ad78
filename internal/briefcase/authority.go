// Package briefcase implements the client side of the briefcase editing
// model: a local replica of the shared database with concurrency control
// (locks, codes, policies, bulk mode) and the pull/merge/push protocol
// against the hub's timeline.
package briefcase

import (
	"context"

	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// Authority is the remote service holding the canonical timeline and the
// authoritative lock/code tables. It is implemented in-process by hub.Hub and
// over HTTP by hubclient.Client.
//
// Every call suspends the calling flow until the round-trip completes.
// Calls for one briefcase must not overlap; Briefcase enforces this.
type Authority interface {
	// AcquireBriefcase provisions a new briefcase pinned at the current head.
	AcquireBriefcase(ctx context.Context) (*models.BriefcaseInfo, error)
	// ReleaseBriefcase retires a briefcase, dropping its locks and
	// relinquishing its reserved codes.
	ReleaseBriefcase(ctx context.Context, id models.BriefcaseID) error
	// UpdateLocks atomically acquires/releases a batch of locks.
	UpdateLocks(ctx context.Context, id models.BriefcaseID, reqs []models.LockRequest) ([]models.Lock, error)
	// QueryLocks is a non-mutating read of the lock table.
	QueryLocks(ctx context.Context, q models.LockQuery) ([]models.Lock, error)
	// UpdateCodes atomically reserves/relinquishes a batch of codes.
	UpdateCodes(ctx context.Context, id models.BriefcaseID, reqs []models.CodeRequest) ([]models.Code, error)
	// QueryCodes is a non-mutating read of the code table.
	QueryCodes(ctx context.Context, q models.CodeQuery) ([]models.Code, error)
	// ChangeSetsAfter returns the timeline chain after the given position.
	ChangeSetsAfter(ctx context.Context, after ksid.ID) ([]*models.ChangeSet, error)
	// PushChangeSet appends a change-set; rejected with a stale-head denial
	// when the parent is no longer the head.
	PushChangeSet(ctx context.Context, cs *models.ChangeSet) error
}
