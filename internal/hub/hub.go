// Package hub implements the central authority: the canonical change-set
// timeline plus the authoritative lock and code tables that provide
// cross-briefcase exclusion.
//
// All state transitions serialize on one mutex; briefcases never coordinate
// with each other directly.
package hub

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/maruel/briefhub/internal/jsonldb"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// Hub is the single serializing authority for a shared database.
type Hub struct {
	mu sync.Mutex

	briefcases *jsonldb.Table[*models.BriefcaseInfo]
	timeline   *jsonldb.Table[*models.ChangeSet]
	lockTable  *jsonldb.Table[*models.Lock]
	codeTable  *jsonldb.Table[*models.Code]

	// locks maps each object to its current holders. Multiple Shared holders
	// may coexist; an Exclusive holder is always alone.
	locks map[models.LockKey]map[models.BriefcaseID]models.LockLevel
	codes map[models.CodeKey]*models.Code

	audit *AuditRepo // nil when auditing is disabled
}

// New opens (or creates) a hub rooted at dir. When audit is non-nil, every
// accepted change-set is committed to it.
func New(dir string, audit *AuditRepo) (*Hub, error) {
	briefcases, err := jsonldb.NewTable[*models.BriefcaseInfo](filepath.Join(dir, "briefcases.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open briefcase table: %w", err)
	}
	timeline, err := jsonldb.NewTable[*models.ChangeSet](filepath.Join(dir, "changesets.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline: %w", err)
	}
	lockTable, err := jsonldb.NewTable[*models.Lock](filepath.Join(dir, "locks.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open lock table: %w", err)
	}
	codeTable, err := jsonldb.NewTable[*models.Code](filepath.Join(dir, "codes.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to open code table: %w", err)
	}

	h := &Hub{
		briefcases: briefcases,
		timeline:   timeline,
		lockTable:  lockTable,
		codeTable:  codeTable,
		locks:      make(map[models.LockKey]map[models.BriefcaseID]models.LockLevel),
		codes:      make(map[models.CodeKey]*models.Code),
		audit:      audit,
	}
	for l := range lockTable.All() {
		holders := h.locks[l.LockKey]
		if holders == nil {
			holders = make(map[models.BriefcaseID]models.LockLevel)
			h.locks[l.LockKey] = holders
		}
		holders[l.BriefcaseID] = l.Level
	}
	for c := range codeTable.All() {
		h.codes[c.CodeKey] = c
	}
	return h, nil
}

// AcquireBriefcase assigns the next briefcase number, pinned at the current
// timeline head.
func (h *Hub) AcquireBriefcase(ctx context.Context) (*models.BriefcaseInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	info := &models.BriefcaseInfo{
		ID:              models.BriefcaseID(h.briefcases.Len() + 1),
		HeadChangeSetID: h.headLocked(),
		Acquired:        models.Now(),
	}
	if err := h.briefcases.Append(info); err != nil {
		return nil, fmt.Errorf("failed to record briefcase: %w", err)
	}
	return info.Clone(), nil
}

// ReleaseBriefcase retires a briefcase: its locks are dropped and its
// Reserved codes become Available again. Used codes are permanent.
func (h *Hub) ReleaseBriefcase(ctx context.Context, id models.BriefcaseID) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkBriefcaseLocked(id); err != nil {
		return err
	}

	for key, holders := range h.locks {
		if _, ok := holders[id]; ok {
			delete(holders, id)
			if len(holders) == 0 {
				delete(h.locks, key)
			}
		}
	}
	for _, c := range h.codes {
		if c.BriefcaseID == id && c.State == models.CodeStateReserved {
			c.State = models.CodeStateAvailable
			c.BriefcaseID = 0
		}
	}

	rows := make([]*models.BriefcaseInfo, 0, h.briefcases.Len())
	for b := range h.briefcases.All() {
		if b.ID == id {
			b.Released = models.Now()
		}
		rows = append(rows, b)
	}
	if err := h.briefcases.Replace(rows); err != nil {
		return fmt.Errorf("failed to update briefcase table: %w", err)
	}
	if err := h.persistLocksLocked(); err != nil {
		return err
	}
	return h.persistCodesLocked()
}

// checkBriefcaseLocked verifies the briefcase exists and was not released.
func (h *Hub) checkBriefcaseLocked(id models.BriefcaseID) error {
	b, ok := h.briefcases.Find(func(b *models.BriefcaseInfo) bool { return b.ID == id })
	if !ok || !b.Released.IsZero() {
		return models.BriefcaseNotFound(id)
	}
	return nil
}

// headLocked returns the id of the last change-set, or the zero id for an
// empty timeline.
func (h *Hub) headLocked() ksid.ID {
	if last, ok := h.timeline.Last(); ok {
		return last.ID
	}
	return ksid.ID(0)
}

func (h *Hub) persistLocksLocked() error {
	rows := make([]*models.Lock, 0, len(h.locks))
	for key, holders := range h.locks {
		for bc, level := range holders {
			rows = append(rows, &models.Lock{LockKey: key, Level: level, BriefcaseID: bc})
		}
	}
	if err := h.lockTable.Replace(rows); err != nil {
		return fmt.Errorf("failed to persist lock table: %w", err)
	}
	return nil
}

func (h *Hub) persistCodesLocked() error {
	rows := make([]*models.Code, 0, len(h.codes))
	for _, c := range h.codes {
		rows = append(rows, c.Clone())
	}
	if err := h.codeTable.Replace(rows); err != nil {
		return fmt.Errorf("failed to persist code table: %w", err)
	}
	return nil
}
