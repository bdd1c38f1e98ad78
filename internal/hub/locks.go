package hub

import (
	"context"
	"log/slog"

	"github.com/maruel/briefhub/internal/models"
)

// UpdateLocks atomically applies a batch of lock requests for one briefcase.
//
// The whole batch is validated first: if any request conflicts with a lock
// held by another briefcase, nothing is applied and the denial identifies the
// contested lock and its holder. Re-requesting an already-held lock is an
// idempotent no-op that returns the existing entry. A request at
// LockLevelNone releases the briefcase's hold on that object.
func (h *Hub) UpdateLocks(ctx context.Context, id models.BriefcaseID, reqs []models.LockRequest) ([]models.Lock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkBriefcaseLocked(id); err != nil {
		return nil, err
	}

	// Validate the entire batch before mutating anything.
	for _, req := range reqs {
		if req.Level == models.LockLevelNone {
			continue
		}
		for holder, level := range h.locks[req.LockKey] {
			if holder == id {
				continue
			}
			if req.Level == models.LockLevelExclusive || level == models.LockLevelExclusive {
				slog.WarnContext(ctx, "Lock denied", "briefcase", id, "lock", req.LockKey, "heldBy", holder)
				return nil, models.LockHeldByOther(req.LockKey, req.Level, level, holder)
			}
		}
	}

	result := make([]models.Lock, 0, len(reqs))
	changed := false
	for _, req := range reqs {
		holders := h.locks[req.LockKey]
		if req.Level == models.LockLevelNone {
			if _, ok := holders[id]; ok {
				delete(holders, id)
				if len(holders) == 0 {
					delete(h.locks, req.LockKey)
				}
				changed = true
			}
			result = append(result, models.Lock{LockKey: req.LockKey, Level: models.LockLevelNone, BriefcaseID: id})
			continue
		}
		if holders == nil {
			holders = make(map[models.BriefcaseID]models.LockLevel)
			h.locks[req.LockKey] = holders
		}
		// A lock is only ever strengthened, never silently weakened.
		if holders[id] < req.Level {
			holders[id] = req.Level
			changed = true
		}
		result = append(result, models.Lock{LockKey: req.LockKey, Level: holders[id], BriefcaseID: id})
	}

	if changed {
		if err := h.persistLocksLocked(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// QueryLocks returns the current lock entries matching the query. It never
// mutates state and is suitable for dry-run availability checks.
func (h *Hub) QueryLocks(ctx context.Context, q models.LockQuery) ([]models.Lock, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var keyFilter map[models.LockKey]struct{}
	if len(q.Keys) > 0 {
		keyFilter = make(map[models.LockKey]struct{}, len(q.Keys))
		for _, k := range q.Keys {
			keyFilter[k] = struct{}{}
		}
	}

	var result []models.Lock
	for key, holders := range h.locks {
		if keyFilter != nil {
			if _, ok := keyFilter[key]; !ok {
				continue
			}
		}
		for holder, level := range holders {
			if !q.BriefcaseID.IsZero() && holder != q.BriefcaseID {
				continue
			}
			result = append(result, models.Lock{LockKey: key, Level: level, BriefcaseID: holder})
		}
	}
	return result, nil
}
