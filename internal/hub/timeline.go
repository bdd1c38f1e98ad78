package hub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// ChangeSetsAfter returns the change-sets that follow the given timeline
// position, in chain order. The zero id means the beginning of the timeline.
func (h *Hub) ChangeSetsAfter(ctx context.Context, after ksid.ID) ([]*models.ChangeSet, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var result []*models.ChangeSet
	found := after.IsZero()
	for cs := range h.timeline.All() {
		if found {
			result = append(result, cs)
			continue
		}
		if cs.ID == after {
			found = true
		}
	}
	if !found {
		return nil, models.NewAuthorityError(404, models.ErrorCodeChangeSetNotFound,
			fmt.Sprintf("change-set %s is not on the timeline", after))
	}
	return result, nil
}

// PushChangeSet appends a change-set to the timeline.
//
// The push is accepted only when cs.ParentID is the current head: a briefcase
// that is behind must pull and merge first. Concurrent pushes against the same
// head therefore serialize — exactly one succeeds. On acceptance the pushing
// briefcase's code reservations referenced by the ops become Used, and the
// change-set is committed to the audit repository when one is configured.
func (h *Hub) PushChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkBriefcaseLocked(cs.BriefcaseID); err != nil {
		return err
	}
	if cs.ID.IsZero() {
		return models.BadRequest("change-set id is required")
	}
	if head := h.headLocked(); cs.ParentID != head {
		return models.StaleHead(cs.ParentID, head)
	}

	accepted := cs.Clone()
	accepted.Pushed = models.Now()
	if err := h.timeline.Append(accepted); err != nil {
		return fmt.Errorf("failed to append change-set: %w", err)
	}
	if h.markCodesUsedLocked(cs.BriefcaseID, cs.Ops) {
		if err := h.persistCodesLocked(); err != nil {
			return err
		}
	}

	if h.audit != nil {
		if err := h.audit.Commit(ctx, accepted); err != nil {
			// The push already succeeded; the audit trail is best-effort.
			slog.ErrorContext(ctx, "Failed to commit change-set to audit repo", "changeset", accepted.ID, "err", err)
		}
	}

	slog.InfoContext(ctx, "Change-set pushed", "changeset", accepted.ID, "briefcase", cs.BriefcaseID, "ops", len(cs.Ops))
	return nil
}

// Head returns the current timeline head, or the zero id for an empty timeline.
func (h *Hub) Head() ksid.ID {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.headLocked()
}
