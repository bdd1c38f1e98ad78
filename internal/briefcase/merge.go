package briefcase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maruel/briefhub/internal/localdb"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// PullAndMerge fetches the change-sets after the briefcase's timeline
// position and merges them into the local store, resolving whole-entity
// conflicts with the attached policy's rules.
//
// Merging is deterministic: change-sets apply in timeline order and ops in
// change-set order, so every briefcase pulling the same chain over the same
// local state converges to the same content. Merged changes are not
// journaled; they never become part of this briefcase's push set.
func (b *Briefcase) PullAndMerge(ctx context.Context) error {
	if b.db.HasUnsavedChanges() {
		return localdb.ErrUnsavedChanges
	}
	if err := b.beginRemote("PullAndMerge"); err != nil {
		return err
	}
	defer b.endRemote()

	incoming, err := b.authority.ChangeSetsAfter(ctx, b.changeSetID)
	if err != nil {
		return fmt.Errorf("pull failed: %w", err)
	}
	if len(incoming) == 0 {
		return nil
	}

	local, err := b.localChangeIndex()
	if err != nil {
		return err
	}
	rules := b.cc.policy.resolution()

	merged, conflicts := 0, 0
	for _, cs := range incoming {
		if cs.BriefcaseID == b.id {
			// Our own accepted push: the content is already local.
			b.changeSetID = cs.ID
			continue
		}
		for _, op := range cs.Ops {
			apply, conflicted, err := b.mergeOp(op, local, rules)
			if err != nil {
				return err
			}
			if conflicted {
				conflicts++
			}
			if apply {
				if err := b.db.ApplyExternal(op); err != nil {
					return fmt.Errorf("merge failed applying %s %s: %w", op.Kind, op.EntityID, err)
				}
				merged++
			}
		}
		b.changeSetID = cs.ID
	}

	if err := b.saveState(); err != nil {
		return err
	}
	if err := b.db.FlushExternal(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Merged change-sets", "briefcase", b.id, "changesets", len(incoming), "ops", merged, "conflicts", conflicts, "head", b.changeSetID)
	return nil
}

// localChangeIndex collapses the unpushed journal into one op kind per entity.
func (b *Briefcase) localChangeIndex() (map[ksid.ID]models.OpKind, error) {
	changes, err := b.db.ChangesSince(b.lastPushedTxn)
	if err != nil {
		return nil, err
	}
	idx := make(map[ksid.ID]models.OpKind, len(changes))
	for _, c := range changes {
		idx[c.EntityID] = c.Kind
	}
	return idx, nil
}

// mergeOp decides the fate of one incoming operation against the local
// change index. It returns whether to apply the op and whether the decision
// was a conflict resolution (as opposed to a clean apply).
//
// Conflict shapes are whole-entity. A local insert behaves like a local
// update for classification: both mean "this briefcase has a value it has
// not pushed".
func (b *Briefcase) mergeOp(op models.EntityOp, local map[ksid.ID]models.OpKind, rules models.ConflictResolutionPolicy) (bool, bool, error) {
	localKind, touched := local[op.EntityID]
	if !touched {
		return true, false, nil
	}

	var rule models.OnConflict
	switch {
	case localKind != models.OpDelete && op.Kind != models.OpDelete:
		rule = rules.UpdateVsUpdate
	case localKind != models.OpDelete && op.Kind == models.OpDelete:
		rule = rules.UpdateVsDelete
	case localKind == models.OpDelete && op.Kind != models.OpDelete:
		rule = rules.DeleteVsUpdate
	default:
		// Deleted on both sides: the outcomes agree. Accept the incoming
		// delete so the redundant local delete drops out of the push set.
		rule = models.OnConflictAcceptIncoming
	}

	switch rule {
	case models.OnConflictRejectIncoming:
		return false, true, nil
	case models.OnConflictAcceptIncoming:
		b.mergeOverrides[op.EntityID] = struct{}{}
		return op.Kind != models.OpDelete || localKind != models.OpDelete, true, nil
	}
	return false, false, fmt.Errorf("undefined conflict rule for %s vs %s", localKind, op.Kind)
}

// PushChanges turns the unpushed local Txns into one change-set and submits
// it to the authority. The parent is the briefcase's current timeline
// position; a push against a stale head is denied and the caller must
// PullAndMerge before retrying.
//
// An accepted push advances the timeline position and the pushed-Txn
// watermark, and consumes the codes its ops carry. Held locks survive; they
// are released only explicitly or when the briefcase is released.
func (b *Briefcase) PushChanges(ctx context.Context, description string) error {
	if b.db.HasUnsavedChanges() {
		return localdb.ErrUnsavedChanges
	}
	if b.cc.HasPendingRequests() {
		return models.PendingRequests(len(b.cc.pending.locks), len(b.cc.pending.codes))
	}
	if err := b.beginRemote("PushChanges"); err != nil {
		return err
	}
	defer b.endRemote()

	ops, err := b.db.OpsSince(b.lastPushedTxn)
	if err != nil {
		return err
	}
	if len(b.mergeOverrides) > 0 {
		kept := ops[:0]
		for _, op := range ops {
			if _, overridden := b.mergeOverrides[op.EntityID]; !overridden {
				kept = append(kept, op)
			}
		}
		ops = kept
	}
	if len(ops) == 0 {
		return nil
	}

	cs := &models.ChangeSet{
		ID:          ksid.NewID(),
		ParentID:    b.changeSetID,
		BriefcaseID: b.id,
		Description: description,
		Ops:         ops,
	}
	if err := b.authority.PushChangeSet(ctx, cs); err != nil {
		return fmt.Errorf("push failed: %w", err)
	}

	b.changeSetID = cs.ID
	if b.lastPushedTxn, err = b.db.LastTxnID(); err != nil {
		return err
	}
	clear(b.mergeOverrides)
	// Pushed codes are Used now; forget the reservations.
	for _, op := range ops {
		if op.Code != nil {
			delete(b.cc.cache.codes, *op.Code)
		}
	}
	if err := b.saveState(); err != nil {
		return err
	}
	if err := b.db.FlushExternal(); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Pushed change-set", "briefcase", b.id, "changeset", cs.ID, "ops", len(ops))
	return nil
}
