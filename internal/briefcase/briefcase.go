package briefcase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/maruel/briefhub/internal/localdb"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// Meta keys persisted in the local database so a briefcase survives process
// restarts.
const (
	metaBriefcaseID   = "briefcase_id"
	metaChangeSetID   = "changeset_id"
	metaLastPushedTxn = "last_pushed_txn"
	metaMergeOverride = "merge_overrides"
)

// Briefcase is one user's local replica of the shared database, identified by
// a hub-assigned number. It owns the local store, the concurrency control
// state, and the briefcase's position on the hub timeline.
//
// A briefcase is single-flow by contract: it is not safe for concurrent use,
// and overlapping remote calls are rejected with a busy error rather than
// queued.
type Briefcase struct {
	authority Authority
	db        *localdb.DB
	cc        *ConcurrencyControl

	id          models.BriefcaseID
	changeSetID ksid.ID // timeline position merged into the local store
	// lastPushedTxn is the most recent local Txn covered by a push. The
	// journal window after it is the briefcase's outstanding local change-set.
	lastPushedTxn int64
	// mergeOverrides are entities whose local change was overwritten by an
	// accepted incoming operation during merge. They are excluded from the
	// next push so the push does not resurrect the overridden value.
	mergeOverrides map[ksid.ID]struct{}

	// busy names the in-flight remote operation, empty when idle.
	busy string
}

// Open opens (or creates) a briefcase backed by the local database at path.
// A fresh database acquires a new briefcase id from the authority; an
// existing one resumes where it left off.
//
// The concurrency policy always starts pessimistic. An optimistic policy must
// be re-attached after every Open.
func Open(ctx context.Context, authority Authority, path string) (*Briefcase, error) {
	db, err := localdb.Open(path)
	if err != nil {
		return nil, err
	}
	b := &Briefcase{
		authority:      authority,
		db:             db,
		mergeOverrides: make(map[ksid.ID]struct{}),
	}
	b.cc = newConcurrencyControl(b)

	idStr, err := db.GetMeta(metaBriefcaseID)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if idStr == "" {
		info, err := authority.AcquireBriefcase(ctx)
		if err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to acquire briefcase: %w", err)
		}
		b.id = info.ID
		// The local store is empty, so the merged position starts at the
		// beginning of the timeline; the first PullAndMerge replays all of it.
		if err := b.saveState(); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := db.FlushExternal(); err != nil {
			_ = db.Close()
			return nil, err
		}
		slog.InfoContext(ctx, "Acquired briefcase", "briefcase", b.id, "hubHead", info.HeadChangeSetID)
		return b, nil
	}

	if err := b.loadState(idStr); err != nil {
		_ = db.Close()
		return nil, err
	}
	slog.InfoContext(ctx, "Resumed briefcase", "briefcase", b.id, "head", b.changeSetID)
	return b, nil
}

func (b *Briefcase) loadState(idStr string) error {
	n, err := strconv.ParseUint(idStr, 10, 32)
	if err != nil {
		return fmt.Errorf("corrupt briefcase id %q: %w", idStr, err)
	}
	b.id = models.BriefcaseID(n)

	csStr, err := b.db.GetMeta(metaChangeSetID)
	if err != nil {
		return err
	}
	if csStr != "" {
		if b.changeSetID, err = ksid.Parse(csStr); err != nil {
			return fmt.Errorf("corrupt changeset id %q: %w", csStr, err)
		}
	}

	txnStr, err := b.db.GetMeta(metaLastPushedTxn)
	if err != nil {
		return err
	}
	if txnStr != "" {
		if b.lastPushedTxn, err = strconv.ParseInt(txnStr, 10, 64); err != nil {
			return fmt.Errorf("corrupt last pushed txn %q: %w", txnStr, err)
		}
	}

	ovStr, err := b.db.GetMeta(metaMergeOverride)
	if err != nil {
		return err
	}
	if ovStr != "" {
		var ids []ksid.ID
		if err := json.Unmarshal([]byte(ovStr), &ids); err != nil {
			return fmt.Errorf("corrupt merge overrides: %w", err)
		}
		for _, id := range ids {
			b.mergeOverrides[id] = struct{}{}
		}
	}
	return nil
}

// saveState writes the briefcase position into the open transaction. The
// caller decides when it becomes durable.
func (b *Briefcase) saveState() error {
	if err := b.db.SetMeta(metaBriefcaseID, strconv.FormatUint(uint64(b.id), 10)); err != nil {
		return err
	}
	cs := ""
	if !b.changeSetID.IsZero() {
		cs = b.changeSetID.String()
	}
	if err := b.db.SetMeta(metaChangeSetID, cs); err != nil {
		return err
	}
	if err := b.db.SetMeta(metaLastPushedTxn, strconv.FormatInt(b.lastPushedTxn, 10)); err != nil {
		return err
	}
	ids := make([]ksid.ID, 0, len(b.mergeOverrides))
	for id := range b.mergeOverrides {
		ids = append(ids, id)
	}
	data, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("failed to marshal merge overrides: %w", err)
	}
	return b.db.SetMeta(metaMergeOverride, string(data))
}

// beginRemote marks a remote round-trip in flight. A second remote call while
// one is outstanding is a programming error surfaced as a busy denial.
func (b *Briefcase) beginRemote(op string) error {
	if b.busy != "" {
		return models.Busy(op)
	}
	b.busy = op
	return nil
}

func (b *Briefcase) endRemote() {
	b.busy = ""
}

// ID returns the hub-assigned briefcase number.
func (b *Briefcase) ID() models.BriefcaseID {
	return b.id
}

// ChangeSetID returns the timeline position merged into the local store.
func (b *Briefcase) ChangeSetID() ksid.ID {
	return b.changeSetID
}

// Concurrency returns the briefcase's concurrency control.
func (b *Briefcase) Concurrency() *ConcurrencyControl {
	return b.cc
}

// LocalDB exposes the local store for reads and integrity checks.
func (b *Briefcase) LocalDB() *localdb.DB {
	return b.db
}

// insertLocks are the locks implied by creating an element: a shared lock on
// its model and the shared whole-database lock. The new element itself needs
// no lock, nobody else can reference it yet.
func insertLocks(modelID ksid.ID) []models.LockRequest {
	return []models.LockRequest{
		{LockKey: models.LockKey{Type: models.LockTypeDb, ObjectID: models.DbObjectID}, Level: models.LockLevelShared},
		{LockKey: models.LockKey{Type: models.LockTypeModel, ObjectID: modelID.String()}, Level: models.LockLevelShared},
	}
}

// modifyLocks are the locks implied by changing or deleting an element: an
// exclusive lock on the element plus the shared model and database locks.
func modifyLocks(modelID, elementID ksid.ID) []models.LockRequest {
	return append(insertLocks(modelID),
		models.LockRequest{LockKey: models.LockKey{Type: models.LockTypeElement, ObjectID: elementID.String()}, Level: models.LockLevelExclusive})
}

// InsertElement creates an element in the local store, subject to the
// attached policy: pessimistic writes fail synchronously unless the implied
// locks and code are already held, bulk mode defers them.
func (b *Briefcase) InsertElement(el *localdb.Element) (ksid.ID, error) {
	if err := b.cc.onWrite(insertLocks(el.ModelID), el.Code); err != nil {
		return 0, err
	}
	return b.db.InsertElement(el)
}

// UpdateElement replaces an element's content. A code requirement arises only
// when the write attaches a code the stored element does not already carry.
func (b *Briefcase) UpdateElement(el *localdb.Element) error {
	before, err := b.db.GetElement(el.ID)
	if err != nil {
		return err
	}
	var code *models.CodeKey
	if el.Code != nil && (before.Code == nil || *before.Code != *el.Code) {
		code = el.Code
	}
	if err := b.cc.onWrite(modifyLocks(before.ModelID, el.ID), code); err != nil {
		return err
	}
	return b.db.UpdateElement(el)
}

// DeleteElement removes an element from the local store.
func (b *Briefcase) DeleteElement(id ksid.ID) error {
	before, err := b.db.GetElement(id)
	if err != nil {
		return err
	}
	if err := b.cc.onWrite(modifyLocks(before.ModelID, id), nil); err != nil {
		return err
	}
	return b.db.DeleteElement(id)
}

// StageForInsert records the lock and code requirements of a planned insert
// without writing anything, so they can be acquired up front via Request.
// A zero element id is assigned here so later writes reuse it.
func (b *Briefcase) StageForInsert(el *localdb.Element) {
	if el.ID.IsZero() {
		el.ID = ksid.NewID()
	}
	b.cc.stage(insertLocks(el.ModelID), el.Code)
}

// StageForUpdate records the requirements of a planned update of an existing
// element.
func (b *Briefcase) StageForUpdate(el *localdb.Element) error {
	before, err := b.db.GetElement(el.ID)
	if err != nil {
		return err
	}
	var code *models.CodeKey
	if el.Code != nil && (before.Code == nil || *before.Code != *el.Code) {
		code = el.Code
	}
	b.cc.stage(modifyLocks(before.ModelID, el.ID), code)
	return nil
}

// StageForDelete records the requirements of a planned delete.
func (b *Briefcase) StageForDelete(id ksid.ID) error {
	before, err := b.db.GetElement(id)
	if err != nil {
		return err
	}
	b.cc.stage(modifyLocks(before.ModelID, id), nil)
	return nil
}

// SaveChanges commits the pending local writes as one named, reversible Txn.
// Outside bulk mode, unacquired pending requests make the save refuse: the
// writes that produced them were allowed on the promise the requirements
// would be acquired first.
func (b *Briefcase) SaveChanges(description string) (int64, error) {
	if b.cc.bulk != bulkAccumulating && b.cc.HasPendingRequests() {
		return 0, models.PendingRequests(len(b.cc.pending.locks), len(b.cc.pending.codes))
	}
	return b.db.SaveChanges(description)
}

// AbandonChanges rolls back unsaved local writes and drops the requirements
// they accumulated.
func (b *Briefcase) AbandonChanges() error {
	if err := b.db.AbandonChanges(); err != nil {
		return err
	}
	b.cc.pending.clearLocks()
	b.cc.pending.clearCodes()
	return nil
}

// ReverseSingleTxn undoes the most recent saved Txn. The reversed Txn drops
// out of the outstanding local change-set; locks and code reservations it
// motivated stay held until explicitly released.
//
// Undo is bounded to Txns not yet covered by a push. A pushed Txn is part of
// an immutable change-set on the timeline; reversing it locally would diverge
// from the position the briefcase claims, and no pull would repair it.
func (b *Briefcase) ReverseSingleTxn() error {
	txnID, err := b.db.LastTxnID()
	if err != nil {
		return err
	}
	if txnID != 0 && txnID <= b.lastPushedTxn {
		return models.TxnPushed(txnID)
	}
	return b.db.ReverseSingleTxn()
}

// Reopen simulates closing and reopening the briefcase connection: transient
// concurrency state is discarded and the policy reverts to pessimistic. The
// briefcase id, timeline position and saved Txns persist. Callers using an
// optimistic policy must re-attach it.
func (b *Briefcase) Reopen() error {
	if b.db.HasUnsavedChanges() {
		if err := b.db.AbandonChanges(); err != nil {
			return err
		}
	}
	b.cc = newConcurrencyControl(b)
	b.busy = ""
	return nil
}

// Release retires the briefcase at the authority, dropping its locks and
// relinquishing its reserved codes, then closes the local store.
func (b *Briefcase) Release(ctx context.Context) error {
	if b.db.HasUnsavedChanges() {
		return localdb.ErrUnsavedChanges
	}
	if err := b.beginRemote("Release"); err != nil {
		return err
	}
	err := b.authority.ReleaseBriefcase(ctx, b.id)
	b.endRemote()
	if err != nil {
		return fmt.Errorf("failed to release briefcase: %w", err)
	}
	slog.InfoContext(ctx, "Released briefcase", "briefcase", b.id)
	return b.db.Close()
}

// Close closes the local store without releasing the briefcase at the
// authority. The briefcase can be resumed later with Open on the same path.
func (b *Briefcase) Close() error {
	return b.db.Close()
}
