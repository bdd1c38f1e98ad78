package briefcase

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/maruel/briefhub/internal/hub"
	"github.com/maruel/briefhub/internal/localdb"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

func newTestHub(t *testing.T) *hub.Hub {
	t.Helper()
	h, err := hub.New(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("hub.New() failed: %v", err)
	}
	return h
}

func openTestBriefcase(t *testing.T, a Authority, path string) *Briefcase {
	t.Helper()
	b, err := Open(t.Context(), a, path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	return b
}

func newTestBriefcase(t *testing.T, a Authority) *Briefcase {
	t.Helper()
	b := openTestBriefcase(t, a, filepath.Join(t.TempDir(), "briefcase.db"))
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}

// setLabel rewrites one element's label through the briefcase write path.
func setLabel(t *testing.T, b *Briefcase, id ksid.ID, label string) {
	t.Helper()
	el, err := b.LocalDB().GetElement(id)
	if err != nil {
		t.Fatalf("GetElement() failed: %v", err)
	}
	el.Label = label
	if err := b.UpdateElement(el); err != nil {
		t.Fatalf("update to %q failed: %v", label, err)
	}
}

func mustOptimistic(t *testing.T, b *Briefcase) {
	t.Helper()
	if err := b.Concurrency().SetPolicy(OptimisticPolicy(models.DefaultConflictResolution())); err != nil {
		t.Fatalf("SetPolicy() failed: %v", err)
	}
}

// countingAuthority counts remote round-trips per operation kind.
type countingAuthority struct {
	Authority
	acquires  atomic.Int64
	lockCalls atomic.Int64
	codeCalls atomic.Int64
}

func (c *countingAuthority) AcquireBriefcase(ctx context.Context) (*models.BriefcaseInfo, error) {
	c.acquires.Add(1)
	return c.Authority.AcquireBriefcase(ctx)
}

func (c *countingAuthority) UpdateLocks(ctx context.Context, id models.BriefcaseID, reqs []models.LockRequest) ([]models.Lock, error) {
	c.lockCalls.Add(1)
	return c.Authority.UpdateLocks(ctx, id, reqs)
}

func (c *countingAuthority) UpdateCodes(ctx context.Context, id models.BriefcaseID, reqs []models.CodeRequest) ([]models.Code, error) {
	c.codeCalls.Add(1)
	return c.Authority.UpdateCodes(ctx, id, reqs)
}

func TestPessimisticGate(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := newTestBriefcase(t, h)

	el := &localdb.Element{ModelID: ksid.NewID(), Label: "beam"}
	if _, err := b.InsertElement(el); !models.IsPolicyViolation(err, models.PolicyCodeLockNotHeld) {
		t.Fatalf("unlocked insert: got %v, want LOCK_NOT_HELD", err)
	}

	b.StageForInsert(el)
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if _, err := b.InsertElement(el); err != nil {
		t.Fatalf("InsertElement() failed: %v", err)
	}
	if _, err := b.SaveChanges("add beam"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}

	// Changing the element needs the exclusive element lock on top of the
	// shared model and database locks.
	el.Label = "beam-2"
	if err := b.UpdateElement(el); !models.IsPolicyViolation(err, models.PolicyCodeLockNotHeld) {
		t.Fatalf("unlocked update: got %v, want LOCK_NOT_HELD", err)
	}
	if err := b.StageForUpdate(el); err != nil {
		t.Fatalf("StageForUpdate() failed: %v", err)
	}
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if err := b.UpdateElement(el); err != nil {
		t.Fatalf("UpdateElement() failed: %v", err)
	}

	// The full set of held locks: exclusive element, shared model, shared db.
	locks, err := h.QueryLocks(ctx, models.LockQuery{BriefcaseID: b.ID()})
	if err != nil {
		t.Fatalf("QueryLocks() failed: %v", err)
	}
	levels := make(map[models.LockType]models.LockLevel, len(locks))
	for _, l := range locks {
		levels[l.Type] = l.Level
	}
	if levels[models.LockTypeElement] != models.LockLevelExclusive {
		t.Errorf("element lock = %s, want exclusive", levels[models.LockTypeElement])
	}
	if levels[models.LockTypeModel] != models.LockLevelShared {
		t.Errorf("model lock = %s, want shared", levels[models.LockTypeModel])
	}
	if levels[models.LockTypeDb] != models.LockLevelShared {
		t.Errorf("db lock = %s, want shared", levels[models.LockTypeDb])
	}
}

func TestCodeGate(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := newTestBriefcase(t, h)

	modelID := ksid.NewID()
	// Acquire the insert locks first so the code is the only missing piece.
	b.StageForInsert(&localdb.Element{ModelID: modelID})
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}

	code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "beam-1"}
	el := &localdb.Element{ModelID: modelID, Code: &code, Label: "beam"}
	if _, err := b.InsertElement(el); !models.IsPolicyViolation(err, models.PolicyCodeCodeNotReserved) {
		t.Fatalf("got %v, want CODE_NOT_RESERVED", err)
	}

	b.StageForInsert(el)
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if _, err := b.InsertElement(el); err != nil {
		t.Fatalf("InsertElement() failed: %v", err)
	}
}

func TestSaveChangesRefusesPending(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	b := newTestBriefcase(t, h)

	b.StageForInsert(&localdb.Element{ModelID: ksid.NewID()})
	if _, err := b.SaveChanges("too early"); !models.IsPolicyViolation(err, models.PolicyCodePendingRequests) {
		t.Fatalf("got %v, want PENDING_REQUESTS", err)
	}
	if err := b.Concurrency().Request(t.Context()); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if _, err := b.SaveChanges("fine now"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}
}

func TestBulkMode(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	ca := &countingAuthority{Authority: h}
	b := newTestBriefcase(t, ca)

	if err := b.Concurrency().StartBulkMode(); err != nil {
		t.Fatalf("StartBulkMode() failed: %v", err)
	}
	lockCalls := ca.lockCalls.Load()
	codeCalls := ca.codeCalls.Load()

	modelID := ksid.NewID()
	spec := ksid.NewID()
	for i, value := range []string{"beam-1", "beam-2", "beam-3"} {
		el := &localdb.Element{
			ModelID: modelID,
			Code:    &models.CodeKey{SpecID: spec, Scope: "m", Value: value},
		}
		if _, err := b.InsertElement(el); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}
	if ca.lockCalls.Load() != lockCalls || ca.codeCalls.Load() != codeCalls {
		t.Fatal("bulk mode performed remote calls before the flush")
	}
	if !b.Concurrency().HasPendingRequests() {
		t.Fatal("HasPendingRequests() = false in bulk mode")
	}
	if _, err := b.SaveChanges("bulk import"); err != nil {
		t.Fatalf("SaveChanges() in bulk mode failed: %v", err)
	}

	if err := b.Concurrency().EndBulkMode(ctx); err != nil {
		t.Fatalf("EndBulkMode() failed: %v", err)
	}
	// One batched round-trip per failure domain.
	if got := ca.lockCalls.Load() - lockCalls; got != 1 {
		t.Errorf("lock calls = %d, want 1", got)
	}
	if got := ca.codeCalls.Load() - codeCalls; got != 1 {
		t.Errorf("code calls = %d, want 1", got)
	}
	if b.Concurrency().HasPendingRequests() {
		t.Error("requests still pending after flush")
	}
	if b.Concurrency().InBulkMode() {
		t.Error("still in bulk mode after flush")
	}

	if err := b.PushChanges(ctx, "bulk import"); err != nil {
		t.Fatalf("PushChanges() failed: %v", err)
	}
}

func TestIndependentFailureDomains(t *testing.T) {
	t.Parallel()

	t.Run("CodeDenialKeepsLocks", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		b2 := newTestBriefcase(t, h)

		code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "contested"}
		if _, err := h.UpdateCodes(ctx, b2.ID(), []models.CodeRequest{{CodeKey: code, State: models.CodeStateReserved}}); err != nil {
			t.Fatalf("UpdateCodes() failed: %v", err)
		}

		if err := b1.Concurrency().StartBulkMode(); err != nil {
			t.Fatalf("StartBulkMode() failed: %v", err)
		}
		el := &localdb.Element{ModelID: ksid.NewID(), Code: &code}
		if _, err := b1.InsertElement(el); err != nil {
			t.Fatalf("InsertElement() failed: %v", err)
		}
		err := b1.Concurrency().EndBulkMode(ctx)
		if !models.HasErrorCode(err, models.ErrorCodeCodeReservedByOther) {
			t.Fatalf("got %v, want CODE_RESERVED_BY_OTHER", err)
		}

		// The lock half of the flush succeeded and stays acquired.
		locks, err := h.QueryLocks(ctx, models.LockQuery{BriefcaseID: b1.ID()})
		if err != nil {
			t.Fatalf("QueryLocks() failed: %v", err)
		}
		if len(locks) == 0 {
			t.Error("locks were rolled back with the code denial")
		}
		if !b1.Concurrency().HasPendingRequests() {
			t.Fatal("denied codes dropped from the accumulator")
		}

		// After remediation only the code half is retried.
		if _, err := h.UpdateCodes(ctx, b2.ID(), []models.CodeRequest{{CodeKey: code, State: models.CodeStateAvailable}}); err != nil {
			t.Fatalf("relinquish failed: %v", err)
		}
		if err := b1.Concurrency().Request(ctx); err != nil {
			t.Fatalf("retry Request() failed: %v", err)
		}
		if b1.Concurrency().HasPendingRequests() {
			t.Error("requests still pending after retry")
		}
		if _, err := b1.SaveChanges("add"); err != nil {
			t.Fatalf("SaveChanges() failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "add"); err != nil {
			t.Fatalf("PushChanges() failed: %v", err)
		}
	})

	t.Run("LockDenialKeepsEverythingPending", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		b2 := newTestBriefcase(t, h)

		modelID := ksid.NewID()
		modelKey := models.LockKey{Type: models.LockTypeModel, ObjectID: modelID.String()}
		if _, err := h.UpdateLocks(ctx, b2.ID(), []models.LockRequest{{LockKey: modelKey, Level: models.LockLevelExclusive}}); err != nil {
			t.Fatalf("UpdateLocks() failed: %v", err)
		}

		if err := b1.Concurrency().StartBulkMode(); err != nil {
			t.Fatalf("StartBulkMode() failed: %v", err)
		}
		code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "free"}
		if _, err := b1.InsertElement(&localdb.Element{ModelID: modelID, Code: &code}); err != nil {
			t.Fatalf("InsertElement() failed: %v", err)
		}
		err := b1.Concurrency().EndBulkMode(ctx)
		if !models.HasErrorCode(err, models.ErrorCodeLockHeldByOther) {
			t.Fatalf("got %v, want LOCK_HELD_BY_OTHER", err)
		}

		// Nothing was granted: the lock batch was denied atomically and the
		// code batch never ran.
		codes, err := h.QueryCodes(ctx, models.CodeQuery{BriefcaseID: b1.ID()})
		if err != nil {
			t.Fatalf("QueryCodes() failed: %v", err)
		}
		if len(codes) != 0 {
			t.Error("codes were reserved despite the lock denial")
		}
		if !b1.Concurrency().HasPendingRequests() {
			t.Fatal("accumulator cleared despite the denial")
		}

		if _, err := h.UpdateLocks(ctx, b2.ID(), []models.LockRequest{{LockKey: modelKey, Level: models.LockLevelNone}}); err != nil {
			t.Fatalf("release failed: %v", err)
		}
		if err := b1.Concurrency().Request(ctx); err != nil {
			t.Fatalf("retry Request() failed: %v", err)
		}
	})
}

func TestAvailabilityDryRuns(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b1 := newTestBriefcase(t, h)
	b2 := newTestBriefcase(t, h)

	code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "probe"}
	ok, err := b1.Concurrency().AreCodesAvailable(ctx, []models.CodeKey{code})
	if err != nil || !ok {
		t.Fatalf("AreCodesAvailable() = %v, %v; want true", ok, err)
	}

	if _, err := h.UpdateCodes(ctx, b2.ID(), []models.CodeRequest{{CodeKey: code, State: models.CodeStateReserved}}); err != nil {
		t.Fatalf("UpdateCodes() failed: %v", err)
	}
	ok, err = b1.Concurrency().AreCodesAvailable(ctx, []models.CodeKey{code})
	if err != nil || ok {
		t.Fatalf("AreCodesAvailable() = %v, %v; want false", ok, err)
	}

	// A dry-run must not reserve: b2 can still relinquish, nothing is held
	// by b1.
	codes, err := h.QueryCodes(ctx, models.CodeQuery{BriefcaseID: b1.ID()})
	if err != nil {
		t.Fatalf("QueryCodes() failed: %v", err)
	}
	if len(codes) != 0 {
		t.Errorf("dry-run reserved %d codes", len(codes))
	}

	// AreAvailable covers pending locks.
	if err := b1.Concurrency().StartBulkMode(); err != nil {
		t.Fatalf("StartBulkMode() failed: %v", err)
	}
	modelID := ksid.NewID()
	if _, err := b1.InsertElement(&localdb.Element{ModelID: modelID}); err != nil {
		t.Fatalf("InsertElement() failed: %v", err)
	}
	ok, err = b1.Concurrency().AreAvailable(ctx)
	if err != nil || !ok {
		t.Fatalf("AreAvailable() = %v, %v; want true", ok, err)
	}
	modelKey := models.LockKey{Type: models.LockTypeModel, ObjectID: modelID.String()}
	if _, err := h.UpdateLocks(ctx, b2.ID(), []models.LockRequest{{LockKey: modelKey, Level: models.LockLevelExclusive}}); err != nil {
		t.Fatalf("UpdateLocks() failed: %v", err)
	}
	ok, err = b1.Concurrency().AreAvailable(ctx)
	if err != nil || ok {
		t.Fatalf("AreAvailable() = %v, %v; want false", ok, err)
	}
}

func TestOptimisticPolicy(t *testing.T) {
	t.Parallel()

	t.Run("WaivesLocksNotCodes", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		b := newTestBriefcase(t, h)
		mustOptimistic(t, b)

		if _, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "no locks needed"}); err != nil {
			t.Fatalf("optimistic insert failed: %v", err)
		}
		code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "still required"}
		_, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Code: &code})
		if !models.IsPolicyViolation(err, models.PolicyCodeCodeNotReserved) {
			t.Fatalf("got %v, want CODE_NOT_RESERVED", err)
		}
	})

	t.Run("UndefinedRuleRejectedAtSetTime", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		b := newTestBriefcase(t, h)

		err := b.Concurrency().SetPolicy(OptimisticPolicy(models.ConflictResolutionPolicy{
			UpdateVsUpdate: models.OnConflictRejectIncoming,
			// UpdateVsDelete left undefined.
			DeleteVsUpdate: models.OnConflictRejectIncoming,
		}))
		if err == nil {
			t.Fatal("undefined rule accepted")
		}
		if b.Concurrency().GetPolicy().Kind != PolicyPessimistic {
			t.Error("failed SetPolicy replaced the policy")
		}
	})
}

func TestMerge(t *testing.T) {
	t.Parallel()

	// seedShared creates an element through b1 and pulls it into the others.
	seedShared := func(t *testing.T, ctx context.Context, b1 *Briefcase, others ...*Briefcase) ksid.ID {
		t.Helper()
		id, err := b1.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "shared"})
		if err != nil {
			t.Fatalf("seed insert failed: %v", err)
		}
		if _, err := b1.SaveChanges("seed"); err != nil {
			t.Fatalf("seed save failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "seed"); err != nil {
			t.Fatalf("seed push failed: %v", err)
		}
		for _, o := range others {
			if err := o.PullAndMerge(ctx); err != nil {
				t.Fatalf("seed pull failed: %v", err)
			}
		}
		return id
	}

	t.Run("UpdateVsUpdateKeepsLocal", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		b2 := newTestBriefcase(t, h)
		b3 := newTestBriefcase(t, h)
		mustOptimistic(t, b1)
		mustOptimistic(t, b2)
		mustOptimistic(t, b3)

		id := seedShared(t, ctx, b1, b2, b3)

		setLabel(t, b1, id, "from-b1")
		if _, err := b1.SaveChanges("b1 edit"); err != nil {
			t.Fatalf("b1 save failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "b1 edit"); err != nil {
			t.Fatalf("b1 push failed: %v", err)
		}

		setLabel(t, b2, id, "from-b2")
		if _, err := b2.SaveChanges("b2 edit"); err != nil {
			t.Fatalf("b2 save failed: %v", err)
		}

		// b2 is behind: the push must be refused until it merges.
		err := b2.PushChanges(ctx, "b2 edit")
		if !models.HasErrorCode(err, models.ErrorCodeStaleHead) {
			t.Fatalf("got %v, want STALE_HEAD", err)
		}
		if err := b2.PullAndMerge(ctx); err != nil {
			t.Fatalf("b2 pull failed: %v", err)
		}

		// Update-vs-update defaults to keeping the local value.
		el, err := b2.LocalDB().GetElement(id)
		if err != nil {
			t.Fatalf("GetElement() failed: %v", err)
		}
		if el.Label != "from-b2" {
			t.Errorf("after merge Label = %q, want from-b2", el.Label)
		}
		if err := b2.PushChanges(ctx, "b2 edit"); err != nil {
			t.Fatalf("b2 retry push failed: %v", err)
		}

		// Everybody converges on b2's value.
		for name, o := range map[string]*Briefcase{"b1": b1, "b3": b3} {
			if err := o.PullAndMerge(ctx); err != nil {
				t.Fatalf("%s pull failed: %v", name, err)
			}
			el, err := o.LocalDB().GetElement(id)
			if err != nil {
				t.Fatalf("%s GetElement() failed: %v", name, err)
			}
			if el.Label != "from-b2" {
				t.Errorf("%s Label = %q, want from-b2", name, el.Label)
			}
			if o.ChangeSetID() != h.Head() {
				t.Errorf("%s position = %s, want head %s", name, o.ChangeSetID(), h.Head())
			}
		}
	})

	t.Run("IncomingDeleteWinsAndIsNotResurrected", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		b2 := newTestBriefcase(t, h)
		mustOptimistic(t, b1)
		mustOptimistic(t, b2)

		id := seedShared(t, ctx, b1, b2)

		if err := b1.DeleteElement(id); err != nil {
			t.Fatalf("b1 delete failed: %v", err)
		}
		if _, err := b1.SaveChanges("b1 delete"); err != nil {
			t.Fatalf("b1 save failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "b1 delete"); err != nil {
			t.Fatalf("b1 push failed: %v", err)
		}

		// b2 updates the same element and adds an unrelated one.
		setLabel(t, b2, id, "doomed")
		otherID, err := b2.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "unrelated"})
		if err != nil {
			t.Fatalf("b2 insert failed: %v", err)
		}
		if _, err := b2.SaveChanges("b2 work"); err != nil {
			t.Fatalf("b2 save failed: %v", err)
		}

		if err := b2.PullAndMerge(ctx); err != nil {
			t.Fatalf("b2 pull failed: %v", err)
		}
		// Update-vs-delete defaults to accepting the incoming delete.
		if _, err := b2.LocalDB().GetElement(id); !errors.Is(err, localdb.ErrElementNotFound) {
			t.Fatalf("deleted element survived the merge: %v", err)
		}

		if err := b2.PushChanges(ctx, "b2 work"); err != nil {
			t.Fatalf("b2 push failed: %v", err)
		}
		// The overridden local update must not be resurrected by the push.
		chain, err := h.ChangeSetsAfter(ctx, 0)
		if err != nil {
			t.Fatalf("ChangeSetsAfter() failed: %v", err)
		}
		last := chain[len(chain)-1]
		if last.BriefcaseID != b2.ID() {
			t.Fatalf("last change-set from %s, want %s", last.BriefcaseID, b2.ID())
		}
		for _, op := range last.Ops {
			if op.EntityID == id {
				t.Errorf("push resurrected overridden entity as %s", op.Kind)
			}
		}
		found := false
		for _, op := range last.Ops {
			found = found || op.EntityID == otherID
		}
		if !found {
			t.Error("unrelated local insert missing from the push")
		}
	})

	t.Run("LocalDeleteWinsOverIncomingUpdate", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		b2 := newTestBriefcase(t, h)
		mustOptimistic(t, b1)
		mustOptimistic(t, b2)

		id := seedShared(t, ctx, b1, b2)

		setLabel(t, b1, id, "incoming update")
		if _, err := b1.SaveChanges("b1 edit"); err != nil {
			t.Fatalf("b1 save failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "b1 edit"); err != nil {
			t.Fatalf("b1 push failed: %v", err)
		}

		if err := b2.DeleteElement(id); err != nil {
			t.Fatalf("b2 delete failed: %v", err)
		}
		if _, err := b2.SaveChanges("b2 delete"); err != nil {
			t.Fatalf("b2 save failed: %v", err)
		}
		if err := b2.PullAndMerge(ctx); err != nil {
			t.Fatalf("b2 pull failed: %v", err)
		}

		// Delete-vs-update defaults to rejecting the incoming update.
		if _, err := b2.LocalDB().GetElement(id); !errors.Is(err, localdb.ErrElementNotFound) {
			t.Errorf("locally deleted element came back: %v", err)
		}
		if err := b2.PushChanges(ctx, "b2 delete"); err != nil {
			t.Fatalf("b2 push failed: %v", err)
		}
		if err := b1.PullAndMerge(ctx); err != nil {
			t.Fatalf("b1 pull failed: %v", err)
		}
		if _, err := b1.LocalDB().GetElement(id); !errors.Is(err, localdb.ErrElementNotFound) {
			t.Errorf("b1 did not converge on the delete: %v", err)
		}
	})

	t.Run("OwnChangeSetsAreSkipped", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		mustOptimistic(t, b1)

		id, err := b1.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "v1"})
		if err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if _, err := b1.SaveChanges("v1"); err != nil {
			t.Fatalf("save failed: %v", err)
		}
		if err := b1.PushChanges(ctx, "v1"); err != nil {
			t.Fatalf("push failed: %v", err)
		}

		if err := b1.PullAndMerge(ctx); err != nil {
			t.Fatalf("self pull failed: %v", err)
		}
		if b1.ChangeSetID() != h.Head() {
			t.Errorf("position = %s, want head %s", b1.ChangeSetID(), h.Head())
		}
		el, err := b1.LocalDB().GetElement(id)
		if err != nil || el.Label != "v1" {
			t.Errorf("own content disturbed by self pull: %+v, %v", el, err)
		}
	})

	t.Run("RefusedWithUnsavedChanges", func(t *testing.T) {
		t.Parallel()
		h := newTestHub(t)
		ctx := t.Context()
		b1 := newTestBriefcase(t, h)
		mustOptimistic(t, b1)

		if _, err := b1.InsertElement(&localdb.Element{ModelID: ksid.NewID()}); err != nil {
			t.Fatalf("insert failed: %v", err)
		}
		if err := b1.PullAndMerge(ctx); !errors.Is(err, localdb.ErrUnsavedChanges) {
			t.Errorf("PullAndMerge() = %v, want ErrUnsavedChanges", err)
		}
		if err := b1.PushChanges(ctx, "x"); !errors.Is(err, localdb.ErrUnsavedChanges) {
			t.Errorf("PushChanges() = %v, want ErrUnsavedChanges", err)
		}
	})
}

func TestPushConsumesCodes(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := newTestBriefcase(t, h)

	code := models.CodeKey{SpecID: ksid.NewID(), Scope: "m", Value: "consumed"}
	el := &localdb.Element{ModelID: ksid.NewID(), Code: &code}
	b.StageForInsert(el)
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	if _, err := b.InsertElement(el); err != nil {
		t.Fatalf("InsertElement() failed: %v", err)
	}
	if _, err := b.SaveChanges("add"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}
	if err := b.PushChanges(ctx, "add"); err != nil {
		t.Fatalf("PushChanges() failed: %v", err)
	}

	codes, err := h.QueryCodes(ctx, models.CodeQuery{Keys: []models.CodeKey{code}})
	if err != nil {
		t.Fatalf("QueryCodes() failed: %v", err)
	}
	if codes[0].State != models.CodeStateUsed {
		t.Errorf("code state = %s, want used", codes[0].State)
	}

	// Locks survive the push.
	locks, err := h.QueryLocks(ctx, models.LockQuery{BriefcaseID: b.ID()})
	if err != nil {
		t.Fatalf("QueryLocks() failed: %v", err)
	}
	if len(locks) == 0 {
		t.Error("locks released by push")
	}
}

func TestReverseSingleTxn(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := newTestBriefcase(t, h)
	mustOptimistic(t, b)

	id, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "pushed"})
	if err != nil {
		t.Fatalf("InsertElement() failed: %v", err)
	}
	if _, err := b.SaveChanges("add"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}
	if err := b.PushChanges(ctx, "add"); err != nil {
		t.Fatalf("PushChanges() failed: %v", err)
	}

	// The pushed Txn is part of an immutable change-set on the timeline.
	// Reversing it would make the local store diverge from the position the
	// briefcase claims, with no pull able to repair it.
	if err := b.ReverseSingleTxn(); !models.IsPolicyViolation(err, models.PolicyCodeTxnPushed) {
		t.Fatalf("got %v, want TXN_PUSHED", err)
	}
	if _, err := b.LocalDB().GetElement(id); err != nil {
		t.Fatalf("pushed element gone after refused undo: %v", err)
	}

	// Work saved after the push boundary is still undoable.
	setLabel(t, b, id, "unpushed")
	if _, err := b.SaveChanges("rename"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}
	if err := b.ReverseSingleTxn(); err != nil {
		t.Fatalf("ReverseSingleTxn() failed: %v", err)
	}
	el, err := b.LocalDB().GetElement(id)
	if err != nil {
		t.Fatalf("GetElement() failed: %v", err)
	}
	if el.Label != "pushed" {
		t.Errorf("label = %q, want %q", el.Label, "pushed")
	}

	// With the unpushed window empty the boundary holds again.
	if err := b.ReverseSingleTxn(); !models.IsPolicyViolation(err, models.PolicyCodeTxnPushed) {
		t.Fatalf("got %v, want TXN_PUSHED", err)
	}
}

func TestReopenResetsPolicy(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	b := newTestBriefcase(t, h)
	mustOptimistic(t, b)

	if _, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID()}); err != nil {
		t.Fatalf("optimistic insert failed: %v", err)
	}
	if _, err := b.SaveChanges("before reopen"); err != nil {
		t.Fatalf("SaveChanges() failed: %v", err)
	}

	if err := b.Reopen(); err != nil {
		t.Fatalf("Reopen() failed: %v", err)
	}
	if b.Concurrency().GetPolicy().Kind != PolicyPessimistic {
		t.Fatal("policy survived Reopen()")
	}
	if _, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID()}); !models.IsPolicyViolation(err, models.PolicyCodeLockNotHeld) {
		t.Errorf("got %v, want LOCK_NOT_HELD after reopen", err)
	}
}

func TestResume(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	ca := &countingAuthority{Authority: h}
	path := filepath.Join(t.TempDir(), "briefcase.db")

	b := openTestBriefcase(t, ca, path)
	mustOptimistic(t, b)
	id, err := b.InsertElement(&localdb.Element{ModelID: ksid.NewID(), Label: "persisted"})
	if err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	if _, err := b.SaveChanges("work"); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := b.PushChanges(ctx, "work"); err != nil {
		t.Fatalf("push failed: %v", err)
	}
	bcID := b.ID()
	pos := b.ChangeSetID()
	if err := b.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	b2 := openTestBriefcase(t, ca, path)
	defer func() {
		_ = b2.Close()
	}()
	if b2.ID() != bcID {
		t.Errorf("resumed id = %s, want %s", b2.ID(), bcID)
	}
	if b2.ChangeSetID() != pos {
		t.Errorf("resumed position = %s, want %s", b2.ChangeSetID(), pos)
	}
	if ca.acquires.Load() != 1 {
		t.Errorf("acquires = %d, want 1 (resume must not re-acquire)", ca.acquires.Load())
	}
	if _, err := b2.LocalDB().GetElement(id); err != nil {
		t.Errorf("content lost across resume: %v", err)
	}

	// Already pushed work must not be pushed again.
	if err := b2.PushChanges(ctx, "nothing"); err != nil {
		t.Fatalf("empty push failed: %v", err)
	}
	chain, err := h.ChangeSetsAfter(ctx, 0)
	if err != nil {
		t.Fatalf("ChangeSetsAfter() failed: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("timeline has %d change-sets, want 1", len(chain))
	}
}

func TestRelease(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := openTestBriefcase(t, h, filepath.Join(t.TempDir(), "briefcase.db"))

	el := &localdb.Element{ModelID: ksid.NewID()}
	b.StageForInsert(el)
	if err := b.Concurrency().Request(ctx); err != nil {
		t.Fatalf("Request() failed: %v", err)
	}
	id := b.ID()
	if err := b.Release(ctx); err != nil {
		t.Fatalf("Release() failed: %v", err)
	}

	locks, err := h.QueryLocks(ctx, models.LockQuery{BriefcaseID: id})
	if err != nil {
		t.Fatalf("QueryLocks() failed: %v", err)
	}
	if len(locks) != 0 {
		t.Errorf("released briefcase still holds %d locks", len(locks))
	}
}

// reentrantAuthority triggers a second briefcase call from inside an
// in-flight one.
type reentrantAuthority struct {
	Authority
	bc *Briefcase
}

func (r *reentrantAuthority) ChangeSetsAfter(ctx context.Context, after ksid.ID) ([]*models.ChangeSet, error) {
	if r.bc != nil {
		if err := r.bc.Concurrency().Request(ctx); err != nil {
			return nil, err
		}
	}
	return r.Authority.ChangeSetsAfter(ctx, after)
}

func TestBusyGuard(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	ra := &reentrantAuthority{Authority: h}
	b := newTestBriefcase(t, ra)
	ra.bc = b

	err := b.PullAndMerge(ctx)
	if !models.IsPolicyViolation(err, models.PolicyCodeBusy) {
		t.Errorf("got %v, want BUSY", err)
	}

	// The guard resets once the outer call unwinds.
	ra.bc = nil
	if err := b.PullAndMerge(ctx); err != nil {
		t.Errorf("PullAndMerge() after unwind failed: %v", err)
	}
}

func TestSyncCache(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	ctx := t.Context()
	b := newTestBriefcase(t, h)

	// Grant a lock behind the briefcase's back, then sync.
	key := models.LockKey{Type: models.LockTypeDb, ObjectID: models.DbObjectID}
	if _, err := h.UpdateLocks(ctx, b.ID(), []models.LockRequest{{LockKey: key, Level: models.LockLevelShared}}); err != nil {
		t.Fatalf("UpdateLocks() failed: %v", err)
	}
	modelID := ksid.NewID()
	modelKey := models.LockKey{Type: models.LockTypeModel, ObjectID: modelID.String()}
	if _, err := h.UpdateLocks(ctx, b.ID(), []models.LockRequest{{LockKey: modelKey, Level: models.LockLevelShared}}); err != nil {
		t.Fatalf("UpdateLocks() failed: %v", err)
	}

	if err := b.Concurrency().SyncCache(ctx); err != nil {
		t.Fatalf("SyncCache() failed: %v", err)
	}
	if _, err := b.InsertElement(&localdb.Element{ModelID: modelID}); err != nil {
		t.Errorf("insert after SyncCache() failed: %v", err)
	}
}

func TestRegistry(t *testing.T) {
	t.Parallel()
	h := newTestHub(t)
	r := NewRegistry()

	b1 := newTestBriefcase(t, h)
	b2 := newTestBriefcase(t, h)
	if err := r.Add(b1); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := r.Add(b2); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if err := r.Add(b1); err == nil {
		t.Error("duplicate Add() succeeded")
	}
	if got := r.Get(b1.ID()); got != b1 {
		t.Errorf("Get() = %v, want b1", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
	r.Remove(b1.ID())
	if r.Get(b1.ID()) != nil {
		t.Error("removed briefcase still found")
	}
}
