package briefcase

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/maruel/briefhub/internal/models"
)

// bulkState is the bulk mode state machine: Idle → Accumulating (via
// StartBulkMode) → Flushing (inside Request) → Idle. The Flushing state
// exists so a flush cannot re-enter itself.
type bulkState int

const (
	bulkIdle bulkState = iota
	bulkAccumulating
	bulkFlushing
)

// ConcurrencyControl governs whether local writes must be covered by held
// locks and reserved codes before they are durably committed, accumulates the
// lock/code requirements of uncommitted changes, and brokers their batched
// acquisition from the authority.
type ConcurrencyControl struct {
	bc      *Briefcase
	policy  Policy
	pending *pendingRequests
	cache   *reservationCache
	bulk    bulkState
}

func newConcurrencyControl(bc *Briefcase) *ConcurrencyControl {
	return &ConcurrencyControl{
		bc:      bc,
		policy:  PessimisticPolicy(),
		pending: newPendingRequests(),
		cache:   newReservationCache(),
	}
}

// SetPolicy attaches a concurrency policy. A policy with undefined conflict
// resolution rules is rejected here, never at merge time. The policy must be
// re-attached after the briefcase connection is reopened.
func (cc *ConcurrencyControl) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	cc.policy = p
	return nil
}

// GetPolicy returns the attached policy.
func (cc *ConcurrencyControl) GetPolicy() Policy {
	return cc.policy
}

// HasPendingRequests reports whether uncommitted local changes still require
// locks or codes that have not been acquired.
func (cc *ConcurrencyControl) HasPendingRequests() bool {
	return !cc.pending.empty()
}

// InBulkMode reports whether requirements are being deferred.
func (cc *ConcurrencyControl) InBulkMode() bool {
	return cc.bulk == bulkAccumulating
}

// StartBulkMode defers all lock/code requirements until Request flushes them
// in one round-trip per domain. No remote call occurs before then.
func (cc *ConcurrencyControl) StartBulkMode() error {
	if cc.bulk == bulkFlushing {
		return models.Busy("StartBulkMode")
	}
	cc.bulk = bulkAccumulating
	return nil
}

// EndBulkMode flushes the accumulated batch and leaves bulk mode. It is
// equivalent to Request.
func (cc *ConcurrencyControl) EndBulkMode(ctx context.Context) error {
	return cc.Request(ctx)
}

// Request acquires everything in the pending accumulator from the authority:
// one batched lock call and one batched code call.
//
// Locks and codes are independent failure domains. A code denial does not
// roll back locks acquired by the same Request: the satisfied subset is
// cleared from the accumulator and cached, the failed subset stays pending so
// the caller can retry just that part after remediation.
func (cc *ConcurrencyControl) Request(ctx context.Context) error {
	if err := cc.bc.beginRemote("Request"); err != nil {
		return err
	}
	defer cc.bc.endRemote()

	wasBulk := cc.bulk == bulkAccumulating
	if wasBulk {
		cc.bulk = bulkFlushing
	}

	lockReqs := cc.pending.lockRequests()
	codeReqs := cc.pending.codeRequests()

	if len(lockReqs) > 0 {
		locks, err := cc.bc.authority.UpdateLocks(ctx, cc.bc.id, lockReqs)
		if err != nil {
			if wasBulk {
				cc.bulk = bulkAccumulating
			}
			return fmt.Errorf("lock acquisition failed: %w", err)
		}
		cc.cache.recordLocks(locks)
		cc.pending.clearLocks()
	}

	if len(codeReqs) > 0 {
		codes, err := cc.bc.authority.UpdateCodes(ctx, cc.bc.id, codeReqs)
		if err != nil {
			if wasBulk {
				cc.bulk = bulkAccumulating
			}
			return fmt.Errorf("code reservation failed: %w", err)
		}
		cc.cache.recordCodes(codes)
		cc.pending.clearCodes()
	}

	cc.bulk = bulkIdle
	slog.DebugContext(ctx, "Acquired pending requests", "briefcase", cc.bc.id, "locks", len(lockReqs), "codes", len(codeReqs))
	return nil
}

// AreAvailable is a non-mutating dry-run: it reports whether every pending
// lock and code could currently be granted, without committing to a Request.
func (cc *ConcurrencyControl) AreAvailable(ctx context.Context) (bool, error) {
	if err := cc.bc.beginRemote("AreAvailable"); err != nil {
		return false, err
	}
	defer cc.bc.endRemote()

	lockReqs := cc.pending.lockRequests()
	if len(lockReqs) > 0 {
		keys := make([]models.LockKey, 0, len(lockReqs))
		for _, r := range lockReqs {
			keys = append(keys, r.LockKey)
		}
		held, err := cc.bc.authority.QueryLocks(ctx, models.LockQuery{Keys: keys})
		if err != nil {
			return false, fmt.Errorf("lock availability query failed: %w", err)
		}
		byKey := make(map[models.LockKey][]models.Lock)
		for _, l := range held {
			byKey[l.LockKey] = append(byKey[l.LockKey], l)
		}
		for _, r := range lockReqs {
			for _, l := range byKey[r.LockKey] {
				if l.BriefcaseID == cc.bc.id {
					continue
				}
				if r.Level == models.LockLevelExclusive || l.Level == models.LockLevelExclusive {
					return false, nil
				}
			}
		}
	}

	codeKeys := make([]models.CodeKey, 0, len(cc.pending.codes))
	for key := range cc.pending.codes {
		codeKeys = append(codeKeys, key)
	}
	return cc.codesAvailable(ctx, codeKeys)
}

// AreCodesAvailable is a non-mutating dry-run for an explicit set of codes.
func (cc *ConcurrencyControl) AreCodesAvailable(ctx context.Context, keys []models.CodeKey) (bool, error) {
	if err := cc.bc.beginRemote("AreCodesAvailable"); err != nil {
		return false, err
	}
	defer cc.bc.endRemote()
	return cc.codesAvailable(ctx, keys)
}

func (cc *ConcurrencyControl) codesAvailable(ctx context.Context, keys []models.CodeKey) (bool, error) {
	if len(keys) == 0 {
		return true, nil
	}
	codes, err := cc.bc.authority.QueryCodes(ctx, models.CodeQuery{Keys: keys})
	if err != nil {
		return false, fmt.Errorf("code availability query failed: %w", err)
	}
	for _, c := range codes {
		switch c.State {
		case models.CodeStateUsed:
			return false, nil
		case models.CodeStateReserved:
			if c.BriefcaseID != cc.bc.id {
				return false, nil
			}
		}
	}
	return true, nil
}

// SyncCache refreshes the local reservation cache from the authority. The
// cache is best-effort and can go stale; refresh it before relying on it
// after a long idle period.
func (cc *ConcurrencyControl) SyncCache(ctx context.Context) error {
	if err := cc.bc.beginRemote("SyncCache"); err != nil {
		return err
	}
	defer cc.bc.endRemote()

	locks, err := cc.bc.authority.QueryLocks(ctx, models.LockQuery{BriefcaseID: cc.bc.id})
	if err != nil {
		return fmt.Errorf("lock cache sync failed: %w", err)
	}
	codes, err := cc.bc.authority.QueryCodes(ctx, models.CodeQuery{BriefcaseID: cc.bc.id})
	if err != nil {
		return fmt.Errorf("code cache sync failed: %w", err)
	}
	cc.cache.reset()
	cc.cache.recordLocks(locks)
	cc.cache.recordCodes(codes)
	return nil
}

// onWrite gates one local write: it computes whether the implied locks and
// code are covered and either allows the write, defers the requirements (bulk
// mode), or fails synchronously per the attached policy.
func (cc *ConcurrencyControl) onWrite(locks []models.LockRequest, code *models.CodeKey) error {
	if cc.bulk == bulkAccumulating {
		for _, l := range locks {
			cc.pending.addLock(l.LockKey, l.Level)
		}
		if code != nil {
			cc.pending.addCode(*code)
		}
		return nil
	}

	switch cc.policy.Kind {
	case PolicyPessimistic:
		for _, l := range locks {
			if !cc.cache.coversLock(l.LockKey, l.Level) {
				return models.LockNotHeld(l.LockKey, l.Level)
			}
		}
	case PolicyOptimistic:
		// Locks are waived; merge resolves overlapping edits.
	}
	if code != nil && !cc.cache.coversCode(*code) {
		return models.CodeNotReserved(*code)
	}
	return nil
}

// stage records requirements in the accumulator without performing a write,
// so pessimistic callers can Request proactively before editing.
func (cc *ConcurrencyControl) stage(locks []models.LockRequest, code *models.CodeKey) {
	for _, l := range locks {
		cc.pending.addLock(l.LockKey, l.Level)
	}
	if code != nil {
		cc.pending.addCode(*code)
	}
}
