package briefcase

import (
	"sort"

	"github.com/maruel/briefhub/internal/models"
)

// pendingRequests accumulates the locks and codes the current set of
// uncommitted local changes will require. It is pure bookkeeping: it never
// talks to the network. Requests accumulate with set semantics — repeated
// requirements for the same object are recorded once, at the strongest level
// asked for.
type pendingRequests struct {
	locks map[models.LockKey]models.LockLevel
	codes map[models.CodeKey]struct{}
}

func newPendingRequests() *pendingRequests {
	return &pendingRequests{
		locks: make(map[models.LockKey]models.LockLevel),
		codes: make(map[models.CodeKey]struct{}),
	}
}

// addLock records a lock requirement, strengthening an existing one if needed.
func (p *pendingRequests) addLock(key models.LockKey, level models.LockLevel) {
	if p.locks[key] < level {
		p.locks[key] = level
	}
}

// addCode records a code reservation requirement.
func (p *pendingRequests) addCode(key models.CodeKey) {
	p.codes[key] = struct{}{}
}

// empty reports whether nothing is pending.
func (p *pendingRequests) empty() bool {
	return len(p.locks) == 0 && len(p.codes) == 0
}

// lockRequests returns the pending locks as a deterministic, sorted batch.
func (p *pendingRequests) lockRequests() []models.LockRequest {
	if len(p.locks) == 0 {
		return nil
	}
	reqs := make([]models.LockRequest, 0, len(p.locks))
	for key, level := range p.locks {
		reqs = append(reqs, models.LockRequest{LockKey: key, Level: level})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].Type != reqs[j].Type {
			return reqs[i].Type < reqs[j].Type
		}
		return reqs[i].ObjectID < reqs[j].ObjectID
	})
	return reqs
}

// codeRequests returns the pending codes as a deterministic, sorted batch.
func (p *pendingRequests) codeRequests() []models.CodeRequest {
	if len(p.codes) == 0 {
		return nil
	}
	reqs := make([]models.CodeRequest, 0, len(p.codes))
	for key := range p.codes {
		reqs = append(reqs, models.CodeRequest{CodeKey: key, State: models.CodeStateReserved})
	}
	sort.Slice(reqs, func(i, j int) bool {
		if reqs[i].SpecID != reqs[j].SpecID {
			return reqs[i].SpecID < reqs[j].SpecID
		}
		if reqs[i].Scope != reqs[j].Scope {
			return reqs[i].Scope < reqs[j].Scope
		}
		return reqs[i].Value < reqs[j].Value
	})
	return reqs
}

func (p *pendingRequests) clearLocks() {
	p.locks = make(map[models.LockKey]models.LockLevel)
}

func (p *pendingRequests) clearCodes() {
	p.codes = make(map[models.CodeKey]struct{})
}

// reservationCache tracks the locks and codes this briefcase already knows it
// holds, to avoid redundant round-trips. It is best-effort: it can go stale
// (another briefcase releasing a lock is invisible) and is refreshed via
// SyncCache.
type reservationCache struct {
	locks map[models.LockKey]models.LockLevel
	codes map[models.CodeKey]struct{}
}

func newReservationCache() *reservationCache {
	return &reservationCache{
		locks: make(map[models.LockKey]models.LockLevel),
		codes: make(map[models.CodeKey]struct{}),
	}
}

// coversLock reports whether a held lock satisfies the given requirement.
func (c *reservationCache) coversLock(key models.LockKey, level models.LockLevel) bool {
	return c.locks[key] >= level
}

// coversCode reports whether the code is known reserved by this briefcase.
func (c *reservationCache) coversCode(key models.CodeKey) bool {
	_, ok := c.codes[key]
	return ok
}

func (c *reservationCache) recordLocks(locks []models.Lock) {
	for _, l := range locks {
		if l.Level == models.LockLevelNone {
			delete(c.locks, l.LockKey)
			continue
		}
		if c.locks[l.LockKey] < l.Level {
			c.locks[l.LockKey] = l.Level
		}
	}
}

func (c *reservationCache) recordCodes(codes []models.Code) {
	for _, cd := range codes {
		if cd.State == models.CodeStateReserved {
			c.codes[cd.CodeKey] = struct{}{}
		} else {
			delete(c.codes, cd.CodeKey)
		}
	}
}

func (c *reservationCache) reset() {
	c.locks = make(map[models.LockKey]models.LockLevel)
	c.codes = make(map[models.CodeKey]struct{})
}
