package briefcase

import (
	"fmt"

	"github.com/maruel/briefhub/internal/models"
)

// PolicyKind selects the concurrency strategy.
type PolicyKind int

const (
	// PolicyPessimistic requires locks (and codes) to be acquired before any
	// local write outside bulk mode.
	PolicyPessimistic PolicyKind = iota + 1
	// PolicyOptimistic permits local writes without locks; conflicts are
	// resolved at merge time by the attached resolution rules. Code
	// reservation stays mandatory: codes are globally unique and collisions
	// cannot be resolved by merge.
	PolicyOptimistic
)

func (k PolicyKind) String() string {
	switch k {
	case PolicyPessimistic:
		return "pessimistic"
	case PolicyOptimistic:
		return "optimistic"
	}
	return fmt.Sprintf("policykind(%d)", int(k))
}

// Policy is the concurrency strategy attached to a briefcase. It is a tagged
// variant: Conflicts is meaningful only for PolicyOptimistic.
type Policy struct {
	Kind      PolicyKind
	Conflicts models.ConflictResolutionPolicy
}

// PessimisticPolicy returns the lock-based strategy.
func PessimisticPolicy() Policy {
	return Policy{Kind: PolicyPessimistic}
}

// OptimisticPolicy returns the merge-based strategy with the given conflict
// resolution rules.
func OptimisticPolicy(conflicts models.ConflictResolutionPolicy) Policy {
	return Policy{Kind: PolicyOptimistic, Conflicts: conflicts}
}

// Validate checks the policy is well formed. A misconfigured resolution rule
// is a configuration error raised here, at policy-set time, never at merge
// time.
func (p Policy) Validate() error {
	switch p.Kind {
	case PolicyPessimistic:
		return nil
	case PolicyOptimistic:
		if err := p.Conflicts.Validate(); err != nil {
			return fmt.Errorf("optimistic policy: %w", err)
		}
		return nil
	}
	return fmt.Errorf("unknown policy kind %d", int(p.Kind))
}

// resolution returns the conflict rules the merge engine applies under this
// policy. Pessimistic merges cannot conflict (locks prevent overlapping
// edits) but the defaults are still applied defensively.
func (p Policy) resolution() models.ConflictResolutionPolicy {
	if p.Kind == PolicyOptimistic {
		return p.Conflicts
	}
	return models.DefaultConflictResolution()
}
