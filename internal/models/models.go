// Package models defines the core data structures shared by the hub and the
// briefcase client: locks, codes, change-sets and conflict resolution rules.
package models

import (
	"encoding/json"
	"fmt"

	"github.com/maruel/ksid"
)

// BriefcaseID is a small sequential number assigned by the hub when a
// briefcase is acquired. Zero is never a valid briefcase.
type BriefcaseID uint32

// IsZero returns true for the unassigned briefcase id.
func (b BriefcaseID) IsZero() bool {
	return b == 0
}

func (b BriefcaseID) String() string {
	return fmt.Sprintf("briefcase-%d", uint32(b))
}

// LockType identifies the kind of database object a lock protects.
type LockType string

const (
	// LockTypeDb is the whole-database lock. Its object id is always DbObjectID.
	LockTypeDb LockType = "db"
	// LockTypeSchema protects schema-level changes.
	LockTypeSchema LockType = "schema"
	// LockTypeCodeSpecs protects the code specification table.
	LockTypeCodeSpecs LockType = "codespecs"
	// LockTypeModel protects one model (a container of elements).
	LockTypeModel LockType = "model"
	// LockTypeElement protects one element.
	LockTypeElement LockType = "element"
)

// DbObjectID is the object id used for the single whole-database lock.
const DbObjectID = "0x1"

// LockLevel is the strength of a lock.
//
// Exclusive is incompatible with any other holder on the same object.
// Shared is compatible with other Shared holders but not with Exclusive.
// None is used in requests to release a previously acquired lock.
type LockLevel int

const (
	// LockLevelNone releases the lock when used in a request.
	LockLevelNone LockLevel = 0
	// LockLevelShared may be held by multiple briefcases concurrently.
	LockLevelShared LockLevel = 1
	// LockLevelExclusive may be held by at most one briefcase.
	LockLevelExclusive LockLevel = 2
)

func (l LockLevel) String() string {
	switch l {
	case LockLevelNone:
		return "none"
	case LockLevelShared:
		return "shared"
	case LockLevelExclusive:
		return "exclusive"
	}
	return fmt.Sprintf("locklevel(%d)", int(l))
}

// LockKey identifies a lockable object.
type LockKey struct {
	Type     LockType `json:"type"`
	ObjectID string   `json:"object_id"`
}

func (k LockKey) String() string {
	return string(k.Type) + ":" + k.ObjectID
}

// LockRequest asks the hub to set a lock to the given level.
// LockLevelNone releases the lock.
type LockRequest struct {
	LockKey
	Level LockLevel `json:"level"`
}

// Lock is one entry in the hub's authoritative lock table.
type Lock struct {
	LockKey
	Level       LockLevel   `json:"level"`
	BriefcaseID BriefcaseID `json:"briefcase_id"`
}

// Clone returns a copy of the lock.
func (l *Lock) Clone() *Lock {
	c := *l
	return &c
}

// CodeState is the lifecycle state of a code.
type CodeState string

const (
	// CodeStateAvailable means no briefcase holds the code.
	CodeStateAvailable CodeState = "available"
	// CodeStateReserved means exactly one briefcase holds the code.
	CodeStateReserved CodeState = "reserved"
	// CodeStateUsed means the code was consumed by a pushed change-set.
	CodeStateUsed CodeState = "used"
)

// CodeKey is a namespaced unique business identifier: {specId, scope, value}.
type CodeKey struct {
	SpecID ksid.ID `json:"spec_id"`
	Scope  string  `json:"scope"`
	Value  string  `json:"value"`
}

// IsZero returns true when no code is set.
func (k CodeKey) IsZero() bool {
	return k.SpecID.IsZero() && k.Scope == "" && k.Value == ""
}

func (k CodeKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.SpecID, k.Scope, k.Value)
}

// CodeRequest asks the hub to transition a code to the given state.
// Reserved reserves it for the requesting briefcase; Available relinquishes it.
type CodeRequest struct {
	CodeKey
	State CodeState `json:"state"`
}

// Code is one entry in the hub's authoritative code table.
type Code struct {
	CodeKey
	State       CodeState   `json:"state"`
	BriefcaseID BriefcaseID `json:"briefcase_id,omitempty"`
}

// Clone returns a copy of the code.
func (c *Code) Clone() *Code {
	cl := *c
	return &cl
}

// OpKind is the kind of entity operation carried by a change-set.
type OpKind string

const (
	// OpInsert creates an entity.
	OpInsert OpKind = "insert"
	// OpUpdate replaces an entity's content.
	OpUpdate OpKind = "update"
	// OpDelete removes an entity.
	OpDelete OpKind = "delete"
)

// EntityOp is one per-entity operation inside a change-set.
//
// Conflicts are detected and resolved at whole-entity granularity;
// property-level merging is deliberately not implemented.
type EntityOp struct {
	Kind     OpKind          `json:"kind"`
	EntityID ksid.ID         `json:"entity_id"`
	ModelID  ksid.ID         `json:"model_id,omitempty"`
	Code     *CodeKey        `json:"code,omitempty"`
	Label    string          `json:"label,omitempty"`
	Props    json.RawMessage `json:"props,omitempty"`
}

// ChangeSet is one ordered, append-only unit in the hub's timeline.
// It is immutable once accepted by the hub.
type ChangeSet struct {
	ID          ksid.ID     `json:"id"`
	ParentID    ksid.ID     `json:"parent_id"`
	BriefcaseID BriefcaseID `json:"briefcase_id"`
	Description string      `json:"description"`
	Ops         []EntityOp  `json:"ops"`
	Pushed      Time        `json:"pushed"`
}

// Clone returns a deep copy of the change-set.
func (c *ChangeSet) Clone() *ChangeSet {
	cl := *c
	cl.Ops = make([]EntityOp, len(c.Ops))
	copy(cl.Ops, c.Ops)
	for i := range cl.Ops {
		if c.Ops[i].Code != nil {
			code := *c.Ops[i].Code
			cl.Ops[i].Code = &code
		}
		if c.Ops[i].Props != nil {
			cl.Ops[i].Props = append(json.RawMessage(nil), c.Ops[i].Props...)
		}
	}
	return &cl
}

// BriefcaseInfo is what the hub records about one provisioned briefcase.
type BriefcaseInfo struct {
	ID BriefcaseID `json:"id"`
	// HeadChangeSetID is the timeline position the briefcase was pinned to
	// when it was acquired.
	HeadChangeSetID ksid.ID `json:"head_changeset_id"`
	Acquired        Time    `json:"acquired"`
	Released        Time    `json:"released,omitempty"`
}

// Clone returns a copy of the briefcase record.
func (b *BriefcaseInfo) Clone() *BriefcaseInfo {
	c := *b
	return &c
}

// OnConflict is the resolution rule for one conflict shape.
type OnConflict int

const (
	// OnConflictUndefined marks a rule that was never set. Setting a policy
	// with an undefined rule is a configuration error.
	OnConflictUndefined OnConflict = 0
	// OnConflictRejectIncoming keeps the local (saved, not yet pushed) value
	// and discards the incoming operation for that entity.
	OnConflictRejectIncoming OnConflict = 1
	// OnConflictAcceptIncoming overwrites the local value with the incoming one.
	OnConflictAcceptIncoming OnConflict = 2
)

func (o OnConflict) String() string {
	switch o {
	case OnConflictRejectIncoming:
		return "reject-incoming"
	case OnConflictAcceptIncoming:
		return "accept-incoming"
	}
	return "undefined"
}

// ConflictResolutionPolicy resolves the three whole-entity conflict shapes
// that can arise when merging incoming change-sets over local changes.
type ConflictResolutionPolicy struct {
	UpdateVsUpdate OnConflict `json:"update_vs_update"`
	UpdateVsDelete OnConflict `json:"update_vs_delete"`
	DeleteVsUpdate OnConflict `json:"delete_vs_update"`
}

// DefaultConflictResolution returns the default rules: local updates win over
// incoming updates and over incoming updates of locally deleted entities, but
// incoming deletes win over local updates.
func DefaultConflictResolution() ConflictResolutionPolicy {
	return ConflictResolutionPolicy{
		UpdateVsUpdate: OnConflictRejectIncoming,
		UpdateVsDelete: OnConflictAcceptIncoming,
		DeleteVsUpdate: OnConflictRejectIncoming,
	}
}

// Validate reports whether every conflict shape has a defined rule.
func (p ConflictResolutionPolicy) Validate() error {
	for _, r := range []struct {
		name string
		rule OnConflict
	}{
		{"update_vs_update", p.UpdateVsUpdate},
		{"update_vs_delete", p.UpdateVsDelete},
		{"delete_vs_update", p.DeleteVsUpdate},
	} {
		if r.rule != OnConflictRejectIncoming && r.rule != OnConflictAcceptIncoming {
			return fmt.Errorf("conflict resolution rule %s is undefined", r.name)
		}
	}
	return nil
}
