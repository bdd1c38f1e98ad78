package hubserver

import (
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// Validatable is implemented by all request types. Validation errors are
// reported as 400 with the VALIDATION_FAILED code.
type Validatable interface {
	Validate() error
}

// AcquireBriefcaseRequest provisions a new briefcase.
type AcquireBriefcaseRequest struct{}

// Validate implements Validatable.
func (r *AcquireBriefcaseRequest) Validate() error { return nil }

// AcquireBriefcaseResponse carries the new briefcase and its bearer token.
type AcquireBriefcaseResponse struct {
	Briefcase models.BriefcaseInfo `json:"briefcase"`
	Token     string               `json:"token"`
}

// ReleaseBriefcaseRequest retires a briefcase.
type ReleaseBriefcaseRequest struct {
	ID uint32 `path:"id" json:"-"`
}

// Validate implements Validatable.
func (r *ReleaseBriefcaseRequest) Validate() error {
	if r.ID == 0 {
		return models.BadRequest("briefcase id required")
	}
	return nil
}

// OkResponse is the empty success payload.
type OkResponse struct {
	OK bool `json:"ok"`
}

// UpdateLocksRequest atomically applies a batch of lock requests.
type UpdateLocksRequest struct {
	ID    uint32               `path:"id" json:"-"`
	Locks []models.LockRequest `json:"locks"`
}

// Validate implements Validatable.
func (r *UpdateLocksRequest) Validate() error {
	if r.ID == 0 {
		return models.BadRequest("briefcase id required")
	}
	if len(r.Locks) == 0 {
		return models.BadRequest("empty lock batch")
	}
	for _, l := range r.Locks {
		if l.Type == "" || l.ObjectID == "" {
			return models.BadRequest("lock request missing type or object id")
		}
	}
	return nil
}

// LocksResponse carries lock table entries.
type LocksResponse struct {
	Locks []models.Lock `json:"locks"`
}

// QueryLocksRequest is a non-mutating lock table read.
type QueryLocksRequest struct {
	Query models.LockQuery `json:"query"`
}

// Validate implements Validatable.
func (r *QueryLocksRequest) Validate() error { return nil }

// UpdateCodesRequest atomically applies a batch of code requests.
type UpdateCodesRequest struct {
	ID    uint32               `path:"id" json:"-"`
	Codes []models.CodeRequest `json:"codes"`
}

// Validate implements Validatable.
func (r *UpdateCodesRequest) Validate() error {
	if r.ID == 0 {
		return models.BadRequest("briefcase id required")
	}
	if len(r.Codes) == 0 {
		return models.BadRequest("empty code batch")
	}
	for _, c := range r.Codes {
		if c.CodeKey.IsZero() {
			return models.BadRequest("code request missing key")
		}
	}
	return nil
}

// CodesResponse carries code table entries.
type CodesResponse struct {
	Codes []models.Code `json:"codes"`
}

// QueryCodesRequest is a non-mutating code table read.
type QueryCodesRequest struct {
	Query models.CodeQuery `json:"query"`
}

// Validate implements Validatable.
func (r *QueryCodesRequest) Validate() error { return nil }

// ChangeSetsRequest fetches the timeline after a position. An empty After
// means the beginning of the timeline.
type ChangeSetsRequest struct {
	After string `query:"after" json:"-"`
}

// Validate implements Validatable.
func (r *ChangeSetsRequest) Validate() error {
	if r.After == "" {
		return nil
	}
	if _, err := ksid.Parse(r.After); err != nil {
		return models.BadRequest("invalid changeset id")
	}
	return nil
}

// ChangeSetsResponse carries a chain of timeline change-sets.
type ChangeSetsResponse struct {
	ChangeSets []*models.ChangeSet `json:"changesets"`
}

// PushChangeSetRequest submits one change-set.
type PushChangeSetRequest struct {
	ID        uint32           `path:"id" json:"-"`
	ChangeSet models.ChangeSet `json:"changeset"`
}

// Validate implements Validatable.
func (r *PushChangeSetRequest) Validate() error {
	if r.ID == 0 {
		return models.BadRequest("briefcase id required")
	}
	if r.ChangeSet.ID.IsZero() {
		return models.BadRequest("changeset id required")
	}
	if len(r.ChangeSet.Ops) == 0 {
		return models.BadRequest("empty changeset")
	}
	return nil
}

// PushChangeSetResponse confirms the accepted head.
type PushChangeSetResponse struct {
	HeadID ksid.ID `json:"head_id"`
}

// HealthRequest probes liveness.
type HealthRequest struct{}

// Validate implements Validatable.
func (r *HealthRequest) Validate() error { return nil }

// HealthResponse reports server status.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
