package hub

import (
	"context"
	"log/slog"

	"github.com/maruel/briefhub/internal/models"
)

// UpdateCodes atomically applies a batch of code requests for one briefcase.
//
// Reserving a code the briefcase already holds is an idempotent no-op.
// A request at CodeStateAvailable relinquishes the briefcase's own
// reservation. Codes transition to Used only through an accepted push, never
// through UpdateCodes. The whole batch is validated before anything is
// applied; denials identify the contested code and its holder.
func (h *Hub) UpdateCodes(ctx context.Context, id models.BriefcaseID, reqs []models.CodeRequest) ([]models.Code, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.checkBriefcaseLocked(id); err != nil {
		return nil, err
	}

	for _, req := range reqs {
		existing := h.codes[req.CodeKey]
		switch req.State {
		case models.CodeStateReserved:
			if existing == nil {
				continue
			}
			if existing.State == models.CodeStateUsed {
				return nil, models.CodeUsed(req.CodeKey, existing.BriefcaseID)
			}
			if existing.State == models.CodeStateReserved && existing.BriefcaseID != id {
				slog.WarnContext(ctx, "Code denied", "briefcase", id, "code", req.CodeKey, "heldBy", existing.BriefcaseID)
				return nil, models.CodeReservedByOther(req.CodeKey, existing.BriefcaseID)
			}
		case models.CodeStateAvailable:
			if existing == nil {
				continue
			}
			if existing.State == models.CodeStateUsed {
				return nil, models.CodeUsed(req.CodeKey, existing.BriefcaseID)
			}
			if existing.State == models.CodeStateReserved && existing.BriefcaseID != id {
				return nil, models.CodeReservedByOther(req.CodeKey, existing.BriefcaseID)
			}
		case models.CodeStateUsed:
			return nil, models.BadRequest("codes transition to used only via push")
		default:
			return nil, models.BadRequest("unknown code state: " + string(req.State))
		}
	}

	result := make([]models.Code, 0, len(reqs))
	changed := false
	for _, req := range reqs {
		existing := h.codes[req.CodeKey]
		switch req.State {
		case models.CodeStateReserved:
			if existing == nil || existing.State == models.CodeStateAvailable {
				h.codes[req.CodeKey] = &models.Code{CodeKey: req.CodeKey, State: models.CodeStateReserved, BriefcaseID: id}
				changed = true
			}
		case models.CodeStateAvailable:
			if existing != nil && existing.State == models.CodeStateReserved {
				existing.State = models.CodeStateAvailable
				existing.BriefcaseID = 0
				changed = true
			}
		}
		result = append(result, *h.stateOfLocked(req.CodeKey))
	}

	if changed {
		if err := h.persistCodesLocked(); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// QueryCodes returns the current code entries matching the query. It never
// mutates state and is suitable for dry-run availability checks. Codes with
// no entry are Available and are only reported when named explicitly in Keys.
func (h *Hub) QueryCodes(ctx context.Context, q models.CodeQuery) ([]models.Code, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(q.Keys) > 0 {
		result := make([]models.Code, 0, len(q.Keys))
		for _, k := range q.Keys {
			result = append(result, *h.stateOfLocked(k))
		}
		return result, nil
	}

	var result []models.Code
	for _, c := range h.codes {
		if !q.SpecID.IsZero() && c.SpecID != q.SpecID {
			continue
		}
		if q.Scope != "" && c.Scope != q.Scope {
			continue
		}
		if !q.BriefcaseID.IsZero() && c.BriefcaseID != q.BriefcaseID {
			continue
		}
		result = append(result, *c.Clone())
	}
	return result, nil
}

// stateOfLocked returns the current entry for a code, synthesizing an
// Available entry when the code was never touched.
func (h *Hub) stateOfLocked(key models.CodeKey) *models.Code {
	if c := h.codes[key]; c != nil {
		return c.Clone()
	}
	return &models.Code{CodeKey: key, State: models.CodeStateAvailable}
}

// markCodesUsedLocked transitions the pushing briefcase's reservations for
// the codes referenced by ops from Reserved to Used.
func (h *Hub) markCodesUsedLocked(id models.BriefcaseID, ops []models.EntityOp) bool {
	changed := false
	for _, op := range ops {
		if op.Code == nil {
			continue
		}
		c := h.codes[*op.Code]
		if c != nil && c.State == models.CodeStateReserved && c.BriefcaseID == id {
			c.State = models.CodeStateUsed
			changed = true
		}
	}
	return changed
}
