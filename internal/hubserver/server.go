// Package hubserver exposes the hub over HTTP: briefcase provisioning with
// bearer tokens, lock and code negotiation, and the change-set timeline.
package hubserver

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/maruel/briefhub/internal/hub"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// tokenTTL bounds a briefcase session token. Long-lived offline briefcases
// re-acquire a token by releasing and re-opening; the briefcase itself never
// expires.
const tokenTTL = 30 * 24 * time.Hour

// Server wires the hub to its HTTP surface.
type Server struct {
	hub     *hub.Hub
	secret  []byte
	version string

	// acquireLimiter throttles briefcase provisioning per client address;
	// opLimiter throttles everything else per briefcase.
	acquireLimiter *rateLimiter
	opLimiter      *rateLimiter
}

// New creates a server for the given hub. The secret signs briefcase session
// tokens and must be stable across restarts.
func New(h *hub.Hub, secret []byte, version string) *Server {
	return &Server{
		hub:            h,
		secret:         secret,
		version:        version,
		acquireLimiter: newRateLimiter(10, time.Minute, 10),
		opLimiter:      newRateLimiter(600, time.Minute, 100),
	}
}

// Close releases the server's limiters.
func (s *Server) Close() {
	s.acquireLimiter.Close()
	s.opLimiter.Close()
}

// Router builds the HTTP routing table.
func (s *Server) Router() http.Handler {
	mux := &http.ServeMux{}

	mux.Handle("GET /api/health", Wrap(s.health, nil))
	mux.Handle("POST /api/briefcases", Wrap(s.acquireBriefcase, s.acquireLimiter))
	mux.Handle("DELETE /api/briefcases/{id}", WrapBriefcase(s.releaseBriefcase, s.secret, s.opLimiter))
	mux.Handle("POST /api/briefcases/{id}/locks", WrapBriefcase(s.updateLocks, s.secret, s.opLimiter))
	mux.Handle("POST /api/briefcases/{id}/codes", WrapBriefcase(s.updateCodes, s.secret, s.opLimiter))
	mux.Handle("POST /api/briefcases/{id}/changesets", WrapBriefcase(s.pushChangeSet, s.secret, s.opLimiter))
	mux.Handle("POST /api/locks/query", WrapBriefcase(s.queryLocks, s.secret, s.opLimiter))
	mux.Handle("POST /api/codes/query", WrapBriefcase(s.queryCodes, s.secret, s.opLimiter))
	mux.Handle("GET /api/changesets", WrapBriefcase(s.changeSets, s.secret, s.opLimiter))

	return mux
}

func (s *Server) health(ctx context.Context, req *HealthRequest) (*HealthResponse, error) {
	return &HealthResponse{Status: "ok", Version: s.version}, nil
}

func (s *Server) acquireBriefcase(ctx context.Context, req *AcquireBriefcaseRequest) (*AcquireBriefcaseResponse, error) {
	info, err := s.hub.AcquireBriefcase(ctx)
	if err != nil {
		return nil, err
	}
	token, err := issueToken(info.ID, s.secret, tokenTTL)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to issue token", "briefcase", info.ID, "err", err)
		return nil, models.Internal("failed to issue session token", err)
	}
	return &AcquireBriefcaseResponse{Briefcase: *info, Token: token}, nil
}

func (s *Server) releaseBriefcase(ctx context.Context, id models.BriefcaseID, req *ReleaseBriefcaseRequest) (*OkResponse, error) {
	if err := s.hub.ReleaseBriefcase(ctx, id); err != nil {
		return nil, err
	}
	return &OkResponse{OK: true}, nil
}

func (s *Server) updateLocks(ctx context.Context, id models.BriefcaseID, req *UpdateLocksRequest) (*LocksResponse, error) {
	locks, err := s.hub.UpdateLocks(ctx, id, req.Locks)
	if err != nil {
		return nil, err
	}
	return &LocksResponse{Locks: locks}, nil
}

func (s *Server) queryLocks(ctx context.Context, id models.BriefcaseID, req *QueryLocksRequest) (*LocksResponse, error) {
	locks, err := s.hub.QueryLocks(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return &LocksResponse{Locks: locks}, nil
}

func (s *Server) updateCodes(ctx context.Context, id models.BriefcaseID, req *UpdateCodesRequest) (*CodesResponse, error) {
	codes, err := s.hub.UpdateCodes(ctx, id, req.Codes)
	if err != nil {
		return nil, err
	}
	return &CodesResponse{Codes: codes}, nil
}

func (s *Server) queryCodes(ctx context.Context, id models.BriefcaseID, req *QueryCodesRequest) (*CodesResponse, error) {
	codes, err := s.hub.QueryCodes(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	return &CodesResponse{Codes: codes}, nil
}

func (s *Server) changeSets(ctx context.Context, id models.BriefcaseID, req *ChangeSetsRequest) (*ChangeSetsResponse, error) {
	var after ksid.ID
	if req.After != "" {
		var err error
		if after, err = ksid.Parse(req.After); err != nil {
			return nil, models.BadRequest("invalid changeset id")
		}
	}
	chain, err := s.hub.ChangeSetsAfter(ctx, after)
	if err != nil {
		return nil, err
	}
	return &ChangeSetsResponse{ChangeSets: chain}, nil
}

func (s *Server) pushChangeSet(ctx context.Context, id models.BriefcaseID, req *PushChangeSetRequest) (*PushChangeSetResponse, error) {
	cs := req.ChangeSet
	if cs.BriefcaseID != id {
		return nil, models.BadRequest("changeset briefcase does not match session")
	}
	if err := s.hub.PushChangeSet(ctx, &cs); err != nil {
		return nil, err
	}
	return &PushChangeSetResponse{HeadID: cs.ID}, nil
}
