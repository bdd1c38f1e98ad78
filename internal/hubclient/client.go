// Package hubclient is the HTTP implementation of the briefcase Authority:
// it talks to a hubserver, decoding denial envelopes back into typed errors
// and retrying transient failures with backoff.
package hubclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/maruel/briefhub/internal/hubserver"
	"github.com/maruel/briefhub/internal/models"
	"github.com/maruel/ksid"
)

// retry tuning. Denials are never retried; only failures the hub marks
// retryable and transport errors on reads.
const (
	maxAttempts  = 4
	retryBackoff = 100 * time.Millisecond
)

// Client implements briefcase.Authority over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

// Option configures a Client.
type Option func(*Client)

// WithToken resumes an existing briefcase session.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient overrides the transport, mainly for tests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// New creates a client for the hub at baseURL (scheme and host, no trailing
// slash).
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Token returns the current session token so the caller can persist it.
func (c *Client) Token() string {
	return c.token
}

// AcquireBriefcase provisions a new briefcase and captures its session token.
func (c *Client) AcquireBriefcase(ctx context.Context) (*models.BriefcaseInfo, error) {
	out := hubserver.AcquireBriefcaseResponse{}
	if err := c.do(ctx, http.MethodPost, "/api/briefcases", nil, &out); err != nil {
		return nil, err
	}
	c.token = out.Token
	info := out.Briefcase
	return &info, nil
}

// ReleaseBriefcase retires the briefcase.
func (c *Client) ReleaseBriefcase(ctx context.Context, id models.BriefcaseID) error {
	out := hubserver.OkResponse{}
	path := "/api/briefcases/" + strconv.FormatUint(uint64(id), 10)
	return c.do(ctx, http.MethodDelete, path, nil, &out)
}

// UpdateLocks atomically acquires/releases a batch of locks.
func (c *Client) UpdateLocks(ctx context.Context, id models.BriefcaseID, reqs []models.LockRequest) ([]models.Lock, error) {
	in := hubserver.UpdateLocksRequest{Locks: reqs}
	out := hubserver.LocksResponse{}
	path := "/api/briefcases/" + strconv.FormatUint(uint64(id), 10) + "/locks"
	if err := c.do(ctx, http.MethodPost, path, &in, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// QueryLocks is a non-mutating read of the lock table.
func (c *Client) QueryLocks(ctx context.Context, q models.LockQuery) ([]models.Lock, error) {
	in := hubserver.QueryLocksRequest{Query: q}
	out := hubserver.LocksResponse{}
	if err := c.do(ctx, http.MethodPost, "/api/locks/query", &in, &out); err != nil {
		return nil, err
	}
	return out.Locks, nil
}

// UpdateCodes atomically reserves/relinquishes a batch of codes.
func (c *Client) UpdateCodes(ctx context.Context, id models.BriefcaseID, reqs []models.CodeRequest) ([]models.Code, error) {
	in := hubserver.UpdateCodesRequest{Codes: reqs}
	out := hubserver.CodesResponse{}
	path := "/api/briefcases/" + strconv.FormatUint(uint64(id), 10) + "/codes"
	if err := c.do(ctx, http.MethodPost, path, &in, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

// QueryCodes is a non-mutating read of the code table.
func (c *Client) QueryCodes(ctx context.Context, q models.CodeQuery) ([]models.Code, error) {
	in := hubserver.QueryCodesRequest{Query: q}
	out := hubserver.CodesResponse{}
	if err := c.do(ctx, http.MethodPost, "/api/codes/query", &in, &out); err != nil {
		return nil, err
	}
	return out.Codes, nil
}

// ChangeSetsAfter returns the timeline chain after the given position.
func (c *Client) ChangeSetsAfter(ctx context.Context, after ksid.ID) ([]*models.ChangeSet, error) {
	path := "/api/changesets"
	if !after.IsZero() {
		path += "?after=" + url.QueryEscape(after.String())
	}
	out := hubserver.ChangeSetsResponse{}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.ChangeSets, nil
}

// PushChangeSet appends a change-set to the timeline.
func (c *Client) PushChangeSet(ctx context.Context, cs *models.ChangeSet) error {
	in := hubserver.PushChangeSetRequest{ChangeSet: *cs}
	out := hubserver.PushChangeSetResponse{}
	path := "/api/briefcases/" + strconv.FormatUint(uint64(cs.BriefcaseID), 10) + "/changesets"
	return c.do(ctx, http.MethodPost, path, &in, &out)
}

// do performs one round-trip with retries. A decoded hub denial is returned
// as-is; only failures the hub marks retryable are retried, plus transport
// errors on GETs (the request never mutated anything).
func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
	}

	var lastErr error
	for attempt := range maxAttempts {
		if attempt > 0 {
			backoff := retryBackoff << (attempt - 1)
			slog.DebugContext(ctx, "Retrying hub call", "method", method, "path", path, "attempt", attempt, "backoff", backoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := c.roundTrip(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err

		var ae *models.AuthorityError
		if errors.As(err, &ae) {
			if !ae.Retryable() {
				return err
			}
			continue
		}
		if method != http.MethodGet || ctx.Err() != nil {
			return err
		}
	}
	return lastErr
}

func (c *Client) roundTrip(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("hub unreachable: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp.StatusCode, data)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// decodeError rebuilds the typed error from the hub's envelope.
func decodeError(statusCode int, data []byte) error {
	var envelope models.ErrorResponse
	if err := json.Unmarshal(data, &envelope); err != nil || envelope.Error.Code == "" {
		if statusCode >= 500 {
			return models.Transient(fmt.Sprintf("hub returned %d", statusCode), nil)
		}
		return models.NewAuthorityError(statusCode, models.ErrorCodeInternal,
			fmt.Sprintf("hub returned %d", statusCode))
	}
	ae := models.NewAuthorityError(statusCode, envelope.Error.Code, envelope.Error.Message)
	for k, v := range envelope.Details {
		ae = ae.WithDetail(k, v)
	}
	return ae
}
