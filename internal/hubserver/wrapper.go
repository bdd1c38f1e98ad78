// Provides middleware for standardizing HTTP handlers.

package hubserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/maruel/briefhub/internal/models"
)

// maxRequestBodyBytes caps request payloads. Change-sets can be large but not
// unbounded.
const maxRequestBodyBytes = 16 << 20

// readAndDecodeBody reads the request body with size limit and decodes JSON
// into input. Returns false if an error occurred and was written to the
// response.
func readAndDecodeBody[In any](ctx context.Context, w http.ResponseWriter, r *http.Request, input *In) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err2 := r.Body.Close(); err == nil {
		err = err2
	}
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, models.NewAuthorityError(http.StatusRequestEntityTooLarge,
				models.ErrorCodeValidationFailed, "request body too large").
				WithDetail("limit_bytes", maxBytesErr.Limit))
			return false
		}
		slog.ErrorContext(ctx, "Failed to read request body", "err", err)
		writeError(w, models.BadRequest("failed to read request body"))
		return false
	}
	if len(body) > 0 {
		d := json.NewDecoder(bytes.NewReader(body))
		d.DisallowUnknownFields()
		if err := d.Decode(input); err != nil {
			slog.ErrorContext(ctx, "Failed to decode request body", "err", err)
			writeError(w, models.BadRequest("invalid request body"))
			return false
		}
	}
	return true
}

// writeJSONResponse writes a JSON response or error response.
func writeJSONResponse[Out any](ctx context.Context, w http.ResponseWriter, output *Out, err error) {
	if err != nil {
		var ae *models.AuthorityError
		if !errors.As(err, &ae) {
			ae = models.Internal("internal error", err)
		}
		slog.WarnContext(ctx, "Handler error", "err", err, "statusCode", ae.StatusCode(), "code", ae.Code())
		writeError(w, ae)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(output); err != nil {
		slog.ErrorContext(ctx, "Failed to encode response", "err", err)
	}
}

// writeError writes the error envelope as JSON.
func writeError(w http.ResponseWriter, ae *models.AuthorityError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.StatusCode())
	response := models.ErrorResponse{
		Error: models.ErrorDetails{
			Code:    ae.Code(),
			Message: ae.Error(),
		},
		Details: ae.Details(),
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.Error("Failed to encode error response", "err", err)
	}
}

// rateLimited builds the 429 denial.
func rateLimited(retryAfter time.Duration) *models.AuthorityError {
	return models.NewAuthorityError(http.StatusTooManyRequests, models.ErrorCodeRateLimited,
		"request budget exceeded").
		WithDetail("retry_after_seconds", int(retryAfter.Seconds()))
}

// checkRateLimit consumes a token and writes the denial on exhaustion.
// Returns whether the request should proceed.
func checkRateLimit(w http.ResponseWriter, limiter *rateLimiter, key string) bool {
	result := limiter.allow(key)
	if !result.allowed {
		w.Header().Set("Retry-After", strconv.Itoa(int(result.retryAfter.Seconds())))
		writeError(w, rateLimited(result.retryAfter))
		return false
	}
	return true
}

// clientAddr is the rate limit key for unauthenticated requests.
func clientAddr(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		host = host[:i]
	}
	return host
}

// Wrap wraps an unauthenticated handler to work as an http.Handler.
// The function must have signature: func(context.Context, *In) (*Out, error)
// where In can be unmarshalled from JSON. Path parameters can be extracted by
// tagging struct fields with `path:"name"`, query parameters with
// `query:"name"`. *In must implement Validatable.
func Wrap[In any, PtrIn interface {
	*In
	Validatable
}, Out any](fn func(context.Context, PtrIn) (*Out, error), limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if limiter != nil && !checkRateLimit(w, limiter, clientAddr(r)) {
			return
		}
		input := new(In)
		if !readAndDecodeBody(ctx, w, r, input) {
			return
		}
		populatePathParams(r, input)
		populateQueryParams(r, input)
		if err := PtrIn(input).Validate(); err != nil {
			writeValidationError(ctx, w, err)
			return
		}
		output, err := fn(ctx, PtrIn(input))
		writeJSONResponse(ctx, w, output, err)
	})
}

// WrapBriefcase wraps a handler bound to an authenticated briefcase. The
// bearer token's subject must match the briefcase id in the path: a briefcase
// can never act on another's behalf. Rate limiting is per briefcase.
// The function must have signature:
// func(context.Context, models.BriefcaseID, *In) (*Out, error).
func WrapBriefcase[In any, PtrIn interface {
	*In
	Validatable
}, Out any](fn func(context.Context, models.BriefcaseID, PtrIn) (*Out, error), secret []byte, limiter *rateLimiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		id, err := validateToken(r, secret)
		if err != nil {
			writeError(w, models.Unauthorized().Wrap(err))
			return
		}
		if idStr := r.PathValue("id"); idStr != "" && idStr != strconv.FormatUint(uint64(id), 10) {
			writeError(w, models.Unauthorized().Wrap(errTokenMismatch))
			return
		}
		if limiter != nil && !checkRateLimit(w, limiter, id.String()) {
			return
		}
		input := new(In)
		if !readAndDecodeBody(ctx, w, r, input) {
			return
		}
		populatePathParams(r, input)
		populateQueryParams(r, input)
		if err := PtrIn(input).Validate(); err != nil {
			writeValidationError(ctx, w, err)
			return
		}
		output, err := fn(ctx, id, PtrIn(input))
		writeJSONResponse(ctx, w, output, err)
	})
}

var (
	errMissingAuthHdr = errors.New("missing authorization header")
	errInvalidAuthHdr = errors.New("invalid authorization header")
	errInvalidToken   = errors.New("invalid token")
	errInvalidClaims  = errors.New("invalid claims")
	errTokenMismatch  = errors.New("token does not match briefcase")
)

// issueToken mints a bearer token for a briefcase session.
func issueToken(id models.BriefcaseID, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": strconv.FormatUint(uint64(id), 10),
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// validateToken extracts and validates the bearer token, returning the
// briefcase it was issued to.
func validateToken(r *http.Request, secret []byte) (models.BriefcaseID, error) {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return 0, errMissingAuthHdr
	}
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != "Bearer" {
		return 0, errInvalidAuthHdr
	}
	token, err := jwt.Parse(parts[1], func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil || !token.Valid {
		return 0, errInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, errInvalidClaims
	}
	sub, ok := claims["sub"].(string)
	if !ok {
		return 0, errInvalidClaims
	}
	n, err := strconv.ParseUint(sub, 10, 32)
	if err != nil || n == 0 {
		return 0, errInvalidClaims
	}
	return models.BriefcaseID(n), nil
}

// writeValidationError handles a validation error from a request's Validate
// method.
func writeValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	var ae *models.AuthorityError
	if !errors.As(err, &ae) {
		ae = models.BadRequest(err.Error())
	}
	slog.WarnContext(ctx, "Validation error", "err", err, "code", ae.Code())
	writeError(w, ae)
}

// populatePathParams extracts path parameters from the request and populates
// struct fields tagged with `path:"paramName"`.
func populatePathParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("path")
		if tag == "" {
			continue
		}
		paramValue := r.PathValue(tag)
		if paramValue == "" {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Uint32:
			if n, err := strconv.ParseUint(paramValue, 10, 32); err == nil {
				elem.Field(i).SetUint(n)
			}
		}
	}
}

// populateQueryParams extracts query parameters from the request and
// populates struct fields tagged with `query:"paramName"`.
func populateQueryParams(r *http.Request, input any) {
	val := reflect.ValueOf(input)
	if val.Kind() != reflect.Pointer {
		return
	}
	elem := val.Elem()
	if elem.Kind() != reflect.Struct {
		return
	}
	query := r.URL.Query()
	typ := elem.Type()
	for i := range typ.NumField() {
		field := typ.Field(i)
		tag := field.Tag.Get("query")
		if tag == "" {
			continue
		}
		paramValue := query.Get(tag)
		if paramValue == "" {
			continue
		}
		switch field.Type.Kind() {
		case reflect.String:
			elem.Field(i).SetString(paramValue)
		case reflect.Int, reflect.Int64:
			if n, err := strconv.ParseInt(paramValue, 10, 64); err == nil {
				elem.Field(i).SetInt(n)
			}
		}
	}
}
