// Package handlers provides the REST handlers for the Relay entity API.
// Handlers stay thin: decode and validate the request, call the store,
// map the outcome onto the response.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	apperrors "relay-backend/internal/errors"
	"relay-backend/internal/middleware"
	"relay-backend/internal/store"
	"relay-backend/pkg/api"
)

// Repository is the store surface a handler needs. *store.Repository
// satisfies it; tests substitute fakes.
type Repository[T store.Entity] interface {
	Create(ctx context.Context, entity T, opts ...store.CallOption) error
	Read(ctx context.Context, id string, opts ...store.CallOption) (T, error)
	Update(ctx context.Context, entity T, opts ...store.CallOption) error
	Delete(ctx context.Context, entity T, opts ...store.CallOption) error
	List(ctx context.Context, q store.Query, opts ...store.CallOption) (*store.Page[T], error)
}

// maxListLimit caps how many records one list call returns; callers page
// with next tokens beyond it.
const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// listResponse is the JSON envelope for list results. Partial mirrors the
// 206 status so clients can branch without inspecting it.
type listResponse struct {
	Items     any    `json:"items"`
	Partial   bool   `json:"partial"`
	NextToken string `json:"next_token,omitempty"`
}

// decodeJSON reads the request body into dst, answering 400 on failure.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		api.ErrorWithRequestID(w, http.StatusBadRequest, "invalid request body",
			middleware.GetRequestIDFromRequest(r))
		return false
	}
	return true
}

// respondError maps a store error onto the response and logs server-side
// failures with their real cause.
func respondError(logger *zap.Logger, w http.ResponseWriter, r *http.Request, err error) {
	if int(apperrors.OutcomeOf(err)) >= http.StatusInternalServerError {
		logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestIDFromRequest(r)),
			zap.Error(err))
	}
	api.FromError(w, err, middleware.GetRequestIDFromRequest(r))
}

// listQuery translates the ?by/op/v/v2 parameters into a store query.
// Without op and v it lists the whole partition, ordered by the sort key or
// by ?by's index field; no record is below the range. The pk parameter
// overrides the partition, which is how global-index queries name their
// partition value.
func listQuery(r *http.Request) store.Query {
	params := r.URL.Query()

	field := params.Get("by")
	op := store.Op(params.Get("op"))
	value := params.Get("v")

	if op == "" && value == "" {
		return store.All(params.Get("pk"), field)
	}
	if field == "" {
		field = "SK"
	}
	if op == "" {
		op = store.OpEqual
	}

	values := []string{value}
	if op == store.OpBetween {
		values = append(values, params.Get("v2"))
	}

	return store.Query{
		PK:     params.Get("pk"),
		Field:  field,
		Op:     op,
		Values: values,
	}
}

// listOptions translates limit/next parameters into call options.
func listOptions(r *http.Request) ([]store.CallOption, error) {
	params := r.URL.Query()

	limit := defaultListLimit
	if raw := params.Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > maxListLimit {
			return nil, apperrors.NewBadRequest("list",
				"limit must be an integer between 1 and "+strconv.Itoa(maxListLimit))
		}
		limit = parsed
	}

	opts := []store.CallOption{store.WithLimit(limit)}
	if token := params.Get("next"); token != "" {
		opts = append(opts, store.WithStartToken(token))
	}
	return opts, nil
}

// sessionOption carries the caller's session id into mutations so the
// notifier can suppress the echo.
func sessionOption(r *http.Request) []store.CallOption {
	if sid := middleware.GetSessionID(r.Context()); sid != "" {
		return []store.CallOption{store.WithSession(sid)}
	}
	return nil
}

// expectedTick parses the concurrency token a delete must present.
func expectedTick(r *http.Request) (int64, bool) {
	raw := r.URL.Query().Get("tick")
	if raw == "" {
		return 0, false
	}
	tick, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false
	}
	return tick, true
}

// forced reports whether the caller asked to bypass concurrency checks.
func forced(r *http.Request) bool {
	return r.URL.Query().Get("force") == "1" || r.URL.Query().Get("force") == "true"
}

// fresh reports whether the caller asked to bypass the read cache.
func fresh(r *http.Request) bool {
	return r.URL.Query().Get("fresh") == "1" || r.URL.Query().Get("fresh") == "true"
}
