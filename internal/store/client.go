package store

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	apperrors "relay-backend/internal/errors"
)

// API is the subset of the DynamoDB client the store depends on. The
// concrete *dynamodb.Client satisfies it; tests and the resilience
// decorators provide their own implementations.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
}

// classify maps a backend failure into the store taxonomy. Raw SDK error
// types stop here; callers above the store see outcomes only.
func classify(operation string, err error) error {
	if err == nil {
		return nil
	}

	var condErr *types.ConditionalCheckFailedException
	if errors.As(err, &condErr) {
		return apperrors.NewConflict(operation, "conditional check failed", err)
	}

	var throughputErr *types.ProvisionedThroughputExceededException
	var requestLimitErr *types.RequestLimitExceeded
	var limitErr *types.LimitExceededException
	var internalErr *types.InternalServerError
	if errors.As(err, &throughputErr) || errors.As(err, &requestLimitErr) ||
		errors.As(err, &limitErr) || errors.As(err, &internalErr) {
		return apperrors.NewUnavailable(operation, "backend throttled or unavailable", err)
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewUnavailable(operation, "call deadline exceeded", err)
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "ThrottlingError", "ServiceUnavailable",
			"ServiceUnavailableException", "RequestLimitExceeded", "InternalServerError":
			return apperrors.NewUnavailable(operation, "backend throttled or unavailable", err)
		default:
			return apperrors.NewInternal(operation,
				fmt.Sprintf("backend rejected request (%s)", apiErr.ErrorCode()), err)
		}
	}

	return apperrors.NewInternal(operation, "unexpected backend failure", err)
}

// transient reports whether a raw backend error is worth retrying.
func transient(err error) bool {
	return apperrors.IsUnavailable(classify("probe", err))
}

// RetryConfig tunes the retrying client.
type RetryConfig struct {
	MaxRetries    int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterFactor  float64
}

// DefaultRetryConfig returns conservative production defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
		JitterFactor:  0.2,
	}
}

// retryingClient retries transient failures with exponential backoff and
// jitter. Writes get at most one retry; their conditions make a duplicated
// attempt fail loudly rather than silently double-apply.
type retryingClient struct {
	inner  API
	config RetryConfig
	logger *zap.Logger
}

// NewRetryingClient decorates an API with retry behavior.
func NewRetryingClient(inner API, config RetryConfig, logger *zap.Logger) API {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &retryingClient{
		inner:  inner,
		config: config,
		logger: logger,
	}
}

func (r *retryingClient) do(ctx context.Context, operation string, idempotent bool, fn func() error) error {
	maxRetries := r.config.MaxRetries
	if !idempotent && maxRetries > 1 {
		maxRetries = 1
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := fn()
		if err == nil {
			if attempt > 0 {
				r.logger.Info("backend call succeeded after retry",
					zap.String("operation", operation),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}
		lastErr = err

		if attempt >= maxRetries || !transient(err) {
			break
		}

		delay := r.delay(attempt)
		r.logger.Warn("retrying backend call",
			zap.String("operation", operation),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

func (r *retryingClient) delay(attempt int) time.Duration {
	base := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffFactor, float64(attempt))
	if base > float64(r.config.MaxDelay) {
		base = float64(r.config.MaxDelay)
	}
	// Jitter draws from the locked package-level source: the one decorated
	// client is shared by every request goroutine.
	jitter := r.config.JitterFactor * base * (rand.Float64()*2 - 1)
	if d := base + jitter; d > 0 {
		return time.Duration(d)
	}
	return 0
}

func (r *retryingClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	var out *dynamodb.PutItemOutput
	err := r.do(ctx, "PutItem", false, func() error {
		var callErr error
		out, callErr = r.inner.PutItem(ctx, params, optFns...)
		return callErr
	})
	return out, err
}

func (r *retryingClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	var out *dynamodb.GetItemOutput
	err := r.do(ctx, "GetItem", true, func() error {
		var callErr error
		out, callErr = r.inner.GetItem(ctx, params, optFns...)
		return callErr
	})
	return out, err
}

func (r *retryingClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	var out *dynamodb.UpdateItemOutput
	err := r.do(ctx, "UpdateItem", false, func() error {
		var callErr error
		out, callErr = r.inner.UpdateItem(ctx, params, optFns...)
		return callErr
	})
	return out, err
}

func (r *retryingClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	var out *dynamodb.DeleteItemOutput
	err := r.do(ctx, "DeleteItem", false, func() error {
		var callErr error
		out, callErr = r.inner.DeleteItem(ctx, params, optFns...)
		return callErr
	})
	return out, err
}

func (r *retryingClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	var out *dynamodb.QueryOutput
	err := r.do(ctx, "Query", true, func() error {
		var callErr error
		out, callErr = r.inner.Query(ctx, params, optFns...)
		return callErr
	})
	return out, err
}

// breakerClient fails fast once the backend is misbehaving, instead of
// piling more load onto it.
type breakerClient struct {
	inner   API
	breaker *gobreaker.CircuitBreaker
	logger  *zap.Logger
}

// NewBreakerClient decorates an API with a circuit breaker. Conditional
// check failures count as successes; they are business conflicts, not
// backend health signals.
func NewBreakerClient(inner API, name string, logger *zap.Logger) API {
	if logger == nil {
		logger = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 5,
		Interval:    30 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 5 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= 0.6
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			var condErr *types.ConditionalCheckFailedException
			return errors.As(err, &condErr)
		},
	})
	return &breakerClient{inner: inner, breaker: cb, logger: logger}
}

func (b *breakerClient) execute(operation string, fn func() (any, error)) (any, error) {
	out, err := b.breaker.Execute(fn)
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, apperrors.NewUnavailable(operation, "circuit breaker open", err)
	}
	return out, err
}

func (b *breakerClient) PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	out, err := b.execute("PutItem", func() (any, error) {
		return b.inner.PutItem(ctx, params, optFns...)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*dynamodb.PutItemOutput)
	return res, nil
}

func (b *breakerClient) GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	out, err := b.execute("GetItem", func() (any, error) {
		return b.inner.GetItem(ctx, params, optFns...)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*dynamodb.GetItemOutput)
	return res, nil
}

func (b *breakerClient) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	out, err := b.execute("UpdateItem", func() (any, error) {
		return b.inner.UpdateItem(ctx, params, optFns...)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*dynamodb.UpdateItemOutput)
	return res, nil
}

func (b *breakerClient) DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	out, err := b.execute("DeleteItem", func() (any, error) {
		return b.inner.DeleteItem(ctx, params, optFns...)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*dynamodb.DeleteItemOutput)
	return res, nil
}

func (b *breakerClient) Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	out, err := b.execute("Query", func() (any, error) {
		return b.inner.Query(ctx, params, optFns...)
	})
	if err != nil {
		return nil, err
	}
	res, _ := out.(*dynamodb.QueryOutput)
	return res, nil
}
