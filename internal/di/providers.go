// Package di wires the application graph: configuration, observability,
// AWS clients, the store stack, and the HTTP surface. The providers here
// are the single source of construction logic; the manual container and
// the Wire sets both build on them.
package di

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"relay-backend/internal/config"
	"relay-backend/internal/domain/customer"
	"relay-backend/internal/domain/order"
	"relay-backend/internal/handlers"
	"relay-backend/internal/middleware"
	"relay-backend/internal/notify"
	"relay-backend/internal/observability"
	"relay-backend/internal/store"
)

// provideConfig loads and validates the application configuration.
func provideConfig() (*config.Config, error) {
	return config.Load()
}

// provideLogger builds the structured logger from the logging section.
func provideLogger(cfg *config.Config) (*zap.Logger, error) {
	return observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
}

// provideMetrics builds a collector with its own registry so parallel
// containers never fight over metric registration.
func provideMetrics() *observability.Collector {
	return observability.NewCollector()
}

// provideTracerProvider initializes tracing when enabled. Returns nil when
// tracing is off; callers treat a nil provider as disabled.
func provideTracerProvider(cfg *config.Config) (*observability.TracerProvider, error) {
	if !cfg.Tracing.Enabled {
		return nil, nil
	}
	return observability.InitTracing(observability.TracingConfig{
		ServiceName: cfg.Tracing.ServiceName,
		Environment: string(cfg.Environment),
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
	})
}

// provideAWSConfig resolves the AWS configuration for the configured region.
func provideAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	loadCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	awsCfg, err := awsconfig.LoadDefaultConfig(loadCtx,
		awsconfig.WithRegion(cfg.Store.Region),
	)
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}
	return awsCfg, nil
}

// sharedHTTPClient keeps connections alive between invocations so warm
// Lambda starts reuse TCP connections instead of re-dialing DynamoDB.
func sharedHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			DisableKeepAlives:   false,
			MaxIdleConns:        10,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

// provideDynamoDBClient builds the DynamoDB client. SDK-level retries are
// disabled; the store's retrying client owns that concern.
func provideDynamoDBClient(awsCfg aws.Config, cfg *config.Config) *dynamodb.Client {
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		o.HTTPClient = sharedHTTPClient(cfg.Store.Timeout)
		o.RetryMaxAttempts = 1
		if cfg.Store.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Store.Endpoint)
		}
	})
}

// provideEventBridgeClient builds the EventBridge client for notifications.
func provideEventBridgeClient(awsCfg aws.Config) *eventbridge.Client {
	return eventbridge.NewFromConfig(awsCfg, func(o *eventbridge.Options) {
		o.HTTPClient = sharedHTTPClient(10 * time.Second)
	})
}

// provideStoreClient decorates the raw client with retry and, when enabled,
// a circuit breaker. Retry sits closest to the backend so the breaker
// counts a whole logical attempt as one outcome.
func provideStoreClient(client *dynamodb.Client, cfg *config.Config, logger *zap.Logger) store.API {
	decorated := store.NewRetryingClient(client, store.RetryConfig{
		MaxRetries:    cfg.Retry.MaxRetries,
		InitialDelay:  cfg.Retry.InitialDelay,
		MaxDelay:      cfg.Retry.MaxDelay,
		BackoffFactor: cfg.Retry.BackoffFactor,
		JitterFactor:  cfg.Retry.JitterFactor,
	}, logger)

	if cfg.Breaker.Enabled {
		decorated = store.NewBreakerClient(decorated, "dynamodb", logger)
	}
	return decorated
}

// provideCache builds the shared read cache.
func provideCache(cfg *config.Config, metrics *observability.Collector, logger *zap.Logger) *store.Cache {
	cache := store.NewCache(cfg.Cache.MaxItems, cfg.Cache.Window, cfg.Cache.Always, logger)
	cache.SetMetrics(metrics)
	return cache
}

// provideHooks selects the notification transport. With events disabled the
// store runs against the no-op hooks and never publishes.
func provideHooks(client *eventbridge.Client, cfg *config.Config, logger *zap.Logger) notify.Hooks {
	if !cfg.Events.Enabled {
		return notify.NewNoopHooks()
	}
	return notify.NewEventBridgeHooks(client, cfg.Events.BusName, uuid.NewString(), logger)
}

// repositoryOptions assembles the option list shared by every entity
// repository from the store configuration.
func repositoryOptions[T store.Entity](cfg *config.Config, cache *store.Cache, hooks notify.Hooks, metrics *observability.Collector) []store.Option[T] {
	opts := []store.Option[T]{
		store.WithCache[T](cache),
		store.WithMetrics[T](metrics),
	}
	if cfg.Events.Enabled {
		opts = append(opts, store.WithHooks[T](hooks))
	}
	if cfg.Store.SoftDelete {
		opts = append(opts, store.WithSoftDelete[T](cfg.Store.SoftDeleteTTL))
	}
	return opts
}

// provideOrderRepository builds the order repository on the decorated client.
func provideOrderRepository(client store.API, cfg *config.Config, cache *store.Cache, hooks notify.Hooks, metrics *observability.Collector, logger *zap.Logger) (*store.Repository[*order.Order], error) {
	opts := repositoryOptions[*order.Order](cfg, cache, hooks, metrics)
	return store.NewRepository(client, cfg.Store.TableName, order.Binding(), logger, opts...)
}

// provideCustomerRepository builds the customer repository on the decorated client.
func provideCustomerRepository(client store.API, cfg *config.Config, cache *store.Cache, hooks notify.Hooks, metrics *observability.Collector, logger *zap.Logger) (*store.Repository[*customer.Customer], error) {
	opts := repositoryOptions[*customer.Customer](cfg, cache, hooks, metrics)
	return store.NewRepository(client, cfg.Store.TableName, customer.Binding(), logger, opts...)
}

func provideOrderHandler(repo *store.Repository[*order.Order], logger *zap.Logger) *handlers.OrderHandler {
	return handlers.NewOrderHandler(repo, logger)
}

func provideCustomerHandler(repo *store.Repository[*customer.Customer], logger *zap.Logger) *handlers.CustomerHandler {
	return handlers.NewCustomerHandler(repo, logger)
}

func provideHealthHandler(cfg *config.Config, cache *store.Cache) *handlers.HealthHandler {
	return handlers.NewHealthHandler(string(cfg.Environment), cache)
}

// provideRouter assembles the HTTP surface: global middleware, operational
// endpoints, and the entity routes under /api/v1.
func provideRouter(
	cfg *config.Config,
	logger *zap.Logger,
	metrics *observability.Collector,
	orderHandler *handlers.OrderHandler,
	customerHandler *handlers.CustomerHandler,
	healthHandler *handlers.HealthHandler,
) *chi.Mux {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID", "X-Session-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.RequestID)
	r.Use(middleware.Session)
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.Timeout(cfg.Server.RequestTimeout))

	r.Get("/health", healthHandler.Check)
	r.Get("/ready", healthHandler.Ready)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		orderHandler.Register(r)
		customerHandler.Register(r)
	})

	return r
}
