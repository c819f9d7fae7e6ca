//go:build !wireinject
// +build !wireinject

package di

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"relay-backend/internal/config"
	"relay-backend/internal/domain/customer"
	"relay-backend/internal/domain/order"
	"relay-backend/internal/handlers"
	"relay-backend/internal/notify"
	"relay-backend/internal/observability"
	"relay-backend/internal/store"
)

// Container holds the wired application graph and its lifecycle.
type Container struct {
	Config  *config.Config
	Logger  *zap.Logger
	Metrics *observability.Collector
	Tracing *observability.TracerProvider

	DynamoDBClient    *dynamodb.Client
	EventBridgeClient *eventbridge.Client
	StoreClient       store.API
	Cache             *store.Cache
	Hooks             notify.Hooks

	Orders    *store.Repository[*order.Order]
	Customers *store.Repository[*customer.Customer]

	OrderHandler    *handlers.OrderHandler
	CustomerHandler *handlers.CustomerHandler
	HealthHandler   *handlers.HealthHandler

	Router *chi.Mux

	shutdownFunctions []func() error
}

// NewContainer loads the configuration and builds the full graph.
func NewContainer(ctx context.Context) (*Container, error) {
	cfg, err := provideConfig()
	if err != nil {
		return nil, fmt.Errorf("loading configuration: %w", err)
	}
	return NewContainerFromConfig(ctx, cfg)
}

// NewContainerFromConfig builds the graph on top of an already loaded
// configuration. Tests use this to wire alternate setups.
func NewContainerFromConfig(ctx context.Context, cfg *config.Config) (*Container, error) {
	c := &Container{Config: cfg}
	if err := c.initialize(ctx); err != nil {
		return nil, fmt.Errorf("initializing container: %w", err)
	}
	return c, nil
}

// initialize builds the graph bottom-up: observability first so everything
// after it can log, then AWS clients, the store stack, and the HTTP surface.
func (c *Container) initialize(ctx context.Context) error {
	if err := c.initObservability(); err != nil {
		return err
	}
	if err := c.initAWSClients(ctx); err != nil {
		return err
	}
	if err := c.initStore(); err != nil {
		return err
	}
	c.initHTTP()

	c.Logger.Info("container initialized",
		zap.String("environment", string(c.Config.Environment)),
		zap.String("table", c.Config.Store.TableName),
		zap.Bool("events", c.Config.Events.Enabled),
		zap.Bool("tracing", c.Config.Tracing.Enabled),
	)
	return nil
}

func (c *Container) initObservability() error {
	logger, err := provideLogger(c.Config)
	if err != nil {
		return fmt.Errorf("building logger: %w", err)
	}
	c.Logger = logger
	c.addShutdownFunction(func() error {
		// Sync on stderr fails on some platforms; losing the final flush
		// there is acceptable.
		_ = logger.Sync()
		return nil
	})

	c.Metrics = provideMetrics()

	tracing, err := provideTracerProvider(c.Config)
	if err != nil {
		// Tracing is best effort: a dead collector endpoint must not keep
		// the service from starting.
		c.Logger.Warn("tracing initialization failed", zap.Error(err))
		return nil
	}
	if tracing != nil {
		c.Tracing = tracing
		c.addShutdownFunction(func() error {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tracing.Shutdown(shutdownCtx)
		})
	}
	return nil
}

func (c *Container) initAWSClients(ctx context.Context) error {
	awsCfg, err := provideAWSConfig(ctx, c.Config)
	if err != nil {
		return err
	}
	c.DynamoDBClient = provideDynamoDBClient(awsCfg, c.Config)
	c.EventBridgeClient = provideEventBridgeClient(awsCfg)
	return nil
}

func (c *Container) initStore() error {
	c.StoreClient = provideStoreClient(c.DynamoDBClient, c.Config, c.Logger)
	c.Cache = provideCache(c.Config, c.Metrics, c.Logger)
	c.Hooks = provideHooks(c.EventBridgeClient, c.Config, c.Logger)

	orders, err := provideOrderRepository(c.StoreClient, c.Config, c.Cache, c.Hooks, c.Metrics, c.Logger)
	if err != nil {
		return fmt.Errorf("building order repository: %w", err)
	}
	c.Orders = orders

	customers, err := provideCustomerRepository(c.StoreClient, c.Config, c.Cache, c.Hooks, c.Metrics, c.Logger)
	if err != nil {
		return fmt.Errorf("building customer repository: %w", err)
	}
	c.Customers = customers
	return nil
}

func (c *Container) initHTTP() {
	c.OrderHandler = provideOrderHandler(c.Orders, c.Logger)
	c.CustomerHandler = provideCustomerHandler(c.Customers, c.Logger)
	c.HealthHandler = provideHealthHandler(c.Config, c.Cache)
	c.Router = provideRouter(c.Config, c.Logger, c.Metrics, c.OrderHandler, c.CustomerHandler, c.HealthHandler)
}

// Validate reports whether every component of the graph is present.
func (c *Container) Validate() error {
	checks := []struct {
		name string
		ok   bool
	}{
		{"config", c.Config != nil},
		{"logger", c.Logger != nil},
		{"metrics", c.Metrics != nil},
		{"dynamodb client", c.DynamoDBClient != nil},
		{"eventbridge client", c.EventBridgeClient != nil},
		{"store client", c.StoreClient != nil},
		{"cache", c.Cache != nil},
		{"hooks", c.Hooks != nil},
		{"order repository", c.Orders != nil},
		{"customer repository", c.Customers != nil},
		{"router", c.Router != nil},
	}
	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("container incomplete: %s missing", check.name)
		}
	}
	return nil
}

func (c *Container) addShutdownFunction(fn func() error) {
	c.shutdownFunctions = append(c.shutdownFunctions, fn)
}

// AddShutdownFunction registers extra teardown work, run in reverse order
// during Shutdown.
func (c *Container) AddShutdownFunction(fn func() error) {
	c.addShutdownFunction(fn)
}

// Shutdown tears the container down in reverse construction order. It is
// safe to call more than once; later calls are no-ops.
func (c *Container) Shutdown(ctx context.Context) error {
	fns := c.shutdownFunctions
	c.shutdownFunctions = nil

	var failed int
	for i := len(fns) - 1; i >= 0; i-- {
		if err := fns[i](); err != nil {
			failed++
			if c.Logger != nil {
				c.Logger.Warn("shutdown step failed", zap.Error(err))
			}
		}
		if ctx.Err() != nil {
			return fmt.Errorf("shutdown interrupted: %w", ctx.Err())
		}
	}
	if failed > 0 {
		return fmt.Errorf("shutdown completed with %d failed step(s)", failed)
	}
	return nil
}
