package di

import "github.com/google/wire"

// Provider sets grouping the graph by layer. The manual container consumes
// the same provider functions directly; the sets exist so the graph stays
// checkable with the wire tool.

// ConfigSet provides configuration and the logger built from it.
var ConfigSet = wire.NewSet(
	provideConfig,
	provideLogger,
)

// ObservabilitySet provides metrics. Tracing is initialized by the manual
// container only: nothing in the router graph consumes the tracer provider,
// and wire rejects providers whose output is unused.
var ObservabilitySet = wire.NewSet(
	provideMetrics,
)

// AWSSet provides the AWS SDK configuration and service clients.
var AWSSet = wire.NewSet(
	provideAWSConfig,
	provideDynamoDBClient,
	provideEventBridgeClient,
)

// StoreSet provides the decorated store client, cache, notification hooks,
// and the entity repositories built on them.
var StoreSet = wire.NewSet(
	provideStoreClient,
	provideCache,
	provideHooks,
	provideOrderRepository,
	provideCustomerRepository,
)

// HandlerSet provides the HTTP handlers and the assembled router.
var HandlerSet = wire.NewSet(
	provideOrderHandler,
	provideCustomerHandler,
	provideHealthHandler,
	provideRouter,
)

// SuperSet combines every layer into the full application graph.
var SuperSet = wire.NewSet(
	ConfigSet,
	ObservabilitySet,
	AWSSet,
	StoreSet,
	HandlerSet,
)
