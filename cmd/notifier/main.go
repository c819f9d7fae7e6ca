// The notifier pushes entity change events to websocket clients. It is
// invoked by EventBridge with the events the store publishes and relays
// each to the connections subscribed to its topic.
package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"go.uber.org/zap"

	"relay-backend/internal/config"
	"relay-backend/internal/notify"
	"relay-backend/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}
	logger, err := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}

	table := os.Getenv("CONNECTIONS_TABLE_NAME")
	endpoint := os.Getenv("WEBSOCKET_API_ENDPOINT")
	if table == "" || endpoint == "" {
		logger.Fatal("CONNECTIONS_TABLE_NAME and WEBSOCKET_API_ENDPOINT are required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Store.Region),
	)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	relay := notify.NewRelay(
		dynamodb.NewFromConfig(awsCfg),
		apigatewaymanagementapi.NewFromConfig(awsCfg, func(o *apigatewaymanagementapi.Options) {
			o.BaseEndpoint = aws.String(endpoint)
		}),
		table,
		logger,
	)

	lambda.Start(func(ctx context.Context, event events.EventBridgeEvent) error {
		return relay.Handle(ctx, event.Detail)
	})
}
