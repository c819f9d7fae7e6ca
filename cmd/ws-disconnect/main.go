// The ws-disconnect handler removes a websocket connection's subscription
// records when API Gateway reports the connection closed. Records it cannot
// clean up are left for the table's TTL sweep.
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
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
	if table == "" {
		logger.Fatal("CONNECTIONS_TABLE_NAME is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.Store.Region),
	)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	subscriptions := notify.NewSubscriptions(dynamodb.NewFromConfig(awsCfg), table, 0, logger)

	lambda.Start(func(ctx context.Context, req events.APIGatewayWebsocketProxyRequest) (events.APIGatewayProxyResponse, error) {
		connectionID := req.RequestContext.ConnectionID
		if err := subscriptions.Disconnect(ctx, connectionID); err != nil {
			// The connection is already closed. Report success and let the
			// TTL sweep collect whatever the lookup missed.
			logger.Warn("disconnect cleanup failed",
				zap.String("connection_id", connectionID),
				zap.Error(err))
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
	})
}
