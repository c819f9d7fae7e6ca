// The ws-connect handler registers a websocket connection when API Gateway
// reports one. The client names the topics it wants as a comma separated
// query parameter, and may name its session so its own writes are not echoed
// back to it.
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
		topics := notify.ParseTopics(req.QueryStringParameters["topics"])
		sessionID := req.QueryStringParameters["session"]

		if connectionID == "" || len(topics) == 0 {
			logger.Warn("rejecting connection without topics",
				zap.String("connection_id", connectionID))
			return events.APIGatewayProxyResponse{StatusCode: http.StatusBadRequest}, nil
		}

		if err := subscriptions.Connect(ctx, connectionID, sessionID, topics); err != nil {
			logger.Error("failed to register connection",
				zap.String("connection_id", connectionID),
				zap.Error(err))
			return events.APIGatewayProxyResponse{StatusCode: http.StatusInternalServerError}, nil
		}
		return events.APIGatewayProxyResponse{StatusCode: http.StatusOK}, nil
	})
}
