package notify

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	gatewaytypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// TopicPrefix keys connection subscriptions in the connections table. A
// subscription record is PK = TopicPrefix + topic, SK = connection id, with
// a SessionId attribute naming the subscriber's session.
const TopicPrefix = "Topic:"

// ConnectionsAPI is the slice of the DynamoDB client the relay uses against
// the connections table.
type ConnectionsAPI interface {
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// GatewayAPI is the slice of the API Gateway management client the relay
// pushes through.
type GatewayAPI interface {
	PostToConnection(ctx context.Context, params *apigatewaymanagementapi.PostToConnectionInput, optFns ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error)
}

// Relay fans a change event out to every websocket connection subscribed to
// its topic, skipping the session that made the change and dropping
// connections the gateway reports gone.
type Relay struct {
	connections ConnectionsAPI
	gateway     GatewayAPI
	table       string
	logger      *zap.Logger
}

// NewRelay builds a relay over the connections table.
func NewRelay(connections ConnectionsAPI, gateway GatewayAPI, table string, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{connections: connections, gateway: gateway, table: table, logger: logger}
}

// Handle relays one change event given its raw detail document. Per
// connection push failures are logged and skipped; only an unreadable event
// or a failed connection lookup is returned, so the invoker retries those.
func (r *Relay) Handle(ctx context.Context, detail []byte) error {
	var change ChangeEvent
	if err := json.Unmarshal(detail, &change); err != nil {
		r.logger.Error("unparseable change event", zap.Error(err))
		return err
	}
	if change.Topic == "" {
		r.logger.Warn("change event without topic", zap.String("entityType", change.EntityType))
		return nil
	}

	result, err := r.connections.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(r.table),
		KeyConditionExpression: aws.String("PK = :pk"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": &types.AttributeValueMemberS{Value: TopicPrefix + change.Topic},
		},
	})
	if err != nil {
		r.logger.Error("querying topic connections failed",
			zap.Error(err),
			zap.String("topic", change.Topic),
		)
		return err
	}

	delivered := 0
	for _, item := range result.Items {
		connectionID := stringValue(item["SK"])
		if connectionID == "" {
			continue
		}
		if session := stringValue(item["SessionId"]); session != "" && session == change.SessionID {
			// The session that made the change already has it.
			continue
		}

		_, err := r.gateway.PostToConnection(ctx, &apigatewaymanagementapi.PostToConnectionInput{
			ConnectionId: aws.String(connectionID),
			Data:         detail,
		})
		if err != nil {
			var gone *gatewaytypes.GoneException
			if errors.As(err, &gone) {
				r.drop(ctx, item)
				continue
			}
			r.logger.Error("push failed",
				zap.Error(err),
				zap.String("connection", connectionID),
				zap.String("topic", change.Topic),
			)
			continue
		}
		delivered++
	}

	r.logger.Debug("change event relayed",
		zap.String("topic", change.Topic),
		zap.String("action", change.Action),
		zap.Int("subscriptions", len(result.Items)),
		zap.Int("delivered", delivered),
	)
	return nil
}

func (r *Relay) drop(ctx context.Context, item map[string]types.AttributeValue) {
	connectionID := stringValue(item["SK"])
	r.logger.Info("dropping stale connection", zap.String("connection", connectionID))

	if _, err := r.connections.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(r.table),
		Key: map[string]types.AttributeValue{
			"PK": item["PK"],
			"SK": item["SK"],
		},
	}); err != nil {
		r.logger.Warn("failed to drop stale connection",
			zap.Error(err),
			zap.String("connection", connectionID),
		)
	}
}

func stringValue(attr types.AttributeValue) string {
	if s, ok := attr.(*types.AttributeValueMemberS); ok {
		return s.Value
	}
	return ""
}
