package notify

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
)

// ConnectionPrefix keys the reverse lookup for a connection's subscriptions.
// Every subscription record carries GSI1PK = ConnectionPrefix + connection id
// so a disconnect can find all of them without knowing the topics.
const ConnectionPrefix = "Conn:"

// connectionIndex is the GSI that serves the reverse lookup. The connections
// table follows the same index naming convention as the entity table.
const connectionIndex = "GSI1PK-GSI1SK-Index"

// defaultConnectionTTL bounds how long a subscription record survives without
// a reconnect. DynamoDB TTL sweeps records the disconnect handler never saw.
const defaultConnectionTTL = 2 * time.Hour

// SubscriptionsAPI is the slice of the DynamoDB client the subscription
// manager uses against the connections table.
type SubscriptionsAPI interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// Subscriptions manages the lifecycle of websocket subscription records. The
// connect handler registers one record per topic; the disconnect handler
// removes whatever records the connection left behind.
type Subscriptions struct {
	client SubscriptionsAPI
	table  string
	ttl    time.Duration
	logger *zap.Logger
	clock  func() time.Time
}

// NewSubscriptions builds a subscription manager over the given connections
// table. A non-positive ttl falls back to the default window.
func NewSubscriptions(client SubscriptionsAPI, table string, ttl time.Duration, logger *zap.Logger) *Subscriptions {
	if ttl <= 0 {
		ttl = defaultConnectionTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Subscriptions{
		client: client,
		table:  table,
		ttl:    ttl,
		logger: logger,
		clock:  time.Now,
	}
}

// ParseTopics splits a comma separated topic list, trimming whitespace and
// dropping blanks.
func ParseTopics(raw string) []string {
	parts := strings.Split(raw, ",")
	topics := make([]string, 0, len(parts))
	for _, part := range parts {
		if part = strings.TrimSpace(part); part != "" {
			topics = append(topics, part)
		}
	}
	return topics
}

// Connect records a subscription for every topic the connection asked for.
// The session id travels with each record so the relay can avoid echoing a
// change back to the writer that produced it.
func (s *Subscriptions) Connect(ctx context.Context, connectionID, sessionID string, topics []string) error {
	if connectionID == "" {
		return fmt.Errorf("connect: missing connection id")
	}
	cleaned := make([]string, 0, len(topics))
	for _, topic := range topics {
		if topic = strings.TrimSpace(topic); topic != "" {
			cleaned = append(cleaned, topic)
		}
	}
	if len(cleaned) == 0 {
		return fmt.Errorf("connect: no topics requested")
	}

	expireAt := s.clock().Add(s.ttl).Unix()
	for _, topic := range cleaned {
		item := map[string]types.AttributeValue{
			"PK":     &types.AttributeValueMemberS{Value: TopicPrefix + topic},
			"SK":     &types.AttributeValueMemberS{Value: connectionID},
			"GSI1PK": &types.AttributeValueMemberS{Value: ConnectionPrefix + connectionID},
			"GSI1SK": &types.AttributeValueMemberS{Value: TopicPrefix + topic},
			"TTL":    &types.AttributeValueMemberN{Value: strconv.FormatInt(expireAt, 10)},
		}
		if sessionID != "" {
			item["SessionId"] = &types.AttributeValueMemberS{Value: sessionID}
		}
		if _, err := s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(s.table),
			Item:      item,
		}); err != nil {
			return fmt.Errorf("connect: subscribe %q to %q: %w", connectionID, topic, err)
		}
	}

	s.logger.Info("connection subscribed",
		zap.String("connection_id", connectionID),
		zap.Strings("topics", cleaned))
	return nil
}

// Disconnect removes every subscription record the connection holds. Records
// the lookup cannot see are left for the TTL sweep, and individual delete
// failures are logged rather than retried since the connection is already
// gone.
func (s *Subscriptions) Disconnect(ctx context.Context, connectionID string) error {
	if connectionID == "" {
		return fmt.Errorf("disconnect: missing connection id")
	}

	removed := 0
	var startKey map[string]types.AttributeValue
	for {
		out, err := s.client.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(s.table),
			IndexName:              aws.String(connectionIndex),
			KeyConditionExpression: aws.String("GSI1PK = :pk"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk": &types.AttributeValueMemberS{Value: ConnectionPrefix + connectionID},
			},
			ExclusiveStartKey: startKey,
		})
		if err != nil {
			return fmt.Errorf("disconnect: lookup subscriptions for %q: %w", connectionID, err)
		}

		for _, item := range out.Items {
			pk := stringValue(item["PK"])
			sk := stringValue(item["SK"])
			if pk == "" || sk == "" {
				continue
			}
			if _, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName: aws.String(s.table),
				Key: map[string]types.AttributeValue{
					"PK": &types.AttributeValueMemberS{Value: pk},
					"SK": &types.AttributeValueMemberS{Value: sk},
				},
			}); err != nil {
				s.logger.Warn("failed to remove subscription",
					zap.String("connection_id", connectionID),
					zap.String("topic", strings.TrimPrefix(pk, TopicPrefix)),
					zap.Error(err))
				continue
			}
			removed++
		}

		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		startKey = out.LastEvaluatedKey
	}

	s.logger.Info("connection unsubscribed",
		zap.String("connection_id", connectionID),
		zap.Int("removed", removed))
	return nil
}
