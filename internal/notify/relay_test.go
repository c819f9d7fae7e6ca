package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi"
	gatewaytypes "github.com/aws/aws-sdk-go-v2/service/apigatewaymanagementapi/types"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

type fakeConnections struct {
	mu       sync.Mutex
	items    []map[string]types.AttributeValue
	queryErr error
	deleted  []map[string]types.AttributeValue
}

func (f *fakeConnections) Query(_ context.Context, _ *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return &dynamodb.QueryOutput{Items: f.items}, nil
}

func (f *fakeConnections) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, input.Key)
	return &dynamodb.DeleteItemOutput{}, nil
}

type fakeGateway struct {
	mu     sync.Mutex
	posts  map[string][]byte
	errors map[string]error
}

func (f *fakeGateway) PostToConnection(_ context.Context, input *apigatewaymanagementapi.PostToConnectionInput, _ ...func(*apigatewaymanagementapi.Options)) (*apigatewaymanagementapi.PostToConnectionOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := aws.ToString(input.ConnectionId)
	if err, ok := f.errors[id]; ok {
		return nil, err
	}
	if f.posts == nil {
		f.posts = make(map[string][]byte)
	}
	f.posts[id] = input.Data
	return &apigatewaymanagementapi.PostToConnectionOutput{}, nil
}

func subscription(topic, connectionID, sessionID string) map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: TopicPrefix + topic},
		"SK": &types.AttributeValueMemberS{Value: connectionID},
	}
	if sessionID != "" {
		item["SessionId"] = &types.AttributeValueMemberS{Value: sessionID}
	}
	return item
}

func changeDetail(t *testing.T, topic, sessionID string) []byte {
	t.Helper()
	detail, err := json.Marshal(ChangeEvent{
		EntityType: "Order.V2",
		Topic:      topic,
		SessionID:  sessionID,
		Action:     "update",
		UtcTick:    77,
	})
	if err != nil {
		t.Fatalf("marshaling change event: %v", err)
	}
	return detail
}

func TestRelayHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("Should push the event to every subscribed connection", func(t *testing.T) {
		conns := &fakeConnections{items: []map[string]types.AttributeValue{
			subscription("customer/cust-9", "conn-1", "sess-1"),
			subscription("customer/cust-9", "conn-2", "sess-2"),
		}}
		gateway := &fakeGateway{}
		relay := NewRelay(conns, gateway, "relay-connections", nil)

		detail := changeDetail(t, "customer/cust-9", "")
		if err := relay.Handle(ctx, detail); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}

		if len(gateway.posts) != 2 {
			t.Fatalf("Expected 2 deliveries, got %d", len(gateway.posts))
		}
		if string(gateway.posts["conn-1"]) != string(detail) {
			t.Error("Expected the raw detail passed through")
		}
	})

	t.Run("Should skip the session that made the change", func(t *testing.T) {
		conns := &fakeConnections{items: []map[string]types.AttributeValue{
			subscription("customer/cust-9", "conn-1", "sess-1"),
			subscription("customer/cust-9", "conn-2", "sess-2"),
		}}
		gateway := &fakeGateway{}
		relay := NewRelay(conns, gateway, "relay-connections", nil)

		if err := relay.Handle(ctx, changeDetail(t, "customer/cust-9", "sess-1")); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}

		if _, ok := gateway.posts["conn-1"]; ok {
			t.Error("Expected the writer session to be skipped")
		}
		if _, ok := gateway.posts["conn-2"]; !ok {
			t.Error("Expected other sessions to be delivered")
		}
	})

	t.Run("Should drop connections the gateway reports gone", func(t *testing.T) {
		conns := &fakeConnections{items: []map[string]types.AttributeValue{
			subscription("customer/cust-9", "conn-stale", ""),
			subscription("customer/cust-9", "conn-2", ""),
		}}
		gateway := &fakeGateway{errors: map[string]error{
			"conn-stale": &gatewaytypes.GoneException{Message: aws.String("gone")},
		}}
		relay := NewRelay(conns, gateway, "relay-connections", nil)

		if err := relay.Handle(ctx, changeDetail(t, "customer/cust-9", "")); err != nil {
			t.Fatalf("Handle failed: %v", err)
		}

		if len(conns.deleted) != 1 {
			t.Fatalf("Expected 1 dropped subscription, got %d", len(conns.deleted))
		}
		sk, ok := conns.deleted[0]["SK"].(*types.AttributeValueMemberS)
		if !ok || sk.Value != "conn-stale" {
			t.Errorf("Expected the stale connection dropped, got %v", conns.deleted[0])
		}
		if _, ok := gateway.posts["conn-2"]; !ok {
			t.Error("Expected the healthy connection still delivered")
		}
	})

	t.Run("Should keep pushing past individual failures", func(t *testing.T) {
		conns := &fakeConnections{items: []map[string]types.AttributeValue{
			subscription("customer/cust-9", "conn-bad", ""),
			subscription("customer/cust-9", "conn-2", ""),
		}}
		gateway := &fakeGateway{errors: map[string]error{
			"conn-bad": errors.New("connection reset"),
		}}
		relay := NewRelay(conns, gateway, "relay-connections", nil)

		if err := relay.Handle(ctx, changeDetail(t, "customer/cust-9", "")); err != nil {
			t.Errorf("Expected per-connection failures swallowed, got %v", err)
		}
		if _, ok := gateway.posts["conn-2"]; !ok {
			t.Error("Expected the healthy connection still delivered")
		}
		if len(conns.deleted) != 0 {
			t.Errorf("Expected no drops for transient failures, got %d", len(conns.deleted))
		}
	})

	t.Run("Should surface lookup failures for retry", func(t *testing.T) {
		conns := &fakeConnections{queryErr: errors.New("throttled")}
		relay := NewRelay(conns, &fakeGateway{}, "relay-connections", nil)

		if err := relay.Handle(ctx, changeDetail(t, "customer/cust-9", "")); err == nil {
			t.Error("Expected the lookup failure to surface")
		}
	})

	t.Run("Should reject an unreadable event", func(t *testing.T) {
		relay := NewRelay(&fakeConnections{}, &fakeGateway{}, "relay-connections", nil)

		if err := relay.Handle(ctx, []byte("{not json")); err == nil {
			t.Error("Expected an error for malformed detail")
		}
	})

	t.Run("Should ignore events without a topic", func(t *testing.T) {
		conns := &fakeConnections{}
		relay := NewRelay(conns, &fakeGateway{}, "relay-connections", nil)

		if err := relay.Handle(ctx, changeDetail(t, "", "")); err != nil {
			t.Errorf("Expected topicless events dropped silently, got %v", err)
		}
	})
}
