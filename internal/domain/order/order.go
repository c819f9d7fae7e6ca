// Package order holds the order aggregate and its wide-table binding.
package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relay-backend/internal/store"
)

// TypeName tags every stored order payload. Bump the version when the JSON
// shape changes and register a transform for the old tag.
const TypeName = "Order.V2"

// PKPrefix is the conventional partition for orders.
const PKPrefix = "Order:"

// Order lifecycle states.
const (
	StatusPending   = "pending"
	StatusPaid      = "paid"
	StatusShipped   = "shipped"
	StatusCancelled = "cancelled"
)

// cancelledRetention keeps cancelled orders queryable for a while before
// the table expires them.
const cancelledRetention = 90 * 24 * time.Hour

// Line is one priced position on an order.
type Line struct {
	SKU       string `json:"sku"`
	Quantity  int    `json:"quantity"`
	UnitCents int64  `json:"unit_cents"`
}

// Order is a customer purchase. The tick fields are owned by the store:
// CreateUtcTick is the immutable creation stamp, UpdateUtcTick the
// concurrency token a writer must present to modify the record.
type Order struct {
	ID         string `json:"id"`
	CustomerID string `json:"customer_id"`
	Region     string `json:"region"`
	Status     string `json:"status"`
	PlacedDay  string `json:"placed_day"`
	TotalCents int64  `json:"total_cents"`
	Lines      []Line `json:"lines,omitempty"`

	Created int64 `json:"create_utc_tick"`
	Updated int64 `json:"update_utc_tick"`
}

// NewOrder builds a pending order for a customer. The placement day is
// stamped in UTC so day-range queries are stable across timezones.
func NewOrder(customerID, region string, lines []Line) (*Order, error) {
	o := &Order{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Region:     region,
		Status:     StatusPending,
		PlacedDay:  time.Now().UTC().Format("2006-01-02"),
		Lines:      lines,
	}
	o.TotalCents = o.Total()

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Total sums the line amounts.
func (o *Order) Total() int64 {
	var total int64
	for _, line := range o.Lines {
		total += line.UnitCents * int64(line.Quantity)
	}
	return total
}

// Validate checks the order invariants.
func (o *Order) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("order requires an id")
	}
	if o.CustomerID == "" {
		return fmt.Errorf("order %s requires a customer", o.ID)
	}
	if len(o.Lines) == 0 {
		return fmt.Errorf("order %s requires at least one line", o.ID)
	}
	for i, line := range o.Lines {
		if line.SKU == "" {
			return fmt.Errorf("order %s line %d requires a sku", o.ID, i)
		}
		if line.Quantity <= 0 {
			return fmt.Errorf("order %s line %d requires a positive quantity", o.ID, i)
		}
		if line.UnitCents < 0 {
			return fmt.Errorf("order %s line %d has a negative unit price", o.ID, i)
		}
	}
	switch o.Status {
	case StatusPending, StatusPaid, StatusShipped, StatusCancelled:
	default:
		return fmt.Errorf("order %s has unknown status %q", o.ID, o.Status)
	}
	return nil
}

// Pay moves a pending order to paid.
func (o *Order) Pay() error {
	if o.Status != StatusPending {
		return fmt.Errorf("cannot pay order %s in status %s", o.ID, o.Status)
	}
	o.Status = StatusPaid
	return nil
}

// Ship moves a paid order to shipped.
func (o *Order) Ship() error {
	if o.Status != StatusPaid {
		return fmt.Errorf("cannot ship order %s in status %s", o.ID, o.Status)
	}
	o.Status = StatusShipped
	return nil
}

// Cancel ends an order that has not shipped yet.
func (o *Order) Cancel() error {
	if o.Status == StatusShipped {
		return fmt.Errorf("cannot cancel order %s after shipment", o.ID)
	}
	o.Status = StatusCancelled
	return nil
}

// Entity accessors used by the store.

func (o *Order) EntityID() string         { return o.ID }
func (o *Order) CreateUtcTick() int64     { return o.Created }
func (o *Order) SetCreateUtcTick(t int64) { o.Created = t }
func (o *Order) UpdateUtcTick() int64     { return o.Updated }
func (o *Order) SetUpdateUtcTick(t int64) { o.Updated = t }

// Binding maps orders onto the wide table. Orders index by placement day
// (SK1) and customer (SK2), carry the lifecycle status as a filterable
// projection, and land on the region GSI when a region is set.
func Binding() store.Binding[*Order] {
	return store.Binding[*Order]{
		TypeName: TypeName,
		PKPrefix: PKPrefix,
		New:      func() *Order { return &Order{} },
		Keys: func(o *Order) store.KeyProjection {
			proj := store.KeyProjection{
				SK1:    o.PlacedDay,
				SK2:    o.CustomerID,
				Status: o.Status,
			}
			if o.Region != "" {
				proj.GSI1PK = "Region:" + o.Region
				proj.GSI1SK = o.ID
			}
			return proj
		},
		Topics: func(o *Order) []string {
			topics := []string{"customer/" + o.CustomerID}
			if o.Region != "" {
				topics = append(topics, "region/"+o.Region)
			}
			return topics
		},
		Augment: func(ctx context.Context, o *Order, env *store.Envelope) error {
			if o.Status == StatusCancelled && env.TTL == 0 {
				env.TTL = time.Now().Add(cancelledRetention).Unix()
			}
			return nil
		},
		Transforms: map[string]store.Transform{
			"Order.V1": upgradeV1,
		},
	}
}

// upgradeV1 rewrites first-generation payloads: "customer" became
// "customer_id" and "total" became "total_cents".
func upgradeV1(data []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, fmt.Errorf("decoding Order.V1 payload: %w", err)
	}

	if v, ok := fields["customer"]; ok {
		fields["customer_id"] = v
		delete(fields, "customer")
	}
	if v, ok := fields["total"]; ok {
		fields["total_cents"] = v
		delete(fields, "total")
	}

	return json.Marshal(fields)
}
