// Package customer holds the customer aggregate and its wide-table binding.
package customer

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"relay-backend/internal/store"
)

// TypeName tags every stored customer payload.
const TypeName = "Customer.V1"

// PKPrefix is the conventional partition for customers.
const PKPrefix = "Customer:"

// Customer account states.
const (
	StatusActive    = "active"
	StatusSuspended = "suspended"
	StatusClosed    = "closed"
)

// Customer is an account that places orders. Ticks are store-owned, same
// as on Order.
type Customer struct {
	ID     string `json:"id"`
	Email  string `json:"email"`
	Name   string `json:"name"`
	Region string `json:"region"`
	Status string `json:"status"`

	Created int64 `json:"create_utc_tick"`
	Updated int64 `json:"update_utc_tick"`
}

// NewCustomer builds an active customer. Emails are lowercased so the
// email index has one spelling per address.
func NewCustomer(email, name, region string) (*Customer, error) {
	c := &Customer{
		ID:     uuid.New().String(),
		Email:  strings.ToLower(strings.TrimSpace(email)),
		Name:   strings.TrimSpace(name),
		Region: region,
		Status: StatusActive,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the customer invariants.
func (c *Customer) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("customer requires an id")
	}
	if c.Email == "" || !strings.Contains(c.Email, "@") {
		return fmt.Errorf("customer %s requires a valid email", c.ID)
	}
	if c.Name == "" {
		return fmt.Errorf("customer %s requires a name", c.ID)
	}
	switch c.Status {
	case StatusActive, StatusSuspended, StatusClosed:
	default:
		return fmt.Errorf("customer %s has unknown status %q", c.ID, c.Status)
	}
	return nil
}

// Suspend blocks an active account.
func (c *Customer) Suspend() error {
	if c.Status != StatusActive {
		return fmt.Errorf("cannot suspend customer %s in status %s", c.ID, c.Status)
	}
	c.Status = StatusSuspended
	return nil
}

// Reactivate restores a suspended account.
func (c *Customer) Reactivate() error {
	if c.Status != StatusSuspended {
		return fmt.Errorf("cannot reactivate customer %s in status %s", c.ID, c.Status)
	}
	c.Status = StatusActive
	return nil
}

// Close ends the account for good.
func (c *Customer) Close() error {
	if c.Status == StatusClosed {
		return fmt.Errorf("customer %s is already closed", c.ID)
	}
	c.Status = StatusClosed
	return nil
}

// Entity accessors used by the store.

func (c *Customer) EntityID() string         { return c.ID }
func (c *Customer) CreateUtcTick() int64     { return c.Created }
func (c *Customer) SetCreateUtcTick(t int64) { c.Created = t }
func (c *Customer) UpdateUtcTick() int64     { return c.Updated }
func (c *Customer) SetUpdateUtcTick(t int64) { c.Updated = t }

// Binding maps customers onto the wide table. The email lands on SK1 for
// lookup by address; the account state is a filterable projection.
func Binding() store.Binding[*Customer] {
	return store.Binding[*Customer]{
		TypeName: TypeName,
		PKPrefix: PKPrefix,
		New:      func() *Customer { return &Customer{} },
		Keys: func(c *Customer) store.KeyProjection {
			proj := store.KeyProjection{
				SK1:    c.Email,
				Status: c.Status,
			}
			if c.Region != "" {
				proj.GSI1PK = "Region:" + c.Region
				proj.GSI1SK = c.ID
			}
			return proj
		},
		Topics: func(c *Customer) []string {
			return []string{"customer/" + c.ID}
		},
	}
}
