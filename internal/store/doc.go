// Package store implements the Relay entity store: a generic CRUDL
// repository over a single wide DynamoDB table.
//
// The package is organized around a few cooperating pieces:
//   - Binding: describes how one entity type maps onto the table (schema
//     tag, partition-key prefix, secondary key projection, topics, payload
//     codec).
//   - Envelope: the flattened record form, with the system attributes and
//     the sparse secondary-index columns.
//   - Query: declarative index-qualified query descriptors, compiled with
//     the AWS expression builder. No I/O.
//   - Cache: a bounded, time-windowed, concurrency-safe read-through cache
//     of envelopes.
//   - Repository: the orchestrator, wiring seal/open, optimistic
//     concurrency, soft delete, size-capped listing, and notification
//     dispatch together.
//
// The DynamoDB client is consumed through the narrow API interface so tests
// run against an in-memory fake and resilience decorators compose cleanly.
package store
