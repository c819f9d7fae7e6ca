package store

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "relay-backend/internal/errors"
)

// Op names a key-condition comparison.
type Op string

const (
	OpEqual          Op = "eq"
	OpBeginsWith     Op = "begins_with"
	OpLess           Op = "lt"
	OpLessOrEqual    Op = "le"
	OpGreater        Op = "gt"
	OpGreaterOrEqual Op = "ge"
	OpBetween        Op = "between"
)

// queryFields are the sort-key attributes a query may target. SK queries the
// base table; SK1..SK5 map to the local indexes by the PK-{field}-Index
// convention; GSI1SK targets the global index, keyed on GSI1PK.
var queryFields = map[string]bool{
	attrSK:     true,
	attrSK1:    true,
	attrSK2:    true,
	attrSK3:    true,
	attrSK4:    true,
	attrSK5:    true,
	attrGSI1SK: true,
}

// Query is a declarative index-qualified predicate: a partition key, a sort
// field, a comparison and its value(s). An empty Op matches the whole
// partition ordered by Field (the base sort key when Field is empty too),
// with no lower bound on where sort values may start. It performs no I/O;
// Descriptor compiles it for the backend.
type Query struct {
	PK     string
	Field  string
	Op     Op
	Values []string
}

// All matches every record in the partition, ordered by field; an empty
// field orders by the base sort key.
func All(pk, field string) Query {
	return Query{PK: pk, Field: field}
}

// Equals matches records whose sort field equals value.
func Equals(pk, field, value string) Query {
	return Query{PK: pk, Field: field, Op: OpEqual, Values: []string{value}}
}

// BeginsWith matches records whose sort field starts with prefix.
func BeginsWith(pk, field, prefix string) Query {
	return Query{PK: pk, Field: field, Op: OpBeginsWith, Values: []string{prefix}}
}

// LessThan matches records whose sort field sorts strictly before value.
func LessThan(pk, field, value string) Query {
	return Query{PK: pk, Field: field, Op: OpLess, Values: []string{value}}
}

// LessThanOrEqual matches records whose sort field sorts at or before value.
func LessThanOrEqual(pk, field, value string) Query {
	return Query{PK: pk, Field: field, Op: OpLessOrEqual, Values: []string{value}}
}

// GreaterThan matches records whose sort field sorts strictly after value.
func GreaterThan(pk, field, value string) Query {
	return Query{PK: pk, Field: field, Op: OpGreater, Values: []string{value}}
}

// GreaterThanOrEqual matches records whose sort field sorts at or after value.
func GreaterThanOrEqual(pk, field, value string) Query {
	return Query{PK: pk, Field: field, Op: OpGreaterOrEqual, Values: []string{value}}
}

// Between matches records whose sort field sorts within [lo, hi] inclusive.
func Between(pk, field, lo, hi string) Query {
	return Query{PK: pk, Field: field, Op: OpBetween, Values: []string{lo, hi}}
}

// Validate checks the query shape before compilation.
func (q Query) Validate() error {
	if q.PK == "" {
		return apperrors.NewBadKey("list", "query requires a partition key")
	}
	if q.Op == "" {
		if q.Field != "" && !queryFields[q.Field] {
			return apperrors.NewBadRequest("list", fmt.Sprintf("unknown query field %q", q.Field))
		}
		if len(q.Values) != 0 {
			return apperrors.NewBadRequest("list", "a query without an operator takes no values")
		}
		return nil
	}
	if !queryFields[q.Field] {
		return apperrors.NewBadRequest("list", fmt.Sprintf("unknown query field %q", q.Field))
	}
	want := 1
	if q.Op == OpBetween {
		want = 2
	}
	if len(q.Values) != want {
		return apperrors.NewBadRequest("list",
			fmt.Sprintf("%s on %s takes %d value(s), got %d", q.Op, q.Field, want, len(q.Values)))
	}
	for _, v := range q.Values {
		if v == "" {
			return apperrors.NewBadRequest("list", fmt.Sprintf("%s on %s has an empty value", q.Op, q.Field))
		}
	}
	return nil
}

// IndexName resolves the index for the queried field: empty for the base
// table, PK-{field}-Index for the local secondaries, GSI1PK-GSI1SK-Index for
// the global index.
func (q Query) IndexName() string {
	switch q.Field {
	case "", attrSK:
		return ""
	case attrGSI1SK:
		return fmt.Sprintf("%s-%s-Index", attrGSI1PK, attrGSI1SK)
	default:
		return fmt.Sprintf("%s-%s-Index", attrPK, q.Field)
	}
}

// partitionField is the partition attribute the key condition binds: PK for
// the base table and local indexes, GSI1PK for the global index.
func (q Query) partitionField() string {
	if q.Field == attrGSI1SK {
		return attrGSI1PK
	}
	return attrPK
}

// Descriptor is the compiled, backend-ready form of a query.
type Descriptor struct {
	Table                     string
	IndexName                 string
	KeyConditionExpression    string
	FilterExpression          string
	ProjectionExpression      string
	ExpressionAttributeNames  map[string]string
	ExpressionAttributeValues map[string]types.AttributeValue
}

// Descriptor compiles the query against a table. When filterDeleted is set,
// the descriptor additionally constrains IsDeleted = false so soft-deleted
// records stay invisible.
func (q Query) Descriptor(table string, filterDeleted bool) (*Descriptor, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	if table == "" {
		return nil, apperrors.NewBadKey("list", "query requires a table")
	}

	keyCond := expression.Key(q.partitionField()).Equal(expression.Value(q.PK))
	if q.Op != "" {
		sortKey := expression.Key(q.Field)

		var sortCond expression.KeyConditionBuilder
		switch q.Op {
		case OpEqual:
			sortCond = sortKey.Equal(expression.Value(q.Values[0]))
		case OpBeginsWith:
			sortCond = sortKey.BeginsWith(q.Values[0])
		case OpLess:
			sortCond = sortKey.LessThan(expression.Value(q.Values[0]))
		case OpLessOrEqual:
			sortCond = sortKey.LessThanEqual(expression.Value(q.Values[0]))
		case OpGreater:
			sortCond = sortKey.GreaterThan(expression.Value(q.Values[0]))
		case OpGreaterOrEqual:
			sortCond = sortKey.GreaterThanEqual(expression.Value(q.Values[0]))
		case OpBetween:
			sortCond = sortKey.Between(expression.Value(q.Values[0]), expression.Value(q.Values[1]))
		default:
			return nil, apperrors.NewBadRequest("list", fmt.Sprintf("unknown operator %q", q.Op))
		}
		keyCond = keyCond.And(sortCond)
	}

	names := make([]expression.NameBuilder, 0, len(systemAttributes))
	for _, attr := range systemAttributes {
		names = append(names, expression.Name(attr))
	}
	builder := expression.NewBuilder().
		WithKeyCondition(keyCond).
		WithProjection(expression.ProjectionBuilder{}.AddNames(names...))

	if filterDeleted {
		builder = builder.WithFilter(expression.Name(attrIsDeleted).Equal(expression.Value(false)))
	}

	expr, err := builder.Build()
	if err != nil {
		return nil, apperrors.NewInternal("list", "building query expression", err)
	}

	desc := &Descriptor{
		Table:                     table,
		IndexName:                 q.IndexName(),
		KeyConditionExpression:    deref(expr.KeyCondition()),
		ProjectionExpression:      deref(expr.Projection()),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}
	if filterDeleted {
		desc.FilterExpression = deref(expr.Filter())
	}
	return desc, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
