package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// fakeStore is an in-memory stand-in for the backend table. It honors the
// two conditional-write shapes the repository issues, evaluates compiled
// query expressions against stored items, and paginates with
// LastEvaluatedKey when pageSize is set.
type fakeStore struct {
	mu       sync.Mutex
	items    map[string]map[string]types.AttributeValue
	order    []string
	pageSize int

	failWith error

	puts    int
	gets    int
	updates int
	deletes int
	queries int
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: make(map[string]map[string]types.AttributeValue)}
}

func itemKey(pk, sk string) string { return pk + "\x00" + sk }

func attrString(item map[string]types.AttributeValue, name string) string {
	switch v := item[name].(type) {
	case *types.AttributeValueMemberS:
		return v.Value
	case *types.AttributeValueMemberN:
		return v.Value
	default:
		return ""
	}
}

func attrEqual(a, b types.AttributeValue) bool {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		return ok && av.Value == bv.Value
	case *types.AttributeValueMemberBOOL:
		bv, ok := b.(*types.AttributeValueMemberBOOL)
		return ok && av.Value == bv.Value
	default:
		return false
	}
}

func copyItem(item map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(item))
	for k, v := range item {
		out[k] = v
	}
	return out
}

// seed stores an envelope directly, bypassing the repository.
func (f *fakeStore) seed(env *Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.store(env.Item())
}

func (f *fakeStore) store(item map[string]types.AttributeValue) {
	key := itemKey(attrString(item, "PK"), attrString(item, "SK"))
	if _, ok := f.items[key]; !ok {
		f.order = append(f.order, key)
	}
	f.items[key] = copyItem(item)
}

func (f *fakeStore) get(pk, sk string) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	item, ok := f.items[itemKey(pk, sk)]
	if !ok {
		return nil
	}
	return copyItem(item)
}

func (f *fakeStore) callCounts() (puts, gets, updates, deletes, queries int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.puts, f.gets, f.updates, f.deletes, f.queries
}

func (f *fakeStore) takeFailure() error {
	err := f.failWith
	f.failWith = nil
	return err
}

// substituteNames replaces #alias placeholders with their attribute names,
// longest alias first so #1 never clobbers part of #10.
func substituteNames(expr string, names map[string]string) string {
	aliases := make([]string, 0, len(names))
	for alias := range names {
		aliases = append(aliases, alias)
	}
	sort.Slice(aliases, func(i, j int) bool { return len(aliases[i]) > len(aliases[j]) })
	for _, alias := range aliases {
		expr = strings.ReplaceAll(expr, alias, names[alias])
	}
	return expr
}

// checkCondition evaluates the condition shapes the repository writes: the
// create guard, an existence guard, a single-attribute equality, and the
// existence-and-equality conjunction.
func checkCondition(cond string, names map[string]string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) error {
	if cond == "" {
		return nil
	}
	cond = substituteNames(cond, names)
	if cond == createCondition {
		if existing != nil {
			return conflictErr()
		}
		return nil
	}

	cond = strings.ReplaceAll(cond, "attribute_exists (", "attribute_exists(")
	if left, right, ok := strings.Cut(cond, ") AND ("); ok {
		if err := checkGuard(strings.TrimPrefix(left, "("), values, existing); err != nil {
			return err
		}
		return checkGuard(strings.TrimSuffix(right, ")"), values, existing)
	}
	return checkGuard(cond, values, existing)
}

// checkGuard evaluates one conjunct: attribute_exists(ATTR) or ATTR = :alias.
func checkGuard(pred string, values map[string]types.AttributeValue, existing map[string]types.AttributeValue) error {
	if existing == nil {
		return conflictErr()
	}
	if strings.HasPrefix(pred, "attribute_exists(") {
		return nil
	}
	attr, alias, ok := strings.Cut(pred, " = ")
	if !ok {
		return fmt.Errorf("fake store: unsupported condition %q", pred)
	}
	if !attrEqual(existing[attr], values[alias]) {
		return conflictErr()
	}
	return nil
}

func (f *fakeStore) PutItem(_ context.Context, input *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.puts++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	pk := attrString(input.Item, "PK")
	sk := attrString(input.Item, "SK")
	existing := f.items[itemKey(pk, sk)]

	if err := checkCondition(aws.ToString(input.ConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, existing); err != nil {
		return nil, err
	}
	f.store(input.Item)
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeStore) GetItem(_ context.Context, input *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	item, ok := f.items[itemKey(attrString(input.Key, "PK"), attrString(input.Key, "SK"))]
	if !ok {
		return &dynamodb.GetItemOutput{}, nil
	}
	return &dynamodb.GetItemOutput{Item: copyItem(item)}, nil
}

func (f *fakeStore) UpdateItem(_ context.Context, input *dynamodb.UpdateItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	pk := attrString(input.Key, "PK")
	sk := attrString(input.Key, "SK")
	existing := f.items[itemKey(pk, sk)]

	if err := checkCondition(aws.ToString(input.ConditionExpression), input.ExpressionAttributeNames, input.ExpressionAttributeValues, existing); err != nil {
		return nil, err
	}

	item := existing
	if item == nil {
		item = copyItem(input.Key)
	} else {
		item = copyItem(item)
	}

	expr := substituteNames(aws.ToString(input.UpdateExpression), input.ExpressionAttributeNames)
	expr = strings.TrimPrefix(expr, "SET ")
	for _, clause := range strings.Split(expr, ", ") {
		attr, alias, ok := strings.Cut(clause, " = ")
		if !ok {
			return nil, fmt.Errorf("fake store: unsupported update clause %q", clause)
		}
		item[strings.TrimSpace(attr)] = input.ExpressionAttributeValues[strings.TrimSpace(alias)]
	}
	f.store(item)
	return &dynamodb.UpdateItemOutput{}, nil
}

func (f *fakeStore) DeleteItem(_ context.Context, input *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	key := itemKey(attrString(input.Key, "PK"), attrString(input.Key, "SK"))
	delete(f.items, key)
	for i, k := range f.order {
		if k == key {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

// evalPredicate evaluates one comparison against an item. Equality compares
// raw attribute values; the ordered operators compare string values the way
// the backend orders keys.
func evalPredicate(pred string, item map[string]types.AttributeValue, values map[string]types.AttributeValue) (bool, error) {
	pred = strings.ReplaceAll(pred, "begins_with (", "begins_with(")

	if strings.HasPrefix(pred, "begins_with(") {
		inner := strings.TrimSuffix(strings.TrimPrefix(pred, "begins_with("), ")")
		attr, alias, ok := strings.Cut(inner, ", ")
		if !ok {
			return false, fmt.Errorf("fake store: unsupported begins_with %q", pred)
		}
		prefix := attrString(values, strings.TrimSpace(alias))
		return strings.HasPrefix(attrString(item, strings.TrimSpace(attr)), prefix), nil
	}

	if attr, rest, ok := strings.Cut(pred, " BETWEEN "); ok {
		loAlias, hiAlias, ok := strings.Cut(rest, " AND ")
		if !ok {
			return false, fmt.Errorf("fake store: unsupported between %q", pred)
		}
		v := attrString(item, strings.TrimSpace(attr))
		return v >= attrString(values, strings.TrimSpace(loAlias)) &&
			v <= attrString(values, strings.TrimSpace(hiAlias)), nil
	}

	for _, op := range []string{" <= ", " >= ", " < ", " > ", " = "} {
		attr, alias, ok := strings.Cut(pred, op)
		if !ok {
			continue
		}
		attr, alias = strings.TrimSpace(attr), strings.TrimSpace(alias)
		if op == " = " {
			return attrEqual(item[attr], values[alias]), nil
		}
		v, w := attrString(item, attr), attrString(values, alias)
		switch op {
		case " <= ":
			return v <= w, nil
		case " >= ":
			return v >= w, nil
		case " < ":
			return v < w, nil
		case " > ":
			return v > w, nil
		}
	}
	return false, fmt.Errorf("fake store: unsupported predicate %q", pred)
}

// splitKeyCondition breaks "(partition) AND (sort)" into its two predicates.
func splitKeyCondition(cond string) (string, string) {
	if left, right, ok := strings.Cut(cond, ") AND ("); ok {
		return strings.TrimPrefix(left, "("), strings.TrimSuffix(right, ")")
	}
	return cond, ""
}

// sortAttrOf extracts the attribute a sort predicate targets.
func sortAttrOf(pred string) string {
	pred = strings.ReplaceAll(pred, "begins_with (", "begins_with(")
	if strings.HasPrefix(pred, "begins_with(") {
		inner := strings.TrimPrefix(pred, "begins_with(")
		attr, _, _ := strings.Cut(inner, ",")
		return strings.TrimSpace(attr)
	}
	attr, _, _ := strings.Cut(pred, " ")
	return strings.TrimSpace(attr)
}

// indexSortAttr maps an index name to the attribute it orders by; the base
// table orders by SK.
func indexSortAttr(index string) string {
	if parts := strings.Split(index, "-"); len(parts) == 3 && parts[2] == "Index" {
		return parts[1]
	}
	return "SK"
}

func (f *fakeStore) Query(_ context.Context, input *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries++
	if err := f.takeFailure(); err != nil {
		return nil, err
	}

	cond := substituteNames(aws.ToString(input.KeyConditionExpression), input.ExpressionAttributeNames)
	partPred, sortPred := splitKeyCondition(cond)
	filter := ""
	if input.FilterExpression != nil {
		filter = substituteNames(aws.ToString(input.FilterExpression), input.ExpressionAttributeNames)
	}

	// Items come back ordered by the queried index's sort attribute whether
	// or not a sort predicate narrows them.
	sortAttr := sortAttrOf(sortPred)
	if sortAttr == "" {
		sortAttr = indexSortAttr(aws.ToString(input.IndexName))
	}

	var matched []map[string]types.AttributeValue
	for _, key := range f.order {
		item := f.items[key]
		ok, err := evalPredicate(partPred, item, input.ExpressionAttributeValues)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		// An item absent from a sparse index never matches its queries.
		if sortAttr != "SK" && attrString(item, sortAttr) == "" {
			continue
		}
		if sortPred != "" {
			ok, err = evalPredicate(sortPred, item, input.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		if filter != "" {
			ok, err = evalPredicate(filter, item, input.ExpressionAttributeValues)
			if err != nil {
				return nil, err
			}
			if !ok {
				continue
			}
		}
		matched = append(matched, copyItem(item))
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return attrString(matched[i], sortAttr) < attrString(matched[j], sortAttr)
	})

	if input.ExclusiveStartKey != nil {
		startPK := attrString(input.ExclusiveStartKey, "PK")
		startSK := attrString(input.ExclusiveStartKey, "SK")
		for i, item := range matched {
			if attrString(item, "PK") == startPK && attrString(item, "SK") == startSK {
				matched = matched[i+1:]
				break
			}
		}
	}

	out := &dynamodb.QueryOutput{}
	if f.pageSize > 0 && len(matched) > f.pageSize {
		out.Items = matched[:f.pageSize]
		last := out.Items[len(out.Items)-1]
		out.LastEvaluatedKey = map[string]types.AttributeValue{
			"PK": last["PK"],
			"SK": last["SK"],
		}
	} else {
		out.Items = matched
	}
	out.Count = int32(len(out.Items))
	return out, nil
}
