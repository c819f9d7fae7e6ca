package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "relay-backend/internal/errors"
)

// System attribute names of the wide-table record layout.
const (
	attrPK            = "PK"
	attrSK            = "SK"
	attrSK1           = "SK1"
	attrSK2           = "SK2"
	attrSK3           = "SK3"
	attrSK4           = "SK4"
	attrSK5           = "SK5"
	attrGSI1PK        = "GSI1PK"
	attrGSI1SK        = "GSI1SK"
	attrStatus        = "Status"
	attrGeneral       = "General"
	attrTypeName      = "TypeName"
	attrCreateUtcTick = "CreateUtcTick"
	attrUpdateUtcTick = "UpdateUtcTick"
	attrIsDeleted     = "IsDeleted"
	attrSessionID     = "SessionId"
	attrTTL           = "TTL"
	attrData          = "Data"
)

// systemAttributes is the full projection for queries; every read returns
// the complete record layout.
var systemAttributes = []string{
	attrPK, attrSK,
	attrSK1, attrSK2, attrSK3, attrSK4, attrSK5,
	attrGSI1PK, attrGSI1SK,
	attrStatus, attrGeneral,
	attrTypeName,
	attrCreateUtcTick, attrUpdateUtcTick,
	attrIsDeleted, attrSessionID, attrTTL, attrData,
}

// Entity is the contract every stored type implements. The tick accessors
// replace any by-name field lookup: CreateUtcTick/UpdateUtcTick are the
// audit and optimistic-concurrency tokens and the store owns their values.
type Entity interface {
	EntityID() string
	CreateUtcTick() int64
	SetCreateUtcTick(int64)
	UpdateUtcTick() int64
	SetUpdateUtcTick(int64)
}

// KeyProjection carries the secondary-key source values for one entity.
// An empty string means the record does not participate in that index.
type KeyProjection struct {
	SK1    string
	SK2    string
	SK3    string
	SK4    string
	SK5    string
	GSI1PK string
	GSI1SK string

	// Status and General are free-form projection attributes, filterable
	// without opening the payload.
	Status  string
	General string
}

// Transform upgrades a payload written under an older schema tag to the
// current shape before decoding.
type Transform func([]byte) ([]byte, error)

// Binding describes how one entity type maps onto the wide table.
// TypeName, PKPrefix and New are required; everything else has a usable
// zero value.
type Binding[T Entity] struct {
	// TypeName is the schema name+version tag written on every record,
	// e.g. "Order.V2". It selects the payload transform on load.
	TypeName string

	// PKPrefix is the conventional partition key for the type, e.g. "Order:".
	// Callers may override it per operation.
	PKPrefix string

	// New constructs an empty entity for decoding.
	New func() T

	// Keys projects the secondary-key sources out of an entity. Nil means
	// the type uses no secondary indexes.
	Keys func(T) KeyProjection

	// Topics resolves the notification routing tags for an entity. Nil
	// means mutations carry no topics.
	Topics func(T) []string

	// Augment runs after the system attributes are assigned and before the
	// payload is attached, so it can adjust projection attributes or the
	// TTL based on the final entity state.
	Augment func(ctx context.Context, entity T, env *Envelope) error

	// Transforms maps stored TypeName tags to payload upgrades. The
	// current TypeName never needs an entry.
	Transforms map[string]Transform

	// Marshal and Unmarshal override the payload codec. JSON by default.
	Marshal   func(T) ([]byte, error)
	Unmarshal func([]byte, T) error
}

func (b Binding[T]) validate() error {
	if b.TypeName == "" {
		return fmt.Errorf("binding requires a TypeName")
	}
	if b.PKPrefix == "" {
		return fmt.Errorf("binding %s requires a PKPrefix", b.TypeName)
	}
	if b.New == nil {
		return fmt.Errorf("binding %s requires a New constructor", b.TypeName)
	}
	return nil
}

func (b Binding[T]) marshal(entity T) ([]byte, error) {
	if b.Marshal != nil {
		return b.Marshal(entity)
	}
	return json.Marshal(entity)
}

func (b Binding[T]) unmarshal(data []byte, entity T) error {
	if b.Unmarshal != nil {
		return b.Unmarshal(data, entity)
	}
	return json.Unmarshal(data, entity)
}

// Envelope is the flattened storage representation of an entity. It is
// constructed transiently per operation; only its item form persists.
type Envelope struct {
	PK     string
	SK     string
	SK1    string
	SK2    string
	SK3    string
	SK4    string
	SK5    string
	GSI1PK string
	GSI1SK string

	Status  string
	General string

	TypeName      string
	CreateUtcTick int64
	UpdateUtcTick int64
	IsDeleted     bool
	SessionID     string

	// TTL is the epoch-seconds expiry; zero means no TTL attribute.
	TTL int64

	// Data is the serialized payload, attached immediately before a write.
	Data []byte

	// JsonSize is the payload byte length, computed when Data is attached
	// or the record is opened. Used for response-size accounting.
	JsonSize int
}

// CacheKey returns the cache key for the envelope within a table.
func (e *Envelope) CacheKey(table string) string {
	return cacheKey(table, e.PK, e.SK)
}

func cacheKey(table, pk, sk string) string {
	return fmt.Sprintf("%s:%s+%s", table, pk, sk)
}

// Seal builds the envelope for an entity: system attributes assigned,
// non-empty secondary-key sources copied, IsDeleted always present. The
// payload is not attached here; AttachData runs immediately before the
// backend call so tick assignment is captured in the blob.
func (b Binding[T]) Seal(ctx context.Context, entity T, pkPrefix, sessionID string) (*Envelope, error) {
	pk := pkPrefix
	if pk == "" {
		pk = b.PKPrefix
	}
	sk := entity.EntityID()
	if pk == "" || sk == "" {
		return nil, apperrors.NewBadKey("seal", fmt.Sprintf("empty key for %s (pk=%q sk=%q)", b.TypeName, pk, sk))
	}

	env := &Envelope{
		PK:            pk,
		SK:            sk,
		TypeName:      b.TypeName,
		CreateUtcTick: entity.CreateUtcTick(),
		UpdateUtcTick: entity.UpdateUtcTick(),
		IsDeleted:     false,
		SessionID:     sessionID,
	}

	if b.Keys != nil {
		keys := b.Keys(entity)
		env.SK1 = keys.SK1
		env.SK2 = keys.SK2
		env.SK3 = keys.SK3
		env.SK4 = keys.SK4
		env.SK5 = keys.SK5
		env.GSI1PK = keys.GSI1PK
		env.GSI1SK = keys.GSI1SK
		env.Status = keys.Status
		env.General = keys.General
	}

	if b.Augment != nil {
		if err := b.Augment(ctx, entity, env); err != nil {
			return nil, apperrors.Wrap(err, "seal", "augmenting envelope")
		}
	}

	return env, nil
}

// AttachData serializes the entity and attaches it to the envelope. Called
// last so any field changes made after Seal (tick assignment in particular)
// land in the payload.
func (b Binding[T]) AttachData(env *Envelope, entity T) error {
	env.CreateUtcTick = entity.CreateUtcTick()
	env.UpdateUtcTick = entity.UpdateUtcTick()

	data, err := b.marshal(entity)
	if err != nil {
		return apperrors.NewInternal("seal", fmt.Sprintf("serializing %s payload", b.TypeName), err)
	}
	env.Data = data
	env.JsonSize = len(data)
	return nil
}

// Open decodes an envelope back into an entity. The stored TypeName selects
// a payload transform when the schema has moved on; an unknown tag decodes
// directly. A nil envelope or one missing its required keys opens to an
// empty entity with zero ticks so callers test for absence, not errors.
func (b Binding[T]) Open(env *Envelope) (T, error) {
	entity := b.New()
	if env == nil || env.PK == "" || env.SK == "" {
		return entity, nil
	}

	data := env.Data
	if len(data) > 0 {
		if transform, ok := b.Transforms[env.TypeName]; ok && env.TypeName != b.TypeName {
			upgraded, err := transform(data)
			if err != nil {
				return entity, apperrors.NewInternal("open",
					fmt.Sprintf("upgrading %s payload from %s", b.TypeName, env.TypeName), err)
			}
			data = upgraded
		}
		if err := b.unmarshal(data, entity); err != nil {
			return entity, apperrors.NewInternal("open",
				fmt.Sprintf("decoding %s payload", b.TypeName), err)
		}
	}

	// System attributes are authoritative over whatever the payload carried.
	// Open never writes to env: cache hits hand the same envelope pointer to
	// every concurrent reader.
	entity.SetCreateUtcTick(env.CreateUtcTick)
	entity.SetUpdateUtcTick(env.UpdateUtcTick)
	return entity, nil
}

// Item flattens the envelope to its DynamoDB attribute map. Secondary key
// attributes are written only when non-empty so sparse indexes stay sparse;
// IsDeleted and SessionId are always written because queries filter on them.
func (e *Envelope) Item() map[string]types.AttributeValue {
	item := map[string]types.AttributeValue{
		attrPK:            stringAttr(e.PK),
		attrSK:            stringAttr(e.SK),
		attrTypeName:      stringAttr(e.TypeName),
		attrCreateUtcTick: numberAttr(e.CreateUtcTick),
		attrUpdateUtcTick: numberAttr(e.UpdateUtcTick),
		attrIsDeleted:     &types.AttributeValueMemberBOOL{Value: e.IsDeleted},
		attrSessionID:     stringAttr(e.SessionID),
	}

	sparse := map[string]string{
		attrSK1:     e.SK1,
		attrSK2:     e.SK2,
		attrSK3:     e.SK3,
		attrSK4:     e.SK4,
		attrSK5:     e.SK5,
		attrGSI1PK:  e.GSI1PK,
		attrGSI1SK:  e.GSI1SK,
		attrStatus:  e.Status,
		attrGeneral: e.General,
	}
	for name, value := range sparse {
		if value != "" {
			item[name] = stringAttr(value)
		}
	}

	if e.TTL > 0 {
		item[attrTTL] = numberAttr(e.TTL)
	}
	if e.Data != nil {
		item[attrData] = stringAttr(string(e.Data))
	}
	return item
}

// envelopeRecord mirrors Envelope for attributevalue decoding on the read
// path, where absent sparse attributes simply leave zero values behind.
type envelopeRecord struct {
	PK            string `dynamodbav:"PK"`
	SK            string `dynamodbav:"SK"`
	SK1           string `dynamodbav:"SK1"`
	SK2           string `dynamodbav:"SK2"`
	SK3           string `dynamodbav:"SK3"`
	SK4           string `dynamodbav:"SK4"`
	SK5           string `dynamodbav:"SK5"`
	GSI1PK        string `dynamodbav:"GSI1PK"`
	GSI1SK        string `dynamodbav:"GSI1SK"`
	Status        string `dynamodbav:"Status"`
	General       string `dynamodbav:"General"`
	TypeName      string `dynamodbav:"TypeName"`
	CreateUtcTick int64  `dynamodbav:"CreateUtcTick"`
	UpdateUtcTick int64  `dynamodbav:"UpdateUtcTick"`
	IsDeleted     bool   `dynamodbav:"IsDeleted"`
	SessionID     string `dynamodbav:"SessionId"`
	TTL           int64  `dynamodbav:"TTL"`
	Data          string `dynamodbav:"Data"`
}

// EnvelopeFromItem parses a raw item back into an envelope and computes
// JsonSize. A nil or empty item returns nil.
func EnvelopeFromItem(item map[string]types.AttributeValue) (*Envelope, error) {
	if len(item) == 0 {
		return nil, nil
	}
	var rec envelopeRecord
	if err := attributevalue.UnmarshalMap(item, &rec); err != nil {
		return nil, apperrors.NewInternal("open", "parsing record attributes", err)
	}
	env := &Envelope{
		PK:            rec.PK,
		SK:            rec.SK,
		SK1:           rec.SK1,
		SK2:           rec.SK2,
		SK3:           rec.SK3,
		SK4:           rec.SK4,
		SK5:           rec.SK5,
		GSI1PK:        rec.GSI1PK,
		GSI1SK:        rec.GSI1SK,
		Status:        rec.Status,
		General:       rec.General,
		TypeName:      rec.TypeName,
		CreateUtcTick: rec.CreateUtcTick,
		UpdateUtcTick: rec.UpdateUtcTick,
		IsDeleted:     rec.IsDeleted,
		SessionID:     rec.SessionID,
		TTL:           rec.TTL,
	}
	if rec.Data != "" {
		env.Data = []byte(rec.Data)
	}
	env.JsonSize = len(env.Data)
	return env, nil
}

// keyItem builds the primary-key attribute map for single-record calls.
func keyItem(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		attrPK: stringAttr(pk),
		attrSK: stringAttr(sk),
	}
}

func stringAttr(value string) *types.AttributeValueMemberS {
	return &types.AttributeValueMemberS{Value: value}
}

func numberAttr(value int64) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(value, 10)}
}
