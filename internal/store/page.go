package store

import (
	"encoding/base64"
	"encoding/json"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	apperrors "relay-backend/internal/errors"
)

// listByteCeiling caps the accumulated payload bytes of a single List call,
// staying under upstream response-size limits. Accumulation stops after the
// record that crosses the line, so the overage is at most one record.
const listByteCeiling = 5 * 1024 * 1024

// Page is the result of a List. Partial, not item count, is the end-of-list
// signal: a short page can still be followed by more data.
type Page[T Entity] struct {
	Items []T

	// Outcome is OutcomePartial when more upstream data exists, OutcomeOK
	// otherwise.
	Outcome apperrors.Outcome

	// Partial mirrors Outcome for callers that branch on a flag.
	Partial bool

	// NextToken resumes the listing where this page stopped. Empty when the
	// listing is complete.
	NextToken string

	// Bytes is the accumulated payload size of the returned items.
	Bytes int
}

// encodeStartKey turns a resume key into an opaque token.
func encodeStartKey(key map[string]types.AttributeValue) (string, error) {
	if len(key) == 0 {
		return "", nil
	}
	plain := make(map[string]string, len(key))
	if err := attributevalue.UnmarshalMap(key, &plain); err != nil {
		return "", apperrors.NewInternal("list", "encoding continuation token", err)
	}
	raw, err := json.Marshal(plain)
	if err != nil {
		return "", apperrors.NewInternal("list", "encoding continuation token", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// decodeStartKey turns an opaque token back into an exclusive start key.
func decodeStartKey(token string) (map[string]types.AttributeValue, error) {
	if token == "" {
		return nil, nil
	}
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return nil, apperrors.NewBadRequest("list", "malformed continuation token")
	}
	var plain map[string]string
	if err := json.Unmarshal(raw, &plain); err != nil {
		return nil, apperrors.NewBadRequest("list", "malformed continuation token")
	}
	key, err := attributevalue.MarshalMap(plain)
	if err != nil {
		return nil, apperrors.NewBadRequest("list", "malformed continuation token")
	}
	return key, nil
}

// resumeKeyFor builds the exclusive start key that resumes a listing right
// after env. Index queries must carry the index key pair alongside the
// table keys.
func resumeKeyFor(env *Envelope, q Query) map[string]types.AttributeValue {
	key := keyItem(env.PK, env.SK)
	switch q.Field {
	case "", attrSK:
		// Base-table keys suffice.
	case attrGSI1SK:
		key[attrGSI1PK] = stringAttr(env.GSI1PK)
		key[attrGSI1SK] = stringAttr(env.GSI1SK)
	default:
		key[q.Field] = stringAttr(secondaryValue(env, q.Field))
	}
	return key
}

func secondaryValue(env *Envelope, field string) string {
	switch field {
	case attrSK1:
		return env.SK1
	case attrSK2:
		return env.SK2
	case attrSK3:
		return env.SK3
	case attrSK4:
		return env.SK4
	case attrSK5:
		return env.SK5
	case attrGSI1SK:
		return env.GSI1SK
	default:
		return ""
	}
}
