package store

import (
	"context"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "relay-backend/internal/errors"
	"relay-backend/internal/notify"
	"relay-backend/internal/observability"
)

// createCondition guards Create against overwriting an existing record.
const createCondition = "attribute_not_exists(PK) AND attribute_not_exists(SK)"

// Repository is the generic CRUDL orchestrator for one entity type over the
// wide table. Every mutating operation runs the same straight-line
// protocol: validate, seal, attach computed attributes, conditional write,
// refresh cache, fire notification.
type Repository[T Entity] struct {
	client  API
	table   string
	binding Binding[T]

	cache   *Cache
	hooks   notify.Hooks
	metrics *observability.Collector
	logger  *zap.Logger
	tracer  trace.Tracer

	softDelete    bool
	filterDeleted bool
	softDeleteTTL time.Duration
	useTTL        bool
	ttlPeriod     time.Duration
	notifications bool
	sessionID     string

	lastTick int64
	clock    func() time.Time
}

// Option configures a Repository at construction.
type Option[T Entity] func(*Repository[T])

// WithCache attaches a (possibly shared) envelope cache.
func WithCache[T Entity](cache *Cache) Option[T] {
	return func(r *Repository[T]) { r.cache = cache }
}

// WithHooks attaches the notification hooks and enables dispatch.
func WithHooks[T Entity](hooks notify.Hooks) Option[T] {
	return func(r *Repository[T]) {
		if hooks != nil {
			r.hooks = hooks
			r.notifications = true
		}
	}
}

// WithMetrics attaches the metrics collector.
func WithMetrics[T Entity](collector *observability.Collector) Option[T] {
	return func(r *Repository[T]) { r.metrics = collector }
}

// WithSoftDelete switches Delete to soft mode: records are marked deleted
// and handed a TTL of the given period instead of being removed. Listing
// then filters deleted records by default.
func WithSoftDelete[T Entity](ttl time.Duration) Option[T] {
	return func(r *Repository[T]) {
		r.softDelete = true
		r.filterDeleted = true
		r.softDeleteTTL = ttl
	}
}

// WithTTL attaches an expiry to every written record.
func WithTTL[T Entity](period time.Duration) Option[T] {
	return func(r *Repository[T]) {
		r.useTTL = true
		r.ttlPeriod = period
	}
}

// WithSessionID sets the default writer session recorded on envelopes and
// notifications. Operations may override it per call.
func WithSessionID[T Entity](sessionID string) Option[T] {
	return func(r *Repository[T]) { r.sessionID = sessionID }
}

// NewRepository builds a repository for one entity binding. The client is
// typically the concrete DynamoDB client wrapped by the resilience
// decorators.
func NewRepository[T Entity](client API, table string, binding Binding[T], logger *zap.Logger, opts ...Option[T]) (*Repository[T], error) {
	if client == nil {
		return nil, fmt.Errorf("store: repository requires a client")
	}
	if table == "" {
		return nil, fmt.Errorf("store: repository requires a table")
	}
	if err := binding.validate(); err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Repository[T]{
		client:        client,
		table:         table,
		binding:       binding,
		hooks:         notify.NewNoopHooks(),
		logger:        logger,
		tracer:        otel.Tracer("relay-backend/internal/store"),
		softDeleteTTL: 30 * 24 * time.Hour,
		clock:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Table returns the default table the repository writes to.
func (r *Repository[T]) Table() string { return r.table }

// PKPrefix returns the binding's conventional partition key.
func (r *Repository[T]) PKPrefix() string { return r.binding.PKPrefix }

// callSettings is the per-operation caller context: table routing, partition
// override, session identity, and operation modifiers.
type callSettings struct {
	table      string
	pkPrefix   string
	sessionID  string
	force      bool
	skipCache  bool
	limit      int
	startToken string
}

// CallOption adjusts a single operation.
type CallOption func(*callSettings)

// WithTable routes the operation to another table.
func WithTable(table string) CallOption {
	return func(s *callSettings) { s.table = table }
}

// WithPKPrefix overrides the partition key for the operation.
func WithPKPrefix(prefix string) CallOption {
	return func(s *callSettings) { s.pkPrefix = prefix }
}

// WithSession overrides the writer session for the operation.
func WithSession(sessionID string) CallOption {
	return func(s *callSettings) { s.sessionID = sessionID }
}

// WithForce makes Update or a soft Delete write unconditionally, skipping
// the optimistic-concurrency check.
func WithForce() CallOption {
	return func(s *callSettings) { s.force = true }
}

// WithoutCache bypasses the cache for a Read.
func WithoutCache() CallOption {
	return func(s *callSettings) { s.skipCache = true }
}

// WithLimit caps the number of items List accumulates.
func WithLimit(limit int) CallOption {
	return func(s *callSettings) { s.limit = limit }
}

// WithStartToken resumes List from a prior page's NextToken.
func WithStartToken(token string) CallOption {
	return func(s *callSettings) { s.startToken = token }
}

func (r *Repository[T]) settings(opts []CallOption) callSettings {
	s := callSettings{
		table:     r.table,
		pkPrefix:  r.binding.PKPrefix,
		sessionID: r.sessionID,
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// tickAfter returns a tick strictly greater than both the current clock
// reading and floor. Ticks are 100ns units of UTC time; the CAS loop keeps
// them strictly increasing across concurrent writers in this process, and
// the conditional write keeps them honest across processes.
func (r *Repository[T]) tickAfter(floor int64) int64 {
	for {
		now := r.clock().UTC().UnixNano() / 100
		last := atomic.LoadInt64(&r.lastTick)
		next := now
		if next <= last {
			next = last + 1
		}
		if next <= floor {
			next = floor + 1
		}
		if atomic.CompareAndSwapInt64(&r.lastTick, last, next) {
			return next
		}
	}
}

func (r *Repository[T]) startSpan(ctx context.Context, name, table string) (context.Context, trace.Span) {
	return r.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("store.table", table),
		attribute.String("store.entity_type", r.binding.TypeName),
	))
}

func (r *Repository[T]) observe(operation, table string, start time.Time, err error) {
	if r.metrics == nil {
		return
	}
	outcome := strconv.Itoa(int(apperrors.OutcomeOf(err)))
	r.metrics.ObserveStoreOperation(operation, table, outcome, r.clock().Sub(start))
}

// Create writes the entity only if no record exists at its key. A
// pre-existing record yields a conflict, never a silent overwrite.
func (r *Repository[T]) Create(ctx context.Context, entity T, opts ...CallOption) error {
	s := r.settings(opts)
	ctx, span := r.startSpan(ctx, "store.Create", s.table)
	defer span.End()
	start := r.clock()

	err := r.create(ctx, entity, s)
	r.observe("create", s.table, start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *Repository[T]) create(ctx context.Context, entity T, s callSettings) error {
	env, err := r.binding.Seal(ctx, entity, s.pkPrefix, s.sessionID)
	if err != nil {
		return err
	}

	prevCreate, prevUpdate := entity.CreateUtcTick(), entity.UpdateUtcTick()
	now := r.tickAfter(0)
	entity.SetCreateUtcTick(now)
	entity.SetUpdateUtcTick(now)

	if r.useTTL && env.TTL == 0 {
		env.TTL = r.clock().Add(r.ttlPeriod).Unix()
	}
	if err := r.binding.AttachData(env, entity); err != nil {
		entity.SetCreateUtcTick(prevCreate)
		entity.SetUpdateUtcTick(prevUpdate)
		return err
	}

	_, err = r.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.table),
		Item:                env.Item(),
		ConditionExpression: aws.String(createCondition),
	})
	if err != nil {
		entity.SetCreateUtcTick(prevCreate)
		entity.SetUpdateUtcTick(prevUpdate)
		classified := classify("create", err)
		if apperrors.IsConflict(classified) {
			return apperrors.NewConflict("create", "record already exists", err).WithKey(s.table, env.PK, env.SK)
		}
		return classified
	}

	r.logger.Debug("record created",
		zap.String("table", s.table),
		zap.String("pk", env.PK),
		zap.String("sk", env.SK),
	)
	r.cachePut(s.table, env)
	r.notifyWrite(ctx, env, entity, notify.ActionCreate)
	return nil
}

// Read fetches one entity by identifier, consulting the cache first. A
// missing record is a distinct not-found outcome, never a backend error.
func (r *Repository[T]) Read(ctx context.Context, id string, opts ...CallOption) (T, error) {
	s := r.settings(opts)
	ctx, span := r.startSpan(ctx, "store.Read", s.table)
	defer span.End()
	start := r.clock()

	entity, err := r.read(ctx, id, s)
	r.observe("read", s.table, start, err)
	if err != nil {
		span.RecordError(err)
	}
	return entity, err
}

func (r *Repository[T]) read(ctx context.Context, id string, s callSettings) (T, error) {
	var zero T
	if id == "" {
		return zero, apperrors.NewBadKey("read", "empty entity identifier")
	}
	pk := s.pkPrefix

	if r.cache != nil && !s.skipCache {
		if env, ok := r.cache.Get(s.table, pk, id); ok {
			if r.metrics != nil {
				r.metrics.CacheHit()
			}
			return r.openVisible(env, s)
		}
		if r.metrics != nil {
			r.metrics.CacheMiss()
		}
	}

	out, err := r.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.table),
		Key:       keyItem(pk, id),
	})
	if err != nil {
		return zero, classify("read", err)
	}
	if len(out.Item) == 0 {
		return zero, apperrors.NewNotFound("read", "no record at key").WithKey(s.table, pk, id)
	}

	env, err := EnvelopeFromItem(out.Item)
	if err != nil {
		return zero, err
	}
	r.cachePut(s.table, env)
	return r.openVisible(env, s)
}

// openVisible opens an envelope, hiding soft-deleted records when deleted
// filtering is on.
func (r *Repository[T]) openVisible(env *Envelope, s callSettings) (T, error) {
	var zero T
	if r.filterDeleted && env != nil && env.IsDeleted {
		return zero, apperrors.NewNotFound("read", "record is deleted").WithKey(s.table, env.PK, env.SK)
	}
	return r.binding.Open(env)
}

// Update replaces the record, by default only when the stored UpdateUtcTick
// still matches the entity's token; a mismatch is a conflict and leaves the
// entity's token untouched for re-read-and-retry. WithForce writes
// unconditionally. On success the entity carries the new, strictly larger
// token.
func (r *Repository[T]) Update(ctx context.Context, entity T, opts ...CallOption) error {
	s := r.settings(opts)
	ctx, span := r.startSpan(ctx, "store.Update", s.table)
	defer span.End()
	start := r.clock()

	err := r.update(ctx, entity, s)
	r.observe("update", s.table, start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *Repository[T]) update(ctx context.Context, entity T, s callSettings) error {
	env, err := r.binding.Seal(ctx, entity, s.pkPrefix, s.sessionID)
	if err != nil {
		return err
	}

	expected := entity.UpdateUtcTick()
	entity.SetUpdateUtcTick(r.tickAfter(expected))

	if r.useTTL && env.TTL == 0 {
		env.TTL = r.clock().Add(r.ttlPeriod).Unix()
	}
	if err := r.binding.AttachData(env, entity); err != nil {
		entity.SetUpdateUtcTick(expected)
		return err
	}

	input := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      env.Item(),
	}
	if !s.force {
		input.ConditionExpression = aws.String("UpdateUtcTick = :expected")
		input.ExpressionAttributeValues = map[string]types.AttributeValue{
			":expected": numberAttr(expected),
		}
	}

	if _, err := r.client.PutItem(ctx, input); err != nil {
		entity.SetUpdateUtcTick(expected)
		classified := classify("update", err)
		if apperrors.IsConflict(classified) {
			return apperrors.NewConflict("update", "stale concurrency token", err).WithKey(s.table, env.PK, env.SK)
		}
		return classified
	}

	r.logger.Debug("record updated",
		zap.String("table", s.table),
		zap.String("pk", env.PK),
		zap.String("sk", env.SK),
		zap.Bool("force", s.force),
	)
	r.cachePut(s.table, env)
	r.notifyWrite(ctx, env, entity, notify.ActionUpdate)
	return nil
}

// Delete removes the record: physically when soft delete is off, otherwise
// by marking it deleted and attaching a purge TTL through a conditional
// update subject to the same concurrency rule as Update. The cache entry
// goes away in both modes, and a delete notification fires in both.
func (r *Repository[T]) Delete(ctx context.Context, entity T, opts ...CallOption) error {
	s := r.settings(opts)
	ctx, span := r.startSpan(ctx, "store.Delete", s.table)
	defer span.End()
	start := r.clock()

	err := r.delete(ctx, entity, s)
	r.observe("delete", s.table, start, err)
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (r *Repository[T]) delete(ctx context.Context, entity T, s callSettings) error {
	pk := s.pkPrefix
	sk := entity.EntityID()
	if pk == "" || sk == "" {
		return apperrors.NewBadKey("delete", fmt.Sprintf("empty key (pk=%q sk=%q)", pk, sk))
	}

	var tickAt int64
	if r.softDelete {
		tick, err := r.softDeleteRecord(ctx, entity, s, pk, sk)
		if err != nil {
			return err
		}
		tickAt = tick
	} else {
		if _, err := r.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
			TableName: aws.String(s.table),
			Key:       keyItem(pk, sk),
		}); err != nil {
			return classify("delete", err)
		}
		tickAt = r.tickAfter(0)
	}

	r.logger.Debug("record deleted",
		zap.String("table", s.table),
		zap.String("pk", pk),
		zap.String("sk", sk),
		zap.Bool("soft", r.softDelete),
	)
	if r.cache != nil {
		r.cache.Delete(s.table, pk, sk)
	}
	r.notifyDelete(ctx, entity, sk, s.sessionID, tickAt)
	return nil
}

// softDeleteRecord marks the record deleted and schedules its purge. Force
// bypasses the concurrency token, not the existence check: the marking
// update must never invent a record for a key that holds none.
func (r *Repository[T]) softDeleteRecord(ctx context.Context, entity T, s callSettings, pk, sk string) (int64, error) {
	expected := entity.UpdateUtcTick()
	newTick := r.tickAfter(expected)
	expireAt := r.clock().Add(r.softDeleteTTL).Unix()

	update := expression.
		Set(expression.Name(attrIsDeleted), expression.Value(true)).
		Set(expression.Name(attrUpdateUtcTick), expression.Value(newTick)).
		Set(expression.Name(attrTTL), expression.Value(expireAt)).
		Set(expression.Name(attrSessionID), expression.Value(s.sessionID))

	cond := expression.AttributeExists(expression.Name(attrPK))
	if !s.force {
		cond = cond.And(expression.Name(attrUpdateUtcTick).Equal(expression.Value(expected)))
	}
	expr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return 0, apperrors.NewInternal("delete", "building soft-delete expression", err)
	}

	if _, err := r.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.table),
		Key:                       keyItem(pk, sk),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}); err != nil {
		classified := classify("delete", err)
		if apperrors.IsConflict(classified) {
			if s.force {
				// The forced condition checks existence alone.
				return 0, apperrors.NewNotFound("delete", "no record at key").WithKey(s.table, pk, sk)
			}
			return 0, apperrors.NewConflict("delete", "stale concurrency token", err).WithKey(s.table, pk, sk)
		}
		return 0, classified
	}

	entity.SetUpdateUtcTick(newTick)
	return newTick, nil
}

// List runs an index-qualified query, paginating internally until the
// backend is exhausted, the byte ceiling is crossed, or the caller's item
// limit is reached. The page is partial exactly when more upstream data
// exists, whichever ceiling tripped.
func (r *Repository[T]) List(ctx context.Context, q Query, opts ...CallOption) (*Page[T], error) {
	s := r.settings(opts)
	ctx, span := r.startSpan(ctx, "store.List", s.table)
	defer span.End()
	start := r.clock()

	page, err := r.list(ctx, q, s)
	r.observe("list", s.table, start, err)
	if err != nil {
		span.RecordError(err)
	}
	return page, err
}

func (r *Repository[T]) list(ctx context.Context, q Query, s callSettings) (*Page[T], error) {
	if q.PK == "" {
		q.PK = s.pkPrefix
	}
	desc, err := q.Descriptor(s.table, r.filterDeleted)
	if err != nil {
		return nil, err
	}
	startKey, err := decodeStartKey(s.startToken)
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(desc.Table),
		KeyConditionExpression:    aws.String(desc.KeyConditionExpression),
		ProjectionExpression:      aws.String(desc.ProjectionExpression),
		ExpressionAttributeNames:  desc.ExpressionAttributeNames,
		ExpressionAttributeValues: desc.ExpressionAttributeValues,
	}
	if desc.IndexName != "" {
		input.IndexName = aws.String(desc.IndexName)
	}
	if desc.FilterExpression != "" {
		input.FilterExpression = aws.String(desc.FilterExpression)
	}
	if startKey != nil {
		input.ExclusiveStartKey = startKey
	}

	page := &Page[T]{Outcome: apperrors.OutcomeOK}
	var lastAccepted *Envelope
	moreUpstream := false
	done := false

	for !done {
		// Pagination is not cancellable mid-page, but it honors the caller's
		// deadline between pages.
		if err := ctx.Err(); err != nil {
			return nil, classify("list", err)
		}

		out, err := r.client.Query(ctx, input)
		if err != nil {
			return nil, classify("list", err)
		}

		for i, item := range out.Items {
			env, err := EnvelopeFromItem(item)
			if err != nil {
				return nil, err
			}
			entity, err := r.binding.Open(env)
			if err != nil {
				return nil, err
			}
			page.Items = append(page.Items, entity)
			page.Bytes += env.JsonSize
			lastAccepted = env

			reachedLimit := s.limit > 0 && len(page.Items) >= s.limit
			reachedBytes := page.Bytes >= listByteCeiling
			if reachedLimit || reachedBytes {
				moreUpstream = i < len(out.Items)-1 || len(out.LastEvaluatedKey) > 0
				done = true
				break
			}
		}

		if !done {
			if len(out.LastEvaluatedKey) == 0 {
				done = true
			} else {
				input.ExclusiveStartKey = out.LastEvaluatedKey
			}
		}
	}

	if moreUpstream {
		page.Partial = true
		page.Outcome = apperrors.OutcomePartial
		token, err := encodeStartKey(resumeKeyFor(lastAccepted, q))
		if err != nil {
			return nil, err
		}
		page.NextToken = token
	}
	return page, nil
}

// FlushCache drops every cached envelope for the operation's table.
func (r *Repository[T]) FlushCache(opts ...CallOption) {
	if r.cache == nil {
		return
	}
	s := r.settings(opts)
	r.cache.Flush(s.table)
}

func (r *Repository[T]) cachePut(table string, env *Envelope) {
	if r.cache != nil {
		r.cache.Put(table, env)
	}
}

func (r *Repository[T]) topics(entity T) []string {
	if r.binding.Topics == nil {
		return nil
	}
	return r.binding.Topics(entity)
}

// notifyWrite fires the write hook after a durable mutation. Dispatch
// failures are logged and counted, not surfaced: the write already
// happened.
func (r *Repository[T]) notifyWrite(ctx context.Context, env *Envelope, entity T, action notify.Action) {
	if !r.notifications {
		return
	}
	err := r.hooks.OnWrite(ctx, env.TypeName, env.Data, r.topics(entity), env.SessionID, env.UpdateUtcTick, action)
	r.recordNotify(err, string(action), env.SK)
}

func (r *Repository[T]) notifyDelete(ctx context.Context, entity T, sk, sessionID string, utcTick int64) {
	if !r.notifications {
		return
	}
	err := r.hooks.OnDelete(ctx, r.binding.TypeName, sk, r.topics(entity), sessionID, utcTick)
	r.recordNotify(err, "delete", sk)
}

func (r *Repository[T]) recordNotify(err error, action, sk string) {
	if err != nil {
		if r.metrics != nil {
			r.metrics.NotificationFailed()
		}
		r.logger.Warn("notification dispatch failed",
			zap.String("action", action),
			zap.String("sk", sk),
			zap.Error(err),
		)
		return
	}
	if r.metrics != nil {
		r.metrics.NotificationSent()
	}
}
