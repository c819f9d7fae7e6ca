package store

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	apperrors "relay-backend/internal/errors"
	"relay-backend/internal/notify"
)

type recordedWrite struct {
	entityType string
	payload    []byte
	topics     []string
	sessionID  string
	utcTick    int64
	action     notify.Action
}

type recordedDelete struct {
	entityType string
	sortKey    string
	topics     []string
	sessionID  string
	utcTick    int64
}

// recorderHooks captures notification dispatches for assertions.
type recorderHooks struct {
	mu      sync.Mutex
	writes  []recordedWrite
	deletes []recordedDelete
	err     error
}

func (r *recorderHooks) OnWrite(_ context.Context, entityType string, payload []byte, topics []string, sessionID string, utcTick int64, action notify.Action) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, recordedWrite{entityType, payload, topics, sessionID, utcTick, action})
	return r.err
}

func (r *recorderHooks) OnDelete(_ context.Context, entityType, sortKey string, topics []string, sessionID string, utcTick int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, recordedDelete{entityType, sortKey, topics, sessionID, utcTick})
	return r.err
}

func (r *recorderHooks) snapshot() ([]recordedWrite, []recordedDelete) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]recordedWrite(nil), r.writes...), append([]recordedDelete(nil), r.deletes...)
}

func newTestRepo(t *testing.T, fake *fakeStore, opts ...Option[*testOrder]) *Repository[*testOrder] {
	t.Helper()
	repo, err := NewRepository(fake, "relay-main", testBinding(), zap.NewNop(), opts...)
	if err != nil {
		t.Fatalf("NewRepository failed: %v", err)
	}
	return repo
}

func alwaysCache() *Cache {
	return NewCache(0, 0, true, nil)
}

func TestNewRepository(t *testing.T) {
	t.Run("Should require a client, table and valid binding", func(t *testing.T) {
		if _, err := NewRepository[*testOrder](nil, "relay-main", testBinding(), nil); err == nil {
			t.Error("Expected error for nil client")
		}
		if _, err := NewRepository(newFakeStore(), "", testBinding(), nil); err == nil {
			t.Error("Expected error for empty table")
		}
		bad := testBinding()
		bad.TypeName = ""
		if _, err := NewRepository(newFakeStore(), "relay-main", bad, nil); err == nil {
			t.Error("Expected error for invalid binding")
		}
	})

	t.Run("Should expose the table and partition prefix", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		if repo.Table() != "relay-main" {
			t.Errorf("Expected table relay-main, got %s", repo.Table())
		}
		if repo.PKPrefix() != "Order:" {
			t.Errorf("Expected prefix Order:, got %s", repo.PKPrefix())
		}
	})
}

func TestRepositoryCreate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should persist the record with matching ticks", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSessionID[*testOrder]("session-7"))

		order := &testOrder{ID: "1:", CustomerID: "cust-9"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		if order.Created == 0 || order.Created != order.Updated {
			t.Errorf("Expected matching non-zero ticks, got %d/%d", order.Created, order.Updated)
		}

		item := fake.get("Order:", "1:")
		if item == nil {
			t.Fatal("Expected a stored record")
		}
		if got := attrString(item, "TypeName"); got != "Order.V2" {
			t.Errorf("Expected TypeName Order.V2, got %s", got)
		}
		if got := attrString(item, "SessionId"); got != "session-7" {
			t.Errorf("Expected SessionId session-7, got %s", got)
		}
		if deleted, ok := item["IsDeleted"].(*types.AttributeValueMemberBOOL); !ok || deleted.Value {
			t.Error("Expected IsDeleted false")
		}
		if !strings.Contains(attrString(item, "Data"), `"cust-9"`) {
			t.Error("Expected the payload to carry the entity fields")
		}
	})

	t.Run("Should reject a duplicate and leave the original unchanged", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		first := &testOrder{ID: "1:", CustomerID: "cust-9"}
		if err := repo.Create(ctx, first); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		dup := &testOrder{ID: "1:", CustomerID: "intruder"}
		err := repo.Create(ctx, dup)
		if !apperrors.IsConflict(err) {
			t.Fatalf("Expected Conflict, got %v", err)
		}
		if dup.Created != 0 || dup.Updated != 0 {
			t.Errorf("Expected the duplicate's ticks restored to zero, got %d/%d", dup.Created, dup.Updated)
		}

		item := fake.get("Order:", "1:")
		if !strings.Contains(attrString(item, "Data"), `"cust-9"`) {
			t.Error("Expected the original record to survive the duplicate create")
		}
	})

	t.Run("Should reject an empty identifier", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		if err := repo.Create(ctx, &testOrder{}); !apperrors.IsBadKey(err) {
			t.Errorf("Expected BadKey, got %v", err)
		}
	})

	t.Run("Should stamp a TTL when configured", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithTTL[*testOrder](time.Hour))
		clock := newManualClock()
		repo.clock = clock.Now

		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		item := fake.get("Order:", "1:")
		ttl, ok := item["TTL"].(*types.AttributeValueMemberN)
		if !ok {
			t.Fatal("Expected a TTL attribute")
		}
		if want := numberAttr(clock.Now().Add(time.Hour).Unix()); ttl.Value != want.Value {
			t.Errorf("Expected TTL %s, got %s", want.Value, ttl.Value)
		}
	})

	t.Run("Should honor a partition override", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		if err := repo.Create(ctx, &testOrder{ID: "1:"}, WithPKPrefix("Archive:")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if fake.get("Archive:", "1:") == nil {
			t.Error("Expected the record under the overridden partition")
		}
	})
}

func TestRepositoryRead(t *testing.T) {
	ctx := context.Background()

	t.Run("Should read a created record back", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		order := &testOrder{ID: "1:", CustomerID: "cust-9", TotalCents: 4200}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		got, err := repo.Read(ctx, "1:")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if *got != *order {
			t.Errorf("Expected %+v, got %+v", order, got)
		}
	})

	t.Run("Should serve repeat reads from the cache", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		for i := 0; i < 3; i++ {
			if _, err := repo.Read(ctx, "1:"); err != nil {
				t.Fatalf("Read %d failed: %v", i, err)
			}
		}

		if _, gets, _, _, _ := fake.callCounts(); gets != 0 {
			t.Errorf("Expected all reads served from cache, got %d backend gets", gets)
		}
	})

	t.Run("Should serve concurrent cache hits", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		if err := repo.Create(ctx, &testOrder{ID: "1:", CustomerID: "cust-9"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		// All readers share the one cached envelope; opening it must not
		// write through the shared pointer.
		var wg sync.WaitGroup
		for g := 0; g < 8; g++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 100; i++ {
					got, err := repo.Read(ctx, "1:")
					if err != nil {
						t.Errorf("Concurrent read failed: %v", err)
						return
					}
					if got.ID != "1:" || got.CustomerID != "cust-9" {
						t.Errorf("Expected the cached order, got %+v", got)
						return
					}
				}
			}()
		}
		wg.Wait()

		if _, gets, _, _, _ := fake.callCounts(); gets != 0 {
			t.Errorf("Expected every read served from cache, got %d backend gets", gets)
		}
	})

	t.Run("Should refetch after the freshness window", func(t *testing.T) {
		clock := newManualClock()
		cache := NewCache(0, 60*time.Second, false, nil)
		cache.clock = clock.Now

		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](cache))
		repo.clock = clock.Now

		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		clock.Advance(30 * time.Second)
		if _, err := repo.Read(ctx, "1:"); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if _, gets, _, _, _ := fake.callCounts(); gets != 0 {
			t.Fatalf("Expected a cache hit within the window, got %d gets", gets)
		}

		clock.Advance(61 * time.Second)
		if _, err := repo.Read(ctx, "1:"); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if _, gets, _, _, _ := fake.callCounts(); gets != 1 {
			t.Errorf("Expected a backend fetch after the window, got %d gets", gets)
		}
	})

	t.Run("Should bypass the cache when asked", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if _, err := repo.Read(ctx, "1:", WithoutCache()); err != nil {
			t.Fatalf("Read failed: %v", err)
		}

		if _, gets, _, _, _ := fake.callCounts(); gets != 1 {
			t.Errorf("Expected a backend fetch with the cache bypassed, got %d gets", gets)
		}
	})

	t.Run("Should return not found for a missing record", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		_, err := repo.Read(ctx, "ghost:")
		if !apperrors.IsNotFound(err) {
			t.Errorf("Expected NotFound, got %v", err)
		}
	})

	t.Run("Should reject an empty identifier", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		if _, err := repo.Read(ctx, ""); !apperrors.IsBadKey(err) {
			t.Errorf("Expected BadKey, got %v", err)
		}
	})

	t.Run("Should hide soft-deleted records", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSoftDelete[*testOrder](time.Hour))

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Delete(ctx, order); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if _, err := repo.Read(ctx, "1:"); !apperrors.IsNotFound(err) {
			t.Errorf("Expected NotFound for a soft-deleted record, got %v", err)
		}
	})

	t.Run("Should classify backend failures", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)
		fake.failWith = throttleErr()

		_, err := repo.Read(ctx, "1:")
		if !apperrors.IsUnavailable(err) {
			t.Errorf("Expected Unavailable, got %v", err)
		}
	})
}

func TestRepositoryUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should succeed with a matching token and strictly increase it", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		order := &testOrder{ID: "1:", TotalCents: 100}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		created := order.Created
		before := order.Updated

		order.TotalCents = 200
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
		if order.Updated <= before {
			t.Errorf("Expected the token to increase past %d, got %d", before, order.Updated)
		}
		if order.Created != created {
			t.Errorf("Expected CreateUtcTick untouched, got %d", order.Created)
		}

		item := fake.get("Order:", "1:")
		if !strings.Contains(attrString(item, "Data"), `"total_cents":200`) {
			t.Error("Expected the stored payload to carry the new value")
		}
	})

	t.Run("Should reject a stale token and leave it untouched", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		stale := *order
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("First update failed: %v", err)
		}

		err := repo.Update(ctx, &stale)
		if !apperrors.IsConflict(err) {
			t.Fatalf("Expected Conflict, got %v", err)
		}
		if stale.Updated != order.Created {
			t.Errorf("Expected the stale token preserved at %d, got %d", order.Created, stale.Updated)
		}
	})

	t.Run("Should write unconditionally in force mode", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		stale := *order
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("First update failed: %v", err)
		}
		if err := repo.Update(ctx, &stale, WithForce()); err != nil {
			t.Errorf("Expected forced update to succeed, got %v", err)
		}
	})

	t.Run("Should reject an update of a missing record", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		err := repo.Update(ctx, &testOrder{ID: "ghost:"})
		if !apperrors.IsConflict(err) {
			t.Errorf("Expected Conflict, got %v", err)
		}
	})

	t.Run("Should refresh the cache", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		order := &testOrder{ID: "1:", TotalCents: 100}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		order.TotalCents = 200
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		got, err := repo.Read(ctx, "1:")
		if err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if got.TotalCents != 200 {
			t.Errorf("Expected the cached record refreshed, got %d", got.TotalCents)
		}
		if _, gets, _, _, _ := fake.callCounts(); gets != 0 {
			t.Errorf("Expected the read served from cache, got %d gets", gets)
		}
	})

	t.Run("Should let exactly one of two concurrent updates win", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		left, right := *order, *order
		results := make(chan error, 2)
		var wg sync.WaitGroup
		for _, writer := range []*testOrder{&left, &right} {
			wg.Add(1)
			go func(o *testOrder) {
				defer wg.Done()
				results <- repo.Update(ctx, o)
			}(writer)
		}
		wg.Wait()
		close(results)

		var wins, conflicts int
		for err := range results {
			switch {
			case err == nil:
				wins++
			case apperrors.IsConflict(err):
				conflicts++
			default:
				t.Fatalf("Unexpected error: %v", err)
			}
		}
		if wins != 1 || conflicts != 1 {
			t.Errorf("Expected 1 win and 1 conflict, got %d/%d", wins, conflicts)
		}
	})
}

func TestRepositoryDelete(t *testing.T) {
	ctx := context.Background()

	t.Run("Should physically remove the record in hard mode", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Delete(ctx, order); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if fake.get("Order:", "1:") != nil {
			t.Error("Expected the record removed")
		}
		if _, err := repo.Read(ctx, "1:"); !apperrors.IsNotFound(err) {
			t.Errorf("Expected NotFound after delete, got %v", err)
		}
		if _, _, _, deletes, _ := fake.callCounts(); deletes != 1 {
			t.Errorf("Expected 1 physical delete, got %d", deletes)
		}
	})

	t.Run("Should mark instead of remove in soft mode", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSoftDelete[*testOrder](30*24*time.Hour))
		clock := newManualClock()
		repo.clock = clock.Now

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		before := order.Updated

		if err := repo.Delete(ctx, order); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if _, _, updates, deletes, _ := fake.callCounts(); deletes != 0 || updates != 1 {
			t.Errorf("Expected a single update and no physical delete, got %d updates, %d deletes", updates, deletes)
		}

		item := fake.get("Order:", "1:")
		if item == nil {
			t.Fatal("Expected the record to remain")
		}
		if deleted, ok := item["IsDeleted"].(*types.AttributeValueMemberBOOL); !ok || !deleted.Value {
			t.Error("Expected IsDeleted true")
		}
		wantTTL := numberAttr(clock.Now().Add(30 * 24 * time.Hour).Unix())
		if ttl, ok := item["TTL"].(*types.AttributeValueMemberN); !ok || ttl.Value != wantTTL.Value {
			t.Error("Expected a purge TTL on the soft-deleted record")
		}
		if order.Updated <= before {
			t.Errorf("Expected the token bumped past %d, got %d", before, order.Updated)
		}
	})

	t.Run("Should honor the concurrency token in soft mode", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSoftDelete[*testOrder](time.Hour))

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}

		stale := *order
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		if err := repo.Delete(ctx, &stale); !apperrors.IsConflict(err) {
			t.Errorf("Expected Conflict for a stale soft delete, got %v", err)
		}
		if err := repo.Delete(ctx, &stale, WithForce()); err != nil {
			t.Errorf("Expected forced soft delete to succeed, got %v", err)
		}
	})

	t.Run("Should not invent a record for a missing key in soft mode", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSoftDelete[*testOrder](time.Hour))

		// Force bypasses the tick check only; the marking update still
		// requires the record to exist.
		if err := repo.Delete(ctx, &testOrder{ID: "ghost:"}, WithForce()); !apperrors.IsNotFound(err) {
			t.Errorf("Expected NotFound for a forced delete of a missing key, got %v", err)
		}
		if err := repo.Delete(ctx, &testOrder{ID: "ghost:"}); !apperrors.IsConflict(err) {
			t.Errorf("Expected Conflict without force, got %v", err)
		}
		if fake.get("Order:", "ghost:") != nil {
			t.Error("Expected no record written for the missing key")
		}
	})

	t.Run("Should drop the cache entry in both modes", func(t *testing.T) {
		fake := newFakeStore()
		cache := alwaysCache()
		repo := newTestRepo(t, fake, WithCache[*testOrder](cache))

		order := &testOrder{ID: "1:"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Delete(ctx, order); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		if _, ok := cache.Get("relay-main", "Order:", "1:"); ok {
			t.Error("Expected the cache entry removed")
		}
	})

	t.Run("Should reject an empty identifier", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		if err := repo.Delete(ctx, &testOrder{}); !apperrors.IsBadKey(err) {
			t.Errorf("Expected BadKey, got %v", err)
		}
	})
}

func seedOrders(t *testing.T, repo *Repository[*testOrder], orders ...*testOrder) {
	t.Helper()
	for _, order := range orders {
		if err := repo.Create(context.Background(), order); err != nil {
			t.Fatalf("Create %s failed: %v", order.ID, err)
		}
	}
}

func TestRepositoryList(t *testing.T) {
	ctx := context.Background()

	t.Run("Should list a partition in sort order", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "3:"},
			&testOrder{ID: "1:"},
			&testOrder{ID: "2:"},
		)

		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if page.Outcome != apperrors.OutcomeOK || page.Partial {
			t.Errorf("Expected a complete page, got %+v", page)
		}
		if len(page.Items) != 3 {
			t.Fatalf("Expected 3 items, got %d", len(page.Items))
		}
		for i, want := range []string{"1:", "2:", "3:"} {
			if page.Items[i].ID != want {
				t.Errorf("Item %d: expected %s, got %s", i, want, page.Items[i].ID)
			}
		}
		if page.Bytes == 0 {
			t.Error("Expected accumulated payload bytes")
		}
	})

	t.Run("Should default the partition to the binding prefix", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo, &testOrder{ID: "1:"})

		page, err := repo.List(ctx, Query{Field: "SK", Op: OpBeginsWith, Values: []string{"1"}})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 1 {
			t.Errorf("Expected 1 item, got %d", len(page.Items))
		}
	})

	t.Run("Should list every sort key without a predicate", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "!hold:"},
			&testOrder{ID: "1:"},
			&testOrder{ID: "#manual:"},
		)

		page, err := repo.List(ctx, All("", ""))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 3 {
			t.Fatalf("Expected 3 items, got %d", len(page.Items))
		}
		// Keys ordering below "0" are still in range.
		for i, want := range []string{"!hold:", "#manual:", "1:"} {
			if page.Items[i].ID != want {
				t.Errorf("Item %d: expected %s, got %s", i, want, page.Items[i].ID)
			}
		}
	})

	t.Run("Should list a whole sparse index without a predicate", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "1:", PlacedDay: "2026-08-25"},
			&testOrder{ID: "2:"}, // no PlacedDay, absent from the index
			&testOrder{ID: "3:", PlacedDay: "2026-08-24"},
		)

		page, err := repo.List(ctx, All("", "SK1"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("Expected 2 indexed items, got %d", len(page.Items))
		}
		if page.Items[0].ID != "3:" || page.Items[1].ID != "1:" {
			t.Errorf("Expected index order 3:, 1:, got %s, %s", page.Items[0].ID, page.Items[1].ID)
		}
	})

	t.Run("Should resume a predicate-free listing from the token", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "!hold:"},
			&testOrder{ID: "1:"},
			&testOrder{ID: "2:"},
		)

		first, err := repo.List(ctx, All("", ""), WithLimit(1))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if !first.Partial || first.NextToken == "" {
			t.Fatalf("Expected a partial first page with a token, got %+v", first)
		}
		if len(first.Items) != 1 || first.Items[0].ID != "!hold:" {
			t.Fatalf("Expected the lowest key first, got %+v", first.Items)
		}

		rest, err := repo.List(ctx, All("", ""), WithStartToken(first.NextToken))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(rest.Items) != 2 || rest.Items[0].ID != "1:" || rest.Items[1].ID != "2:" {
			t.Errorf("Expected the remaining keys in order, got %+v", rest.Items)
		}
	})

	t.Run("Should query a sparse local index", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "1:", PlacedDay: "2026-08-24"},
			&testOrder{ID: "2:", PlacedDay: "2026-08-25"},
			&testOrder{ID: "3:", PlacedDay: "2026-08-25"},
			&testOrder{ID: "4:"}, // no PlacedDay, absent from the index
		)

		page, err := repo.List(ctx, Equals("", "SK1", "2026-08-25"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("Expected 2 items, got %d", len(page.Items))
		}
		for _, item := range page.Items {
			if item.PlacedDay != "2026-08-25" {
				t.Errorf("Unexpected item %s in index listing", item.ID)
			}
		}

		page, err = repo.List(ctx, BeginsWith("", "SK1", "2026-08"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 3 {
			t.Errorf("Expected the unindexed record excluded, got %d items", len(page.Items))
		}
	})

	t.Run("Should query the global index across partitions", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "1:", Region: "eu-west"},
			&testOrder{ID: "2:", Region: "eu-west"},
			&testOrder{ID: "3:", Region: "us-east"},
		)

		page, err := repo.List(ctx, GreaterThan("Region:eu-west", "GSI1SK", "0"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 2 {
			t.Fatalf("Expected 2 eu-west items, got %d", len(page.Items))
		}
		for _, item := range page.Items {
			if item.Region != "eu-west" {
				t.Errorf("Unexpected region %s", item.Region)
			}
		}
	})

	t.Run("Should filter soft-deleted records", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithSoftDelete[*testOrder](time.Hour))

		keep := &testOrder{ID: "1:"}
		drop := &testOrder{ID: "2:"}
		seedOrders(t, repo, keep, drop)
		if err := repo.Delete(ctx, drop); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 1 || page.Items[0].ID != "1:" {
			t.Errorf("Expected only the live record, got %+v", page.Items)
		}
	})

	t.Run("Should paginate internally across backend pages", func(t *testing.T) {
		fake := newFakeStore()
		fake.pageSize = 2
		repo := newTestRepo(t, fake)
		seedOrders(t, repo,
			&testOrder{ID: "1:"}, &testOrder{ID: "2:"}, &testOrder{ID: "3:"},
			&testOrder{ID: "4:"}, &testOrder{ID: "5:"},
		)

		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 5 {
			t.Errorf("Expected all 5 items, got %d", len(page.Items))
		}
		if page.Partial {
			t.Error("Expected a complete page")
		}
		if _, _, _, _, queries := fake.callCounts(); queries != 3 {
			t.Errorf("Expected 3 backend pages, got %d", queries)
		}
	})

	t.Run("Should truncate at the caller limit and resume from the token", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo,
			&testOrder{ID: "1:"}, &testOrder{ID: "2:"}, &testOrder{ID: "3:"},
			&testOrder{ID: "4:"}, &testOrder{ID: "5:"},
		)

		first, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithLimit(2))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(first.Items) != 2 || !first.Partial || first.Outcome != apperrors.OutcomePartial {
			t.Fatalf("Expected a partial page of 2, got %+v", first)
		}
		if first.NextToken == "" {
			t.Fatal("Expected a resume token")
		}

		rest, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithStartToken(first.NextToken))
		if err != nil {
			t.Fatalf("Resumed list failed: %v", err)
		}
		if rest.Partial {
			t.Error("Expected the final page to be complete")
		}

		var ids []string
		for _, item := range append(first.Items, rest.Items...) {
			ids = append(ids, item.ID)
		}
		if len(ids) != 5 {
			t.Fatalf("Expected 5 items across pages, got %d", len(ids))
		}
		for i, want := range []string{"1:", "2:", "3:", "4:", "5:"} {
			if ids[i] != want {
				t.Errorf("Item %d: expected %s, got %s", i, want, ids[i])
			}
		}
	})

	t.Run("Should return a complete page when the limit lands on the end", func(t *testing.T) {
		fake := newFakeStore()
		fake.pageSize = 2
		repo := newTestRepo(t, fake)
		seedOrders(t, repo,
			&testOrder{ID: "1:"}, &testOrder{ID: "2:"},
			&testOrder{ID: "3:"}, &testOrder{ID: "4:"},
		)

		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithLimit(4))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 4 {
			t.Fatalf("Expected 4 items, got %d", len(page.Items))
		}
		if page.Partial || page.Outcome != apperrors.OutcomeOK {
			t.Errorf("Expected a complete page when nothing remains upstream, got %+v", page)
		}
	})

	t.Run("Should mark partial when the limit and a pending backend page co-occur", func(t *testing.T) {
		fake := newFakeStore()
		fake.pageSize = 2
		repo := newTestRepo(t, fake)
		seedOrders(t, repo,
			&testOrder{ID: "1:"}, &testOrder{ID: "2:"},
			&testOrder{ID: "3:"}, &testOrder{ID: "4:"},
		)

		// The limit lands exactly on a page boundary while the backend still
		// reports another page; the pending page alone must force partial.
		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithLimit(2))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if !page.Partial || page.Outcome != apperrors.OutcomePartial {
			t.Errorf("Expected partial with upstream data pending, got %+v", page)
		}
		if page.NextToken == "" {
			t.Error("Expected a resume token")
		}
	})

	t.Run("Should stop at the byte ceiling with at most one record over", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		payload := strings.Repeat("x", 2<<20)
		seedOrders(t, repo,
			&testOrder{ID: "1:", Status: payload},
			&testOrder{ID: "2:", Status: payload},
			&testOrder{ID: "3:", Status: payload},
			&testOrder{ID: "4:", Status: payload},
		)

		page, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"))
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if len(page.Items) != 3 {
			t.Errorf("Expected 3 items before the ceiling, got %d", len(page.Items))
		}
		if !page.Partial || page.Outcome != apperrors.OutcomePartial {
			t.Errorf("Expected partial at the ceiling, got %+v", page)
		}
		if page.Bytes < listByteCeiling {
			t.Errorf("Expected accumulation to reach the ceiling, got %d", page.Bytes)
		}
		if page.Bytes > listByteCeiling+len(payload)+1024 {
			t.Errorf("Expected at most one record of overage, got %d bytes", page.Bytes)
		}

		rest, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithStartToken(page.NextToken))
		if err != nil {
			t.Fatalf("Resumed list failed: %v", err)
		}
		if len(rest.Items) != 1 || rest.Items[0].ID != "4:" {
			t.Errorf("Expected the remaining record, got %+v", rest.Items)
		}
		if rest.Partial {
			t.Error("Expected the final page to be complete")
		}
	})

	t.Run("Should reject a malformed resume token", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		_, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"), WithStartToken("!!!"))
		if apperrors.OutcomeOf(err) != apperrors.OutcomeBadRequest {
			t.Errorf("Expected BadRequest, got %v", err)
		}
	})

	t.Run("Should reject an invalid query", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		_, err := repo.List(ctx, Equals("", "Nope", "x"))
		if apperrors.OutcomeOf(err) != apperrors.OutcomeBadRequest {
			t.Errorf("Expected BadRequest, got %v", err)
		}
	})

	t.Run("Should stop on a cancelled context", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		seedOrders(t, repo, &testOrder{ID: "1:"})

		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := repo.List(cancelled, GreaterThanOrEqual("", "SK", "0"))
		if err == nil {
			t.Error("Expected an error on a cancelled context")
		}
	})

	t.Run("Should classify backend failures", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake)
		fake.failWith = throttleErr()

		_, err := repo.List(ctx, GreaterThanOrEqual("", "SK", "0"))
		if !apperrors.IsUnavailable(err) {
			t.Errorf("Expected Unavailable, got %v", err)
		}
	})
}

func TestRepositoryNotifications(t *testing.T) {
	ctx := context.Background()

	t.Run("Should fire a write hook after create and update", func(t *testing.T) {
		hooks := &recorderHooks{}
		repo := newTestRepo(t, newFakeStore(), WithHooks[*testOrder](hooks))

		order := &testOrder{ID: "1:", CustomerID: "cust-9"}
		if err := repo.Create(ctx, order); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Update(ctx, order); err != nil {
			t.Fatalf("Update failed: %v", err)
		}

		writes, _ := hooks.snapshot()
		if len(writes) != 2 {
			t.Fatalf("Expected 2 write hooks, got %d", len(writes))
		}
		if writes[0].action != notify.ActionCreate || writes[1].action != notify.ActionUpdate {
			t.Errorf("Expected create then update, got %s/%s", writes[0].action, writes[1].action)
		}
		if writes[0].entityType != "Order.V2" {
			t.Errorf("Expected entity type Order.V2, got %s", writes[0].entityType)
		}
		if len(writes[0].topics) != 1 || writes[0].topics[0] != "customer/cust-9" {
			t.Errorf("Expected the customer topic, got %v", writes[0].topics)
		}
		if writes[0].utcTick != order.Created {
			t.Errorf("Expected the create tick %d, got %d", order.Created, writes[0].utcTick)
		}
		if writes[1].utcTick != order.Updated {
			t.Errorf("Expected the update tick %d, got %d", order.Updated, writes[1].utcTick)
		}
		if !strings.Contains(string(writes[0].payload), `"cust-9"`) {
			t.Error("Expected the payload in the write hook")
		}
	})

	t.Run("Should carry the writer session into the hook", func(t *testing.T) {
		hooks := &recorderHooks{}
		repo := newTestRepo(t, newFakeStore(), WithHooks[*testOrder](hooks))

		order := &testOrder{ID: "1:", CustomerID: "cust-9"}
		if err := repo.Create(ctx, order, WithSession("session-42")); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		if err := repo.Delete(ctx, order, WithSession("session-42")); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}

		writes, deletes := hooks.snapshot()
		if len(writes) != 1 || writes[0].sessionID != "session-42" {
			t.Errorf("Expected the write hook to carry session-42, got %+v", writes)
		}
		if len(deletes) != 1 || deletes[0].sessionID != "session-42" {
			t.Errorf("Expected the delete hook to carry session-42, got %+v", deletes)
		}
	})

	t.Run("Should fire a delete hook in both delete modes", func(t *testing.T) {
		for _, soft := range []bool{false, true} {
			hooks := &recorderHooks{}
			opts := []Option[*testOrder]{WithHooks[*testOrder](hooks)}
			if soft {
				opts = append(opts, WithSoftDelete[*testOrder](time.Hour))
			}
			repo := newTestRepo(t, newFakeStore(), opts...)

			order := &testOrder{ID: "1:", CustomerID: "cust-9"}
			if err := repo.Create(ctx, order); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if err := repo.Delete(ctx, order); err != nil {
				t.Fatalf("Delete failed: %v", err)
			}

			_, deletes := hooks.snapshot()
			if len(deletes) != 1 {
				t.Fatalf("soft=%v: expected 1 delete hook, got %d", soft, len(deletes))
			}
			if deletes[0].sortKey != "1:" || deletes[0].utcTick == 0 {
				t.Errorf("soft=%v: unexpected delete hook %+v", soft, deletes[0])
			}
			if len(deletes[0].topics) != 1 || deletes[0].topics[0] != "customer/cust-9" {
				t.Errorf("soft=%v: expected the customer topic, got %v", soft, deletes[0].topics)
			}
		}
	})

	t.Run("Should not fail the operation when dispatch fails", func(t *testing.T) {
		hooks := &recorderHooks{err: context.DeadlineExceeded}
		repo := newTestRepo(t, newFakeStore(), WithHooks[*testOrder](hooks))

		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Errorf("Expected the create to succeed past a hook failure, got %v", err)
		}
	})

	t.Run("Should stay silent without hooks", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		if err := repo.Create(ctx, &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	})
}

func TestRepositoryFlushCache(t *testing.T) {
	t.Run("Should force the next read to the backend", func(t *testing.T) {
		fake := newFakeStore()
		repo := newTestRepo(t, fake, WithCache[*testOrder](alwaysCache()))

		if err := repo.Create(context.Background(), &testOrder{ID: "1:"}); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
		repo.FlushCache()

		if _, err := repo.Read(context.Background(), "1:"); err != nil {
			t.Fatalf("Read failed: %v", err)
		}
		if _, gets, _, _, _ := fake.callCounts(); gets != 1 {
			t.Errorf("Expected a backend fetch after flush, got %d gets", gets)
		}
	})
}

func TestRepositoryTicks(t *testing.T) {
	t.Run("Should produce strictly increasing ticks under a frozen clock", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		clock := newManualClock()
		repo.clock = clock.Now

		prev := int64(0)
		for i := 0; i < 1000; i++ {
			tick := repo.tickAfter(0)
			if tick <= prev {
				t.Fatalf("Tick %d not strictly increasing: %d after %d", i, tick, prev)
			}
			prev = tick
		}
	})

	t.Run("Should clear a caller-supplied floor", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())
		floor := time.Now().UTC().UnixNano()/100 + 1_000_000_000
		if tick := repo.tickAfter(floor); tick <= floor {
			t.Errorf("Expected tick above the floor %d, got %d", floor, tick)
		}
	})

	t.Run("Should stay strictly increasing across goroutines", func(t *testing.T) {
		repo := newTestRepo(t, newFakeStore())

		var wg sync.WaitGroup
		ticks := make(chan int64, 8*200)
		for worker := 0; worker < 8; worker++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 200; i++ {
					ticks <- repo.tickAfter(0)
				}
			}()
		}
		wg.Wait()
		close(ticks)

		seen := make(map[int64]bool, 8*200)
		for tick := range ticks {
			if seen[tick] {
				t.Fatalf("Duplicate tick %d issued", tick)
			}
			seen[tick] = true
		}
	})
}
