package evc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/evencore/evencore/emitter"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockStore struct {
	mu        sync.Mutex
	batch     []*outbox.Record
	fetchErr  error
	published []uuid.UUID
	failed    map[uuid.UUID]string
	released  map[uuid.UUID]time.Time
	unclaimed []uuid.UUID
}

var _ outbox.Store = (*mockStore)(nil)

func newMockStore(batch ...*outbox.Record) *mockStore {
	return &mockStore{
		batch:    batch,
		failed:   make(map[uuid.UUID]string),
		released: make(map[uuid.UUID]time.Time),
	}
}

func (s *mockStore) Enqueue(_ context.Context, _ *outbox.Record) error {
	return errors.New("unexpected call")
}

func (s *mockStore) FetchBatch(_ context.Context, limit int, _ time.Duration, _ uuid.UUID) ([]*outbox.Record, error) {
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	if len(s.batch) > limit {
		return s.batch[:limit], nil
	}
	return s.batch, nil
}

func (s *mockStore) MarkPublished(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.published = append(s.published, id)
	return nil
}

func (s *mockStore) MarkFailed(_ context.Context, id uuid.UUID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = cause
	return nil
}

func (s *mockStore) Release(_ context.Context, id uuid.UUID, _ string, nextAttempt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released[id] = nextAttempt
	return nil
}

func (s *mockStore) Unclaim(_ context.Context, ids []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unclaimed = append(s.unclaimed, ids...)
	return nil
}

func (s *mockStore) ListFailed(_ context.Context, _ int) ([]*outbox.Record, error) {
	return nil, nil
}

// mockEmitter reports the configured error per record id and remembers the
// order records were emitted in, per aggregate.
type mockEmitter struct {
	mu       sync.Mutex
	failWith map[uuid.UUID]error
	syncErr  map[uuid.UUID]error
	order    map[string][]uuid.UUID
}

var _ emitter.Emitter = (*mockEmitter)(nil)

func newMockEmitter() *mockEmitter {
	return &mockEmitter{
		failWith: make(map[uuid.UUID]error),
		syncErr:  make(map[uuid.UUID]error),
		order:    make(map[string][]uuid.UUID),
	}
}

func (e *mockEmitter) Emit(r *outbox.Record, reports chan *emitter.DeliveryReport) error {
	e.mu.Lock()
	e.order[r.AggregateId] = append(e.order[r.AggregateId], r.Id)
	e.mu.Unlock()
	if err := e.syncErr[r.Id]; err != nil {
		return err
	}
	reports <- &emitter.DeliveryReport{Record: r, Error: e.failWith[r.Id], Details: "delivered"}
	return nil
}

func record(aggregateId string, retryCount int) *outbox.Record {
	r := outbox.NewRecord(&outbox.Event{
		AggregateType: "Order",
		AggregateId:   aggregateId,
		EventType:     "OrderCreated",
		Payload:       []byte(`{}`),
	})
	r.RetryCount = retryCount
	return r
}

func newTestDispatcher(store *mockStore, em *mockEmitter) (*dispatcher, *test.TestCounter, *test.TestCounter) {
	success := &test.TestCounter{}
	failure := &test.TestCounter{}
	s := Settings{EnableDispatcher: true, RetryBackoffBase: time.Second, RetryBackoffMax: time.Minute, MaxRetries: 3}
	validateSettings(&s)
	return &dispatcher{
		id:         uuid.New(),
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    em,
		store:      store,
		successCtr: success,
		errorCtr:   failure,
	}, success, failure
}

func TestProcessOutboxPublishes(t *testing.T) {
	r1 := record("order-1", 0)
	r2 := record("order-2", 0)
	store := newMockStore(r1, r2)
	em := newMockEmitter()
	d, success, failure := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	assert.ElementsMatch(t, []uuid.UUID{r1.Id, r2.Id}, store.published)
	assert.Empty(t, store.failed)
	assert.Empty(t, store.released)
	assert.Equal(t, int64(2), success.Value())
	assert.Equal(t, int64(0), failure.Value())
}

func TestProcessOutboxPreservesAggregateOrder(t *testing.T) {
	r1 := record("order-1", 0)
	r2 := record("order-1", 0)
	r3 := record("order-1", 0)
	store := newMockStore(r1, r2, r3)
	em := newMockEmitter()
	d, _, _ := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	assert.Equal(t, []uuid.UUID{r1.Id, r2.Id, r3.Id}, em.order["order-1"])
	assert.Equal(t, []uuid.UUID{r1.Id, r2.Id, r3.Id}, store.published)
}

func TestProcessOutboxTransientFailureReleasesWithBackoff(t *testing.T) {
	r := record("order-1", 1)
	store := newMockStore(r)
	em := newMockEmitter()
	em.failWith[r.Id] = errors.New("broker unavailable")
	d, success, failure := newTestDispatcher(store, em)

	before := time.Now()
	d.processOutbox(context.Background())

	require.Contains(t, store.released, r.Id)
	// retryCount 1 with a 1s base means a 2s delay
	assert.WithinDuration(t, before.Add(2*time.Second), store.released[r.Id], time.Second)
	assert.Empty(t, store.published)
	assert.Empty(t, store.failed)
	assert.Equal(t, int64(0), success.Value())
	assert.Equal(t, int64(1), failure.Value())
}

func TestProcessOutboxPermanentFailureDeadLetters(t *testing.T) {
	r := record("order-1", 0)
	store := newMockStore(r)
	em := newMockEmitter()
	em.failWith[r.Id] = outbox.Permanent(errors.New("message too large"))
	d, _, failure := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	assert.Equal(t, "message too large", store.failed[r.Id])
	assert.Empty(t, store.released)
	assert.Equal(t, int64(1), failure.Value())
}

func TestProcessOutboxRetryExhaustionDeadLetters(t *testing.T) {
	r := record("order-1", 2) // MaxRetries is 3, this is the last attempt
	store := newMockStore(r)
	em := newMockEmitter()
	em.failWith[r.Id] = errors.New("broker unavailable")
	d, _, _ := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	assert.Equal(t, "broker unavailable", store.failed[r.Id])
	assert.Empty(t, store.released)
}

func TestProcessOutboxFailureBlocksRestOfAggregate(t *testing.T) {
	r1 := record("order-1", 0)
	r2 := record("order-1", 0)
	r3 := record("order-1", 0)
	other := record("order-2", 0)
	store := newMockStore(r1, r2, r3, other)
	em := newMockEmitter()
	em.failWith[r2.Id] = errors.New("broker unavailable")
	d, _, _ := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	// r1 went through, r2 failed, r3 was never attempted
	assert.ElementsMatch(t, []uuid.UUID{r1.Id, other.Id}, store.published)
	assert.Contains(t, store.released, r2.Id)
	assert.Equal(t, []uuid.UUID{r3.Id}, store.unclaimed)
	assert.Equal(t, []uuid.UUID{r1.Id, r2.Id}, em.order["order-1"])
}

func TestProcessOutboxSynchronousEmitError(t *testing.T) {
	r := record("order-1", 0)
	store := newMockStore(r)
	em := newMockEmitter()
	em.syncErr[r.Id] = errors.New("producer queue full")
	d, _, failure := newTestDispatcher(store, em)

	d.processOutbox(context.Background())

	assert.Contains(t, store.released, r.Id)
	assert.Equal(t, int64(1), failure.Value())
}

func TestProcessOutboxFetchError(t *testing.T) {
	store := newMockStore()
	store.fetchErr = errors.New("connection refused")
	em := newMockEmitter()
	d, _, _ := newTestDispatcher(store, em)
	tl := &test.TestLogger{}
	d.logger = tl

	d.processOutbox(context.Background())

	assert.Empty(t, store.published)
	assert.NotEmpty(t, tl.Lines)
}
