package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/repository"
	"github.com/evencore/evencore/saga"
	"github.com/evencore/evencore/test"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	_ "github.com/jackc/pgx/v5/stdlib"
)

var (
	db   *sql.DB
	repo *Repository
)

// TestMain prepares the database setup needed to run these tests. As you can
// see the database layer is tested against a real Postgres containerized
// instance, but for some specific cases (mostly to simulate errors) a sqlmock
// instance is used.
func TestMain(m *testing.M) {
	ctx := context.Background()

	database, err := test.InitPostgresContainer(ctx)
	if err != nil {
		fmt.Printf("A problem occurred initializing the database: %v", err)
		os.Exit(1)
	}

	dsn, err := database.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Printf("A problem occurred getting the connection string: %v", err)
		os.Exit(1)
	}

	db, err = sql.Open("pgx", dsn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Unable to connect to database: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	repo = New(test.DefaultCtxKey, db, true)
	repo.SetLogger(&logger.NopLogger{})

	code := m.Run()

	err = database.Terminate(ctx)
	if err != nil {
		fmt.Printf("an error ocurred terminating the database container: %v", err)
	}
	os.Exit(code)
}

func TestNew(t *testing.T) {
	type args struct {
		txKey repository.TxKey
		db    *sql.DB
	}
	testcases := []struct {
		name      string
		args      args
		wantPanic bool
	}{
		{
			name: "valid txKey and valid db",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    db,
			},
			wantPanic: false,
		},
		{
			name: "txKey is nil",
			args: args{
				txKey: nil,
			},
			wantPanic: true,
		},
		{
			name: "db is nil",
			args: args{
				txKey: test.DefaultCtxKey,
				db:    nil,
			},
			wantPanic: true,
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.wantPanic {
				assert.Panics(t, func() {
					New(tc.args.txKey, tc.args.db, false)
				})
			} else {
				assert.NotPanics(t, func() {
					New(tc.args.txKey, tc.args.db, false)
				})
			}
		})
	}
}

func TestEnqueue(t *testing.T) {
	type args struct {
		ctx context.Context
	}
	testcases := []struct {
		name       string
		args       args
		wantErr    bool
		wantErrMsg string
	}{
		{
			name: "valid context with transaction",
			args: args{
				ctx: func() context.Context {
					tx, _ := db.Begin()
					return context.WithValue(context.Background(), test.DefaultCtxKey, tx)
				}(),
			},
			wantErr: false,
		},
		{
			name: "context without an existing transaction",
			args: args{
				ctx: context.Background(),
			},
			wantErr:    true,
			wantErrMsg: "an *sql.Tx transaction was expected",
		},
		{
			name: "simulate error when saving",
			args: args{
				ctx: func() context.Context {
					conn, mock, _ := sqlmock.New()
					mock.ExpectBegin()
					mock.ExpectExec("INSERT INTO outbox.+").WithArgs(test.GenerateAnyArgsSlice(9)...).WillReturnError(errors.New("error#1"))
					tx, _ := conn.Begin()
					return context.WithValue(context.Background(), test.DefaultCtxKey, tx)
				}(),
			},
			wantErr:    true,
			wantErrMsg: "could not persist the outbox record: error#1",
		},
	}

	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := tc.args.ctx
			r := outbox.NewRecord(&outbox.Event{
				AggregateType: "Order",
				AggregateId:   "order-1",
				EventType:     "OrderPlaced",
				Payload:       []byte("payload"),
			})
			err := repo.Enqueue(ctx, r)
			if !tc.wantErr {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tc.wantErrMsg, err.Error())
			}

			if tx, ok := ctx.Value(test.DefaultCtxKey).(*sql.Tx); ok {
				tx.Rollback() //nolint:all
			}
		})
	}
}

func TestFetchBatchWithMockedRows(t *testing.T) {
	conn, mock, _ := sqlmock.New()
	mockRepo := New(test.DefaultCtxKey, conn, false)
	test.MockOutboxRows(mock)

	batch, err := mockRepo.FetchBatch(context.Background(), 100, time.Minute, uuid.New())
	require.NoError(t, err)
	require.Len(t, batch, 3)
	assert.Equal(t, "order-1", batch[0].AggregateId)
	assert.Equal(t, "order-1", batch[1].AggregateId)
	assert.Equal(t, "order-2", batch[2].AggregateId)
	assert.Equal(t, outbox.StatusPending, batch[0].Status)
	assert.Zero(t, batch[0].RetryCount)
}

func TestFetchBatchClaims(t *testing.T) {
	ctx := context.Background()
	r := enqueueOne(t, "order-claim")

	claimant := uuid.New()
	batch, err := repo.FetchBatch(ctx, 100, time.Minute, claimant)
	require.NoError(t, err)
	mine := filterByAggregate(batch, "order-claim")
	require.Len(t, mine, 1)
	assert.Equal(t, r.Id, mine[0].Id)
	require.NotNil(t, mine[0].ClaimedBy)
	assert.Equal(t, claimant, *mine[0].ClaimedBy)

	batch, err = repo.FetchBatch(ctx, 100, time.Minute, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, filterByAggregate(batch, "order-claim"))
}

func TestBackoffBlocksLaterRecordsOfSameAggregate(t *testing.T) {
	ctx := context.Background()
	first := enqueueOne(t, "order-blocked")
	second := enqueueOne(t, "order-blocked")

	_, err := repo.FetchBatch(ctx, 100, time.Minute, uuid.New())
	require.NoError(t, err)

	// the first record waits out a backoff; the second must wait with it
	require.NoError(t, repo.Release(ctx, first.Id, "broker unavailable", time.Now().Add(time.Hour)))
	require.NoError(t, repo.Unclaim(ctx, []uuid.UUID{second.Id}))

	batch, err := repo.FetchBatch(ctx, 100, time.Minute, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, filterByAggregate(batch, "order-blocked"))
}

func TestMarkFailedAndListFailed(t *testing.T) {
	ctx := context.Background()
	r := enqueueOne(t, "order-dead")
	require.NoError(t, repo.MarkFailed(ctx, r.Id, "unrecoverable"))

	failed, err := repo.ListFailed(ctx, 100)
	require.NoError(t, err)
	mine := filterByAggregate(failed, "order-dead")
	require.Len(t, mine, 1)
	assert.Equal(t, "unrecoverable", mine[0].LastError)
	// processed_at marks successful publication only
	assert.Nil(t, mine[0].ProcessedAt)
}

func TestReleaseAndUnclaim(t *testing.T) {
	ctx := context.Background()
	r := enqueueOne(t, "order-release")

	_, err := repo.FetchBatch(ctx, 100, time.Hour, uuid.New())
	require.NoError(t, err)

	require.NoError(t, repo.Release(ctx, r.Id, "broker unavailable", time.Now().Add(-time.Second)))

	batch, err := repo.FetchBatch(ctx, 100, time.Hour, uuid.New())
	require.NoError(t, err)
	mine := filterByAggregate(batch, "order-release")
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].RetryCount)

	require.NoError(t, repo.Unclaim(ctx, []uuid.UUID{r.Id}))
	batch, err = repo.FetchBatch(ctx, 100, time.Minute, uuid.New())
	require.NoError(t, err)
	mine = filterByAggregate(batch, "order-release")
	require.Len(t, mine, 1)
	assert.Equal(t, 1, mine[0].RetryCount)
}

func TestTryClaim(t *testing.T) {
	ctx := context.Background()

	claimed, err := repo.TryClaim(ctx, "orchestrator", "sql-msg-1")
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = repo.TryClaim(ctx, "orchestrator", "sql-msg-1")
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestTryClaimRollsBackWithTx(t *testing.T) {
	err := repo.InTx(context.Background(), func(ctx context.Context) error {
		claimed, err := repo.TryClaim(ctx, "orchestrator", "sql-msg-rollback")
		require.NoError(t, err)
		require.True(t, claimed)
		return errors.New("handler failure")
	})
	assert.Error(t, err)

	claimed, err := repo.TryClaim(context.Background(), "orchestrator", "sql-msg-rollback")
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestSagaInstanceLifecycle(t *testing.T) {
	ctx := context.Background()
	instance := saga.NewInstance("OrderSaga", "sql-corr-1", map[string]string{"orderId": "order-1"})

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context) error {
		return repo.Insert(ctx, instance)
	}))

	require.NoError(t, repo.InTx(ctx, func(ctx context.Context) error {
		locked, err := repo.Lock(ctx, instance.Id)
		if err != nil {
			return err
		}
		assert.Equal(t, saga.StatusPending, locked.Status)

		locked.Status = saga.StatusInProgress
		locked.CompletedSteps = append(locked.CompletedSteps, "reserve_inventory")
		locked.CurrentStepIndex = 1
		return repo.Update(ctx, locked)
	}))

	found, err := repo.Find(ctx, instance.Id)
	require.NoError(t, err)
	assert.Equal(t, saga.StatusInProgress, found.Status)
	assert.Equal(t, []string{"reserve_inventory"}, found.CompletedSteps)
}

func TestUpdateStaleInstance(t *testing.T) {
	ctx := context.Background()
	instance := saga.NewInstance("OrderSaga", "sql-corr-stale", nil)
	require.NoError(t, repo.InTx(ctx, func(ctx context.Context) error {
		return repo.Insert(ctx, instance)
	}))

	stale, err := repo.Find(ctx, instance.Id)
	require.NoError(t, err)

	current, err := repo.Find(ctx, instance.Id)
	require.NoError(t, err)
	current.Status = saga.StatusInProgress
	require.NoError(t, repo.Update(ctx, current))

	stale.Status = saga.StatusFailed
	assert.ErrorIs(t, repo.Update(ctx, stale), saga.ErrStaleInstance)
}

func TestLockWithMockedRow(t *testing.T) {
	conn, mock, _ := sqlmock.New()
	mockRepo := New(test.DefaultCtxKey, conn, false)
	id := uuid.New()
	mock.ExpectBegin()
	test.MockSagaInstanceRow(mock, id, "SELECT .+ FROM saga_instance WHERE id=.+ FOR UPDATE")
	tx, _ := conn.Begin()
	ctx := context.WithValue(context.Background(), test.DefaultCtxKey, tx)

	instance, err := mockRepo.Lock(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, instance.Id)
	assert.Equal(t, saga.StatusInProgress, instance.Status)
	assert.Equal(t, []string{"reserve_inventory"}, instance.CompletedSteps)
	assert.Equal(t, map[string]string{"orderId": "order-1"}, instance.Context)
}

func TestFindUnknownInstance(t *testing.T) {
	_, err := repo.Find(context.Background(), uuid.New())
	assert.ErrorIs(t, err, saga.ErrNotFound)
}

func enqueueOne(t *testing.T, aggregateId string) *outbox.Record {
	t.Helper()
	r := outbox.NewRecord(&outbox.Event{
		AggregateType: "Order",
		AggregateId:   aggregateId,
		EventType:     "OrderPlaced",
		Payload:       []byte(`{"total":100}`),
	})
	require.NoError(t, repo.InTx(context.Background(), func(ctx context.Context) error {
		return repo.Enqueue(ctx, r)
	}))
	return r
}

func filterByAggregate(records []*outbox.Record, aggregateId string) []*outbox.Record {
	var out []*outbox.Record
	for _, r := range records {
		if r.AggregateId == aggregateId {
			out = append(out, r)
		}
	}
	return out
}
