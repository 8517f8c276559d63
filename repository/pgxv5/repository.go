package pgxv5

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"

	"github.com/evencore/evencore/idempotency"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/repository"
	"github.com/evencore/evencore/saga"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	outboxColumns = "id, aggregate_type, aggregate_id, event_type, topic, correlation_id, payload, status, created_at, processed_at, retry_count, last_error, claimed_by, claimed_until, not_before"

	insertOutboxSql = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, topic, correlation_id, payload, status, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)"
	claimBatchSql   = "UPDATE outbox SET claimed_by=$1, claimed_until=$2 WHERE id IN (" +
		"SELECT o.id FROM outbox o WHERE o.status='PENDING' " +
		"AND (o.claimed_until IS NULL OR o.claimed_until < now()) " +
		"AND (o.not_before IS NULL OR o.not_before <= now()) " +
		"AND NOT EXISTS (SELECT 1 FROM outbox o2 WHERE o2.aggregate_id=o.aggregate_id " +
		"AND o2.status='PENDING' AND o2.created_at < o.created_at " +
		"AND (o2.claimed_until >= now() OR o2.not_before > now())) " +
		"ORDER BY o.created_at ASC LIMIT $3 FOR UPDATE OF o SKIP LOCKED) " +
		"RETURNING " + outboxColumns
	markPublishedSql    = "UPDATE outbox SET status='PUBLISHED', processed_at=now(), claimed_by=NULL, claimed_until=NULL WHERE id=$1 AND status='PENDING'"
	markFailedSql       = "UPDATE outbox SET status='FAILED', last_error=$2, claimed_by=NULL, claimed_until=NULL WHERE id=$1 AND status='PENDING'"
	releaseOutboxSql    = "UPDATE outbox SET retry_count=retry_count+1, last_error=$2, claimed_by=NULL, claimed_until=NULL, not_before=$3 WHERE id=$1 AND status='PENDING'"
	unclaimOutboxSql    = "UPDATE outbox SET claimed_by=NULL, claimed_until=NULL WHERE id = ANY($1)"
	listFailedOutboxSql = "SELECT " + outboxColumns + " FROM outbox WHERE status='FAILED' ORDER BY created_at ASC LIMIT $1"

	claimIdempotencySql = "INSERT INTO idempotency (consumer_name, message_id, processed_at) VALUES ($1, $2, now()) ON CONFLICT DO NOTHING"

	instanceColumns = "id, definition_name, correlation_id, current_step_index, completed_steps, status, context, attempts, last_error, version, created_at, updated_at"

	insertInstanceSql      = "INSERT INTO saga_instance (" + instanceColumns + ") VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)"
	lockInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=$1 FOR UPDATE"
	findInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=$1"
	updateInstanceSql      = "UPDATE saga_instance SET current_step_index=$2, completed_steps=$3, status=$4, context=$5, attempts=$6, last_error=$7, version=version+1, updated_at=now() WHERE id=$1 AND version=$8"
	listFailedInstancesSql = "SELECT " + instanceColumns + " FROM saga_instance WHERE status='FAILED' ORDER BY created_at ASC LIMIT $1"
)

// dbpool is a helper interface to work with pgxpool.Pool.
type dbpool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// executor covers the surface shared by pgxpool.Pool and pgx.Tx that the
// idempotency ledger needs, so claims can run inside or outside a
// transaction.
type executor interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (commandTag pgconn.CommandTag, err error)
}

type Repository struct {
	txKey  repository.TxKey
	db     dbpool
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)
var _ outbox.Store = (*Repository)(nil)
var _ saga.Store = (*Repository)(nil)
var _ idempotency.TransactionalLedger = (*Repository)(nil)

func New(txKey repository.TxKey, pool dbpool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if pool == nil || reflect.ValueOf(pool).IsNil() {
		panic("pool is mandatory")
	}
	return &Repository{
		txKey: txKey,
		db:    pool,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// InTx opens a transaction, stores it in the context under the configured
// key and runs fn with it. Store operations called inside fn join that
// transaction through the context.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("could not open a transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

// Enqueue persists an outbox record in the same provided business
// transaction that should be present in the context. The expected
// transaction should implement pgx.Tx interface.
func (r *Repository) Enqueue(ctx context.Context, rec *outbox.Record) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertOutboxSql,
		rec.Id,
		rec.AggregateType,
		rec.AggregateId,
		rec.EventType,
		rec.Topic,
		rec.CorrelationId,
		rec.Payload,
		rec.Status,
		rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FetchBatch atomically claims up to limit pending records for the given
// claimant. SKIP LOCKED keeps concurrent dispatchers from blocking each
// other on the same rows. A record whose aggregate has an earlier pending
// record currently claimed or waiting out a backoff is not claimable, so
// per aggregate order survives retry windows and concurrent claimants.
func (r *Repository) FetchBatch(ctx context.Context, limit int, visibility time.Duration, claimant uuid.UUID) ([]*outbox.Record, error) {
	rows, err := r.db.Query(ctx, claimBatchSql, claimant, time.Now().Add(visibility), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING does not guarantee row order
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})

	return records, nil
}

func (r *Repository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, markPublishedSql, id)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := r.db.Exec(ctx, markFailedSql, id, cause)
	return err
}

func (r *Repository) Release(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time) error {
	_, err := r.db.Exec(ctx, releaseOutboxSql, id, cause, nextAttempt)
	return err
}

func (r *Repository) Unclaim(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.Exec(ctx, unclaimOutboxSql, ids)
	return err
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := r.db.Query(ctx, listFailedOutboxSql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TryClaim inserts the (consumer, messageId) pair if it is not there yet.
// When a transaction is present in the context the claim joins it, so it
// only becomes durable together with the side effects it guards.
func (r *Repository) TryClaim(ctx context.Context, consumer, messageId string) (bool, error) {
	var ex executor = r.db
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		ex = tx
	}
	ct, err := ex.Exec(ctx, claimIdempotencySql, consumer, messageId)
	if err != nil {
		return false, fmt.Errorf("could not claim the message: %w", err)
	}
	return ct.RowsAffected() == 1, nil
}

// TransactionalClaims marks that TryClaim joins the transaction carried in
// the context.
func (r *Repository) TransactionalClaims() {}

// Insert persists a new saga instance inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, i *saga.Instance) error {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return errors.New("a pgx.Tx transaction was expected")
	}
	_, err := tx.Exec(ctx, insertInstanceSql,
		i.Id,
		i.DefinitionName,
		i.CorrelationId,
		i.CurrentStepIndex,
		completedSteps(i.CompletedSteps),
		i.Status,
		instanceContext(i.Context),
		i.Attempts,
		i.LastError,
		i.Version,
		i.CreatedAt,
		i.UpdatedAt)
	if err != nil {
		return fmt.Errorf("could not persist the saga instance: %w", err)
	}

	return nil
}

// Lock loads an instance with FOR UPDATE, serializing every transition of
// that instance on the database row until the surrounding transaction ends.
func (r *Repository) Lock(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	tx, ok := ctx.Value(r.txKey).(pgx.Tx)
	if !ok {
		return nil, errors.New("a pgx.Tx transaction was expected")
	}
	return scanInstance(tx.QueryRow(ctx, lockInstanceSql, id))
}

func (r *Repository) Update(ctx context.Context, i *saga.Instance) error {
	var ex executor = r.db
	if tx, ok := ctx.Value(r.txKey).(pgx.Tx); ok {
		ex = tx
	}
	ct, err := ex.Exec(ctx, updateInstanceSql,
		i.Id,
		i.CurrentStepIndex,
		completedSteps(i.CompletedSteps),
		i.Status,
		instanceContext(i.Context),
		i.Attempts,
		i.LastError,
		i.Version)
	if err != nil {
		return fmt.Errorf("could not update the saga instance: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return saga.ErrStaleInstance
	}
	i.Version++

	return nil
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return scanInstance(r.db.QueryRow(ctx, findInstanceSql, id))
}

func (r *Repository) FailedInstances(ctx context.Context, limit int) ([]*saga.Instance, error) {
	rows, err := r.db.Query(ctx, listFailedInstancesSql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*saga.Instance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return instances, nil
}
