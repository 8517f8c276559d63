package sql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/evencore/evencore/idempotency"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/repository"
	"github.com/evencore/evencore/saga"
	"github.com/google/uuid"
)

const raNotSupported string = "RowsAffected not supported"

const (
	outboxColumns   = "id, aggregate_type, aggregate_id, event_type, topic, correlation_id, payload, status, created_at, processed_at, retry_count, last_error, claimed_by, claimed_until, not_before"
	instanceColumns = "id, definition_name, correlation_id, current_step_index, completed_steps, status, context, attempts, last_error, version, created_at, updated_at"
)

var (
	insertOutboxSql = "INSERT INTO outbox (id, aggregate_type, aggregate_id, event_type, topic, correlation_id, payload, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)"
	claimBatchSql   = "UPDATE outbox SET claimed_by=?, claimed_until=? WHERE id IN (" +
		"SELECT o.id FROM outbox o WHERE o.status='PENDING' " +
		"AND (o.claimed_until IS NULL OR o.claimed_until < now()) " +
		"AND (o.not_before IS NULL OR o.not_before <= now()) " +
		"AND NOT EXISTS (SELECT 1 FROM outbox o2 WHERE o2.aggregate_id=o.aggregate_id " +
		"AND o2.status='PENDING' AND o2.created_at < o.created_at " +
		"AND (o2.claimed_until >= now() OR o2.not_before > now())) " +
		"ORDER BY o.created_at ASC LIMIT ? FOR UPDATE OF o SKIP LOCKED) " +
		"RETURNING " + outboxColumns
	markPublishedSql    = "UPDATE outbox SET status='PUBLISHED', processed_at=now(), claimed_by=NULL, claimed_until=NULL WHERE id=? AND status='PENDING'"
	markFailedSql       = "UPDATE outbox SET status='FAILED', last_error=?, claimed_by=NULL, claimed_until=NULL WHERE id=? AND status='PENDING'"
	releaseOutboxSql    = "UPDATE outbox SET retry_count=retry_count+1, last_error=?, claimed_by=NULL, claimed_until=NULL, not_before=? WHERE id=? AND status='PENDING'"
	listFailedOutboxSql = "SELECT " + outboxColumns + " FROM outbox WHERE status='FAILED' ORDER BY created_at ASC LIMIT ?"

	claimIdempotencySql = "INSERT INTO idempotency (consumer_name, message_id, processed_at) VALUES (?, ?, now()) ON CONFLICT DO NOTHING"

	insertInstanceSql      = "INSERT INTO saga_instance (" + instanceColumns + ") VALUES (?, ?, ?, ?, ?::jsonb, ?, ?::jsonb, ?, ?, ?, ?, ?)"
	lockInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=? FOR UPDATE"
	findInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=?"
	updateInstanceSql      = "UPDATE saga_instance SET current_step_index=?, completed_steps=?::jsonb, status=?, context=?::jsonb, attempts=?, last_error=?, version=version+1, updated_at=now() WHERE id=? AND version=?"
	listFailedInstancesSql = "SELECT " + instanceColumns + " FROM saga_instance WHERE status='FAILED' ORDER BY created_at ASC LIMIT ?"
)

type Repository struct {
	txKey     repository.TxKey
	db        *sql.DB
	useDollar bool
	logger    logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)
var _ outbox.Store = (*Repository)(nil)
var _ saga.Store = (*Repository)(nil)
var _ idempotency.TransactionalLedger = (*Repository)(nil)

func New(txKey repository.TxKey, db *sql.DB, useDollar bool) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}

	if useDollar {
		insertOutboxSql = convertToDollarPlaceholder(insertOutboxSql)
		claimBatchSql = convertToDollarPlaceholder(claimBatchSql)
		markPublishedSql = convertToDollarPlaceholder(markPublishedSql)
		markFailedSql = convertToDollarPlaceholder(markFailedSql)
		releaseOutboxSql = convertToDollarPlaceholder(releaseOutboxSql)
		listFailedOutboxSql = convertToDollarPlaceholder(listFailedOutboxSql)
		claimIdempotencySql = convertToDollarPlaceholder(claimIdempotencySql)
		insertInstanceSql = convertToDollarPlaceholder(insertInstanceSql)
		lockInstanceSql = convertToDollarPlaceholder(lockInstanceSql)
		findInstanceSql = convertToDollarPlaceholder(findInstanceSql)
		updateInstanceSql = convertToDollarPlaceholder(updateInstanceSql)
		listFailedInstancesSql = convertToDollarPlaceholder(listFailedInstancesSql)
	}

	return &Repository{
		txKey:     txKey,
		db:        db,
		useDollar: useDollar,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// InTx opens a transaction, stores it in the context under the configured
// key and runs fn with it.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("could not open a transaction: %w", err)
	}
	if err := fn(context.WithValue(ctx, r.txKey, tx)); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Enqueue persists an outbox record in the same provided business
// transaction that should be present in the context. The expected
// transaction should be a pointer to an instance of sql.Tx.
func (r *Repository) Enqueue(ctx context.Context, rec *outbox.Record) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	_, err := tx.ExecContext(ctx, insertOutboxSql,
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
// claimant.
func (r *Repository) FetchBatch(ctx context.Context, limit int, visibility time.Duration, claimant uuid.UUID) ([]*outbox.Record, error) {
	rows, err := r.db.QueryContext(ctx, claimBatchSql, claimant, time.Now().Add(visibility), limit)
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
	_, err := r.db.ExecContext(ctx, markPublishedSql, id)
	return err
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	_, err := r.db.ExecContext(ctx, markFailedSql, cause, id)
	return err
}

func (r *Repository) Release(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time) error {
	_, err := r.db.ExecContext(ctx, releaseOutboxSql, cause, nextAttempt, id)
	return err
}

func (r *Repository) Unclaim(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}

	query := "UPDATE outbox SET claimed_by=NULL, claimed_until=NULL WHERE id IN ("
	placeholders := make([]string, len(ids))
	if r.useDollar {
		for i := range placeholders {
			placeholders[i] = "$" + strconv.Itoa(i+1)
		}
	} else {
		for i := range placeholders {
			placeholders[i] = "?"
		}
	}
	query += strings.Join(placeholders, ",") + ")"
	values := make([]interface{}, len(ids))
	for i, id := range ids {
		values[i] = id
	}

	_, err := r.db.ExecContext(ctx, query, values...)
	return err
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := r.db.QueryContext(ctx, listFailedOutboxSql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TryClaim inserts the (consumer, messageId) pair if it is not there yet,
// joining the caller's transaction when one is present in the context.
func (r *Repository) TryClaim(ctx context.Context, consumer, messageId string) (bool, error) {
	var res sql.Result
	var err error
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		res, err = tx.ExecContext(ctx, claimIdempotencySql, consumer, messageId)
	} else {
		res, err = r.db.ExecContext(ctx, claimIdempotencySql, consumer, messageId)
	}
	if err != nil {
		return false, fmt.Errorf("could not claim the message: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return false, errors.New(raNotSupported)
	}
	return ra == 1, nil
}

// TransactionalClaims marks that TryClaim joins the transaction carried in
// the context.
func (r *Repository) TransactionalClaims() {}

// Insert persists a new saga instance inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, i *saga.Instance) error {
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return errors.New("an *sql.Tx transaction was expected")
	}
	_, err := tx.ExecContext(ctx, insertInstanceSql,
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
	tx, ok := ctx.Value(r.txKey).(*sql.Tx)
	if !ok {
		return nil, errors.New("an *sql.Tx transaction was expected")
	}
	return scanInstance(tx.QueryRowContext(ctx, lockInstanceSql, id))
}

func (r *Repository) Update(ctx context.Context, i *saga.Instance) error {
	var res sql.Result
	var err error
	args := []interface{}{
		i.CurrentStepIndex,
		completedSteps(i.CompletedSteps),
		i.Status,
		instanceContext(i.Context),
		i.Attempts,
		i.LastError,
		i.Id,
		i.Version,
	}
	if tx, ok := ctx.Value(r.txKey).(*sql.Tx); ok {
		res, err = tx.ExecContext(ctx, updateInstanceSql, args...)
	} else {
		res, err = r.db.ExecContext(ctx, updateInstanceSql, args...)
	}
	if err != nil {
		return fmt.Errorf("could not update the saga instance: %w", err)
	}
	ra, err := res.RowsAffected()
	if err != nil {
		return errors.New(raNotSupported)
	}
	if ra == 0 {
		return saga.ErrStaleInstance
	}
	i.Version++

	return nil
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return scanInstance(r.db.QueryRowContext(ctx, findInstanceSql, id))
}

func (r *Repository) FailedInstances(ctx context.Context, limit int) ([]*saga.Instance, error) {
	rows, err := r.db.QueryContext(ctx, listFailedInstancesSql, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*saga.Instance
	for rows.Next() {
		i, err := scanInstanceRow(rows)
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

func convertToDollarPlaceholder(query string) string {
	count := 0
	for strings.Contains(query, "?") {
		count++
		query = strings.Replace(query, "?", fmt.Sprintf("$%d", count), 1)
	}
	return query
}
