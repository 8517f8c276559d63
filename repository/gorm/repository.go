package gorm

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/evencore/evencore/idempotency"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/repository"
	"github.com/evencore/evencore/saga"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	outboxColumns = "id, aggregate_type, aggregate_id, event_type, topic, correlation_id, payload, status, created_at, processed_at, retry_count, last_error, claimed_by, claimed_until, not_before"

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
	unclaimOutboxSql    = "UPDATE outbox SET claimed_by=NULL, claimed_until=NULL WHERE id IN ?"
	listFailedOutboxSql = "SELECT " + outboxColumns + " FROM outbox WHERE status='FAILED' ORDER BY created_at ASC LIMIT ?"

	claimIdempotencySql = "INSERT INTO idempotency (consumer_name, message_id, processed_at) VALUES (?, ?, now()) ON CONFLICT DO NOTHING"

	instanceColumns = "id, definition_name, correlation_id, current_step_index, completed_steps, status, context, attempts, last_error, version, created_at, updated_at"

	insertInstanceSql      = "INSERT INTO saga_instance (" + instanceColumns + ") VALUES (?, ?, ?, ?, ?::jsonb, ?, ?::jsonb, ?, ?, ?, ?, ?)"
	lockInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=? FOR UPDATE"
	findInstanceSql        = "SELECT " + instanceColumns + " FROM saga_instance WHERE id=?"
	updateInstanceSql      = "UPDATE saga_instance SET current_step_index=?, completed_steps=?::jsonb, status=?, context=?::jsonb, attempts=?, last_error=?, version=version+1, updated_at=now() WHERE id=? AND version=?"
	listFailedInstancesSql = "SELECT " + instanceColumns + " FROM saga_instance WHERE status='FAILED' ORDER BY created_at ASC LIMIT ?"
)

type Repository struct {
	txKey  repository.TxKey
	db     *gorm.DB
	logger logger.Logger
}

var _ logger.Loggable = (*Repository)(nil)
var _ repository.Transactor = (*Repository)(nil)
var _ outbox.Store = (*Repository)(nil)
var _ saga.Store = (*Repository)(nil)
var _ idempotency.TransactionalLedger = (*Repository)(nil)

func New(txKey repository.TxKey, db *gorm.DB) *Repository {
	if txKey == nil {
		panic("txKey is mandatory")
	}
	if db == nil {
		panic("db is mandatory")
	}
	return &Repository{
		txKey: txKey,
		db:    db,
	}
}

// SetLogger sets an optional logger.
func (r *Repository) SetLogger(l logger.Logger) {
	r.logger = l
}

// InTx runs fn inside a gorm transaction stored in the context under the
// configured key. Store operations called inside fn join it through the
// context.
func (r *Repository) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, r.txKey, tx))
	})
}

// Enqueue persists an outbox record in the same provided business
// transaction that should be present in the context. The expected
// transaction should be a pointer to an instance of gorm.DB.
func (r *Repository) Enqueue(ctx context.Context, rec *outbox.Record) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.Exec(insertOutboxSql,
		rec.Id,
		rec.AggregateType,
		rec.AggregateId,
		rec.EventType,
		rec.Topic,
		rec.CorrelationId,
		rec.Payload,
		rec.Status,
		rec.CreatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the outbox record: %w", err)
	}

	return nil
}

// FetchBatch atomically claims up to limit pending records for the given
// claimant.
func (r *Repository) FetchBatch(ctx context.Context, limit int, visibility time.Duration, claimant uuid.UUID) ([]*outbox.Record, error) {
	rows, err := r.db.WithContext(ctx).Raw(claimBatchSql, claimant, time.Now().Add(visibility), limit).Rows()
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
	return r.db.WithContext(ctx).Exec(markPublishedSql, id).Error
}

func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, cause string) error {
	return r.db.WithContext(ctx).Exec(markFailedSql, cause, id).Error
}

func (r *Repository) Release(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time) error {
	return r.db.WithContext(ctx).Exec(releaseOutboxSql, cause, nextAttempt, id).Error
}

func (r *Repository) Unclaim(ctx context.Context, ids []uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Exec(unclaimOutboxSql, ids).Error
}

func (r *Repository) ListFailed(ctx context.Context, limit int) ([]*outbox.Record, error) {
	rows, err := r.db.WithContext(ctx).Raw(listFailedOutboxSql, limit).Rows()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanRecords(rows)
}

// TryClaim inserts the (consumer, messageId) pair if it is not there yet,
// joining the caller's transaction when one is present in the context.
func (r *Repository) TryClaim(ctx context.Context, consumer, messageId string) (bool, error) {
	db := r.db.WithContext(ctx)
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		db = tx
	}
	res := db.Exec(claimIdempotencySql, consumer, messageId)
	if res.Error != nil {
		return false, fmt.Errorf("could not claim the message: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// TransactionalClaims marks that TryClaim joins the transaction carried in
// the context.
func (r *Repository) TransactionalClaims() {}

// Insert persists a new saga instance inside the caller's transaction.
func (r *Repository) Insert(ctx context.Context, i *saga.Instance) error {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return errors.New("a *gorm.DB transaction was expected")
	}
	err := tx.Exec(insertInstanceSql,
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
		i.UpdatedAt).Error
	if err != nil {
		return fmt.Errorf("could not persist the saga instance: %w", err)
	}

	return nil
}

// Lock loads an instance with FOR UPDATE, serializing every transition of
// that instance on the database row until the surrounding transaction ends.
func (r *Repository) Lock(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	tx, ok := ctx.Value(r.txKey).(*gorm.DB)
	if !ok {
		return nil, errors.New("a *gorm.DB transaction was expected")
	}
	return scanInstance(tx.Raw(lockInstanceSql, id).Row())
}

func (r *Repository) Update(ctx context.Context, i *saga.Instance) error {
	db := r.db.WithContext(ctx)
	if tx, ok := ctx.Value(r.txKey).(*gorm.DB); ok {
		db = tx
	}
	res := db.Exec(updateInstanceSql,
		i.CurrentStepIndex,
		completedSteps(i.CompletedSteps),
		i.Status,
		instanceContext(i.Context),
		i.Attempts,
		i.LastError,
		i.Id,
		i.Version)
	if res.Error != nil {
		return fmt.Errorf("could not update the saga instance: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return saga.ErrStaleInstance
	}
	i.Version++

	return nil
}

func (r *Repository) Find(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	return scanInstance(r.db.WithContext(ctx).Raw(findInstanceSql, id).Row())
}

func (r *Repository) FailedInstances(ctx context.Context, limit int) ([]*saga.Instance, error) {
	rows, err := r.db.WithContext(ctx).Raw(listFailedInstancesSql, limit).Rows()
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
