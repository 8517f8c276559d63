package gorm

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/saga"
	"github.com/google/uuid"
)

// completedSteps serializes the forward progress list for a jsonb column.
func completedSteps(steps []string) string {
	if steps == nil {
		steps = []string{}
	}
	b, _ := json.Marshal(steps)
	return string(b)
}

// instanceContext serializes the saga context map for a jsonb column.
func instanceContext(ctx map[string]string) string {
	if ctx == nil {
		ctx = map[string]string{}
	}
	b, _ := json.Marshal(ctx)
	return string(b)
}

func scanRecords(rows *sql.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record
	for rows.Next() {
		var r outbox.Record
		var processedAt, claimedUntil, notBefore sql.NullTime
		var lastError sql.NullString
		var claimedBy uuid.NullUUID
		err := rows.Scan(
			&r.Id,
			&r.AggregateType,
			&r.AggregateId,
			&r.EventType,
			&r.Topic,
			&r.CorrelationId,
			&r.Payload,
			&r.Status,
			&r.CreatedAt,
			&processedAt,
			&r.RetryCount,
			&lastError,
			&claimedBy,
			&claimedUntil,
			&notBefore)
		if err != nil {
			return nil, err
		}
		if processedAt.Valid {
			r.ProcessedAt = &processedAt.Time
		}
		r.LastError = lastError.String
		if claimedBy.Valid {
			r.ClaimedBy = &claimedBy.UUID
		}
		if claimedUntil.Valid {
			r.ClaimedUntil = &claimedUntil.Time
		}
		if notBefore.Valid {
			r.NotBefore = &notBefore.Time
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

// row is the intersection of sql.Row and sql.Rows used by the instance
// scanners.
type row interface {
	Scan(dest ...any) error
}

func scanInstance(r row) (*saga.Instance, error) {
	i, err := scanInstanceRow(r)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, saga.ErrNotFound
		}
		return nil, err
	}
	return i, nil
}

func scanInstanceRow(r row) (*saga.Instance, error) {
	var i saga.Instance
	var steps, context []byte
	var lastError sql.NullString
	err := r.Scan(
		&i.Id,
		&i.DefinitionName,
		&i.CorrelationId,
		&i.CurrentStepIndex,
		&steps,
		&i.Status,
		&context,
		&i.Attempts,
		&lastError,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.LastError = lastError.String
	if err := json.Unmarshal(steps, &i.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(context, &i.Context); err != nil {
		return nil, err
	}

	return &i, nil
}
