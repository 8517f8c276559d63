package pgxv5

import (
	"encoding/json"
	"errors"

	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/saga"
	"github.com/jackc/pgx/v5"
)

// completedSteps serializes the forward progress list for a jsonb column.
func completedSteps(steps []string) []byte {
	if steps == nil {
		steps = []string{}
	}
	b, _ := json.Marshal(steps)
	return b
}

// instanceContext serializes the saga context map for a jsonb column.
func instanceContext(ctx map[string]string) []byte {
	if ctx == nil {
		ctx = map[string]string{}
	}
	b, _ := json.Marshal(ctx)
	return b
}

func scanRecords(rows pgx.Rows) ([]*outbox.Record, error) {
	var records []*outbox.Record
	for rows.Next() {
		var r outbox.Record
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
			&r.ProcessedAt,
			&r.RetryCount,
			&r.LastError,
			&r.ClaimedBy,
			&r.ClaimedUntil,
			&r.NotBefore)
		if err != nil {
			return nil, err
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return records, nil
}

func scanInstance(row pgx.Row) (*saga.Instance, error) {
	var i saga.Instance
	var steps, context []byte
	err := row.Scan(
		&i.Id,
		&i.DefinitionName,
		&i.CorrelationId,
		&i.CurrentStepIndex,
		&steps,
		&i.Status,
		&context,
		&i.Attempts,
		&i.LastError,
		&i.Version,
		&i.CreatedAt,
		&i.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, saga.ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(steps, &i.CompletedSteps); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(context, &i.Context); err != nil {
		return nil, err
	}

	return &i, nil
}
