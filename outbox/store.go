package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store manages outbox records persistent operations.
type Store interface {

	// Enqueue persists a pending record in the configured external storage.
	// This operation must be called inside an existing business transaction
	// provided in the context (see repository.TxKey); it never opens a
	// transaction of its own, so a rollback of the business write also rolls
	// back the record.
	Enqueue(ctx context.Context, r *Record) error

	// FetchBatch returns up to limit pending records ordered by created_at
	// ascending, atomically claiming them for the given claimant during the
	// visibility timeout. Records whose claim expired are eligible again, so
	// a dispatcher crash only delays delivery. Records scheduled for a later
	// attempt (NotBefore in the future) are skipped.
	FetchBatch(ctx context.Context, limit int, visibility time.Duration, claimant uuid.UUID) ([]*Record, error)

	// MarkPublished transitions a record to PUBLISHED. Calling it on an
	// already terminal record is a no-op, not an error.
	MarkPublished(ctx context.Context, id uuid.UUID) error

	// MarkFailed transitions a record to FAILED recording the cause. Calling
	// it on an already terminal record is a no-op, not an error.
	MarkFailed(ctx context.Context, id uuid.UUID, cause string) error

	// Release drops the claim on a record after a failed publish attempt,
	// increments its retry count, records the cause and schedules the next
	// attempt no earlier than nextAttempt.
	Release(ctx context.Context, id uuid.UUID, cause string, nextAttempt time.Time) error

	// Unclaim drops the claim on the given records without charging a retry.
	// Used for records that were claimed but deliberately not attempted.
	Unclaim(ctx context.Context, ids []uuid.UUID) error

	// ListFailed returns up to limit records in FAILED state, oldest first.
	// This is the operational dead-letter surface; failed records are never
	// deleted by the module.
	ListFailed(ctx context.Context, limit int) ([]*Record, error)
}
