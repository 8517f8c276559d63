package repository

import "context"

// TxKey is the context key under which a repository implementation expects
// to find the caller's transaction. Clients choose the key so the module can
// join whatever transaction management they already have in place.
type TxKey any

// Transactor opens a local transaction, injects it in the context under the
// configured TxKey and runs fn with it. If fn returns an error the
// transaction is rolled back, otherwise it is committed. Every store
// operation invoked inside fn joins the same transaction, which is what ties
// business writes, outbox records, idempotency claims and saga progress
// together atomically.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
