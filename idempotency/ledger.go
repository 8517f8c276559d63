package idempotency

import "context"

// Ledger is the durable set of (consumer, message id) pairs already
// processed, used to drop duplicate deliveries on the consuming side.
type Ledger interface {
	// TryClaim records that the consumer is processing the message. It
	// returns true if this is the first time the pair is seen and false if
	// it was already claimed. Implementations must perform a single atomic
	// insert-if-absent so that two concurrent deliveries of the same message
	// cannot both get true. Where the backing store supports transactions
	// the claim should join the one carried in the context (see
	// repository.Transactor) and the implementation should also satisfy
	// TransactionalLedger.
	TryClaim(ctx context.Context, consumer, messageId string) (bool, error)
}

// TransactionalLedger marks Ledger implementations whose claims join a
// transaction carried in the context, becoming durable only when that
// transaction commits. Consumers may claim such a ledger before running
// their side effects. Claims on any other ledger are durable immediately
// and must be written only after the side effects committed, or a crash in
// between leaves the pair claimed with nothing applied and the redelivery
// is absorbed forever.
type TransactionalLedger interface {
	Ledger

	// TransactionalClaims is a marker and carries no behavior.
	TransactionalClaims()
}
