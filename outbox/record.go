package outbox

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a stored outbox record. A record
// moves from StatusPending to exactly one of the terminal states and never
// transitions again afterwards.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
)

// Event contains high level information about a domain event and should be
// provided by the clients.
type Event struct {
	AggregateType string // the aggregate type (e.g. "Order")
	AggregateId   string // the aggregate identifier
	EventType     string // the event type (e.g "OrderPlaced")
	Topic         string // destination topic (optional, derived from EventType when empty)
	CorrelationId string // correlation identifier (optional, generated when empty)
	Payload       []byte // event payload
}

// Record contains all the information stored in the underlying outbox
// table and is used internally.
type Record struct {
	Event
	Id           uuid.UUID
	Status       Status
	CreatedAt    time.Time
	ProcessedAt  *time.Time // set exactly once on successful publication, nil otherwise
	RetryCount   int
	LastError    string
	ClaimedBy    *uuid.UUID // dispatcher holding the claim, if any
	ClaimedUntil *time.Time // visibility timeout expiration
	NotBefore    *time.Time // earliest next publish attempt (retry backoff)
}

// NewRecord builds a pending record from a client event, assigning the
// identifier and filling the optional fields.
func NewRecord(e *Event) *Record {
	r := &Record{
		Event:     *e,
		Id:        uuid.New(),
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	if r.CorrelationId == "" {
		r.CorrelationId = uuid.NewString()
	}
	return r
}

// Terminal reports whether the record reached a state that admits no
// further transitions.
func (r *Record) Terminal() bool {
	return r.Status == StatusPublished || r.Status == StatusFailed
}
