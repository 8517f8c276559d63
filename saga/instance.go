package saga

import (
	"time"

	"github.com/google/uuid"
)

// Status represents the lifecycle state of a saga instance.
type Status string

const (
	StatusPending      Status = "PENDING"
	StatusInProgress   Status = "IN_PROGRESS"
	StatusCompleted    Status = "COMPLETED"
	StatusCompensating Status = "COMPENSATING"
	StatusCompensated  Status = "COMPENSATED"
	StatusFailed       Status = "FAILED"
)

// Instance is the durable record of one saga execution. CompletedSteps is
// append only while the saga advances and is consumed in strict reverse
// order while it compensates; an entry is removed only after its
// compensating action succeeded.
type Instance struct {
	Id               uuid.UUID
	DefinitionName   string
	CorrelationId    string
	CurrentStepIndex int
	CompletedSteps   []string
	Status           Status
	Context          map[string]string
	Attempts         int // delivery attempts of the step currently compensating
	LastError        string
	Version          int64 // optimistic concurrency token
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// NewInstance builds a pending instance for the given definition.
func NewInstance(definitionName, correlationId string, initCtx map[string]string) *Instance {
	if correlationId == "" {
		correlationId = uuid.NewString()
	}
	c := make(map[string]string, len(initCtx))
	for k, v := range initCtx {
		c[k] = v
	}
	return &Instance{
		Id:             uuid.New(),
		DefinitionName: definitionName,
		CorrelationId:  correlationId,
		Status:         StatusPending,
		Context:        c,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

// Terminal reports whether the instance reached a state that admits no
// further transitions.
func (i *Instance) Terminal() bool {
	switch i.Status {
	case StatusCompleted, StatusCompensated, StatusFailed:
		return true
	}
	return false
}
