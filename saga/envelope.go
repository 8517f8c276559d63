package saga

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Intent says what a control event asks the orchestrator to do.
type Intent string

const (
	// IntentAdvance asks the orchestrator to run the forward action of the
	// step at StepIndex.
	IntentAdvance Intent = "ADVANCE"
	// IntentCompensate asks the orchestrator to run the compensating action
	// of the completed step at StepIndex.
	IntentCompensate Intent = "COMPENSATE"
)

// Envelope is the wire form of a saga control event. Control events travel
// through the outbox and the broker like any business event, which is what
// makes each saga transition crash safe: the step result and the event that
// triggers the next transition commit in one transaction.
type Envelope struct {
	SagaId        uuid.UUID `json:"sagaId"`
	Definition    string    `json:"definition"`
	Intent        Intent    `json:"intent"`
	StepIndex     int       `json:"stepIndex"`
	CorrelationId string    `json:"correlationId"`
}

func (e *Envelope) Marshal() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("could not marshal the envelope: %w", err)
	}
	return b, nil
}

func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("could not unmarshal the envelope: %w", err)
	}
	if e.SagaId == uuid.Nil || e.Definition == "" {
		return nil, fmt.Errorf("incomplete envelope: %s", string(data))
	}
	switch e.Intent {
	case IntentAdvance, IntentCompensate:
	default:
		return nil, fmt.Errorf("unknown intent: %s", e.Intent)
	}
	return &e, nil
}

// Message is a single broker delivery addressed to the orchestrator.
type Message struct {
	Id            string // broker message id, used for idempotent consumption
	Payload       []byte // serialized Envelope
	DeliveryCount int    // how many times the broker delivered this message
}
