package saga

import (
	"context"
	"fmt"
	"time"

	"github.com/evencore/evencore/idempotency"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/metrics"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/repository"
	"github.com/google/uuid"
)

const (
	defaultConsumerName          = "saga-orchestrator"
	defaultControlTopic          = "evencore-saga-control"
	defaultStepTimeout           = 30 * time.Second
	defaultCompensationRetries   = 3
	aggregateTypeSaga            = "Saga"
	eventTypeAdvanceRequested    = "SagaAdvanceRequested"
	eventTypeCompensateRequested = "SagaCompensateRequested"
)

// Orchestrator drives saga instances one transition at a time. Every
// transition is triggered by a control event delivered from the broker,
// runs under the instance's row lock inside one local transaction, and
// enqueues the control event for the next transition through the outbox
// before that transaction commits.
type Orchestrator struct {
	registry       *Registry
	instances      Store
	outbox         outbox.Store
	ledger         idempotency.Ledger
	tx             repository.Transactor
	logger         logger.Logger
	consumerName   string
	controlTopic   string
	stepTimeout    time.Duration
	compRetries    int
	completedCtr   metrics.Counter
	compensatedCtr metrics.Counter
	failedCtr      metrics.Counter
}

// Option allows optional orchestrator configuration.
type Option func(o *Orchestrator)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithConsumerName sets the name under which the orchestrator claims
// idempotency for incoming deliveries.
func WithConsumerName(name string) Option {
	return func(o *Orchestrator) {
		if name != "" {
			o.consumerName = name
		}
	}
}

// WithControlTopic sets the topic control events are published to.
func WithControlTopic(topic string) Option {
	return func(o *Orchestrator) {
		if topic != "" {
			o.controlTopic = topic
		}
	}
}

// WithStepTimeout bounds how long a forward or compensating action may run.
// A hung external call is treated as a step failure once the timeout fires.
func WithStepTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.stepTimeout = d
		}
	}
}

// WithCompensationRetries sets how many times a failing compensation is
// re-attempted before the instance is escalated to FAILED.
func WithCompensationRetries(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.compRetries = n
		}
	}
}

// WithCounters allows clients to configure optional counters for completed,
// compensated and failed instances.
func WithCounters(completed, compensated, failed metrics.Counter) Option {
	return func(o *Orchestrator) {
		if completed != nil {
			o.completedCtr = completed
		}
		if compensated != nil {
			o.compensatedCtr = compensated
		}
		if failed != nil {
			o.failedCtr = failed
		}
	}
}

// NewOrchestrator creates an orchestrator over the provided collaborators.
func NewOrchestrator(r *Registry, s Store, ob outbox.Store, l idempotency.Ledger, tx repository.Transactor, options ...Option) *Orchestrator {
	if r == nil || s == nil || ob == nil || l == nil || tx == nil {
		panic("you must provide a registry, an instance store, an outbox store, a ledger and a transactor")
	}
	o := &Orchestrator{
		registry:       r,
		instances:      s,
		outbox:         ob,
		ledger:         l,
		tx:             tx,
		logger:         &logger.NopLogger{},
		consumerName:   defaultConsumerName,
		controlTopic:   defaultControlTopic,
		stepTimeout:    defaultStepTimeout,
		compRetries:    defaultCompensationRetries,
		completedCtr:   &metrics.NopCounter{},
		compensatedCtr: &metrics.NopCounter{},
		failedCtr:      &metrics.NopCounter{},
	}
	for _, opt := range options {
		opt(o)
	}
	return o
}

// Begin creates a new instance of the named definition and enqueues the
// control event that will run its first step. Instance and event become
// durable in the same transaction: either the saga exists and will start,
// or neither happened.
func (o *Orchestrator) Begin(ctx context.Context, definition, correlationId string, initCtx map[string]string) (uuid.UUID, error) {
	if _, err := o.registry.Lookup(definition); err != nil {
		return uuid.Nil, err
	}
	inst := NewInstance(definition, correlationId, initCtx)
	err := o.tx.InTx(ctx, func(ctx context.Context) error {
		if err := o.instances.Insert(ctx, inst); err != nil {
			return err
		}
		return o.enqueueControl(ctx, inst, IntentAdvance, 0)
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("could not begin saga '%s': %w", definition, err)
	}
	o.logger.Debug(fmt.Sprintf("saga '%s' started with instance '%s'", definition, inst.Id))
	return inst.Id, nil
}

// Handle processes one broker delivery addressed to the orchestrator. It is
// safe to call it with redelivered and out of order messages: duplicates are
// absorbed by the idempotency ledger and stale envelopes are ignored.
// Returned errors are infrastructure failures; the delivery should be
// retried by the broker in that case.
//
// Ledgers that satisfy idempotency.TransactionalLedger are claimed inside
// the transaction, so the claim commits together with the transition it
// guards. Any other ledger is claimed only after the transaction committed;
// claiming it earlier would absorb the redelivery after a crash that
// applied nothing, stalling the instance forever.
func (o *Orchestrator) Handle(ctx context.Context, msg *Message) error {
	env, err := UnmarshalEnvelope(msg.Payload)
	if err != nil {
		return err
	}
	def, err := o.registry.Lookup(env.Definition)
	if err != nil {
		return err
	}
	_, txLedger := o.ledger.(idempotency.TransactionalLedger)

	err = o.tx.InTx(ctx, func(ctx context.Context) error {
		if txLedger {
			claimed, err := o.ledger.TryClaim(ctx, o.consumerName, msg.Id)
			if err != nil {
				return err
			}
			if !claimed {
				o.logger.Debug(fmt.Sprintf("duplicate delivery of message '%s' absorbed", msg.Id))
				return nil
			}
		}

		inst, err := o.instances.Lock(ctx, env.SagaId)
		if err != nil {
			return err
		}
		if inst.Terminal() {
			o.logger.Debug(fmt.Sprintf("instance '%s' is already %s, ignoring '%s'", inst.Id, inst.Status, msg.Id))
			return nil
		}

		switch env.Intent {
		case IntentAdvance:
			return o.advance(ctx, def, inst, env)
		default:
			return o.compensate(ctx, def, inst, env)
		}
	})
	if err != nil {
		return err
	}
	if !txLedger {
		// a crash before this point reprocesses the delivery; the stale
		// envelope checks absorb it
		if _, err := o.ledger.TryClaim(ctx, o.consumerName, msg.Id); err != nil {
			o.logger.Warn(fmt.Sprintf("could not record the claim for message '%s': %v", msg.Id, err))
		}
	}
	return nil
}

// Status returns the instance with the given id. Read only; intended for
// operational visibility.
func (o *Orchestrator) Status(ctx context.Context, id uuid.UUID) (*Instance, error) {
	return o.instances.Find(ctx, id)
}

// ListFailed returns instances that exhausted compensation and require
// operator intervention.
func (o *Orchestrator) ListFailed(ctx context.Context, limit int) ([]*Instance, error) {
	return o.instances.FailedInstances(ctx, limit)
}

// advance runs the forward action of the current step. On success the step
// is appended to CompletedSteps and the next advance (or nothing, when the
// saga completed) is enqueued; on failure the instance flips to
// COMPENSATING and the first compensation is enqueued. All of it commits
// with the surrounding transaction.
func (o *Orchestrator) advance(ctx context.Context, def *Definition, inst *Instance, env *Envelope) error {
	if env.StepIndex != inst.CurrentStepIndex ||
		(inst.Status != StatusPending && inst.Status != StatusInProgress) {
		o.logger.Debug(fmt.Sprintf("stale advance for instance '%s' (step %d, status %s)", inst.Id, env.StepIndex, inst.Status))
		return nil
	}
	inst.Status = StatusInProgress

	step := def.Steps[inst.CurrentStepIndex]
	err := o.runAction(ctx, step.Forward, &Execution{instance: inst, step: step.Name, forward: true})
	if err != nil {
		o.logger.Warn(fmt.Sprintf("step '%s' of instance '%s' failed: %v", step.Name, inst.Id, err))
		inst.LastError = err.Error()
		inst.Attempts = 0
		if len(inst.CompletedSteps) == 0 {
			// the first step failed, there is nothing to undo
			inst.Status = StatusCompensated
			o.compensatedCtr.Inc(1)
		} else {
			inst.Status = StatusCompensating
			if err := o.enqueueControl(ctx, inst, IntentCompensate, len(inst.CompletedSteps)-1); err != nil {
				return err
			}
		}
		return o.instances.Update(ctx, inst)
	}

	inst.CompletedSteps = append(inst.CompletedSteps, step.Name)
	inst.CurrentStepIndex++
	if inst.CurrentStepIndex == len(def.Steps) {
		inst.Status = StatusCompleted
		o.completedCtr.Inc(1)
		o.logger.Info(fmt.Sprintf("saga instance '%s' completed", inst.Id))
	} else if err := o.enqueueControl(ctx, inst, IntentAdvance, inst.CurrentStepIndex); err != nil {
		return err
	}
	return o.instances.Update(ctx, inst)
}

// compensate runs the compensating action of the most recently completed
// step. The step is removed from CompletedSteps only after its compensation
// succeeded; a failing compensation is re-enqueued up to the retry budget
// and then escalates the instance to FAILED.
func (o *Orchestrator) compensate(ctx context.Context, def *Definition, inst *Instance, env *Envelope) error {
	if inst.Status != StatusCompensating || env.StepIndex != len(inst.CompletedSteps)-1 {
		o.logger.Debug(fmt.Sprintf("stale compensate for instance '%s' (step %d, status %s)", inst.Id, env.StepIndex, inst.Status))
		return nil
	}

	name := inst.CompletedSteps[len(inst.CompletedSteps)-1]
	step := def.step(name)
	if step == nil {
		// the registered definition no longer knows this step; automatic
		// recovery is not safe anymore
		inst.Status = StatusFailed
		inst.LastError = fmt.Sprintf("completed step '%s' is not part of definition '%s'", name, def.Name)
		o.failedCtr.Inc(1)
		return o.instances.Update(ctx, inst)
	}

	err := o.runAction(ctx, step.Compensate, &Execution{instance: inst, step: name, forward: false})
	if err != nil {
		inst.LastError = err.Error()
		inst.Attempts++
		if inst.Attempts >= o.compRetries {
			inst.Status = StatusFailed
			o.failedCtr.Inc(1)
			o.logger.Error(fmt.Sprintf("compensation of step '%s' exhausted %d attempts, instance '%s' requires operator intervention", name, inst.Attempts, inst.Id), err)
			return o.instances.Update(ctx, inst)
		}
		o.logger.Warn(fmt.Sprintf("compensation of step '%s' of instance '%s' failed (attempt %d): %v", name, inst.Id, inst.Attempts, err))
		if err := o.enqueueControl(ctx, inst, IntentCompensate, env.StepIndex); err != nil {
			return err
		}
		return o.instances.Update(ctx, inst)
	}

	inst.CompletedSteps = inst.CompletedSteps[:len(inst.CompletedSteps)-1]
	inst.Attempts = 0
	if len(inst.CompletedSteps) == 0 {
		inst.Status = StatusCompensated
		o.compensatedCtr.Inc(1)
		o.logger.Info(fmt.Sprintf("saga instance '%s' compensated", inst.Id))
	} else if err := o.enqueueControl(ctx, inst, IntentCompensate, len(inst.CompletedSteps)-1); err != nil {
		return err
	}
	return o.instances.Update(ctx, inst)
}

// runAction invokes the action bounded by the step timeout. The action runs
// in its own goroutine so a call that ignores ctx cannot hold the instance
// lock past the timeout.
func (o *Orchestrator) runAction(ctx context.Context, a Action, ex *Execution) error {
	actx, cancel := context.WithTimeout(ctx, o.stepTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- a(actx, ex)
	}()
	select {
	case err := <-done:
		return err
	case <-actx.Done():
		return actx.Err()
	}
}

// enqueueControl writes the control event for the next transition to the
// outbox, inside the caller's transaction. The instance id is the aggregate
// id, so the dispatcher and the broker preserve per instance ordering.
func (o *Orchestrator) enqueueControl(ctx context.Context, inst *Instance, intent Intent, stepIndex int) error {
	env := Envelope{
		SagaId:        inst.Id,
		Definition:    inst.DefinitionName,
		Intent:        intent,
		StepIndex:     stepIndex,
		CorrelationId: inst.CorrelationId,
	}
	payload, err := env.Marshal()
	if err != nil {
		return err
	}
	eventType := eventTypeAdvanceRequested
	if intent == IntentCompensate {
		eventType = eventTypeCompensateRequested
	}
	return o.outbox.Enqueue(ctx, outbox.NewRecord(&outbox.Event{
		AggregateType: aggregateTypeSaga,
		AggregateId:   inst.Id.String(),
		EventType:     eventType,
		Topic:         o.controlTopic,
		CorrelationId: inst.CorrelationId,
		Payload:       payload,
	}))
}
