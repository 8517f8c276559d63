package evc

import (
	"context"
	"errors"
	"sync"

	"github.com/evencore/evencore/emitter"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/metrics"
	"github.com/evencore/evencore/outbox"
	"github.com/evencore/evencore/saga"
	"github.com/google/uuid"
)

// Evencore implements the transactional event consistency core: reliable
// event publication through the outbox pattern plus saga coordination on
// top of it. It is an explicitly constructed component with a start/stop
// lifecycle; multiple independent instances can coexist in one process.
type Evencore struct {
	settings     Settings
	logger       logger.Logger
	emitter      emitter.Emitter
	store        outbox.Store
	orchestrator *saga.Orchestrator
	source       Source
	successCtr   metrics.Counter
	errorCtr     metrics.Counter

	mu      sync.Mutex
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// opt allows optional configuration.
type opt func(e *Evencore)

// WithLogger allows clients to configure an optional logger.
func WithLogger(l logger.Logger) opt {
	return func(e *Evencore) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithCounters allows clients to configure optional counters for delivered
// and failed outbox publications.
func WithCounters(success, error metrics.Counter) opt {
	return func(e *Evencore) {
		if success != nil {
			e.successCtr = success
		}
		if error != nil {
			e.errorCtr = error
		}
	}
}

// WithOrchestrator attaches a saga orchestrator and the source of control
// events it consumes. Start spins up ConsumerWorkers workers draining the
// source into the orchestrator.
func WithOrchestrator(o *saga.Orchestrator, src Source) opt {
	return func(e *Evencore) {
		e.orchestrator = o
		e.source = src
	}
}

// New creates an Evencore instance using the provided settings and options
// and the provided Store and Emitter implementations.
func New(s Settings, store outbox.Store, em emitter.Emitter, options ...opt) *Evencore {
	if store == nil || em == nil {
		panic("you must provide an emitter and a store")
	}

	validateSettings(&s)

	e := &Evencore{
		settings:   s,
		logger:     &logger.NopLogger{},
		emitter:    em,
		store:      store,
		successCtr: &metrics.NopCounter{},
		errorCtr:   &metrics.NopCounter{},
	}

	for _, o := range options {
		o(e)
	}

	for _, a := range []any{em, store} {
		if l, ok := a.(logger.Loggable); ok {
			l.SetLogger(e.logger)
		}
	}

	return e
}

// Start launches the dispatcher workers and, when an orchestrator is
// attached, the consumer workers. It is an error to start a running
// instance.
func (e *Evencore) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("already started")
	}
	e.started = true
	e.stop = make(chan struct{})

	if e.settings.EnableDispatcher {
		e.logger.Debug("the polling publisher dispatcher is enabled")
		for i := 0; i < e.settings.Dispatchers; i++ {
			d := &dispatcher{
				id:         uuid.New(),
				settings:   e.settings,
				logger:     e.logger,
				emitter:    e.emitter,
				store:      e.store,
				successCtr: e.successCtr,
				errorCtr:   e.errorCtr,
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				d.run(e.stop)
			}()
		}
	}

	if e.orchestrator != nil && e.source != nil {
		c := &consumer{
			workers:      e.settings.ConsumerWorkers,
			source:       e.source,
			orchestrator: e.orchestrator,
			logger:       e.logger,
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			c.run(e.stop)
		}()
	}

	return nil
}

// Stop signals all workers and waits for them to drain. The instance can be
// started again afterwards.
func (e *Evencore) Stop() {
	e.mu.Lock()
	if !e.started {
		e.mu.Unlock()
		return
	}
	e.started = false
	close(e.stop)
	e.mu.Unlock()

	e.wg.Wait()
}

// Enqueue persists a domain event reliably within a business transaction,
// utilizing the polling publisher variant of the Transactional Outbox
// pattern. It returns the id assigned to the stored record.
func (e *Evencore) Enqueue(ctx context.Context, ev *outbox.Event) (uuid.UUID, error) {
	r := outbox.NewRecord(ev)
	if err := e.store.Enqueue(ctx, r); err != nil {
		return uuid.Nil, err
	}
	return r.Id, nil
}

// FailedRecords returns outbox records that exhausted their retry budget.
func (e *Evencore) FailedRecords(ctx context.Context, limit int) ([]*outbox.Record, error) {
	return e.store.ListFailed(ctx, limit)
}

// BeginSaga starts a new instance of a registered saga definition.
func (e *Evencore) BeginSaga(ctx context.Context, definition, correlationId string, initCtx map[string]string) (uuid.UUID, error) {
	if e.orchestrator == nil {
		return uuid.Nil, errors.New("no orchestrator attached")
	}
	return e.orchestrator.Begin(ctx, definition, correlationId, initCtx)
}

// SagaStatus returns the current state of a saga instance.
func (e *Evencore) SagaStatus(ctx context.Context, id uuid.UUID) (*saga.Instance, error) {
	if e.orchestrator == nil {
		return nil, errors.New("no orchestrator attached")
	}
	return e.orchestrator.Status(ctx, id)
}

// FailedSagas returns saga instances that require operator intervention.
func (e *Evencore) FailedSagas(ctx context.Context, limit int) ([]*saga.Instance, error) {
	if e.orchestrator == nil {
		return nil, errors.New("no orchestrator attached")
	}
	return e.orchestrator.ListFailed(ctx, limit)
}
