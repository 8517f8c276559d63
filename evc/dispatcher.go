package evc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/evencore/evencore/emitter"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/metrics"
	"github.com/evencore/evencore/outbox"
	"github.com/google/uuid"
)

type dispatcher struct {
	id         uuid.UUID
	settings   Settings
	logger     logger.Logger
	emitter    emitter.Emitter
	store      outbox.Store
	successCtr metrics.Counter
	errorCtr   metrics.Counter
}

// run implements the main dispatcher loop. Several dispatchers may poll the
// same outbox concurrently; the claim lease taken by FetchBatch is the only
// coordination between them.
func (d *dispatcher) run(stop <-chan struct{}) {
	ticker := time.NewTicker(d.settings.PollingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			d.processOutbox(context.Background())
		}
	}
}

// processOutbox claims a batch of pending records and publishes them.
// Records are grouped by aggregate id: groups run concurrently, records of
// one group strictly one after another, so events of the same aggregate are
// never reordered relative to each other.
func (d *dispatcher) processOutbox(ctx context.Context) {
	batch, err := d.store.FetchBatch(ctx, d.settings.BatchSize, d.settings.VisibilityTimeout, d.id)
	if err != nil {
		d.logger.Error("when trying to claim a batch of outbox records", err)
		return
	}
	if len(batch) == 0 {
		return
	}
	d.logger.Debug(fmt.Sprintf("processing %d outbox records", len(batch)))

	groups := make(map[string][]*outbox.Record)
	var order []string
	for _, r := range batch {
		if _, ok := groups[r.AggregateId]; !ok {
			order = append(order, r.AggregateId)
		}
		groups[r.AggregateId] = append(groups[r.AggregateId], r)
	}

	var wg sync.WaitGroup
	for _, agg := range order {
		wg.Add(1)
		go func(records []*outbox.Record) {
			defer wg.Done()
			d.processAggregate(ctx, records)
		}(groups[agg])
	}
	wg.Wait()
}

// processAggregate publishes the records of one aggregate in created_at
// order, waiting for each delivery report before attempting the next
// record. On the first failure the remaining records are unclaimed without
// being attempted: publishing them before the failed one is retried would
// break the per aggregate ordering guarantee.
func (d *dispatcher) processAggregate(ctx context.Context, records []*outbox.Record) {
	reports := make(chan *emitter.DeliveryReport, 1)
	for i, r := range records {
		err := d.emitter.Emit(r, reports)
		if err == nil {
			dr := <-reports
			err = dr.Error
			if err == nil {
				d.successCtr.Inc(1)
				d.logger.Debug(dr.Details)
				if err := d.store.MarkPublished(ctx, r.Id); err != nil {
					d.logger.Error(fmt.Sprintf("marking record '%s' as published", r.Id), err)
				}
				continue
			}
		}

		d.errorCtr.Inc(1)
		d.recordFailure(ctx, r, err)
		if rest := records[i+1:]; len(rest) > 0 {
			ids := make([]uuid.UUID, len(rest))
			for j, skipped := range rest {
				ids[j] = skipped.Id
			}
			if err := d.store.Unclaim(ctx, ids); err != nil {
				// their claims expire anyway, delivery is only delayed
				d.logger.Error("unclaiming records blocked behind a failed delivery", err)
			}
		}
		return
	}
}

// recordFailure decides between retrying a record later with backoff and
// dead lettering it. Permanent errors skip the remaining retry budget since
// retrying cannot help.
func (d *dispatcher) recordFailure(ctx context.Context, r *outbox.Record, cause error) {
	if outbox.IsPermanent(cause) || r.RetryCount+1 >= d.settings.MaxRetries {
		d.logger.Error(fmt.Sprintf("record '%s' is being dead lettered after %d attempts", r.Id, r.RetryCount+1), cause)
		if err := d.store.MarkFailed(ctx, r.Id, cause.Error()); err != nil {
			d.logger.Error(fmt.Sprintf("marking record '%s' as failed", r.Id), err)
		}
		return
	}

	delay := outbox.NextBackoff(d.settings.RetryBackoffBase, d.settings.RetryBackoffMax, r.RetryCount)
	d.logger.Warn(fmt.Sprintf("delivery of record '%s' failed, retrying in %s: %v", r.Id, delay, cause))
	if err := d.store.Release(ctx, r.Id, cause.Error(), time.Now().Add(delay)); err != nil {
		d.logger.Error(fmt.Sprintf("releasing record '%s' for retry", r.Id), err)
	}
}
