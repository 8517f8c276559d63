package nats

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/evencore/evencore/emitter"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/iancoleman/strcase"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// jetStreamPublisher is a helper interface to work with jetstream.JetStream.
type jetStreamPublisher interface {
	PublishMsg(ctx context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

type Emitter struct {
	js     jetStreamPublisher
	logger logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(js jetStreamPublisher) *Emitter {
	if js == nil || reflect.ValueOf(js).Kind() == reflect.Ptr && reflect.ValueOf(js).IsNil() {
		panic("jetstream is mandatory")
	}
	return &Emitter{
		js: js,
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

// Emit publishes the record to JetStream. The record id travels as the
// message id so the stream deduplicates server side redeliveries, and the
// aggregate id travels as a header for subject consumers that want to
// partition on it.
func (e *Emitter) Emit(o *outbox.Record, dc chan *emitter.DeliveryReport) error {
	subject := o.Topic
	if subject == "" {
		subject = buildSubjectName(o.AggregateType, o.EventType)
	}
	msg := nats.NewMsg(subject)
	msg.Data = o.Payload
	msg.Header.Set("aggregateId", o.AggregateId)
	msg.Header.Set("correlationId", o.CorrelationId)
	msg.Header.Set("createdAt", strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))

	go func() {
		ack, err := e.js.PublishMsg(context.Background(), msg, jetstream.WithMsgID(o.Id.String()))
		if err != nil {
			dc <- &emitter.DeliveryReport{Record: o, Error: classify(err)}
			return
		}
		dc <- &emitter.DeliveryReport{
			Record:  o,
			Details: fmt.Sprintf("Delivered message to stream %s at sequence %d", ack.Stream, ack.Sequence),
		}
	}()

	return nil
}

// classify wraps publish errors that cannot succeed on retry.
func classify(err error) error {
	if errors.Is(err, nats.ErrMaxPayload) || errors.Is(err, nats.ErrBadSubject) {
		return outbox.Permanent(err)
	}
	return err
}

// buildSubjectName builds a subject from the aggregate and event types (e.g.
// aggregateType="Order", eventType="OrderPlaced" gives "outbox.order.order-placed").
func buildSubjectName(aggregateType, eventType string) string {
	return fmt.Sprintf("outbox.%s.%s", strcase.ToKebab(aggregateType), strcase.ToKebab(eventType))
}
