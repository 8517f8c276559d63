package kafka

import (
	"errors"
	"fmt"
	"reflect"
	"strconv"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"github.com/evencore/evencore/emitter"
	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/outbox"
	"github.com/iancoleman/strcase"
)

// kafkaProducer is a helper interface to work with kafka.Producer.
type kafkaProducer interface {
	Produce(msg *kafka.Message, deliveryChan chan kafka.Event) error
}

type Emitter struct {
	producer kafkaProducer
	logger   logger.Logger
}

var _ emitter.Emitter = (*Emitter)(nil)
var _ logger.Loggable = (*Emitter)(nil)

func New(p kafkaProducer) *Emitter {
	if p == nil || reflect.ValueOf(p).IsNil() {
		panic("producer is mandatory")
	}
	return &Emitter{
		producer: p,
	}
}

func (e *Emitter) SetLogger(l logger.Logger) {
	e.logger = l
}

// Emit produces the record to its topic keyed by aggregate id, so the broker
// preserves relative order for events of the same aggregate. The delivery
// outcome arrives asynchronously on dc.
func (e *Emitter) Emit(o *outbox.Record, dc chan *emitter.DeliveryReport) error {
	var internal = make(chan kafka.Event)
	go func() {
		for ev := range internal {
			switch m := ev.(type) {
			case *kafka.Message:
				dc <- &emitter.DeliveryReport{
					Record: o,
					Error:  classify(m.TopicPartition.Error),
					Details: fmt.Sprintf("Delivered message to topic %s [%d] at offset %v",
						*m.TopicPartition.Topic, m.TopicPartition.Partition, m.TopicPartition.Offset),
				}
			default:
				e.logger.Debug(fmt.Sprintf("Ignored event: %s", ev))
			}
			// in this case the caller knows that this channel is used only
			// for one Produce call, so it can close it.
			close(internal)
		}
	}()

	topic := o.Topic
	if topic == "" {
		topic = buildTopicName(o.EventType)
	}
	err := e.producer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(o.AggregateId),
		Value:          o.Payload,
		Headers: []kafka.Header{
			{Key: "id", Value: []byte(o.Id.String())},
			{Key: "correlationId", Value: []byte(o.CorrelationId)},
			{Key: "createdAt", Value: []byte(strconv.FormatInt(o.CreatedAt.UnixMilli(), 10))},
		},
	}, internal)
	if err != nil {
		// nothing will ever arrive on internal, release the report goroutine
		close(internal)
	}

	return err
}

// classify wraps broker errors that cannot succeed on retry so the
// dispatcher dead-letters the record right away.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var ke kafka.Error
	if errors.As(err, &ke) {
		switch ke.Code() {
		case kafka.ErrMsgSizeTooLarge, kafka.ErrUnknownTopic, kafka.ErrUnknownTopicOrPart, kafka.ErrInvalidMsg:
			return outbox.Permanent(err)
		}
	}
	return err
}

// buildTopicName builds a topic name from an event type (e.g. if eventType="OrderPlaced"
// then topic name is "outbox-order-placed").
func buildTopicName(eventType string) string {
	return fmt.Sprintf("outbox-%s", strcase.ToKebab(eventType))
}
