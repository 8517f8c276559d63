package evc

import (
	"context"
	"sync"

	"github.com/evencore/evencore/logger"
	"github.com/evencore/evencore/saga"
)

// Source delivers broker messages carrying saga control envelopes to the
// embedded consumer. Implementations adapt whatever transport the control
// topic lives on (a Kafka consumer, a JetStream subscription, a plain
// channel in tests).
type Source interface {
	// Messages returns the channel the consumer reads from. The channel
	// must stay open for the lifetime of the source; closing it stops the
	// consumer workers that read from it.
	Messages() <-chan saga.Message
}

// ChannelSource is the simplest possible Source: a buffered channel the
// caller pushes messages into. It is mainly useful for tests and for
// embedding evencore in processes that already own a broker consumer loop.
type ChannelSource struct {
	ch chan saga.Message
}

var _ Source = (*ChannelSource)(nil)

func NewChannelSource(buffer int) *ChannelSource {
	return &ChannelSource{ch: make(chan saga.Message, buffer)}
}

// Push hands a message to the consumer workers. It blocks when the buffer
// is full.
func (s *ChannelSource) Push(m saga.Message) {
	s.ch <- m
}

func (s *ChannelSource) Messages() <-chan saga.Message {
	return s.ch
}

type consumer struct {
	workers      int
	source       Source
	orchestrator *saga.Orchestrator
	logger       logger.Logger
}

// run consumes control messages with a small worker pool. Handler errors
// are logged and the message is dropped; the broker redelivers it and the
// idempotency ledger absorbs the duplicates of transitions that did land.
func (c *consumer) run(stop <-chan struct{}) {
	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				case m, ok := <-c.source.Messages():
					if !ok {
						return
					}
					if err := c.orchestrator.Handle(context.Background(), &m); err != nil {
						c.logger.Error("when handling a saga control message", err)
					}
				}
			}
		}()
	}
	wg.Wait()
}
