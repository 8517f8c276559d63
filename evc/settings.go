package evc

import (
	"time"
)

const (
	defaultDispatchers       int           = 1
	defaultPollingInterval   time.Duration = time.Second * 3
	defaultBatchSize         int           = 100
	defaultVisibilityTimeout time.Duration = time.Second * 30
	defaultMaxRetries        int           = 10
	defaultRetryBackoffBase  time.Duration = time.Second
	defaultRetryBackoffMax   time.Duration = time.Minute
	defaultConsumerWorkers   int           = 4
)

// Settings holds the general Evencore module configuration.
type Settings struct {
	EnableDispatcher  bool          // enables the polling publisher dispatcher
	Dispatchers       int           // number of concurrent polling workers in this process
	PollingInterval   time.Duration // interval between outbox pollings by each dispatcher
	BatchSize         int           // maximum number of records claimed per poll
	VisibilityTimeout time.Duration // how long a claimed record stays invisible to other dispatchers
	MaxRetries        int           // maximum publish attempts before a record is dead lettered
	RetryBackoffBase  time.Duration // base delay between publish attempts of a record
	RetryBackoffMax   time.Duration // upper bound for the publish retry delay
	ConsumerWorkers   int           // orchestrator workers consuming saga control events
}

// validateSettings validates the established settings and sets defaults if needed.
func validateSettings(s *Settings) {
	if s.EnableDispatcher {
		if s.Dispatchers <= 0 {
			s.Dispatchers = defaultDispatchers
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.BatchSize <= 0 {
			s.BatchSize = defaultBatchSize
		}
		if s.VisibilityTimeout <= 0 {
			s.VisibilityTimeout = defaultVisibilityTimeout
		}
		if s.MaxRetries <= 0 {
			s.MaxRetries = defaultMaxRetries
		}
		if s.RetryBackoffBase <= 0 {
			s.RetryBackoffBase = defaultRetryBackoffBase
		}
		if s.RetryBackoffMax < s.RetryBackoffBase {
			s.RetryBackoffMax = defaultRetryBackoffMax
		}
	}
	if s.ConsumerWorkers <= 0 {
		s.ConsumerWorkers = defaultConsumerWorkers
	}
}
