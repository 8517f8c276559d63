package prometheus

import (
	"github.com/evencore/evencore/metrics"
	"github.com/prometheus/client_golang/prometheus"
)

// Counter adapts a prometheus counter to the metrics.Counter contract.
type Counter struct {
	Counter prometheus.Counter
}

var _ metrics.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Add(float64(delta))
}
