package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestInc(t *testing.T) {
	ctr := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "evencore_published_records_total",
	})
	counter := &Counter{Counter: ctr}

	counter.Inc(1)
	counter.Inc(5)

	assert.Equal(t, float64(6), testutil.ToFloat64(ctr))
}
