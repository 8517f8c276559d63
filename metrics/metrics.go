package metrics

// Counter is a monotonically increasing counter. The dispatcher counts
// delivered records and delivery errors with these; the orchestrator counts
// settled saga instances per terminal state.
type Counter interface {
	// Inc increments the counter by a delta.
	Inc(delta int64)
}

// NopCounter discards every increment and is the default wherever a
// counter is optional.
type NopCounter struct{}

var _ Counter = (*NopCounter)(nil)

func (*NopCounter) Inc(delta int64) {} //nolint:all
