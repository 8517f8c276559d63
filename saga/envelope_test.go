package saga

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env := &Envelope{
		SagaId:        uuid.New(),
		Definition:    "OrderSaga",
		Intent:        IntentCompensate,
		StepIndex:     2,
		CorrelationId: "corr-1",
	}
	b, err := env.Marshal()
	assert.NoError(t, err)

	got, err := UnmarshalEnvelope(b)
	assert.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestUnmarshalEnvelope(t *testing.T) {
	type args struct {
		data []byte
	}
	testcases := []struct {
		name string
		args args
	}{
		{
			name: "not json",
			args: args{
				data: []byte("not json"),
			},
		},
		{
			name: "missing saga id",
			args: args{
				data: []byte(`{"definition":"OrderSaga","intent":"ADVANCE"}`),
			},
		},
		{
			name: "missing definition",
			args: args{
				data: []byte(`{"sagaId":"67c8c4e7-af24-4dff-8dc5-1b3b4ad55d29","intent":"ADVANCE"}`),
			},
		},
		{
			name: "unknown intent",
			args: args{
				data: []byte(`{"sagaId":"67c8c4e7-af24-4dff-8dc5-1b3b4ad55d29","definition":"OrderSaga","intent":"REWIND"}`),
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := UnmarshalEnvelope(tc.args.data)
			assert.Error(t, err)
		})
	}
}
