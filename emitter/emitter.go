package emitter

import "github.com/evencore/evencore/outbox"

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *outbox.Record // record related to the delivery
	Error   error          // error during the delivery if any
	Details string         // more information about the delivery
}

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker in a reliable way, using the record's aggregate id as the
	// partition/ordering key. Exactly one DeliveryReport is written to the
	// channel for every accepted record. A synchronous error means the record
	// was not handed to the broker at all. Wrap delivery errors with
	// outbox.Permanent when retrying cannot help.
	Emit(*outbox.Record, chan *DeliveryReport) error
}
