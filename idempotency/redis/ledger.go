package redis

import (
	"context"
	"fmt"
	"reflect"
	"time"

	"github.com/evencore/evencore/idempotency"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 7 * 24 * time.Hour

// Ledger implements idempotency.Ledger on Redis using SET NX, which gives
// the required atomic insert-if-absent in a single round trip. Claims expire
// after the configured TTL; pick one comfortably above the broker's maximum
// redelivery horizon.
type Ledger struct {
	client redis.Cmdable
	ttl    time.Duration
}

var _ idempotency.Ledger = (*Ledger)(nil)

func New(client redis.Cmdable, ttl time.Duration) *Ledger {
	if client == nil || reflect.ValueOf(client).Kind() == reflect.Ptr && reflect.ValueOf(client).IsNil() {
		panic("client is mandatory")
	}
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Ledger{
		client: client,
		ttl:    ttl,
	}
}

func (l *Ledger) TryClaim(ctx context.Context, consumer, messageId string) (bool, error) {
	ok, err := l.client.SetNX(ctx, claimKey(consumer, messageId), 1, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("could not claim the message: %w", err)
	}
	return ok, nil
}

func claimKey(consumer, messageId string) string {
	return fmt.Sprintf("evencore:idempotency:%s:%s", consumer, messageId)
}
