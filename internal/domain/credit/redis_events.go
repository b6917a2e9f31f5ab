package credit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// EventsChannel is the Redis channel ledger events are forwarded to.
const EventsChannel = "credits:events"

const publishTimeout = 2 * time.Second

// RedisForwarder publishes ledger events on a Redis channel so other
// processes (API replicas, the worker) can react to them.
type RedisForwarder struct {
	client  *redis.Client
	channel string
}

// NewRedisForwarder returns nil when client is nil so callers can skip wiring
// in Redis-less deployments.
func NewRedisForwarder(client *redis.Client) *RedisForwarder {
	if client == nil {
		return nil
	}
	return &RedisForwarder{client: client, channel: EventsChannel}
}

// Handle is an EventBus handler.
func (f *RedisForwarder) Handle(ctx context.Context, e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("event", string(e.Type)).Msg("Failed to encode credit event")
		return
	}

	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	if err := f.client.Publish(pubCtx, f.channel, payload).Err(); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("Failed to forward credit event to Redis")
	}
}

// SubscribeEvents decodes events from the Redis channel and hands them to fn
// until ctx is cancelled.
func SubscribeEvents(ctx context.Context, client *redis.Client, fn func(Event)) error {
	pubsub := client.Subscribe(ctx, EventsChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var e Event
			if err := json.Unmarshal([]byte(msg.Payload), &e); err != nil {
				log.Warn().Err(err).Msg("Discarding malformed credit event")
				continue
			}
			fn(e)
		}
	}
}
