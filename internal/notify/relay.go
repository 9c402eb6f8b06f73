package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/redis/go-redis/v9"
)

// Publisher is satisfied by Bus and RedisRelay.
type Publisher interface {
	Publish(Event)
}

type relayEnvelope struct {
	Origin string `json:"origin"`
	Event  Event  `json:"event"`
}

// RedisRelay mirrors local events onto a Redis channel and replays events
// from other processes into the local bus, so replicas behind one store
// share a push stream.
type RedisRelay struct {
	bus      *Bus
	client   *redis.Client
	channel  string
	instance string
}

func NewRedisRelay(bus *Bus, client *redis.Client, channel, instance string) *RedisRelay {
	return &RedisRelay{bus: bus, client: client, channel: channel, instance: instance}
}

// Publish delivers locally first, then forwards. A forward failure is logged;
// local subscribers already have the event.
func (r *RedisRelay) Publish(event Event) {
	r.bus.Publish(event)

	payload, err := json.Marshal(relayEnvelope{Origin: r.instance, Event: event})
	if err != nil {
		log.Printf("event relay marshal failed type=%s connection=%s err=%v", event.Type, event.ConnectionID, err)
		return
	}
	if err := r.client.Publish(context.Background(), r.channel, payload).Err(); err != nil {
		log.Printf("event relay publish failed type=%s connection=%s err=%v", event.Type, event.ConnectionID, err)
	}
}

// Run consumes the channel until ctx is cancelled. It returns once the
// subscription is confirmed closed.
func (r *RedisRelay) Run(ctx context.Context) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	messages := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return nil
			}
			r.deliver(msg.Payload)
		}
	}
}

func (r *RedisRelay) deliver(payload string) {
	var envelope relayEnvelope
	if err := json.Unmarshal([]byte(payload), &envelope); err != nil {
		log.Printf("event relay decode failed err=%v", err)
		return
	}
	if envelope.Origin == r.instance {
		return
	}
	r.bus.Publish(envelope.Event)
}
