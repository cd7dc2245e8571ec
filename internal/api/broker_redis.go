package api

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisBroker implements EventBroker over Redis pub/sub so every API
// replica sees every route's events.
type RedisBroker struct {
	rdb *redis.Client
	mu  sync.Mutex
	ps  map[chan SSEEvent]*redis.PubSub
}

func NewRedisBroker(rdb *redis.Client) *RedisBroker {
	return &RedisBroker{rdb: rdb, ps: map[chan SSEEvent]*redis.PubSub{}}
}

func (b *RedisBroker) Subscribe(routeID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	ctx := context.Background()
	ps := b.rdb.Subscribe(ctx, chanName(routeID))
	// wait for the subscription to be confirmed
	if _, err := ps.Receive(ctx); err != nil {
		log.Warn().Str("route_id", routeID).Err(err).Msg("redis subscribe")
	}
	b.mu.Lock()
	b.ps[ch] = ps
	b.mu.Unlock()
	msgs := ps.Channel()
	go func() {
		defer close(ch)
		for msg := range msgs {
			var evt SSEEvent
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				continue
			}
			select {
			case ch <- evt:
			default:
			}
		}
	}()
	return ch
}

// Unsubscribe closes the route subscription; ch is closed once the
// pub/sub reader drains.
func (b *RedisBroker) Unsubscribe(routeID string, ch chan SSEEvent) {
	b.mu.Lock()
	ps := b.ps[ch]
	delete(b.ps, ch)
	b.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
	}
}

func (b *RedisBroker) Publish(routeID string, evt SSEEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	if err := b.rdb.Publish(ctx, chanName(routeID), data).Err(); err != nil {
		log.Warn().Str("route_id", routeID).Str("event", evt.Type).Err(err).Msg("redis publish")
	}
}

func chanName(routeID string) string { return "route:" + routeID }
