package api

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, ch chan SSEEvent) SSEEvent {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "channel closed")
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return SSEEvent{}
}

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")
	other := b.Subscribe("r2")

	b.Publish("r1", SSEEvent{Type: "stop.progress", Data: map[string]any{"seq": 1}})
	evt := recv(t, ch)
	require.Equal(t, "stop.progress", evt.Type)
	require.Equal(t, 1, evt.Data["seq"])
	require.Empty(t, other)

	b.Unsubscribe("r1", ch)
	_, ok := <-ch
	require.False(t, ok)
	// A second unsubscribe is a no-op.
	b.Unsubscribe("r1", ch)
	b.Unsubscribe("r2", other)
}

func TestBrokerDropsForSlowSubscribers(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")
	for i := 0; i < 40; i++ {
		b.Publish("r1", SSEEvent{Type: "tick", Data: map[string]any{"i": i}})
	}
	require.Len(t, ch, cap(ch))
	b.Unsubscribe("r1", ch)
}

func TestRouteStreamPublishes(t *testing.T) {
	b := NewBroker()
	ch := b.Subscribe("r1")
	defer b.Unsubscribe("r1", ch)
	RouteStream{Broker: b}.PublishRoute("r1", "route.completed", map[string]any{"stops": 3})
	require.Equal(t, "route.completed", recv(t, ch).Type)
}

func TestRedisBroker(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	b := NewRedisBroker(rdb)
	ch := b.Subscribe("r1")
	// Wait for the subscription to reach the server before publishing.
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("*")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	b.Publish("r1", SSEEvent{Type: "stop.progress", Data: map[string]any{"taskId": "t1"}})
	evt := recv(t, ch)
	require.Equal(t, "stop.progress", evt.Type)
	require.Equal(t, "t1", evt.Data["taskId"])

	b.Unsubscribe("r1", ch)
	require.Eventually(t, func() bool {
		return len(mr.PubSubChannels("*")) == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestLocationCache(t *testing.T) {
	c := NewLocationCache()
	c.Upsert(LatestLocation{BusinessID: "b", RouteID: "r1", TeamID: "t2", Lat: 1})
	c.Upsert(LatestLocation{BusinessID: "b", RouteID: "r1", TeamID: "t1", Lat: 2})
	c.Upsert(LatestLocation{BusinessID: "b", RouteID: "r1", TeamID: "t1", Lat: 3})
	c.Upsert(LatestLocation{BusinessID: "b", RouteID: "r2", TeamID: "t1"})
	c.Upsert(LatestLocation{BusinessID: "b", RouteID: "r1"})

	got := c.ListByRoute("b", "r1")
	require.Len(t, got, 2)
	require.Equal(t, "t1", got[0].TeamID)
	require.Equal(t, 3.0, got[0].Lat)
	require.Empty(t, c.ListByRoute("other", "r1"))
}
