package api

import (
	"sync"
)

// SSEEvent is one live route event.
type SSEEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// EventBroker fans route events out to stream subscribers. Slow
// subscribers drop events rather than block publishers.
type EventBroker interface {
	Subscribe(routeID string) chan SSEEvent
	Unsubscribe(routeID string, ch chan SSEEvent)
	Publish(routeID string, evt SSEEvent)
}

// Broker is the in-process EventBroker.
type Broker struct {
	mu   sync.Mutex
	subs map[string]map[chan SSEEvent]struct{} // routeId -> set of channels
}

func NewBroker() *Broker {
	return &Broker{subs: map[string]map[chan SSEEvent]struct{}{}}
}

func (b *Broker) Subscribe(routeID string) chan SSEEvent {
	ch := make(chan SSEEvent, 16)
	b.mu.Lock()
	if b.subs[routeID] == nil {
		b.subs[routeID] = map[chan SSEEvent]struct{}{}
	}
	b.subs[routeID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *Broker) Unsubscribe(routeID string, ch chan SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	m := b.subs[routeID]
	if _, ok := m[ch]; !ok {
		return
	}
	delete(m, ch)
	if len(m) == 0 {
		delete(b.subs, routeID)
	}
	close(ch)
}

func (b *Broker) Publish(routeID string, evt SSEEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs[routeID] {
		select {
		case ch <- evt:
		default:
		}
	}
}

// RouteStream lets the routing engine publish through a broker.
type RouteStream struct {
	Broker EventBroker
}

func (s RouteStream) PublishRoute(routeID, eventType string, data map[string]any) {
	s.Broker.Publish(routeID, SSEEvent{Type: eventType, Data: data})
}
