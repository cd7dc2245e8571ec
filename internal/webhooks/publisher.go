// Package webhooks fans route events out to subscriber URLs through a
// persistent delivery queue.
package webhooks

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"fieldroute/internal/obs"
	"fieldroute/internal/store"
)

// Event is the JSON envelope posted to subscribers.
type Event struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	BusinessID string `json:"businessId"`
	TS         string `json:"ts"`
	Data       any    `json:"data"`
}

// Publisher enqueues one delivery per matching subscription. It never
// blocks the caller on the network.
type Publisher struct {
	store store.WebhookStore
	now   func() time.Time
}

func NewPublisher(s store.WebhookStore) *Publisher {
	return &Publisher{store: s, now: time.Now}
}

// Emit queues eventType for every subscription of the business. Failures
// are logged and dropped.
func (p *Publisher) Emit(ctx context.Context, businessID, eventType string, data any) {
	subs, err := p.store.GetSubscriptionsForEvent(ctx, businessID, eventType)
	if err != nil {
		log.Warn().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Str("event", eventType).Err(err).Msg("load webhook subscriptions")
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(Event{
		ID:         "evt_" + uuid.NewString(),
		Type:       eventType,
		BusinessID: businessID,
		TS:         p.now().UTC().Format(time.RFC3339),
		Data:       data,
	})
	if err != nil {
		log.Error().Str("event", eventType).Err(err).Msg("encode webhook event")
		return
	}
	for _, s := range subs {
		if _, err := p.store.EnqueueWebhook(ctx, businessID, s.ID, eventType, s.URL, s.Secret, body); err != nil {
			log.Warn().Str("req_id", obs.RequestID(ctx)).Str("subscription_id", s.ID).Str("event", eventType).Err(err).Msg("enqueue webhook")
		}
	}
}
