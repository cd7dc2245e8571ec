package store

import "time"

// Delivery states.
const (
	DeliveryPending   = "pending"
	DeliveryRetry     = "retry"
	DeliveryDelivered = "delivered"
	DeliveryFailed    = "failed"
)

type WebhookDelivery struct {
	ID             string
	BusinessID     string
	SubscriptionID string
	EventType      string
	URL            string
	Secret         string
	Payload        []byte
	Status         string
	Attempts       int
}

// DeliveryInfo is the admin view of a queued delivery.
type DeliveryInfo struct {
	ID            string     `json:"id"`
	EventType     string     `json:"eventType"`
	Status        string     `json:"status"`
	Attempts      int        `json:"attempts"`
	URL           string     `json:"url"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	LastError     string     `json:"lastError,omitempty"`
	ResponseCode  int        `json:"responseCode,omitempty"`
	LatencyMs     int        `json:"latencyMs,omitempty"`
}

// DeadLetter is a delivery that exhausted its attempts.
type DeadLetter struct {
	ID           string    `json:"id"`
	DeliveryID   string    `json:"deliveryId"`
	EventType    string    `json:"eventType"`
	URL          string    `json:"url"`
	LastError    string    `json:"lastError,omitempty"`
	Attempts     int       `json:"attempts"`
	ResponseCode int       `json:"responseCode,omitempty"`
	LatencyMs    int       `json:"latencyMs,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}
