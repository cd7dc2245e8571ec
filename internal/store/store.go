package store

import (
	"context"
	"errors"
	"time"

	"fieldroute/internal/model"
	"fieldroute/internal/opt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrVersionConflict = errors.New("version conflict")
	// ErrTaskTransition rejects a task status move the lifecycle forbids.
	ErrTaskTransition = errors.New("task status transition not allowed")
)

// TaskFilter selects tasks of one business. Empty fields match everything.
type TaskFilter struct {
	IDs      []string
	Period   model.Period
	Statuses []string
}

// RouteFilter selects routes of one business. From and To bound the route
// date inclusively (YYYY-MM-DD).
type RouteFilter struct {
	Period   model.Period
	TeamID   string
	Statuses []string
	From     string
	To       string
}

// TaskRegistry is the system of record for tasks.
type TaskRegistry interface {
	// GetTasks returns matching tasks sorted by id.
	GetTasks(ctx context.Context, businessID string, f TaskFilter) ([]model.Task, error)
	UpdateTaskStatus(ctx context.Context, businessID, taskID string, patch model.TaskPatch) (model.Task, error)
	UpsertTasks(ctx context.Context, businessID string, tasks []model.Task) (int, error)
}

// TeamRegistry is the system of record for teams.
type TeamRegistry interface {
	// GetTeams returns the listed teams, or all of them for nil ids, sorted by id.
	GetTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error)
	UpdateTeamField(ctx context.Context, businessID, teamID string, patch model.TeamPatch) (model.Team, error)
	UpsertTeams(ctx context.Context, businessID string, teams []model.Team) (int, error)
	ListBusinessIDs(ctx context.Context) ([]string, error)
}

// PlanChange replaces part of a period's plan atomically. Delete and Put
// routes that already exist are checked against their stored version.
type PlanChange struct {
	Period          model.Period
	ExpectedVersion int
	Delete          []model.Route
	Put             []model.Route
	Tasks           map[string]model.TaskPatch
}

// RouteStore persists routes. Writes are optimistic: a stale version
// fails with ErrVersionConflict and nothing is written.
type RouteStore interface {
	PlanVersion(ctx context.Context, businessID string, period model.Period) (int, error)
	// SavePlan applies the change and returns the new plan version and the
	// stored routes.
	SavePlan(ctx context.Context, businessID string, ch PlanChange) (int, []model.Route, error)
	GetRoute(ctx context.Context, businessID, routeID string) (model.Route, error)
	ListRoutes(ctx context.Context, businessID string, f RouteFilter) ([]model.Route, error)
	// UpdateRoute stores r when r.Version matches and bumps the version.
	// The task patches are applied in the same transaction.
	UpdateRoute(ctx context.Context, businessID string, r model.Route, tasks map[string]model.TaskPatch) (model.Route, error)
}

// AuditStore keeps optimization request records.
type AuditStore interface {
	SaveOptimizationRequest(ctx context.Context, req model.OptimizationRequest) error
	GetOptimizationRequest(ctx context.Context, businessID, id string) (model.OptimizationRequest, error)
}

// PlanMetrics are the planner statistics of the latest optimization of a
// period.
type PlanMetrics struct {
	Period    string      `json:"period"`
	Metrics   opt.Metrics `json:"metrics"`
	CreatedAt time.Time   `json:"createdAt"`
}

type PlanMetricsStore interface {
	SavePlanMetrics(ctx context.Context, businessID, period string, m opt.Metrics) error
	// ListPlanMetrics returns all periods when period is empty.
	ListPlanMetrics(ctx context.Context, businessID, period string) ([]PlanMetrics, error)
}

type WebhookStore interface {
	CreateSubscription(ctx context.Context, req model.SubscriptionRequest) (model.Subscription, error)
	GetSubscriptionsForEvent(ctx context.Context, businessID, eventType string) ([]model.Subscription, error)
	ListSubscriptions(ctx context.Context, businessID, cursor string, limit int) ([]model.Subscription, string, error)
	DeleteSubscription(ctx context.Context, businessID, id string) error

	EnqueueWebhook(ctx context.Context, businessID, subscriptionID, eventType, url, secret string, payload []byte) (string, error)
	FetchDueWebhookDeliveries(ctx context.Context, limit int) ([]WebhookDelivery, error)
	MarkWebhookDelivery(ctx context.Context, id string, success bool, nextAttemptAt *time.Time, lastError string, responseCode int, latencyMs int) error
	FailWebhookDelivery(ctx context.Context, id string, lastError string, responseCode int, latencyMs int) error
	ListWebhookDeliveries(ctx context.Context, businessID, status, cursor string, limit int) ([]DeliveryInfo, string, error)
	RetryWebhookDelivery(ctx context.Context, businessID, id string) error
	ListWebhookDLQ(ctx context.Context, businessID, cursor string, limit int) ([]DeadLetter, string, error)
	RequeueWebhookDLQ(ctx context.Context, businessID, id string) error
}

// Store is the persistence interface used by the services and the API.
type Store interface {
	TaskRegistry
	TeamRegistry
	RouteStore
	AuditStore
	PlanMetricsStore
	WebhookStore
	Ping(ctx context.Context) error
	Close() error
}

func matchStatus(status string, want []string) bool {
	if len(want) == 0 {
		return true
	}
	for _, s := range want {
		if s == status {
			return true
		}
	}
	return false
}

// routeMatches applies f to r in Go; Postgres pre-filters in SQL.
func routeMatches(r model.Route, f RouteFilter) bool {
	if f.Period.Date != "" && r.Date != f.Period.Date {
		return false
	}
	if f.Period.Month != "" && r.Month != f.Period.Month && !f.Period.Contains(r.Date) {
		return false
	}
	if f.TeamID != "" && r.TeamID != f.TeamID {
		return false
	}
	if f.From != "" && r.Date < f.From {
		return false
	}
	if f.To != "" && r.Date > f.To {
		return false
	}
	return matchStatus(r.Status, f.Statuses)
}

func taskMatches(t model.Task, f TaskFilter) bool {
	if !f.Period.IsZero() && !f.Period.Contains(t.ScheduledDate) {
		return false
	}
	return matchStatus(t.Status, f.Statuses)
}

// PeriodOf returns the plan period a route belongs to.
func PeriodOf(r model.Route) model.Period {
	if r.Month != "" {
		return model.Period{Month: r.Month}
	}
	return model.Period{Date: r.Date}
}
