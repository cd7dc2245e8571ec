// Package routing plans, assigns and tracks routes for a business. It owns
// the orchestration around the opt heuristics: loading the registry,
// resolving locations, fetching travel matrices and forecasts, persisting
// plans and emitting lifecycle events.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"fieldroute/internal/apperr"
	"fieldroute/internal/mapping"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
	"fieldroute/internal/weather"
)

// Event types emitted by the engine.
const (
	EventRouteOptimized   = "route.optimized"
	EventRouteAssigned    = "route.assigned"
	EventRouteReoptimized = "route.reoptimized"
	EventStopProgress     = "stop.progress"
	EventRouteCompleted   = "route.completed"
)

// DefaultLPer100Km is assumed for vehicles without a recorded consumption.
const DefaultLPer100Km = 10.0

// Emitter queues outbound webhook events.
type Emitter interface {
	Emit(ctx context.Context, businessID, eventType string, data any)
}

// Streamer pushes live events to clients following a route.
type Streamer interface {
	PublishRoute(routeID, eventType string, data map[string]any)
}

type Options struct {
	MaxCandidates     int
	SwapPasses        int
	FuelPricePerLiter float64
	// Concurrency bounds parallel geocoding calls.
	Concurrency int
	Hooks       Emitter
	Stream      Streamer
}

// Engine is the route optimization engine and progress tracker.
type Engine struct {
	store   store.Store
	maps    mapping.Provider
	weather *weather.Service // nil disables weather adjustment
	opts    Options
	locks   *keyedMutex
	now     func() time.Time
	newID   func() string
}

func New(st store.Store, maps mapping.Provider, ws *weather.Service, opts Options) *Engine {
	if maps == nil {
		maps = mapping.NewResilient(nil, nil, false)
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	return &Engine{
		store:   st,
		maps:    maps,
		weather: ws,
		opts:    opts,
		locks:   newKeyedMutex(),
		now:     time.Now,
		newID:   func() string { return uuid.NewString() },
	}
}

// SetClock replaces the engine clock.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) today() string {
	return e.now().UTC().Format(model.DateLayout)
}

func (e *Engine) emit(ctx context.Context, businessID, eventType string, data map[string]any) {
	if e.opts.Hooks != nil {
		e.opts.Hooks.Emit(ctx, businessID, eventType, data)
	}
}

func (e *Engine) stream(routeID, eventType string, data map[string]any) {
	if e.opts.Stream != nil {
		e.opts.Stream.PublishRoute(routeID, eventType, data)
	}
}

// storeErr translates store sentinels into caller facing kinds.
func storeErr(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return apperr.NotFound("%s not found", what)
	case errors.Is(err, store.ErrVersionConflict):
		return apperr.Conflict("%s was modified concurrently", what)
	case errors.Is(err, store.ErrTaskTransition):
		return apperr.Transition("%s: task status change not allowed", what)
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	return fmt.Errorf("%s: %w", what, err)
}

func planLockKey(businessID string, p model.Period) string {
	return "plan|" + businessID + "|" + p.PlanKey()
}

func routeLockKey(businessID, routeID string) string {
	return "route|" + businessID + "|" + routeID
}

// GetRoute returns one route of the business.
func (e *Engine) GetRoute(ctx context.Context, businessID, routeID string) (model.Route, error) {
	r, err := e.store.GetRoute(ctx, businessID, routeID)
	if err != nil {
		return model.Route{}, storeErr(err, "route "+routeID)
	}
	return r, nil
}

// GetOptimization returns the audit record of an optimize call.
func (e *Engine) GetOptimization(ctx context.Context, businessID, id string) (model.OptimizationRequest, error) {
	req, err := e.store.GetOptimizationRequest(ctx, businessID, id)
	if err != nil {
		return model.OptimizationRequest{}, storeErr(err, "optimization "+id)
	}
	return req, nil
}

// loadTeams returns the requested teams in request order, deduplicated.
// Ids the business does not own are reported together.
func (e *Engine) loadTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error) {
	ids = dedupe(ids)
	teams, err := e.store.GetTeams(ctx, businessID, ids)
	if err != nil {
		return nil, storeErr(err, "teams")
	}
	byID := make(map[string]model.Team, len(teams))
	for _, t := range teams {
		byID[t.ID] = t
	}
	out := make([]model.Team, 0, len(ids))
	var missing []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, t)
	}
	if len(missing) > 0 {
		return nil, apperr.Invalid("unknown team ids: %v", missing)
	}
	return out, nil
}

// lookupTasks returns the listed tasks in request order together with the
// ids the business does not own.
func (e *Engine) lookupTasks(ctx context.Context, businessID string, ids []string) ([]model.Task, []string, error) {
	ids = dedupe(ids)
	tasks, err := e.store.GetTasks(ctx, businessID, store.TaskFilter{IDs: ids})
	if err != nil {
		return nil, nil, storeErr(err, "tasks")
	}
	byID := make(map[string]model.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	out := make([]model.Task, 0, len(ids))
	var missing []string
	for _, id := range ids {
		t, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		out = append(out, t)
	}
	return out, missing, nil
}

// loadTasks is lookupTasks for optimize requests, where unknown ids are
// a malformed request.
func (e *Engine) loadTasks(ctx context.Context, businessID string, ids []string) ([]model.Task, error) {
	tasks, missing, err := e.lookupTasks(ctx, businessID, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.Invalid("unknown task ids: %v", missing)
	}
	return tasks, nil
}

// findTasks is lookupTasks for route operations, where unknown ids are
// reported as not found.
func (e *Engine) findTasks(ctx context.Context, businessID string, ids []string) ([]model.Task, error) {
	tasks, missing, err := e.lookupTasks(ctx, businessID, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		return nil, apperr.NotFound("tasks not found: %v", missing)
	}
	return tasks, nil
}

func (e *Engine) findTeam(ctx context.Context, businessID, teamID string) (model.Team, error) {
	teams, err := e.store.GetTeams(ctx, businessID, []string{teamID})
	if err != nil {
		return model.Team{}, storeErr(err, "team "+teamID)
	}
	for _, t := range teams {
		if t.ID == teamID {
			return t, nil
		}
	}
	return model.Team{}, apperr.NotFound("team %s not found", teamID)
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
