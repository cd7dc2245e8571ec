package routing

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/apperr"
	"fieldroute/internal/geo"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/store"
)

// maxProgressRetries bounds re-reads after a concurrent route write.
const maxProgressRetries = 3

var stopTransitions = map[string][]string{
	model.StopPending: {model.StopStarted},
	model.StopStarted: {model.StopArrived, model.StopPaused, model.StopCompleted},
	model.StopArrived: {model.StopCompleted, model.StopPaused},
	model.StopPaused:  {model.StopStarted},
}

// CanTransition reports whether a stop may move from one status to another.
func CanTransition(from, to string) bool {
	for _, s := range stopTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type ProgressUpdate struct {
	TaskID    string          `json:"taskId" validate:"required"`
	Status    string          `json:"status" validate:"required,oneof=started arrived paused completed"`
	Location  *model.GeoPoint `json:"location,omitempty"`
	AccuracyM float64         `json:"accuracy,omitempty" validate:"gte=0"`
}

type ProgressResult struct {
	Route model.Route `json:"route"`
	Stop  model.Stop  `json:"stop"`
}

// UpdateRouteProgress moves one stop of a route to a new status. Writes to
// a route are serialized and version checked; a write that loses a race is
// re-read and re-validated.
func (e *Engine) UpdateRouteProgress(ctx context.Context, businessID, routeID string, u ProgressUpdate) (_ ProgressResult, err error) {
	defer obs.Time(ctx, "routing.progress")(&err)
	switch u.Status {
	case model.StopStarted, model.StopArrived, model.StopPaused, model.StopCompleted:
	default:
		return ProgressResult{}, apperr.Invalid("status must be one of started, arrived, paused, completed")
	}
	if u.TaskID == "" {
		return ProgressResult{}, apperr.Invalid("taskId is required")
	}
	if u.Location != nil && !geo.ValidPoint(*u.Location) {
		return ProgressResult{}, apperr.Invalid("invalid location")
	}

	unlock := e.locks.Lock(routeLockKey(businessID, routeID))
	defer unlock()

	var res ProgressResult
	for attempt := 0; ; attempt++ {
		res, err = e.applyProgress(ctx, businessID, routeID, u)
		if !errors.Is(err, store.ErrVersionConflict) || attempt == maxProgressRetries {
			break
		}
		log.Debug().Str("req_id", obs.RequestID(ctx)).Str("route_id", routeID).Int("attempt", attempt+1).Msg("route changed concurrently; retrying progress update")
	}
	if err != nil {
		return ProgressResult{}, storeErr(err, "route "+routeID)
	}
	metrics.StopTransitions.WithLabelValues(u.Status).Inc()

	now := e.now().UTC()
	if u.Location != nil {
		loc := model.TeamLocation{Lat: u.Location.Lat, Lng: u.Location.Lng, AccuracyM: u.AccuracyM, UpdatedAt: now}
		if _, err := e.store.UpdateTeamField(ctx, businessID, res.Route.TeamID, model.TeamPatch{CurrentLocation: &loc}); err != nil {
			log.Warn().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Str("team_id", res.Route.TeamID).Err(err).Msg("update team location")
		}
	}

	data := map[string]any{
		"routeId": routeID,
		"teamId":  res.Route.TeamID,
		"taskId":  u.TaskID,
		"seq":     res.Stop.Seq,
		"status":  u.Status,
		"ts":      now.Format(time.RFC3339),
	}
	if u.Location != nil {
		data["location"] = map[string]any{"lat": u.Location.Lat, "lng": u.Location.Lng}
	}
	e.emit(ctx, businessID, EventStopProgress, data)
	e.stream(routeID, EventStopProgress, data)
	if res.Route.Status == model.RouteCompleted {
		done := map[string]any{"routeId": routeID, "teamId": res.Route.TeamID, "stops": len(res.Route.Stops), "ts": now.Format(time.RFC3339)}
		e.emit(ctx, businessID, EventRouteCompleted, done)
		e.stream(routeID, EventRouteCompleted, done)
	}
	return res, nil
}

// applyProgress performs one read-validate-write cycle. Store errors are
// returned untranslated so the caller can spot version conflicts.
func (e *Engine) applyProgress(ctx context.Context, businessID, routeID string, u ProgressUpdate) (ProgressResult, error) {
	r, err := e.store.GetRoute(ctx, businessID, routeID)
	if err != nil {
		return ProgressResult{}, err
	}
	idx := r.StopIndex(u.TaskID)
	if idx < 0 {
		return ProgressResult{}, apperr.NotFound("task %s is not on route %s", u.TaskID, routeID)
	}
	switch r.Status {
	case model.RouteCompleted:
		return ProgressResult{}, apperr.Transition("route %s is already completed", routeID)
	case model.RoutePlanned:
		return ProgressResult{}, apperr.Transition("route %s is planned; assign it to a team before starting work", routeID)
	}
	stop := &r.Stops[idx]
	if !CanTransition(stop.Status, u.Status) {
		return ProgressResult{}, apperr.Transition("stop %s cannot move from %s to %s", u.TaskID, stop.Status, u.Status)
	}

	now := e.now().UTC()
	stop.Status = u.Status
	switch u.Status {
	case model.StopStarted:
		if stop.StartedAt == nil {
			stop.StartedAt = &now
		}
		stop.PausedAt = nil
	case model.StopArrived:
		stop.ArrivedAt = &now
	case model.StopPaused:
		stop.PausedAt = &now
	case model.StopCompleted:
		stop.CompletedAt = &now
	}
	if u.Location != nil {
		loc := *u.Location
		stop.LastLocation = &loc
	}

	tasks := map[string]model.TaskPatch{}
	switch u.Status {
	case model.StopStarted:
		tasks[u.TaskID] = model.StatusPatch(model.TaskInProgress, nil)
	case model.StopCompleted:
		tasks[u.TaskID] = model.StatusPatch(model.TaskCompleted, nil)
	}
	if patch, ok := tasks[u.TaskID]; ok {
		found, err := e.store.GetTasks(ctx, businessID, store.TaskFilter{IDs: []string{u.TaskID}})
		if err != nil {
			return ProgressResult{}, err
		}
		if len(found) == 1 && !patch.Allowed(found[0]) {
			return ProgressResult{}, apperr.Transition("task %s is %s", u.TaskID, found[0].Status)
		}
	}
	if u.Status == model.StopStarted && r.Status == model.RouteAssigned {
		r.Status = model.RouteInProgress
		if r.StartedAt == nil {
			r.StartedAt = &now
		}
	}
	open := 0
	for _, s := range r.Stops {
		if s.Open() {
			open++
		}
	}
	if open == 0 {
		r.Status = model.RouteCompleted
		r.CompletedAt = &now
	}
	r.UpdatedAt = now

	saved, err := e.store.UpdateRoute(ctx, businessID, r, tasks)
	if err != nil {
		return ProgressResult{}, err
	}
	return ProgressResult{Route: saved, Stop: saved.Stops[idx]}, nil
}
