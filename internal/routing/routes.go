package routing

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/opt"
	"fieldroute/internal/store"
)

// routeTasks loads the tasks of r in stop order. Coordinates recorded on
// the stops fill in tasks that never had any.
func (e *Engine) routeTasks(ctx context.Context, businessID string, r model.Route) ([]model.Task, error) {
	tasks, err := e.findTasks(ctx, businessID, r.TaskIDs())
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Location.Coordinates != nil {
			continue
		}
		if idx := r.StopIndex(tasks[i].ID); idx >= 0 {
			p := r.Stops[idx].Location
			tasks[i].Location.Coordinates = &p
		}
	}
	return tasks, nil
}

// single builds a one-team instance. Tasks that cannot be located are
// returned separately.
func (e *Engine) single(ctx context.Context, date string, tasks []model.Task, team model.Team, params model.OptimizationParameters) (*instance, []string, []string, error) {
	located, missing, warnings, err := e.resolveLocations(ctx, tasks)
	if err != nil {
		return nil, nil, nil, err
	}
	in, err := e.buildInstance(ctx, date, located, []model.Team{team}, params)
	if err != nil {
		return nil, nil, nil, err
	}
	return in, missing, append(warnings, in.warnings...), nil
}

func identity(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func stopsByTask(r model.Route) map[string]model.Stop {
	out := make(map[string]model.Stop, len(r.Stops))
	for _, s := range r.Stops {
		out[s.TaskID] = s
	}
	return out
}

func routeParams(r model.Route) model.OptimizationParameters {
	if r.Params != nil {
		return r.Params.WithDefaults()
	}
	return model.DefaultParams()
}

func missingViolations(ids []string) []model.Violation {
	out := make([]model.Violation, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.Violation{Code: model.ViolationMissingCoord, TaskID: id})
	}
	return out
}

// AssignRouteToTeam moves a planned or assigned route to another team
// after checking every team constraint against it.
func (e *Engine) AssignRouteToTeam(ctx context.Context, businessID, teamID, routeID string) (_ model.Route, err error) {
	defer obs.Time(ctx, "routing.assign")(&err)
	if teamID == "" {
		return model.Route{}, apperr.Invalid("teamId is required")
	}
	unlock := e.locks.Lock(routeLockKey(businessID, routeID))
	defer unlock()

	r, err := e.store.GetRoute(ctx, businessID, routeID)
	if err != nil {
		return model.Route{}, storeErr(err, "route "+routeID)
	}
	if !r.Replaceable() {
		return model.Route{}, apperr.Transition("route %s is %s and cannot be reassigned", routeID, r.Status)
	}
	team, err := e.findTeam(ctx, businessID, teamID)
	if err != nil {
		return model.Route{}, err
	}
	tasks, err := e.routeTasks(ctx, businessID, r)
	if err != nil {
		return model.Route{}, err
	}
	params := routeParams(r)
	in, missing, warnings, err := e.single(ctx, r.Date, tasks, team, params)
	if err != nil {
		return model.Route{}, err
	}

	order := opt.Sequence(in.prob, 0, identity(len(in.tasks)))
	s := opt.ScheduleRoute(in.prob, 0, order)
	violations := opt.Check(in.prob, 0, order, s, routeTimeLimit(params), team.MaxRouteDistanceKm)
	violations = append(violations, missingViolations(missing)...)
	others, err := e.store.ListRoutes(ctx, businessID, store.RouteFilter{Period: model.Period{Date: r.Date}, TeamID: teamID})
	if err != nil {
		return model.Route{}, storeErr(err, "routes")
	}
	for _, o := range others {
		if o.ID != r.ID {
			violations = append(violations, model.Violation{Code: model.ViolationTeamBusy, Detail: "route " + o.ID})
			break
		}
	}
	if len(violations) > 0 {
		return model.Route{}, apperr.Constraint("route "+routeID+" cannot be assigned to team "+teamID, violations)
	}

	previous := r.TeamID
	baseline := r.Metrics
	r.TeamID = teamID
	r.Status = model.RouteAssigned
	warn, err := e.finishRoute(ctx, in, 0, order, s, params, routeTimeLimit(params), team.MaxRouteDistanceKm, stopsByTask(r), &r)
	if err != nil {
		return model.Route{}, err
	}
	keepBaseline(&r, baseline)
	r.UpdatedAt = e.now().UTC()
	patches := make(map[string]model.TaskPatch, len(in.tasks))
	for _, t := range in.tasks {
		patches[t.ID] = model.StatusPatch(model.TaskAssigned, &teamID)
	}
	saved, err := e.store.UpdateRoute(ctx, businessID, r, patches)
	if err != nil {
		return model.Route{}, storeErr(err, "route "+routeID)
	}
	logWarnings(ctx, routeID, append(warnings, warn...))

	data := map[string]any{"routeId": routeID, "teamId": teamID, "previousTeamId": previous, "date": saved.Date, "ts": e.now().UTC().Format(time.RFC3339)}
	e.emit(ctx, businessID, EventRouteAssigned, data)
	e.stream(routeID, EventRouteAssigned, data)
	return saved, nil
}

// ReoptimizeRoute re-orders the pending stops of a route. Stops already
// started or finished keep their place at the front.
func (e *Engine) ReoptimizeRoute(ctx context.Context, businessID, routeID string, p *model.OptimizationParameters) (_ model.Route, err error) {
	defer obs.Time(ctx, "routing.reoptimize")(&err)
	unlock := e.locks.Lock(routeLockKey(businessID, routeID))
	defer unlock()

	r, err := e.store.GetRoute(ctx, businessID, routeID)
	if err != nil {
		return model.Route{}, storeErr(err, "route "+routeID)
	}
	if r.Status == model.RouteCompleted {
		return model.Route{}, apperr.Transition("route %s is completed", routeID)
	}
	params := routeParams(r)
	if p != nil {
		if params, err = validateParams(p); err != nil {
			return model.Route{}, err
		}
	}
	team, err := e.findTeam(ctx, businessID, r.TeamID)
	if err != nil {
		return model.Route{}, err
	}
	tasks, err := e.routeTasks(ctx, businessID, r)
	if err != nil {
		return model.Route{}, err
	}
	in, missing, warnings, err := e.single(ctx, r.Date, tasks, team, params)
	if err != nil {
		return model.Route{}, err
	}
	if len(missing) > 0 {
		return model.Route{}, apperr.Invalid("tasks without a location: %v", missing)
	}

	node := make(map[string]int, len(in.tasks))
	for i, t := range in.tasks {
		node[t.ID] = i
	}
	var fixed, pending []int
	for _, st := range r.Stops {
		n := node[st.TaskID]
		if st.Status == model.StopPending {
			pending = append(pending, n)
		} else {
			fixed = append(fixed, n)
		}
	}
	var order []int
	if len(fixed) == 0 {
		order = opt.Sequence(in.prob, 0, pending)
	} else {
		head := opt.ScheduleRoute(in.prob, 0, fixed)
		tail := opt.SequenceFrom(in.prob, 0, pending, fixed[len(fixed)-1], head.EndMin)
		order = append(append([]int(nil), fixed...), tail...)
	}
	s := opt.ScheduleRoute(in.prob, 0, order)

	prev := stopsByTask(r)
	baseline := r.Metrics
	warn, err := e.finishRoute(ctx, in, 0, order, s, params, routeTimeLimit(params), team.MaxRouteDistanceKm, prev, &r)
	if err != nil {
		return model.Route{}, err
	}
	// fixed stops keep the times they were dispatched with
	for i := range fixed {
		old := prev[r.Stops[i].TaskID]
		r.Stops[i].ArrivalTime = old.ArrivalTime
		r.Stops[i].DepartureTime = old.DepartureTime
		r.Stops[i].WeatherDelayMin = old.WeatherDelayMin
	}
	keepBaseline(&r, baseline)
	r.Params = &params
	r.UpdatedAt = e.now().UTC()
	saved, err := e.store.UpdateRoute(ctx, businessID, r, nil)
	if err != nil {
		return model.Route{}, storeErr(err, "route "+routeID)
	}
	logWarnings(ctx, routeID, append(warnings, warn...))

	data := map[string]any{"routeId": routeID, "teamId": saved.TeamID, "order": saved.TaskIDs(), "fixedStops": len(fixed), "ts": e.now().UTC().Format(time.RFC3339)}
	e.emit(ctx, businessID, EventRouteReoptimized, data)
	e.stream(routeID, EventRouteReoptimized, data)
	return saved, nil
}

func keepBaseline(r *model.Route, old model.RouteMetrics) {
	r.Metrics.BaselineDistanceKm = old.BaselineDistanceKm
	r.Metrics.BaselineTimeMin = old.BaselineTimeMin
}

func logWarnings(ctx context.Context, routeID string, warnings []string) {
	for _, w := range warnings {
		log.Warn().Str("req_id", obs.RequestID(ctx)).Str("route_id", routeID).Msg(w)
	}
}

type MetricsRequest struct {
	TaskIDs []string                      `json:"taskIds" validate:"required,min=1,max=500,dive,required"`
	TeamID  string                        `json:"teamId" validate:"required"`
	Date    string                        `json:"date,omitempty"`
	Params  *model.OptimizationParameters `json:"parameters,omitempty"`
}

// RouteEstimate is a route computed without being stored.
type RouteEstimate struct {
	TeamID          string                   `json:"teamId"`
	Date            string                   `json:"date"`
	Order           []string                 `json:"order"`
	Stops           []model.Stop             `json:"stops"`
	Metrics         model.RouteMetrics       `json:"metrics"`
	Weather         *model.WeatherAdjustment `json:"weather,omitempty"`
	Violations      []model.Violation        `json:"violations"`
	MissingLocation []string                 `json:"missingLocation,omitempty"`
	Warnings        []string                 `json:"warnings"`
}

func (e *Engine) resolveDate(date string) (string, error) {
	if date == "" {
		return e.today(), nil
	}
	if err := (model.Period{Date: date}).Validate(); err != nil {
		return "", apperr.Invalid("%s", err.Error())
	}
	return date, nil
}

// CalculateRouteMetrics orders and scores the tasks for a team the same way
// the optimizer would, without storing anything.
func (e *Engine) CalculateRouteMetrics(ctx context.Context, businessID string, req MetricsRequest) (_ RouteEstimate, err error) {
	defer obs.Time(ctx, "routing.metrics")(&err)
	if len(dedupe(req.TaskIDs)) == 0 || req.TeamID == "" {
		return RouteEstimate{}, apperr.Invalid("taskIds and teamId are required")
	}
	params, err := validateParams(req.Params)
	if err != nil {
		return RouteEstimate{}, err
	}
	date, err := e.resolveDate(req.Date)
	if err != nil {
		return RouteEstimate{}, err
	}
	team, err := e.findTeam(ctx, businessID, req.TeamID)
	if err != nil {
		return RouteEstimate{}, err
	}
	tasks, err := e.findTasks(ctx, businessID, req.TaskIDs)
	if err != nil {
		return RouteEstimate{}, err
	}
	in, missing, warnings, err := e.single(ctx, date, tasks, team, params)
	if err != nil {
		return RouteEstimate{}, err
	}

	order := opt.Sequence(in.prob, 0, identity(len(in.tasks)))
	s := opt.ScheduleRoute(in.prob, 0, order)
	var r model.Route
	warn, err := e.finishRoute(ctx, in, 0, order, s, params, routeTimeLimit(params), team.MaxRouteDistanceKm, nil, &r)
	if err != nil {
		return RouteEstimate{}, err
	}
	base := opt.ScheduleRoute(in.prob, 0, identity(len(in.tasks)))
	r.Metrics.BaselineDistanceKm = round2(base.DistanceKm)
	r.Metrics.BaselineTimeMin = round2(base.TotalMin())

	return RouteEstimate{
		TeamID:          team.ID,
		Date:            date,
		Order:           r.TaskIDs(),
		Stops:           r.Stops,
		Metrics:         r.Metrics,
		Weather:         r.Weather,
		Violations:      append(r.Violations, missingViolations(missing)...),
		MissingLocation: missing,
		Warnings:        uniqueStrings(append(warnings, warn...)),
	}, nil
}

type ValidateRequest struct {
	TaskIDs     []string `json:"taskIds" validate:"required,min=1,max=500,dive,required"`
	TeamID      string   `json:"teamId" validate:"required"`
	MaxTime     float64  `json:"maxTime,omitempty" validate:"gte=0"`
	MaxDistance float64  `json:"maxDistance,omitempty" validate:"gte=0"`
	Date        string   `json:"date,omitempty"`
}

// ValidateRouteConstraints checks the tasks, in the given order, against
// the team and the optional limits. Constraint failures are reported in
// the result, never as an error.
func (e *Engine) ValidateRouteConstraints(ctx context.Context, businessID string, req ValidateRequest) (_ model.ValidationResult, err error) {
	defer obs.Time(ctx, "routing.validate")(&err)
	if len(dedupe(req.TaskIDs)) == 0 || req.TeamID == "" {
		return model.ValidationResult{}, apperr.Invalid("taskIds and teamId are required")
	}
	if req.MaxTime < 0 || req.MaxDistance < 0 {
		return model.ValidationResult{}, apperr.Invalid("maxTime and maxDistance must not be negative")
	}
	date, err := e.resolveDate(req.Date)
	if err != nil {
		return model.ValidationResult{}, err
	}
	team, err := e.findTeam(ctx, businessID, req.TeamID)
	if err != nil {
		return model.ValidationResult{}, err
	}
	tasks, err := e.findTasks(ctx, businessID, req.TaskIDs)
	if err != nil {
		return model.ValidationResult{}, err
	}
	in, missing, _, err := e.single(ctx, date, tasks, team, model.DefaultParams())
	if err != nil {
		return model.ValidationResult{}, err
	}
	maxDist := req.MaxDistance
	if maxDist == 0 {
		maxDist = team.MaxRouteDistanceKm
	}
	order := identity(len(in.tasks))
	s := opt.ScheduleRoute(in.prob, 0, order)
	violations := opt.Check(in.prob, 0, order, s, req.MaxTime, maxDist)
	violations = append(violations, missingViolations(missing)...)
	return model.ValidationResult{Valid: len(violations) == 0, Violations: violations}, nil
}
