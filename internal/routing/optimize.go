package routing

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/apperr"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/opt"
	"fieldroute/internal/store"
)

const (
	maxOptimizeTasks = 500
	maxOptimizeTeams = 100
)

// validateParams applies defaults and range checks.
func validateParams(p *model.OptimizationParameters) (model.OptimizationParameters, error) {
	params := model.DefaultParams()
	if p != nil {
		params = p.WithDefaults()
	}
	if params.MaxRouteTime < 0 || params.MaxRouteTime > 24*60 {
		return params, apperr.Invalid("maxRouteTime must be between 0 and 1440 minutes")
	}
	if params.MaxStopsPerRoute < 0 || params.MaxStopsPerRoute > 500 {
		return params, apperr.Invalid("maxStopsPerRoute must be between 0 and 500")
	}
	return params, nil
}

func validateOptimize(req model.OptimizeRequest) (model.OptimizationParameters, error) {
	if req.BusinessID == "" {
		return model.OptimizationParameters{}, apperr.Invalid("business id is required")
	}
	if len(dedupe(req.TeamIDs)) == 0 {
		return model.OptimizationParameters{}, apperr.Invalid("teamIds must not be empty")
	}
	if len(req.TeamIDs) > maxOptimizeTeams {
		return model.OptimizationParameters{}, apperr.Invalid("at most %d teams per request", maxOptimizeTeams)
	}
	if len(req.TaskIDs) > maxOptimizeTasks {
		return model.OptimizationParameters{}, apperr.Invalid("at most %d tasks per request", maxOptimizeTasks)
	}
	period := req.Period()
	if period.IsZero() && len(dedupe(req.TaskIDs)) == 0 {
		return model.OptimizationParameters{}, apperr.Invalid("taskIds or a date or month is required")
	}
	if err := period.Validate(); err != nil {
		return model.OptimizationParameters{}, apperr.Invalid("%s", err.Error())
	}
	return validateParams(req.Params)
}

// periodFromTasks picks the plan date when only task ids were given: the
// tasks' shared scheduled date, or today when none carry one.
func periodFromTasks(tasks []model.Task, today string) (model.Period, error) {
	date := ""
	for _, t := range tasks {
		if t.ScheduledDate == "" {
			continue
		}
		if date != "" && t.ScheduledDate != date {
			return model.Period{}, apperr.Invalid("tasks are scheduled on several dates; pass a date or month")
		}
		date = t.ScheduledDate
	}
	if date == "" {
		date = today
	}
	return model.Period{Date: date}, nil
}

// OptimizeRoutes plans routes for the requested teams and replaces the
// replaceable part of the period's existing plan.
func (e *Engine) OptimizeRoutes(ctx context.Context, req model.OptimizeRequest) (_ model.OptimizeResult, err error) {
	defer obs.Time(ctx, "routing.optimize")(&err)
	began := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
		}
		metrics.OptimizeDuration.WithLabelValues(outcome).Observe(time.Since(began).Seconds())
	}()

	params, err := validateOptimize(req)
	if err != nil {
		return model.OptimizeResult{}, err
	}
	teams, err := e.loadTeams(ctx, req.BusinessID, req.TeamIDs)
	if err != nil {
		return model.OptimizeResult{}, err
	}
	period := req.Period()
	explicit := len(dedupe(req.TaskIDs)) > 0
	var tasks []model.Task
	if explicit {
		tasks, err = e.loadTasks(ctx, req.BusinessID, req.TaskIDs)
	} else {
		tasks, err = e.store.GetTasks(ctx, req.BusinessID, store.TaskFilter{Period: period, Statuses: []string{model.TaskPending}})
		err = storeErr(err, "tasks")
	}
	if err != nil {
		return model.OptimizeResult{}, err
	}
	if period.IsZero() {
		if period, err = periodFromTasks(tasks, e.today()); err != nil {
			return model.OptimizeResult{}, err
		}
	}

	unlock := e.locks.Lock(planLockKey(req.BusinessID, period))
	defer unlock()

	audit := model.OptimizationRequest{
		ID:         e.newID(),
		BusinessID: req.BusinessID,
		Date:       period.Date,
		Month:      period.Month,
		TaskIDs:    dedupe(req.TaskIDs),
		TeamIDs:    dedupe(req.TeamIDs),
		Params:     params,
		Status:     model.OptProcessing,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.store.SaveOptimizationRequest(ctx, audit); err != nil {
		return model.OptimizeResult{}, storeErr(err, "optimization request")
	}

	res, perr := e.plan(ctx, audit.ID, req.BusinessID, period, teams, tasks, params)
	done := e.now().UTC()
	audit.CompletedAt = &done
	if perr != nil {
		audit.Status = model.OptFailed
		audit.Error = perr.Error()
		audit.Summary.Warnings = []string{}
	} else {
		audit.Status = model.OptCompleted
		audit.Summary = res.Summary
	}
	if err := e.store.SaveOptimizationRequest(context.WithoutCancel(ctx), audit); err != nil {
		log.Error().Str("req_id", obs.RequestID(ctx)).Str("business_id", req.BusinessID).Str("optimization_id", audit.ID).Err(err).Msg("save optimization audit")
	}
	if perr != nil {
		log.Warn().Str("req_id", obs.RequestID(ctx)).Str("business_id", req.BusinessID).Str("period", period.Key()).
			Strs("team_ids", audit.TeamIDs).Int("tasks", len(tasks)).Err(perr).Msg("optimization failed")
		return model.OptimizeResult{}, perr
	}
	return res, nil
}

// plan solves every day of the period and stores the result as one plan
// change. The caller holds the period lock.
func (e *Engine) plan(ctx context.Context, optID, businessID string, period model.Period, teams []model.Team, tasks []model.Task, params model.OptimizationParameters) (model.OptimizeResult, error) {
	res := model.OptimizeResult{OptimizationID: optID, Routes: []model.Route{}, UnassignedTasks: []model.UnassignedTask{}, Warnings: []string{}}

	version, err := e.store.PlanVersion(ctx, businessID, period)
	if err != nil {
		return res, storeErr(err, "plan version")
	}
	existing, err := e.store.ListRoutes(ctx, businessID, store.RouteFilter{Period: period})
	if err != nil {
		return res, storeErr(err, "routes")
	}
	lockedTasks := map[string]bool{}
	busy := map[string]map[string]bool{} // date -> team ids with a route in execution
	for _, r := range existing {
		if r.Replaceable() {
			continue
		}
		for _, id := range r.TaskIDs() {
			lockedTasks[id] = true
		}
		if busy[r.Date] == nil {
			busy[r.Date] = map[string]bool{}
		}
		busy[r.Date][r.TeamID] = true
	}

	unassign := func(id, reason string) {
		res.UnassignedTasks = append(res.UnassignedTasks, model.UnassignedTask{TaskID: id, Reason: reason})
	}
	var candidates []model.Task
	for _, t := range tasks {
		switch {
		case !t.Schedulable() || lockedTasks[t.ID]:
			unassign(t.ID, model.ReasonNotSchedulable)
		case period.Month != "" && !period.Contains(t.ScheduledDate):
			unassign(t.ID, model.ReasonNotSchedulable)
		default:
			candidates = append(candidates, t)
		}
	}
	located, missing, warns, err := e.resolveLocations(ctx, candidates)
	if err != nil {
		return res, err
	}
	res.Warnings = append(res.Warnings, warns...)
	for _, id := range missing {
		unassign(id, model.ReasonMissingLocation)
	}

	byDate := map[string][]model.Task{}
	for _, t := range located {
		d := period.Date
		if d == "" {
			d = t.ScheduledDate
		}
		byDate[d] = append(byDate[d], t)
	}
	dates := make([]string, 0, len(byDate))
	for d := range byDate {
		dates = append(dates, d)
	}
	sort.Strings(dates)

	var total opt.Metrics
	var baseDist, baseTime float64
	now := e.now().UTC()
	for _, date := range dates {
		group := byDate[date]
		var dayTeams []model.Team
		for _, tm := range teams {
			if busy[date][tm.ID] {
				res.Warnings = append(res.Warnings, fmt.Sprintf("team %s already has a route in progress on %s", tm.ID, date))
				continue
			}
			dayTeams = append(dayTeams, tm)
		}
		if len(dayTeams) == 0 {
			for _, t := range group {
				unassign(t.ID, model.ReasonNoAvailableTeam)
			}
			continue
		}
		in, err := e.buildInstance(ctx, date, group, dayTeams, params)
		if err != nil {
			return res, err
		}
		res.Warnings = append(res.Warnings, in.warnings...)
		sol, m := opt.Solve(in.prob)
		addMetrics(&total, m)
		for _, u := range sol.Unassigned {
			unassign(in.tasks[u.Node].ID, u.Reason)
		}
		for _, pl := range sol.Plans {
			r := model.Route{
				ID:                    e.newID(),
				BusinessID:            businessID,
				TeamID:                pl.VehicleID,
				Date:                  date,
				Month:                 period.Month,
				Status:                model.RoutePlanned,
				Params:                &params,
				OptimizationRequestID: optID,
				CreatedAt:             now,
				UpdatedAt:             now,
			}
			warn, err := e.finishRoute(ctx, in, pl.Vehicle, pl.Order, pl.Schedule, params, routeTimeLimit(params), 0, nil, &r)
			if err != nil {
				return res, err
			}
			res.Warnings = append(res.Warnings, warn...)
			base := opt.ScheduleRoute(in.prob, pl.Vehicle, inputOrder(pl.Order))
			r.Metrics.BaselineDistanceKm = round2(base.DistanceKm)
			r.Metrics.BaselineTimeMin = round2(base.TotalMin())
			baseDist += base.DistanceKm
			baseTime += base.TotalMin()
			res.Routes = append(res.Routes, r)
		}
	}

	ch := planChange(period, version, existing, teams, res.Routes)
	_, saved, err := e.store.SavePlan(ctx, businessID, ch)
	if err != nil {
		return res, storeErr(err, "plan "+period.Key())
	}
	fresh := map[string]bool{}
	for _, r := range res.Routes {
		fresh[r.ID] = true
	}
	res.Routes = res.Routes[:0]
	for _, r := range saved {
		if fresh[r.ID] {
			res.Routes = append(res.Routes, r)
		}
	}
	sort.SliceStable(res.Routes, func(a, b int) bool {
		if res.Routes[a].Date != res.Routes[b].Date {
			return res.Routes[a].Date < res.Routes[b].Date
		}
		return res.Routes[a].TeamID < res.Routes[b].TeamID
	})
	sort.SliceStable(res.UnassignedTasks, func(a, b int) bool { return res.UnassignedTasks[a].TaskID < res.UnassignedTasks[b].TaskID })
	res.Warnings = uniqueStrings(res.Warnings)
	res.Summary = summarize(res, baseDist, baseTime)

	if err := e.store.SavePlanMetrics(ctx, businessID, period.Key(), total); err != nil {
		log.Warn().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Err(err).Msg("save plan metrics")
	}
	for _, u := range res.UnassignedTasks {
		metrics.UnassignedTasks.WithLabelValues(u.Reason).Inc()
	}
	for _, r := range res.Routes {
		e.emit(ctx, businessID, EventRouteOptimized, map[string]any{
			"routeId":         r.ID,
			"teamId":          r.TeamID,
			"date":            r.Date,
			"stops":           len(r.Stops),
			"totalDistanceKm": r.Metrics.TotalDistanceKm,
			"optimizationId":  optID,
		})
	}
	log.Info().Str("req_id", obs.RequestID(ctx)).Str("business_id", businessID).Str("period", period.Key()).
		Int("routes", len(res.Routes)).Int("unassigned", len(res.UnassignedTasks)).Int("candidates", total.CandidatesEvaluated).Msg("optimization completed")
	return res, nil
}

// planChange replaces the requested teams' replaceable routes and strips
// newly planned tasks from any other replaceable route of the period.
// Tasks released from replaced routes go back to pending.
func planChange(period model.Period, version int, existing []model.Route, teams []model.Team, fresh []model.Route) store.PlanChange {
	ch := store.PlanChange{Period: period, ExpectedVersion: version, Tasks: map[string]model.TaskPatch{}}
	requestedTeam := map[string]bool{}
	for _, t := range teams {
		requestedTeam[t.ID] = true
	}
	planned := map[string]string{}
	for _, r := range fresh {
		for _, id := range r.TaskIDs() {
			planned[id] = r.TeamID
		}
	}
	released := map[string]bool{}
	for _, r := range existing {
		if !r.Replaceable() {
			continue
		}
		if requestedTeam[r.TeamID] {
			ch.Delete = append(ch.Delete, r)
			for _, id := range r.TaskIDs() {
				released[id] = true
			}
			continue
		}
		kept := r.Stops[:0:0]
		for _, s := range r.Stops {
			if _, ok := planned[s.TaskID]; ok {
				continue
			}
			kept = append(kept, s)
		}
		if len(kept) == len(r.Stops) {
			continue
		}
		if len(kept) == 0 {
			ch.Delete = append(ch.Delete, r)
			continue
		}
		for i := range kept {
			kept[i].Seq = i + 1
		}
		r.Stops = kept
		ch.Put = append(ch.Put, r)
	}
	ch.Put = append(ch.Put, fresh...)
	for id, team := range planned {
		team := team
		ch.Tasks[id] = model.StatusPatch(model.TaskAssigned, &team)
	}
	for id := range released {
		if _, ok := planned[id]; ok {
			continue
		}
		none := ""
		ch.Tasks[id] = model.StatusPatch(model.TaskPending, &none)
	}
	return ch
}

// inputOrder is the unoptimized baseline: tasks in the order they came in.
func inputOrder(order []int) []int {
	out := append([]int(nil), order...)
	sort.Ints(out)
	return out
}

func addMetrics(dst *opt.Metrics, m opt.Metrics) {
	dst.Tasks += m.Tasks
	if m.Vehicles > dst.Vehicles {
		dst.Vehicles = m.Vehicles
	}
	dst.CandidatesEvaluated += m.CandidatesEvaluated
	dst.Insertions += m.Insertions
	dst.SwapPasses += m.SwapPasses
	dst.SwapsApplied += m.SwapsApplied
	dst.ExactOrders += m.ExactOrders
	dst.HeuristicOrders += m.HeuristicOrders
	dst.CostBefore = round2(dst.CostBefore + m.CostBefore)
	dst.CostAfter = round2(dst.CostAfter + m.CostAfter)
	dst.ElapsedMs += m.ElapsedMs
}

func summarize(res model.OptimizeResult, baseDist, baseTime float64) model.OptimizationSummary {
	s := model.OptimizationSummary{
		RoutesGenerated: len(res.Routes),
		UnassignedTasks: len(res.UnassignedTasks),
		Warnings:        res.Warnings,
	}
	// the baseline carries no weather delay, so compare without it
	planned := 0.0
	for _, r := range res.Routes {
		s.TotalDistanceKm += r.Metrics.TotalDistanceKm
		s.TotalTimeMin += r.Metrics.TotalTimeMin
		planned += r.Metrics.TotalTimeMin - r.Metrics.WeatherDelayMin
	}
	if baseDist > 0 {
		s.DistanceReductionPct = round2((baseDist - s.TotalDistanceKm) / baseDist * 100)
	}
	if baseTime > 0 {
		s.TimeReductionPct = round2((baseTime - planned) / baseTime * 100)
	}
	s.TotalDistanceKm = round2(s.TotalDistanceKm)
	s.TotalTimeMin = round2(s.TotalTimeMin)
	return s
}

func uniqueStrings(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

// GetOptimizedRoutes returns the stored routes of a period.
func (e *Engine) GetOptimizedRoutes(ctx context.Context, businessID string, period model.Period) ([]model.Route, error) {
	if period.IsZero() {
		return nil, apperr.Invalid("date or month is required")
	}
	if err := period.Validate(); err != nil {
		return nil, apperr.Invalid("%s", err.Error())
	}
	routes, err := e.store.ListRoutes(ctx, businessID, store.RouteFilter{Period: period})
	if err != nil {
		return nil, storeErr(err, "routes")
	}
	if len(routes) == 0 {
		return nil, apperr.NotFound("no routes for %s", period.Key())
	}
	return routes, nil
}

// GetStats aggregates the routes of a period.
func (e *Engine) GetStats(ctx context.Context, businessID string, period model.Period) (model.RouteStats, error) {
	if period.IsZero() {
		return model.RouteStats{}, apperr.Invalid("date or month is required")
	}
	if err := period.Validate(); err != nil {
		return model.RouteStats{}, apperr.Invalid("%s", err.Error())
	}
	routes, err := e.store.ListRoutes(ctx, businessID, store.RouteFilter{Period: period})
	if err != nil {
		return model.RouteStats{}, storeErr(err, "routes")
	}
	return Stats(period, routes), nil
}

// Stats summarises routes; it is shared with the analytics reports.
func Stats(period model.Period, routes []model.Route) model.RouteStats {
	st := model.RouteStats{Period: period, ByStatus: map[string]int{}}
	score := 0.0
	for _, r := range routes {
		st.Routes++
		st.ByStatus[r.Status]++
		st.Stops += len(r.Stops)
		for _, s := range r.Stops {
			if s.Status == model.StopCompleted {
				st.CompletedStops++
			}
		}
		st.TotalDistanceKm += r.Metrics.TotalDistanceKm
		st.TotalTimeMin += r.Metrics.TotalTimeMin
		st.EstimatedFuelCost += r.Metrics.EstimatedFuelCost
		score += r.Metrics.OptimizationScore
	}
	if st.Routes > 0 {
		st.AvgScore = round2(score / float64(st.Routes))
		st.AvgStopsPerRoute = round2(float64(st.Stops) / float64(st.Routes))
	}
	st.TotalDistanceKm = round2(st.TotalDistanceKm)
	st.TotalTimeMin = round2(st.TotalTimeMin)
	st.EstimatedFuelCost = round2(st.EstimatedFuelCost)
	return st
}
