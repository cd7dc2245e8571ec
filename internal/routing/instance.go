package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fieldroute/internal/apperr"
	"fieldroute/internal/geo"
	"fieldroute/internal/mapping"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/opt"
	"fieldroute/internal/weather"
)

const (
	defaultShiftStart = 8 * 60
	defaultShiftEnd   = 17 * 60
)

// instance is one planning problem together with the records it was
// built from. Nodes line up with tasks and vehicles with teams.
type instance struct {
	prob     *opt.Problem
	tasks    []model.Task
	teams    []model.Team
	date     string
	days     []time.Time // midnight of date in each team's time zone
	warnings []string
}

// at converts minutes after midnight on vehicle vi's day into a timestamp.
func (in *instance) at(vi int, min float64) time.Time {
	d := time.Duration(min * float64(time.Minute)).Round(time.Second)
	return in.days[vi].Add(d).UTC()
}

// resolveLocations geocodes tasks that only carry an address. Tasks that
// still lack usable coordinates are returned in missing.
func (e *Engine) resolveLocations(ctx context.Context, tasks []model.Task) (located []model.Task, missing []string, warnings []string, err error) {
	defer obs.Time(ctx, "routing.resolve_locations")(&err)
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	failed := make([]bool, len(out))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for i := range out {
		i := i
		c := out[i].Location.Coordinates
		if c != nil && geo.ValidPoint(*c) {
			continue
		}
		if strings.TrimSpace(out[i].Location.Address) == "" {
			failed[i] = true
			continue
		}
		g.Go(func() error {
			p, err := e.maps.Geocode(gctx, out[i].Location.Address)
			if err != nil || !geo.ValidPoint(p) {
				if errors.Is(err, context.Canceled) {
					return err
				}
				log.Warn().Str("req_id", obs.RequestID(ctx)).Str("task_id", out[i].ID).Err(err).Msg("geocoding failed")
				failed[i] = true
				return nil
			}
			out[i].Location.Coordinates = &p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}
	for i, t := range out {
		if failed[i] {
			missing = append(missing, t.ID)
			continue
		}
		located = append(located, t)
	}
	if len(missing) > 0 {
		warnings = append(warnings, fmt.Sprintf("%d task(s) could not be located", len(missing)))
	}
	return located, missing, warnings, nil
}

func nodeOf(t model.Task) opt.Node {
	n := opt.Node{
		ID:         t.ID,
		Point:      *t.Location.Coordinates,
		ServiceMin: float64(t.EstimatedDurationMin),
		Priority:   t.PriorityRank(),
		Skills:     t.RequiredSkills,
		Equipment:  t.RequiredEquipment,
	}
	if t.TimeWindow.Start != "" || t.TimeWindow.End != "" {
		n.HasWindow = true
		n.WindowStart = float64(model.ClockOrDefault(t.TimeWindow.Start, 0))
		n.WindowEnd = float64(model.ClockOrDefault(t.TimeWindow.End, 24*60))
		n.Flexible = t.TimeWindow.Flexible
	}
	return n
}

func vehicleOf(t model.Team) opt.Vehicle {
	wh := t.WorkingHours
	v := opt.Vehicle{
		ID:            t.ID,
		ShiftStart:    float64(model.ClockOrDefault(wh.Start, defaultShiftStart)),
		ShiftEnd:      float64(model.ClockOrDefault(wh.End, defaultShiftEnd)),
		BreakMin:      float64(wh.BreakMin),
		BreakAt:       -1,
		Skills:        t.Skills,
		Equipment:     t.Equipment,
		Areas:         t.ServiceAreas,
		Available:     t.IsAvailableForRouting,
		MaxTasks:      t.MaxDailyTasks,
		MaxDistanceKm: t.MaxRouteDistanceKm,
		LPer100Km:     consumption(t),
	}
	if wh.LunchStart != "" {
		if at, err := model.ClockMinutes(wh.LunchStart); err == nil {
			v.BreakAt = float64(at)
			if v.BreakMin == 0 && wh.LunchEnd != "" {
				if end, err := model.ClockMinutes(wh.LunchEnd); err == nil && end > at {
					v.BreakMin = float64(end - at)
				}
			}
		}
	}
	if loc := t.CurrentLocation; loc != nil && geo.ValidPoint(model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}) {
		v.Start = model.GeoPoint{Lat: loc.Lat, Lng: loc.Lng}
		v.HasStart = true
	} else {
		for _, a := range t.ServiceAreas {
			if p, ok := geo.Anchor(a); ok {
				v.Start = p
				v.HasStart = true
				break
			}
		}
	}
	return v
}

func consumption(t model.Team) float64 {
	if t.Vehicle.AvgConsumptionLPer100Km > 0 {
		return t.Vehicle.AvgConsumptionLPer100Km
	}
	return DefaultLPer100Km
}

func teamDay(date string, t model.Team) time.Time {
	loc := time.UTC
	if tz := t.WorkingHours.Timezone; tz != "" {
		if l, err := time.LoadLocation(tz); err == nil {
			loc = l
		}
	}
	d, err := time.ParseInLocation(model.DateLayout, date, loc)
	if err != nil {
		return time.Time{}
	}
	return d
}

// buildInstance turns located tasks and teams into an opt.Problem with a
// travel matrix covering the tasks followed by the team start points.
func (e *Engine) buildInstance(ctx context.Context, date string, tasks []model.Task, teams []model.Team, params model.OptimizationParameters) (_ *instance, err error) {
	defer obs.Time(ctx, "routing.build_instance")(&err)
	in := &instance{tasks: tasks, teams: teams, date: date}
	p := &opt.Problem{Params: params, MaxCandidates: e.opts.MaxCandidates, SwapPasses: e.opts.SwapPasses}
	points := make([]model.GeoPoint, 0, len(tasks)+len(teams))
	for _, t := range tasks {
		n := nodeOf(t)
		p.Nodes = append(p.Nodes, n)
		points = append(points, n.Point)
	}
	departAt := time.Time{}
	for _, t := range teams {
		v := vehicleOf(t)
		p.Vehicles = append(p.Vehicles, v)
		day := teamDay(date, t)
		in.days = append(in.days, day)
		start := v.Start
		if !v.HasStart && len(points) > 0 {
			// unused by the schedule, keeps the matrix square
			start = points[0]
		}
		points = append(points, start)
		shift := day.Add(time.Duration(v.ShiftStart) * time.Minute)
		if departAt.IsZero() || shift.Before(departAt) {
			departAt = shift
		}
	}
	in.prob = p
	if len(points) == 0 {
		return in, nil
	}

	m, err := e.maps.Matrix(ctx, points, mapping.MatrixOptions{DepartAt: departAt, Traffic: params.ConsiderTraffic})
	if err != nil {
		var ae *apperr.Error
		if errors.As(err, &ae) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, apperr.Unavailable("distance matrix unavailable", err)
	}
	if m.Size() != len(points) {
		return nil, apperr.Unavailable("distance matrix size mismatch", fmt.Errorf("got %d, want %d", m.Size(), len(points)))
	}
	p.DistM, p.DurMin = m.DistM, m.DurMin
	if m.Degraded {
		in.warnings = append(in.warnings, "routing provider unavailable; straight-line travel estimates used")
	}
	if params.ConsiderTraffic && !m.TrafficApplied {
		in.warnings = append(in.warnings, "traffic data unavailable; free-flow travel times used")
	}
	return in, nil
}

// stops renders a scheduled order as route stops. Progress state of stops
// listed in prev is carried over.
func (in *instance) stops(vi int, order []int, s opt.Schedule, prev map[string]model.Stop) []model.Stop {
	out := make([]model.Stop, 0, len(order))
	for i, st := range s.Stops {
		t := in.tasks[st.Node]
		stop := model.Stop{
			TaskID:          t.ID,
			Seq:             i + 1,
			Address:         t.Location.Address,
			Location:        in.prob.Nodes[st.Node].Point,
			ArrivalTime:     in.at(vi, st.Start),
			DepartureTime:   in.at(vi, st.Departure),
			LegDistanceKm:   round2(st.LegDistKm),
			LegDurationMin:  round2(st.LegMin),
			ServiceMin:      t.EstimatedDurationMin,
			WindowStart:     t.TimeWindow.Start,
			WindowEnd:       t.TimeWindow.End,
			WindowViolation: st.Late,
			Status:          model.StopPending,
		}
		if old, ok := prev[t.ID]; ok {
			stop.Status = old.Status
			stop.StartedAt = old.StartedAt
			stop.ArrivedAt = old.ArrivedAt
			stop.PausedAt = old.PausedAt
			stop.CompletedAt = old.CompletedAt
			stop.LastLocation = old.LastLocation
		}
		out = append(out, stop)
	}
	return out
}

// finishRoute fills stops, violations, weather and metrics of r from a
// scheduled order. maxTime and maxDist are the limits to report against;
// zero disables them.
func (e *Engine) finishRoute(ctx context.Context, in *instance, vi int, order []int, s opt.Schedule, params model.OptimizationParameters, maxTime, maxDist float64, prev map[string]model.Stop, r *model.Route) ([]string, error) {
	r.Stops = in.stops(vi, order, s, prev)
	violations := opt.Check(in.prob, vi, order, s, maxTime, maxDist)
	var warnings []string
	weatherDelay := 0.0
	r.Weather = nil
	if params.ConsiderWeather && len(order) > 0 {
		adj, warn, err := e.weatherFor(ctx, in, order)
		if err != nil {
			return nil, err
		}
		warnings = append(warnings, warn...)
		if adj != nil {
			violations = append(violations, applyWeather(in, s, r, *adj)...)
			weatherDelay = float64(adj.TotalDelayMin)
		}
	}
	r.Violations = violations
	r.Metrics = e.routeMetrics(params, in.teams[vi], s, weatherDelay, len(violations))
	return warnings, nil
}

// weatherFor fetches the stop adjustment for order, degrading to nothing
// with a warning when weather is unavailable for the date.
func (e *Engine) weatherFor(ctx context.Context, in *instance, order []int) (*weather.StopAdjustment, []string, error) {
	if e.weather == nil {
		return nil, []string{"weather adjustment requested but no weather provider is configured"}, nil
	}
	d, err := time.Parse(model.DateLayout, in.date)
	if err != nil {
		return nil, nil, apperr.Invalid("date must be YYYY-MM-DD")
	}
	today, _ := time.Parse(model.DateLayout, e.today())
	if d.After(today.AddDate(0, 0, weather.MaxForecastDays)) || d.Before(today) {
		return nil, []string{fmt.Sprintf("no forecast for %s; weather delay not applied", in.date)}, nil
	}
	points := make([]model.GeoPoint, len(order))
	for i, n := range order {
		points[i] = in.prob.Nodes[n].Point
	}
	adj, err := e.weather.AdjustStops(ctx, in.date, points)
	if err != nil {
		return nil, nil, err
	}
	return &adj, adj.Warnings, nil
}

// applyWeather shifts stop times by the cumulative weather delay and flags
// windows the delay pushes out of reach.
func applyWeather(in *instance, s opt.Schedule, r *model.Route, adj weather.StopAdjustment) []model.Violation {
	var out []model.Violation
	for i, si := range adj.Stops {
		if i >= len(r.Stops) {
			break
		}
		shift := time.Duration(si.CumulativeDelayMin) * time.Minute
		st := &r.Stops[i]
		st.ArrivalTime = st.ArrivalTime.Add(shift)
		st.DepartureTime = st.DepartureTime.Add(shift)
		st.WeatherDelayMin = si.DelayMin

		nd := in.prob.Nodes[s.Stops[i].Node]
		if !nd.HasWindow || st.WindowViolation {
			continue
		}
		limit := nd.WindowEnd
		if nd.Flexible {
			limit += opt.FlexibleToleranceMin
		}
		if s.Stops[i].Start+float64(si.CumulativeDelayMin) > limit {
			st.WindowViolation = true
			out = append(out, model.Violation{Code: model.ViolationTimeWindow, TaskID: nd.ID, Detail: "weather delay"})
		}
	}
	wa := &model.WeatherAdjustment{
		DelayMin:   adj.TotalDelayMin,
		Severity:   adj.MaxSeverity,
		Conditions: adj.Conditions,
		Degraded:   adj.Degraded,
	}
	if adj.TotalDelayMin > 0 && len(adj.Conditions) > 0 {
		wa.Reason = strings.Join(adj.Conditions, ", ") + " expected along the route"
	}
	r.Weather = wa
	return out
}

func (e *Engine) routeMetrics(params model.OptimizationParameters, team model.Team, s opt.Schedule, weatherDelay float64, violations int) model.RouteMetrics {
	fuel := opt.FuelLiters(s.DistanceKm, consumption(team))
	return model.RouteMetrics{
		TotalDistanceKm:   round2(s.DistanceKm),
		TotalTimeMin:      round2(s.TotalMin() + weatherDelay),
		TravelTimeMin:     round2(s.TravelMin),
		ServiceTimeMin:    round2(s.ServiceMin),
		WaitTimeMin:       round2(s.WaitMin),
		BreakMin:          round2(s.BreakMin),
		WeatherDelayMin:   weatherDelay,
		FuelLiters:        fuel,
		EstimatedFuelCost: round2(fuel * e.opts.FuelPricePerLiter),
		OptimizationScore: opt.Score(params, s, weatherDelay, violations),
	}
}

// routeTimeLimit is the maxTime reported against for planned routes.
func routeTimeLimit(params model.OptimizationParameters) float64 {
	if params.AllowOvertime {
		return 0
	}
	return float64(params.MaxRouteTime)
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
