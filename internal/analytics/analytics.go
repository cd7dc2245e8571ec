// Package analytics reports on routes that have already been planned and
// executed. It only reads from the route store.
package analytics

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

const (
	// DefaultCO2PerLiter is kg of CO2 per litre of petrol burned.
	DefaultCO2PerLiter = 2.31
	// onTimeGrace is how late a stop may be reached and still count as on time.
	onTimeGrace = 15 * time.Minute
	// maxCustomDays bounds custom report ranges.
	maxCustomDays = 365
	// weeklyBucketDays is the timeframe from which trends bucket by week.
	weeklyBucketDays = 90
)

// Timeframes accepted by the rolling reports.
var Timeframes = map[string]int{"7d": 7, "30d": 30, "60d": 60, "90d": 90, "180d": 180}

// RouteLister is the read side of the route store.
type RouteLister interface {
	ListRoutes(ctx context.Context, businessID string, f store.RouteFilter) ([]model.Route, error)
}

type Options struct {
	FuelPricePerLiter float64
	CO2PerLiter       float64
	// LPer100Km is used for routes that recorded no fuel figure.
	LPer100Km float64
}

type Service struct {
	routes RouteLister
	opts   Options
	now    func() time.Time
}

func New(routes RouteLister, opts Options) *Service {
	if opts.CO2PerLiter <= 0 {
		opts.CO2PerLiter = DefaultCO2PerLiter
	}
	if opts.LPer100Km <= 0 {
		opts.LPer100Km = 10
	}
	return &Service{routes: routes, opts: opts, now: time.Now}
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) today() time.Time {
	n := s.now().UTC()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// Range is an inclusive span of days.
type Range struct {
	From time.Time
	To   time.Time
}

func (r Range) Days() int { return int(r.To.Sub(r.From).Hours()/24) + 1 }

func (r Range) filter() store.RouteFilter {
	return store.RouteFilter{From: r.From.Format(model.DateLayout), To: r.To.Format(model.DateLayout)}
}

// timeframeRange resolves "30d" and friends to the days ending today.
func (s *Service) timeframeRange(timeframe string) (Range, int, error) {
	days, ok := Timeframes[timeframe]
	if !ok {
		return Range{}, 0, apperr.Invalid("timeframe must be one of 7d, 30d, 60d, 90d, 180d")
	}
	to := s.today()
	return Range{From: to.AddDate(0, 0, -(days - 1)), To: to}, days, nil
}

func (s *Service) load(ctx context.Context, businessID string, r Range) ([]model.Route, error) {
	routes, err := s.routes.ListRoutes(ctx, businessID, r.filter())
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", err)
	}
	return routes, nil
}

// Summary aggregates a set of routes.
type Summary struct {
	Routes          int     `json:"routes"`
	CompletedRoutes int     `json:"completedRoutes"`
	Stops           int     `json:"stops"`
	CompletedStops  int     `json:"completedStops"`
	OnTimeStops     int     `json:"onTimeStops"`
	DistanceKm      float64 `json:"distanceKm"`
	TimeMin         float64 `json:"timeMin"`
	FuelLiters      float64 `json:"fuelLiters"`
	FuelCost        float64 `json:"fuelCost"`
	AvgScore        float64 `json:"averageScore"`
	OnTimePct       float64 `json:"onTimePercentage"`
	CompletionPct   float64 `json:"completionPercentage"`
}

type acc struct {
	Summary
	score float64
}

func (a *acc) add(r model.Route) {
	a.Routes++
	if r.Status == model.RouteCompleted {
		a.CompletedRoutes++
	}
	a.Stops += len(r.Stops)
	for _, st := range r.Stops {
		if st.Status != model.StopCompleted {
			continue
		}
		a.CompletedStops++
		if onTime(st) {
			a.OnTimeStops++
		}
	}
	a.DistanceKm += r.Metrics.TotalDistanceKm
	a.TimeMin += r.Metrics.TotalTimeMin
	a.FuelLiters += r.Metrics.FuelLiters
	a.FuelCost += r.Metrics.EstimatedFuelCost
	a.score += r.Metrics.OptimizationScore
}

func (a *acc) summary() Summary {
	out := a.Summary
	if out.Routes > 0 {
		out.AvgScore = round2(a.score / float64(out.Routes))
	}
	if out.CompletedStops > 0 {
		out.OnTimePct = round2(float64(out.OnTimeStops) / float64(out.CompletedStops) * 100)
	}
	if out.Stops > 0 {
		out.CompletionPct = round2(float64(out.CompletedStops) / float64(out.Stops) * 100)
	}
	out.DistanceKm = round2(out.DistanceKm)
	out.TimeMin = round2(out.TimeMin)
	out.FuelLiters = round2(out.FuelLiters)
	out.FuelCost = round2(out.FuelCost)
	return out
}

func summarize(routes []model.Route) Summary {
	var a acc
	for _, r := range routes {
		a.add(r)
	}
	return a.summary()
}

// onTime reports whether a completed stop was served inside its window
// and reached no later than planned, give or take the grace period.
func onTime(st model.Stop) bool {
	if st.WindowViolation {
		return false
	}
	reached := st.ArrivedAt
	if reached == nil {
		reached = st.StartedAt
	}
	if reached == nil || st.ArrivalTime.IsZero() {
		return true
	}
	return !reached.After(st.ArrivalTime.Add(onTimeGrace))
}

type TeamBreakdown struct {
	TeamID string `json:"teamId"`
	Summary
}

type DayBreakdown struct {
	Date string `json:"date"`
	Summary
}

func byTeam(routes []model.Route) []TeamBreakdown {
	accs := map[string]*acc{}
	for _, r := range routes {
		a := accs[r.TeamID]
		if a == nil {
			a = &acc{}
			accs[r.TeamID] = a
		}
		a.add(r)
	}
	out := make([]TeamBreakdown, 0, len(accs))
	for id, a := range accs {
		out = append(out, TeamBreakdown{TeamID: id, Summary: a.summary()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}

func byDay(routes []model.Route) []DayBreakdown {
	accs := map[string]*acc{}
	for _, r := range routes {
		a := accs[r.Date]
		if a == nil {
			a = &acc{}
			accs[r.Date] = a
		}
		a.add(r)
	}
	out := make([]DayBreakdown, 0, len(accs))
	for d, a := range accs {
		out = append(out, DayBreakdown{Date: d, Summary: a.summary()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date < out[j].Date })
	return out
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
