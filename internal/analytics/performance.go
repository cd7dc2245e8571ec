package analytics

import (
	"context"
	"time"

	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

type Performance struct {
	Timeframe        string          `json:"timeframe"`
	StartDate        string          `json:"startDate"`
	EndDate          string          `json:"endDate"`
	Summary          Summary         `json:"summary"`
	AvgStopsPerRoute float64         `json:"avgStopsPerRoute"`
	AvgKmPerRoute    float64         `json:"avgKmPerRoute"`
	AvgKmPerStop     float64         `json:"avgKmPerStop"`
	AvgMinPerStop    float64         `json:"avgMinPerStop"`
	WeatherDelayMin  float64         `json:"weatherDelayMin"`
	ActiveDays       int             `json:"activeDays"`
	Teams            []TeamBreakdown `json:"teams"`
}

// GetPerformanceMetrics aggregates route outcomes over a rolling timeframe.
func (s *Service) GetPerformanceMetrics(ctx context.Context, businessID, timeframe string) (_ Performance, err error) {
	defer obs.Time(ctx, "analytics.performance")(&err)
	rng, _, err := s.timeframeRange(timeframe)
	if err != nil {
		return Performance{}, err
	}
	routes, err := s.load(ctx, businessID, rng)
	if err != nil {
		return Performance{}, err
	}
	return performance(timeframe, rng, routes), nil
}

func performance(timeframe string, rng Range, routes []model.Route) Performance {
	sum := summarize(routes)
	p := Performance{
		Timeframe: timeframe,
		StartDate: rng.From.Format(model.DateLayout),
		EndDate:   rng.To.Format(model.DateLayout),
		Summary:   sum,
		Teams:     byTeam(routes),
	}
	days := map[string]bool{}
	for _, r := range routes {
		days[r.Date] = true
		p.WeatherDelayMin += r.Metrics.WeatherDelayMin
	}
	p.ActiveDays = len(days)
	p.WeatherDelayMin = round2(p.WeatherDelayMin)
	if sum.Routes > 0 {
		p.AvgStopsPerRoute = round2(float64(sum.Stops) / float64(sum.Routes))
		p.AvgKmPerRoute = round2(sum.DistanceKm / float64(sum.Routes))
	}
	if sum.Stops > 0 {
		p.AvgKmPerStop = round2(sum.DistanceKm / float64(sum.Stops))
		p.AvgMinPerStop = round2(sum.TimeMin / float64(sum.Stops))
	}
	return p
}

type CostSavings struct {
	Timeframe          string  `json:"timeframe"`
	StartDate          string  `json:"startDate"`
	EndDate            string  `json:"endDate"`
	RoutesCompared     int     `json:"routesCompared"`
	BaselineDistanceKm float64 `json:"baselineDistanceKm"`
	OptimizedDistance  float64 `json:"optimizedDistanceKm"`
	DistanceSavedKm    float64 `json:"distanceSavedKm"`
	DistanceSavedPct   float64 `json:"distanceSavedPercentage"`
	BaselineTimeMin    float64 `json:"baselineTimeMin"`
	OptimizedTimeMin   float64 `json:"optimizedTimeMin"`
	TimeSavedMin       float64 `json:"timeSavedMin"`
	TimeSavedPct       float64 `json:"timeSavedPercentage"`
	FuelSavedLiters    float64 `json:"fuelSavedLiters"`
	CostSaved          float64 `json:"costSaved"`
	CO2SavedKg         float64 `json:"co2SavedKg"`
}

// CalculateCostSavings compares each route's unoptimized input order with
// the sequence that was actually planned.
func (s *Service) CalculateCostSavings(ctx context.Context, businessID, timeframe string) (_ CostSavings, err error) {
	defer obs.Time(ctx, "analytics.cost_savings")(&err)
	rng, _, err := s.timeframeRange(timeframe)
	if err != nil {
		return CostSavings{}, err
	}
	routes, err := s.load(ctx, businessID, rng)
	if err != nil {
		return CostSavings{}, err
	}
	return s.savings(timeframe, rng, routes), nil
}

func (s *Service) savings(timeframe string, rng Range, routes []model.Route) CostSavings {
	c := CostSavings{
		Timeframe: timeframe,
		StartDate: rng.From.Format(model.DateLayout),
		EndDate:   rng.To.Format(model.DateLayout),
	}
	for _, r := range routes {
		m := r.Metrics
		if m.BaselineDistanceKm <= 0 {
			continue
		}
		c.RoutesCompared++
		c.BaselineDistanceKm += m.BaselineDistanceKm
		c.OptimizedDistance += m.TotalDistanceKm
		c.BaselineTimeMin += m.BaselineTimeMin
		c.OptimizedTimeMin += m.TotalTimeMin
		saved := m.BaselineDistanceKm - m.TotalDistanceKm
		c.FuelSavedLiters += saved * s.litresPerKm(m)
	}
	c.DistanceSavedKm = c.BaselineDistanceKm - c.OptimizedDistance
	c.TimeSavedMin = c.BaselineTimeMin - c.OptimizedTimeMin
	if c.BaselineDistanceKm > 0 {
		c.DistanceSavedPct = round2(c.DistanceSavedKm / c.BaselineDistanceKm * 100)
	}
	if c.BaselineTimeMin > 0 {
		c.TimeSavedPct = round2(c.TimeSavedMin / c.BaselineTimeMin * 100)
	}
	c.CostSaved = round2(c.FuelSavedLiters * s.opts.FuelPricePerLiter)
	c.CO2SavedKg = round2(c.FuelSavedLiters * s.opts.CO2PerLiter)
	c.FuelSavedLiters = round2(c.FuelSavedLiters)
	c.BaselineDistanceKm = round2(c.BaselineDistanceKm)
	c.OptimizedDistance = round2(c.OptimizedDistance)
	c.DistanceSavedKm = round2(c.DistanceSavedKm)
	c.BaselineTimeMin = round2(c.BaselineTimeMin)
	c.OptimizedTimeMin = round2(c.OptimizedTimeMin)
	c.TimeSavedMin = round2(c.TimeSavedMin)
	return c
}

// litresPerKm uses the route's own consumption when it recorded one.
func (s *Service) litresPerKm(m model.RouteMetrics) float64 {
	if m.FuelLiters > 0 && m.TotalDistanceKm > 0 {
		return m.FuelLiters / m.TotalDistanceKm
	}
	return s.opts.LPer100Km / 100
}

const (
	TrendImproving = "improving"
	TrendDeclining = "declining"
	TrendStable    = "stable"
)

// stableSlope is the per-bucket change, relative to the series mean,
// below which a trend counts as flat.
const stableSlope = 0.01

type TrendPoint struct {
	Bucket string  `json:"bucket"`
	Value  float64 `json:"value"`
	Routes int     `json:"routes"`
}

type Trend struct {
	Metric    string       `json:"metric"`
	Direction string       `json:"direction"`
	Slope     float64      `json:"slope"`
	Points    []TrendPoint `json:"points"`
}

type Trends struct {
	Timeframe string  `json:"timeframe"`
	Bucket    string  `json:"bucket"`
	StartDate string  `json:"startDate"`
	EndDate   string  `json:"endDate"`
	Trends    []Trend `json:"trends"`
}

type trendMetric struct {
	name          string
	lowerIsBetter bool
	value         func(Summary) (float64, bool)
}

var trendMetrics = []trendMetric{
	{"distancePerStopKm", true, func(s Summary) (float64, bool) {
		return ratio(s.DistanceKm, float64(s.Stops))
	}},
	{"timePerStopMin", true, func(s Summary) (float64, bool) {
		return ratio(s.TimeMin, float64(s.Stops))
	}},
	{"fuelCostPerStop", true, func(s Summary) (float64, bool) {
		return ratio(s.FuelCost, float64(s.Stops))
	}},
	{"onTimePercentage", false, func(s Summary) (float64, bool) {
		return s.OnTimePct, s.CompletedStops > 0
	}},
	{"completionPercentage", false, func(s Summary) (float64, bool) {
		return s.CompletionPct, s.Stops > 0
	}},
	{"optimizationScore", false, func(s Summary) (float64, bool) {
		return s.AvgScore, s.Routes > 0
	}},
}

func ratio(a, b float64) (float64, bool) {
	if b == 0 {
		return 0, false
	}
	return round2(a / b), true
}

// GetEfficiencyTrends buckets routes by day, or by week for timeframes of
// 90 days and longer, and classifies each metric's least-squares slope.
func (s *Service) GetEfficiencyTrends(ctx context.Context, businessID, timeframe string) (_ Trends, err error) {
	defer obs.Time(ctx, "analytics.trends")(&err)
	rng, days, err := s.timeframeRange(timeframe)
	if err != nil {
		return Trends{}, err
	}
	routes, err := s.load(ctx, businessID, rng)
	if err != nil {
		return Trends{}, err
	}
	width, bucket := 1, "day"
	if days >= weeklyBucketDays {
		width, bucket = 7, "week"
	}
	return trends(timeframe, bucket, width, rng, routes), nil
}

func trends(timeframe, bucket string, width int, rng Range, routes []model.Route) Trends {
	n := (rng.Days() + width - 1) / width
	accs := make([]acc, n)
	for _, r := range routes {
		d, err := time.Parse(model.DateLayout, r.Date)
		if err != nil {
			continue
		}
		i := int(d.Sub(rng.From).Hours()/24) / width
		if i < 0 || i >= n {
			continue
		}
		accs[i].add(r)
	}
	out := Trends{
		Timeframe: timeframe,
		Bucket:    bucket,
		StartDate: rng.From.Format(model.DateLayout),
		EndDate:   rng.To.Format(model.DateLayout),
	}
	sums := make([]Summary, n)
	for i := range accs {
		sums[i] = accs[i].summary()
	}
	for _, m := range trendMetrics {
		t := Trend{Metric: m.name, Points: []TrendPoint{}}
		var xs, ys []float64
		for i, sum := range sums {
			v, ok := m.value(sum)
			if !ok {
				continue
			}
			t.Points = append(t.Points, TrendPoint{
				Bucket: rng.From.AddDate(0, 0, i*width).Format(model.DateLayout),
				Value:  v,
				Routes: sum.Routes,
			})
			xs = append(xs, float64(i))
			ys = append(ys, v)
		}
		slope, mean := leastSquares(xs, ys)
		t.Slope = round2(slope)
		t.Direction = classify(slope, mean, m.lowerIsBetter)
		out.Trends = append(out.Trends, t)
	}
	return out
}

// leastSquares fits y = a + b*x and returns b with the mean of y.
func leastSquares(xs, ys []float64) (slope, mean float64) {
	n := float64(len(xs))
	if n < 2 {
		if n == 1 {
			mean = ys[0]
		}
		return 0, mean
	}
	var sx, sy, sxx, sxy float64
	for i := range xs {
		sx += xs[i]
		sy += ys[i]
		sxx += xs[i] * xs[i]
		sxy += xs[i] * ys[i]
	}
	den := n*sxx - sx*sx
	if den == 0 {
		return 0, sy / n
	}
	return (n*sxy - sx*sy) / den, sy / n
}

func classify(slope, mean float64, lowerIsBetter bool) string {
	scale := mean
	if scale < 0 {
		scale = -scale
	}
	if scale == 0 {
		scale = 1
	}
	if slope/scale > -stableSlope && slope/scale < stableSlope {
		return TrendStable
	}
	up := slope > 0
	if lowerIsBetter {
		up = !up
	}
	if up {
		return TrendImproving
	}
	return TrendDeclining
}
