package weather

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fieldroute/internal/apperr"
	"fieldroute/internal/geo"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
	"fieldroute/internal/store"
)

// MaxForecastDays is how far ahead a forecast may be requested.
const MaxForecastDays = 7

// Registry is the part of the task and team registry the service reads.
type Registry interface {
	GetTasks(ctx context.Context, businessID string, f store.TaskFilter) ([]model.Task, error)
	GetTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error)
}

// Service answers weather questions for a business.
type Service struct {
	provider    Provider
	classifier  *Classifier
	registry    Registry
	Required    bool // fail instead of degrading when forecasts are unavailable
	Concurrency int
	now         func() time.Time
}

func NewService(p Provider, c *Classifier, r Registry) *Service {
	if c == nil {
		c = NewClassifier(DefaultThresholds())
	}
	return &Service{provider: p, classifier: c, registry: r, Concurrency: 8, now: time.Now}
}

// SetClock replaces the service clock.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) today() time.Time {
	n := s.now().UTC()
	return time.Date(n.Year(), n.Month(), n.Day(), 0, 0, 0, 0, time.UTC)
}

// resolveDate defaults the date to today and enforces the forecast horizon.
func (s *Service) resolveDate(date string) (string, error) {
	today := s.today()
	if date == "" {
		return today.Format(model.DateLayout), nil
	}
	d, err := time.Parse(model.DateLayout, date)
	if err != nil {
		return "", apperr.Invalid("date must be YYYY-MM-DD")
	}
	if d.After(today.AddDate(0, 0, MaxForecastDays)) {
		return "", apperr.Invalid("date is more than %d days in the future", MaxForecastDays)
	}
	return date, nil
}

func (s *Service) limit() int {
	if s.Concurrency <= 0 {
		return 8
	}
	return s.Concurrency
}

// GetWeatherImpact classifies the forecast for one point and day.
func (s *Service) GetWeatherImpact(ctx context.Context, businessID string, p model.GeoPoint, date string) (_ Impact, err error) {
	defer obs.Time(ctx, "weather.impact")(&err)
	if !geo.ValidPoint(p) {
		return Impact{}, apperr.Invalid("invalid coordinates")
	}
	date, err = s.resolveDate(date)
	if err != nil {
		return Impact{}, err
	}
	f, err := s.provider.Forecast(ctx, p.Lat, p.Lng, date)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return Impact{}, err
		}
		return Impact{}, apperr.Unavailable("weather provider unavailable", err)
	}
	return s.classifier.Classify(f), nil
}

// StopImpact is the weather effect on one stop of a route.
type StopImpact struct {
	Index              int            `json:"index"`
	TaskID             string         `json:"taskId,omitempty"`
	Location           model.GeoPoint `json:"location"`
	Severity           string         `json:"severity"`
	Conditions         string         `json:"conditions,omitempty"`
	Hazards            []string       `json:"hazards,omitempty"`
	DelayMin           int            `json:"delayMin"`
	CumulativeDelayMin int            `json:"cumulativeDelayMin"`
	Degraded           bool           `json:"degraded,omitempty"`
}

// StopAdjustment is the per-stop weather outcome for a route.
type StopAdjustment struct {
	Stops         []StopImpact
	TotalDelayMin int
	MaxSeverity   string
	Conditions    []string
	Degraded      bool
	Warnings      []string
}

// AdjustStops fetches forecasts for every point in parallel and applies the
// delays in order. Unavailable forecasts count as no delay and mark the
// result degraded, unless the service is configured to require weather.
func (s *Service) AdjustStops(ctx context.Context, date string, points []model.GeoPoint) (_ StopAdjustment, err error) {
	defer obs.Time(ctx, "weather.adjust_stops")(&err)

	forecasts := make([]*Forecast, len(points))
	errs := make([]error, len(points))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit())
	for i, p := range points {
		i, p := i, p
		g.Go(func() error {
			f, err := s.provider.Forecast(gctx, p.Lat, p.Lng, date)
			if err != nil {
				errs[i] = err
				return nil
			}
			forecasts[i] = &f
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return StopAdjustment{}, err
	}

	out := StopAdjustment{Stops: make([]StopImpact, 0, len(points)), MaxSeverity: SeverityNone, Conditions: []string{}, Warnings: []string{}}
	seen := map[string]bool{}
	cum := 0
	for i, p := range points {
		si := StopImpact{Index: i, Location: p, Severity: SeverityNone}
		if forecasts[i] == nil {
			if s.Required {
				return StopAdjustment{}, apperr.Unavailable("weather provider unavailable", errs[i])
			}
			si.Degraded = true
			out.Degraded = true
			log.Warn().Str("req_id", obs.RequestID(ctx)).Err(errs[i]).Int("stop", i).Msg("forecast unavailable; assuming no weather delay")
		} else {
			imp := s.classifier.Classify(*forecasts[i])
			si.Severity = imp.Severity
			si.Conditions = imp.Conditions
			si.Hazards = imp.Types()
			si.DelayMin = imp.DelayMin
			for _, h := range si.Hazards {
				if !seen[h] {
					seen[h] = true
					out.Conditions = append(out.Conditions, h)
				}
			}
			out.MaxSeverity = maxSeverity(out.MaxSeverity, imp.Severity)
		}
		cum += si.DelayMin
		si.CumulativeDelayMin = cum
		out.Stops = append(out.Stops, si)
	}
	sort.Strings(out.Conditions)
	out.TotalDelayMin = cum
	if out.Degraded {
		out.Warnings = append(out.Warnings, "weather data unavailable for some stops; no delay assumed")
	}
	return out, nil
}

type AdjustRequest struct {
	TaskIDs            []string         `json:"taskIds,omitempty"`
	Coordinates        []model.GeoPoint `json:"coordinates" validate:"required,min=1,max=500"`
	OriginalTimeMin    float64          `json:"originalTime" validate:"gte=0"`
	OriginalDistanceKm float64          `json:"originalDistance" validate:"gte=0"`
	Date               string           `json:"date,omitempty"`
}

type AdjustedRoute struct {
	Date               string       `json:"date"`
	OriginalTimeMin    float64      `json:"originalTime"`
	AdjustedTimeMin    float64      `json:"adjustedTime"`
	TotalDelayMin      int          `json:"totalDelayMin"`
	OriginalDistanceKm float64      `json:"originalDistance"`
	MaxSeverity        string       `json:"maxSeverity"`
	Conditions         []string     `json:"conditions"`
	Stops              []StopImpact `json:"stops"`
	Degraded           bool         `json:"degraded"`
	Warnings           []string     `json:"warnings"`
}

// AdjustRouteForWeather accumulates weather delay along the given stops.
// The output depends only on the inputs and the forecasts.
func (s *Service) AdjustRouteForWeather(ctx context.Context, businessID string, req AdjustRequest) (_ AdjustedRoute, err error) {
	defer obs.Time(ctx, "weather.adjust_route")(&err)
	if len(req.Coordinates) == 0 {
		return AdjustedRoute{}, apperr.Invalid("coordinates are required")
	}
	for i, p := range req.Coordinates {
		if !geo.ValidPoint(p) {
			return AdjustedRoute{}, apperr.Invalid("coordinates[%d] is invalid", i)
		}
	}
	if req.OriginalTimeMin < 0 || req.OriginalDistanceKm < 0 {
		return AdjustedRoute{}, apperr.Invalid("original time and distance must not be negative")
	}
	if len(req.TaskIDs) > 0 {
		if len(req.TaskIDs) != len(req.Coordinates) {
			return AdjustedRoute{}, apperr.Invalid("taskIds and coordinates must have the same length")
		}
		if err := s.checkTasks(ctx, businessID, req.TaskIDs); err != nil {
			return AdjustedRoute{}, err
		}
	}
	date, err := s.resolveDate(req.Date)
	if err != nil {
		return AdjustedRoute{}, err
	}

	adj, err := s.AdjustStops(ctx, date, req.Coordinates)
	if err != nil {
		return AdjustedRoute{}, err
	}
	for i := range adj.Stops {
		if len(req.TaskIDs) > 0 {
			adj.Stops[i].TaskID = req.TaskIDs[i]
		}
	}
	return AdjustedRoute{
		Date:               date,
		OriginalTimeMin:    req.OriginalTimeMin,
		AdjustedTimeMin:    req.OriginalTimeMin + float64(adj.TotalDelayMin),
		TotalDelayMin:      adj.TotalDelayMin,
		OriginalDistanceKm: req.OriginalDistanceKm,
		MaxSeverity:        adj.MaxSeverity,
		Conditions:         adj.Conditions,
		Stops:              adj.Stops,
		Degraded:           adj.Degraded,
		Warnings:           adj.Warnings,
	}, nil
}

func (s *Service) checkTasks(ctx context.Context, businessID string, ids []string) error {
	tasks, err := s.registry.GetTasks(ctx, businessID, store.TaskFilter{IDs: ids})
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}
	found := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		found[t.ID] = true
	}
	var missing []string
	for _, id := range ids {
		if !found[id] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return apperr.NotFound("tasks not found: %v", missing)
	}
	return nil
}

type AlertFilter struct {
	Severity string // minimum, default high
	Type     string
}

type Alert struct {
	AreaID   string         `json:"areaId,omitempty"`
	AreaName string         `json:"areaName,omitempty"`
	TeamIDs  []string       `json:"teamIds"`
	Location model.GeoPoint `json:"location"`
	Date     string         `json:"date"`
	Type     string         `json:"type"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	DelayMin int            `json:"delayMinutesPerStop"`
}

type alertSite struct {
	point   model.GeoPoint
	areaID  string
	name    string
	teamIDs []string
}

// GetWeatherAlerts scans the service areas of available teams for today's
// hazards at or above the minimum severity.
func (s *Service) GetWeatherAlerts(ctx context.Context, businessID string, f AlertFilter) (_ []Alert, err error) {
	defer obs.Time(ctx, "weather.alerts")(&err)
	if f.Severity == "" {
		f.Severity = SeverityHigh
	}
	if !ValidSeverity(f.Severity) {
		return nil, apperr.Invalid("severity must be one of none, low, moderate, high, severe")
	}
	if f.Type != "" && !ValidType(f.Type) {
		return nil, apperr.Invalid("type must be one of rain, snow, wind, heat, cold, storm")
	}
	teams, err := s.registry.GetTeams(ctx, businessID, nil)
	if err != nil {
		return nil, fmt.Errorf("load teams: %w", err)
	}
	sites := collectSites(teams)
	date := s.today().Format(model.DateLayout)

	impacts := make([]*Impact, len(sites))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.limit())
	for i, site := range sites {
		i, site := i, site
		g.Go(func() error {
			fc, err := s.provider.Forecast(gctx, site.point.Lat, site.point.Lng, date)
			if err != nil {
				log.Warn().Str("req_id", obs.RequestID(gctx)).Err(err).Str("area_id", site.areaID).Msg("forecast unavailable for service area")
				return nil
			}
			imp := s.classifier.Classify(fc)
			impacts[i] = &imp
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	alerts := []Alert{}
	minRank := SeverityRank(f.Severity)
	for i, imp := range impacts {
		if imp == nil {
			continue
		}
		for _, h := range imp.Hazards {
			if SeverityRank(h.Severity) < minRank {
				continue
			}
			if f.Type != "" && h.Type != f.Type {
				continue
			}
			alerts = append(alerts, Alert{
				AreaID:   sites[i].areaID,
				AreaName: sites[i].name,
				TeamIDs:  sites[i].teamIDs,
				Location: sites[i].point,
				Date:     date,
				Type:     h.Type,
				Severity: h.Severity,
				Message:  h.Message(date),
				DelayMin: imp.DelayMin,
			})
		}
	}
	sort.SliceStable(alerts, func(i, j int) bool {
		ri, rj := SeverityRank(alerts[i].Severity), SeverityRank(alerts[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if alerts[i].AreaID != alerts[j].AreaID {
			return alerts[i].AreaID < alerts[j].AreaID
		}
		return alerts[i].Type < alerts[j].Type
	})
	return alerts, nil
}

// collectSites de-duplicates service area anchors of available teams by
// rounded coordinate.
func collectSites(teams []model.Team) []alertSite {
	byKey := map[string]*alertSite{}
	var keys []string
	for _, t := range teams {
		if !t.IsAvailableForRouting {
			continue
		}
		for _, a := range t.ServiceAreas {
			p, ok := geo.Anchor(a)
			if !ok {
				continue
			}
			p = geo.Round(p, 2)
			k := fmt.Sprintf("%.2f,%.2f", p.Lat, p.Lng)
			site, ok := byKey[k]
			if !ok {
				site = &alertSite{point: p, areaID: a.ID, name: a.Name}
				byKey[k] = site
				keys = append(keys, k)
			}
			if !contains(site.teamIDs, t.ID) {
				site.teamIDs = append(site.teamIDs, t.ID)
			}
		}
	}
	sort.Strings(keys)
	out := make([]alertSite, 0, len(keys))
	for _, k := range keys {
		s := byKey[k]
		sort.Strings(s.teamIDs)
		out = append(out, *s)
	}
	return out
}

func contains(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
