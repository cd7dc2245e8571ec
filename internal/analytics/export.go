package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

const (
	FormatJSON = "json"
	FormatCSV  = "csv"
)

// RouteRow is one route flattened for export.
type RouteRow struct {
	RouteID            string  `csv:"route_id" json:"routeId"`
	TeamID             string  `csv:"team_id" json:"teamId"`
	Date               string  `csv:"date" json:"date"`
	Status             string  `csv:"status" json:"status"`
	Stops              int     `csv:"stops" json:"stops"`
	CompletedStops     int     `csv:"completed_stops" json:"completedStops"`
	OnTimeStops        int     `csv:"on_time_stops" json:"onTimeStops"`
	DistanceKm         float64 `csv:"distance_km" json:"distanceKm"`
	TimeMin            float64 `csv:"time_min" json:"timeMin"`
	FuelLiters         float64 `csv:"fuel_liters" json:"fuelLiters"`
	FuelCost           float64 `csv:"fuel_cost" json:"fuelCost"`
	Score              float64 `csv:"score" json:"score"`
	BaselineDistanceKm float64 `csv:"baseline_distance_km" json:"baselineDistanceKm"`
	BaselineTimeMin    float64 `csv:"baseline_time_min" json:"baselineTimeMin"`
	WeatherDelayMin    float64 `csv:"weather_delay_min" json:"weatherDelayMin"`
}

func rowOf(r model.Route) RouteRow {
	row := RouteRow{
		RouteID:            r.ID,
		TeamID:             r.TeamID,
		Date:               r.Date,
		Status:             r.Status,
		Stops:              len(r.Stops),
		DistanceKm:         r.Metrics.TotalDistanceKm,
		TimeMin:            r.Metrics.TotalTimeMin,
		FuelLiters:         r.Metrics.FuelLiters,
		FuelCost:           r.Metrics.EstimatedFuelCost,
		Score:              r.Metrics.OptimizationScore,
		BaselineDistanceKm: r.Metrics.BaselineDistanceKm,
		BaselineTimeMin:    r.Metrics.BaselineTimeMin,
		WeatherDelayMin:    r.Metrics.WeatherDelayMin,
	}
	for _, st := range r.Stops {
		if st.Status == model.StopCompleted {
			row.CompletedStops++
			if onTime(st) {
				row.OnTimeStops++
			}
		}
	}
	return row
}

// Export is a rendered analytics document.
type Export struct {
	ContentType string
	Filename    string
	Body        []byte
}

type exportDoc struct {
	Timeframe   string      `json:"timeframe"`
	GeneratedAt time.Time   `json:"generatedAt"`
	Performance Performance `json:"performance"`
	CostSavings CostSavings `json:"costSavings"`
	Routes      []RouteRow  `json:"routes"`
}

// ExportAnalytics renders the timeframe's routes as JSON, with the
// performance and savings summaries, or as one CSV row per route.
func (s *Service) ExportAnalytics(ctx context.Context, businessID, timeframe, format string) (_ Export, err error) {
	defer obs.Time(ctx, "analytics.export")(&err)
	if format == "" {
		format = FormatJSON
	}
	if format != FormatJSON && format != FormatCSV {
		return Export{}, apperr.Invalid("format must be json or csv")
	}
	rng, _, err := s.timeframeRange(timeframe)
	if err != nil {
		return Export{}, err
	}
	routes, err := s.load(ctx, businessID, rng)
	if err != nil {
		return Export{}, err
	}
	sort.Slice(routes, func(i, j int) bool {
		if routes[i].Date != routes[j].Date {
			return routes[i].Date < routes[j].Date
		}
		return routes[i].TeamID < routes[j].TeamID
	})
	rows := make([]RouteRow, 0, len(routes))
	for _, r := range routes {
		rows = append(rows, rowOf(r))
	}
	name := fmt.Sprintf("route-analytics-%s-%s", timeframe, rng.To.Format(model.DateLayout))

	if format == FormatCSV {
		body, err := csvutil.Marshal(rows)
		if err != nil {
			return Export{}, fmt.Errorf("encode csv: %w", err)
		}
		if len(rows) == 0 {
			header, err := csvutil.Header(RouteRow{}, "csv")
			if err != nil {
				return Export{}, fmt.Errorf("csv header: %w", err)
			}
			body = []byte(strings.Join(header, ",") + "\n")
		}
		return Export{ContentType: "text/csv", Filename: name + ".csv", Body: body}, nil
	}

	doc := exportDoc{
		Timeframe:   timeframe,
		GeneratedAt: s.now().UTC(),
		Performance: performance(timeframe, rng, routes),
		CostSavings: s.savings(timeframe, rng, routes),
		Routes:      rows,
	}
	body, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return Export{}, fmt.Errorf("encode json: %w", err)
	}
	return Export{ContentType: "application/json", Filename: name + ".json", Body: body}, nil
}
