// Package csvimport reads tasks and teams from CSV files with a header row.
// List columns (skills, equipment) are semicolon separated.
package csvimport

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jszwec/csvutil"

	"fieldroute/internal/apperr"
	"fieldroute/internal/geo"
	"fieldroute/internal/integrations"
	"fieldroute/internal/model"
)

const sourceName = "csv"

type taskRow struct {
	ID          string   `csv:"id"`
	Title       string   `csv:"title,omitempty"`
	Address     string   `csv:"address,omitempty"`
	Lat         *float64 `csv:"lat,omitempty"`
	Lng         *float64 `csv:"lng,omitempty"`
	Date        string   `csv:"scheduled_date,omitempty"`
	WindowStart string   `csv:"window_start,omitempty"`
	WindowEnd   string   `csv:"window_end,omitempty"`
	Flexible    string   `csv:"flexible,omitempty"`
	DurationMin *int     `csv:"duration_min,omitempty"`
	Priority    string   `csv:"priority,omitempty"`
	Skills      string   `csv:"skills,omitempty"`
	Equipment   string   `csv:"equipment,omitempty"`
	Type        string   `csv:"type,omitempty"`
}

type teamRow struct {
	ID            string   `csv:"id"`
	Name          string   `csv:"name,omitempty"`
	Lat           *float64 `csv:"lat,omitempty"`
	Lng           *float64 `csv:"lng,omitempty"`
	ShiftStart    string   `csv:"shift_start,omitempty"`
	ShiftEnd      string   `csv:"shift_end,omitempty"`
	Timezone      string   `csv:"timezone,omitempty"`
	BreakMin      *int     `csv:"break_min,omitempty"`
	LunchStart    string   `csv:"lunch_start,omitempty"`
	LunchEnd      string   `csv:"lunch_end,omitempty"`
	VehicleType   string   `csv:"vehicle_type,omitempty"`
	FuelType      string   `csv:"fuel_type,omitempty"`
	LPer100Km     *float64 `csv:"l_per_100km,omitempty"`
	Skills        string   `csv:"skills,omitempty"`
	Equipment     string   `csv:"equipment,omitempty"`
	AreaLat       *float64 `csv:"area_lat,omitempty"`
	AreaLng       *float64 `csv:"area_lng,omitempty"`
	AreaRadiusM   *float64 `csv:"area_radius_m,omitempty"`
	MaxDailyTasks *int     `csv:"max_daily_tasks,omitempty"`
	MaxDistanceKm *float64 `csv:"max_route_distance_km,omitempty"`
	Available     string   `csv:"available,omitempty"`
}

// TaskSource decodes tasks from a CSV stream.
type TaskSource struct{ r io.Reader }

func NewTaskSource(r io.Reader) *TaskSource { return &TaskSource{r: r} }

func (s *TaskSource) Name() string { return sourceName }

func (s *TaskSource) FetchTasks(ctx context.Context) (integrations.TaskBatch, error) {
	var b integrations.TaskBatch
	err := decodeRows(s.r, func(row int, dec *csvutil.Decoder) error {
		var r taskRow
		if err := dec.Decode(&r); err != nil {
			return err
		}
		t, err := r.task()
		if err != nil {
			b.Rejected = append(b.Rejected, integrations.Rejected{Row: row, ID: r.ID, Reason: err.Error()})
			return nil
		}
		b.Tasks = append(b.Tasks, t)
		return nil
	}, func(row int, err error) {
		b.Rejected = append(b.Rejected, integrations.Rejected{Row: row, Reason: err.Error()})
	})
	return b, err
}

// TeamSource decodes teams from a CSV stream.
type TeamSource struct{ r io.Reader }

func NewTeamSource(r io.Reader) *TeamSource { return &TeamSource{r: r} }

func (s *TeamSource) Name() string { return sourceName }

func (s *TeamSource) FetchTeams(ctx context.Context) (integrations.TeamBatch, error) {
	var b integrations.TeamBatch
	err := decodeRows(s.r, func(row int, dec *csvutil.Decoder) error {
		var r teamRow
		if err := dec.Decode(&r); err != nil {
			return err
		}
		t, err := r.team()
		if err != nil {
			b.Rejected = append(b.Rejected, integrations.Rejected{Row: row, ID: r.ID, Reason: err.Error()})
			return nil
		}
		b.Teams = append(b.Teams, t)
		return nil
	}, func(row int, err error) {
		b.Rejected = append(b.Rejected, integrations.Rejected{Row: row, Reason: err.Error()})
	})
	return b, err
}

// decodeRows calls next once per data row. Rows that fail to decode are
// handed to reject; a missing or unreadable header fails the whole file.
func decodeRows(r io.Reader, next func(row int, dec *csvutil.Decoder) error, reject func(row int, err error)) error {
	dec, err := csvutil.NewDecoder(csv.NewReader(r))
	if err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("csv: missing header row")
		}
		return apperr.Invalid("csv: %v", err)
	}
	// header is line 1
	for row := 2; ; row++ {
		err := next(row, dec)
		if errors.Is(err, io.EOF) {
			return nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return apperr.Invalid("csv row %d: %v", row, err)
		}
		if err != nil {
			reject(row, err)
		}
	}
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ";") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func parseBool(name, s string, def bool) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return def, nil
	case "1", "true", "yes", "y":
		return true, nil
	case "0", "false", "no", "n":
		return false, nil
	}
	return false, fmt.Errorf("%s: invalid boolean %q", name, s)
}

func point(lat, lng *float64) (*model.GeoPoint, error) {
	if lat == nil && lng == nil {
		return nil, nil
	}
	if lat == nil || lng == nil {
		return nil, errors.New("lat and lng must be given together")
	}
	p := model.GeoPoint{Lat: *lat, Lng: *lng}
	if !geo.ValidPoint(p) {
		return nil, errors.New("coordinates out of range")
	}
	return &p, nil
}

func clock(name, s string) error {
	if s == "" {
		return nil
	}
	if _, err := model.ClockMinutes(s); err != nil {
		return fmt.Errorf("%s: %v", name, err)
	}
	return nil
}

func (r taskRow) task() (model.Task, error) {
	if r.DurationMin == nil || *r.DurationMin <= 0 {
		return model.Task{}, errors.New("duration_min must be positive")
	}
	coords, err := point(r.Lat, r.Lng)
	if err != nil {
		return model.Task{}, err
	}
	if coords == nil && strings.TrimSpace(r.Address) == "" {
		return model.Task{}, errors.New("address or lat/lng required")
	}
	if r.Date != "" {
		if _, err := time.Parse(model.DateLayout, r.Date); err != nil {
			return model.Task{}, errors.New("scheduled_date must be YYYY-MM-DD")
		}
	}
	if err := clock("window_start", r.WindowStart); err != nil {
		return model.Task{}, err
	}
	if err := clock("window_end", r.WindowEnd); err != nil {
		return model.Task{}, err
	}
	switch r.Priority {
	case "", model.PriorityHigh, model.PriorityMedium, model.PriorityLow:
	default:
		return model.Task{}, fmt.Errorf("priority: unknown value %q", r.Priority)
	}
	flexible, err := parseBool("flexible", r.Flexible, false)
	if err != nil {
		return model.Task{}, err
	}
	return model.Task{
		ID:                   strings.TrimSpace(r.ID),
		Title:                r.Title,
		Location:             model.TaskLocation{Address: r.Address, Coordinates: coords},
		ScheduledDate:        r.Date,
		TimeWindow:           model.TimeWindow{Start: r.WindowStart, End: r.WindowEnd, Flexible: flexible},
		EstimatedDurationMin: *r.DurationMin,
		Priority:             r.Priority,
		RequiredSkills:       splitList(r.Skills),
		RequiredEquipment:    splitList(r.Equipment),
		Type:                 r.Type,
		Status:               model.TaskPending,
	}, nil
}

func (r teamRow) team() (model.Team, error) {
	id := strings.TrimSpace(r.ID)
	if id == "" {
		return model.Team{}, errors.New("id is required")
	}
	for name, v := range map[string]string{"shift_start": r.ShiftStart, "shift_end": r.ShiftEnd, "lunch_start": r.LunchStart, "lunch_end": r.LunchEnd} {
		if err := clock(name, v); err != nil {
			return model.Team{}, err
		}
	}
	if r.Timezone != "" {
		if _, err := time.LoadLocation(r.Timezone); err != nil {
			return model.Team{}, fmt.Errorf("timezone: unknown zone %q", r.Timezone)
		}
	}
	available, err := parseBool("available", r.Available, true)
	if err != nil {
		return model.Team{}, err
	}
	t := model.Team{
		ID:   id,
		Name: r.Name,
		WorkingHours: model.WorkingHours{
			Start: r.ShiftStart, End: r.ShiftEnd, Timezone: r.Timezone,
			LunchStart: r.LunchStart, LunchEnd: r.LunchEnd,
		},
		Vehicle:               model.VehicleInfo{Type: r.VehicleType, FuelType: r.FuelType},
		Skills:                splitList(r.Skills),
		Equipment:             splitList(r.Equipment),
		IsAvailableForRouting: available,
	}
	if r.BreakMin != nil {
		t.WorkingHours.BreakMin = *r.BreakMin
	}
	if r.LPer100Km != nil {
		t.Vehicle.AvgConsumptionLPer100Km = *r.LPer100Km
	}
	if r.MaxDailyTasks != nil {
		t.MaxDailyTasks = *r.MaxDailyTasks
	}
	if r.MaxDistanceKm != nil {
		t.MaxRouteDistanceKm = *r.MaxDistanceKm
	}
	loc, err := point(r.Lat, r.Lng)
	if err != nil {
		return model.Team{}, err
	}
	if loc != nil {
		t.CurrentLocation = &model.TeamLocation{Lat: loc.Lat, Lng: loc.Lng}
	}
	center, err := point(r.AreaLat, r.AreaLng)
	if err != nil {
		return model.Team{}, fmt.Errorf("area: %v", err)
	}
	if center != nil {
		if r.AreaRadiusM == nil || *r.AreaRadiusM <= 0 {
			return model.Team{}, errors.New("area_radius_m must be positive")
		}
		t.ServiceAreas = []model.ServiceArea{{ID: id + "-area", Type: model.AreaCircle, Center: center, RadiusM: *r.AreaRadiusM}}
	}
	return t, nil
}
