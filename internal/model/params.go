package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// OptimizationParameters tune one optimize call. SkillMatching is a pointer
// so an omitted flag defaults to on while an explicit false turns it off.
type OptimizationParameters struct {
	PrioritizeTime               bool  `json:"prioritizeTime"`
	PrioritizeFuel               bool  `json:"prioritizeFuel"`
	PrioritizeCustomerPreference bool  `json:"prioritizeCustomerPreference"`
	MaxRouteTime                 int   `json:"maxRouteTime" validate:"gte=0,lte=1440"`
	MaxStopsPerRoute             int   `json:"maxStopsPerRoute" validate:"gte=0,lte=500"`
	AllowOvertime                bool  `json:"allowOvertime"`
	ConsiderTraffic              bool  `json:"considerTraffic"`
	ConsiderWeather              bool  `json:"considerWeather"`
	SkillMatching                *bool `json:"skillMatching,omitempty"`
	BalanceWorkload              bool  `json:"balanceWorkload"`
}

const DefaultMaxRouteTime = 480

// DefaultParams returns parameters used when a caller sends none.
func DefaultParams() OptimizationParameters {
	on := true
	return OptimizationParameters{MaxRouteTime: DefaultMaxRouteTime, SkillMatching: &on}
}

// WithDefaults fills omitted values.
func (p OptimizationParameters) WithDefaults() OptimizationParameters {
	if p.MaxRouteTime == 0 {
		p.MaxRouteTime = DefaultMaxRouteTime
	}
	if p.SkillMatching == nil {
		on := true
		p.SkillMatching = &on
	}
	return p
}

// SkillsRequired reports whether skill and equipment matching is enforced.
func (p OptimizationParameters) SkillsRequired() bool {
	return p.SkillMatching == nil || *p.SkillMatching
}

// Period selects either one day or one calendar month.
type Period struct {
	Date  string `json:"date,omitempty"`  // YYYY-MM-DD
	Month string `json:"month,omitempty"` // YYYY-MM
}

func (p Period) IsZero() bool { return p.Date == "" && p.Month == "" }

// Key names the period: the date, or the month.
func (p Period) Key() string {
	if p.Date != "" {
		return p.Date
	}
	return p.Month
}

// PlanKey is the month a plan belongs to. Day and month plans of one
// month share it so they serialise and version against each other.
func (p Period) PlanKey() string {
	if p.Date != "" && len(p.Date) >= len(MonthLayout) {
		return p.Date[:len(MonthLayout)]
	}
	return p.Month
}

// Validate checks the formats; exactly one of Date or Month may be set.
func (p Period) Validate() error {
	if p.Date != "" && p.Month != "" {
		return fmt.Errorf("date and month are mutually exclusive")
	}
	if p.Date != "" {
		if _, err := time.Parse(DateLayout, p.Date); err != nil {
			return fmt.Errorf("date must be YYYY-MM-DD")
		}
	}
	if p.Month != "" {
		if _, err := time.Parse(MonthLayout, p.Month); err != nil {
			return fmt.Errorf("month must be YYYY-MM")
		}
	}
	return nil
}

// Contains reports whether a YYYY-MM-DD date falls in the period.
func (p Period) Contains(date string) bool {
	if p.Date != "" {
		return date == p.Date
	}
	if p.Month != "" {
		return strings.HasPrefix(date, p.Month+"-")
	}
	return false
}

const (
	DateLayout  = "2006-01-02"
	MonthLayout = "2006-01"
)

// ClockMinutes parses HH:MM into minutes after midnight.
func ClockMinutes(s string) (int, error) {
	s = strings.TrimSpace(s)
	h, m, ok := strings.Cut(s, ":")
	if !ok {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 24 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	mm, err := strconv.Atoi(m)
	if err != nil || mm < 0 || mm > 59 || (hh == 24 && mm != 0) {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return hh*60 + mm, nil
}

// ClockOrDefault parses s and falls back to def when s is empty or bad.
func ClockOrDefault(s string, def int) int {
	if s == "" {
		return def
	}
	v, err := ClockMinutes(s)
	if err != nil {
		return def
	}
	return v
}

// FormatClock renders minutes after midnight as HH:MM.
func FormatClock(min int) string {
	if min < 0 {
		min = 0
	}
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}

// OptimizeRequest is the input of an optimize call.
type OptimizeRequest struct {
	BusinessID string                  `json:"-"`
	Date       string                  `json:"date,omitempty"`
	Month      string                  `json:"month,omitempty"`
	TaskIDs    []string                `json:"taskIds,omitempty" validate:"omitempty,max=500,dive,required"`
	TeamIDs    []string                `json:"teamIds" validate:"required,min=1,max=100,dive,required"`
	Params     *OptimizationParameters `json:"parameters,omitempty"`
}

func (r OptimizeRequest) Period() Period { return Period{Date: r.Date, Month: r.Month} }

// OptimizeResult is what optimize returns to the caller.
type OptimizeResult struct {
	OptimizationID  string              `json:"optimizationId"`
	Routes          []Route             `json:"routes"`
	UnassignedTasks []UnassignedTask    `json:"unassignedTasks"`
	Warnings        []string            `json:"warnings"`
	Summary         OptimizationSummary `json:"summary"`
}

// ValidationResult is the outcome of a constraint check.
type ValidationResult struct {
	Valid      bool        `json:"valid"`
	Violations []Violation `json:"violations"`
}

// RouteStats aggregates the routes of one period.
type RouteStats struct {
	Period            Period         `json:"period"`
	Routes            int            `json:"routes"`
	ByStatus          map[string]int `json:"byStatus"`
	Stops             int            `json:"stops"`
	CompletedStops    int            `json:"completedStops"`
	TotalDistanceKm   float64        `json:"totalDistanceKm"`
	TotalTimeMin      float64        `json:"totalTimeMin"`
	EstimatedFuelCost float64        `json:"estimatedFuelCost"`
	AvgScore          float64        `json:"averageScore"`
	AvgStopsPerRoute  float64        `json:"averageStopsPerRoute"`
}
