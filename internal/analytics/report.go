package analytics

import (
	"context"
	"time"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

const (
	ReportDaily   = "daily"
	ReportWeekly  = "weekly"
	ReportMonthly = "monthly"
	ReportCustom  = "custom"
)

type Report struct {
	Type        string          `json:"type"`
	StartDate   string          `json:"startDate"`
	EndDate     string          `json:"endDate"`
	Summary     Summary         `json:"summary"`
	Teams       []TeamBreakdown `json:"teams"`
	Days        []DayBreakdown  `json:"days"`
	GeneratedAt time.Time       `json:"generatedAt"`
}

func parseDate(name, v string) (time.Time, bool, error) {
	if v == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(model.DateLayout, v)
	if err != nil {
		return time.Time{}, false, apperr.Invalid("%s must be YYYY-MM-DD", name)
	}
	return t, true, nil
}

// reportRange resolves the days a report covers.
func (s *Service) reportRange(reportType, startDate, endDate string) (Range, error) {
	start, hasStart, err := parseDate("startDate", startDate)
	if err != nil {
		return Range{}, err
	}
	end, hasEnd, err := parseDate("endDate", endDate)
	if err != nil {
		return Range{}, err
	}
	today := s.today()
	switch reportType {
	case ReportDaily:
		if !hasStart {
			start = today
		}
		return Range{From: start, To: start}, nil
	case ReportWeekly:
		if !hasEnd {
			end = today
		}
		return Range{From: end.AddDate(0, 0, -6), To: end}, nil
	case ReportMonthly:
		if !hasStart {
			start = today
		}
		first := time.Date(start.Year(), start.Month(), 1, 0, 0, 0, 0, time.UTC)
		return Range{From: first, To: first.AddDate(0, 1, -1)}, nil
	case ReportCustom:
		if !hasStart || !hasEnd {
			return Range{}, apperr.Invalid("custom reports need startDate and endDate")
		}
		if !start.Before(end) {
			return Range{}, apperr.Invalid("startDate must be before endDate")
		}
		if end.Sub(start) > maxCustomDays*24*time.Hour {
			return Range{}, apperr.Invalid("custom range is limited to %d days", maxCustomDays)
		}
		return Range{From: start, To: end}, nil
	}
	return Range{}, apperr.Invalid("report type must be one of daily, weekly, monthly, custom")
}

// GenerateRouteReport summarises the routes of a day, week, month or a
// custom range, with per-team and per-day breakdowns.
func (s *Service) GenerateRouteReport(ctx context.Context, businessID, reportType, startDate, endDate string) (_ Report, err error) {
	defer obs.Time(ctx, "analytics.report")(&err)
	rng, err := s.reportRange(reportType, startDate, endDate)
	if err != nil {
		return Report{}, err
	}
	routes, err := s.load(ctx, businessID, rng)
	if err != nil {
		return Report{}, err
	}
	return Report{
		Type:        reportType,
		StartDate:   rng.From.Format(model.DateLayout),
		EndDate:     rng.To.Format(model.DateLayout),
		Summary:     summarize(routes),
		Teams:       byTeam(routes),
		Days:        byDay(routes),
		GeneratedAt: s.now().UTC(),
	}, nil
}
