package api

import (
	"fmt"
	"net/http"
	"strconv"
)

func timeframe(r *http.Request) string {
	if tf := r.URL.Query().Get("timeframe"); tf != "" {
		return tf
	}
	return "30d"
}

// AnalyticsReportHandler handles GET /v1/analytics/report?type=&startDate=&endDate=
func (s *Server) AnalyticsReportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = "daily"
	}
	rep, err := s.Analytics.GenerateRouteReport(r.Context(), businessID(r), typ, q.Get("startDate"), q.Get("endDate"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// AnalyticsPerformanceHandler handles GET /v1/analytics/performance?timeframe=
func (s *Server) AnalyticsPerformanceHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	p, err := s.Analytics.GetPerformanceMetrics(r.Context(), businessID(r), timeframe(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// AnalyticsCostSavingsHandler handles GET /v1/analytics/cost-savings?timeframe=
func (s *Server) AnalyticsCostSavingsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	c, err := s.Analytics.CalculateCostSavings(r.Context(), businessID(r), timeframe(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// AnalyticsTrendsHandler handles GET /v1/analytics/trends?timeframe=
func (s *Server) AnalyticsTrendsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	t, err := s.Analytics.GetEfficiencyTrends(r.Context(), businessID(r), timeframe(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

// AnalyticsExportHandler handles GET /v1/analytics/export?timeframe=&format=json|csv
func (s *Server) AnalyticsExportHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	exp, err := s.Analytics.ExportAnalytics(r.Context(), businessID(r), timeframe(r), r.URL.Query().Get("format"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", exp.ContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", exp.Filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(exp.Body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(exp.Body)
}
