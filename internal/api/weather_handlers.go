package api

import (
	"net/http"
	"strconv"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/weather"
)

func floatQuery(r *http.Request, name string) (float64, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, apperr.Invalid("%s is required", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, apperr.Invalid("%s must be a number", name)
	}
	return f, nil
}

// WeatherImpactHandler handles GET /v1/weather/impact?lat=&lng=&date=
func (s *Server) WeatherImpactHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	lat, err := floatQuery(r, "lat")
	if err != nil {
		writeError(w, r, err)
		return
	}
	lng, err := floatQuery(r, "lng")
	if err != nil {
		writeError(w, r, err)
		return
	}
	impact, err := s.Weather.GetWeatherImpact(r.Context(), businessID(r), model.GeoPoint{Lat: lat, Lng: lng}, r.URL.Query().Get("date"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, impact)
}

// WeatherAdjustHandler handles POST /v1/weather/adjust
func (s *Server) WeatherAdjustHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req weather.AdjustRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	adj, err := s.Weather.AdjustRouteForWeather(r.Context(), businessID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, adj)
}

// WeatherAlertsHandler handles GET /v1/weather/alerts?severity=&type=
func (s *Server) WeatherAlertsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	alerts, err := s.Weather.GetWeatherAlerts(r.Context(), businessID(r), weather.AlertFilter{Severity: q.Get("severity"), Type: q.Get("type")})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": alerts})
}
