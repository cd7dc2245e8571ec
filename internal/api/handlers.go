package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/routing"
	"fieldroute/internal/store"
)

// storeError maps store sentinels onto API error kinds.
func storeError(err error, what string) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperr.NotFound("%s not found", what)
	}
	return err
}

func periodQuery(r *http.Request) model.Period {
	q := r.URL.Query()
	return model.Period{Date: q.Get("date"), Month: q.Get("month")}
}

// OptimizeHandler handles POST /v1/optimize
func (s *Server) OptimizeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req model.OptimizeRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	req.BusinessID = businessID(r)
	res, err := s.Engine.OptimizeRoutes(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// OptimizationByIDHandler handles GET /v1/optimizations/{id}
func (s *Server) OptimizationByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/optimizations/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "", r.URL.Path)
		return
	}
	rec, err := s.Engine.GetOptimization(r.Context(), businessID(r), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// RoutesIndexHandler handles GET /v1/routes?date=|month=
func (s *Server) RoutesIndexHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	routes, err := s.Engine.GetOptimizedRoutes(r.Context(), businessID(r), periodQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": routes})
}

// RouteStatsHandler handles GET /v1/routes/stats?date=|month=
func (s *Server) RouteStatsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	stats, err := s.Engine.GetStats(r.Context(), businessID(r), periodQuery(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// RouteMetricsHandler handles POST /v1/routes/metrics
func (s *Server) RouteMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req routing.MetricsRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	est, err := s.Engine.CalculateRouteMetrics(r.Context(), businessID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, est)
}

// RouteValidateHandler handles POST /v1/routes/validate
func (s *Server) RouteValidateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req routing.ValidateRequest
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := s.Engine.ValidateRouteConstraints(r.Context(), businessID(r), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// RouteByIDHandler handles /v1/routes/{id} and its sub-resources:
// /assign, /progress, /reoptimize, /locations, /events/stream, /events/ws.
func (s *Server) RouteByIDHandler(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/routes/")
	parts := strings.Split(strings.TrimSuffix(rest, "/"), "/")
	id := parts[0]
	if id == "" {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "missing route id", r.URL.Path)
		return
	}
	sub := strings.Join(parts[1:], "/")
	switch sub {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		route, err := s.Engine.GetRoute(r.Context(), businessID(r), id)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, route)
	case "assign":
		s.assignRoute(w, r, id)
	case "progress":
		s.routeProgress(w, r, id)
	case "reoptimize":
		s.reoptimizeRoute(w, r, id)
	case "locations":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": s.Locations.ListByRoute(businessID(r), id)})
	case "events/stream":
		s.routeEventStream(w, r, id)
	case "events/ws":
		s.routeEventSocket(w, r, id)
	default:
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "", r.URL.Path)
	}
}

func (s *Server) assignRoute(w http.ResponseWriter, r *http.Request, routeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req struct {
		TeamID string `json:"teamId" validate:"required"`
	}
	if err := s.decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	route, err := s.Engine.AssignRouteToTeam(r.Context(), businessID(r), req.TeamID, routeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (s *Server) routeProgress(w http.ResponseWriter, r *http.Request, routeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var u routing.ProgressUpdate
	if err := s.decodeJSON(r, &u); err != nil {
		writeError(w, r, err)
		return
	}
	biz := businessID(r)
	res, err := s.Engine.UpdateRouteProgress(r.Context(), biz, routeID, u)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if u.Location != nil {
		s.Locations.Upsert(LatestLocation{
			BusinessID: biz,
			RouteID:    routeID,
			TeamID:     res.Route.TeamID,
			Lat:        u.Location.Lat,
			Lng:        u.Location.Lng,
			AccuracyM:  u.AccuracyM,
			TS:         time.Now().UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) reoptimizeRoute(w http.ResponseWriter, r *http.Request, routeID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	// The body is optional; an empty one keeps the route's parameters.
	var req struct {
		Params *model.OptimizationParameters `json:"parameters,omitempty"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		writeError(w, r, apperr.Invalid("read body: %v", err))
		return
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			writeError(w, r, apperr.Invalid("invalid JSON: %v", err))
			return
		}
		if req.Params != nil {
			if err := s.validateStruct(req.Params); err != nil {
				writeError(w, r, err)
				return
			}
		}
	}
	route, err := s.Engine.ReoptimizeRoute(r.Context(), businessID(r), routeID, req.Params)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

const heartbeatInterval = 15 * time.Second

func writeSSE(w io.Writer, evt SSEEvent) error {
	b, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, b)
	return err
}

func heartbeat(routeID string) SSEEvent {
	return SSEEvent{Type: "heartbeat", Data: map[string]any{"routeId": routeID, "ts": time.Now().UTC().Format(time.RFC3339)}}
}

// routeEventStream serves GET /v1/routes/{id}/events/stream as SSE.
func (s *Server) routeEventStream(w http.ResponseWriter, r *http.Request, routeID string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, err := s.Engine.GetRoute(r.Context(), businessID(r), routeID); err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeProblem(w, http.StatusInternalServerError, apperr.KindInternal, "Streaming unsupported", "", r.URL.Path)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := s.Broker.Subscribe(routeID)
	defer s.Broker.Unsubscribe(routeID, ch)

	_ = writeSSE(w, heartbeat(routeID))
	flusher.Flush()
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if err := writeSSE(w, evt); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if err := writeSSE(w, heartbeat(routeID)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
