package api

import (
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fieldroute/internal/apperr"
	"fieldroute/internal/integrations"
	"fieldroute/internal/integrations/csvimport"
	"fieldroute/internal/model"
)

const (
	defaultPageSize = 100
	maxPageSize     = 500
)

func pageLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultPageSize, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxPageSize {
		return 0, apperr.Invalid("limit must be between 1 and %d", maxPageSize)
	}
	return n, nil
}

func csvBody(r *http.Request) io.Reader { return io.LimitReader(r.Body, maxBody) }

// ImportTasksHandler handles POST /v1/import/tasks with a CSV body.
func (s *Server) ImportTasksHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res, err := integrations.ImportTasks(r.Context(), s.Store, businessID(r), csvimport.NewTaskSource(csvBody(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ImportTeamsHandler handles POST /v1/import/teams with a CSV body.
func (s *Server) ImportTeamsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	res, err := integrations.ImportTeams(r.Context(), s.Store, businessID(r), csvimport.NewTeamSource(csvBody(r)))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// SubscriptionsHandler handles POST/GET /v1/subscriptions
func (s *Server) SubscriptionsHandler(w http.ResponseWriter, r *http.Request) {
	biz := businessID(r)
	switch r.Method {
	case http.MethodPost:
		var req model.SubscriptionRequest
		if err := s.decodeJSON(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
		req.BusinessID = biz
		sub, err := s.Store.CreateSubscription(r.Context(), req)
		if err != nil {
			writeError(w, r, err)
			return
		}
		sub.Secret = ""
		writeJSON(w, http.StatusCreated, sub)
	case http.MethodGet:
		limit, err := pageLimit(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items, next, err := s.Store.ListSubscriptions(r.Context(), biz, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		for i := range items {
			items[i].Secret = ""
		}
		if items == nil {
			items = []model.Subscription{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
	default:
		methodNotAllowed(w, r, "GET, POST")
	}
}

// SubscriptionByIDHandler handles DELETE /v1/subscriptions/{id}
func (s *Server) SubscriptionByIDHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/subscriptions/")
	if id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "", r.URL.Path)
		return
	}
	if err := s.Store.DeleteSubscription(r.Context(), businessID(r), id); err != nil {
		writeError(w, r, storeError(err, "subscription"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// WebhookDeliveriesHandler handles GET /v1/admin/webhook-deliveries?status=
func (s *Server) WebhookDeliveriesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	limit, err := pageLimit(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	items, next, err := s.Store.ListWebhookDeliveries(r.Context(), businessID(r), q.Get("status"), q.Get("cursor"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
}

// WebhookDeliveryRetryHandler handles POST /v1/admin/webhook-deliveries/{id}/retry
func (s *Server) WebhookDeliveryRetryHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-deliveries/"), "/retry")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := s.Store.RetryWebhookDelivery(r.Context(), businessID(r), id); err != nil {
		writeError(w, r, storeError(err, "delivery"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// WebhookDLQHandler handles GET /v1/admin/webhook-dlq and
// POST /v1/admin/webhook-dlq/{id}/requeue
func (s *Server) WebhookDLQHandler(w http.ResponseWriter, r *http.Request) {
	biz := businessID(r)
	if r.URL.Path == "/v1/admin/webhook-dlq" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		limit, err := pageLimit(r)
		if err != nil {
			writeError(w, r, err)
			return
		}
		items, next, err := s.Store.ListWebhookDLQ(r.Context(), biz, r.URL.Query().Get("cursor"), limit)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
		return
	}
	id, ok := strings.CutSuffix(strings.TrimPrefix(r.URL.Path, "/v1/admin/webhook-dlq/"), "/requeue")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeProblem(w, http.StatusNotFound, apperr.KindNotFound, "Not found", "", r.URL.Path)
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := s.Store.RequeueWebhookDLQ(r.Context(), biz, id); err != nil {
		writeError(w, r, storeError(err, "dead letter"))
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{"accepted": 1})
}

// PlanMetricsHandler handles GET /v1/admin/plan-metrics?period=
func (s *Server) PlanMetricsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := s.Store.ListPlanMetrics(r.Context(), businessID(r), r.URL.Query().Get("period"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// HealthHandler reports liveness.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ReadyHandler reports whether the store answers.
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
	defer cancel()
	if err := s.Store.Ping(ctx); err != nil {
		writeProblem(w, http.StatusServiceUnavailable, apperr.KindDependencyUnavailable, "Not ready", err.Error(), r.URL.Path)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
