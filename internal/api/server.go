// Package api exposes the routing, weather and analytics services over HTTP.
package api

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fieldroute/internal/analytics"
	"fieldroute/internal/config"
	"fieldroute/internal/metrics"
	"fieldroute/internal/routing"
	"fieldroute/internal/store"
	"fieldroute/internal/weather"
)

// Deps are the services a Server dispatches to.
type Deps struct {
	Store     store.Store
	Engine    *routing.Engine
	Weather   *weather.Service
	Analytics *analytics.Service
	Broker    EventBroker
	Config    config.Config
	// OpenAPIPath is the YAML document served at /openapi.yaml.
	OpenAPIPath string
}

type Server struct {
	Store     store.Store
	Engine    *routing.Engine
	Weather   *weather.Service
	Analytics *analytics.Service
	Broker    EventBroker
	Locations *LocationCache
	Config    config.Config

	openAPIPath string
	validate    *validator.Validate
	limits      *businessLimiter
}

func NewServer(d Deps) *Server {
	if d.Broker == nil {
		d.Broker = NewBroker()
	}
	if d.OpenAPIPath == "" {
		d.OpenAPIPath = "openapi/openapi.yaml"
	}
	return &Server{
		Store:       d.Store,
		Engine:      d.Engine,
		Weather:     d.Weather,
		Analytics:   d.Analytics,
		Broker:      d.Broker,
		Locations:   NewLocationCache(),
		Config:      d.Config,
		openAPIPath: d.OpenAPIPath,
		validate:    newValidator(),
		limits:      newBusinessLimiter(d.Config.RateRPS, d.Config.RateBurst),
	}
}

// Handler returns the routed API with its middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Optimization and routes
	mux.HandleFunc("/v1/optimize", s.OptimizeHandler)
	mux.HandleFunc("/v1/optimizations/", s.OptimizationByIDHandler)
	mux.HandleFunc("/v1/routes", s.RoutesIndexHandler)
	mux.HandleFunc("/v1/routes/", s.RouteByIDHandler) // includes /assign, /progress, /reoptimize, /events/*, /locations
	mux.HandleFunc("/v1/routes/stats", s.RouteStatsHandler)
	mux.HandleFunc("/v1/routes/metrics", s.RouteMetricsHandler)
	mux.HandleFunc("/v1/routes/validate", s.RouteValidateHandler)

	// Weather
	mux.HandleFunc("/v1/weather/impact", s.WeatherImpactHandler)
	mux.HandleFunc("/v1/weather/adjust", s.WeatherAdjustHandler)
	mux.HandleFunc("/v1/weather/alerts", s.WeatherAlertsHandler)

	// Analytics
	mux.HandleFunc("/v1/analytics/report", s.AnalyticsReportHandler)
	mux.HandleFunc("/v1/analytics/performance", s.AnalyticsPerformanceHandler)
	mux.HandleFunc("/v1/analytics/cost-savings", s.AnalyticsCostSavingsHandler)
	mux.HandleFunc("/v1/analytics/trends", s.AnalyticsTrendsHandler)
	mux.HandleFunc("/v1/analytics/export", s.AnalyticsExportHandler)

	// Registry import
	mux.HandleFunc("/v1/import/tasks", s.ImportTasksHandler)
	mux.HandleFunc("/v1/import/teams", s.ImportTeamsHandler)

	// Webhooks
	mux.HandleFunc("/v1/subscriptions", s.SubscriptionsHandler)
	mux.HandleFunc("/v1/subscriptions/", s.SubscriptionByIDHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries", s.WebhookDeliveriesHandler)
	mux.HandleFunc("/v1/admin/webhook-deliveries/", s.WebhookDeliveryRetryHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq", s.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/webhook-dlq/", s.WebhookDLQHandler)
	mux.HandleFunc("/v1/admin/plan-metrics", s.PlanMetricsHandler)

	// Ops
	mux.HandleFunc("/healthz", s.HealthHandler)
	mux.HandleFunc("/readyz", s.ReadyHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/openapi.yaml", s.OpenAPIHandler)
	mux.HandleFunc("/openapi.json", s.OpenAPIJSONHandler)
	mux.HandleFunc("/docs", s.DocsHandler)
	mux.HandleFunc("/debug/config", s.DebugConfigHandler)

	return s.requestID(s.accessLog(s.rateLimit(mux)))
}

const headerBusinessID = "X-Business-Id"

// businessID returns the caller's business. Identity is resolved upstream;
// the API only requires that it is present.
func businessID(r *http.Request) string {
	return r.Header.Get(headerBusinessID)
}
