package mapping

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/apperr"
	"fieldroute/internal/metrics"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

// Resilient routes calls to a primary provider and falls back to
// straight-line estimates when it fails. Fallback matrices are marked
// Degraded.
type Resilient struct {
	Primary         Provider // may be nil
	Fallback        *HaversineProvider
	TrafficRequired bool
}

func NewResilient(primary Provider, fallback *HaversineProvider, trafficRequired bool) *Resilient {
	if fallback == nil {
		fallback = NewHaversine(0)
	}
	return &Resilient{Primary: primary, Fallback: fallback, TrafficRequired: trafficRequired}
}

func (r *Resilient) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	if r.Primary == nil {
		return model.GeoPoint{}, apperr.Provider("geocode", ErrNoGeocoder)
	}
	p, err := r.Primary.Geocode(ctx, address)
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("geocoder", "geocode", "error").Inc()
		if errors.Is(err, context.Canceled) {
			return model.GeoPoint{}, err
		}
		return model.GeoPoint{}, apperr.Provider("geocode", err)
	}
	metrics.ProviderCalls.WithLabelValues("geocoder", "geocode", "ok").Inc()
	return p, nil
}

func (r *Resilient) Matrix(ctx context.Context, points []model.GeoPoint, opts MatrixOptions) (Matrix, error) {
	if r.Primary == nil {
		m, err := r.Fallback.Matrix(ctx, points, opts)
		if err == nil {
			metrics.ProviderCalls.WithLabelValues("haversine", "matrix", "ok").Inc()
		}
		return m, err
	}
	m, err := r.Primary.Matrix(ctx, points, opts)
	if err == nil {
		metrics.ProviderCalls.WithLabelValues("routing", "matrix", "ok").Inc()
		return m, nil
	}
	if errors.Is(err, context.Canceled) {
		return Matrix{}, err
	}
	metrics.ProviderCalls.WithLabelValues("routing", "matrix", "error").Inc()
	if opts.Traffic && r.TrafficRequired {
		return Matrix{}, apperr.Unavailable("traffic-aware routing unavailable", err)
	}
	log.Warn().Str("req_id", obs.RequestID(ctx)).Err(err).Int("points", len(points)).Msg("routing provider failed; using straight-line estimates")
	m, ferr := r.Fallback.Matrix(ctx, points, opts)
	if ferr != nil {
		return Matrix{}, ferr
	}
	m.Degraded = true
	metrics.ProviderCalls.WithLabelValues("routing", "matrix", "degraded").Inc()
	return m, nil
}
