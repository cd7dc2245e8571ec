package mapping

import (
	"context"

	"fieldroute/internal/geo"
	"fieldroute/internal/model"
)

// HaversineProvider estimates travel from straight-line distance at a
// constant average speed. It is the degrade path when the routing
// provider is unavailable, and the default when none is configured.
type HaversineProvider struct {
	SpeedKph float64
}

func NewHaversine(speedKph float64) *HaversineProvider {
	if speedKph <= 0 {
		speedKph = 40
	}
	return &HaversineProvider{SpeedKph: speedKph}
}

func (h *HaversineProvider) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	return model.GeoPoint{}, ErrNoGeocoder
}

func (h *HaversineProvider) Matrix(ctx context.Context, points []model.GeoPoint, opts MatrixOptions) (Matrix, error) {
	n := len(points)
	m := Matrix{DistM: newSquare(n), DurMin: newSquare(n), Source: "haversine"}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := geo.HaversineMeters(points[i].Lat, points[i].Lng, points[j].Lat, points[j].Lng)
			dur := d / 1000 / h.SpeedKph * 60
			m.DistM[i][j], m.DistM[j][i] = d, d
			m.DurMin[i][j], m.DurMin[j][i] = dur, dur
		}
	}
	if opts.Traffic {
		applyTraffic(&m, TrafficFactor(opts.DepartAt))
	}
	return m, nil
}
