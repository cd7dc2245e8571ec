// Package mapping provides geocoding and travel distance/duration matrices.
package mapping

import (
	"context"
	"errors"
	"time"

	"fieldroute/internal/model"
)

// Matrix holds pairwise travel between the points passed to Provider.Matrix,
// in input order. Distances are metres, durations minutes.
type Matrix struct {
	DistM          [][]float64
	DurMin         [][]float64
	Source         string
	Degraded       bool
	TrafficApplied bool
}

// Size is the number of points covered.
func (m Matrix) Size() int { return len(m.DistM) }

type MatrixOptions struct {
	DepartAt time.Time
	Traffic  bool
}

type Provider interface {
	Geocode(ctx context.Context, address string) (model.GeoPoint, error)
	Matrix(ctx context.Context, points []model.GeoPoint, opts MatrixOptions) (Matrix, error)
}

var ErrNoGeocoder = errors.New("geocoding not supported by provider")

// TrafficFactor is the congestion multiplier applied to durations departing
// at t: morning and evening peaks are slower.
func TrafficFactor(t time.Time) float64 {
	if t.IsZero() {
		return 1.0
	}
	h := t.Hour()
	switch {
	case h >= 7 && h < 9:
		return 1.3
	case h >= 16 && h < 18:
		return 1.3
	}
	return 1.0
}

func applyTraffic(m *Matrix, factor float64) {
	if factor == 1.0 {
		m.TrafficApplied = true
		return
	}
	for i := range m.DurMin {
		for j := range m.DurMin[i] {
			m.DurMin[i][j] *= factor
		}
	}
	m.TrafficApplied = true
}

func newSquare(n int) [][]float64 {
	out := make([][]float64, n)
	for i := range out {
		out[i] = make([]float64, n)
	}
	return out
}
