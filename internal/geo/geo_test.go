package geo

import (
	"testing"

	"github.com/stretchr/testify/require"

	"fieldroute/internal/model"
)

func TestHaversineKnownDistance(t *testing.T) {
	// one degree of latitude is ~111.19 km
	d := HaversineMeters(0, 0, 1, 0)
	require.InDelta(t, 111195, d, 50)
	require.Zero(t, HaversineMeters(40.7, -74, 40.7, -74))
}

func TestInAreaCircle(t *testing.T) {
	area := model.ServiceArea{Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 40.0, Lng: -75.0}, RadiusM: 5000}
	require.True(t, InArea(area, model.GeoPoint{Lat: 40.01, Lng: -75.0}))
	require.False(t, InArea(area, model.GeoPoint{Lat: 40.2, Lng: -75.0}))
}

func TestInAreaPolygon(t *testing.T) {
	square := model.ServiceArea{Type: model.AreaPolygon, Polygon: []model.GeoPoint{
		{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}, {Lat: 1, Lng: 1}, {Lat: 1, Lng: 0},
	}}
	require.True(t, InArea(square, model.GeoPoint{Lat: 0.5, Lng: 0.5}))
	require.False(t, InArea(square, model.GeoPoint{Lat: 1.5, Lng: 0.5}))
	require.False(t, InArea(model.ServiceArea{Type: model.AreaPolygon, Polygon: square.Polygon[:2]}, model.GeoPoint{Lat: 0.5, Lng: 0.5}))
}

func TestInAnyAreaEmptyIsUnrestricted(t *testing.T) {
	require.True(t, InAnyArea(nil, model.GeoPoint{Lat: 10, Lng: 10}))
}

func TestAnchor(t *testing.T) {
	p, ok := Anchor(model.ServiceArea{Type: model.AreaPolygon, Polygon: []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 2, Lng: 0}, {Lat: 2, Lng: 2}, {Lat: 0, Lng: 2}}})
	require.True(t, ok)
	require.Equal(t, model.GeoPoint{Lat: 1, Lng: 1}, p)
	_, ok = Anchor(model.ServiceArea{Type: model.AreaCircle})
	require.False(t, ok)
}

func TestValidPoint(t *testing.T) {
	require.True(t, ValidPoint(model.GeoPoint{Lat: 45, Lng: 170}))
	require.False(t, ValidPoint(model.GeoPoint{Lat: 95, Lng: 0}))
	require.False(t, ValidPoint(model.GeoPoint{Lat: 0, Lng: -181}))
}
