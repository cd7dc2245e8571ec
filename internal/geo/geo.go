// Package geo holds the spherical distance and service-area helpers shared
// by the planner, the fallback distance provider and weather alerting.
package geo

import (
	"math"

	"fieldroute/internal/model"
)

const earthRadiusM = 6371000.0

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusM * c
}

// DistanceKm is HaversineMeters between two points, in kilometres.
func DistanceKm(a, b model.GeoPoint) float64 {
	return HaversineMeters(a.Lat, a.Lng, b.Lat, b.Lng) / 1000
}

// ValidPoint reports whether p is a usable WGS84 coordinate.
func ValidPoint(p model.GeoPoint) bool {
	if math.IsNaN(p.Lat) || math.IsNaN(p.Lng) {
		return false
	}
	return p.Lat >= -90 && p.Lat <= 90 && p.Lng >= -180 && p.Lng <= 180
}

// InArea reports whether p lies inside the service area. Areas with a
// missing centre or fewer than three polygon vertices contain nothing.
func InArea(area model.ServiceArea, p model.GeoPoint) bool {
	switch area.Type {
	case model.AreaCircle:
		if area.Center == nil || area.RadiusM <= 0 {
			return false
		}
		return HaversineMeters(area.Center.Lat, area.Center.Lng, p.Lat, p.Lng) <= area.RadiusM
	case model.AreaPolygon:
		return inPolygon(area.Polygon, p)
	}
	return false
}

// InAnyArea reports whether p lies in one of the areas. An empty list
// places no restriction.
func InAnyArea(areas []model.ServiceArea, p model.GeoPoint) bool {
	if len(areas) == 0 {
		return true
	}
	for _, a := range areas {
		if InArea(a, p) {
			return true
		}
	}
	return false
}

// ray casting on lat/lng treated as planar; fine at service-area scale
func inPolygon(poly []model.GeoPoint, p model.GeoPoint) bool {
	if len(poly) < 3 {
		return false
	}
	inside := false
	j := len(poly) - 1
	for i := 0; i < len(poly); i++ {
		yi, xi := poly[i].Lat, poly[i].Lng
		yj, xj := poly[j].Lat, poly[j].Lng
		if (yi > p.Lat) != (yj > p.Lat) {
			x := (xj-xi)*(p.Lat-yi)/(yj-yi) + xi
			if p.Lng < x {
				inside = !inside
			}
		}
		j = i
	}
	return inside
}

// Anchor returns a representative point of the area: the centre of a
// circle or the vertex centroid of a polygon.
func Anchor(area model.ServiceArea) (model.GeoPoint, bool) {
	switch area.Type {
	case model.AreaCircle:
		if area.Center == nil {
			return model.GeoPoint{}, false
		}
		return *area.Center, true
	case model.AreaPolygon:
		if len(area.Polygon) == 0 {
			return model.GeoPoint{}, false
		}
		var lat, lng float64
		for _, v := range area.Polygon {
			lat += v.Lat
			lng += v.Lng
		}
		n := float64(len(area.Polygon))
		return model.GeoPoint{Lat: lat / n, Lng: lng / n}, true
	}
	return model.GeoPoint{}, false
}

// Round returns p rounded to the given number of decimals; used to build
// cache keys that coalesce nearby coordinates.
func Round(p model.GeoPoint, decimals int) model.GeoPoint {
	f := math.Pow(10, float64(decimals))
	return model.GeoPoint{Lat: math.Round(p.Lat*f) / f, Lng: math.Round(p.Lng*f) / f}
}
