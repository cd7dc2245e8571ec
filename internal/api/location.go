package api

import (
	"sort"
	"strings"
	"sync"
)

// LatestLocation is the last position a team reported while working a route.
type LatestLocation struct {
	BusinessID string  `json:"businessId"`
	RouteID    string  `json:"routeId"`
	TeamID     string  `json:"teamId"`
	Lat        float64 `json:"lat"`
	Lng        float64 `json:"lng"`
	AccuracyM  float64 `json:"accuracy,omitempty"`
	TS         string  `json:"ts"`
}

// LocationCache keeps the latest location per business, route and team.
type LocationCache struct {
	mu sync.Mutex
	// key: business|routeId|teamId
	m map[string]LatestLocation
}

func NewLocationCache() *LocationCache { return &LocationCache{m: map[string]LatestLocation{}} }

func locationKey(businessID, routeID, teamID string) string {
	return businessID + "|" + routeID + "|" + teamID
}

// Upsert replaces the stored location. Entries missing an id are ignored.
func (c *LocationCache) Upsert(l LatestLocation) {
	if l.BusinessID == "" || l.RouteID == "" || l.TeamID == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[locationKey(l.BusinessID, l.RouteID, l.TeamID)] = l
}

// ListByRoute returns the route's latest locations ordered by team.
func (c *LocationCache) ListByRoute(businessID, routeID string) []LatestLocation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := []LatestLocation{}
	prefix := businessID + "|" + routeID + "|"
	for k, v := range c.m {
		if strings.HasPrefix(k, prefix) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TeamID < out[j].TeamID })
	return out
}
