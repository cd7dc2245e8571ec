package mapping

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/apperr"
	"fieldroute/internal/httpx"
	"fieldroute/internal/model"
)

func fastClient() *httpx.Client {
	c := httpx.NewClient(time.Second, 1, 0)
	c.Backoff = time.Millisecond
	return c
}

func TestTrafficFactor(t *testing.T) {
	day := time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
	require.Equal(t, 1.3, TrafficFactor(day.Add(7*time.Hour+30*time.Minute)))
	require.Equal(t, 1.3, TrafficFactor(day.Add(17*time.Hour)))
	require.Equal(t, 1.0, TrafficFactor(day.Add(9*time.Hour)))
	require.Equal(t, 1.0, TrafficFactor(day.Add(12*time.Hour)))
	require.Equal(t, 1.0, TrafficFactor(time.Time{}))
}

func TestHaversineMatrix(t *testing.T) {
	h := NewHaversine(60)
	pts := []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 1}}
	m, err := h.Matrix(context.Background(), pts, MatrixOptions{})
	require.NoError(t, err)
	require.Equal(t, 2, m.Size())
	require.Zero(t, m.DistM[0][0])
	require.InDelta(t, 111195, m.DistM[0][1], 100)
	require.Equal(t, m.DistM[0][1], m.DistM[1][0])
	// 111 km at 60 kph
	require.InDelta(t, 111.2, m.DurMin[0][1], 0.5)

	rush := time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)
	mt, err := h.Matrix(context.Background(), pts, MatrixOptions{Traffic: true, DepartAt: rush})
	require.NoError(t, err)
	require.True(t, mt.TrafficApplied)
	require.InDelta(t, m.DurMin[0][1]*1.3, mt.DurMin[0][1], 1e-9)
}

func TestORSGeocodeAndMatrix(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "secret", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/geocode/search":
			require.Equal(t, "1 Main St", r.URL.Query().Get("text"))
			_, _ = w.Write([]byte(`{"features":[{"geometry":{"coordinates":[-122.4,37.7]}}]}`))
		case "/v2/matrix/driving-car":
			var body matrixRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Equal(t, [][]float64{{-122.4, 37.7}, {-122.5, 37.8}}, body.Locations)
			_, _ = w.Write([]byte(`{"distances":[[0,1500],[1600,0]],"durations":[[0,120],[180,0]]}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	ors := NewORS(srv.URL+"/", "secret", fastClient())
	p, err := ors.Geocode(context.Background(), "  1   Main St ")
	require.NoError(t, err)
	require.Equal(t, model.GeoPoint{Lat: 37.7, Lng: -122.4}, p)

	m, err := ors.Matrix(context.Background(), []model.GeoPoint{{Lat: 37.7, Lng: -122.4}, {Lat: 37.8, Lng: -122.5}}, MatrixOptions{})
	require.NoError(t, err)
	require.Equal(t, 1500.0, m.DistM[0][1])
	require.Equal(t, 3.0, m.DurMin[1][0])
	require.Equal(t, "ors", m.Source)
}

func TestORSMatrixRejectsUnroutablePair(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"distances":[[0,null],[1,0]],"durations":[[0,1],[1,0]]}`))
	}))
	defer srv.Close()

	ors := NewORS(srv.URL, "k", fastClient())
	_, err := ors.Matrix(context.Background(), []model.GeoPoint{{Lat: 1, Lng: 1}, {Lat: 2, Lng: 2}}, MatrixOptions{})
	require.Error(t, err)
}

func TestResilientDegradesToHaversine(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	r := NewResilient(NewORS(srv.URL, "k", fastClient()), NewHaversine(40), false)
	pts := []model.GeoPoint{{Lat: 0, Lng: 0}, {Lat: 0, Lng: 0.1}}
	m, err := r.Matrix(context.Background(), pts, MatrixOptions{})
	require.NoError(t, err)
	require.True(t, m.Degraded)
	require.Equal(t, "haversine", m.Source)
	// one retry after the first attempt
	require.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestResilientRefusesFallbackWhenTrafficRequired(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := NewResilient(NewORS(srv.URL, "k", fastClient()), nil, true)
	_, err := r.Matrix(context.Background(), []model.GeoPoint{{Lat: 0, Lng: 0}}, MatrixOptions{Traffic: true})
	require.True(t, errors.Is(err, apperr.ErrDependencyUnavailable))

	// without a traffic request the fallback is still allowed
	m, err := r.Matrix(context.Background(), []model.GeoPoint{{Lat: 0, Lng: 0}}, MatrixOptions{})
	require.NoError(t, err)
	require.True(t, m.Degraded)
}

type countingGeocoder struct {
	HaversineProvider
	n int
}

func (c *countingGeocoder) Geocode(ctx context.Context, address string) (model.GeoPoint, error) {
	c.n++
	return model.GeoPoint{Lat: 10, Lng: 20}, nil
}

func TestCachedGeocoderRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	inner := &countingGeocoder{}
	g := NewCachedGeocoder(inner, NewRedisGeocodeCache(rdb))

	p1, err := g.Geocode(context.Background(), "12 Oak Ave")
	require.NoError(t, err)
	p2, err := g.Geocode(context.Background(), "12  oak ave")
	require.NoError(t, err)
	require.Equal(t, p1, p2)
	require.Equal(t, 1, inner.n)

	ttl := mr.TTL(geocodeKey("12 Oak Ave"))
	require.Equal(t, GeocodeCacheTTL, ttl)
}

func TestCachedGeocoderMemory(t *testing.T) {
	inner := &countingGeocoder{}
	g := NewCachedGeocoder(inner, NewMemoryGeocodeCache())
	for i := 0; i < 3; i++ {
		_, err := g.Geocode(context.Background(), "Depot")
		require.NoError(t, err)
	}
	require.Equal(t, 1, inner.n)
}
