package weather

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"fieldroute/internal/apperr"
	"fieldroute/internal/httpx"
	"fieldroute/internal/model"
	"fieldroute/internal/store"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	fail  bool
	byLat map[float64]Forecast
}

func (f *fakeProvider) Forecast(ctx context.Context, lat, lng float64, date string) (Forecast, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fail {
		return Forecast{}, errors.New("provider down")
	}
	fc, ok := f.byLat[lat]
	if !ok {
		fc = Forecast{Conditions: "clear"}
	}
	fc.Lat, fc.Lng, fc.Date = lat, lng, date
	return fc, nil
}

type fakeRegistry struct {
	tasks []model.Task
	teams []model.Team
}

func (r *fakeRegistry) GetTasks(ctx context.Context, businessID string, f store.TaskFilter) ([]model.Task, error) {
	var out []model.Task
	for _, t := range r.tasks {
		if t.BusinessID != businessID {
			continue
		}
		for _, id := range f.IDs {
			if id == t.ID {
				out = append(out, t)
			}
		}
	}
	return out, nil
}

func (r *fakeRegistry) GetTeams(ctx context.Context, businessID string, ids []string) ([]model.Team, error) {
	var out []model.Team
	for _, t := range r.teams {
		if t.BusinessID == businessID {
			out = append(out, t)
		}
	}
	return out, nil
}

var fixedNow = time.Date(2025, 3, 10, 9, 0, 0, 0, time.UTC)

func newTestService(p Provider, r Registry) *Service {
	s := NewService(p, nil, r)
	s.SetClock(func() time.Time { return fixedNow })
	return s
}

func TestClassify(t *testing.T) {
	c := NewClassifier(DefaultThresholds())

	imp := c.Classify(Forecast{Conditions: "clear"})
	require.Equal(t, SeverityNone, imp.Severity)
	require.Zero(t, imp.DelayMin)
	require.Empty(t, imp.Hazards)

	imp = c.Classify(Forecast{PrecipitationMM: 30, WindKph: 35, Conditions: "heavy rain"})
	require.Equal(t, SeverityHigh, imp.Severity)
	require.Equal(t, 20, imp.DelayMin)
	require.Equal(t, []string{TypeRain, TypeWind}, imp.Types())
	require.NotEmpty(t, imp.Safety)

	imp = c.Classify(Forecast{TempMinC: -25})
	require.Equal(t, SeverityHigh, imp.Severity)
	require.Equal(t, []string{TypeCold}, imp.Types())

	imp = c.Classify(Forecast{Code: 99})
	require.Equal(t, SeveritySevere, imp.Severity)
}

func TestLoadThresholdsOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "thresholds.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rainMm:\n  low: 1\n  moderate: 5\n  high: 10\n  severe: 20\ndelayMin:\n  high: 45\n"), 0o600))

	th, err := LoadThresholds(path)
	require.NoError(t, err)
	require.Equal(t, 5.0, th.RainMM.Moderate)
	require.Equal(t, 45, th.DelayMin[SeverityHigh])
	require.Equal(t, 10, th.DelayMin[SeverityModerate])
	require.Equal(t, DefaultThresholds().SnowCM, th.SnowCM)

	_, err = LoadThresholds(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestWeatherImpactRejectsFarFutureDate(t *testing.T) {
	s := newTestService(&fakeProvider{}, &fakeRegistry{})

	_, err := s.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 40, Lng: -74}, "2025-03-20")
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))
	require.Contains(t, err.Error(), "more than 7 days in the future")

	imp, err := s.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 40, Lng: -74}, "2025-03-17")
	require.NoError(t, err)
	require.Equal(t, "2025-03-17", imp.Date)

	imp, err = s.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 40, Lng: -74}, "")
	require.NoError(t, err)
	require.Equal(t, "2025-03-10", imp.Date)
}

func TestWeatherImpactValidation(t *testing.T) {
	s := newTestService(&fakeProvider{}, &fakeRegistry{})
	_, err := s.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 95, Lng: 0}, "")
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	_, err = s.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 1, Lng: 1}, "10/03/2025")
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	down := newTestService(&fakeProvider{fail: true}, &fakeRegistry{})
	_, err = down.GetWeatherImpact(context.Background(), "b1", model.GeoPoint{Lat: 1, Lng: 1}, "")
	require.True(t, errors.Is(err, apperr.ErrDependencyUnavailable))
}

func TestAdjustRouteForWeatherIsIdempotent(t *testing.T) {
	p := &fakeProvider{byLat: map[float64]Forecast{
		41: {PrecipitationMM: 12, Conditions: "rain"},
		42: {SnowfallCM: 6, Conditions: "heavy snow"},
	}}
	reg := &fakeRegistry{tasks: []model.Task{
		{ID: "t1", BusinessID: "b1"}, {ID: "t2", BusinessID: "b1"}, {ID: "t3", BusinessID: "b1"},
	}}
	s := newTestService(p, reg)
	req := AdjustRequest{
		TaskIDs:            []string{"t1", "t2", "t3"},
		Coordinates:        []model.GeoPoint{{Lat: 40, Lng: 1}, {Lat: 41, Lng: 1}, {Lat: 42, Lng: 1}},
		OriginalTimeMin:    120,
		OriginalDistanceKm: 30,
		Date:               "2025-03-11",
	}

	first, err := s.AdjustRouteForWeather(context.Background(), "b1", req)
	require.NoError(t, err)
	second, err := s.AdjustRouteForWeather(context.Background(), "b1", req)
	require.NoError(t, err)
	require.Equal(t, first, second)

	require.Equal(t, 30, first.TotalDelayMin)
	require.Equal(t, 150.0, first.AdjustedTimeMin)
	require.Equal(t, SeverityHigh, first.MaxSeverity)
	require.Equal(t, []int{0, 10, 30}, []int{first.Stops[0].CumulativeDelayMin, first.Stops[1].CumulativeDelayMin, first.Stops[2].CumulativeDelayMin})
	require.Equal(t, "t2", first.Stops[1].TaskID)
	require.False(t, first.Degraded)
}

func TestAdjustRouteForWeatherValidation(t *testing.T) {
	reg := &fakeRegistry{tasks: []model.Task{{ID: "t1", BusinessID: "b1"}}}
	s := newTestService(&fakeProvider{}, reg)

	_, err := s.AdjustRouteForWeather(context.Background(), "b1", AdjustRequest{})
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	_, err = s.AdjustRouteForWeather(context.Background(), "b1", AdjustRequest{
		TaskIDs:     []string{"t1", "t2"},
		Coordinates: []model.GeoPoint{{Lat: 1, Lng: 1}},
	})
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))

	_, err = s.AdjustRouteForWeather(context.Background(), "b2", AdjustRequest{
		TaskIDs:     []string{"t1"},
		Coordinates: []model.GeoPoint{{Lat: 1, Lng: 1}},
	})
	require.True(t, errors.Is(err, apperr.ErrNotFound))
}

func TestAdjustDegradesUnlessRequired(t *testing.T) {
	s := newTestService(&fakeProvider{fail: true}, &fakeRegistry{})
	req := AdjustRequest{Coordinates: []model.GeoPoint{{Lat: 1, Lng: 1}}, OriginalTimeMin: 60}

	out, err := s.AdjustRouteForWeather(context.Background(), "b1", req)
	require.NoError(t, err)
	require.True(t, out.Degraded)
	require.Zero(t, out.TotalDelayMin)
	require.NotEmpty(t, out.Warnings)

	s.Required = true
	_, err = s.AdjustRouteForWeather(context.Background(), "b1", req)
	require.True(t, errors.Is(err, apperr.ErrDependencyUnavailable))
}

func TestWeatherAlerts(t *testing.T) {
	p := &fakeProvider{byLat: map[float64]Forecast{
		10: {WindKph: 70, PrecipitationMM: 3},
		20: {SnowfallCM: 20},
	}}
	reg := &fakeRegistry{teams: []model.Team{
		{ID: "a", BusinessID: "b1", IsAvailableForRouting: true, ServiceAreas: []model.ServiceArea{
			{ID: "north", Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 10, Lng: 10}, RadiusM: 5000},
		}},
		{ID: "b", BusinessID: "b1", IsAvailableForRouting: true, ServiceAreas: []model.ServiceArea{
			{ID: "north", Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 10, Lng: 10}, RadiusM: 5000},
			{ID: "hills", Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 20, Lng: 20}, RadiusM: 5000},
		}},
		{ID: "c", BusinessID: "b1", IsAvailableForRouting: false, ServiceAreas: []model.ServiceArea{
			{ID: "south", Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 30, Lng: 30}, RadiusM: 5000},
		}},
	}}
	s := newTestService(p, reg)

	alerts, err := s.GetWeatherAlerts(context.Background(), "b1", AlertFilter{})
	require.NoError(t, err)
	require.Len(t, alerts, 2)
	require.Equal(t, SeveritySevere, alerts[0].Severity)
	require.Equal(t, TypeSnow, alerts[0].Type)
	require.Equal(t, TypeWind, alerts[1].Type)
	require.Equal(t, []string{"a", "b"}, alerts[1].TeamIDs)
	// two unique sites, the unavailable team's area is skipped
	require.Equal(t, 2, p.calls)

	alerts, err = s.GetWeatherAlerts(context.Background(), "b1", AlertFilter{Severity: SeverityLow, Type: TypeRain})
	require.NoError(t, err)
	require.Len(t, alerts, 1)
	require.Equal(t, SeverityLow, alerts[0].Severity)

	_, err = s.GetWeatherAlerts(context.Background(), "b1", AlertFilter{Type: "hail"})
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))
	_, err = s.GetWeatherAlerts(context.Background(), "b1", AlertFilter{Severity: "extreme"})
	require.True(t, errors.Is(err, apperr.ErrInvalidRequest))
}

func TestOpenMeteoClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/forecast", r.URL.Path)
		require.Equal(t, "2025-03-11", r.URL.Query().Get("start_date"))
		_, _ = w.Write([]byte(`{"daily":{"time":["2025-03-11"],"weather_code":[65],"temperature_2m_max":[12.5],"temperature_2m_min":[3.1],"precipitation_sum":[28.4],"snowfall_sum":[0],"wind_speed_10m_max":[22]}}`))
	}))
	defer srv.Close()

	c := NewOpenMeteoClient(srv.URL, httpx.NewClient(time.Second, 0, 0))
	f, err := c.Forecast(context.Background(), 40.1, -74.2, "2025-03-11")
	require.NoError(t, err)
	require.Equal(t, "heavy rain", f.Conditions)
	require.Equal(t, 28.4, f.PrecipitationMM)
	require.Equal(t, 3.1, f.TempMinC)
}

func TestCachedProviderRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	inner := &fakeProvider{}
	p := NewCachedProvider(inner, NewRedisCache(rdb))
	_, err := p.Forecast(context.Background(), 40.123, -74.0, "2025-03-11")
	require.NoError(t, err)
	_, err = p.Forecast(context.Background(), 40.123, -74.0, "2025-03-11")
	require.NoError(t, err)
	require.Equal(t, 1, inner.calls)
	require.Equal(t, ForecastCacheTTL, mr.TTL("weather:forecast:40.12:-74.00:2025-03-11"))

	mr.FastForward(ForecastCacheTTL + time.Second)
	_, err = p.Forecast(context.Background(), 40.123, -74.0, "2025-03-11")
	require.NoError(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestMemoryCacheExpires(t *testing.T) {
	c := NewMemoryCache()
	now := fixedNow
	c.now = func() time.Time { return now }
	require.NoError(t, c.Set(context.Background(), Forecast{Lat: 1, Lng: 2, Date: "2025-03-10"}))
	_, ok, _ := c.Get(context.Background(), 1, 2, "2025-03-10")
	require.True(t, ok)
	now = now.Add(ForecastCacheTTL + time.Minute)
	_, ok, _ = c.Get(context.Background(), 1, 2, "2025-03-10")
	require.False(t, ok)
}

type recordingEmitter struct {
	events []string
}

func (r *recordingEmitter) Emit(ctx context.Context, businessID, eventType string, data any) {
	r.events = append(r.events, businessID+":"+eventType)
}

type staticBusinesses []string

func (s staticBusinesses) ListBusinessIDs(ctx context.Context) ([]string, error) { return s, nil }

func TestSchedulerRefreshEmitsAlerts(t *testing.T) {
	p := &fakeProvider{byLat: map[float64]Forecast{10: {WindKph: 95}}}
	reg := &fakeRegistry{teams: []model.Team{{ID: "a", BusinessID: "b1", IsAvailableForRouting: true, ServiceAreas: []model.ServiceArea{
		{ID: "x", Type: model.AreaCircle, Center: &model.GeoPoint{Lat: 10, Lng: 10}, RadiusM: 1000},
	}}}}
	em := &recordingEmitter{}
	sch := NewScheduler("", newTestService(p, reg), staticBusinesses{"b1", "b2"}, em)

	require.NoError(t, sch.Refresh(context.Background()))
	require.Equal(t, []string{"b1:weather.alert"}, em.events)
}
