// Package weather fetches daily forecasts, classifies their impact on field
// work and adjusts routes and alerts accordingly.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"fieldroute/internal/httpx"
	"fieldroute/internal/obs"
)

// Forecast is one day of weather at a point.
type Forecast struct {
	Date            string  `json:"date"`
	Lat             float64 `json:"lat"`
	Lng             float64 `json:"lng"`
	Code            int     `json:"code"`
	Conditions      string  `json:"conditions"`
	PrecipitationMM float64 `json:"precipitationMm"`
	SnowfallCM      float64 `json:"snowfallCm"`
	WindKph         float64 `json:"windKph"`
	TempMinC        float64 `json:"tempMinC"`
	TempMaxC        float64 `json:"tempMaxC"`
}

type Provider interface {
	Forecast(ctx context.Context, lat, lng float64, date string) (Forecast, error)
}

// OpenMeteoClient reads the daily forecast endpoint of Open-Meteo.
type OpenMeteoClient struct {
	baseURL string
	client  *httpx.Client
}

func NewOpenMeteoClient(baseURL string, client *httpx.Client) *OpenMeteoClient {
	if baseURL == "" {
		baseURL = "https://api.open-meteo.com"
	}
	return &OpenMeteoClient{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

type dailyResponse struct {
	Daily struct {
		Time          []string  `json:"time"`
		WeatherCode   []int     `json:"weather_code"`
		TempMax       []float64 `json:"temperature_2m_max"`
		TempMin       []float64 `json:"temperature_2m_min"`
		Precipitation []float64 `json:"precipitation_sum"`
		Snowfall      []float64 `json:"snowfall_sum"`
		WindMax       []float64 `json:"wind_speed_10m_max"`
	} `json:"daily"`
}

func (c *OpenMeteoClient) Forecast(ctx context.Context, lat, lng float64, date string) (_ Forecast, err error) {
	defer obs.Time(ctx, "weather.forecast")(&err)

	var dr dailyResponse
	err = c.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/forecast", nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("latitude", strconv.FormatFloat(lat, 'f', 4, 64))
		q.Set("longitude", strconv.FormatFloat(lng, 'f', 4, 64))
		q.Set("daily", "weather_code,temperature_2m_max,temperature_2m_min,precipitation_sum,snowfall_sum,wind_speed_10m_max")
		q.Set("timezone", "UTC")
		q.Set("start_date", date)
		q.Set("end_date", date)
		req.URL.RawQuery = q.Encode()
		req.Header.Set("Accept", "application/json")
		return req, nil
	}, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&dr)
	})
	if err != nil {
		return Forecast{}, fmt.Errorf("forecast request: %w", err)
	}

	d := dr.Daily
	idx := -1
	for i, t := range d.Time {
		if t == date {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Forecast{}, fmt.Errorf("forecast has no entry for %s", date)
	}
	f := Forecast{Date: date, Lat: lat, Lng: lng}
	f.Code = at(d.WeatherCode, idx)
	f.TempMaxC = at(d.TempMax, idx)
	f.TempMinC = at(d.TempMin, idx)
	f.PrecipitationMM = at(d.Precipitation, idx)
	f.SnowfallCM = at(d.Snowfall, idx)
	f.WindKph = at(d.WindMax, idx)
	f.Conditions = DescribeCode(f.Code)
	return f, nil
}

func at[T any](xs []T, i int) T {
	var zero T
	if i < 0 || i >= len(xs) {
		return zero
	}
	return xs[i]
}

// DescribeCode maps a WMO weather code to a short condition text.
func DescribeCode(code int) string {
	switch {
	case code == 0:
		return "clear"
	case code <= 3:
		return "cloudy"
	case code == 45 || code == 48:
		return "fog"
	case code >= 51 && code <= 57:
		return "drizzle"
	case code == 65 || code == 67 || code == 82:
		return "heavy rain"
	case code >= 61 && code <= 67, code >= 80 && code <= 81:
		return "rain"
	case code == 75 || code == 86:
		return "heavy snow"
	case code >= 71 && code <= 77, code == 85:
		return "snow"
	case code >= 95:
		return "thunderstorm"
	}
	return "unknown"
}
