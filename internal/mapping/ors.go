package mapping

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"fieldroute/internal/httpx"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

// ORSProvider talks to OpenRouteService for geocoding and matrices.
type ORSProvider struct {
	baseURL string
	apiKey  string
	profile string
	client  *httpx.Client
}

func NewORS(baseURL, apiKey string, client *httpx.Client) *ORSProvider {
	return &ORSProvider{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		profile: "driving-car",
		client:  client,
	}
}

func (o *ORSProvider) newRequest(ctx context.Context, method, url string, body []byte) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, r)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", o.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

type geocodeResponse struct {
	Features []struct {
		Geometry struct {
			Coordinates []float64 `json:"coordinates"`
		} `json:"geometry"`
	} `json:"features"`
}

func (o *ORSProvider) Geocode(ctx context.Context, address string) (_ model.GeoPoint, err error) {
	defer obs.Time(ctx, "ors.geocode")(&err)

	endpoint := o.baseURL + "/geocode/search"
	norm := strings.Join(strings.Fields(address), " ")
	var decoded geocodeResponse
	err = o.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := o.newRequest(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return nil, err
		}
		q := req.URL.Query()
		q.Set("text", norm)
		q.Set("size", "1")
		req.URL.RawQuery = q.Encode()
		return req, nil
	}, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&decoded)
	})
	if err != nil {
		return model.GeoPoint{}, fmt.Errorf("geocode request: %w", err)
	}
	if len(decoded.Features) == 0 || len(decoded.Features[0].Geometry.Coordinates) < 2 {
		return model.GeoPoint{}, fmt.Errorf("no geocode results")
	}
	c := decoded.Features[0].Geometry.Coordinates
	// GeoJSON order is lng, lat
	return model.GeoPoint{Lat: c[1], Lng: c[0]}, nil
}

type matrixRequest struct {
	Locations [][]float64 `json:"locations"`
	Metrics   []string    `json:"metrics"`
}

type matrixResponse struct {
	Distances [][]*float64 `json:"distances"`
	Durations [][]*float64 `json:"durations"`
}

func (o *ORSProvider) Matrix(ctx context.Context, points []model.GeoPoint, opts MatrixOptions) (_ Matrix, err error) {
	defer obs.Time(ctx, "ors.matrix")(&err)

	n := len(points)
	if n == 0 {
		return Matrix{Source: "ors"}, nil
	}
	locations := make([][]float64, 0, n)
	for _, p := range points {
		locations = append(locations, []float64{p.Lng, p.Lat})
	}
	payload, err := json.Marshal(matrixRequest{Locations: locations, Metrics: []string{"distance", "duration"}})
	if err != nil {
		return Matrix{}, fmt.Errorf("marshal matrix request: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/matrix/%s", o.baseURL, o.profile)
	var mr matrixResponse
	err = o.client.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		return o.newRequest(ctx, http.MethodPost, endpoint, payload)
	}, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&mr)
	})
	if err != nil {
		return Matrix{}, fmt.Errorf("matrix request: %w", err)
	}
	if len(mr.Distances) != n || len(mr.Durations) != n {
		return Matrix{}, fmt.Errorf("matrix shape mismatch: distances=%d durations=%d points=%d", len(mr.Distances), len(mr.Durations), n)
	}

	m := Matrix{DistM: newSquare(n), DurMin: newSquare(n), Source: "ors"}
	for i := 0; i < n; i++ {
		if len(mr.Distances[i]) != n || len(mr.Durations[i]) != n {
			return Matrix{}, fmt.Errorf("matrix row %d has wrong length", i)
		}
		for j := 0; j < n; j++ {
			d, s := mr.Distances[i][j], mr.Durations[i][j]
			if d == nil || s == nil {
				return Matrix{}, fmt.Errorf("matrix has no route between points %d and %d", i, j)
			}
			m.DistM[i][j] = *d
			m.DurMin[i][j] = *s / 60
		}
	}
	if opts.Traffic {
		applyTraffic(&m, TrafficFactor(opts.DepartAt))
	}
	return m, nil
}
