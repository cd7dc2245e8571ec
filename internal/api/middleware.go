package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"fieldroute/internal/apperr"
	"fieldroute/internal/metrics"
	"fieldroute/internal/obs"
)

const headerRequestID = "X-Request-Id"

func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(headerRequestID)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(headerRequestID, id)
		next.ServeHTTP(w, r.WithContext(obs.WithRequestID(r.Context(), id)))
	})
}

// statusRecorder captures the status code while still exposing the
// streaming interfaces SSE and WebSocket handlers rely on.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (rec *statusRecorder) WriteHeader(code int) {
	if rec.status == 0 {
		rec.status = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *statusRecorder) Write(b []byte) (int, error) {
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *statusRecorder) Flush() {
	if f, ok := rec.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rec *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := rec.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	if rec.status == 0 {
		rec.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (rec *statusRecorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		dur := time.Since(start)
		path := metricPath(r.URL.Path)
		code := strconv.Itoa(rec.status)
		metrics.HTTPRequests.WithLabelValues(r.Method, path, code).Inc()
		metrics.HTTPDuration.WithLabelValues(r.Method, path, code).Observe(dur.Seconds())

		ev := log.Info()
		if rec.status >= 500 {
			ev = log.Error()
		}
		ev.Str("req_id", obs.RequestID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Int64("dur_ms", dur.Milliseconds()).
			Str("business_id", businessID(r)).
			Msg("http request")
	})
}

// idParents are path segments followed by a resource id.
var idParents = map[string]bool{
	"routes": true, "optimizations": true, "subscriptions": true,
	"webhook-deliveries": true, "webhook-dlq": true,
}

var fixedChildren = map[string]bool{"stats": true, "metrics": true, "validate": true}

// metricPath collapses resource ids so metric labels stay bounded.
func metricPath(p string) string {
	parts := strings.Split(p, "/")
	for i := 1; i < len(parts); i++ {
		if idParents[parts[i-1]] && parts[i] != "" && !fixedChildren[parts[i]] {
			parts[i] = "{id}"
		}
	}
	return strings.Join(parts, "/")
}

// businessLimiter rate limits API calls per business.
type businessLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	m     map[string]*rate.Limiter
}

func newBusinessLimiter(rps float64, burst int) *businessLimiter {
	if rps <= 0 {
		return nil
	}
	if burst < 1 {
		burst = int(rps)
		if burst < 1 {
			burst = 1
		}
	}
	return &businessLimiter{rps: rate.Limit(rps), burst: burst, m: map[string]*rate.Limiter{}}
}

func (l *businessLimiter) allow(businessID string) bool {
	if l == nil {
		return true
	}
	l.mu.Lock()
	lim := l.m[businessID]
	if lim == nil {
		lim = rate.NewLimiter(l.rps, l.burst)
		l.m[businessID] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}

// rateLimit requires a business on every /v1 call and applies its quota.
func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/v1/") {
			next.ServeHTTP(w, r)
			return
		}
		biz := businessID(r)
		if biz == "" {
			writeProblem(w, http.StatusBadRequest, apperr.KindInvalidRequest, "Missing business", headerBusinessID+" header is required", r.URL.Path)
			return
		}
		if !s.limits.allow(biz) {
			w.Header().Set("Retry-After", "1")
			writeProblem(w, http.StatusTooManyRequests, apperr.KindInvalidRequest, "Too many requests", "rate limit exceeded", r.URL.Path)
			return
		}
		next.ServeHTTP(w, r)
	})
}
