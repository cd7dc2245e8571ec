package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog/log"

	"fieldroute/internal/apperr"
	"fieldroute/internal/model"
	"fieldroute/internal/obs"
)

// maxBody bounds JSON and CSV request bodies.
const maxBody = 4 << 20

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type       string            `json:"type"`
	Title      string            `json:"title"`
	Status     int               `json:"status"`
	Code       string            `json:"code"`
	Detail     string            `json:"detail,omitempty"`
	Instance   string            `json:"instance,omitempty"`
	Violations []model.Violation `json:"violations,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, code apperr.Kind, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Code:     string(code),
		Detail:   detail,
		Instance: instance,
	})
}

var kindStatus = map[apperr.Kind]struct {
	status int
	title  string
}{
	apperr.KindInvalidRequest:        {http.StatusBadRequest, "Invalid request"},
	apperr.KindNotFound:              {http.StatusNotFound, "Not found"},
	apperr.KindInvalidTransition:     {http.StatusConflict, "Invalid transition"},
	apperr.KindConcurrencyConflict:   {http.StatusConflict, "Concurrent modification"},
	apperr.KindConstraintViolation:   {http.StatusUnprocessableEntity, "Constraint violation"},
	apperr.KindDependencyUnavailable: {http.StatusServiceUnavailable, "Dependency unavailable"},
	apperr.KindProviderFailure:       {http.StatusBadGateway, "Provider failure"},
}

// writeError renders err as a problem. Internal failures are logged and
// reported without detail.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	m, ok := kindStatus[kind]
	if !ok {
		log.Error().Str("req_id", obs.RequestID(r.Context())).Str("path", r.URL.Path).Err(err).Msg("request failed")
		writeProblem(w, http.StatusInternalServerError, apperr.KindInternal, "Internal error", "", r.URL.Path)
		return
	}
	detail := err.Error()
	if kind == apperr.KindDependencyUnavailable || kind == apperr.KindProviderFailure {
		log.Warn().Str("req_id", obs.RequestID(r.Context())).Str("path", r.URL.Path).Err(err).Msg("dependency failure")
		var e *apperr.Error
		if errors.As(err, &e) && e.Msg != "" {
			detail = e.Msg
		}
	}
	p := Problem{
		Type:       "about:blank",
		Title:      m.title,
		Status:     m.status,
		Code:       string(kind),
		Detail:     detail,
		Instance:   r.URL.Path,
		Violations: apperr.ViolationsOf(err),
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(m.status)
	_ = json.NewEncoder(w).Encode(p)
}

// decodeJSON reads a bounded JSON body into v and validates it.
func (s *Server) decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.Invalid("request body is required")
		}
		return apperr.Invalid("invalid JSON: %v", err)
	}
	return s.validateStruct(v)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed string) {
	w.Header().Set("Allow", allowed)
	writeProblem(w, http.StatusMethodNotAllowed, apperr.KindInvalidRequest, "Method not allowed", fmt.Sprintf("%s not allowed", r.Method), r.URL.Path)
}
