package obs

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type ctxKey string

const RequestIDKey ctxKey = "req_id"

// WithRequestID stores the request id used to correlate log lines.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, RequestIDKey, id)
}

// RequestID returns the id stored by WithRequestID, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(RequestIDKey).(string)
	return id
}

// Setup configures the global zerolog logger. Development gets the
// console writer; everything else logs JSON to stderr.
func Setup(environment, level string) {
	setup(os.Stderr, environment, level)
}

func setup(w io.Writer, environment, level string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	if environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: w})
		return
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
}

// Time logs the duration of an operation. Use as
//
//	defer obs.Time(ctx, "weather.forecast")(&err)
func Time(ctx context.Context, name string) func(errp *error) {
	start := time.Now()
	reqID := RequestID(ctx)

	return func(errp *error) {
		dur := time.Since(start)
		if errp != nil && *errp != nil {
			log.Warn().Str("req_id", reqID).Str("op", name).Int64("dur_ms", dur.Milliseconds()).Err(*errp).Msg("operation failed")
			return
		}
		log.Debug().Str("req_id", reqID).Str("op", name).Int64("dur_ms", dur.Milliseconds()).Msg("operation done")
	}
}
