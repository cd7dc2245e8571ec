package weather

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const DefaultRefreshSpec = "*/15 * * * *"

// BusinessLister enumerates the businesses with teams.
type BusinessLister interface {
	ListBusinessIDs(ctx context.Context) ([]string, error)
}

// Emitter publishes events to subscribers.
type Emitter interface {
	Emit(ctx context.Context, businessID, eventType string, data any)
}

// Scheduler periodically prefetches forecasts for every business's service
// areas, which warms the cache, and emits weather.alert events.
type Scheduler struct {
	cron       *cron.Cron
	spec       string
	service    *Service
	businesses BusinessLister
	emitter    Emitter
}

func NewScheduler(spec string, svc *Service, businesses BusinessLister, emitter Emitter) *Scheduler {
	if spec == "" {
		spec = DefaultRefreshSpec
	}
	return &Scheduler{
		cron:       cron.New(),
		spec:       spec,
		service:    svc,
		businesses: businesses,
		emitter:    emitter,
	}
}

// Start registers the refresh job and runs it once immediately.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.spec, s.run); err != nil {
		return err
	}
	s.cron.Start()
	log.Info().Str("spec", s.spec).Msg("weather scheduler started")
	go s.run()
	return nil
}

// Stop halts the scheduler and waits for a running job to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	log.Info().Msg("weather scheduler stopped")
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := s.Refresh(ctx); err != nil {
		log.Error().Err(err).Msg("weather refresh failed")
	}
}

// Refresh fetches alerts for all businesses. Failures for one business are
// logged and do not stop the others.
func (s *Scheduler) Refresh(ctx context.Context) error {
	ids, err := s.businesses.ListBusinessIDs(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		log.Debug().Msg("no businesses to refresh weather for")
		return nil
	}
	for _, id := range ids {
		alerts, err := s.service.GetWeatherAlerts(ctx, id, AlertFilter{Severity: SeverityHigh})
		if err != nil {
			log.Error().Err(err).Str("business_id", id).Msg("weather alerts refresh failed")
			continue
		}
		for _, a := range alerts {
			if s.emitter != nil {
				s.emitter.Emit(ctx, id, "weather.alert", a)
			}
		}
		log.Info().Str("business_id", id).Int("alerts", len(alerts)).Msg("weather refreshed")
	}
	return nil
}
