// Command api runs the fieldroute HTTP service, its webhook worker and
// the weather refresh scheduler.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"fieldroute/internal/analytics"
	"fieldroute/internal/api"
	"fieldroute/internal/buildinfo"
	"fieldroute/internal/config"
	"fieldroute/internal/httpx"
	"fieldroute/internal/mapping"
	"fieldroute/internal/metrics"
	"fieldroute/internal/obs"
	"fieldroute/internal/routing"
	"fieldroute/internal/store"
	"fieldroute/internal/weather"
	"fieldroute/internal/webhooks"
)

func main() {
	configDir := flag.String("config", ".", "directory holding app.env")
	openAPI := flag.String("openapi", "openapi/openapi.yaml", "OpenAPI document served at /openapi.yaml")
	flag.Parse()

	cfg, err := config.Load(*configDir)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	obs.Setup(cfg.Environment, cfg.LogLevel)
	metrics.RegisterDefault()

	if err := run(cfg, *openAPI); err != nil {
		log.Fatal().Err(err).Msg("api stopped")
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Warn().Msg("DATABASE_URL not set; using in-memory store")
		return store.NewMemory(), nil
	}
	if cfg.DBMigrate {
		if err := store.Migrate(cfg.MigrationURL, cfg.DatabaseURL); err != nil {
			return nil, err
		}
	}
	return store.NewPostgres(cfg.DatabaseURL)
}

func openRedis(ctx context.Context, cfg config.Config) (*redis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return rdb, nil
}

func mapsProvider(cfg config.Config, rdb *redis.Client) mapping.Provider {
	fallback := mapping.NewHaversine(cfg.AvgSpeedKph)
	var primary mapping.Provider
	if cfg.ORSAPIKey != "" {
		client := httpx.NewClient(cfg.ProviderTimeout, cfg.ProviderRetries, cfg.ProviderRPS)
		primary = mapping.NewORS(cfg.ORSBaseURL, cfg.ORSAPIKey, client)
	} else {
		log.Warn().Msg("ORS_API_KEY not set; using straight-line travel estimates")
	}
	var cache mapping.GeocodeCache = mapping.NewMemoryGeocodeCache()
	if rdb != nil {
		cache = mapping.NewRedisGeocodeCache(rdb)
	}
	return mapping.NewCachedGeocoder(mapping.NewResilient(primary, fallback, cfg.TrafficRequired), cache)
}

func weatherService(cfg config.Config, st store.Store, rdb *redis.Client) (*weather.Service, error) {
	thresholds := weather.DefaultThresholds()
	if cfg.WeatherThresholdsFile != "" {
		t, err := weather.LoadThresholds(cfg.WeatherThresholdsFile)
		if err != nil {
			return nil, err
		}
		thresholds = t
	}
	var cache weather.Cache = weather.NewMemoryCache()
	if rdb != nil {
		cache = weather.NewRedisCache(rdb)
	}
	client := httpx.NewClient(cfg.ProviderTimeout, cfg.ProviderRetries, cfg.ProviderRPS)
	provider := weather.NewCachedProvider(weather.NewOpenMeteoClient(cfg.WeatherBaseURL, client), cache)
	svc := weather.NewService(provider, weather.NewClassifier(thresholds), st)
	svc.Required = cfg.WeatherRequired
	svc.Concurrency = cfg.ProviderConcurrency
	return svc, nil
}

func run(cfg config.Config, openAPIPath string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	rdb, err := openRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var broker api.EventBroker = api.NewBroker()
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		broker = api.NewRedisBroker(rdb)
	}

	ws, err := weatherService(cfg, st, rdb)
	if err != nil {
		return err
	}
	hooks := webhooks.NewPublisher(st)
	engine := routing.New(st, mapsProvider(cfg, rdb), ws, routing.Options{
		MaxCandidates:     cfg.OptMaxCandidates,
		SwapPasses:        cfg.OptSwapPasses,
		FuelPricePerLiter: cfg.FuelPricePerLiter,
		Concurrency:       cfg.ProviderConcurrency,
		Hooks:             hooks,
		Stream:            api.RouteStream{Broker: broker},
	})
	reports := analytics.New(st, analytics.Options{FuelPricePerLiter: cfg.FuelPricePerLiter})

	srv := api.NewServer(api.Deps{
		Store:       st,
		Engine:      engine,
		Weather:     ws,
		Analytics:   reports,
		Broker:      broker,
		Config:      cfg,
		OpenAPIPath: openAPIPath,
	})
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sched := weather.NewScheduler(cfg.WeatherRefreshCron, ws, st, hooks)
	if err := sched.Start(); err != nil {
		return err
	}
	defer sched.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", httpSrv.Addr).Str("version", buildinfo.Version).Msg("api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return webhooks.NewWorker(st, cfg.WebhookMaxAttempts).Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(sctx)
	})
	return g.Wait()
}
