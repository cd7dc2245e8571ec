package config

import (
	"errors"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config stores all configuration of the service.
// The values are read by viper from app.env or environment variables.
type Config struct {
	Environment string `mapstructure:"ENVIRONMENT"`
	Port        string `mapstructure:"PORT"`
	LogLevel    string `mapstructure:"LOG_LEVEL"`

	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	MigrationURL string `mapstructure:"MIGRATION_URL"`
	DBMigrate    bool   `mapstructure:"DB_MIGRATE"`
	RedisURL     string `mapstructure:"REDIS_URL"`

	ORSBaseURL string `mapstructure:"ORS_BASE_URL"`
	ORSAPIKey  string `mapstructure:"ORS_API_KEY"`

	WeatherBaseURL        string `mapstructure:"WEATHER_BASE_URL"`
	WeatherThresholdsFile string `mapstructure:"WEATHER_THRESHOLDS_FILE"`
	WeatherRefreshCron    string `mapstructure:"WEATHER_REFRESH_CRON"`

	// Degrade policy: when set, a missing provider input fails the call
	// with DependencyUnavailable instead of degrading with a warning.
	WeatherRequired bool `mapstructure:"WEATHER_REQUIRED"`
	TrafficRequired bool `mapstructure:"TRAFFIC_REQUIRED"`

	ProviderTimeout     time.Duration `mapstructure:"PROVIDER_TIMEOUT"`
	ProviderRetries     int           `mapstructure:"PROVIDER_RETRIES"`
	ProviderRPS         float64       `mapstructure:"PROVIDER_RPS"`
	ProviderConcurrency int           `mapstructure:"PROVIDER_CONCURRENCY"`

	AvgSpeedKph       float64 `mapstructure:"AVG_SPEED_KPH"`
	FuelPricePerLiter float64 `mapstructure:"FUEL_PRICE_PER_LITER"`
	OptMaxCandidates  int     `mapstructure:"OPT_MAX_CANDIDATES"`
	OptSwapPasses     int     `mapstructure:"OPT_SWAP_PASSES"`

	RateRPS            float64 `mapstructure:"RATE_RPS"`
	RateBurst          int     `mapstructure:"RATE_BURST"`
	WebhookMaxAttempts int     `mapstructure:"WEBHOOK_MAX_ATTEMPTS"`
}

var defaults = map[string]any{
	"ENVIRONMENT":             "development",
	"PORT":                    "8080",
	"LOG_LEVEL":               "info",
	"DATABASE_URL":            "",
	"MIGRATION_URL":           "file://db/migrations",
	"DB_MIGRATE":              true,
	"REDIS_URL":               "",
	"ORS_BASE_URL":            "",
	"ORS_API_KEY":             "",
	"WEATHER_BASE_URL":        "",
	"WEATHER_THRESHOLDS_FILE": "",
	"WEATHER_REFRESH_CRON":    "*/15 * * * *",
	"WEATHER_REQUIRED":        false,
	"TRAFFIC_REQUIRED":        false,
	"PROVIDER_TIMEOUT":        "5s",
	"PROVIDER_RETRIES":        2,
	"PROVIDER_RPS":            10.0,
	"PROVIDER_CONCURRENCY":    8,
	"AVG_SPEED_KPH":           40.0,
	"FUEL_PRICE_PER_LITER":    1.6,
	"OPT_MAX_CANDIDATES":      8,
	"OPT_SWAP_PASSES":         3,
	"RATE_RPS":                20.0,
	"RATE_BURST":              40,
	"WEBHOOK_MAX_ATTEMPTS":    10,
}

// Load reads configuration from path/app.env (optional) and the
// environment. A .env file in the working directory is loaded first.
func Load(path string) (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("app")
	v.SetConfigType("env")
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Public returns the non-secret settings for the debug endpoint.
func (c Config) Public() map[string]any {
	return map[string]any{
		"ENVIRONMENT":          c.Environment,
		"PORT":                 c.Port,
		"LOG_LEVEL":            c.LogLevel,
		"HAS_DATABASE_URL":     c.DatabaseURL != "",
		"HAS_REDIS_URL":        c.RedisURL != "",
		"HAS_ORS_API_KEY":      c.ORSAPIKey != "",
		"WEATHER_REQUIRED":     c.WeatherRequired,
		"TRAFFIC_REQUIRED":     c.TrafficRequired,
		"PROVIDER_TIMEOUT":     c.ProviderTimeout.String(),
		"PROVIDER_RETRIES":     c.ProviderRetries,
		"OPT_MAX_CANDIDATES":   c.OptMaxCandidates,
		"OPT_SWAP_PASSES":      c.OptSwapPasses,
		"RATE_RPS":             c.RateRPS,
		"RATE_BURST":           c.RateBurst,
		"WEBHOOK_MAX_ATTEMPTS": c.WebhookMaxAttempts,
	}
}
