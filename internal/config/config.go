package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Weights controls the relative contribution of each ranking factor. The
// three weights must sum to exactly 1.0; anything else is rejected at load
// time so a misconfigured deployment never serves skewed rankings.
type Weights struct {
	Distance  float64 `validate:"gte=0,lte=1"`
	Queue     float64 `validate:"gte=0,lte=1"`
	Predicted float64 `validate:"gte=0,lte=1"`
}

func (w Weights) Sum() float64 { return w.Distance + w.Queue + w.Predicted }

// ServerConfig captures all tunable parameters for the HTTP API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string

	KafkaBrokers   []string
	KafkaSwapTopic string

	PGDSN string

	TokenSecret string
	TokenTTL    time.Duration

	ApproachRadiusM  float64
	ArrivalRadiusM   float64
	StalenessWindow  time.Duration
	AllowEarlyVerify bool

	DefaultServiceDuration time.Duration
	EWMASampleWindow       int
	EWMAMinSamples         int

	ScoreWeights      Weights
	MaxSearchRadiusM  float64
	MaxWaitNormalizer time.Duration
	DefaultPredicted  time.Duration
	PredictorEndpoint string

	SweepInterval     time.Duration
	StoreTimeout      time.Duration
	CompletionCredits int
	SwapPriceCents    int64
	SwapCurrency      string
	StripeEnabled     bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		KafkaSwapTopic: "swap-events",

		TokenSecret: "change-this-secret-key",
		TokenTTL:    15 * time.Minute,

		ApproachRadiusM:  1000,
		ArrivalRadiusM:   500,
		StalenessWindow:  5 * time.Minute,
		AllowEarlyVerify: true,

		DefaultServiceDuration: 5 * time.Minute,
		EWMASampleWindow:       20,
		EWMAMinSamples:         3,

		ScoreWeights:      Weights{Distance: 0.30, Queue: 0.40, Predicted: 0.30},
		MaxSearchRadiusM:  15000,
		MaxWaitNormalizer: time.Hour,
		DefaultPredicted:  10 * time.Minute,

		SweepInterval:     30 * time.Second,
		StoreTimeout:      2 * time.Second,
		CompletionCredits: 10,
		SwapPriceCents:    500,
		SwapCurrency:      "usd",

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaSwapTopic, "KAFKA_SWAP_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setStringFromEnv(&cfg.TokenSecret, "TOKEN_SECRET")
	setDurationFromEnv(&cfg.TokenTTL, "TOKEN_TTL", &errs)

	setFloatFromEnv(&cfg.ApproachRadiusM, "GEOFENCE_APPROACH_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.ArrivalRadiusM, "GEOFENCE_ARRIVAL_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.StalenessWindow, "GEOFENCE_STALENESS_WINDOW", &errs)
	setBoolFromEnv(&cfg.AllowEarlyVerify, "ALLOW_EARLY_VERIFY")

	setDurationFromEnv(&cfg.DefaultServiceDuration, "QUEUE_DEFAULT_SERVICE_DURATION", &errs)
	setIntFromEnv(&cfg.EWMASampleWindow, "QUEUE_EWMA_WINDOW", &errs)
	setIntFromEnv(&cfg.EWMAMinSamples, "QUEUE_EWMA_MIN_SAMPLES", &errs)

	setFloatFromEnv(&cfg.ScoreWeights.Distance, "SCORE_WEIGHT_DISTANCE", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.Queue, "SCORE_WEIGHT_QUEUE", &errs)
	setFloatFromEnv(&cfg.ScoreWeights.Predicted, "SCORE_WEIGHT_PREDICTED", &errs)
	setFloatFromEnv(&cfg.MaxSearchRadiusM, "MAX_SEARCH_RADIUS_M", &errs)
	setDurationFromEnv(&cfg.MaxWaitNormalizer, "MAX_WAIT_NORMALIZER", &errs)
	setDurationFromEnv(&cfg.DefaultPredicted, "DEFAULT_PREDICTED_WAIT", &errs)
	cfg.PredictorEndpoint = strings.TrimSpace(os.Getenv("PREDICTOR_ENDPOINT"))

	setDurationFromEnv(&cfg.SweepInterval, "SWEEP_INTERVAL", &errs)
	setDurationFromEnv(&cfg.StoreTimeout, "STORE_TIMEOUT", &errs)
	setIntFromEnv(&cfg.CompletionCredits, "COMPLETION_CREDITS", &errs)
	setInt64FromEnv(&cfg.SwapPriceCents, "SWAP_PRICE_CENTS", &errs)
	setStringFromEnv(&cfg.SwapCurrency, "SWAP_CURRENCY")
	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if err := cfg.validate(); err != nil {
		errs = append(errs, err)
	}

	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() error {
	v := validator.New()
	if err := v.Struct(c.ScoreWeights); err != nil {
		return fmt.Errorf("score weights out of range: %w", err)
	}
	if math.Abs(c.ScoreWeights.Sum()-1.0) > 1e-9 {
		return fmt.Errorf("score weights must sum to 1.0, got %.4f", c.ScoreWeights.Sum())
	}
	if c.ArrivalRadiusM >= c.ApproachRadiusM {
		return fmt.Errorf("arrival radius (%.0fm) must be smaller than approach radius (%.0fm)",
			c.ArrivalRadiusM, c.ApproachRadiusM)
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("TOKEN_TTL must be positive")
	}
	if c.EWMASampleWindow <= 0 || c.EWMAMinSamples <= 0 {
		return fmt.Errorf("EWMA window and min samples must be > 0")
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setBoolFromEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = strings.EqualFold(v, "true")
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
