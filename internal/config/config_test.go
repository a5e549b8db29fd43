package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadServerConfigDefaults(t *testing.T) {
	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("addr: %q", cfg.HTTPAddr)
	}
	if cfg.TokenTTL != 15*time.Minute {
		t.Fatalf("token ttl: %s", cfg.TokenTTL)
	}
	if cfg.ApproachRadiusM != 1000 || cfg.ArrivalRadiusM != 500 {
		t.Fatalf("radii: %f %f", cfg.ApproachRadiusM, cfg.ArrivalRadiusM)
	}
	if cfg.ScoreWeights != (Weights{Distance: 0.30, Queue: 0.40, Predicted: 0.30}) {
		t.Fatalf("weights: %+v", cfg.ScoreWeights)
	}
	if cfg.CompletionCredits != 10 {
		t.Fatalf("credits: %d", cfg.CompletionCredits)
	}
	if !cfg.AllowEarlyVerify {
		t.Fatalf("early verify should default on")
	}
}

func TestLoadServerConfigFromEnv(t *testing.T) {
	t.Setenv("HTTP_ADDR", ":9999")
	t.Setenv("TOKEN_TTL", "30m")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092,")
	t.Setenv("QUEUE_EWMA_WINDOW", "10")
	t.Setenv("ALLOW_EARLY_VERIFY", "false")

	cfg, err := LoadServerConfig()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.HTTPAddr != ":9999" || cfg.TokenTTL != 30*time.Minute {
		t.Fatalf("env overrides not applied: %+v", cfg)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "k2:9092" {
		t.Fatalf("brokers: %v", cfg.KafkaBrokers)
	}
	if cfg.EWMASampleWindow != 10 {
		t.Fatalf("ewma window: %d", cfg.EWMASampleWindow)
	}
	if cfg.AllowEarlyVerify {
		t.Fatalf("early verify should be off")
	}
}

func TestWeightsMustSumToOne(t *testing.T) {
	t.Setenv("SCORE_WEIGHT_DISTANCE", "0.5")
	t.Setenv("SCORE_WEIGHT_QUEUE", "0.5")
	t.Setenv("SCORE_WEIGHT_PREDICTED", "0.5")

	_, err := LoadServerConfig()
	if err == nil || !strings.Contains(err.Error(), "sum to 1.0") {
		t.Fatalf("expected weight sum rejection, got %v", err)
	}
}

func TestWeightsOutOfRangeRejected(t *testing.T) {
	t.Setenv("SCORE_WEIGHT_DISTANCE", "1.5")
	t.Setenv("SCORE_WEIGHT_QUEUE", "-0.5")
	t.Setenv("SCORE_WEIGHT_PREDICTED", "0.0")

	if _, err := LoadServerConfig(); err == nil {
		t.Fatalf("expected out-of-range rejection")
	}
}

func TestRadiiOrderingEnforced(t *testing.T) {
	t.Setenv("GEOFENCE_APPROACH_RADIUS_M", "400")
	t.Setenv("GEOFENCE_ARRIVAL_RADIUS_M", "500")

	_, err := LoadServerConfig()
	if err == nil || !strings.Contains(err.Error(), "arrival radius") {
		t.Fatalf("expected radius ordering rejection, got %v", err)
	}
}

func TestInvalidDurationReported(t *testing.T) {
	t.Setenv("TOKEN_TTL", "not-a-duration")
	_, err := LoadServerConfig()
	if err == nil || !strings.Contains(err.Error(), "TOKEN_TTL") {
		t.Fatalf("expected TOKEN_TTL parse error, got %v", err)
	}
}

func TestWeightsSum(t *testing.T) {
	w := Weights{Distance: 0.2, Queue: 0.3, Predicted: 0.5}
	if w.Sum() != 1.0 {
		t.Fatalf("sum: %f", w.Sum())
	}
}
