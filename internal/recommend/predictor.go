package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// WaitPredictor supplies the externally forecast wait for a station. The
// scorer treats the prediction as an opaque signal; when a predictor fails
// the configured default is used instead.
type WaitPredictor interface {
	PredictWait(ctx context.Context, stationID string, at time.Time) (time.Duration, error)
}

// ModelBacked queries the forecasting service over HTTP. Selected at startup
// when PREDICTOR_ENDPOINT is set.
type ModelBacked struct {
	Endpoint string
	Client   *http.Client
}

func NewModelBacked(endpoint string) *ModelBacked {
	return &ModelBacked{Endpoint: endpoint, Client: &http.Client{Timeout: 2 * time.Second}}
}

func (m *ModelBacked) PredictWait(ctx context.Context, stationID string, at time.Time) (time.Duration, error) {
	url := fmt.Sprintf("%s/v1/predict-wait?station=%s&t=%d", m.Endpoint, stationID, at.Unix())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, err
	}
	resp, err := m.Client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out struct {
		PredictedWaitSeconds float64 `json:"predicted_wait_seconds"`
		Code                 string  `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, err
	}
	if out.Code != "Ok" {
		return 0, fmt.Errorf("predictor: no forecast: %v", out.Code)
	}
	return time.Duration(out.PredictedWaitSeconds * float64(time.Second)), nil
}

// HeuristicFallback is the model-free variant: a baseline wait scaled by
// time-of-day and weekend multipliers. Selected at startup when no
// forecasting endpoint is configured.
type HeuristicFallback struct {
	Baseline time.Duration
}

func (h *HeuristicFallback) PredictWait(ctx context.Context, stationID string, at time.Time) (time.Duration, error) {
	base := h.Baseline
	if base <= 0 {
		base = 10 * time.Minute
	}
	multiplier := 1.0
	hour := at.Hour()
	switch {
	case hour >= 7 && hour <= 9, hour >= 17 && hour <= 19:
		multiplier = 1.5
	case hour >= 22 || hour <= 6:
		multiplier = 0.4
	}
	if wd := at.Weekday(); wd == time.Saturday || wd == time.Sunday {
		multiplier *= 1.2
	}
	return time.Duration(float64(base) * multiplier), nil
}

// predictionCache is a tiny TTL cache in front of the predictor, keyed by
// station and hour bucket.
type predictionCache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  time.Duration
	ts time.Time
}

func newPredictionCache(ttl time.Duration) *predictionCache {
	return &predictionCache{store: make(map[string]cacheEntry), ttl: ttl}
}

func cacheKey(stationID string, at time.Time) string {
	return fmt.Sprintf("%s@%d", stationID, at.Unix()/3600)
}

func (c *predictionCache) get(stationID string, at time.Time) (time.Duration, bool) {
	k := cacheKey(stationID, at)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

func (c *predictionCache) set(stationID string, at time.Time, v time.Duration) {
	k := cacheKey(stationID, at)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}
