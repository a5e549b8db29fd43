// Package recommend ranks candidate stations by a deterministic weighted
// formula over distance, current queue wait and externally predicted wait.
//
// Score convention: every normalized factor and the combined total are 0..1
// goodness values, higher is better. Rank sorts descending by total and
// breaks ties by ascending station id so identical inputs always produce
// identical output.
package recommend

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/example/battery-swap/internal/config"
	"github.com/example/battery-swap/internal/geofence"
	"github.com/example/battery-swap/internal/models"
)

// ErrNoEligibleCandidate means no station survived the radius filter. Not a
// failure: callers widen the search radius and try again.
var ErrNoEligibleCandidate = errors.New("recommend: no eligible candidate")

// Candidate is one station under consideration together with its live queue
// signals.
type Candidate struct {
	Station       models.Station
	QueueDepth    int
	EstimatedWait time.Duration
}

// Scorer combines the three normalized factors with fixed weights. Weights
// are validated at config load; by the time a Scorer exists they sum to 1.0.
type Scorer struct {
	weights          config.Weights
	maxWait          time.Duration
	defaultPredicted time.Duration
	predictor        WaitPredictor
	cache            *predictionCache
}

func NewScorer(w config.Weights, maxWait, defaultPredicted time.Duration, p WaitPredictor) *Scorer {
	if maxWait <= 0 {
		maxWait = time.Hour
	}
	return &Scorer{
		weights:          w,
		maxWait:          maxWait,
		defaultPredicted: defaultPredicted,
		predictor:        p,
		cache:            newPredictionCache(5 * time.Minute),
	}
}

// Score is a pure function of its inputs: normalize each factor against
// maxRadius / maxWait, then combine with the configured weights. The
// per-factor breakdown is returned for explainability.
func (s *Scorer) Score(c Candidate, user models.Coord, predicted time.Duration, maxRadiusM float64) models.StationScore {
	dist := geofence.Haversine(user.Lat, user.Lon, c.Station.Center.Lat, c.Station.Center.Lon)

	distPart := clamp01(1 - dist/maxRadiusM)
	queuePart := clamp01(1 - c.EstimatedWait.Seconds()/s.maxWait.Seconds())
	predictedPart := clamp01(1 - predicted.Seconds()/s.maxWait.Seconds())

	return models.StationScore{
		StationID:     c.Station.ID,
		StationName:   c.Station.Name,
		DistanceM:     dist,
		QueueDepth:    c.QueueDepth,
		EstimatedWait: c.EstimatedWait,
		PredictedWait: predicted,
		DistancePart:  distPart,
		QueuePart:     queuePart,
		PredictedPart: predictedPart,
		Total: s.weights.Distance*distPart +
			s.weights.Queue*queuePart +
			s.weights.Predicted*predictedPart,
	}
}

// Rank filters candidates beyond maxRadiusM, scores the rest and returns them
// best-first. An empty filtered set returns ErrNoEligibleCandidate so the
// caller can widen the radius.
func (s *Scorer) Rank(ctx context.Context, cands []Candidate, user models.Coord, maxRadiusM float64) ([]models.StationScore, error) {
	now := time.Now()
	scored := make([]models.StationScore, 0, len(cands))
	for _, c := range cands {
		if !c.Station.Active {
			continue
		}
		dist := geofence.Haversine(user.Lat, user.Lon, c.Station.Center.Lat, c.Station.Center.Lon)
		if dist > maxRadiusM {
			continue
		}
		scored = append(scored, s.Score(c, user, s.predictedWait(ctx, c.Station.ID, now), maxRadiusM))
	}
	if len(scored) == 0 {
		return nil, ErrNoEligibleCandidate
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].Total != scored[j].Total {
			return scored[i].Total > scored[j].Total
		}
		return scored[i].StationID < scored[j].StationID
	})
	return scored, nil
}

func (s *Scorer) predictedWait(ctx context.Context, stationID string, at time.Time) time.Duration {
	if s.predictor == nil {
		return s.defaultPredicted
	}
	if v, ok := s.cache.get(stationID, at); ok {
		return v
	}
	v, err := s.predictor.PredictWait(ctx, stationID, at)
	if err != nil {
		return s.defaultPredicted
	}
	s.cache.set(stationID, at, v)
	return v
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
