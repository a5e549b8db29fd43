// Package geofence turns noisy GPS samples into discrete, monotonic proximity
// transitions. Two radii with hysteresis keep a rider near a threshold from
// flapping between states and spuriously restarting downstream workflow steps.
package geofence

import (
	"math"
	"sync"
	"time"

	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/observability"
)

type State string

const (
	StateFar         State = "far"
	StateApproaching State = "approaching"
	StateArrived     State = "arrived"
)

// Event is emitted on each state change, at most once per change.
type Event struct {
	UserID string
	SwapID string
	From   State
	To     State
	At     time.Time
}

type Config struct {
	// ApproachRadiusM is the outer threshold for entering Approaching.
	ApproachRadiusM float64
	// ArrivalRadiusM is the inner threshold for entering Arrived. Must be
	// strictly smaller than ApproachRadiusM.
	ArrivalRadiusM float64
	// StalenessWindow is how long Arrived may go without a fresh sample
	// before regressing to Approaching. This timeout is the only way the
	// state ever moves backwards.
	StalenessWindow time.Duration
}

type key struct{ userID, swapID string }

type target struct {
	center     models.Coord
	state      State
	lastSample time.Time
}

// Tracker holds the per-(user, swap) proximity state.
type Tracker struct {
	mu      sync.Mutex
	cfg     Config
	targets map[key]*target

	Now func() time.Time
}

func NewTracker(cfg Config) *Tracker {
	if cfg.ApproachRadiusM <= 0 {
		cfg.ApproachRadiusM = 1000
	}
	if cfg.ArrivalRadiusM <= 0 {
		cfg.ArrivalRadiusM = 500
	}
	if cfg.StalenessWindow <= 0 {
		cfg.StalenessWindow = 5 * time.Minute
	}
	return &Tracker{cfg: cfg, targets: make(map[key]*target), Now: time.Now}
}

// Track starts following a (user, swap) pair toward the given station center.
func (t *Tracker) Track(userID, swapID string, center models.Coord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[key{userID, swapID}] = &target{center: center, state: StateFar}
}

// Forget drops tracker state, called when the swap reaches a terminal state.
func (t *Tracker) Forget(userID, swapID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.targets, key{userID, swapID})
}

// State returns the current proximity state for a tracked pair.
func (t *Tracker) State(userID, swapID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tg, ok := t.targets[key{userID, swapID}]
	if !ok {
		return StateFar, false
	}
	return tg.state, true
}

// Ingest processes one location sample. Samples whose timestamp is not
// strictly newer than the last accepted one are silently discarded. Returns
// the transition event if the sample crossed a threshold; re-ingesting samples
// inside the current band is a no-op.
func (t *Tracker) Ingest(sample models.LocationSample) (Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{sample.UserID, sample.SwapID}
	tg, ok := t.targets[k]
	if !ok {
		return Event{}, false
	}
	if !sample.Timestamp.After(tg.lastSample) {
		return Event{}, false
	}
	tg.lastSample = sample.Timestamp

	dist := Haversine(sample.Lat, sample.Lon, tg.center.Lat, tg.center.Lon)
	next := tg.state
	switch tg.state {
	case StateFar:
		if dist <= t.cfg.ArrivalRadiusM {
			next = StateArrived
		} else if dist <= t.cfg.ApproachRadiusM {
			next = StateApproaching
		}
	case StateApproaching:
		if dist <= t.cfg.ArrivalRadiusM {
			next = StateArrived
		}
	case StateArrived:
		// Hysteresis: a later, larger distance never regresses the state.
	}

	if next == tg.state {
		return Event{}, false
	}
	prev := tg.state
	tg.state = next
	observability.GeofenceTransitions.WithLabelValues(string(next)).Inc()
	return Event{UserID: sample.UserID, SwapID: sample.SwapID, From: prev, To: next, At: sample.Timestamp}, true
}

// Sweep applies the staleness rule: any pair Arrived without a fresh sample
// for the configured window regresses to Approaching. Returns the regression
// events for the coordinator to act on.
func (t *Tracker) Sweep(now time.Time) []Event {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []Event
	for k, tg := range t.targets {
		if tg.state != StateArrived {
			continue
		}
		if now.Sub(tg.lastSample) <= t.cfg.StalenessWindow {
			continue
		}
		tg.state = StateApproaching
		observability.GeofenceTransitions.WithLabelValues(string(StateApproaching)).Inc()
		out = append(out, Event{UserID: k.userID, SwapID: k.swapID, From: StateArrived, To: StateApproaching, At: now})
	}
	return out
}

// Haversine is the great-circle distance between two points in meters.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
