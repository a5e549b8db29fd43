package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Station is a battery swap point with a bounded queue. Capacity and the
// average service duration may be updated by operators; everything else is
// fixed at registration.
type Station struct {
	ID              string        `json:"id"`
	Name            string        `json:"name"`
	Center          Coord         `json:"center"`
	Capacity        int           `json:"capacity"`
	ServiceDuration time.Duration `json:"service_duration"`
	Active          bool          `json:"active"`
}

// QueueSlot is one occupied position in a station queue. Positions are a
// contiguous 1..N permutation for the N active slots of a station.
type QueueSlot struct {
	StationID string    `json:"station_id"`
	UserID    string    `json:"user_id"`
	SwapID    string    `json:"swap_id"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// ReservationToken binds a user to a queue slot. At most one live
// (unconsumed, unexpired) token exists per swap.
type ReservationToken struct {
	SwapID    string    `json:"swap_id"`
	StationID string    `json:"station_id"`
	UserID    string    `json:"user_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
	Nonce     string    `json:"nonce"`
	Signature string    `json:"signature"`
	Consumed  bool      `json:"consumed"`
	// VerifiedBy records the staff member who redeemed the token.
	VerifiedBy string `json:"verified_by,omitempty"`
}

func (t ReservationToken) Expired(now time.Time) bool {
	return now.After(t.ExpiresAt)
}

// SwapState is the lifecycle state of a swap transaction.
type SwapState string

const (
	SwapRequested   SwapState = "requested"
	SwapQueued      SwapState = "queued"
	SwapApproaching SwapState = "approaching"
	SwapArrived     SwapState = "arrived"
	SwapInProgress  SwapState = "in_progress"
	SwapCompleted   SwapState = "completed"
	SwapFailed      SwapState = "failed"
	SwapExpired     SwapState = "expired"
	SwapCancelled   SwapState = "cancelled"
)

// Terminal reports whether no further transition is possible from s.
func (s SwapState) Terminal() bool {
	switch s {
	case SwapCompleted, SwapFailed, SwapExpired, SwapCancelled:
		return true
	}
	return false
}

// SwapOutcome is the result recorded when a swap leaves InProgress.
type SwapOutcome string

const (
	OutcomeCompleted SwapOutcome = "completed"
	OutcomeFailed    SwapOutcome = "failed"
)

// Swap is the single source of truth for one transaction, from reservation
// request through completion or failure.
type Swap struct {
	ID          string                  `json:"id"`
	StationID   string                  `json:"station_id"`
	UserID      string                  `json:"user_id"`
	State       SwapState               `json:"state"`
	Outcome     SwapOutcome             `json:"outcome,omitempty"`
	StaffID     string                  `json:"staff_id,omitempty"`
	PaymentID   string                  `json:"payment_id,omitempty"`
	Transitions map[SwapState]time.Time `json:"transitions"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Transition is published on every lifecycle state change.
type Transition struct {
	SwapID    string    `json:"swap_id"`
	Previous  SwapState `json:"previous_state"`
	New       SwapState `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
}

// LocationSample is one GPS report for a user with an active swap. Only the
// latest accepted sample per (user, swap) is retained.
type LocationSample struct {
	UserID    string    `json:"user_id"`
	SwapID    string    `json:"swap_id"`
	Lat       float64   `json:"lat"`
	Lon       float64   `json:"lon"`
	Timestamp time.Time `json:"timestamp"`
}

// StationScore is the explainable result of scoring one candidate station.
// Total and the per-factor parts are 0..1 goodness values: higher is better.
type StationScore struct {
	StationID     string        `json:"station_id"`
	StationName   string        `json:"station_name"`
	DistanceM     float64       `json:"distance_m"`
	QueueDepth    int           `json:"queue_depth"`
	EstimatedWait time.Duration `json:"estimated_wait"`
	PredictedWait time.Duration `json:"predicted_wait"`
	DistancePart  float64       `json:"distance_part"`
	QueuePart     float64       `json:"queue_part"`
	PredictedPart float64       `json:"predicted_part"`
	Total         float64       `json:"total"`
}
