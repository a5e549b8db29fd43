// Package queue owns per-station FIFO slot accounting. All mutations for one
// station are serialized on that station's lock; stations never contend with
// each other.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/observability"
	"github.com/example/battery-swap/internal/store"
)

var (
	ErrCapacityExceeded = errors.New("queue: station at capacity")
	ErrUnknownStation   = errors.New("queue: unknown station")

	// ErrQueueCorrupted means the position invariant (contiguous 1..N) was
	// found violated. The station is flagged for manual reconciliation and
	// all further mutations fail closed.
	ErrQueueCorrupted = errors.New("queue: positions not contiguous, station flagged")
)

// Config carries the wait-estimation tunables.
type Config struct {
	DefaultServiceDuration time.Duration
	EWMAWindow             int
	EWMAMinSamples         int
}

type stationQueue struct {
	mu      sync.Mutex
	station models.Station
	slots   []models.QueueSlot

	avgSeconds float64
	samples    int
	flagged    bool
}

// Manager is the single writer for every station queue.
type Manager struct {
	mu       sync.RWMutex
	stations map[string]*stationQueue

	store  store.Store
	cfg    Config
	logger *slog.Logger
}

func NewManager(st store.Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.DefaultServiceDuration <= 0 {
		cfg.DefaultServiceDuration = 5 * time.Minute
	}
	if cfg.EWMAWindow <= 0 {
		cfg.EWMAWindow = 20
	}
	if cfg.EWMAMinSamples <= 0 {
		cfg.EWMAMinSamples = 3
	}
	return &Manager{
		stations: make(map[string]*stationQueue),
		store:    st,
		cfg:      cfg,
		logger:   logger,
	}
}

// RegisterStation makes a station eligible for reservations. Re-registering
// updates the operator-mutable fields (capacity, service duration, active).
func (m *Manager) RegisterStation(st models.Station) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if sq, ok := m.stations[st.ID]; ok {
		sq.mu.Lock()
		sq.station.Capacity = st.Capacity
		sq.station.ServiceDuration = st.ServiceDuration
		sq.station.Active = st.Active
		sq.mu.Unlock()
		return
	}
	m.stations[st.ID] = &stationQueue{station: st}
}

// Station returns the registered station record.
func (m *Manager) Station(stationID string) (models.Station, error) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return models.Station{}, err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.station, nil
}

// Stations lists all registered stations.
func (m *Manager) Stations() []models.Station {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Station, 0, len(m.stations))
	for _, sq := range m.stations {
		sq.mu.Lock()
		out = append(out, sq.station)
		sq.mu.Unlock()
	}
	return out
}

// Reserve atomically checks capacity and appends a slot at position count+1.
// Two concurrent reservations can never both take the last slot: the check
// and the append happen under the station lock.
func (m *Manager) Reserve(ctx context.Context, stationID, userID, swapID string) (models.QueueSlot, error) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return models.QueueSlot{}, err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if err := sq.checkContiguous(); err != nil {
		m.logger.Error("queue invariant violated, failing closed", "station", stationID)
		return models.QueueSlot{}, err
	}
	if len(sq.slots) >= sq.station.Capacity {
		observability.CapacityRejections.Inc()
		return models.QueueSlot{}, ErrCapacityExceeded
	}

	slot := models.QueueSlot{
		StationID: stationID,
		UserID:    userID,
		SwapID:    swapID,
		Position:  len(sq.slots) + 1,
		CreatedAt: time.Now().UTC(),
	}
	next := append(append([]models.QueueSlot(nil), sq.slots...), slot)
	if err := m.persist(ctx, stationID, next); err != nil {
		return models.QueueSlot{}, err
	}
	sq.slots = next
	observability.QueueDepth.WithLabelValues(stationID).Set(float64(len(sq.slots)))
	return slot, nil
}

// Release removes the slot for swapID and closes the gap: every slot behind
// it moves forward by one. Releasing an absent slot is a no-op.
func (m *Manager) Release(ctx context.Context, stationID, swapID string) error {
	sq, err := m.lookup(stationID)
	if err != nil {
		return err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	if err := sq.checkContiguous(); err != nil {
		m.logger.Error("queue invariant violated, failing closed", "station", stationID)
		return err
	}

	idx := -1
	for i, s := range sq.slots {
		if s.SwapID == swapID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil
	}

	next := make([]models.QueueSlot, 0, len(sq.slots)-1)
	for i, s := range sq.slots {
		if i == idx {
			continue
		}
		if s.Position > sq.slots[idx].Position {
			s.Position--
		}
		next = append(next, s)
	}
	if err := m.persist(ctx, stationID, next); err != nil {
		return err
	}
	sq.slots = next
	observability.QueueDepth.WithLabelValues(stationID).Set(float64(len(sq.slots)))
	return nil
}

// Depth returns the number of active slots.
func (m *Manager) Depth(stationID string) (int, error) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return 0, err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return len(sq.slots), nil
}

// Snapshot returns a copy of the active slots ordered by position.
func (m *Manager) Snapshot(stationID string) ([]models.QueueSlot, error) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return nil, err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return append([]models.QueueSlot(nil), sq.slots...), nil
}

// Slot returns the slot for a swap, if any.
func (m *Manager) Slot(stationID, swapID string) (models.QueueSlot, bool) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return models.QueueSlot{}, false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	for _, s := range sq.slots {
		if s.SwapID == swapID {
			return s, true
		}
	}
	return models.QueueSlot{}, false
}

// EstimateWait is position x the smoothed service duration. Below the minimum
// sample count the configured default duration is used instead.
func (m *Manager) EstimateWait(stationID string, position int) (time.Duration, error) {
	sq, err := m.lookup(stationID)
	if err != nil {
		return 0, err
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	avg := m.cfg.DefaultServiceDuration
	if sq.samples >= m.cfg.EWMAMinSamples {
		avg = time.Duration(sq.avgSeconds * float64(time.Second))
	}
	wait := time.Duration(position) * avg
	observability.WaitEstimate.Observe(wait.Seconds())
	return wait, nil
}

// RecordServiceDuration feeds one completed swap duration into the
// exponentially-weighted moving average.
func (m *Manager) RecordServiceDuration(stationID string, d time.Duration) {
	sq, err := m.lookup(stationID)
	if err != nil || d <= 0 {
		return
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()

	alpha := 2.0 / (float64(m.cfg.EWMAWindow) + 1.0)
	if sq.samples == 0 {
		sq.avgSeconds = d.Seconds()
	} else {
		sq.avgSeconds = alpha*d.Seconds() + (1-alpha)*sq.avgSeconds
	}
	sq.samples++
}

// Flagged reports whether the station queue failed its contiguity check and
// is awaiting manual reconciliation.
func (m *Manager) Flagged(stationID string) bool {
	sq, err := m.lookup(stationID)
	if err != nil {
		return false
	}
	sq.mu.Lock()
	defer sq.mu.Unlock()
	return sq.flagged
}

func (m *Manager) lookup(stationID string) (*stationQueue, error) {
	m.mu.RLock()
	sq, ok := m.stations[stationID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStation, stationID)
	}
	return sq, nil
}

func (m *Manager) persist(ctx context.Context, stationID string, slots []models.QueueSlot) error {
	b, err := json.Marshal(slots)
	if err != nil {
		return err
	}
	return store.WithRetry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return m.store.Put(ctx, "queue:"+stationID, b)
	})
}

// checkContiguous verifies positions form exactly {1..N}. A violation flags
// the station and fails the operation closed; it is never silently repaired.
// Caller holds sq.mu.
func (sq *stationQueue) checkContiguous() error {
	if sq.flagged {
		return ErrQueueCorrupted
	}
	seen := make(map[int]bool, len(sq.slots))
	for _, s := range sq.slots {
		if s.Position < 1 || s.Position > len(sq.slots) || seen[s.Position] {
			sq.flagged = true
			return ErrQueueCorrupted
		}
		seen[s.Position] = true
	}
	return nil
}
