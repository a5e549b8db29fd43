// Package swap owns the transaction state machine and is the only entry
// point the surrounding application calls. QueueManager, TokenService and
// GeofenceTracker are collaborators behind it.
package swap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/battery-swap/internal/dispatch"
	"github.com/example/battery-swap/internal/events"
	"github.com/example/battery-swap/internal/geofence"
	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/observability"
	"github.com/example/battery-swap/internal/payments"
	"github.com/example/battery-swap/internal/queue"
	"github.com/example/battery-swap/internal/storage"
	"github.com/example/battery-swap/internal/store"
	"github.com/example/battery-swap/internal/token"
)

var (
	ErrNotFound               = errors.New("swap: not found")
	ErrStationInactive        = errors.New("swap: station not active")
	ErrInvalidStateTransition = errors.New("swap: invalid state transition")
)

// allowed is the forward transition graph plus the two sanctioned exceptions:
// the staleness regression Arrived->Approaching and the terminal failure
// edges. Everything else is rejected.
var allowed = map[models.SwapState][]models.SwapState{
	models.SwapRequested:   {models.SwapQueued, models.SwapCancelled},
	models.SwapQueued:      {models.SwapApproaching, models.SwapArrived, models.SwapCancelled, models.SwapExpired},
	models.SwapApproaching: {models.SwapArrived, models.SwapInProgress, models.SwapExpired},
	models.SwapArrived:     {models.SwapInProgress, models.SwapApproaching, models.SwapExpired},
	models.SwapInProgress:  {models.SwapCompleted, models.SwapFailed},
}

func canTransition(from, to models.SwapState) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Notifier pushes live updates to the rider; the WS registry implements it.
type Notifier interface {
	Notify(userID string, u dispatch.Update)
}

type nopNotifier struct{}

func (nopNotifier) Notify(string, dispatch.Update) {}

type Config struct {
	AllowEarlyVerify  bool
	CompletionCredits int
	SwapPriceCents    int64
	SwapCurrency      string
}

// Coordinator drives every swap from request to a terminal state.
type Coordinator struct {
	queue     *queue.Manager
	tokens    *token.Service
	tracker   *geofence.Tracker
	store     store.Store
	archive   storage.SwapArchive
	publisher events.Publisher
	notifier  Notifier
	charger   payments.Charger
	logger    *slog.Logger
	cfg       Config

	// locks serializes transitions per swap; striped so unrelated swaps
	// never contend.
	locks [64]sync.Mutex

	activeMu sync.Mutex
	active   map[string]string // swap id -> user id, swept for expiry

	Now func() time.Time
}

func NewCoordinator(q *queue.Manager, t *token.Service, g *geofence.Tracker, st store.Store,
	archive storage.SwapArchive, pub events.Publisher, notifier Notifier,
	charger payments.Charger, cfg Config, logger *slog.Logger) *Coordinator {
	if archive == nil {
		archive = storage.NewMemoryArchive()
	}
	if pub == nil {
		pub = events.Nop{}
	}
	if notifier == nil {
		notifier = nopNotifier{}
	}
	return &Coordinator{
		queue:     q,
		tokens:    t,
		tracker:   g,
		store:     st,
		archive:   archive,
		publisher: pub,
		notifier:  notifier,
		charger:   charger,
		logger:    logger,
		cfg:       cfg,
		active:    make(map[string]string),
		Now:       time.Now,
	}
}

// RequestResult is what a successful RequestSwap hands back to the rider.
type RequestResult struct {
	Swap          models.Swap
	Token         models.ReservationToken
	QueuePosition int
	EstimatedWait time.Duration
}

// RequestSwap reserves a queue slot and issues the reservation token. If the
// token issue fails the already-reserved slot is rolled back: no slot may
// exist without a live token once the swap is Queued.
func (c *Coordinator) RequestSwap(ctx context.Context, userID, stationID string) (RequestResult, error) {
	station, err := c.queue.Station(stationID)
	if err != nil {
		return RequestResult{}, err
	}
	if !station.Active {
		return RequestResult{}, ErrStationInactive
	}

	now := c.Now().UTC()
	s := models.Swap{
		ID:          uuid.NewString(),
		StationID:   stationID,
		UserID:      userID,
		State:       models.SwapRequested,
		Transitions: map[models.SwapState]time.Time{models.SwapRequested: now},
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	slot, err := c.queue.Reserve(ctx, stationID, userID, s.ID)
	if err != nil {
		return RequestResult{}, err
	}

	tok, err := c.tokens.Issue(ctx, s.ID, stationID, userID)
	if err != nil {
		// Compensate: partial success is unacceptable.
		if rerr := c.queue.Release(ctx, stationID, s.ID); rerr != nil {
			c.logger.Error("slot rollback failed after token issue error", "swap", s.ID, "error", rerr)
		}
		return RequestResult{}, fmt.Errorf("issuing token: %w", err)
	}

	c.tracker.Track(userID, s.ID, station.Center)

	if err := c.transition(ctx, &s, models.SwapQueued); err != nil {
		// Same compensation as the token-issue failure: the swap never
		// became Queued, so neither the slot nor the token may survive.
		if rerr := c.queue.Release(ctx, stationID, s.ID); rerr != nil {
			c.logger.Error("slot rollback failed after save error", "swap", s.ID, "error", rerr)
		}
		if terr := c.tokens.Invalidate(ctx, s.ID); terr != nil {
			c.logger.Error("token rollback failed after save error", "swap", s.ID, "error", terr)
		}
		c.tracker.Forget(userID, s.ID)
		return RequestResult{}, err
	}
	c.activeMu.Lock()
	c.active[s.ID] = userID
	c.activeMu.Unlock()
	observability.SwapsRequested.Inc()

	wait, _ := c.queue.EstimateWait(stationID, slot.Position)
	c.notifier.Notify(userID, dispatch.Update{
		SwapID:        s.ID,
		State:         string(s.State),
		QueuePosition: slot.Position,
		WaitSeconds:   int(wait.Seconds()),
	})
	return RequestResult{Swap: s, Token: tok, QueuePosition: slot.Position, EstimatedWait: wait}, nil
}

// OnGeofenceEvent advances the swap along Queued -> Approaching -> Arrived.
// Events arriving for a swap in an incompatible state are ignored: network
// delivery is not ordered and a late event is not an error.
func (c *Coordinator) OnGeofenceEvent(ctx context.Context, swapID string, ev geofence.Event) error {
	mu := c.lock(swapID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.load(ctx, swapID)
	if err != nil {
		return err
	}
	if s.State.Terminal() {
		return nil
	}

	var target models.SwapState
	switch ev.To {
	case geofence.StateApproaching:
		target = models.SwapApproaching
	case geofence.StateArrived:
		target = models.SwapArrived
	default:
		return nil
	}

	// The staleness regression is the only backward edge; any other
	// incompatible pairing is dropped.
	if target == models.SwapApproaching && s.State == models.SwapArrived && ev.From != geofence.StateArrived {
		return nil
	}
	if !canTransition(s.State, target) {
		return nil
	}
	if err := c.transition(ctx, s, target); err != nil {
		return err
	}
	c.notifier.Notify(s.UserID, dispatch.Update{SwapID: s.ID, State: string(s.State)})
	return nil
}

// IngestLocation feeds one GPS sample through the tracker and applies any
// resulting transition. Stale samples are silently discarded by the tracker.
func (c *Coordinator) IngestLocation(ctx context.Context, sample models.LocationSample) error {
	ev, ok := c.tracker.Ingest(sample)
	if !ok {
		return nil
	}
	return c.OnGeofenceEvent(ctx, sample.SwapID, ev)
}

// OnTokenVerified redeems the wire token at the verifying station and starts
// the swap. Valid from Arrived, or from Approaching when early verification
// is enabled (staff scanning ahead of GPS confirmation).
func (c *Coordinator) OnTokenVerified(ctx context.Context, wire, stationID, staffID string) (models.Swap, error) {
	swapID, err := c.tokens.Verify(ctx, wire, stationID, staffID)
	if err != nil {
		return models.Swap{}, err
	}

	mu := c.lock(swapID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.load(ctx, swapID)
	if err != nil {
		return models.Swap{}, err
	}
	switch s.State {
	case models.SwapArrived:
	case models.SwapApproaching:
		if !c.cfg.AllowEarlyVerify {
			return models.Swap{}, fmt.Errorf("%w: verify from %s", ErrInvalidStateTransition, s.State)
		}
	default:
		return models.Swap{}, fmt.Errorf("%w: verify from %s", ErrInvalidStateTransition, s.State)
	}

	s.StaffID = staffID
	if c.charger != nil {
		pid, err := c.charger.Hold(ctx, c.cfg.SwapPriceCents, c.cfg.SwapCurrency, s.UserID)
		if err != nil {
			c.logger.Warn("payment hold failed, continuing unpaid", "swap", s.ID, "error", err)
		} else {
			s.PaymentID = pid
		}
	}
	if err := c.transition(ctx, s, models.SwapInProgress); err != nil {
		return models.Swap{}, err
	}
	c.notifier.Notify(s.UserID, dispatch.Update{SwapID: s.ID, State: string(s.State)})
	return *s, nil
}

// CompleteSwap finishes an in-progress swap. Idempotent: calling it again on
// an already-terminal swap returns the recorded outcome without re-running
// side effects, so credits and captures happen exactly once.
func (c *Coordinator) CompleteSwap(ctx context.Context, swapID string, outcome models.SwapOutcome) (models.Swap, error) {
	mu := c.lock(swapID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.load(ctx, swapID)
	if err != nil {
		return models.Swap{}, err
	}
	if s.State.Terminal() {
		return *s, nil
	}
	if s.State != models.SwapInProgress {
		return models.Swap{}, fmt.Errorf("%w: complete from %s", ErrInvalidStateTransition, s.State)
	}

	target := models.SwapCompleted
	if outcome == models.OutcomeFailed {
		target = models.SwapFailed
	}
	s.Outcome = outcome
	if err := c.transition(ctx, s, target); err != nil {
		return models.Swap{}, err
	}

	if target == models.SwapCompleted {
		if started, ok := s.Transitions[models.SwapInProgress]; ok {
			c.queue.RecordServiceDuration(s.StationID, c.Now().UTC().Sub(started))
		}
		if err := c.awardCredits(ctx, s.UserID, c.cfg.CompletionCredits, s.ID); err != nil {
			c.logger.Error("credit award failed", "swap", s.ID, "error", err)
		}
		if c.charger != nil && s.PaymentID != "" {
			if err := c.charger.Capture(ctx, s.PaymentID); err != nil {
				c.logger.Error("payment capture failed", "swap", s.ID, "payment", s.PaymentID, "error", err)
			}
		}
	} else if c.charger != nil && s.PaymentID != "" {
		if err := c.charger.Cancel(ctx, s.PaymentID); err != nil {
			c.logger.Error("payment cancel failed", "swap", s.ID, "payment", s.PaymentID, "error", err)
		}
	}

	c.finish(ctx, s)
	return *s, nil
}

// Cancel aborts a swap that has not progressed past Queued.
func (c *Coordinator) Cancel(ctx context.Context, swapID string) (models.Swap, error) {
	mu := c.lock(swapID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.load(ctx, swapID)
	if err != nil {
		return models.Swap{}, err
	}
	if s.State.Terminal() {
		return *s, nil
	}
	if !canTransition(s.State, models.SwapCancelled) {
		return models.Swap{}, fmt.Errorf("%w: cancel from %s", ErrInvalidStateTransition, s.State)
	}
	if err := c.transition(ctx, s, models.SwapCancelled); err != nil {
		return models.Swap{}, err
	}
	c.finish(ctx, s)
	return *s, nil
}

// Get loads a swap, applying the lazy expiry check: a swap whose token has
// lapsed is forced to Expired on read rather than waiting for the sweeper.
func (c *Coordinator) Get(ctx context.Context, swapID string) (models.Swap, error) {
	mu := c.lock(swapID)
	mu.Lock()
	defer mu.Unlock()

	s, err := c.load(ctx, swapID)
	if err != nil {
		return models.Swap{}, err
	}
	if expired, err := c.tokenLapsed(ctx, s); err == nil && expired {
		if err := c.expire(ctx, s); err != nil {
			return models.Swap{}, err
		}
	}
	return *s, nil
}

// Run drives the background sweeps until ctx is cancelled: geofence staleness
// regressions and token-expiry enforcement that releases abandoned slots
// without waiting for a read to trigger it.
func (c *Coordinator) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, ev := range c.tracker.Sweep(now.UTC()) {
				if err := c.OnGeofenceEvent(ctx, ev.SwapID, ev); err != nil {
					c.logger.Warn("staleness regression failed", "swap", ev.SwapID, "error", err)
				}
			}
			c.sweepExpired(ctx)
		}
	}
}

func (c *Coordinator) sweepExpired(ctx context.Context) {
	c.activeMu.Lock()
	ids := make([]string, 0, len(c.active))
	for id := range c.active {
		ids = append(ids, id)
	}
	c.activeMu.Unlock()

	for _, id := range ids {
		mu := c.lock(id)
		mu.Lock()
		s, err := c.load(ctx, id)
		if err != nil {
			mu.Unlock()
			continue
		}
		if expired, err := c.tokenLapsed(ctx, s); err == nil && expired {
			if err := c.expire(ctx, s); err != nil {
				c.logger.Warn("expiry sweep failed", "swap", id, "error", err)
			}
		}
		mu.Unlock()
	}
}

// tokenLapsed reports whether the swap is in an expirable state with no live
// token left.
func (c *Coordinator) tokenLapsed(ctx context.Context, s *models.Swap) (bool, error) {
	switch s.State {
	case models.SwapQueued, models.SwapApproaching, models.SwapArrived:
	default:
		return false, nil
	}
	tok, ok, err := c.tokens.Live(ctx, s.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return true, nil
	}
	return tok.Expired(c.Now().UTC()), nil
}

// expire forces a non-terminal swap to Expired and releases its resources.
// Caller holds the swap lock.
func (c *Coordinator) expire(ctx context.Context, s *models.Swap) error {
	if !canTransition(s.State, models.SwapExpired) {
		return nil
	}
	if err := c.transition(ctx, s, models.SwapExpired); err != nil {
		return err
	}
	if c.charger != nil && s.PaymentID != "" {
		if err := c.charger.Cancel(ctx, s.PaymentID); err != nil {
			c.logger.Error("payment cancel failed", "swap", s.ID, "payment", s.PaymentID, "error", err)
		}
	}
	c.finish(ctx, s)
	return nil
}

// finish runs the shared terminal-state teardown: slot release, tracker
// cleanup, archive write, rider notification. Caller holds the swap lock and
// has already transitioned s to a terminal state.
func (c *Coordinator) finish(ctx context.Context, s *models.Swap) {
	if err := c.queue.Release(ctx, s.StationID, s.ID); err != nil {
		c.logger.Error("slot release failed", "swap", s.ID, "error", err)
	}
	c.tracker.Forget(s.UserID, s.ID)
	c.activeMu.Lock()
	delete(c.active, s.ID)
	c.activeMu.Unlock()
	if err := c.archive.Archive(s); err != nil {
		c.logger.Error("archive write failed", "swap", s.ID, "error", err)
	}
	observability.SwapsCompleted.WithLabelValues(string(s.State)).Inc()
	c.notifier.Notify(s.UserID, dispatch.Update{SwapID: s.ID, State: string(s.State)})
	c.notifyShifted(ctx, s.StationID)
}

// notifyShifted pushes fresh positions to everyone still queued after a slot
// was released in front of them.
func (c *Coordinator) notifyShifted(ctx context.Context, stationID string) {
	slots, err := c.queue.Snapshot(stationID)
	if err != nil {
		return
	}
	for _, slot := range slots {
		wait, _ := c.queue.EstimateWait(stationID, slot.Position)
		c.notifier.Notify(slot.UserID, dispatch.Update{
			SwapID:        slot.SwapID,
			State:         string(models.SwapQueued),
			QueuePosition: slot.Position,
			WaitSeconds:   int(wait.Seconds()),
		})
	}
}

// transition applies one state change: validates the edge, stamps it,
// persists the record and publishes the transition event.
func (c *Coordinator) transition(ctx context.Context, s *models.Swap, to models.SwapState) error {
	if !canTransition(s.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, s.State, to)
	}
	prev := s.State
	prevStamp, hadStamp := s.Transitions[to]
	now := c.Now().UTC()
	s.State = to
	s.Transitions[to] = now
	s.UpdatedAt = now
	if err := c.save(ctx, s); err != nil {
		s.State = prev
		// A re-entered state (Arrived after a staleness round trip) keeps
		// its earlier stamp on rollback.
		if hadStamp {
			s.Transitions[to] = prevStamp
		} else {
			delete(s.Transitions, to)
		}
		return err
	}
	if err := c.publisher.Publish(models.Transition{SwapID: s.ID, Previous: prev, New: to, Timestamp: now}); err != nil {
		c.logger.Warn("transition publish failed", "swap", s.ID, "error", err)
	}
	return nil
}

func (c *Coordinator) load(ctx context.Context, swapID string) (*models.Swap, error) {
	raw, err := c.store.Get(ctx, swapStoreKey(swapID))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var s models.Swap
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decoding swap record: %w", err)
	}
	if s.Transitions == nil {
		s.Transitions = make(map[models.SwapState]time.Time)
	}
	return &s, nil
}

func (c *Coordinator) save(ctx context.Context, s *models.Swap) error {
	b, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return store.WithRetry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return c.store.Put(ctx, swapStoreKey(s.ID), b)
	})
}

// awardCredits appends to the rider's credit ledger. Runs only on the single
// non-terminal -> Completed transition, so issuance is exactly once.
func (c *Coordinator) awardCredits(ctx context.Context, userID string, amount int, swapID string) error {
	if amount <= 0 {
		return nil
	}
	entry, err := json.Marshal(map[string]any{
		"amount":  amount,
		"swap_id": swapID,
		"at":      c.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return c.store.Put(ctx, "credits:"+userID+":"+swapID, entry)
}

func (c *Coordinator) lock(swapID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(swapID))
	return &c.locks[h.Sum32()%uint32(len(c.locks))]
}

func swapStoreKey(id string) string { return "swap:" + id }
