package swap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/example/battery-swap/internal/dispatch"
	"github.com/example/battery-swap/internal/geofence"
	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/queue"
	"github.com/example/battery-swap/internal/storage"
	"github.com/example/battery-swap/internal/store"
	"github.com/example/battery-swap/internal/token"
)

type recordingNotifier struct {
	mu      sync.Mutex
	updates map[string][]dispatch.Update
}

func (n *recordingNotifier) Notify(userID string, u dispatch.Update) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.updates == nil {
		n.updates = make(map[string][]dispatch.Update)
	}
	n.updates[userID] = append(n.updates[userID], u)
}

func (n *recordingNotifier) last(userID string) (dispatch.Update, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	us := n.updates[userID]
	if len(us) == 0 {
		return dispatch.Update{}, false
	}
	return us[len(us)-1], true
}

type recordingPublisher struct {
	mu          sync.Mutex
	transitions []models.Transition
}

func (p *recordingPublisher) Publish(t models.Transition) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.transitions = append(p.transitions, t)
	return nil
}

type fakeCharger struct {
	mu       sync.Mutex
	holds    int
	captures int
	cancels  int
	holdErr  error
}

func (f *fakeCharger) Hold(ctx context.Context, amount int64, currency, customerID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.holds++
	return "pi_test", nil
}

func (f *fakeCharger) Capture(ctx context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	return nil
}

func (f *fakeCharger) Cancel(ctx context.Context, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

// failingStore wraps Memory, fails writes for keys with a given prefix, and
// remembers every attempted Put key.
type failingStore struct {
	*store.Memory
	failPutPrefix string
	putKeys       []string
}

func (f *failingStore) Put(ctx context.Context, key string, value []byte) error {
	f.putKeys = append(f.putKeys, key)
	if f.failPutPrefix != "" && strings.HasPrefix(key, f.failPutPrefix) {
		return errors.New("injected write failure")
	}
	return f.Memory.Put(ctx, key, value)
}

func (f *failingStore) lastKeyWithPrefix(prefix string) string {
	for i := len(f.putKeys) - 1; i >= 0; i-- {
		if strings.HasPrefix(f.putKeys[i], prefix) {
			return f.putKeys[i]
		}
	}
	return ""
}

type fixture struct {
	coord     *Coordinator
	queue     *queue.Manager
	tokens    *token.Service
	tracker   *geofence.Tracker
	store     store.Store
	archive   *storage.MemoryArchive
	notifier  *recordingNotifier
	publisher *recordingPublisher
	charger   *fakeCharger
	now       time.Time
}

func newFixture(t *testing.T, st store.Store, cfg Config) *fixture {
	t.Helper()
	if st == nil {
		st = store.NewMemory()
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{
		store:     st,
		archive:   storage.NewMemoryArchive(),
		notifier:  &recordingNotifier{},
		publisher: &recordingPublisher{},
		charger:   &fakeCharger{},
		now:       time.Unix(1700000000, 0).UTC(),
	}
	f.queue = queue.NewManager(st, queue.Config{
		DefaultServiceDuration: 5 * time.Minute,
		EWMAWindow:             20,
		EWMAMinSamples:         3,
	}, logger)
	f.queue.RegisterStation(models.Station{ID: "st1", Name: "Main St", Center: models.Coord{}, Capacity: 5, Active: true})

	f.tokens = token.NewService(st, "test-secret", 15*time.Minute)
	f.tokens.Now = func() time.Time { return f.now }

	f.tracker = geofence.NewTracker(geofence.Config{ApproachRadiusM: 1000, ArrivalRadiusM: 500, StalenessWindow: 5 * time.Minute})

	if cfg.CompletionCredits == 0 {
		cfg.CompletionCredits = 10
	}
	f.coord = NewCoordinator(f.queue, f.tokens, f.tracker, st, f.archive, f.publisher, f.notifier, f.charger, cfg, logger)
	f.coord.Now = func() time.Time { return f.now }
	return f
}

func (f *fixture) advance(d time.Duration) { f.now = f.now.Add(d) }

func lonAtMeters(d float64) float64 { return d / (6371000.0 * math.Pi / 180) }

func (f *fixture) ingest(t *testing.T, userID, swapID string, distM float64, at time.Time) {
	t.Helper()
	if err := f.coord.IngestLocation(context.Background(), models.LocationSample{
		UserID: userID, SwapID: swapID, Lat: 0, Lon: lonAtMeters(distM), Timestamp: at,
	}); err != nil {
		t.Fatalf("ingest at %.0fm: %v", distM, err)
	}
}

func TestRequestSwap(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	res, err := f.coord.RequestSwap(context.Background(), "u1", "st1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if res.Swap.State != models.SwapQueued {
		t.Fatalf("expected queued, got %s", res.Swap.State)
	}
	if res.QueuePosition != 1 {
		t.Fatalf("expected position 1, got %d", res.QueuePosition)
	}
	if res.EstimatedWait != 5*time.Minute {
		t.Fatalf("expected 5m wait, got %s", res.EstimatedWait)
	}
	if res.Token.SwapID != res.Swap.ID || res.Token.StationID != "st1" {
		t.Fatalf("token not bound to swap: %+v", res.Token)
	}
	if _, ok := f.tracker.State("u1", res.Swap.ID); !ok {
		t.Fatalf("expected tracker to follow the pair")
	}
	if u, ok := f.notifier.last("u1"); !ok || u.QueuePosition != 1 {
		t.Fatalf("expected queued notification, got %+v", u)
	}
}

func TestRequestSwapInactiveStation(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.queue.RegisterStation(models.Station{ID: "st1", Capacity: 5, Active: false})
	if _, err := f.coord.RequestSwap(context.Background(), "u1", "st1"); !errors.Is(err, ErrStationInactive) {
		t.Fatalf("expected ErrStationInactive, got %v", err)
	}
}

func TestRequestSwapCapacityExceeded(t *testing.T) {
	f := newFixture(t, nil, Config{})
	f.queue.RegisterStation(models.Station{ID: "st1", Capacity: 1, Active: true})
	if _, err := f.coord.RequestSwap(context.Background(), "u1", "st1"); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if _, err := f.coord.RequestSwap(context.Background(), "u2", "st1"); !errors.Is(err, queue.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	d, _ := f.queue.Depth("st1")
	if d != 1 {
		t.Fatalf("expected depth 1, got %d", d)
	}
}

func TestRequestSwapRollsBackSlotOnTokenFailure(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory(), failPutPrefix: "token:swap:"}
	f := newFixture(t, st, Config{})

	if _, err := f.coord.RequestSwap(context.Background(), "u1", "st1"); err == nil {
		t.Fatalf("expected token issue failure")
	}
	d, _ := f.queue.Depth("st1")
	if d != 0 {
		t.Fatalf("slot must be rolled back, depth=%d", d)
	}
}

func TestRequestSwapRollsBackOnSaveFailure(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory(), failPutPrefix: "swap:"}
	f := newFixture(t, st, Config{})
	ctx := context.Background()

	if _, err := f.coord.RequestSwap(ctx, "u1", "st1"); err == nil {
		t.Fatalf("expected save failure")
	}
	if d, _ := f.queue.Depth("st1"); d != 0 {
		t.Fatalf("slot must be rolled back, depth=%d", d)
	}

	// the token issued before the failed save must be dead and the pair
	// untracked; the swap id is recoverable from the token index key
	swapID := strings.TrimPrefix(st.lastKeyWithPrefix("token:swap:"), "token:swap:")
	if swapID == "" {
		t.Fatalf("expected a token index write")
	}
	f.advance(time.Second)
	if tok, ok, err := f.tokens.Live(ctx, swapID); err != nil || (ok && !tok.Expired(f.now)) {
		t.Fatalf("token must be invalidated, ok=%v err=%v", ok, err)
	}
	if _, ok := f.tracker.State("u1", swapID); ok {
		t.Fatalf("tracker must forget the pair")
	}

	// capacity is fully available again once the outage clears
	st.failPutPrefix = ""
	res, err := f.coord.RequestSwap(ctx, "u1", "st1")
	if err != nil {
		t.Fatalf("retry after outage: %v", err)
	}
	if res.QueuePosition != 1 {
		t.Fatalf("expected position 1 after rollback, got %d", res.QueuePosition)
	}
}

func TestTransitionSaveFailureKeepsPriorStamp(t *testing.T) {
	st := &failingStore{Memory: store.NewMemory()}
	f := newFixture(t, st, Config{})
	ctx := context.Background()

	firstArrival := f.now.Add(-2 * time.Minute)
	s := &models.Swap{
		ID:        "sw1",
		StationID: "st1",
		UserID:    "u1",
		State:     models.SwapApproaching,
		Transitions: map[models.SwapState]time.Time{
			models.SwapArrived:     firstArrival,
			models.SwapApproaching: f.now.Add(-time.Minute),
		},
	}

	st.failPutPrefix = "swap:"
	if err := f.coord.transition(ctx, s, models.SwapArrived); err == nil {
		t.Fatalf("expected save failure")
	}
	if s.State != models.SwapApproaching {
		t.Fatalf("state must roll back, got %s", s.State)
	}
	if got := s.Transitions[models.SwapArrived]; !got.Equal(firstArrival) {
		t.Fatalf("re-entered state must keep its earlier stamp, got %s want %s", got, firstArrival)
	}
}

func TestLifecycleCompletes(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true, CompletionCredits: 10, SwapPriceCents: 500, SwapCurrency: "usd"})
	ctx := context.Background()

	res, err := f.coord.RequestSwap(ctx, "u1", "st1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	id := res.Swap.ID

	f.ingest(t, "u1", id, 800, f.now.Add(time.Minute))
	s, _ := f.coord.Get(ctx, id)
	if s.State != models.SwapApproaching {
		t.Fatalf("expected approaching, got %s", s.State)
	}

	f.ingest(t, "u1", id, 300, f.now.Add(2*time.Minute))
	s, _ = f.coord.Get(ctx, id)
	if s.State != models.SwapArrived {
		t.Fatalf("expected arrived, got %s", s.State)
	}

	f.advance(3 * time.Minute)
	s, err = f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff-7")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s.State != models.SwapInProgress || s.StaffID != "staff-7" {
		t.Fatalf("expected in_progress by staff-7, got %+v", s)
	}
	if s.PaymentID != "pi_test" {
		t.Fatalf("expected payment hold, got %q", s.PaymentID)
	}

	f.advance(4 * time.Minute)
	s, err = f.coord.CompleteSwap(ctx, id, models.OutcomeCompleted)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.State != models.SwapCompleted || s.Outcome != models.OutcomeCompleted {
		t.Fatalf("expected completed, got %+v", s)
	}

	if d, _ := f.queue.Depth("st1"); d != 0 {
		t.Fatalf("slot must be released, depth=%d", d)
	}
	if _, ok := f.tracker.State("u1", id); ok {
		t.Fatalf("tracker must forget the pair")
	}
	if f.charger.captures != 1 {
		t.Fatalf("expected one capture, got %d", f.charger.captures)
	}
	if _, err := f.store.Get(ctx, "credits:u1:"+id); err != nil {
		t.Fatalf("expected credit ledger entry: %v", err)
	}
	hist, _ := f.archive.History("u1", 10)
	if len(hist) != 1 || hist[0].State != models.SwapCompleted {
		t.Fatalf("expected archived completed swap, got %+v", hist)
	}
	// service duration was fed back from the in_progress -> completed span
	f.queue.RecordServiceDuration("st1", 4*time.Minute)
	f.queue.RecordServiceDuration("st1", 4*time.Minute)
	w, _ := f.queue.EstimateWait("st1", 1)
	if w < 3*time.Minute || w > 5*time.Minute {
		t.Fatalf("expected smoothed estimate near 4m, got %s", w)
	}
}

func TestCompleteSwapIdempotent(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	ctx := context.Background()

	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))
	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.coord.CompleteSwap(ctx, res.Swap.ID, models.OutcomeCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	s, err := f.coord.CompleteSwap(ctx, res.Swap.ID, models.OutcomeCompleted)
	if err != nil {
		t.Fatalf("second complete must be a read, got %v", err)
	}
	if s.State != models.SwapCompleted {
		t.Fatalf("expected completed, got %s", s.State)
	}
	if f.charger.captures != 1 {
		t.Fatalf("capture must run exactly once, got %d", f.charger.captures)
	}
	hist, _ := f.archive.History("u1", 10)
	if len(hist) != 1 {
		t.Fatalf("archive must hold a single record, got %d", len(hist))
	}
}

func TestCompleteSwapFailedOutcome(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true, SwapPriceCents: 500, SwapCurrency: "usd"})
	ctx := context.Background()

	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))
	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff"); err != nil {
		t.Fatalf("verify: %v", err)
	}

	s, err := f.coord.CompleteSwap(ctx, res.Swap.ID, models.OutcomeFailed)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if s.State != models.SwapFailed || s.Outcome != models.OutcomeFailed {
		t.Fatalf("expected failed, got %+v", s)
	}
	if f.charger.cancels != 1 || f.charger.captures != 0 {
		t.Fatalf("failed swap must cancel the hold, cancels=%d captures=%d", f.charger.cancels, f.charger.captures)
	}
	if _, err := f.store.Get(ctx, "credits:u1:"+res.Swap.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("failed swap must not award credits, got %v", err)
	}
}

func TestCompleteSwapRequiresInProgress(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	if _, err := f.coord.CompleteSwap(ctx, res.Swap.ID, models.OutcomeCompleted); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition from queued, got %v", err)
	}
}

func TestEarlyVerifyFromApproaching(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 800, f.now.Add(time.Minute))

	s, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff")
	if err != nil {
		t.Fatalf("early verify: %v", err)
	}
	if s.State != models.SwapInProgress {
		t.Fatalf("expected in_progress, got %s", s.State)
	}
}

func TestEarlyVerifyDisabled(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: false})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 800, f.now.Add(time.Minute))

	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff"); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestVerifyAtWrongStation(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	f.queue.RegisterStation(models.Station{ID: "st2", Capacity: 5, Active: true})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))

	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st2", "staff"); !errors.Is(err, token.ErrStationMismatch) {
		t.Fatalf("expected ErrStationMismatch, got %v", err)
	}
}

func TestLateGeofenceEventIgnored(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	id := res.Swap.ID
	f.ingest(t, "u1", id, 300, f.now.Add(time.Minute))

	// a delayed far -> approaching event must not regress the arrived swap
	late := geofence.Event{UserID: "u1", SwapID: id, From: geofence.StateFar, To: geofence.StateApproaching, At: f.now}
	if err := f.coord.OnGeofenceEvent(ctx, id, late); err != nil {
		t.Fatalf("late event: %v", err)
	}
	s, _ := f.coord.Get(ctx, id)
	if s.State != models.SwapArrived {
		t.Fatalf("expected arrived unchanged, got %s", s.State)
	}
}

func TestStalenessRegression(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	id := res.Swap.ID
	f.ingest(t, "u1", id, 300, f.now.Add(time.Minute))

	evs := f.tracker.Sweep(f.now.Add(10 * time.Minute))
	if len(evs) != 1 {
		t.Fatalf("expected one regression, got %d", len(evs))
	}
	if err := f.coord.OnGeofenceEvent(ctx, id, evs[0]); err != nil {
		t.Fatalf("regression event: %v", err)
	}
	s, _ := f.coord.Get(ctx, id)
	if s.State != models.SwapApproaching {
		t.Fatalf("expected approaching after staleness, got %s", s.State)
	}
}

func TestExpiryReleasesSlot(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")

	f.advance(16 * time.Minute)
	s, err := f.coord.Get(ctx, res.Swap.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if s.State != models.SwapExpired {
		t.Fatalf("expected expired, got %s", s.State)
	}
	if d, _ := f.queue.Depth("st1"); d != 0 {
		t.Fatalf("expired swap must release its slot, depth=%d", d)
	}
	hist, _ := f.archive.History("u1", 10)
	if len(hist) != 1 || hist[0].State != models.SwapExpired {
		t.Fatalf("expected archived expired swap, got %+v", hist)
	}
}

func TestCancelFromQueued(t *testing.T) {
	f := newFixture(t, nil, Config{})
	ctx := context.Background()

	r1, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	r2, _ := f.coord.RequestSwap(ctx, "u2", "st1")
	if r2.QueuePosition != 2 {
		t.Fatalf("expected u2 at position 2, got %d", r2.QueuePosition)
	}

	s, err := f.coord.Cancel(ctx, r1.Swap.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if s.State != models.SwapCancelled {
		t.Fatalf("expected cancelled, got %s", s.State)
	}
	// the remaining rider shifted forward and was told so
	slot, ok := f.queue.Slot("st1", r2.Swap.ID)
	if !ok || slot.Position != 1 {
		t.Fatalf("expected u2 shifted to position 1, got %+v", slot)
	}
	if u, ok := f.notifier.last("u2"); !ok || u.QueuePosition != 1 {
		t.Fatalf("expected shift notification for u2, got %+v", u)
	}
}

func TestCancelAfterInProgress(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))
	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.coord.Cancel(ctx, res.Swap.ID); !errors.Is(err, ErrInvalidStateTransition) {
		t.Fatalf("expected ErrInvalidStateTransition, got %v", err)
	}
}

func TestTransitionsArePublished(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true})
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))
	if _, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff"); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := f.coord.CompleteSwap(ctx, res.Swap.ID, models.OutcomeCompleted); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.publisher.mu.Lock()
	defer f.publisher.mu.Unlock()
	var states []models.SwapState
	for _, tr := range f.publisher.transitions {
		states = append(states, tr.New)
	}
	want := []models.SwapState{models.SwapQueued, models.SwapArrived, models.SwapInProgress, models.SwapCompleted}
	if len(states) != len(want) {
		t.Fatalf("expected %v, got %v", want, states)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, states)
		}
	}
}

func TestHoldFailureDoesNotBlockSwap(t *testing.T) {
	f := newFixture(t, nil, Config{AllowEarlyVerify: true, SwapPriceCents: 500, SwapCurrency: "usd"})
	f.charger.holdErr = errors.New("card declined")
	ctx := context.Background()
	res, _ := f.coord.RequestSwap(ctx, "u1", "st1")
	f.ingest(t, "u1", res.Swap.ID, 300, f.now.Add(time.Minute))

	s, err := f.coord.OnTokenVerified(ctx, token.Wire(res.Token), "st1", "staff")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if s.State != models.SwapInProgress || s.PaymentID != "" {
		t.Fatalf("expected in_progress without payment, got %+v", s)
	}
}
