package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/store"
)

func testManager(t *testing.T, capacity int) *Manager {
	t.Helper()
	m := NewManager(store.NewMemory(), Config{
		DefaultServiceDuration: 5 * time.Minute,
		EWMAWindow:             20,
		EWMAMinSamples:         3,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	m.RegisterStation(models.Station{ID: "st1", Name: "Main St", Capacity: capacity, Active: true})
	return m
}

func TestReserveAssignsContiguousPositions(t *testing.T) {
	m := testManager(t, 5)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		slot, err := m.Reserve(ctx, "st1", fmt.Sprintf("u%d", i), fmt.Sprintf("sw%d", i))
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if slot.Position != i {
			t.Fatalf("expected position %d, got %d", i, slot.Position)
		}
	}
	d, _ := m.Depth("st1")
	if d != 3 {
		t.Fatalf("expected depth 3, got %d", d)
	}
}

func TestReserveRejectsBeyondCapacity(t *testing.T) {
	const capacity = 20
	m := testManager(t, capacity)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, capacity+1)
	for i := 0; i <= capacity; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = m.Reserve(ctx, "st1", fmt.Sprintf("u%d", i), fmt.Sprintf("sw%d", i))
		}(i)
	}
	wg.Wait()

	ok, rejected := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrCapacityExceeded):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if ok != capacity || rejected != 1 {
		t.Fatalf("expected %d accepted and 1 rejected, got %d/%d", capacity, ok, rejected)
	}

	// positions must be exactly 1..capacity
	slots, err := m.Snapshot("st1")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	seen := make(map[int]bool)
	for _, s := range slots {
		if s.Position < 1 || s.Position > capacity || seen[s.Position] {
			t.Fatalf("position invariant broken: %+v", slots)
		}
		seen[s.Position] = true
	}

	// releasing one slot frees exactly one reservation, taken at the tail
	if err := m.Release(ctx, "st1", slots[0].SwapID); err != nil {
		t.Fatalf("release: %v", err)
	}
	slot, err := m.Reserve(ctx, "st1", "late", "sw-late")
	if err != nil {
		t.Fatalf("reserve after release: %v", err)
	}
	if slot.Position != capacity {
		t.Fatalf("expected tail position %d, got %d", capacity, slot.Position)
	}
}

func TestReleaseCompactsPositions(t *testing.T) {
	m := testManager(t, 5)
	ctx := context.Background()

	for i := 1; i <= 4; i++ {
		if _, err := m.Reserve(ctx, "st1", fmt.Sprintf("u%d", i), fmt.Sprintf("sw%d", i)); err != nil {
			t.Fatalf("reserve: %v", err)
		}
	}
	if err := m.Release(ctx, "st1", "sw2"); err != nil {
		t.Fatalf("release: %v", err)
	}

	slots, _ := m.Snapshot("st1")
	want := map[string]int{"sw1": 1, "sw3": 2, "sw4": 3}
	if len(slots) != 3 {
		t.Fatalf("expected 3 slots, got %d", len(slots))
	}
	for _, s := range slots {
		if want[s.SwapID] != s.Position {
			t.Fatalf("swap %s at position %d, want %d", s.SwapID, s.Position, want[s.SwapID])
		}
	}
}

func TestReleaseAbsentIsNoop(t *testing.T) {
	m := testManager(t, 5)
	ctx := context.Background()
	if _, err := m.Reserve(ctx, "st1", "u1", "sw1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := m.Release(ctx, "st1", "nope"); err != nil {
		t.Fatalf("release of absent slot must be a no-op, got %v", err)
	}
	if err := m.Release(ctx, "st1", "sw1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := m.Release(ctx, "st1", "sw1"); err != nil {
		t.Fatalf("double release must be a no-op, got %v", err)
	}
	d, _ := m.Depth("st1")
	if d != 0 {
		t.Fatalf("expected empty queue, got %d", d)
	}
}

func TestUnknownStation(t *testing.T) {
	m := testManager(t, 5)
	if _, err := m.Reserve(context.Background(), "ghost", "u1", "sw1"); !errors.Is(err, ErrUnknownStation) {
		t.Fatalf("expected ErrUnknownStation, got %v", err)
	}
}

func TestEstimateWaitUsesDefaultBelowMinSamples(t *testing.T) {
	m := testManager(t, 5)

	w, err := m.EstimateWait("st1", 2)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if w != 10*time.Minute {
		t.Fatalf("expected 2 x default (10m), got %s", w)
	}

	m.RecordServiceDuration("st1", 2*time.Minute)
	m.RecordServiceDuration("st1", 2*time.Minute)
	w, _ = m.EstimateWait("st1", 2)
	if w != 10*time.Minute {
		t.Fatalf("below min samples the default must still apply, got %s", w)
	}
}

func TestEstimateWaitEWMA(t *testing.T) {
	m := testManager(t, 5)
	for i := 0; i < 3; i++ {
		m.RecordServiceDuration("st1", 2*time.Minute)
	}
	w, err := m.EstimateWait("st1", 3)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	// identical samples keep the average at 2m
	if !within(w, 6*time.Minute, time.Millisecond) {
		t.Fatalf("expected ~6m, got %s", w)
	}
}

func within(got, want, tol time.Duration) bool {
	d := got - want
	if d < 0 {
		d = -d
	}
	return d <= tol
}

func TestRecordServiceDurationSmoothing(t *testing.T) {
	m := testManager(t, 5)
	m.RecordServiceDuration("st1", 100*time.Second)
	m.RecordServiceDuration("st1", 100*time.Second)
	m.RecordServiceDuration("st1", 310*time.Second)

	// alpha = 2/(20+1); avg = alpha*310 + (1-alpha)*100 = 120
	w, _ := m.EstimateWait("st1", 1)
	if !within(w, 120*time.Second, time.Millisecond) {
		t.Fatalf("expected ~120s smoothed average, got %s", w)
	}
}

func TestRegisterStationUpdatesMutableFields(t *testing.T) {
	m := testManager(t, 5)
	ctx := context.Background()
	if _, err := m.Reserve(ctx, "st1", "u1", "sw1"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	m.RegisterStation(models.Station{ID: "st1", Name: "ignored", Capacity: 1, Active: false})

	st, err := m.Station("st1")
	if err != nil {
		t.Fatalf("station: %v", err)
	}
	if st.Capacity != 1 || st.Active {
		t.Fatalf("expected capacity/active updated, got %+v", st)
	}
	if st.Name != "Main St" {
		t.Fatalf("name must not change on re-register, got %q", st.Name)
	}
	// existing slot survives the shrink; new reservations are rejected
	if _, err := m.Reserve(ctx, "st1", "u2", "sw2"); !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded after shrink, got %v", err)
	}
	d, _ := m.Depth("st1")
	if d != 1 {
		t.Fatalf("expected existing slot kept, got %d", d)
	}
}
