package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/example/battery-swap/internal/models"
)

// fakeSink implements locationSink for tests
type fakeSink struct {
	fail  int // number of times to fail before succeeding
	calls int
	last  models.LocationSample
}

func (f *fakeSink) Deliver(ctx context.Context, s models.LocationSample) error {
	f.calls++
	f.last = s
	if f.calls <= f.fail {
		return errors.New("deliver fail")
	}
	return nil
}

func TestDeliverWithRetry_SucceedsAfterRetries(t *testing.T) {
	f := &fakeSink{fail: 2}
	s := models.LocationSample{UserID: "u1", SwapID: "sw1", Lat: 1, Lon: 2, Timestamp: time.Now()}
	start := time.Now()
	if err := deliverWithRetry(context.Background(), f, s, 3, 10*time.Millisecond); err != nil {
		t.Fatalf("expected success, got err=%v", err)
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
	if time.Since(start) < 10*time.Millisecond {
		t.Fatalf("expected at least one backoff")
	}
	if f.last.UserID != "u1" || f.last.SwapID != "sw1" {
		t.Fatalf("unexpected sample %+v", f.last)
	}
}

func TestDeliverWithRetry_FailsWhenExhausted(t *testing.T) {
	f := &fakeSink{fail: 5}
	s := models.LocationSample{UserID: "u1", SwapID: "sw1"}
	if err := deliverWithRetry(context.Background(), f, s, 3, 5*time.Millisecond); err == nil {
		t.Fatalf("expected error after retries")
	}
	if f.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", f.calls)
	}
}

func TestApiSinkPostsSample(t *testing.T) {
	var got models.LocationSample
	var path, method string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		method, path = r.Method, r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	sink := &apiSink{base: srv.URL, client: srv.Client()}
	s := models.LocationSample{UserID: "u1", SwapID: "sw1", Lat: 12.9, Lon: 77.6, Timestamp: time.Unix(1700000000, 0).UTC()}
	if err := sink.Deliver(context.Background(), s); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if method != http.MethodPost || path != "/internal/locations" {
		t.Fatalf("unexpected request %s %s", method, path)
	}
	if got.UserID != "u1" || got.SwapID != "sw1" || got.Lat != 12.9 {
		t.Fatalf("unexpected body %+v", got)
	}
}

func TestApiSinkRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := &apiSink{base: srv.URL, client: srv.Client()}
	if err := sink.Deliver(context.Background(), models.LocationSample{UserID: "u1", SwapID: "sw1"}); err == nil {
		t.Fatalf("expected error on 500")
	}
}
