// Package token issues and redeems the single-use reservation credentials
// riders present at the station. The wire format is fixed: six colon-separated
// fields, `issuedAt:userId:stationId:swapId:nonce:signature`, where signature
// is the first 16 hex characters of SHA-256(secret || payload) over the first
// five fields joined by colons. Existing verifier devices depend on this
// exact layout.
package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/observability"
	"github.com/example/battery-swap/internal/store"
)

const signatureLen = 16

var (
	ErrMalformed        = errors.New("token: malformed wire token")
	ErrInvalidSignature = errors.New("token: invalid signature")
	ErrExpired          = errors.New("token: expired")
	ErrStationMismatch  = errors.New("token: not valid for this station")
	ErrAlreadyUsed      = errors.New("token: already used")
)

// Service issues and verifies reservation tokens. Token records are stored
// keyed by nonce; the consumed flag flips false to true exactly once via the
// store's compare-and-swap.
type Service struct {
	store  store.Store
	secret []byte
	ttl    time.Duration

	// Now is the time source, swappable in tests.
	Now func() time.Time
}

func NewService(st store.Store, secret string, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	return &Service{store: st, secret: []byte(secret), ttl: ttl, Now: time.Now}
}

// Issue creates a new token for the swap. Any prior live token for the same
// swap is invalidated first, so at most one live token exists per swap.
func (s *Service) Issue(ctx context.Context, swapID, stationID, userID string) (models.ReservationToken, error) {
	now := s.Now().UTC()

	if err := s.invalidatePrior(ctx, swapID, now); err != nil {
		return models.ReservationToken{}, err
	}

	nonce, err := newNonce()
	if err != nil {
		return models.ReservationToken{}, err
	}

	t := models.ReservationToken{
		SwapID:    swapID,
		StationID: stationID,
		UserID:    userID,
		IssuedAt:  now,
		ExpiresAt: now.Add(s.ttl),
		Nonce:     nonce,
	}
	t.Signature = s.sign(payload(t))

	b, err := json.Marshal(t)
	if err != nil {
		return models.ReservationToken{}, err
	}
	err = store.WithRetry(ctx, 3, 100*time.Millisecond, func(ctx context.Context) error {
		return s.store.CompareAndSwap(ctx, nonceKey(nonce), nil, b)
	})
	if err != nil {
		return models.ReservationToken{}, fmt.Errorf("storing token: %w", err)
	}
	if err := s.store.Put(ctx, swapKey(swapID), []byte(nonce)); err != nil {
		return models.ReservationToken{}, fmt.Errorf("indexing token: %w", err)
	}
	return t, nil
}

// Verify checks the wire token against the verifying station and, on success,
// atomically consumes it and returns the swap id. The consumed flip and the
// success return are indivisible: when two verify calls race, exactly one
// wins and the other sees ErrAlreadyUsed.
func (s *Service) Verify(ctx context.Context, wire, stationID, verifierID string) (string, error) {
	swapID, err := s.verify(ctx, wire, stationID, verifierID)
	observability.TokenVerifications.WithLabelValues(resultLabel(err)).Inc()
	return swapID, err
}

func (s *Service) verify(ctx context.Context, wire, stationID, verifierID string) (string, error) {
	parts := strings.Split(wire, ":")
	if len(parts) != 6 {
		return "", ErrMalformed
	}
	issuedAtStr, tokenStation, swapID, nonce, sig := parts[0], parts[2], parts[3], parts[4], parts[5]

	signed := strings.Join(parts[:5], ":")
	expected := s.sign(signed)
	if subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) != 1 {
		return "", ErrInvalidSignature
	}

	issuedAt, err := strconv.ParseInt(issuedAtStr, 10, 64)
	if err != nil {
		return "", ErrMalformed
	}
	now := s.Now().UTC()
	if now.After(time.Unix(issuedAt, 0).Add(s.ttl)) {
		return "", ErrExpired
	}

	if tokenStation != stationID {
		return "", ErrStationMismatch
	}

	raw, err := s.store.Get(ctx, nonceKey(nonce))
	if errors.Is(err, store.ErrNotFound) {
		return "", ErrExpired
	}
	if err != nil {
		return "", err
	}
	var rec models.ReservationToken
	if err := json.Unmarshal(raw, &rec); err != nil {
		return "", fmt.Errorf("decoding token record: %w", err)
	}
	if rec.Consumed {
		return "", ErrAlreadyUsed
	}
	if rec.Expired(now) {
		return "", ErrExpired
	}

	next := rec
	next.Consumed = true
	next.VerifiedBy = verifierID
	nb, err := json.Marshal(next)
	if err != nil {
		return "", err
	}
	err = s.store.CompareAndSwap(ctx, nonceKey(nonce), raw, nb)
	if errors.Is(err, store.ErrConflict) {
		// Lost the race: a concurrent verify consumed it first.
		return "", ErrAlreadyUsed
	}
	if err != nil {
		return "", err
	}
	return swapID, nil
}

// Live returns the current unconsumed token for a swap, if one exists. Used
// by the lifecycle coordinator's lazy expiry check.
func (s *Service) Live(ctx context.Context, swapID string) (models.ReservationToken, bool, error) {
	nonce, err := s.store.Get(ctx, swapKey(swapID))
	if errors.Is(err, store.ErrNotFound) {
		return models.ReservationToken{}, false, nil
	}
	if err != nil {
		return models.ReservationToken{}, false, err
	}
	raw, err := s.store.Get(ctx, nonceKey(string(nonce)))
	if errors.Is(err, store.ErrNotFound) {
		return models.ReservationToken{}, false, nil
	}
	if err != nil {
		return models.ReservationToken{}, false, err
	}
	var rec models.ReservationToken
	if err := json.Unmarshal(raw, &rec); err != nil {
		return models.ReservationToken{}, false, err
	}
	if rec.Consumed {
		return models.ReservationToken{}, false, nil
	}
	return rec, true, nil
}

// Invalidate expires the live token for a swap, if any. Used by the lifecycle
// coordinator to compensate a reservation that failed after issuance.
func (s *Service) Invalidate(ctx context.Context, swapID string) error {
	return s.invalidatePrior(ctx, swapID, s.Now().UTC())
}

// Wire renders the token in its interoperable string form.
func Wire(t models.ReservationToken) string {
	return payload(t) + ":" + t.Signature
}

func payload(t models.ReservationToken) string {
	return fmt.Sprintf("%d:%s:%s:%s:%s", t.IssuedAt.Unix(), t.UserID, t.StationID, t.SwapID, t.Nonce)
}

func (s *Service) sign(p string) string {
	sum := sha256.Sum256(append(append([]byte(nil), s.secret...), p...))
	return hex.EncodeToString(sum[:])[:signatureLen]
}

// invalidatePrior expires the existing live token for a swap, if any.
func (s *Service) invalidatePrior(ctx context.Context, swapID string, now time.Time) error {
	prior, ok, err := s.Live(ctx, swapID)
	if err != nil || !ok {
		return err
	}
	prior.ExpiresAt = now
	b, err := json.Marshal(prior)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, nonceKey(prior.Nonce), b)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func nonceKey(nonce string) string { return "token:" + nonce }
func swapKey(swapID string) string { return "token:swap:" + swapID }

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrAlreadyUsed):
		return "already_used"
	case errors.Is(err, ErrInvalidSignature), errors.Is(err, ErrMalformed):
		return "invalid"
	case errors.Is(err, ErrStationMismatch):
		return "station_mismatch"
	default:
		return "error"
	}
}
