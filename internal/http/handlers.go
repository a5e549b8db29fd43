package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/battery-swap/internal/dispatch"
	"github.com/example/battery-swap/internal/models"
	"github.com/example/battery-swap/internal/queue"
	"github.com/example/battery-swap/internal/recommend"
	"github.com/example/battery-swap/internal/storage"
	"github.com/example/battery-swap/internal/store"
	"github.com/example/battery-swap/internal/swap"
	"github.com/example/battery-swap/internal/token"
)

// Server exposes the coordinator and its collaborators over HTTP.
type Server struct {
	Coordinator *swap.Coordinator
	Queue       *queue.Manager
	Scorer      *recommend.Scorer
	Archive     storage.SwapArchive
	WSReg       *dispatch.WSRegistry

	MaxSearchRadiusM float64

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(coord *swap.Coordinator, q *queue.Manager, scorer *recommend.Scorer,
	archive storage.SwapArchive, wsreg *dispatch.WSRegistry, maxRadiusM float64, logger *slog.Logger) *Server {
	s := &Server{
		Coordinator:      coord,
		Queue:            q,
		Scorer:           scorer,
		Archive:          archive,
		WSReg:            wsreg,
		MaxSearchRadiusM: maxRadiusM,
		logger:           logger,
		mux:              mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/queue/confirm", s.handleQueueConfirm).Methods("POST")
	s.mux.HandleFunc("/api/v1/queue/status/{station_id}", s.handleQueueStatus).Methods("GET")
	s.mux.HandleFunc("/api/v1/queue/available-slots/{station_id}", s.handleAvailableSlots).Methods("GET")
	s.mux.HandleFunc("/api/v1/qr/verify", s.handleVerify).Methods("POST")
	s.mux.HandleFunc("/api/v1/swaps/complete", s.handleComplete).Methods("POST")
	s.mux.HandleFunc("/api/v1/swaps/user/{user_id}", s.handleHistory).Methods("GET")
	s.mux.HandleFunc("/api/v1/swaps/{swap_id}", s.handleGetSwap).Methods("GET")
	s.mux.HandleFunc("/api/v1/swaps/{swap_id}/cancel", s.handleCancel).Methods("POST")
	s.mux.HandleFunc("/api/v1/recommendations", s.handleRecommendations).Methods("POST")
	s.mux.HandleFunc("/api/v1/stations", s.handleRegisterStation).Methods("POST")
	s.mux.HandleFunc("/api/v1/stations", s.handleListStations).Methods("GET")
	s.mux.HandleFunc("/internal/locations", s.handleLocation).Methods("POST")
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type queueConfirmRequest struct {
	UserID    string       `json:"user_id"`
	StationID string       `json:"station_id"`
	Location  models.Coord `json:"location"`
}

func (s *Server) handleQueueConfirm(w http.ResponseWriter, r *http.Request) {
	var req queueConfirmRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	res, err := s.Coordinator.RequestSwap(r.Context(), req.UserID, req.StationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// Seed the tracker with the rider's location at confirmation time.
	_ = s.Coordinator.IngestLocation(r.Context(), models.LocationSample{
		UserID: req.UserID, SwapID: res.Swap.ID,
		Lat: req.Location.Lat, Lon: req.Location.Lon,
		Timestamp: time.Now().UTC(),
	})
	writeJSON(w, http.StatusCreated, map[string]any{
		"swap_id":                res.Swap.ID,
		"queue_position":         res.QueuePosition,
		"estimated_wait_seconds": int(res.EstimatedWait.Seconds()),
		"qr_token":               token.Wire(res.Token),
		"qr_expiry":              res.Token.ExpiresAt,
	})
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	slots, err := s.Queue.Snapshot(stationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	type entry struct {
		Position          int    `json:"position"`
		UserID            string `json:"user_id"`
		SwapID            string `json:"swap_id"`
		EstimatedWaitSecs int    `json:"estimated_wait_seconds"`
	}
	entries := make([]entry, 0, len(slots))
	for _, slot := range slots {
		wait, _ := s.Queue.EstimateWait(stationID, slot.Position)
		entries = append(entries, entry{
			Position:          slot.Position,
			UserID:            slot.UserID,
			SwapID:            slot.SwapID,
			EstimatedWaitSecs: int(wait.Seconds()),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station_id":     stationID,
		"total_in_queue": len(entries),
		"queue_entries":  entries,
	})
}

func (s *Server) handleAvailableSlots(w http.ResponseWriter, r *http.Request) {
	stationID := mux.Vars(r)["station_id"]
	station, err := s.Queue.Station(stationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	depth, err := s.Queue.Depth(stationID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	available := station.Capacity - depth
	if available < 0 {
		available = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"station_id":           stationID,
		"available_slots":      available,
		"current_queue_length": depth,
		"max_capacity":         station.Capacity,
	})
}

type verifyRequest struct {
	QRToken   string `json:"qr_token"`
	StationID string `json:"station_id"`
	StaffID   string `json:"staff_id"`
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sw, err := s.Coordinator.OnTokenVerified(r.Context(), req.QRToken, req.StationID, req.StaffID)
	if err != nil {
		// Verification failures are an expected part of the flow; report
		// them as a structured "invalid" response rather than an error.
		writeJSON(w, http.StatusOK, map[string]any{
			"valid":   false,
			"kind":    errorKind(err),
			"message": err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"swap_id": sw.ID,
		"message": "token verified, swap started",
	})
}

type completeRequest struct {
	SwapID  string             `json:"swap_id"`
	StaffID string             `json:"staff_id"`
	Outcome models.SwapOutcome `json:"outcome"`
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Outcome == "" {
		req.Outcome = models.OutcomeCompleted
	}
	sw, err := s.Coordinator.CompleteSwap(r.Context(), req.SwapID, req.Outcome)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleGetSwap(w http.ResponseWriter, r *http.Request) {
	sw, err := s.Coordinator.Get(r.Context(), mux.Vars(r)["swap_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	sw, err := s.Coordinator.Cancel(r.Context(), mux.Vars(r)["swap_id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sw)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	swaps, err := s.Archive.History(mux.Vars(r)["user_id"], 20)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"swaps": swaps, "total": len(swaps)})
}

type recommendationRequest struct {
	UserID   string       `json:"user_id"`
	Location models.Coord `json:"location"`
}

func (s *Server) handleRecommendations(w http.ResponseWriter, r *http.Request) {
	var req recommendationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cands := s.candidates()
	ranked, err := s.Scorer.Rank(r.Context(), cands, req.Location, s.MaxSearchRadiusM)
	if errors.Is(err, recommend.ErrNoEligibleCandidate) {
		writeJSON(w, http.StatusOK, map[string]any{
			"recommended_stations": []models.StationScore{},
			"message":              "no station within search radius, widen the radius and retry",
		})
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(ranked) > 5 {
		ranked = ranked[:5]
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"recommended_stations": ranked,
		"optimal_station_id":   ranked[0].StationID,
	})
}

func (s *Server) candidates() []recommend.Candidate {
	stations := s.Queue.Stations()
	out := make([]recommend.Candidate, 0, len(stations))
	for _, st := range stations {
		depth, err := s.Queue.Depth(st.ID)
		if err != nil {
			continue
		}
		wait, _ := s.Queue.EstimateWait(st.ID, depth+1)
		out = append(out, recommend.Candidate{Station: st, QueueDepth: depth, EstimatedWait: wait})
	}
	return out
}

func (s *Server) handleRegisterStation(w http.ResponseWriter, r *http.Request) {
	var st models.Station
	if err := json.NewDecoder(r.Body).Decode(&st); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if st.ID == "" || st.Capacity <= 0 {
		http.Error(w, "station id and positive capacity required", http.StatusBadRequest)
		return
	}
	s.Queue.RegisterStation(st)
	writeJSON(w, http.StatusCreated, st)
}

func (s *Server) handleListStations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Queue.Stations())
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	var sample models.LocationSample
	if err := json.NewDecoder(r.Body).Decode(&sample); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if sample.Timestamp.IsZero() {
		sample.Timestamp = time.Now().UTC()
	}
	if err := s.Coordinator.IngestLocation(r.Context(), sample); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	s.WSReg.Add(userID, conn)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps domain sentinels to status codes, always carrying the kind
// so clients can render user-facing messages per failure class.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrCapacityExceeded):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrUnknownStation), errors.Is(err, swap.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, swap.ErrStationInactive), errors.Is(err, swap.ErrInvalidStateTransition):
		status = http.StatusBadRequest
	case errors.Is(err, queue.ErrQueueCorrupted), errors.Is(err, store.ErrUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{"error": err.Error(), "kind": errorKind(err)})
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, queue.ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, token.ErrExpired):
		return "token_expired"
	case errors.Is(err, token.ErrAlreadyUsed):
		return "token_already_used"
	case errors.Is(err, token.ErrInvalidSignature), errors.Is(err, token.ErrMalformed):
		return "token_invalid_signature"
	case errors.Is(err, token.ErrStationMismatch):
		return "station_mismatch"
	case errors.Is(err, swap.ErrInvalidStateTransition):
		return "invalid_state_transition"
	case errors.Is(err, swap.ErrNotFound), errors.Is(err, queue.ErrUnknownStation):
		return "not_found"
	case errors.Is(err, queue.ErrQueueCorrupted):
		return "queue_corrupted"
	case errors.Is(err, store.ErrUnavailable):
		return "store_unavailable"
	default:
		return "internal"
	}
}
