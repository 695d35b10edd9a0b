package bridge

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/fixlink/fixlink-client/internal/auth"
	"github.com/fixlink/fixlink-client/internal/geo"

	"go.uber.org/zap"
)

// PositionUpdateRequest is the body posted by the companion UI when the
// device produces a geolocation result
type PositionUpdateRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy"`
	// Unix timestamp in milliseconds
	Timestamp int64 `json:"timestamp"`
	// Set to "permission_denied" when the device refused the request
	Error string `json:"error,omitempty"`
}

// InteractionRequest is posted for every user interaction event
type InteractionRequest struct {
	Kind string `json:"kind"`
}

// InteractionSink receives valid user interaction events
type InteractionSink interface {
	RecordInteraction()
}

// Server is the localhost HTTP bridge between the excluded presentation
// layer and the engine: it feeds device position fixes into the position
// store and user interaction events into the session inactivity timers.
type Server struct {
	positions    *PositionStore
	interactions InteractionSink
	logger       *zap.Logger
}

// NewServer creates a bridge server
func NewServer(positions *PositionStore, interactions InteractionSink, logger *zap.Logger) *Server {
	return &Server{
		positions:    positions,
		interactions: interactions,
		logger:       logger,
	}
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusOK)
		return
	}

	switch r.URL.Path {
	case "/api/v1/position-update":
		if r.Method == http.MethodPost {
			s.handlePositionUpdate(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/interaction":
		if r.Method == http.MethodPost {
			s.handleInteraction(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	case "/api/v1/health":
		if r.Method == http.MethodGet {
			s.handleHealth(w, r)
		} else {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	default:
		http.NotFound(w, r)
	}
}

func (s *Server) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *Server) handlePositionUpdate(w http.ResponseWriter, r *http.Request) {
	var req PositionUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode position update", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Error == "permission_denied" {
		s.positions.SetDenied()
		s.writeOK(w)
		return
	}

	capturedAt := time.Now()
	if req.Timestamp > 0 {
		capturedAt = time.UnixMilli(req.Timestamp)
	}

	s.positions.Update(geo.Fix{
		Position: geo.Position{
			Latitude:  req.Latitude,
			Longitude: req.Longitude,
		},
		Accuracy:   req.Accuracy,
		CapturedAt: capturedAt,
	})

	s.writeOK(w)
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request) {
	var req InteractionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("Failed to decode interaction event", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if !auth.ValidInteraction(req.Kind) {
		http.Error(w, "Unknown interaction kind", http.StatusBadRequest)
		return
	}

	s.interactions.RecordInteraction()
	s.writeOK(w)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
