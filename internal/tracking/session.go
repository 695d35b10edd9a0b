package tracking

import (
	"context"
	"sync"
	"time"

	"github.com/fixlink/fixlink-client/internal/geo"
	"github.com/fixlink/fixlink-client/internal/models"

	"go.uber.org/zap"
)

// LocationPusher sends an outbound position sample to the backend
type LocationPusher func(ctx context.Context, requestID string, sample models.PositionSample) error

// Session combines the local GPS sampler (outbound) with inbound position
// events for both parties and derives the tracking view-model. Only the
// latest sample per actor is kept; older samples are discarded.
type Session struct {
	requestID    string
	selfRole     models.ActorRole
	minutesPerKm float64
	// position deltas below this many meters are GPS jitter, not movement
	epsilonM float64
	logger   *zap.Logger

	locator        geo.Locator
	sampleInterval time.Duration
	pusher         LocationPusher

	latest   map[models.ActorRole]*models.PositionSample
	previous map[models.ActorRole]*models.PositionSample
	moving   map[models.ActorRole]bool
	state    models.TrackingState
	sampler  *geo.Sampler
	onChange func(models.TrackingState)
	mu       sync.Mutex
}

// NewSession creates a tracking session for one repair request
func NewSession(
	requestID string,
	selfRole models.ActorRole,
	locator geo.Locator,
	sampleInterval time.Duration,
	minutesPerKm float64,
	epsilonM float64,
	pusher LocationPusher,
	logger *zap.Logger,
) *Session {
	return &Session{
		requestID:      requestID,
		selfRole:       selfRole,
		minutesPerKm:   minutesPerKm,
		epsilonM:       epsilonM,
		logger:         logger.With(zap.String("request_id", requestID)),
		locator:        locator,
		sampleInterval: sampleInterval,
		pusher:         pusher,
		latest:         make(map[models.ActorRole]*models.PositionSample),
		previous:       make(map[models.ActorRole]*models.PositionSample),
		moving:         make(map[models.ActorRole]bool),
	}
}

// OnChange registers the observer for tracking state recomputations
func (s *Session) OnChange(fn func(models.TrackingState)) {
	s.mu.Lock()
	s.onChange = fn
	s.mu.Unlock()
}

// State returns the current derived tracking state
func (s *Session) State() models.TrackingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnPositionSample applies one sample for one actor, overwriting the stored
// latest sample for that role, and recomputes the view-model.
func (s *Session) OnPositionSample(sample models.PositionSample) {
	s.mu.Lock()

	role := sample.ActorRole
	if prev := s.latest[role]; prev != nil {
		s.previous[role] = prev
		delta := geo.MetersBetween(
			geo.Position{Latitude: prev.Latitude, Longitude: prev.Longitude},
			geo.Position{Latitude: sample.Latitude, Longitude: sample.Longitude},
		)
		s.moving[role] = delta > s.epsilonM
	}

	stored := sample
	s.latest[role] = &stored
	state := s.recomputeLocked()
	fn := s.onChange
	s.mu.Unlock()

	if fn != nil {
		fn(state)
	}
}

// recomputeLocked derives distance, ETA and movement from the latest
// samples. ETA applies the minutes-per-km heuristic from now.
func (s *Session) recomputeLocked() models.TrackingState {
	state := models.TrackingState{
		ClientPosition:     s.latest[models.RoleClient],
		TechnicianPosition: s.latest[models.RoleTechnician],
	}

	for _, moving := range s.moving {
		if moving {
			state.IsMoving = true
			break
		}
	}

	if state.ClientPosition != nil && state.TechnicianPosition != nil {
		distanceKm, etaAt := geo.DistanceAndETA(
			geo.Position{Latitude: state.ClientPosition.Latitude, Longitude: state.ClientPosition.Longitude},
			geo.Position{Latitude: state.TechnicianPosition.Latitude, Longitude: state.TechnicianPosition.Longitude},
			s.minutesPerKm,
			time.Now(),
		)
		state.DistanceKm = &distanceKm
		state.EtaAt = &etaAt
	}

	s.state = state
	return state
}

// StartSharing begins pushing this party's position: one sample immediately,
// then one per interval. Location failures surface through onError with
// their distinct kinds; the caller decides retry vs. hard stop.
func (s *Session) StartSharing(ctx context.Context, onError func(error)) {
	s.mu.Lock()
	if s.sampler != nil {
		s.mu.Unlock()
		return
	}
	sampler := geo.NewSampler(s.locator, s.sampleInterval, s.logger)
	s.sampler = sampler
	s.mu.Unlock()

	sampler.Start(func(fix geo.Fix) {
		sample := models.PositionSample{
			ActorRole:  s.selfRole,
			Latitude:   fix.Position.Latitude,
			Longitude:  fix.Position.Longitude,
			CapturedAt: fix.CapturedAt,
		}

		s.OnPositionSample(sample)

		if err := s.pusher(ctx, s.requestID, sample); err != nil {
			s.logger.Warn("Failed to push position sample", zap.Error(err))
		}
	}, onError)

	s.logger.Info("Location sharing started",
		zap.String("role", string(s.selfRole)),
	)
}

// StopSharing cancels the sampling interval immediately. Nothing is queued
// for later send; sharing again creates a fresh sampler.
func (s *Session) StopSharing() {
	s.mu.Lock()
	sampler := s.sampler
	s.sampler = nil
	s.mu.Unlock()

	if sampler != nil {
		sampler.Stop()
		s.logger.Info("Location sharing stopped")
	}
}

// Sharing reports whether this party is currently pushing samples
func (s *Session) Sharing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sampler != nil
}
