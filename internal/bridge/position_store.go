package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/fixlink/fixlink-client/internal/geo"

	"go.uber.org/zap"
)

// PositionStore holds the most recent position fix delivered over the local
// bridge and serves it as the device geolocation capability. A fix older
// than the TTL is gone: the companion stopped reporting, so the position is
// unavailable rather than silently stale.
type PositionStore struct {
	mu         sync.RWMutex
	fix        *geo.Fix
	receivedAt time.Time
	denied     bool
	ttl        time.Duration
	logger     *zap.Logger
}

// NewPositionStore creates a position store with TTL-based staleness
func NewPositionStore(ttlSeconds int, logger *zap.Logger) *PositionStore {
	return &PositionStore{
		ttl:    time.Duration(ttlSeconds) * time.Second,
		logger: logger,
	}
}

// Update stores a fresh fix from the companion
func (s *PositionStore) Update(fix geo.Fix) {
	s.mu.Lock()
	s.fix = &fix
	s.receivedAt = time.Now()
	s.denied = false
	s.mu.Unlock()

	s.logger.Debug("Position fix updated",
		zap.Float64("latitude", fix.Position.Latitude),
		zap.Float64("longitude", fix.Position.Longitude),
		zap.Float64("accuracy", fix.Accuracy),
	)
}

// SetDenied records that the companion lost location permission. Cleared by
// the next successful Update.
func (s *PositionStore) SetDenied() {
	s.mu.Lock()
	s.denied = true
	s.mu.Unlock()
	s.logger.Warn("Location permission denied by device")
}

// Current implements geo.Locator
func (s *PositionStore) Current(ctx context.Context) (geo.Fix, error) {
	select {
	case <-ctx.Done():
		return geo.Fix{}, geo.NewLocationError(geo.Timeout, ctx.Err().Error())
	default:
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.denied {
		return geo.Fix{}, geo.NewLocationError(geo.PermissionDenied, "device reported permission denied")
	}
	if s.fix == nil {
		return geo.Fix{}, geo.NewLocationError(geo.PositionUnavailable, "no position fix received")
	}
	if time.Since(s.receivedAt) > s.ttl {
		return geo.Fix{}, geo.NewLocationError(geo.PositionUnavailable, "last position fix is stale")
	}

	return *s.fix, nil
}
