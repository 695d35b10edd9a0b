package geo

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Fix is one timestamped position from the device location source
type Fix struct {
	Position   Position
	Accuracy   float64
	CapturedAt time.Time
}

// Locator abstracts the device geolocation capability. Failures are typed
// (*LocationError) so callers can distinguish permission denial from a
// transiently unavailable position.
type Locator interface {
	Current(ctx context.Context) (Fix, error)
}

// Sampler produces position fixes on an interval while location sharing is
// enabled: one immediately on start, then one per interval. Stopping cancels
// the interval at once; no samples are queued for later send.
type Sampler struct {
	locator  Locator
	interval time.Duration
	timeout  time.Duration
	logger   *zap.Logger

	onSample func(Fix)
	onError  func(error)

	started  bool
	stopChan chan struct{}
	cancel   context.CancelFunc
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewSampler creates a sampler over the given locator
func NewSampler(locator Locator, interval time.Duration, logger *zap.Logger) *Sampler {
	return &Sampler{
		locator:  locator,
		interval: interval,
		timeout:  interval,
		logger:   logger,
		stopChan: make(chan struct{}),
	}
}

// Start begins sampling. onSample receives each fix; onError receives typed
// location failures. A sampler is single-use: once stopped it cannot be
// restarted, callers create a new one when sharing resumes.
func (s *Sampler) Start(onSample func(Fix), onError func(error)) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.onSample = onSample
	s.onError = onError

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.sampleLoop(ctx)

	s.logger.Info("Location sampler started",
		zap.Duration("interval", s.interval),
	)
}

// Stop cancels sampling immediately and irreversibly
func (s *Sampler) Stop() {
	s.mu.Lock()
	select {
	case <-s.stopChan:
		s.mu.Unlock()
		return
	default:
		close(s.stopChan)
	}
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.logger.Info("Location sampler stopped")
}

func (s *Sampler) sampleLoop(ctx context.Context) {
	defer s.wg.Done()

	// First sample goes out immediately when sharing starts
	s.sampleOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sampleOnce(ctx)
		case <-s.stopChan:
			return
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	sampleCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	fix, err := s.locator.Current(sampleCtx)
	if err != nil {
		// A cancelled context means Stop won the race; stay silent
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("Location sample failed", zap.Error(err))
		if s.onError != nil {
			s.onError(err)
		}
		return
	}

	select {
	case <-s.stopChan:
		// Sharing stopped while the fix was in flight; drop it
		return
	default:
	}

	if s.onSample != nil {
		s.onSample(fix)
	}
}
