package refresh

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"fleettrack/internal/metrics"
	"fleettrack/pkg/models"
)

// DefaultInterval is the time between two polls
const DefaultInterval = 60 * time.Second

// State of a Scheduler
type State int32

const (
	StateIdle State = iota
	StateScheduled
	StateFetching
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateFetching:
		return "fetching"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Fetcher loads the live locations of one user
type Fetcher func(ctx context.Context, userID int) ([]models.VehicleLocation, error)

// Scheduler runs at most one polling loop at a time.
//
// OnUpdate and OnError are called from the timer goroutine and must not call
// Start or Cancel on the same scheduler.
type Scheduler struct {
	fetch    Fetcher
	interval time.Duration
	clock    clock.Clock
	logger   *zap.Logger
	metrics  *metrics.Metrics
	onUpdate func(userID int, locations []models.VehicleLocation)
	onError  func(userID int, err error)

	mu         sync.Mutex
	state      State
	userID     int
	generation uint64
	timer      *clock.Timer
	ctx        context.Context
	cancelCtx  context.CancelFunc
	polls      int

	// held while a result is published so Cancel can wait for it
	deliver sync.Mutex
}

// Option configures a Scheduler
type Option func(*Scheduler)

func WithInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.interval = d }
}

func WithClock(clk clock.Clock) Option {
	return func(s *Scheduler) { s.clock = clk }
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithOnUpdate sets the receiver of successful polls. Locations with an
// unknown position are already filtered out.
func WithOnUpdate(fn func(userID int, locations []models.VehicleLocation)) Option {
	return func(s *Scheduler) { s.onUpdate = fn }
}

// WithOnError sets the receiver of failed polls
func WithOnError(fn func(userID int, err error)) Option {
	return func(s *Scheduler) { s.onError = fn }
}

// New creates an idle scheduler
func New(fetch Fetcher, opts ...Option) *Scheduler {
	s := &Scheduler{
		fetch:    fetch,
		interval: DefaultInterval,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		state:    StateIdle,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins polling userID, replacing any loop already running
func (s *Scheduler) Start(userID int) {
	s.mu.Lock()
	if s.state == StateScheduled || s.state == StateFetching {
		s.stopLocked()
		s.logger.Debug("refresh loop restarted", zap.Int("user_id", userID))
	}
	s.mu.Unlock()

	s.deliver.Lock()
	s.deliver.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.stopLocked()
	s.userID = userID
	s.ctx, s.cancelCtx = context.WithCancel(context.Background())
	s.armLocked(s.generation)

	s.logger.Debug("refresh loop started",
		zap.Int("user_id", userID),
		zap.Duration("interval", s.interval),
	)
}

// Cancel stops the loop. A pending timer is cleared, an in-flight fetch is
// cancelled and its result dropped. Calling Cancel on an idle or already
// cancelled scheduler does nothing.
func (s *Scheduler) Cancel() {
	s.mu.Lock()
	if s.state == StateIdle || s.state == StateCancelled {
		s.mu.Unlock()
		return
	}
	s.stopLocked()
	s.state = StateCancelled
	userID := s.userID
	s.mu.Unlock()

	// Wait out a publish that passed its generation check before we bumped it.
	s.deliver.Lock()
	s.deliver.Unlock()

	s.logger.Debug("refresh loop cancelled", zap.Int("user_id", userID))
}

// State returns the current state
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID returns the user of the current or last loop
func (s *Scheduler) UserID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Polls returns how many fetches have been issued
func (s *Scheduler) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

// stopLocked invalidates every callback of the running loop
func (s *Scheduler) stopLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.cancelCtx != nil {
		s.cancelCtx()
		s.cancelCtx = nil
	}
}

func (s *Scheduler) armLocked(gen uint64) {
	s.state = StateScheduled
	s.timer = s.clock.AfterFunc(s.interval, func() { s.tick(gen) })
}

func (s *Scheduler) tick(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || s.state != StateScheduled {
		s.mu.Unlock()
		return
	}
	s.state = StateFetching
	s.timer = nil
	s.polls++
	ctx, userID := s.ctx, s.userID
	s.mu.Unlock()

	s.metrics.Poll()
	locations, err := s.fetch(ctx, userID)

	s.deliver.Lock()
	if !s.current(gen) {
		s.deliver.Unlock()
		return
	}
	if err != nil {
		s.metrics.PollFailure()
		s.logger.Warn("live location refresh failed, retrying on next tick",
			zap.Int("user_id", userID),
			zap.Duration("retry_in", s.interval),
			zap.Error(err),
		)
		if s.onError != nil {
			s.onError(userID, err)
		}
	} else if s.onUpdate != nil {
		s.onUpdate(userID, models.KnownPositions(locations))
	}
	s.deliver.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen == s.generation {
		s.armLocked(gen)
	}
}

func (s *Scheduler) current(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.generation
}
