// Package tracking drives the vehicle locations view of one user: initial
// load, live refresh and list/map selection.
package tracking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"fleettrack/internal/metrics"
	"fleettrack/internal/refresh"
	"fleettrack/internal/selection"
	"fleettrack/pkg/models"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrSessionClosed = errors.New("session closed")
	ErrNotLoaded     = errors.New("session not loaded")
)

// DataSource is the read side a session needs
type DataSource interface {
	Get(ctx context.Context, userID int) (*models.User, bool, error)
	ListVehicleLocations(ctx context.Context, userID int) ([]models.VehicleLocation, error)
	ReverseGeocode(ctx context.Context, lat, lon float64) (*models.Place, error)
}

// Session is one connected view
type Session struct {
	source    DataSource
	emitter   Emitter
	logger    *zap.Logger
	metrics   *metrics.Metrics
	scheduler *refresh.Scheduler
	selection *selection.Coordinator[int]

	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()

	mu           sync.Mutex
	userID       int
	user         *models.User
	positions    map[int]models.VehicleLocation
	lookupSeq    uint64
	lookupCancel context.CancelFunc
	closed       bool
}

// Option configures a Session
type Option func(*sessionOptions)

type sessionOptions struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	refresh []refresh.Option
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *sessionOptions) { o.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(o *sessionOptions) { o.metrics = m }
}

// WithRefreshOptions passes options to the session's refresh scheduler
func WithRefreshOptions(opts ...refresh.Option) Option {
	return func(o *sessionOptions) { o.refresh = append(o.refresh, opts...) }
}

// NewSession creates an unloaded session
func NewSession(source DataSource, emitter Emitter, opts ...Option) *Session {
	o := &sessionOptions{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		source:    source,
		emitter:   emitter,
		logger:    o.logger,
		metrics:   o.metrics,
		selection: selection.NewCoordinator[int](),
		ctx:       ctx,
		cancel:    cancel,
		positions: make(map[int]models.VehicleLocation),
	}

	refreshOpts := append([]refresh.Option{
		refresh.WithLogger(o.logger),
		refresh.WithMetrics(o.metrics),
	}, o.refresh...)
	refreshOpts = append(refreshOpts, refresh.WithOnUpdate(s.onPositions))
	s.scheduler = refresh.New(source.ListVehicleLocations, refreshOpts...)

	s.unsubscribe = s.selection.Subscribe(s.onSelection)
	s.metrics.SessionOpened()
	return s
}

// Load fetches the user and its vehicle locations and starts the live
// refresh. On failure a single problem event offering a retry is emitted and
// the error is returned.
func (s *Session) Load(ctx context.Context, userID int) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.userID = userID
	s.mu.Unlock()

	s.scheduler.Cancel()

	var (
		user      *models.User
		locations []models.VehicleLocation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		u, ok, err := s.source.Get(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load user: %w", err)
		}
		if !ok {
			return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
		}
		user = u
		return nil
	})
	g.Go(func() error {
		locs, err := s.source.ListVehicleLocations(gctx, userID)
		if err != nil {
			return fmt.Errorf("failed to load vehicle locations: %w", err)
		}
		locations = locs
		return nil
	})

	if err := g.Wait(); err != nil {
		s.logger.Warn("Failed to load vehicle locations view",
			zap.Int("user_id", userID),
			zap.Error(err),
		)
		s.emit(Event{Type: EventProblem, Data: Problem{Message: LoadErrorMessage, Action: ActionRetry}})
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	s.user = user
	s.positions = make(map[int]models.VehicleLocation)
	for _, loc := range models.KnownPositions(locations) {
		s.positions[loc.VehicleID] = loc
	}
	snapshot := Snapshot{User: *user, Positions: s.sortedPositionsLocked()}
	s.mu.Unlock()

	ids := make([]int, 0, len(user.Vehicles))
	for _, v := range user.Vehicles {
		ids = append(ids, v.VehicleID)
	}
	s.selection.SetEntities(ids)
	if id, ok := s.selection.Selected(); ok {
		snapshot.Selected = &id
	}

	s.emit(Event{Type: EventSnapshot, Data: snapshot})
	s.scheduler.Start(userID)

	// Close may have run after the check above and found the scheduler idle
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		s.scheduler.Cancel()
		return ErrSessionClosed
	}

	s.logger.Info("Vehicle locations view loaded",
		zap.Int("user_id", userID),
		zap.Int("vehicles", len(user.Vehicles)),
		zap.Int("positions", len(snapshot.Positions)),
	)
	return nil
}

// Retry repeats the last Load
func (s *Session) Retry(ctx context.Context) error {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()
	return s.Load(ctx, userID)
}

// Select forwards a selection made in one of the views
func (s *Session) Select(source selection.Source, vehicleID *int) error {
	s.mu.Lock()
	loaded, closed := s.user != nil, s.closed
	s.mu.Unlock()

	switch {
	case closed:
		return ErrSessionClosed
	case !loaded:
		return ErrNotLoaded
	}
	s.selection.Select(source, vehicleID)
	return nil
}

// Selected returns the selected vehicle id
func (s *Session) Selected() (int, bool) {
	return s.selection.Selected()
}

// Positions returns the last known positions ordered by vehicle id
func (s *Session) Positions() []models.VehicleLocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sortedPositionsLocked()
}

// RefreshState exposes the state of the live refresh loop
func (s *Session) RefreshState() refresh.State {
	return s.scheduler.State()
}

// Close stops the refresh loop and any address lookup. It is safe to call
// more than once.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.scheduler.Cancel()
	s.unsubscribe()
	s.cancel()
	s.metrics.SessionClosed()
}

// onPositions merges a refresh into the known positions. Vehicles missing
// from the update keep their last position.
func (s *Session) onPositions(userID int, locations []models.VehicleLocation) {
	s.mu.Lock()
	if s.closed || userID != s.userID {
		s.mu.Unlock()
		return
	}
	for _, loc := range locations {
		s.positions[loc.VehicleID] = loc
	}
	positions := s.sortedPositionsLocked()
	s.mu.Unlock()

	s.emit(Event{Type: EventPositions, Data: Positions{Positions: positions}})
}

func (s *Session) onSelection(ev selection.Event[int]) {
	s.emit(Event{Type: EventSelection, Data: Selection{
		Previous: ev.Previous,
		Current:  ev.Current,
		Source:   ev.Source.String(),
	}})

	s.mu.Lock()
	defer s.mu.Unlock()

	s.lookupSeq++
	if s.lookupCancel != nil {
		s.lookupCancel()
		s.lookupCancel = nil
	}
	if ev.Current == nil || s.closed {
		return
	}
	loc, ok := s.positions[*ev.Current]
	if !ok {
		return
	}
	lat, lon, _ := loc.Position()

	ctx, cancel := context.WithCancel(s.ctx)
	s.lookupCancel = cancel
	go s.lookupAddress(ctx, s.lookupSeq, loc.VehicleID, lat, lon)
}

func (s *Session) lookupAddress(ctx context.Context, seq uint64, vehicleID int, lat, lon float64) {
	place, err := s.source.ReverseGeocode(ctx, lat, lon)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Failed to resolve vehicle address",
				zap.Int("vehicle_id", vehicleID),
				zap.Error(err),
			)
		}
		return
	}

	s.mu.Lock()
	stale := seq != s.lookupSeq || s.closed
	s.mu.Unlock()
	if stale {
		return
	}

	s.emit(Event{Type: EventAddress, Data: Address{VehicleID: vehicleID, DisplayName: place.DisplayName}})
}

func (s *Session) sortedPositionsLocked() []models.VehicleLocation {
	out := make([]models.VehicleLocation, 0, len(s.positions))
	for _, loc := range s.positions {
		out = append(out, loc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VehicleID < out[j].VehicleID })
	return out
}

func (s *Session) emit(ev Event) {
	if err := s.emitter.Emit(ev); err != nil {
		if ev.Type == EventSnapshot || ev.Type == EventProblem {
			s.logger.Warn("Failed to emit event", zap.String("type", ev.Type), zap.Error(err))
			return
		}
		s.logger.Debug("Failed to emit event", zap.String("type", ev.Type), zap.Error(err))
	}
}
