package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"fleettrack/internal/refresh"
	"fleettrack/internal/selection"
	"fleettrack/pkg/models"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func ptr(f float64) *float64 { return &f }

type fakeSource struct {
	mu          sync.Mutex
	users       map[int]models.User
	locations   []models.VehicleLocation
	locationErr error
	geocodes    int
}

func newFakeSource() *fakeSource {
	return &fakeSource{
		users: map[int]models.User{
			1: {
				UserID: 1,
				Owner:  models.Owner{Name: "Anna", Surname: "Ozola"},
				Vehicles: []models.Vehicle{
					{VehicleID: 10, Make: "Volvo"},
					{VehicleID: 11, Make: "Saab"},
					{VehicleID: 12, Make: "Skoda"},
				},
			},
		},
		locations: []models.VehicleLocation{
			{VehicleID: 10, Lat: ptr(56.95), Lon: ptr(24.10)},
			{VehicleID: 11, Lat: ptr(57.00), Lon: ptr(24.20)},
			{VehicleID: 12},
		},
	}
}

func (f *fakeSource) Get(_ context.Context, userID int) (*models.User, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[userID]
	if !ok {
		return nil, false, nil
	}
	return &u, true, nil
}

func (f *fakeSource) ListVehicleLocations(context.Context, int) ([]models.VehicleLocation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.locationErr != nil {
		return nil, f.locationErr
	}
	return append([]models.VehicleLocation(nil), f.locations...), nil
}

func (f *fakeSource) ReverseGeocode(_ context.Context, lat, lon float64) (*models.Place, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.geocodes++
	if lat == 56.95 && lon == 24.10 {
		return &models.Place{DisplayName: "Brivibas iela, Riga"}, nil
	}
	return nil, errors.New("no address")
}

func (f *fakeSource) set(fn func(f *fakeSource)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
	onEmit func(Event)
}

func (r *recordingEmitter) Emit(ev Event) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	onEmit := r.onEmit
	r.mu.Unlock()

	if onEmit != nil {
		onEmit(ev)
	}
	return nil
}

func (r *recordingEmitter) ofType(typ string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, ev := range r.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func setupTestSession(t *testing.T) (*Session, *fakeSource, *recordingEmitter, *clock.Mock) {
	source := newFakeSource()
	emitter := &recordingEmitter{}
	clk := clock.NewMock()

	s := NewSession(source, emitter,
		WithLogger(zaptest.NewLogger(t)),
		WithRefreshOptions(refresh.WithClock(clk)),
	)
	t.Cleanup(s.Close)
	return s, source, emitter, clk
}

func TestSession_LoadEmitsSnapshotAndStartsRefresh(t *testing.T) {
	s, _, emitter, _ := setupTestSession(t)

	require.NoError(t, s.Load(context.Background(), 1))

	snapshots := emitter.ofType(EventSnapshot)
	require.Len(t, snapshots, 1)
	snapshot := snapshots[0].Data.(Snapshot)
	assert.Equal(t, 1, snapshot.User.UserID)
	require.Len(t, snapshot.Positions, 2)
	assert.Equal(t, 10, snapshot.Positions[0].VehicleID)
	assert.Equal(t, 11, snapshot.Positions[1].VehicleID)
	assert.Nil(t, snapshot.Selected)

	assert.Empty(t, emitter.ofType(EventProblem))
	assert.Equal(t, refresh.StateScheduled, s.RefreshState())
}

func TestSession_LoadFailureOffersRetryOnce(t *testing.T) {
	s, source, emitter, _ := setupTestSession(t)
	source.set(func(f *fakeSource) { f.locationErr = errors.New("connection refused") })

	err := s.Load(context.Background(), 1)
	require.Error(t, err)

	problems := emitter.ofType(EventProblem)
	require.Len(t, problems, 1)
	assert.Equal(t, Problem{Message: LoadErrorMessage, Action: ActionRetry}, problems[0].Data)
	assert.Empty(t, emitter.ofType(EventSnapshot))
	assert.NotEqual(t, refresh.StateScheduled, s.RefreshState())

	source.set(func(f *fakeSource) { f.locationErr = nil })
	require.NoError(t, s.Retry(context.Background()))

	assert.Len(t, emitter.ofType(EventProblem), 1)
	assert.Len(t, emitter.ofType(EventSnapshot), 1)
}

func TestSession_LoadUnknownUser(t *testing.T) {
	s, _, emitter, _ := setupTestSession(t)

	err := s.Load(context.Background(), 404)
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Len(t, emitter.ofType(EventProblem), 1)
}

func TestSession_RefreshMergesPositions(t *testing.T) {
	s, source, emitter, clk := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	source.set(func(f *fakeSource) {
		f.locations = []models.VehicleLocation{
			{VehicleID: 10, Lat: ptr(56.96), Lon: ptr(24.11)},
			{VehicleID: 11},
			{VehicleID: 12, Lat: ptr(54.68), Lon: ptr(25.28)},
		}
	})
	clk.Add(refresh.DefaultInterval)

	require.Eventually(t, func() bool {
		return len(emitter.ofType(EventPositions)) == 1
	}, waitFor, tick)

	positions := s.Positions()
	require.Len(t, positions, 3)
	assert.Equal(t, 56.96, *positions[0].Lat)
	assert.Equal(t, 57.00, *positions[1].Lat, "unknown position keeps the last known one")
	assert.Equal(t, 54.68, *positions[2].Lat)
}

func TestSession_PollingErrorIsNotReported(t *testing.T) {
	s, source, emitter, clk := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	source.set(func(f *fakeSource) { f.locationErr = errors.New("timeout") })
	clk.Add(refresh.DefaultInterval)

	require.Eventually(t, func() bool {
		return s.scheduler.Polls() == 1 && s.RefreshState() == refresh.StateScheduled
	}, waitFor, tick)
	assert.Empty(t, emitter.ofType(EventProblem))
}

func TestSession_SelectResolvesAddress(t *testing.T) {
	s, _, emitter, _ := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	id := 10
	require.NoError(t, s.Select(selection.SourceMap, &id))

	selections := emitter.ofType(EventSelection)
	require.Len(t, selections, 1)
	sel := selections[0].Data.(Selection)
	assert.Equal(t, "map", sel.Source)
	assert.Equal(t, 10, *sel.Current)

	require.Eventually(t, func() bool {
		return len(emitter.ofType(EventAddress)) == 1
	}, waitFor, tick)
	addr := emitter.ofType(EventAddress)[0].Data.(Address)
	assert.Equal(t, Address{VehicleID: 10, DisplayName: "Brivibas iela, Riga"}, addr)

	// Same vehicle from the other view: no new event and no new lookup.
	require.NoError(t, s.Select(selection.SourceList, &id))
	assert.Len(t, emitter.ofType(EventSelection), 1)
}

func TestSession_SelectWithoutPositionSkipsLookup(t *testing.T) {
	s, source, emitter, _ := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	id := 12
	require.NoError(t, s.Select(selection.SourceList, &id))

	assert.Len(t, emitter.ofType(EventSelection), 1)
	source.mu.Lock()
	defer source.mu.Unlock()
	assert.Equal(t, 0, source.geocodes)
}

func TestSession_SelectBeforeLoad(t *testing.T) {
	s, _, _, _ := setupTestSession(t)

	id := 10
	assert.ErrorIs(t, s.Select(selection.SourceList, &id), ErrNotLoaded)
}

func TestSession_ReloadClearsVanishedSelection(t *testing.T) {
	s, source, emitter, _ := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	id := 11
	require.NoError(t, s.Select(selection.SourceList, &id))

	source.set(func(f *fakeSource) {
		u := f.users[1]
		u.Vehicles = u.Vehicles[:1]
		f.users[1] = u
	})
	require.NoError(t, s.Load(context.Background(), 1))

	selections := emitter.ofType(EventSelection)
	require.Len(t, selections, 2)
	cleared := selections[1].Data.(Selection)
	assert.Equal(t, 11, *cleared.Previous)
	assert.Nil(t, cleared.Current)
	assert.Equal(t, "system", cleared.Source)

	_, ok := s.Selected()
	assert.False(t, ok)
}

func TestSession_Close(t *testing.T) {
	s, _, _, _ := setupTestSession(t)
	require.NoError(t, s.Load(context.Background(), 1))

	s.Close()
	s.Close()

	assert.Equal(t, refresh.StateCancelled, s.RefreshState())
	assert.ErrorIs(t, s.Load(context.Background(), 1), ErrSessionClosed)

	id := 10
	assert.ErrorIs(t, s.Select(selection.SourceList, &id), ErrSessionClosed)
}

func TestSession_CloseDuringLoadStopsRefresh(t *testing.T) {
	s, _, emitter, clk := setupTestSession(t)
	emitter.onEmit = func(ev Event) {
		if ev.Type == EventSnapshot {
			s.Close()
		}
	}

	err := s.Load(context.Background(), 1)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Equal(t, refresh.StateCancelled, s.RefreshState())

	clk.Add(3 * refresh.DefaultInterval)
	assert.Never(t, func() bool { return s.scheduler.Polls() > 0 }, 50*time.Millisecond, tick)
}
