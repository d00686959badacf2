package tracking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bustrack/internal/geometry"
	"bustrack/internal/inference"
	"bustrack/internal/models"
	"bustrack/internal/repository"
	"bustrack/internal/rules"
	"bustrack/internal/selection"
	"bustrack/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeBuses struct {
	mu       sync.Mutex
	byID     map[string]*models.Bus
	statuses map[string]string
}

func newFakeBuses(buses ...*models.Bus) *fakeBuses {
	f := &fakeBuses{byID: make(map[string]*models.Bus), statuses: make(map[string]string)}
	for _, b := range buses {
		f.byID[b.BusID] = b
	}
	return f
}

func (f *fakeBuses) FindByTrackerID(ctx context.Context, trackerID string) (*models.Bus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, b := range f.byID {
		if b.TrackerID == trackerID {
			c := *b
			return &c, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeBuses) FindByID(ctx context.Context, busID string) (*models.Bus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.byID[busID]; ok {
		c := *b
		return &c, nil
	}
	return nil, repository.ErrNotFound
}

func (f *fakeBuses) UpdateOperationalStatus(ctx context.Context, busID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.byID[busID]
	if !ok {
		return repository.ErrNotFound
	}
	b.OperationalStatus = status
	f.statuses[busID] = status
	return nil
}

type fakeRoutes struct {
	route *models.Route
}

func (f *fakeRoutes) FindByCompanyAndBusNumber(ctx context.Context, company, busNumber string) (*models.Route, error) {
	return f.FindByBusNumber(ctx, busNumber)
}

func (f *fakeRoutes) FindByBusNumber(ctx context.Context, busNumber string) (*models.Route, error) {
	if f.route == nil || f.route.BusNumber != busNumber {
		return nil, repository.ErrNotFound
	}
	return f.route, nil
}

type fakeBroadcaster struct {
	mu      sync.Mutex
	updates []*models.PositionFix
	offline []*models.PositionFix
}

func (b *fakeBroadcaster) Broadcast(fix *models.PositionFix) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, fix.Clone())
}

func (b *fakeBroadcaster) BroadcastOffline(fix *models.PositionFix, status string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.offline = append(b.offline, fix.Clone())
}

type fakeSnapshots struct {
	submitted []*models.PositionFix
}

func (s *fakeSnapshots) Due(lastSaved int64, now time.Time) bool {
	return lastSaved == 0 || now.Sub(time.UnixMilli(lastSaved)) >= 30*time.Minute
}

func (s *fakeSnapshots) Submit(fix *models.PositionFix) bool {
	s.submitted = append(s.submitted, fix.Clone())
	return true
}

type failingPublisher struct{ calls int }

func (p *failingPublisher) Name() string { return "failing" }
func (p *failingPublisher) Publish(ctx context.Context, fix *models.PositionFix) error {
	p.calls++
	return errors.New("broker unavailable")
}

type fakeRuleSource struct {
	mu       sync.Mutex
	resolved []string
	toggled  []int64
}

func (f *fakeRuleSource) Toggles(ctx context.Context, companyID *int64) rules.Toggles {
	f.mu.Lock()
	defer f.mu.Unlock()
	if companyID != nil {
		f.toggled = append(f.toggled, *companyID)
	}
	return rules.Toggles{FirstFixSouthbound: false, AutoFlipAtTerminal: true}
}

func (f *fakeRuleSource) ResolveCompanyID(ctx context.Context, name string) *int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resolved = append(f.resolved, name)
	id := int64(11)
	return &id
}

type fakeGeometrySource struct{}

func (fakeGeometrySource) FindByRouteAndDirection(ctx context.Context, routeID int64, direction string) (*models.FullRoute, error) {
	if direction != "Southbound" {
		return nil, repository.ErrNotFound
	}
	return &models.FullRoute{
		ID: 1, RouteID: routeID, Direction: direction,
		Coordinates: []models.LatLon{{Lat: -26.2, Lon: 28.05}, {Lat: -26.21, Lon: 28.05}, {Lat: -26.22, Lon: 28.05}},
	}, nil
}

func (fakeGeometrySource) ListAll(ctx context.Context) ([]*models.FullRoute, error) { return nil, nil }
func (fakeGeometrySource) UpdateCumulativeDistances(ctx context.Context, id int64, d []float64) error {
	return nil
}

func intPtr(i int) *int { return &i }

// A(-26.20) 南行首站/北行末站，B(-26.21)，C(-26.22) 南行末站/北行首站
func testRoute() *models.Route {
	return &models.Route{
		ID: 7, Company: "Rea Vaya", BusNumber: "C5", Active: true,
		Stops: []models.RouteStop{
			{ID: 1, Latitude: -26.20, Longitude: 28.05, Direction: "bidirectional", SouthboundIndex: intPtr(0), NorthboundIndex: intPtr(2)},
			{ID: 2, Latitude: -26.21, Longitude: 28.05, Direction: "bidirectional", SouthboundIndex: intPtr(1), NorthboundIndex: intPtr(1)},
			{ID: 3, Latitude: -26.22, Longitude: 28.05, Direction: "bidirectional", SouthboundIndex: intPtr(2), NorthboundIndex: intPtr(0)},
		},
	}
}

type testEnv struct {
	svc         *Service
	positions   store.PositionStore
	buses       *fakeBuses
	broadcaster *fakeBroadcaster
	snapshots   *fakeSnapshots
}

func setupService(t *testing.T, publishers ...Publisher) *testEnv {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	logger := zap.NewNop()
	positions := store.NewRedisPositionStore(client)
	companyID := int64(3)
	buses := newFakeBuses(
		&models.Bus{BusID: "BUS-1", TrackerID: "866", BusNumber: "C5", CompanyID: &companyID, CompanyName: "Rea Vaya", DriverID: "D1", DriverName: "Thabo", OperationalStatus: "active"},
		&models.Bus{BusID: "BUS-2", TrackerID: "867", BusNumber: "C5", CompanyName: "Rea Vaya", OperationalStatus: "active"},
		&models.Bus{BusID: "BUS-3", TrackerID: "868", BusNumber: "C5", CompanyName: "Rea Vaya", OperationalStatus: "maintenance"},
		&models.Bus{BusID: "BUS-4", TrackerID: "869", BusNumber: "T9", CompanyName: "Putco", OperationalStatus: "active"},
	)
	broadcaster := &fakeBroadcaster{}
	snapshots := &fakeSnapshots{}

	svc := NewService(Deps{
		Buses:       buses,
		Routes:      &fakeRoutes{route: testRoute()},
		Positions:   positions,
		Inference:   inference.NewEngine(inference.NewRegistry(inference.BuiltinOperators(), 30), 30, logger),
		Geometry:    geometry.NewEngine(fakeGeometrySource{}, 30, logger),
		Selector:    selection.NewSelector(positions, logger),
		Snapshots:   snapshots,
		Broadcaster: broadcaster,
		Publishers:  publishers,
	}, Options{}, logger)

	return &testEnv{svc: svc, positions: positions, buses: buses, broadcaster: broadcaster, snapshots: snapshots}
}

func TestIngest_ColdStartAtTerminalStop(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	fix, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05, HeadingDegrees: 180})
	require.NoError(t, err)

	assert.Equal(t, "BUS-1", fix.BusID)
	assert.Equal(t, "C5", fix.BusNumber)
	assert.Equal(t, "Rea Vaya", fix.BusCompany)
	assert.Equal(t, "Thabo", fix.BusDriver)
	assert.Equal(t, "S", fix.HeadingCardinal)
	assert.NotEmpty(t, fix.Timestamp)
	assert.Equal(t, models.DirectionSouthbound, fix.Direction())
	require.NotNil(t, fix.BusStopIndex)
	assert.Equal(t, 0, *fix.BusStopIndex)

	cached, err := env.positions.Get(ctx, "866")
	require.NoError(t, err)
	assert.Equal(t, models.DirectionSouthbound, cached.Direction())

	near, err := env.svc.NearestBus(ctx, -26.201, 28.05, "southbound")
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", near.BusID)

	assert.Len(t, env.broadcaster.updates, 1)
	require.Len(t, env.snapshots.submitted, 1)
	assert.NotZero(t, env.snapshots.submitted[0].LastSavedTimestamp)
}

func TestIngest_OperatorRulesResolvedByCompany(t *testing.T) {
	env := setupService(t)
	ruleSource := &fakeRuleSource{}
	env.svc.rules = ruleSource
	ctx := context.Background()

	fix, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05})
	require.NoError(t, err)
	assert.Nil(t, fix.TripDirection)

	_, err = env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "867", Lat: -26.20, Lon: 28.05})
	require.NoError(t, err)

	assert.Equal(t, []string{"Rea Vaya"}, ruleSource.resolved)
	assert.Equal(t, []int64{3, 11}, ruleSource.toggled)
}

func TestIngest_CarriesStateAndRateLimitsSnapshots(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05})
	require.NoError(t, err)
	fix, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.21, Lon: 28.05})
	require.NoError(t, err)

	assert.Equal(t, models.DirectionSouthbound, fix.Direction())
	assert.Equal(t, 1, *fix.BusStopIndex)
	assert.Len(t, env.snapshots.submitted, 1)
	assert.Len(t, env.broadcaster.updates, 2)
}

func TestIngest_UnknownTrackerDropped(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "999", Lat: -26.2, Lon: 28.05})
	assert.ErrorIs(t, err, ErrUnknownTracker)

	_, err = env.positions.Get(ctx, "999")
	assert.ErrorIs(t, err, store.ErrMiss)
	assert.Empty(t, env.broadcaster.updates)
}

func TestIngest_InactiveBusIgnored(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Ingest(context.Background(), &models.PositionFix{TrackerID: "868", Lat: -26.2, Lon: 28.05})
	assert.ErrorIs(t, err, ErrBusNotActive)
	assert.Empty(t, env.broadcaster.updates)
}

func TestIngest_MissingRouteLeavesDirectionUnset(t *testing.T) {
	env := setupService(t)

	fix, err := env.svc.Ingest(context.Background(), &models.PositionFix{TrackerID: "869", Lat: -26.2, Lon: 28.05})
	require.NoError(t, err)
	assert.Nil(t, fix.TripDirection)
	assert.Nil(t, fix.BusStopIndex)
}

func TestIngest_RequiresTrackerID(t *testing.T) {
	env := setupService(t)

	_, err := env.svc.Ingest(context.Background(), &models.PositionFix{Lat: 1})
	assert.ErrorIs(t, err, ErrInvalidFix)
}

func TestIngest_PublisherFailureSwallowed(t *testing.T) {
	pub := &failingPublisher{}
	env := setupService(t, pub)

	_, err := env.svc.Ingest(context.Background(), &models.PositionFix{TrackerID: "866", Lat: -26.2, Lon: 28.05})
	require.NoError(t, err)
	assert.Equal(t, 1, pub.calls)
}

func TestIngestLine(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	env.svc.IngestLine(ctx, "garbage")
	env.svc.IngestLine(ctx, "##,imei:866,A,2612.0000,S,02803.0000,E,10.0,90.0,150324,134501.000")

	fix, err := env.positions.Get(ctx, "866")
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", fix.BusID)
	assert.Equal(t, "2024-03-15T13:45:01Z", fix.Timestamp)
	assert.Equal(t, models.DirectionSouthbound, fix.Direction())
}

func TestNearestBus_FiltersDirection(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05})
	require.NoError(t, err)

	_, err = env.svc.NearestBus(ctx, -26.2, 28.05, "Northbound")
	assert.ErrorIs(t, err, ErrNotFound)

	fix, err := env.svc.NearestBus(ctx, -26.2, 28.05, "")
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", fix.BusID)

	_, err = env.svc.NearestBus(ctx, -33.9, 18.4, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBusLocationAndActiveRoutes(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05, Timestamp: "2024-03-15T10:00:00Z"})
	require.NoError(t, err)
	_, err = env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "869", Lat: -26.30, Lon: 28.10, Timestamp: "2024-03-15T10:00:00Z"})
	require.NoError(t, err)

	loc, err := env.svc.BusLocation(ctx, "c5", "SOUTHBOUND")
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", loc.BusID)

	_, err = env.svc.BusLocation(ctx, "C5", "Northbound")
	assert.ErrorIs(t, err, ErrNotFound)

	routes, err := env.svc.ActiveRoutes(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"C5", "T9"}, routes)

	buses, err := env.svc.AvailableBuses(ctx, "C5", "Southbound")
	require.NoError(t, err)
	require.Len(t, buses, 1)
}

func TestRouteDistance(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	res, err := env.svc.RouteDistance(ctx, "C5", "Southbound", -26.20, 28.05, -26.22, 28.05)
	require.NoError(t, err)
	assert.InDelta(t, 2224, res.DistanceMeters, 5)

	_, err = env.svc.RouteDistance(ctx, "C5", "Northbound", -26.20, 28.05, -26.22, 28.05)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = env.svc.RouteDistance(ctx, "X1", "Southbound", -26.20, 28.05, -26.22, 28.05)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateBusStatus_OfflineBroadcastsReplacement(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.21, Lon: 28.05, TripDirection: strPtr("Southbound")})
	require.NoError(t, err)
	_, err = env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "867", Lat: -26.21, Lon: 28.05, TripDirection: strPtr("Southbound")})
	require.NoError(t, err)
	env.broadcaster.updates = nil

	change, err := env.svc.UpdateBusStatus(ctx, "BUS-1", "Maintenance")
	require.NoError(t, err)

	assert.True(t, change.WentOffline)
	assert.Equal(t, "maintenance", change.Status)
	assert.Equal(t, "BUS-2", change.ReplacementBusID)
	assert.False(t, change.ReplacementIsFallback)
	assert.Equal(t, "maintenance", env.buses.statuses["BUS-1"])

	_, err = env.positions.Get(ctx, "866")
	assert.ErrorIs(t, err, store.ErrMiss)
	require.Len(t, env.broadcaster.offline, 1)
	assert.Equal(t, "BUS-1", env.broadcaster.offline[0].BusID)
	require.Len(t, env.broadcaster.updates, 1)
	assert.Equal(t, "BUS-2", env.broadcaster.updates[0].BusID)
}

func TestUpdateBusStatus_Validation(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()

	_, err := env.svc.UpdateBusStatus(ctx, "BUS-1", "scrapped")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	_, err = env.svc.UpdateBusStatus(ctx, "BUS-404", "active")
	assert.ErrorIs(t, err, ErrNotFound)

	change, err := env.svc.UpdateBusStatus(ctx, "BUS-3", "active")
	require.NoError(t, err)
	assert.False(t, change.WentOffline)
}

func TestClear(t *testing.T) {
	env := setupService(t)
	ctx := context.Background()
	_, err := env.svc.Ingest(ctx, &models.PositionFix{TrackerID: "866", Lat: -26.20, Lon: 28.05})
	require.NoError(t, err)

	require.NoError(t, env.svc.Clear(ctx))

	all, err := env.svc.Snapshot(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
	_, err = env.svc.NearestBus(ctx, -26.2, 28.05, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func strPtr(s string) *string { return &s }
