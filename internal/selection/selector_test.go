package selection

import (
	"context"
	"testing"
	"time"

	"bustrack/internal/models"
	"bustrack/internal/store"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupSelector(t *testing.T) (*Selector, *store.RedisPositionStore) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	s := store.NewRedisPositionStore(client)
	return NewSelector(s, zap.NewNop()), s
}

func putBus(t *testing.T, s store.PositionStore, busID, busNumber, direction string, idx *int) {
	t.Helper()
	fix := &models.PositionFix{TrackerID: "T-" + busID, BusID: busID, BusNumber: busNumber, BusStopIndex: idx}
	fix.SetDirection(direction)
	require.NoError(t, s.Put(context.Background(), fix.TrackerID, fix, time.Hour))
}

func idx(i int) *int { return &i }

func TestSelectBest_NoVehicles(t *testing.T) {
	sel, _ := setupSelector(t)

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 2)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSelectBest_ClosestAheadInRequestedDirection(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Northbound", idx(3))
	putBus(t, s, "BUS-2", "C5", "Northbound", idx(6))
	putBus(t, s, "BUS-3", "C5", "Northbound", idx(1))
	putBus(t, s, "BUS-4", "C5", "Southbound", idx(4))

	res, err := sel.SelectBest(context.Background(), "c5", "northbound", 3)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "BUS-1", res.BusID())
	assert.False(t, res.IsFallback)
	assert.Equal(t, "Northbound", res.ActualDirection)
}

func TestSelectBest_TieBrokenByBusID(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-9", "C5", "Northbound", idx(5))
	putBus(t, s, "BUS-2", "C5", "Northbound", idx(5))

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 4)
	require.NoError(t, err)
	assert.Equal(t, "BUS-2", res.BusID())
}

func TestSelectBest_AheadPreferredOverOppositeDirection(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Northbound", idx(7))
	putBus(t, s, "BUS-2", "C5", "Southbound", idx(4))

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 4)
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", res.BusID())
	assert.False(t, res.IsFallback)
}

func TestSelectBest_FallsBackToOppositeDirection(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Northbound", idx(1))
	putBus(t, s, "BUS-2", "C5", "Southbound", idx(2))
	putBus(t, s, "BUS-3", "C5", "Southbound", idx(8))

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 4)
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.Equal(t, "BUS-2", res.BusID())
	assert.True(t, res.IsFallback)
	assert.Equal(t, "Northbound", res.RequestedDirection)
	assert.Equal(t, "Southbound", res.ActualDirection)
}

func TestSelectBest_NegativeIndexNeverFallback(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Southbound", idx(-1))
	putBus(t, s, "BUS-2", "C5", "Southbound", nil)

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestSelectBest_OtherRouteIgnored(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "T1", "Northbound", idx(5))

	res, err := sel.SelectBest(context.Background(), "C5", "Northbound", 0)
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestIsStillSuitable(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Northbound", idx(5))
	ctx := context.Background()

	tests := []struct {
		clientIndex int
		want        bool
	}{
		{5, true},
		{2, true},
		{1, false},
		{6, false},
	}
	for _, tt := range tests {
		got, err := sel.IsStillSuitable(ctx, "BUS-1", tt.clientIndex)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "client index %d", tt.clientIndex)
	}

	got, err := sel.IsStillSuitable(ctx, "BUS-404", 0)
	require.NoError(t, err)
	assert.False(t, got)
}

func TestFindBetter(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-1", "C5", "Northbound", idx(9))
	putBus(t, s, "BUS-2", "C5", "Northbound", idx(4))
	ctx := context.Background()

	// BUS-1 太远，换成 BUS-2
	res, err := sel.FindBetter(ctx, &models.ClientSubscription{BusNumber: "C5", Direction: "Northbound", ClientIndex: 3, BusID: "BUS-1"})
	require.NoError(t, err)
	assert.Equal(t, "BUS-2", res.BusID())

	// BUS-1 仍在窗口内，保留
	res, err = sel.FindBetter(ctx, &models.ClientSubscription{BusNumber: "C5", Direction: "Northbound", ClientIndex: 7, BusID: "BUS-1"})
	require.NoError(t, err)
	assert.Equal(t, "BUS-1", res.BusID())
	assert.False(t, res.IsFallback)
}

func TestAvailableForRoute(t *testing.T) {
	sel, s := setupSelector(t)
	putBus(t, s, "BUS-3", "C5", "Northbound", idx(2))
	putBus(t, s, "BUS-1", "C5", "Northbound", nil)
	putBus(t, s, "BUS-2", "C5", "Southbound", idx(1))

	got, err := sel.AvailableForRoute(context.Background(), "C5", "NORTHBOUND")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "BUS-1", got[0].BusID)
	assert.Equal(t, "BUS-3", got[1].BusID)
}
