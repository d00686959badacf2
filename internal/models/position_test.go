package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadingCardinal(t *testing.T) {
	cases := map[float64]string{
		0: "N", 22.4: "N", 22.5: "NE", 90: "E", 135: "SE", 180: "S",
		225: "SW", 270: "W", 315: "NW", 359.9: "N", -90: "W", 720: "N",
	}
	for deg, want := range cases {
		assert.Equal(t, want, HeadingCardinal(deg), "heading %v", deg)
	}
}

func TestOppositeDirection(t *testing.T) {
	assert.Equal(t, DirectionSouthbound, OppositeDirection("Northbound"))
	assert.Equal(t, DirectionNorthbound, OppositeDirection("southbound"))
	assert.Equal(t, "Eastbound", OppositeDirection("Eastbound"))
	assert.Equal(t, "", OppositeDirection(""))
}

func TestPositionFix_CloneIsIndependent(t *testing.T) {
	f := &PositionFix{TrackerID: "866"}
	f.SetDirection(DirectionNorthbound)
	f.SetIndex(3)

	c := f.Clone()
	c.SetDirection(DirectionSouthbound)
	*c.BusStopIndex = 9

	assert.Equal(t, DirectionNorthbound, f.Direction())
	assert.Equal(t, 3, *f.BusStopIndex)
}

func TestPositionFix_JSONNullableFields(t *testing.T) {
	f := PositionFix{TrackerID: "866", Lat: -26.2}
	b, err := json.Marshal(f)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"tripDirection":null`)
	assert.Contains(t, string(b), `"busStopIndex":null`)

	var back PositionFix
	require.NoError(t, json.Unmarshal([]byte(`{"trackerImei":"1","tripDirection":"Southbound","busStopIndex":0}`), &back))
	assert.Equal(t, DirectionSouthbound, back.Direction())
	require.NotNil(t, back.BusStopIndex)
	assert.Equal(t, 0, *back.BusStopIndex)
}
