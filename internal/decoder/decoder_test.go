package decoder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_ValidPacket(t *testing.T) {
	fix, ok := Decode("##,imei:359587010124900,A,2612.0000,S,02803.0000,E,10.0,90.0,150324,134501.000")
	require.True(t, ok)

	assert.Equal(t, "359587010124900", fix.TrackerID)
	assert.InDelta(t, -26.2, fix.Lat, 1e-9)
	assert.InDelta(t, 28.05, fix.Lon, 1e-9)
	assert.InDelta(t, 18.52, fix.SpeedKmh, 1e-9)
	assert.Equal(t, 90.0, fix.HeadingDegrees)
	assert.Equal(t, "E", fix.HeadingCardinal)
	assert.Equal(t, "2024-03-15T13:45:01Z", fix.Timestamp)
	assert.Nil(t, fix.TripDirection)
	assert.Nil(t, fix.BusStopIndex)
}

func TestNmeaToDegrees(t *testing.T) {
	deg, ok := nmeaToDegrees("2612.5458")
	require.True(t, ok)
	assert.InDelta(t, 26.2090967, deg, 1e-6)

	deg, ok = nmeaToDegrees("02803.0000")
	require.True(t, ok)
	assert.InDelta(t, 28.05, deg, 1e-9)

	_, ok = nmeaToDegrees("2675.0000")
	assert.False(t, ok, "minutes must be below 60")
	_, ok = nmeaToDegrees("north")
	assert.False(t, ok)
}

func TestDecode_HemisphereSigns(t *testing.T) {
	cases := []struct {
		line   string
		latPos bool
		lonPos bool
	}{
		{"##,imei:1,A,1000.0000,N,01000.0000,E,0.0,0.0,010124,000000.00", true, true},
		{"##,imei:1,A,1000.0000,S,01000.0000,E,0.0,0.0,010124,000000.00", false, true},
		{"##,imei:1,A,1000.0000,N,01000.0000,W,0.0,0.0,010124,000000.00", true, false},
		{"##,imei:1,A,1000.0000,S,01000.0000,W,0.0,0.0,010124,000000.00", false, false},
	}
	for _, c := range cases {
		fix, ok := Decode(c.line)
		require.True(t, ok, c.line)
		assert.Equal(t, c.latPos, fix.Lat > 0, c.line)
		assert.Equal(t, c.lonPos, fix.Lon > 0, c.line)
		assert.InDelta(t, 10.0, abs(fix.Lat), 1e-9)
	}
}

func TestDecode_SpeedIsKnotsTimes1852(t *testing.T) {
	for _, knots := range []string{"0.0", "1.0", "27.3", "100"} {
		fix, ok := Decode("##,imei:7,A,0100.0000,N,00100.0000,E," + knots + ",0.0,010124,000000.00")
		require.True(t, ok)
		switch knots {
		case "0.0":
			assert.Equal(t, 0.0, fix.SpeedKmh)
		case "1.0":
			assert.Equal(t, 1.852, fix.SpeedKmh)
		case "27.3":
			assert.InDelta(t, 50.5596, fix.SpeedKmh, 1e-9)
		case "100":
			assert.InDelta(t, 185.2, fix.SpeedKmh, 1e-9)
		}
	}
}

func TestDecode_MalformedLinesAreDropped(t *testing.T) {
	lines := []string{
		"",
		"hello",
		"##,imei:1,V,2612.0000,S,02803.0000,E,10.0,90.0,150324,134501.000", // invalid fix flag
		"##,imei:abc,A,2612.0000,S,02803.0000,E,10.0,90.0,150324,134501.000",
		"##,imei:1,A,2612.0000,X,02803.0000,E,10.0,90.0,150324,134501.000",
		"##,imei:1,A,2675.0000,S,02803.0000,E,10.0,90.0,150324,134501.000", // 75 minutes
		"##,imei:1,A,2612.0000,S,02803.0000,E,10.0,90.0,321324,134501.000", // bad date
	}
	for _, l := range lines {
		fix, ok := Decode(l)
		assert.False(t, ok, l)
		assert.Nil(t, fix)
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
