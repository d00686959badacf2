// Package decoder parses vendor GPS tracker lines into position fixes.
//
// Line grammar (one packet per line):
//
//	##,imei:<id>,A,<DDMM.mmmm>,<N|S>,<DDDMM.mmmm>,<E|W>,<speed knots>,<heading>,<DDMMYY>,<HHMMSS.ff>
package decoder

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"bustrack/internal/models"
)

// KnotsToKmh 节 → 公里/小时
const KnotsToKmh = 1.852

var packetPattern = regexp.MustCompile(
	`##,imei:(\d+),A,(\d+\.\d+),([NS]),(\d+\.\d+),([EW]),(\d+(?:\.\d+)?),(\d+(?:\.\d+)?),(\d{6}),(\d{6})(?:\.\d+)?`,
)

// Decode 解析一行厂商报文；不匹配语法时返回 false（静默丢弃）
func Decode(line string) (*models.PositionFix, bool) {
	m := packetPattern.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return nil, false
	}

	lat, ok := nmeaToDegrees(m[2])
	if !ok || lat > 90 {
		return nil, false
	}
	if m[3] == "S" {
		lat = -lat
	}

	lon, ok := nmeaToDegrees(m[4])
	if !ok || lon > 180 {
		return nil, false
	}
	if m[5] == "W" {
		lon = -lon
	}

	knots, err := strconv.ParseFloat(m[6], 64)
	if err != nil {
		return nil, false
	}
	heading, err := strconv.ParseFloat(m[7], 64)
	if err != nil {
		return nil, false
	}

	ts, err := time.ParseInLocation("020106150405", m[8]+m[9], time.UTC)
	if err != nil {
		return nil, false
	}

	return &models.PositionFix{
		TrackerID:       m[1],
		Lat:             lat,
		Lon:             lon,
		SpeedKmh:        knots * KnotsToKmh,
		HeadingDegrees:  heading,
		HeadingCardinal: models.HeadingCardinal(heading),
		Timestamp:       ts.Format(time.RFC3339),
	}, true
}

// nmeaToDegrees converts (D)DDMM.mmmm into decimal degrees: whole degrees plus
// minutes/60, so 2612.5458 becomes 26.20910. Earlier deployments divided the raw
// value by 100 (26.125458), which misplaces every fix by up to 0.4 degrees.
func nmeaToDegrees(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	deg := math.Floor(v / 100)
	minutes := v - deg*100
	if minutes >= 60 {
		return 0, false
	}
	return deg + minutes/60, true
}
