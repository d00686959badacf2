package feed

import (
	"strings"
	"time"

	"bustrack/internal/models"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// GTFSRealtimeVersion 输出的 GTFS-RT 版本
const GTFSRealtimeVersion = "2.0"

// direction_id 约定：南行 0，北行 1
var directionIDs = map[string]uint32{
	strings.ToLower(models.DirectionSouthbound): 0,
	strings.ToLower(models.DirectionNorthbound): 1,
}

// BuildVehiclePositions 将在线位置转换为 GTFS-RT FeedMessage
func BuildVehiclePositions(fixes []*models.PositionFix, now time.Time) *gtfs.FeedMessage {
	msg := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String(GTFSRealtimeVersion),
			Incrementality:      gtfs.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
	}
	for _, f := range fixes {
		if f == nil || f.BusID == "" {
			continue
		}
		msg.Entity = append(msg.Entity, &gtfs.FeedEntity{
			Id:      proto.String(f.BusID),
			Vehicle: vehiclePosition(f),
		})
	}
	return msg
}

func vehiclePosition(f *models.PositionFix) *gtfs.VehiclePosition {
	vp := &gtfs.VehiclePosition{
		Vehicle: &gtfs.VehicleDescriptor{
			Id:    proto.String(f.BusID),
			Label: proto.String(f.BusNumber),
		},
		Position: &gtfs.Position{
			Latitude:  proto.Float32(float32(f.Lat)),
			Longitude: proto.Float32(float32(f.Lon)),
			Bearing:   proto.Float32(float32(f.HeadingDegrees)),
			Speed:     proto.Float32(float32(f.SpeedKmh / 3.6)),
		},
	}
	if f.BusNumber != "" {
		vp.Trip = &gtfs.TripDescriptor{RouteId: proto.String(f.BusNumber)}
		if id, ok := directionIDs[strings.ToLower(f.Direction())]; ok {
			vp.Trip.DirectionId = proto.Uint32(id)
		}
	}
	if f.BusStopIndex != nil && *f.BusStopIndex >= 0 {
		vp.CurrentStopSequence = proto.Uint32(uint32(*f.BusStopIndex))
	}
	if ts, err := time.Parse(time.RFC3339, f.Timestamp); err == nil {
		vp.Timestamp = proto.Uint64(uint64(ts.Unix()))
	}
	return vp
}

// Marshal 二进制编码
func Marshal(msg *gtfs.FeedMessage) ([]byte, error) {
	return proto.Marshal(msg)
}

// MarshalJSON protojson 编码，便于调试
func MarshalJSON(msg *gtfs.FeedMessage) ([]byte, error) {
	return protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(msg)
}
