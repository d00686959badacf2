package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"bustrack/internal/models"
	"bustrack/internal/tracking"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type payloadRequest struct {
	TrackerImei    string   `json:"trackerImei" validate:"required"`
	Lat            *float64 `json:"lat" validate:"required,min=-90,max=90"`
	Lon            *float64 `json:"lon" validate:"required,min=-180,max=180"`
	SpeedKmh       float64  `json:"speedKmh" validate:"min=0"`
	HeadingDegrees float64  `json:"headingDegrees" validate:"min=0,max=360"`
	TripDirection  string   `json:"tripDirection"`
	Timestamp      string   `json:"timestamp"`
}

type distanceRequest struct {
	BusNumber string   `json:"busNumber" validate:"required"`
	Direction string   `json:"direction" validate:"required"`
	BusLat    *float64 `json:"busLat" validate:"required,min=-90,max=90"`
	BusLon    *float64 `json:"busLon" validate:"required,min=-180,max=180"`
	UserLat   *float64 `json:"userLat" validate:"required,min=-90,max=90"`
	UserLon   *float64 `json:"userLon" validate:"required,min=-180,max=180"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

// availableBus 线路上的在线车辆
type availableBus struct {
	BusID        string  `json:"busId"`
	BusNumber    string  `json:"busNumber"`
	Direction    string  `json:"direction"`
	BusStopIndex *int    `json:"busStopIndex"`
	Lat          float64 `json:"lat"`
	Lon          float64 `json:"lon"`
	LastUpdate   string  `json:"lastUpdate"`
}

// IngestPayload 结构化定位上报
func (h *Handler) IngestPayload(w http.ResponseWriter, r *http.Request) {
	var req payloadRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	fix := &models.PositionFix{
		TrackerID:      strings.TrimSpace(req.TrackerImei),
		Lat:            *req.Lat,
		Lon:            *req.Lon,
		SpeedKmh:       req.SpeedKmh,
		HeadingDegrees: req.HeadingDegrees,
		Timestamp:      req.Timestamp,
	}
	fix.SetDirection(strings.TrimSpace(req.TripDirection))

	stored, err := h.deps.Tracker.Ingest(r.Context(), fix)
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(stored))
}

// NearestBus 最近车辆
func (h *Handler) NearestBus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, err := parseFloat(q.Get("lat"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "lat is required")
		return
	}
	lon, err := parseFloat(q.Get("lon"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "lon is required")
		return
	}

	fix, err := h.deps.Tracker.NearestBus(r.Context(), lat, lon, strings.TrimSpace(q.Get("tripDirection")))
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(fix))
}

// RouteDistance 沿线距离与预计到达时间
func (h *Handler) RouteDistance(w http.ResponseWriter, r *http.Request) {
	var req distanceRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := h.deps.Tracker.RouteDistance(r.Context(), req.BusNumber, req.Direction,
		*req.BusLat, *req.BusLon, *req.UserLat, *req.UserLon)
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(res))
}

// BusLocation 线路当前位置
func (h *Handler) BusLocation(w http.ResponseWriter, r *http.Request) {
	busNumber := chi.URLParam(r, "busNumber")
	fix, err := h.deps.Tracker.BusLocation(r.Context(), busNumber, strings.TrimSpace(r.URL.Query().Get("direction")))
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(fix))
}

// ActiveRoutes 有在线车辆的线路
func (h *Handler) ActiveRoutes(w http.ResponseWriter, r *http.Request) {
	routes, err := h.deps.Tracker.ActiveRoutes(r.Context())
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(routes))
}

// AvailableBuses 线路+方向上的在线车辆
func (h *Handler) AvailableBuses(w http.ResponseWriter, r *http.Request) {
	busNumber := chi.URLParam(r, "busNumber")
	direction := chi.URLParam(r, "direction")

	fixes, err := h.deps.Tracker.AvailableBuses(r.Context(), busNumber, direction)
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	out := make([]availableBus, 0, len(fixes))
	for _, f := range fixes {
		out = append(out, availableBus{
			BusID:        f.BusID,
			BusNumber:    f.BusNumber,
			Direction:    f.Direction(),
			BusStopIndex: f.BusStopIndex,
			Lat:          f.Lat,
			Lon:          f.Lon,
			LastUpdate:   f.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, Ok(out))
}

// UpdateBusStatus 变更运营状态
func (h *Handler) UpdateBusStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	change, err := h.deps.Tracker.UpdateBusStatus(r.Context(), chi.URLParam(r, "busId"), req.Status)
	if err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(change))
}

// Clear 清空位置缓存
func (h *Handler) Clear(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Tracker.Clear(r.Context()); err != nil {
		h.writeTrackingError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"cleared": true}))
}

func (h *Handler) writeTrackingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tracking.ErrNotFound):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracking.ErrUnknownTracker):
		writeFail(w, http.StatusNotFound, err.Error())
	case errors.Is(err, tracking.ErrBusNotActive):
		writeFail(w, http.StatusConflict, err.Error())
	case errors.Is(err, tracking.ErrInvalidFix), errors.Is(err, tracking.ErrInvalidStatus):
		writeFail(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("Tracking request failed", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
	}
}
