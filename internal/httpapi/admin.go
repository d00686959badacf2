package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"bustrack/internal/feed"
	"bustrack/internal/models"
	"bustrack/internal/repository"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type ruleRequest struct {
	Enabled *bool  `json:"enabled" validate:"required"`
	Value   string `json:"value" validate:"max=255"`
}

// ListRules 查询运营商规则
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeFail(w, http.StatusNotImplemented, "rules are not configured")
		return
	}
	companyID, err := parseInt64(chi.URLParam(r, "companyId"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid company id")
		return
	}

	list, err := h.deps.Rules.List(r.Context(), companyID)
	if err != nil {
		h.logger.Error("Failed to list company rules", zap.Int64("company_id", companyID), zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	if list == nil {
		list = []models.CompanyRule{}
	}
	writeJSON(w, http.StatusOK, Ok(list))
}

// UpsertRule 写入运营商规则
func (h *Handler) UpsertRule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeFail(w, http.StatusNotImplemented, "rules are not configured")
		return
	}
	companyID, err := parseInt64(chi.URLParam(r, "companyId"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid company id")
		return
	}
	var req ruleRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeFail(w, http.StatusBadRequest, err.Error())
		return
	}

	rule := models.CompanyRule{
		CompanyID: companyID,
		RuleKey:   strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ruleKey"))),
		RuleValue: req.Value,
		Enabled:   *req.Enabled,
	}
	if err := h.deps.Rules.Upsert(r.Context(), rule); err != nil {
		h.logger.Error("Failed to upsert company rule", zap.Int64("company_id", companyID), zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, Ok(rule))
}

// DeleteRule 删除运营商规则
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	if h.deps.Rules == nil {
		writeFail(w, http.StatusNotImplemented, "rules are not configured")
		return
	}
	companyID, err := parseInt64(chi.URLParam(r, "companyId"))
	if err != nil {
		writeFail(w, http.StatusBadRequest, "invalid company id")
		return
	}
	key := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "ruleKey")))

	if err := h.deps.Rules.Delete(r.Context(), companyID, key); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeFail(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("Failed to delete company rule", zap.Int64("company_id", companyID), zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]bool{"deleted": true}))
}

// BackfillDistances 补算线路累计距离
func (h *Handler) BackfillDistances(w http.ResponseWriter, r *http.Request) {
	if h.deps.Geometry == nil {
		writeFail(w, http.StatusNotImplemented, "geometry is not configured")
		return
	}
	n, err := h.deps.Geometry.BackfillCumulativeDistances(r.Context())
	if err != nil {
		h.logger.Error("Failed to backfill cumulative distances", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, Ok(map[string]int{"updated": n}))
}

// VehiclePositions GTFS-RT 车辆位置；format=json 时输出 protojson
func (h *Handler) VehiclePositions(w http.ResponseWriter, r *http.Request) {
	fixes, err := h.deps.Tracker.Snapshot(r.Context())
	if err != nil {
		h.logger.Error("Failed to read live positions", zap.Error(err))
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	msg := feed.BuildVehiclePositions(fixes, h.now())

	if strings.EqualFold(r.URL.Query().Get("format"), "json") {
		body, err := feed.MarshalJSON(msg)
		if err != nil {
			writeFail(w, http.StatusInternalServerError, "internal error")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
		return
	}

	body, err := feed.Marshal(msg)
	if err != nil {
		writeFail(w, http.StatusInternalServerError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(body)
}
