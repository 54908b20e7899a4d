package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"anima-gateway/internal/models"
)

// PipelineControl 摄取管道暴露给接口层的查询与反馈入口
type PipelineControl interface {
	Status() string
	PendingFeedbackID() int64
	SubmitFeedback(ctx context.Context, readingID int64, accurate bool) error
}

// ReadingsQuery 趋势展示消费的读数查询
type ReadingsQuery interface {
	RecentReadings(ctx context.Context, limit int) ([]*models.Reading, error)
	RecentAnomalies(ctx context.Context, threshold float64, limit int) ([]*models.Reading, error)
}

// SnapshotSource 最新体征快照来源
type SnapshotSource interface {
	LatestSnapshot(ctx context.Context) (*models.StatusSnapshot, error)
}

// Handler 网关HTTP接口
type Handler struct {
	pipeline  PipelineControl
	readings  ReadingsQuery
	snapshots SnapshotSource
	logger    *zap.Logger
}

// NewHandler 创建接口处理器
func NewHandler(pipeline PipelineControl, readings ReadingsQuery, snapshots SnapshotSource, logger *zap.Logger) *Handler {
	return &Handler{
		pipeline:  pipeline,
		readings:  readings,
		snapshots: snapshots,
		logger:    logger,
	}
}

// Register 注册路由
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/status", h.getStatus)
	mux.HandleFunc("/api/v1/readings/recent", h.getRecentReadings)
	mux.HandleFunc("/api/v1/readings/anomalies", h.getRecentAnomalies)
	mux.HandleFunc("/api/v1/readings/", h.postFeedback) // /api/v1/readings/{id}/feedback
}

// getStatus 当前状态：用户可见状态串 + 最新快照 + 挂起的反馈请求
func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	snapshot, err := h.snapshots.LatestSnapshot(r.Context())
	if err != nil {
		h.logger.Warn("Failed to load snapshot", zap.Error(err))
	}

	resp := map[string]interface{}{
		"status":              h.pipeline.Status(),
		"pending_feedback_id": h.pipeline.PendingFeedbackID(),
	}
	if snapshot != nil {
		resp["snapshot"] = snapshot
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) getRecentReadings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := parseIntQuery(r, "limit", 50)
	readings, err := h.readings.RecentReadings(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to query recent readings", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query readings")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": readings})
}

func (h *Handler) getRecentAnomalies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	limit := parseIntQuery(r, "limit", 20)
	threshold := 0.5
	if v := r.URL.Query().Get("threshold"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			threshold = f
		}
	}

	readings, err := h.readings.RecentAnomalies(r.Context(), threshold, limit)
	if err != nil {
		h.logger.Error("Failed to query anomalies", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to query anomalies")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"readings": readings})
}

// postFeedback 用户反馈：POST /api/v1/readings/{id}/feedback
// 重复提交同一标签是无害的（幂等）
func (h *Handler) postFeedback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// 路径形如 /api/v1/readings/123/feedback
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/readings/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[1] != "feedback" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	readingID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid reading id")
		return
	}

	var body struct {
		Accurate *bool `json:"accurate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Accurate == nil {
		writeError(w, http.StatusBadRequest, "body must be {\"accurate\": true|false}")
		return
	}

	if err := h.pipeline.SubmitFeedback(r.Context(), readingID, *body.Accurate); err != nil {
		h.logger.Error("Failed to save feedback",
			zap.Int64("reading_id", readingID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to save feedback")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func parseIntQuery(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return def
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
