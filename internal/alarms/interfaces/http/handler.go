package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	alarmapp "sitewatch/internal/alarms/application"
	alarms "sitewatch/internal/alarms/domain"
	"sitewatch/internal/alarms/interfaces/report"
	"sitewatch/internal/auth"
	"sitewatch/internal/observability/metrics"
)

const timeLayout = time.RFC3339

// EventLog reads the persisted lifecycle history.
type EventLog interface {
	ListEvents(ctx context.Context, since time.Time, limit int) ([]alarms.EventLogEntry, error)
}

// RulesReloader re-reads the rules file and swaps it into the engine.
type RulesReloader func(ctx context.Context) error

// Handler provides the operator API.
type Handler struct {
	engine *alarmapp.Engine
	events EventLog
	reload RulesReloader
	log    *logrus.Logger
}

// NewHandler constructs a handler.
func NewHandler(engine *alarmapp.Engine, events EventLog, reload RulesReloader, log *logrus.Logger) (*Handler, error) {
	if engine == nil {
		return nil, errors.New("alarms handler: nil engine")
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{engine: engine, events: events, reload: reload, log: log}, nil
}

// Register mounts the alarm routes.
func (h *Handler) Register(r *mux.Router) {
	r.HandleFunc("/api/v1/alarms", h.handleList).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alarms/stats", h.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alarms/events", h.handleEvents).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/alarms/{sensor_id}/ack", h.handleAck).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/alarms/{sensor_id}/shelve", h.handleShelve).Methods(http.MethodPost)
	r.HandleFunc("/api/v1/reports/compliance.xlsx", h.handleReportXLSX).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/reports/compliance.pdf", h.handleReportPDF).Methods(http.MethodGet)
	r.HandleFunc("/api/v1/rules/reload", h.handleRulesReload).Methods(http.MethodPost)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := alarmapp.Filter{
		State:    q.Get("state"),
		Priority: q.Get("priority"),
		SiteID:   q.Get("site_id"),
		BlockID:  q.Get("block_id"),
	}
	writeJSON(w, h.engine.List(filter))
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, stats)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	if h.events == nil {
		http.Error(w, "event log unavailable", http.StatusServiceUnavailable)
		return
	}
	since, err := parseOptionalTime(r, "since")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
	}
	events, err := h.events.ListEvents(r.Context(), since, limit)
	if err != nil {
		respondError(w, err)
		return
	}
	if events == nil {
		events = []alarms.EventLogEntry{}
	}
	writeJSON(w, events)
}

type actionRequest struct {
	Operator      string  `json:"operator"`
	Reason        string  `json:"reason"`
	DurationHours float64 `json:"duration_hours"`
}

func (h *Handler) handleAck(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensor_id"]
	var req actionRequest
	decodeBody(r, &req)

	snap, err := h.engine.Acknowledge(r.Context(), sensorID, operatorFor(r, req))
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) handleShelve(w http.ResponseWriter, r *http.Request) {
	sensorID := mux.Vars(r)["sensor_id"]
	var req actionRequest
	decodeBody(r, &req)

	duration := time.Duration(req.DurationHours * float64(time.Hour))
	snap, err := h.engine.Shelve(r.Context(), sensorID, operatorFor(r, req), req.Reason, duration)
	if err != nil {
		respondError(w, err)
		return
	}
	writeJSON(w, snap)
}

func (h *Handler) handleReportXLSX(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, r, "xlsx")
}

func (h *Handler) handleReportPDF(w http.ResponseWriter, r *http.Request) {
	h.serveReport(w, r, "pdf")
}

func (h *Handler) serveReport(w http.ResponseWriter, r *http.Request, format string) {
	stats, err := h.engine.Stats(r.Context())
	if err != nil {
		metrics.ObserveReportExport(format, "error")
		respondError(w, err)
		return
	}
	var events []alarms.EventLogEntry
	if h.events != nil {
		since, err := parseOptionalTime(r, "since")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		events, err = h.events.ListEvents(r.Context(), since, 0)
		if err != nil {
			metrics.ObserveReportExport(format, "error")
			respondError(w, err)
			return
		}
	}

	now := time.Now().UTC()
	var payload []byte
	var contentType string
	switch format {
	case "xlsx":
		payload, err = report.BuildComplianceXLSX(now, stats, events)
		contentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	case "pdf":
		payload, err = report.BuildCompliancePDF(now, stats, events)
		contentType = "application/pdf"
	default:
		http.Error(w, "unknown format", http.StatusNotFound)
		return
	}
	if err != nil {
		metrics.ObserveReportExport(format, "error")
		respondError(w, err)
		return
	}
	metrics.ObserveReportExport(format, "ok")
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=compliance-%s.%s", now.Format("20060102-150405"), format))
	_, _ = w.Write(payload)
}

func (h *Handler) handleRulesReload(w http.ResponseWriter, r *http.Request) {
	if h.reload == nil {
		http.Error(w, "rules reload unavailable", http.StatusServiceUnavailable)
		return
	}
	if err := h.reload(r.Context()); err != nil {
		h.log.WithError(err).Warn("rules reload rejected")
		respondError(w, fmt.Errorf("%w: %v", alarms.ErrInvalidArgument, err))
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

// operatorFor prefers the authenticated subject, falling back to the request
// body for deployments running without auth.
func operatorFor(r *http.Request, req actionRequest) string {
	if subject := auth.SubjectFromContext(r.Context()); subject != "" {
		return subject
	}
	return req.Operator
}

func decodeBody(r *http.Request, out any) {
	if r.Body == nil {
		return
	}
	_ = json.NewDecoder(r.Body).Decode(out)
}

func parseOptionalTime(r *http.Request, key string) (time.Time, error) {
	value := r.URL.Query().Get(key)
	if value == "" {
		return time.Time{}, nil
	}
	parsed, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}, errors.New(key + " must be RFC3339")
	}
	return parsed.UTC(), nil
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, alarms.ErrInvalidArgument):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, alarms.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, alarms.ErrInvalidTransition):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, alarms.ErrPersistenceUnavailable):
		http.Error(w, "persistence unavailable", http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}
