package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/hemant/titanbroker"
)

// Handler handles HTTP requests for the monitor.
type Handler struct {
	inspector Inspector
}

// NewHandler creates a new Handler.
func NewHandler(inspector Inspector) *Handler {
	return &Handler{inspector: inspector}
}

// RegisterRoutes registers HTTP routes.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/stats", h.handleStats)
	mux.HandleFunc("GET /api/queues", h.handleQueues)
	mux.HandleFunc("GET /api/queues/{queue}", h.handleQueue)
	mux.HandleFunc("GET /api/queues/{queue}/messages", h.handleMessages)
	mux.HandleFunc("GET /api/queues/{queue}/consumers", h.handleConsumers)
	mux.HandleFunc("GET /api/queues/{queue}/ratelimit", h.handleRateLimit)
	mux.HandleFunc("GET /api/jobs", h.handleJobs)
	mux.HandleFunc("GET /api/jobs/{id}", h.handleJob)
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.inspector.Stats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, StatsView{
		Queues:        stats.Queues,
		Consumers:     stats.Consumers,
		ActiveWorkers: stats.ActiveWorkers,
		Counts:        toCounts(stats.Counts),
	})
}

func (h *Handler) handleQueues(w http.ResponseWriter, r *http.Request) {
	infos, err := h.inspector.ListQueueInfo(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	queues := make([]QueueView, 0, len(infos))
	for _, info := range infos {
		queues = append(queues, toQueueView(info))
	}
	writeJSON(w, http.StatusOK, queues)
}

func (h *Handler) handleQueue(w http.ResponseWriter, r *http.Request) {
	info, err := h.inspector.GetQueueInfo(r.Context(), r.PathValue("queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toQueueView(info))
}

// handleMessages lists one page of messages.
// Query: type (default pending), group, cursor, size.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	typ := q.Get("type")
	if typ == "" {
		typ = "pending"
	}
	t, ok := messageTypes[typ]
	if !ok {
		writeMessage(w, http.StatusBadRequest, "unknown message type "+strconv.Quote(typ))
		return
	}
	var page titanbroker.Page
	var err error
	if v := q.Get("cursor"); v != "" {
		if page.Cursor, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid cursor")
			return
		}
	}
	if v := q.Get("size"); v != "" {
		if page.Size, err = strconv.ParseInt(v, 10, 64); err != nil {
			writeMessage(w, http.StatusBadRequest, "invalid size")
			return
		}
	}

	msgs, next, err := h.inspector.ListMessages(r.Context(), r.PathValue("queue"), q.Get("group"), t, page)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		views = append(views, toMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"messages":    views,
		"next_cursor": next,
	})
}

func (h *Handler) handleConsumers(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.inspector.ListConsumers(r.Context(), r.PathValue("queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, consumers)
}

func (h *Handler) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	usage, err := h.inspector.RateLimitUsage(r.Context(), r.PathValue("queue"))
	if err != nil {
		writeError(w, err)
		return
	}
	if usage == nil {
		writeMessage(w, http.StatusNotFound, "queue is not rate limited")
		return
	}
	writeJSON(w, http.StatusOK, RateLimitView{
		Limit:    usage.Limit.Limit,
		Interval: usage.Limit.Interval.String(),
		Used:     usage.Used,
		ResetIn:  usage.ResetIn.String(),
	})
}

func (h *Handler) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := int64(50)
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			writeMessage(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	jobs, err := h.inspector.ListJobs(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]JobView, 0, len(jobs))
	for _, j := range jobs {
		views = append(views, toJobView(j))
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *Handler) handleJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.inspector.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toJobView(j))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeMessage(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeError maps broker errors to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case titanbroker.IsNotFound(err):
		writeMessage(w, http.StatusNotFound, err.Error())
	case titanbroker.IsValidation(err):
		writeMessage(w, http.StatusBadRequest, err.Error())
	case titanbroker.IsTransient(err):
		writeMessage(w, http.StatusServiceUnavailable, err.Error())
	default:
		writeMessage(w, http.StatusInternalServerError, err.Error())
	}
}
