// Package api implements the admin HTTP surface of the scraper service.
//
// Routes:
//
//	GET  /health                  → liveness
//	GET  /queue/stats             → size of every queue list
//	GET  /opportunities/count     → rows in the opportunities table
//	POST /jobs                    → enqueue every department now
//	POST /jobs/{department}       → enqueue one department (body: {"sinceDate": "..."})
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"immo/scraper-service/internal/model"
	"immo/scraper-service/internal/queue"
	"immo/scraper-service/internal/scheduler"
)

// ─── Dependencies ────────────────────────────────────────────────────────────

// JobQueue is what the handlers need from the queue.
type JobQueue interface {
	Enqueue(ctx context.Context, job model.ScrapeJob, opts queue.Options) (string, error)
	Stats(ctx context.Context) (queue.Stats, error)
}

// Counter counts persisted opportunities.
type Counter interface {
	CountOpportunities(ctx context.Context) (int64, error)
}

// FanOut enqueues one job per department.
type FanOut interface {
	EnqueueAll(ctx context.Context) scheduler.Result
}

// ─── Handler ─────────────────────────────────────────────────────────────────

// Handler holds shared dependencies.
type Handler struct {
	queue   JobQueue
	opts    queue.Options
	counter Counter
	fanOut  FanOut
	version string
	logger  zerolog.Logger
}

// NewHandler returns a configured Handler.
func NewHandler(q JobQueue, opts queue.Options, counter Counter, fanOut FanOut, version string, logger zerolog.Logger) *Handler {
	return &Handler{queue: q, opts: opts, counter: counter, fanOut: fanOut, version: version, logger: logger}
}

// Router mounts all routes on a gorilla/mux router.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", h.health).Methods(http.MethodGet)
	r.HandleFunc("/queue/stats", h.queueStats).Methods(http.MethodGet)
	r.HandleFunc("/opportunities/count", h.countOpportunities).Methods(http.MethodGet)
	r.HandleFunc("/jobs", h.enqueueAll).Methods(http.MethodPost)
	r.HandleFunc("/jobs/{department:[0-9]+}", h.enqueueOne).Methods(http.MethodPost)
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, "method not allowed", http.StatusMethodNotAllowed)
	})
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		jsonError(w, "not found", http.StatusNotFound)
	})
	return r
}

// ─── Routes ──────────────────────────────────────────────────────────────────

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

// health handles GET /health
func (h *Handler) health(w http.ResponseWriter, _ *http.Request) {
	jsonOK(w, http.StatusOK, healthResponse{Status: "ok", Service: "scraper-service", Version: h.version})
}

// queueStats handles GET /queue/stats
func (h *Handler) queueStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.queue.Stats(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("queue stats failed")
		jsonError(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, http.StatusOK, st)
}

// countOpportunities handles GET /opportunities/count
func (h *Handler) countOpportunities(w http.ResponseWriter, r *http.Request) {
	n, err := h.counter.CountOpportunities(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Msg("count opportunities failed")
		jsonError(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	jsonOK(w, http.StatusOK, map[string]int64{"count": n})
}

// enqueueAll handles POST /jobs
func (h *Handler) enqueueAll(w http.ResponseWriter, r *http.Request) {
	res := h.fanOut.EnqueueAll(r.Context())
	jsonOK(w, http.StatusAccepted, res)
}

type enqueueRequest struct {
	SinceDate *string `json:"sinceDate"`
}

// enqueueOne handles POST /jobs/{department}
func (h *Handler) enqueueOne(w http.ResponseWriter, r *http.Request) {
	dept, err := strconv.Atoi(mux.Vars(r)["department"])
	if err != nil || !validPartition(dept) {
		jsonError(w, "department must be between 1 and 95, 20 excluded", http.StatusBadRequest)
		return
	}

	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		jsonError(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	job := model.ScrapeJob{JobName: model.JobNameAuctions, PartitionID: &dept, SinceDate: req.SinceDate}
	if _, err := job.Since(); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	id, err := h.queue.Enqueue(r.Context(), job, h.opts)
	if err != nil {
		h.logger.Error().Err(err).Int("partition", dept).Msg("manual enqueue failed")
		jsonError(w, "queue unavailable", http.StatusServiceUnavailable)
		return
	}
	h.logger.Info().Int("partition", dept).Str("job_id", id).Msg("job enqueued manually")
	jsonOK(w, http.StatusAccepted, map[string]string{"jobId": id})
}

func validPartition(d int) bool {
	for _, p := range scheduler.Partitions() {
		if p == d {
			return true
		}
	}
	return false
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

func jsonOK(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
