/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package admin

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/acronis/go-ratequeue/config"
	"github.com/acronis/go-ratequeue/log"
	"github.com/acronis/go-ratequeue/ratequeue"
)

// APIPrefix is the prefix of all queue management routes.
const APIPrefix = "/api/ratequeue/v1"

// ErrShutdownViaAPI is the termination reason of queues deleted through the admin API.
var ErrShutdownViaAPI = errors.New("shutdown via admin API")

// Registry is the part of ratequeue.Registry the admin API works with.
type Registry interface {
	Names() []string
	Stats() map[string]ratequeue.Stats
	EnqueueBlocking(ctx context.Context, name string, payload interface{}) (interface{}, error)
	EnqueueAsync(name string, payload interface{}) error
	SetRate(name string, rate time.Duration) error
	Shutdown(name string, reason error) error
}

var _ Registry = (*ratequeue.Registry)(nil)

// RouterOpts represents options for creating the admin router.
type RouterOpts struct {
	// MetricsHandler serves /metrics. promhttp.Handler() is used if nil.
	MetricsHandler http.Handler

	// MaxBodySize limits request bodies in bytes. 0 means no limit.
	MaxBodySize uint64

	// WriteLimiter limits the rate of requests changing queues. No limit if nil.
	WriteLimiter *rate.Limiter

	// Profiling mounts net/http/pprof handlers under /debug.
	Profiling bool
}

// NewRouter creates a chi.Router exposing health, metrics and queue management endpoints for reg.
func NewRouter(reg Registry, logger log.FieldLogger, opts RouterOpts) chi.Router {
	if logger == nil {
		logger = log.NewDisabledLogger()
	}
	metricsHandler := opts.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}
	h := &handlers{reg: reg, maxBodySize: opts.MaxBodySize}

	router := chi.NewRouter()
	router.Use(requestLogging(logger), recovery)
	if opts.WriteLimiter != nil {
		router.Use(writeRateLimit(opts.WriteLimiter))
	}

	router.NotFound(func(rw http.ResponseWriter, r *http.Request) {
		RespondError(rw, http.StatusNotFound, NewError(ErrCodeNotFound, "Not found."), GetLoggerFromContext(r.Context()))
	})
	router.MethodNotAllowed(func(rw http.ResponseWriter, r *http.Request) {
		RespondError(rw, http.StatusMethodNotAllowed,
			NewError(ErrCodeMethodNotAllowed, "Method not allowed."), GetLoggerFromContext(r.Context()))
	})

	router.Method(http.MethodGet, "/metrics", metricsHandler)
	router.Get("/healthz", h.healthCheck)
	if opts.Profiling {
		router.Mount("/debug", chimw.Profiler())
	}

	router.Route(APIPrefix+"/queues", func(r chi.Router) {
		r.Get("/", h.listQueues)
		r.Get("/{name}", h.getQueue)
		r.Delete("/{name}", h.deleteQueue)
		r.Put("/{name}/rate", h.setRate)
		r.Post("/{name}/items", h.enqueue)
	})

	return router
}

type handlers struct {
	reg         Registry
	maxBodySize uint64
}

// QueueStats is a queue's view returned by the API. Rate is rendered in time.Duration notation.
type QueueStats struct {
	Name string `json:"name"`
	Rate string `json:"rate"`
	ratequeue.Stats
}

// QueueListResponse is the body of the queue list response.
type QueueListResponse struct {
	Queues []QueueStats `json:"queues"`
}

// SetRateRequest is the body of the rate change request.
type SetRateRequest struct {
	Rate string `json:"rate"`
}

// EnqueueRequest is the body of the enqueue request. With Wait the response is sent once the item is drained.
type EnqueueRequest struct {
	Payload interface{} `json:"payload"`
	Wait    bool        `json:"wait"`
}

// EnqueueResponse is the body of the response to a waiting enqueue request.
type EnqueueResponse struct {
	Reply interface{} `json:"reply"`
}

// HealthCheckResponse lists running queues.
type HealthCheckResponse struct {
	Components map[string]bool `json:"components"`
}

func newQueueStats(name string, s ratequeue.Stats) QueueStats {
	return QueueStats{Name: name, Rate: s.Rate.String(), Stats: s}
}

func (h *handlers) healthCheck(rw http.ResponseWriter, r *http.Request) {
	resp := HealthCheckResponse{Components: map[string]bool{}}
	for name, s := range h.reg.Stats() {
		resp.Components[name] = !s.Terminated
	}
	RespondJSON(rw, http.StatusOK, resp, GetLoggerFromContext(r.Context()))
}

func (h *handlers) listQueues(rw http.ResponseWriter, r *http.Request) {
	stats := h.reg.Stats()
	resp := QueueListResponse{Queues: make([]QueueStats, 0, len(stats))}
	for _, name := range h.reg.Names() {
		if s, ok := stats[name]; ok {
			resp.Queues = append(resp.Queues, newQueueStats(name, s))
		}
	}
	RespondJSON(rw, http.StatusOK, resp, GetLoggerFromContext(r.Context()))
}

func (h *handlers) getQueue(rw http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s, ok := h.reg.Stats()[name]
	if !ok {
		h.respondQueueError(rw, r, ratequeue.ErrQueueNotFound)
		return
	}
	RespondJSON(rw, http.StatusOK, newQueueStats(name, s), GetLoggerFromContext(r.Context()))
}

func (h *handlers) deleteQueue(rw http.ResponseWriter, r *http.Request) {
	if err := h.reg.Shutdown(chi.URLParam(r, "name"), ErrShutdownViaAPI); err != nil {
		h.respondQueueError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handlers) setRate(rw http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromContext(r.Context())

	var req SetRateRequest
	if err := decodeRequestJSON(rw, r, &req, h.maxBodySize); err != nil {
		respondMalformedRequestOrInternalError(rw, err, logger)
		return
	}
	var newRate config.TimeDuration
	if err := newRate.UnmarshalText([]byte(req.Rate)); err != nil || newRate <= 0 {
		RespondError(rw, http.StatusBadRequest,
			NewError(ErrCodeInvalidRate, "Rate must be a positive duration (e.g. \"250ms\").").
				AddContext("rate", req.Rate), logger)
		return
	}
	if err := h.reg.SetRate(chi.URLParam(r, "name"), time.Duration(newRate)); err != nil {
		h.respondQueueError(rw, r, err)
		return
	}
	rw.WriteHeader(http.StatusNoContent)
}

func (h *handlers) enqueue(rw http.ResponseWriter, r *http.Request) {
	logger := GetLoggerFromContext(r.Context())
	name := chi.URLParam(r, "name")

	var req EnqueueRequest
	if err := decodeRequestJSON(rw, r, &req, h.maxBodySize); err != nil {
		respondMalformedRequestOrInternalError(rw, err, logger)
		return
	}

	if !req.Wait {
		if err := h.reg.EnqueueAsync(name, req.Payload); err != nil {
			h.respondQueueError(rw, r, err)
			return
		}
		rw.WriteHeader(http.StatusAccepted)
		return
	}

	reply, err := h.reg.EnqueueBlocking(r.Context(), name, req.Payload)
	if err != nil {
		h.respondQueueError(rw, r, err)
		return
	}
	RespondJSON(rw, http.StatusOK, EnqueueResponse{Reply: reply}, logger)
}

func (h *handlers) respondQueueError(rw http.ResponseWriter, r *http.Request, err error) {
	logger := GetLoggerFromContext(r.Context())
	name := chi.URLParam(r, "name")
	switch {
	case errors.Is(err, ratequeue.ErrQueueNotFound):
		RespondError(rw, http.StatusNotFound, NewError(ErrCodeNotFound, "Queue not found.").AddContext("queue", name), logger)
	case errors.Is(err, ratequeue.ErrTerminated):
		RespondError(rw, http.StatusConflict,
			NewError(ErrCodeQueueTerminated, "Queue is terminated.").AddContext("queue", name), logger)
	case errors.Is(err, ratequeue.ErrInvalidRate):
		RespondError(rw, http.StatusBadRequest, NewError(ErrCodeInvalidRate, err.Error()), logger)
	case errors.Is(err, ratequeue.ErrProcessingFailed):
		RespondError(rw, http.StatusBadGateway,
			NewError(ErrCodeProcessingFailed, err.Error()).AddContext("queue", name), logger)
	case errors.Is(err, context.DeadlineExceeded):
		RespondError(rw, http.StatusGatewayTimeout,
			NewError(ErrCodeTimeout, "Item was not drained in time.").AddContext("queue", name), logger)
	case errors.Is(err, context.Canceled):
		rw.WriteHeader(StatusClientClosedRequest)
	default:
		logger.Error("queue request failed", log.Error(err))
		RespondInternalError(rw, logger)
	}
}
