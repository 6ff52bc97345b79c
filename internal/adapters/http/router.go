package httpadapter

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/blociq/lease-pipeline/internal/core/ports"
	"github.com/blociq/lease-pipeline/internal/observability/metrics"
)

// Options carries the HTTP-facing knobs from config.
type Options struct {
	MaxUploadBytes    int64
	SchedulerSecret   string
	RateLimitRPS      float64
	RateLimitBurst    int
	MaxInFlight       int
	BackpressureWait  time.Duration
	StatsWindow       time.Duration
	MultipartMemBytes int64
}

type Router struct {
	uploader  ports.Uploader
	status    ports.JobStatusReader
	results   ports.ResultDownloader
	scheduler ports.Scheduler
	identity  ports.IdentityVerifier

	metrics *metrics.HTTPServerMetrics
	opts    Options
	log     *zerolog.Logger
}

func NewRouter(
	uploader ports.Uploader,
	status ports.JobStatusReader,
	results ports.ResultDownloader,
	scheduler ports.Scheduler,
	identity ports.IdentityVerifier,
	httpMetrics *metrics.HTTPServerMetrics,
	opts Options,
	logger *zerolog.Logger,
) *Router {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	compLog := logger.With().Str("component", "http").Logger()
	if opts.BackpressureWait <= 0 {
		opts.BackpressureWait = 250 * time.Millisecond
	}
	if opts.StatsWindow <= 0 {
		opts.StatsWindow = 24 * time.Hour
	}
	if opts.MultipartMemBytes <= 0 {
		opts.MultipartMemBytes = 8 << 20
	}
	return &Router{
		uploader:  uploader,
		status:    status,
		results:   results,
		scheduler: scheduler,
		identity:  identity,
		metrics:   httpMetrics,
		opts:      opts,
		log:       &compLog,
	}
}

func (rt *Router) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(rt.accessLogMiddleware)
	r.Use(rt.recoverMiddleware)

	r.Get("/healthz", rt.healthz)
	r.Get("/openapi.yaml", serveOpenAPI)
	if rt.metrics != nil {
		r.Method(http.MethodGet, "/metrics", rt.metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		if rt.opts.RateLimitRPS > 0 {
			r.Use(rateLimit(rt.opts.RateLimitRPS, rt.opts.RateLimitBurst, rt.recordRejected))
		}
		if rt.opts.MaxInFlight > 0 {
			r.Use(backpressure(rt.opts.MaxInFlight, rt.opts.BackpressureWait, rt.recordRejected))
		}

		r.Route("/v1/lease-jobs", func(r chi.Router) {
			r.Use(rt.userAuthMiddleware)
			r.Post("/", rt.uploadLease)
			r.Get("/{jobID}", rt.getJob)
			r.Get("/{jobID}/download", rt.downloadResult)
			r.Post("/{jobID}/results", rt.recordFeedback)
		})

		r.Route("/v1/scheduler", func(r chi.Router) {
			r.Use(rt.schedulerAuthMiddleware)
			r.Post("/tick", rt.schedulerTick)
			r.Get("/stats", rt.schedulerStats)
		})
	})

	var h http.Handler = r
	if rt.metrics != nil {
		h = rt.metrics.Middleware(h)
	}
	return h
}

func (rt *Router) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (rt *Router) recordRejected(reason string) {
	if rt.metrics != nil {
		rt.metrics.RecordRejected(reason)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
