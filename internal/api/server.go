package api

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"custody-tracker/internal/blob"
	"custody-tracker/internal/config"
	"custody-tracker/internal/models"
	"custody-tracker/internal/ratelimit"
	"custody-tracker/internal/service"
	"custody-tracker/internal/telemetry"
)

// TaskQueue accepts background work produced by HTTP requests.
type TaskQueue interface {
	EnqueueThumbnail(ctx context.Context, jobID, key string) error
}

// Server wires HTTP handlers for the custody API.
type Server struct {
	cfg     config.Config
	svc     *service.Service
	blobs   blob.Store
	tasks   TaskQueue
	limiter *ratelimit.TokenBucket
}

// New constructs the API server. tasks and limiter may be nil.
func New(cfg config.Config, svc *service.Service, blobs blob.Store, tasks TaskQueue, limiter *ratelimit.TokenBucket) *Server {
	return &Server{
		cfg:     cfg,
		svc:     svc,
		blobs:   blobs,
		tasks:   tasks,
		limiter: limiter,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observe)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())
	if local, ok := s.blobs.(*blob.Local); ok && strings.HasPrefix(s.cfg.BlobBaseURL, "/") {
		prefix := strings.TrimSuffix(s.cfg.BlobBaseURL, "/")
		r.Handle(prefix+"/*", http.StripPrefix(prefix, local.Handler()))
	}

	r.Group(func(r chi.Router) {
		r.Use(identity)

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.handleCreateJob)
			r.Get("/", s.handleListJobs)
			r.Get("/{ref}", s.handleJobDetail)
			r.Patch("/{ref}", s.handleUpdateJob)
			r.Get("/{ref}/events", s.handleJobEvents)
			r.Post("/{ref}/photos", s.handleUploadPhoto)
			r.With(ratelimit.Middleware(s.limiter, actorKey)).Post("/{ref}/transitions", s.handleTransition)
		})
		r.Get("/events", s.handleListEvents)

		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.handleOpenBatch)
			r.Get("/", s.handleListBatches)
			r.Get("/{ref}", s.handleGetBatch)
			r.Post("/{ref}/items", s.handleAddItem)
			r.Post("/{ref}/dispatch", s.handleDispatch)
			r.Post("/{ref}/close", s.handleCloseBatch)
		})

		r.Route("/incidents", func(r chi.Router) {
			r.Post("/", s.handleCreateIncident)
			r.Get("/", s.handleListIncidents)
			r.Post("/{id}/resolve", s.handleResolveIncident)
		})

		r.Route("/factories", func(r chi.Router) {
			r.Get("/", s.handleListFactories)
			r.Post("/", s.handleCreateFactory)
			r.Patch("/{id}", s.handleUpdateFactory)
		})

		r.Route("/reports", func(r chi.Router) {
			r.Get("/aging", s.handleAging)
			r.Get("/turnaround", s.handleTurnaround)
			r.Get("/batch-delays", s.handleBatchDelays)
			r.Get("/repairs", s.handleRepairs)
			r.Get("/activity", s.handleActivity)
		})
	})
	return r
}

type actorCtxKey struct{}

// identity reads the caller from X-User-ID and X-User-Roles as set by the
// upstream identity provider.
func identity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := service.Actor{ID: strings.TrimSpace(r.Header.Get("X-User-ID"))}
		for _, part := range strings.Split(r.Header.Get("X-User-Roles"), ",") {
			role := models.Role(strings.TrimSpace(part))
			if role == "" {
				continue
			}
			if !role.Valid() {
				writeProblem(w, http.StatusBadRequest, "validation_failed", "unknown role "+strconv.Quote(string(role)), nil)
				return
			}
			actor.Roles = append(actor.Roles, role)
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), actorCtxKey{}, actor)))
	})
}

func actorFrom(r *http.Request) service.Actor {
	actor, _ := r.Context().Value(actorCtxKey{}).(service.Actor)
	return actor
}

func actorKey(r *http.Request) string {
	return actorFrom(r).ID
}

// observe logs each request and records its latency by route pattern.
func observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		telemetry.HTTPDuration.WithLabelValues(r.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
		if route != "/healthz" && route != "/metrics/*" {
			log.Printf("%s %s %d %s", r.Method, r.URL.Path, status, elapsed.Round(time.Microsecond))
		}
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
