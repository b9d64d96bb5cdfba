// Package api serves the two HTTP surfaces every inferout worker exposes:
// the management API (cluster, namespace and model administration) and
// the serving API (inference requests).
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/dreamware/inferout/internal/catalog"
	"github.com/dreamware/inferout/internal/worker"
)

// DefaultProxyTimeout bounds a forwarded inference request.
const DefaultProxyTimeout = 30 * time.Second

// Option configures an API.
type Option func(*API)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *API) { a.logger = l }
}

// WithHTTPClient sets the client used to forward inference requests to
// other workers.
func WithHTTPClient(c *http.Client) Option {
	return func(a *API) { a.client = c }
}

// API holds the handlers of both HTTP surfaces for one worker.
type API struct {
	worker *worker.Worker
	store  *catalog.Store
	client *http.Client
	logger *slog.Logger
}

// New returns the API of w.
func New(w *worker.Worker, opts ...Option) *API {
	a := &API{
		worker: w,
		store:  w.Store(),
		client: &http.Client{Timeout: DefaultProxyTimeout},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// ErrResponse is the body of every error reply.
type ErrResponse struct {
	HTTPStatusCode int    `json:"status"`
	Msg            string `json:"error"`
}

// ServiceInfo is returned by GET / on both surfaces.
type ServiceInfo struct {
	Service         string `json:"service"`
	ClusterName     string `json:"cluster_name"`
	ClusterVersion  string `json:"cluster_version"`
	RedisKeyPrefix  string `json:"redis_key_prefix"`
	CurrentWorkerID string `json:"current_worker_id"`
}

func (a *API) info(service string) ServiceInfo {
	c := a.store.Cluster()
	return ServiceInfo{
		Service:         service,
		ClusterName:     c.Name(),
		ClusterVersion:  c.Version(),
		RedisKeyPrefix:  c.Prefix(),
		CurrentWorkerID: a.worker.ID(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		a.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeJSON(w, status, ErrResponse{HTTPStatusCode: status, Msg: err.Error()})
}

// statusOf maps domain errors onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, catalog.ErrInvalidID),
		errors.Is(err, catalog.ErrInvalidSettings),
		errors.Is(err, worker.ErrInvalidVersion),
		errors.Is(err, errBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, errTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, worker.ErrUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, errUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

var (
	errBadRequest = errors.New("bad request")
	errUpstream   = errors.New("upstream worker failed")
	errTooLarge   = errors.New("request body too large")
)

// requestLogger logs every request at debug level with its status and
// latency.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()))
	})
}
