package http

import (
	"aggregator/pkg/aggerrors"
	"aggregator/pkg/aggregator"
	"aggregator/pkg/checkpoint"
	"aggregator/pkg/store"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = 4567
	defaultShutdownTimeout = time.Second * 5
	defaultQueueTimeout    = time.Second
	maxBodyBytes           = 16 << 20
)

type iAggregator interface {
	Put(ctx context.Context, sourceID string, payload []byte, senderClock uint64) (store.Result, error)
	Get(ctx context.Context, sourceID string) (store.Record, uint64, error)
	GetAll(ctx context.Context) (store.View, error)
	Checkpoint(ctx context.Context) (checkpoint.Image, error)
	Backup(ctx context.Context) (aggregator.BackupResult, error)
	InstanceID() string
}

type Options struct {
	Port              int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	// MaxInflight bounds concurrently handled requests; 0 disables the bound.
	MaxInflight int64
	// QueueTimeout bounds how long a request waits for a free slot.
	QueueTimeout time.Duration
	// RateLimit is accepted PUTs per second; 0 disables limiting.
	RateLimit float64
	RateBurst int
	// Metrics serves GET /metrics when set.
	Metrics http.Handler
}

// Server represents the HTTP front of the aggregation server
type Server struct {
	agg        iAggregator
	opts       Options
	inflight   *semaphore.Weighted
	limiter    *rate.Limiter
	httpServer *http.Server
	URL        string
	addr       string
}

// NewServer creates a new server instance
func NewServer(agg iAggregator, opts Options) *Server {
	if opts.Port == 0 {
		opts.Port = defaultHTTPPort
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = defaultShutdownTimeout
	}
	if opts.ReadHeaderTimeout <= 0 {
		opts.ReadHeaderTimeout = time.Second
	}
	if opts.QueueTimeout <= 0 {
		opts.QueueTimeout = defaultQueueTimeout
	}

	s := &Server{
		agg:  agg,
		opts: opts,
		URL:  "http://localhost:" + strconv.Itoa(opts.Port),
		addr: ":" + strconv.Itoa(opts.Port),
	}
	if opts.MaxInflight > 0 {
		s.inflight = semaphore.NewWeighted(opts.MaxInflight)
	}
	if opts.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), opts.RateBurst)
	}
	return s
}

// Start listens on the configured port and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.opts.ReadHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

// Stop drains in-flight requests and stops the server
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

// Handler builds the chi router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(s.limitInflight)

		r.With(s.limitRate).Put("/records/{sourceID}", s.handlePut)
		r.Get("/records", s.handleGetAll)
		r.Get("/records/{sourceID}", s.handleGet)

		r.Post("/admin/checkpoint", s.handleCheckpoint)
		r.Post("/admin/backup", s.handleBackup)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

// writeError maps err to a status code.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, aggerrors.ErrInvalidArgument), errors.Is(err, aggerrors.ErrEmptyPayload):
		status = http.StatusBadRequest
	case errors.Is(err, aggerrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, aggerrors.ErrNotRunning):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse(s.agg.InstanceID()))
}

// sourceIDParam returns the decoded source id. chi matches on the escaped
// path when one is present, so the param is still escaped then.
func sourceIDParam(r *http.Request) (string, error) {
	id := chi.URLParam(r, "sourceID")
	if r.URL.RawPath == "" {
		return id, nil
	}
	return url.PathUnescape(id)
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	sourceID, err := sourceIDParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid source id: "+err.Error()))
		return
	}

	var req PutRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to decode body: "+err.Error()))
		return
	}

	res, err := s.agg.Put(r.Context(), sourceID, req.Payload, req.Clock)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	slog.Debug("put handled", "source_id", sourceID, "status", res.Status,
		"server_clock", res.ServerClock, "request_id", middleware.GetReqID(r.Context()))
	s.writeJSON(w, http.StatusOK, NewPutResponse(res))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	sourceID, err := sourceIDParam(r)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid source id: "+err.Error()))
		return
	}

	rec, clock, err := s.agg.Get(r.Context(), sourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRecordsResponse(clock, rec))
}

func (s *Server) handleGetAll(w http.ResponseWriter, r *http.Request) {
	view, err := s.agg.GetAll(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewRecordsResponse(view.Clock, view.Records...))
}

func (s *Server) handleCheckpoint(w http.ResponseWriter, r *http.Request) {
	img, err := s.agg.Checkpoint(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := NewSuccessResponse()
	resp.Checkpoint = &CheckpointBody{Records: len(img.Records), Clock: img.Clock, LastSeq: img.LastSeq}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleBackup(w http.ResponseWriter, r *http.Request) {
	res, err := s.agg.Backup(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := NewSuccessResponse()
	resp.Backup = &res
	s.writeJSON(w, http.StatusOK, resp)
}
