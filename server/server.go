// Package server exposes the engine as an HTTP JSON API.
//
//	POST   /v1/solve             optimal tilt and eigenpair
//	POST   /v1/simulate          one natural or twisted path
//	POST   /v1/batch             naive versus importance-sampled batch
//	POST   /v1/tasks/batch       the same batch in the background
//	GET    /v1/tasks/:id         background batch status and result
//	DELETE /v1/tasks/:id         cancel a background batch
//	POST   /v1/research          literature search
//	POST   /v1/research/explain  explanation of a parameter set
//	GET    /healthz
//	GET    /metrics
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/google/uuid"
	"github.com/n0madic/go-rare-event-is/engine"
	"github.com/n0madic/go-rare-event-is/metrics"
	"github.com/n0madic/go-rare-event-is/model"
	"github.com/n0madic/go-rare-event-is/research"
	"github.com/n0madic/go-rare-event-is/sampler"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const requestIDHeader = "X-Request-ID"

// Server serves the engine over HTTP.
type Server struct {
	engine     *engine.Engine
	research   *research.Client
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	tasks      *taskRegistry
	defaults   model.Params
	truncation int
	logger     *slog.Logger
	router     *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithResearch enables the research endpoints.
func WithResearch(c *research.Client) Option {
	return func(s *Server) {
		s.research = c
	}
}

// WithMetrics serves /metrics from g and reports task counts to m.
func WithMetrics(m *metrics.Metrics, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithDefaults sets the parameters used for fields a request omits.
func WithDefaults(p model.Params, truncation int) Option {
	return func(s *Server) {
		s.defaults = p
		s.truncation = truncation
	}
}

// WithTaskLimits caps concurrently running background tasks and sets how
// long finished ones are kept.
func WithTaskLimits(limit int, ttl time.Duration) Option {
	return func(s *Server) {
		s.tasks = newTaskRegistry(limit, ttl)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// New creates a Server around eng.
func New(eng *engine.Engine, options ...Option) *Server {
	s := &Server{
		engine:     eng,
		tasks:      newTaskRegistry(64, time.Hour),
		defaults:   model.DefaultParams(),
		truncation: engine.DefaultTruncation,
		logger:     slog.Default(),
	}
	for _, opt := range options {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves on addr until ctx is done, then shuts down gracefully and
// cancels background tasks.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.tasks.cancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if s.gatherer != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1")
	v1.POST("/solve", s.handleSolve)
	v1.POST("/simulate", s.handleSimulate)
	v1.POST("/batch", s.handleBatch)
	v1.POST("/tasks/batch", s.handleStartBatch)
	v1.GET("/tasks/:id", s.handleGetTask)
	v1.DELETE("/tasks/:id", s.handleCancelTask)
	v1.POST("/research", s.handleResearch)
	v1.POST("/research/explain", s.handleExplain)
	return r
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)

		start := time.Now()
		c.Next()
		s.logger.Info("request",
			"request_id", id,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"elapsed", time.Since(start),
		)
	}
}

func (s *Server) log(c *gin.Context) *slog.Logger {
	return s.logger.With("request_id", c.GetString("request_id"))
}

func (s *Server) handleSolve(c *gin.Context) {
	req := SolveRequest{Params: s.defaults, Truncation: s.truncation}
	if !s.bind(c, &req) {
		return
	}
	sol, err := s.engine.Solve(c.Request.Context(), req.Params, req.Truncation)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sol)
}

func (s *Server) handleSimulate(c *gin.Context) {
	req := SimulateRequest{Params: s.defaults, Truncation: s.truncation}
	if !s.bind(c, &req) {
		return
	}
	ctx := c.Request.Context()

	var resp SimulateResponse
	switch req.Measure {
	case model.Natural:
		tr, err := s.engine.SimulateNatural(ctx, req.Params)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Trajectory = tr
	case model.Twisted:
		sol, err := s.engine.Solve(ctx, req.Params, req.Truncation)
		if err != nil {
			s.fail(c, err)
			return
		}
		tr, err := s.engine.SimulateTwisted(ctx, req.Params, sol)
		if err != nil {
			s.fail(c, err)
			return
		}
		resp.Trajectory = tr
		resp.Solution = summarize(sol)
	}
	resp.Rare = resp.Trajectory.RareAt(req.Params.Threshold)
	c.JSON(http.StatusOK, resp)
}

func (s *Server) runBatch(ctx context.Context, req BatchRequest) (BatchResponse, error) {
	sol, err := s.engine.Solve(ctx, req.Params, req.Truncation)
	if err != nil {
		return BatchResponse{}, err
	}
	cmp, err := s.engine.RunBatch(ctx, req.Params, sol)
	if err != nil {
		return BatchResponse{}, err
	}
	return BatchResponse{
		Params:     req.Params,
		Solution:   summarize(sol),
		Comparison: cmp,
		Assessment: cmp.Assess(),
	}, nil
}

func (s *Server) handleBatch(c *gin.Context) {
	req := BatchRequest{Params: s.defaults, Truncation: s.truncation}
	if !s.bind(c, &req) {
		return
	}
	resp, err := s.runBatch(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleStartBatch(c *gin.Context) {
	req := BatchRequest{Params: s.defaults, Truncation: s.truncation}
	if !s.bind(c, &req) {
		return
	}
	if err := req.Params.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	ctx := context.WithoutCancel(c.Request.Context())
	entry, err := s.tasks.start(ctx, func(ctx context.Context) (BatchResponse, error) {
		return s.runBatch(ctx, req)
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	s.reportTasks()
	s.log(c).Info("batch task started", "task_id", entry.id)

	go func() {
		<-entry.task.Done()
		s.reportTasks()
	}()
	c.JSON(http.StatusAccepted, TaskResponse{ID: entry.id, Status: TaskRunning})
}

func (s *Server) handleGetTask(c *gin.Context) {
	entry, ok := s.tasks.get(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: "TASK_NOT_FOUND"})
		return
	}
	c.JSON(http.StatusOK, taskResponse(entry))
}

func (s *Server) handleCancelTask(c *gin.Context) {
	entry, ok := s.tasks.cancel(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "task not found", Code: "TASK_NOT_FOUND"})
		return
	}
	s.log(c).Info("batch task cancelled", "task_id", entry.id)
	<-entry.task.Done()
	c.JSON(http.StatusOK, taskResponse(entry))
}

func taskResponse(e *taskEntry) TaskResponse {
	st, res, err := e.status()
	resp := TaskResponse{ID: e.id, Status: st, Result: res}
	if err != nil {
		_, body := classify(err)
		resp.Error = &body
	}
	return resp
}

func (s *Server) handleResearch(c *gin.Context) {
	if s.research == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: research.ErrDisabled.Error(), Code: "RESEARCH_DISABLED"})
		return
	}
	var req ResearchRequest
	if !s.bind(c, &req) {
		return
	}
	res, err := s.research.Search(c.Request.Context(), req.Question)
	if err != nil {
		s.log(c).Error("research failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "RESEARCH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleExplain(c *gin.Context) {
	if s.research == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: research.ErrDisabled.Error(), Code: "RESEARCH_DISABLED"})
		return
	}
	req := ExplainRequest{Params: s.defaults}
	if !s.bind(c, &req) {
		return
	}
	if err := req.Params.Validate(); err != nil {
		s.fail(c, err)
		return
	}
	exp, err := s.research.Explain(c.Request.Context(), req.Params)
	if err != nil {
		s.log(c).Error("explain failed", "error", err)
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: err.Error(), Code: "RESEARCH_FAILED"})
		return
	}
	c.JSON(http.StatusOK, exp)
}

// bind decodes the JSON body over the defaults already in req. An empty body
// keeps the defaults.
func (s *Server) bind(c *gin.Context, req any) bool {
	err := c.ShouldBindJSON(req)
	if errors.Is(err, io.EOF) {
		err = binding.Validator.ValidateStruct(req)
	}
	if err != nil {
		s.log(c).Warn("invalid request body", "error", err)
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST", Details: err.Error()})
		return false
	}
	return true
}

func (s *Server) fail(c *gin.Context, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		s.log(c).Error("request failed", "error", err)
	} else {
		s.log(c).Warn("request rejected", "code", body.Code, "error", err)
	}
	c.JSON(status, body)
}

// classify maps engine errors to an HTTP status and error body.
func classify(err error) (int, ErrorResponse) {
	var (
		pe         *model.ParamError
		infeasible *model.InfeasibleTiltError
		overflow   *model.IntensityOverflowError
	)
	switch {
	case errors.As(err, &pe):
		return http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "INVALID_PARAMS"}
	case errors.As(err, &infeasible):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "INFEASIBLE_TILT", Details: infeasible.Diagnostics()}
	case errors.As(err, &overflow):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "INTENSITY_OVERFLOW"}
	case sampler.IsDegenerate(err):
		return http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Code: "DEGENERATE_SAMPLER"}
	case errors.Is(err, model.ErrStaleSolution):
		return http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "STALE_SOLUTION"}
	case errors.Is(err, errTooManyTasks):
		return http.StatusTooManyRequests, ErrorResponse{Error: err.Error(), Code: "TOO_MANY_TASKS"}
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, ErrorResponse{Error: err.Error(), Code: "CANCELLED"}
	default:
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "INTERNAL"}
	}
}

func (s *Server) reportTasks() {
	if s.metrics == nil {
		return
	}
	for st, n := range s.tasks.counts() {
		s.metrics.SetTasks(string(st), n)
	}
}
