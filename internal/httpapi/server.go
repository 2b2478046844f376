// Package httpapi provides the HTTP API for mendd: failure ingestion,
// episode and report inspection, signature and procedure management, and
// Prometheus metrics.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/mendd/internal/escalation"
	"github.com/fyrsmithlabs/mendd/internal/pipeline"
	"github.com/fyrsmithlabs/mendd/internal/remediation"
	"github.com/fyrsmithlabs/mendd/internal/signature"
)

// Config holds HTTP server configuration.
type Config struct {
	Host string
	Port int
}

// Server exposes the pipeline over HTTP.
type Server struct {
	echo       *echo.Echo
	pipeline   pipeline.Service
	signatures signature.Service
	procedures remediation.Service
	escalator  escalation.Manager
	logger     *zap.Logger
	config     *Config
}

// NewServer creates the HTTP server and registers all routes.
func NewServer(pipe pipeline.Service, sigs signature.Service, procs remediation.Service, esc escalation.Manager, logger *zap.Logger, cfg *Config) (*Server, error) {
	if pipe == nil {
		return nil, errors.New("pipeline service is required")
	}
	if sigs == nil {
		return nil, errors.New("signature service is required")
	}
	if procs == nil {
		return nil, errors.New("remediation service is required")
	}
	if esc == nil {
		return nil, errors.New("escalation manager is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg == nil {
		cfg = &Config{Host: "localhost", Port: 9340}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(NewMetrics(logger).Middleware())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			logger.Info("http request",
				zap.String("method", c.Request().Method),
				zap.String("uri", c.Request().RequestURI),
				zap.Int("status", c.Response().Status),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", c.Response().Header().Get(echo.HeaderXRequestID)),
			)
			return err
		}
	})

	s := &Server{
		echo:       e,
		pipeline:   pipe,
		signatures: sigs,
		procedures: procs,
		escalator:  esc,
		logger:     logger,
		config:     cfg,
	}
	s.registerRoutes()
	return s, nil
}

func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.POST("/failures", s.handleFailure)

	v1.GET("/episodes", s.handleListEpisodes)
	v1.GET("/episodes/:target", s.handleGetEpisode)
	v1.GET("/episodes/:target/report", s.handleGetReport)
	v1.POST("/episodes/:target/reset", s.handleResetQuarantine)

	v1.GET("/signatures", s.handleListSignatures)
	v1.POST("/signatures", s.handleUpsertSignature)

	v1.GET("/candidates", s.handleListCandidates)
	v1.POST("/candidates/:id/promote", s.handlePromoteCandidate)

	v1.GET("/procedures", s.handleListProcedures)
	v1.POST("/procedures", s.handleUpsertProcedure)
}

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// FailureRequest is the request body for POST /api/v1/failures.
type FailureRequest struct {
	TargetID string `json:"target_id"`
	Message  string `json:"message"`
}

func (s *Server) handleFailure(c echo.Context) error {
	var req FailureRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid failure request", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.TargetID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "target_id field is required")
	}
	if req.Message == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "message field is required")
	}

	result, err := s.pipeline.HandleFailure(c.Request().Context(), req.TargetID, req.Message)
	if err != nil {
		s.logger.Error("failure handling failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, "failure handling failed")
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleListEpisodes(c echo.Context) error {
	eps, err := s.escalator.ListEpisodes(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list episodes")
	}
	if eps == nil {
		eps = []*escalation.Episode{}
	}
	return c.JSON(http.StatusOK, eps)
}

func (s *Server) handleGetEpisode(c echo.Context) error {
	ep, err := s.escalator.GetEpisode(c.Request().Context(), c.Param("target"))
	if errors.Is(err, escalation.ErrEpisodeNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no episode for target")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get episode")
	}
	return c.JSON(http.StatusOK, ep)
}

func (s *Server) handleGetReport(c echo.Context) error {
	report, err := s.escalator.GetDiagnosticReport(c.Request().Context(), c.Param("target"))
	if errors.Is(err, escalation.ErrReportNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no report for target")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to get report")
	}
	return c.JSON(http.StatusOK, report)
}

func (s *Server) handleResetQuarantine(c echo.Context) error {
	target := c.Param("target")
	err := s.escalator.ResetQuarantine(c.Request().Context(), target)
	if errors.Is(err, escalation.ErrEpisodeNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "no episode for target")
	}
	if errors.Is(err, escalation.ErrNotQuarantined) {
		return echo.NewHTTPError(http.StatusConflict, "target is not quarantined")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to reset quarantine")
	}
	s.logger.Info("quarantine reset requested", zap.String("target_id", target))
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleListSignatures(c echo.Context) error {
	sigs, err := s.signatures.ListSignatures(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list signatures")
	}
	if sigs == nil {
		sigs = []*signature.Signature{}
	}
	return c.JSON(http.StatusOK, sigs)
}

func (s *Server) handleUpsertSignature(c echo.Context) error {
	var seed signature.Seed
	if err := c.Bind(&seed); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	sig, err := s.signatures.Upsert(c.Request().Context(), seed)
	if errors.Is(err, signature.ErrEmptyPattern) || errors.Is(err, signature.ErrEmptyCategory) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to upsert signature")
	}
	return c.JSON(http.StatusCreated, sig)
}

func (s *Server) handleListCandidates(c echo.Context) error {
	cands, err := s.signatures.ListCandidates(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list candidates")
	}
	if cands == nil {
		cands = []*signature.Candidate{}
	}
	return c.JSON(http.StatusOK, cands)
}

// PromoteRequest is the request body for POST /api/v1/candidates/:id/promote.
type PromoteRequest struct {
	Category     string `json:"category"`
	ProcedureRef string `json:"procedure_ref"`

	// Pattern optionally overrides the pattern derived from the candidate's
	// keyword cluster.
	Pattern string `json:"pattern,omitempty"`
}

func (s *Server) handlePromoteCandidate(c echo.Context) error {
	var req PromoteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Category == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "category field is required")
	}

	sig, err := s.signatures.PromoteCandidate(c.Request().Context(), c.Param("id"), req.Category, req.ProcedureRef, req.Pattern)
	if errors.Is(err, signature.ErrCandidateNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "candidate not found")
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to promote candidate")
	}
	return c.JSON(http.StatusCreated, sig)
}

func (s *Server) handleListProcedures(c echo.Context) error {
	procs, err := s.procedures.ListProcedures(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list procedures")
	}
	if procs == nil {
		procs = []*remediation.Procedure{}
	}
	return c.JSON(http.StatusOK, procs)
}

// ProcedureRequest is the request body for POST /api/v1/procedures.
type ProcedureRequest struct {
	Category string             `json:"category"`
	Steps    []remediation.Step `json:"steps"`
}

func (s *Server) handleUpsertProcedure(c echo.Context) error {
	var req ProcedureRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	proc, err := s.procedures.UpsertProcedure(c.Request().Context(), req.Category, req.Steps)
	if errors.Is(err, remediation.ErrEmptyCategory) || errors.Is(err, remediation.ErrNoSteps) {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to upsert procedure")
	}
	return c.JSON(http.StatusCreated, proc)
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info("starting http server", zap.String("addr", addr))
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.echo.Shutdown(ctx)
}
