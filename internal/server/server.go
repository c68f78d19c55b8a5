package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ifuryst/herald/internal/config"
	"github.com/ifuryst/herald/internal/jobstore"
	"github.com/ifuryst/herald/internal/lifecycle"
	"github.com/ifuryst/herald/internal/models"
	"github.com/ifuryst/herald/internal/repository"
	"github.com/ifuryst/herald/internal/service"
)

type Server struct {
	Config *config.Config
	Deps   *Deps
	Router *gin.Engine
	Logger *zap.Logger
	Server *http.Server
}

func NewServer(cfg *config.Config, logger *zap.Logger, deps *Deps) *Server {
	// Set gin mode
	gin.SetMode(cfg.Server.Mode)

	srv := &Server{
		Config: cfg,
		Deps:   deps,
		Router: gin.New(),
		Logger: logger,
	}

	srv.setupMiddleware()
	srv.setupRoutes()
	srv.Server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           srv.Router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return srv
}

func (s *Server) setupMiddleware() {
	s.Router.Use(gin.Recovery())

	s.Router.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		s.Logger.Debug("HTTP request", fields...)
	})

	// CORS middleware
	s.Router.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, "+service.HeaderAPIKey+", "+service.HeaderTOTPCode)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	})
}

func (s *Server) setupRoutes() {
	// Health check
	s.Router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"time":   time.Now().Unix(),
		})
	})
	s.Router.GET("/metrics", gin.WrapH(s.Deps.Metrics.Handler()))

	api := s.Router.Group("/api/v1", s.Deps.Auth.AuthMiddleware())
	{
		posts := api.Group("/posts")
		{
			posts.POST("", s.handleCreatePost)
			posts.GET("", s.handleListPosts)
			posts.GET("/:id", s.handleGetPost)
			posts.GET("/:id/deliveries", s.handleListDeliveries)
			posts.POST("/:id/schedule", s.handleSchedule(s.Deps.Posts.Schedule))
			posts.POST("/:id/reschedule", s.handleSchedule(s.Deps.Posts.Reschedule))
			posts.POST("/:id/retry", s.handleSchedule(s.Deps.Posts.Retry))
			posts.POST("/:id/cancel", s.handleCancel)
		}

		scheduler := api.Group("/scheduler")
		{
			scheduler.GET("/status", s.handleStatus)
			scheduler.POST("/sweep", s.handleSweep)
			scheduler.POST("/expire", s.handleExpire)
			scheduler.POST("/reconcile", s.handleReconcile)
		}

		errs := api.Group("/errors")
		{
			errs.GET("", s.handleListErrors)
			errs.POST("/:id/resolve", s.handleResolveError)
		}
	}
}

// writeError maps service errors onto HTTP status codes.
func (s *Server) writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrInvalidInput), errors.Is(err, lifecycle.ErrNoDestinations):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound), errors.Is(err, jobstore.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, lifecycle.ErrInvalidTransition), errors.Is(err, repository.ErrStaleState):
		status = http.StatusConflict
	case errors.Is(err, lifecycle.ErrAlreadyDue):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.Logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) handleCreatePost(c *gin.Context) {
	var in service.CreatePostInput
	if err := c.ShouldBindJSON(&in); err != nil {
		s.badRequest(c, err)
		return
	}
	post, err := s.Deps.Posts.Create(c.Request.Context(), in)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, post)
}

func (s *Server) handleListPosts(c *gin.Context) {
	filter := repository.ListFilter{Status: models.PostStatus(c.Query("status"))}
	var err error
	if filter.Limit, err = intQuery(c, "limit", 0); err != nil {
		s.badRequest(c, err)
		return
	}
	if filter.Offset, err = intQuery(c, "offset", 0); err != nil {
		s.badRequest(c, err)
		return
	}
	posts, err := s.Deps.Posts.List(c.Request.Context(), filter)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": posts})
}

func (s *Server) handleGetPost(c *gin.Context) {
	post, err := s.Deps.Posts.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *Server) handleListDeliveries(c *gin.Context) {
	deliveries, err := s.Deps.Posts.Deliveries(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": deliveries})
}

type scheduleRequest struct {
	At       time.Time `json:"at" binding:"required"`
	Priority *int      `json:"priority"`
}

type scheduleFunc func(ctx context.Context, id string, at time.Time, priority *int) (*models.Post, error)

func (s *Server) handleSchedule(fn scheduleFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req scheduleRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
		post, err := fn(c.Request.Context(), c.Param("id"), req.At, req.Priority)
		if err != nil {
			s.writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, post)
	}
}

type cancelRequest struct {
	To models.PostStatus `json:"to"`
}

func (s *Server) handleCancel(c *gin.Context) {
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	var toDraft bool
	switch req.To {
	case models.PostStatusDraft:
		toDraft = true
	case models.PostStatusCancelled, "":
	default:
		s.badRequest(c, fmt.Errorf("cancel target must be draft or cancelled, got %q", req.To))
		return
	}
	post, err := s.Deps.Posts.Cancel(c.Request.Context(), c.Param("id"), toDraft)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *Server) handleStatus(c *gin.Context) {
	next, err := intQuery(c, "next", 0)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	status, err := s.Deps.Posts.Status(c.Request.Context(), next)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) handleSweep(c *gin.Context) {
	report, err := s.Deps.Orchestrator.RunSweep(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleExpire(c *gin.Context) {
	report, err := s.Deps.Expiry.Run(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleReconcile(c *gin.Context) {
	report, err := s.Deps.Orchestrator.Reconcile(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleListErrors(c *gin.Context) {
	limit, err := intQuery(c, "limit", 0)
	if err != nil {
		s.badRequest(c, err)
		return
	}
	logs, err := s.Deps.Monitoring.ListErrors(c.Request.Context(), c.Query("unresolved") == "true", limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"errors": logs})
}

func (s *Server) handleResolveError(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		s.badRequest(c, fmt.Errorf("invalid error id %q", c.Param("id")))
		return
	}
	if err := s.Deps.Monitoring.Resolve(c.Request.Context(), uint(id)); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return v, nil
}

func (s *Server) Start(ctx context.Context) error {
	s.Deps.Stats.Start(ctx)
	if s.Deps.Scheduler != nil {
		if err := s.Deps.Scheduler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start scheduler: %w", err)
		}
	}

	s.Logger.Info("Starting HTTP server", zap.String("addr", s.Server.Addr))

	var err error
	if s.Config.Server.CertFile != "" && s.Config.Server.KeyFile != "" {
		err = s.Server.ListenAndServeTLS(s.Config.Server.CertFile, s.Config.Server.KeyFile)
	} else {
		err = s.Server.ListenAndServe()
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	// Stop scheduler first so no new dispatch starts
	if s.Deps.Scheduler != nil {
		s.Deps.Scheduler.Stop()
	}
	s.Deps.Stats.Stop()
	// sweeps triggered over HTTP also dispatch
	defer s.Deps.Orchestrator.Wait()

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	return s.Server.Shutdown(shutdownCtx)
}
