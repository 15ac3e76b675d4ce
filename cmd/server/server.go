package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"equity-backtest/services/arrowpipeline"
	"equity-backtest/services/config"
	"equity-backtest/services/engine"
	"equity-backtest/services/recorder"
	"equity-backtest/services/runner"
	"equity-backtest/services/stream"
	"equity-backtest/strategies"
)

// BacktestService exposes the planner over HTTP.
type BacktestService struct {
	planner  *engine.Planner
	runner   *runner.Runner
	hub      *stream.Hub
	recorder recorder.Recorder
	arrow    *arrowpipeline.Pipeline
	limiter  *ipLimiter
	secret   []byte
	logger   *zap.Logger
}

func NewBacktestService(cfg *config.Config, planner *engine.Planner, r *runner.Runner, hub *stream.Hub, rec recorder.Recorder, logger *zap.Logger) *BacktestService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacktestService{
		planner:  planner,
		runner:   r,
		hub:      hub,
		recorder: rec,
		arrow:    arrowpipeline.NewPipeline(arrowpipeline.Config{}, logger),
		limiter:  newIPLimiter(rate.Limit(cfg.Server.RateLimitRPS), cfg.Server.RateLimitBurst),
		secret:   []byte(cfg.Server.JWTSecret),
		logger:   logger,
	}
}

func (s *BacktestService) setupHTTPRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	api.Use(requestID())
	{
		api.GET("/health", s.handleHealthCheck)
		backtests := api.Group("/backtests", s.auth())
		backtests.POST("", s.rateLimit(), s.handleBacktestRequest)
		backtests.GET("/:id", s.handleGetBacktestResult)
		backtests.GET("/:id/ledger", s.handleGetLedger)
		backtests.GET("/:id/stream", s.handleStream)
	}
}

func (s *BacktestService) handleBacktestRequest(c *gin.Context) {
	var def config.Run
	if err := c.ShouldBindJSON(&def); err != nil {
		abort(c, http.StatusBadRequest, engine.ErrInvalidRun.WithDetails(err.Error()))
		return
	}
	if err := def.Validate(); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, strategies.ErrUnsupportedPolicy) {
			status = http.StatusUnprocessableEntity
		}
		abort(c, status, engine.ErrInvalidRun.WithDetails(err.Error()))
		return
	}

	job := s.runner.Job(&def)
	run := job.Run
	job.Run = func(ctx context.Context) (engine.Result, error) {
		defer s.hub.Finish(job.ID)
		return run(ctx)
	}
	if err := s.planner.Submit(job); err != nil {
		if errors.Is(err, engine.ErrQueueFull) {
			abort(c, http.StatusServiceUnavailable, &engine.ErrBusy)
			return
		}
		abort(c, http.StatusInternalServerError, engine.ErrExecutionFailed.WithDetails(err.Error()))
		return
	}
	s.logger.Info("backtest queued", zap.String("job_id", job.ID), zap.String("ticker", def.Ticker))
	c.JSON(http.StatusAccepted, engine.BacktestRunResponse{JobID: job.ID, Status: engine.JobQueued})
}

func (s *BacktestService) handleGetBacktestResult(c *gin.Context) {
	st, ok := s.planner.Status(c.Param("id"))
	if !ok {
		abort(c, http.StatusNotFound, &engine.ErrJobNotFound)
		return
	}
	c.JSON(http.StatusOK, engine.ResultResponse(st))
}

// handleGetLedger returns the recorded daily net worth as JSON, or as an
// Arrow IPC stream with ?format=arrow.
func (s *BacktestService) handleGetLedger(c *gin.Context) {
	id := c.Param("id")
	if _, ok := s.planner.Status(id); !ok {
		abort(c, http.StatusNotFound, &engine.ErrJobNotFound)
		return
	}
	rows, err := s.recorder.NetWorth(c.Request.Context(), id)
	if err != nil {
		abort(c, http.StatusInternalServerError, engine.ErrDataNotFound.WithDetails(err.Error()))
		return
	}
	if c.Query("format") != "arrow" {
		c.JSON(http.StatusOK, gin.H{"job_id": id, "rows": rows})
		return
	}
	c.Header("Content-Type", "application/vnd.apache.arrow.stream")
	c.Status(http.StatusOK)
	if err := s.arrow.LedgerToArrow(c.Writer, id, rows); err != nil {
		s.logger.Error("ledger export failed", zap.String("job_id", id), zap.Error(err))
	}
}

// handleStream hands known jobs to the websocket hub.
func (s *BacktestService) handleStream(c *gin.Context) {
	if _, ok := s.planner.Status(c.Param("id")); !ok {
		abort(c, http.StatusNotFound, &engine.ErrJobNotFound)
		return
	}
	s.hub.Handler(c)
}

func (s *BacktestService) handleHealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
		"workers":   s.planner.Workers(),
	})
}

func abort(c *gin.Context, status int, err *engine.APIError) {
	c.AbortWithStatusJSON(status, gin.H{"error": err})
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("RequestID", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

// auth enforces an HS256 bearer token. An empty secret disables it.
func (s *BacktestService) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if len(s.secret) == 0 {
			c.Next()
			return
		}
		raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !ok {
			raw = c.Query("token")
		}
		if raw == "" {
			abort(c, http.StatusUnauthorized, &engine.ErrUnauthorized)
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			abort(c, http.StatusUnauthorized, engine.ErrUnauthorized.WithDetails("invalid token"))
			return
		}
		c.Set("Subject", claims.Subject)
		c.Next()
	}
}

func (s *BacktestService) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.get(c.ClientIP()).Allow() {
			s.logger.Warn("rate limit exceeded", zap.String("ip", c.ClientIP()))
			abort(c, http.StatusTooManyRequests, &engine.ErrRateLimited)
			return
		}
		c.Next()
	}
}

// ipLimiter hands out one token bucket per client address.
type ipLimiter struct {
	limit rate.Limit
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	return &ipLimiter{limit: limit, burst: burst, limiters: make(map[string]*rate.Limiter)}
}

func (l *ipLimiter) get(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[ip]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[ip] = lim
	}
	return lim
}

// reset forgets every bucket; called periodically to bound the map.
func (l *ipLimiter) reset() {
	l.mu.Lock()
	l.limiters = make(map[string]*rate.Limiter)
	l.mu.Unlock()
}
