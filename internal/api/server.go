// Package api exposes the pipeline over HTTP. Every route except
// health requires the bearer token when one is configured.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/readytrader/gateway/internal/errs"
	"github.com/readytrader/gateway/internal/gateway"
	"github.com/readytrader/gateway/pkg/logger"
	"github.com/readytrader/gateway/pkg/ratelimit"
)

type Server struct {
	engine    *gin.Engine
	pipeline  *gateway.Pipeline
	health    *gateway.Health
	limiter   ratelimit.Limiter
	ingest    IngestFunc
	authToken string
	srv       *http.Server
	log       *logrus.Entry
}

// IngestFunc accepts an operator-supplied market data sample.
type IngestFunc func(symbol string, price string, tsMillis int64, source string) error

type Options struct {
	Pipeline  *gateway.Pipeline
	Health    *gateway.Health
	Limiter   ratelimit.Limiter
	Ingest    IngestFunc
	AuthToken string
}

func NewServer(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:    gin.New(),
		pipeline:  opts.Pipeline,
		health:    opts.Health,
		limiter:   opts.Limiter,
		ingest:    opts.Ingest,
		authToken: opts.AuthToken,
		log:       logger.Component("api"),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.engine.Use(gin.Recovery(), s.requestLog())

	s.engine.GET("/health", s.handleHealth)

	v1 := s.engine.Group("/v1", s.requireAuth())
	v1.POST("/trades", s.handleSubmit)
	v1.GET("/proposals", s.handlePending)
	v1.POST("/proposals/:id/approve", s.handleApprove)
	v1.POST("/proposals/:id/reject", s.handleReject)
	v1.POST("/admin/halt", s.handleHalt)
	v1.POST("/admin/resume", s.handleResume)
	v1.POST("/marketdata/ingest", s.handleIngest)
	v1.GET("/audit/verify", s.handleAuditVerify)
	v1.GET("/audit/export", s.handleAuditExport)
}

func (s *Server) Start(listen string) error {
	s.srv = &http.Server{
		Addr:              listen,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.WithFields(logrus.Fields{"listen": listen}).Info("api listening")
	err := s.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.WithFields(logrus.Fields{
			"method":  c.Request.Method,
			"path":    c.Request.URL.Path,
			"status":  c.Writer.Status(),
			"elapsed": time.Since(start).Truncate(time.Microsecond),
		}).Debug("request")
	}
}

func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.authToken == "" {
			c.Next()
			return
		}
		raw := c.GetHeader("Authorization")
		token := strings.TrimPrefix(raw, "Bearer ")
		if raw == token ||
			subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			writeError(c, errs.New(errs.CodeAuthRequired, errs.CategoryAuth,
				"missing or invalid bearer token"))
			c.Abort()
			return
		}
		c.Next()
	}
}

// writeError maps the taxonomy onto HTTP statuses. Rate limit
// responses carry Retry-After so well-behaved callers back off.
func writeError(c *gin.Context, err error) {
	ge := errs.AsError(err)
	status := http.StatusInternalServerError
	switch ge.Category {
	case errs.CategoryValidation:
		status = http.StatusBadRequest
	case errs.CategoryAuth:
		status = http.StatusUnauthorized
	case errs.CategoryPolicy, errs.CategoryRisk:
		status = http.StatusForbidden
	case errs.CategoryRateLimit:
		status = http.StatusTooManyRequests
	case errs.CategoryMarketData:
		status = http.StatusServiceUnavailable
	case errs.CategoryExecution:
		switch ge.Code {
		case errs.CodeProposalNotFound:
			status = http.StatusNotFound
		case errs.CodeProposalExpired, errs.CodeTokenInvalid,
			errs.CodeAlreadyExecuted, errs.CodeDuplicateInFlight:
			status = http.StatusConflict
		default:
			status = http.StatusBadGateway
		}
	}
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":     ge.Code,
			"category": ge.Category,
			"message":  ge.Message,
			"data":     ge.Data,
		},
	})
}

func retryAfter(c *gin.Context, limiter ratelimit.Limiter, key string) {
	reset := limiter.ResetTime(key)
	if reset.IsZero() {
		return
	}
	secs := int(time.Until(reset).Seconds())
	if secs < 1 {
		secs = 1
	}
	c.Header("Retry-After", strconv.Itoa(secs))
}
