package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/Aidin1998/birdtrade/internal/trading"
)

// OrderService is the part of trading.Service the HTTP surface needs.
type OrderService interface {
	Submit(ctx context.Context, req trading.SubmitRequest) (*trading.SubmitResult, error)
	Instruments(ctx context.Context) ([]trading.Instrument, error)
	IncompleteOrders(ctx context.Context, olderThan time.Duration) ([]trading.IncompleteOrder, error)
	Reconcile(ctx context.Context, olderThan time.Duration) (*trading.ReconcileResult, error)
}

// ReadinessChecker reports whether at least one storage region answers.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// Options configures the router.
type Options struct {
	ServiceName    string
	AllowedOrigins []string
	ReadyTimeout   time.Duration
}

// Server represents the API server
type Server struct {
	router    *gin.Engine
	logger    *zap.Logger
	orders    OrderService
	readiness ReadinessChecker
	opts      Options
}

// NewServer creates a new API server with injected service interfaces
func NewServer(logger *zap.Logger, orders OrderService, readiness ReadinessChecker, opts Options) *Server {
	if opts.ServiceName == "" {
		opts.ServiceName = "birdtrade"
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 2 * time.Second
	}

	server := &Server{
		logger:    logger,
		orders:    orders,
		readiness: readiness,
		opts:      opts,
	}

	router := gin.New()
	router.Use(ginzap.Ginzap(logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(logger, true))
	router.Use(otelgin.Middleware(opts.ServiceName))
	router.Use(cors.New(corsConfig(opts.AllowedOrigins)))

	server.router = router
	server.registerRoutes()
	return server
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			return cfg
		}
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		return cfg
	}
	cfg.AllowOrigins = origins
	return cfg
}

// Router returns the internal Gin engine for testing purposes
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Handler returns the router as an http.Handler for an http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", s.readyCheck)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := s.router.Group("/api")
	{
		api.GET("/data", s.getInstruments)
		api.POST("/submitOrder", s.submitOrder)
		api.GET("/orders/incomplete", s.getIncompleteOrders)
		api.POST("/orders/reconcile", s.reconcileOrders)
	}
}

func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "time": time.Now().UTC()})
}

func (s *Server) readyCheck(c *gin.Context) {
	if s.readiness == nil {
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
		return
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.ReadyTimeout)
	defer cancel()
	if err := s.readiness.Ready(ctx); err != nil {
		s.logger.Warn("readiness check failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ready"})
}
