package api

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/proxy-harvester/internal/config"
	"github.com/proxy-harvester/internal/metrics"
	"github.com/proxy-harvester/internal/status"
	"github.com/proxy-harvester/internal/types"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const defaultSampleLimit = 50

// Trigger starts a refresh cycle ahead of schedule
type Trigger interface {
	TriggerNow()
}

type Server struct {
	config      *config.Config
	status      *status.Provider
	metrics     *metrics.Collector
	trigger     Trigger
	router      *gin.Engine
	httpServer  *http.Server
	rateLimiter *RateLimiter
	apiKey      string
}

type RateLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
	rate     rate.Limit
	burst    int
}

func NewRateLimiter(requestsPerMinute int) *RateLimiter {
	rps := float64(requestsPerMinute) / 60.0
	burst := requestsPerMinute / 10 // Allow bursts
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(rps),
		burst:    burst,
	}
}

func (rl *RateLimiter) GetLimiter(key string) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[key]
	rl.mu.RUnlock()

	if exists {
		return limiter
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	// Double-check after acquiring write lock
	if limiter, exists := rl.limiters[key]; exists {
		return limiter
	}

	limiter = rate.NewLimiter(rl.rate, rl.burst)
	rl.limiters[key] = limiter

	return limiter
}

func NewServer(cfg *config.Config, provider *status.Provider, metricsCollector *metrics.Collector, trigger Trigger) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	s := &Server{
		config:      cfg,
		status:      provider,
		metrics:     metricsCollector,
		trigger:     trigger,
		router:      router,
		rateLimiter: NewRateLimiter(cfg.API.RateLimitPerMinute),
		apiKey:      os.Getenv(cfg.API.APIKeyEnv),
	}

	s.setupRoutes()

	return s
}

// Handler exposes the router, mainly for httptest
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(s.loggingMiddleware())
	s.router.Use(s.metricsMiddleware())

	// Public endpoints
	s.router.GET("/health", s.handleHealth)

	// Metrics endpoint (usually scraped by Prometheus)
	if s.config.Metrics.Enabled {
		s.router.GET(s.config.Metrics.Endpoint, gin.WrapH(promhttp.Handler()))
	}

	// Protected endpoints
	protected := s.router.Group("/")
	if s.config.API.EnableAPIKeyAuth {
		protected.Use(s.authMiddleware())
	}
	if s.config.API.EnableIPRateLimit {
		protected.Use(s.rateLimitMiddleware())
	}

	protected.GET("/status", s.handleStatus)
	protected.GET("/proxies/:category", s.handleSample)
	protected.GET("/proxies/:category/count", s.handleCount)
	protected.GET("/proxies/:category/file", s.handleFile)
	protected.POST("/reload", s.handleReload)
}

func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:         s.config.API.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	log.Infof("Starting API server on %s", s.config.API.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	log.Info("Shutting down API server...")
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		statusCode := c.Writer.Status()

		log.WithFields(log.Fields{
			"method":   c.Request.Method,
			"path":     path,
			"status":   statusCode,
			"duration": duration.Milliseconds(),
			"ip":       c.ClientIP(),
		}).Info("API request")
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		method := c.Request.Method

		c.Next()

		// Route template keeps label cardinality bounded
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		duration := time.Since(start).Seconds()
		statusCode := strconv.Itoa(c.Writer.Status())

		s.metrics.RecordAPIRequest(method, path, statusCode)
		s.metrics.RecordAPIDuration(method, path, duration)
	}
}

func (s *Server) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Check header first
		apiKey := c.GetHeader("X-Api-Key")
		if apiKey == "" {
			// Check query parameter
			apiKey = c.Query("key")
		}

		if s.apiKey == "" || apiKey != s.apiKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error": "Invalid or missing API key",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		limiter := s.rateLimiter.GetLimiter(ip)

		if !limiter.Allow() {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error": "Rate limit exceeded",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}

// Handlers

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "ok")
}

func categoryParam(c *gin.Context) (types.Category, bool) {
	cat, err := types.ParseCategory(c.Param("category"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
		})
		return "", false
	}
	return cat, true
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.status.Summary())
}

func (s *Server) handleCount(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category":     cat,
		"count":        s.status.GetCount(cat),
		"last_refresh": s.status.GetLastRefresh(cat),
	})
}

func (s *Server) handleSample(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	limit := defaultSampleLimit
	if limitStr := c.Query("limit"); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Invalid limit parameter",
			})
			return
		}
		limit = n
	}

	proxies := s.status.GetSample(cat, limit)
	wantsJSON := c.Query("format") == "json" || strings.Contains(c.GetHeader("Accept"), "application/json")

	if wantsJSON {
		c.JSON(http.StatusOK, gin.H{
			"category":     cat,
			"total":        s.status.GetCount(cat),
			"last_refresh": s.status.GetLastRefresh(cat),
			"next_refresh": s.status.GetNextRefreshEstimate(),
			"proxies":      proxies,
		})
		return
	}

	// Plain text format (one per line)
	var result strings.Builder
	for _, p := range proxies {
		result.WriteString(p)
		result.WriteString("\n")
	}
	c.String(http.StatusOK, result.String())
}

func (s *Server) handleFile(c *gin.Context) {
	cat, ok := categoryParam(c)
	if !ok {
		return
	}

	path, exists := s.status.ListFile(cat)
	if !exists {
		c.JSON(http.StatusNotFound, gin.H{
			"error": "No " + string(cat) + " proxies available yet",
		})
		return
	}

	c.FileAttachment(path, "phoenix_"+cat.Slug()+"_proxies.txt")
}

func (s *Server) handleReload(c *gin.Context) {
	log.Info("Manual reload triggered via API")
	s.trigger.TriggerNow()

	c.JSON(http.StatusAccepted, gin.H{
		"message": "Reload triggered",
	})
}
