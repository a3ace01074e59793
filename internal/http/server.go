// Package http exposes an upload endpoint so reporting organizations can
// POST reports directly instead of mailing them.
package http

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"dmarcwatch/internal/config"
	"dmarcwatch/internal/parser"
	"dmarcwatch/internal/report"
	"dmarcwatch/internal/validation"
)

// Server receives DMARC reports over HTTP.
type Server struct {
	config    config.HTTPConfig
	parser    *parser.Parser
	validator *validation.Validator
	consume   func(*report.Outcome)
	logger    *zap.Logger
	server    *http.Server

	// Per-client rate limiting
	limiters map[string]*rate.Limiter
	mu       sync.Mutex

	metrics *Metrics
}

// Metrics holds the server's Prometheus collectors.
type Metrics struct {
	RequestsTotal     *prometheus.CounterVec
	RequestDuration   *prometheus.HistogramVec
	ActiveConnections prometheus.Gauge
	ReportSizeBytes   prometheus.Histogram
}

// New creates an HTTP server. Parsed outcomes are handed to consume, which
// may be nil when no sink is configured.
func New(cfg config.HTTPConfig, p *parser.Parser, consume func(*report.Outcome), logger *zap.Logger) *Server {
	metrics := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dmarcwatch_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dmarcwatch_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		ActiveConnections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dmarcwatch_http_active_connections",
				Help: "Number of active HTTP connections",
			},
		),
		ReportSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "dmarcwatch_http_report_size_bytes",
				Help:    "Size of received reports in bytes",
				Buckets: []float64{1024, 4096, 16384, 65536, 262144, 1048576, 4194304},
			},
		),
	}

	registry := prometheus.DefaultRegisterer
	for _, collector := range []prometheus.Collector{
		metrics.RequestsTotal,
		metrics.RequestDuration,
		metrics.ActiveConnections,
		metrics.ReportSizeBytes,
	} {
		if err := registry.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				panic(err)
			}
		}
	}

	return &Server{
		config:    cfg,
		parser:    p,
		validator: validation.New(logger),
		consume:   consume,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
		metrics:   metrics,
	}
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	if !s.config.Enabled {
		s.logger.Info("HTTP server is disabled")
		return nil
	}

	gin.SetMode(gin.ReleaseMode)

	router := s.buildRouter()
	address := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         address,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.logger.Info("Starting HTTP server",
		zap.String("address", address),
		zap.Bool("tls", s.config.TLS),
	)

	if s.config.TLS {
		if s.config.CertFile == "" || s.config.KeyFile == "" {
			return fmt.Errorf("TLS enabled but cert_file or key_file not specified")
		}
		return s.server.ListenAndServeTLS(s.config.CertFile, s.config.KeyFile)
	}
	return s.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	s.logger.Info("Stopping HTTP server...")
	return s.server.Shutdown(ctx)
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	router.Use(s.loggingMiddleware())
	router.Use(s.recoveryMiddleware())
	router.Use(s.rateLimitMiddleware())
	router.Use(s.maxSizeMiddleware())
	router.Use(s.metricsMiddleware())

	router.POST("/dmarc/report", s.handleReport)
	router.PUT("/dmarc/report", s.handleReport)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/", s.handleRoot)

	return router
}

// Middleware

func (s *Server) loggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		if raw != "" {
			path = path + "?" + raw
		}
		s.logger.Info("HTTP request",
			zap.String("client_ip", c.ClientIP()),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		)
	}
}

func (s *Server) recoveryMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("path", c.Request.URL.Path),
				)
				c.JSON(http.StatusInternalServerError, gin.H{
					"error": "Internal server error",
				})
				c.Abort()
			}
		}()
		c.Next()
	}
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.RateLimit <= 0 {
			c.Next()
			return
		}

		clientIP := c.ClientIP()
		if !s.getLimiter(clientIP).Allow() {
			s.logger.Warn("Rate limit exceeded", zap.String("client_ip", clientIP))
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "Rate limit exceeded",
				"retry_after": "60s",
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

func (s *Server) maxSizeMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.config.MaxUploadSize > 0 {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.config.MaxUploadSize)
		}
		c.Next()
	}
}

func (s *Server) metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		s.metrics.ActiveConnections.Inc()

		defer func() {
			s.metrics.ActiveConnections.Dec()
			endpoint := endpointLabel(c.Request.URL.Path)
			status := fmt.Sprintf("%d", c.Writer.Status())
			s.metrics.RequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
			s.metrics.RequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
		}()

		c.Next()
	}
}

// getLimiter returns the per-client limiter, creating it on first sight.
// RateLimit is requests per minute.
func (s *Server) getLimiter(ip string) *rate.Limiter {
	s.mu.Lock()
	defer s.mu.Unlock()

	limiter, exists := s.limiters[ip]
	if !exists {
		limiter = rate.NewLimiter(rate.Limit(float64(s.config.RateLimit)/60.0), s.config.RateBurst)
		s.limiters[ip] = limiter
	}
	return limiter
}

func endpointLabel(path string) string {
	switch {
	case strings.HasPrefix(path, "/dmarc/report"):
		return "dmarc_report"
	case strings.HasPrefix(path, "/health"):
		return "health"
	case strings.HasPrefix(path, "/metrics"):
		return "metrics"
	case path == "/":
		return "root"
	default:
		return "other"
	}
}

// Handlers

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "dmarcwatch",
		"endpoints": map[string]string{
			"health":       "/health",
			"dmarc_report": "/dmarc/report",
			"metrics":      "/metrics",
		},
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleReport(c *gin.Context) {
	contentType := c.GetHeader("Content-Type")

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		s.logger.Error("Failed to read request body", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	if result := s.validator.ValidateSize(int64(len(body)), s.config.MaxUploadSize); !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid payload", "details": result.Errors})
		return
	}
	s.metrics.ReportSizeBytes.Observe(float64(len(body)))

	if !isValidReportContentType(contentType) {
		s.logger.Warn("Invalid content type", zap.String("content_type", contentType))
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid content type. Expected XML, gzip, zip, or octet-stream",
		})
		return
	}

	// Preflight uncompressed payloads so a broken submission gets a field
	// level error list instead of a bare parse failure.
	if result := s.preflight(body); result != nil && !result.Valid {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Report failed validation", "details": result.Errors})
		return
	}

	name := uploadName(c)
	outcome, err := s.parser.ParseData(body, name, "http")
	if err != nil {
		s.logger.Error("Failed to parse report", zap.String("name", name), zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Failed to parse report",
			"details": err.Error(),
		})
		return
	}

	if s.consume != nil {
		s.consume(outcome)
	}

	s.logger.Info("Processed uploaded report",
		zap.String("client_ip", c.ClientIP()),
		zap.String("name", name),
		zap.Int("aggregate_reports", len(outcome.Aggregates)),
		zap.Int("forensic_reports", len(outcome.Forensics)),
		zap.Int("size", len(body)),
	)

	c.JSON(http.StatusOK, gin.H{
		"message":           "Report processed successfully",
		"aggregate_reports": len(outcome.Aggregates),
		"forensic_reports":  len(outcome.Forensics),
	})
}

// preflight validates payloads whose type is recognizable without
// decompression. Compressed uploads go straight to the parser.
func (s *Server) preflight(body []byte) *validation.Result {
	head := strings.ToLower(string(body[:min(len(body), 1024)]))
	switch {
	case strings.Contains(head, "<feedback"):
		return s.validator.ValidateAggregateXML(body)
	case strings.Contains(head, "feedback-type:") && !strings.Contains(head, "content-type:"):
		// Bare field blocks only; full messages carry MIME structure the
		// line scan would misread.
		return s.validator.ValidateForensic(body)
	default:
		return nil
	}
}

func uploadName(c *gin.Context) string {
	if disposition := c.GetHeader("Content-Disposition"); disposition != "" {
		if _, params, err := mime.ParseMediaType(disposition); err == nil {
			if filename := params["filename"]; filename != "" {
				return filename
			}
		}
	}
	return "upload"
}

func isValidReportContentType(contentType string) bool {
	validTypes := []string{
		"application/xml",
		"text/xml",
		"text/plain",
		"message/rfc822",
		"application/zip",
		"application/gzip",
		"application/octet-stream",
		"multipart/form-data",
	}

	lowered := strings.ToLower(contentType)
	for _, validType := range validTypes {
		if strings.Contains(lowered, validType) {
			return true
		}
	}
	return false
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
