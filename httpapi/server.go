// Package httpapi is a local HTTP adapter for the dispatcher, meant for development and
// integration testing. It translates HTTP requests into dispatcher input and back.
package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Datarails/mcp-outlet/dispatcher"
	"github.com/Datarails/mcp-outlet/logging"
	"github.com/Datarails/mcp-outlet/message"
	"github.com/Datarails/mcp-outlet/registry"
)

const RequestIDHeader = "X-Request-ID"

// Server wraps the gin router and its dependencies
type Server struct {
	router     *gin.Engine
	dispatcher *dispatcher.Dispatcher
	registry   registry.Registry
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	tempDir    string
	release    bool
}

type Option func(*Server)

func WithLogger(l *zap.Logger) Option { return func(s *Server) { s.logger = l } }

// WithRegistry backs GET /servers.
func WithRegistry(r registry.Registry) Option { return func(s *Server) { s.registry = r } }

// WithGatherer exposes g on GET /metrics.
func WithGatherer(g prometheus.Gatherer) Option { return func(s *Server) { s.gatherer = g } }

// WithTempDir sets the temp dir handed to every request's runtime context.
func WithTempDir(dir string) Option { return func(s *Server) { s.tempDir = dir } }

// WithReleaseMode puts gin in release mode.
func WithReleaseMode(release bool) Option { return func(s *Server) { s.release = release } }

func NewServer(d *dispatcher.Dispatcher, opts ...Option) *Server {
	s := &Server{dispatcher: d, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.WithComponent(s.logger, "http")

	if s.release {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestID())
	router.Use(accessLog(s.logger))

	router.POST("/rpc", s.handleRPC)
	router.GET("/health", s.handleHealth)
	router.GET("/servers", s.handleServers)
	if s.gatherer != nil {
		router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})))
	}

	s.router = router
	return s
}

// Handler returns the router for use with an http.Server.
func (s *Server) Handler() http.Handler { return s.router }

// handleRPC runs one JSON-RPC request. Notifications get 202 and no body.
func (s *Server) handleRPC(c *gin.Context) {
	body, err := c.GetRawData()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	in := message.HandlerInput{
		Data:        body,
		Headers:     flatten(c.Request.Header),
		PathParams:  map[string]string{},
		QueryParams: flatten(c.Request.URL.Query()),
	}
	for _, p := range c.Params {
		in.PathParams[p.Key] = p.Value
	}
	rt := message.RuntimeContext{
		TempDir:   s.tempDir,
		RequestID: c.GetString(RequestIDHeader),
	}

	resp := s.dispatcher.Execute(c.Request.Context(), in, rt)
	if isNotification(body) {
		c.Status(http.StatusAccepted)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"methods": s.dispatcher.SupportedMethods(),
	})
}

func (s *Server) handleServers(c *gin.Context) {
	names := []string{}
	if s.registry != nil {
		list, err := s.registry.List(c.Request.Context())
		if err != nil {
			s.logger.Warn("listing servers", zap.Error(err))
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
			return
		}
		names = append(names, list...)
	}
	c.JSON(http.StatusOK, gin.H{"servers": names})
}

func isNotification(body []byte) bool {
	var probe struct {
		ID     json.RawMessage `json:"id"`
		Method string          `json:"method"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return false
	}
	return probe.Method != "" && len(probe.ID) == 0
}

func flatten(values map[string][]string) map[string]string {
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out
}

// requestID reuses the caller's X-Request-ID or generates one.
func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(RequestIDHeader, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func accessLog(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Info("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("requestId", c.GetString(RequestIDHeader)),
		)
	}
}
