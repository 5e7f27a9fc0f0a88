package server

import (
	"errors"
	"log/slog"
	"net/http"

	glog "github.com/gin-contrib/slog"
	"github.com/gin-gonic/gin"

	"github.com/kode4food/stalwart/internal/engine"
	"github.com/kode4food/stalwart/pkg/api"
)

// Server implements the HTTP API of a stalwart replica
type Server struct {
	engine *engine.Engine
}

const serviceName = "stalwart"

// Health states reported by the health endpoint
const (
	HealthHealthy  = "healthy"
	HealthStopping = "stopping"
)

var (
	ErrInvalidJSON = errors.New("invalid JSON request")
	ErrInvalidTime = errors.New("invalid schedule time")
)

// NewServer creates a new HTTP API server
func NewServer(eng *engine.Engine) *Server {
	return &Server{
		engine: eng,
	}
}

// SetupRoutes configures and returns the HTTP router with all API endpoints
func (s *Server) SetupRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(glog.SetLogger(
		glog.WithLogger(func(c *gin.Context, l *slog.Logger) *slog.Logger {
			return slog.Default()
		}),
	))

	// CORS middleware
	router.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set(
			"Access-Control-Allow-Methods", "GET, POST, OPTIONS",
		)
		c.Writer.Header().Set(
			"Access-Control-Allow-Headers",
			"Content-Type, Authorization",
		)

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusOK)
			return
		}

		c.Next()
	})

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(s.engine.Metrics().Handler()))

	eng := router.Group("/engine")
	{
		eng.GET("/cluster", s.handleCluster)

		// Flow endpoints
		eng.GET("/flow", s.listExpiredFlows)
		eng.GET("/flow/:type/:instance", s.getFlow)
		eng.POST("/flow/:type/:instance", s.scheduleFlow)
		eng.POST("/flow/:type/:instance/interrupt", s.interruptFlow)
		eng.POST("/flow/:type/:instance/restart", s.restartFlow)
	}

	return router
}

func (s *Server) handleHealth(c *gin.Context) {
	res := api.HealthResponse{
		Service:   serviceName,
		Status:    HealthHealthy,
		ReplicaID: s.engine.ReplicaID(),
	}
	if !s.engine.IsRunning() {
		res.Status = HealthStopping
		c.JSON(http.StatusServiceUnavailable, res)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleCluster(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.Cluster())
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	c.JSON(status, api.ErrorResponse{
		Error:  err.Error(),
		Status: status,
	})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, api.ErrFlowNotFound),
		errors.Is(err, engine.ErrUnknownFlowType):
		return http.StatusNotFound
	case errors.Is(err, api.ErrInvalidFlowID),
		errors.Is(err, ErrInvalidJSON),
		errors.Is(err, ErrInvalidTime):
		return http.StatusBadRequest
	case errors.Is(err, api.ErrUnexpectedState),
		errors.Is(err, api.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, engine.ErrShuttingDown),
		errors.Is(err, engine.ErrNotStarted):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
