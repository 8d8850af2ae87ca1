package httpapi

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/chunkflow/coordinator/internal/config"
	"github.com/chunkflow/coordinator/internal/health"
	"github.com/chunkflow/coordinator/internal/logger"
	"github.com/chunkflow/coordinator/internal/registry"
	"github.com/chunkflow/coordinator/internal/session"
	"github.com/chunkflow/coordinator/internal/validator"
)

// Server owns the gin engine and the http.Server wrapping it.
type Server struct {
	cfg    *config.Config
	log    *logger.Logger
	engine *gin.Engine
	http   *http.Server
}

// NewServer wires the Coordinator's handlers and middleware into a gin
// engine in the fixed order the endpoint contract requires: recovery,
// request tracing, security headers, CORS, request-size limiting, then
// per-route rate limiting.
func NewServer(cfg *config.Config, mgr *session.Manager, store registry.Store, checker *health.Checker, v *validator.Validator, log *logger.Logger) *Server {
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(traceID(log))
	engine.Use(securityHeaders())

	corsCfg := cors.Config{
		AllowOrigins:     cfg.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "X-Trace-ID", "X-Forwarded-For"},
		ExposeHeaders:    []string{"X-Trace-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	engine.Use(cors.New(corsCfg))

	engine.Use(requestSizeLimit(cfg.MaxFileSize))
	engine.Use(rateLimit(v, "general"))

	uploadHandler := NewUploadHandler(mgr)
	monitoringHandler := NewMonitoringHandler(store)
	healthHandler := NewHealthHandler(checker)

	engine.GET("/healthz", healthHandler.Healthz)

	uploadGroup := engine.Group("/api/upload")
	uploadGroup.Use(rateLimit(v, "upload"))
	uploadGroup.POST("/init", uploadHandler.Init)
	uploadGroup.POST("/chunk/:uploadId", uploadHandler.Chunk)
	uploadGroup.POST("/complete/:uploadId", uploadHandler.Complete)
	uploadGroup.GET("/status/:uploadId", uploadHandler.Status)
	uploadGroup.GET("/resume/:uploadId", uploadHandler.Resume)
	uploadGroup.DELETE("/:uploadId", uploadHandler.Abort)

	monitoringGroup := engine.Group("/api/monitoring")
	monitoringGroup.Use(rateLimit(v, "monitoring"))
	monitoringGroup.GET("/stats", monitoringHandler.Stats)

	return &Server{
		cfg:    cfg,
		log:    log,
		engine: engine,
		http: &http.Server{
			Addr:    fmt.Sprintf(":%s", cfg.Port),
			Handler: engine,
		},
	}
}

// Start blocks serving HTTP until the listener is closed.
func (s *Server) Start() error {
	s.log.Info(fmt.Sprintf("listening on %s", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts the server down within ctx's deadline.
func (s *Server) Stop(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
