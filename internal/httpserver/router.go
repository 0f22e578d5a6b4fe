package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"smarttasks/internal/repository"
	"smarttasks/pkg/otel"
)

// Controller is the lifecycle surface behind /control.
type Controller interface {
	SetTriggered(ctx context.Context, on bool) error
	Running() bool
}

// AuthConfig is the single operator account.
type AuthConfig struct {
	Username     string
	PasswordHash string
	JWTSecret    string
	TokenTTL     time.Duration
}

// Deps are the router's collaborators.
type Deps struct {
	Repo       *repository.TaskRepository
	Controller Controller
	Auth       AuthConfig
	Logger     *zap.Logger
	// Ready checks downstream dependencies for /readyz.
	Ready func(ctx context.Context) error
}

type Router struct {
	Engine *gin.Engine
}

func NewRouter(deps Deps) *Router {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), requestMetrics(), requestLogger(deps.Logger))

	// Health endpoints (放在最前面)
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})
	r.GET("/readyz", func(c *gin.Context) {
		if deps.Ready != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
			defer cancel()
			if err := deps.Ready(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := NewAuthHandler(deps.Auth)
	controlHandler := NewControlHandler(deps.Repo, deps.Controller)
	taskHandler := NewTaskHandler(deps.Repo)

	// Public
	r.POST("/login", authHandler.Login)

	// Protected
	auth := r.Group("/")
	auth.Use(AuthMiddleware(deps.Auth.JWTSecret))
	{
		auth.GET("/control", controlHandler.Get)
		auth.PUT("/control", controlHandler.Put)

		auth.POST("/documents", taskHandler.Ingest)
		auth.GET("/tasks", taskHandler.List)
		auth.PATCH("/tasks/:emailId", taskHandler.Update)
		auth.DELETE("/tasks/:emailId", taskHandler.Delete)
	}

	return &Router{Engine: r}
}

// Server runs the router with graceful shutdown.
type Server struct {
	srv *http.Server
}

func NewServer(port string, r *Router) *Server {
	return &Server{srv: &http.Server{
		Addr:              ":" + port,
		Handler:           r.Engine,
		ReadHeaderTimeout: 5 * time.Second,
	}}
}

// Start serves until Shutdown. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
