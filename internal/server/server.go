package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/engine"
)

// Server is the thin RPC surface over the coordination engine. It holds no
// state of its own: every request maps to one engine call.
type Server struct {
	engine     *engine.Engine
	router     *gin.Engine
	httpServer *http.Server
}

// NewServer builds the HTTP surface for the given engine.
func NewServer(eng *engine.Engine, cfg config.ServerConfig) *Server {
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	if cfg.Debug {
		router.Use(gin.Logger())
	}
	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type"}
		router.Use(cors.New(corsConfig))
	}

	s := &Server{
		engine: eng,
		router: router,
		httpServer: &http.Server{
			Addr:         cfg.Listen,
			Handler:      router,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.router.Group("/api")
	api.POST("/tasks", s.handleRegister)
	api.POST("/tasks/:id/start", s.handleStart)
	api.POST("/tasks/:id/complete", s.handleComplete)
	api.POST("/tasks/:id/fail", s.handleFail)
	api.POST("/tasks/:id/force-complete", s.handleForceComplete)
	api.GET("/tasks/:id", s.handleGetTask)
	api.GET("/tasks/:id/chain", s.handleGetChain)
	api.GET("/status", s.handleStatus)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start serves HTTP until the context is cancelled, then shuts down
// gracefully with a timeout.
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
		log.Println("Shutting down HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return <-errChan
	}
}
