package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/api/websocket"
	"github.com/KevinKickass/ecatmotor/internal/auth"
	"github.com/KevinKickass/ecatmotor/internal/interfaces"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Server struct {
	router        *gin.Engine
	lm            interfaces.LifecycleManager
	logger        *zap.Logger
	server        *http.Server
	wsHub         *websocket.Hub
	authenticator *auth.Authenticator
}

func NewServer(lm interfaces.LifecycleManager, logger *zap.Logger, wsHub *websocket.Hub, authenticator *auth.Authenticator) *Server {
	gin.SetMode(gin.ReleaseMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		router:        gin.New(),
		lm:            lm,
		logger:        logger,
		wsHub:         wsHub,
		authenticator: authenticator,
	}

	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", lm.Config().Server.HTTPPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// Moves block until the target is reached.
		WriteTimeout: lm.Config().Motion.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) Start() error {
	s.logger.Info("Starting REST API server", zap.String("address", s.server.Addr))
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("REST server failed", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down REST API server")
	return s.server.Shutdown(ctx)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(gin.Recovery())
	s.router.Use(LoggerMiddleware(s.logger))
	s.router.Use(CORSMiddleware())

	// Public routes (no auth required)
	s.router.GET("/health", s.healthCheck)

	v1 := s.router.Group("/api/v1")
	{
		system := v1.Group("/system")
		system.Use(s.authenticator.Middleware())
		{
			system.GET("/status", auth.RequireRole(auth.RoleViewer), s.getSystemStatus)
			system.POST("/shutdown", auth.RequireRole(auth.RoleOperator), s.shutdown)
		}

		machine := v1.Group("/machine")
		machine.Use(s.authenticator.Middleware())
		{
			machine.GET("/status", auth.RequireRole(auth.RoleViewer), s.getMachineStatus)
			machine.POST("/command", auth.RequireRole(auth.RoleOperator), s.executeMachineCommand)
		}

		axis := v1.Group("/axis")
		axis.Use(s.authenticator.Middleware())
		{
			axis.GET("/position", auth.RequireRole(auth.RoleViewer), s.getAxisPosition)
			axis.POST("/goto", auth.RequireRole(auth.RoleOperator), s.gotoPosition)
		}

		network := v1.Group("/network")
		network.Use(s.authenticator.Middleware())
		network.Use(auth.RequireRole(auth.RoleViewer))
		{
			network.GET("/diagnostics", s.getNetworkDiagnostics)
		}

		runs := v1.Group("/runs")
		runs.Use(s.authenticator.Middleware())
		runs.Use(auth.RequireRole(auth.RoleViewer))
		{
			runs.GET("/moves", s.listMoves)
			runs.GET("/moves/:id", s.getMove)
			runs.GET("/bringups", s.listBringUps)
		}

		// Auth via first message
		ws := v1.Group("/ws")
		{
			ws.GET("/live", s.wsLiveConnection)
			ws.GET("/status", s.authenticator.Middleware(), auth.RequireRole(auth.RoleViewer), s.wsStatus)
		}
	}
}

// WebSocket handlers
func (s *Server) wsLiveConnection(c *gin.Context) {
	websocket.ServeWs(s.wsHub, c.Writer, c.Request)
}

func (s *Server) wsStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected_clients": s.wsHub.GetClientCount(),
	})
}

// Health check (public)
func (s *Server) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().Unix(),
	})
}
