package rest

import (
	"context"
	"net/http"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/fieldbus"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/system/status
func (s *Server) getSystemStatus(c *gin.Context) {
	status := s.lm.GetCurrentStatus()
	c.JSON(http.StatusOK, status)
}

// GET /api/v1/network/diagnostics
func (s *Server) getNetworkDiagnostics(c *gin.Context) {
	network := s.lm.MachineController().Network()
	failures := network.LastFailures()
	if failures == nil {
		failures = []fieldbus.Diagnostics{}
	}

	c.JSON(http.StatusOK, gin.H{
		"interface": network.Interface(),
		"phase":     network.Phase(),
		"units":     network.Units(),
		"unit":      network.Unit(),
		"failures":  failures,
	})
}

// POST /api/v1/system/shutdown
func (s *Server) shutdown(c *gin.Context) {
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Shutdown initiated",
	})

	// The request context ends with this handler.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.lm.Config().Server.ShutdownTimeout+time.Second)
		defer cancel()
		if err := s.lm.Shutdown(ctx); err != nil {
			s.logger.Error("Shutdown failed", zap.Error(err))
		}
	}()
}
