package rest

import (
	"net/http"

	"github.com/KevinKickass/ecatmotor/internal/machine"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// GET /api/v1/machine/status
func (s *Server) getMachineStatus(c *gin.Context) {
	status := s.lm.MachineController().GetStatus()
	c.JSON(http.StatusOK, status)
}

// POST /api/v1/machine/command
func (s *Server) executeMachineCommand(c *gin.Context) {
	var req struct {
		Command string `json:"command" binding:"required"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	cmd, ok := machine.ParseCommand(req.Command)
	if !ok {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Unknown command",
			gin.H{"command": req.Command, "allowed": []machine.Command{machine.CommandStart, machine.CommandStop, machine.CommandReset}}))
		return
	}

	controller := s.lm.MachineController()
	if err := controller.ExecuteCommand(c.Request.Context(), cmd); err != nil {
		s.logger.Error("Machine command failed",
			zap.String("command", req.Command),
			zap.Error(err))
		respondError(c, "Command execution failed", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Command executed",
		"command": req.Command,
		"state":   controller.State(),
	})
}
