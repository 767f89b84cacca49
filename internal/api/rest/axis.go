package rest

import (
	"net/http"

	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type stepErrorView struct {
	Step    int    `json:"step"`
	Name    string `json:"name"`
	Address string `json:"address"`
	Error   string `json:"error"`
}

func moveView(res *drive.MoveResult) gin.H {
	stepErrors := make([]stepErrorView, 0)
	for i, step := range res.Steps {
		if step.Err != nil {
			stepErrors = append(stepErrors, stepErrorView{
				Step:    i + 1,
				Name:    step.Name,
				Address: step.Address.String(),
				Error:   step.Err.Error(),
			})
		}
	}
	return gin.H{
		"id":          res.ID,
		"degrees":     res.Degrees,
		"target":      res.Target,
		"final":       res.Final,
		"aborted":     res.Aborted,
		"step_errors": stepErrors,
		"started_at":  res.StartedAt,
		"finished_at": res.FinishedAt,
	}
}

// GET /api/v1/axis/position
func (s *Server) getAxisPosition(c *gin.Context) {
	sample, err := s.lm.MachineController().Position(c.Request.Context())
	if err != nil {
		respondError(c, "Failed to read position", err)
		return
	}
	c.JSON(http.StatusOK, sample)
}

// POST /api/v1/axis/goto
func (s *Server) gotoPosition(c *gin.Context) {
	var req struct {
		Degrees *int `json:"degrees" binding:"required"`
		Async   bool `json:"async"`
	}

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid request body", err.Error()))
		return
	}

	controller := s.lm.MachineController()
	if req.Async {
		target, err := controller.StartMove(*req.Degrees)
		if err != nil {
			respondError(c, "Move rejected", err)
			return
		}
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Move started",
			"degrees": *req.Degrees,
			"target":  target,
		})
		return
	}

	res, err := controller.GotoPos(c.Request.Context(), *req.Degrees)
	if err != nil {
		s.logger.Error("Move failed", zap.Int("degrees", *req.Degrees), zap.Error(err))
		if res == nil {
			respondError(c, "Move rejected", err)
			return
		}
		status := http.StatusBadGateway
		if isMotionTimeout(err) {
			status = http.StatusGatewayTimeout
		}
		c.JSON(status, types.NewErrorResponse(types.ErrCodeMotionFailed, "Move failed",
			gin.H{"error": err.Error(), "move": moveView(res)}))
		return
	}

	c.JSON(http.StatusOK, moveView(res))
}
