package rest

import (
	"errors"
	"net/http"
	"time"

	"github.com/KevinKickass/ecatmotor/internal/drive"
	"github.com/KevinKickass/ecatmotor/internal/ecat"
	"github.com/KevinKickass/ecatmotor/internal/machine"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// LoggerMiddleware logs every request once it has been served.
func LoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}

		if c.Writer.Status() >= http.StatusInternalServerError {
			logger.Warn("HTTP request", fields...)
		} else {
			logger.Debug("HTTP request", fields...)
		}
	}
}

func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// respondError maps domain errors to status codes and the uniform body.
func respondError(c *gin.Context, message string, err error) {
	status, code := http.StatusInternalServerError, types.ErrCodeInternal

	var bringUp *ecat.BringUpError
	switch {
	case errors.Is(err, machine.ErrUnknownCommand), errors.Is(err, drive.ErrTargetOutOfRange):
		status, code = http.StatusBadRequest, types.ErrCodeBadRequest
	case errors.Is(err, machine.ErrBusy), errors.Is(err, machine.ErrInvalidTransition):
		status, code = http.StatusConflict, types.ErrCodeConflict
	case errors.Is(err, machine.ErrNotReady), errors.Is(err, ecat.ErrNotOperational):
		status, code = http.StatusConflict, types.ErrCodeNotReady
	case errors.As(err, &bringUp):
		c.JSON(http.StatusServiceUnavailable, types.NewErrorResponse(types.ErrCodeBringUpFailed, message,
			gin.H{"error": err.Error(), "failures": bringUp.Failures}))
		return
	case errors.Is(err, ecat.ErrTransportOpen), errors.Is(err, ecat.ErrNoUnitsFound),
		errors.Is(err, ecat.ErrUnitNotFound), errors.Is(err, ecat.ErrStateTransitionTimeout):
		status, code = http.StatusServiceUnavailable, types.ErrCodeBringUpFailed
	case errors.Is(err, drive.ErrMotionTimeout):
		status, code = http.StatusGatewayTimeout, types.ErrCodeMotionFailed
	case errors.Is(err, drive.ErrStatusReadFailures), isStepError(err):
		status, code = http.StatusBadGateway, types.ErrCodeMotionFailed
	}

	c.JSON(status, types.NewErrorResponse(code, message, err.Error()))
}

func isStepError(err error) bool {
	var stepErr *drive.StepError
	return errors.As(err, &stepErr)
}

func isMotionTimeout(err error) bool {
	return errors.Is(err, drive.ErrMotionTimeout)
}
