package rest

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/KevinKickass/ecatmotor/internal/storage"
	"github.com/KevinKickass/ecatmotor/internal/types"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 500
)

func (s *Server) journal(c *gin.Context) (*storage.PostgresClient, bool) {
	db := s.lm.Storage()
	if db == nil {
		c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrCodeNotFound, "Run journal disabled", nil))
		return nil, false
	}
	return db, true
}

func runLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultRunLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 1 || limit > maxRunLimit {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid limit",
			gin.H{"limit": raw, "max": maxRunLimit}))
		return 0, false
	}
	return limit, true
}

// GET /api/v1/runs/moves
func (s *Server) listMoves(c *gin.Context) {
	db, ok := s.journal(c)
	if !ok {
		return
	}
	limit, ok := runLimit(c)
	if !ok {
		return
	}

	runs, err := db.RecentMoves(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to list moves", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"moves": runs, "count": len(runs)})
}

// GET /api/v1/runs/moves/:id
func (s *Server) getMove(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, types.NewErrorResponse(types.ErrCodeBadRequest, "Invalid move ID", err.Error()))
		return
	}
	db, ok := s.journal(c)
	if !ok {
		return
	}

	run, err := db.GetMove(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrRunNotFound) {
			c.JSON(http.StatusNotFound, types.NewErrorResponse(types.ErrCodeNotFound, "Move not found", id.String()))
			return
		}
		respondError(c, "Failed to load move", err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GET /api/v1/runs/bringups
func (s *Server) listBringUps(c *gin.Context) {
	db, ok := s.journal(c)
	if !ok {
		return
	}
	limit, ok := runLimit(c)
	if !ok {
		return
	}

	runs, err := db.RecentBringUps(c.Request.Context(), limit)
	if err != nil {
		respondError(c, "Failed to list bring-up runs", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"bringups": runs, "count": len(runs)})
}
