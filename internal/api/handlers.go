package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
)

const maxCommandBody = 1 << 20

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if err := s.store.Ping(ctx); err != nil {
		dbStatus = "unavailable"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":   "healthy",
		"database": dbStatus,
		"time":     time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	successResponse(c, s.executor.Status())
}

func (s *Server) handleListStrategies(c *gin.Context) {
	successResponse(c, s.executor.ActiveStrategies())
}

// handleGetStrategy returns the live record of an active strategy with
// its last evaluation context, or the stored definition otherwise.
func (s *Server) handleGetStrategy(c *gin.Context) {
	id := c.Param("id")
	if rec, ok := s.executor.Strategy(id); ok {
		successResponse(c, rec)
		return
	}

	rec, err := s.store.GetStrategy(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "Strategy not found")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("strategy_id", id).Msg("Failed to load strategy")
		errorResponse(c, http.StatusInternalServerError, "Failed to load strategy")
		return
	}
	successResponse(c, rec)
}

func (s *Server) handleGetPositions(c *gin.Context) {
	successResponse(c, gin.H{
		"positions": s.executor.Positions(),
		"daily":     s.executor.DailyStats(),
	})
}

func (s *Server) handleGetTrades(c *gin.Context) {
	trades, err := s.store.ListTrades(c.Request.Context(), queryLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list trades")
		errorResponse(c, http.StatusInternalServerError, "Failed to list trades")
		return
	}
	if trades == nil {
		trades = []database.TradeRecord{}
	}
	successResponse(c, trades)
}

func (s *Server) handleGetEvents(c *gin.Context) {
	evs, err := s.store.RecentEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list events")
		errorResponse(c, http.StatusInternalServerError, "Failed to list events")
		return
	}
	if evs == nil {
		evs = []database.SystemEvent{}
	}
	successResponse(c, evs)
}

// handlePostCommand queues a command for the orchestrator. The outcome is
// broadcast later as a command-result event.
func (s *Server) handlePostCommand(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxCommandBody))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "Failed to read request body")
		return
	}

	code, resp := s.enqueue(body)
	c.JSON(code, resp)
}

// enqueue parses and queues one command. It is shared by the HTTP and
// websocket paths.
func (s *Server) enqueue(body []byte) (int, gin.H) {
	cmd, err := commands.Parse(body)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Dropped malformed command")
		return http.StatusBadRequest, gin.H{"error": true, "message": err.Error()}
	}
	if err := s.queue.Push(cmd); err != nil {
		s.logger.Warn().Err(err).Str("command_id", cmd.ID).Str("command", cmd.Command).Msg("Command queue full")
		if errors.Is(err, commands.ErrQueueFull) {
			return http.StatusServiceUnavailable, gin.H{"error": true, "message": err.Error()}
		}
		return http.StatusInternalServerError, gin.H{"error": true, "message": err.Error()}
	}
	s.logger.Info().Str("command_id", cmd.ID).Str("command", cmd.Command).Msg("Command queued")
	return http.StatusAccepted, gin.H{
		"success":   true,
		"commandId": cmd.ID,
		"command":   cmd.Command,
	}
}

// queryLimit reads ?limit; the store clamps it.
func queryLimit(c *gin.Context) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		return 100
	}
	return n
}
