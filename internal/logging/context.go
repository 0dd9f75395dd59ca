package logging

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// TraceID returns the trace ID stored in ctx, if any.
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(traceIDKey).(string)
	return id
}

// WithTraceContext adds a trace ID to the context and returns a logger with it
func WithTraceContext(ctx context.Context) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := FromContext(ctx).With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = NewContext(newCtx, l)
	return newCtx, l
}

// StrategyContext creates a logger for one strategy evaluation
func StrategyContext(l zerolog.Logger, strategyID, symbol, timeframe string) zerolog.Logger {
	return l.With().
		Str("strategy_id", strategyID).
		Str("symbol", symbol).
		Str("timeframe", timeframe).
		Logger()
}

// PositionContext creates a logger for position lifecycle operations
func PositionContext(l zerolog.Logger, ticket int64, symbol, side string) zerolog.Logger {
	return l.With().
		Int64("ticket", ticket).
		Str("symbol", symbol).
		Str("side", side).
		Logger()
}

// OrderContext creates a logger for order placement
func OrderContext(l zerolog.Logger, symbol, side string, lots float64) zerolog.Logger {
	return l.With().
		Str("symbol", symbol).
		Str("side", side).
		Float64("lots", lots).
		Logger()
}

// GinMiddleware attaches a request-scoped logger with a trace ID and logs
// request completion.
func GinMiddleware(base zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = GenerateTraceID()
		}

		l := base.With().
			Str("component", "http").
			Str("trace_id", traceID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Logger()

		ctx := context.WithValue(c.Request.Context(), traceIDKey, traceID)
		c.Request = c.Request.WithContext(NewContext(ctx, l))
		c.Header("X-Trace-ID", traceID)

		c.Next()

		l.Debug().
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Msg("Request completed")
	}
}
