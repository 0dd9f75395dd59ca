package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("debug"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel("WARNING"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("nonsense"))
}

func TestContextHelpers(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := NewContext(context.Background(), base)
	ctx, l := WithTraceContext(ctx)
	require.NotEmpty(t, TraceID(ctx))

	sl := StrategyContext(l, "s1", "EURUSD", "H1")
	sl.Info().Msg("evaluated")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "s1", entry["strategy_id"])
	assert.Equal(t, "EURUSD", entry["symbol"])
	assert.Equal(t, TraceID(ctx), entry["trace_id"])
}

func TestFromContext(t *testing.T) {
	var buf bytes.Buffer
	ctx := NewContext(context.Background(), zerolog.New(&buf))

	l := FromContext(ctx)
	l.Warn().Str("symbol", "EURUSD").Msg("No quote for open position")
	assert.Contains(t, buf.String(), `"symbol":"EURUSD"`)

	fallback := FromContext(context.Background())
	fallback.Debug().Msg("default logger is usable")
}

func TestGinMiddleware_PropagatesTraceID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(GinMiddleware(zerolog.Nop()))

	var seen string
	r.GET("/x", func(c *gin.Context) {
		seen = TraceID(c.Request.Context())
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("X-Trace-ID", "abc")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", w.Header().Get("X-Trace-ID"))
}
