// Package api serves the executor's HTTP surface: status and history
// reads, the command endpoint, Prometheus metrics and the websocket
// channel that carries commands in and events out.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"strategy-executor/config"
	"strategy-executor/internal/auth"
	"strategy-executor/internal/bot"
	"strategy-executor/internal/commands"
	"strategy-executor/internal/database"
	"strategy-executor/internal/events"
	"strategy-executor/internal/exits"
	"strategy-executor/internal/logging"
	"strategy-executor/internal/metrics"
	"strategy-executor/internal/risk"
	"strategy-executor/internal/strategy"
)

// Executor is the orchestrator surface the API reads from.
type Executor interface {
	Status() bot.Status
	ActiveStrategies() []strategy.Status
	Strategy(id string) (bot.ActiveStrategy, bool)
	Positions() []exits.TrackedPosition
	DailyStats() risk.DailyStats
}

// Server represents the HTTP API server
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	config     config.ServerConfig
	executor   Executor
	queue      *commands.Queue
	store      database.Store
	hub        *Hub
	jwt        *auth.JWTManager
	limiter    *ipLimiter
	logger     zerolog.Logger
}

// NewServer builds the router. jwt may be nil to disable auth; store may
// be nil when persistence is off.
func NewServer(cfg config.ServerConfig, executor Executor, queue *commands.Queue, store database.Store, bus *events.EventBus, jwt *auth.JWTManager, logger zerolog.Logger) *Server {
	if store == nil {
		store = database.Nop{}
	}
	logger = logger.With().Str("component", "api").Logger()

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(logging.GinMiddleware(logger))

	corsConfig := cors.DefaultConfig()
	if len(cfg.AllowedOrigins) == 0 || (len(cfg.AllowedOrigins) == 1 && cfg.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = cfg.AllowedOrigins
		corsConfig.AllowCredentials = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	corsConfig.ExposeHeaders = []string{"Content-Length", "X-Trace-ID"}
	router.Use(cors.New(corsConfig))

	s := &Server{
		router:   router,
		config:   cfg,
		executor: executor,
		queue:    queue,
		store:    store,
		jwt:      jwt,
		limiter:  newIPLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst),
		logger:   logger,
	}
	s.hub = NewHub(s.enqueue, logger)
	if bus != nil {
		if err := bus.SubscribeAll(s.hub.BroadcastEvent); err != nil {
			logger.Warn().Err(err).Msg("Failed to subscribe websocket hub to events")
		}
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/api/health", s.handleHealth)
	s.router.GET("/metrics", gin.WrapH(metrics.Handler()))
	s.router.GET("/ws", auth.Middleware(s.jwt, auth.ScopeRead), s.handleWebSocket)

	api := s.router.Group("/api", s.rateLimitMiddleware())

	read := api.Group("", auth.Middleware(s.jwt, auth.ScopeRead))
	{
		read.GET("/status", s.handleStatus)
		read.GET("/strategies", s.handleListStrategies)
		read.GET("/strategies/:id", s.handleGetStrategy)
		read.GET("/positions", s.handleGetPositions)
		read.GET("/trades", s.handleGetTrades)
		read.GET("/events", s.handleGetEvents)
	}

	api.POST("/commands", auth.Middleware(s.jwt, auth.ScopeCommands), s.handlePostCommand)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Listen binds the configured address. It is separate from Serve so a
// busy port fails startup before anything else runs.
func (s *Server) Listen() error {
	ln, err := net.Listen("tcp", s.config.Addr())
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Addr(), err)
	}
	s.listener = ln
	return nil
}

// Serve runs the hub and the HTTP server until Shutdown.
func (s *Server) Serve() error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	s.httpServer = &http.Server{
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go s.hub.Run()

	s.logger.Info().Str("addr", s.listener.Addr().String()).Msg("Starting HTTP server")
	if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server and closes websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down HTTP server")
	s.hub.Stop()
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

func (s *Server) rateLimitMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.limiter.allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   true,
				"message": "Rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// ipLimiter keeps one token bucket per client address. Idle buckets are
// swept once they have been unused for idleTTL.
type ipLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	clients  map[string]*clientLimiter
	lastSwep time.Time
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

const idleTTL = 10 * time.Minute

func newIPLimiter(limit rate.Limit, burst int) *ipLimiter {
	if limit <= 0 {
		limit = 10
	}
	if burst <= 0 {
		burst = 20
	}
	return &ipLimiter{limit: limit, burst: burst, clients: make(map[string]*clientLimiter)}
}

func (l *ipLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if now.Sub(l.lastSwep) > idleTTL {
		for k, c := range l.clients {
			if now.Sub(c.lastSeen) > idleTTL {
				delete(l.clients, k)
			}
		}
		l.lastSwep = now
	}

	c, ok := l.clients[ip]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = c
	}
	c.lastSeen = now
	return c.limiter.Allow()
}

// errorResponse is a helper to send error responses
func errorResponse(c *gin.Context, statusCode int, message string) {
	c.JSON(statusCode, gin.H{
		"error":   true,
		"message": message,
	})
}

// successResponse is a helper to send success responses
func successResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"data":    data,
	})
}
