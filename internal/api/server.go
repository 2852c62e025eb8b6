// Package api exposes the operational HTTP surface: status, performance and
// position queries, scheduler control, circuit-breaker reset and a websocket
// event feed. It reads trading state through narrow interfaces and never
// mutates the portfolio directly; mutations are queued for the next cycle.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"leverage-cycle-bot/internal/events"
	"leverage-cycle-bot/internal/marketdata"
	"leverage-cycle-bot/internal/performance"
	"leverage-cycle-bot/internal/portfolio"
	"leverage-cycle-bot/internal/position"
	"leverage-cycle-bot/internal/risk"
	"leverage-cycle-bot/internal/scheduler"
)

// RateLimiter provides simple in-memory rate limiting per endpoint
type RateLimiter struct {
	requests map[string][]time.Time
	mu       sync.Mutex
	limit    int
	window   time.Duration
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		requests: make(map[string][]time.Time),
		limit:    limit,
		window:   window,
	}
}

// Allow checks if a request is allowed for the given key
func (r *RateLimiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	windowStart := now.Add(-r.window)

	var recent []time.Time
	for _, t := range r.requests[key] {
		if t.After(windowStart) {
			recent = append(recent, t)
		}
	}

	if len(recent) >= r.limit {
		r.requests[key] = recent
		return false
	}

	r.requests[key] = append(recent, now)
	return true
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

// Server represents the HTTP API server
type Server struct {
	router      *gin.Engine
	httpServer  *http.Server
	config      ServerConfig
	sched       *scheduler.Scheduler
	engine      *scheduler.Engine
	pf          *portfolio.VirtualPortfolio
	riskMgr     *risk.Manager
	tracker     *performance.Tracker
	prices      *marketdata.PriceCache
	hub         *WSHub
	rateLimiter *RateLimiter
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(
	config ServerConfig,
	sched *scheduler.Scheduler,
	engine *scheduler.Engine,
	pf *portfolio.VirtualPortfolio,
	riskMgr *risk.Manager,
	tracker *performance.Tracker,
	prices *marketdata.PriceCache,
	bus *events.EventBus,
	logger zerolog.Logger,
) *Server {
	if config.ProductionMode {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowOrigins = []string{"http://localhost:5173", "http://localhost:8088"}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	router.Use(cors.New(corsConfig))

	hub := NewWSHub(logger)
	bus.SubscribeAll(hub.BroadcastEvent)

	s := &Server{
		router:      router,
		config:      config,
		sched:       sched,
		engine:      engine,
		pf:          pf,
		riskMgr:     riskMgr,
		tracker:     tracker,
		prices:      prices,
		hub:         hub,
		rateLimiter: NewRateLimiter(60, time.Minute),
		logger:      logger,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws", s.hub.handleWS)

	api := s.router.Group("/api")
	api.Use(s.rateLimit())
	{
		api.GET("/status", s.handleStatus)
		api.GET("/performance", s.handlePerformance)
		api.GET("/positions", s.handlePositions)
		api.GET("/trades", s.handleTrades)
		api.GET("/cycles", s.handleCycles)

		api.POST("/scheduler/pause", s.handlePause)
		api.POST("/scheduler/resume", s.handleResume)
		api.POST("/scheduler/reset", s.handleSchedulerReset)
		api.POST("/breaker/reset", s.handleBreakerReset)
		api.POST("/positions/:symbol/close", s.handleManualClose)
	}
}

// Start runs the server and the websocket hub.
func (s *Server) Start() error {
	go s.hub.Run()

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.config.Host, s.config.Port),
		Handler: s.router,
	}

	s.logger.Info().Str("addr", s.httpServer.Addr).Msg("api server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api server failed: %w", err)
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.rateLimiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC(),
	})
}

func (s *Server) handleStatus(c *gin.Context) {
	snap := s.snapshot()
	c.JSON(http.StatusOK, gin.H{
		"scheduler": s.sched.GetStats(),
		"breaker":   s.riskMgr.Breaker().GetStats(),
		"equity":    snap.Equity,
		"cash":      snap.Cash,
		"positions": len(snap.Positions),
	})
}

func (s *Server) handlePerformance(c *gin.Context) {
	snap := s.snapshot()
	stats := s.tracker.Compute(s.pf.Ledger(), snap.Equity, snap.RealizedPnL, snap.FeesPaid)
	c.JSON(http.StatusOK, stats)
}

func (s *Server) handlePositions(c *gin.Context) {
	snap := s.snapshot()
	type openPosition struct {
		*position.Position
		CurrentPrice  float64 `json:"current_price,omitempty"`
		UnrealizedPnL float64 `json:"unrealized_pnl"`
	}

	out := make([]openPosition, 0, len(snap.Positions))
	for _, p := range snap.Positions {
		op := openPosition{Position: p}
		if price, ok := snap.Prices[p.Symbol]; ok {
			op.CurrentPrice = price
			op.UnrealizedPnL = p.UnrealizedPnL(price)
		}
		out = append(out, op)
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) handleTrades(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"trades": s.pf.Ledger()})
}

func (s *Server) handleCycles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cycles": s.sched.History()})
}

func (s *Server) handlePause(c *gin.Context) {
	if err := s.sched.Pause(); err != nil {
		s.respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.sched.State()})
}

func (s *Server) handleResume(c *gin.Context) {
	if err := s.sched.Resume(); err != nil {
		s.respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.sched.State()})
}

// handleSchedulerReset clears the ERROR state and restarts cycling.
func (s *Server) handleSchedulerReset(c *gin.Context) {
	if err := s.sched.ResetError(); err != nil {
		s.respondStateError(c, err)
		return
	}
	if err := s.sched.Start(); err != nil {
		s.respondStateError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.sched.State()})
}

// handleBreakerReset moves a tripped breaker to RESET_PENDING; reactivation
// is confirmed at the start of the next cycle, never mid-cycle.
func (s *Server) handleBreakerReset(c *gin.Context) {
	if err := s.riskMgr.Breaker().RequestReset(); err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.riskMgr.Breaker().State()})
}

// handleManualClose queues a close that is applied at the next cycle start.
func (s *Server) handleManualClose(c *gin.Context) {
	symbol := strings.ToUpper(c.Param("symbol"))
	if _, ok := s.pf.Book().Get(symbol); !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("no open position for %s", symbol)})
		return
	}
	s.engine.QueueManualClose(symbol)
	c.JSON(http.StatusAccepted, gin.H{"symbol": symbol, "status": "close queued for next cycle"})
}

func (s *Server) respondStateError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, scheduler.ErrInvalidState) {
		status = http.StatusConflict
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// snapshot builds a portfolio view at the freshest cached prices.
func (s *Server) snapshot() *portfolio.Snapshot {
	prices := make(map[string]float64)
	for _, p := range s.pf.Book().OpenPositions() {
		if price, ok := s.prices.Get(p.Symbol); ok {
			prices[p.Symbol] = price
		}
	}
	return s.pf.Snapshot(prices, time.Now())
}
