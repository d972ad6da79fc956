package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"

	"market-streamer/src/helpers"
	"market-streamer/src/interfaces"
	"market-streamer/src/models"
	"market-streamer/src/pool"
	"market-streamer/src/publisher"
	"market-streamer/src/reconcile"
	"market-streamer/src/registry"
	"market-streamer/src/supervisor"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// -----------------------------------------------------------------------------
// Server
//
// Client-facing boundary: the websocket endpoint for session subscriptions
// and the REST control API for upstream instrument management. One Client
// per websocket connection (one per browser tab); the server doubles as
// the broadcast router's sink, resolving connection ids to outbound
// channels.
// -----------------------------------------------------------------------------

type Server struct {
	Config *models.MConfig
	Logger *zap.Logger
	engine *gin.Engine

	Registry   *registry.Registry
	Pool       *pool.ConnectionPool
	Publisher  *publisher.TickPublisher
	Reconciler *reconcile.Worker
	Supervisor *supervisor.Supervisor
	Store      interfaces.ITimeSeriesStore

	// Watch attaches the indicator engine to a symbol family on first
	// demand. Injected to keep the server free of engine internals.
	Watch func(symbol string) error

	clientsMu sync.RWMutex
	clients   map[string]*Client
}

// -----------------------------------------------------------------------------
// Constructor
// -----------------------------------------------------------------------------

func NewServer(cfg *models.MConfig, reg *registry.Registry, p *pool.ConnectionPool,
	pub *publisher.TickPublisher, rec *reconcile.Worker, sup *supervisor.Supervisor,
	store interfaces.ITimeSeriesStore, log *zap.Logger) *Server {

	if cfg.LogLevel != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		Config:     cfg,
		Logger:     log.Named("server"),
		engine:     gin.New(),
		Registry:   reg,
		Pool:       p,
		Publisher:  pub,
		Reconciler: rec,
		Supervisor: sup,
		Store:      store,
		clients:    make(map[string]*Client),
	}

	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// -----------------------------------------------------------------------------
// Route Setup
// -----------------------------------------------------------------------------

func (s *Server) setupRoutes() {
	// REST control API
	s.engine.POST("/api/subscriptions", s.addSubscription)
	s.engine.POST("/api/subscriptions/bulk", s.bulkAddSubscriptions)
	s.engine.DELETE("/api/subscriptions/:id", s.removeSubscription)
	s.engine.POST("/api/accounts/:id/reload", s.reloadAccount)
	s.engine.POST("/api/instruments", s.addInstrument)
	s.engine.GET("/api/instruments/:id", s.getInstrument)
	s.engine.GET("/api/status", s.getStatus)
	s.engine.GET("/api/stats", s.getStats)
	s.engine.GET("/api/tasks", s.getTasks)
	s.engine.GET("/api/gaps", s.getGaps)
	s.engine.GET("/api/ticks/:id", s.getTicks)
	s.engine.GET("/api/health", s.getHealth)

	// WebSocket endpoint
	s.engine.GET("/ws", s.handleWebSocket)
}

// -----------------------------------------------------------------------------
// Server Lifecycle
// -----------------------------------------------------------------------------

func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.Config.Host, s.Config.Port)
	s.Logger.Info("starting server", zap.String("addr", addr))
	return s.engine.Run(addr)
}

// -----------------------------------------------------------------------------
// Router Sink
// -----------------------------------------------------------------------------

// Send delivers one push to one connection without blocking. False means
// the connection is gone or its buffer is full.
func (s *Server) Send(connID string, push models.MIndicatorPush) bool {
	s.clientsMu.RLock()
	client, ok := s.clients[connID]
	s.clientsMu.RUnlock()
	if !ok {
		return false
	}

	select {
	case client.send <- push:
		return true
	default:
		return false
	}
}

// -----------------------------------------------------------------------------

func (s *Server) addClient(c *Client) {
	s.clientsMu.Lock()
	s.clients[c.connID] = c
	s.clientsMu.Unlock()
}

func (s *Server) removeClient(connID string) {
	s.clientsMu.Lock()
	delete(s.clients, connID)
	s.clientsMu.Unlock()
}

// CloseClient force-closes a connection's transport, used by the sweeper
// when a heartbeat times out.
func (s *Server) CloseClient(connID string) {
	s.clientsMu.RLock()
	client, ok := s.clients[connID]
	s.clientsMu.RUnlock()
	if ok {
		client.conn.Close()
	}
}

// -----------------------------------------------------------------------------
// Control API Handlers
// -----------------------------------------------------------------------------

func (s *Server) addSubscription(c *gin.Context) {
	var req models.MSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	accountID, err := s.Pool.AddInstrument(c.Request.Context(), req.InstrumentID, req.Mode)
	switch {
	case errors.Is(err, helpers.ErrCapacityExhausted):
		c.JSON(http.StatusConflict, gin.H{"error": "no upstream account has spare capacity"})
	case err != nil:
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusCreated, gin.H{"instrument_id": req.InstrumentID, "account_id": accountID})
	}
}

// -----------------------------------------------------------------------------

func (s *Server) bulkAddSubscriptions(c *gin.Context) {
	var reqs []models.MSubscriptionRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// Per-item results: partial failure is the caller's decision, never an
	// implicit full resubscribe.
	results := s.Pool.BulkAdd(c.Request.Context(), reqs)
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// -----------------------------------------------------------------------------

func (s *Server) removeSubscription(c *gin.Context) {
	if err := s.Pool.RemoveInstrument(c.Request.Context(), c.Param("id")); err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// -----------------------------------------------------------------------------

func (s *Server) reloadAccount(c *gin.Context) {
	accountID := c.Param("id")
	s.Logger.Warn("explicit full reload requested via control API",
		zap.String("account", accountID))

	if err := s.Pool.Reload(c.Request.Context(), accountID); err != nil {
		if errors.Is(err, helpers.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "reloaded", "account_id": accountID})
}

// -----------------------------------------------------------------------------

// addInstrument ingests instrument metadata: persisted for the gap
// reconciler's expiry classification and loaded into the publisher's
// routing catalog so derivative ticks leave on their own topic.
func (s *Server) addInstrument(c *gin.Context) {
	var inst models.MInstrument
	if err := c.ShouldBindJSON(&inst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if inst.ID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id is required"})
		return
	}
	if inst.Symbol == "" {
		inst.Symbol = inst.ID
	}
	switch inst.Kind {
	case "":
		inst.Kind = models.KindUnderlying
	case models.KindUnderlying, models.KindDerivative:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind must be underlying or derivative"})
		return
	}

	if err := s.Store.UpsertInstrument(inst); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	s.Publisher.RegisterInstrument(inst)

	s.Logger.Info("instrument registered",
		zap.String("id", inst.ID),
		zap.String("symbol", inst.Symbol),
		zap.String("kind", string(inst.Kind)))
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) getInstrument(c *gin.Context) {
	inst, err := s.Store.InstrumentMeta(c.Param("id"))
	if errors.Is(err, helpers.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, inst)
}

// -----------------------------------------------------------------------------

func (s *Server) getStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.Pool.Status(c.Request.Context()))
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.Registry.Stats())
}

func (s *Server) getTasks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"tasks": s.Supervisor.Status()})
}

func (s *Server) getGaps(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"gaps": s.Reconciler.Gaps()})
}

// -----------------------------------------------------------------------------

func (s *Server) getTicks(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	c.JSON(http.StatusOK, gin.H{"ticks": s.Publisher.Recent(c.Param("id"), limit)})
}

// -----------------------------------------------------------------------------

func (s *Server) getHealth(c *gin.Context) {
	s.clientsMu.RLock()
	connections := len(s.clients)
	s.clientsMu.RUnlock()

	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"connections": connections,
		"registry":    s.Registry.Stats(),
	})
}
