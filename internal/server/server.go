// Package server exposes the operator control channel: cycle control,
// queue and roster inspection, metrics, and a websocket event stream.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"colony/internal/domain/agent"
	"colony/internal/domain/cycle"
	"colony/internal/domain/task"
	"colony/internal/events"
	"colony/internal/logging"
	"colony/internal/orchestrator"
)

const taskCacheSize = 512

// Config tunes the HTTP server.
type Config struct {
	Addr       string
	EnableCORS bool
}

// Server is the control channel HTTP server.
type Server struct {
	cfg        Config
	controller *orchestrator.Controller
	tasks      task.Store
	agents     agent.Store
	cycles     cycle.Store
	hub        *events.Hub
	logger     logging.Logger

	engine     *gin.Engine
	httpServer *http.Server
	upgrader   websocket.Upgrader
	// taskCache keeps recently fetched task snapshots so hot polling of
	// GET /api/tasks/:id skips the store. Advisory only: entries are
	// refreshed whenever the task's transition events arrive.
	taskCache *lru.Cache[string, *task.Task]
}

// New builds the server and its routes.
func New(cfg Config, controller *orchestrator.Controller, tasks task.Store, agents agent.Store, cycles cycle.Store, hub *events.Hub, logger logging.Logger) (*Server, error) {
	cache, err := lru.New[string, *task.Task](taskCacheSize)
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	if cfg.EnableCORS {
		corsConfig := cors.DefaultConfig()
		corsConfig.AllowAllOrigins = true
		corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
		corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
		corsConfig.AllowWebSockets = true
		engine.Use(cors.New(corsConfig))
	}

	s := &Server{
		cfg:        cfg,
		controller: controller,
		tasks:      tasks,
		agents:     agents,
		cycles:     cycles,
		hub:        hub,
		logger:     logging.OrNop(logger),
		engine:     engine,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		taskCache: cache,
	}
	s.routes()
	s.httpServer = &http.Server{
		Addr:         cfg.Addr,
		Handler:      engine,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s, nil
}

func (s *Server) routes() {
	api := s.engine.Group("/api")
	api.GET("/health", s.handleHealth)
	api.POST("/cycles", s.handleOpenCycle)
	api.POST("/pause", s.handlePause)
	api.GET("/cycles/current", s.handleCurrentCycle)
	api.GET("/queue", s.handleQueue)
	api.GET("/agents", s.handleAgents)
	api.GET("/tasks/:id", s.handleGetTask)

	s.engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.engine.GET("/ws", s.handleWebSocket)
}

// Start serves until the listener fails or Shutdown is called. It also
// subscribes to the event hub to keep the task cache fresh.
func (s *Server) Start() error {
	go s.invalidateLoop()
	s.logger.Info("control server listening on %s", s.cfg.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "state": string(s.controller.State())})
}

func (s *Server) handleOpenCycle(c *gin.Context) {
	s.controller.RequestOpen()
	c.JSON(http.StatusAccepted, gin.H{"state": string(s.controller.State())})
}

func (s *Server) handlePause(c *gin.Context) {
	s.controller.RequestPause()
	c.JSON(http.StatusAccepted, gin.H{"state": string(s.controller.State())})
}

func (s *Server) handleCurrentCycle(c *gin.Context) {
	current, err := s.cycles.CurrentCycle(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if current == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no cycle opened yet"})
		return
	}
	c.JSON(http.StatusOK, current)
}

func (s *Server) handleQueue(c *gin.Context) {
	ctx := c.Request.Context()
	depth, err := s.tasks.QueueDepth(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	pending, err := s.tasks.ListTasksByStatus(ctx, task.StatusPending)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"depth": depth, "pending": pending})
}

func (s *Server) handleAgents(c *gin.Context) {
	roster, err := s.agents.ListAgents(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"agents": roster})
}

func (s *Server) handleGetTask(c *gin.Context) {
	id := c.Param("id")
	if cached, ok := s.taskCache.Get(id); ok {
		c.JSON(http.StatusOK, cached)
		return
	}
	t, err := s.tasks.GetTask(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	s.taskCache.Add(id, t)
	c.JSON(http.StatusOK, t)
}

// handleWebSocket streams hub events to the client as JSON frames.
func (s *Server) handleWebSocket(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade: %v", err)
		return
	}
	defer func() { _ = conn.Close() }()

	sub, cancel := s.hub.Subscribe(128)
	defer cancel()

	// Reader loop only to observe close frames.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-done:
			return
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}

// invalidateLoop refreshes cached task snapshots when their transitions
// are published.
func (s *Server) invalidateLoop() {
	sub, cancel := s.hub.Subscribe(256)
	defer cancel()
	for ev := range sub {
		if ev.Kind != events.KindTaskTransition {
			continue
		}
		id, _ := ev.Payload["task_id"].(string)
		if id != "" {
			s.taskCache.Remove(id)
		}
	}
}
