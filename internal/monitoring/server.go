package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/p2p-db-sync/dbsync/internal/fullsync"
	"github.com/p2p-db-sync/dbsync/internal/network/discovery"
)

// Server provides the admin HTTP endpoints
type Server struct {
	service  Service
	addr     string
	interval time.Duration
	logger   *zap.Logger
	engine   *gin.Engine
	upgrader websocket.Upgrader

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
}

// NewServer creates an admin server listening on addr
func NewServer(service Service, addr string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		service:  service,
		addr:     addr,
		interval: time.Second,
		logger:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		NewCollector(service, logger),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	r := gin.New()
	r.Use(gin.Recovery(), s.logRequests)
	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))

	api := r.Group("/api/v1")
	api.GET("/status", s.handleStatus)
	api.GET("/status/stream", s.handleStream)
	api.GET("/peers", s.handlePeers)
	api.DELETE("/peers/:id", s.handleRemovePeer)
	api.GET("/sessions", s.handleSessions)
	api.GET("/sessions/:id", s.handleSession)
	api.POST("/fullsync", s.handleStartFullSync)
	api.POST("/sessions/:id/cancel", s.handleCancel)
	api.POST("/sessions/:id/clear", s.handleClear)
	api.POST("/sync/pause", s.handleSyncControl(service.PauseSync))
	api.POST("/sync/resume", s.handleSyncControl(service.ResumeSync))
	api.POST("/sync/trigger", s.handleSyncControl(service.TriggerSync))

	s.engine = r
	return s
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln
	s.server = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Starting admin server", zap.String("address", ln.Addr().String()))
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Admin server error", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address once started
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop shuts the server down
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) logRequests(c *gin.Context) {
	start := time.Now()
	c.Next()
	s.logger.Debug("Admin request",
		zap.String("method", c.Request.Method),
		zap.String("path", c.FullPath()),
		zap.Int("status", c.Writer.Status()),
		zap.Duration("duration", time.Since(start)))
}

// writeError maps service errors onto HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, fullsync.ErrSessionNotFound), errors.Is(err, discovery.ErrPeerNotFound):
		code = http.StatusNotFound
	case errors.Is(err, fullsync.ErrSessionActive),
		errors.Is(err, fullsync.ErrNotCancellable),
		errors.Is(err, fullsync.ErrRestoreInProgress),
		errors.Is(err, fullsync.ErrNotStuck),
		errors.Is(err, fullsync.ErrSessionFinished),
		errors.Is(err, fullsync.ErrPeerUnavailable):
		code = http.StatusConflict
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("Admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, Summary(status))
}

func (s *Server) handleStatus(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

// handleStream pushes a fresh status every interval until the client goes away
func (s *Server) handleStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// The reader only notices the close frame.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	ctx := c.Request.Context()
	for {
		status, err := s.service.Status(ctx)
		if err != nil {
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
			return
		}
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(status); err != nil {
			return
		}

		select {
		case <-gone:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) handlePeers(c *gin.Context) {
	status, err := s.service.Status(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"peers": status.Peers, "rejected": status.Rejected})
}

func (s *Server) handleRemovePeer(c *gin.Context) {
	if err := s.service.RemovePeer(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleSessions(c *gin.Context) {
	limit := 50
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
			return
		}
		limit = n
	}
	sessions, err := s.service.Sessions(c.Request.Context(), limit)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if sessions == nil {
		sessions = []fullsync.Progress{}
	}
	c.JSON(http.StatusOK, sessions)
}

func (s *Server) handleSession(c *gin.Context) {
	p, err := s.service.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// StartRequest is the body of POST /api/v1/fullsync
type StartRequest struct {
	PeerID    string `json:"peer_id" binding:"required"`
	Direction string `json:"direction" binding:"required"`
}

func (s *Server) handleStartFullSync(c *gin.Context) {
	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	direction := fullsync.Direction(req.Direction)
	if !direction.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "direction must be PULL or PUSH"})
		return
	}

	p, err := s.service.StartFullSync(c.Request.Context(), req.PeerID, direction)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, p)
}

func (s *Server) handleCancel(c *gin.Context) {
	if err := s.service.CancelSession(c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"session_id": c.Param("id"), "cancel_requested": true})
}

func (s *Server) handleClear(c *gin.Context) {
	if err := s.service.ClearStuckSession(c.Request.Context(), c.Param("id")); err != nil {
		s.writeError(c, err)
		return
	}
	p, err := s.service.Session(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleSyncControl(fn func()) gin.HandlerFunc {
	return func(c *gin.Context) {
		fn()
		c.Status(http.StatusNoContent)
	}
}
