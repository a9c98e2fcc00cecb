// Package web serves the read-only dashboard: JSON views over the engine and
// a websocket that pushes balances, positions and status on an interval.
package web

import (
	"context"
	_ "embed"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"tradingbot/internal/core"
	"tradingbot/internal/engine"
)

const (
	defaultPushInterval = 5 * time.Second
	writeWait           = 10 * time.Second
	shutdownTimeout     = 5 * time.Second
)

//go:embed static/index.html
var indexHTML []byte

// Source is the part of the engine the dashboard reads.
type Source interface {
	Status() engine.Status
	Activity() []engine.Activity
	GetAllBalances(ctx context.Context) map[string][]core.Balance
	GetAllPositions(ctx context.Context) map[string][]core.Position
}

type Options struct {
	PushInterval time.Duration
	Logger       *slog.Logger
}

type Server struct {
	src          Source
	log          *slog.Logger
	pushInterval time.Duration
	upgrader     websocket.Upgrader
	router       *gin.Engine
}

func New(src Source, opts Options) *Server {
	if opts.PushInterval <= 0 {
		opts.PushInterval = defaultPushInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Server{
		src:          src,
		log:          opts.Logger,
		pushInterval: opts.PushInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())
	r.GET("/", s.index)
	r.GET("/healthz", s.healthz)
	api := r.Group("/api")
	api.GET("/status", s.status)
	api.GET("/balances", s.balances)
	api.GET("/positions", s.positions)
	api.GET("/activity", s.activity)
	r.GET("/ws", s.stream)
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("dashboard listening", "event", "web_listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("dashboard shutdown failed", "event", "web_shutdown_failed", "err", err)
		return err
	}
	s.log.Info("dashboard stopped", "event", "web_stopped")
	return nil
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("http request",
			"event", "http_request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	}
}

func (s *Server) index(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", indexHTML)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) status(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.Status())
}

func (s *Server) balances(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.GetAllBalances(c.Request.Context()))
}

func (s *Server) positions(c *gin.Context) {
	c.JSON(http.StatusOK, s.src.GetAllPositions(c.Request.Context()))
}

func (s *Server) activity(c *gin.Context) {
	items := s.src.Activity()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(items) {
			items = items[len(items)-limit:]
		}
	}
	c.JSON(http.StatusOK, items)
}

type streamStatus struct {
	Running            bool     `json:"running"`
	DryRun             bool     `json:"dry_run"`
	ConnectedExchanges []string `json:"connected_exchanges"`
}

type update struct {
	Type      string                     `json:"type"`
	Balances  map[string][]core.Balance  `json:"balances"`
	Positions map[string][]core.Position `json:"positions"`
	Status    streamStatus               `json:"status"`
}

func (s *Server) snapshot(ctx context.Context) update {
	st := s.src.Status()
	return update{
		Type:      "update",
		Balances:  s.src.GetAllBalances(ctx),
		Positions: s.src.GetAllPositions(ctx),
		Status: streamStatus{
			Running:            st.Running,
			DryRun:             st.DryRun,
			ConnectedExchanges: st.ConnectedExchanges,
		},
	}
}

// stream pushes an update immediately and then every push interval until
// the client goes away.
func (s *Server) stream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "event", "ws_upgrade_failed", "err", err)
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()
	// Reads only detect the close; clients send nothing.
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pushInterval)
	defer ticker.Stop()
	for {
		msg := s.snapshot(ctx)
		if ctx.Err() != nil {
			s.log.Debug("websocket client disconnected", "event", "ws_disconnected")
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.Debug("websocket write failed", "event", "ws_write_failed", "err", err)
			return
		}
		select {
		case <-ctx.Done():
			s.log.Debug("websocket client disconnected", "event", "ws_disconnected")
			return
		case <-ticker.C:
		}
	}
}
