// Package api exposes the risk engine and the trade store over HTTP.
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"trade-guard/internal/replay"
	"trade-guard/internal/risk"
	"trade-guard/internal/session"
	"trade-guard/internal/store"
	"trade-guard/internal/trade"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Commands is the part of the risk engine the API drives.
type Commands interface {
	CreateTrade(ctx context.Context, req trade.Trade) risk.Result
	ManualExit(ctx context.Context, userID string, id int64) risk.Result
	PanicExit(ctx context.Context, userID string, mode trade.Mode) risk.Result
	Promote(ctx context.Context, userID string, id int64) risk.Result
	UpdateProtection(ctx context.Context, userID string, id int64, p risk.Protection) risk.Result
	Status() risk.Status
}

// Sessions manages broker sessions on behalf of users.
type Sessions interface {
	Login(userID, accessToken string)
	Logout(userID string)
	List() []session.Status
}

// Replayer runs historical replays.
type Replayer interface {
	Run(ctx context.Context, req replay.Request) replay.Result
}

// Server provides an HTTP interface for the risk engine.
type Server struct {
	server   *http.Server
	router   *gin.Engine
	engine   Commands
	store    *store.Store
	sessions Sessions
	replayer Replayer
	logger   *zap.Logger
	now      func() time.Time
}

// NewServer creates a new Server listening on port. replayer may be nil.
func NewServer(port int, engine Commands, st *store.Store, sessions Sessions, replayer Replayer, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		router:   gin.New(),
		engine:   engine,
		store:    st,
		sessions: sessions,
		replayer: replayer,
		logger:   logger.Named("api-server"),
		now:      time.Now,
	}
	s.router.Use(gin.Recovery(), requestID(), s.requestLogger())
	s.routes()
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() {
	s.router.GET("/health", s.healthHandler)
	s.router.GET("/status", s.statusHandler)

	api := s.router.Group("/api")
	api.GET("/trades", s.tradesHandler)
	api.GET("/history", s.historyHandler)
	api.GET("/statistics", s.statisticsHandler)
	api.POST("/replay", s.replayHandler)

	api.GET("/sessions", s.listSessionsHandler)
	api.POST("/sessions/:user", s.loginHandler)
	api.DELETE("/sessions/:user", s.logoutHandler)

	user := api.Group("/users/:user")
	user.POST("/trades", s.createTradeHandler)
	user.POST("/trades/:id/exit", s.exitHandler)
	user.POST("/trades/:id/promote", s.promoteHandler)
	user.PATCH("/trades/:id/protection", s.protectionHandler)
	user.POST("/panic", s.panicHandler)
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("Starting API server", zap.String("address", s.server.Addr))
	errc := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	s.logger.Info("Stopping API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Writer.Header().Set("X-Request-ID", id)
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.String("request_id", c.GetString("request_id")),
			zap.Duration("duration", time.Since(start)))
	}
}
