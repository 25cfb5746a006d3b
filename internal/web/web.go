// Package web exposes the scheduler over HTTP with gin.
package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"

	"lessoncal/internal/config"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/service"
)

// Server provides the lesson API and the subscribable feeds.
type Server struct {
	cfg     *config.Config
	handler *Handler
	engine  *gin.Engine

	// feedCache holds rendered feeds; any mutation flushes it.
	feedCache *cache.Cache
}

// NewServer constructs a Server and registers its routes.
func NewServer(cfg *config.Config, svc *service.Scheduler) *Server {
	ttl := cfg.CacheTTL()
	s := &Server{
		cfg:       cfg,
		engine:    gin.New(),
		feedCache: cache.New(ttl, 2*ttl),
	}
	s.handler = NewHandler(svc, FeedWindow{
		PastDays:    cfg.Feed.PastDays,
		HorizonDays: cfg.Feed.HorizonDays,
	}, s.feedCache.Flush)
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) registerRoutes() {
	r := s.engine
	r.Use(gin.Recovery(), requestLogger())

	// /health is always reachable without credentials.
	r.GET("/health", s.handleHealth)

	protected := r.Group("/")
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		protected.Use(basicAuth(s.cfg.BasicAuth.Username, s.cfg.BasicAuth.Password))
	}
	protected.Use(RateLimiter(rate.Limit(s.cfg.RateLimit.PerSec), s.cfg.RateLimit.Burst))

	h := s.handler
	api := protected.Group("/api")
	{
		api.GET("/lessons", h.GetLessons)
		api.GET("/profiles/:id/lessons", h.GetProfileLessons)
		api.GET("/providers/:id/bookings", h.GetProviderBookings)

		api.GET("/slots", h.GetSlots)
		api.GET("/slot-days", h.GetSlotDays)

		api.POST("/lessons/:rule/:date/reschedule", h.PostReschedule)
		api.PUT("/lessons/:rule/:date/status", h.PutStatus)

		api.POST("/pairings/:id/rules", h.PostRule)
		api.DELETE("/rules/:id", h.DeleteRule)

		api.GET("/profiles/:id/availability", h.GetAvailability)
		api.PUT("/profiles/:id/availability", h.PutAvailability)
		api.POST("/profiles/:id/availability/import", h.PostAvailabilityImport)
	}

	protected.GET("/feeds/:file", Cache(s.feedCache, s.cfg.CacheTTL()), h.GetFeed)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.String(http.StatusOK, "OK")
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// An empty username or password leaves auth off.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuth rejects requests without the configured credentials.
func basicAuth(username, password string) gin.HandlerFunc {
	return func(c *gin.Context) {
		u, p, ok := c.Request.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			c.Header("WWW-Authenticate", `Basic realm="lessoncal", charset="UTF-8"`)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// Run serves on cfg.Listen until ctx is canceled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}
