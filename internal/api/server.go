// Package api is the HTTP boundary: task submission, fetch, cancel,
// list, and the admin account endpoints.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dg-devloper/mjopen-api-sub001/internal/config"
	"github.com/dg-devloper/mjopen-api-sub001/internal/redis"
	"github.com/dg-devloper/mjopen-api-sub001/internal/registry"
	"github.com/dg-devloper/mjopen-api-sub001/internal/store"
)

type Server struct {
	log      *slog.Logger
	cfg      *config.Config
	store    *store.Store
	redis    *redis.Client
	registry *registry.Registry
	router   *gin.Engine
}

func NewServer(log *slog.Logger, cfg *config.Config, st *store.Store, redisClient *redis.Client, reg *registry.Registry) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		log:      log,
		cfg:      cfg,
		store:    st,
		redis:    redisClient,
		registry: reg,
		router:   gin.New(),
	}

	r := s.router
	r.Use(gin.Recovery())
	r.Use(s.loggingMiddleware())
	r.Use(s.rateLimitMiddleware())

	mj := r.Group("/mj")
	mj.Use(s.authMiddleware())
	{
		mj.POST("/submit/imagine", s.submitImagine)
		mj.POST("/submit/blend", s.submitBlend)
		mj.POST("/submit/describe", s.submitDescribe)
		mj.POST("/submit/shorten", s.submitShorten)
		mj.POST("/submit/show", s.submitShow)
		mj.POST("/submit/action", s.submitAction)
		mj.POST("/submit/modal", s.submitModal)

		mj.GET("/task/:id/fetch", s.fetchTask)
		mj.POST("/task/:id/cancel", s.cancelTask)
		mj.POST("/task/list", s.listTasks)
	}

	admin := r.Group("/mj/admin")
	admin.Use(s.adminAuthMiddleware())
	{
		admin.GET("/accounts", s.listAccounts)
		admin.GET("/accounts/:id", s.getAccount)
		admin.POST("/accounts", s.saveAccount)
		admin.DELETE("/accounts/:id", s.deleteAccount)
		admin.POST("/accounts/:id/reconnect", s.reconnectAccount)
	}

	r.GET("/healthz", s.health)

	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) ctx(c *gin.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(c.Request.Context(), 10*time.Second)
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "accounts": len(s.registry.Runtimes())})
}
