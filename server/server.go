// Package server exposes the pipeline over a gin REST API and a websocket.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/client"
	"github.com/richinsley/arttic/gallery"
	"github.com/richinsley/arttic/history"
	"github.com/richinsley/arttic/logger"
	"github.com/richinsley/arttic/pipeline"
)

// HistoryReader is the read side of the generation history.
type HistoryReader interface {
	List(ctx context.Context, limit int) ([]history.Entry, error)
	GetByFilename(ctx context.Context, filename string) (*history.Entry, error)
}

// SystemInfo reports the engine's hardware.
type SystemInfo interface {
	GetSystemStats(ctx context.Context) (*client.SystemStats, error)
}

type Config struct {
	Manager *pipeline.Manager
	// History and System are optional.
	History HistoryReader
	System  SystemInfo

	EnableCORS  bool
	CORSOrigins []string
	// UIDir, when set, is served at / with index.html as the root document.
	UIDir string
}

type Server struct {
	manager *pipeline.Manager
	history HistoryReader
	system  SystemInfo
	hub     *Hub
	cfg     Config
	router  *gin.Engine
}

func New(cfg Config) *Server {
	s := &Server{
		manager: cfg.Manager,
		history: cfg.History,
		system:  cfg.System,
		hub:     NewHub(),
		cfg:     cfg,
	}
	s.router = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	if s.cfg.EnableCORS {
		cc := cors.DefaultConfig()
		if len(s.cfg.CORSOrigins) == 0 || (len(s.cfg.CORSOrigins) == 1 && s.cfg.CORSOrigins[0] == "*") {
			cc.AllowAllOrigins = true
		} else {
			cc.AllowOrigins = s.cfg.CORSOrigins
		}
		cc.AllowHeaders = append(cc.AllowHeaders, "Authorization", "X-Request-ID")
		r.Use(cors.New(cc))
	}

	api := r.Group("/api")
	api.GET("/config", s.handleConfig)
	api.GET("/models", s.handleModels)
	api.GET("/models/:name", s.handleModel)
	api.GET("/status", s.handleStatus)
	api.GET("/progress", s.handleProgress)
	api.POST("/load", s.handleLoad)
	api.POST("/unload", s.handleUnload)
	api.POST("/generate", s.handleGenerate)
	api.GET("/gallery", s.handleGallery)
	api.GET("/gallery/:name/metadata", s.handleGalleryMetadata)
	api.GET("/history", s.handleHistory)
	api.GET("/system", s.handleSystem)

	r.GET("/ws", s.handleWebSocket)
	r.Static("/outputs", s.manager.Gallery().Dir())

	if s.cfg.UIDir != "" {
		r.Static("/static", s.cfg.UIDir)
		r.StaticFile("/", filepath.Join(s.cfg.UIDir, "index.html"))
	}
	return r
}

// requestLogger tags each request with an id and logs it once done.
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		rid := c.GetHeader("X-Request-ID")
		if rid == "" {
			rid = uuid.New().String()
		}
		c.Header("X-Request-ID", rid)
		c.Request = c.Request.WithContext(logger.SetRequestID(c.Request.Context(), rid))

		start := time.Now()
		c.Next()

		logger.WithContext(c.Request.Context()).Debug("request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrNoModelSelected),
		errors.Is(err, pipeline.ErrUnknownScheduler),
		errors.Is(err, pipeline.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrBusy),
		errors.Is(err, pipeline.ErrNoModelLoaded):
		return http.StatusConflict
	case errors.Is(err, checkpoint.ErrModelNotFound),
		errors.Is(err, gallery.ErrNotFound),
		errors.Is(err, history.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func abortWithError(c *gin.Context, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.WithContext(c.Request.Context()).Error("request failed", "path", c.Request.URL.Path, "error", err)
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

// Shutdown closes every websocket client.
func (s *Server) Shutdown() {
	n := s.hub.CloseAll()
	if n > 0 {
		slog.Info("closed websocket clients", "count", n)
	}
}
