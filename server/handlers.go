package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/logger"
	"github.com/richinsley/arttic/pipeline"
)

// ModelInfo is a checkpoint as listed by the API.
type ModelInfo struct {
	Name         string                  `json:"name"`
	Architecture checkpoint.Architecture `json:"architecture"`
	Size         int64                   `json:"size"`
}

type configResponse struct {
	Models        []string        `json:"models"`
	Schedulers    []string        `json:"schedulers"`
	AspectRatios  []string        `json:"aspect_ratios"`
	GalleryImages []string        `json:"gallery_images"`
	Status        pipeline.Status `json:"status"`
}

func (s *Server) handleConfig(c *gin.Context) {
	models, err := s.manager.Store().List()
	if err != nil {
		abortWithError(c, err)
		return
	}
	images, err := s.manager.Gallery().List()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, configResponse{
		Models:        models,
		Schedulers:    pipeline.SchedulerNames(),
		AspectRatios:  checkpoint.AspectRatioNames,
		GalleryImages: images,
		Status:        s.manager.Status(),
	})
}

func (s *Server) handleModels(c *gin.Context) {
	names, err := s.manager.Store().List()
	if err != nil {
		abortWithError(c, err)
		return
	}
	models := make([]ModelInfo, 0, len(names))
	for _, name := range names {
		m := ModelInfo{Name: name, Architecture: checkpoint.SD15}
		info, err := s.manager.Store().Inspect(name)
		if err != nil {
			logger.WithContext(c.Request.Context()).Warn("could not inspect checkpoint", "model", name, "error", err)
		} else {
			m.Architecture = info.Architecture
			m.Size = info.Size
		}
		models = append(models, m)
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (s *Server) handleModel(c *gin.Context) {
	info, err := s.manager.Store().Inspect(c.Param("name"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Status())
}

func (s *Server) handleProgress(c *gin.Context) {
	c.JSON(http.StatusOK, s.manager.Progress())
}

// bindJSON decodes an optional JSON body; an empty body leaves v untouched.
func bindJSON(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil && !errors.Is(err, io.EOF) {
		abortWithError(c, fmt.Errorf("%w: %v", pipeline.ErrInvalidRequest, err))
		return false
	}
	return true
}

func (s *Server) handleLoad(c *gin.Context) {
	var req pipeline.LoadRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.manager.Load(c.Request.Context(), req, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleUnload(c *gin.Context) {
	msg, err := s.manager.Unload(c.Request.Context())
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status_message": msg})
}

func (s *Server) handleGenerate(c *gin.Context) {
	var req pipeline.GenerateRequest
	if !bindJSON(c, &req) {
		return
	}
	res, err := s.manager.Generate(c.Request.Context(), req, nil)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
	s.broadcastGallery()
}

// broadcastGallery tells every websocket client that the gallery changed.
func (s *Server) broadcastGallery() {
	images, err := s.manager.Gallery().List()
	if err != nil {
		logger.Default().Warn("could not list gallery", "error", err)
		return
	}
	s.hub.Broadcast(message{Type: msgGalleryUpdated, Data: gin.H{"images": images}})
}

func (s *Server) handleGallery(c *gin.Context) {
	images, err := s.manager.Gallery().Images()
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"images": images})
}

func (s *Server) handleGalleryMetadata(c *gin.Context) {
	name := c.Param("name")
	meta, err := s.manager.Gallery().Metadata(name)
	if err != nil {
		abortWithError(c, err)
		return
	}
	resp := gin.H{"name": name, "metadata": meta}
	if s.history != nil {
		if e, err := s.history.GetByFilename(c.Request.Context(), name); err == nil {
			resp["generation"] = e
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleHistory(c *gin.Context) {
	if s.history == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "history is disabled"})
		return
	}
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			abortWithError(c, fmt.Errorf("%w: invalid limit %q", pipeline.ErrInvalidRequest, v))
			return
		}
		limit = n
	}
	entries, err := s.history.List(c.Request.Context(), limit)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generations": entries})
}

func (s *Server) handleSystem(c *gin.Context) {
	if s.system == nil {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "no engine configured"})
		return
	}
	stats, err := s.system.GetSystemStats(c.Request.Context())
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, stats)
}
