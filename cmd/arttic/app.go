package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/richinsley/arttic/checkpoint"
	"github.com/richinsley/arttic/client"
	"github.com/richinsley/arttic/config"
	"github.com/richinsley/arttic/gallery"
	"github.com/richinsley/arttic/history"
	"github.com/richinsley/arttic/pipeline"
)

// app holds the components shared by serve and generate.
type app struct {
	cfg     *config.Config
	comfy   *client.ComfyClient
	history *history.Store
	manager *pipeline.Manager
}

func newComfyClient(cfg *config.Config) (*client.ComfyClient, error) {
	callbacks := &client.ComfyClientCallbacks{
		ClientQueueCountChanged: func(c *client.ComfyClient, n int) {
			slog.Debug("ComfyUI queue changed", "client", c.ClientID(), "queue", n)
		},
		QueuedItemStopped: func(c *client.ComfyClient, qi *client.QueueItem, reason client.QueuedItemStoppedReason) {
			slog.Debug("ComfyUI prompt stopped", "prompt_id", qi.PromptID, "reason", reason)
		},
	}
	c, err := client.NewComfyClientWithTimeout(cfg.Backend.URL, callbacks, cfg.Backend.TimeoutD, cfg.Backend.MaxRetry)
	if err != nil {
		return nil, fmt.Errorf("create comfyui client: %w", err)
	}
	return c, nil
}

func newApp(cfg *config.Config) (*app, error) {
	c, err := newComfyClient(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, comfy: c}

	var opts []pipeline.Option
	if cfg.History.Enabled {
		h, err := history.Open(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open history: %w", err)
		}
		a.history = h
		opts = append(opts, pipeline.WithRecorder(h))
	}

	backend := pipeline.NewComfyBackend(c, pipeline.ComfyOptions{
		AllowCPU:       cfg.Backend.AllowCPU,
		FilenamePrefix: cfg.Backend.FilenamePrefix,
		TileSize:       cfg.Backend.TileSize,
	})
	a.manager = pipeline.NewManager(
		checkpoint.NewStore(cfg.Paths.Models),
		backend,
		gallery.New(cfg.Paths.Outputs),
		opts...,
	)
	return a, nil
}

// Close releases the loaded model and closes the engine connection and the
// history database.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.manager.Status().State != pipeline.StateUnloaded {
		if _, err := a.manager.Unload(ctx); err != nil {
			slog.Warn("Unload on shutdown failed", "error", err)
		}
	}
	if a.comfy.IsInitialized() {
		if err := a.comfy.Close(); err != nil {
			slog.Warn("Closing ComfyUI connection failed", "error", err)
		}
	}
	if a.history != nil {
		if err := a.history.Close(); err != nil {
			slog.Warn("Closing history failed", "error", err)
		}
	}
}
