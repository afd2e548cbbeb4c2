package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/richinsley/arttic/server"
)

func newServeCommand(root *rootCommand) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the web studio",
		Long: `Start the REST and WebSocket server.

The server lists checkpoints from the models directory, loads one model at a
time on the ComfyUI engine and writes generated images to the outputs
directory.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), root)
		},
	}

	flags := cmd.Flags()
	flags.String("addr", "", "Listen address (default 127.0.0.1:8000)")
	flags.Bool("cors", false, "Enable CORS for the API and WebSocket")
	flags.String("ui-dir", "", "Serve a web UI from this directory")
	flags.String("models-dir", "", "Directory holding .safetensors checkpoints")
	flags.String("outputs-dir", "", "Directory for generated images")
	flags.String("data-dir", "", "Directory for the history database")
	flags.String("backend-url", "", "ComfyUI server URL")
	flags.Bool("allow-cpu", false, "Allow engines without a GPU")
	flags.Bool("history", true, "Record generations in the history database")
	return cmd
}

func runServe(ctx context.Context, root *rootCommand) error {
	cfg := root.cfg
	if !strings.EqualFold(cfg.Logging.Level, "debug") {
		gin.SetMode(gin.ReleaseMode)
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	srvCfg := server.Config{
		Manager:     a.manager,
		System:      a.comfy,
		EnableCORS:  cfg.Server.EnableCORS,
		CORSOrigins: cfg.Server.CORSOrigins,
		UIDir:       cfg.Server.UIDir,
	}
	if a.history != nil {
		srvCfg.History = a.history
	}
	srv := server.New(srvCfg)

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("ArtTic-LAB listening", "addr", "http://"+ln.Addr().String(),
			"models", cfg.Paths.Models, "outputs", cfg.Paths.Outputs, "backend", cfg.Backend.URL)
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownD)
		defer cancel()
		srv.Shutdown()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
