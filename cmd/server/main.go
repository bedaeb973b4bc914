package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"

	"github.com/feichai0017/knowledge-inbox/api/handlers"
	"github.com/feichai0017/knowledge-inbox/api/routes"
	"github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/service/pipeline"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// init logger
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log)...)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := pipeline.NewService(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize pipeline", logger.Error(err))
	}
	defer svc.Close()

	// without a queue the server runs the cycles itself
	runnerDone := make(chan error, 1)
	if cfg.Queue.Enabled {
		log.Info("Cycles run in the worker process")
		close(runnerDone)
	} else {
		go func() {
			runnerDone <- svc.Runner.Run(ctx)
		}()
	}

	h := handlers.NewHandlers(svc.Gate, svc, log)
	r := gin.New()
	r.Use(gin.Recovery())
	routes.SetupRoutes(r, h, cfg.Server.AllowOrigins, log)

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: r,
	}

	// start server
	go func() {
		log.Info("Server starting", logger.String("addr", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("Server error", logger.Error(err))
			stop()
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-runnerDone:
		if err != nil {
			log.Error("Pipeline stopped", logger.Error(err))
		}
	}
	stop()

	log.Info("Shutting down server...")

	// graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", logger.Error(err))
	}
	if !cfg.Queue.Enabled {
		<-runnerDone
	}
}
