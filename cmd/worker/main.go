package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/feichai0017/knowledge-inbox/config"
	"github.com/feichai0017/knowledge-inbox/internal/service/inboxsync"
	"github.com/feichai0017/knowledge-inbox/internal/service/pipeline"
	"github.com/feichai0017/knowledge-inbox/pkg/logger"
	"github.com/feichai0017/knowledge-inbox/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		panic(err)
	}

	// 初始化日志
	log, err := logger.NewLogger(logger.FromConfig(cfg.Log)...)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	svc, err := pipeline.NewService(ctx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize pipeline", logger.Error(err))
		os.Exit(1)
	}
	defer svc.Close()

	// 创建 worker 配置
	workerCfg := &worker.Config{
		RedisAddr:   cfg.Queue.RedisAddr,
		RedisDB:     cfg.Queue.RedisDB,
		Concurrency: cfg.Queue.Concurrency,
		Queues:      cfg.Queue.Queues,
		CycleCron:   cfg.Queue.CycleCron,
	}

	pipelineWorker, err := worker.NewPipelineWorker(workerCfg, svc.Runner, svc.Reprocess, log)
	if err != nil {
		log.Error("Failed to create pipeline worker", logger.Error(err))
		os.Exit(1)
	}

	if err := pipelineWorker.Start(ctx); err != nil {
		log.Error("Failed to start worker", logger.Error(err))
		os.Exit(1)
	}

	go func() {
		err := svc.WatchInbox(ctx)
		switch {
		case errors.Is(err, inboxsync.ErrNotifyUnsupported):
			log.Info("Storage has no change notifications, relying on the schedule")
		case err != nil && ctx.Err() == nil:
			log.Warn("Inbox watch stopped", logger.Error(err))
		}
	}()

	// 等待中断信号
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	// 优雅关闭
	log.Info("Shutting down worker...")
	cancel()
	pipelineWorker.Stop()
	log.Info("Worker stopped")
}
