package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/z-wentao/courseflow/pkg/batch"
	"github.com/z-wentao/courseflow/pkg/config"
	"github.com/z-wentao/courseflow/pkg/download"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/pipeline"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/server"
	"github.com/z-wentao/courseflow/pkg/signer"
	"github.com/z-wentao/courseflow/pkg/storage"
	"github.com/z-wentao/courseflow/pkg/worker"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认读取 COURSEFLOW_CONFIG 或 config/config.yaml）")
	flag.Parse()

	// 1. 加载配置
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log.Info("✓ 配置加载成功")

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("❌ 服务异常退出")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 2. 初始化存储（memory / sqlite / postgres，可选 Redis）
	backends, err := storage.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("初始化存储失败: %w", err)
	}
	defer backends.Close()

	// 3. 初始化核心组件
	sched := queue.NewScheduler(backends.Store,
		queue.WithVisibilityTimeouts(cfg.Queue.VisibilityTimeouts, cfg.Queue.DefaultVisibilityTimeout),
		queue.WithLogger(log),
	)
	machine := pipeline.NewMachine(backends.Store, pipeline.WithLogger(log))

	batchOpts := []batch.Option{
		batch.WithAvgSecondsPerSegment(cfg.Batch.AvgSecondsPerSegment),
		batch.WithLogger(log),
	}
	if backends.Progress != nil {
		batchOpts = append(batchOpts, batch.WithProgressCache(backends.Progress))
	}
	orch := batch.NewOrchestrator(backends.Store, sched, machine, batchOpts...)
	downloads := download.NewController(backends.Downloads, sched, download.WithLogger(log))

	coordOpts := []worker.Option{worker.WithDownloads(downloads), worker.WithLogger(log)}
	issuer, err := signer.FromConfig(ctx, cfg.Signer, log)
	if err != nil {
		// 签名后端不可用时其余接口照常工作，签名接口返回 502
		log.WithError(err).Warn("⚠️ 签名后端初始化失败，源视频地址将不会签发")
		issuer = nil
	} else {
		coordOpts = append(coordOpts, worker.WithIssuer(issuer))
	}
	coord := worker.NewCoordinator(sched, machine, orch, coordOpts...)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		downloads.RunSweeper(ctx, cfg.Download.SweepInterval, cfg.Download.StaleMinutes)
	}()

	// 4. 可选：通过 RabbitMQ 推送任务和接收回调
	if cfg.Dispatch.Mode == "rabbitmq" {
		rmq := cfg.Dispatch.RabbitMQ
		transport, err := queue.NewRabbitMQTransport(rmq.URL, rmq.QueuePrefix, rmq.Prefetch, log)
		if err != nil {
			return fmt.Errorf("初始化 RabbitMQ 失败: %w", err)
		}
		defer transport.Close()

		queues := append(models.PipelineQueues(), models.QueueMediaDownload)
		dispatcher := worker.NewDispatcher(coord, transport, queues, cfg.Dispatch.PollInterval, log)
		wg.Add(2)
		go func() {
			defer wg.Done()
			dispatcher.Run(ctx)
		}()
		go func() {
			defer wg.Done()
			worker.RunCallbackConsumer(ctx, transport, coord, log)
		}()
		log.WithField("prefix", rmq.QueuePrefix).Info("✓ RabbitMQ 派发已启动")
	}

	// 5. HTTP 服务
	gin.SetMode(cfg.Server.Mode)
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: server.New(server.Deps{
			Scheduler:   sched,
			Machine:     machine,
			Batches:     orch,
			Downloads:   downloads,
			Coordinator: coord,
			Issuer:      issuer,
		}, log).Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":     cfg.Server.Port,
			"storage":  cfg.Storage.Driver,
			"dispatch": cfg.Dispatch.Mode,
			"redis":    cfg.Redis.Enabled,
		}).Infof("🚀 courseflow %s 启动", server.Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return fmt.Errorf("服务器启动失败: %w", err)
		}
	}

	log.Info("🛑 正在关闭服务器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP 服务关闭超时")
	}
	stop()
	wg.Wait()
	log.Info("✓ 服务器已关闭")
	return nil
}
