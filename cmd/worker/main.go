package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/z-wentao/courseflow/pkg/config"
	"github.com/z-wentao/courseflow/pkg/logger"
	"github.com/z-wentao/courseflow/pkg/models"
	"github.com/z-wentao/courseflow/pkg/queue"
	"github.com/z-wentao/courseflow/pkg/stages"
	"github.com/z-wentao/courseflow/pkg/transcriber"
	"github.com/z-wentao/courseflow/pkg/vocabulary"
)

func main() {
	configPath := flag.String("config", "", "配置文件路径（默认读取 COURSEFLOW_CONFIG 或 config/config.yaml）")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 加载配置失败: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.ValidateWorker(); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Worker 配置无效: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ 初始化日志失败: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("❌ Worker 异常退出")
	}
}

func run(cfg *config.Config, log *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wc := cfg.Worker
	if err := os.MkdirAll(wc.WorkDir, 0o755); err != nil {
		return fmt.Errorf("创建工作目录失败: %w", err)
	}

	oaCfg := openai.DefaultConfig(cfg.OpenAI.APIKey)
	if cfg.OpenAI.BaseURL != "" {
		oaCfg.BaseURL = cfg.OpenAI.BaseURL
	}
	oaClient := openai.NewClientWithConfig(oaCfg)

	splitter := transcriber.NewAudioSplitter(wc.SegmentDuration, transcriber.ExecRunner, log)
	engine := transcriber.NewEngine(
		transcriber.NewWhisperClient(oaClient, wc.MaxRetries),
		splitter,
		wc.SegmentConcurrency,
		log,
	)
	api := stages.NewAPIClient(wc.APIURL, &http.Client{Timeout: 30 * time.Second})

	handlers := make(map[string]stages.Handler, len(wc.Queues))
	for _, q := range wc.Queues {
		switch q {
		case models.QueueAudioExtraction:
			handlers[q] = stages.NewExtractionHandler(splitter, wc.WorkDir)
		case models.QueueTranscription:
			handlers[q] = stages.NewTranscriptionHandler(engine, wc.Language)
		case models.QueueTerminology:
			handlers[q] = stages.NewTerminologyHandler(vocabulary.NewExtractor(oaClient, cfg.OpenAI.ChatModel), wc.WorkDir)
		case models.QueueMediaDownload:
			handlers[q] = stages.NewDownloadHandler(api, &http.Client{Timeout: 30 * time.Minute}, "", wc.WorkDir)
		}
	}

	limiter := rate.NewLimiter(rate.Limit(wc.RatePerMinute/60), wc.Burst)
	runner := stages.NewRunner(api, handlers, limiter, wc.PollInterval, wc.MaxRetries, log)

	log.WithFields(logrus.Fields{
		"api":      wc.APIURL,
		"queues":   wc.Queues,
		"dispatch": cfg.Dispatch.Mode,
		"rate":     wc.RatePerMinute,
	}).Info("🚀 Worker 启动")

	if cfg.Dispatch.Mode == "rabbitmq" {
		rmq := cfg.Dispatch.RabbitMQ
		transport, err := queue.NewRabbitMQTransport(rmq.URL, rmq.QueuePrefix, rmq.Prefetch, log)
		if err != nil {
			return fmt.Errorf("初始化 RabbitMQ 失败: %w", err)
		}
		defer transport.Close()

		runner.UseCallbackPublisher(transport)
		return runner.Consume(ctx, transport)
	}

	runner.Run(ctx)
	log.Info("✓ Worker 已停止")
	return nil
}
