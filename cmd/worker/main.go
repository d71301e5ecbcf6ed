package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fiapx/fiapx-video-pipeline/internal/app"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/config"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/ffmpeg"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/rabbitmq"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/tracing"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
	"github.com/fiapx/fiapx-video-pipeline/internal/usecase"
	"github.com/fiapx/fiapx-video-pipeline/pkg/logger"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting fiapx video worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Tracing (non-fatal if the collector is unavailable)
	tp, err := tracing.InitTracer(ctx, "fiapx-video-worker", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	deps, err := app.Connect(ctx, cfg, log)
	fatalOnErr(err, "connect infrastructure")
	defer deps.Close()

	extractor := ffmpeg.NewExtractor(ffmpeg.ExtractorConfig{
		FFmpegBinary:  cfg.FFmpegBinary,
		FFprobeBinary: cfg.FFprobeBinary,
		FPS:           cfg.FFmpegFPS,
		Format:        cfg.FFmpegFormat,
		Timeout:       cfg.ProcessingTimeout,
	}, log)

	uc := usecase.NewProcessVideoUseCase(
		deps.Jobs, deps.Storage, extractor, ffmpeg.NewZipCreator(), deps.Publisher,
		log,
		usecase.ProcessVideoConfig{
			TempDir:    cfg.TempDir,
			Timeout:    cfg.ProcessingTimeout,
			FatalCodes: cfg.FatalErrorCodes,
		},
	)

	source, err := rabbitmq.NewSource(ctx, deps.Conn, cfg.RabbitMQProcessQueue, deps.Publisher)
	fatalOnErr(err, "consume processing queue")
	defer source.Close()

	consumer := queue.NewConsumer(
		queue.Config{Name: cfg.RabbitMQProcessQueue, Backoff: app.Backoff(cfg)},
		source, uc.Handle,
		usecase.NewJobFinalizer(deps.Jobs, deps.Publisher, log),
		log,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(ctx)
	})
	g.Go(func() error {
		return metrics.Serve(ctx, cfg.MetricsPort, deps.HealthChecks(), log)
	})

	log.Info("worker started, consuming messages", zap.String("queue", cfg.RabbitMQProcessQueue))
	if err := g.Wait(); err != nil {
		log.Error("worker stopped with error", zap.Error(err))
		return
	}
	log.Info("worker stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
