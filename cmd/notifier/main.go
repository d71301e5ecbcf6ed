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
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/email"
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

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tp, err := tracing.InitTracer(ctx, "fiapx-notifier", cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer tp.Shutdown(context.Background())
	}

	deps, err := app.Connect(ctx, cfg, log)
	fatalOnErr(err, "connect infrastructure")
	defer deps.Close()

	notifier := email.NewSMTPNotifier(email.SMTPConfig{
		Host:      cfg.SMTPHost,
		Port:      cfg.SMTPPort,
		User:      cfg.SMTPUser,
		Password:  cfg.SMTPPassword,
		From:      cfg.SMTPFrom,
		Retention: cfg.VideoRetention,
	}, log)
	uc := usecase.NewNotifyUseCase(deps.Jobs, deps.Users, notifier, log)

	source, err := rabbitmq.NewSource(ctx, deps.Conn, cfg.RabbitMQNotificationQueue, deps.Publisher)
	fatalOnErr(err, "consume notification queue")
	defer source.Close()

	// A lost notification never changes the job, so there is nothing to finalize.
	consumer := queue.NewConsumer(
		queue.Config{Name: cfg.RabbitMQNotificationQueue, Backoff: app.Backoff(cfg)},
		source, uc.Handle, queue.NopFinalizer{}, log,
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(ctx) })
	g.Go(func() error { return metrics.Serve(ctx, cfg.MetricsPort, deps.HealthChecks(), log) })

	log.Info("notifier started", zap.String("queue", cfg.RabbitMQNotificationQueue))
	if err := g.Wait(); err != nil {
		log.Error("notifier stopped with error", zap.Error(err))
		return
	}
	log.Info("notifier stopped")
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
