// Package app wires the infrastructure shared by the worker, notifier and
// operator CLI processes.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/infra/config"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/metrics"
	miniostorage "github.com/fiapx/fiapx-video-pipeline/internal/infra/minio"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/postgres"
	"github.com/fiapx/fiapx-video-pipeline/internal/infra/rabbitmq"
	"github.com/fiapx/fiapx-video-pipeline/internal/queue"
	"github.com/fiapx/fiapx-video-pipeline/internal/usecase"
)

// Deps holds the long-lived connections of a process.
type Deps struct {
	Pool      *pgxpool.Pool
	Jobs      *postgres.JobRepository
	Users     *postgres.UserRepository
	Storage   *miniostorage.Storage
	Conn      *amqp.Connection
	Publisher *rabbitmq.Publisher
}

// Connect opens the database, object store and broker, applies migrations and
// declares the broker topology.
func Connect(ctx context.Context, cfg *config.Config, log *zap.Logger) (*Deps, error) {
	if err := postgres.RunMigrations(cfg.DatabaseURL); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	d := &Deps{
		Pool:  pool,
		Jobs:  postgres.NewJobRepository(pool),
		Users: postgres.NewUserRepository(pool),
	}

	d.Storage, err = miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:       cfg.MinIOEndpoint,
		PublicEndpoint: cfg.MinIOPublicEndpoint,
		AccessKey:      cfg.MinIOAccessKey,
		SecretKey:      cfg.MinIOSecretKey,
		UseSSL:         cfg.MinIOUseSSL,
		Region:         cfg.MinIORegion,
		Bucket:         cfg.MinIOBucket,
	})
	if err != nil {
		d.Close()
		return nil, err
	}
	if err := d.Storage.EnsureBucket(ctx); err != nil {
		d.Close()
		return nil, err
	}

	d.Conn, err = amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := d.Conn.Channel()
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("open topology channel: %w", err)
	}
	err = Topology(cfg).Declare(ch)
	ch.Close()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Publisher, err = rabbitmq.NewPublisher(d.Conn, cfg.RabbitMQExchange)
	if err != nil {
		d.Close()
		return nil, err
	}

	log.Info("infrastructure ready",
		zap.String("bucket", cfg.MinIOBucket),
		zap.String("exchange", cfg.RabbitMQExchange),
	)
	return d, nil
}

func Topology(cfg *config.Config) rabbitmq.Topology {
	return rabbitmq.Topology{
		Exchange:          cfg.RabbitMQExchange,
		ProcessQueue:      cfg.RabbitMQProcessQueue,
		ProcessDLQ:        cfg.RabbitMQProcessDLQ,
		NotificationQueue: cfg.RabbitMQNotificationQueue,
		NotificationDLQ:   cfg.RabbitMQNotificationDLQ,
		ProcessTTL:        cfg.RabbitMQProcessTTL,
		DLQTTL:            cfg.RabbitMQDLQTTL,
		NotificationTTL:   cfg.RabbitMQNotificationTTL,
		ConsumerTimeout:   cfg.RabbitMQConsumerTimeout,
	}
}

// Backoff is the retry schedule configured for consumers.
func Backoff(cfg *config.Config) queue.Backoff {
	return queue.Backoff{Base: cfg.RetryBaseDelay, Max: cfg.RetryMaxDelay}
}

func (d *Deps) JobService(cfg *config.Config, log *zap.Logger) *usecase.JobService {
	return usecase.NewJobService(d.Jobs, d.Storage, d.Publisher, usecase.JobServiceConfig{
		MaxVideoSizeBytes: cfg.MaxVideoSizeBytes(),
		MaxRetries:        cfg.MaxRetries,
		Retention:         cfg.VideoRetention,
		GrantTTL:          cfg.DownloadGrantTTL,
	}, log)
}

// HealthChecks probes every dependency for the /healthz endpoint.
func (d *Deps) HealthChecks() map[string]metrics.HealthCheck {
	return map[string]metrics.HealthCheck{
		"postgres": d.Pool.Ping,
		"minio":    d.Storage.Ping,
		"rabbitmq": func(context.Context) error {
			if d.Conn.IsClosed() {
				return fmt.Errorf("connection closed")
			}
			return nil
		},
	}
}

func (d *Deps) Close() {
	if d.Publisher != nil {
		d.Publisher.Close()
	}
	if d.Conn != nil {
		d.Conn.Close()
	}
	if d.Pool != nil {
		d.Pool.Close()
	}
}
