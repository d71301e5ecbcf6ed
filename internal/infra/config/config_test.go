package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "fiapx.jobs", cfg.RabbitMQExchange)
	assert.Equal(t, "video.process", cfg.RabbitMQProcessQueue)
	assert.Equal(t, "notification.send.dlq", cfg.RabbitMQNotificationDLQ)
	assert.Equal(t, 30*time.Minute, cfg.RabbitMQProcessTTL)
	assert.Equal(t, 7*24*time.Hour, cfg.RabbitMQDLQTTL)
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.RetryBaseDelay)
	assert.Equal(t, 300*time.Second, cfg.RetryMaxDelay)
	assert.Equal(t, 15*time.Minute, cfg.DownloadGrantTTL)
	assert.Equal(t, int64(500*1024*1024), cfg.MaxVideoSizeBytes())
	assert.Empty(t, cfg.FatalErrorCodes)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WORKER_MAX_RETRIES", "5")
	t.Setenv("WORKER_FATAL_ERROR_CODES", "FFMPEG_CODEC_ERROR,NO_FRAMES")
	t.Setenv("MINIO_BUCKET", "videos")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, []entity.ErrorCode{entity.CodeFFmpegCodec, entity.CodeNoFrames}, cfg.FatalErrorCodes)
	assert.Equal(t, "videos", cfg.MinIOBucket)
}

func TestLoad_RejectsShortConsumerTimeout(t *testing.T) {
	t.Setenv("RABBITMQ_CONSUMER_TIMEOUT", "30m")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "RABBITMQ_CONSUMER_TIMEOUT")
}

func TestValidate(t *testing.T) {
	base := Config{
		MaxRetries:              3,
		RetryBaseDelay:          30 * time.Second,
		RetryMaxDelay:           300 * time.Second,
		ProcessingTimeout:       30 * time.Minute,
		RabbitMQConsumerTimeout: 45 * time.Minute,
		MaxVideoSizeMB:          500,
		FFmpegFPS:               1,
	}
	require.NoError(t, base.Validate())

	neg := base
	neg.MaxRetries = -1
	assert.Error(t, neg.Validate())

	inverted := base
	inverted.RetryBaseDelay = 10 * time.Minute
	assert.Error(t, inverted.Validate())

	equal := base
	equal.RabbitMQConsumerTimeout = 35 * time.Minute
	assert.Error(t, equal.Validate())
}
