package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

type ExtractorConfig struct {
	FFmpegBinary  string
	FFprobeBinary string
	FPS           int
	Format        string
	Timeout       time.Duration
}

// killGrace caps how long a killed tool's children may keep its pipes open.
const killGrace = time.Second

type Extractor struct {
	cfg    ExtractorConfig
	logger *zap.Logger
}

func NewExtractor(cfg ExtractorConfig, logger *zap.Logger) *Extractor {
	if cfg.FFmpegBinary == "" {
		cfg.FFmpegBinary = "ffmpeg"
	}
	if cfg.FFprobeBinary == "" {
		cfg.FFprobeBinary = "ffprobe"
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 1
	}
	if cfg.Format == "" {
		cfg.Format = "png"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Extractor{cfg: cfg, logger: logger}
}

var _ port.FrameExtractor = (*Extractor)(nil)

func (e *Extractor) ExtractFrames(ctx context.Context, videoPath string, outputDir string) (*port.FrameExtractionResult, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("create frame dir: %w", err))
	}

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	duration, err := e.probeDuration(runCtx, videoPath)
	if err != nil {
		e.logger.Warn("could not get video duration", zap.Error(err))
	}

	framePattern := filepath.Join(outputDir, fmt.Sprintf("frame_%%04d.%s", e.cfg.Format))
	cmd := exec.CommandContext(runCtx, e.cfg.FFmpegBinary,
		"-i", videoPath,
		"-vf", fmt.Sprintf("fps=%d", e.cfg.FPS),
		"-y",
		framePattern,
	)
	cmd.WaitDelay = killGrace

	e.logger.Info("ffmpeg started", zap.String("video", videoPath), zap.Int("fps", e.cfg.FPS))
	output, err := cmd.CombinedOutput()
	if err != nil {
		// A cancelled parent is a shutdown, not a tool failure.
		if ctx.Err() != nil {
			return nil, entity.WithCode(entity.CodeTransientIO, ctx.Err())
		}
		code := classify(runCtx.Err(), string(output))
		e.logger.Error("ffmpeg failed", zap.String("error_code", string(code)), zap.String("stderr", tail(string(output), 500)))
		return nil, entity.WithCode(code, fmt.Errorf("ffmpeg: %w: %s", err, tail(string(output), 500)))
	}

	frames, err := filepath.Glob(filepath.Join(outputDir, fmt.Sprintf("frame_*.%s", e.cfg.Format)))
	if err != nil {
		return nil, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("glob frames: %w", err))
	}
	if len(frames) == 0 {
		return nil, entity.WithCode(entity.CodeNoFrames, errors.New("no frames extracted from video"))
	}
	sort.Strings(frames)

	e.logger.Info("frames extracted",
		zap.Int("count", len(frames)),
		zap.Float64("video_duration", duration),
	)

	return &port.FrameExtractionResult{
		FramePaths:    frames,
		FrameCount:    len(frames),
		VideoDuration: duration,
	}, nil
}

// classify maps an ffmpeg failure to an error code.
func classify(runErr error, stderr string) entity.ErrorCode {
	if errors.Is(runErr, context.DeadlineExceeded) {
		return entity.CodeFFmpegTimeout
	}
	lower := strings.ToLower(stderr)
	for _, marker := range []string{
		"unknown decoder",
		"decoder not found",
		"codec not currently supported",
		"could not find codec parameters",
		"invalid data found when processing input",
		"unsupported codec",
		"moov atom not found",
	} {
		if strings.Contains(lower, marker) {
			return entity.CodeFFmpegCodec
		}
	}
	return entity.CodeFFmpeg
}

func (e *Extractor) probeDuration(ctx context.Context, videoPath string) (float64, error) {
	cmd := exec.CommandContext(ctx, e.cfg.FFprobeBinary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		videoPath,
	)
	cmd.WaitDelay = killGrace
	output, err := cmd.Output()
	if err != nil {
		return 0, fmt.Errorf("ffprobe: %w", err)
	}

	duration, err := strconv.ParseFloat(strings.TrimSpace(string(output)), 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration: %w", err)
	}
	return duration, nil
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
