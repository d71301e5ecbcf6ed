package port

import "context"

type FrameExtractionResult struct {
	FramePaths    []string
	FrameCount    int
	VideoDuration float64
}

// FrameExtractor runs the external transformation. Errors carry an
// entity.ErrorCode describing the failure.
type FrameExtractor interface {
	ExtractFrames(ctx context.Context, videoPath string, outputDir string) (*FrameExtractionResult, error)
}
