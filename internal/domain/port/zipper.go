package port

import "context"

// Zipper bundles files into one archive and returns the archive size in bytes.
type Zipper interface {
	CreateZip(ctx context.Context, filePaths []string, outputPath string) (int64, error)
}
