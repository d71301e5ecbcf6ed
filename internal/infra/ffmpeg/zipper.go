package ffmpeg

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/fiapx/fiapx-video-pipeline/internal/domain/entity"
	"github.com/fiapx/fiapx-video-pipeline/internal/domain/port"
)

type ZipCreator struct{}

func NewZipCreator() *ZipCreator {
	return &ZipCreator{}
}

var _ port.Zipper = (*ZipCreator)(nil)

// CreateZip writes the archive to a sibling temp file and renames it into
// place, so a cancelled run never leaves a truncated archive at outputPath.
func (z *ZipCreator) CreateZip(ctx context.Context, filePaths []string, outputPath string) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(outputPath), ".zip-*")
	if err != nil {
		return 0, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("create zip file: %w", err))
	}
	defer os.Remove(tmp.Name())

	if err := writeArchive(ctx, tmp, filePaths); err != nil {
		tmp.Close()
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		return 0, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("close zip file: %w", err))
	}
	if err := os.Rename(tmp.Name(), outputPath); err != nil {
		return 0, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("move zip into place: %w", err))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return 0, entity.WithCode(entity.CodeTransientIO, fmt.Errorf("stat zip: %w", err))
	}
	return info.Size(), nil
}

func writeArchive(ctx context.Context, w io.Writer, filePaths []string) error {
	zw := zip.NewWriter(w)
	for _, fp := range filePaths {
		if err := ctx.Err(); err != nil {
			return entity.WithCode(entity.CodeTransientIO, err)
		}
		if err := addFileToZip(zw, fp); err != nil {
			return entity.WithCode(entity.CodeTransientIO, fmt.Errorf("add %s to zip: %w", fp, err))
		}
	}
	if err := zw.Close(); err != nil {
		return entity.WithCode(entity.CodeTransientIO, fmt.Errorf("finish zip: %w", err))
	}
	return nil
}

func addFileToZip(zw *zip.Writer, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.Base(filename)
	header.Method = zip.Deflate

	writer, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}
	_, err = io.Copy(writer, file)
	return err
}
