package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"sdforge/logging"
	"sdforge/sdruntime"
)

// TempPattern names in-progress files. Only an interrupted process can leave
// one behind.
const TempPattern = ".sdforge-*.png.tmp"

// PNGWriter encodes images as PNG and writes them without ever replacing an
// existing file. Each file is written to a temporary name in the target
// directory first, so a failed write leaves nothing behind.
type PNGWriter struct {
	// Compression is the zlib level. The zero value is png.DefaultCompression.
	Compression png.CompressionLevel

	// OmitParameters disables the "parameters" tEXt chunk.
	OmitParameters bool

	Logger *logging.Logger
}

// NewPNGWriter creates a writer that embeds generation parameters.
func NewPNGWriter(logger *logging.Logger) *PNGWriter {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &PNGWriter{Logger: logger}
}

// Write encodes img and stores it at path.
func (w *PNGWriter) Write(ctx context.Context, img sdruntime.GeneratedImage, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if img.Image == nil {
		return fmt.Errorf("image %d has no raster", img.Index)
	}

	data, err := w.Encode(img)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, TempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write image data: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync image data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	return w.publish(tmpName, path)
}

// Encode returns the PNG bytes for img, including the parameters chunk
// unless OmitParameters is set.
func (w *PNGWriter) Encode(img sdruntime.GeneratedImage) ([]byte, error) {
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: w.Compression}
	if err := enc.Encode(&buf, img.Image); err != nil {
		return nil, fmt.Errorf("encode PNG: %w", err)
	}
	if w.OmitParameters {
		return buf.Bytes(), nil
	}
	return InsertTextChunk(buf.Bytes(), ParametersKey, FormatParameters(img.Info, img.Index))
}

// publish moves tmp to path. A hard link fails when path exists, which keeps
// the no-overwrite guarantee even if another process raced the resolver.
// Filesystems without hard links fall back to a checked rename.
func (w *PNGWriter) publish(tmp, path string) error {
	err := os.Link(tmp, path)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("refusing to overwrite %s: %w", path, fs.ErrExist)
	}

	w.logger().Debug("hard link failed, falling back to rename", zap.String("path", path), zap.Error(err))
	if _, statErr := os.Lstat(path); statErr == nil {
		return fmt.Errorf("refusing to overwrite %s: %w", path, fs.ErrExist)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("move image into place: %w", err)
	}
	return nil
}

func (w *PNGWriter) logger() *logging.Logger {
	if w.Logger == nil {
		return logging.NewNop()
	}
	return w.Logger
}
