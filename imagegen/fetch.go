package imagegen

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	"io"
	"net/http"

	_ "golang.org/x/image/webp"

	"sdforge/sdruntime"
)

// maxImageBytes bounds a single downloaded image.
const maxImageBytes = 64 << 20

// fetch downloads url and returns the body.
func fetch(ctx context.Context, client *http.Client, url string) ([]byte, error) {
	if url == "" {
		return nil, fmt.Errorf("image URL cannot be empty")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create download request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read image data: %w", err)
	}
	if len(data) > maxImageBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	return data, nil
}

// decodeImage decodes PNG, JPEG or WebP data. Hosted endpoints return
// PNG for b64 responses but may serve other formats from URLs.
func decodeImage(data []byte) (image.Image, error) {
	if sdruntime.IsPNG(data) || len(data) == 0 {
		return sdruntime.DecodePNG(data)
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", sdruntime.ErrImageDecodeFail, err)
	}
	return img, nil
}
