package sdruntime

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"

	"golang.org/x/crypto/blake2b"
)

// PNG magic bytes for file identification
var pngMagic = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

// Image validation errors
var (
	ErrImageEmpty      = errors.New("sdruntime: image data is empty")
	ErrImageNotPNG     = errors.New("sdruntime: image data is not a valid PNG")
	ErrImageDecodeFail = errors.New("sdruntime: failed to decode image")
)

// IsPNG checks if the given data starts with PNG magic bytes.
func IsPNG(data []byte) bool {
	return len(data) >= len(pngMagic) && bytes.Equal(data[:len(pngMagic)], pngMagic)
}

// DecodePNG validates and decodes PNG bytes returned by a backend.
func DecodePNG(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, ErrImageEmpty
	}
	if !IsPNG(data) {
		return nil, ErrImageNotPNG
	}
	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrImageDecodeFail, err)
	}
	return img, nil
}

// ToRGBA returns img as *image.RGBA with its origin at (0,0), copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) &&
		rgba.Stride == 4*rgba.Rect.Dx() && len(rgba.Pix) == rgba.Stride*rgba.Rect.Dy() {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Digest is the hex blake2b-256 of the image's dimensions and RGBA pixels.
// Two images with equal digests are pixel-identical.
func Digest(img image.Image) string {
	rgba := ToRGBA(img)
	h, _ := blake2b.New256(nil)
	fmt.Fprintf(h, "%dx%d:", rgba.Rect.Dx(), rgba.Rect.Dy())
	h.Write(rgba.Pix)
	return hex.EncodeToString(h.Sum(nil))
}
