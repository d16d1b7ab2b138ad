package sdruntime

import (
	"context"
	"fmt"
	"image"
	"image/color"
	"image/draw"

	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// WatermarkPolicy is applied to every generated image before it is returned.
type WatermarkPolicy interface {
	Name() string
	Apply(img image.Image) image.Image
}

// SafetyPolicy screens a batch before it is returned. It reports which images
// were flagged and returns the batch with flagged images replaced.
type SafetyPolicy interface {
	Name() string
	Filter(ctx context.Context, imgs []image.Image) ([]image.Image, []bool, error)
}

// IdentityWatermark returns images unchanged.
type IdentityWatermark struct{}

func (IdentityWatermark) Name() string { return "identity" }

func (IdentityWatermark) Apply(img image.Image) image.Image { return img }

// VendorWatermark stamps a provenance label in the bottom-right corner.
type VendorWatermark struct {
	Label string
}

// DefaultWatermarkLabel is stamped by VendorWatermark when Label is empty.
const DefaultWatermarkLabel = "AI GENERATED"

func (VendorWatermark) Name() string { return "vendor" }

// Apply draws the label on a copy; the input image is never modified.
func (w VendorWatermark) Apply(img image.Image) image.Image {
	label := w.Label
	if label == "" {
		label = DefaultWatermarkLabel
	}

	b := img.Bounds()
	out := image.NewRGBA(b)
	draw.Draw(out, b, img, b.Min, draw.Src)

	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  out,
		Src:  image.NewUniform(color.NRGBA{R: 255, G: 255, B: 255, A: 160}),
		Face: face,
	}
	width := d.MeasureString(label).Ceil()
	x := b.Max.X - width - 4
	y := b.Max.Y - 4
	if x < b.Min.X {
		x = b.Min.X
	}
	d.Dot = fixed.P(x, y)
	d.DrawString(label)

	return out
}

// PassThroughSafety reports every image as unflagged and returns them untouched.
type PassThroughSafety struct{}

func (PassThroughSafety) Name() string { return "pass-through" }

func (PassThroughSafety) Filter(_ context.Context, imgs []image.Image) ([]image.Image, []bool, error) {
	return imgs, make([]bool, len(imgs)), nil
}

// VendorSafety runs the model's classifier and blacks out flagged images,
// keeping their bounds. A nil Checker flags nothing.
type VendorSafety struct {
	Checker SafetyChecker
}

func (VendorSafety) Name() string { return "vendor" }

func (s VendorSafety) Filter(ctx context.Context, imgs []image.Image) ([]image.Image, []bool, error) {
	flags := make([]bool, len(imgs))
	if s.Checker == nil {
		return imgs, flags, nil
	}

	out := make([]image.Image, len(imgs))
	for i, img := range imgs {
		flagged, err := s.Checker.Flagged(ctx, img)
		if err != nil {
			return nil, nil, fmt.Errorf("safety check on image %d: %w", i, err)
		}
		flags[i] = flagged
		if flagged {
			blank := image.NewRGBA(img.Bounds())
			draw.Draw(blank, blank.Bounds(), image.NewUniform(color.Black), image.Point{}, draw.Src)
			out[i] = blank
			continue
		}
		out[i] = img
	}
	return out, flags, nil
}

// policiesFor selects the watermark and safety policies for cfg.
func policiesFor(cfg PipelineConfig, model Model) (WatermarkPolicy, SafetyPolicy) {
	var wm WatermarkPolicy = VendorWatermark{}
	if cfg.DisableWatermark {
		wm = IdentityWatermark{}
	}

	var safety SafetyPolicy = PassThroughSafety{}
	if !cfg.DisableSafetyFilter {
		checker, _ := model.(SafetyChecker)
		safety = VendorSafety{Checker: checker}
	}
	return wm, safety
}
