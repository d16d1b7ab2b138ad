package sdruntime

import (
	"context"
	"image"
	"testing"
)

func TestIdentityWatermark_PixelIdentical(t *testing.T) {
	img := solidImage(64, 64, 90)
	before := Digest(img)

	out := IdentityWatermark{}.Apply(img)
	if Digest(out) != before {
		t.Error("identity watermark changed pixels")
	}
}

func TestVendorWatermark_DoesNotModifyInput(t *testing.T) {
	img := solidImage(128, 64, 90)
	before := Digest(img)

	out := VendorWatermark{}.Apply(img)
	if Digest(img) != before {
		t.Error("input image was modified")
	}
	if Digest(out) == before {
		t.Error("watermark should change the output")
	}
	if out.Bounds() != img.Bounds() {
		t.Errorf("bounds = %v, want %v", out.Bounds(), img.Bounds())
	}
}

func TestPassThroughSafety(t *testing.T) {
	imgs := []image.Image{solidImage(8, 8, 0), solidImage(8, 8, 1)}

	out, flags, err := PassThroughSafety{}.Filter(context.Background(), imgs)
	if err != nil {
		t.Fatal(err)
	}
	for i := range imgs {
		if out[i] != imgs[i] {
			t.Errorf("image %d replaced", i)
		}
		if flags[i] {
			t.Errorf("image %d flagged", i)
		}
	}
}

func TestVendorSafety_BlacksOutFlagged(t *testing.T) {
	imgs := []image.Image{solidImage(8, 8, 0), solidImage(8, 8, 200)}
	safety := VendorSafety{Checker: &fakeModel{}}

	out, flags, err := safety.Filter(context.Background(), imgs)
	if err != nil {
		t.Fatal(err)
	}
	if !flags[0] || flags[1] {
		t.Fatalf("flags = %v, want [true false]", flags)
	}
	if r, g, b, _ := out[0].At(3, 3).RGBA(); r|g|b != 0 {
		t.Error("flagged image should be black")
	}
	if out[1] != imgs[1] {
		t.Error("unflagged image should be returned as is")
	}
}

func TestVendorSafety_NilCheckerFlagsNothing(t *testing.T) {
	imgs := []image.Image{solidImage(8, 8, 0)}
	out, flags, err := VendorSafety{}.Filter(context.Background(), imgs)
	if err != nil || flags[0] || out[0] != imgs[0] {
		t.Errorf("nil checker: out=%v flags=%v err=%v", out, flags, err)
	}
}
