package gpgpu

import (
	"image"
	"image/color"
	"testing"

	"golang.org/x/image/draw"
)

func checker(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := range h {
		for x := range w {
			c := color.NRGBA{R: 255, A: 255}
			if (x+y)%2 == 1 {
				c = color.NRGBA{B: 255, A: 255}
			}
			img.SetNRGBA(x, y, c)
		}
	}
	return img
}

func TestEncodeImage(t *testing.T) {
	data, w, h, err := EncodeImage(checker(4, 2), ImageOptions{})
	if err != nil {
		t.Fatal(err)
	}
	if w != 4 || h != 2 || len(data) != 32 {
		t.Fatalf("EncodeImage = %dx%d, %d bytes", w, h, len(data))
	}
	if data[0] != 255 || data[2] != 0 || data[4+2] != 255 {
		t.Errorf("RGBA texels = %v", data[:8])
	}

	bgra, _, _, err := EncodeImage(checker(4, 2), ImageOptions{Format: FormatBGRA8Unorm})
	if err != nil {
		t.Fatal(err)
	}
	if bgra[0] != 0 || bgra[2] != 255 {
		t.Errorf("BGRA texel = %v", bgra[:4])
	}

	if _, _, _, err := EncodeImage(checker(2, 2), ImageOptions{Format: FormatR32Float}); err == nil {
		t.Error("float formats cannot take 8-bit images")
	}
	if _, _, _, err := EncodeImage(nil, ImageOptions{}); err == nil {
		t.Error("nil image should fail")
	}
}

func TestEncodeImageResample(t *testing.T) {
	src := image.NewUniform(color.RGBA{G: 200, A: 255})
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	draw.Draw(img, img.Bounds(), src, image.Point{}, draw.Src)

	data, w, h, err := EncodeImage(img, ImageOptions{Width: 4, Height: 4, Scaler: draw.NearestNeighbor})
	if err != nil {
		t.Fatal(err)
	}
	if w != 4 || h != 4 || len(data) != 64 || data[1] != 200 {
		t.Errorf("resampled = %dx%d, G=%d", w, h, data[1])
	}
}

func TestUploadImage(t *testing.T) {
	c, b := newSaxpy(KindVulkan)
	tex, err := c.UploadImage(checker(8, 4), ImageOptions{Label: "checker"})
	if err != nil {
		t.Fatal(err)
	}
	desc, err := c.TextureDescriptor(tex)
	if err != nil {
		t.Fatal(err)
	}
	if desc.Width != 8 || desc.Height != 4 || desc.Format != FormatRGBA8Unorm || desc.Dims != Texture2D {
		t.Errorf("descriptor = %+v", desc)
	}
	if desc.Usage != TextureUsageSampled|TextureUsageCopyDst {
		t.Errorf("usage = %v", desc.Usage)
	}
	b.mu.Lock()
	got := len(b.textures[tex.ID()])
	b.mu.Unlock()
	if got != 128 {
		t.Errorf("uploaded %d bytes, want 128", got)
	}
}
