package gpgpu

import (
	"fmt"
	"image"

	"golang.org/x/image/draw"
)

// ImageOptions controls UploadImage.
type ImageOptions struct {
	// Label names the texture.
	Label string

	// Width and Height resize the image before upload. Zero keeps the
	// source dimension.
	Width, Height int

	// Format is the texel format: RGBA8Unorm (default) or BGRA8Unorm.
	Format TextureFormat

	// Usage defaults to sampled plus copy-destination.
	Usage TextureUsage

	// Scaler resamples the image when the size changes. Defaults to
	// draw.BiLinear.
	Scaler draw.Scaler
}

// UploadImage allocates a 2D texture and fills it with img, converted to
// 8-bit RGBA and optionally resampled.
func (c *Context) UploadImage(img image.Image, opts ImageOptions) (ResourceHandle, error) {
	data, w, h, err := EncodeImage(img, opts)
	if err != nil {
		return ResourceHandle{}, err
	}
	format := opts.Format
	if format == FormatAny {
		format = FormatRGBA8Unorm
	}
	usage := opts.Usage
	if usage == 0 {
		usage = TextureUsageSampled | TextureUsageCopyDst
	}
	tex, err := c.AllocateTexture(TextureDescriptor{
		Label:  opts.Label,
		Width:  uint32(w),
		Height: uint32(h),
		Depth:  1,
		Dims:   Texture2D,
		Format: format,
		Usage:  usage,
	})
	if err != nil {
		return ResourceHandle{}, err
	}
	if err := c.WriteTexture(tex, data); err != nil {
		_ = c.Free(tex)
		return ResourceHandle{}, err
	}
	return tex, nil
}

// EncodeImage converts img to tightly packed 8-bit texels in the format
// named by opts and returns them with the final dimensions.
func EncodeImage(img image.Image, opts ImageOptions) (data []byte, width, height int, err error) {
	if img == nil {
		return nil, 0, 0, fmt.Errorf("gpgpu: image is nil")
	}
	src := img.Bounds()
	width, height = opts.Width, opts.Height
	if width == 0 {
		width = src.Dx()
	}
	if height == 0 {
		height = src.Dy()
	}
	if width <= 0 || height <= 0 {
		return nil, 0, 0, fmt.Errorf("gpgpu: invalid image size %dx%d", width, height)
	}

	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	if width == src.Dx() && height == src.Dy() {
		draw.Draw(dst, dst.Bounds(), img, src.Min, draw.Src)
	} else {
		scaler := opts.Scaler
		if scaler == nil {
			scaler = draw.BiLinear
		}
		scaler.Scale(dst, dst.Bounds(), img, src, draw.Src, nil)
	}

	switch opts.Format {
	case FormatAny, FormatRGBA8Unorm:
		return dst.Pix, width, height, nil
	case FormatBGRA8Unorm:
		pix := dst.Pix
		for i := 0; i+3 < len(pix); i += 4 {
			pix[i], pix[i+2] = pix[i+2], pix[i]
		}
		return pix, width, height, nil
	default:
		return nil, 0, 0, fmt.Errorf("gpgpu: images cannot be uploaded as %s", opts.Format)
	}
}
