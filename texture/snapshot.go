package texture

import (
	"fmt"
	"image"

	"github.com/XR-Robotics/robotvision/decode"
)

// FrameImage converts a decoded frame to a CPU image. Packed formats
// become RGBA; 4:2:0 planar formats become YCbCr so no color math runs
// here (image/png and friends convert on encode).
func FrameImage(f decode.Frame) (image.Image, error) {
	want := f.Format.FrameBytes(f.Width, f.Height)
	if want == 0 {
		return nil, fmt.Errorf("texture: cannot image %v frame %dx%d", f.Format, f.Width, f.Height)
	}
	if len(f.Data) < want {
		return nil, fmt.Errorf("texture: truncated frame: %d bytes, want %d", len(f.Data), want)
	}

	w, h := f.Width, f.Height
	switch f.Format {
	case decode.FormatRGBA:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		copy(img.Pix, f.Data[:want])
		return img, nil

	case decode.FormatRGB:
		img := image.NewRGBA(image.Rect(0, 0, w, h))
		for i, j := 0, 0; i < want; i, j = i+3, j+4 {
			img.Pix[j] = f.Data[i]
			img.Pix[j+1] = f.Data[i+1]
			img.Pix[j+2] = f.Data[i+2]
			img.Pix[j+3] = 0xFF
		}
		return img, nil

	case decode.FormatI420:
		if w%2 != 0 || h%2 != 0 {
			return nil, fmt.Errorf("texture: planar snapshot needs even geometry, got %dx%d", w, h)
		}
		img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
		luma := w * h
		chroma := luma / 4
		copy(img.Y, f.Data[:luma])
		copy(img.Cb, f.Data[luma:luma+chroma])
		copy(img.Cr, f.Data[luma+chroma:luma+2*chroma])
		return img, nil

	case decode.FormatNV12:
		if w%2 != 0 || h%2 != 0 {
			return nil, fmt.Errorf("texture: planar snapshot needs even geometry, got %dx%d", w, h)
		}
		img := image.NewYCbCr(image.Rect(0, 0, w, h), image.YCbCrSubsampleRatio420)
		luma := w * h
		copy(img.Y, f.Data[:luma])
		interleaved := f.Data[luma:want]
		for i := 0; i+1 < len(interleaved); i += 2 {
			img.Cb[i/2] = interleaved[i]
			img.Cr[i/2] = interleaved[i+1]
		}
		return img, nil

	default:
		return nil, fmt.Errorf("texture: cannot image %v frame", f.Format)
	}
}
