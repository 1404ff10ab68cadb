// Package imgprep converts camera frames into NN input tensors
package imgprep

import (
	"image"
	"image/color"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/disintegration/imaging"
)

// Fill colour of the letterbox bars, as used by the YOLO training pipeline
var DefaultFill = color.NRGBA{R: 114, G: 114, B: 114, A: 255}

// Letterbox resizes img according to xform, and centers it on a canvas of the NN input size.
// xform must have been computed for the dimensions of img.
func Letterbox(img image.Image, xform nn.ResizeTransform, fill color.Color) *image.NRGBA {
	canvas := imaging.New(xform.InputWidth, xform.InputHeight, fill)
	rw := max(1, xform.ScaledWidth)
	rh := max(1, xform.ScaledHeight)
	var resized *image.NRGBA
	if rw == img.Bounds().Dx() && rh == img.Bounds().Dy() {
		resized = imaging.Clone(img)
	} else {
		resized = imaging.Resize(img, rw, rh, imaging.Linear)
	}
	return imaging.Paste(canvas, resized, image.Pt(int(xform.PadX), int(xform.PadY)))
}

// ToCHW converts an image into planar RGB, with values normalized to [0,1].
// If dst has the right size then it is reused.
func ToCHW(img *image.NRGBA, dst []float32) []float32 {
	w := img.Bounds().Dx()
	h := img.Bounds().Dy()
	plane := w * h
	if len(dst) != plane*3 {
		dst = make([]float32, plane*3)
	}
	for y := 0; y < h; y++ {
		src := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			i := y*w + x
			dst[i] = float32(src[x*4]) / 255
			dst[plane+i] = float32(src[x*4+1]) / 255
			dst[plane*2+i] = float32(src[x*4+2]) / 255
		}
	}
	return dst
}

// Preprocessor letterboxes frames to the NN input size, and produces CHW float32 tensors
type Preprocessor struct {
	Fill color.Color
}

func NewPreprocessor() *Preprocessor {
	return &Preprocessor{Fill: DefaultFill}
}

// Prepare returns the NN input tensor for img
func (p *Preprocessor) Prepare(img image.Image, xform nn.ResizeTransform) ([]float32, error) {
	if img.Bounds().Dx() != xform.OriginalWidth || img.Bounds().Dy() != xform.OriginalHeight {
		return nil, nn.ErrInvalidDimensions
	}
	return ToCHW(Letterbox(img, xform, p.Fill), nil), nil
}
