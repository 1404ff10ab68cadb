package nn

import (
	"errors"
	"fmt"
)

var ErrInvalidDimensions = errors.New("invalid image dimensions")

// ResizeTransform maps between the coordinates of the original image and the
// coordinates of the NN input image.
// The NN input is produced by letterboxing: the original image is scaled uniformly
// (preserving aspect ratio) and then padded on both sides to fill the NN input size.
//
//	model = original * Scale + Pad
//	original = (model - Pad) / Scale
type ResizeTransform struct {
	Scale          float32 `json:"scale"`
	PadX           float32 `json:"padX"`
	PadY           float32 `json:"padY"`
	InputWidth     int     `json:"inputWidth"`     // NN input width
	InputHeight    int     `json:"inputHeight"`    // NN input height
	OriginalWidth  int     `json:"originalWidth"`  // Width of the image before letterboxing
	OriginalHeight int     `json:"originalHeight"` // Height of the image before letterboxing
	ScaledWidth    int     `json:"scaledWidth"`    // Width of the scaled image inside the NN input, excluding padding
	ScaledHeight   int     `json:"scaledHeight"`   // Height of the scaled image inside the NN input, excluding padding
}

// Returns a transform that does nothing, for an image that is already the NN input size
func IdentityResizeTransform(width, height int) ResizeTransform {
	return ResizeTransform{
		Scale:          1,
		InputWidth:     width,
		InputHeight:    height,
		OriginalWidth:  width,
		OriginalHeight: height,
		ScaledWidth:    width,
		ScaledHeight:   height,
	}
}

// ComputeLetterbox computes the transform that fits an image of size origWidth x origHeight
// inside targetWidth x targetHeight, centered, without changing the aspect ratio.
// When the padding is an odd number of pixels, the extra pixel goes to the right/bottom edge.
func ComputeLetterbox(origWidth, origHeight, targetWidth, targetHeight int) (ResizeTransform, error) {
	if origWidth <= 0 || origHeight <= 0 || targetWidth <= 0 || targetHeight <= 0 {
		return ResizeTransform{}, fmt.Errorf("%w: letterbox %vx%v into %vx%v", ErrInvalidDimensions, origWidth, origHeight, targetWidth, targetHeight)
	}
	scale := min(float64(targetWidth)/float64(origWidth), float64(targetHeight)/float64(origHeight))
	resizedWidth := min(targetWidth, int(float64(origWidth)*scale+0.5))
	resizedHeight := min(targetHeight, int(float64(origHeight)*scale+0.5))
	return ResizeTransform{
		Scale:          float32(scale),
		PadX:           float32((targetWidth - resizedWidth) / 2),
		PadY:           float32((targetHeight - resizedHeight) / 2),
		InputWidth:     targetWidth,
		InputHeight:    targetHeight,
		OriginalWidth:  origWidth,
		OriginalHeight: origHeight,
		ScaledWidth:    resizedWidth,
		ScaledHeight:   resizedHeight,
	}, nil
}

// Map a point from original image coordinates to NN input coordinates
func (t *ResizeTransform) ToModelSpace(p Point) Point {
	return Point{
		X: p.X*t.Scale + t.PadX,
		Y: p.Y*t.Scale + t.PadY,
	}
}

// Map a point from NN input coordinates to original image coordinates
func (t *ResizeTransform) ToOriginalSpace(p Point) Point {
	return Point{
		X: (p.X - t.PadX) / t.Scale,
		Y: (p.Y - t.PadY) / t.Scale,
	}
}

func (t *ResizeTransform) RectToModel(r Rect) Rect {
	a := t.ToModelSpace(Point{X: r.X, Y: r.Y})
	b := t.ToModelSpace(Point{X: r.X2(), Y: r.Y2()})
	return RectFromCorners(a.X, a.Y, b.X, b.Y)
}

func (t *ResizeTransform) RectToOriginal(r Rect) Rect {
	a := t.ToOriginalSpace(Point{X: r.X, Y: r.Y})
	b := t.ToOriginalSpace(Point{X: r.X2(), Y: r.Y2()})
	return RectFromCorners(a.X, a.Y, b.X, b.Y)
}

// Transform objects from NN input coordinates to original image coordinates
func (t *ResizeTransform) ApplyBackward(objects []ObjectDetection) {
	for i := range objects {
		objects[i].Box = t.RectToOriginal(objects[i].Box)
	}
}
