package nn

import (
	"github.com/chewxy/math32"
)

type Point struct {
	X float32 `json:"x"`
	Y float32 `json:"y"`
}

// Rect is an axis aligned box in pixel units.
// X,Y is the top-left corner.
type Rect struct {
	X      float32 `json:"x"`
	Y      float32 `json:"y"`
	Width  float32 `json:"width"`
	Height float32 `json:"height"`
}

// Create a Rect from two corners
func RectFromCorners(x1, y1, x2, y2 float32) Rect {
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Create a Rect from a center point and dimensions (the YOLO box convention)
func RectFromCenter(cx, cy, w, h float32) Rect {
	return Rect{
		X:      cx - w/2,
		Y:      cy - h/2,
		Width:  w,
		Height: h,
	}
}

func (r Rect) X2() float32 {
	return r.X + r.Width
}

func (r Rect) Y2() float32 {
	return r.Y + r.Height
}

// Area of the rectangle. Degenerate (negative) dimensions have zero area.
func (r Rect) Area() float32 {
	if r.Width <= 0 || r.Height <= 0 {
		return 0
	}
	return r.Width * r.Height
}

func (r Rect) Intersection(b Rect) Rect {
	x1 := max(r.X, b.X)
	y1 := max(r.Y, b.Y)
	x2 := min(r.X2(), b.X2())
	y2 := min(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  max(0, x2-x1),
		Height: max(0, y2-y1),
	}
}

func (r Rect) Union(b Rect) Rect {
	x1 := min(r.X, b.X)
	y1 := min(r.Y, b.Y)
	x2 := max(r.X2(), b.X2())
	y2 := max(r.Y2(), b.Y2())
	return Rect{
		X:      x1,
		Y:      y1,
		Width:  x2 - x1,
		Height: y2 - y1,
	}
}

// Intersection over Union.
// If the union has zero area, the IoU is zero, so degenerate boxes never overlap anything.
func (r Rect) IOU(b Rect) float32 {
	intersection := r.Intersection(b).Area()
	union := r.Area() + b.Area() - intersection
	if union <= 0 {
		return 0
	}
	return intersection / union
}

func (r Rect) Center() Point {
	return Point{
		X: r.X + r.Width/2,
		Y: r.Y + r.Height/2,
	}
}

// Clip the rectangle to the box [0,0,width,height]
func (r Rect) Clip(width, height float32) Rect {
	return r.Intersection(Rect{X: 0, Y: 0, Width: width, Height: height})
}

// Integer bounds that fully contain the rectangle (used for spatial indexing)
func (r Rect) outerBounds() (x1, y1, x2, y2 int32) {
	return toIndexCoord(math32.Floor(r.X)), toIndexCoord(math32.Floor(r.Y)), toIndexCoord(math32.Ceil(r.X2())), toIndexCoord(math32.Ceil(r.Y2()))
}

// Unclipped boxes from a misbehaving model can be arbitrarily large
func toIndexCoord(v float32) int32 {
	const limit = 1 << 30
	if v > limit {
		return limit
	} else if v < -limit {
		return -limit
	}
	return int32(v)
}
