// Package overlay draws detection boxes and labels on top of camera frames
package overlay

import (
	"fmt"
	"image"
	"image/color"
	"io"
	"math"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
)

var (
	BoxColor   = color.NRGBA{R: 0, G: 255, B: 0, A: 255} // lime
	LabelColor = color.NRGBA{R: 0, G: 0, B: 0, A: 255}
)

const MinFontSize = 12

var regularFont *truetype.Font

func init() {
	var err error
	regularFont, err = truetype.Parse(goregular.TTF)
	if err != nil {
		panic(err)
	}
}

// Canvas is an RGBA image holding the most recent frame, with detections drawn on top.
// It is safe to use from multiple goroutines.
type Canvas struct {
	LineWidth float64

	mu       sync.Mutex
	dc       *gg.Context
	frame    image.Image
	faceSize float64
	face     font.Face
	numBoxes int
}

func NewCanvas(width, height int) *Canvas {
	return &Canvas{
		LineWidth: 2,
		dc:        gg.NewContext(max(1, width), max(1, height)),
	}
}

// FontSize returns the label font size for a canvas of the given dimensions
func FontSize(width, height int) float64 {
	return max(math.Round(float64(max(width, height))/45), MinFontSize)
}

// DrawFrame replaces the background image. The canvas is resized to fit the frame.
func (c *Canvas) DrawFrame(img image.Image) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := img.Bounds()
	if b.Dx() != c.dc.Width() || b.Dy() != c.dc.Height() {
		c.dc = gg.NewContext(max(1, b.Dx()), max(1, b.Dy()))
		c.face = nil
	}
	c.frame = img
	c.redrawFrame()
}

func (c *Canvas) redrawFrame() {
	c.dc.SetColor(color.Transparent)
	c.dc.Clear()
	if c.frame != nil {
		b := c.frame.Bounds()
		c.dc.DrawImage(c.frame, -b.Min.X, -b.Min.Y)
	}
	c.numBoxes = 0
}

// ClearOverlay removes all boxes, leaving only the frame
func (c *Canvas) ClearOverlay() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.redrawFrame()
}

// DrawBox draws a box with a label such as "person 93.1%" above it.
// If the label would leave the top of the canvas, it is drawn inside the box instead.
func (c *Canvas) DrawBox(box nn.Rect, label string, score float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	dc := c.dc

	dc.SetColor(BoxColor)
	dc.SetLineWidth(c.LineWidth)
	dc.DrawRectangle(float64(box.X), float64(box.Y), float64(box.Width), float64(box.Height))
	dc.Stroke()

	text := fmt.Sprintf("%v %.1f%%", label, score*100)
	dc.SetFontFace(c.fontFace())
	tw, th := dc.MeasureString(text)
	const pad = 2
	top := labelTop(float64(box.Y), th+pad*2)
	left := float64(box.X) - c.LineWidth/2
	dc.SetColor(BoxColor)
	dc.DrawRectangle(left, top, tw+pad*2, th+pad*2)
	dc.Fill()
	dc.SetColor(LabelColor)
	dc.DrawStringAnchored(text, left+pad, top+pad, 0, 1)
	c.numBoxes++
}

// Returns the Y coordinate of the top of the label background
func labelTop(boxY, labelHeight float64) float64 {
	top := boxY - labelHeight
	if top < 0 {
		return max(boxY, 0)
	}
	return top
}

func (c *Canvas) fontFace() font.Face {
	size := FontSize(c.dc.Width(), c.dc.Height())
	if c.face == nil || c.faceSize != size {
		c.face = truetype.NewFace(regularFont, &truetype.Options{Size: size})
		c.faceSize = size
	}
	return c.face
}

// Number of boxes drawn since the last ClearOverlay or DrawFrame
func (c *Canvas) NumBoxes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.numBoxes
}

// Image returns a copy of the canvas
func (c *Canvas) Image() *image.RGBA {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.dc.Image().(*image.RGBA)
	dst := image.NewRGBA(src.Bounds())
	copy(dst.Pix, src.Pix)
	return dst
}

func (c *Canvas) EncodePNG(w io.Writer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc.EncodePNG(w)
}

func (c *Canvas) SavePNG(filename string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dc.SavePNG(filename)
}

// DrawDetections draws a complete detection set over img, and returns the result.
// This is used for still images, where there is no render loop.
func DrawDetections(img image.Image, objects []nn.ObjectDetection, labels nn.ClassLabels) *Canvas {
	c := NewCanvas(img.Bounds().Dx(), img.Bounds().Dy())
	c.DrawFrame(img)
	for _, o := range objects {
		c.DrawBox(o.Box, labels.LabelFor(o.Class), o.Confidence)
	}
	return c
}
