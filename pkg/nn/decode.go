package nn

import (
	"errors"
	"fmt"

	"github.com/chewxy/math32"
)

var ErrShapeMismatch = errors.New("tensor shape mismatch")

// RawTensor is the output of one inference call.
// The decoder reads it and never retains it.
type RawTensor struct {
	Data  []float32
	Shape []int // eg [1, 25200, 85]
}

// Number of elements implied by Shape
func (t *RawTensor) NumElements() int {
	if len(t.Shape) == 0 {
		return 0
	}
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// TensorLayout describes the contents of each anchor row
type TensorLayout int

const (
	// [cx, cy, w, h, objectness, class0, class1, ...] where objectness and class scores are logits (YOLOv5, YOLOv7)
	LayoutObjectness TensorLayout = iota
	// [cx, cy, w, h, class0, class1, ...] where class scores are already probabilities (YOLOv8, YOLO11)
	LayoutPrefiltered
)

func (l TensorLayout) String() string {
	switch l {
	case LayoutObjectness:
		return "objectness"
	case LayoutPrefiltered:
		return "prefiltered"
	}
	return fmt.Sprintf("TensorLayout(%d)", int(l))
}

// Number of leading values in each row, before the class scores
func (l TensorLayout) headerSize() int {
	if l == LayoutObjectness {
		return 5
	}
	return 4
}

// ParseTensorLayout parses the layout name used in model config files.
// An empty string means LayoutObjectness.
func ParseTensorLayout(s string) (TensorLayout, error) {
	switch s {
	case "", "objectness":
		return LayoutObjectness, nil
	case "prefiltered":
		return LayoutPrefiltered, nil
	}
	return 0, fmt.Errorf("Unknown tensor layout '%v'", s)
}

// DecodeStrategy selects how a raw tensor is interpreted
type DecodeStrategy struct {
	Layout TensorLayout
	// If true, the tensor is [batch, rowWidth, anchors] instead of [batch, anchors, rowWidth].
	// Ultralytics ONNX exports of YOLOv8 look like this: [1, 84, 8400].
	ChannelMajor bool
}

func sigmoid(x float32) float32 {
	return 1 / (1 + math32.Exp(-x))
}

// Decode a single-image tensor into candidate detections, in original image coordinates.
// The order of the returned detections is unspecified.
func Decode(raw *RawTensor, numClasses int, strategy DecodeStrategy, params *DetectionParams, xform ResizeTransform) ([]ObjectDetection, error) {
	batch, err := DecodeBatch(raw, numClasses, strategy, params, []ResizeTransform{xform})
	if err != nil {
		return nil, err
	}
	return batch[0], nil
}

// Decode a batched tensor. There must be exactly one ResizeTransform per batch element.
func DecodeBatch(raw *RawTensor, numClasses int, strategy DecodeStrategy, params *DetectionParams, xforms []ResizeTransform) ([][]ObjectDetection, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if numClasses <= 0 {
		return nil, fmt.Errorf("%w: numClasses is %v", ErrShapeMismatch, numClasses)
	}

	batchSize, nAnchors, rowWidth, err := tensorDims(raw, strategy)
	if err != nil {
		return nil, err
	}
	expectRowWidth := strategy.Layout.headerSize() + numClasses
	if rowWidth != expectRowWidth {
		return nil, fmt.Errorf("%w: row width is %v, but layout %v with %v classes needs %v", ErrShapeMismatch, rowWidth, strategy.Layout, numClasses, expectRowWidth)
	}
	if batchSize != len(xforms) {
		return nil, fmt.Errorf("%w: batch size is %v, but %v transforms were given", ErrShapeMismatch, batchSize, len(xforms))
	}
	if len(raw.Data) != batchSize*nAnchors*rowWidth {
		return nil, fmt.Errorf("%w: buffer has %v elements, but shape %v needs %v", ErrShapeMismatch, len(raw.Data), raw.Shape, batchSize*nAnchors*rowWidth)
	}

	// Strides of (anchor, field) inside one batch element
	anchorStride, fieldStride := rowWidth, 1
	if strategy.ChannelMajor {
		anchorStride, fieldStride = 1, nAnchors
	}

	all := make([][]ObjectDetection, batchSize)
	for b := 0; b < batchSize; b++ {
		data := raw.Data[b*nAnchors*rowWidth : (b+1)*nAnchors*rowWidth]
		xf := &xforms[b]
		objects := []ObjectDetection{}
		for a := 0; a < nAnchors; a++ {
			row := a * anchorStride
			field := func(i int) float32 {
				return data[row+i*fieldStride]
			}

			objectness := float32(1)
			classStart := 4
			if strategy.Layout == LayoutObjectness {
				objectness = sigmoid(field(4))
				// Written this way so that NaN is rejected
				if !(objectness >= params.ObjectnessThreshold) {
					continue
				}
				classStart = 5
			}

			bestClass := -1
			bestScore := float32(-1)
			for c := 0; c < numClasses; c++ {
				s := field(classStart + c)
				if strategy.Layout == LayoutObjectness {
					s = sigmoid(s)
				}
				if s > bestScore {
					bestScore = s
					bestClass = c
				}
			}
			score := objectness * bestScore
			if bestClass < 0 || !(score >= params.ProbabilityThreshold) {
				continue
			}

			box := xf.RectToOriginal(RectFromCenter(field(0), field(1), field(2), field(3)))
			if !params.Unclipped {
				box = box.Clip(float32(xf.OriginalWidth), float32(xf.OriginalHeight))
			}
			objects = append(objects, ObjectDetection{
				Class:      bestClass,
				Confidence: score,
				Box:        box,
			})
		}
		all[b] = objects
	}
	return all, nil
}

// Returns the logical dimensions of the tensor, regardless of whether it is channel major.
// Rank 2 tensors are treated as having a batch size of 1.
func tensorDims(raw *RawTensor, strategy DecodeStrategy) (batch, anchors, rowWidth int, err error) {
	var d0, d1 int
	switch len(raw.Shape) {
	case 2:
		batch, d0, d1 = 1, raw.Shape[0], raw.Shape[1]
	case 3:
		batch, d0, d1 = raw.Shape[0], raw.Shape[1], raw.Shape[2]
	default:
		return 0, 0, 0, fmt.Errorf("%w: expected a tensor of rank 2 or 3, but shape is %v", ErrShapeMismatch, raw.Shape)
	}
	if batch <= 0 || d0 < 0 || d1 < 0 {
		return 0, 0, 0, fmt.Errorf("%w: invalid shape %v", ErrShapeMismatch, raw.Shape)
	}
	if strategy.ChannelMajor {
		return batch, d1, d0, nil
	}
	return batch, d0, d1, nil
}
