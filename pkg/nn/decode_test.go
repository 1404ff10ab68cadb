package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

// Inverse of sigmoid, so that tests can be written in terms of probabilities
func logit(p float32) float32 {
	return float32(math.Log(float64(p) / (1 - float64(p))))
}

func flatten(rows [][]float32) []float32 {
	out := []float32{}
	for _, r := range rows {
		out = append(out, r...)
	}
	return out
}

func TestDecodeObjectness(t *testing.T) {
	rows := [][]float32{
		// Good detection of class 1
		{100, 100, 20, 40, logit(0.9), -5, logit(0.95), -5},
		// Objectness is tiny, so this must be rejected no matter how confident the classes are
		{200, 200, 20, 20, -10, 10, 10, 10},
		// Confident objectness, but no class is likely
		{300, 300, 20, 20, 10, -3, -3, -3},
	}
	raw := &RawTensor{
		Data:  flatten(rows),
		Shape: []int{1, 3, 8},
	}
	params := NewDetectionParams()
	objects, err := Decode(raw, 3, DecodeStrategy{Layout: LayoutObjectness}, params, IdentityResizeTransform(640, 640))
	require.NoError(t, err)
	require.Equal(t, 1, len(objects))
	require.Equal(t, 1, objects[0].Class)
	require.InDelta(t, 0.9*0.95, objects[0].Confidence, 1e-4)
	require.Equal(t, Rect{X: 90, Y: 80, Width: 20, Height: 40}, objects[0].Box)
}

func TestDecodeRejectsLowObjectness(t *testing.T) {
	// sigmoid(-10) is about 0.0000454
	require.InDelta(t, 0.0000454, sigmoid(-10), 1e-6)

	raw := &RawTensor{
		Data:  []float32{320, 320, 50, 50, -10, 100, 100},
		Shape: []int{1, 1, 7},
	}
	params := NewDetectionParams()
	params.ProbabilityThreshold = 0
	objects, err := Decode(raw, 2, DecodeStrategy{Layout: LayoutObjectness}, params, IdentityResizeTransform(640, 640))
	require.NoError(t, err)
	require.Empty(t, objects)

	// Lowering the objectness threshold lets it through
	params.ObjectnessThreshold = 0
	objects, err = Decode(raw, 2, DecodeStrategy{Layout: LayoutObjectness}, params, IdentityResizeTransform(640, 640))
	require.NoError(t, err)
	require.Equal(t, 1, len(objects))
}

func TestDecodePrefilteredChannelMajor(t *testing.T) {
	// Three anchors, two classes, stored as [batch, field, anchor]
	fields := [][]float32{
		{50, 200, 10}, // cx
		{50, 200, 10}, // cy
		{10, 20, 4},   // w
		{10, 20, 4},   // h
		{0.8, 0.2, 0.1},
		{0.1, 0.3, 0.7},
	}
	raw := &RawTensor{
		Data:  flatten(fields),
		Shape: []int{1, 6, 3},
	}
	strategy := DecodeStrategy{Layout: LayoutPrefiltered, ChannelMajor: true}
	objects, err := Decode(raw, 2, strategy, NewDetectionParams(), IdentityResizeTransform(640, 640))
	require.NoError(t, err)
	require.Equal(t, []ObjectDetection{
		{Class: 0, Confidence: 0.8, Box: Rect{X: 45, Y: 45, Width: 10, Height: 10}},
		{Class: 1, Confidence: 0.7, Box: Rect{X: 8, Y: 8, Width: 4, Height: 4}},
	}, objects)

	// The same data, read as row-major, has the wrong row width
	_, err = Decode(raw, 2, DecodeStrategy{Layout: LayoutPrefiltered}, NewDetectionParams(), IdentityResizeTransform(640, 640))
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDecodeLetterboxAndClip(t *testing.T) {
	xf, err := ComputeLetterbox(1280, 720, 640, 640)
	require.NoError(t, err)
	raw := &RawTensor{
		Data: []float32{
			320, 320, 100, 50, 0.9,
			// Extends into the top padding
			100, 150, 40, 40, 0.9,
		},
		Shape: []int{2, 5},
	}
	params := NewDetectionParams()
	objects, err := Decode(raw, 1, DecodeStrategy{Layout: LayoutPrefiltered}, params, xf)
	require.NoError(t, err)
	require.Equal(t, 2, len(objects))
	require.Equal(t, Rect{X: 540, Y: 310, Width: 200, Height: 100}, objects[0].Box)
	require.Equal(t, Rect{X: 160, Y: 0, Width: 80, Height: 60}, objects[1].Box)

	params.Unclipped = true
	objects, err = Decode(raw, 1, DecodeStrategy{Layout: LayoutPrefiltered}, params, xf)
	require.NoError(t, err)
	require.Equal(t, Rect{X: 160, Y: -20, Width: 80, Height: 80}, objects[1].Box)
}

func TestDecodeBatch(t *testing.T) {
	xf1 := IdentityResizeTransform(640, 640)
	xf2, err := ComputeLetterbox(1280, 720, 640, 640)
	require.NoError(t, err)
	raw := &RawTensor{
		Data: []float32{
			320, 320, 100, 50, 0.9, 0.1,
			320, 320, 100, 50, 0.1, 0.6,
		},
		Shape: []int{2, 1, 6},
	}
	batch, err := DecodeBatch(raw, 2, DecodeStrategy{Layout: LayoutPrefiltered}, NewDetectionParams(), []ResizeTransform{xf1, xf2})
	require.NoError(t, err)
	require.Equal(t, 2, len(batch))
	require.Equal(t, 0, batch[0][0].Class)
	require.Equal(t, Rect{X: 270, Y: 295, Width: 100, Height: 50}, batch[0][0].Box)
	require.Equal(t, 1, batch[1][0].Class)
	require.Equal(t, Rect{X: 540, Y: 310, Width: 200, Height: 100}, batch[1][0].Box)

	_, err = DecodeBatch(raw, 2, DecodeStrategy{Layout: LayoutPrefiltered}, NewDetectionParams(), []ResizeTransform{xf1})
	require.ErrorIs(t, err, ErrShapeMismatch)
}

func TestDecodeShapeMismatch(t *testing.T) {
	params := NewDetectionParams()
	xf := IdentityResizeTransform(640, 640)
	strategy := DecodeStrategy{Layout: LayoutObjectness}
	cases := []*RawTensor{
		// buffer too short
		{Data: make([]float32, 84), Shape: []int{1, 1, 85}},
		// buffer too long
		{Data: make([]float32, 86), Shape: []int{1, 1, 85}},
		// row width inconsistent with class count
		{Data: make([]float32, 84), Shape: []int{1, 1, 84}},
		// bad rank
		{Data: make([]float32, 85), Shape: []int{85}},
		{Data: make([]float32, 85), Shape: []int{1, 1, 1, 85}},
		{Data: make([]float32, 85), Shape: []int{0, 1, 85}},
	}
	for _, raw := range cases {
		_, err := Decode(raw, 80, strategy, params, xf)
		require.ErrorIs(t, err, ErrShapeMismatch, "shape %v", raw.Shape)
	}

	// An empty tensor is not an error
	objects, err := Decode(&RawTensor{Data: nil, Shape: []int{1, 0, 85}}, 80, strategy, params, xf)
	require.NoError(t, err)
	require.Empty(t, objects)
}

func TestDecodeInvalidThreshold(t *testing.T) {
	raw := &RawTensor{Data: make([]float32, 85), Shape: []int{1, 1, 85}}
	xf := IdentityResizeTransform(640, 640)
	for _, bad := range []float32{-0.1, 1.01, float32(math.NaN())} {
		params := NewDetectionParams()
		params.ProbabilityThreshold = bad
		_, err := Decode(raw, 80, DecodeStrategy{}, params, xf)
		require.ErrorIs(t, err, ErrInvalidThreshold)

		params = NewDetectionParams()
		params.ObjectnessThreshold = bad
		_, err = Decode(raw, 80, DecodeStrategy{}, params, xf)
		require.ErrorIs(t, err, ErrInvalidThreshold)
	}
}

func TestDecodeThresholdMonotonic(t *testing.T) {
	rng := rand.New(rand.NewSource(2))
	nClasses := 5
	nAnchors := 500
	data := make([]float32, 0, nAnchors*(5+nClasses))
	for i := 0; i < nAnchors; i++ {
		data = append(data, rng.Float32()*640, rng.Float32()*640, rng.Float32()*100, rng.Float32()*100)
		for j := 0; j < 1+nClasses; j++ {
			data = append(data, rng.Float32()*12-6)
		}
	}
	raw := &RawTensor{Data: data, Shape: []int{1, nAnchors, 5 + nClasses}}
	xf := IdentityResizeTransform(640, 640)

	params := NewDetectionParams()
	params.ObjectnessThreshold = 0.2
	last := nAnchors + 1
	for th := float32(0); th <= 1; th += 0.05 {
		params.ProbabilityThreshold = th
		objects, err := Decode(raw, nClasses, DecodeStrategy{}, params, xf)
		require.NoError(t, err)
		require.LessOrEqual(t, len(objects), last, "threshold %v", th)
		for _, o := range objects {
			require.GreaterOrEqual(t, o.Confidence, th)
		}
		last = len(objects)
	}
}

func TestParseTensorLayout(t *testing.T) {
	l, err := ParseTensorLayout("")
	require.NoError(t, err)
	require.Equal(t, LayoutObjectness, l)
	l, err = ParseTensorLayout("prefiltered")
	require.NoError(t, err)
	require.Equal(t, LayoutPrefiltered, l)
	require.Equal(t, "prefiltered", l.String())
	_, err = ParseTensorLayout("anchorless")
	require.Error(t, err)
}

func TestDecodeRejectsNaN(t *testing.T) {
	nan := float32(math.NaN())
	params := NewDetectionParams()
	params.ObjectnessThreshold = 0
	params.ProbabilityThreshold = 0
	xf := IdentityResizeTransform(640, 640)

	objectness := &RawTensor{
		Data: []float32{
			100, 100, 10, 10, nan, 5, 5,
			100, 100, 10, 10, 5, nan, nan,
			200, 200, 10, 10, 5, nan, 5,
		},
		Shape: []int{1, 3, 7},
	}
	objects, err := Decode(objectness, 2, DecodeStrategy{Layout: LayoutObjectness}, params, xf)
	require.NoError(t, err)
	require.Equal(t, 1, len(objects))
	require.Equal(t, 1, objects[0].Class)
	require.False(t, math.IsNaN(float64(objects[0].Confidence)))

	prefiltered := &RawTensor{
		Data:  []float32{100, 100, 10, 10, nan, nan},
		Shape: []int{1, 1, 6},
	}
	objects, err = Decode(prefiltered, 2, DecodeStrategy{Layout: LayoutPrefiltered}, params, xf)
	require.NoError(t, err)
	require.Empty(t, objects)
}
