package nn

import (
	"fmt"
	"slices"

	flatbush "github.com/bmharper/flatbush-go"
)

// NMS performs greedy Non-Maximum Suppression.
// Detections are visited in order of descending confidence (ties keep their input order),
// and every later detection whose IoU with a kept detection exceeds iouThreshold is dropped.
// If classAware is true, only detections of the same class suppress each other.
// The result is a new slice, sorted by descending confidence. The input is not modified.
func NMS(input []ObjectDetection, iouThreshold float32, classAware bool) ([]ObjectDetection, error) {
	if err := validateThreshold("NMS IoU", iouThreshold); err != nil {
		return nil, err
	}
	if len(input) == 0 {
		return []ObjectDetection{}, nil
	}

	sorted := slices.Clone(input)
	slices.SortStableFunc(sorted, func(a, b ObjectDetection) int {
		if a.Confidence > b.Confidence {
			return -1
		} else if a.Confidence < b.Confidence {
			return 1
		}
		return 0
	})

	// Create spatial index to avoid O(N^2) comparisons
	fb := flatbush.NewFlatbush[int32]()
	fb.Reserve(len(sorted))
	for _, d := range sorted {
		fb.Add(d.Box.outerBounds())
	}
	fb.Finish()

	suppressed := make([]bool, len(sorted))
	keep := make([]ObjectDetection, 0, len(sorted))
	nearby := []int{}
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		a := &sorted[i]
		keep = append(keep, *a)
		x1, y1, x2, y2 := a.Box.outerBounds()
		nearby = fb.SearchFast(x1, y1, x2, y2, nearby[:0])
		for _, j := range nearby {
			// Anything before i has already been kept or suppressed
			if j <= i || suppressed[j] {
				continue
			}
			if classAware && sorted[j].Class != a.Class {
				continue
			}
			if a.Box.IOU(sorted[j].Box) > iouThreshold {
				suppressed[j] = true
			}
		}
	}
	return keep, nil
}

// PostProcess decodes a single-image tensor and runs NMS on the result
func PostProcess(raw *RawTensor, numClasses int, strategy DecodeStrategy, params *DetectionParams, xform ResizeTransform) ([]ObjectDetection, error) {
	candidates, err := Decode(raw, numClasses, strategy, params, xform)
	if err != nil {
		return nil, err
	}
	objects, err := NMS(candidates, params.NmsIouThreshold, params.ClassAwareNms)
	if err != nil {
		return nil, fmt.Errorf("NMS: %w", err)
	}
	return objects, nil
}
