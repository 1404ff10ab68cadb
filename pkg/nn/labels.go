package nn

const UnknownLabel = "unknown"

// ObjectDetection is an object that a neural network has found in an image
type ObjectDetection struct {
	Class      int     `json:"class"`
	Confidence float32 `json:"confidence"`
	Box        Rect    `json:"box"`
}

// ClassLabels maps class indices to human readable names
type ClassLabels []string

// LabelFor returns the name of the class, or "unknown" if the class is out of range
func (c ClassLabels) LabelFor(class int) string {
	if class < 0 || class >= len(c) {
		return UnknownLabel
	}
	return c[class]
}
