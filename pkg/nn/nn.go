package nn

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Package nn is the detection post-processing layer.
// It turns raw NN output tensors into labeled boxes in original image coordinates.
// To load a model, use the nnload package.

const DefaultObjectnessThreshold = 0.5
const DefaultProbabilityThreshold = 0.5
const DefaultNmsIouThreshold = 0.5

var ErrInvalidThreshold = errors.New("threshold must be between 0 and 1")

// Results of an NN object detection run.
// A DetectionResult is never modified after it has been published. A new inference
// cycle produces a new DetectionResult.
type DetectionResult struct {
	Sequence    int64             `json:"sequence"` // Incremented for every completed inference cycle
	ImageWidth  int               `json:"imageWidth"`
	ImageHeight int               `json:"imageHeight"`
	Objects     []ObjectDetection `json:"objects"`
	FramePTS    time.Time         `json:"framePTS"`    // When the frame was acquired
	CompletedAt time.Time         `json:"completedAt"` // When post-processing finished
}

// NN object detection parameters
type DetectionParams struct {
	ObjectnessThreshold  float32 // Value between 0 and 1. Anchors with a lower objectness are rejected before their classes are scanned.
	ProbabilityThreshold float32 // Value between 0 and 1. Lower values will find more objects.
	NmsIouThreshold      float32 // Value between 0 and 1. Lower values will merge more objects together into one.
	ClassAwareNms        bool    // If true, only boxes of the same class suppress each other
	Unclipped            bool    // If true, don't clip boxes to the original image boundaries
}

// Create a default DetectionParams object
func NewDetectionParams() *DetectionParams {
	return &DetectionParams{
		ObjectnessThreshold:  DefaultObjectnessThreshold,
		ProbabilityThreshold: DefaultProbabilityThreshold,
		NmsIouThreshold:      DefaultNmsIouThreshold,
		ClassAwareNms:        false,
		Unclipped:            false,
	}
}

// Validate returns ErrInvalidThreshold if any threshold is outside [0,1].
// Thresholds are never clamped.
func (p *DetectionParams) Validate() error {
	if err := validateThreshold("objectness", p.ObjectnessThreshold); err != nil {
		return err
	}
	if err := validateThreshold("probability", p.ProbabilityThreshold); err != nil {
		return err
	}
	return validateThreshold("NMS IoU", p.NmsIouThreshold)
}

func validateThreshold(name string, v float32) error {
	// Written this way so that NaN fails too
	if !(v >= 0 && v <= 1) {
		return fmt.Errorf("%w: %v threshold is %v", ErrInvalidThreshold, name, v)
	}
	return nil
}

// Model runs inference on a prepared NN input image, and returns the raw output tensor.
// Implementations must be safe to call from a goroutine other than the one that created them,
// but callers guarantee that at most one Infer call is outstanding at a time.
type Model interface {
	// Close releases the model (you MUST call this when finished, because there is usually a C++ object underneath)
	Close()

	// Infer runs the model on a planar RGB float32 image of size Config().Width x Config().Height.
	// The returned tensor is owned by the caller.
	Infer(ctx context.Context, input []float32) (*RawTensor, error)

	// Model Config.
	// Callers assume that ModelConfig will remain constant, so don't change it
	// once the model has been created.
	Config() *ModelConfig
}

// ModelConfig is saved in a JSON file along with the weights of the NN model
type ModelConfig struct {
	Architecture string   `json:"architecture"`           // eg "yolov8"
	Width        int      `json:"width"`                  // eg 640
	Height       int      `json:"height"`                 // eg 640
	Classes      []string `json:"classes"`                // eg ["person", "bicycle", "car", ...]
	Layout       string   `json:"layout,omitempty"`       // "objectness" (default) or "prefiltered"
	ChannelMajor bool     `json:"channelMajor,omitempty"` // Output is [batch, rowWidth, anchors] instead of [batch, anchors, rowWidth]
	OutputShape  []int    `json:"outputShape,omitempty"`  // eg [1, 8400, 85]
}

// DecodeStrategy returns the tensor decoding strategy described by the config
func (c *ModelConfig) DecodeStrategy() (DecodeStrategy, error) {
	layout, err := ParseTensorLayout(c.Layout)
	if err != nil {
		return DecodeStrategy{}, err
	}
	return DecodeStrategy{
		Layout:       layout,
		ChannelMajor: c.ChannelMajor,
	}, nil
}

// Load model config from a JSON file
func LoadModelConfig(filename string) (*ModelConfig, error) {
	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	config := &ModelConfig{}
	err = json.Unmarshal(b, config)
	if err != nil {
		return nil, fmt.Errorf("Error decoding model config %v: %w", filename, err)
	}
	if config.Width <= 0 || config.Height <= 0 {
		return nil, fmt.Errorf("%w: model config %v has size %vx%v", ErrInvalidDimensions, filename, config.Width, config.Height)
	}
	return config, nil
}

// Load a text file with class names on each line
func LoadClassFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	classes := []string{}
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			classes = append(classes, line)
		}
	}
	return classes, scanner.Err()
}
