package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cyclopcam/livedetect/pkg/kibi"
	"github.com/cyclopcam/livedetect/pkg/nn"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config is the complete configuration of a livedetect server.
// It is loaded from a JSON file, on top of the values from Default().
type Config struct {
	// Detection
	ObjectnessThreshold float32 `json:"objectnessThreshold"` // Anchors with a lower objectness are rejected before their classes are scanned
	ScoreThreshold      float32 `json:"scoreThreshold"`      // Minimum objectness * class score
	IouThreshold        float32 `json:"iouThreshold"`        // NMS IoU threshold
	ClassAwareNms       bool    `json:"classAwareNms"`       // Only suppress overlapping boxes of the same class
	Unclipped           bool    `json:"unclipped"`           // Don't clip boxes to the image
	Layout              string  `json:"layout"`              // Overrides the model's tensor layout ("objectness" or "prefiltered")
	ChannelMajor        *bool   `json:"channelMajor"`        // Overrides the model's channelMajor flag

	// Model
	InputWidth   int    `json:"inputWidth"`   // NN input width. 0 = use the model's size.
	InputHeight  int    `json:"inputHeight"`  // NN input height. 0 = use the model's size.
	Model        string `json:"model"`        // Model name (eg "yolov8n_640_640"), or path to an .onnx file
	ModelDir     string `json:"modelDir"`     // Directory where models are stored
	ModelBaseURL string `json:"modelBaseURL"` // If not empty, missing models are downloaded from here
	LabelsFile   string `json:"labelsFile"`   // Optional text file of class names, one per line. Overrides the model's classes.
	OnnxLibrary  string `json:"onnxLibrary"`  // Path to the ONNX Runtime shared library
	Threads      int    `json:"threads"`      // ONNX Runtime intra-op threads (0 = automatic)

	// Pacing
	MinInferenceIntervalMs int `json:"minInferenceIntervalMs"` // Minimum time between the start of two inference calls
	RenderIntervalMs       int `json:"renderIntervalMs"`       // Time between render ticks
	ErrorLogIntervalMs     int `json:"errorLogIntervalMs"`     // Repeated errors are logged at most this often

	// Outer surfaces
	Source        string `json:"source"`        // Image file, or directory of frames
	SourceFPS     int    `json:"sourceFPS"`     // Playback rate of a directory of frames (0 = one frame per tick)
	Listen        string `json:"listen"`        // HTTP listen address
	Journal       string `json:"journal"`       // SQLite file for the sightings journal. Empty = disabled.
	SaveOverlay   string `json:"saveOverlay"`   // If not empty, the overlay image is written here when the server exits
	RateLimitHits int    `json:"rateLimitHits"` // Per-IP requests per minute on mutating API endpoints
	MaxUploadSize string `json:"maxUploadSize"` // Largest image accepted by /api/detect, eg "32 MB"
}

func Default() *Config {
	return &Config{
		ObjectnessThreshold:    nn.DefaultObjectnessThreshold,
		ScoreThreshold:         nn.DefaultProbabilityThreshold,
		IouThreshold:           nn.DefaultNmsIouThreshold,
		ModelDir:               "models",
		MinInferenceIntervalMs: 80,
		RenderIntervalMs:       16,
		ErrorLogIntervalMs:     15000,
		Listen:                 ":8080",
		RateLimitHits:          60,
		MaxUploadSize:          "32 MB",
	}
}

// Load a config file. If filename is empty, the defaults are returned.
func Load(filename string) (*Config, error) {
	cfg := Default()
	if filename == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("Error loading %v: %w", filename, err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("Error loading as JSON %v: %w", filename, err)
	}
	return cfg, nil
}

// Validate fails on the first invalid value. Values are never clamped.
func (c *Config) Validate() error {
	if err := c.DetectionParams().Validate(); err != nil {
		return err
	}
	if _, err := nn.ParseTensorLayout(c.Layout); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if c.InputWidth < 0 || c.InputHeight < 0 || (c.InputWidth == 0) != (c.InputHeight == 0) {
		return fmt.Errorf("%w: inputWidth and inputHeight must both be positive, or both be zero (%v x %v)", ErrInvalidConfig, c.InputWidth, c.InputHeight)
	}
	if c.MinInferenceIntervalMs < 0 {
		return fmt.Errorf("%w: minInferenceIntervalMs is %v", ErrInvalidConfig, c.MinInferenceIntervalMs)
	}
	if c.RenderIntervalMs <= 0 {
		return fmt.Errorf("%w: renderIntervalMs must be positive, but is %v", ErrInvalidConfig, c.RenderIntervalMs)
	}
	if c.ErrorLogIntervalMs < 0 {
		return fmt.Errorf("%w: errorLogIntervalMs is %v", ErrInvalidConfig, c.ErrorLogIntervalMs)
	}
	if c.SourceFPS < 0 {
		return fmt.Errorf("%w: sourceFPS is %v", ErrInvalidConfig, c.SourceFPS)
	}
	if c.RateLimitHits <= 0 {
		return fmt.Errorf("%w: rateLimitHits must be positive, but is %v", ErrInvalidConfig, c.RateLimitHits)
	}
	if n, err := kibi.ParseBytes(c.MaxUploadSize); err != nil || n <= 0 {
		return fmt.Errorf("%w: maxUploadSize '%v' is not a positive byte size", ErrInvalidConfig, c.MaxUploadSize)
	}
	return nil
}

func (c *Config) DetectionParams() *nn.DetectionParams {
	return &nn.DetectionParams{
		ObjectnessThreshold:  c.ObjectnessThreshold,
		ProbabilityThreshold: c.ScoreThreshold,
		NmsIouThreshold:      c.IouThreshold,
		ClassAwareNms:        c.ClassAwareNms,
		Unclipped:            c.Unclipped,
	}
}

// MaxUploadBytes is MaxUploadSize in bytes. Call Validate first.
func (c *Config) MaxUploadBytes() int64 {
	n, _ := kibi.ParseBytes(c.MaxUploadSize)
	return n
}

func (c *Config) MinInferenceInterval() time.Duration {
	return time.Duration(c.MinInferenceIntervalMs) * time.Millisecond
}

func (c *Config) RenderInterval() time.Duration {
	return time.Duration(c.RenderIntervalMs) * time.Millisecond
}

func (c *Config) ErrorLogInterval() time.Duration {
	return time.Duration(c.ErrorLogIntervalMs) * time.Millisecond
}

func (c *Config) SourceFrameInterval() time.Duration {
	if c.SourceFPS == 0 {
		return 0
	}
	return time.Second / time.Duration(c.SourceFPS)
}
