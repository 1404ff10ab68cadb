// Package onnxmodel runs object detection models with ONNX Runtime
package onnxmodel

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/cyclopcam/livedetect/pkg/buildinfo"
	"github.com/cyclopcam/livedetect/pkg/nn"
	ort "github.com/yalue/onnxruntime_go"
)

var ErrRuntimeNotInitialized = errors.New("ONNX runtime has not been initialized")

var (
	runtimeLock        sync.Mutex
	runtimeInitialized bool
)

// Name of the shared library inside the Debian multiarch directory
const packagedLibraryName = "libonnxruntime.so"

// DefaultLibraryPath returns the packaged ONNX Runtime library, if it exists.
// Otherwise it returns an empty string, and the platform default library name is used.
func DefaultLibraryPath() string {
	dir := buildinfo.LibraryDir()
	if dir == "" {
		return ""
	}
	p := filepath.Join(dir, packagedLibraryName)
	if _, err := os.Stat(p); err != nil {
		return ""
	}
	return p
}

// InitializeRuntime loads the ONNX Runtime shared library.
// If libPath is empty, DefaultLibraryPath is tried first.
func InitializeRuntime(libPath string) error {
	runtimeLock.Lock()
	defer runtimeLock.Unlock()
	if runtimeInitialized {
		return nil
	}
	if libPath == "" {
		libPath = DefaultLibraryPath()
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("Failed to initialize ONNX runtime: %w", err)
	}
	runtimeInitialized = true
	return nil
}

// DestroyRuntime releases the ONNX Runtime environment. All models must be closed first.
func DestroyRuntime() error {
	runtimeLock.Lock()
	defer runtimeLock.Unlock()
	if !runtimeInitialized {
		return nil
	}
	runtimeInitialized = false
	return ort.DestroyEnvironment()
}

type Options struct {
	InputName  string // Default "images"
	OutputName string // Default "output0"
	Threads    int    // Intra-op threads. 0 lets ONNX Runtime decide.
}

func DefaultOptions() Options {
	return Options{
		InputName:  "images",
		OutputName: "output0",
	}
}

// Model is an nn.Model backed by an ONNX Runtime session
type Model struct {
	config      nn.ModelConfig
	outputShape []int

	lock    sync.Mutex // Guards the session and its tensors. ONNX Runtime sessions are bound to their I/O tensors.
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
}

func validateConfig(config *nn.ModelConfig) error {
	if config.Width <= 0 || config.Height <= 0 {
		return fmt.Errorf("%w: model input size is %vx%v", nn.ErrInvalidDimensions, config.Width, config.Height)
	}
	if len(config.OutputShape) == 0 {
		return fmt.Errorf("%w: model config has no outputShape", nn.ErrShapeMismatch)
	}
	for _, d := range config.OutputShape {
		if d <= 0 {
			return fmt.Errorf("%w: invalid outputShape %v", nn.ErrShapeMismatch, config.OutputShape)
		}
	}
	return nil
}

// Load an ONNX model file
func Load(filename string, config *nn.ModelConfig, options Options) (*Model, error) {
	if err := validateConfig(config); err != nil {
		return nil, err
	}
	runtimeLock.Lock()
	initialized := runtimeInitialized
	runtimeLock.Unlock()
	if !initialized {
		return nil, ErrRuntimeNotInitialized
	}

	defaults := DefaultOptions()
	if options.InputName == "" {
		options.InputName = defaults.InputName
	}
	if options.OutputName == "" {
		options.OutputName = defaults.OutputName
	}

	inputShape := ort.NewShape(1, 3, int64(config.Height), int64(config.Width))
	input, err := ort.NewEmptyTensor[float32](inputShape)
	if err != nil {
		return nil, fmt.Errorf("Failed to create input tensor: %w", err)
	}
	dims := make([]int64, len(config.OutputShape))
	for i, d := range config.OutputShape {
		dims[i] = int64(d)
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(dims...))
	if err != nil {
		input.Destroy()
		return nil, fmt.Errorf("Failed to create output tensor: %w", err)
	}

	sessionOptions, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer sessionOptions.Destroy()
	if options.Threads > 0 {
		sessionOptions.SetIntraOpNumThreads(options.Threads)
	}

	session, err := ort.NewAdvancedSession(filename,
		[]string{options.InputName},
		[]string{options.OutputName},
		[]ort.ArbitraryTensor{input},
		[]ort.ArbitraryTensor{output},
		sessionOptions)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, fmt.Errorf("Failed to load ONNX model %v: %w", filename, err)
	}

	m := &Model{
		config:      *config,
		outputShape: slices.Clone(config.OutputShape),
		session:     session,
		input:       input,
		output:      output,
	}
	m.config.Classes = slices.Clone(config.Classes)
	m.config.OutputShape = m.outputShape
	return m, nil
}

func (m *Model) Close() {
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.session != nil {
		m.session.Destroy()
		m.input.Destroy()
		m.output.Destroy()
		m.session = nil
		m.input = nil
		m.output = nil
	}
}

func (m *Model) Config() *nn.ModelConfig {
	return &m.config
}

// Infer runs the model. The returned tensor is a copy, so it remains valid after the next call.
func (m *Model) Infer(ctx context.Context, input []float32) (*nn.RawTensor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.lock.Lock()
	defer m.lock.Unlock()
	if m.session == nil {
		return nil, errors.New("Model is closed")
	}
	dst := m.input.GetData()
	if len(input) != len(dst) {
		return nil, fmt.Errorf("%w: input has %v elements, but model needs %v", nn.ErrShapeMismatch, len(input), len(dst))
	}
	copy(dst, input)
	if err := m.session.Run(); err != nil {
		return nil, err
	}
	return &nn.RawTensor{
		Data:  slices.Clone(m.output.GetData()),
		Shape: slices.Clone(m.outputShape),
	}, nil
}
