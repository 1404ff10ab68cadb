package nnload

// Package nnload wraps up our 'nn' interface layer, and has concrete references to our
// neural network runtime (ONNX Runtime), so that you can just call one function to
// load a model, and not need to know about the implementation details.

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/cyclopcam/livedetect/pkg/kibi"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/onnxmodel"
	"github.com/cyclopcam/logs"
)

// Extensions of the weights files that we know how to load, in order of preference
var weightExtensions = []string{".onnx"}

// Returns the number of bytes downloaded
func downloadFile(ctx context.Context, srcUrl, targetFile string) (int64, error) {
	tempFile := targetFile + ".tmp"
	if err := os.MkdirAll(filepath.Dir(targetFile), 0755); err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, "GET", srcUrl, nil)
	if err != nil {
		return 0, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		return 0, fmt.Errorf("HTTP error %v", resp.Status)
	}
	file, err := os.Create(tempFile)
	if err != nil {
		return 0, err
	}
	defer file.Close()
	n, err := io.Copy(file, resp.Body)
	if err != nil {
		os.Remove(tempFile)
		return 0, err
	}
	file.Close()
	return n, os.Rename(tempFile, targetFile)
}

// ModelFiles returns the files that make up a model, eg ["yolov8s_640_640.json", "yolov8s_640_640.onnx"]
func ModelFiles(modelName string) []string {
	files := []string{modelName + ".json"}
	for _, ext := range weightExtensions {
		files = append(files, modelName+ext)
	}
	return files
}

// ModelStub returns the canonical name of a model at a particular input resolution
func ModelStub(modelName string, width, height int) string {
	// eg "yolov8m_320_256"
	return fmt.Sprintf("%v_%v_%v", modelName, width, height)
}

// If the model files are not yet downloaded, then download them now.
// Returns immediately if the files are already downloaded.
// If baseUrl is empty, then missing files are an error.
func DownloadModel(ctx context.Context, logs logs.Log, modelDir, baseUrl, modelName string) error {
	for _, file := range ModelFiles(modelName) {
		diskPath := filepath.Join(modelDir, file)
		if _, err := os.Stat(diskPath); os.IsNotExist(err) {
			if baseUrl == "" {
				return fmt.Errorf("Model file %v not found, and no download URL is configured", diskPath)
			}
			networkUrl := strings.TrimSuffix(baseUrl, "/") + "/" + file
			logs.Infof("Downloading %v to %v", networkUrl, diskPath)
			n, err := downloadFile(ctx, networkUrl, diskPath)
			if err != nil {
				return fmt.Errorf("Download of %v failed: %w", networkUrl, err)
			}
			logs.Infof("Downloaded %v (%v)", file, kibi.FormatBytes(n))
		} else if err != nil {
			return err
		}
	}
	return nil
}

// LoadModel loads a neural network from disk, downloading it first if necessary.
// modelName is the base filename, without the extensions (eg "yolov8s_640_640").
// A path to an .onnx file is also accepted, in which case the config must sit beside it.
func LoadModel(ctx context.Context, logs logs.Log, modelDir, baseUrl, modelName string, options onnxmodel.Options) (nn.Model, error) {
	if ext := filepath.Ext(modelName); ext == ".onnx" {
		modelDir = filepath.Dir(modelName)
		modelName = strings.TrimSuffix(filepath.Base(modelName), ext)
		baseUrl = ""
	}

	if err := DownloadModel(ctx, logs, modelDir, baseUrl, modelName); err != nil {
		return nil, err
	}

	fullPathBase := filepath.Join(modelDir, modelName)
	config, err := nn.LoadModelConfig(fullPathBase + ".json")
	if err != nil {
		return nil, err
	}
	if len(config.Classes) == 0 {
		config.Classes = nn.COCOClasses
	}

	if _, err := os.Stat(fullPathBase + ".onnx"); err == nil {
		logs.Infof("Loading ONNX model %v (%vx%v, %v classes)", fullPathBase+".onnx", config.Width, config.Height, len(config.Classes))
		return onnxmodel.Load(fullPathBase+".onnx", config, options)
	}
	return nil, fmt.Errorf("Unrecognized NN model type %v", fullPathBase)
}

// Loader resolves model names for a detection session
type Loader struct {
	Log      logs.Log
	ModelDir string
	BaseUrl  string
	Options  onnxmodel.Options
}

func (l *Loader) Load(ctx context.Context, modelName string) (nn.Model, error) {
	return LoadModel(ctx, l.Log, l.ModelDir, l.BaseUrl, modelName, l.Options)
}
