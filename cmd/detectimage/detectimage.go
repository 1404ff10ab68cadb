package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/akamensky/argparse"
	"github.com/cyclopcam/livedetect/pkg/framesource"
	"github.com/cyclopcam/livedetect/pkg/imgprep"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/nnload"
	"github.com/cyclopcam/livedetect/pkg/onnxmodel"
	"github.com/cyclopcam/livedetect/pkg/overlay"
	"github.com/cyclopcam/livedetect/pkg/perfstats"
	"github.com/cyclopcam/livedetect/server"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/livedetect/server/session"
	"github.com/cyclopcam/logs"
)

func check(err error) {
	if err != nil {
		panic(err)
	}
}

type labeledObject struct {
	nn.ObjectDetection
	Label string `json:"label"`
}

func main() {
	parser := argparse.NewParser("detectimage", "Detect objects in a still image")
	input := parser.String("i", "input", &argparse.Options{Help: "Input image file", Required: true})
	output := parser.String("o", "output", &argparse.Options{Help: "Output JSON file (default stdout)", Default: ""})
	annotated := parser.String("", "png", &argparse.Options{Help: "Write the image with detections drawn on it to this PNG file", Default: ""})
	modelName := parser.String("n", "model", &argparse.Options{Help: "Model name or .onnx file", Default: ""})
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	repeat := parser.Int("r", "repeat", &argparse.Options{Help: "Run detection this many times, and report the average time", Default: 1})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, _ := logs.NewLog()

	cfg, err := config.Load(*configFile)
	check(err)
	if *modelName != "" {
		cfg.Model = *modelName
	}
	check(cfg.Validate())
	if cfg.Model == "" {
		fmt.Printf("No model specified\n")
		os.Exit(1)
	}

	check(onnxmodel.InitializeRuntime(cfg.OnnxLibrary))
	defer onnxmodel.DestroyRuntime()

	still, err := framesource.OpenStill(*input)
	check(err)
	img, err := still.AcquireFrame()
	check(err)

	options, err := server.SessionOptions(cfg)
	check(err)
	modelOptions := onnxmodel.DefaultOptions()
	modelOptions.Threads = cfg.Threads
	loader := &nnload.Loader{Log: logger, ModelDir: cfg.ModelDir, BaseUrl: cfg.ModelBaseURL, Options: modelOptions}
	sess, err := session.New(logger, nil, options, loader, still, imgprep.NewPreprocessor(), overlay.NewCanvas(1, 1))
	check(err)
	defer sess.Stop()
	check(sess.LoadModel(context.Background(), cfg.Model))

	timing := perfstats.TimeAccumulator{}
	var result *nn.DetectionResult
	for i := 0; i < max(*repeat, 1); i++ {
		start := time.Now()
		result, err = sess.DetectImage(context.Background(), img)
		check(err)
		timing.AddSample(time.Since(start))
	}
	if *repeat > 1 {
		logger.Infof("Average detection time over %v runs: %v", *repeat, timing.Average())
	}

	labels := sess.Labels()
	objects := make([]labeledObject, len(result.Objects))
	for i, o := range result.Objects {
		objects[i] = labeledObject{ObjectDetection: o, Label: labels.LabelFor(o.Class)}
	}

	out := os.Stdout
	if *output != "" {
		out, err = os.Create(*output)
		check(err)
		defer out.Close()
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	check(encoder.Encode(objects))

	if *annotated != "" {
		check(overlay.DrawDetections(img, result.Objects, labels).SavePNG(*annotated))
	}
}
