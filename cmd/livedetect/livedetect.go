package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akamensky/argparse"
	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/daemon"
	"github.com/cyclopcam/livedetect/pkg/buildinfo"
	"github.com/cyclopcam/livedetect/pkg/framesource"
	"github.com/cyclopcam/livedetect/pkg/nnload"
	"github.com/cyclopcam/livedetect/pkg/onnxmodel"
	"github.com/cyclopcam/livedetect/server"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/logs"
)

func main() {
	parser := argparse.NewParser("livedetect", "Live object detection over a frame source")
	configFile := parser.String("c", "config", &argparse.Options{Help: "JSON configuration file", Default: ""})
	source := parser.String("s", "source", &argparse.Options{Help: "Image file, or directory of frames (overrides config)", Default: ""})
	model := parser.String("m", "model", &argparse.Options{Help: "Model name or .onnx file (overrides config)", Default: ""})
	listen := parser.String("", "listen", &argparse.Options{Help: "HTTP listen address (overrides config)", Default: ""})
	onnxLib := parser.String("", "onnxlib", &argparse.Options{Help: "Path to the ONNX Runtime shared library (overrides config)", Default: ""})
	err := parser.Parse(os.Args)
	if err != nil {
		fmt.Print(parser.Usage(err))
		os.Exit(1)
	}

	logger, err := logs.NewLog()
	if err != nil {
		fmt.Printf("Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Infof("livedetect %v", buildinfo.Version)

	cfg, err := config.Load(*configFile)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if *source != "" {
		cfg.Source = *source
	}
	if *model != "" {
		cfg.Model = *model
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *onnxLib != "" {
		cfg.OnnxLibrary = *onnxLib
	}
	if err := cfg.Validate(); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if cfg.Source == "" {
		logger.Errorf("No frame source. Use --source, or set 'source' in the config file")
		os.Exit(1)
	}

	if err := onnxmodel.InitializeRuntime(cfg.OnnxLibrary); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	defer onnxmodel.DestroyRuntime()

	clk := clock.New()
	frames, err := framesource.Open(clk, cfg.Source, cfg.SourceFrameInterval())
	if err != nil {
		logger.Errorf("Failed to open frame source: %v", err)
		os.Exit(1)
	}

	options := onnxmodel.DefaultOptions()
	options.Threads = cfg.Threads
	loader := &nnload.Loader{
		Log:      logger,
		ModelDir: cfg.ModelDir,
		BaseUrl:  cfg.ModelBaseURL,
		Options:  options,
	}

	srv, err := server.NewServer(logger, clk, cfg, loader, frames)
	if err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
	if err := srv.StartSession(context.Background()); err != nil {
		logger.Errorf("Failed to start session: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}

	shutdownComplete := make(chan struct{})
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		logger.Infof("Received signal %v", sig)
		srv.Shutdown()
		close(shutdownComplete)
	}()

	// Tell systemd that we're alive
	daemon.SdNotify(false, daemon.SdNotifyReady)

	if err := srv.ListenHTTP(cfg.Listen); err != nil {
		logger.Errorf("ListenHTTP returned: %v", err)
		srv.Shutdown()
		os.Exit(1)
	}
	<-shutdownComplete
	logger.Infof("Final stats: %v", srv.Session.Stats())
}
