package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/livedetect/pkg/imgprep"
	"github.com/cyclopcam/livedetect/pkg/labeltrack"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/overlay"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/livedetect/server/journal"
	"github.com/cyclopcam/livedetect/server/session"
	"github.com/cyclopcam/livedetect/server/streamer"
	"github.com/cyclopcam/logs"
	"github.com/gorilla/websocket"
)

// Server ties a detection session to its outer surfaces: the overlay canvas,
// the HTTP API, the websocket feed, and the sightings journal.
type Server struct {
	Log     logs.Log
	Config  *config.Config
	Session *session.Session
	Canvas  *overlay.Canvas
	Feed    *streamer.LiveFeed
	Journal *journal.Journal // nil if the journal is disabled

	wsUpgrader websocket.Upgrader
	httpServer *http.Server
	cancelRun  context.CancelFunc
	runDone    chan error
}

// SessionOptions translates the config into session options
func SessionOptions(cfg *config.Config) (session.Options, error) {
	options := session.DefaultOptions()
	options.Params = *cfg.DetectionParams()
	options.InputWidth = cfg.InputWidth
	options.InputHeight = cfg.InputHeight
	options.Layout = cfg.Layout
	options.ChannelMajor = cfg.ChannelMajor
	options.MinInferenceInterval = cfg.MinInferenceInterval()
	options.RenderInterval = cfg.RenderInterval()
	options.ErrorLogInterval = cfg.ErrorLogInterval()
	if cfg.LabelsFile != "" {
		labels, err := nn.LoadClassFile(cfg.LabelsFile)
		if err != nil {
			return options, fmt.Errorf("Failed to load labels file: %w", err)
		}
		options.Labels = labels
	}
	return options, nil
}

// NewServer creates the session and everything that listens to it.
// clk may be nil, in which case the real clock is used.
func NewServer(log logs.Log, clk clock.Clock, cfg *config.Config, loader session.ModelLoader, source session.FrameSource) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	options, err := SessionOptions(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		Log:    log,
		Config: cfg,
		Canvas: overlay.NewCanvas(1, 1),
		Feed:   streamer.NewLiveFeed(log),
	}
	options.Sinks = []labeltrack.Sink{s.Feed}

	if cfg.Journal != "" {
		s.Journal, err = journal.Open(log, cfg.Journal)
		if err != nil {
			return nil, err
		}
		options.ErrorReporters = append(options.ErrorReporters, s.Journal)
	}

	s.Session, err = session.New(log, clk, options, loader, source, imgprep.NewPreprocessor(), s.Canvas)
	if err != nil {
		s.closeJournal()
		return nil, err
	}
	s.Session.Subscribe(s.Feed.OnDetection)
	if s.Journal != nil {
		s.Session.Subscribe(s.Journal.OnDetection)
	}
	return s, nil
}

// StartSession loads the configured model (if any), and starts the render loop.
func (s *Server) StartSession(ctx context.Context) error {
	if s.Config.Model != "" {
		if err := s.Session.LoadModel(ctx, s.Config.Model); err != nil {
			return err
		}
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancelRun = cancel
	s.runDone = make(chan error, 1)
	go func() {
		s.runDone <- s.Session.Run(runCtx)
	}()
	return nil
}

// ListenHTTP serves the API until Shutdown is called.
// port example: ":8080"
func (s *Server) ListenHTTP(port string) error {
	s.httpServer = &http.Server{
		Addr:    port,
		Handler: s.SetupHTTP(),
	}
	s.Log.Infof("Listening on %v", port)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown stops the HTTP server and the session, and flushes the journal.
func (s *Server) Shutdown() {
	s.Log.Infof("Shutting down")
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.Log.Warnf("HTTP server shutdown: %v", err)
		}
		cancel()
	}
	s.Feed.Close()
	if s.cancelRun != nil {
		s.cancelRun()
		<-s.runDone
		s.cancelRun = nil
	}
	s.Session.Stop()

	if s.Config.SaveOverlay != "" {
		if err := s.Canvas.SavePNG(s.Config.SaveOverlay); err != nil {
			s.Log.Errorf("Failed to save overlay: %v", err)
		} else {
			s.Log.Infof("Saved overlay to %v", s.Config.SaveOverlay)
		}
	}
	s.closeJournal()
}

func (s *Server) closeJournal() {
	if s.Journal != nil {
		s.Journal.Close()
	}
}
