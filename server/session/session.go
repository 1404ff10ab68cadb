// Package session runs live object detection over a stream of frames.
//
// A Session renders every tick, but runs inference at most once per minimum interval,
// and never has more than one inference call outstanding. While an inference call is
// in flight, each render tick redraws the current frame with the most recent completed
// detection result.
package session

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cyclopcam/livedetect/pkg/labeltrack"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/perfstats"
	"github.com/cyclopcam/logs"
)

var (
	ErrInferenceFailure = errors.New("inference failed")
	ErrNotReady         = errors.New("no model is loaded")
	ErrBusy             = errors.New("an inference call is already in flight")
	ErrStopped          = errors.New("session is stopped")
)

type State int

const (
	StateIdle      State = iota // No model loaded
	StateLoading                // A model is being loaded
	StateReady                  // Model loaded, no inference in flight
	StateInferring              // One inference call is outstanding
	StateStopped                // Terminal
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateInferring:
		return "inferring"
	case StateStopped:
		return "stopped"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ModelLoader resolves a model name into a loaded model
type ModelLoader interface {
	Load(ctx context.Context, name string) (nn.Model, error)
}

// FrameSource produces the current camera frame
type FrameSource interface {
	AcquireFrame() (image.Image, error)
}

// Preprocessor converts a frame into the NN input tensor
type Preprocessor interface {
	Prepare(img image.Image, xform nn.ResizeTransform) ([]float32, error)
}

// RenderSink draws the detection overlay
type RenderSink interface {
	ClearOverlay()
	DrawBox(box nn.Rect, label string, score float32)
}

// FrameDrawer is implemented by render sinks that also draw the frame underneath the overlay
type FrameDrawer interface {
	DrawFrame(img image.Image)
}

// ErrorReporter receives post-processing errors, such as a tensor shape mismatch
type ErrorReporter interface {
	ReportError(err error)
}

// Subscriber is called after every published detection result, in the same order as the
// tracker's sinks see the changes.
// When a model switch or Stop retracts all labels, it is called with a nil result.
// It must not block, and must not call Stop or LoadModel.
type Subscriber func(result *nn.DetectionResult, changes []labeltrack.Change)

type Options struct {
	Params               nn.DetectionParams
	InputWidth           int            // If not zero, the model's input width must match this
	InputHeight          int            // If not zero, the model's input height must match this
	Layout               string         // If not empty, overrides the model's tensor layout
	ChannelMajor         *bool          // If not nil, overrides the model's channelMajor flag
	Labels               nn.ClassLabels // If not nil, overrides the model's class names
	MinInferenceInterval time.Duration  // Minimum time between the start of two inference calls
	RenderInterval       time.Duration  // Time between ticks in Run()
	ErrorLogInterval     time.Duration  // Repeated errors of the same kind are logged at most this often
	Sinks                []labeltrack.Sink
	ErrorReporters       []ErrorReporter // Receive post-processing errors, in addition to sinks that implement ErrorReporter
}

func DefaultOptions() Options {
	return Options{
		Params:               *nn.NewDetectionParams(),
		MinInferenceInterval: 80 * time.Millisecond,
		RenderInterval:       16 * time.Millisecond,
		ErrorLogInterval:     15 * time.Second,
	}
}

// The result of one asynchronous inference call, delivered back to the loop goroutine
type inferenceResult struct {
	model    nn.Model
	xform    nn.ResizeTransform
	framePTS time.Time
	raw      *nn.RawTensor
	err      error
}

// Session owns a model and schedules inference over frames from a FrameSource.
// Tick/Run must be called from a single goroutine (the loop goroutine).
// All other methods are safe to call from any goroutine.
type Session struct {
	Log logs.Log

	clock   clock.Clock
	options Options
	loader  ModelLoader
	source  FrameSource
	prep    Preprocessor
	render  RenderSink
	stats   perfstats.PipelineStats

	stopped   atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	inferDone chan inferenceResult

	trackerLock sync.Mutex // Taken before lock when both are held; serializes tracker changes with subscriber calls
	tracker     *labeltrack.Tracker

	lock           sync.Mutex
	model          nn.Model
	modelName      string
	strategy       nn.DecodeStrategy
	labels         nn.ClassLabels
	loading        bool
	pending        bool       // An inference has started, and its result has not yet been applied
	inFlight       bool       // A goroutine is using a model
	retired        []nn.Model // Replaced models that must be closed once inFlight is false
	lastInferStart time.Time
	latest         *nn.DetectionResult
	sequence       int64
	subscribers    map[int]Subscriber
	nextSubscriber int
	lastErrAt      map[string]time.Time
}

func New(log logs.Log, clk clock.Clock, options Options, loader ModelLoader, source FrameSource, prep Preprocessor, render RenderSink) (*Session, error) {
	if err := options.Params.Validate(); err != nil {
		return nil, err
	}
	if options.Layout != "" {
		if _, err := nn.ParseTensorLayout(options.Layout); err != nil {
			return nil, err
		}
	}
	if options.MinInferenceInterval < 0 || options.RenderInterval <= 0 {
		return nil, fmt.Errorf("Invalid session intervals (inference %v, render %v)", options.MinInferenceInterval, options.RenderInterval)
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		Log:         log,
		clock:       clk,
		options:     options,
		loader:      loader,
		source:      source,
		prep:        prep,
		render:      render,
		stopCh:      make(chan struct{}),
		inferDone:   make(chan inferenceResult, 1),
		tracker:     labeltrack.NewTracker(options.Labels, options.Sinks...),
		subscribers: map[int]Subscriber{},
		lastErrAt:   map[string]time.Time{},
	}, nil
}

func (s *Session) stateLocked() State {
	switch {
	case s.stopped.Load():
		return StateStopped
	case s.loading:
		return StateLoading
	case s.pending:
		return StateInferring
	case s.model != nil:
		return StateReady
	}
	return StateIdle
}

func (s *Session) State() State {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.stateLocked()
}

// Latest returns the most recently completed detection result, or nil
func (s *Session) Latest() *nn.DetectionResult {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.latest
}

// Name of the currently loaded model
func (s *Session) ModelName() string {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.modelName
}

// Class labels of the current model
func (s *Session) Labels() nn.ClassLabels {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.labels
}

func (s *Session) Stats() *perfstats.PipelineStats {
	return &s.stats
}

// Subscribe to detection results. Returns a function that removes the subscription.
func (s *Session) Subscribe(fn Subscriber) (unsubscribe func()) {
	s.lock.Lock()
	defer s.lock.Unlock()
	id := s.nextSubscriber
	s.nextSubscriber++
	s.subscribers[id] = fn
	return func() {
		s.lock.Lock()
		defer s.lock.Unlock()
		delete(s.subscribers, id)
	}
}

func (s *Session) subscriberList() []Subscriber {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.subscriberListLocked()
}

// Subscribers in the order that they subscribed
func (s *Session) subscriberListLocked() []Subscriber {
	list := make([]Subscriber, 0, len(s.subscribers))
	for i := 0; i < s.nextSubscriber; i++ {
		if fn, ok := s.subscribers[i]; ok {
			list = append(list, fn)
		}
	}
	return list
}

// Log an error, but not more often than ErrorLogInterval for each kind of error
func (s *Session) logRateLimited(kind string, format string, args ...any) {
	now := s.clock.Now()
	s.lock.Lock()
	last, ok := s.lastErrAt[kind]
	if ok && now.Sub(last) < s.options.ErrorLogInterval {
		s.lock.Unlock()
		return
	}
	s.lastErrAt[kind] = now
	s.lock.Unlock()
	s.Log.Errorf("Session: "+format, args...)
}

// LoadModel loads a model, replacing the current one (if any).
// The previous model stays in use until the new one has loaded successfully. If loading fails,
// the session is left as it was.
func (s *Session) LoadModel(ctx context.Context, name string) error {
	s.lock.Lock()
	if s.stopped.Load() {
		s.lock.Unlock()
		return ErrStopped
	}
	if s.loading {
		s.lock.Unlock()
		return ErrBusy
	}
	s.loading = true
	s.lock.Unlock()

	s.Log.Infof("Session: Loading model %v", name)
	start := s.clock.Now()
	model, err := s.loader.Load(ctx, name)
	if err == nil {
		err = s.checkModel(model)
		if err != nil {
			model.Close()
		}
	}

	s.lock.Lock()
	s.loading = false
	if err != nil {
		s.lock.Unlock()
		s.Log.Errorf("Session: Failed to load model %v: %v", name, err)
		return err
	}
	if s.stopped.Load() {
		s.lock.Unlock()
		model.Close()
		return ErrStopped
	}
	strategy, _ := s.decodeStrategy(model.Config())
	labels := s.options.Labels
	if labels == nil {
		labels = model.Config().Classes
	}
	old := s.model
	s.model = model
	s.modelName = name
	s.strategy = strategy
	s.labels = labels
	s.latest = nil
	var closeNow nn.Model
	if old != nil {
		if s.inFlight {
			s.retired = append(s.retired, old)
		} else {
			closeNow = old
		}
	}
	s.lock.Unlock()

	if closeNow != nil {
		closeNow.Close()
	}
	s.trackerLock.Lock()
	s.publishRetractionsLocked(s.tracker.SetLabels(labels))
	s.trackerLock.Unlock()

	cfg := model.Config()
	s.Log.Infof("Session: Loaded model %v (%vx%v, %v classes, layout %v) in %v", name, cfg.Width, cfg.Height, len(cfg.Classes), strategy.Layout, s.clock.Since(start).Round(time.Millisecond))
	return nil
}

func (s *Session) decodeStrategy(cfg *nn.ModelConfig) (nn.DecodeStrategy, error) {
	strategy, err := cfg.DecodeStrategy()
	if err != nil {
		return strategy, err
	}
	if s.options.Layout != "" {
		strategy.Layout, err = nn.ParseTensorLayout(s.options.Layout)
		if err != nil {
			return strategy, err
		}
	}
	if s.options.ChannelMajor != nil {
		strategy.ChannelMajor = *s.options.ChannelMajor
	}
	return strategy, nil
}

func (s *Session) checkModel(model nn.Model) error {
	cfg := model.Config()
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("%w: model input size is %vx%v", nn.ErrInvalidDimensions, cfg.Width, cfg.Height)
	}
	if (s.options.InputWidth != 0 && s.options.InputWidth != cfg.Width) || (s.options.InputHeight != 0 && s.options.InputHeight != cfg.Height) {
		return fmt.Errorf("%w: model input size is %vx%v, but %vx%v is configured", nn.ErrShapeMismatch, cfg.Width, cfg.Height, s.options.InputWidth, s.options.InputHeight)
	}
	if len(cfg.Classes) == 0 {
		return fmt.Errorf("%w: model has no classes", nn.ErrShapeMismatch)
	}
	_, err := s.decodeStrategy(cfg)
	return err
}

// Stop the session. Any inference in flight is allowed to finish, but its result is discarded.
// The model is closed once nothing is using it.
func (s *Session) Stop() {
	if s.stopped.Swap(true) {
		return
	}
	s.lock.Lock()
	toClose := []nn.Model{}
	if !s.inFlight {
		toClose = s.releaseModelsLocked()
	}
	select {
	case <-s.inferDone:
		s.stats.Discarded.Add(1)
	default:
	}
	s.pending = false
	s.lock.Unlock()

	for _, m := range toClose {
		m.Close()
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	// A completion that is publishing right now holds trackerLock, so its upserts are retracted here
	s.trackerLock.Lock()
	s.publishRetractionsLocked(s.tracker.Reset())
	s.trackerLock.Unlock()
	s.Log.Infof("Session: Stopped")
}

// Caller must hold trackerLock
func (s *Session) publishRetractionsLocked(retractions []labeltrack.Change) {
	if len(retractions) == 0 {
		return
	}
	for _, fn := range s.subscriberList() {
		fn(nil, retractions)
	}
}

// Returns the models to close, and forgets them
func (s *Session) releaseModelsLocked() []nn.Model {
	toClose := s.retired
	s.retired = nil
	if s.model != nil {
		toClose = append(toClose, s.model)
		s.model = nil
	}
	return toClose
}

// Run ticks until the session is stopped or ctx is cancelled.
// Cancelling ctx stops the session.
func (s *Session) Run(ctx context.Context) error {
	ticker := s.clock.Ticker(s.options.RenderInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case r := <-s.inferDone:
			s.complete(r)
		case <-ticker.C:
			if err := s.Tick(); errors.Is(err, ErrStopped) {
				return nil
			}
		}
	}
}

// Tick performs one display tick:
// apply a completed inference (if any), acquire the frame, render the frame with the most
// recent detection result, and start a new inference if the session is ready and the
// minimum interval has elapsed.
func (s *Session) Tick() error {
	if s.stopped.Load() {
		return ErrStopped
	}
	s.stats.Ticks.Add(1)

	select {
	case r := <-s.inferDone:
		s.complete(r)
	default:
	}

	start := s.clock.Now()
	frame, err := s.source.AcquireFrame()
	if err != nil {
		s.logRateLimited("acquire", "Failed to acquire frame: %v", err)
		return nil
	}
	s.stats.Record(perfstats.StageAcquire, s.clock.Since(start))

	s.renderFrame(frame)
	s.maybeStartInference(frame, start)
	return nil
}

func (s *Session) renderFrame(frame image.Image) {
	if s.render == nil {
		return
	}
	start := s.clock.Now()
	s.lock.Lock()
	latest := s.latest
	labels := s.labels
	s.lock.Unlock()

	if fd, ok := s.render.(FrameDrawer); ok {
		fd.DrawFrame(frame)
	}
	s.render.ClearOverlay()
	if latest != nil {
		for _, o := range latest.Objects {
			s.render.DrawBox(o.Box, labels.LabelFor(o.Class), o.Confidence)
		}
	}
	s.stats.Record(perfstats.StageRender, s.clock.Since(start))
}

func (s *Session) maybeStartInference(frame image.Image, framePTS time.Time) {
	now := s.clock.Now()
	s.lock.Lock()
	if s.stateLocked() != StateReady {
		s.lock.Unlock()
		return
	}
	if !s.lastInferStart.IsZero() && now.Sub(s.lastInferStart) < s.options.MinInferenceInterval {
		s.lock.Unlock()
		return
	}
	model := s.model
	cfg := model.Config()
	xform, err := nn.ComputeLetterbox(frame.Bounds().Dx(), frame.Bounds().Dy(), cfg.Width, cfg.Height)
	if err != nil {
		// An empty frame can't produce any detections
		s.lock.Unlock()
		return
	}
	s.pending = true
	s.inFlight = true
	s.lastInferStart = now
	s.lock.Unlock()

	go s.infer(model, frame, xform, framePTS)
}

// Runs on its own goroutine
func (s *Session) infer(model nn.Model, frame image.Image, xform nn.ResizeTransform, framePTS time.Time) {
	r := inferenceResult{
		model:    model,
		xform:    xform,
		framePTS: framePTS,
	}
	start := s.clock.Now()
	input, err := s.prep.Prepare(frame, xform)
	s.stats.Record(perfstats.StagePreprocess, s.clock.Since(start))
	if err == nil {
		start = s.clock.Now()
		r.raw, err = model.Infer(context.Background(), input)
		s.stats.Record(perfstats.StageInference, s.clock.Since(start))
		if err != nil {
			err = fmt.Errorf("%w: %w", ErrInferenceFailure, err)
		}
	}
	r.err = err

	s.lock.Lock()
	s.inFlight = false
	var toClose []nn.Model
	if s.stopped.Load() {
		toClose = s.releaseModelsLocked()
		s.stats.Discarded.Add(1)
	} else {
		toClose = s.retired
		s.retired = nil
		// Never blocks, because there is at most one inference in flight
		s.inferDone <- r
	}
	s.lock.Unlock()

	for _, m := range toClose {
		m.Close()
	}
}

// Apply a completed inference. Runs on the loop goroutine.
func (s *Session) complete(r inferenceResult) {
	s.stats.Inferences.Add(1)

	s.lock.Lock()
	if s.stopped.Load() {
		s.lock.Unlock()
		s.stats.Discarded.Add(1)
		return
	}
	if r.model != s.model {
		// The model was switched while this inference was running
		s.pending = false
		s.lock.Unlock()
		s.stats.Discarded.Add(1)
		return
	}
	strategy := s.strategy
	numClasses := len(r.model.Config().Classes)
	s.lock.Unlock()

	var objects []nn.ObjectDetection
	err := r.err
	if err == nil {
		start := s.clock.Now()
		objects, err = nn.PostProcess(r.raw, numClasses, strategy, &s.options.Params, r.xform)
		s.stats.Record(perfstats.StagePostProcess, s.clock.Since(start))
	}

	if err != nil {
		s.lock.Lock()
		s.pending = false
		s.lock.Unlock()
		s.stats.Failures.Add(1)
		if errors.Is(err, ErrInferenceFailure) {
			s.logRateLimited("inference", "%v", err)
		} else {
			s.logRateLimited("postprocess", "Post-processing failed: %v", err)
			for _, sink := range s.options.Sinks {
				if reporter, ok := sink.(ErrorReporter); ok {
					reporter.ReportError(err)
				}
			}
			for _, reporter := range s.options.ErrorReporters {
				reporter.ReportError(err)
			}
		}
		return
	}

	// Stop may have been called while we were post-processing
	s.trackerLock.Lock()
	defer s.trackerLock.Unlock()
	s.lock.Lock()
	if s.stopped.Load() {
		s.pending = false
		s.lock.Unlock()
		s.stats.Discarded.Add(1)
		return
	}
	s.sequence++
	result := &nn.DetectionResult{
		Sequence:    s.sequence,
		ImageWidth:  r.xform.OriginalWidth,
		ImageHeight: r.xform.OriginalHeight,
		Objects:     objects,
		FramePTS:    r.framePTS,
		CompletedAt: s.clock.Now(),
	}
	s.latest = result
	s.pending = false
	subscribers := s.subscriberListLocked()
	s.lock.Unlock()

	changes := s.tracker.Update(objects)
	for _, fn := range subscribers {
		fn(result, changes)
	}
}

// DetectImage runs a single detection cycle on a still image, and returns the result.
// The result is not published to the live overlay.
func (s *Session) DetectImage(ctx context.Context, img image.Image) (*nn.DetectionResult, error) {
	s.lock.Lock()
	switch s.stateLocked() {
	case StateStopped:
		s.lock.Unlock()
		return nil, ErrStopped
	case StateIdle, StateLoading:
		s.lock.Unlock()
		return nil, ErrNotReady
	case StateInferring:
		s.lock.Unlock()
		return nil, ErrBusy
	}
	if s.inFlight {
		s.lock.Unlock()
		return nil, ErrBusy
	}
	model := s.model
	strategy := s.strategy
	s.pending = true
	s.inFlight = true
	s.lock.Unlock()

	objects, xform, err := s.detectOnce(ctx, model, strategy, img)

	s.lock.Lock()
	s.pending = false
	s.inFlight = false
	var toClose []nn.Model
	if s.stopped.Load() {
		toClose = s.releaseModelsLocked()
	} else {
		toClose = s.retired
		s.retired = nil
	}
	s.lock.Unlock()
	for _, m := range toClose {
		m.Close()
	}

	if err != nil {
		return nil, err
	}
	return &nn.DetectionResult{
		ImageWidth:  xform.OriginalWidth,
		ImageHeight: xform.OriginalHeight,
		Objects:     objects,
		FramePTS:    s.clock.Now(),
		CompletedAt: s.clock.Now(),
	}, nil
}

func (s *Session) detectOnce(ctx context.Context, model nn.Model, strategy nn.DecodeStrategy, img image.Image) ([]nn.ObjectDetection, nn.ResizeTransform, error) {
	cfg := model.Config()
	xform, err := nn.ComputeLetterbox(img.Bounds().Dx(), img.Bounds().Dy(), cfg.Width, cfg.Height)
	if err != nil {
		return nil, xform, err
	}
	input, err := s.prep.Prepare(img, xform)
	if err != nil {
		return nil, xform, err
	}
	raw, err := model.Infer(ctx, input)
	if err != nil {
		return nil, xform, fmt.Errorf("%w: %w", ErrInferenceFailure, err)
	}
	objects, err := nn.PostProcess(raw, len(cfg.Classes), strategy, &s.options.Params, xform)
	return objects, xform, err
}
