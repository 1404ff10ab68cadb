package server

import (
	"bytes"
	"errors"
	"net/http"
	"time"

	"github.com/cyclopcam/livedetect/pkg/buildinfo"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/pkg/overlay"
	"github.com/cyclopcam/livedetect/pkg/staticfiles"
	"github.com/cyclopcam/livedetect/pkg/www"
	"github.com/cyclopcam/livedetect/server/session"
	"github.com/cyclopcam/livedetect/server/viewer"
	"github.com/disintegration/imaging"
	"github.com/go-chi/httprate"
	"github.com/julienschmidt/httprouter"
)

type stateJSON struct {
	State       session.State `json:"state"`
	Model       string        `json:"model"`
	Labels      []string      `json:"labels"`
	LastResult  int64         `json:"lastResult"` // Sequence number of the latest result
	LiveClients int           `json:"liveClients"`
	Version     string        `json:"version"`
}

type detectJSON struct {
	Result *nn.DetectionResult `json:"result"`
	Labels []string            `json:"labels"` // Label of each object in Result
}

// SetupHTTP creates the API router
func (s *Server) SetupHTTP() http.Handler {
	router := httprouter.New()

	handle := func(method, route string, handle httprouter.Handle) {
		www.Handle(s.Log, router, method, route, handle)
	}

	// We create a unique rate limiter for each mutating endpoint
	ratelimited := func(method, route string, handle func(w http.ResponseWriter, r *http.Request)) {
		limited := httprate.Limit(s.Config.RateLimitHits, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))
		www.Handle(s.Log, router, method, route, func(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
			limited(http.HandlerFunc(handle)).ServeHTTP(w, r)
		})
	}

	handle("GET", "/api/ping", s.httpPing)
	handle("GET", "/api/state", s.httpState)
	handle("GET", "/api/detections", s.httpDetections)
	handle("GET", "/api/stats", s.httpStats)
	handle("GET", "/api/overlay.png", s.httpOverlay)
	handle("GET", "/api/sightings", s.httpSightings)
	handle("GET", "/api/sightings/active", s.httpActiveSightings)
	handle("GET", "/api/sightings/counts", s.httpSightingCounts)
	handle("GET", "/api/failures", s.httpFailures)
	handle("GET", "/api/ws", s.httpLiveFeed)
	ratelimited("POST", "/api/model", s.httpLoadModel)
	ratelimited("POST", "/api/detect", s.httpDetect)

	router.NotFound = staticfiles.NewCachedStaticFileServer(s.Log, viewer.Files, viewer.RootDir, []string{"/api/"})

	return router
}

func (s *Server) httpPing(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.SendOK(w)
}

func (s *Server) httpState(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	state := stateJSON{
		State:       s.Session.State(),
		Model:       s.Session.ModelName(),
		Labels:      s.Session.Labels(),
		LiveClients: s.Feed.NumClients(),
		Version:     buildinfo.Version,
	}
	if state.Labels == nil {
		state.Labels = []string{}
	}
	if latest := s.Session.Latest(); latest != nil {
		state.LastResult = latest.Sequence
	}
	www.CacheNever(w)
	www.SendJSON(w, &state)
}

func (s *Server) httpDetections(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	latest := s.Session.Latest()
	if latest == nil {
		www.PanicNotFoundf("No detection result yet")
	}
	www.CacheNever(w)
	www.SendJSON(w, latest)
}

func (s *Server) httpStats(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	www.CacheNever(w)
	www.SendJSON(w, s.Session.Stats().Snapshot())
}

func (s *Server) httpOverlay(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	buf := bytes.Buffer{}
	www.Check(s.Canvas.EncodePNG(&buf))
	www.CacheNever(w)
	www.SendBytes(w, "image/png", buf.Bytes())
}

func (s *Server) httpSightings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireJournal()
	sightings, err := s.Journal.Recent(www.QueryInt(r, "limit", 100))
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, sightings)
}

// Sightings of the classes that are present right now
func (s *Server) httpActiveSightings(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireJournal()
	sightings, err := s.Journal.Active()
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, sightings)
}

// Number of sightings of each label
func (s *Server) httpSightingCounts(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireJournal()
	counts, err := s.Journal.CountByLabel()
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, counts)
}

func (s *Server) requireJournal() {
	if s.Journal == nil {
		www.PanicNotFoundf("Journal is disabled")
	}
}

func (s *Server) httpFailures(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	s.requireJournal()
	failures, err := s.Journal.RecentFailures(www.QueryInt(r, "limit", 100))
	www.Check(err)
	www.CacheNever(w)
	www.SendJSON(w, failures)
}

func (s *Server) httpLiveFeed(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	c, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Log.Errorf("httpLiveFeed websocket upgrade failed: %v", err)
		return
	}
	s.Feed.Serve(c)
}

// Convert a session error into an HTTP error
func panicSessionError(err error) {
	switch {
	case errors.Is(err, session.ErrBusy):
		www.PanicConflictf("%v", err)
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrStopped):
		www.PanicServiceUnavailablef("%v", err)
	case errors.Is(err, nn.ErrInvalidDimensions), errors.Is(err, nn.ErrShapeMismatch):
		www.PanicBadRequestf("%v", err)
	}
	www.Check(err)
}

func (s *Server) httpLoadModel(w http.ResponseWriter, r *http.Request) {
	name := www.RequiredQueryValue(r, "name")
	if err := s.Session.LoadModel(r.Context(), name); err != nil {
		panicSessionError(err)
	}
	www.SendOK(w)
}

// Run detection on an uploaded image.
// With ?format=png, the response is the image with the detections drawn on it.
func (s *Server) httpDetect(w http.ResponseWriter, r *http.Request) {
	body := www.ReadLimited(w, r, s.Config.MaxUploadBytes())
	img, err := imaging.Decode(bytes.NewReader(body), imaging.AutoOrientation(true))
	if err != nil {
		www.PanicBadRequestf("Failed to decode image: %v", err)
	}
	result, err := s.Session.DetectImage(r.Context(), img)
	if err != nil {
		panicSessionError(err)
	}

	labels := s.Session.Labels()
	if www.QueryValue(r, "format") == "png" {
		buf := bytes.Buffer{}
		www.Check(overlay.DrawDetections(img, result.Objects, labels).EncodePNG(&buf))
		www.SendBytes(w, "image/png", buf.Bytes())
		return
	}
	resp := detectJSON{
		Result: result,
		Labels: make([]string, len(result.Objects)),
	}
	for i, o := range result.Objects {
		resp.Labels[i] = labels.LabelFor(o.Class)
	}
	www.SendJSON(w, &resp)
}
