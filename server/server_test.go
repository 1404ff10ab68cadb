package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/cyclopcam/livedetect/pkg/framesource"
	"github.com/cyclopcam/livedetect/pkg/nn"
	"github.com/cyclopcam/livedetect/server/config"
	"github.com/cyclopcam/livedetect/server/journal"
	"github.com/cyclopcam/logs"
	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/require"
)

// Always sees a person in the middle of its 64x64 input
type fakeModel struct {
	cfg nn.ModelConfig
}

func (m *fakeModel) Close() {}

func (m *fakeModel) Config() *nn.ModelConfig {
	return &m.cfg
}

func (m *fakeModel) Infer(ctx context.Context, input []float32) (*nn.RawTensor, error) {
	row := make([]float32, 4+len(m.cfg.Classes))
	copy(row, []float32{32, 32, 20, 10, 0.9})
	return &nn.RawTensor{Data: row, Shape: []int{1, 1, len(row)}}, nil
}

type fakeLoader struct{}

func (l *fakeLoader) Load(ctx context.Context, name string) (nn.Model, error) {
	if name != "fake" {
		return nil, fmt.Errorf("model %v not found", name)
	}
	return &fakeModel{cfg: nn.ModelConfig{Width: 64, Height: 64, Classes: nn.COCOClasses, Layout: "prefiltered"}}, nil
}

func newTestServer(t *testing.T, cfg *config.Config) *Server {
	// 128x72 letterboxes into 64x64 with a scale of 0.5
	source := framesource.NewStill(imaging.New(128, 72, color.Black))
	s, err := NewServer(logs.NewTestingLog(t), nil, cfg, &fakeLoader{}, source)
	require.NoError(t, err)
	t.Cleanup(s.Shutdown)
	return s
}

func request(handler http.Handler, method, url string, body []byte) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(method, url, bytes.NewReader(body)))
	return rec
}

func TestServerLive(t *testing.T) {
	cfg := config.Default()
	cfg.Model = "fake"
	cfg.Journal = filepath.Join(t.TempDir(), "journal.sqlite")
	cfg.RenderIntervalMs = 2
	cfg.MinInferenceIntervalMs = 5
	cfg.SaveOverlay = filepath.Join(t.TempDir(), "overlay.png")
	s := newTestServer(t, cfg)
	router := s.SetupHTTP()

	require.Equal(t, http.StatusNotFound, request(router, "GET", "/api/detections", nil).Code)

	require.NoError(t, s.StartSession(context.Background()))
	require.Eventually(t, func() bool {
		latest := s.Session.Latest()
		return latest != nil && latest.Sequence >= 2
	}, 10*time.Second, time.Millisecond)

	rec := request(router, "GET", "/api/state", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	state := map[string]any{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &state))
	require.Equal(t, "fake", state["model"])
	require.Contains(t, []any{"ready", "inferring"}, state["state"])

	rec = request(router, "GET", "/api/detections", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := nn.DetectionResult{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 128, result.ImageWidth)
	require.Equal(t, []nn.ObjectDetection{{Class: 0, Confidence: 0.9, Box: nn.Rect{X: 44, Y: 26, Width: 40, Height: 20}}}, result.Objects)

	rec = request(router, "GET", "/api/overlay.png", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	img, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, image.Rect(0, 0, 128, 72), img.Bounds())

	rec = request(router, "GET", "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "inference")

	s.Journal.Flush()
	rec = request(router, "GET", "/api/sightings?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	sightings := []journal.Sighting{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &sightings))
	require.Equal(t, 1, len(sightings))
	require.Equal(t, "person", sightings[0].Label)

	rec = request(router, "GET", "/api/sightings/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	active := []journal.Sighting{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &active))
	require.Equal(t, 1, len(active))
	require.Equal(t, sightings[0].ID, active[0].ID)

	rec = request(router, "GET", "/api/sightings/counts", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	counts := map[string]int{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &counts))
	require.Equal(t, map[string]int{"person": 1}, counts)

	s.Shutdown()
	require.FileExists(t, cfg.SaveOverlay)
}

func TestServerDetect(t *testing.T) {
	cfg := config.Default()
	cfg.RateLimitHits = 4
	s := newTestServer(t, cfg)
	router := s.SetupHTTP()

	frame := bytes.Buffer{}
	require.NoError(t, png.Encode(&frame, imaging.New(128, 72, color.White)))

	// No model yet
	require.Equal(t, http.StatusServiceUnavailable, request(router, "POST", "/api/detect", frame.Bytes()).Code)

	require.Equal(t, http.StatusInternalServerError, request(router, "POST", "/api/model?name=missing", nil).Code)
	require.Equal(t, http.StatusOK, request(router, "POST", "/api/model?name=fake", nil).Code)

	rec := request(router, "POST", "/api/detect", frame.Bytes())
	require.Equal(t, http.StatusOK, rec.Code)
	resp := detectJSON{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"person"}, resp.Labels)
	require.Equal(t, nn.Rect{X: 44, Y: 26, Width: 40, Height: 20}, resp.Result.Objects[0].Box)

	rec = request(router, "POST", "/api/detect?format=png", frame.Bytes())
	require.Equal(t, http.StatusOK, rec.Code)
	annotated, err := png.Decode(rec.Body)
	require.NoError(t, err)
	require.Equal(t, 128, annotated.Bounds().Dx())

	require.Equal(t, http.StatusBadRequest, request(router, "POST", "/api/detect", []byte("not an image")).Code)

	// The detect endpoint has used up its quota for this minute
	require.Equal(t, http.StatusTooManyRequests, request(router, "POST", "/api/detect", frame.Bytes()).Code)

	// Detecting a still image doesn't publish a result
	require.Nil(t, s.Session.Latest())

	// Journal is disabled
	require.Equal(t, http.StatusNotFound, request(router, "GET", "/api/sightings", nil).Code)
	require.Equal(t, http.StatusNotFound, request(router, "GET", "/api/sightings/counts", nil).Code)
}

func TestServerViewer(t *testing.T) {
	s := newTestServer(t, config.Default())
	router := s.SetupHTTP()

	rec := request(router, "GET", "/", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "<title>livedetect</title>")

	rec = request(router, "GET", "/viewer.js", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "/api/ws")

	require.Equal(t, http.StatusNotFound, request(router, "GET", "/api/nothing", nil).Code)
}

func TestServerUploadLimit(t *testing.T) {
	cfg := config.Default()
	cfg.MaxUploadSize = "1 kb"
	s := newTestServer(t, cfg)
	router := s.SetupHTTP()
	require.Equal(t, http.StatusOK, request(router, "POST", "/api/model?name=fake", nil).Code)

	require.Equal(t, http.StatusBadRequest, request(router, "POST", "/api/detect", make([]byte, 2048)).Code)
}
