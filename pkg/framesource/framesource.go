// Package framesource provides frames to a detection session.
// Still serves a single image, and Sequence plays a directory of images in a loop, like a camera.
package framesource

import (
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"
)

var ErrNoFrames = errors.New("no frames")

// Source produces the current frame of a video or image
type Source interface {
	AcquireFrame() (image.Image, error)
}

var imageExtensions = []string{".jpg", ".jpeg", ".png", ".bmp", ".gif", ".tif", ".tiff"}

// Still is a frame source that always returns the same image
type Still struct {
	lock sync.Mutex
	img  image.Image
}

func NewStill(img image.Image) *Still {
	return &Still{img: img}
}

// Load a still image from disk. EXIF orientation is honoured.
func OpenStill(filename string) (*Still, error) {
	img, err := imaging.Open(filename, imaging.AutoOrientation(true))
	if err != nil {
		return nil, err
	}
	return NewStill(img), nil
}

// Replace the image
func (s *Still) Set(img image.Image) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.img = img
}

func (s *Still) AcquireFrame() (image.Image, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.img == nil {
		return nil, ErrNoFrames
	}
	return s.img, nil
}

// Sequence plays a list of frames in a loop.
// If FrameInterval is zero, every call to AcquireFrame advances by one frame.
// Otherwise the frame is chosen by the time elapsed since the sequence started,
// so a slow consumer skips frames, the way it would with a live camera.
type Sequence struct {
	FrameInterval time.Duration

	lock   sync.Mutex
	clock  clock.Clock
	frames []image.Image
	start  time.Time
	next   int
}

func NewSequence(c clock.Clock, frames []image.Image, frameInterval time.Duration) *Sequence {
	return &Sequence{
		FrameInterval: frameInterval,
		clock:         c,
		frames:        frames,
		start:         c.Now(),
	}
}

// Load every image in a directory, sorted by filename
func OpenSequence(c clock.Clock, dir string, frameInterval time.Duration) (*Sequence, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := []string{}
	for _, e := range entries {
		if !e.IsDir() && slices.Contains(imageExtensions, strings.ToLower(filepath.Ext(e.Name()))) {
			names = append(names, e.Name())
		}
	}
	slices.Sort(names)
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: no images found in %v", ErrNoFrames, dir)
	}
	frames := make([]image.Image, 0, len(names))
	for _, name := range names {
		img, err := imaging.Open(filepath.Join(dir, name), imaging.AutoOrientation(true))
		if err != nil {
			return nil, fmt.Errorf("Failed to load frame %v: %w", name, err)
		}
		frames = append(frames, img)
	}
	return NewSequence(c, frames, frameInterval), nil
}

func (s *Sequence) Len() int {
	return len(s.frames)
}

func (s *Sequence) AcquireFrame() (image.Image, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if len(s.frames) == 0 {
		return nil, ErrNoFrames
	}
	var idx int
	if s.FrameInterval <= 0 {
		idx = s.next % len(s.frames)
		s.next++
	} else {
		idx = int(s.clock.Since(s.start)/s.FrameInterval) % len(s.frames)
	}
	return s.frames[idx], nil
}

// Open returns a Sequence if path is a directory, or a Still if it is a file
func Open(c clock.Clock, path string, frameInterval time.Duration) (Source, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return OpenSequence(c, path, frameInterval)
	}
	return OpenStill(path)
}
