// Package staticfiles serves an embedded web UI, with gzipped copies of compressible files cached in memory.
package staticfiles

import (
	"bytes"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"net/http"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/cyclopcam/livedetect/pkg/www"
	"github.com/cyclopcam/logs"
)

// CachedStaticFileServer serves files out of an immutable filesystem (typically embed.FS).
// Any path that is not a file, and is not an API route, serves up index.html.
type CachedStaticFileServer struct {
	fsys          fs.FS
	fsRootDir     string // eg "www"
	log           logs.Log
	compressLevel int
	apiRoutes     []string  // Any path that begins with an item from apiRoutes produces a 404
	modTime       time.Time // Embedded files have a zero modification time, so we use this instead

	compressExtensions map[string]bool

	filesLock sync.Mutex
	files     map[string]*cachedStaticFile // key is the path relative to fsRootDir
}

// cachedStaticFile is an in-memory compressed file
type cachedStaticFile struct {
	ready      chan struct{} // Closed once the file has been compressed
	path       string
	compressed []byte
	err        error
}

func NewCachedStaticFileServer(log logs.Log, fsys fs.FS, fsRootDir string, apiRoutes []string) *CachedStaticFileServer {
	// Use the modtime of our own executable as the Last Modified time of all embedded files
	modTime := time.Now()
	if ownPath, err := os.Executable(); err == nil {
		if self, err := os.Stat(ownPath); err == nil {
			modTime = self.ModTime()
		}
	}

	return &CachedStaticFileServer{
		fsys:          fsys,
		fsRootDir:     fsRootDir,
		log:           log,
		compressLevel: 5,
		apiRoutes:     apiRoutes,
		modTime:       modTime,
		compressExtensions: map[string]bool{
			"css":  true,
			"js":   true,
			"html": true,
			"svg":  true,
		},
		files: map[string]*cachedStaticFile{},
	}
}

func (s *CachedStaticFileServer) fullPath(relPath string) string {
	return path.Join(s.fsRootDir, strings.TrimPrefix(relPath, "/"))
}

func (s *CachedStaticFileServer) fileExists(relPath string) bool {
	st, err := fs.Stat(s.fsys, s.fullPath(relPath))
	return err == nil && !st.IsDir()
}

func (s *CachedStaticFileServer) isCompressible(filename string) bool {
	ext := path.Ext(filename)
	if len(ext) == 0 {
		return false
	}
	return s.compressExtensions[strings.ToLower(ext[1:])]
}

// ServeFile sends a single file, gzipped if the client accepts it
func (s *CachedStaticFileServer) ServeFile(w http.ResponseWriter, r *http.Request, relPath string, maxAgeSeconds int) {
	// Prevent FS traversals (eg user requesting example.com/icons/../../../../etc/ssl.key)
	if strings.Contains(relPath, "..") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	cacheControl := fmt.Sprintf("max-age=%v, must-revalidate", maxAgeSeconds)
	contentType := mime.TypeByExtension(path.Ext(relPath))

	readerCanGzip := strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")
	if !readerCanGzip || !s.isCompressible(relPath) {
		raw, err := fs.ReadFile(s.fsys, s.fullPath(relPath))
		if errors.Is(err, fs.ErrNotExist) {
			w.WriteHeader(http.StatusNotFound)
			return
		} else if err != nil {
			www.SendError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if www.IsNotModified(w, r, s.modTime, cacheControl) {
			return
		}
		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Length", fmt.Sprintf("%v", len(raw)))
		w.Write(raw)
		return
	}

	cached := s.compressed(relPath)
	if cached.err != nil {
		www.SendError(w, cached.err.Error(), http.StatusInternalServerError)
		return
	}
	if www.IsNotModified(w, r, s.modTime, cacheControl) {
		return
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Encoding", "gzip")
	w.Header().Set("Content-Length", fmt.Sprintf("%v", len(cached.compressed)))
	w.Write(cached.compressed)
}

// Returns the compressed file, compressing it if we are the first caller to want it
func (s *CachedStaticFileServer) compressed(relPath string) *cachedStaticFile {
	s.filesLock.Lock()
	cached := s.files[relPath]
	if cached != nil {
		s.filesLock.Unlock()
		<-cached.ready
		return cached
	}
	cached = &cachedStaticFile{
		ready: make(chan struct{}),
		path:  relPath,
	}
	s.files[relPath] = cached
	s.filesLock.Unlock()

	start := time.Now()
	cached.compressed, cached.err = s.compress(relPath)
	close(cached.ready)
	if cached.err == nil {
		s.log.Debugf("Compressing %v took %v ms", relPath, time.Since(start).Milliseconds())
	}
	return cached
}

func (s *CachedStaticFileServer) compress(relPath string) ([]byte, error) {
	file, err := s.fsys.Open(s.fullPath(relPath))
	if err != nil {
		return nil, err
	}
	defer file.Close()
	buf := bytes.Buffer{}
	writer, err := gzip.NewWriterLevel(&buf, s.compressLevel)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(writer, file); err != nil {
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// This is our static files handler, which gets hit if none of our API routes match.
func (s *CachedStaticFileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	urlPath := r.URL.Path
	if strings.Contains(urlPath, "..") {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	for _, api := range s.apiRoutes {
		if strings.HasPrefix(urlPath, api) {
			http.Error(w, fmt.Sprintf("The url path '%v' is not a valid API", urlPath), http.StatusNotFound)
			return
		}
	}

	// If it's not a genuine file, then it must be index.html
	if !s.fileExists(urlPath) {
		s.ServeFile(w, r, "/index.html", 5)
		return
	}
	s.ServeFile(w, r, urlPath, 300)
}
