package staticfiles

import (
	"bytes"
	"compress/gzip"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"testing/fstest"

	"github.com/cyclopcam/logs"
	"github.com/stretchr/testify/require"
)

func testFS() fstest.MapFS {
	return fstest.MapFS{
		"www/index.html": {Data: []byte("<html>index</html>")},
		"www/app.js":     {Data: []byte("console.log('hello')")},
		"www/logo.png":   {Data: []byte{0x89, 'P', 'N', 'G'}},
	}
}

func get(s http.Handler, path string, gzipOK bool) *httptest.ResponseRecorder {
	r := httptest.NewRequest("GET", path, nil)
	if gzipOK {
		r.Header.Set("Accept-Encoding", "gzip, deflate")
	}
	w := httptest.NewRecorder()
	s.ServeHTTP(w, r)
	return w
}

func gunzip(t *testing.T, b []byte) string {
	zr, err := gzip.NewReader(bytes.NewReader(b))
	require.NoError(t, err)
	raw, err := io.ReadAll(zr)
	require.NoError(t, err)
	return string(raw)
}

func TestStaticFiles(t *testing.T) {
	s := NewCachedStaticFileServer(logs.NewTestingLog(t), testFS(), "www", []string{"/api/"})

	w := get(s, "/app.js", false)
	require.Equal(t, 200, w.Code)
	require.Equal(t, "console.log('hello')", w.Body.String())
	require.Empty(t, w.Header().Get("Content-Encoding"))

	// Compressed twice, to hit the cache on the second request
	for i := 0; i < 2; i++ {
		w = get(s, "/app.js", true)
		require.Equal(t, 200, w.Code)
		require.Equal(t, "gzip", w.Header().Get("Content-Encoding"))
		require.Equal(t, "console.log('hello')", gunzip(t, w.Body.Bytes()))
	}

	// Images are not compressed
	w = get(s, "/logo.png", true)
	require.Equal(t, 200, w.Code)
	require.Empty(t, w.Header().Get("Content-Encoding"))
	require.Equal(t, "image/png", w.Header().Get("Content-Type"))

	// Unknown paths fall back to index.html
	w = get(s, "/some/page", false)
	require.Equal(t, 200, w.Code)
	require.Equal(t, "<html>index</html>", w.Body.String())
	w = get(s, "/", false)
	require.Equal(t, "<html>index</html>", w.Body.String())

	require.Equal(t, 404, get(s, "/api/nothing", false).Code)
	require.Equal(t, 404, get(s, "/../secret", false).Code)
}

func TestStaticFilesNotModified(t *testing.T) {
	s := NewCachedStaticFileServer(logs.NewTestingLog(t), testFS(), "www", nil)
	w := get(s, "/app.js", true)
	require.Equal(t, 200, w.Code)
	lastModified := w.Header().Get("Last-Modified")
	require.NotEmpty(t, lastModified)

	r := httptest.NewRequest("GET", "/app.js", nil)
	r.Header.Set("If-Modified-Since", lastModified)
	w = httptest.NewRecorder()
	s.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotModified, w.Code)
}
