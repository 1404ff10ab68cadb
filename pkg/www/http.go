package www

import (
	"encoding/json"
	"io"
	"net/http"
	"runtime"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/julienschmidt/httprouter"
)

// RunProtected runs 'func' inside a panic handler that recognizes our special errors,
// and sends the appropriate HTTP response if a panic does occur.
func RunProtected(log logs.Log, w http.ResponseWriter, r *http.Request, handler func()) {
	defer func() {
		if rec := recover(); rec != nil {
			if hErr, ok := rec.(HTTPError); ok {
				log.Infof("Failed request %v: %v %v", r.URL.Path, hErr.Code, hErr.Message)
				SendError(w, hErr.Message, hErr.Code)
			} else if err, ok := rec.(runtime.Error); ok {
				// Show stack trace on runtime error
				log.Errorf("Runtime panic error %v: %v", r.URL.Path, err)
				log.Errorf("Stack Trace: %v", string(debug.Stack()))
				SendError(w, err.Error(), http.StatusInternalServerError)
			} else if err, ok := rec.(error); ok {
				log.Errorf("Panic error %v: %v", r.URL.Path, err)
				SendError(w, err.Error(), http.StatusInternalServerError)
			} else {
				log.Errorf("Unrecognized panic %v: %v", r.URL.Path, rec)
				SendError(w, "Unrecognized panic", http.StatusInternalServerError)
			}
		}
	}()

	handler()
}

// Handle adds a protected HTTP route to router (ie handle will run inside RunProtected, so you get a panic handler).
func Handle(log logs.Log, router *httprouter.Router, method, path string, handle httprouter.Handle) {
	wrapper := func(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
		RunProtected(log, w, r, func() { handle(w, r, p) })
	}
	router.Handle(method, path, wrapper)
}

// Returns the named query value (or an empty string)
func QueryValue(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// Returns the named query value, or panics if the item is empty or missing
func RequiredQueryValue(r *http.Request, key string) string {
	v := QueryValue(r, key)
	if v == "" {
		PanicBadRequestf("Must specify %v", key)
	}
	return v
}

// Returns the named query value as an int, or defaultValue if the item is missing.
// Panics if the value is present but not an integer.
func QueryInt(r *http.Request, key string, defaultValue int) int {
	v := QueryValue(r, key)
	if v == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		PanicBadRequestf("Must specify an integer for %v", key)
	}
	return i
}

// Read the request body, but limit the number of bytes that will be read, to ensure
// the server isn't loaded heavily by faulty or malicious requests
func ReadLimited(w http.ResponseWriter, r *http.Request, maxBodyBytes int64) []byte {
	if r.Body == nil {
		Panic(http.StatusBadRequest, "Request body is empty")
	}
	defer r.Body.Close()
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		PanicBadRequestf("Failed to read request body: %v", err)
	}
	return body
}

// Set cache headers instructing the client never to cache
func CacheNever(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "max-age=0")
}

// SendError is identical to the standard library http.Error(), except that we don't append a \n to the message body
func SendError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	w.Write([]byte(message))
}

// SendJSON encodes 'obj' to JSON, and sends it as an HTTP application/json response.
func SendJSON(w http.ResponseWriter, obj any) {
	b, err := json.Marshal(obj)
	Check(err)
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

// SendBytes sends raw content with the given content type
func SendBytes(w http.ResponseWriter, contentType string, content []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Write(content)
}

// SendOK sends "OK" as a text/plain response.
func SendOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte("OK"))
}

// IsNotModified checks for an If-Modified-Since header, and if modifiedAt is
// before or equal to the header value, then we write a 304 Not Modified to w,
// and return true.
// Otherwise we set the Last-Modified and Cache-Control headers on w, and return false.
func IsNotModified(w http.ResponseWriter, r *http.Request, modifiedAt time.Time, cacheControl string) bool {
	// The HTTP header has single-second precision, and formatting truncates, so we truncate too
	modifiedAt = modifiedAt.UTC().Truncate(time.Second)
	ifModifiedSinceStr := r.Header.Get("If-Modified-Since")
	ifModifiedSince := time.Time{}
	var err error
	if ifModifiedSinceStr != "" {
		ifModifiedSince, err = time.Parse(http.TimeFormat, ifModifiedSinceStr)
	}
	if err != nil || modifiedAt.After(ifModifiedSince) {
		w.Header().Set("Last-Modified", modifiedAt.Format(http.TimeFormat))
		w.Header().Set("Cache-Control", cacheControl)
		return false
	}
	w.WriteHeader(http.StatusNotModified)
	return true
}
