package www

import (
	"fmt"
	"net/http"
)

// HTTPError is an object that can be panic'ed, and the outer HTTP handler function
// will return the appropriate HTTP error message.
type HTTPError struct {
	Code    int
	Message string
}

func (e HTTPError) Error() string {
	return fmt.Sprintf("%v %v", e.Code, e.Message)
}

func Error(code int, message string) HTTPError {
	return HTTPError{code, message}
}

// Panic creates an HTTPError object and panics it.
func Panic(code int, message string) {
	panic(HTTPError{code, message})
}

// PanicBadRequestf panics with a 400 Bad Request.
func PanicBadRequestf(format string, args ...any) {
	panic(HTTPError{http.StatusBadRequest, fmt.Sprintf(format, args...)})
}

// PanicNotFoundf panics with a 404 Not Found.
func PanicNotFoundf(format string, args ...any) {
	panic(HTTPError{http.StatusNotFound, fmt.Sprintf(format, args...)})
}

func PanicConflictf(format string, args ...any) {
	panic(HTTPError{http.StatusConflict, fmt.Sprintf(format, args...)})
}

func PanicServiceUnavailablef(format string, args ...any) {
	panic(HTTPError{http.StatusServiceUnavailable, fmt.Sprintf(format, args...)})
}

// PanicServerErrorf panics with a 500 Internal Server Error.
func PanicServerErrorf(format string, args ...any) {
	panic(HTTPError{http.StatusInternalServerError, fmt.Sprintf(format, args...)})
}

// Check panics with a 500 Internal Server Error if err is not nil
func Check(err error) {
	if err != nil {
		panic(HTTPError{http.StatusInternalServerError, err.Error()})
	}
}
