package middleware

import "net/http"

// ResponseRecorder wraps ResponseWriter, captures the status code and runs a hook
// once before the first byte or header is written.
type ResponseRecorder struct {
	http.ResponseWriter
	status      int
	wrote       bool
	beforeWrite func(http.ResponseWriter)
}

func NewResponseRecorder(w http.ResponseWriter) *ResponseRecorder {
	return &ResponseRecorder{ResponseWriter: w, status: http.StatusOK}
}

// SetBeforeWrite registers fn to run exactly once before headers are flushed.
func (rw *ResponseRecorder) SetBeforeWrite(fn func(http.ResponseWriter)) {
	rw.beforeWrite = fn
}

func (rw *ResponseRecorder) flushHook() {
	if rw.wrote {
		return
	}
	rw.wrote = true
	if rw.beforeWrite != nil {
		rw.beforeWrite(rw.ResponseWriter)
	}
}

func (rw *ResponseRecorder) WriteHeader(statusCode int) {
	rw.flushHook()
	rw.status = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

func (rw *ResponseRecorder) Write(b []byte) (int, error) {
	rw.flushHook()
	return rw.ResponseWriter.Write(b)
}

func (rw *ResponseRecorder) Status() int { return rw.status }

// Wrote reports whether the handler produced any output.
func (rw *ResponseRecorder) Wrote() bool { return rw.wrote }

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *ResponseRecorder) Unwrap() http.ResponseWriter { return rw.ResponseWriter }
