package httpx

import "net/http"

// StatusWriter records the status code and byte count written downstream so
// middleware can log and meter responses after the fact.
type StatusWriter struct {
	http.ResponseWriter
	Status int
	Bytes  int
}

func (w *StatusWriter) WriteHeader(code int) {
	if w.Status == 0 {
		w.Status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *StatusWriter) Write(p []byte) (int, error) {
	if w.Status == 0 {
		w.Status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(p)
	w.Bytes += n
	return n, err
}

// StatusOrDefault returns the recorded status, defaulting to 200 when the
// handler wrote a body without an explicit WriteHeader.
func (w *StatusWriter) StatusOrDefault() int {
	if w.Status == 0 {
		return http.StatusOK
	}
	return w.Status
}
