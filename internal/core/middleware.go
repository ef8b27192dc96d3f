package core

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// statusRecorder wraps an http.ResponseWriter and remembers the status code
// and the number of body bytes written, so downloads can be logged with
// their size.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	if w.status == 0 {
		w.status = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusRecorder) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type logEntry struct {
	IP         string
	Method     string
	URL        string
	Proto      string
	DurationMS float64
	StatusCode int
	Bytes      int64
}

func (e logEntry) user() slog.Attr {
	return slog.Group("user", "ip", e.IP)
}

func (e logEntry) request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.Bytes,
	)
}

// LogRequest is middleware that logs every request a host serves through
// the store, at a level chosen by the response status.
func LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		entry := logEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		rec := &statusRecorder{ResponseWriter: w}

		start := time.Now()
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		entry.DurationMS = float64(elapsed.Nanoseconds()) / float64(time.Millisecond)
		entry.StatusCode = rec.status
		entry.Bytes = rec.bytes

		switch {
		case rec.status >= 500:
			slog.Error("Request", entry.user(), entry.request())
		case rec.status >= 400:
			slog.Warn("Request", entry.user(), entry.request())
		default:
			slog.Info("Request", entry.user(), entry.request())
		}
	})
}

// Recoverer is middleware that answers a handler panic with a JSON 500
// through WriteError. A panic after the response started only aborts the
// connection, since the status line is already on the wire.
func Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		defer func() {
			rvr := recover()
			if rvr == nil {
				return
			}
			if rvr == http.ErrAbortHandler || rec.status != 0 {
				panic(http.ErrAbortHandler)
			}

			err := fmt.Errorf("handler panic: %v", rvr)
			slog.Error("Recovered handler panic", "method", r.Method, "url", r.URL.String(), "err", err)
			WriteError(w, err)
		}()

		next.ServeHTTP(rec, r)
	})
}
