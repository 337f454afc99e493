package gateway

import (
	"bufio"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"regexp"
	"time"

	"github.com/getsafe360/saas-app/internal/otel"
	"github.com/getsafe360/saas-app/internal/shared"
	"github.com/getsafe360/saas-app/internal/telemetry"
)

var traceIDPattern = regexp.MustCompile(`^[A-Za-z0-9\-]{8,64}$`)

// traceMiddleware assigns every request a trace id, honoring a well-formed
// inbound X-Trace-ID, and echoes it on the response.
func (s *Server) traceMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if !traceIDPattern.MatchString(traceID) {
			traceID = shared.NewTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)
		next.ServeHTTP(w, r.WithContext(shared.WithTraceID(r.Context(), traceID)))
	})
}

// instrument wraps one route with a server span, the request duration
// metric and an access log line.
func (s *Server) instrument(pattern string, next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, span := otel.StartServerSpan(r.Context(), s.tracer, pattern, otel.AttrRoute.String(pattern))
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r.WithContext(ctx))

		elapsed := time.Since(start)
		span.SetAttributes(otel.AttrStatus.Int(rec.status))
		var spanErr error
		if rec.status >= http.StatusInternalServerError {
			spanErr = errors.New(http.StatusText(rec.status))
		}
		otel.EndSpan(span, spanErr)
		s.cfg.Metrics.ObserveRequest(ctx, pattern, rec.status, elapsed)

		logger := telemetry.WithTrace(ctx, s.logger)
		attrs := []any{"route", pattern, "status", rec.status, "duration_ms", elapsed.Milliseconds()}
		if rec.status >= http.StatusInternalServerError {
			logger.Error("http request", attrs...)
		} else {
			logger.Debug("http request", attrs...)
		}
	})
}

// statusRecorder captures the response status. It forwards Flush and
// Hijack so SSE and WebSocket handlers work through it.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// log returns the server logger bound to the request's trace id.
func (s *Server) log(r *http.Request) *slog.Logger {
	return telemetry.WithTrace(r.Context(), s.logger)
}
