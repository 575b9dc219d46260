package httpapi

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/example/ride-dispatch/internal/observability"
)

const maxRequestIDLen = 64

type requestScopeKey struct{}

// requestScope is what the outermost middleware attaches to every request.
type requestScope struct {
	id     string
	logger *slog.Logger
}

// Outermost first. Recovery sits inside the access log so a recovered
// panic is counted and logged as a 500.
func (s *Server) registerMiddleware() {
	s.mux.Use(s.withRequestScope)
	s.mux.Use(s.withAccessLog)
	s.mux.Use(s.withRecovery)
}

func (s *Server) withRequestScope(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		scope := &requestScope{id: id, logger: s.logger.With("request_id", id)}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestScopeKey{}, scope)))
	})
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := routeTemplate(r)
		status := rec.label()
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
		observability.HTTPRequestDuration.WithLabelValues(r.Method, route, status).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		switch {
		case rec.status >= 500:
			level = slog.LevelError
		case rec.status >= 400:
			level = slog.LevelWarn
		case route == "/healthz" || route == "/metrics":
			level = slog.LevelDebug
		}
		loggerFrom(r.Context(), s.logger).Log(r.Context(), level, "http_request",
			"method", r.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"remote_addr", remoteIP(r),
		)
	})
}

func (s *Server) withRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			loggerFrom(r.Context(), s.logger).Error("panic recovered",
				"panic", rec, "route", routeTemplate(r), "stack", string(debug.Stack()))
			if sr, ok := w.(*statusRecorder); ok && (sr.wrote || sr.hijacked) {
				return
			}
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error":     "internal error",
				"requestId": requestIDFromContext(r.Context()),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status for metrics and logs. It
// forwards Hijack so websocket upgrades pass through the chain.
type statusRecorder struct {
	http.ResponseWriter
	status   int
	wrote    bool
	hijacked bool
}

func (sr *statusRecorder) WriteHeader(code int) {
	if !sr.wrote {
		sr.status, sr.wrote = code, true
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	sr.wrote = true
	return sr.ResponseWriter.Write(b)
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := sr.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	conn, rw, err := h.Hijack()
	if err == nil {
		sr.hijacked = true
	}
	return conn, rw, err
}

func (sr *statusRecorder) label() string {
	if sr.hijacked {
		return "hijacked"
	}
	return strconv.Itoa(sr.status)
}

// validRequestID accepts caller-supplied IDs that are safe to echo into
// headers and logs.
func validRequestID(id string) bool {
	if id == "" || len(id) > maxRequestIDLen {
		return false
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		case c == '-' || c == '_' || c == '.':
		default:
			return false
		}
	}
	return true
}

func requestIDFromContext(ctx context.Context) string {
	if sc, ok := ctx.Value(requestScopeKey{}).(*requestScope); ok {
		return sc.id
	}
	return ""
}

// loggerFrom returns the request-scoped logger, or fallback outside a request.
func loggerFrom(ctx context.Context, fallback *slog.Logger) *slog.Logger {
	if sc, ok := ctx.Value(requestScopeKey{}).(*requestScope); ok {
		return sc.logger
	}
	return fallback
}

func routeTemplate(r *http.Request) string {
	if current := mux.CurrentRoute(r); current != nil {
		if tmpl, err := current.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return r.URL.Path
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
