package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/session"
)

// SocketServer owns an upgraded connection until it closes.
type SocketServer interface {
	Serve(ctx context.Context, conn *websocket.Conn)
}

// Sessions reports live session counts.
type Sessions interface {
	Counts() map[string]int
}

// Broadcaster fans a frame out to every live session.
type Broadcaster interface {
	ToAll(ctx context.Context, msgType string, payload any) int
}

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Sockets   SocketServer
	Sessions  Sessions
	Broadcast Broadcaster
	// Ready maps a dependency name to its health check.
	Ready map[string]Pinger

	logger   *slog.Logger
	upgrader websocket.Upgrader
	mux      *mux.Router
}

func NewServer(sockets SocketServer, sessions Sessions, broadcast Broadcaster, ready map[string]Pinger, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Sockets:   sockets,
		Sessions:  sessions,
		Broadcast: broadcast,
		Ready:     ready,
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// any origin may connect; identity comes from the auth frame
			CheckOrigin: func(*http.Request) bool { return true },
		},
		mux: mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	s.mux.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.mux.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.HandleFunc("/broadcast", s.handleBroadcast).Methods(http.MethodPost)
	internal.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		loggerFrom(r.Context(), s.logger).Warn("websocket upgrade failed", "err", err, "remote_addr", remoteIP(r))
		return
	}
	s.Sockets.Serve(r.Context(), conn)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := make(map[string]string, len(s.Ready))
	for name, p := range s.Ready {
		if err := p.Ping(ctx); err != nil {
			loggerFrom(r.Context(), s.logger).Warn("readiness check failed", "dependency", name, "err", err)
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}
	writeJSON(w, status, checks)
}

type broadcastRequest struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	var req broadcastRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	if req.Type == "" {
		http.Error(w, "type is required", http.StatusBadRequest)
		return
	}
	var payload any = req.Payload
	if len(req.Payload) == 0 {
		payload = struct{}{}
	}
	n := s.Broadcast.ToAll(r.Context(), req.Type, payload)
	loggerFrom(r.Context(), s.logger).Info("admin broadcast", "type", req.Type, "delivered", n)
	writeJSON(w, http.StatusAccepted, map[string]int{"delivered": n})
}

func (s *Server) handleSessions(w http.ResponseWriter, _ *http.Request) {
	counts := s.Sessions.Counts()
	total := 0
	for _, n := range counts {
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "byRole": counts})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var _ Sessions = (*session.Registry)(nil)
