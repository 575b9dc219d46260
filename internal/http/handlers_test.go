package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type echoSockets struct{}

func (echoSockets) Serve(_ context.Context, conn *websocket.Conn) {
	defer conn.Close()
	mt, data, err := conn.ReadMessage()
	if err != nil {
		return
	}
	_ = conn.WriteMessage(mt, data)
}

type fakeSessions map[string]int

func (f fakeSessions) Counts() map[string]int { return f }

type fakeBroadcast struct {
	msgType string
	payload any
}

func (f *fakeBroadcast) ToAll(_ context.Context, msgType string, payload any) int {
	f.msgType, f.payload = msgType, payload
	return 3
}

type pingFunc func(context.Context) error

func (p pingFunc) Ping(ctx context.Context) error { return p(ctx) }

func newTestServer(ready map[string]Pinger) (*Server, *fakeBroadcast) {
	b := &fakeBroadcast{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	sessions := fakeSessions{"driver": 2, "passenger": 1, "unauthenticated": 1}
	return NewServer(echoSockets{}, sessions, b, ready, logger), b
}

func TestHealthz(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestRequestIDIsPropagated(t *testing.T) {
	s, _ := newTestServer(nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "abc-123")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get("X-Request-ID"))
}

func TestReadyReportsFailingDependency(t *testing.T) {
	s, _ := newTestServer(map[string]Pinger{
		"postgres": pingFunc(func(context.Context) error { return nil }),
		"redis":    pingFunc(func(context.Context) error { return errors.New("connection refused") }),
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "ok", body["postgres"])
	require.Equal(t, "connection refused", body["redis"])
}

func TestReadyWithoutDependencies(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBroadcastToAll(t *testing.T) {
	s, b := newTestServer(nil)
	body := `{"type":"feature_toggle_updated","payload":{"feature":"pool","enabled":true}}`
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast", strings.NewReader(body)))
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "feature_toggle_updated", b.msgType)
	require.JSONEq(t, `{"feature":"pool","enabled":true}`, string(b.payload.(json.RawMessage)))
	require.JSONEq(t, `{"delivered":3}`, rec.Body.String())
}

func TestBroadcastValidation(t *testing.T) {
	s, b := newTestServer(nil)
	for _, body := range []string{`{`, `{"payload":{}}`} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/internal/broadcast", strings.NewReader(body)))
		require.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
	require.Empty(t, b.msgType)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/broadcast", nil))
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestSessionCounts(t *testing.T) {
	s, _ := newTestServer(nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"total":4,"byRole":{"driver":2,"passenger":1,"unauthenticated":1}}`, rec.Body.String())
}

func TestWebSocketUpgradeThroughMiddleware(t *testing.T) {
	s, _ := newTestServer(nil)
	srv := httptest.NewServer(s)
	defer srv.Close()

	c, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"type":"ping"}`)))
	_, data, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, `{"type":"ping"}`, string(data))
}

func TestRecoveredPanicReturnsJSONWithRequestID(t *testing.T) {
	var logs bytes.Buffer
	s := NewServer(echoSockets{}, fakeSessions{}, &fakeBroadcast{}, nil, slog.New(slog.NewJSONHandler(&logs, nil)))
	s.mux.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	req := httptest.NewRequest(http.MethodGet, "/boom", nil)
	req.Header.Set("X-Request-ID", "req-7")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.JSONEq(t, `{"error":"internal error","requestId":"req-7"}`, rec.Body.String())

	var panicLine, accessLine map[string]any
	for _, line := range strings.Split(strings.TrimSpace(logs.String()), "\n") {
		var entry map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		switch entry["msg"] {
		case "panic recovered":
			panicLine = entry
		case "http_request":
			accessLine = entry
		}
	}
	require.NotNil(t, panicLine)
	require.Equal(t, "req-7", panicLine["request_id"])
	require.Contains(t, panicLine["stack"], "runtime/debug.Stack")
	require.NotNil(t, accessLine)
	require.Equal(t, "500", accessLine["status"])
	require.Equal(t, "ERROR", accessLine["level"])
}

func TestPanicAfterWriteKeepsOriginalResponse(t *testing.T) {
	s, _ := newTestServer(nil)
	s.mux.HandleFunc("/late", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		panic("late")
	})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/late", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Empty(t, rec.Body.String())
}

func TestUnsafeRequestIDIsReplaced(t *testing.T) {
	s, _ := newTestServer(nil)
	for _, id := range []string{"has space", "line\nbreak", strings.Repeat("a", maxRequestIDLen+1)} {
		req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
		req.Header.Set("X-Request-ID", id)
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		got := rec.Header().Get("X-Request-ID")
		require.NotEqual(t, id, got)
		_, err := uuid.Parse(got)
		require.NoError(t, err)
	}
}

func TestRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.0.0.5:5555"
	require.Equal(t, "10.0.0.5", remoteIP(r))
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")
	require.Equal(t, "203.0.113.9", remoteIP(r))
}
