package router

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/storage"
)

type wireFrame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type testServer struct {
	url   string
	store *storage.MemoryStore
	reg   *session.Registry
}

type panickyEngine struct{ *rides.Engine }

func (panickyEngine) Request(context.Context, session.Identity, *protocol.RideRequest) (rides.Outcome, error) {
	panic("boom")
}

func startServer(t *testing.T, regOpts session.Options, opts Options, wrap func(*rides.Engine) Engine) *testServer {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := storage.NewMemoryStore()
	store.AddUser(models.User{ID: 10, Name: "Paula", Phone: "555-0100", Type: models.RolePassenger})
	store.AddUser(models.User{ID: 20, Name: "Dan", Phone: "555-0120", Type: models.RoleDriver})
	store.AddUser(models.User{ID: 21, Name: "Dora", Phone: "555-0121", Type: models.RoleDriver})

	reg := session.NewRegistry(logger, regOpts)
	eng := rides.NewEngine(store, &matcher.Locator{Store: store}, dispatch.NewBroadcaster(reg, logger), logger, rides.Options{})
	var e Engine = eng
	if wrap != nil {
		e = wrap(eng)
	}
	rt := New(reg, e, store, logger, opts)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		rt.Serve(r.Context(), conn)
	}))
	t.Cleanup(func() {
		reg.CloseAll()
		srv.Close()
	})
	return &testServer{url: "ws" + strings.TrimPrefix(srv.URL, "http"), store: store, reg: reg}
}

func dial(t *testing.T, ts *testServer) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(ts.url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func send(t *testing.T, c *websocket.Conn, typ string, payload any) {
	t.Helper()
	b, err := json.Marshal(map[string]any{"type": typ, "payload": payload, "timestamp": time.Now().UnixMilli()})
	require.NoError(t, err)
	require.NoError(t, c.WriteMessage(websocket.TextMessage, b))
}

func next(t *testing.T, c *websocket.Conn) wireFrame {
	t.Helper()
	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f wireFrame
	require.NoError(t, c.ReadJSON(&f))
	return f
}

func expect(t *testing.T, c *websocket.Conn, typ string) wireFrame {
	t.Helper()
	f := next(t, c)
	require.Equal(t, typ, f.Type, "payload: %s", f.Payload)
	return f
}

func errorMessage(t *testing.T, c *websocket.Conn) string {
	t.Helper()
	f := expect(t, c, protocol.TypeError)
	var e protocol.Error
	require.NoError(t, json.Unmarshal(f.Payload, &e))
	return e.Message
}

func login(t *testing.T, ts *testServer, userID int64, role models.Role) *websocket.Conn {
	t.Helper()
	c := dial(t, ts)
	send(t, c, protocol.TypeAuth, map[string]any{"userId": userID, "userType": role})
	expect(t, c, protocol.TypeAuthSuccess)
	return c
}

func TestRequiresAuthBeforeRideTraffic(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, nil)
	c := dial(t, ts)

	send(t, c, protocol.TypeRideAccepted, map[string]any{"rideRequestId": 1})
	require.Equal(t, msgNotAuthenticated, errorMessage(t, c))

	send(t, c, "surge_pricing_update", map[string]any{})
	require.Equal(t, msgNotAuthenticated, errorMessage(t, c))

	send(t, c, protocol.TypePing, nil)
	expect(t, c, protocol.TypePong)
}

func TestAuthValidatesRoleAndAllowsRetry(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, nil)
	c := dial(t, ts)

	send(t, c, protocol.TypeAuth, map[string]any{"userId": 10, "userType": "driver"})
	require.Equal(t, "user is not a driver", errorMessage(t, c))

	send(t, c, protocol.TypeAuth, map[string]any{"userId": 999, "userType": "passenger"})
	require.Equal(t, "unknown user", errorMessage(t, c))

	send(t, c, protocol.TypeAuth, map[string]any{"userId": 10, "userType": "passenger"})
	f := expect(t, c, protocol.TypeAuthSuccess)
	var ok protocol.AuthSuccess
	require.NoError(t, json.Unmarshal(f.Payload, &ok))
	require.Equal(t, int64(10), ok.UserID)
	require.Len(t, ts.reg.FindByUser(10, models.RolePassenger), 1)
}

func TestUnknownTypeIgnoredAndMalformedFrameReported(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, nil)
	c := login(t, ts, 10, models.RolePassenger)

	send(t, c, "feature_toggle_ack", map[string]any{"flag": "x"})
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte("{not json")))
	require.Equal(t, "malformed frame", strings.SplitN(errorMessage(t, c), ":", 2)[0])

	send(t, c, protocol.TypeRideRequest, map[string]any{"originLat": -23.0})
	require.Contains(t, errorMessage(t, c), "coordinates are required")

	// nothing was sent for the unknown frame; the connection is still usable
	send(t, c, protocol.TypePing, nil)
	expect(t, c, protocol.TypePong)
}

func TestAuthGraceClosesSilentConnection(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{AuthGrace: 100 * time.Millisecond}, nil)
	c := dial(t, ts)
	require.Equal(t, msgAuthTimeout, errorMessage(t, c))

	require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := c.ReadMessage()
	require.Error(t, err, "server must close the connection")
}

func TestAuthenticatedSessionHasNoReadDeadline(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{AuthGrace: 100 * time.Millisecond}, nil)
	c := login(t, ts, 20, models.RoleDriver)
	time.Sleep(250 * time.Millisecond)
	send(t, c, protocol.TypePing, nil)
	expect(t, c, protocol.TypePong)
}

func TestSecondLoginEvictsFirst(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, nil)
	first := login(t, ts, 20, models.RoleDriver)
	login(t, ts, 20, models.RoleDriver)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	require.Len(t, ts.reg.FindByUser(20, models.RoleDriver), 1)
}

func TestRideFlowOverSockets(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, nil)
	p := login(t, ts, 10, models.RolePassenger)
	d1 := login(t, ts, 20, models.RoleDriver)
	d2 := login(t, ts, 21, models.RoleDriver)

	for _, d := range []*websocket.Conn{d1, d2} {
		send(t, d, protocol.TypeDriverLocationUpdate, map[string]any{"latitude": -23.0, "longitude": -47.0})
		send(t, d, protocol.TypePing, nil)
		expect(t, d, protocol.TypePong)
	}

	send(t, p, protocol.TypeRideRequest, map[string]any{
		"originLat": -23.0, "originLng": -47.0, "originAddress": "A",
		"destinationLat": -23.1, "destinationLng": -47.1, "destinationAddress": "B",
		"estimatedPrice": 30.5,
	})
	f := expect(t, p, protocol.TypeRideRequestCreated)
	var created protocol.RideRequestCreated
	require.NoError(t, json.Unmarshal(f.Payload, &created))
	require.Equal(t, 2, created.CandidateDrivers)

	expect(t, d1, protocol.TypeNewRideRequest)
	expect(t, d2, protocol.TypeNewRideRequest)

	send(t, d1, protocol.TypeRideAccepted, map[string]any{"rideRequestId": created.ID})
	f = expect(t, p, protocol.TypeRideAccepted)
	var notice protocol.RideAcceptedNotice
	require.NoError(t, json.Unmarshal(f.Payload, &notice))
	require.Equal(t, "Dan", notice.DriverName)
	expect(t, d1, protocol.TypeRideAccepted)
	expect(t, d2, protocol.TypeRideRejected)

	send(t, d2, protocol.TypeRideAccepted, map[string]any{"rideRequestId": created.ID})
	expect(t, d2, protocol.TypeRideRejected)

	send(t, p, protocol.TypeRideStarted, map[string]any{"rideRequestId": created.ID})
	require.Contains(t, errorMessage(t, p), "only the assigned driver")

	send(t, d1, protocol.TypeRideStarted, map[string]any{"rideRequestId": created.ID})
	expect(t, p, protocol.TypeRideStarted)
	expect(t, d1, protocol.TypeRideStarted)

	send(t, d1, protocol.TypeRideCompleted, map[string]any{"rideRequestId": created.ID})
	f = expect(t, p, protocol.TypeRideCompleted)
	var done protocol.RideProgress
	require.NoError(t, json.Unmarshal(f.Payload, &done))
	require.Equal(t, 30.5, *done.Price)

	loc, err := ts.store.GetDriverLocationByDriverID(context.Background(), 20)
	require.NoError(t, err)
	require.Equal(t, models.DriverAvailable, loc.Status)
}

func TestHandlerPanicBecomesErrorFrame(t *testing.T) {
	ts := startServer(t, session.Options{}, Options{}, func(e *rides.Engine) Engine { return panickyEngine{e} })
	p := login(t, ts, 10, models.RolePassenger)
	other := login(t, ts, 20, models.RoleDriver)

	send(t, p, protocol.TypeRideRequest, map[string]any{
		"originLat": 1.0, "originLng": 1.0, "originAddress": "A",
		"destinationLat": 2.0, "destinationLng": 2.0, "destinationAddress": "B",
	})
	require.Equal(t, rides.InternalMessage, errorMessage(t, p))

	send(t, p, protocol.TypePing, nil)
	expect(t, p, protocol.TypePong)
	send(t, other, protocol.TypePing, nil)
	expect(t, other, protocol.TypePong)
}

func TestRateLimitedFramesAreRefused(t *testing.T) {
	ts := startServer(t, session.Options{FrameRate: 0.001, FrameBurst: 2}, Options{}, nil)
	c := dial(t, ts)
	send(t, c, protocol.TypeAuth, map[string]any{"userId": 10, "userType": "passenger"})
	expect(t, c, protocol.TypeAuthSuccess)
	send(t, c, protocol.TypePing, nil)
	expect(t, c, protocol.TypePong)
	send(t, c, protocol.TypePing, nil)
	require.Equal(t, msgRateLimited, errorMessage(t, c))
}
