package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/protocol"
	"github.com/example/ride-dispatch/internal/session"
	"github.com/example/ride-dispatch/internal/session/sessiontest"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func bound(t *testing.T, r *session.Registry, userID int64, role models.Role) (*session.Session, *sessiontest.Conn) {
	t.Helper()
	c := sessiontest.NewConn()
	s := r.Register(c)
	require.NoError(t, r.Bind(s, userID, role))
	c.Reset()
	return s, c
}

func TestToRoleExcludesUsers(t *testing.T) {
	reg := session.NewRegistry(quiet, session.Options{})
	b := NewBroadcaster(reg, quiet)
	_, d1 := bound(t, reg, 20, models.RoleDriver)
	_, d2 := bound(t, reg, 21, models.RoleDriver)
	_, p := bound(t, reg, 10, models.RolePassenger)

	n := b.ToRole(context.Background(), models.RoleDriver, protocol.TypeRideRejected, protocol.RideRejected{RideRequestID: 1}, 20)
	require.Equal(t, 1, n)
	require.Empty(t, d1.Frames())
	require.Len(t, d2.OfType(protocol.TypeRideRejected), 1)
	require.Empty(t, p.Frames())
}

func TestDeliverSkipsClosedAndFailingSessions(t *testing.T) {
	reg := session.NewRegistry(quiet, session.Options{})
	b := NewBroadcaster(reg, quiet)
	s1, _ := bound(t, reg, 20, models.RoleDriver)
	_, c2 := bound(t, reg, 21, models.RoleDriver)
	_, c3 := bound(t, reg, 22, models.RoleDriver)
	c3.FailWrite = true

	// closed but still listed, as in the window between close and removal
	targets := []*session.Session{s1}
	targets = append(targets, reg.FindByUser(21, models.RoleDriver)...)
	targets = append(targets, reg.FindByUser(22, models.RoleDriver)...)
	reg.Remove(s1)

	n := b.deliver(targets, protocol.TypePong, nil, nil)
	require.Equal(t, 1, n)
	require.Len(t, c2.Frames(), 1)
}

func TestConnected(t *testing.T) {
	reg := session.NewRegistry(quiet, session.Options{})
	b := NewBroadcaster(reg, quiet)
	s, _ := bound(t, reg, 20, models.RoleDriver)

	require.True(t, b.Connected(20, models.RoleDriver))
	require.False(t, b.Connected(20, models.RolePassenger))
	require.False(t, b.Connected(21, models.RoleDriver))

	reg.Remove(s)
	require.False(t, b.Connected(20, models.RoleDriver))
}

func TestToUsersAndToAll(t *testing.T) {
	reg := session.NewRegistry(quiet, session.Options{})
	b := NewBroadcaster(reg, quiet)
	_, d1 := bound(t, reg, 20, models.RoleDriver)
	_, d2 := bound(t, reg, 21, models.RoleDriver)
	anon := sessiontest.NewConn()
	reg.Register(anon)

	require.Equal(t, 1, b.ToUsers(context.Background(), []int64{21, 99}, models.RoleDriver, protocol.TypeNewRideRequest, protocol.NewRideRequest{ID: 5}))
	require.Empty(t, d1.Frames())
	require.Len(t, d2.Frames(), 1)

	require.Equal(t, 3, b.ToAll(context.Background(), "config_updated", map[string]bool{"surge": true}))
	require.Len(t, anon.OfType("config_updated"), 1)
}

type recordingPusher struct {
	calls []int64
	err   error
}

func (p *recordingPusher) Push(_ context.Context, userID int64, _ models.Role, _ string, _ any) error {
	p.calls = append(p.calls, userID)
	return p.err
}

func TestToUserPushesWhenOffline(t *testing.T) {
	reg := session.NewRegistry(quiet, session.Options{})
	push := &recordingPusher{}
	b := NewBroadcaster(reg, quiet).WithPush(push)
	_, c := bound(t, reg, 10, models.RolePassenger)

	require.Equal(t, 1, b.ToUser(context.Background(), 10, models.RolePassenger, protocol.TypePong, nil))
	require.Len(t, c.Frames(), 1)
	require.Empty(t, push.calls)

	require.Equal(t, 0, b.ToUser(context.Background(), 11, models.RolePassenger, protocol.TypePong, nil))
	require.Equal(t, []int64{11}, push.calls)

	push.err = errors.New("provider down")
	require.Equal(t, 0, b.ToUser(context.Background(), 12, models.RolePassenger, protocol.TypePong, nil))
}

func TestHTTPPusherPostsFrame(t *testing.T) {
	var got pushBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPPusher(srv.URL)
	require.NoError(t, p.Push(context.Background(), 10, models.RolePassenger, protocol.TypeRideCanceled, protocol.RideCanceledNotice{RideRequestID: 3}))
	require.Equal(t, int64(10), got.UserID)
	require.Equal(t, protocol.TypeRideCanceled, got.Type)
}

func TestHTTPPusherReportsStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	require.Error(t, NewHTTPPusher(srv.URL).Push(context.Background(), 1, models.RoleDriver, protocol.TypePong, nil))
}
