package transport

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"server-hub/auth"
	"server-hub/domain"
	"server-hub/domain/event"
	"server-hub/lanes"
	"server-hub/moderation"
	"server-hub/observability"
	"server-hub/repositories"
	"server-hub/runtime"
	"server-hub/services"
	"server-hub/sink"
	"strings"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	url      string
	tokens   *auth.TokenResolver
	store    *repositories.NotificationRepository
	registry *runtime.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.Default()
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	index, err := sink.NewSearchIndex(bluge.InMemoryOnlyConfig(), log)
	require.NoError(t, err)
	t.Cleanup(func() { _ = index.Close() })
	moderator, err := moderation.NewModerator([]string{"scam"}, '*')
	require.NoError(t, err)

	promRegistry := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promRegistry)
	tokens := auth.NewTokenResolver("test-secret", time.Hour)
	store := repositories.NewNotificationRepository(db, log, 0)
	membership := repositories.NewMembershipRepository(db)
	recipientLanes := lanes.New(16)
	registry := runtime.NewRegistry(4, metrics)
	reconciler := runtime.NewReconciler(log, store, metrics, 0)
	dispatcher := runtime.NewDispatcher(log, store, registry, recipientLanes, reconciler, metrics, runtime.DefaultDeliveryConfig())
	dispatcher.AddSinks(index)
	binder := runtime.NewBinder(log, tokens, membership, store, registry, dispatcher, recipientLanes, metrics)

	notifications := services.NewNotificationService(log, dispatcher, store, moderator, index)
	server := NewServer(log, DefaultConfig(), tokens, binder, dispatcher, registry,
		services.NewAuthService(repositories.NewUserRepository(db), tokens, []string{"ops@hub.example"}),
		notifications,
		services.NewMembershipService(log, membership, notifications, binder),
		promRegistry)

	httpServer := httptest.NewServer(server.Routes())
	t.Cleanup(func() {
		registry.DeregisterAll()
		httpServer.Close()
		dispatcher.Wait()
	})
	return &testServer{url: httpServer.URL, tokens: tokens, store: store, registry: registry}
}

func (ts *testServer) token(t *testing.T, identity string, roles ...string) string {
	t.Helper()
	token, err := ts.tokens.GenerateToken(identity, append([]string{"user"}, roles...))
	require.NoError(t, err)
	return token
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	request, err := http.NewRequest(method, ts.url+path, &payload)
	require.NoError(t, err)
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	require.NoError(t, err)
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (ts *testServer) dial(t *testing.T, query string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(ts.url, "http") + "/ws?" + query
	conn, response, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if conn != nil {
		t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, response, err
}

func readFrame(t *testing.T, conn *websocket.Conn) event.ServerFrame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var frame event.ServerFrame
	require.NoError(t, conn.ReadJSON(&frame))
	return frame
}

func TestServer_WebSocket_ReplaysPendingAndAcknowledges(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	ops := ts.token(t, "ops", auth.RoleAdmin)

	// Given a record published while alice is offline
	response := ts.do(t, http.MethodPost, "/api/notifications", ops, domain.NewNotification{
		Recipient: "alice",
		Heading:   "Welcome",
		Message:   "Welcome to Server Hub",
	})
	req.Equal(http.StatusCreated, response.StatusCode)

	// When she connects
	conn, _, err := ts.dial(t, "token="+ts.token(t, "alice"))
	req.NoError(err)

	// Then the record is replayed
	frame := readFrame(t, conn)
	req.NotNil(frame.Notification)
	req.Equal(uint64(1), frame.Notification.Seq)
	req.Equal("Welcome", frame.Notification.Heading)

	// And a live record follows
	response = ts.do(t, http.MethodPost, "/api/notifications", ops, domain.NewNotification{
		Recipient: "alice",
		Heading:   "Ping",
		Message:   "second",
	})
	req.Equal(http.StatusCreated, response.StatusCode)
	frame = readFrame(t, conn)
	req.Equal(uint64(2), frame.Notification.Seq)

	// Acknowledging moves the watermark
	req.Eventually(func() bool {
		connections := ts.registry.Connections("alice")
		return len(connections) == 1 && connections[0].LastPushedSeq == 2
	}, time.Second, 5*time.Millisecond)
	req.NoError(conn.WriteJSON(event.ClientFrame{Acknowledge: lo.ToPtr(uint64(2))}))
	req.Eventually(func() bool {
		watermark, err := ts.store.AckWatermark(t.Context(), "alice")
		return err == nil && watermark == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestServer_WebSocket_RejectsBadTokenWithPolicyViolation(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	conn, _, err := ts.dial(t, "token=garbage")
	req.NoError(err)

	req.NoError(conn.SetReadDeadline(time.Now().Add(2 * time.Second)))
	_, _, err = conn.ReadMessage()
	req.True(websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
	req.Zero(ts.registry.Count())
}

func TestServer_WebSocket_InvalidCursorIsBadRequest(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)

	_, response, err := ts.dial(t, "token="+ts.token(t, "alice")+"&after=minus-one")

	req.ErrorIs(err, websocket.ErrBadHandshake)
	req.Equal(http.StatusBadRequest, response.StatusCode)
}

func TestServer_WebSocket_RejectedFrameKeepsConnection(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	conn, _, err := ts.dial(t, "token="+ts.token(t, "alice"))
	req.NoError(err)

	// Acknowledging something never delivered is refused
	req.NoError(conn.WriteJSON(event.ClientFrame{Acknowledge: lo.ToPtr(uint64(9))}))
	frame := readFrame(t, conn)
	req.NotEmpty(frame.Error)

	// Subscribing to a scope alice is not a member of is refused too
	req.NoError(conn.WriteJSON(event.ClientFrame{Subscribe: lo.ToPtr(domain.TenantScope("server-1"))}))
	frame = readFrame(t, conn)
	req.Contains(frame.Error, "member")
	req.Equal(1, ts.registry.Count())
}

func TestServer_Publish_RequiresAdminRole(t *testing.T) {
	ts := newTestServer(t)
	body := domain.NewNotification{Recipient: "alice", Heading: "h", Message: "m"}

	tests := []struct {
		name   string
		token  string
		status int
	}{
		{name: "anonymous", token: "", status: http.StatusUnauthorized},
		{name: "plain user", token: ts.token(t, "bob"), status: http.StatusForbidden},
		{name: "admin", token: ts.token(t, "ops", auth.RoleAdmin), status: http.StatusCreated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			response := ts.do(t, http.MethodPost, "/api/notifications", tt.token, body)
			require.Equal(t, tt.status, response.StatusCode)
		})
	}
}

func TestServer_FeedAndMarkRead(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	ops := ts.token(t, "ops", auth.RoleAdmin)
	alice := ts.token(t, "alice")
	for _, heading := range []string{"first", "second"} {
		response := ts.do(t, http.MethodPost, "/api/notifications", ops, domain.NewNotification{
			Recipient: "alice", Heading: heading, Message: "text",
		})
		req.Equal(http.StatusCreated, response.StatusCode)
	}

	response := ts.do(t, http.MethodPost, "/api/notifications/1/read", alice, nil)
	req.Equal(http.StatusNoContent, response.StatusCode)

	response = ts.do(t, http.MethodGet, "/api/notifications/unread", alice, nil)
	req.Equal(http.StatusOK, response.StatusCode)
	var unread []domain.NotificationRecord
	req.NoError(json.NewDecoder(response.Body).Decode(&unread))
	req.Len(unread, 1)
	req.Equal("second", unread[0].Heading)

	response = ts.do(t, http.MethodGet, "/api/notifications?after=1", alice, nil)
	var feed []domain.NotificationRecord
	req.NoError(json.NewDecoder(response.Body).Decode(&feed))
	req.Len(feed, 1)
	req.Equal(uint64(2), feed[0].Seq)

	// Another identity sees nothing of alice's feed
	response = ts.do(t, http.MethodGet, "/api/notifications", ts.token(t, "bob"), nil)
	var empty []domain.NotificationRecord
	req.NoError(json.NewDecoder(response.Body).Decode(&empty))
	req.Empty(empty)

	response = ts.do(t, http.MethodGet, "/api/notifications?limit=abc", alice, nil)
	req.Equal(http.StatusBadRequest, response.StatusCode)
}

func TestServer_RegisterAndLogin(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	credentials := auth.RegisterRequest{Email: "alice@hub.example", Password: "Sup3rSecretPass"}

	response := ts.do(t, http.MethodPost, "/api/auth/register", "", credentials)
	req.Equal(http.StatusCreated, response.StatusCode)

	response = ts.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{
		Email: credentials.Email, Password: credentials.Password,
	})
	req.Equal(http.StatusOK, response.StatusCode)
	var body tokenResponse
	req.NoError(json.NewDecoder(response.Body).Decode(&body))
	claims, err := ts.tokens.ValidateToken(body.Token)
	req.NoError(err)
	req.NotEmpty(claims.UserID)

	response = ts.do(t, http.MethodPost, "/api/auth/login", "", auth.LoginRequest{
		Email: credentials.Email, Password: "WrongPassword1",
	})
	req.Equal(http.StatusUnauthorized, response.StatusCode)
}

func TestServer_JoinBroadcastsToScopeAndGuardsMemberList(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice, bob := ts.token(t, "alice"), ts.token(t, "bob")

	req.Equal(http.StatusNoContent, ts.do(t, http.MethodPost, "/api/scopes/server-1/join", alice, nil).StatusCode)
	conn, _, err := ts.dial(t, "token="+alice+"&scopes=server-1")
	req.NoError(err)
	// Welcome record from her own join
	req.Equal("Welcome", readFrame(t, conn).Notification.Heading)

	// bob is not a member yet
	req.Equal(http.StatusForbidden, ts.do(t, http.MethodGet, "/api/scopes/server-1/members", bob, nil).StatusCode)

	// When bob joins, alice hears about it on her scoped connection
	req.Equal(http.StatusNoContent, ts.do(t, http.MethodPost, "/api/scopes/server-1/join", bob, nil).StatusCode)
	frame := readFrame(t, conn)
	req.Equal("New member", frame.Notification.Heading)
	req.Equal(domain.TenantScope("server-1"), *frame.Notification.Scope)

	response := ts.do(t, http.MethodGet, "/api/scopes/server-1/members", bob, nil)
	req.Equal(http.StatusOK, response.StatusCode)
	var members []domain.Member
	req.NoError(json.NewDecoder(response.Body).Decode(&members))
	req.Len(members, 2)
}

func TestServer_PresenceHealthAndMetrics(t *testing.T) {
	req := require.New(t)
	ts := newTestServer(t)
	alice := ts.token(t, "alice")
	_, _, err := ts.dial(t, "token="+alice)
	req.NoError(err)
	req.Eventually(func() bool { return ts.registry.Count() == 1 }, time.Second, 5*time.Millisecond)

	response := ts.do(t, http.MethodGet, "/api/presence/alice", ts.token(t, "bob"), nil)
	var presence presenceResponse
	req.NoError(json.NewDecoder(response.Body).Decode(&presence))
	req.True(presence.Online)
	req.Equal(1, presence.Connections)

	response = ts.do(t, http.MethodGet, "/api/connections", alice, nil)
	var connections []domain.Connection
	req.NoError(json.NewDecoder(response.Body).Decode(&connections))
	req.Len(connections, 1)
	req.Equal(domain.Identity("alice"), connections[0].Identity)

	response = ts.do(t, http.MethodGet, "/healthz", "", nil)
	req.Equal(http.StatusOK, response.StatusCode)

	response = ts.do(t, http.MethodGet, "/metrics", "", nil)
	req.Equal(http.StatusOK, response.StatusCode)
	var text bytes.Buffer
	_, err = text.ReadFrom(response.Body)
	req.NoError(err)
	req.Contains(text.String(), "active_connections")
}
