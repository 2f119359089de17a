package http

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/Wyydra/duet/internal/adapter/driven/persistence/sqlite"
	"github.com/Wyydra/duet/internal/core/domain"
	"github.com/Wyydra/duet/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	relay := service.NewRelayService()
	go relay.Run()
	t.Cleanup(relay.Stop)

	h := NewHandler(relay, service.NewRoomDirectory(sqlite.NewRoomRepository(db)), opts)
	srv := httptest.NewServer(h.NewRouter())
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestConfigEndpoint(t *testing.T) {
	srv := newTestServer(t, Options{ICEServers: []domain.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}})

	resp, err := http.Get(srv.URL + "/api/v1/config")
	require.NoError(t, err)
	defer resp.Body.Close()

	body := decode[struct {
		ICEServers []domain.ICEServer `json:"ice_servers"`
	}](t, resp)
	assert.Equal(t, []domain.ICEServer{{URLs: []string{"stun:stun.example.com:3478"}}}, body.ICEServers)
}

func TestRoomsAPI(t *testing.T) {
	srv := newTestServer(t, Options{})
	api := srv.URL + "/api/v1"

	resp := postJSON(t, api+"/rooms", map[string]int{"creator_id": 1})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	room := decode[domain.Room](t, resp)
	require.NotEmpty(t, room.ID)
	assert.Equal(t, []domain.UserID{1}, room.Participants)

	resp = postJSON(t, api+"/rooms/"+room.ID.String()+"/join", map[string]int{"user_id": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []domain.UserID{1, 2}, decode[domain.Room](t, resp).Participants)

	get, err := http.Get(api + "/rooms/" + room.ID.String())
	require.NoError(t, err)
	defer get.Body.Close()
	require.Equal(t, http.StatusOK, get.StatusCode)
	assert.True(t, decode[domain.Room](t, get).IsActive)

	postJSON(t, api+"/rooms/"+room.ID.String()+"/leave", map[string]int{"user_id": 1})
	resp = postJSON(t, api+"/rooms/"+room.ID.String()+"/leave", map[string]int{"user_id": 2})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.False(t, decode[domain.Room](t, resp).IsActive)

	resp = postJSON(t, api+"/rooms/"+room.ID.String()+"/join", map[string]int{"user_id": 3})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestRoomsAPIErrors(t *testing.T) {
	srv := newTestServer(t, Options{})
	api := srv.URL + "/api/v1"

	resp := postJSON(t, api+"/rooms", map[string]int{"creator_id": 0})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.NotEmpty(t, decode[map[string]string](t, resp)["error"])

	resp, err := http.Post(api+"/rooms", "application/json", strings.NewReader("{"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	get, err := http.Get(api + "/rooms/not-a-room")
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusBadRequest, get.StatusCode)

	get, err = http.Get(api + "/rooms/" + domain.NewSessionID().String())
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusNotFound, get.StatusCode)
}

func dial(t *testing.T, srv *httptest.Server, user string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=" + user
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) domain.Message {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	msg, err := domain.DecodeMessage(raw)
	require.NoError(t, err)
	return msg
}

func send(t *testing.T, conn *websocket.Conn, msg domain.Message) {
	t.Helper()
	data, err := json.Marshal(msg)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestWebsocketRequiresUser(t *testing.T) {
	srv := newTestServer(t, Options{})
	resp, err := http.Get(srv.URL + "/ws")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebsocketRelaysCall(t *testing.T) {
	srv := newTestServer(t, Options{})

	alice := dial(t, srv, "1")
	assert.Equal(t, domain.MessageConnected, read(t, alice).Type)
	bob := dial(t, srv, "2")
	assert.Equal(t, domain.MessageConnected, read(t, bob).Type)

	send(t, alice, domain.NewJoinRoomMessage("r1"))
	assert.Equal(t, domain.MessageRoomUsers, read(t, alice).Type)

	send(t, alice, domain.NewOfferMessage("r1", 1, 2, "v=0", true))
	offer := read(t, bob)
	assert.Equal(t, domain.MessageOffer, offer.Type)
	assert.Equal(t, domain.UserID(1), offer.FromUserID)
	assert.True(t, offer.WantsVideo())

	send(t, bob, domain.NewJoinRoomMessage("r1"))
	users := read(t, bob)
	assert.Equal(t, domain.MessageRoomUsers, users.Type)
	assert.Equal(t, []domain.UserID{1}, users.Users)
	joined := read(t, alice)
	assert.Equal(t, domain.MessageUserJoined, joined.Type)
	assert.Equal(t, domain.UserID(2), joined.UserID)

	send(t, bob, domain.NewAnswerMessage("r1", 2, 1, "v=0"))
	assert.Equal(t, domain.MessageAnswer, read(t, alice).Type)

	bob.Close()
	left := read(t, alice)
	assert.Equal(t, domain.MessageUserLeft, left.Type)
	assert.Equal(t, domain.UserID(2), left.UserID)

	resp, err := http.Get(srv.URL + "/ws/stats")
	require.NoError(t, err)
	defer resp.Body.Close()
	stats := decode[service.RelayStats](t, resp)
	assert.Equal(t, service.RelayStats{OnlineUsers: 1, ActiveRooms: 1}, stats)
}

func TestWebsocketRejectsMalformed(t *testing.T) {
	srv := newTestServer(t, Options{})
	alice := dial(t, srv, "1")
	read(t, alice)

	require.NoError(t, alice.WriteMessage(websocket.TextMessage, []byte(`{"type":"offer"}`)))
	msg := read(t, alice)
	assert.Equal(t, domain.MessageError, msg.Type)
	assert.Contains(t, msg.Reason, "malformed")
}

func TestWebsocketRateLimit(t *testing.T) {
	srv := newTestServer(t, Options{MessageRate: 0.001, MessageBurst: 1})
	alice := dial(t, srv, "1")
	read(t, alice)

	send(t, alice, domain.NewJoinRoomMessage("r1"))
	assert.Equal(t, domain.MessageRoomUsers, read(t, alice).Type)

	send(t, alice, domain.NewJoinRoomMessage("r2"))
	msg := read(t, alice)
	assert.Equal(t, domain.MessageError, msg.Type)
	assert.Equal(t, "rate limit exceeded", msg.Reason)
}

func TestWebsocketOriginCheck(t *testing.T) {
	srv := newTestServer(t, Options{AllowedOrigins: []string{"https://app.example"}})
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?user_id=1"

	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://evil.example"}})
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{"Origin": {"https://app.example"}})
	require.NoError(t, err)
	conn.Close()
}

func TestListRooms(t *testing.T) {
	srv := newTestServer(t, Options{})
	api := srv.URL + "/api/v1"

	list := func() (rooms []domain.Room, total int) {
		t.Helper()
		resp, err := http.Get(api + "/rooms")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Rooms []domain.Room `json:"rooms"`
			Total int           `json:"total"`
		}](t, resp)
		return body.Rooms, body.Total
	}

	rooms, total := list()
	assert.Empty(t, rooms)
	assert.Zero(t, total)

	created := decode[domain.Room](t, postJSON(t, api+"/rooms", map[string]int{"creator_id": 1}))
	closed := decode[domain.Room](t, postJSON(t, api+"/rooms", map[string]int{"creator_id": 2}))
	postJSON(t, api+"/rooms/"+closed.ID.String()+"/leave", map[string]int{"user_id": 2})

	rooms, total = list()
	require.Len(t, rooms, 1)
	assert.Equal(t, 1, total)
	assert.Equal(t, created.ID, rooms[0].ID)
	assert.Equal(t, []domain.UserID{1}, rooms[0].Participants)
}

func TestOnlineUsers(t *testing.T) {
	srv := newTestServer(t, Options{})

	online := func() []onlineUser {
		t.Helper()
		resp, err := http.Get(srv.URL + "/api/v1/users/online")
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		body := decode[struct {
			Users []onlineUser `json:"users"`
			Total int          `json:"total"`
		}](t, resp)
		assert.Equal(t, len(body.Users), body.Total)
		return body.Users
	}

	assert.Empty(t, online())

	bob := dial(t, srv, "7")
	read(t, bob)
	alice := dial(t, srv, "3")
	read(t, alice)
	assert.Equal(t, []onlineUser{{ID: 3, IsOnline: true}, {ID: 7, IsOnline: true}}, online())

	bob.Close()
	require.Eventually(t, func() bool {
		return len(online()) == 1
	}, waitFor, 10*time.Millisecond)
}
