package ws

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mqy/minichat/auth"
	"github.com/mqy/minichat/chat"
	"github.com/mqy/minichat/store"
)

const (
	admin int32 = 1
	alice int32 = 2
	bob   int32 = 3
)

type testEnv struct {
	srv    *httptest.Server
	hub    *Hub
	tokens *auth.Tokens
}

func newTestEnv(t *testing.T) *testEnv {
	authClient := auth.NewMockClient([]int32{admin})
	svc := chat.NewService(&chat.ServiceCfg{
		Store:     store.NewMemoryStore(),
		Directory: authClient,
	})
	tokens := auth.NewTokens([]byte("secret"), time.Hour)
	api := NewApi(svc, authClient, tokens, ApiConf{MaxMessageBytes: 64})
	hub := NewHub(api, authClient, 0)

	mux := http.NewServeMux()
	api.Register(mux)
	mux.Handle("/ws", hub)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return &testEnv{srv: srv, hub: hub, tokens: tokens}
}

type rawEnvelope struct {
	Id      int64           `json:"id"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (e *testEnv) do(t *testing.T, method, path string, uid int32, name string, form url.Values) (int, *rawEnvelope) {
	var body io.Reader
	target := e.srv.URL + path
	if method == http.MethodGet {
		target += "?" + form.Encode()
	} else {
		body = strings.NewReader(form.Encode())
	}
	req, err := http.NewRequest(method, target, body)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if uid > 0 {
		req.AddCookie(&http.Cookie{Name: "x-uid", Value: fmt.Sprint(uid)})
	}
	if name != "" {
		req.AddCookie(&http.Cookie{Name: "x-name", Value: name})
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	out := &rawEnvelope{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	return resp.StatusCode, out
}

func (e *testEnv) token(t *testing.T, uid int32, room int64) string {
	status, env := e.do(t, http.MethodGet, "/chat/token", uid, "", url.Values{"chat_id": {fmt.Sprint(room)}})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)

	var tr TokenResp
	require.NoError(t, json.Unmarshal(env.Data, &tr))
	assert.Equal(t, 5, tr.Interval)
	return tr.Token
}

func reasonOf(t *testing.T, env *rawEnvelope) string {
	require.False(t, env.Success)
	var s string
	require.NoError(t, json.Unmarshal(env.Data, &s))
	return s
}

func TestPostAndPoll(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, alice, 7)

	status, env := e.do(t, http.MethodPost, "/chat/post", alice, "alice", url.Values{
		"chat_id": {"7"},
		"message": {"hello <script>x</script>"},
		"token":   {tok},
	})
	require.Equal(t, http.StatusOK, status)
	require.True(t, env.Success)
	var msg chat.FormattedMessage
	require.NoError(t, json.Unmarshal(env.Data, &msg))
	assert.Equal(t, "hello", msg.Text)
	assert.Equal(t, "alice", msg.User)

	// Known count is current.
	status, env = e.do(t, http.MethodPost, "/chat/poll", alice, "alice", url.Values{
		"chat_id": {"7"},
		"count":   {"1"},
		"token":   {tok},
	})
	require.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.Equal(t, "0", string(env.Data))

	status, env = e.do(t, http.MethodPost, "/chat/poll", alice, "alice", url.Values{
		"chat_id": {"7"},
		"count":   {"0"},
		"typing":  {"1"},
		"token":   {tok},
	})
	require.Equal(t, http.StatusOK, status)
	assert.JSONEq(t, `{"alice":{"typing":true}}`, string(extract(t, env.Data, "presence")))

	var list []chat.FormattedMessage
	require.NoError(t, json.Unmarshal(extract(t, env.Data, "messages"), &list))
	require.Len(t, list, 1)
	assert.Equal(t, "hello", list[0].Text)
}

func extract(t *testing.T, data json.RawMessage, key string) json.RawMessage {
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m[key]
}

func TestPostErrors(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, alice, 7)
	other := e.token(t, bob, 7)

	cases := []struct {
		name   string
		uid    int32
		form   url.Values
		status int
		reason string
	}{
		{"no cookie", 0, url.Values{"chat_id": {"7"}, "message": {"x"}, "token": {tok}}, http.StatusUnauthorized, "Error: Unauthorized."},
		{"missing message", alice, url.Values{"chat_id": {"7"}, "token": {tok}}, http.StatusBadRequest, "Error: Missing Arguments."},
		{"missing chat id", alice, url.Values{"message": {"x"}, "token": {tok}}, http.StatusBadRequest, "Error: Missing Arguments."},
		{"bad chat id", alice, url.Values{"chat_id": {"abc"}, "message": {"x"}, "token": {tok}}, http.StatusBadRequest, "Error: Invalid Chat ID."},
		{"token of other user", alice, url.Values{"chat_id": {"7"}, "message": {"x"}, "token": {other}}, http.StatusForbidden, "Error: Invalid Token."},
		{"token of other room", alice, url.Values{"chat_id": {"8"}, "message": {"x"}, "token": {tok}}, http.StatusForbidden, "Error: Invalid Token."},
		{"empty", alice, url.Values{"chat_id": {"7"}, "message": {"<div> </div>"}, "token": {tok}}, http.StatusBadRequest, "Error: Empty Message."},
		{"too long", alice, url.Values{"chat_id": {"7"}, "message": {strings.Repeat("x", 65)}, "token": {tok}}, http.StatusBadRequest, "Error: Message Too Long."},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, env := e.do(t, http.MethodPost, "/chat/post", c.uid, "", c.form)
			assert.Equal(t, c.status, status)
			assert.Equal(t, c.reason, reasonOf(t, env))
		})
	}

	_, env := e.do(t, http.MethodGet, "/chat/messages", alice, "", url.Values{"chat_id": {"7"}})
	assert.Equal(t, "[]", string(env.Data))
}

func TestPollErrors(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, alice, 7)

	status, _ := e.do(t, http.MethodPost, "/chat/post", alice, "", url.Values{"chat_id": {"7"}, "message": {"hi"}, "token": {tok}})
	require.Equal(t, http.StatusOK, status)

	cases := []struct {
		name   string
		form   url.Values
		reason string
	}{
		{"missing count", url.Values{"chat_id": {"7"}, "token": {tok}}, "Error: Missing Arguments."},
		{"bad count", url.Values{"chat_id": {"7"}, "count": {"abc"}, "token": {tok}}, "Error: Missing Arguments."},
		{"fractional count", url.Values{"chat_id": {"7"}, "count": {"1.5"}, "token": {tok}}, "Error: Missing Arguments."},
		{"bad chat id", url.Values{"chat_id": {"abc"}, "count": {"0"}, "token": {tok}}, "Error: Invalid Chat ID."},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			status, env := e.do(t, http.MethodPost, "/chat/poll", alice, "", c.form)
			assert.Equal(t, http.StatusBadRequest, status)
			assert.Equal(t, c.reason, reasonOf(t, env))
		})
	}

	// A rejected count is not read as zero.
	status, env := e.do(t, http.MethodPost, "/chat/poll", alice, "", url.Values{"chat_id": {"7"}, "count": {" 1 "}, "token": {tok}})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "0", string(env.Data))
}

func TestRoomActivity(t *testing.T) {
	e := newTestEnv(t)
	tok := e.token(t, alice, 7)
	post := url.Values{"chat_id": {"7"}, "message": {"hi"}, "token": {tok}}

	status, _ := e.do(t, http.MethodPost, "/chat/post", alice, "", post)
	require.Equal(t, http.StatusOK, status)

	status, env := e.do(t, http.MethodPost, "/chat/active", alice, "", url.Values{"chat_id": {"7"}, "active": {"0"}})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "Error: Unauthorized.", reasonOf(t, env))

	status, _ = e.do(t, http.MethodPost, "/chat/active", admin, "", url.Values{"chat_id": {"7"}, "active": {"0"}})
	require.Equal(t, http.StatusOK, status)

	status, env = e.do(t, http.MethodPost, "/chat/post", alice, "", post)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Error: Room Inactive.", reasonOf(t, env))

	status, env = e.do(t, http.MethodPost, "/chat/poll", alice, "", url.Values{"chat_id": {"7"}, "count": {"0"}, "token": {tok}})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "Error: Room Inactive.", reasonOf(t, env))

	// The listing ignores the gate.
	status, env = e.do(t, http.MethodGet, "/chat/messages", bob, "", url.Values{"chat_id": {"7"}})
	require.Equal(t, http.StatusOK, status)
	var list []chat.FormattedMessage
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)

	status, _ = e.do(t, http.MethodPost, "/chat/active", admin, "", url.Values{"chat_id": {"7"}, "active": {"1"}})
	require.Equal(t, http.StatusOK, status)
	status, _ = e.do(t, http.MethodPost, "/chat/post", alice, "", post)
	assert.Equal(t, http.StatusOK, status)
}

func TestMethodNotAllowed(t *testing.T) {
	e := newTestEnv(t)
	resp, err := http.Get(e.srv.URL + "/chat/post")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStatusOf(t *testing.T) {
	assert.Equal(t, http.StatusInternalServerError, statusOf(fmt.Errorf("boom")))
	assert.Equal(t, http.StatusBadRequest, statusOf(chat.NewError(chat.EmptyMessage)))
	assert.Equal(t, http.StatusConflict, statusOf(chat.NewError(chat.RoomInactive)))
}

func TestGetRemoteIP(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	r.RemoteAddr = "10.0.0.1:1234"
	assert.Equal(t, "10.0.0.1", getRemoteIP(r))

	r.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	assert.Equal(t, "2.2.2.2", getRemoteIP(r))

	r.Header.Set("X-Real-IP", "3.3.3.3")
	assert.Equal(t, "3.3.3.3", getRemoteIP(r))
}

func (e *testEnv) dial(t *testing.T, uid int32, name string) *websocket.Conn {
	header := http.Header{}
	header.Add("Cookie", fmt.Sprintf("x-uid=%d; x-name=%s", uid, name))
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, req interface{}) *rawEnvelope {
	require.NoError(t, conn.SetWriteDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.WriteJSON(req))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	out := &rawEnvelope{}
	require.NoError(t, conn.ReadJSON(out))
	return out
}

func TestWebsocketSession(t *testing.T) {
	e := newTestEnv(t)
	tok, err := e.tokens.Issue(bob, 9)
	require.NoError(t, err)

	conn := e.dial(t, bob, "bob")

	env := roundTrip(t, conn, map[string]interface{}{
		"id":   1,
		"post": map[string]interface{}{"chat_id": 9, "message": "over ws", "token": tok},
	})
	assert.EqualValues(t, 1, env.Id)
	require.True(t, env.Success)

	env = roundTrip(t, conn, map[string]interface{}{
		"id":   2,
		"poll": map[string]interface{}{"chat_id": 9, "count": 1, "token": tok},
	})
	assert.EqualValues(t, 2, env.Id)
	assert.True(t, env.Success)
	assert.Equal(t, "0", string(env.Data))

	env = roundTrip(t, conn, map[string]interface{}{
		"id":   3,
		"poll": map[string]interface{}{"chat_id": 9, "count": 0, "token": tok},
	})
	assert.True(t, env.Success)
	assert.JSONEq(t, `{"bob":{"typing":false}}`, string(extract(t, env.Data, "presence")))

	env = roundTrip(t, conn, map[string]interface{}{
		"id":   4,
		"post": map[string]interface{}{"chat_id": 9, "token": tok},
	})
	assert.EqualValues(t, 4, env.Id)
	assert.Equal(t, "Error: Missing Arguments.", reasonOf(t, env))

	env = roundTrip(t, conn, map[string]interface{}{"id": 5})
	assert.Equal(t, "Error: Missing Arguments.", reasonOf(t, env))

	assert.Equal(t, 1, e.hub.Sessions())
}

func TestWebsocketUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	wsURL := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws"
	_, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}
