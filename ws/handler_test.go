package ws

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// upgradePair returns both ends of one websocket connection.
func upgradePair(t *testing.T) (*websocket.Conn, *websocket.Conn) {
	connC := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		connC <- conn
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	select {
	case server := <-connC:
		return server, client
	case <-time.After(time.Second):
		t.Fatal("no server side connection")
		return nil, nil
	}
}

func TestFullDataChanClosesSession(t *testing.T) {
	e := newTestEnv(t)
	serverConn, client := upgradePair(t)

	h := &Handler{
		dataChan: make(chan *SessionData, 2),
		session:  &Session{Sid: "s1", Uid: alice},
		conn:     serverConn,
		api:      e.hub.api,
		hub:      e.hub,
	}
	e.hub.hstore.add(h)
	require.Equal(t, 1, e.hub.Sessions())

	// Stands in for a sendLoop busy writing to the peer while the session is closed.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		for i := 0; ; i++ {
			if err := sendEnvelope(serverConn, &Envelope{Id: int64(i), Success: true, Data: "x"}); err != nil {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	// Nothing drains dataChan; the third reply overflows it.
	for i := 1; i <= 3; i++ {
		h.reply(int64(i), "x", nil)
	}

	require.Eventually(t, h.isClosing, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return e.hub.Sessions() == 0 }, time.Second, 10*time.Millisecond)

	// The peer gets the queued frames, then a normal close.
	require.NoError(t, client.SetReadDeadline(time.Now().Add(2*time.Second)))
	var err error
	for err == nil {
		_, _, err = client.ReadMessage()
	}
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "read error: %v", err)

	select {
	case <-writerDone:
	case <-time.After(2 * time.Second):
		t.Fatal("writer did not stop after close")
	}

	// Replies after close are dropped.
	h.reply(9, "x", nil)
}
