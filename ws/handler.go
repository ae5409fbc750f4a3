package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"

	"github.com/mqy/minichat/chat"
)

type SessionError int

const (
	ReadError  SessionError = 1
	WriteError SessionError = 2
	PingError  SessionError = 3
	BadRequest SessionError = 4
	ServerStop SessionError = 5
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 3 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = 20 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 25 * time.Second

	// Per request budget of post and poll.
	requestTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// When the node is behind nginx, origin is the public host.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Session describes a websocket connection.
type Session struct {
	Sid        string `json:"sid"`
	Uid        int32  `json:"uid"`
	CreateTime int64  `json:"create_time"`
	Ip         string `json:"ip"`
}

// ClientMsg is a request frame. Exactly one of Post and Poll is set.
// Id is echoed back in the response envelope.
type ClientMsg struct {
	Id   int64    `json:"id"`
	Post *PostReq `json:"post,omitempty"`
	Poll *PollReq `json:"poll,omitempty"`
}

// Handler serves requests of one websocket session, one at a time.
type Handler struct {
	sync.Mutex

	api *Api
	hub *Hub

	session *Session
	conn    *websocket.Conn

	dataChan chan *SessionData
	closing  bool
}

// SessionData is the data structure for `dataChan`.
type SessionData struct {
	Error SessionError `json:"error,omitempty"`
	Resp  *Envelope    `json:"resp,omitempty"`
}

func (h *Handler) String() string {
	out, _ := json.Marshal(h.session)
	return string(out)
}

func (h *Handler) isClosing() bool {
	h.Lock()
	defer h.Unlock()
	return h.closing
}

func (h *Handler) close(cause SessionError) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}

	h.closing = true

	// close may run while sendLoop is inside a write; WriteControl may be called concurrently.
	_ = h.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	h.conn.Close()

	close(h.dataChan)

	if cause != ServerStop {
		glog.V(5).Infof("session closed, cause: %d, %s", cause, h)
		h.hub.delHandler(h.session.Sid)
	}
}

func (h *Handler) appendDataChan(v *SessionData) {
	h.Lock()
	defer h.Unlock()
	if h.closing {
		return
	}
	select {
	case h.dataChan <- v:
	default:
		// The peer does not drain its responses.
		glog.Errorf("session data chan full, closing: %s", h)
		go h.close(WriteError)
	}
}

func (h *Handler) reply(id int64, data interface{}, err error) {
	if err != nil {
		h.appendDataChan(&SessionData{Resp: &Envelope{Id: id, Success: false, Data: chat.Reason(err)}})
		return
	}
	h.appendDataChan(&SessionData{Resp: &Envelope{Id: id, Success: true, Data: data}})
}

func sendEnvelope(conn *websocket.Conn, env *Envelope) error {
	out, err := json.Marshal(env)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, out)
}

func (h *Handler) serve(req *ClientMsg) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	uid := h.session.Uid
	if v := req.Post; v != nil {
		resp, err := h.api.Post(ctx, uid, v)
		if err != nil {
			glog.V(5).Infof("recvLoop(): post error: %v, session: %s", err, h)
		}
		h.reply(req.Id, resp, err)
	} else if v := req.Poll; v != nil {
		resp, err := h.api.Poll(ctx, uid, v)
		if err != nil {
			glog.V(5).Infof("recvLoop(): poll error: %v, session: %s", err, h)
		}
		h.reply(req.Id, resp, err)
	} else {
		h.reply(req.Id, nil, chat.NewError(chat.MissingArguments))
	}
}

func (h *Handler) recvLoop() {
	defer func() { glog.V(5).Infof("recvLoop(): exited, session: %s", h.String()) }()

	h.conn.SetReadLimit(int64(h.hub.readLimit))
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(s string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for !h.isClosing() {
		msgType, msg, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				glog.Errorf("recvLoop(): read error: %v", err)
			}
			h.appendDataChan(&SessionData{Error: ReadError})
			return
		}

		glog.V(5).Infof("recvLoop(): incoming client message: %v", string(msg))

		if msgType != websocket.TextMessage {
			glog.Errorf("recvLoop(): unexpected message type: %d", msgType)
			h.reply(0, nil, chat.NewError(chat.MissingArguments))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		req := &ClientMsg{}
		if err := json.Unmarshal(msg, req); err != nil {
			glog.Errorf("recvLoop(): message error: msg: %s, err: %v", string(msg), err)
			h.reply(req.Id, nil, chat.NewError(chat.MissingArguments))
			h.appendDataChan(&SessionData{Error: BadRequest})
			return
		}

		h.serve(req)
	}
}

func (h *Handler) sendLoop() {
	pingTicker := time.NewTicker(pingPeriod)
	defer func() {
		pingTicker.Stop()
		glog.V(5).Infof("sendLoop(): exited, session: %s", h.String())
	}()

	for {
		select {
		case v, ok := <-h.dataChan:
			if !ok { // chan was closed
				h.conn.Close()
				glog.V(5).Infof("sendLoop(): data chan closed, session: %s", h.String())
				return
			}

			if glog.V(5) {
				dataJson, _ := json.Marshal(v)
				logValue := string(dataJson)
				if len(logValue) > 100 {
					logValue = logValue[:100] + " ..."
				}
				glog.Infof("sendLoop(), get from data chan, value: %s, session: %s", logValue, h.String())
			}

			if v.Error > 0 {
				h.close(v.Error)
				return
			} else if v.Resp == nil {
				// should not happen.
				panic(fmt.Sprintf("sendLoop(), unknown data from dataChan: %#+v", v))
			}

			if err := sendEnvelope(h.conn, v.Resp); err != nil {
				glog.Errorf("sendLoop(), error write message. session: %s, err: %v", h.String(), err)
				h.close(WriteError)
				return
			}
		case <-pingTicker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Errorf("sendLoop(), error write ping message. session: %s, err: %v", h, err)
				h.close(PingError)
				return
			}
		}
	}
}
