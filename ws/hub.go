package ws

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang/glog"
	"github.com/pborman/uuid"

	"github.com/mqy/minichat/auth"
)

// Hub upgrades websocket requests and keeps track of live sessions.
type Hub struct {
	api        *Api
	authClient auth.Client
	hstore     *HandlerStore
	readLimit  int
}

// NewHub creates a `Hub`. Frames larger than readLimit bytes close the session.
func NewHub(api *Api, authClient auth.Client, readLimit int) *Hub {
	if readLimit <= 0 {
		readLimit = 2 * api.conf.MaxMessageBytes
	}
	return &Hub{
		api:        api,
		authClient: authClient,
		readLimit:  readLimit,
		hstore: &HandlerStore{
			handlers: make(map[string]*Handler),
		},
	}
}

// Run blocks until ctx is done, then closes all sessions.
func (h *Hub) Run(ctx context.Context, stopDoneNotifyC chan<- struct{}) {
	<-ctx.Done()
	glog.Infof("close connections ...")
	h.hstore.close()
	glog.Infof("close connections done")
	stopDoneNotifyC <- struct{}{}
}

// Sessions returns the number of live sessions.
func (h *Hub) Sessions() int {
	return h.hstore.size()
}

// ServeHTTP handles websocket requests from the peer.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid, err := h.authClient.Auth(r)
	if err != nil {
		glog.Errorf("ServeHTTP(): authenticate error: %v", err)
		http.Error(w, "Authenticate error", http.StatusForbidden)
		return
	}

	sess := &Session{
		Uid:        uid,
		Sid:        strings.ReplaceAll(uuid.New(), "-", ""),
		CreateTime: time.Now().Unix(),
		Ip:         getRemoteIP(r),
	}

	// If the upgrade fails, then Upgrade replies to the client with an HTTP error response.
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Errorf("ServeHTTP(): upgrader.Upgrade error, uid: %d, err: %s", uid, err)
		return
	}

	// NOTE:  after upgrade, `w.WriteHeader(...)`` causes error `response.Write on hijacked connection`.

	handler := &Handler{
		dataChan: make(chan *SessionData, 16),
		session:  sess,
		conn:     conn,
		api:      h.api,
		hub:      h,
	}

	conn.SetCloseHandler(func(code int, text string) error {
		glog.V(5).Infof("session closed by peer, session: %s, code: %d, text: %s", handler, code, text)
		h.delHandler(sess.Sid)
		return nil
	})

	h.hstore.add(handler)
	glog.V(5).Infof("session online: %s", handler)

	go handler.recvLoop()
	go handler.sendLoop()
}

func (h *Hub) delHandler(sid string) {
	if h.hstore.del(sid) {
		glog.V(5).Infof("session offline: %s", sid)
	}
}

func getRemoteIP(r *http.Request) string {
	ip := r.Header.Get("X-REAL-IP")
	if ip == "" {
		if ips := r.Header.Get("X-FORWARDED-FOR"); ips != "" {
			for _, x := range strings.Split(ips, ",") {
				if x = strings.TrimSpace(x); x != "" {
					ip = x
				}
			}
		}
	}
	if ip == "" {
		ip, _, _ = net.SplitHostPort(r.RemoteAddr)
	}

	return ip
}
